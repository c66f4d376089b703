package fulfillment

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"postpilot/internal/domain"
)

type ContentRequest struct {
	BusinessSummary string
	Style           string
	// Sequence is the 1-based number of the post being written, used to
	// vary content between posts.
	Sequence int
}

type Content struct {
	ImagePrompt string
	Caption     string
}

type ImageRequest struct {
	PostID string
	Prompt string
}

// Image is where a rendered image ended up. At least one field is set.
type Image struct {
	LocalPath string
	URL       string
}

type PublishRequest struct {
	PageID    string
	PageToken string
	Caption   string
	ImagePath string
	ImageURL  string
}

type Publication struct {
	ExternalID string
	URL        string
}

type ContentGenerator interface {
	GenerateContent(ctx context.Context, req ContentRequest) (Content, error)
}

type ImageGenerator interface {
	GenerateImage(ctx context.Context, req ImageRequest) (Image, error)
}

type Publisher interface {
	Publish(ctx context.Context, req PublishRequest) (Publication, error)
}

// PostLedger is the post side of fulfillment. Every call is one committed
// unit.
type PostLedger interface {
	Get(ctx context.Context, postID string) (domain.ScheduledPost, error)
	Reschedule(ctx context.Context, postID string, at time.Time) (bool, error)
	Claim(ctx context.Context, postID string) (domain.ScheduledPost, bool, error)
	Save(ctx context.Context, p *domain.ScheduledPost, patch domain.PostPatch) error
	Advance(ctx context.Context, p *domain.ScheduledPost, to domain.PostStatus, patch domain.PostPatch) error
	Fail(ctx context.Context, p *domain.ScheduledPost, msg string) error
	SequenceNumber(ctx context.Context, userID string) (int, error)
}

type CreditLedger interface {
	CostPerPost() decimal.Decimal
	HasSufficient(ctx context.Context, userID string, amount decimal.Decimal) (bool, error)
	DebitForPost(ctx context.Context, userID, postID string) (bool, decimal.Decimal, error)
}

type Users interface {
	GetUser(ctx context.Context, id string) (domain.User, error)
}

// Timeouts bound each provider call. Zero means no limit.
type Timeouts struct {
	Content time.Duration
	Image   time.Duration
	Publish time.Duration
}

var DefaultTimeouts = Timeouts{
	Content: 60 * time.Second,
	Image:   120 * time.Second,
	Publish: 60 * time.Second,
}
