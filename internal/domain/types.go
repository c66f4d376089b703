package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// User is the owner of posts and credits. Identity and onboarding live
// elsewhere; this service only reads what it needs to publish and bill.
type User struct {
	ID        string
	Email     string
	Name      string
	PageID    string
	PageName  string
	PageToken string

	BusinessSummary string
	PostStyle       string
	Cadence         Cadence

	IsOnboarded bool
	IsActive    bool

	Credits          decimal.Decimal
	CreditsPurchased decimal.Decimal
	CreditsUsed      decimal.Decimal

	CreatedAt time.Time
	UpdatedAt time.Time
}

// ScheduledPost is one planned publication.
type ScheduledPost struct {
	ID          string
	UserID      string
	ScheduledAt time.Time
	Status      PostStatus

	ImagePrompt    string
	Caption        string
	ImageLocalPath string
	ImageURL       string

	ExternalPostID  string
	ExternalPostURL string
	PostedAt        *time.Time

	ErrorMessage   string
	CreditsCharged decimal.Decimal

	CreatedAt time.Time
	UpdatedAt time.Time
}

// ImageRef returns whatever the publisher can use: the local file first.
func (p ScheduledPost) ImageRef() string {
	if p.ImageLocalPath != "" {
		return p.ImageLocalPath
	}
	return p.ImageURL
}

// CreditTransaction is an append-only ledger entry. Debits are negative.
type CreditTransaction struct {
	ID           string
	UserID       string
	Amount       decimal.Decimal
	BalanceAfter decimal.Decimal
	Description  string
	PostID       string
	PaymentRef   string
	CreatedAt    time.Time
}

// PostPatch carries the fields a pipeline step persists alongside a status
// change. Nil fields are left untouched.
type PostPatch struct {
	ImagePrompt     *string
	Caption         *string
	ImageLocalPath  *string
	ImageURL        *string
	ExternalPostID  *string
	ExternalPostURL *string
	PostedAt        *time.Time
	ErrorMessage    *string
}

// Apply copies the set fields onto p.
func (pp PostPatch) Apply(p *ScheduledPost) {
	if pp.ImagePrompt != nil {
		p.ImagePrompt = *pp.ImagePrompt
	}
	if pp.Caption != nil {
		p.Caption = *pp.Caption
	}
	if pp.ImageLocalPath != nil {
		p.ImageLocalPath = *pp.ImageLocalPath
	}
	if pp.ImageURL != nil {
		p.ImageURL = *pp.ImageURL
	}
	if pp.ExternalPostID != nil {
		p.ExternalPostID = *pp.ExternalPostID
	}
	if pp.ExternalPostURL != nil {
		p.ExternalPostURL = *pp.ExternalPostURL
	}
	if pp.PostedAt != nil {
		t := *pp.PostedAt
		p.PostedAt = &t
	}
	if pp.ErrorMessage != nil {
		p.ErrorMessage = *pp.ErrorMessage
	}
}

// Ptr is a small helper for building patches.
func Ptr[T any](v T) *T { return &v }
