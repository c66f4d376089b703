// Package fulfillment carries one claimed post through content, image,
// publish and billing. Each step is persisted before the next starts, so
// a crash leaves the post showing how far it got.
package fulfillment

import (
	"context"
	"errors"
	"sync"
	"time"

	"postpilot/internal/domain"
	"postpilot/internal/eventbus"
	logx "postpilot/pkg/logx"
)

// failWriteTimeout bounds the write that marks a post failed, which runs
// even after the run context is gone.
const failWriteTimeout = 10 * time.Second

type Deps struct {
	Posts     PostLedger
	Credits   CreditLedger
	Users     Users
	Content   ContentGenerator
	Images    ImageGenerator
	Publisher Publisher
	Bus       eventbus.Bus
	Now       func() time.Time
}

type Pipeline struct {
	d   Deps
	log logx.Logger

	mu       sync.RWMutex
	timeouts Timeouts
}

func New(d Deps, timeouts Timeouts, log logx.Logger) *Pipeline {
	if log.IsZero() {
		log = logx.Nop()
	}
	if d.Bus == nil {
		d.Bus = eventbus.Nop{}
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	p := &Pipeline{d: d, log: log}
	p.Apply(timeouts)
	return p
}

// Apply swaps provider timeouts; zero fields keep their defaults.
func (p *Pipeline) Apply(t Timeouts) {
	if t.Content <= 0 {
		t.Content = DefaultTimeouts.Content
	}
	if t.Image <= 0 {
		t.Image = DefaultTimeouts.Image
	}
	if t.Publish <= 0 {
		t.Publish = DefaultTimeouts.Publish
	}
	p.mu.Lock()
	p.timeouts = t
	p.mu.Unlock()
}

func (p *Pipeline) currentTimeouts() Timeouts {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.timeouts
}

// Fulfill publishes a Scheduled post now: a future post is first moved to
// the current instant, then claimed and run. ok is false when the post was
// not Scheduled or another owner claimed it first.
func (p *Pipeline) Fulfill(ctx context.Context, postID string) (bool, error) {
	post, err := p.d.Posts.Get(ctx, postID)
	if err != nil {
		return false, err
	}
	if post.Status != domain.StatusScheduled {
		return false, nil
	}
	if now := p.d.Now(); post.ScheduledAt.After(now) {
		moved, err := p.d.Posts.Reschedule(ctx, postID, now)
		if err != nil || !moved {
			return false, err
		}
	}
	claimed, ok, err := p.d.Posts.Claim(ctx, postID)
	if err != nil || !ok {
		return false, err
	}
	return true, p.Run(ctx, claimed)
}

// Run drives a claimed (Generating) post to Posted or Failed. The returned
// error is nil only when the post was published and billed.
func (p *Pipeline) Run(ctx context.Context, post domain.ScheduledPost) error {
	if post.Status != domain.StatusGenerating {
		return domain.Invalid("status", "post "+post.ID+" is "+post.Status.String()+", not claimed")
	}
	log := p.log.With(logx.String("post", post.ID), logx.String("user", post.UserID))
	p.publish(eventbus.PostClaimed, post, nil)
	started := p.d.Now()

	user, err := p.d.Users.GetUser(ctx, post.UserID)
	if err != nil {
		return p.abort(ctx, log, &post, &domain.PersistenceError{Op: "load user", Err: err})
	}

	cost := p.d.Credits.CostPerPost()
	has, err := p.d.Credits.HasSufficient(ctx, user.ID, cost)
	if err != nil {
		return p.abort(ctx, log, &post, &domain.PersistenceError{Op: "check credits", Err: err})
	}
	if !has {
		return p.abort(ctx, log, &post, &domain.InsufficientCreditsError{UserID: user.ID, Balance: user.Credits, Required: cost})
	}

	seq, err := p.d.Posts.SequenceNumber(ctx, user.ID)
	if err != nil {
		return p.abort(ctx, log, &post, err)
	}
	to := p.currentTimeouts()

	content, err := callWithTimeout(ctx, to.Content, func(c context.Context) (Content, error) {
		return p.d.Content.GenerateContent(c, ContentRequest{BusinessSummary: user.BusinessSummary, Style: user.PostStyle, Sequence: seq})
	})
	if err == nil && (content.ImagePrompt == "" || content.Caption == "") {
		err = errors.New("content provider returned an empty image prompt or caption")
	}
	if err != nil {
		return p.abort(ctx, log, &post, &domain.ProviderError{Stage: domain.StageContent, Err: err})
	}
	if err := p.d.Posts.Save(ctx, &post, domain.PostPatch{ImagePrompt: &content.ImagePrompt, Caption: &content.Caption}); err != nil {
		return p.abort(ctx, log, &post, err)
	}
	log.Debug("content generated", logx.Int("sequence", seq))

	img, err := callWithTimeout(ctx, to.Image, func(c context.Context) (Image, error) {
		return p.d.Images.GenerateImage(c, ImageRequest{PostID: post.ID, Prompt: content.ImagePrompt})
	})
	if err == nil && img.LocalPath == "" && img.URL == "" {
		err = errors.New("no image returned")
	}
	if err != nil {
		return p.abort(ctx, log, &post, &domain.ProviderError{Stage: domain.StageImage, Err: err})
	}
	if err := p.d.Posts.Advance(ctx, &post, domain.StatusReady, domain.PostPatch{ImageLocalPath: &img.LocalPath, ImageURL: &img.URL}); err != nil {
		return p.abort(ctx, log, &post, err)
	}
	p.publish(eventbus.PostReady, post, nil)

	if err := p.d.Posts.Advance(ctx, &post, domain.StatusPosting, domain.PostPatch{}); err != nil {
		return p.abort(ctx, log, &post, err)
	}
	pub, err := callWithTimeout(ctx, to.Publish, func(c context.Context) (Publication, error) {
		return p.d.Publisher.Publish(c, PublishRequest{
			PageID:    user.PageID,
			PageToken: user.PageToken,
			Caption:   post.Caption,
			ImagePath: post.ImageLocalPath,
			ImageURL:  post.ImageURL,
		})
	})
	if err != nil {
		return p.abort(ctx, log, &post, &domain.ProviderError{Stage: domain.StagePublish, Err: err})
	}
	postedAt := p.d.Now().UTC()
	if err := p.d.Posts.Advance(ctx, &post, domain.StatusPosted, domain.PostPatch{
		ExternalPostID:  &pub.ExternalID,
		ExternalPostURL: &pub.URL,
		PostedAt:        &postedAt,
	}); err != nil {
		// Already public: failing the row would misreport it.
		log.Error("post published but not recorded as posted; manual reconciliation required",
			logx.String("external_id", pub.ExternalID), logx.String("url", pub.URL), logx.Err(err))
		return err
	}
	p.publish(eventbus.PostPosted, post, nil)

	ok, balance, err := p.d.Credits.DebitForPost(ctx, user.ID, post.ID)
	if err == nil && !ok {
		err = &domain.InsufficientCreditsError{UserID: user.ID, Balance: balance, Required: cost}
	}
	if err != nil {
		berr := &domain.BillingError{PostID: post.ID, Err: err}
		log.Error("post published but unbilled; manual reconciliation required", logx.Err(err))
		p.publish(eventbus.PostUnbilled, post, berr)
		return berr
	}

	log.Info("post published",
		logx.String("url", pub.URL),
		logx.String("balance", balance.String()),
		logx.Duration("took", p.d.Now().Sub(started)),
	)
	return nil
}

// abort marks the post failed with cause's message and returns cause. A
// post another owner already moved is left alone.
func (p *Pipeline) abort(ctx context.Context, log logx.Logger, post *domain.ScheduledPost, cause error) error {
	if errors.Is(cause, domain.ErrStale) {
		log.Warn("post moved by another owner; abandoning run", logx.Err(cause))
		return cause
	}

	var pe *domain.PersistenceError
	persistence := errors.As(cause, &pe)
	if persistence {
		log.Error("fulfillment persistence failure", logx.String("status", post.Status.String()), logx.Err(cause))
	}

	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), failWriteTimeout)
	defer cancel()
	if err := p.d.Posts.Fail(wctx, post, cause.Error()); err != nil {
		log.Error("could not mark post failed; post is stuck", logx.String("status", post.Status.String()), logx.Err(err))
		if persistence {
			return cause
		}
		return &domain.PersistenceError{Op: "mark failed", Err: errors.Join(cause, err)}
	}
	if !persistence {
		log.Warn("post failed", logx.Err(cause))
	}
	p.publish(eventbus.PostFailed, *post, cause)
	return cause
}

func (p *Pipeline) publish(typ string, post domain.ScheduledPost, err error) {
	ev := eventbus.PostEvent{PostID: post.ID, UserID: post.UserID, Status: post.Status.String()}
	if err != nil {
		ev.Error = err.Error()
	}
	p.d.Bus.Publish(eventbus.Event{Type: typ, Time: p.d.Now(), Data: ev})
}

func callWithTimeout[T any](ctx context.Context, d time.Duration, fn func(context.Context) (T, error)) (T, error) {
	if d > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}
	return fn(ctx)
}
