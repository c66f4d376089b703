// Package posts is the post ledger: scheduling, listing, cancel and
// reschedule for users, and the guarded status transitions fulfillment
// drives.
package posts

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"postpilot/internal/domain"
	"postpilot/internal/planner"
	logx "postpilot/pkg/logx"
)

// Store is the datastore surface the ledger needs.
type Store interface {
	GetUser(ctx context.Context, id string) (domain.User, error)
	InsertPosts(ctx context.Context, userID string, at []time.Time) ([]domain.ScheduledPost, error)
	ListPosts(ctx context.Context, userID string) ([]domain.ScheduledPost, error)
	GetPost(ctx context.Context, id string) (domain.ScheduledPost, error)
	DeleteIfScheduled(ctx context.Context, id string) (bool, error)
	Reschedule(ctx context.Context, id string, at time.Time) (bool, error)
	ClaimDue(ctx context.Context, now time.Time, limit int) ([]domain.ScheduledPost, error)
	Claim(ctx context.Context, id string) (domain.ScheduledPost, bool, error)
	Transition(ctx context.Context, id string, from, to domain.PostStatus, patch domain.PostPatch) (bool, error)
	CountPosted(ctx context.Context, userID string) (int, error)
}

type Options struct {
	// Count is how many future posts one ScheduleBatch plans.
	Count int
	// Location is the zone preferred posting times are read in.
	Location *time.Location
}

type Ledger struct {
	store Store
	log   logx.Logger

	mu  sync.RWMutex
	opt Options
}

func NewLedger(store Store, opt Options, log logx.Logger) *Ledger {
	if log.IsZero() {
		log = logx.Nop()
	}
	l := &Ledger{store: store, log: log}
	l.Apply(opt)
	return l
}

// Apply swaps planning options; used on config reload.
func (l *Ledger) Apply(opt Options) {
	if opt.Count <= 0 {
		opt.Count = planner.DefaultCount
	}
	if opt.Location == nil {
		opt.Location = time.UTC
	}
	l.mu.Lock()
	l.opt = opt
	l.mu.Unlock()
}

func (l *Ledger) options() Options {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.opt
}

// ScheduleBatch plans the user's next posts from `from` and inserts the
// instants not already taken by a live post. It returns only new rows.
func (l *Ledger) ScheduleBatch(ctx context.Context, userID string, from time.Time) ([]domain.ScheduledPost, error) {
	if userID == "" {
		return nil, domain.Invalid("user_id", "required")
	}
	u, err := l.store.GetUser(ctx, userID)
	if err != nil {
		return nil, persistence("get user", err)
	}
	if !u.IsOnboarded {
		return nil, domain.Invalid("cadence", "user has not completed onboarding")
	}

	opt := l.options()
	instants := planner.Plan(u.Cadence, from.In(opt.Location), opt.Count)
	created, err := l.store.InsertPosts(ctx, userID, instants)
	if err != nil {
		return nil, persistence("insert posts", err)
	}
	l.log.Info("posts scheduled",
		logx.String("user", userID),
		logx.String("recurrence", string(u.Cadence.Kind)),
		logx.Int("planned", len(instants)),
		logx.Int("created", len(created)),
	)
	return created, nil
}

// Posts lists a user's posts by scheduled_at ascending.
func (l *Ledger) Posts(ctx context.Context, userID string) ([]domain.ScheduledPost, error) {
	out, err := l.store.ListPosts(ctx, userID)
	return out, persistence("list posts", err)
}

func (l *Ledger) Get(ctx context.Context, postID string) (domain.ScheduledPost, error) {
	p, err := l.store.GetPost(ctx, postID)
	return p, persistence("get post", err)
}

// Cancel deletes a Scheduled post. Any other status, or a missing row,
// reports false without touching anything.
func (l *Ledger) Cancel(ctx context.Context, postID string) (bool, error) {
	ok, err := l.store.DeleteIfScheduled(ctx, postID)
	if err != nil {
		return false, persistence("cancel post", err)
	}
	if ok {
		l.log.Info("post cancelled", logx.String("post", postID))
	}
	return ok, nil
}

// Reschedule moves a Scheduled post to at. It reports false when the post
// is missing, past Scheduled, or at is taken by another live post.
func (l *Ledger) Reschedule(ctx context.Context, postID string, at time.Time) (bool, error) {
	if at.IsZero() {
		return false, domain.Invalid("scheduled_at", "required")
	}
	ok, err := l.store.Reschedule(ctx, postID, at)
	if err != nil {
		return false, persistence("reschedule post", err)
	}
	if ok {
		l.log.Info("post rescheduled", logx.String("post", postID), logx.Time("at", at))
	}
	return ok, nil
}

// Claim moves one post Scheduled -> Generating. ok is false when the post
// was not Scheduled.
func (l *Ledger) Claim(ctx context.Context, postID string) (domain.ScheduledPost, bool, error) {
	p, ok, err := l.store.Claim(ctx, postID)
	return p, ok, persistence("claim post", err)
}

// ClaimDue claims up to limit due posts. Each returned post belongs to the
// caller alone.
func (l *Ledger) ClaimDue(ctx context.Context, now time.Time, limit int) ([]domain.ScheduledPost, error) {
	out, err := l.store.ClaimDue(ctx, now, limit)
	return out, persistence("claim due posts", err)
}

// Release hands a claimed post back to Scheduled when it could not be
// dispatched.
func (l *Ledger) Release(ctx context.Context, p *domain.ScheduledPost) error {
	if p.Status != domain.StatusGenerating {
		return fmt.Errorf("release post %s: status is %s", p.ID, p.Status)
	}
	ok, err := l.store.Transition(ctx, p.ID, domain.StatusGenerating, domain.StatusScheduled, domain.PostPatch{})
	if err != nil {
		return persistence("release post", err)
	}
	if !ok {
		return fmt.Errorf("release post %s: %w", p.ID, domain.ErrStale)
	}
	p.Status = domain.StatusScheduled
	return nil
}

// Advance persists patch together with the move to `to`. p is updated in
// place on success.
func (l *Ledger) Advance(ctx context.Context, p *domain.ScheduledPost, to domain.PostStatus, patch domain.PostPatch) error {
	if !domain.CanTransition(p.Status, to) {
		return fmt.Errorf("post %s: illegal transition %s -> %s", p.ID, p.Status, to)
	}
	ok, err := l.store.Transition(ctx, p.ID, p.Status, to, patch)
	if err != nil {
		return persistence(fmt.Sprintf("set status %s", to), err)
	}
	if !ok {
		return fmt.Errorf("post %s expected %s: %w", p.ID, p.Status, domain.ErrStale)
	}
	patch.Apply(p)
	p.Status = to
	return nil
}

// Save persists patch without a status change. Only a non-terminal post
// still in p.Status is written.
func (l *Ledger) Save(ctx context.Context, p *domain.ScheduledPost, patch domain.PostPatch) error {
	if p.Status.Terminal() {
		return fmt.Errorf("post %s is %s", p.ID, p.Status)
	}
	ok, err := l.store.Transition(ctx, p.ID, p.Status, p.Status, patch)
	if err != nil {
		return persistence("save post", err)
	}
	if !ok {
		return fmt.Errorf("post %s expected %s: %w", p.ID, p.Status, domain.ErrStale)
	}
	patch.Apply(p)
	return nil
}

// Fail moves p to Failed with msg, keeping whatever content it already has.
func (l *Ledger) Fail(ctx context.Context, p *domain.ScheduledPost, msg string) error {
	return l.Advance(ctx, p, domain.StatusFailed, domain.PostPatch{ErrorMessage: &msg})
}

// SequenceNumber is the 1-based index the user's next published post will
// have.
func (l *Ledger) SequenceNumber(ctx context.Context, userID string) (int, error) {
	n, err := l.store.CountPosted(ctx, userID)
	if err != nil {
		return 0, persistence("count posted", err)
	}
	return n + 1, nil
}

func persistence(op string, err error) error {
	if err == nil || errors.Is(err, domain.ErrNotFound) || domain.IsValidation(err) {
		return err
	}
	var pe *domain.PersistenceError
	if errors.As(err, &pe) {
		return err
	}
	return &domain.PersistenceError{Op: op, Err: err}
}
