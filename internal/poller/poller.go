// Package poller sweeps due posts into the task engine on a fixed period.
package poller

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"postpilot/internal/domain"
	"postpilot/internal/task/engine"
	"postpilot/internal/task/scheduler"
	logx "postpilot/pkg/logx"
)

const (
	ScheduleName      = "post-poller"
	DefaultEvery      = "60s"
	DefaultBatchLimit = 50

	tickTimeout    = 30 * time.Second
	releaseTimeout = 10 * time.Second
)

type Config struct {
	Every      string
	BatchLimit int
}

func (c Config) withDefaults() Config {
	if c.Every == "" {
		c.Every = DefaultEvery
	}
	if c.BatchLimit <= 0 {
		c.BatchLimit = DefaultBatchLimit
	}
	return c
}

type Posts interface {
	ClaimDue(ctx context.Context, now time.Time, limit int) ([]domain.ScheduledPost, error)
	Release(ctx context.Context, p *domain.ScheduledPost) error
}

type Runner interface {
	Run(ctx context.Context, post domain.ScheduledPost) error
	Fulfill(ctx context.Context, postID string) (bool, error)
}

type Enqueuer interface {
	Enqueue(t engine.Task) error
}

// Registrar is the trigger scheduler.
type Registrar interface {
	AddSchedule(name, schedule string, timeout time.Duration, job func(ctx context.Context) error, opts ...scheduler.ScheduleOption) error
	Remove(name string) bool
}

type Poller struct {
	posts  Posts
	runner Runner
	eng    Enqueuer
	log    logx.Logger
	now    func() time.Time

	mu  sync.Mutex
	cfg Config
	reg Registrar
}

func New(cfg Config, posts Posts, runner Runner, eng Enqueuer, log logx.Logger) *Poller {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Poller{
		posts:  posts,
		runner: runner,
		eng:    eng,
		log:    log,
		now:    time.Now,
		cfg:    cfg.withDefaults(),
	}
}

// Register installs the sweep on reg. Later Apply calls re-register it.
func (p *Poller) Register(reg Registrar) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.reg = reg
	return p.registerLocked()
}

// Apply swaps the config; a changed period re-registers the sweep.
func (p *Poller) Apply(cfg Config) error {
	cfg = cfg.withDefaults()
	p.mu.Lock()
	defer p.mu.Unlock()
	old := p.cfg
	p.cfg = cfg
	if p.reg == nil || old.Every == cfg.Every {
		return nil
	}
	if err := p.registerLocked(); err != nil {
		p.cfg = old
		_ = p.registerLocked()
		return err
	}
	p.log.Info("poll period changed", logx.String("from", old.Every), logx.String("to", cfg.Every))
	return nil
}

// registerLocked installs the sweep inline: it must keep its period even
// when every engine worker is busy with a long run.
func (p *Poller) registerLocked() error {
	if err := p.reg.AddSchedule(ScheduleName, p.cfg.Every, tickTimeout, func(ctx context.Context) error {
		_, err := p.Tick(ctx)
		return err
	}, scheduler.Inline()); err != nil {
		return fmt.Errorf("poller schedule %q: %w", p.cfg.Every, err)
	}
	return nil
}

// Tick claims due posts and hands each to the engine. It returns how many
// were dispatched. Posts the engine refuses go back to Scheduled. When the
// claim fails part way, the posts already claimed are still dispatched
// before the error is returned.
func (p *Poller) Tick(ctx context.Context) (int, error) {
	p.mu.Lock()
	limit := p.cfg.BatchLimit
	p.mu.Unlock()

	claimed, err := p.posts.ClaimDue(ctx, p.now(), limit)
	if err != nil {
		p.log.Error("claim due posts failed", logx.Int("claimed", len(claimed)), logx.Err(err))
	}
	sent := 0
	for i := range claimed {
		post := claimed[i]
		if eerr := p.eng.Enqueue(p.task(post)); eerr != nil {
			if errors.Is(eerr, engine.ErrOverlapSkip) {
				p.log.Debug("post deferred; owner has a run in progress", logx.String("post", post.ID))
			} else {
				p.log.Warn("post not dispatched", logx.String("post", post.ID), logx.Err(eerr))
			}
			p.release(post, "enqueue_failed")
			continue
		}
		sent++
	}
	if len(claimed) > 0 {
		p.log.Debug("due posts dispatched", logx.Int("claimed", len(claimed)), logx.Int("sent", sent))
	}
	return sent, err
}

// userKey serializes runs per owner: two runs of one user could both pass
// the credit check against the same balance.
func userKey(userID string) string { return "user:" + userID }

func (p *Poller) task(post domain.ScheduledPost) engine.Task {
	return engine.Task{
		Name: "fulfill",
		Key:  userKey(post.UserID),
		Opt:  engine.TaskOptions{Overlap: engine.OverlapSkipIfRunning, RetryMax: -1},
		Run: func(ctx context.Context) error {
			return engine.NoRetry(p.runner.Run(ctx, post))
		},
		OnDrop: func(reason string) {
			p.release(post, reason)
		},
	}
}

func (p *Poller) release(post domain.ScheduledPost, reason string) {
	ctx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
	defer cancel()
	if err := p.posts.Release(ctx, &post); err != nil {
		p.log.Error("release claim failed; post is stuck in generating", logx.String("post", post.ID), logx.String("reason", reason), logx.Err(err))
		return
	}
	p.log.Info("claim released", logx.String("post", post.ID), logx.String("reason", reason))
}

// ErrNotScheduled is returned by PublishNow when the post is past Scheduled.
var ErrNotScheduled = errors.New("post is not scheduled")

// PublishNow queues an immediate run of one Scheduled post. ErrOverlapSkip
// means the owner already has a run in progress.
func (p *Poller) PublishNow(_ context.Context, userID, postID string) error {
	return p.eng.Enqueue(engine.Task{
		Name: "publish-now",
		Key:  userKey(userID),
		Opt:  engine.TaskOptions{Overlap: engine.OverlapSkipIfRunning, RetryMax: -1},
		Run: func(ctx context.Context) error {
			ok, err := p.runner.Fulfill(ctx, postID)
			if err == nil && !ok {
				err = ErrNotScheduled
			}
			return engine.NoRetry(err)
		},
	})
}
