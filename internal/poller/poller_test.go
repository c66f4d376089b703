package poller

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"postpilot/internal/domain"
	"postpilot/internal/task/engine"
	"postpilot/internal/task/scheduler"
	logx "postpilot/pkg/logx"
)

type fakePosts struct {
	mu       sync.Mutex
	due      []domain.ScheduledPost
	claimErr error // returned alongside whatever was claimed
	limit    int
	released []string
}

func (f *fakePosts) ClaimDue(_ context.Context, _ time.Time, limit int) ([]domain.ScheduledPost, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.limit = limit
	n := min(limit, len(f.due))
	out := append([]domain.ScheduledPost(nil), f.due[:n]...)
	f.due = f.due[n:]
	for i := range out {
		out[i].Status = domain.StatusGenerating
	}
	return out, f.claimErr
}

func (f *fakePosts) Release(_ context.Context, p *domain.ScheduledPost) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.released = append(f.released, p.ID)
	p.Status = domain.StatusScheduled
	return nil
}

type fakeRunner struct {
	runErr  error
	ran     []string
	fulfill bool
}

func (r *fakeRunner) Run(_ context.Context, post domain.ScheduledPost) error {
	r.ran = append(r.ran, post.ID)
	return r.runErr
}

func (r *fakeRunner) Fulfill(_ context.Context, id string) (bool, error) {
	r.ran = append(r.ran, id)
	return r.fulfill, nil
}

// queue accepts up to capacity tasks and keeps them for the test to run.
// Like the engine, it refuses a second task with a key it already holds.
type queue struct {
	capacity int
	tasks    []engine.Task
}

func (q *queue) Enqueue(t engine.Task) error {
	for _, held := range q.tasks {
		if held.Key == t.Key {
			return engine.ErrOverlapSkip
		}
	}
	if len(q.tasks) >= q.capacity {
		return engine.ErrQueueFull
	}
	q.tasks = append(q.tasks, t)
	return nil
}

type registrar struct {
	schedules map[string]string
	jobs      map[string]func(context.Context) error
	opts      map[string]int
}

func newRegistrar() *registrar {
	return &registrar{schedules: map[string]string{}, jobs: map[string]func(context.Context) error{}, opts: map[string]int{}}
}

func (r *registrar) AddSchedule(name, schedule string, _ time.Duration, job func(ctx context.Context) error, opts ...scheduler.ScheduleOption) error {
	if schedule == "bogus" {
		return errors.New("unparseable")
	}
	r.schedules[name] = schedule
	r.jobs[name] = job
	r.opts[name] = len(opts)
	return nil
}

func (r *registrar) Remove(name string) bool {
	_, ok := r.schedules[name]
	delete(r.schedules, name)
	delete(r.jobs, name)
	return ok
}

func posts(ids ...string) []domain.ScheduledPost {
	out := make([]domain.ScheduledPost, 0, len(ids))
	for _, id := range ids {
		out = append(out, domain.ScheduledPost{ID: id, UserID: "u-" + id, Status: domain.StatusScheduled})
	}
	return out
}

func TestTickDispatchesAndReleasesOverflow(t *testing.T) {
	t.Parallel()
	st := &fakePosts{due: posts("a", "b", "c")}
	run := &fakeRunner{}
	q := &queue{capacity: 2}
	p := New(Config{BatchLimit: 10}, st, run, q, logx.Nop())

	sent, err := p.Tick(context.Background())
	if err != nil {
		t.Fatalf("tick: %v", err)
	}
	if sent != 2 || st.limit != 10 {
		t.Fatalf("sent=%d limit=%d", sent, st.limit)
	}
	if len(st.released) != 1 || st.released[0] != "c" {
		t.Fatalf("released=%v", st.released)
	}
	if q.tasks[0].Key != "user:u-a" || q.tasks[0].Opt.RetryMax != -1 {
		t.Fatalf("task=%+v", q.tasks[0])
	}

	for _, task := range q.tasks {
		if err := task.Run(context.Background()); err != nil {
			t.Fatalf("run: %v", err)
		}
	}
	if len(run.ran) != 2 || run.ran[0] != "a" || run.ran[1] != "b" {
		t.Fatalf("ran=%v", run.ran)
	}

	q.tasks[1].OnDrop("stopped")
	if len(st.released) != 2 || st.released[1] != "b" {
		t.Fatalf("dropped task should release its claim: %v", st.released)
	}
}

func TestTaskErrorsAreNotRetried(t *testing.T) {
	t.Parallel()
	st := &fakePosts{due: posts("a")}
	run := &fakeRunner{runErr: errors.New("publish failed")}
	q := &queue{capacity: 1}
	p := New(Config{}, st, run, q, logx.Nop())

	if _, err := p.Tick(context.Background()); err != nil {
		t.Fatalf("tick: %v", err)
	}
	err := q.tasks[0].Run(context.Background())
	if !engine.IsNoRetry(err) {
		t.Fatalf("err=%v, want no-retry", err)
	}
	if st.limit != DefaultBatchLimit {
		t.Fatalf("limit=%d", st.limit)
	}
}

func TestRegisterAndApplyPeriod(t *testing.T) {
	t.Parallel()
	reg := newRegistrar()
	p := New(Config{}, &fakePosts{}, &fakeRunner{}, &queue{}, logx.Nop())
	if err := p.Register(reg); err != nil {
		t.Fatalf("register: %v", err)
	}
	if reg.schedules[ScheduleName] != DefaultEvery {
		t.Fatalf("schedules=%v", reg.schedules)
	}
	if reg.opts[ScheduleName] != 1 {
		t.Fatalf("sweep must be registered inline")
	}
	if err := reg.jobs[ScheduleName](context.Background()); err != nil {
		t.Fatalf("job: %v", err)
	}

	if err := p.Apply(Config{Every: "every:5m"}); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if reg.schedules[ScheduleName] != "every:5m" {
		t.Fatalf("schedules=%v", reg.schedules)
	}
	if err := p.Apply(Config{Every: "bogus"}); err == nil {
		t.Fatalf("expected error for bad period")
	}
	if reg.schedules[ScheduleName] != "every:5m" {
		t.Fatalf("bad period should keep the old one: %v", reg.schedules)
	}
}

func TestPublishNow(t *testing.T) {
	t.Parallel()
	run := &fakeRunner{}
	q := &queue{capacity: 1}
	p := New(Config{}, &fakePosts{}, run, q, logx.Nop())

	if err := p.PublishNow(context.Background(), "u1", "x"); err != nil {
		t.Fatalf("publish now: %v", err)
	}
	err := q.tasks[0].Run(context.Background())
	if !errors.Is(err, ErrNotScheduled) || !engine.IsNoRetry(err) {
		t.Fatalf("err=%v", err)
	}
	if err := p.PublishNow(context.Background(), "u1", "z"); !errors.Is(err, engine.ErrOverlapSkip) {
		t.Fatalf("err=%v, want overlap for the same owner", err)
	}
	if err := p.PublishNow(context.Background(), "u2", "y"); !errors.Is(err, engine.ErrQueueFull) {
		t.Fatalf("err=%v, want queue full", err)
	}
}

func TestTickDispatchesPartialClaimBeforeFailing(t *testing.T) {
	t.Parallel()
	dbErr := errors.New("db hiccup on row 2")
	st := &fakePosts{due: posts("won"), claimErr: dbErr}
	q := &queue{capacity: 4}
	p := New(Config{}, st, &fakeRunner{}, q, logx.Nop())

	sent, err := p.Tick(context.Background())
	if !errors.Is(err, dbErr) {
		t.Fatalf("err=%v, want %v", err, dbErr)
	}
	if sent != 1 || len(q.tasks) != 1 || q.tasks[0].Key != "user:u-won" {
		t.Fatalf("sent=%d tasks=%d: claimed post must still be dispatched", sent, len(q.tasks))
	}
	if len(st.released) != 0 {
		t.Fatalf("released=%v", st.released)
	}

	// Same again with a full engine: the claimed post goes back.
	st = &fakePosts{due: posts("won"), claimErr: dbErr}
	p = New(Config{}, st, &fakeRunner{}, &queue{}, logx.Nop())
	if sent, err := p.Tick(context.Background()); sent != 0 || !errors.Is(err, dbErr) {
		t.Fatalf("sent=%d err=%v", sent, err)
	}
	if len(st.released) != 1 || st.released[0] != "won" {
		t.Fatalf("released=%v, want [won]", st.released)
	}
}

func TestTickDefersSecondPostOfSameOwner(t *testing.T) {
	t.Parallel()
	due := posts("a", "b", "c")
	due[1].UserID = due[0].UserID
	st := &fakePosts{due: due}
	q := &queue{capacity: 10}
	p := New(Config{}, st, &fakeRunner{}, q, logx.Nop())

	sent, err := p.Tick(context.Background())
	if err != nil {
		t.Fatalf("tick: %v", err)
	}
	if sent != 2 {
		t.Fatalf("sent=%d want 2", sent)
	}
	if len(st.released) != 1 || st.released[0] != "b" {
		t.Fatalf("released=%v, want [b]", st.released)
	}
}
