package posts

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"postpilot/internal/domain"
	"postpilot/internal/storage"
	logx "postpilot/pkg/logx"
)

func newLedger(t *testing.T) (*Ledger, *storage.SQLStore) {
	t.Helper()
	st, err := storage.Open(context.Background(), storage.Config{
		Driver: "sqlite",
		Path:   filepath.Join(t.TempDir(), "posts.db"),
	}, logx.Nop())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return NewLedger(st, Options{Count: 3, Location: time.UTC}, logx.Nop()), st
}

func weeklyUser(t *testing.T, st *storage.SQLStore, onboarded bool) domain.User {
	t.Helper()
	u, err := st.CreateUser(context.Background(), domain.User{
		Email:           "owner@example.com",
		PageID:          "page-1",
		PageToken:       "tok",
		BusinessSummary: "bakery",
		IsOnboarded:     onboarded,
		IsActive:        true,
		Cadence:         domain.Cadence{Kind: domain.RecurrenceWeekly, PreferredTime: "10:00"},
	})
	if err != nil {
		t.Fatalf("create user: %v", err)
	}
	return u
}

// Monday 2026-01-05.
var monday9 = time.Date(2026, 1, 5, 9, 0, 0, 0, time.UTC)

func TestScheduleBatchPlansAndDedupes(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	l, st := newLedger(t)
	u := weeklyUser(t, st, true)

	first, err := l.ScheduleBatch(ctx, u.ID, monday9)
	if err != nil {
		t.Fatalf("schedule: %v", err)
	}
	if len(first) != 3 {
		t.Fatalf("created=%d want 3", len(first))
	}
	if want := time.Date(2026, 1, 5, 10, 0, 0, 0, time.UTC); !first[0].ScheduledAt.Equal(want) {
		t.Fatalf("first=%s want %s", first[0].ScheduledAt, want)
	}
	for _, p := range first {
		if p.Status != domain.StatusScheduled {
			t.Fatalf("status=%s", p.Status)
		}
	}

	again, err := l.ScheduleBatch(ctx, u.ID, monday9)
	if err != nil {
		t.Fatalf("reschedule batch: %v", err)
	}
	if len(again) != 0 {
		t.Fatalf("duplicate batch created %d rows", len(again))
	}

	all, err := l.Posts(ctx, u.ID)
	if err != nil {
		t.Fatalf("posts: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("posts=%d", len(all))
	}
	for i := 1; i < len(all); i++ {
		if !all[i].ScheduledAt.After(all[i-1].ScheduledAt) {
			t.Fatalf("posts not ascending at %d", i)
		}
	}
}

func TestScheduleBatchValidation(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	l, st := newLedger(t)
	u := weeklyUser(t, st, false)

	if _, err := l.ScheduleBatch(ctx, u.ID, monday9); !domain.IsValidation(err) {
		t.Fatalf("not onboarded: err=%v", err)
	}
	if _, err := l.ScheduleBatch(ctx, "", monday9); !domain.IsValidation(err) {
		t.Fatalf("empty user: err=%v", err)
	}
	if _, err := l.ScheduleBatch(ctx, "missing", monday9); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("missing user: err=%v", err)
	}
}

func TestCancelAndRescheduleOnlyWhileScheduled(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	l, st := newLedger(t)
	u := weeklyUser(t, st, true)
	created, err := l.ScheduleBatch(ctx, u.ID, monday9)
	if err != nil {
		t.Fatalf("schedule: %v", err)
	}
	a, b := created[0], created[1]

	moved := a.ScheduledAt.Add(2 * time.Hour)
	if ok, err := l.Reschedule(ctx, a.ID, moved); err != nil || !ok {
		t.Fatalf("reschedule: ok=%v err=%v", ok, err)
	}
	got, _ := l.Get(ctx, a.ID)
	if !got.ScheduledAt.Equal(moved) || got.Status != domain.StatusScheduled {
		t.Fatalf("after reschedule: %+v", got)
	}
	if ok, _ := l.Reschedule(ctx, a.ID, b.ScheduledAt); ok {
		t.Fatalf("reschedule onto a taken slot succeeded")
	}

	claimed, ok, err := l.Claim(ctx, b.ID)
	if err != nil || !ok {
		t.Fatalf("claim: ok=%v err=%v", ok, err)
	}
	if ok, err := l.Cancel(ctx, claimed.ID); ok || err != nil {
		t.Fatalf("cancel generating: ok=%v err=%v", ok, err)
	}
	if ok, err := l.Reschedule(ctx, claimed.ID, moved.Add(time.Hour)); ok || err != nil {
		t.Fatalf("reschedule generating: ok=%v err=%v", ok, err)
	}
	after, _ := l.Get(ctx, claimed.ID)
	if !after.ScheduledAt.Equal(b.ScheduledAt) {
		t.Fatalf("generating post was mutated")
	}

	if ok, err := l.Cancel(ctx, a.ID); !ok || err != nil {
		t.Fatalf("cancel: ok=%v err=%v", ok, err)
	}
	if _, err := l.Get(ctx, a.ID); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("cancelled post still present: %v", err)
	}
	if ok, err := l.Cancel(ctx, "nope"); ok || err != nil {
		t.Fatalf("cancel missing: ok=%v err=%v", ok, err)
	}
}

func TestAdvanceFollowsStateMachine(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	l, st := newLedger(t)
	u := weeklyUser(t, st, true)
	created, _ := l.ScheduleBatch(ctx, u.ID, monday9)

	p, ok, err := l.Claim(ctx, created[0].ID)
	if err != nil || !ok {
		t.Fatalf("claim: ok=%v err=%v", ok, err)
	}
	if err := l.Advance(ctx, &p, domain.StatusPosting, domain.PostPatch{}); err == nil {
		t.Fatalf("skipping ready must be rejected")
	}
	if err := l.Advance(ctx, &p, domain.StatusReady, domain.PostPatch{ImageURL: domain.Ptr("https://img")}); err != nil {
		t.Fatalf("advance: %v", err)
	}
	if p.Status != domain.StatusReady || p.ImageURL != "https://img" {
		t.Fatalf("in-memory post not updated: %+v", p)
	}

	stale := p
	stale.Status = domain.StatusGenerating
	if err := l.Advance(ctx, &stale, domain.StatusReady, domain.PostPatch{}); !errors.Is(err, domain.ErrStale) {
		t.Fatalf("stale owner: err=%v", err)
	}

	if err := l.Fail(ctx, &p, "boom"); err != nil {
		t.Fatalf("fail: %v", err)
	}
	got, _ := l.Get(ctx, p.ID)
	if got.Status != domain.StatusFailed || got.ErrorMessage != "boom" || got.ImageURL != "https://img" {
		t.Fatalf("failed post: %+v", got)
	}
	if err := l.Fail(ctx, &p, "again"); err == nil {
		t.Fatalf("failing a terminal post must be rejected")
	}
}

func TestClaimDueAndRelease(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	l, st := newLedger(t)
	u := weeklyUser(t, st, true)
	created, _ := l.ScheduleBatch(ctx, u.ID, monday9)

	due, err := l.ClaimDue(ctx, created[0].ScheduledAt, 10)
	if err != nil {
		t.Fatalf("claim due: %v", err)
	}
	if len(due) != 1 || due[0].ID != created[0].ID || due[0].Status != domain.StatusGenerating {
		t.Fatalf("due=%+v", due)
	}
	if again, _ := l.ClaimDue(ctx, created[0].ScheduledAt, 10); len(again) != 0 {
		t.Fatalf("post claimed twice")
	}

	p := due[0]
	if err := l.Release(ctx, &p); err != nil {
		t.Fatalf("release: %v", err)
	}
	if p.Status != domain.StatusScheduled {
		t.Fatalf("status=%s", p.Status)
	}
	if again, _ := l.ClaimDue(ctx, created[0].ScheduledAt, 10); len(again) != 1 {
		t.Fatalf("released post not claimable")
	}

	seq, err := l.SequenceNumber(ctx, u.ID)
	if err != nil || seq != 1 {
		t.Fatalf("seq=%d err=%v", seq, err)
	}
}
