package storage

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"postpilot/internal/domain"
	logx "postpilot/pkg/logx"
)

func openTestStore(t *testing.T) *SQLStore {
	t.Helper()
	st, err := Open(context.Background(), Config{
		Driver: "sqlite",
		Path:   filepath.Join(t.TempDir(), "postpilot.db"),
	}, logx.Nop())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func mustUser(t *testing.T, st *SQLStore, email string) domain.User {
	t.Helper()
	u, err := st.CreateUser(context.Background(), domain.User{
		Email:       email,
		PageID:      "page-1",
		PageToken:   "tok",
		IsOnboarded: true,
		IsActive:    true,
		Cadence:     domain.Cadence{Kind: domain.RecurrenceDaily, PreferredTime: "09:00"},
	})
	if err != nil {
		t.Fatalf("create user: %v", err)
	}
	return u
}

func TestRebind(t *testing.T) {
	t.Parallel()

	got := dialectPostgres.rebind(`UPDATE t SET a = ?, b = ? WHERE id = ?`)
	if want := `UPDATE t SET a = $1, b = $2 WHERE id = $3`; got != want {
		t.Fatalf("got %q want %q", got, want)
	}
	if got := dialectSQLite.rebind(`SELECT ?`); got != `SELECT ?` {
		t.Fatalf("sqlite should keep ?: %q", got)
	}
}

func TestSplitStatements(t *testing.T) {
	t.Parallel()

	for _, name := range []string{"migrations/sqlite.sql", "migrations/postgres.sql", "migrations/mysql.sql"} {
		b, err := migrationsFS.ReadFile(name)
		if err != nil {
			t.Fatalf("%s: %v", name, err)
		}
		stmts := splitStatements(string(b))
		if len(stmts) < 3 {
			t.Fatalf("%s: %d statements", name, len(stmts))
		}
		for _, s := range stmts {
			if s == "" || s[len(s)-1] == ';' {
				t.Fatalf("%s: bad statement %q", name, s)
			}
		}
	}
}

func TestUserDefaultsAndCascade(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := openTestStore(t)

	u, err := st.CreateUser(ctx, domain.User{Email: "a@example.com", Cadence: domain.Cadence{Kind: "nope"}})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	got, err := st.GetUser(ctx, u.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Cadence.Kind != domain.RecurrenceWeekly || got.Cadence.CustomDays != 7 || got.Cadence.PreferredTime != "10:00" {
		t.Fatalf("cadence defaults not applied: %+v", got.Cadence)
	}
	if !got.Credits.IsZero() {
		t.Fatalf("credits=%s want 0", got.Credits)
	}

	if _, err := st.InsertPosts(ctx, u.ID, []time.Time{time.Now().Add(time.Hour)}); err != nil {
		t.Fatalf("insert posts: %v", err)
	}
	if _, err := st.ApplyCredit(ctx, Entry{UserID: u.ID, Amount: decimal.NewFromInt(3), Description: "test"}); err != nil {
		t.Fatalf("credit: %v", err)
	}
	if err := st.DeleteUser(ctx, u.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := st.GetUser(ctx, u.ID); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("user still present: %v", err)
	}
	posts, _ := st.ListPosts(ctx, u.ID)
	txs, _ := st.Transactions(ctx, u.ID, 0)
	if len(posts) != 0 || len(txs) != 0 {
		t.Fatalf("cascade left %d posts %d txs", len(posts), len(txs))
	}
}

func TestInsertPostsSkipsLiveSlots(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := openTestStore(t)
	u := mustUser(t, st, "b@example.com")

	base := time.Date(2030, 1, 1, 9, 0, 0, 0, time.UTC)
	at := []time.Time{base, base.AddDate(0, 0, 1), base.AddDate(0, 0, 2)}

	first, err := st.InsertPosts(ctx, u.ID, at)
	if err != nil || len(first) != 3 {
		t.Fatalf("first batch: %d %v", len(first), err)
	}
	again, err := st.InsertPosts(ctx, u.ID, at)
	if err != nil {
		t.Fatalf("second batch: %v", err)
	}
	if len(again) != 0 {
		t.Fatalf("duplicate slots inserted: %d", len(again))
	}

	// A failed post frees its slot.
	if ok, err := st.Transition(ctx, first[0].ID, domain.StatusScheduled, domain.StatusFailed,
		domain.PostPatch{ErrorMessage: domain.Ptr("boom")}); err != nil || !ok {
		t.Fatalf("fail post: %v %v", ok, err)
	}
	refill, err := st.InsertPosts(ctx, u.ID, at)
	if err != nil || len(refill) != 1 || !refill[0].ScheduledAt.Equal(base) {
		t.Fatalf("refill: %+v %v", refill, err)
	}

	list, err := st.ListPosts(ctx, u.ID)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 4 {
		t.Fatalf("len=%d want 4", len(list))
	}
	for i := 1; i < len(list); i++ {
		if list[i].ScheduledAt.Before(list[i-1].ScheduledAt) {
			t.Fatalf("not ordered at %d", i)
		}
	}
}

func TestInsertPostsUnknownUser(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	if _, err := st.InsertPosts(context.Background(), "missing", []time.Time{time.Now()}); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("err=%v want not found", err)
	}
}

func TestCancelAndReschedule(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := openTestStore(t)
	u := mustUser(t, st, "c@example.com")

	base := time.Date(2030, 3, 1, 9, 0, 0, 0, time.UTC)
	posts, err := st.InsertPosts(ctx, u.ID, []time.Time{base, base.AddDate(0, 0, 1)})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}

	// Collides with the second post.
	if ok, err := st.Reschedule(ctx, posts[0].ID, base.AddDate(0, 0, 1)); err != nil || ok {
		t.Fatalf("colliding reschedule: ok=%v err=%v", ok, err)
	}
	moved := base.Add(3 * time.Hour)
	if ok, err := st.Reschedule(ctx, posts[0].ID, moved); err != nil || !ok {
		t.Fatalf("reschedule: ok=%v err=%v", ok, err)
	}
	got, _ := st.GetPost(ctx, posts[0].ID)
	if !got.ScheduledAt.Equal(moved) {
		t.Fatalf("scheduled_at=%s want %s", got.ScheduledAt, moved)
	}

	if _, ok, err := st.Claim(ctx, posts[1].ID); err != nil || !ok {
		t.Fatalf("claim: %v %v", ok, err)
	}
	if ok, _ := st.DeleteIfScheduled(ctx, posts[1].ID); ok {
		t.Fatalf("cancel of generating post succeeded")
	}
	if ok, _ := st.Reschedule(ctx, posts[1].ID, moved.Add(time.Hour)); ok {
		t.Fatalf("reschedule of generating post succeeded")
	}
	if ok, err := st.DeleteIfScheduled(ctx, posts[0].ID); err != nil || !ok {
		t.Fatalf("cancel: %v %v", ok, err)
	}
	if ok, _ := st.DeleteIfScheduled(ctx, "nope"); ok {
		t.Fatalf("cancel of missing post succeeded")
	}
}

func TestClaimDueIsExclusive(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := openTestStore(t)
	u := mustUser(t, st, "d@example.com")

	now := time.Date(2030, 5, 1, 12, 0, 0, 0, time.UTC)
	var at []time.Time
	for i := 0; i < 20; i++ {
		at = append(at, now.Add(-time.Duration(i+1)*time.Minute))
	}
	at = append(at, now.Add(time.Hour)) // not yet due
	if _, err := st.InsertPosts(ctx, u.ID, at); err != nil {
		t.Fatalf("insert: %v", err)
	}

	var (
		mu   sync.Mutex
		seen = map[string]int{}
		wg   sync.WaitGroup
	)
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			claimed, err := st.ClaimDue(ctx, now, 100)
			if err != nil {
				t.Errorf("claim: %v", err)
				return
			}
			mu.Lock()
			for _, p := range claimed {
				seen[p.ID]++
				if p.Status != domain.StatusGenerating {
					t.Errorf("claimed post in %s", p.Status)
				}
			}
			mu.Unlock()
		}()
	}
	wg.Wait()

	if len(seen) != 20 {
		t.Fatalf("claimed %d distinct posts want 20", len(seen))
	}
	for id, n := range seen {
		if n != 1 {
			t.Fatalf("post %s claimed %d times", id, n)
		}
	}
	if more, _ := st.ClaimDue(ctx, now, 100); len(more) != 0 {
		t.Fatalf("second sweep claimed %d", len(more))
	}
}

func TestClaimLeavesUnreadableRowScheduled(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := openTestStore(t)
	u := mustUser(t, st, "f@example.com")

	now := time.Date(2030, 6, 1, 12, 0, 0, 0, time.UTC)
	posts, err := st.InsertPosts(ctx, u.ID, []time.Time{now.Add(-2 * time.Minute), now.Add(-time.Minute)})
	if err != nil || len(posts) != 2 {
		t.Fatalf("insert: %v %d", err, len(posts))
	}
	bad := posts[1].ID
	if _, err := st.db.ExecContext(ctx, `UPDATE scheduled_posts SET credits_charged = 'n/a' WHERE id = ?`, bad); err != nil {
		t.Fatalf("corrupt row: %v", err)
	}

	claimed, err := st.ClaimDue(ctx, now, 10)
	if err == nil {
		t.Fatalf("expected read-back error")
	}
	if len(claimed) != 1 || claimed[0].ID != posts[0].ID || claimed[0].Status != domain.StatusGenerating {
		t.Fatalf("claimed=%+v want only %s in generating", claimed, posts[0].ID)
	}

	var status string
	if err := st.db.QueryRowContext(ctx, `SELECT status FROM scheduled_posts WHERE id = ?`, bad).Scan(&status); err != nil {
		t.Fatalf("read status: %v", err)
	}
	if status != string(domain.StatusScheduled) {
		t.Fatalf("unreadable row status=%s want scheduled", status)
	}
}

func TestTransitionRequiresExpectedState(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := openTestStore(t)
	u := mustUser(t, st, "e@example.com")
	posts, _ := st.InsertPosts(ctx, u.ID, []time.Time{time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)})
	id := posts[0].ID

	if ok, _ := st.Transition(ctx, id, domain.StatusGenerating, domain.StatusReady, domain.PostPatch{}); ok {
		t.Fatalf("transition from wrong state matched")
	}
	if _, ok, _ := st.Claim(ctx, id); !ok {
		t.Fatalf("claim failed")
	}
	posted := time.Date(2030, 1, 1, 0, 1, 0, 0, time.UTC)
	ok, err := st.Transition(ctx, id, domain.StatusGenerating, domain.StatusReady, domain.PostPatch{
		Caption:  domain.Ptr("hola"),
		PostedAt: &posted,
	})
	if err != nil || !ok {
		t.Fatalf("transition: %v %v", ok, err)
	}
	p, _ := st.GetPost(ctx, id)
	if p.Caption != "hola" || p.PostedAt == nil || !p.PostedAt.Equal(posted) || p.Status != domain.StatusReady {
		t.Fatalf("patch not persisted: %+v", p)
	}
}

func TestDebitFailsClosedAndStampsPost(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := openTestStore(t)
	u := mustUser(t, st, "f@example.com")
	posts, _ := st.InsertPosts(ctx, u.ID, []time.Time{time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)})

	one := decimal.NewFromInt(1)
	ok, bal, err := st.ApplyDebit(ctx, Entry{UserID: u.ID, Amount: one.Neg(), PostID: posts[0].ID, StampPost: true})
	if err != nil || ok || !bal.IsZero() {
		t.Fatalf("debit on empty balance: ok=%v bal=%s err=%v", ok, bal, err)
	}
	if txs, _ := st.Transactions(ctx, u.ID, 0); len(txs) != 0 {
		t.Fatalf("failed debit wrote %d rows", len(txs))
	}

	if _, err := st.ApplyCredit(ctx, Entry{UserID: u.ID, Amount: decimal.NewFromInt(2), Description: "buy", PaymentRef: "pay_1"}); err != nil {
		t.Fatalf("credit: %v", err)
	}
	ok, bal, err = st.ApplyDebit(ctx, Entry{UserID: u.ID, Amount: one.Neg(), Description: "post", PostID: posts[0].ID, StampPost: true})
	if err != nil || !ok || !bal.Equal(one) {
		t.Fatalf("debit: ok=%v bal=%s err=%v", ok, bal, err)
	}

	got, _ := st.GetUser(ctx, u.ID)
	if !got.Credits.Equal(one) || !got.CreditsUsed.Equal(one) || !got.CreditsPurchased.Equal(decimal.NewFromInt(2)) {
		t.Fatalf("counters: %+v", got)
	}
	p, _ := st.GetPost(ctx, posts[0].ID)
	if !p.CreditsCharged.Equal(one) {
		t.Fatalf("credits_charged=%s", p.CreditsCharged)
	}

	txs, err := st.Transactions(ctx, u.ID, 0)
	if err != nil || len(txs) != 2 {
		t.Fatalf("txs: %d %v", len(txs), err)
	}
	if !txs[0].Amount.Equal(one.Neg()) || txs[0].PostID != posts[0].ID {
		t.Fatalf("newest first violated: %+v", txs[0])
	}
	if txs[1].PaymentRef != "pay_1" {
		t.Fatalf("payment ref lost: %+v", txs[1])
	}
	if lim, _ := st.Transactions(ctx, u.ID, 1); len(lim) != 1 {
		t.Fatalf("limit ignored")
	}
}

func TestCountPosted(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := openTestStore(t)
	u := mustUser(t, st, "g@example.com")
	posts, _ := st.InsertPosts(ctx, u.ID, []time.Time{
		time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC),
		time.Date(2030, 1, 2, 0, 0, 0, 0, time.UTC),
	})
	id := posts[0].ID
	steps := []domain.PostStatus{domain.StatusScheduled, domain.StatusGenerating, domain.StatusReady, domain.StatusPosting, domain.StatusPosted}
	for i := 1; i < len(steps); i++ {
		if ok, err := st.Transition(ctx, id, steps[i-1], steps[i], domain.PostPatch{}); err != nil || !ok {
			t.Fatalf("%s->%s: %v %v", steps[i-1], steps[i], ok, err)
		}
	}
	n, err := st.CountPosted(ctx, u.ID)
	if err != nil || n != 1 {
		t.Fatalf("CountPosted=%d err=%v", n, err)
	}
}
