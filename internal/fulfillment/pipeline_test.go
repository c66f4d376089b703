package fulfillment

import (
	"context"
	"errors"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"postpilot/internal/credits"
	"postpilot/internal/domain"
	"postpilot/internal/eventbus"
	"postpilot/internal/posts"
	"postpilot/internal/storage"
	logx "postpilot/pkg/logx"
)

type fakeContent struct {
	out   Content
	err   error
	calls atomic.Int32
	seq   atomic.Int32
}

func (f *fakeContent) GenerateContent(_ context.Context, req ContentRequest) (Content, error) {
	f.calls.Add(1)
	f.seq.Store(int32(req.Sequence))
	return f.out, f.err
}

type fakeImages struct {
	out   Image
	err   error
	calls atomic.Int32
}

func (f *fakeImages) GenerateImage(context.Context, ImageRequest) (Image, error) {
	f.calls.Add(1)
	return f.out, f.err
}

type fakePublisher struct {
	out   Publication
	err   error
	calls atomic.Int32
	last  PublishRequest
}

func (f *fakePublisher) Publish(_ context.Context, req PublishRequest) (Publication, error) {
	f.calls.Add(1)
	f.last = req
	return f.out, f.err
}

// brokenDebit passes everything through except DebitForPost.
type brokenDebit struct {
	*credits.Ledger
}

func (brokenDebit) DebitForPost(context.Context, string, string) (bool, decimal.Decimal, error) {
	return false, decimal.Zero, errors.New("ledger write failed")
}

var now = time.Date(2026, 2, 2, 12, 0, 0, 0, time.UTC)

type harness struct {
	store   *storage.SQLStore
	posts   *posts.Ledger
	credits *credits.Ledger
	content *fakeContent
	images  *fakeImages
	pub     *fakePublisher
	bus     eventbus.Bus
	user    domain.User
}

func newHarness(t *testing.T, balance int64) *harness {
	t.Helper()
	ctx := context.Background()
	st, err := storage.Open(ctx, storage.Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "fulfill.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	u, err := st.CreateUser(ctx, domain.User{
		Email:           "cafe@example.com",
		PageID:          "page-9",
		PageToken:       "page-token",
		BusinessSummary: "neighbourhood cafe",
		PostStyle:       "warm",
		IsOnboarded:     true,
		Cadence:         domain.Cadence{Kind: domain.RecurrenceDaily, PreferredTime: "10:00"},
	})
	if err != nil {
		t.Fatalf("user: %v", err)
	}
	h := &harness{
		store:   st,
		posts:   posts.NewLedger(st, posts.Options{Count: 2, Location: time.UTC}, logx.Nop()),
		credits: credits.NewLedger(st, credits.Options{}, logx.Nop()),
		content: &fakeContent{out: Content{ImagePrompt: "latte art at sunrise", Caption: "Good morning!"}},
		images:  &fakeImages{out: Image{LocalPath: "/tmp/post.png", URL: "https://cdn/post.png"}},
		pub:     &fakePublisher{out: Publication{ExternalID: "page-9_123", URL: "https://www.facebook.com/page-9/posts/123"}},
		bus:     eventbus.New(),
		user:    u,
	}
	if balance > 0 {
		if _, err := h.credits.Credit(ctx, u.ID, decimal.NewFromInt(balance), "", ""); err != nil {
			t.Fatalf("credit: %v", err)
		}
	}
	return h
}

func (h *harness) pipeline(cl CreditLedger) *Pipeline {
	if cl == nil {
		cl = h.credits
	}
	return New(Deps{
		Posts:     h.posts,
		Credits:   cl,
		Users:     h.store,
		Content:   h.content,
		Images:    h.images,
		Publisher: h.pub,
		Bus:       h.bus,
		Now:       func() time.Time { return now },
	}, Timeouts{}, logx.Nop())
}

func (h *harness) claimed(t *testing.T) domain.ScheduledPost {
	t.Helper()
	ctx := context.Background()
	created, err := h.posts.ScheduleBatch(ctx, h.user.ID, now.Add(-48*time.Hour))
	if err != nil || len(created) == 0 {
		t.Fatalf("schedule: n=%d err=%v", len(created), err)
	}
	due, err := h.posts.ClaimDue(ctx, now, 1)
	if err != nil || len(due) != 1 {
		t.Fatalf("claim: n=%d err=%v", len(due), err)
	}
	return due[0]
}

func (h *harness) reload(t *testing.T, id string) domain.ScheduledPost {
	t.Helper()
	p, err := h.store.GetPost(context.Background(), id)
	if err != nil {
		t.Fatalf("get post: %v", err)
	}
	return p
}

func (h *harness) txCount(t *testing.T, postID string) int {
	t.Helper()
	txs, err := h.credits.History(context.Background(), h.user.ID, 0)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	n := 0
	for _, tx := range txs {
		if tx.PostID == postID {
			n++
		}
	}
	return n
}

func TestRunSuccessChargesOnce(t *testing.T) {
	t.Parallel()
	h := newHarness(t, 3)
	events, unsub := h.bus.Subscribe(16)
	defer unsub()
	post := h.claimed(t)

	if err := h.pipeline(nil).Run(context.Background(), post); err != nil {
		t.Fatalf("run: %v", err)
	}

	got := h.reload(t, post.ID)
	if got.Status != domain.StatusPosted {
		t.Fatalf("status=%s", got.Status)
	}
	if got.Caption != "Good morning!" || got.ImagePrompt != "latte art at sunrise" || got.ImageURL != "https://cdn/post.png" {
		t.Fatalf("content not persisted: %+v", got)
	}
	if got.ExternalPostID != "page-9_123" || got.PostedAt == nil || !got.PostedAt.Equal(now) {
		t.Fatalf("publish not persisted: %+v", got)
	}
	if !got.CreditsCharged.Equal(decimal.NewFromInt(1)) {
		t.Fatalf("credits_charged=%s", got.CreditsCharged)
	}
	if h.content.seq.Load() != 1 {
		t.Fatalf("sequence=%d want 1", h.content.seq.Load())
	}
	if h.pub.last.ImagePath != "/tmp/post.png" || h.pub.last.PageToken != "page-token" {
		t.Fatalf("publish request=%+v", h.pub.last)
	}

	txs, _ := h.credits.History(context.Background(), h.user.ID, 1)
	if len(txs) != 1 || !txs[0].Amount.Equal(decimal.NewFromInt(-1)) || !txs[0].BalanceAfter.Equal(decimal.NewFromInt(2)) {
		t.Fatalf("newest tx=%+v", txs)
	}
	if n := h.txCount(t, post.ID); n != 1 {
		t.Fatalf("transactions for post=%d", n)
	}
	if err := h.credits.Verify(context.Background(), h.user.ID); err != nil {
		t.Fatalf("verify: %v", err)
	}

	var seen []string
	for len(events) > 0 {
		seen = append(seen, (<-events).Type)
	}
	want := []string{eventbus.PostClaimed, eventbus.PostReady, eventbus.PostPosted}
	if len(seen) != len(want) {
		t.Fatalf("events=%v", seen)
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Fatalf("events=%v want %v", seen, want)
		}
	}
}

func TestRunInsufficientCreditsMakesNoCalls(t *testing.T) {
	t.Parallel()
	h := newHarness(t, 0)
	post := h.claimed(t)

	err := h.pipeline(nil).Run(context.Background(), post)
	var ice *domain.InsufficientCreditsError
	if !errors.As(err, &ice) {
		t.Fatalf("err=%v", err)
	}
	if h.content.calls.Load()+h.images.calls.Load()+h.pub.calls.Load() != 0 {
		t.Fatalf("providers were called")
	}
	got := h.reload(t, post.ID)
	if got.Status != domain.StatusFailed || got.ErrorMessage != "insufficient credits" {
		t.Fatalf("post=%+v", got)
	}
	if got.ImagePrompt != "" || got.Caption != "" || got.ImageURL != "" {
		t.Fatalf("content set on unfunded post: %+v", got)
	}
	if n := h.txCount(t, post.ID); n != 0 {
		t.Fatalf("transactions for post=%d", n)
	}
}

func TestRunImageFailureKeepsContent(t *testing.T) {
	t.Parallel()
	h := newHarness(t, 2)
	h.images.err = errors.New("quota exhausted for image model")
	post := h.claimed(t)

	err := h.pipeline(nil).Run(context.Background(), post)
	var pe *domain.ProviderError
	if !errors.As(err, &pe) || pe.Stage != domain.StageImage {
		t.Fatalf("err=%v", err)
	}
	got := h.reload(t, post.ID)
	if got.Status != domain.StatusFailed {
		t.Fatalf("status=%s", got.Status)
	}
	if got.ErrorMessage != "quota exhausted for image model" {
		t.Fatalf("provider message not verbatim: %q", got.ErrorMessage)
	}
	if got.ImagePrompt == "" || got.Caption == "" || got.ImageURL != "" {
		t.Fatalf("partial content wrong: %+v", got)
	}
	if h.pub.calls.Load() != 0 {
		t.Fatalf("publisher called after image failure")
	}
	if n := h.txCount(t, post.ID); n != 0 {
		t.Fatalf("transactions for post=%d", n)
	}
	if bal, _ := h.credits.Balance(context.Background(), h.user.ID); !bal.Equal(decimal.NewFromInt(2)) {
		t.Fatalf("balance=%s", bal)
	}
}

func TestRunRejectsMalformedContent(t *testing.T) {
	t.Parallel()
	h := newHarness(t, 1)
	h.content.out = Content{Caption: "only a caption"}
	post := h.claimed(t)

	if err := h.pipeline(nil).Run(context.Background(), post); err == nil {
		t.Fatalf("expected failure")
	}
	got := h.reload(t, post.ID)
	if got.Status != domain.StatusFailed || got.Caption != "" {
		t.Fatalf("post=%+v", got)
	}
	if h.images.calls.Load() != 0 {
		t.Fatalf("image provider called")
	}
}

func TestRunPublishFailure(t *testing.T) {
	t.Parallel()
	h := newHarness(t, 1)
	h.pub.err = errors.New("(#200) permissions error")
	post := h.claimed(t)

	_ = h.pipeline(nil).Run(context.Background(), post)
	got := h.reload(t, post.ID)
	if got.Status != domain.StatusFailed || got.ErrorMessage != "(#200) permissions error" {
		t.Fatalf("post=%+v", got)
	}
	if got.ImageLocalPath != "/tmp/post.png" || got.ExternalPostID != "" {
		t.Fatalf("post=%+v", got)
	}
}

func TestBillingFailureLeavesPostPosted(t *testing.T) {
	t.Parallel()
	h := newHarness(t, 1)
	events, unsub := h.bus.Subscribe(16)
	defer unsub()
	post := h.claimed(t)

	err := h.pipeline(brokenDebit{h.credits}).Run(context.Background(), post)
	var be *domain.BillingError
	if !errors.As(err, &be) || be.PostID != post.ID {
		t.Fatalf("err=%v", err)
	}
	got := h.reload(t, post.ID)
	if got.Status != domain.StatusPosted || !got.CreditsCharged.IsZero() {
		t.Fatalf("post=%+v", got)
	}
	unbilled := false
	for len(events) > 0 {
		if (<-events).Type == eventbus.PostUnbilled {
			unbilled = true
		}
	}
	if !unbilled {
		t.Fatalf("post.unbilled not published")
	}
}

func TestRunRequiresClaim(t *testing.T) {
	t.Parallel()
	h := newHarness(t, 1)
	created, _ := h.posts.ScheduleBatch(context.Background(), h.user.ID, now)

	if err := h.pipeline(nil).Run(context.Background(), created[0]); !domain.IsValidation(err) {
		t.Fatalf("err=%v", err)
	}
	if h.content.calls.Load() != 0 {
		t.Fatalf("unclaimed post was processed")
	}
}

func TestFulfillPublishesFuturePostNow(t *testing.T) {
	t.Parallel()
	h := newHarness(t, 1)
	ctx := context.Background()
	created, _ := h.posts.ScheduleBatch(ctx, h.user.ID, now)
	future := created[0]
	if !future.ScheduledAt.After(now) {
		t.Fatalf("expected a future post")
	}

	ok, err := h.pipeline(nil).Fulfill(ctx, future.ID)
	if err != nil || !ok {
		t.Fatalf("fulfill: ok=%v err=%v", ok, err)
	}
	got := h.reload(t, future.ID)
	if got.Status != domain.StatusPosted || !got.ScheduledAt.Equal(now) {
		t.Fatalf("post=%+v", got)
	}
	if got.PostedAt.Before(got.ScheduledAt) {
		t.Fatalf("posted_at before scheduled_at")
	}

	ok, err = h.pipeline(nil).Fulfill(ctx, future.ID)
	if ok || err != nil {
		t.Fatalf("second fulfill: ok=%v err=%v", ok, err)
	}
}
