package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"postpilot/internal/credits"
	"postpilot/internal/domain"
	"postpilot/internal/posts"
	"postpilot/internal/storage"
	logx "postpilot/pkg/logx"
)

func init() { gin.SetMode(gin.TestMode) }

var now = time.Date(2026, 2, 2, 12, 0, 0, 0, time.UTC)

type recordingDispatcher struct{ ids []string }

func (r *recordingDispatcher) PublishNow(_ context.Context, _, id string) error {
	r.ids = append(r.ids, id)
	return nil
}

type fixture struct {
	t       *testing.T
	handler http.Handler
	auth    *Authenticator
	credits *credits.Ledger
	disp    *recordingDispatcher
	alice   domain.User
	bob     domain.User
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	st, err := storage.Open(ctx, storage.Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "api.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	alice, err := st.CreateUser(ctx, domain.User{
		Email:       "alice@example.com",
		PageID:      "page-a",
		IsOnboarded: true,
		Cadence:     domain.Cadence{Kind: domain.RecurrenceDaily, PreferredTime: "10:00"},
	})
	if err != nil {
		t.Fatalf("alice: %v", err)
	}
	bob, err := st.CreateUser(ctx, domain.User{Email: "bob@example.com"})
	if err != nil {
		t.Fatalf("bob: %v", err)
	}

	cl := credits.NewLedger(st, credits.Options{}, logx.Nop())
	disp := &recordingDispatcher{}
	auth := NewAuthenticator("test-secret")
	srv := New(Config{}, Deps{
		Posts:      posts.NewLedger(st, posts.Options{Count: 3, Location: time.UTC}, logx.Nop()),
		Credits:    cl,
		Dispatcher: disp,
		Now:        func() time.Time { return now },
	}, auth, logx.Nop())

	return &fixture{t: t, handler: srv.Handler(), auth: auth, credits: cl, disp: disp, alice: alice, bob: bob}
}

func (f *fixture) do(method, path string, user string, body any) (int, map[string]any) {
	f.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			f.t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if user != "" {
		tok, err := f.auth.Issue(user, time.Hour)
		if err != nil {
			f.t.Fatalf("issue: %v", err)
		}
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	out := map[string]any{}
	_ = json.Unmarshal(rec.Body.Bytes(), &out)
	return rec.Code, out
}

func (f *fixture) firstPostID(user string) string {
	f.t.Helper()
	code, body := f.do(http.MethodGet, "/v1/posts", user, nil)
	if code != http.StatusOK {
		f.t.Fatalf("list: %d %v", code, body)
	}
	list, _ := body["posts"].([]any)
	if len(list) == 0 {
		f.t.Fatalf("no posts")
	}
	return list[0].(map[string]any)["id"].(string)
}

func TestAuthRequired(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	if code, _ := f.do(http.MethodGet, "/v1/posts", "", nil); code != http.StatusUnauthorized {
		t.Fatalf("no token: %d", code)
	}
	req := httptest.NewRequest(http.MethodGet, "/v1/posts", nil)
	req.Header.Set("Authorization", "Bearer not-a-jwt")
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("bad token: %d", rec.Code)
	}

	other := NewAuthenticator("other-secret")
	tok, _ := other.Issue(f.alice.ID, time.Hour)
	if _, err := f.auth.Verify(tok); err == nil {
		t.Fatalf("token signed with another secret verified")
	}
	if code, _ := f.do(http.MethodGet, "/healthz", "", nil); code != http.StatusOK {
		t.Fatalf("healthz: %d", code)
	}
}

func TestScheduleListAndOwnership(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	code, body := f.do(http.MethodPost, "/v1/posts/schedule", f.alice.ID, nil)
	if code != http.StatusCreated || body["created"].(float64) != 3 {
		t.Fatalf("schedule: %d %v", code, body)
	}
	code, body = f.do(http.MethodPost, "/v1/posts/schedule", f.alice.ID, nil)
	if code != http.StatusCreated || body["created"].(float64) != 0 {
		t.Fatalf("second schedule should dedupe: %d %v", code, body)
	}
	if code, _ := f.do(http.MethodPost, "/v1/posts/schedule", f.bob.ID, nil); code != http.StatusBadRequest {
		t.Fatalf("not onboarded: %d", code)
	}

	id := f.firstPostID(f.alice.ID)
	if code, _ := f.do(http.MethodDelete, "/v1/posts/"+id, f.bob.ID, nil); code != http.StatusNotFound {
		t.Fatalf("foreign cancel: %d", code)
	}
	if code, _ := f.do(http.MethodDelete, "/v1/posts/"+id, f.alice.ID, nil); code != http.StatusOK {
		t.Fatalf("cancel: %d", code)
	}
	if code, _ := f.do(http.MethodDelete, "/v1/posts/"+id, f.alice.ID, nil); code != http.StatusNotFound {
		t.Fatalf("cancel twice: %d", code)
	}
}

func TestRescheduleAndPublishNow(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	if code, _ := f.do(http.MethodPost, "/v1/posts/schedule", f.alice.ID, nil); code != http.StatusCreated {
		t.Fatalf("schedule: %d", code)
	}
	id := f.firstPostID(f.alice.ID)

	if code, _ := f.do(http.MethodPut, "/v1/posts/"+id+"/schedule", f.alice.ID, map[string]string{"scheduled_at": "tomorrow"}); code != http.StatusBadRequest {
		t.Fatalf("bad time: %d", code)
	}
	at := now.Add(30 * 24 * time.Hour).Format(time.RFC3339)
	code, body := f.do(http.MethodPut, "/v1/posts/"+id+"/schedule", f.alice.ID, map[string]string{"scheduled_at": at})
	if code != http.StatusOK || body["rescheduled"] != true {
		t.Fatalf("reschedule: %d %v", code, body)
	}

	if code, _ := f.do(http.MethodPost, "/v1/posts/"+id+"/publish", f.bob.ID, nil); code != http.StatusNotFound {
		t.Fatalf("foreign publish: %d", code)
	}
	if code, _ := f.do(http.MethodPost, "/v1/posts/"+id+"/publish", f.alice.ID, nil); code != http.StatusAccepted {
		t.Fatalf("publish: %d", code)
	}
	if len(f.disp.ids) != 1 || f.disp.ids[0] != id {
		t.Fatalf("dispatched=%v", f.disp.ids)
	}
}

func TestCreditEndpoints(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	if _, err := f.credits.GrantTrial(context.Background(), f.alice.ID); err != nil {
		t.Fatalf("trial: %v", err)
	}

	code, body := f.do(http.MethodGet, "/v1/credits", f.alice.ID, nil)
	if code != http.StatusOK || body["balance"] != "1" {
		t.Fatalf("account: %d %v", code, body)
	}
	code, body = f.do(http.MethodGet, "/v1/credits/history?limit=5", f.alice.ID, nil)
	txs, _ := body["transactions"].([]any)
	if code != http.StatusOK || len(txs) != 1 {
		t.Fatalf("history: %d %v", code, body)
	}
	if txs[0].(map[string]any)["description"] != credits.TrialDescription {
		t.Fatalf("tx=%v", txs[0])
	}
	if code, _ := f.do(http.MethodGet, "/v1/credits/history?limit=abc", f.alice.ID, nil); code != http.StatusBadRequest {
		t.Fatalf("bad limit: %d", code)
	}
	code, body = f.do(http.MethodGet, "/v1/credits/packages", f.alice.ID, nil)
	if pk, _ := body["packages"].([]any); code != http.StatusOK || len(pk) != 4 {
		t.Fatalf("packages: %d %v", code, body)
	}
}

func TestIsLoopbackAddr(t *testing.T) {
	t.Parallel()
	cases := map[string]bool{
		"127.0.0.1:8080": true,
		"localhost:80":   true,
		"[::1]:8080":     true,
		":8080":          false,
		"0.0.0.0:8080":   false,
		"bogus":          false,
	}
	for addr, want := range cases {
		if got := isLoopbackAddr(addr); got != want {
			t.Errorf("isLoopbackAddr(%q)=%v want %v", addr, got, want)
		}
	}
}
