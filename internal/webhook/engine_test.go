package webhookengine

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/geocoder89/forgehub/internal/domain/event"
	"github.com/geocoder89/forgehub/internal/domain/webhook"
	"github.com/geocoder89/forgehub/internal/redisstore"
)

func newTestRepo(t *testing.T) *redisstore.WebhooksRepo {
	t.Helper()
	srv := miniredis.RunT(t)
	c, err := redisstore.New(redisstore.Config{URL: srv.Addr()}, nil)
	if err != nil {
		t.Fatalf("redisstore.New: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return redisstore.NewWebhooksRepo(c)
}

func TestSignVerify(t *testing.T) {
	body := []byte(`{"id":"evt-1","type":"job_submitted"}`)
	sig := Sign("s3cret", body)

	if len(sig) != 64 {
		t.Fatalf("expected a 64-char hex digest, got %d chars", len(sig))
	}
	if !Verify("s3cret", body, sig) {
		t.Fatalf("signature must verify against the exact body bytes")
	}
	if Verify("s3cret", []byte(`{"id":"evt-1","type":"tampered"}`), sig) {
		t.Fatalf("a tampered body must not verify")
	}
	if Verify("wrong", body, sig) {
		t.Fatalf("a wrong secret must not verify")
	}
}

func TestBackoffDelay(t *testing.T) {
	cfg := webhook.RetryConfig{MaxAttempts: 3, InitialDelayMs: 1000, BackoffMultiplier: 2, MaxDelayMs: 30000}
	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 1000 * time.Millisecond},
		{2, 2000 * time.Millisecond},
		{3, 4000 * time.Millisecond},
	}
	for _, c := range cases {
		if got := backoffDelay(cfg, c.attempt); got != c.want {
			t.Fatalf("backoffDelay(attempt=%d) = %s, want %s", c.attempt, got, c.want)
		}
	}

	capped := webhook.RetryConfig{MaxAttempts: 10, InitialDelayMs: 1000, BackoffMultiplier: 2, MaxDelayMs: 2500}
	if got := backoffDelay(capped, 5); got != 2500*time.Millisecond {
		t.Fatalf("expected the cap to hold, got %s", got)
	}
}

func waitForDeliveries(t *testing.T, repo *redisstore.WebhooksRepo, webhookID string, want int, timeout time.Duration) []webhook.Delivery {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for {
		rows, err := repo.ListDeliveries(context.Background(), webhookID, 50)
		if err != nil {
			t.Fatalf("ListDeliveries: %v", err)
		}
		if len(rows) >= want {
			return rows
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %d delivery rows, have %d", want, len(rows))
		}
		time.Sleep(25 * time.Millisecond)
	}
}

// Signature law (§8.5): the received signature verifies against the exact
// body bytes received, and the identifying headers are present.
func TestDeliver_SignsOverExactBodyBytes(t *testing.T) {
	repo := newTestRepo(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	var verified bool
	var gotEvent, gotWebhookID, gotEventID string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		sig := r.Header.Get("X-Signature")
		mu.Lock()
		verified = len(sig) > 7 && sig[:7] == "sha256=" && Verify("s3cret", body, sig[7:])
		gotEvent = r.Header.Get("X-Webhook-Event")
		gotWebhookID = r.Header.Get("X-Webhook-Id")
		gotEventID = r.Header.Get("X-Event-Id")
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	reg := webhook.Registration{
		ID: "wh-1", URL: srv.URL, Events: []string{"job_submitted"},
		Active: true, Secret: "s3cret", Retry: webhook.DefaultRetryConfig(),
	}
	if err := repo.Create(ctx, reg); err != nil {
		t.Fatalf("create registration: %v", err)
	}

	eng := NewEngine(repo, nil, 5*time.Second, 2)
	eng.Start(ctx)

	evt := event.Event{ID: "evt-1", Type: event.JobSubmitted, Timestamp: time.Now().UTC(), JobID: "j1"}
	if err := eng.Dispatch(ctx, evt); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	rows := waitForDeliveries(t, repo, "wh-1", 1, 3*time.Second)
	if rows[0].Status != webhook.DeliveryDelivered {
		t.Fatalf("expected delivered, got %s (%s)", rows[0].Status, rows[0].Error)
	}
	if rows[0].ResponseCode != http.StatusOK {
		t.Fatalf("expected response code 200, got %d", rows[0].ResponseCode)
	}

	mu.Lock()
	defer mu.Unlock()
	if !verified {
		t.Fatalf("receiver-side signature verification failed")
	}
	if gotEvent != "job_submitted" || gotWebhookID != "wh-1" || gotEventID != "evt-1" {
		t.Fatalf("unexpected headers: event=%q webhook=%q event_id=%q", gotEvent, gotWebhookID, gotEventID)
	}
}

// Retry-with-backoff boundary scenario (§8): the receiver fails twice then
// succeeds with max_attempts=3, initial=1000ms, multiplier=2; attempts land
// at ≈0, 1000, 3000 ms and the final row is delivered on attempt 3.
func TestDeliver_RetryWithBackoff(t *testing.T) {
	repo := newTestRepo(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	var hits []time.Time
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		hits = append(hits, time.Now())
		n := len(hits)
		mu.Unlock()
		if n <= 2 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	reg := webhook.Registration{
		ID: "wh-retry", URL: srv.URL, Events: []string{"job_failed"}, Active: true,
		Retry: webhook.RetryConfig{MaxAttempts: 3, InitialDelayMs: 1000, BackoffMultiplier: 2, MaxDelayMs: 30000},
	}
	if err := repo.Create(ctx, reg); err != nil {
		t.Fatalf("create registration: %v", err)
	}

	eng := NewEngine(repo, nil, 5*time.Second, 2)
	eng.Start(ctx)

	if err := eng.Dispatch(ctx, event.Event{ID: "evt-r", Type: event.JobFailed, Timestamp: time.Now().UTC()}); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	rows := waitForDeliveries(t, repo, "wh-retry", 3, 8*time.Second)

	// Rows are newest-first.
	if rows[0].Attempt != 3 || rows[0].Status != webhook.DeliveryDelivered {
		t.Fatalf("expected attempt 3 delivered, got attempt %d status %s", rows[0].Attempt, rows[0].Status)
	}
	if rows[1].Status != webhook.DeliveryFailed || rows[2].Status != webhook.DeliveryFailed {
		t.Fatalf("expected attempts 1-2 failed, got %s/%s", rows[2].Status, rows[1].Status)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(hits) != 3 {
		t.Fatalf("expected exactly 3 delivery attempts, got %d", len(hits))
	}
	gap1 := hits[1].Sub(hits[0])
	gap2 := hits[2].Sub(hits[1])
	if gap1 < 700*time.Millisecond || gap1 > 1800*time.Millisecond {
		t.Fatalf("first retry gap %s outside the ≈1000ms window", gap1)
	}
	if gap2 < 1500*time.Millisecond || gap2 > 3300*time.Millisecond {
		t.Fatalf("second retry gap %s outside the ≈2000ms window", gap2)
	}
}

// A receiver that never recovers exhausts max_attempts and the final row is
// abandoned.
func TestDeliver_AbandonsAfterMaxAttempts(t *testing.T) {
	repo := newTestRepo(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	reg := webhook.Registration{
		ID: "wh-dead", URL: srv.URL, Events: []string{"job_failed"}, Active: true,
		Retry: webhook.RetryConfig{MaxAttempts: 2, InitialDelayMs: 50, BackoffMultiplier: 2, MaxDelayMs: 1000},
	}
	if err := repo.Create(ctx, reg); err != nil {
		t.Fatalf("create registration: %v", err)
	}

	eng := NewEngine(repo, nil, 2*time.Second, 2)
	eng.Start(ctx)

	if err := eng.Dispatch(ctx, event.Event{ID: "evt-d", Type: event.JobFailed, Timestamp: time.Now().UTC()}); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	rows := waitForDeliveries(t, repo, "wh-dead", 2, 4*time.Second)
	if rows[0].Attempt != 2 || rows[0].Status != webhook.DeliveryAbandoned {
		t.Fatalf("expected attempt 2 abandoned, got attempt %d status %s", rows[0].Attempt, rows[0].Status)
	}
}

// Dispatch filtering (§4.G steps 1-3): event type membership and declared
// filters both gate enqueueing; inactive registrations never receive.
func TestDispatch_FiltersRegistrations(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	regs := []webhook.Registration{
		{ID: "wants-submitted", URL: "http://x", Events: []string{"job_submitted"}, Active: true, Retry: webhook.DefaultRetryConfig()},
		{ID: "wants-completed", URL: "http://x", Events: []string{"complete_job"}, Active: true, Retry: webhook.DefaultRetryConfig()},
		{ID: "inactive", URL: "http://x", Events: []string{"job_submitted"}, Active: false, Retry: webhook.DefaultRetryConfig()},
		{ID: "other-job-type", URL: "http://x", Events: []string{"job_submitted"}, Active: true,
			Filters: webhook.Filters{JobTypes: []string{"openai"}}, Retry: webhook.DefaultRetryConfig()},
		{ID: "matching-filter", URL: "http://x", Events: []string{"job_submitted"}, Active: true,
			Filters: webhook.Filters{JobTypes: []string{"comfyui"}, Priorities: []int{200}}, Retry: webhook.DefaultRetryConfig()},
	}
	for _, reg := range regs {
		if err := repo.Create(ctx, reg); err != nil {
			t.Fatalf("create %s: %v", reg.ID, err)
		}
	}

	// No Start: enqueued tasks stay in the queue for inspection.
	eng := NewEngine(repo, nil, time.Second, 1)
	evt := event.Event{ID: "evt-f", Type: event.JobSubmitted, JobType: "comfyui", Priority: 200, Timestamp: time.Now().UTC()}
	if err := eng.Dispatch(ctx, evt); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	if len(eng.queue) != 2 {
		t.Fatalf("expected 2 enqueued deliveries, got %d", len(eng.queue))
	}
	got := map[string]bool{}
	for i := 0; i < 2; i++ {
		tk := <-eng.queue
		got[tk.reg.ID] = true
	}
	if !got["wants-submitted"] || !got["matching-filter"] {
		t.Fatalf("unexpected recipients: %v", got)
	}
}
