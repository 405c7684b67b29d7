package matcher_test

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/geocoder89/forgehub/internal/domain/job"
	"github.com/geocoder89/forgehub/internal/domain/worker"
	"github.com/geocoder89/forgehub/internal/matcher"
	"github.com/geocoder89/forgehub/internal/redisstore"
)

// The findMatchingJob Lua script leans on cjson.decode/cjson.null, which
// miniredis does not implement (confirmed by the same limitation the
// jordigilh-kubernaut storm-aggregation integration tests document for
// their own cjson-dependent script). These tests therefore need a real
// Redis and are skipped unless one is configured, exercising the Lua path
// end to end rather than asserting against a shimmed Lua runtime that
// would silently pass or fail for the wrong reason. The pure-Go mirror of
// the same predicate (internal/domain/capability.Matches) is exercised
// unconditionally in match_test.go.
func testClient(t *testing.T) *redisstore.Client {
	t.Helper()
	url := os.Getenv("TEST_REDIS_URL")
	if url == "" {
		t.Skip("TEST_REDIS_URL not set; skipping matcher integration test (see package comment)")
	}
	c, err := redisstore.New(redisstore.Config{URL: url}, nil)
	if err != nil {
		t.Fatalf("redisstore.New: %v", err)
	}
	if err := c.Ping(context.Background()); err != nil {
		t.Fatalf("redis ping: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func testWorker(id string, services []string, hw map[string]any, models map[string][]string) worker.Worker {
	return worker.Worker{
		WorkerID: id,
		Capabilities: worker.Capabilities{
			Services: services,
			Hardware: hw,
			Models:   models,
		},
		Status:        worker.StatusIdle,
		ConnectedAt:   time.Now().UTC(),
		LastHeartbeat: time.Now().UTC(),
	}
}

func mustCreate(t *testing.T, repo *redisstore.JobsRepo, j job.Job) {
	t.Helper()
	if j.CreatedAt.IsZero() {
		j.CreatedAt = time.Now().UTC()
	}
	if j.Status == "" {
		j.Status = job.StatusPending
	}
	if err := repo.Create(context.Background(), j); err != nil {
		t.Fatalf("create job %s: %v", j.ID, err)
	}
}

// Boundary scenario (§8): atomic claim. One pending job, two identically
// capable workers call the matcher concurrently; exactly one receives the
// job, the other gets ErrNoMatch, and the job ends up assigned to exactly
// one worker.
func TestFindAndClaim_AtomicClaim(t *testing.T) {
	c := testClient(t)
	jobs := redisstore.NewJobsRepo(c)
	m := matcher.New(c.Raw())

	id := uniqueID(t, "job")
	mustCreate(t, jobs, job.Job{ID: id, ServiceRequired: "comfyui", Priority: 100})

	wA := testWorker(uniqueID(t, "worker"), []string{"comfyui"}, nil, nil)
	wB := testWorker(uniqueID(t, "worker"), []string{"comfyui"}, nil, nil)

	var wg sync.WaitGroup
	results := make(chan error, 2)
	wg.Add(2)
	for _, w := range []worker.Worker{wA, wB} {
		w := w
		go func() {
			defer wg.Done()
			_, err := m.FindAndClaim(context.Background(), w, 50)
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	var nilCount, noMatchCount int
	for err := range results {
		switch err {
		case nil:
			nilCount++
		case matcher.ErrNoMatch:
			noMatchCount++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if nilCount != 1 || noMatchCount != 1 {
		t.Fatalf("expected exactly one claim and one no-match, got claims=%d nomatch=%d", nilCount, noMatchCount)
	}

	got, err := jobs.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if got.Status != job.StatusAssigned {
		t.Fatalf("expected assigned, got %s", got.Status)
	}
	if got.WorkerID == nil {
		t.Fatalf("expected worker_id set")
	}
}

// Boundary scenario (§8): hardware gating. A worker below the required
// gpu_memory_gb minimum never matches; one at or above it does.
func TestFindAndClaim_HardwareGating(t *testing.T) {
	c := testClient(t)
	jobs := redisstore.NewJobsRepo(c)
	m := matcher.New(c.Raw())

	id := uniqueID(t, "job")
	mustCreate(t, jobs, job.Job{
		ID: id, ServiceRequired: "comfyui",
		Requirements: job.Requirements{Hardware: map[string]any{"gpu_memory_gb": float64(24)}},
	})

	weak := testWorker(uniqueID(t, "weak"), []string{"comfyui"}, map[string]any{"gpu_memory_gb": float64(16)}, nil)
	if _, err := m.FindAndClaim(context.Background(), weak, 50); err != matcher.ErrNoMatch {
		t.Fatalf("expected ErrNoMatch for underpowered worker, got %v", err)
	}

	strong := testWorker(uniqueID(t, "strong"), []string{"comfyui"}, map[string]any{"gpu_memory_gb": float64(24)}, nil)
	if _, err := m.FindAndClaim(context.Background(), strong, 50); err != nil {
		t.Fatalf("expected claim for sufficiently powerful worker, got %v", err)
	}
}

// Boundary scenario (§8): strict isolation. A worker advertising "loose"
// isolation must never match a job requiring "strict", even if the
// customer id is in the worker's allow list.
func TestFindAndClaim_StrictIsolation(t *testing.T) {
	c := testClient(t)
	jobs := redisstore.NewJobsRepo(c)
	m := matcher.New(c.Raw())

	customer := "C1"
	id := uniqueID(t, "job")
	mustCreate(t, jobs, job.Job{
		ID: id, ServiceRequired: "comfyui", CustomerID: &customer,
		Requirements: job.Requirements{CustomerIsolation: job.IsolationStrict},
	})

	w := testWorker(uniqueID(t, "loose"), []string{"comfyui"}, nil, nil)
	w.Capabilities.CustomerAccess = worker.CustomerAccess{
		Isolation:        job.IsolationLoose,
		AllowedCustomers: []string{"C1"},
	}

	if _, err := m.FindAndClaim(context.Background(), w, 50); err != matcher.ErrNoMatch {
		t.Fatalf("expected ErrNoMatch for loose-isolation worker against a strict job, got %v", err)
	}
}

func uniqueID(t *testing.T, prefix string) string {
	t.Helper()
	return prefix + "-" + t.Name() + "-" + time.Now().UTC().Format("150405.000000000")
}
