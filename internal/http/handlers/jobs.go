package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/geocoder89/forgehub/internal/api"
	"github.com/geocoder89/forgehub/internal/cache"
	"github.com/geocoder89/forgehub/internal/domain/job"
	"github.com/geocoder89/forgehub/internal/forensics"
	"github.com/geocoder89/forgehub/internal/redisstore"
	"github.com/gin-gonic/gin"
)

// jobGetCacheTTL bounds how stale a polled job record may be; short enough
// that clients retrying sync_job_state never see it, long enough to absorb
// a thundering herd of GET /jobs/:id polls against one in-flight job.
const jobGetCacheTTL = 500 * time.Millisecond

func parseIntDefault(raw string, def int) int {
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}

type JobsHandler struct {
	api       *api.Service
	jobs      *redisstore.JobsRepo
	forensics *forensics.Service
	getCache  *cache.Cache
}

func NewJobsHandler(svc *api.Service, jobs *redisstore.JobsRepo, forensicsSvc *forensics.Service) *JobsHandler {
	return &JobsHandler{api: svc, jobs: jobs, forensics: forensicsSvc, getCache: cache.New(jobGetCacheTTL)}
}

// POST /jobs — submit(job_spec): enqueue a new job.
func (h *JobsHandler) Submit(ctx *gin.Context) {
	var spec api.JobSpec
	if !BindJSON(ctx, &spec) {
		return
	}

	cctx, cancel := context.WithTimeout(ctx.Request.Context(), 3*time.Second)
	defer cancel()

	j, err := h.api.Submit(cctx, spec)
	if err != nil {
		RespondInternal(ctx, "Could not submit job")
		return
	}

	ctx.JSON(http.StatusAccepted, gin.H{"success": true, "data": j})
}

// GET /jobs?status=pending&limit=50
func (h *JobsHandler) List(ctx *gin.Context) {
	limit := int64(parseIntDefault(ctx.Query("limit"), 50))
	if limit < 1 || limit > 500 {
		RespondBadRequest(ctx, "limit must be between 1 and 500", nil)
		return
	}

	status := job.StatusPending
	if raw := ctx.Query("status"); raw != "" {
		status = job.Status(raw)
		valid := false
		for _, s := range redisstore.AllStatuses() {
			if s == status {
				valid = true
				break
			}
		}
		if !valid {
			RespondBadRequest(ctx, "unknown status", nil)
			return
		}
	}

	cctx, cancel := context.WithTimeout(ctx.Request.Context(), 2*time.Second)
	defer cancel()

	ids, err := h.jobs.ListByStatus(cctx, status, limit)
	if err != nil {
		RespondInternal(ctx, "Could not list jobs")
		return
	}

	items := make([]job.Job, 0, len(ids))
	for _, id := range ids {
		j, err := h.jobs.Get(cctx, id)
		if err != nil {
			continue
		}
		items = append(items, j)
	}

	ctx.JSON(http.StatusOK, gin.H{"success": true, "data": gin.H{"count": len(items), "items": items}})
}

// GET /jobs/:id
func (h *JobsHandler) Get(ctx *gin.Context) {
	id := ctx.Param("id")

	if cached, ok := h.getCache.Get(id); ok {
		RespondJSONWithETag(ctx, http.StatusOK, gin.H{"success": true, "data": cached})
		return
	}

	cctx, cancel := context.WithTimeout(ctx.Request.Context(), 2*time.Second)
	defer cancel()

	j, err := h.jobs.Get(cctx, id)
	if err != nil {
		if errors.Is(err, job.ErrJobNotFound) {
			RespondNotFound(ctx, "Job not found")
			return
		}
		RespondInternal(ctx, "Could not fetch job")
		return
	}
	h.getCache.Set(id, j)
	RespondJSONWithETag(ctx, http.StatusOK, gin.H{"success": true, "data": j})
}

// GET /jobs/:id/forensics — full attestation/retry trail for a job.
func (h *JobsHandler) Forensics(ctx *gin.Context) {
	id := ctx.Param("id")

	cctx, cancel := context.WithTimeout(ctx.Request.Context(), 3*time.Second)
	defer cancel()

	report, err := h.forensics.Investigate(cctx, id)
	if err != nil {
		if errors.Is(err, job.ErrJobNotFound) {
			RespondNotFound(ctx, "Job not found")
			return
		}
		RespondInternal(ctx, "Could not assemble forensics report")
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"success": true, "data": report})
}

// GET /jobs/:id/match/:worker_id — debug why a worker can or can't claim a job.
func (h *JobsHandler) MatchExplain(ctx *gin.Context) {
	id := ctx.Param("id")
	workerID := ctx.Param("worker_id")

	cctx, cancel := context.WithTimeout(ctx.Request.Context(), 2*time.Second)
	defer cancel()

	explanation, err := h.forensics.ExplainMatch(cctx, id, workerID)
	if err != nil {
		RespondNotFound(ctx, "Job or worker not found")
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"success": true, "data": explanation})
}

// POST /jobs/:id/retry — manually retry a terminal, failed job.
func (h *JobsHandler) Retry(ctx *gin.Context) {
	id := ctx.Param("id")

	cctx, cancel := context.WithTimeout(ctx.Request.Context(), 2*time.Second)
	defer cancel()

	j, err := h.api.Retry(cctx, id)
	if err != nil {
		if errors.Is(err, job.ErrNotTerminal) {
			RespondConflict(ctx, "job_not_terminal", "Only terminal jobs can be retried")
			return
		}
		if errors.Is(err, job.ErrJobNotFound) {
			RespondNotFound(ctx, "Job not found")
			return
		}
		RespondInternal(ctx, "Could not retry job")
		return
	}
	h.getCache.Delete(id)
	ctx.JSON(http.StatusOK, gin.H{"success": true, "data": j})
}

// POST /jobs/:id/cancel — cancel a pending or active job.
func (h *JobsHandler) Cancel(ctx *gin.Context) {
	id := ctx.Param("id")

	cctx, cancel := context.WithTimeout(ctx.Request.Context(), 2*time.Second)
	defer cancel()

	status, err := h.api.Cancel(cctx, id)
	if err != nil {
		if errors.Is(err, job.ErrIllegalTransition) {
			RespondConflict(ctx, "illegal_transition", "Job cannot be cancelled from its current state")
			return
		}
		if errors.Is(err, job.ErrJobNotFound) {
			RespondNotFound(ctx, "Job not found")
			return
		}
		RespondInternal(ctx, "Could not cancel job")
		return
	}
	h.getCache.Delete(id)
	ctx.JSON(http.StatusOK, gin.H{"success": true, "data": gin.H{"job_id": id, "status": status}})
}

// POST /jobs/sync — sync_job_state(job_id?): reconcile client-side job state.
func (h *JobsHandler) Sync(ctx *gin.Context) {
	id := ctx.Query("job_id")

	cctx, cancel := context.WithTimeout(ctx.Request.Context(), 3*time.Second)
	defer cancel()

	if err := h.api.SyncJobState(cctx, id); err != nil {
		RespondInternal(ctx, "Could not sync job state")
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"success": true})
}
