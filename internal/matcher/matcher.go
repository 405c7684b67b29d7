// Package matcher wraps the embedded findMatchingJob Lua script: the
// atomic server-side "find+claim next job for worker W" routine. Running
// it as a single Lua invocation is what makes the observe-then-claim
// sequence atomic with respect to other matcher calls (Design Note:
// client-side optimistic loops are incorrect here).
package matcher

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"time"

	"github.com/geocoder89/forgehub/internal/domain/job"
	"github.com/geocoder89/forgehub/internal/domain/worker"
	"github.com/geocoder89/forgehub/internal/redisstore"
	"github.com/redis/go-redis/v9"
)

//go:embed findMatchingJob.lua
var findMatchingJobSrc string

var ErrNoMatch = errors.New("matcher: no matching job")

type Matcher struct {
	rdb    *redis.Client
	script *redis.Script
}

func New(rdb *redis.Client) *Matcher {
	return &Matcher{rdb: rdb, script: redis.NewScript(findMatchingJobSrc)}
}

// FindAndClaim runs the matcher for one worker. It returns ErrNoMatch when
// nothing claimable was found within maxScan.
func (m *Matcher) FindAndClaim(ctx context.Context, w worker.Worker, maxScan int) (job.Job, error) {
	capsJSON, err := json.Marshal(w.Capabilities)
	if err != nil {
		return job.Job{}, err
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)

	res, err := m.script.Run(ctx, m.rdb, []string{redisstore.PendingIndexKey},
		string(capsJSON), maxScan, w.WorkerID, now).Result()
	if errors.Is(err, redis.Nil) {
		return job.Job{}, ErrNoMatch
	}
	if err != nil {
		return job.Job{}, err
	}

	fields, ok := res.([]interface{})
	if !ok || len(fields) == 0 {
		return job.Job{}, ErrNoMatch
	}

	h := make(map[string]string, len(fields)/2)
	for i := 0; i+1 < len(fields); i += 2 {
		k, _ := fields[i].(string)
		v, _ := fields[i+1].(string)
		h[k] = v
	}

	return redisstore.DecodeJobHash(h)
}
