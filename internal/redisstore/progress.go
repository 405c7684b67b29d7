package redisstore

import (
	"context"
)

type ProgressRepo struct {
	c *Client
}

func NewProgressRepo(c *Client) *ProgressRepo {
	return &ProgressRepo{c: c}
}

// ProgressTick is one entry read back from a job's progress stream.
type ProgressTick struct {
	ID     string
	Fields map[string]any
}

// Read returns every tick recorded for a job, oldest first, used by the
// forensics query order's final fallback step.
func (r *ProgressRepo) Read(ctx context.Context, jobID string) ([]ProgressTick, error) {
	var out []ProgressTick
	err := r.c.observe("progress.read", func() error {
		msgs, err := r.c.rdb.XRange(ctx, ProgressStreamKey(jobID), "-", "+").Result()
		if err != nil {
			return err
		}
		for _, m := range msgs {
			out = append(out, ProgressTick{ID: m.ID, Fields: m.Values})
		}
		return nil
	})
	return out, err
}
