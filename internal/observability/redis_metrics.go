package observability

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// ObserveRedis wraps a logical Redis operation, recording latency and, on
// failure, an error classified by class so dashboards can tell a deliberate
// redis.Nil miss from a dropped connection.
func (p *Prom) ObserveRedis(op string, fn func() error) error {
	start := time.Now()
	err := fn()

	status := "ok"
	if err != nil && !errors.Is(err, redis.Nil) {
		status = "error"
		p.RedisErrorsTotal.WithLabelValues(op, classifyRedisErr(err)).Inc()
	}
	p.RedisOpDuration.WithLabelValues(op, status).Observe(time.Since(start).Seconds())
	return err
}

func classifyRedisErr(err error) string {
	if errors.Is(err, redis.Nil) {
		return "not_found"
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return "timeout"
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "noscript"):
		return "noscript"
	case strings.Contains(msg, "timeout"):
		return "timeout"
	case strings.Contains(msg, "connection refused"), strings.Contains(msg, "connection reset"), strings.Contains(msg, "broken pipe"):
		return "connection"
	case strings.Contains(msg, "loading"):
		return "loading"
	case strings.Contains(msg, "readonly"):
		return "readonly_replica"
	default:
		return "unknown"
	}
}
