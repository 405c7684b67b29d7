package redisstore

import "time"

// The effective priority key multiplies priority by 1e12 and adds the
// inverse of the effective timestamp (milliseconds remaining until
// 2500-01-01), so a single float64 ZSET score gives ZREVRANGE a
// priority-then-FIFO order. Priority dominates as long as the effective
// times being compared lie within 1e12 ms (about 31 years) of each other.
// The score is an exact integer only while it stays below 2^53, which holds
// for |priority| up to about 9000 with present-day timestamps; above that
// (ClampPriority allows up to +/-100000), same-priority jobs whose effective
// times are a few milliseconds apart can receive equal scores.
const (
	prioScale  = 1e12
	tsCeilingMs = int64(16725225600000) // 2500-01-01T00:00:00Z in ms; inversion ceiling
)

// EncodeScore produces the ZSET score for a job with the given effective
// priority and effective datetime (workflow datetime if part of a
// workflow, else created_at).
func EncodeScore(priority int, effectiveTime time.Time) float64 {
	inverted := tsCeilingMs - effectiveTime.UnixMilli()
	if inverted < 0 {
		inverted = 0
	}
	return float64(priority)*prioScale + float64(inverted)
}

// ClampPriority bounds a priority value so it cannot overflow the scale
// used by EncodeScore.
func ClampPriority(p int) int {
	const bound = 100000
	if p > bound {
		return bound
	}
	if p < -bound {
		return -bound
	}
	return p
}
