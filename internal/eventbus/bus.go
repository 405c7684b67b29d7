// Package eventbus publishes lifecycle events onto the shared Redis Stream
// backing the hub's event log (Design Note: promoting the event ring to a
// shared log keeps replay windows consistent across hub replicas, and lets
// an independent webhookd process consume the same events the hub does).
package eventbus

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/geocoder89/forgehub/internal/domain/event"
	"github.com/geocoder89/forgehub/internal/redisstore"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RingSize bounds the shared stream the way the in-process ring buffer
// defaults to 1000 entries (§4.E), approximated here via XADD MAXLEN.
const RingSize = 1000

type Bus struct {
	rdb *redis.Client
}

func New(rdb *redis.Client) *Bus {
	return &Bus{rdb: rdb}
}

// Publish appends an event to the stream, assigning an id and timestamp if
// absent.
func (b *Bus) Publish(ctx context.Context, e event.Event) (event.Event, error) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}

	body, err := json.Marshal(e)
	if err != nil {
		return e, err
	}

	err = b.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: redisstore.EventStreamKey,
		MaxLen: RingSize,
		Approx: true,
		Values: map[string]any{
			"id":        e.ID,
			"type":      string(e.Type),
			"timestamp": strconv.FormatInt(e.Timestamp.UnixMilli(), 10),
			"body":      string(body),
		},
	}).Err()

	return e, err
}

// Replay returns every event strictly newer than sinceMs, oldest first, up
// to max (0 means unbounded), plus whether more events exist beyond max and
// the oldest retained timestamp in the window.
func (b *Bus) Replay(ctx context.Context, sinceMs int64, max int64) (events []event.Event, hasMore bool, oldestMs int64, err error) {
	start := "(" + strconv.FormatInt(sinceMs, 10)

	count := max
	if count > 0 {
		count++ // fetch one extra to detect has_more
	}

	var msgs []redis.XMessage
	if count > 0 {
		msgs, err = b.rdb.XRangeN(ctx, redisstore.EventStreamKey, start, "+", count).Result()
	} else {
		msgs, err = b.rdb.XRange(ctx, redisstore.EventStreamKey, start, "+").Result()
	}
	if err != nil {
		return nil, false, 0, err
	}

	if max > 0 && int64(len(msgs)) > max {
		hasMore = true
		msgs = msgs[:max]
	}

	for _, m := range msgs {
		body, _ := m.Values["body"].(string)
		var e event.Event
		if err := json.Unmarshal([]byte(body), &e); err == nil {
			events = append(events, e)
		}
	}

	oldest, err := b.rdb.XRange(ctx, redisstore.EventStreamKey, "-", "+").Result()
	if err == nil && len(oldest) > 0 {
		if ts, ok := oldest[0].Values["timestamp"].(string); ok {
			oldestMs, _ = strconv.ParseInt(ts, 10, 64)
		}
	}

	return events, hasMore, oldestMs, nil
}

// PublishCancel delivers a targeted cancellation signal to the worker
// currently holding jobID, over Redis Pub/Sub rather than the shared event
// stream: a cancel needs to reach exactly one live worker process promptly,
// not accumulate in a replayable log (§4.F/§5).
func (b *Bus) PublishCancel(ctx context.Context, workerID, jobID string) error {
	return b.rdb.Publish(ctx, redisstore.CancelChannelKey(workerID), jobID).Err()
}

// SubscribeCancel opens the Pub/Sub subscription a worker holds open for
// its own worker id, observed by workerrt.Runtime's cancellation loop.
func (b *Bus) SubscribeCancel(ctx context.Context, workerID string) *redis.PubSub {
	return b.rdb.Subscribe(ctx, redisstore.CancelChannelKey(workerID))
}

// Tail blocks for new stream entries after lastID ("$" for "only new from
// now"), used by the hub's fanout loop.
func (b *Bus) Tail(ctx context.Context, lastID string, block time.Duration) ([]event.Event, string, error) {
	res, err := b.rdb.XRead(ctx, &redis.XReadArgs{
		Streams: []string{redisstore.EventStreamKey, lastID},
		Block:   block,
		Count:   100,
	}).Result()
	if err == redis.Nil {
		return nil, lastID, nil
	}
	if err != nil {
		return nil, lastID, err
	}

	var out []event.Event
	next := lastID
	for _, stream := range res {
		for _, m := range stream.Messages {
			body, _ := m.Values["body"].(string)
			var e event.Event
			if err := json.Unmarshal([]byte(body), &e); err == nil {
				out = append(out, e)
			}
			next = m.ID
		}
	}
	return out, next, nil
}
