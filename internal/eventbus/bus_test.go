package eventbus

import (
	"context"
	"encoding/json"
	"strconv"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/geocoder89/forgehub/internal/domain/event"
	"github.com/geocoder89/forgehub/internal/redisstore"
	"github.com/redis/go-redis/v9"
)

func newTestBus(t *testing.T) (*Bus, *redis.Client) {
	t.Helper()
	srv := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return New(rdb), rdb
}

// seedEvent appends an event to the stream with an explicit stream id so the
// replay window can be pinned to literal timestamps.
func seedEvent(t *testing.T, rdb *redis.Client, id string, tsMs int64, eventID string) {
	t.Helper()
	e := event.Event{ID: eventID, Type: event.JobSubmitted, Timestamp: time.UnixMilli(tsMs).UTC()}
	body, err := json.Marshal(e)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	err = rdb.XAdd(context.Background(), &redis.XAddArgs{
		Stream: redisstore.EventStreamKey,
		ID:     id,
		Values: map[string]any{
			"id":        eventID,
			"type":      string(e.Type),
			"timestamp": strconv.FormatInt(tsMs, 10),
			"body":      string(body),
		},
	}).Err()
	if err != nil {
		t.Fatalf("xadd %s: %v", id, err)
	}
}

// Replay law (§8.4): resync(t) returns exactly the retained events with
// timestamp > t, in emitted order.
func TestReplay_StrictlyNewerThanWatermark(t *testing.T) {
	bus, rdb := newTestBus(t)
	ctx := context.Background()

	seedEvent(t, rdb, "100-0", 100, "E1")
	seedEvent(t, rdb, "200-0", 200, "E2")
	seedEvent(t, rdb, "300-0", 300, "E3")

	events, hasMore, oldestMs, err := bus.Replay(ctx, 150, 0)
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}
	if hasMore {
		t.Fatalf("expected has_more=false")
	}
	if len(events) != 2 || events[0].ID != "E2" || events[1].ID != "E3" {
		t.Fatalf("expected [E2 E3], got %+v", events)
	}
	if oldestMs != 100 {
		t.Fatalf("expected oldest retained timestamp 100, got %d", oldestMs)
	}
}

// An event exactly at the watermark is excluded: replay is strictly newer.
func TestReplay_ExcludesEventAtWatermark(t *testing.T) {
	bus, rdb := newTestBus(t)

	seedEvent(t, rdb, "200-0", 200, "E2")
	seedEvent(t, rdb, "300-0", 300, "E3")

	events, _, _, err := bus.Replay(context.Background(), 200, 0)
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}
	if len(events) != 1 || events[0].ID != "E3" {
		t.Fatalf("expected only E3, got %+v", events)
	}
}

func TestReplay_MaxEventsSetsHasMore(t *testing.T) {
	bus, rdb := newTestBus(t)

	seedEvent(t, rdb, "100-0", 100, "E1")
	seedEvent(t, rdb, "200-0", 200, "E2")
	seedEvent(t, rdb, "300-0", 300, "E3")

	events, hasMore, _, err := bus.Replay(context.Background(), 0, 2)
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}
	if !hasMore {
		t.Fatalf("expected has_more=true when the window is truncated")
	}
	if len(events) != 2 || events[0].ID != "E1" || events[1].ID != "E2" {
		t.Fatalf("expected [E1 E2], got %+v", events)
	}
}

func TestPublish_AssignsIDAndTimestamp(t *testing.T) {
	bus, rdb := newTestBus(t)
	ctx := context.Background()

	published, err := bus.Publish(ctx, event.Event{Type: event.JobSubmitted, JobID: "j1"})
	if err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if published.ID == "" {
		t.Fatalf("expected an assigned event id")
	}
	if published.Timestamp.IsZero() {
		t.Fatalf("expected an assigned timestamp")
	}

	msgs, err := rdb.XRange(ctx, redisstore.EventStreamKey, "-", "+").Result()
	if err != nil {
		t.Fatalf("xrange: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("expected 1 stream entry, got %d", len(msgs))
	}
	var got event.Event
	if err := json.Unmarshal([]byte(msgs[0].Values["body"].(string)), &got); err != nil {
		t.Fatalf("unmarshal body: %v", err)
	}
	if got.ID != published.ID || got.JobID != "j1" {
		t.Fatalf("stream body does not match published event: %+v", got)
	}
}

// A targeted cancel reaches the worker's pub/sub channel, not the shared
// stream.
func TestPublishCancel_ReachesWorkerChannel(t *testing.T) {
	bus, rdb := newTestBus(t)
	ctx := context.Background()

	sub := bus.SubscribeCancel(ctx, "worker-1")
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil { // subscription confirmation
		t.Fatalf("subscribe: %v", err)
	}

	if err := bus.PublishCancel(ctx, "worker-1", "job-9"); err != nil {
		t.Fatalf("PublishCancel: %v", err)
	}

	select {
	case msg := <-sub.Channel():
		if msg.Payload != "job-9" {
			t.Fatalf("expected job-9, got %q", msg.Payload)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for cancel signal")
	}

	n, err := rdb.XLen(ctx, redisstore.EventStreamKey).Result()
	if err != nil {
		t.Fatalf("xlen: %v", err)
	}
	if n != 0 {
		t.Fatalf("cancel signals must not land in the event stream, found %d entries", n)
	}
}
