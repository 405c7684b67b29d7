package redisstore

import (
	"context"
	"encoding/json"

	"github.com/geocoder89/forgehub/internal/domain/webhook"
)

func webhookKey(id string) string        { return "webhook:" + id }
func webhookDeliveriesKey(id string) string { return "webhook:deliveries:" + id }

const webhooksSetKey = "webhooks:all"

// maxDeliveriesKept bounds the per-webhook delivery log the way the
// progress/event logs elsewhere in this package are bounded.
const maxDeliveriesKept = 500

type WebhooksRepo struct {
	c *Client
}

func NewWebhooksRepo(c *Client) *WebhooksRepo {
	return &WebhooksRepo{c: c}
}

func (r *WebhooksRepo) Create(ctx context.Context, reg webhook.Registration) error {
	return r.c.observe("webhooks.create", func() error {
		body, err := json.Marshal(reg)
		if err != nil {
			return err
		}
		pipe := r.c.rdb.TxPipeline()
		pipe.Set(ctx, webhookKey(reg.ID), body, 0)
		pipe.SAdd(ctx, webhooksSetKey, reg.ID)
		_, err = pipe.Exec(ctx)
		return err
	})
}

func (r *WebhooksRepo) Update(ctx context.Context, reg webhook.Registration) error {
	return r.c.observe("webhooks.update", func() error {
		body, err := json.Marshal(reg)
		if err != nil {
			return err
		}
		return r.c.rdb.Set(ctx, webhookKey(reg.ID), body, 0).Err()
	})
}

func (r *WebhooksRepo) Delete(ctx context.Context, id string) error {
	return r.c.observe("webhooks.delete", func() error {
		pipe := r.c.rdb.TxPipeline()
		pipe.Del(ctx, webhookKey(id))
		pipe.Del(ctx, webhookDeliveriesKey(id))
		pipe.SRem(ctx, webhooksSetKey, id)
		_, err := pipe.Exec(ctx)
		return err
	})
}

func (r *WebhooksRepo) Get(ctx context.Context, id string) (webhook.Registration, error) {
	var out webhook.Registration
	err := r.c.observe("webhooks.get", func() error {
		body, err := r.c.rdb.Get(ctx, webhookKey(id)).Result()
		if err != nil {
			return err
		}
		return json.Unmarshal([]byte(body), &out)
	})
	if err != nil {
		return webhook.Registration{}, webhook.ErrNotFound
	}
	return out, nil
}

func (r *WebhooksRepo) List(ctx context.Context) ([]webhook.Registration, error) {
	var out []webhook.Registration
	err := r.c.observe("webhooks.list", func() error {
		ids, err := r.c.rdb.SMembers(ctx, webhooksSetKey).Result()
		if err != nil {
			return err
		}
		for _, id := range ids {
			reg, err := r.Get(ctx, id)
			if err != nil {
				continue
			}
			out = append(out, reg)
		}
		return nil
	})
	return out, err
}

// RecordDelivery appends one delivery attempt row, capping the retained
// history per webhook.
func (r *WebhooksRepo) RecordDelivery(ctx context.Context, d webhook.Delivery) error {
	return r.c.observe("webhooks.record_delivery", func() error {
		body, err := json.Marshal(d)
		if err != nil {
			return err
		}
		pipe := r.c.rdb.TxPipeline()
		pipe.LPush(ctx, webhookDeliveriesKey(d.WebhookID), body)
		pipe.LTrim(ctx, webhookDeliveriesKey(d.WebhookID), 0, maxDeliveriesKept-1)
		_, err = pipe.Exec(ctx)
		return err
	})
}

func (r *WebhooksRepo) ListDeliveries(ctx context.Context, webhookID string, limit int64) ([]webhook.Delivery, error) {
	var out []webhook.Delivery
	err := r.c.observe("webhooks.list_deliveries", func() error {
		if limit <= 0 {
			limit = 50
		}
		rows, err := r.c.rdb.LRange(ctx, webhookDeliveriesKey(webhookID), 0, limit-1).Result()
		if err != nil {
			return err
		}
		for _, row := range rows {
			var d webhook.Delivery
			if err := json.Unmarshal([]byte(row), &d); err != nil {
				continue
			}
			out = append(out, d)
		}
		return nil
	})
	return out, err
}
