package redisx

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// Dedup remembers processed event ids for one consuming service.
type Dedup struct {
	rdb     *redis.Client
	service string
	ttl     time.Duration
}

func NewDedup(rdb *redis.Client, service string) *Dedup {
	return &Dedup{rdb: rdb, service: service, ttl: TTLDedup}
}

func (d *Dedup) Seen(ctx context.Context, eventID string) (bool, error) {
	return Exists(ctx, d.rdb, DedupKey(d.service, eventID))
}

// Mark records eventID; call it only after the event was applied.
func (d *Dedup) Mark(ctx context.Context, eventID string) error {
	_, err := MarkOnce(ctx, d.rdb, DedupKey(d.service, eventID), d.ttl)
	return err
}
