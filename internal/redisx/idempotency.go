package redisx

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

var (
	ErrIdempotencyInFlight = errors.New("redisx: request with this idempotency key is still in flight")
	ErrIdempotencyMismatch = errors.New("redisx: idempotency key was used with a different request")
)

// idemRecord is stored under the key; an empty OrderID marks a request still running.
type idemRecord struct {
	Fingerprint string `json:"fingerprint"`
	OrderID     string `json:"order_id,omitempty"`
}

// Idempotency guards create-order requests carrying an Idempotency-Key header. Each key
// is bound to the fingerprint of the request that first used it.
type Idempotency struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewIdempotency(rdb *redis.Client) *Idempotency {
	return &Idempotency{rdb: rdb, ttl: TTLIdempotency}
}

// Reserve claims key for a new request. When the key was already used it returns
// reserved=false and the order id stored for it, ErrIdempotencyMismatch if the earlier
// request had another fingerprint, or ErrIdempotencyInFlight if it has not finished.
func (i *Idempotency) Reserve(ctx context.Context, key, fingerprint string) (orderID string, reserved bool, err error) {
	k := IdemOrderCreateKey(key)
	pending, err := json.Marshal(idemRecord{Fingerprint: fingerprint})
	if err != nil {
		return "", false, err
	}
	ok, err := i.rdb.SetNX(ctx, k, pending, i.ttl).Result()
	if err != nil {
		return "", false, err
	}
	if ok {
		return "", true, nil
	}
	raw, err := i.rdb.Get(ctx, k).Bytes()
	if errors.Is(err, redis.Nil) {
		// expired between SETNX and GET
		return i.Reserve(ctx, key, fingerprint)
	}
	if err != nil {
		return "", false, err
	}
	var rec idemRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return "", false, err
	}
	if rec.Fingerprint != fingerprint {
		return "", false, ErrIdempotencyMismatch
	}
	if rec.OrderID == "" {
		return "", false, ErrIdempotencyInFlight
	}
	return rec.OrderID, false, nil
}

func (i *Idempotency) Complete(ctx context.Context, key, fingerprint, orderID string) error {
	b, err := json.Marshal(idemRecord{Fingerprint: fingerprint, OrderID: orderID})
	if err != nil {
		return err
	}
	return i.rdb.Set(ctx, IdemOrderCreateKey(key), b, i.ttl).Err()
}

// Release frees the key after a failed request so the client may retry.
func (i *Idempotency) Release(ctx context.Context, key string) error {
	return i.rdb.Del(ctx, IdemOrderCreateKey(key)).Err()
}
