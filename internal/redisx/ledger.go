package redisx

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Ledger records completed stages in Redis. Keys are the workflow idempotency
// keys ("orderID:stage") rewritten to dedup:{stage}:{orderID}.
type Ledger struct {
	rdb redis.Cmdable
	ttl time.Duration
}

func NewLedger(rdb redis.Cmdable, ttl time.Duration) *Ledger {
	if ttl <= 0 {
		ttl = TTLDedup
	}
	return &Ledger{rdb: rdb, ttl: ttl}
}

func (l *Ledger) Done(ctx context.Context, key string) (bool, error) {
	return Exists(ctx, l.rdb, dedupKey(key))
}

func (l *Ledger) Mark(ctx context.Context, key string) error {
	// SETNX: penanda pertama yang menang, TTL tidak diperpanjang
	return l.rdb.SetNX(ctx, dedupKey(key), time.Now().UTC().Format(time.RFC3339Nano), l.ttl).Err()
}

func dedupKey(key string) string {
	i := strings.LastIndexByte(key, ':')
	if i < 0 {
		return fmt.Sprintf(KeyDedup, "_", key)
	}
	return fmt.Sprintf(KeyDedup, key[i+1:], key[:i])
}
