package redisx

import "time"

const (
	// Stage ledger: dedup:{stage}:{order_id}
	KeyDedup = "dedup:%s:%s"

	// Cache status order terminal: order_status:{order_id} -> order JSON
	KeyOrderStatus = "order_status:%s"
)

var (
	TTLDedup       = 48 * time.Hour
	TTLStatusCache = 5 * time.Minute
)
