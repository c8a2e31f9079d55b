// Package dedup records idempotency keys so a message carrying the same key
// is applied at most once by a consumer.
package dedup
