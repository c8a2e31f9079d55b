// Package postgres provides the primary/replica connection used by the outbox
// and the durable bus store, and applies embedded schema migrations.
package postgres
