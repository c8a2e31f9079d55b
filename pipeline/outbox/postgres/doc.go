// Package postgres implements outbox.Repository on PostgreSQL.
//
// Acquisition is a single UPDATE over a FOR UPDATE SKIP LOCKED sub-select, so
// concurrent workers lease disjoint rows without blocking each other. Updates
// after processing are conditional on the caller still holding the lease.
package postgres
