// Package outbox models outbox entries written in the same transaction as an
// entity change, the lease state machine that lets several relay workers drain
// them without a lock service, and the relay and maintenance apps built on a
// Repository.
package outbox
