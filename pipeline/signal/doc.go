// Package signal derives prioritized signals from entity changes, groups them
// into per-user batches and routes each batch to the queue of its most urgent
// signal.
package signal
