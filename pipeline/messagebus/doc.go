// Package messagebus publishes change and signal messages to named queues.
//
// Two Bus implementations are provided. OutboxedBus stores an Envelope in a
// local MessageStore (optionally inside the caller's transaction) and a
// Forwarder later hands due envelopes to a Transport. DirectBus sends straight
// to the Transport behind a circuit breaker.
//
// Messages implementing IdempotencyKeyer carry a stable key that transports
// and stores use to drop duplicates. Consumers wrap handlers with a
// Deduplicator so the same batch is applied at most once.
package messagebus
