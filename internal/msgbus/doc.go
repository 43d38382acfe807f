// Package msgbus is the message channel between the router and the workers:
// at-least-once, ordered-per-queue delivery of small JSON envelopes.
//
// Delivery is lease-based: a received message is invisible to other consumers
// until it is acked or its lease expires, at which point it is redelivered.
// Consumers must therefore tolerate duplicates; the job store's idempotency
// gates absorb them.
//
// Two implementations are provided: a durable SQLite-backed bus for
// deployments sharing a data directory, and an in-memory bus for tests.
package msgbus
