// Package queue contains the event queue contract and the batch processor
// that drains it.
//
// The processor runs as a periodically triggered job: it claims pending rows
// under a distributed lease, decrypts and transforms them, persists what it
// is about to send, dispatches through a single transmission strategy
// selected once per run, and reconciles row statuses from the outcome.
//
// Delivery is at-least-once from the collector's perspective and
// manual-retry-only from the queue's: a row marked failed stays failed until
// an operator requeues it. Store failures abort the run without marking
// anything failed so a transient outage cannot mislabel rows.
package queue
