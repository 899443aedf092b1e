// Package notifier delivers operator notifications: pause activations,
// retired accounts, forwarding denials, reply reports and daily summaries.
//
// Notify only enqueues. A worker pool drains the queue through a token
// bucket and retries transient send failures. Identical messages inside the
// dedup window are dropped.
package notifier
