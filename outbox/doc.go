// Package outbox is the durable notification queue and its delivery worker.
//
// A producer hands a message to the Router, which resolves the channel's
// explicit subscribers and inserts one pending Row per recipient. The Worker
// claims due rows, sends each through the channel's Adapter and records the
// outcome:
//
//	pending --send ok-------------------> delivered
//	pending --recipient unresolvable----> undeliverable
//	pending --transient error-----------> pending (attempt_count+1, backoff)
//	pending --attempts exhausted--------> failed
//
// delivered, undeliverable and failed are terminal. A claim is an atomic,
// conditional write: two workers racing for one row never both win it, and
// every later write on the row is conditioned on still holding the claim.
//
// Delivery is at-least-once. When a send succeeds but recording it fails,
// the row keeps its claim, is listed by Worker.Unreconciled and is logged as
// delivery_persist_failed for an operator to resolve.
package outbox
