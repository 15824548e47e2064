// Package errors provides the structured error taxonomy shared by the sync
// and notification layers.
//
// Every error carries a code and a category. The category decides what the
// caller does next:
//
//   - Transient: peer timeouts, refused connections, channel hiccups. Skip
//     the peer for this cycle or schedule a retry.
//   - Permanent: malformed payloads, unresolvable recipients. Reject or mark
//     terminal, never retry.
//   - Resource: rate limits and capacity. Back off and retry.
//   - Internal: bugs and recovered panics. Log with full context.
//
// Peers reply to pull requests with the JSON form of Error so the
// requesting computer can classify a remote failure without string matching:
//
//	data, _ := json.Marshal(errors.Unavailable("source offline", errors.WithPeer("mini")))
package errors
