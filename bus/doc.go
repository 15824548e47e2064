// Subjects used between computers:
//
//	teleclaude.heartbeat.<computer>          presence, pub/sub
//	teleclaude.pull.<computer>.<category>    pull reconciliation, request/reply
//	teleclaude.events.<computer>             session deltas, EventStream
//
// Pub/Sub:
//
//	sub, _ := b.Subscribe("teleclaude.heartbeat.*")
//	for msg := range sub.Messages() {
//	    // Handle message
//	}
//
// Request/Reply with a per-call deadline:
//
//	// Responder
//	sub, _ := b.Subscribe("teleclaude.pull.desk.*")
//	for msg := range sub.Messages() {
//	    b.Publish(msg.Reply, response)
//	}
//
//	// Requester
//	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
//	defer cancel()
//	reply, err := b.Request(ctx, "teleclaude.pull.desk.project", nil)
//
// Ordered events with replay after reconnect:
//
//	stream.Consume(ctx, "laptop-sessions", "teleclaude.events.>", func(m bus.StreamMessage) {
//	    // apply m.Data; the cursor moves past m.Seq when this returns
//	})
package bus
