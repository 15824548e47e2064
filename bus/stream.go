package bus

import (
	"context"
	"errors"
)

// ErrInvalidConsumer is returned for an empty durable consumer name.
var ErrInvalidConsumer = errors.New("invalid consumer name")

// StreamMessage is one entry of an EventStream.
type StreamMessage struct {
	Subject string
	Data    []byte

	// Seq is the stream-wide position, starting at 1.
	Seq uint64
}

// StreamHandler processes one stream message. The consumer cursor advances
// past the message only after the handler returns.
type StreamHandler func(msg StreamMessage)

// EventStream is an append-only log of events with durable named consumers.
// A consumer that stops and restarts under the same name resumes after the
// last message it finished handling.
type EventStream interface {
	// Append adds an event and returns its stream sequence.
	Append(ctx context.Context, subject string, data []byte) (uint64, error)

	// Consume delivers, in order, every message matching filter that the
	// durable consumer has not handled yet, then waits for more. It blocks
	// until ctx is done or the stream closes.
	Consume(ctx context.Context, durable, filter string, handler StreamHandler) error

	// Close releases the stream.
	Close() error
}
