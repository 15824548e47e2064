package bus

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/InstruktAI/TeleClaude-sub013/logging"
)

// JetStreamConfig configures a JetStream-backed EventStream.
type JetStreamConfig struct {
	// Stream is the JetStream stream name.
	// Default: "TELECLAUDE_EVENTS"
	Stream string

	// Subjects captured by the stream.
	// Default: ["teleclaude.events.>"]
	Subjects []string

	// MaxAge bounds how long events are kept for replay.
	// Default: 24 hours
	MaxAge time.Duration

	// FetchBatch is the number of messages pulled per fetch.
	// Default: 32
	FetchBatch int

	// FetchWait is how long one fetch waits for messages.
	// Default: 2 seconds
	FetchWait time.Duration

	// Logger receives ack failures. Nil discards.
	Logger *logging.Logger
}

// DefaultJetStreamConfig returns configuration with sensible defaults.
func DefaultJetStreamConfig() JetStreamConfig {
	return JetStreamConfig{
		Stream:     "TELECLAUDE_EVENTS",
		Subjects:   []string{"teleclaude.events.>"},
		MaxAge:     24 * time.Hour,
		FetchBatch: 32,
		FetchWait:  2 * time.Second,
	}
}

// JetStream implements EventStream on a NATS JetStream stream with durable
// pull consumers.
type JetStream struct {
	js     jetstream.JetStream
	stream jetstream.Stream
	config JetStreamConfig
	logger *logging.Logger
}

// NewJetStream binds to (creating or updating) the configured stream on conn.
func NewJetStream(conn *nats.Conn, cfg JetStreamConfig) (*JetStream, error) {
	def := DefaultJetStreamConfig()
	if cfg.Stream == "" {
		cfg.Stream = def.Stream
	}
	if len(cfg.Subjects) == 0 {
		cfg.Subjects = def.Subjects
	}
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = def.MaxAge
	}
	if cfg.FetchBatch <= 0 {
		cfg.FetchBatch = def.FetchBatch
	}
	if cfg.FetchWait <= 0 {
		cfg.FetchWait = def.FetchWait
	}

	js, err := jetstream.New(conn)
	if err != nil {
		return nil, fmt.Errorf("jetstream context: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	stream, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:     cfg.Stream,
		Subjects: cfg.Subjects,
		MaxAge:   cfg.MaxAge,
		Storage:  jetstream.FileStorage,
	})
	if err != nil {
		return nil, fmt.Errorf("stream %s: %w", cfg.Stream, err)
	}

	return &JetStream{
		js:     js,
		stream: stream,
		config: cfg,
		logger: logging.OrDiscard(cfg.Logger).WithComponent("bus"),
	}, nil
}

// Append publishes an event and waits for the stream's ack.
func (s *JetStream) Append(ctx context.Context, subject string, data []byte) (uint64, error) {
	if err := ValidateSubject(subject); err != nil {
		return 0, err
	}
	ack, err := s.js.Publish(ctx, subject, data)
	if err != nil {
		return 0, fmt.Errorf("jetstream publish: %w", err)
	}
	return ack.Sequence, nil
}

// Consume pulls from a durable consumer, acking each message after the
// handler returns. The consumer stays on the server, so the next Consume
// with the same durable name resumes after the last ack.
func (s *JetStream) Consume(ctx context.Context, durable, filter string, handler StreamHandler) error {
	if durable == "" {
		return ErrInvalidConsumer
	}
	if err := ValidateSubject(filter); err != nil {
		return err
	}

	cons, err := s.stream.CreateOrUpdateConsumer(ctx, jetstream.ConsumerConfig{
		Durable:       durable,
		FilterSubject: filter,
		AckPolicy:     jetstream.AckExplicitPolicy,
		DeliverPolicy: jetstream.DeliverAllPolicy,
	})
	if err != nil {
		return fmt.Errorf("consumer %s: %w", durable, err)
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		batch, err := cons.Fetch(s.config.FetchBatch, jetstream.FetchMaxWait(s.config.FetchWait))
		if err != nil {
			if errors.Is(err, nats.ErrConnectionClosed) {
				return ErrClosed
			}
			return fmt.Errorf("fetch %s: %w", durable, err)
		}

		for m := range batch.Messages() {
			var seq uint64
			if meta, err := m.Metadata(); err == nil {
				seq = meta.Sequence.Stream
			}
			handler(StreamMessage{Subject: m.Subject(), Data: m.Data(), Seq: seq})
			if err := m.Ack(); err != nil {
				s.logger.Warn("stream_ack_failed", map[string]interface{}{
					"consumer": durable,
					"seq":      seq,
					"error":    err.Error(),
				})
			}
		}

		if err := batch.Error(); err != nil && !errors.Is(err, nats.ErrTimeout) &&
			!errors.Is(err, context.DeadlineExceeded) {
			if errors.Is(err, nats.ErrConnectionClosed) {
				return ErrClosed
			}
			s.logger.Warn("stream_fetch_failed", map[string]interface{}{
				"consumer": durable,
				"error":    err.Error(),
			})
		}
	}
}

// Close is a no-op; the stream lives on the server and the connection is
// owned by the NATSBus.
func (s *JetStream) Close() error {
	return nil
}
