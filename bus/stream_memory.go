package bus

import (
	"context"
	"sync"
)

// MemoryStream implements EventStream in process memory.
type MemoryStream struct {
	mu      sync.Mutex
	log     []StreamMessage
	cursors map[string]uint64 // durable|filter -> last handled seq
	notify  chan struct{}
	closed  bool
}

// NewMemoryStream creates an empty stream.
func NewMemoryStream() *MemoryStream {
	return &MemoryStream{
		cursors: make(map[string]uint64),
		notify:  make(chan struct{}),
	}
}

// Append adds an event.
func (s *MemoryStream) Append(ctx context.Context, subject string, data []byte) (uint64, error) {
	if err := ValidateSubject(subject); err != nil {
		return 0, err
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrClosed
	}

	seq := uint64(len(s.log)) + 1
	s.log = append(s.log, StreamMessage{Subject: subject, Data: data, Seq: seq})

	// wake every waiting consumer
	close(s.notify)
	s.notify = make(chan struct{})
	return seq, nil
}

// Consume replays and then follows the stream for durable.
func (s *MemoryStream) Consume(ctx context.Context, durable, filter string, handler StreamHandler) error {
	if durable == "" {
		return ErrInvalidConsumer
	}
	if err := ValidateSubject(filter); err != nil {
		return err
	}
	key := durable + "|" + filter

	for {
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return ErrClosed
		}
		cursor := s.cursors[key]
		var next *StreamMessage
		for i := cursor; i < uint64(len(s.log)); i++ {
			if MatchSubject(filter, s.log[i].Subject) {
				m := s.log[i]
				next = &m
				break
			}
		}
		if next == nil {
			// nothing pending: skip non-matching tail, then wait
			s.cursors[key] = uint64(len(s.log))
		}
		wait := s.notify
		s.mu.Unlock()

		if next != nil {
			if err := ctx.Err(); err != nil {
				return err
			}
			handler(*next)
			s.mu.Lock()
			if s.cursors[key] < next.Seq {
				s.cursors[key] = next.Seq
			}
			s.mu.Unlock()
			continue
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-wait:
		}
	}
}

// Cursor returns the last sequence handled by durable on filter.
func (s *MemoryStream) Cursor(durable, filter string) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cursors[durable+"|"+filter]
}

// Close stops all consumers.
func (s *MemoryStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	close(s.notify)
	return nil
}
