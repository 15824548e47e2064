package peersync

import (
	"context"
	"encoding/json"
	"sync/atomic"

	"github.com/InstruktAI/TeleClaude-sub013/bus"
	"github.com/InstruktAI/TeleClaude-sub013/cache"
	"github.com/InstruktAI/TeleClaude-sub013/clock"
	kerrors "github.com/InstruktAI/TeleClaude-sub013/errors"
)

// ApplyEventData validates one pushed session event and applies it to the
// cache. Events from this computer are ignored. An event whose subject,
// payload and session disagree about the source computer is rejected.
func (s *Syncer) ApplyEventData(subject string, data []byte) error {
	source := sourceOf(subject, eventsPrefix)
	if source == s.self {
		return nil
	}

	var ev SessionEvent
	if err := validate(data, eventSchema, &ev); err != nil {
		return kerrors.Wrap(err, "session event", kerrors.WithPeer(source))
	}
	if ev.Computer != source {
		return kerrors.InvalidInput("event computer does not match subject",
			kerrors.WithPeer(source), kerrors.WithMetadata("computer", ev.Computer))
	}

	switch ev.Type {
	case EventSessionUpdated:
		if ev.Session == nil {
			return kerrors.InvalidInput("session.updated without session", kerrors.WithPeer(source))
		}
		sess := *ev.Session
		if sess.ID != ev.SessionID || sess.Computer != ev.Computer {
			return kerrors.InvalidInput("session identity mismatch", kerrors.WithPeer(source))
		}
		if sess.Seq == 0 {
			sess.Seq = ev.Seq
		}
		applied, err := s.cache.Update(cache.CategorySession, sess.ID, sess)
		if err != nil {
			return kerrors.Wrap(err, "apply session event")
		}
		if !applied {
			s.logger.Debug("event_out_of_order", map[string]interface{}{
				"peer":       source,
				"session_id": sess.ID,
				"seq":        sess.Seq,
			})
		}
	case EventSessionClosed:
		if !s.cache.CloseSession(ev.SessionID, ev.Seq) {
			s.logger.Debug("event_out_of_order", map[string]interface{}{
				"peer":       source,
				"session_id": ev.SessionID,
				"seq":        ev.Seq,
			})
		}
	default:
		return kerrors.New(kerrors.ErrCodeUnsupported, "unknown event type "+string(ev.Type),
			kerrors.WithPeer(source))
	}
	return nil
}

// RunEventConsumer applies session events from every peer until ctx is
// done. The durable consumer is named after this computer, so a restart
// resumes where the previous run stopped.
func (s *Syncer) RunEventConsumer(ctx context.Context) error {
	if s.stream == nil {
		return ErrInvalidConfig
	}
	durable := s.self + "-sessions"
	err := s.stream.Consume(ctx, durable, EventsWildcard, func(msg bus.StreamMessage) {
		if err := s.ApplyEventData(msg.Subject, msg.Data); err != nil {
			s.logger.PayloadRejected(sourceOf(msg.Subject, eventsPrefix), "session_event", err)
		}
	})
	if err != nil && ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

// Publisher pushes this computer's session deltas to its peers.
type Publisher struct {
	computer string
	stream   bus.EventStream
	clock    clock.Clock
	last     atomic.Uint64
}

// NewPublisher creates a Publisher for computer.
func NewPublisher(computer string, stream bus.EventStream, clk clock.Clock) *Publisher {
	return &Publisher{computer: computer, stream: stream, clock: clock.OrReal(clk)}
}

// nextSeq returns a strictly increasing sequence seeded from the clock so
// that sequences keep rising across restarts.
func (p *Publisher) nextSeq() uint64 {
	now := uint64(p.clock.Now().UnixNano())
	for {
		last := p.last.Load()
		next := now
		if next <= last {
			next = last + 1
		}
		if p.last.CompareAndSwap(last, next) {
			return next
		}
	}
}

// SessionUpdated publishes the current state of a local session. A zero
// Seq is assigned; the computer is always this one.
func (p *Publisher) SessionUpdated(ctx context.Context, sess cache.Session) (uint64, error) {
	sess.Computer = p.computer
	if sess.Seq == 0 {
		sess.Seq = p.nextSeq()
	}
	if sess.UpdatedAt.IsZero() {
		sess.UpdatedAt = p.clock.Now()
	}
	return p.publish(ctx, SessionEvent{
		Type:      EventSessionUpdated,
		Computer:  p.computer,
		SessionID: sess.ID,
		Seq:       sess.Seq,
		Session:   &sess,
		Timestamp: p.clock.Now(),
	})
}

// SessionClosed publishes the end of a local session.
func (p *Publisher) SessionClosed(ctx context.Context, sessionID string) (uint64, error) {
	return p.publish(ctx, SessionEvent{
		Type:      EventSessionClosed,
		Computer:  p.computer,
		SessionID: sessionID,
		Seq:       p.nextSeq(),
		Timestamp: p.clock.Now(),
	})
}

func (p *Publisher) publish(ctx context.Context, ev SessionEvent) (uint64, error) {
	if ev.SessionID == "" {
		return 0, kerrors.InvalidInput("session id required")
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return 0, kerrors.Wrap(err, "encode session event")
	}
	if _, err := p.stream.Append(ctx, EventSubject(p.computer), data); err != nil {
		return 0, kerrors.Wrap(err, "publish session event")
	}
	return ev.Seq, nil
}
