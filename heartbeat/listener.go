package heartbeat

import (
	"context"
	"strings"

	"github.com/InstruktAI/TeleClaude-sub013/bus"
	"github.com/InstruktAI/TeleClaude-sub013/logging"
)

// Listener receives heartbeats from every computer and hands them to a handler.
type Listener struct {
	bus     bus.MessageBus
	handler func(*Heartbeat) error
	logger  *logging.Logger
}

// NewListener creates a listener.
func NewListener(cfg ListenerConfig) (*Listener, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Listener{
		bus:     cfg.Bus,
		handler: cfg.Handler,
		logger:  logging.OrDiscard(cfg.Logger).WithComponent("heartbeat"),
	}, nil
}

// Run subscribes to all heartbeats and dispatches them until ctx is done.
// Malformed heartbeats are logged with the sender taken from the subject.
func (l *Listener) Run(ctx context.Context) error {
	sub, err := l.bus.Subscribe(WildcardSubject)
	if err != nil {
		return err
	}
	defer sub.Unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-sub.Messages():
			if !ok {
				return bus.ErrClosed
			}
			l.process(msg)
		}
	}
}

func (l *Listener) process(msg *bus.Message) {
	source := strings.TrimPrefix(msg.Subject, SubjectPrefix)

	hb, err := Unmarshal(msg.Data)
	if err != nil {
		l.logger.PayloadRejected(source, "heartbeat", err)
		return
	}
	if hb.ComputerName != source {
		l.logger.Warn("heartbeat_subject_mismatch", map[string]interface{}{
			"subject":  msg.Subject,
			"computer": hb.ComputerName,
		})
		return
	}
	if err := l.handler(hb); err != nil {
		l.logger.PayloadRejected(source, "heartbeat", err)
	}
}
