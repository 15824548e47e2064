package outbox

import (
	"context"
	"errors"
	"fmt"

	"github.com/InstruktAI/TeleClaude-sub013/clock"
	"github.com/InstruktAI/TeleClaude-sub013/logging"
)

// ErrEmptyChannel is returned by Enqueue for a blank channel.
var ErrEmptyChannel = errors.New("channel required")

// SubscriberSource resolves a channel to its explicitly opted-in recipients.
type SubscriberSource interface {
	Subscribers(channel string) ([]string, error)
}

// RouterConfig configures a Router.
type RouterConfig struct {
	Store       Store
	Subscribers SubscriberSource

	// OnEnqueue is called after rows are inserted, typically Worker.Wake.
	OnEnqueue func()

	Clock  clock.Clock
	Logger *logging.Logger
}

// Router turns a notification into one outbox row per subscriber.
type Router struct {
	store     Store
	subs      SubscriberSource
	onEnqueue func()
	clock     clock.Clock
	logger    *logging.Logger
}

// NewRouter creates a Router.
func NewRouter(cfg RouterConfig) (*Router, error) {
	if cfg.Store == nil || cfg.Subscribers == nil {
		return nil, fmt.Errorf("router: store and subscribers required")
	}
	return &Router{
		store:     cfg.Store,
		subs:      cfg.Subscribers,
		onEnqueue: cfg.OnEnqueue,
		clock:     clock.OrReal(cfg.Clock),
		logger:    logging.OrDiscard(cfg.Logger).WithComponent("router"),
	}, nil
}

// Enqueue inserts one pending row per subscriber of channel and returns the
// new row IDs. A channel with no subscribers yields no rows and no error.
func (r *Router) Enqueue(ctx context.Context, channel, content, fileRef string) ([]string, error) {
	if channel == "" {
		return nil, ErrEmptyChannel
	}
	recipients, err := r.subs.Subscribers(channel)
	if err != nil {
		return nil, fmt.Errorf("resolve subscribers for %s: %w", channel, err)
	}
	if len(recipients) == 0 {
		r.logger.Debug("no_subscribers", map[string]interface{}{"channel": channel})
		return nil, nil
	}

	now := r.clock.Now()
	seen := make(map[string]bool, len(recipients))
	rows := make([]Row, 0, len(recipients))
	for _, rcpt := range recipients {
		if rcpt == "" || seen[rcpt] {
			continue
		}
		seen[rcpt] = true
		rows = append(rows, NewRow(channel, rcpt, content, fileRef, now))
	}
	if len(rows) == 0 {
		return nil, nil
	}
	if err := r.store.Insert(ctx, rows); err != nil {
		return nil, fmt.Errorf("enqueue %s: %w", channel, err)
	}

	ids := make([]string, len(rows))
	for i, row := range rows {
		ids[i] = row.ID
	}
	r.logger.Info("enqueued", map[string]interface{}{
		"channel": channel,
		"rows":    len(rows),
	})
	if r.onEnqueue != nil {
		r.onEnqueue()
	}
	return ids, nil
}
