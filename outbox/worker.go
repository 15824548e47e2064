package outbox

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/InstruktAI/TeleClaude-sub013/clock"
	kerrors "github.com/InstruktAI/TeleClaude-sub013/errors"
	"github.com/InstruktAI/TeleClaude-sub013/logging"
	"github.com/InstruktAI/TeleClaude-sub013/ratelimit"
	"github.com/InstruktAI/TeleClaude-sub013/telemetry"
)

// ErrInvalidConfig is returned for an unusable WorkerConfig.
var ErrInvalidConfig = errors.New("invalid worker configuration")

// Limiter paces sends per channel.
type Limiter interface {
	Acquire(ctx context.Context, resource string) error
	AnnounceReduced(resource, reason string)
}

// WorkerConfig configures a Worker.
type WorkerConfig struct {
	Store    Store
	Adapters *Adapters

	// ID names this worker in claims. Default: "worker-<uuid>".
	ID string

	// BatchSize is the most rows claimed per poll.
	// Default: 16
	BatchSize int

	// Concurrency is the most sends in flight.
	// Default: 4
	Concurrency int

	// PollInterval is how often due rows are looked for when idle.
	// Default: 5 seconds
	PollInterval time.Duration

	// SendTimeout bounds each adapter call.
	// Default: 10 seconds
	SendTimeout time.Duration

	// MaxAttempts is the attempt_count a row may reach and still be
	// retried. The send that pushes attempt_count past it fails the row, so
	// a row gets MaxAttempts+1 sends in total.
	// Default: 5
	MaxAttempts int

	Backoff Backoff

	// Limiter paces sends per channel. Optional.
	Limiter Limiter

	// Exporter receives one audit event per row transition. Optional.
	Exporter telemetry.Exporter

	Clock  clock.Clock
	Logger *logging.Logger
	Tracer *telemetry.Tracer
}

// DefaultWorkerConfig returns configuration with sensible defaults.
func DefaultWorkerConfig() WorkerConfig {
	return WorkerConfig{
		BatchSize:    16,
		Concurrency:  4,
		PollInterval: 5 * time.Second,
		SendTimeout:  10 * time.Second,
		MaxAttempts:  5,
		Backoff:      DefaultBackoff(),
	}
}

// Unreconciled is a row that was sent but whose delivered status could not
// be recorded. It keeps its claim until an operator resolves it.
type Unreconciled struct {
	RowID     string
	Channel   string
	Recipient string
	Err       error
	At        time.Time
}

// Stats counts row outcomes since the worker started.
type Stats struct {
	Delivered     int64
	Undeliverable int64
	Retried       int64
	Failed        int64
	Released      int64
}

// Worker drains the outbox.
type Worker struct {
	id          string
	store       Store
	adapters    *Adapters
	batch       int
	concurrency int
	poll        time.Duration
	sendTimeout time.Duration
	maxAttempts int
	backoff     Backoff
	limiter     Limiter
	exporter    telemetry.Exporter
	clock       clock.Clock
	logger      *logging.Logger
	tracer      *telemetry.Tracer

	wake chan struct{}

	mu           sync.Mutex
	unreconciled []Unreconciled

	delivered, undeliverable, retried, failed, released atomic.Int64
}

// NewWorker creates a Worker.
func NewWorker(cfg WorkerConfig) (*Worker, error) {
	if cfg.Store == nil || cfg.Adapters == nil {
		return nil, ErrInvalidConfig
	}
	def := DefaultWorkerConfig()
	if cfg.ID == "" {
		cfg.ID = "worker-" + uuid.NewString()
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = def.Concurrency
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = def.SendTimeout
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.Backoff.Base <= 0 || cfg.Backoff.Cap <= 0 {
		cfg.Backoff = def.Backoff
	}
	exporter := cfg.Exporter
	if exporter == nil {
		exporter = telemetry.NewNoopExporter()
	}

	return &Worker{
		id:          cfg.ID,
		store:       cfg.Store,
		adapters:    cfg.Adapters,
		batch:       cfg.BatchSize,
		concurrency: cfg.Concurrency,
		poll:        cfg.PollInterval,
		sendTimeout: cfg.SendTimeout,
		maxAttempts: cfg.MaxAttempts,
		backoff:     cfg.Backoff,
		limiter:     cfg.Limiter,
		exporter:    exporter,
		clock:       clock.OrReal(cfg.Clock),
		logger:      logging.OrDiscard(cfg.Logger).WithComponent("outbox"),
		tracer:      telemetry.OrGlobal(cfg.Tracer),
		wake:        make(chan struct{}, 1),
	}, nil
}

// ID returns the worker's claim identity.
func (w *Worker) ID() string { return w.id }

// Wake makes a sleeping worker poll now.
func (w *Worker) Wake() {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

// Run polls and delivers until ctx is done. A full batch is followed by
// another poll right away.
func (w *Worker) Run(ctx context.Context) error {
	ticker := w.clock.NewTicker(w.poll)
	defer ticker.Stop()

	w.logger.Info("worker_started", map[string]interface{}{"worker": w.id})
	for {
		n, err := w.RunOnce(ctx)
		if err != nil && ctx.Err() == nil {
			w.logger.Error("poll_failed", map[string]interface{}{"error": err.Error()})
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if n == w.batch {
			continue
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		case <-w.wake:
		}
	}
}

// RunOnce claims one batch of due rows and delivers it. It returns the
// number of rows claimed.
func (w *Worker) RunOnce(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	rows, err := w.store.ClaimDue(ctx, w.id, w.clock.Now(), w.batch)
	if err != nil {
		for _, r := range rows {
			w.release(r)
		}
		return 0, fmt.Errorf("claim: %w", err)
	}

	g := new(errgroup.Group)
	g.SetLimit(w.concurrency)
	for _, row := range rows {
		if ctx.Err() != nil {
			w.release(row)
			continue
		}
		g.Go(func() error {
			w.deliver(ctx, row)
			return nil
		})
	}
	g.Wait()
	return len(rows), nil
}

// deliver sends one claimed row and records the outcome. Failures are
// handled per row and never escape.
func (w *Worker) deliver(ctx context.Context, row Row) {
	attempt := row.AttemptCount + 1

	adapter, ok := w.adapters.Lookup(row.Channel)
	if !ok {
		w.finish(row, attempt, Outcome{Result: Unresolvable, Err: fmt.Errorf("no adapter for channel %s", row.Channel)})
		return
	}

	if w.limiter != nil {
		if err := w.limiter.Acquire(ctx, row.Channel); err != nil && !errors.Is(err, ratelimit.ErrResourceUnknown) {
			w.release(row)
			return
		}
	}
	if ctx.Err() != nil {
		w.release(row)
		return
	}

	spanCtx, span := w.tracer.StartDeliverySpan(ctx, row.Channel, row.ID)
	sendCtx, cancel := context.WithTimeout(spanCtx, w.sendTimeout)
	outcome := safeSend(sendCtx, adapter, row)
	cancel()

	if outcome.Result == Transient && ctx.Err() != nil {
		// interrupted by shutdown, not a real attempt
		w.tracer.EndDeliverySpan(span, telemetry.DeliverySpanOptions{Attempt: attempt, Outcome: "released"}, ctx.Err())
		w.release(row)
		return
	}

	outcomeName := w.finish(row, attempt, outcome)
	w.tracer.EndDeliverySpan(span, telemetry.DeliverySpanOptions{
		Attempt:   attempt,
		Outcome:   outcomeName,
		Recipient: row.Recipient,
		Content:   row.Content,
	}, outcome.Err)
}

// safeSend calls the adapter, converting a panic into a transient outcome.
func safeSend(ctx context.Context, adapter Adapter, row Row) (out Outcome) {
	defer func() {
		if r := recover(); r != nil {
			out = Outcome{Result: Transient, Err: kerrors.RecoverPanic(r)}
		}
	}()
	out = adapter.Send(ctx, row.Recipient, row.Content, row.FileRef)
	if out.Result != Delivered && out.Result != Unresolvable && out.Err == nil {
		out.Err = ctx.Err()
		if out.Err == nil {
			out.Err = errors.New("transient send failure")
		}
	}
	return out
}

// finish persists the outcome and returns its name. Persistence uses a
// context detached from shutdown so a completed send is always recorded
// if the store allows it.
func (w *Worker) finish(row Row, attempt int, outcome Outcome) string {
	ctx, cancel := context.WithTimeout(context.Background(), w.sendTimeout)
	defer cancel()
	now := w.clock.Now()

	switch outcome.Result {
	case Delivered:
		if err := w.store.MarkDelivered(ctx, row.ID, w.id, now); err != nil {
			w.recordUnreconciled(row, err, now)
			return "persist_failed"
		}
		w.delivered.Add(1)
		w.audit("outbox.delivered", row, attempt, nil)
		return "delivered"

	case Unresolvable:
		reason := "recipient unresolvable"
		if outcome.Err != nil {
			reason = outcome.Err.Error()
		}
		if err := w.store.MarkUndeliverable(ctx, row.ID, w.id, reason); err != nil {
			w.persistFailed(row, err)
			return "persist_failed"
		}
		w.undeliverable.Add(1)
		w.logger.Warn("undeliverable", map[string]interface{}{
			"row_id":  row.ID,
			"channel": row.Channel,
			"reason":  reason,
		})
		w.audit("outbox.undeliverable", row, attempt, outcome.Err)
		return "unresolvable"

	default:
		if w.limiter != nil && kerrors.Is(outcome.Err, kerrors.ErrCodeRateLimit) {
			w.limiter.AnnounceReduced(row.Channel, outcome.Err.Error())
		}
		if attempt > w.maxAttempts {
			if err := w.store.MarkFailed(ctx, row.ID, w.id, outcome.Err.Error()); err != nil {
				w.persistFailed(row, err)
				return "persist_failed"
			}
			w.failed.Add(1)
			w.logger.Error("delivery_failed", map[string]interface{}{
				"row_id":   row.ID,
				"channel":  row.Channel,
				"attempts": attempt,
				"error":    outcome.Err.Error(),
			})
			w.audit("outbox.failed", row, attempt, outcome.Err)
			return "failed"
		}

		next := now.Add(w.backoff.Delay(attempt))
		if err := w.store.ScheduleRetry(ctx, row.ID, w.id, next, outcome.Err.Error()); err != nil {
			w.persistFailed(row, err)
			return "persist_failed"
		}
		w.retried.Add(1)
		w.logger.Warn("delivery_retry", map[string]interface{}{
			"row_id":  row.ID,
			"channel": row.Channel,
			"attempt": attempt,
			"next":    next.Format(time.RFC3339),
			"error":   outcome.Err.Error(),
		})
		w.audit("outbox.retry", row, attempt, outcome.Err)
		return "transient"
	}
}

// persistFailed handles a failed write after an unsuccessful send. Nothing
// was delivered, so returning the row to the queue is safe.
func (w *Worker) persistFailed(row Row, err error) {
	w.logger.Error("persist_failed", map[string]interface{}{
		"row_id": row.ID,
		"error":  err.Error(),
	})
	w.release(row)
}

func (w *Worker) recordUnreconciled(row Row, err error, now time.Time) {
	w.mu.Lock()
	w.unreconciled = append(w.unreconciled, Unreconciled{
		RowID:     row.ID,
		Channel:   row.Channel,
		Recipient: row.Recipient,
		Err:       err,
		At:        now,
	})
	w.mu.Unlock()

	w.logger.DeliveryPersistFailed(row.ID, row.Channel, row.Recipient, err)
	w.audit("outbox.persist_failed", row, row.AttemptCount+1, err)
}

// release returns a claimed row to the queue without recording an attempt.
func (w *Worker) release(row Row) {
	ctx, cancel := context.WithTimeout(context.Background(), w.sendTimeout)
	defer cancel()
	if err := w.store.Release(ctx, row.ID, w.id); err != nil {
		w.logger.Warn("release_failed", map[string]interface{}{
			"row_id": row.ID,
			"error":  err.Error(),
		})
		return
	}
	w.released.Add(1)
}

func (w *Worker) audit(name string, row Row, attempt int, err error) {
	data := map[string]interface{}{
		"row_id":  row.ID,
		"channel": row.Channel,
		"attempt": attempt,
		"worker":  w.id,
	}
	if err != nil {
		data["error"] = err.Error()
		data["error_code"] = string(kerrors.Code(err))
	}
	w.exporter.LogEvent(name, data)
}

// Unreconciled returns rows sent but not recorded as delivered.
func (w *Worker) Unreconciled() []Unreconciled {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]Unreconciled(nil), w.unreconciled...)
}

// Stats returns outcome counters.
func (w *Worker) Stats() Stats {
	return Stats{
		Delivered:     w.delivered.Load(),
		Undeliverable: w.undeliverable.Load(),
		Retried:       w.retried.Load(),
		Failed:        w.failed.Load(),
		Released:      w.released.Load(),
	}
}
