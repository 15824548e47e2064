// Package daemon wires the cache, cross-computer sync, outbox and delivery
// worker into one process. Every loop runs as a registry task and stops
// through the shutdown coordinator.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/InstruktAI/TeleClaude-sub013/bus"
	"github.com/InstruktAI/TeleClaude-sub013/cache"
	"github.com/InstruktAI/TeleClaude-sub013/clock"
	"github.com/InstruktAI/TeleClaude-sub013/config"
	"github.com/InstruktAI/TeleClaude-sub013/heartbeat"
	"github.com/InstruktAI/TeleClaude-sub013/logging"
	"github.com/InstruktAI/TeleClaude-sub013/outbox"
	"github.com/InstruktAI/TeleClaude-sub013/peersync"
	"github.com/InstruktAI/TeleClaude-sub013/ratelimit"
	"github.com/InstruktAI/TeleClaude-sub013/shutdown"
	"github.com/InstruktAI/TeleClaude-sub013/subscriptions"
	"github.com/InstruktAI/TeleClaude-sub013/taskreg"
	"github.com/InstruktAI/TeleClaude-sub013/telemetry"
)

// ErrAlreadyStarted is returned by a second Start.
var ErrAlreadyStarted = errors.New("daemon already started")

// Task names, as they appear in the registry and in logs.
const (
	TaskHeartbeatSender      = "heartbeat-sender"
	TaskHeartbeatListener    = "heartbeat-listener"
	TaskEventConsumer        = "event-consumer"
	TaskReconcileLoop        = "reconcile-loop"
	TaskPullResponder        = "pull-responder"
	TaskDeliveryWorker       = "delivery-worker"
	TaskSubscriptionsWatcher = "subscriptions-watcher"
	TaskRateLimit            = "ratelimit"
	TaskInitialPull          = "initial-pull"
)

// Options replaces parts the daemon would otherwise build from config.
// Tests use them to run on in-memory backends.
type Options struct {
	Bus         bus.MessageBus
	Stream      bus.EventStream
	Store       outbox.Store
	Subscribers outbox.SubscriberSource

	// Source is this computer's state served to peers. Default: an empty
	// MemorySource, reachable through LocalState.
	Source peersync.LocalSource

	// Adapters deliver rows per channel. Default: none registered, so
	// every row is undeliverable.
	Adapters *outbox.Adapters

	Exporter telemetry.Exporter
	Tracer   *telemetry.Tracer
	Clock    clock.Clock
	Logger   *logging.Logger
}

// Daemon is a running sync and delivery process.
type Daemon struct {
	cfg    *config.Config
	clock  clock.Clock
	logger *logging.Logger

	bus      bus.MessageBus
	stream   bus.EventStream
	provider *telemetry.Provider
	exporter telemetry.Exporter

	cache     *cache.Cache
	syncer    *peersync.Syncer
	responder *peersync.Responder
	publisher *peersync.Publisher
	local     *peersync.MemorySource
	sender    *heartbeat.BusSender
	listener  *heartbeat.Listener

	store   outbox.Store
	router  *outbox.Router
	worker  *outbox.Worker
	limiter *ratelimit.DistributedLimiter
	watcher *subscriptions.FileSource

	registry *taskreg.Registry
	coord    *shutdown.Coordinator

	mu      sync.Mutex
	started bool
	intake  []*taskreg.Handle

	// closers run in the storage phase, in reverse order of creation.
	closers []closer
}

type closer struct {
	name string
	fn   func(ctx context.Context) error
}

// New builds every component. Nothing runs until Start.
func New(cfg *config.Config, opts Options) (_ *Daemon, err error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger := opts.Logger
	if logger == nil {
		logger = logging.New()
		logger.SetLevel(logging.ParseLevel(cfg.Log.Level))
	}
	d := &Daemon{
		cfg:    cfg,
		clock:  clock.OrReal(opts.Clock),
		logger: logger.WithComponent("daemon"),
	}
	defer func() {
		if err != nil {
			d.closeAll(context.Background())
		}
	}()

	if err := d.initTransport(opts, logger); err != nil {
		return nil, err
	}
	if err := d.initTelemetry(opts); err != nil {
		return nil, err
	}
	if err := d.initSync(opts, logger); err != nil {
		return nil, err
	}
	if err := d.initOutbox(opts, logger); err != nil {
		return nil, err
	}

	d.registry = taskreg.New(taskreg.Config{Logger: logger, Clock: d.clock})
	d.coord = shutdown.NewCoordinator(d.clock, logger)
	d.coord.RegisterFunc("intake", shutdown.PhaseIntake, d.stopIntake)
	d.coord.RegisterFunc("tasks", shutdown.PhaseTasks, d.stopTasks)
	d.coord.RegisterFunc("storage", shutdown.PhaseStorage, d.closeAll)
	return d, nil
}

func (d *Daemon) addCloser(name string, fn func(ctx context.Context) error) {
	d.closers = append(d.closers, closer{name: name, fn: fn})
}

func (d *Daemon) initTransport(opts Options, logger *logging.Logger) error {
	d.bus, d.stream = opts.Bus, opts.Stream
	if d.bus == nil {
		if d.cfg.NATS.URL == "" {
			d.bus = bus.NewMemoryBus(bus.DefaultConfig())
			if d.stream == nil {
				d.stream = bus.NewMemoryStream()
			}
		} else {
			nc := bus.DefaultNATSConfig()
			nc.URL = d.cfg.NATS.URL
			nc.Token = d.cfg.NATS.Token
			nc.Name = d.cfg.NATS.Name
			if nc.Name == "" {
				nc.Name = "syncd-" + d.cfg.Computer.Name
			}
			nc.Logger = logger
			nb, err := bus.NewNATSBus(nc)
			if err != nil {
				return fmt.Errorf("connecting to nats: %w", err)
			}
			d.bus = nb
			if d.stream == nil {
				jc := bus.DefaultJetStreamConfig()
				if d.cfg.NATS.Stream != "" {
					jc.Stream = d.cfg.NATS.Stream
				}
				if d.cfg.NATS.EventRetention > 0 {
					jc.MaxAge = d.cfg.NATS.EventRetention
				}
				jc.Logger = logger
				js, err := bus.NewJetStream(nb.Conn(), jc)
				if err != nil {
					nb.Close()
					return fmt.Errorf("binding event stream: %w", err)
				}
				d.stream = js
			}
		}
	}
	if d.stream == nil {
		d.stream = bus.NewMemoryStream()
	}
	d.addCloser("bus", func(context.Context) error { return d.bus.Close() })
	d.addCloser("stream", func(context.Context) error { return d.stream.Close() })
	return nil
}

func (d *Daemon) initTelemetry(opts Options) error {
	tc := d.cfg.Telemetry
	if opts.Tracer == nil && tc.Enabled {
		p, err := telemetry.InitProvider(context.Background(), telemetry.ProviderConfig{
			Computer:     d.cfg.Computer.Name,
			Capabilities: d.cfg.Computer.Capabilities,
			Endpoint:     tc.Endpoint,
			Protocol:     tc.Protocol,
			Insecure:     tc.Insecure,
			Debug:        tc.Debug,
		})
		if err != nil {
			return fmt.Errorf("telemetry: %w", err)
		}
		d.provider = p
		d.addCloser("tracer", p.Shutdown)
	}

	d.exporter = opts.Exporter
	if d.exporter == nil {
		exp, err := telemetry.NewExporter(tc.Events)
		if err != nil {
			return err
		}
		d.exporter = exp
		d.addCloser("events", func(context.Context) error { return exp.Close() })
	}
	return nil
}

func (d *Daemon) tracer(opts Options) *telemetry.Tracer {
	if opts.Tracer != nil {
		return opts.Tracer
	}
	if d.provider != nil {
		return d.provider.Tracer()
	}
	return nil
}

func (d *Daemon) initSync(opts Options, logger *logging.Logger) error {
	name := d.cfg.Computer.Name
	ttls := map[cache.Category]time.Duration{}
	for cat, ttl := range map[cache.Category]time.Duration{
		cache.CategoryPresence: d.cfg.Cache.PresenceTTL,
		cache.CategoryProject:  d.cfg.Cache.ProjectTTL,
		cache.CategoryTodo:     d.cfg.Cache.TodoTTL,
	} {
		// zero keeps the default; sessions stay event-maintained
		if ttl > 0 {
			ttls[cat] = ttl
		}
	}
	d.cache = cache.New(cache.Config{TTLs: ttls, Clock: d.clock})

	sc := d.cfg.Sync
	syncer, err := peersync.New(peersync.Config{
		ComputerName:       name,
		Cache:              d.cache,
		Bus:                d.bus,
		Stream:             d.stream,
		Peers:              sc.Peers,
		PullTimeout:        sc.PullTimeout,
		MaxConcurrentPulls: sc.MaxConcurrentPulls,
		ReconcileInterval:  sc.ReconcileInterval,
		Clock:              d.clock,
		Logger:             logger,
		Tracer:             d.tracer(opts),
	})
	if err != nil {
		return err
	}
	d.syncer = syncer

	source := opts.Source
	if source == nil {
		d.local = peersync.NewMemorySource()
		source = d.local
	}
	if d.responder, err = peersync.NewResponder(peersync.ResponderConfig{
		ComputerName: name,
		Bus:          d.bus,
		Source:       source,
		Logger:       logger,
		Tracer:       d.tracer(opts),
	}); err != nil {
		return err
	}
	d.publisher = peersync.NewPublisher(name, d.stream, d.clock)

	if d.sender, err = heartbeat.NewBusSender(heartbeat.SenderConfig{
		Bus:          d.bus,
		ComputerName: name,
		Capabilities: d.cfg.Computer.Capabilities,
		Interval:     sc.HeartbeatInterval,
		Clock:        d.clock,
		Logger:       logger,
	}); err != nil {
		return err
	}
	d.listener, err = heartbeat.NewListener(heartbeat.ListenerConfig{
		Bus:     d.bus,
		Handler: d.syncer.ReceiveHeartbeat,
		Logger:  logger,
	})
	return err
}

func (d *Daemon) initOutbox(opts Options, logger *logging.Logger) error {
	oc := d.cfg.Outbox
	d.store = opts.Store
	if d.store == nil {
		if dir := filepath.Dir(oc.DBPath); dir != "." {
			if err := os.MkdirAll(dir, 0o700); err != nil {
				return fmt.Errorf("creating outbox directory: %w", err)
			}
		}
		st, err := outbox.NewSQLiteStore(oc.DBPath)
		if err != nil {
			return err
		}
		d.store = st
	}
	d.addCloser("outbox-store", func(context.Context) error { return d.store.Close() })

	subs := opts.Subscribers
	if subs == nil {
		if path := d.cfg.Subscriptions.Path; path != "" {
			fs, err := subscriptions.NewFileSource(path, logger)
			if err != nil {
				return err
			}
			d.watcher = fs
			subs = fs
		} else {
			subs = subscriptions.NewStatic(nil)
		}
	}

	limiter, err := ratelimit.NewDistributedLimiter(ratelimit.DistributedConfig{
		Bus:          d.bus,
		ComputerName: d.cfg.Computer.Name,
		Clock:        d.clock,
		Logger:       logger,
	})
	if err != nil {
		return err
	}
	for channel, rate := range oc.Rates {
		limiter.SetCapacity(channel, rate.Capacity, rate.Window)
	}
	d.limiter = limiter
	d.addCloser("ratelimit", func(context.Context) error { return limiter.Close() })

	adapters := opts.Adapters
	if adapters == nil {
		adapters = outbox.NewAdapters()
	}
	if d.worker, err = outbox.NewWorker(outbox.WorkerConfig{
		Store:        d.store,
		Adapters:     adapters,
		ID:           WorkerID(d.cfg.Computer.Name),
		BatchSize:    oc.BatchSize,
		Concurrency:  oc.Concurrency,
		PollInterval: oc.PollInterval,
		SendTimeout:  oc.SendTimeout,
		MaxAttempts:  oc.MaxAttempts,
		Backoff:      outbox.Backoff{Base: oc.BackoffBase, Cap: oc.BackoffCap},
		Limiter:      limiter,
		Exporter:     d.exporter,
		Clock:        d.clock,
		Logger:       logger,
		Tracer:       d.tracer(opts),
	}); err != nil {
		return err
	}

	d.router, err = outbox.NewRouter(outbox.RouterConfig{
		Store:       d.store,
		Subscribers: subs,
		OnEnqueue:   d.worker.Wake,
		Clock:       d.clock,
		Logger:      logger,
	})
	return err
}

// WorkerID is the claim token used by the delivery worker on computer.
// It is stable across restarts so an operator can release stranded claims.
func WorkerID(computer string) string {
	return computer + "-delivery"
}

// reportStrandedClaims warns about pending rows still claimed under this
// computer's worker ID. The worker never claims them again on its own; they
// wait for "syncd outbox release".
func (d *Daemon) reportStrandedClaims(ctx context.Context) {
	id := d.worker.ID()
	rows, err := d.store.List(ctx, outbox.Filter{Status: outbox.StatusPending, ClaimedBy: id})
	if err != nil {
		d.logger.Warn("stranded_claims_check_failed", map[string]interface{}{"error": err.Error()})
		return
	}
	if len(rows) == 0 {
		return
	}
	d.logger.Warn("stranded_claims", map[string]interface{}{
		"worker": id,
		"count":  len(rows),
		"hint":   "run: syncd outbox release " + id,
	})
}

// Start spawns every background loop. Loops run until Stop.
func (d *Daemon) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.started {
		return ErrAlreadyStarted
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	d.started = true
	d.reportStrandedClaims(ctx)

	d.intake = append(d.intake,
		d.registry.Spawn(TaskPullResponder, d.responder.Run),
		d.registry.Spawn(TaskHeartbeatSender, d.sender.Run),
	)
	d.registry.Spawn(TaskHeartbeatListener, d.listener.Run)
	d.registry.Spawn(TaskEventConsumer, d.syncer.RunEventConsumer)
	d.registry.Spawn(TaskReconcileLoop, d.syncer.RunReconcile)
	d.registry.Spawn(TaskDeliveryWorker, d.worker.Run)
	d.registry.Spawn(TaskRateLimit, d.limiter.Run)
	if d.watcher != nil {
		d.intake = append(d.intake, d.registry.Spawn(TaskSubscriptionsWatcher, d.watcher.Run))
	}

	interests := d.cfg.Sync.Interests
	if len(interests) > 0 {
		d.registry.Spawn(TaskInitialPull, func(ctx context.Context) error {
			for _, name := range interests {
				report, err := d.syncer.Interest(ctx, cache.Category(name))
				if err != nil {
					return fmt.Errorf("interest %s: %w", name, err)
				}
				if report != nil {
					d.logger.Info("initial_pull", map[string]interface{}{
						"category":  name,
						"succeeded": len(report.Succeeded),
						"failed":    len(report.Failed),
					})
				}
			}
			return nil
		})
	}

	d.logger.Info("started", map[string]interface{}{
		"computer": d.cfg.Computer.Name,
		"worker":   d.worker.ID(),
		"tasks":    d.registry.Len(),
	})
	return nil
}

// Stop shuts down in phases: stop serving peers, cancel background tasks
// and wait out the grace period, then close storage and transport. It also
// releases a daemon that was never started. A second Stop returns
// shutdown.ErrAlreadyShutdown.
func (d *Daemon) Stop(ctx context.Context) error {
	return d.coord.Shutdown(ctx)
}

// Run starts the daemon, waits for ctx to end, and stops it within the
// configured shutdown timeout.
func (d *Daemon) Run(ctx context.Context) error {
	if err := d.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()

	timeout := d.cfg.Shutdown.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	stopCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return d.Stop(stopCtx)
}

func (d *Daemon) stopIntake(ctx context.Context) error {
	d.mu.Lock()
	handles := d.intake
	d.mu.Unlock()

	for _, h := range handles {
		h.Cancel()
	}
	for _, h := range handles {
		select {
		case <-h.Done():
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (d *Daemon) stopTasks(ctx context.Context) error {
	grace := d.cfg.Shutdown.Grace
	if deadline, ok := ctx.Deadline(); ok {
		if left := deadline.Sub(d.clock.Now()); left < grace {
			grace = left
		}
	}
	if stragglers := d.registry.Shutdown(grace); len(stragglers) > 0 {
		d.logger.Warn("stragglers_abandoned", map[string]interface{}{"count": len(stragglers)})
	}
	if n := len(d.worker.Unreconciled()); n > 0 {
		d.logger.Warn("unreconciled_deliveries", map[string]interface{}{"count": n})
	}
	return nil
}

func (d *Daemon) closeAll(ctx context.Context) error {
	var errs []error
	for i := len(d.closers) - 1; i >= 0; i-- {
		c := d.closers[i]
		if err := c.fn(ctx); err != nil {
			errs = append(errs, fmt.Errorf("closing %s: %w", c.name, err))
		}
	}
	d.closers = nil
	return errors.Join(errs...)
}

// Cache returns the central cache.
func (d *Daemon) Cache() *cache.Cache { return d.cache }

// Syncer returns the cross-computer syncer.
func (d *Daemon) Syncer() *peersync.Syncer { return d.syncer }

// Publisher publishes this computer's session changes to peers.
func (d *Daemon) Publisher() *peersync.Publisher { return d.publisher }

// LocalState returns the state served to peers, or nil when Options.Source
// was given.
func (d *Daemon) LocalState() *peersync.MemorySource { return d.local }

// Router returns the outbox router.
func (d *Daemon) Router() *outbox.Router { return d.router }

// Worker returns the delivery worker.
func (d *Daemon) Worker() *outbox.Worker { return d.worker }

// Store returns the outbox store.
func (d *Daemon) Store() outbox.Store { return d.store }

// Live returns the background tasks currently running.
func (d *Daemon) Live() []taskreg.TaskInfo { return d.registry.Live() }

// ShutdownResult returns the result of Stop, or nil before it finished.
func (d *Daemon) ShutdownResult() *shutdown.Result { return d.coord.Result() }
