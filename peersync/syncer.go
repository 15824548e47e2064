// Package peersync keeps this computer's cache of remote state eventually
// consistent with its peers.
//
// Three paths feed the cache. Heartbeats write presence. Pulls fetch
// project, todo and session snapshots from every known peer when a category
// is first wanted or has gone stale. Pushed session events keep sessions
// current between pulls. One slow or broken peer never stops the others:
// its contribution is logged and skipped for the cycle.
package peersync

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/InstruktAI/TeleClaude-sub013/bus"
	"github.com/InstruktAI/TeleClaude-sub013/cache"
	"github.com/InstruktAI/TeleClaude-sub013/clock"
	kerrors "github.com/InstruktAI/TeleClaude-sub013/errors"
	"github.com/InstruktAI/TeleClaude-sub013/heartbeat"
	"github.com/InstruktAI/TeleClaude-sub013/logging"
	"github.com/InstruktAI/TeleClaude-sub013/telemetry"
)

// Common errors.
var (
	ErrInvalidConfig = errors.New("invalid configuration")
	ErrNotPullable   = errors.New("category is not pullable")
)

// CategoryState is the sync state of one resource category.
type CategoryState string

const (
	StateUnknown    CategoryState = "unknown"
	StatePopulating CategoryState = "populating"
	StateFresh      CategoryState = "fresh"
	StateStale      CategoryState = "stale"
)

// Config configures a Syncer.
type Config struct {
	// ComputerName is this computer. Its own heartbeats and events are ignored.
	ComputerName string

	// Cache receives everything fetched. Required.
	Cache *cache.Cache

	// Bus carries pull requests. Required.
	Bus bus.MessageBus

	// Stream carries session events. Required by RunEventConsumer only.
	Stream bus.EventStream

	// Peers are always queried, in addition to computers seen online.
	Peers []string

	// PullTimeout bounds each per-peer request.
	// Default: 3 seconds
	PullTimeout time.Duration

	// MaxConcurrentPulls caps in-flight peer requests per pull.
	// Default: 8
	MaxConcurrentPulls int

	// ReconcileInterval is how often RunReconcile checks for staleness.
	// Default: 30 seconds
	ReconcileInterval time.Duration

	Clock  clock.Clock
	Logger *logging.Logger
	Tracer *telemetry.Tracer
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.ComputerName == "" || c.Cache == nil || c.Bus == nil {
		return ErrInvalidConfig
	}
	return nil
}

// DefaultConfig returns configuration with sensible defaults.
func DefaultConfig() Config {
	return Config{
		PullTimeout:        3 * time.Second,
		MaxConcurrentPulls: 8,
		ReconcileInterval:  30 * time.Second,
	}
}

// PullReport is the per-peer outcome of one pull.
type PullReport struct {
	Category  cache.Category
	Succeeded []string
	Failed    map[string]error
}

// Syncer populates the cache from peers.
type Syncer struct {
	self    string
	cache   *cache.Cache
	bus     bus.MessageBus
	stream  bus.EventStream
	static  []string
	timeout time.Duration
	limit   int
	every   time.Duration
	clock   clock.Clock
	logger  *logging.Logger
	tracer  *telemetry.Tracer

	flight singleflight.Group

	mu       sync.Mutex
	interest map[cache.Category]bool
	states   map[cache.Category]CategoryState

	// kick wakes the reconcile loop when a new peer comes online.
	kick chan struct{}
}

// New creates a Syncer.
func New(cfg Config) (*Syncer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	def := DefaultConfig()
	if cfg.PullTimeout <= 0 {
		cfg.PullTimeout = def.PullTimeout
	}
	if cfg.MaxConcurrentPulls <= 0 {
		cfg.MaxConcurrentPulls = def.MaxConcurrentPulls
	}
	if cfg.ReconcileInterval <= 0 {
		cfg.ReconcileInterval = def.ReconcileInterval
	}

	return &Syncer{
		self:     cfg.ComputerName,
		cache:    cfg.Cache,
		bus:      cfg.Bus,
		stream:   cfg.Stream,
		static:   append([]string(nil), cfg.Peers...),
		timeout:  cfg.PullTimeout,
		limit:    cfg.MaxConcurrentPulls,
		every:    cfg.ReconcileInterval,
		clock:    clock.OrReal(cfg.Clock),
		logger:   logging.OrDiscard(cfg.Logger).WithComponent("peersync"),
		tracer:   telemetry.OrGlobal(cfg.Tracer),
		interest: make(map[cache.Category]bool),
		states:   make(map[cache.Category]CategoryState),
		kick:     make(chan struct{}, 1),
	}, nil
}

// --- Presence ---

// ReceiveHeartbeat records a peer's presence. This computer's own heartbeat
// is ignored. Invalid heartbeats are rejected and never reach the cache.
func (s *Syncer) ReceiveHeartbeat(hb *heartbeat.Heartbeat) error {
	if hb == nil {
		return kerrors.InvalidInput("nil heartbeat")
	}
	if err := hb.Validate(); err != nil {
		return kerrors.WrapWithCode(err, kerrors.ErrCodeInvalidInput, "heartbeat rejected",
			kerrors.WithPeer(hb.ComputerName))
	}
	if hb.ComputerName == s.self {
		return nil
	}

	wasOnline := s.cache.Presence(hb.ComputerName).Found()
	_, err := s.cache.Update(cache.CategoryPresence, hb.ComputerName, cache.ComputerPresence{
		Name:          hb.ComputerName,
		Capabilities:  append([]string(nil), hb.Capabilities...),
		LastHeartbeat: hb.Timestamp,
	})
	if err != nil {
		return err
	}

	if !wasOnline {
		s.logger.Info("peer_online", map[string]interface{}{"peer": hb.ComputerName})
		select {
		case s.kick <- struct{}{}:
		default:
		}
	}
	return nil
}

// KnownPeers returns static peers plus computers currently online, minus
// this computer, sorted.
func (s *Syncer) KnownPeers() []string {
	set := make(map[string]struct{})
	for _, p := range s.static {
		set[p] = struct{}{}
	}
	for _, p := range s.cache.Online() {
		set[p.Name] = struct{}{}
	}
	delete(set, s.self)

	peers := make([]string, 0, len(set))
	for p := range set {
		peers = append(peers, p)
	}
	sort.Strings(peers)
	return peers
}

// --- Interest and state ---

// Interest registers a consumer's interest in category. The first
// registration pulls immediately and returns the report; later ones return
// nil.
func (s *Syncer) Interest(ctx context.Context, category cache.Category) (*PullReport, error) {
	if !pullable(category) {
		return nil, ErrNotPullable
	}
	s.mu.Lock()
	first := !s.interest[category]
	s.interest[category] = true
	s.mu.Unlock()

	if !first {
		return nil, nil
	}
	report, err := s.Pull(ctx, category)
	if err != nil {
		return nil, err
	}
	return &report, nil
}

// Interests returns the categories of interest, in Categories order.
func (s *Syncer) Interests() []cache.Category {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []cache.Category
	for _, c := range cache.Categories {
		if s.interest[c] {
			out = append(out, c)
		}
	}
	return out
}

// State returns the sync state of category.
func (s *Syncer) State(category cache.Category) CategoryState {
	s.mu.Lock()
	st, ok := s.states[category]
	s.mu.Unlock()

	if !ok {
		return StateUnknown
	}
	if st == StateFresh && s.cache.CategoryStale(category) {
		return StateStale
	}
	return st
}

func (s *Syncer) setState(category cache.Category, st CategoryState) {
	s.mu.Lock()
	s.states[category] = st
	s.mu.Unlock()
}

// EnsureFresh pulls category when a read would observe it stale.
// It returns nil, nil when the cached data is still fresh.
func (s *Syncer) EnsureFresh(ctx context.Context, category cache.Category) (*PullReport, error) {
	if !pullable(category) {
		return nil, ErrNotPullable
	}
	if !s.cache.CategoryStale(category) {
		return nil, nil
	}
	report, err := s.Pull(ctx, category)
	if err != nil {
		return nil, err
	}
	return &report, nil
}

// Refresh is the manual refresh: drop everything cached, then re-pull every
// category of interest right away.
func (s *Syncer) Refresh(ctx context.Context) ([]PullReport, error) {
	s.cache.InvalidateAll()
	s.mu.Lock()
	for c := range s.states {
		s.states[c] = StateStale
	}
	s.mu.Unlock()

	s.logger.Info("manual_refresh", nil)

	var reports []PullReport
	for _, category := range s.Interests() {
		report, err := s.Pull(ctx, category)
		if err != nil {
			return reports, err
		}
		reports = append(reports, report)
	}
	return reports, nil
}

// --- Pull ---

type peerResult struct {
	peer     string
	projects []cache.Project
	todos    []cache.Todo
	sessions []cache.Session
	err      error
}

// Pull asks every known peer for category concurrently, each bounded by
// PullTimeout, and writes every valid answer into the cache. Per-peer
// failures are logged and reported, never returned. Concurrent pulls of
// the same category share one round of requests.
func (s *Syncer) Pull(ctx context.Context, category cache.Category) (PullReport, error) {
	if !pullable(category) {
		return PullReport{}, ErrNotPullable
	}
	v, err, _ := s.flight.Do(string(category), func() (interface{}, error) {
		return s.pull(ctx, category)
	})
	if err != nil {
		return PullReport{}, err
	}
	return v.(PullReport), nil
}

func (s *Syncer) pull(ctx context.Context, category cache.Category) (PullReport, error) {
	if err := ctx.Err(); err != nil {
		return PullReport{}, err
	}
	s.setState(category, StatePopulating)

	peers := s.KnownPeers()
	results := make([]peerResult, len(peers))

	g := new(errgroup.Group)
	g.SetLimit(s.limit)
	for i, peer := range peers {
		g.Go(func() error {
			results[i] = s.pullPeer(ctx, peer, category)
			return nil
		})
	}
	g.Wait()

	report := PullReport{Category: category, Failed: make(map[string]error)}
	for _, r := range results {
		if r.err != nil {
			report.Failed[r.peer] = r.err
			if kerrors.Is(r.err, kerrors.ErrCodeInvalidInput) {
				s.logger.PayloadRejected(r.peer, string(category), r.err)
			} else {
				s.logger.PeerSkipped(r.peer, string(category), r.err)
			}
			continue
		}
		s.apply(category, r)
		report.Succeeded = append(report.Succeeded, r.peer)
	}

	switch {
	case ctx.Err() != nil:
		s.setState(category, StateStale)
		return report, ctx.Err()
	case len(peers) > 0 && len(report.Succeeded) == 0:
		s.cache.MarkUnavailable(category)
		s.setState(category, StateStale)
	default:
		s.cache.MarkPopulated(category)
		s.setState(category, StateFresh)
	}

	s.logger.Debug("pull_complete", map[string]interface{}{
		"category":  string(category),
		"succeeded": len(report.Succeeded),
		"failed":    len(report.Failed),
	})
	return report, nil
}

// pullPeer performs one bounded request and validates the answer.
func (s *Syncer) pullPeer(ctx context.Context, peer string, category cache.Category) (res peerResult) {
	res.peer = peer

	ctx, span := s.tracer.StartPullSpan(ctx, peer, string(category))
	opts := telemetry.PullSpanOptions{Outcome: "ok"}
	defer func() {
		if res.err != nil && opts.Outcome == "ok" {
			opts.Outcome = "error"
		}
		opts.Items = len(res.projects) + len(res.todos) + len(res.sessions)
		s.tracer.EndPullSpan(span, opts, res.err)
	}()

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	carrier := telemetry.MapCarrier{}
	telemetry.InjectContext(ctx, carrier)
	req, _ := json.Marshal(PullRequest{Requester: s.self, Category: category, Trace: carrier})

	msg, err := s.bus.Request(ctx, PullSubject(peer, category), req)
	if err != nil {
		switch {
		case errors.Is(err, bus.ErrTimeout):
			opts.Outcome = "timeout"
			res.err = kerrors.Timeout("pull timed out", kerrors.WithPeer(peer), kerrors.WithCause(err))
		case errors.Is(err, bus.ErrNoResponders):
			opts.Outcome = "offline"
			res.err = kerrors.PeerOffline(peer, kerrors.WithCause(err))
		default:
			res.err = kerrors.Wrap(err, "pull request", kerrors.WithPeer(peer))
		}
		return res
	}

	var resp PullResponse
	if err := validate(msg.Data, responseSchema(category), &resp); err != nil {
		opts.Outcome = "rejected"
		res.err = kerrors.Wrap(err, "pull response", kerrors.WithPeer(peer))
		return res
	}
	if resp.Computer != peer || resp.Category != category {
		opts.Outcome = "rejected"
		res.err = kerrors.InvalidInput("response identity mismatch",
			kerrors.WithPeer(peer),
			kerrors.WithMetadata("computer", resp.Computer),
			kerrors.WithMetadata("category", string(resp.Category)))
		return res
	}
	if resp.Error != nil {
		res.err = kerrors.Wrap(resp.Error, "peer error", kerrors.WithPeer(peer))
		return res
	}

	items := resp.Items
	if len(items) == 0 {
		items = json.RawMessage("[]")
	}
	var decodeErr error
	switch category {
	case cache.CategoryProject:
		decodeErr = json.Unmarshal(items, &res.projects)
	case cache.CategoryTodo:
		decodeErr = json.Unmarshal(items, &res.todos)
	case cache.CategorySession:
		decodeErr = json.Unmarshal(items, &res.sessions)
		for _, sess := range res.sessions {
			if sess.Computer != peer {
				decodeErr = kerrors.InvalidInput("session " + sess.ID + " claims computer " + sess.Computer)
				break
			}
		}
	}
	if decodeErr != nil {
		opts.Outcome = "rejected"
		res.projects, res.todos, res.sessions = nil, nil, nil
		res.err = kerrors.WrapWithCode(decodeErr, kerrors.ErrCodeInvalidInput, "pull items", kerrors.WithPeer(peer))
	}
	return res
}

// apply writes one peer's validated answer. Project and todo snapshots are
// replaced wholesale; the peer's sessions are reconciled against the cache.
func (s *Syncer) apply(category cache.Category, r peerResult) {
	now := s.clock.Now()
	switch category {
	case cache.CategoryProject:
		s.cache.Update(category, r.peer, cache.ProjectSnapshot{Computer: r.peer, Projects: r.projects, FetchedAt: now})
	case cache.CategoryTodo:
		s.cache.Update(category, r.peer, cache.TodoSnapshot{Computer: r.peer, Todos: r.todos, FetchedAt: now})
	case cache.CategorySession:
		keep := make(map[string]bool, len(r.sessions))
		for _, sess := range r.sessions {
			keep[sess.ID] = true
			s.cache.Update(category, sess.ID, sess)
		}
		for _, old := range s.cache.SessionsForComputer(r.peer) {
			if !keep[old.ID] {
				s.cache.Delete(category, old.ID)
			}
		}
	}
}

// --- Loops ---

// RunReconcile re-pulls stale categories of interest every interval, and
// right away when a new peer comes online, sweeping expired entries each
// round. It returns when ctx is done.
func (s *Syncer) RunReconcile(ctx context.Context) error {
	ticker := s.clock.NewTicker(s.every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.reconcile(ctx, false)
		case <-s.kick:
			s.reconcile(ctx, true)
		}
	}
}

func (s *Syncer) reconcile(ctx context.Context, force bool) {
	for _, category := range s.Interests() {
		if !force && !s.cache.CategoryStale(category) {
			continue
		}
		if _, err := s.Pull(ctx, category); err != nil {
			return
		}
	}
	if n := s.cache.Sweep(); n > 0 {
		s.logger.Debug("cache_swept", map[string]interface{}{"removed": n})
	}
}
