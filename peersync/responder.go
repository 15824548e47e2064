package peersync

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/InstruktAI/TeleClaude-sub013/bus"
	"github.com/InstruktAI/TeleClaude-sub013/cache"
	kerrors "github.com/InstruktAI/TeleClaude-sub013/errors"
	"github.com/InstruktAI/TeleClaude-sub013/logging"
	"github.com/InstruktAI/TeleClaude-sub013/telemetry"
)

// LocalSource supplies this computer's own state to peers that pull it.
type LocalSource interface {
	Projects(ctx context.Context) ([]cache.Project, error)
	Todos(ctx context.Context) ([]cache.Todo, error)
	Sessions(ctx context.Context) ([]cache.Session, error)
}

// MemorySource is a LocalSource backed by in-memory slices.
type MemorySource struct {
	mu       sync.RWMutex
	projects []cache.Project
	todos    []cache.Todo
	sessions map[string]cache.Session
}

// NewMemorySource creates an empty MemorySource.
func NewMemorySource() *MemorySource {
	return &MemorySource{sessions: make(map[string]cache.Session)}
}

func (m *MemorySource) SetProjects(p []cache.Project) {
	m.mu.Lock()
	m.projects = append([]cache.Project(nil), p...)
	m.mu.Unlock()
}

func (m *MemorySource) SetTodos(t []cache.Todo) {
	m.mu.Lock()
	m.todos = append([]cache.Todo(nil), t...)
	m.mu.Unlock()
}

// PutSession adds or replaces a session.
func (m *MemorySource) PutSession(s cache.Session) {
	m.mu.Lock()
	m.sessions[s.ID] = s
	m.mu.Unlock()
}

// RemoveSession drops a session.
func (m *MemorySource) RemoveSession(id string) {
	m.mu.Lock()
	delete(m.sessions, id)
	m.mu.Unlock()
}

func (m *MemorySource) Projects(context.Context) ([]cache.Project, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]cache.Project{}, m.projects...), nil
}

func (m *MemorySource) Todos(context.Context) ([]cache.Todo, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]cache.Todo{}, m.todos...), nil
}

func (m *MemorySource) Sessions(context.Context) ([]cache.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]cache.Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	return out, nil
}

// ResponderConfig configures a Responder.
type ResponderConfig struct {
	ComputerName string
	Bus          bus.MessageBus
	Source       LocalSource
	Logger       *logging.Logger
	Tracer       *telemetry.Tracer
}

// Responder answers peers' pull requests with this computer's state.
type Responder struct {
	self   string
	bus    bus.MessageBus
	source LocalSource
	logger *logging.Logger
	tracer *telemetry.Tracer
}

// NewResponder creates a Responder.
func NewResponder(cfg ResponderConfig) (*Responder, error) {
	if cfg.ComputerName == "" || cfg.Bus == nil || cfg.Source == nil {
		return nil, ErrInvalidConfig
	}
	return &Responder{
		self:   cfg.ComputerName,
		bus:    cfg.Bus,
		source: cfg.Source,
		logger: logging.OrDiscard(cfg.Logger).WithComponent("responder"),
		tracer: telemetry.OrGlobal(cfg.Tracer),
	}, nil
}

// Run serves pull requests addressed to this computer until ctx is done.
func (r *Responder) Run(ctx context.Context) error {
	sub, err := r.bus.Subscribe(pullPrefix + r.self + ".*")
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
			if msg.Reply == "" {
				continue
			}
			resp := r.serve(ctx, msg)
			data, err := json.Marshal(resp)
			if err != nil {
				r.logger.Error("encode_pull_response", map[string]interface{}{"error": err.Error()})
				continue
			}
			if err := r.bus.Publish(msg.Reply, data); err != nil {
				r.logger.Warn("reply_failed", map[string]interface{}{"error": err.Error()})
			}
		}
	}
}

var requestSchema = schema{
	{name: "requester", kind: kindNonEmpty, required: true},
	{name: "category", kind: kindNonEmpty, required: true},
}

func (r *Responder) serve(ctx context.Context, msg *bus.Message) PullResponse {
	category := cache.Category(msg.Subject[len(pullPrefix+r.self+"."):])
	resp := PullResponse{Computer: r.self, Category: category}

	var req PullRequest
	if err := validate(msg.Data, requestSchema, &req); err != nil {
		resp.Error = kerrors.Wrap(err, "pull request")
		return resp
	}
	if req.Category != category || !pullable(category) {
		resp.Error = kerrors.New(kerrors.ErrCodeUnsupported, "cannot serve category "+string(category))
		return resp
	}

	ctx = telemetry.ExtractContext(ctx, telemetry.MapCarrier(req.Trace))
	ctx, span := r.tracer.StartServeSpan(ctx, req.Requester, string(category))

	var (
		items interface{}
		count int
		err   error
	)
	switch category {
	case cache.CategoryProject:
		var p []cache.Project
		p, err = r.source.Projects(ctx)
		items, count = p, len(p)
	case cache.CategoryTodo:
		var t []cache.Todo
		t, err = r.source.Todos(ctx)
		items, count = t, len(t)
	case cache.CategorySession:
		var s []cache.Session
		s, err = r.source.Sessions(ctx)
		for i := range s {
			s[i].Computer = r.self
		}
		items, count = s, len(s)
	}
	if err == nil {
		resp.Items, err = json.Marshal(items)
	}
	r.tracer.EndServeSpan(span, count, err)

	if err != nil {
		resp.Items = nil
		resp.Error = kerrors.Wrap(err, "read local "+string(category))
		r.logger.Warn("serve_failed", map[string]interface{}{
			"requester": req.Requester,
			"category":  string(category),
			"error":     err.Error(),
		})
	}
	return resp
}
