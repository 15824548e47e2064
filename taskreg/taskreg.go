package taskreg

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/InstruktAI/TeleClaude-sub013/clock"
	kerrors "github.com/InstruktAI/TeleClaude-sub013/errors"
	"github.com/InstruktAI/TeleClaude-sub013/logging"
)

// ErrClosed is returned by handles spawned after Shutdown began.
var ErrClosed = errors.New("task registry closed")

// Work is a unit of background work. It must return once ctx is done.
type Work func(ctx context.Context) error

// TaskInfo is a snapshot of a live task.
type TaskInfo struct {
	ID        string
	Name      string
	StartedAt time.Time
}

// Handle refers to a spawned task.
type Handle struct {
	id      string
	name    string
	started time.Time
	cancel  context.CancelFunc
	done    chan struct{}
	err     error
}

// ID returns the task's unique identity.
func (h *Handle) ID() string { return h.id }

// Name returns the name the task was spawned with.
func (h *Handle) Name() string { return h.name }

// Done is closed after the task has finished and left the live set.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Err returns the task's result. Only valid after Done is closed.
func (h *Handle) Err() error {
	select {
	case <-h.done:
		return h.err
	default:
		return nil
	}
}

// Cancel requests cancellation of this task only.
func (h *Handle) Cancel() {
	if h.cancel != nil {
		h.cancel()
	}
}

func (h *Handle) info() TaskInfo {
	return TaskInfo{ID: h.id, Name: h.name, StartedAt: h.started}
}

// Config configures a Registry.
type Config struct {
	// Logger receives task failures and stragglers. Nil discards.
	Logger *logging.Logger

	// Clock is used for start times and straggler ages. Default: real clock.
	Clock clock.Clock

	// OnComplete, if set, is called once per task after it leaves the live set
	// and before its Done channel closes.
	OnComplete func(info TaskInfo, err error)
}

// Registry owns the live set of background tasks.
type Registry struct {
	logger     *logging.Logger
	clock      clock.Clock
	onComplete func(TaskInfo, error)

	root   context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	live   map[string]*Handle
	closed bool
	wg     sync.WaitGroup
}

// New creates an empty registry.
func New(cfg Config) *Registry {
	root, cancel := context.WithCancel(context.Background())
	return &Registry{
		logger:     logging.OrDiscard(cfg.Logger).WithComponent("taskreg"),
		clock:      clock.OrReal(cfg.Clock),
		onComplete: cfg.OnComplete,
		root:       root,
		cancel:     cancel,
		live:       make(map[string]*Handle),
	}
}

// Spawn starts work in its own goroutine and tracks it until it returns.
// After Shutdown, Spawn does not run work and returns a finished handle
// whose Err is ErrClosed.
func (r *Registry) Spawn(name string, work Work) *Handle {
	h := &Handle{
		id:      uuid.NewString(),
		name:    name,
		started: r.clock.Now(),
		done:    make(chan struct{}),
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		h.err = ErrClosed
		close(h.done)
		return h
	}
	ctx, cancel := context.WithCancel(r.root)
	h.cancel = cancel
	r.live[h.id] = h
	r.wg.Add(1)
	r.mu.Unlock()

	go r.run(ctx, h, work)
	return h
}

func (r *Registry) run(ctx context.Context, h *Handle, work Work) {
	defer r.wg.Done()
	err := r.invoke(ctx, work)
	h.cancel()
	r.finish(h, err)
}

// invoke runs work, converting a panic into an error.
func (r *Registry) invoke(ctx context.Context, work Work) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = kerrors.RecoverPanic(p)
		}
	}()
	return work(ctx)
}

// finish is the completion hook: remove, log, notify, then close Done.
func (r *Registry) finish(h *Handle, err error) {
	r.mu.Lock()
	delete(r.live, h.id)
	r.mu.Unlock()

	h.err = err
	if err != nil && !kerrors.IsCanceled(err) {
		r.logger.TaskFailed(h.name, h.id, err)
	}
	if r.onComplete != nil {
		r.onComplete(h.info(), err)
	}
	close(h.done)
}

// Live returns a snapshot of unfinished tasks, oldest first.
func (r *Registry) Live() []TaskInfo {
	r.mu.Lock()
	out := make([]TaskInfo, 0, len(r.live))
	for _, h := range r.live {
		out = append(out, h.info())
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].StartedAt.Before(out[j].StartedAt)
	})
	return out
}

// Len returns the number of live tasks.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.live)
}

// Shutdown cancels every live task and waits up to timeout for them to
// return. Tasks still live at the deadline are logged and returned; Shutdown
// never blocks past timeout. Calling Shutdown more than once is safe.
func (r *Registry) Shutdown(timeout time.Duration) []TaskInfo {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()

	r.cancel()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-r.clock.After(timeout):
	}

	stragglers := r.Live()
	now := r.clock.Now()
	for _, s := range stragglers {
		r.logger.TaskStraggler(s.Name, s.ID, now.Sub(s.StartedAt))
	}
	return stragglers
}
