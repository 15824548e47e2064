package shutdown

import (
	"context"
	"os"
	"os/signal"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/InstruktAI/TeleClaude-sub013/clock"
	kerrors "github.com/InstruktAI/TeleClaude-sub013/errors"
	"github.com/InstruktAI/TeleClaude-sub013/logging"
)

// Coordinator runs registered handlers phase by phase. Handlers in one
// phase run concurrently; a phase starts only when the previous one has
// finished. A failing handler does not stop later phases.
type Coordinator struct {
	clock  clock.Clock
	logger *logging.Logger

	mu       sync.Mutex
	handlers []registration
	started  bool
	done     chan struct{}
	result   *Result
}

// NewCoordinator creates a coordinator.
func NewCoordinator(clk clock.Clock, logger *logging.Logger) *Coordinator {
	return &Coordinator{
		clock:  clock.OrReal(clk),
		logger: logging.OrDiscard(logger).WithComponent("shutdown"),
		done:   make(chan struct{}),
	}
}

// Register adds a handler to phase.
func (c *Coordinator) Register(name string, phase int, handler Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers = append(c.handlers, registration{name: name, handler: handler, phase: phase})
}

// RegisterFunc registers a function handler.
func (c *Coordinator) RegisterFunc(name string, phase int, fn func(ctx context.Context) error) {
	c.Register(name, phase, Func(fn))
}

// Shutdown runs every phase. It returns ErrAlreadyShutdown on a second
// call, ErrTimeout when ctx ended before all phases ran, and
// ErrHandlerFailed when any handler returned an error.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return ErrAlreadyShutdown
	}
	c.started = true
	handlers := append([]registration(nil), c.handlers...)
	c.mu.Unlock()

	start := c.clock.Now()
	result := &Result{}
	c.logger.Info("shutdown_started", map[string]interface{}{"handlers": len(handlers)})

	sort.SliceStable(handlers, func(i, j int) bool { return handlers[i].phase < handlers[j].phase })
	for _, group := range groupByPhase(handlers) {
		if ctx.Err() != nil {
			result.Err = ErrTimeout
			break
		}
		for _, hr := range c.runPhase(ctx, group) {
			result.Results = append(result.Results, hr)
			if hr.Err != nil && result.Err == nil {
				result.Err = ErrHandlerFailed
			}
		}
	}
	result.TotalDuration = c.clock.Now().Sub(start)

	fields := map[string]interface{}{"duration": result.TotalDuration.String()}
	if result.Err != nil {
		fields["error"] = result.Err.Error()
		c.logger.Warn("shutdown_finished", fields)
	} else {
		c.logger.Info("shutdown_finished", fields)
	}

	c.mu.Lock()
	c.result = result
	c.mu.Unlock()
	close(c.done)
	return result.Err
}

// ShutdownWithTimeout runs Shutdown with a deadline.
func (c *Coordinator) ShutdownWithTimeout(timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return c.Shutdown(ctx)
}

func (c *Coordinator) runPhase(ctx context.Context, group []registration) []HandlerResult {
	results := make([]HandlerResult, len(group))
	var wg sync.WaitGroup
	for i, reg := range group {
		wg.Add(1)
		go func() {
			defer wg.Done()
			started := c.clock.Now()
			err := invoke(ctx, reg.handler)
			results[i] = HandlerResult{
				Name:     reg.name,
				Phase:    reg.phase,
				Duration: c.clock.Now().Sub(started),
				Err:      err,
			}
			fields := map[string]interface{}{"handler": reg.name, "phase": reg.phase}
			if err != nil {
				fields["error"] = err.Error()
				c.logger.Error("shutdown_handler_failed", fields)
			} else {
				c.logger.Debug("shutdown_handler_done", fields)
			}
		}()
	}
	wg.Wait()
	return results
}

func invoke(ctx context.Context, h Handler) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = kerrors.RecoverPanic(r)
		}
	}()
	return h.OnShutdown(ctx)
}

// Done is closed when shutdown has finished.
func (c *Coordinator) Done() <-chan struct{} {
	return c.done
}

// Result returns the shutdown result, or nil before Done is closed.
func (c *Coordinator) Result() *Result {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.result
}

func groupByPhase(handlers []registration) [][]registration {
	var groups [][]registration
	for i, h := range handlers {
		if i == 0 || h.phase != handlers[i-1].phase {
			groups = append(groups, nil)
		}
		groups[len(groups)-1] = append(groups[len(groups)-1], h)
	}
	return groups
}

// SignalContext returns a context cancelled on SIGINT or SIGTERM.
func SignalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}
