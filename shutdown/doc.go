// Package shutdown stops the daemon in phases.
//
// Components register handlers against a phase. Lower phases run first and
// handlers within a phase run concurrently:
//
//	coord := shutdown.NewCoordinator(nil, logger)
//	coord.RegisterFunc("pull-responder", shutdown.PhaseIntake, stopResponder)
//	coord.RegisterFunc("tasks", shutdown.PhaseTasks, drainTasks)
//	coord.RegisterFunc("outbox-store", shutdown.PhaseStorage, closeStore)
//
//	ctx, stop := shutdown.SignalContext(context.Background())
//	defer stop()
//	<-ctx.Done()
//	err := coord.ShutdownWithTimeout(10 * time.Second)
//
// The whole sequence shares one deadline. When it expires, remaining phases
// are skipped and Shutdown returns ErrTimeout.
package shutdown
