// Package taskreg tracks every long-running background unit of work in the
// daemon.
//
// Work is started with Spawn and is visible in Live until it returns. A task
// that ends with an error other than cancellation is always logged with its
// name and identity. Shutdown cancels everything still live, waits for a
// bounded grace period and reports the stragglers.
//
// Basic usage:
//
//	reg := taskreg.New(taskreg.Config{Logger: logger})
//	h := reg.Spawn("reconcile-loop", syncer.RunReconcile)
//	...
//	stragglers := reg.Shutdown(5 * time.Second)
package taskreg
