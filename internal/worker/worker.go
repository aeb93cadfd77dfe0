// SPDX-FileCopyrightText: © 2024 the meshbus authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package worker reproduces the small goroutine-lifecycle mixin used
// throughout the teacher codebase (embedded as `worker.Worker` in things
// like a statefile writer or a stream), whose own package was never part
// of the retrieved source. Embed it, call Go for every background
// goroutine, and Halt to request a coordinated shutdown.
package worker

import "sync"

// Worker is an embeddable goroutine lifecycle helper. The zero value is
// ready to use.
type Worker struct {
	initOnce sync.Once
	haltOnce sync.Once
	haltCh   chan struct{}
	wg       sync.WaitGroup
}

func (w *Worker) init() {
	w.initOnce.Do(func() {
		w.haltCh = make(chan struct{})
	})
}

// HaltCh returns the channel that is closed when Halt is called. Long
// running goroutines started via Go should select on it to know when to
// return.
func (w *Worker) HaltCh() <-chan struct{} {
	w.init()
	return w.haltCh
}

// Go spawns fn in a new goroutine tracked by the Worker.
func (w *Worker) Go(fn func()) {
	w.init()
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		fn()
	}()
}

// Halt closes the halt channel and blocks until every goroutine started
// with Go has returned. Halt is idempotent.
func (w *Worker) Halt() {
	w.init()
	w.haltOnce.Do(func() {
		close(w.haltCh)
	})
	w.wg.Wait()
}
