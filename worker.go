/*
Copyright 2024 Blnk Finance Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package kassaflow

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

// loopWorker runs one function on a fixed interval in a single goroutine.
// Start is guarded so repeated calls are no-ops while it runs.
type loopWorker struct {
	name     string
	interval time.Duration
	run      func(ctx context.Context)

	running atomic.Bool
	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
}

func newLoopWorker(name string, interval time.Duration, run func(ctx context.Context)) *loopWorker {
	if interval <= 0 {
		interval = time.Minute
	}
	return &loopWorker{name: name, interval: interval, run: run}
}

// Start launches the loop. It returns false when the loop already runs.
func (w *loopWorker) Start(ctx context.Context) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.running.CompareAndSwap(false, true) {
		return false
	}
	ctx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.done = make(chan struct{})
	go w.loop(ctx, w.done)
	logrus.WithField("worker", w.name).Info("worker started")
	return true
}

// Stop cancels the loop and waits for the current pass to finish.
func (w *loopWorker) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.cancel == nil {
		return
	}
	w.cancel()
	<-w.done
	w.cancel, w.done = nil, nil
	w.running.Store(false)
	logrus.WithField("worker", w.name).Info("worker stopped")
}

func (w *loopWorker) IsRunning() bool {
	return w.running.Load()
}

func (w *loopWorker) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		w.run(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
