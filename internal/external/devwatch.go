// Copyright 2025 Sophic Technical Solutions
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package external

import (
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// devWatcher restarts the IPC helper when its binary changes on disk.
// Helper-development convenience; never enabled in normal deployments.
type devWatcher struct {
	endpoint *Endpoint
	path     string

	fsWatcher *fsnotify.Watcher

	mu      sync.Mutex
	pending *time.Timer
	stopped bool

	wg sync.WaitGroup
}

// startDevWatchLocked begins watching the resolved helper binary. Caller
// holds the endpoint mutex; failures are logged, not fatal.
func (e *Endpoint) startDevWatchLocked(helperPath string) {
	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		e.logger.Error("failed to create helper binary watcher", "error", err)
		return
	}

	// Watch the directory; editors and build tools replace the file.
	if err := fsWatcher.Add(filepath.Dir(helperPath)); err != nil {
		e.logger.Error("failed to watch helper binary", "helper", helperPath, "error", err)
		_ = fsWatcher.Close()
		return
	}

	w := &devWatcher{
		endpoint:  e,
		path:      helperPath,
		fsWatcher: fsWatcher,
	}
	e.devWatch = w

	w.wg.Add(1)
	go w.processEvents()

	e.logger.Debug("watching helper binary for changes", "helper", helperPath)
}

// processEvents processes filesystem events and schedules restarts.
func (w *devWatcher) processEvents() {
	defer w.wg.Done()

	for {
		select {
		case event, ok := <-w.fsWatcher.Events:
			if !ok {
				return
			}
			if event.Name != w.path {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) {
				w.scheduleRestart()
			}

		case err, ok := <-w.fsWatcher.Errors:
			if !ok {
				return
			}
			w.endpoint.logger.Error("helper binary watcher error", "error", err)
		}
	}
}

// scheduleRestart debounces rapid successive writes into one restart.
func (w *devWatcher) scheduleRestart() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.stopped {
		return
	}
	if w.pending != nil {
		w.pending.Stop()
	}

	w.pending = time.AfterFunc(500*time.Millisecond, func() {
		w.mu.Lock()
		stopped := w.stopped
		w.mu.Unlock()
		if stopped {
			return
		}

		w.endpoint.restartIPC(w)
	})
}

// stop shuts the watcher down. It takes only the watcher's own lock, so it
// is called both with the endpoint mutex held (Close) and without it
// (restartIPC).
func (w *devWatcher) stop() {
	w.mu.Lock()
	w.stopped = true
	if w.pending != nil {
		w.pending.Stop()
		w.pending = nil
	}
	w.mu.Unlock()

	_ = w.fsWatcher.Close()
	w.wg.Wait()
}

// restartIPC soft-kills the running helper and relaunches it. Close
// detaches the watcher from the endpoint, so a restart that lost the race
// with teardown finds w no longer installed and must not resurrect the
// endpoint.
func (e *Endpoint) restartIPC(w *devWatcher) {
	e.mu.Lock()
	if e.devWatch != w {
		e.mu.Unlock()
		return
	}
	e.mu.Unlock()

	e.IPCSoftKill()
	e.wg.Wait()

	e.mu.Lock()
	if e.devWatch != w {
		// Close ran while the helper was being killed.
		e.mu.Unlock()
		return
	}
	e.funneled = false
	e.devWatch = nil
	e.mu.Unlock()

	w.stop()

	e.logger.Info("helper binary changed, restarting", "helper", w.path)

	if err := e.RunIPC(); err != nil {
		e.logger.Error("helper relaunch failed", "error", err)
	}
}
