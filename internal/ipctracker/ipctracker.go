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

// Package ipctracker tracks helper child processes launched by the daemon.
// Each registered record carries callbacks invoked when the child exits;
// removal detaches the callbacks without touching the process itself.
package ipctracker

import (
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"
)

// Record describes one tracked child process.
type Record struct {
	// PID is the child process id.
	PID int

	// Cmd is the started command for the child. When set, the tracker
	// reaps the child with Wait; callers must not call Wait themselves.
	Cmd *exec.Cmd

	// OnClose is invoked when the child exits cleanly.
	OnClose func(reason string)

	// OnError is invoked when the child exits with a failure status or
	// is killed by a signal.
	OnError func(reason string)
}

// Tracker registers and reaps helper child processes.
type Tracker interface {
	Register(rec Record)
	Remove(pid int)
}

// Registry is the default Tracker implementation.
type Registry struct {
	logger *slog.Logger

	mu      sync.Mutex
	records map[int]*Record
	wg      sync.WaitGroup
}

// NewRegistry creates a process registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		logger:  logger,
		records: make(map[int]*Record),
	}
}

// Register starts tracking a child process. The record's callbacks fire at
// most once, and never after Remove has been called for the pid.
func (r *Registry) Register(rec Record) {
	r.mu.Lock()
	stored := rec
	r.records[rec.PID] = &stored
	r.mu.Unlock()

	r.wg.Add(1)
	go r.reap(rec.PID, rec.Cmd)
}

// Remove stops tracking a pid. The child itself is untouched; pending exit
// callbacks are discarded.
func (r *Registry) Remove(pid int) {
	r.mu.Lock()
	delete(r.records, pid)
	r.mu.Unlock()
}

// Wait blocks until every reaper goroutine has finished. Intended for
// daemon shutdown after the children have been killed.
func (r *Registry) Wait() {
	r.wg.Wait()
}

// reap waits for the child to exit and routes the exit status to the
// record's callbacks, if the record is still registered.
func (r *Registry) reap(pid int, cmd *exec.Cmd) {
	defer r.wg.Done()

	var reason string
	var failed bool

	if cmd != nil {
		err := cmd.Wait()
		switch e := err.(type) {
		case nil:
			reason = "exited"
		case *exec.ExitError:
			failed = true
			if ws, ok := e.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
				reason = fmt.Sprintf("killed by signal %v", ws.Signal())
			} else if e.ExitCode() == 255 {
				reason = "helper exec failed (exit status 255)"
			} else {
				reason = fmt.Sprintf("exited with status %d", e.ExitCode())
			}
		default:
			failed = true
			reason = fmt.Sprintf("wait failed: %v", err)
		}
	} else {
		// Foreign pid; poll for existence with signal 0.
		waitForeign(pid)
		reason = "exited"
	}

	r.mu.Lock()
	rec, ok := r.records[pid]
	if ok {
		delete(r.records, pid)
	}
	r.mu.Unlock()

	if !ok {
		return
	}

	r.logger.Debug("helper process exited", "pid", pid, "reason", reason)

	if failed {
		if rec.OnError != nil {
			rec.OnError(reason)
		}
		return
	}
	if rec.OnClose != nil {
		rec.OnClose(reason)
	}
}

// waitForeign polls a pid the tracker did not start until it disappears.
func waitForeign(pid int) {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return
	}
	for {
		if err := proc.Signal(syscall.Signal(0)); err != nil {
			return
		}
		// Re-check at a coarse interval; foreign pids have no Wait.
		time.Sleep(250 * time.Millisecond)
	}
}
