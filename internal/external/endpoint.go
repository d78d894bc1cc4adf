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

// Package external implements the endpoint core of the helper protocol: a
// bidirectional, length-framed, checksummed command channel between the
// daemon and an external worker. The worker is either a child process
// launched over a pipe pair or a remote peer over TCP.
package external

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"github.com/Sophic-Technical-Solutions/kismet/internal/eventbus"
	"github.com/Sophic-Technical-Solutions/kismet/internal/extproto"
	"github.com/Sophic-Technical-Solutions/kismet/internal/ipctracker"
	"github.com/Sophic-Technical-Solutions/kismet/internal/msgbus"
	"github.com/Sophic-Technical-Solutions/kismet/internal/timetracker"
	"github.com/Sophic-Technical-Solutions/kismet/internal/webserver"
)

var (
	// ErrTransportConflict is returned when a second transport is
	// attached while one is live.
	ErrTransportConflict = errors.New("external: endpoint already has a live transport")

	// ErrNoSink is the funnel message used when a send finds no carrier.
	ErrNoSink = errors.New("external: no connection to write to")

	// ErrStopped is returned for operations on a stopped endpoint.
	ErrStopped = errors.New("external: endpoint stopped")
)

// WriteFunc is an alternative outbound sink. When set it replaces both
// transports for writes; the frame must be written whole. Inbound traffic
// still requires a transport.
type WriteFunc func(frame []byte) error

// WebServer is the surface of the embedded HTTP server the endpoint uses.
type WebServer interface {
	RegisterRoute(uri string, methods []string, role string, handler webserver.Handler) error
	CreateAuth(name, role string, ttl time.Duration) (string, error)
}

// Options configures an Endpoint. Collaborator fields left nil disable
// the corresponding bridge.
type Options struct {
	// Logger is the structured logger. Defaults to slog.Default().
	Logger *slog.Logger

	// Msgbus receives MESSAGE traffic from the worker.
	Msgbus msgbus.Bus

	// TimeTracker drives the ping watchdog.
	TimeTracker timetracker.Tracker

	// IPCTracker tracks the helper child process.
	IPCTracker ipctracker.Tracker

	// EventBus is the daemon event broker for the eventbus bridge.
	EventBus eventbus.Bus

	// Web is the embedded HTTP server for the proxy bridge.
	Web WebServer

	// Binary is the helper binary name for IPC launch.
	Binary string

	// Args are extra arguments passed to the helper after the injected
	// --in-fd/--out-fd pair.
	Args []string

	// BinaryPaths is the expanded helper search path list. Empty means
	// the directory of the running executable.
	BinaryPaths []string

	// PingInterval is the watchdog cadence. Default 5s.
	PingInterval time.Duration

	// PongTimeoutMultiple is how many ping intervals may elapse without
	// a PONG before the worker is declared unresponsive. Default 5.
	PongTimeoutMultiple int

	// MaxFrameSize caps inbound frame payloads. Zero selects the
	// protocol default.
	MaxFrameSize uint32

	// DevWatch restarts the IPC helper when its binary changes on disk.
	// Helper development only.
	DevWatch bool

	// Dispatch is the extension hook for commands outside the built-in
	// set. Return true when the command was consumed.
	Dispatch func(c *extproto.Command) bool

	// OnError overrides the default error hook invoked by the funnel
	// before teardown. It must not block or panic.
	OnError func(msg string)
}

// Endpoint manages one peer connection: its transport, sequence space,
// bridges and lifetime. All mutable state is guarded by a single mutex;
// the mutex is never held while blocking on a session gate.
type Endpoint struct {
	opts   Options
	logger *slog.Logger

	mu        sync.Mutex
	stopped   bool
	cancelled bool
	funneled  bool

	seqno    uint32
	lastPong time.Time

	pipes   *pipePair
	tcp     *tcpStream
	writeFn WriteFunc

	ipcPID int

	pingTimerID int

	httpSessionID uint32
	httpSessions  map[uint32]*httpSession

	ebListeners map[string]uint64

	devWatch *devWatcher

	wg sync.WaitGroup
}

// NewEndpoint creates an endpoint in the stopped state. Attach a
// transport with AttachTCP or RunIPC.
func NewEndpoint(opts Options) *Endpoint {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.PingInterval == 0 {
		opts.PingInterval = 5 * time.Second
	}
	if opts.PongTimeoutMultiple == 0 {
		opts.PongTimeoutMultiple = 5
	}

	return &Endpoint{
		opts:         opts,
		logger:       logger,
		stopped:      true,
		cancelled:    true,
		pingTimerID:  -1,
		httpSessions: make(map[uint32]*httpSession),
		ebListeners:  make(map[string]uint64),
	}
}

// AttachTCP attaches a connected TCP socket and starts the protocol
// engine. It fails when an IPC child or another socket is already live.
func (e *Endpoint) AttachTCP(conn net.Conn) error {
	e.mu.Lock()

	if e.ipcPID > 0 {
		e.mu.Unlock()
		e.logger.Error("tried to attach a TCP socket to an external endpoint that already has an IPC instance running")
		return ErrTransportConflict
	}
	if e.tcp != nil {
		e.mu.Unlock()
		return ErrTransportConflict
	}

	t := &tcpStream{conn: conn}
	e.tcp = t
	e.stopped = false
	e.cancelled = false
	e.funneled = false
	e.lastPong = time.Now()

	e.startWatchdogLocked()
	e.mu.Unlock()

	e.wg.Add(1)
	go e.readLoop(t)

	return nil
}

// SetWriteFunc installs a caller-provided outbound sink, used when the
// endpoint is hosted inside a larger connection multiplexer.
func (e *Endpoint) SetWriteFunc(fn WriteFunc) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.writeFn = fn
}

// Stopped reports whether the endpoint has been stopped.
func (e *Endpoint) Stopped() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stopped
}

// LastPong returns the time of the most recent PONG from the peer.
func (e *Endpoint) LastPong() time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastPong
}

// SendCommand assigns a sequence number if the command has none, frames
// it, and writes it to the active sink. It returns the assigned seqno, or
// 0 when the endpoint is stopped or the write failed.
func (e *Endpoint) SendCommand(c *extproto.Command) uint32 {
	e.mu.Lock()

	if e.stopped {
		e.mu.Unlock()
		return 0
	}

	if c.Seqno == 0 {
		e.seqno++
		if e.seqno == 0 {
			e.seqno = 1
		}
		c.Seqno = e.seqno
	}

	frame := extproto.EncodeFrame(c)

	// Pick the sink: write callback, then IPC pipe, then TCP socket.
	// The write happens synchronously under the mutex so frames from
	// concurrent senders never interleave.
	var err error
	switch {
	case e.writeFn != nil:
		err = e.writeFn(frame)
	case e.pipes != nil:
		_, err = e.pipes.Write(frame)
	case e.tcp != nil:
		_, err = e.tcp.Write(frame)
	default:
		e.mu.Unlock()
		e.logger.Error("external interface got an error writing packet, no connections")
		e.TriggerError(ErrNoSink.Error())
		return 0
	}

	cancelled := e.cancelled
	e.mu.Unlock()

	if err != nil {
		if cancelled || isCancelError(err) {
			return 0
		}
		e.logger.Error("external interface got an error writing a packet", "error", err)
		e.TriggerError("write failure")
		return 0
	}

	framesTx.Inc()
	bytesTx.Add(float64(len(frame)))

	return c.Seqno
}

// readLoop continuously reads frames from the transport, decodes and
// dispatches them. It exits silently on cancellation and funnels every
// other failure.
func (e *Endpoint) readLoop(t transport) {
	defer e.wg.Done()

	dec := extproto.NewDecoder(e.opts.MaxFrameSize)
	buf := make([]byte, 16*1024)

	for {
		n, err := t.Read(buf)

		if n > 0 {
			framesIn := 0
			bytesRx.Add(float64(n))
			dec.Write(buf[:n])

			for {
				cmd, derr := dec.Next()
				if derr != nil {
					e.logger.Error("external API handler got an invalid frame", "error", derr)
					protoErrors.WithLabelValues("invalid_frame").Inc()
					e.TriggerError(derr.Error())
					return
				}
				if cmd == nil {
					break
				}

				framesIn++
				if e.Stopped() {
					return
				}
				e.dispatch(cmd)
			}

			framesRx.Add(float64(framesIn))
		}

		if err != nil {
			e.mu.Lock()
			quiet := e.stopped || e.cancelled
			e.mu.Unlock()

			// Aborted reads during teardown exit without comment.
			if quiet {
				return
			}

			if errors.Is(err, io.EOF) {
				// Quiet about EOF.
				e.TriggerError("External socket closed")
				return
			}

			e.logger.Error("external API handler got error reading data", "error", err)
			e.TriggerError(err.Error())
			return
		}
	}
}

// dispatch routes one received command: built-ins first, then the
// extension hook, else a silent drop for forward compatibility.
func (e *Endpoint) dispatch(c *extproto.Command) {
	switch c.Command {
	case extproto.CmdMessage:
		e.handleMessage(c.Seqno, c.Content)
	case extproto.CmdPing:
		e.handlePing(c.Seqno, c.Content)
	case extproto.CmdPong:
		e.handlePong(c.Seqno, c.Content)
	case extproto.CmdShutdown:
		e.handleShutdown(c.Seqno, c.Content)
	case extproto.CmdHTTPRegisterURI:
		e.handleHTTPRegisterURI(c.Seqno, c.Content)
	case extproto.CmdHTTPResponse:
		e.handleHTTPResponse(c.Seqno, c.Content)
	case extproto.CmdHTTPAuthReq:
		e.handleHTTPAuthRequest(c.Seqno, c.Content)
	case extproto.CmdEventbusRegister:
		e.handleEventbusRegister(c.Seqno, c.Content)
	case extproto.CmdEventbusPublish:
		e.handleEventbusPublish(c.Seqno, c.Content)
	default:
		if e.opts.Dispatch != nil && e.opts.Dispatch(c) {
			return
		}
		e.logger.Debug("dispatch declined", "command", c.Command)
	}
}

// TriggerError funnels a runtime failure into teardown. Idempotent: only
// the first call per endpoint lifetime runs the error hook and close.
func (e *Endpoint) TriggerError(msg string) {
	e.mu.Lock()
	if e.stopped || e.funneled {
		e.mu.Unlock()
		return
	}
	e.funneled = true
	e.mu.Unlock()

	if e.opts.OnError != nil {
		e.opts.OnError(msg)
	} else {
		e.logger.Error("external interface error", "error", msg)
	}

	e.Close()
}

// Close tears the endpoint down: bridges drained, watchdog removed, the
// IPC child hard-killed, the socket closed, the write callback dropped.
// Safe to call multiple times; later calls find nothing left to do.
func (e *Endpoint) Close() {
	e.mu.Lock()

	e.stopped = true
	e.cancelled = true

	// Kill any eventbus listeners.
	if e.opts.EventBus != nil {
		for _, id := range e.ebListeners {
			e.opts.EventBus.RemoveListener(id)
		}
	}
	ebListenerGauge.Sub(float64(len(e.ebListeners)))
	clear(e.ebListeners)

	// Fail any active http proxy sessions and unlatch their handlers;
	// the suspended handler threads clean up their own map entries.
	for _, s := range e.httpSessions {
		s.con.ResponseStream().Cancel()
		s.gate.unlock(gateCancelled)
	}

	if e.pingTimerID >= 0 && e.opts.TimeTracker != nil {
		e.opts.TimeTracker.Cancel(e.pingTimerID)
	}
	e.pingTimerID = -1

	e.ipcKillLocked(true)

	if e.tcp != nil {
		e.tcp.Cancel()
		_ = e.tcp.Close()
		e.tcp = nil
	}

	if e.devWatch != nil {
		e.devWatch.stop()
		e.devWatch = nil
	}

	e.writeFn = nil

	e.mu.Unlock()
}

// startWatchdogLocked schedules the periodic ping and staleness check.
// Caller holds the endpoint mutex.
func (e *Endpoint) startWatchdogLocked() {
	if e.opts.TimeTracker == nil {
		return
	}
	e.pingTimerID = e.opts.TimeTracker.SchedulePeriodic(e.opts.PingInterval, e.watchdogTick)
}

// watchdogTick runs on the timer service: declare the worker dead when no
// PONG has arrived within the threshold, otherwise ping again.
func (e *Endpoint) watchdogTick() {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return
	}
	stale := time.Since(e.lastPong)
	threshold := e.opts.PingInterval * time.Duration(e.opts.PongTimeoutMultiple)
	e.mu.Unlock()

	if stale > threshold {
		e.TriggerError("External worker unresponsive")
		return
	}

	e.SendPing()
}

// isCancelError reports whether err is the result of Cancel/Close on a
// transport rather than a genuine I/O failure.
func isCancelError(err error) bool {
	return errors.Is(err, os.ErrDeadlineExceeded) ||
		errors.Is(err, os.ErrClosed) ||
		errors.Is(err, net.ErrClosed)
}

// errorf funnels a formatted handler failure.
func (e *Endpoint) errorf(format string, args ...any) {
	e.TriggerError(fmt.Sprintf(format, args...))
}
