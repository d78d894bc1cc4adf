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
	"net"
	"os"
	"time"
)

// transport is the abstract duplex byte channel under an endpoint: either
// the pipe pair to an IPC child or a TCP socket.
type transport interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)

	// Cancel aborts pending reads and writes. Idempotent.
	Cancel()

	// Close releases the underlying descriptors without blocking.
	Close() error
}

// pipePair is the IPC transport: the parent's ends of the two half-duplex
// pipes shared with the helper child.
type pipePair struct {
	r *os.File // child stdout direction, parent reads
	w *os.File // child stdin direction, parent writes
}

func (p *pipePair) Read(b []byte) (int, error)  { return p.r.Read(b) }
func (p *pipePair) Write(b []byte) (int, error) { return p.w.Write(b) }

func (p *pipePair) Cancel() {
	// A deadline in the past aborts in-flight reads and writes.
	past := time.Unix(0, 0)
	_ = p.r.SetReadDeadline(past)
	_ = p.w.SetWriteDeadline(past)
}

func (p *pipePair) Close() error {
	err := p.r.Close()
	if werr := p.w.Close(); err == nil {
		err = werr
	}
	return err
}

// tcpStream is the TCP transport.
type tcpStream struct {
	conn net.Conn
}

func (t *tcpStream) Read(b []byte) (int, error)  { return t.conn.Read(b) }
func (t *tcpStream) Write(b []byte) (int, error) { return t.conn.Write(b) }

func (t *tcpStream) Cancel() {
	_ = t.conn.SetDeadline(time.Unix(0, 0))
}

func (t *tcpStream) Close() error {
	return t.conn.Close()
}
