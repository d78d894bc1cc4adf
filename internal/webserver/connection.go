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

package webserver

import (
	"errors"
	"net/http"
	"sync"
)

var (
	// ErrHeadersSent is returned when headers are appended after the
	// first body byte has been written.
	ErrHeadersSent = errors.New("webserver: headers already sent")

	// ErrStreamDone is returned when data is written to a completed or
	// cancelled response stream.
	ErrStreamDone = errors.New("webserver: response stream closed")
)

// Connection adapts one in-flight HTTP request for a route handler. Its
// response side may be driven from a goroutine other than the handler's,
// as long as the handler has not returned; all methods are safe for
// concurrent use.
type Connection struct {
	w http.ResponseWriter
	r *http.Request

	stream *ResponseStream

	mu        sync.Mutex
	closureCb func()
	watching  bool
	finished  chan struct{}
}

func newConnection(w http.ResponseWriter, r *http.Request) *Connection {
	c := &Connection{
		w:        w,
		r:        r,
		finished: make(chan struct{}),
	}
	c.stream = &ResponseStream{con: c}
	return c
}

// URI returns the request path.
func (c *Connection) URI() string { return c.r.URL.Path }

// Verb returns the request method.
func (c *Connection) Verb() string { return c.r.Method }

// HTTPVariables returns the request's query and form variables flattened
// to single values.
func (c *Connection) HTTPVariables() map[string]string {
	_ = c.r.ParseForm()

	vars := make(map[string]string, len(c.r.Form))
	for k, v := range c.r.Form {
		if len(v) > 0 {
			vars[k] = v[0]
		}
	}
	return vars
}

// AppendHeader adds a response header. Headers must precede any body data.
func (c *Connection) AppendHeader(header, content string) error {
	c.stream.mu.Lock()
	defer c.stream.mu.Unlock()

	if c.stream.wroteBody {
		return ErrHeadersSent
	}
	c.w.Header().Add(header, content)
	return nil
}

// SetStatus sets the response status code. Like headers, the status must
// precede any body data; after the first body byte it is a no-op error.
func (c *Connection) SetStatus(code int) error {
	c.stream.mu.Lock()
	defer c.stream.mu.Unlock()

	if c.stream.wroteBody {
		return ErrHeadersSent
	}
	c.stream.status = code
	return nil
}

// ResponseStream returns the streaming response writer for this request.
func (c *Connection) ResponseStream() *ResponseStream { return c.stream }

// SetClosureCb registers a callback invoked when the client disconnects
// before the response completes.
func (c *Connection) SetClosureCb(cb func()) {
	c.mu.Lock()
	c.closureCb = cb
	startWatch := !c.watching
	c.watching = true
	c.mu.Unlock()

	if !startWatch {
		return
	}

	go func() {
		select {
		case <-c.r.Context().Done():
			c.mu.Lock()
			cb := c.closureCb
			c.mu.Unlock()
			if cb != nil {
				cb()
			}
		case <-c.finished:
		}
	}()
}

// finish releases the disconnect watcher after the handler returns.
func (c *Connection) finish() {
	close(c.finished)
}

// ResponseStream writes response data incrementally. The first PutData
// flushes the status line and headers.
type ResponseStream struct {
	con *Connection

	mu        sync.Mutex
	status    int
	wroteBody bool
	done      bool
	cancelled bool
}

// PutData writes body bytes, sending headers and status first if they have
// not gone out yet.
func (s *ResponseStream) PutData(p []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.done || s.cancelled {
		return ErrStreamDone
	}

	if !s.wroteBody {
		if s.status != 0 {
			s.con.w.WriteHeader(s.status)
		}
		s.wroteBody = true
	}

	if _, err := s.con.w.Write(p); err != nil {
		return err
	}
	if f, ok := s.con.w.(http.Flusher); ok {
		f.Flush()
	}
	return nil
}

// Complete marks the response finished. A response with no body still
// sends its status and headers.
func (s *ResponseStream) Complete() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.done || s.cancelled {
		return
	}
	if !s.wroteBody && s.status != 0 {
		s.con.w.WriteHeader(s.status)
		s.wroteBody = true
	}
	s.done = true
}

// Cancel abandons the response. Nothing further is written; the server
// closes the connection when the handler returns.
func (s *ResponseStream) Cancel() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.done {
		return
	}
	s.cancelled = true
	if !s.wroteBody {
		// Nothing was sent; surface the failure to the client.
		s.con.w.WriteHeader(http.StatusBadGateway)
		s.wroteBody = true
	}
}

// Cancelled reports whether the stream was cancelled.
func (s *ResponseStream) Cancelled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancelled
}
