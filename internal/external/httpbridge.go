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
	"errors"

	"github.com/Sophic-Technical-Solutions/kismet/internal/extproto"
	"github.com/Sophic-Technical-Solutions/kismet/internal/webserver"
)

// httpSession is one suspended proxied request: the HTTP connection plus
// the gate its handler goroutine blocks on until the worker answers.
type httpSession struct {
	con  *webserver.Connection
	gate *gate
}

// handleHTTPRegisterURI registers a daemon web route that proxies matching
// requests to the worker.
func (e *Endpoint) handleHTTPRegisterURI(seqno uint32, content []byte) {
	reg, err := extproto.UnmarshalHTTPRegisterURI(content)
	if err != nil {
		e.logger.Error("external interface got an unparsable HTTPREGISTERURI")
		e.TriggerError("Invalid HTTPREGISTERURI")
		return
	}

	if e.opts.Web == nil {
		e.logger.Error("external interface got HTTPREGISTERURI but no web server is attached")
		e.TriggerError("Invalid HTTPREGISTERURI")
		return
	}

	err = e.opts.Web.RegisterRoute(reg.URI, []string{reg.Method}, webserver.RoleLogon,
		func(con *webserver.Connection) {
			e.proxyRequest(con)
		})
	if err != nil {
		e.logger.Error("external interface failed registering proxied route",
			"uri", reg.URI, "error", err)
		e.TriggerError("Invalid HTTPREGISTERURI")
		return
	}

	e.logger.Debug("registered proxied route", "uri", reg.URI, "method", reg.Method)
}

// proxyRequest runs on the HTTP handler goroutine for one request against
// a worker-registered route. It creates a session, forwards the request
// over the channel, and blocks on the session gate until the worker
// completes the response, the client disconnects, or the endpoint closes.
// The endpoint mutex is never held across the gate wait.
func (e *Endpoint) proxyRequest(con *webserver.Connection) {
	e.mu.Lock()

	if e.stopped {
		e.mu.Unlock()
		con.ResponseStream().Cancel()
		return
	}

	id := e.httpSessionID
	e.httpSessionID++

	s := &httpSession{con: con, gate: newGate()}
	e.httpSessions[id] = s
	httpSessionGauge.Inc()

	vars := con.HTTPVariables()

	e.mu.Unlock()

	e.sendHTTPRequest(id, con.URI(), con.Verb(), vars)

	con.SetClosureCb(func() { s.gate.unlock(gateCancelled) })

	// Block until the worker answers or the session is torn down.
	s.gate.wait()

	e.mu.Lock()
	if _, ok := e.httpSessions[id]; ok {
		delete(e.httpSessions, id)
		httpSessionGauge.Dec()
	}
	e.mu.Unlock()
}

// handleHTTPResponse applies a worker response to its suspended session:
// headers first, then status, then body, then optional completion.
func (e *Endpoint) handleHTTPResponse(seqno uint32, content []byte) {
	resp, err := extproto.UnmarshalHTTPResponse(content)
	if err != nil {
		e.logger.Error("external interface got an unparsable HTTPRESPONSE")
		e.TriggerError("Invalid HTTPRESPONSE")
		return
	}

	e.mu.Lock()
	s, ok := e.httpSessions[resp.ReqID]
	e.mu.Unlock()

	if !ok {
		e.logger.Error("external interface got a HTTPRESPONSE for an unknown session",
			"req_id", resp.ReqID)
		e.TriggerError("Invalid HTTPRESPONSE session")
		return
	}

	// Headers have to land before any data goes out.
	for _, h := range resp.HeaderContent {
		if err := s.con.AppendHeader(h.Header, h.Content); err != nil {
			e.logger.Error("external interface failed setting HTTPRESPONSE headers", "error", err)
			e.TriggerError("Invalid HTTPRESPONSE header block")
			return
		}
	}

	if resp.Resultcode != nil {
		if err := s.con.SetStatus(int(*resp.Resultcode)); err != nil {
			e.logger.Error("external interface failed setting HTTPRESPONSE status code", "error", err)
			e.TriggerError("invalid HTTPRESPONSE status code")
			return
		}
	}

	if len(resp.Content) > 0 {
		if err := s.con.ResponseStream().PutData(resp.Content); err != nil {
			e.logger.Debug("proxied response write failed", "req_id", resp.ReqID, "error", err)
		}
	}

	if resp.CloseResponse != nil && *resp.CloseResponse {
		s.con.ResponseStream().Complete()
		s.gate.unlock(gateComplete)
	}
}

// handleHTTPAuthRequest mints a session token for the worker.
func (e *Endpoint) handleHTTPAuthRequest(seqno uint32, content []byte) {
	if _, err := extproto.UnmarshalHTTPAuthTokenRequest(content); err != nil {
		e.logger.Error("external interface got an unparsable HTTPAUTHREQ")
		e.TriggerError("Invalid HTTPAUTHREQ")
		return
	}

	if e.opts.Web == nil {
		e.logger.Error("external interface got HTTPAUTHREQ but no web server is attached")
		e.TriggerError("Invalid HTTPAUTHREQ")
		return
	}

	token, err := e.opts.Web.CreateAuth("external", webserver.RoleLogon, 0)
	if err != nil {
		if errors.Is(err, webserver.ErrAuthDisabled) {
			// No signing secret configured; the worker gets an empty
			// token and every route is open anyway.
			e.logger.Warn("auth token requested but authentication is disabled")
			e.sendHTTPAuth("")
			return
		}
		e.logger.Error("external interface failed creating auth token", "error", err)
		e.TriggerError("Invalid HTTPAUTHREQ")
		return
	}

	e.sendHTTPAuth(token)
}

// sendHTTPRequest forwards a proxied request to the worker.
func (e *Endpoint) sendHTTPRequest(reqID uint32, uri, method string, vars map[string]string) uint32 {
	req := &extproto.HTTPRequest{
		ReqID:  reqID,
		URI:    uri,
		Method: method,
	}
	for k, v := range vars {
		req.VariableData = append(req.VariableData, extproto.HTTPVariableData{Field: k, Content: v})
	}

	return e.SendCommand(&extproto.Command{
		Command: extproto.CmdHTTPRequest,
		Content: req.Marshal(),
	})
}

// sendHTTPAuth returns a minted session token to the worker.
func (e *Endpoint) sendHTTPAuth(token string) uint32 {
	return e.SendCommand(&extproto.Command{
		Command: extproto.CmdHTTPAuth,
		Content: (&extproto.HTTPAuthToken{Token: token}).Marshal(),
	})
}
