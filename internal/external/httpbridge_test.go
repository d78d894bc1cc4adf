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
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Sophic-Technical-Solutions/kismet/internal/extproto"
	"github.com/Sophic-Technical-Solutions/kismet/internal/webserver"
)

// httpBridgeFixture is an endpoint wired to a live webserver and a peer.
type httpBridgeFixture struct {
	endpoint *Endpoint
	peer     *testPeer
	web      *webserver.Server
	ts       *httptest.Server
}

func newHTTPBridgeFixture(t *testing.T) *httpBridgeFixture {
	t.Helper()

	web := webserver.NewServer(webserver.Config{})
	ts := httptest.NewServer(web)
	t.Cleanup(ts.Close)

	e, peer := newTestEndpoint(t, Options{Web: web})

	return &httpBridgeFixture{endpoint: e, peer: peer, web: web, ts: ts}
}

// registerURI has the worker register a proxied route, then uses a
// PING/PONG round trip as an ordering barrier: commands dispatch in
// arrival order, so once the PONG comes back the registration has landed.
func (f *httpBridgeFixture) registerURI(t *testing.T, uri, method string) {
	t.Helper()

	f.peer.send(&extproto.Command{
		Command: extproto.CmdHTTPRegisterURI,
		Seqno:   100,
		Content: (&extproto.HTTPRegisterURI{URI: uri, Method: method}).Marshal(),
	})

	f.peer.send(&extproto.Command{
		Command: extproto.CmdPing,
		Seqno:   101,
		Content: (&extproto.Ping{}).Marshal(),
	})
	f.peer.expect(extproto.CmdPong, 2*time.Second)
}

func TestHTTPProxyHappyPath(t *testing.T) {
	f := newHTTPBridgeFixture(t)

	f.registerURI(t, "/x", "GET")

	// Issue the client request; the handler suspends until the worker
	// answers, so run it on its own goroutine.
	type result struct {
		status int
		body   string
		err    error
	}
	resCh := make(chan result, 1)

	go func() {
		resp, err := http.Get(f.ts.URL + "/x?a=1")
		if err != nil {
			resCh <- result{err: err}
			return
		}
		defer resp.Body.Close()
		body, _ := io.ReadAll(resp.Body)
		resCh <- result{status: resp.StatusCode, body: string(body)}
	}()

	// The worker sees the proxied request.
	reqCmd := f.peer.expect(extproto.CmdHTTPRequest, 2*time.Second)
	httpReq, err := extproto.UnmarshalHTTPRequest(reqCmd.Content)
	require.NoError(t, err)

	assert.Equal(t, uint32(0), httpReq.ReqID)
	assert.Equal(t, "/x", httpReq.URI)
	assert.Equal(t, "GET", httpReq.Method)
	require.Len(t, httpReq.VariableData, 1)
	assert.Equal(t, "a", httpReq.VariableData[0].Field)
	assert.Equal(t, "1", httpReq.VariableData[0].Content)

	// The worker completes the response.
	code := uint32(200)
	closeResp := true
	f.peer.send(&extproto.Command{
		Command: extproto.CmdHTTPResponse,
		Seqno:   2,
		Content: (&extproto.HTTPResponse{
			ReqID:         0,
			Resultcode:    &code,
			Content:       []byte("ok"),
			CloseResponse: &closeResp,
		}).Marshal(),
	})

	select {
	case res := <-resCh:
		require.NoError(t, res.err)
		assert.Equal(t, http.StatusOK, res.status)
		assert.Equal(t, "ok", res.body)
	case <-time.After(2 * time.Second):
		t.Fatal("client request never completed")
	}

	// The session map drains once the handler resumes.
	waitForEmptySessions(t, f.endpoint)
}

func TestHTTPProxyHeadersBeforeBody(t *testing.T) {
	f := newHTTPBridgeFixture(t)

	f.registerURI(t, "/hdr", "GET")

	resCh := make(chan *http.Response, 1)
	go func() {
		resp, err := http.Get(f.ts.URL + "/hdr")
		if err != nil {
			resCh <- nil
			return
		}
		resCh <- resp
	}()

	f.peer.expect(extproto.CmdHTTPRequest, 2*time.Second)

	// Headers, status, and body split across two messages for one req_id.
	code := uint32(201)
	f.peer.send(&extproto.Command{
		Command: extproto.CmdHTTPResponse,
		Seqno:   2,
		Content: (&extproto.HTTPResponse{
			ReqID: 0,
			HeaderContent: []extproto.HTTPHeader{
				{Header: "Content-Type", Content: "text/plain"},
				{Header: "X-Helper", Content: "probe"},
			},
			Resultcode: &code,
			Content:    []byte("part1 "),
		}).Marshal(),
	})

	closeResp := true
	f.peer.send(&extproto.Command{
		Command: extproto.CmdHTTPResponse,
		Seqno:   3,
		Content: (&extproto.HTTPResponse{
			ReqID:         0,
			Content:       []byte("part2"),
			CloseResponse: &closeResp,
		}).Marshal(),
	})

	select {
	case resp := <-resCh:
		require.NotNil(t, resp)
		defer resp.Body.Close()
		body, _ := io.ReadAll(resp.Body)

		assert.Equal(t, 201, resp.StatusCode)
		assert.Equal(t, "text/plain", resp.Header.Get("Content-Type"))
		assert.Equal(t, "probe", resp.Header.Get("X-Helper"))
		assert.Equal(t, "part1 part2", string(body))
	case <-time.After(2 * time.Second):
		t.Fatal("client request never completed")
	}
}

func TestHTTPProxyClientAbort(t *testing.T) {
	f := newHTTPBridgeFixture(t)

	f.registerURI(t, "/slow", "GET")

	ctx, cancel := context.WithCancel(context.Background())

	errCh := make(chan error, 1)
	go func() {
		req, _ := http.NewRequestWithContext(ctx, http.MethodGet, f.ts.URL+"/slow", nil)
		_, err := http.DefaultClient.Do(req)
		errCh <- err
	}()

	f.peer.expect(extproto.CmdHTTPRequest, 2*time.Second)

	// The client gives up before the worker ever answers.
	cancel()

	select {
	case err := <-errCh:
		require.Error(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("aborted client request never returned")
	}

	waitForEmptySessions(t, f.endpoint)
}

func TestHTTPProxyUnblocksOnClose(t *testing.T) {
	f := newHTTPBridgeFixture(t)

	f.registerURI(t, "/hang", "GET")

	done := make(chan struct{})
	go func() {
		resp, err := http.Get(f.ts.URL + "/hang")
		if err == nil {
			resp.Body.Close()
		}
		close(done)
	}()

	f.peer.expect(extproto.CmdHTTPRequest, 2*time.Second)

	// Teardown must unlatch the suspended handler within bounded time.
	f.endpoint.Close()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("suspended handler never unblocked after Close")
	}

	waitForEmptySessions(t, f.endpoint)
}

func TestHTTPResponseUnknownSessionFunnels(t *testing.T) {
	rec := &errorRecorder{}

	web := webserver.NewServer(webserver.Config{})
	_, peer := newTestEndpoint(t, Options{Web: web, OnError: rec.hook})

	closeResp := true
	peer.send(&extproto.Command{
		Command: extproto.CmdHTTPResponse,
		Seqno:   1,
		Content: (&extproto.HTTPResponse{ReqID: 42, CloseResponse: &closeResp}).Marshal(),
	})

	rec.waitFor(t, "Invalid HTTPRESPONSE session", 2*time.Second)
}

func TestHTTPAuthRequest(t *testing.T) {
	web := webserver.NewServer(webserver.Config{AuthSecret: "test-secret"})
	_, peer := newTestEndpoint(t, Options{Web: web})

	peer.send(&extproto.Command{
		Command: extproto.CmdHTTPAuthReq,
		Seqno:   1,
		Content: (&extproto.HTTPAuthTokenRequest{}).Marshal(),
	})

	authCmd := peer.expect(extproto.CmdHTTPAuth, 2*time.Second)

	tok, err := extproto.UnmarshalHTTPAuthToken(authCmd.Content)
	require.NoError(t, err)
	require.NotEmpty(t, tok.Token)
}

// waitForEmptySessions waits for every proxy session to be reaped.
func waitForEmptySessions(t *testing.T, e *Endpoint) {
	t.Helper()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		e.mu.Lock()
		n := len(e.httpSessions)
		e.mu.Unlock()
		if n == 0 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("http proxy sessions never drained")
}
