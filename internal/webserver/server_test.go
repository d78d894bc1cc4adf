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
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestRouteRegistrationAndMatch(t *testing.T) {
	s := NewServer(Config{})

	err := s.RegisterRoute("/status", []string{"GET"}, RoleLogon, func(con *Connection) {
		_ = con.SetStatus(200)
		_ = con.ResponseStream().PutData([]byte("alive"))
		con.ResponseStream().Complete()
	})
	if err != nil {
		t.Fatalf("RegisterRoute() error = %v", err)
	}

	ts := httptest.NewServer(s)
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/status")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	if resp.StatusCode != 200 || string(body) != "alive" {
		t.Errorf("GET /status = %d %q", resp.StatusCode, body)
	}

	// Unregistered path and wrong method both 404.
	resp, _ = http.Get(ts.URL + "/nope")
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("GET /nope = %d, want 404", resp.StatusCode)
	}

	resp, _ = http.Post(ts.URL+"/status", "text/plain", nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("POST /status = %d, want 404", resp.StatusCode)
	}
}

func TestDuplicateRouteRejected(t *testing.T) {
	s := NewServer(Config{})

	noop := func(con *Connection) {}

	if err := s.RegisterRoute("/x", []string{"GET"}, RoleLogon, noop); err != nil {
		t.Fatal(err)
	}
	if err := s.RegisterRoute("/x", []string{"GET"}, RoleLogon, noop); err != ErrRouteExists {
		t.Errorf("second RegisterRoute() error = %v, want ErrRouteExists", err)
	}

	// Same path, different method is fine.
	if err := s.RegisterRoute("/x", []string{"POST"}, RoleLogon, noop); err != nil {
		t.Errorf("POST RegisterRoute() error = %v", err)
	}

	// Removal frees the slot for re-registration.
	s.RemoveRoute("/x", []string{"GET"})
	if err := s.RegisterRoute("/x", []string{"GET"}, RoleLogon, noop); err != nil {
		t.Errorf("re-register after RemoveRoute() error = %v", err)
	}
}

func TestAuthRequiredWhenEnabled(t *testing.T) {
	s := NewServer(Config{AuthSecret: "unit-secret"})

	_ = s.RegisterRoute("/secure", []string{"GET"}, RoleLogon, func(con *Connection) {
		_ = con.SetStatus(200)
		con.ResponseStream().Complete()
	})

	ts := httptest.NewServer(s)
	defer ts.Close()

	// No token: rejected.
	resp, err := http.Get(ts.URL + "/secure")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("no-token GET = %d, want 401", resp.StatusCode)
	}

	// Minted token: accepted.
	token, err := s.CreateAuth("external", RoleLogon, time.Minute)
	if err != nil {
		t.Fatalf("CreateAuth() error = %v", err)
	}

	req, _ := http.NewRequest(http.MethodGet, ts.URL+"/secure", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("token GET = %d, want 200", resp.StatusCode)
	}

	// Garbage token: rejected.
	req.Header.Set("Authorization", "Bearer not-a-token")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("bad-token GET = %d, want 401", resp.StatusCode)
	}
}

func TestTokenQueryParameter(t *testing.T) {
	s := NewServer(Config{AuthSecret: "unit-secret"})

	_ = s.RegisterRoute("/q", []string{"GET"}, RoleLogon, func(con *Connection) {
		_ = con.SetStatus(200)
		con.ResponseStream().Complete()
	})

	ts := httptest.NewServer(s)
	defer ts.Close()

	token, err := s.CreateAuth("external", RoleLogon, time.Minute)
	if err != nil {
		t.Fatal(err)
	}

	resp, err := http.Get(ts.URL + "/q?KISMET=" + token)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("query-token GET = %d, want 200", resp.StatusCode)
	}
}

func TestCreateTokenRoleEnforcement(t *testing.T) {
	a := NewAuthenticator([]byte("unit-secret"), 0)

	logon, err := a.CreateToken("external", RoleLogon, 0)
	if err != nil {
		t.Fatal(err)
	}
	admin, err := a.CreateToken("console", RoleAdmin, 0)
	if err != nil {
		t.Fatal(err)
	}

	if err := a.ValidateToken(logon, RoleLogon); err != nil {
		t.Errorf("logon token against logon role: %v", err)
	}
	if err := a.ValidateToken(logon, RoleAdmin); err == nil {
		t.Error("logon token accepted for admin role")
	}
	if err := a.ValidateToken(admin, RoleLogon); err != nil {
		t.Errorf("admin token against logon role: %v", err)
	}
}

func TestExpiredTokenRejected(t *testing.T) {
	a := NewAuthenticator([]byte("unit-secret"), 0)

	token, err := a.CreateToken("external", RoleLogon, time.Millisecond)
	if err != nil {
		t.Fatal(err)
	}

	time.Sleep(50 * time.Millisecond)

	if err := a.ValidateToken(token, RoleLogon); err == nil {
		t.Error("expired token accepted")
	}
}
