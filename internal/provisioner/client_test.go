package provisioner

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/nghyane/dreamina-mux/internal/config"
	"github.com/nghyane/dreamina-mux/internal/json"
	"github.com/nghyane/dreamina-mux/internal/store"
)

func newTestClient(url string) *Client {
	cfg := config.NewDefaultConfig()
	cfg.RegisterAPI.URL = url
	cfg.RegisterAPI.Key = "api-key"
	return NewClient(cfg)
}

func TestConfigured(t *testing.T) {
	if NewClient(config.NewDefaultConfig()).Configured() {
		t.Error("client without register URL reports configured")
	}
	if !newTestClient("http://example.com").Configured() {
		t.Error("client with register URL reports unconfigured")
	}
}

func TestUnconfiguredCallsReturnErrNotConfigured(t *testing.T) {
	c := NewClient(config.NewDefaultConfig())
	account := &store.Account{Email: "a@x.com", Region: store.RegionUS}

	if _, err := c.Register(context.Background()); !errors.Is(err, ErrNotConfigured) {
		t.Errorf("Register: %v", err)
	}
	if _, err := c.RefreshSession(context.Background(), account); !errors.Is(err, ErrNotConfigured) {
		t.Errorf("RefreshSession: %v", err)
	}
	if _, err := c.QueryCredits(context.Background(), account); !errors.Is(err, ErrNotConfigured) {
		t.Errorf("QueryCredits: %v", err)
	}
}

func TestQueryCreditsRefusesCNBeforeAnyIO(t *testing.T) {
	// The URL is configured but must never be hit for CN accounts.
	called := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	cn := &store.Account{Email: "cn@x.com", Region: store.RegionCN, Session: "s"}
	if _, err := c.QueryCredits(context.Background(), cn); !errors.Is(err, ErrCreditExemptRegion) {
		t.Fatalf("expected ErrCreditExemptRegion, got %v", err)
	}
	if called {
		t.Error("credit query reached the remote service for a CN account")
	}
}

func TestQueryCredits(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/points" {
			t.Errorf("path = %s, want /points", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer api-key" {
			t.Errorf("authorization = %q", got)
		}
		var req map[string]string
		_ = json.NewDecoder(r.Body).Decode(&req)
		if req["session_id"] != "sess" || req["region"] != "us" {
			t.Errorf("unexpected payload: %v", req)
		}
		_, _ = w.Write([]byte(`{"points": 73.5}`))
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	account := &store.Account{Email: "a@x.com", Region: store.RegionUS, Session: "sess"}
	points, err := c.QueryCredits(context.Background(), account)
	if err != nil {
		t.Fatalf("QueryCredits: %v", err)
	}
	if points != 73.5 {
		t.Errorf("points = %v, want 73.5", points)
	}
}

func TestRefreshSession(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/login" {
			t.Errorf("path = %s, want /login", r.URL.Path)
		}
		_, _ = w.Write([]byte(`{"session_id": "fresh-token"}`))
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	account := &store.Account{Email: "a@x.com", Password: "pw", Region: store.RegionHK}
	session, err := c.RefreshSession(context.Background(), account)
	if err != nil {
		t.Fatalf("RefreshSession: %v", err)
	}
	if session != "fresh-token" {
		t.Errorf("session = %q", session)
	}
}

func TestRegisterDefaultsCredits(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/register" {
			t.Errorf("path = %s, want /register", r.URL.Path)
		}
		_, _ = w.Write([]byte(`{"email":"new@x.com","password":"pw","session_id":"s","region":"us"}`))
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	reg, err := c.Register(context.Background())
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if reg.Email != "new@x.com" || reg.Session != "s" {
		t.Errorf("unexpected registration: %+v", reg)
	}
	if reg.Credits != 120 {
		t.Errorf("credits = %v, want default 120", reg.Credits)
	}
}

func TestRegisterRejectsIncompleteResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"email":"new@x.com"}`))
	}))
	defer srv.Close()

	if _, err := newTestClient(srv.URL).Register(context.Background()); err == nil {
		t.Error("expected error for registration missing session")
	}
}
