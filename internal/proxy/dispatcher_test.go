package proxy

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/tidwall/gjson"

	"github.com/nghyane/dreamina-mux/internal/config"
	"github.com/nghyane/dreamina-mux/internal/pool"
	"github.com/nghyane/dreamina-mux/internal/provisioner"
	"github.com/nghyane/dreamina-mux/internal/registry"
	"github.com/nghyane/dreamina-mux/internal/store"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type testEnv struct {
	engine *gin.Engine
	store  *store.Store
	cfg    *config.Config
}

func newTestEnv(t *testing.T, upstreamURL string) *testEnv {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "proxy.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	cfg := config.NewDefaultConfig()
	cfg.UpstreamBaseURL = upstreamURL
	cfg.ProxyTimeout = "5s"

	selector := pool.NewSelector(st, cfg)
	prov := provisioner.NewClient(cfg)
	d := NewDispatcher(cfg, selector, prov)

	engine := gin.New()
	d.RegisterRoutes(engine)
	return &testEnv{engine: engine, store: st, cfg: cfg}
}

func (e *testEnv) addAccount(t *testing.T, email, session string) *store.Account {
	t.Helper()
	a := &store.Account{Email: email, Region: store.RegionUS, Session: session, Points: 100}
	if err := e.store.Create(context.Background(), a); err != nil {
		t.Fatalf("Create: %v", err)
	}
	return a
}

func (e *testEnv) do(method, path, body string, authorized bool) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if authorized {
		req.Header.Set("Authorization", "Bearer "+e.cfg.Snapshot().AdminPassword)
	}
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	e.engine.ServeHTTP(w, req)
	return w
}

func TestHandleRejectsBadCredential(t *testing.T) {
	env := newTestEnv(t, "http://unreachable.invalid")

	w := env.do(http.MethodPost, "/v1/images/generations", `{"model":"jimeng-4.0"}`, false)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("missing credential: status = %d, want 401", w.Code)
	}

	req := httptest.NewRequest(http.MethodPost, "/v1/images/generations", strings.NewReader(`{}`))
	req.Header.Set("Authorization", "Bearer wrong")
	w = httptest.NewRecorder()
	env.engine.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("wrong credential: status = %d, want 401", w.Code)
	}
}

func TestHandleRewritesUpstreamAuthorization(t *testing.T) {
	var gotAuth string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer upstream.Close()

	env := newTestEnv(t, upstream.URL)
	a := env.addAccount(t, "a@example.com", "tok-123")

	w := env.do(http.MethodPost, "/v1/images/generations", `{"model":"jimeng-4.0"}`, true)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	if gotAuth != "Bearer us-tok-123" {
		t.Errorf("upstream authorization = %q, want region-scoped session token", gotAuth)
	}

	got, _ := env.store.Get(context.Background(), a.ID)
	if got.UsageFor(registry.FamilyJimeng40) != 1 {
		t.Errorf("usage not recorded: %d", got.UsageFor(registry.FamilyJimeng40))
	}
	if got.LastSelectedAt == nil {
		t.Error("selection not stamped")
	}
}

func TestHandleAppliesModelAlias(t *testing.T) {
	var gotModel string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		buf := new(bytes.Buffer)
		_, _ = buf.ReadFrom(r.Body)
		gotModel = gjson.GetBytes(buf.Bytes(), "model").String()
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	env := newTestEnv(t, upstream.URL)
	env.cfg.ModelAliases = map[string]string{"jimeng-4.0": "jimeng-4.0-latest"}
	env.addAccount(t, "a@example.com", "tok")

	w := env.do(http.MethodPost, "/v1/images/generations", `{"model":"jimeng-4.0"}`, true)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if gotModel != "jimeng-4.0-latest" {
		t.Errorf("upstream model = %q, want aliased name", gotModel)
	}
}

func TestHandleFailsOverOnTransientStatus(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") == "Bearer us-bad" {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer upstream.Close()

	env := newTestEnv(t, upstream.URL)
	throttled := env.addAccount(t, "bad@example.com", "bad")
	env.addAccount(t, "good@example.com", "good")

	w := env.do(http.MethodPost, "/v1/images/generations", `{"model":"jimeng-4.0"}`, true)
	if w.Code != http.StatusOK {
		t.Fatalf("failover did not recover: status = %d, body = %s", w.Code, w.Body.String())
	}

	got, _ := env.store.Get(context.Background(), throttled.ID)
	if got.Status != store.StatusBanned {
		t.Errorf("throttled account status = %s, want banned", got.Status)
	}
	if got.ErrCount != 1 {
		t.Errorf("error count = %d, want 1", got.ErrCount)
	}
}

func TestHandleRelaysLastErrorWhenRetriesExhaust(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error":"upstream exploded"}`))
	}))
	defer upstream.Close()

	env := newTestEnv(t, upstream.URL)
	env.addAccount(t, "only@example.com", "tok")

	w := env.do(http.MethodPost, "/v1/images/generations", `{"model":"jimeng-4.0"}`, true)
	if w.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want last upstream error relayed", w.Code)
	}
	if !strings.Contains(w.Body.String(), "upstream exploded") {
		t.Errorf("body = %s, want upstream error body", w.Body.String())
	}
}

func TestHandlePoolExhausted(t *testing.T) {
	env := newTestEnv(t, "http://unreachable.invalid")

	w := env.do(http.MethodPost, "/v1/images/generations", `{"model":"jimeng-4.0"}`, true)
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", w.Code)
	}
	if !strings.Contains(w.Body.String(), "pool_exhausted") {
		t.Errorf("body = %s, want pool_exhausted code", w.Body.String())
	}
}

func TestHandleRelaysPermanentErrorWithoutBan(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"bad prompt"}`))
	}))
	defer upstream.Close()

	env := newTestEnv(t, upstream.URL)
	a := env.addAccount(t, "a@example.com", "tok")

	w := env.do(http.MethodPost, "/v1/images/generations", `{"model":"jimeng-4.0"}`, true)
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400 passthrough", w.Code)
	}

	got, _ := env.store.Get(context.Background(), a.ID)
	if got.Status != store.StatusActive {
		t.Errorf("account penalized for caller error: status = %s", got.Status)
	}
	if got.UsageFor(registry.FamilyJimeng40) != 0 {
		t.Error("usage counted for failed request")
	}
}

func TestHandleReportsClientDisconnect(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Simulate the caller dropping mid-flight, then hold the upstream
		// call open until the proxy aborts it.
		cancel()
		<-r.Context().Done()
	}))
	defer upstream.Close()

	env := newTestEnv(t, upstream.URL)
	a := env.addAccount(t, "gone@example.com", "tok")

	req := httptest.NewRequest(http.MethodPost, "/v1/images/generations",
		strings.NewReader(`{"model":"jimeng-4.0"}`)).WithContext(ctx)
	req.Header.Set("Authorization", "Bearer "+env.cfg.Snapshot().AdminPassword)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	env.engine.ServeHTTP(w, req)

	if w.Code != statusClientClosedRequest {
		t.Errorf("status = %d, want %d for canceled caller", w.Code, statusClientClosedRequest)
	}
	got, _ := env.store.Get(context.Background(), a.ID)
	if got.Status != store.StatusActive {
		t.Errorf("canceled request penalized the account: status = %s", got.Status)
	}
	if got.UsageFor(registry.FamilyJimeng40) != 0 {
		t.Error("usage counted for a request the caller abandoned")
	}
}

func TestExtractModel(t *testing.T) {
	if got := extractModel(http.MethodPost, []byte(`{"model":"video-3.0"}`)); got != "video-3.0" {
		t.Errorf("extractModel = %q", got)
	}
	if got := extractModel(http.MethodGet, []byte(`{"model":"video-3.0"}`)); got != "" {
		t.Errorf("GET should not carry a model, got %q", got)
	}
	if got := extractModel(http.MethodPost, nil); got != "" {
		t.Errorf("empty body should yield empty model, got %q", got)
	}
}
