package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"fogbin/cfg"
	"fogbin/pkg/domain"
	"fogbin/pkg/kms"
	"fogbin/svc/auth"
	"fogbin/svc/cache"
	"fogbin/svc/db"
	"fogbin/svc/notify"
	"fogbin/svc/svc"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type testServer struct {
	srv   *Server
	clock *clock
	store db.Store
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	t.Setenv("VAULT_ADDR", "")
	t.Setenv("AWS_REGION", "")
	t.Setenv("KMS_LOCAL_KEY", "AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA=")

	store, err := db.NewSQLiteWithConfig(filepath.Join(t.TempDir(), "api.db"), 4, 2, 2*time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	adapter, err := kms.NewAdapter(context.Background())
	require.NoError(t, err)
	sealer := kms.NewSealer(adapter, kms.NewKEKCache(adapter, time.Minute))
	t.Cleanup(sealer.Stop)

	hasher, err := auth.NewHasher(1, 1024, 1, bytes.Repeat([]byte("p"), 32))
	require.NoError(t, err)
	require.NoError(t, hasher.Start(2))
	t.Cleanup(hasher.Stop)

	lru, err := cache.NewLRU(100)
	require.NoError(t, err)
	clk := &clock{now: time.Now().UTC().Truncate(time.Second)}
	life := svc.NewLifecycle(store, cache.NewChain(lru), cache.NewTombstones(100, time.Hour), notify.Discard{},
		svc.LifecycleOptions{Clock: clk.Now})
	paste := svc.NewPaste(life, auth.NewGate(hasher, 0), sealer, svc.PasteOptions{
		MaxPasteSize: 1024,
		TTL:          domain.NewTTLMenu(domain.DefaultTTLPresets, domain.DefaultTTLMinutes),
	})

	c := &cfg.Cfg{
		Port:           "0",
		Environment:    "test",
		MaxPasteSize:   1024,
		ContextTimeout: 5 * time.Second,
		AllowedOrigins: []string{"https://fogbin.example"},
	}
	return &testServer{srv: NewServer(c, paste, store, nil), clock: clk, store: store}
}

func (ts *testServer) do(t *testing.T, method, path string, body interface{}, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		req = httptest.NewRequest(method, path, bytes.NewReader(raw))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	ts.srv.ServeHTTP(rec, req)
	return rec
}

func (ts *testServer) create(t *testing.T, req CreateReq) CreateResp {
	t.Helper()
	rec := ts.do(t, http.MethodPost, "/pastes", req, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var resp CreateResp
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp
}

func errBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]string {
	t.Helper()
	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

func TestCreateAndReadRaw(t *testing.T) {
	ts := newTestServer(t)
	resp := ts.create(t, CreateReq{Content: "fmt.Println(1)", Language: "Go", TTLMinutes: 10})
	assert.Len(t, resp.ID, 8)
	assert.True(t, resp.ExpiresAt.Equal(ts.clock.Now().Add(10*time.Minute)))

	rec := ts.do(t, http.MethodGet, "/pastes/"+resp.ID+"/raw", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "fmt.Println(1)", rec.Body.String())
	assert.Equal(t, "text/plain; charset=utf-8", rec.Header().Get("Content-Type"))
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	rec = ts.do(t, http.MethodGet, "/pastes/"+resp.ID+"/meta", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var view domain.MetaView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &view))
	assert.Equal(t, "go", view.Language)
	assert.False(t, view.PasswordPresent)
	assert.NotContains(t, rec.Body.String(), "password_hash")
}

func TestCreate_Validation(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPost, "/pastes", CreateReq{Content: "   "}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "content required", errBody(t, rec)["error"])

	rec = ts.do(t, http.MethodPost, "/pastes", CreateReq{Content: strings.Repeat("a", 1025)}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	req := httptest.NewRequest(http.MethodPost, "/pastes", strings.NewReader(`{"content":"x"}`))
	req.Header.Set("Content-Type", "text/plain")
	raw := httptest.NewRecorder()
	ts.srv.ServeHTTP(raw, req)
	assert.Equal(t, http.StatusUnsupportedMediaType, raw.Code)

	req = httptest.NewRequest(http.MethodPost, "/pastes", strings.NewReader(`{"content":"x","views":3}`))
	req.Header.Set("Content-Type", "application/json")
	raw = httptest.NewRecorder()
	ts.srv.ServeHTTP(raw, req)
	assert.Equal(t, http.StatusBadRequest, raw.Code)
}

func TestCreate_UnknownTTLFallsBack(t *testing.T) {
	ts := newTestServer(t)
	resp := ts.create(t, CreateReq{Content: "x", TTLMinutes: 7})
	assert.True(t, resp.ExpiresAt.Equal(ts.clock.Now().Add(time.Hour)))
}

func TestReadRaw_Expired(t *testing.T) {
	ts := newTestServer(t)
	resp := ts.create(t, CreateReq{Content: "short lived", TTLMinutes: 1})

	ts.clock.Advance(time.Minute)
	rec := ts.do(t, http.MethodGet, "/pastes/"+resp.ID+"/raw", nil, nil)
	assert.Equal(t, http.StatusGone, rec.Code)
	assert.Equal(t, "paste expired", errBody(t, rec)["error"])

	rec = ts.do(t, http.MethodGet, "/pastes/"+resp.ID+"/meta", nil, nil)
	assert.Equal(t, http.StatusGone, rec.Code, "tombstoned ids stay gone")
}

func TestReadRaw_NotFound(t *testing.T) {
	ts := newTestServer(t)
	for _, id := range []string{"zzzzzzzz", "NOT-AN-ID"} {
		rec := ts.do(t, http.MethodGet, "/pastes/"+id+"/raw", nil, nil)
		assert.Equal(t, http.StatusNotFound, rec.Code, id)
	}
}

func TestPostRaw_EmptyBody(t *testing.T) {
	ts := newTestServer(t)
	open := ts.create(t, CreateReq{Content: "no body needed", TTLMinutes: 1})
	gated := ts.create(t, CreateReq{Content: "x", Password: "hunter2"})

	rec := ts.do(t, http.MethodPost, "/pastes/"+open.ID+"/raw", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "no body needed", rec.Body.String())

	rec = ts.do(t, http.MethodPost, "/pastes/"+gated.ID+"/raw", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = ts.do(t, http.MethodPost, "/pastes/zzzzzzzz/raw", nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	ts.clock.Advance(time.Minute)
	rec = ts.do(t, http.MethodPost, "/pastes/"+open.ID+"/raw", nil, nil)
	assert.Equal(t, http.StatusGone, rec.Code)
}

func TestRedactedPaste(t *testing.T) {
	ts := newTestServer(t)
	resp := ts.create(t, CreateReq{Content: "host 10.0.0.12 up", Redacted: true})

	rec := ts.do(t, http.MethodGet, "/pastes/"+resp.ID+"/raw", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "host [REDACTED] up", rec.Body.String())
}

func TestPasswordGate(t *testing.T) {
	ts := newTestServer(t)
	resp := ts.create(t, CreateReq{Content: "secret stuff", Password: "hunter2"})
	raw := "/pastes/" + resp.ID + "/raw"

	rec := ts.do(t, http.MethodGet, raw, nil, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = ts.do(t, http.MethodGet, raw, nil, map[string]string{passwordHeader: "wrong"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = ts.do(t, http.MethodGet, raw, nil, map[string]string{passwordHeader: "hunter2"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "secret stuff", rec.Body.String())

	rec = ts.do(t, http.MethodPost, raw, PasswordReq{Password: "hunter2"}, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "secret stuff", rec.Body.String())

	rec = ts.do(t, http.MethodPost, "/pastes/"+resp.ID+"/password", PasswordReq{Password: "hunter2"}, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"success":true}`, rec.Body.String())

	rec = ts.do(t, http.MethodPost, "/pastes/"+resp.ID+"/password", PasswordReq{Password: "nope"}, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestValidatePassword_NoGate(t *testing.T) {
	ts := newTestServer(t)
	resp := ts.create(t, CreateReq{Content: "open"})
	rec := ts.do(t, http.MethodPost, "/pastes/"+resp.ID+"/password", PasswordReq{Password: "x"}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestDeletePaste(t *testing.T) {
	ts := newTestServer(t)
	resp := ts.create(t, CreateReq{Content: "bye", Password: "hunter2"})
	path := "/pastes/" + resp.ID

	rec := ts.do(t, http.MethodDelete, path, nil, map[string]string{passwordHeader: "wrong"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = ts.do(t, http.MethodDelete, path, PasswordReq{Password: "hunter2"}, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = ts.do(t, http.MethodGet, path+"/raw", nil, map[string]string{passwordHeader: "hunter2"})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	open := ts.create(t, CreateReq{Content: "no owner"})
	rec = ts.do(t, http.MethodDelete, "/pastes/"+open.ID, nil, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestStats(t *testing.T) {
	ts := newTestServer(t)
	ts.create(t, CreateReq{Content: "one"})
	ts.create(t, CreateReq{Content: "two", TTLMinutes: 1})
	ts.clock.Advance(2 * time.Minute)

	rec := ts.do(t, http.MethodGet, "/stats", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var stats domain.Stats
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	assert.Equal(t, 2, stats.TotalPastes)
	assert.Equal(t, 1, stats.ActivePastes)
	assert.True(t, stats.Uptime)
}

func TestRedactPreview(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.do(t, http.MethodPost, "/redact/preview", PreviewReq{Content: "ip 192.168.1.1"}, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp PreviewResp
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Spans, 1)
	assert.Equal(t, 3, resp.Spans[0].Start)
	assert.Equal(t, 14, resp.Spans[0].End)
	assert.Equal(t, "ip [REDACTED]", resp.Redacted)

	rec = ts.do(t, http.MethodPost, "/redact/preview", PreviewReq{Content: "nothing here"}, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"spans":[]`)
}

func TestPresets(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.do(t, http.MethodGet, "/config/presets", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var presets []int
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &presets))
	assert.Equal(t, domain.DefaultTTLPresets, presets)
}

func TestHealthAndReady(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.do(t, http.MethodGet, "/health", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = ts.do(t, http.MethodGet, "/ready", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var ready ReadyResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &ready))
	assert.True(t, ready.Ready)
	assert.Equal(t, "unavailable", ready.Cache)

	require.NoError(t, ts.store.Close())
	rec = ts.do(t, http.MethodGet, "/ready", nil, nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestCORS(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.do(t, http.MethodOptions, "/pastes", nil, map[string]string{"Origin": "https://fogbin.example"})
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "https://fogbin.example", rec.Header().Get("Access-Control-Allow-Origin"))

	rec = ts.do(t, http.MethodOptions, "/pastes", nil, map[string]string{"Origin": "https://evil.example"})
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestInternalErrorsAreGeneric(t *testing.T) {
	rec := httptest.NewRecorder()
	writeErr(rec, domain.ErrStorage, "req-1")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	body := errBody(t, rec)
	assert.Equal(t, "internal server error", body["error"])
	assert.Equal(t, "req-1", body["request_id"])

	rec = httptest.NewRecorder()
	writeErr(rec, svc.ErrShuttingDown, "req-2")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestMetricsBasicAuth(t *testing.T) {
	c := &cfg.Cfg{MetricsUser: "ops", MetricsPass: cfg.NewSecret("s3cret")}
	h := NewMw(c).BasicAuthMetrics(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req.SetBasicAuth("ops", "s3cret")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}
