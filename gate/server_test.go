package gate

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/toolink/gate/escalation"
	"github.com/toolink/gate/limiter"
	"github.com/toolink/gate/metrics"
	"github.com/toolink/gate/store"
)

const testRules = `
storage_type: memory
policies:
  - name: login
    captcha_minutes: 15
    rules:
      - {kind: window, by: ip, window_sec: 3600, limit: 1}
  - name: comment
    rules:
      - {kind: cooldown, by: account, window_sec: 30}
scans:
  - {kind: post, window_sec: 600, threshold: 2}
`

func newTestServer(t *testing.T) *Server {
	t.Helper()
	cfg, err := limiter.ParseConfig([]byte(testRules))
	require.NoError(t, err)
	require.NoError(t, cfg.ValidateAndPrepare())

	s := store.NewMemoryStore()
	reg := prometheus.NewRegistry()
	rec := metrics.NewRecorder(reg)
	ledger := escalation.NewPenaltyLedger(s)
	flags := escalation.NewCaptchaFlags(s)
	engine := limiter.NewEngine(s,
		limiter.WithPenalties(ledger),
		limiter.WithChallengeMarker(flags),
		limiter.WithRecorder(rec),
	)

	return NewServer(Deps{
		Engine:    engine,
		Rules:     cfg,
		Scanner:   escalation.NewScanDetector(s, ledger, escalation.WithRecorder(rec)),
		Penalties: ledger,
		Flags:     flags,
		Verifier: VerifierFunc(func(_ context.Context, token, _ string) (bool, error) {
			return token == "good", nil
		}),
		Gatherer: reg,
	})
}

func postJSON(t *testing.T, h http.Handler, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, json.NewEncoder(&buf).Encode(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, path, &buf))
	return rec
}

func TestServer_Evaluate(t *testing.T) {
	srv := newTestServer(t)

	rec := postJSON(t, srv, "/v1/evaluate", evaluateRequest{Policy: "login", IP: "1.2.3.4"})
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = postJSON(t, srv, "/v1/evaluate", evaluateRequest{Policy: "login", IP: "1.2.3.4"})
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))

	var body map[string]any
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, false, body["allowed"])
	assert.Equal(t, "ip", body["violated_scope"])
	assert.Equal(t, true, body["challenge_required"])
	assert.Greater(t, body["retry_after"], 0.0)

	rec = postJSON(t, srv, "/v1/evaluate", evaluateRequest{Policy: "nope", IP: "1.2.3.4"})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/evaluate", strings.NewReader("{")))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServer_ScanAndStatus(t *testing.T) {
	srv := newTestServer(t)

	var resp scanResponse
	rec := postJSON(t, srv, "/v1/scan", scanRequest{Kind: "post", Identity: "u1", Member: "p1"})
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, scanResponse{Distinct: 1}, resp)

	rec = postJSON(t, srv, "/v1/scan", scanRequest{Kind: "post", Identity: "u1", Member: "p2"})
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, scanResponse{Distinct: 2, Penalized: true}, resp)

	rec = postJSON(t, srv, "/v1/scan", scanRequest{Kind: "video", Identity: "u1", Member: "p2"})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/status?account=u1&ip=1.2.3.4", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var status statusResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&status))
	assert.True(t, status.Penalized)
	assert.NotNil(t, status.PenaltyUntil)
	assert.Equal(t, map[string]bool{"ip": false, "account": false}, status.Captcha)
}

func TestServer_GateEndpoint(t *testing.T) {
	srv := newTestServer(t)
	call := func(token string) int {
		req := httptest.NewRequest(http.MethodGet, "/gate/login", nil)
		if token != "" {
			req.Header.Set("X-Captcha-Token", token)
		}
		rec := httptest.NewRecorder()
		srv.ServeHTTP(rec, req)
		return rec.Code
	}

	assert.Equal(t, http.StatusNoContent, call(""))
	// denial escalates the ip to captcha required
	assert.Equal(t, http.StatusTooManyRequests, call(""))
	assert.Equal(t, http.StatusForbidden, call(""))
	assert.Equal(t, http.StatusForbidden, call("bad"))
	// a solved challenge reaches the limiter again, which still denies
	assert.Equal(t, http.StatusTooManyRequests, call("good"))

	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/gate/unknown", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServer_GateEndpointIgnoresUntrustedAccount(t *testing.T) {
	srv := newTestServer(t)
	call := func() int {
		req := httptest.NewRequest(http.MethodGet, "/gate/comment", nil)
		req.Header.Set("X-Account", "u1")
		rec := httptest.NewRecorder()
		srv.ServeHTTP(rec, req)
		return rec.Code
	}

	// without proxy trust the header names nobody, so the account cooldown never applies
	assert.Equal(t, http.StatusNoContent, call())
	assert.Equal(t, http.StatusNoContent, call())
}

func TestServer_Operational(t *testing.T) {
	srv := newTestServer(t)
	postJSON(t, srv, "/v1/evaluate", evaluateRequest{Policy: "comment", Account: "u1"})

	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `gate_decisions_total{outcome="allowed",policy="comment"`)
}
