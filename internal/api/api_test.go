package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"sentinel/internal/config"
	"sentinel/internal/credentials"
	apierrors "sentinel/internal/errors"
	"sentinel/internal/metrics"
	"sentinel/internal/pipeline"
	"sentinel/internal/response"
	"sentinel/internal/schema"
	"sentinel/internal/storage"
)

var (
	discardLogger = slog.New(slog.NewTextHandler(io.Discard, nil))
	apiNow        = time.Date(2024, 3, 5, 14, 30, 0, 0, time.UTC)
)

// fakeCycler validates the bare minimum and stores into the ledger.
type fakeCycler struct {
	ledger storage.Ledger

	mu        sync.Mutex
	ingested  []schema.LogRecord
	runErr    error
	runCalled int
	runCtxErr error
}

func (f *fakeCycler) Ingest(ctx context.Context, rec *schema.LogRecord) error {
	if rec.Source == "" || rec.Message == "" {
		return fmt.Errorf("%w: source and message are required", pipeline.ErrInvalidLog)
	}
	f.mu.Lock()
	f.ingested = append(f.ingested, *rec)
	f.mu.Unlock()
	return f.ledger.InsertLog(ctx, rec)
}

func (f *fakeCycler) RunOnce(ctx context.Context) (pipeline.CycleReport, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.runCalled++
	f.runCtxErr = ctx.Err()
	if f.runErr != nil {
		return pipeline.CycleReport{}, f.runErr
	}
	return pipeline.CycleReport{StartedAt: apiNow, Collected: 4, Ingested: 3, Rejected: 1, Threats: 1}, nil
}

type fakeStats struct{}

func (fakeStats) Compute(context.Context) schema.SystemStats {
	return schema.SystemStats{TotalLogs: 7, ActiveThreats: 2, SystemHealth: schema.HealthWarning, LastUpdated: apiNow}
}

type fakeCreds struct{ status credentials.Status }

func (f fakeCreds) Status() credentials.Status { return f.status }

// failingLedger fails every query with a storage error.
type failingLedger struct{ storage.Ledger }

func (failingLedger) QueryThreats(context.Context, storage.ThreatFilter) ([]schema.Threat, error) {
	return nil, errors.New("clickhouse: code: 81, database sentinel does not exist")
}

type apiFixture struct {
	ledger *storage.MemoryLedger
	cycler *fakeCycler
	server *Server
	h      http.Handler
}

func newFixture(t *testing.T, opts ...Option) *apiFixture {
	t.Helper()
	ledger := storage.NewMemoryLedger()
	registry, err := response.NewRegistry(response.SimulatedSet(0, discardLogger)...)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	orch := response.NewOrchestrator(ledger, registry, response.WithLogger(discardLogger))
	cycler := &fakeCycler{ledger: ledger}

	opts = append([]Option{WithLogger(discardLogger), WithClock(func() time.Time { return apiNow })}, opts...)
	srv, err := NewServer(Deps{
		Ledger:       ledger,
		Orchestrator: orch,
		Cycler:       cycler,
		Stats:        fakeStats{},
		Credentials:  fakeCreds{credentials.Status{Azure: credentials.Presence{Present: true, Valid: true}}},
	}, opts...)
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	return &apiFixture{ledger: ledger, cycler: cycler, server: srv, h: srv.Handler()}
}

func (f *apiFixture) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	w := httptest.NewRecorder()
	f.h.ServeHTTP(w, req)
	return w
}

func (f *apiFixture) seedThreat(t *testing.T, id string, status schema.ThreatStatus, severity schema.Severity, score float64, ts time.Time) {
	t.Helper()
	threat := schema.Threat{
		ID:           id,
		Title:        "Brute Force Detected",
		Timestamp:    ts,
		Severity:     severity,
		Status:       status,
		Source:       "auth-server",
		Category:     schema.CategoryBruteForce,
		Indicators:   []string{"ip:10.0.0.5"},
		Actions:      []string{},
		RelatedLogs:  []string{"log-" + id},
		AnomalyScore: score,
	}
	if err := f.ledger.InsertThreat(context.Background(), &threat); err != nil {
		t.Fatalf("InsertThreat: %v", err)
	}
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(w.Body.Bytes(), &v); err != nil {
		t.Fatalf("invalid JSON body %q: %v", w.Body.String(), err)
	}
	return v
}

func TestNewServer_Validation(t *testing.T) {
	ledger := storage.NewMemoryLedger()
	tests := []struct {
		name string
		deps Deps
	}{
		{"no ledger", Deps{Orchestrator: &response.Orchestrator{}, Cycler: &fakeCycler{}, Stats: fakeStats{}}},
		{"no orchestrator", Deps{Ledger: ledger, Cycler: &fakeCycler{}, Stats: fakeStats{}}},
		{"no cycler", Deps{Ledger: ledger, Orchestrator: &response.Orchestrator{}, Stats: fakeStats{}}},
		{"no stats", Deps{Ledger: ledger, Orchestrator: &response.Orchestrator{}, Cycler: &fakeCycler{}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewServer(tt.deps); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestLogs(t *testing.T) {
	f := newFixture(t)

	t.Run("ingest", func(t *testing.T) {
		w := f.do(t, http.MethodPost, "/v1/logs",
			`{"source":"auth-server","level":"WARN","message":"Failed login attempt","details":{"ip_address":"10.0.0.5","event_id":4625}}`)
		if w.Code != http.StatusCreated {
			t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
		}
		rec := decode[schema.LogRecord](t, w)
		if rec.ID == "" || rec.Level != schema.LevelWarning || !rec.Timestamp.Equal(apiNow) {
			t.Errorf("record = %+v", rec)
		}
		if rec.Details.IPAddress != "10.0.0.5" {
			t.Errorf("ip = %q, want 10.0.0.5", rec.Details.IPAddress)
		}
	})

	t.Run("ingest keeps id and timestamp", func(t *testing.T) {
		w := f.do(t, http.MethodPost, "/v1/logs",
			`{"id":"log-fixed","timestamp":"2024-03-05T14:00:00Z","source":"web-server","level":"error","message":"upstream timeout"}`)
		if w.Code != http.StatusCreated {
			t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
		}
		rec := decode[schema.LogRecord](t, w)
		if rec.ID != "log-fixed" || !rec.Timestamp.Equal(apiNow.Add(-30*time.Minute)) {
			t.Errorf("record = %+v", rec)
		}
	})

	t.Run("ingest rejects invalid", func(t *testing.T) {
		tests := []struct {
			name string
			body string
			code string
		}{
			{"missing message", `{"source":"auth-server"}`, "INVALID_LOG"},
			{"not json", `{"source":`, "INVALID_REQUEST"},
			{"unknown field", `{"source":"a","message":"b","color":"red"}`, "INVALID_REQUEST"},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				w := f.do(t, http.MethodPost, "/v1/logs", tt.body)
				if w.Code != http.StatusBadRequest {
					t.Fatalf("status = %d, want 400", w.Code)
				}
				if got := decode[APIError](t, w); got.Code != tt.code {
					t.Errorf("code = %q, want %q", got.Code, tt.code)
				}
			})
		}
	})

	t.Run("list with filters", func(t *testing.T) {
		w := f.do(t, http.MethodGet, "/v1/logs?source=AUTH&level=warning", "")
		if w.Code != http.StatusOK {
			t.Fatalf("status = %d", w.Code)
		}
		logs := decode[[]schema.LogRecord](t, w)
		if len(logs) != 1 || logs[0].Source != "auth-server" {
			t.Errorf("logs = %+v, want the auth-server record", logs)
		}
	})

	t.Run("list newest first", func(t *testing.T) {
		logs := decode[[]schema.LogRecord](t, f.do(t, http.MethodGet, "/v1/logs?limit=10", ""))
		if len(logs) != 2 || logs[0].ID == "log-fixed" {
			t.Errorf("logs = %+v, want newest first", logs)
		}
	})

	t.Run("list empty is an array", func(t *testing.T) {
		w := f.do(t, http.MethodGet, "/v1/logs?source=nothing-matches", "")
		if body := strings.TrimSpace(w.Body.String()); body != "[]" {
			t.Errorf("body = %q, want []", body)
		}
	})

	t.Run("bad query", func(t *testing.T) {
		for _, q := range []string{"limit=abc", "limit=-1", "level=debug", "since=yesterday"} {
			if w := f.do(t, http.MethodGet, "/v1/logs?"+q, ""); w.Code != http.StatusBadRequest {
				t.Errorf("%s: status = %d, want 400", q, w.Code)
			}
		}
	})
}

func TestThreats(t *testing.T) {
	f := newFixture(t)
	f.seedThreat(t, "t-1", schema.ThreatActive, schema.SeverityHigh, 0.93, apiNow.Add(-2*time.Hour))
	f.seedThreat(t, "t-2", schema.ThreatContained, schema.SeverityCritical, 0.97, apiNow.Add(-time.Hour))
	f.seedThreat(t, "t-3", schema.ThreatActive, schema.SeverityMedium, 0.82, apiNow)

	t.Run("list filters", func(t *testing.T) {
		tests := []struct {
			query string
			want  []string
		}{
			{"", []string{"t-3", "t-2", "t-1"}},
			{"status=active", []string{"t-3", "t-1"}},
			{"severity=critical", []string{"t-2"}},
			{"min_score=0.9", []string{"t-2", "t-1"}},
			{"limit=1", []string{"t-3"}},
			{"since=2024-03-05T13:00:00Z", []string{"t-3", "t-2"}},
			{"category=malware", []string{}},
		}
		for _, tt := range tests {
			t.Run(tt.query, func(t *testing.T) {
				w := f.do(t, http.MethodGet, "/v1/threats?"+tt.query, "")
				if w.Code != http.StatusOK {
					t.Fatalf("status = %d", w.Code)
				}
				threats := decode[[]schema.Threat](t, w)
				got := make([]string, 0, len(threats))
				for _, th := range threats {
					got = append(got, th.ID)
				}
				if strings.Join(got, ",") != strings.Join(tt.want, ",") {
					t.Errorf("ids = %v, want %v", got, tt.want)
				}
			})
		}
	})

	t.Run("invalid filter", func(t *testing.T) {
		for _, q := range []string{"severity=urgent", "status=closed", "min_score=2"} {
			if w := f.do(t, http.MethodGet, "/v1/threats?"+q, ""); w.Code != http.StatusBadRequest {
				t.Errorf("%s: status = %d, want 400", q, w.Code)
			}
		}
	})

	t.Run("get", func(t *testing.T) {
		w := f.do(t, http.MethodGet, "/v1/threats/t-2", "")
		if w.Code != http.StatusOK {
			t.Fatalf("status = %d", w.Code)
		}
		if th := decode[schema.Threat](t, w); th.ID != "t-2" || th.Severity != schema.SeverityCritical {
			t.Errorf("threat = %+v", th)
		}
	})

	t.Run("get missing", func(t *testing.T) {
		w := f.do(t, http.MethodGet, "/v1/threats/nope", "")
		if w.Code != http.StatusNotFound {
			t.Fatalf("status = %d, want 404", w.Code)
		}
		if e := decode[APIError](t, w); e.Code != "NOT_FOUND" {
			t.Errorf("code = %q", e.Code)
		}
	})
}

func TestUpdateThreatStatus(t *testing.T) {
	f := newFixture(t)
	f.seedThreat(t, "t-1", schema.ThreatContained, schema.SeverityHigh, 0.93, apiNow)

	tests := []struct {
		name       string
		id         string
		body       string
		wantCode   int
		wantStatus schema.ThreatStatus
	}{
		{"regression rejected", "t-1", `{"status":"active"}`, http.StatusConflict, schema.ThreatContained},
		{"forward", "t-1", `{"status":"resolved"}`, http.StatusOK, schema.ThreatResolved},
		{"override moves back", "t-1", `{"status":"investigating","override":true}`, http.StatusOK, schema.ThreatInvestigating},
		{"invalid status", "t-1", `{"status":"closed"}`, http.StatusBadRequest, schema.ThreatInvestigating},
		{"missing threat", "nope", `{"status":"resolved"}`, http.StatusNotFound, schema.ThreatInvestigating},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := f.do(t, http.MethodPatch, "/v1/threats/"+tt.id, tt.body)
			if w.Code != tt.wantCode {
				t.Fatalf("status = %d, want %d (body %s)", w.Code, tt.wantCode, w.Body.String())
			}
			got, err := f.ledger.GetThreat(context.Background(), "t-1")
			if err != nil {
				t.Fatalf("GetThreat: %v", err)
			}
			if got.Status != tt.wantStatus {
				t.Errorf("stored status = %s, want %s", got.Status, tt.wantStatus)
			}
		})
	}
}

func TestActions(t *testing.T) {
	f := newFixture(t)
	f.seedThreat(t, "t-1", schema.ThreatActive, schema.SeverityHigh, 0.93, apiNow)

	t.Run("execute", func(t *testing.T) {
		w := f.do(t, http.MethodPost, "/v1/actions",
			`{"threat_id":"t-1","action_type":"block_ip","parameters":{"ip_address":"203.0.113.9"}}`)
		if w.Code != http.StatusOK {
			t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
		}
		resp := decode[actionResponse](t, w)
		if resp.Result["status"] != "success" || resp.Result["ip_address"] != "203.0.113.9" {
			t.Errorf("result = %v", resp.Result)
		}
	})

	t.Run("explicit action leaves threat status", func(t *testing.T) {
		got, _ := f.ledger.GetThreat(context.Background(), "t-1")
		if got.Status != schema.ThreatActive {
			t.Errorf("status = %s, want active", got.Status)
		}
	})

	t.Run("rejections", func(t *testing.T) {
		tests := []struct {
			name string
			body string
			want int
			code string
		}{
			{"invalid type", `{"threat_id":"t-1","action_type":"reboot_world"}`, http.StatusBadRequest, "INVALID_ACTION"},
			{"unknown threat", `{"threat_id":"nope","action_type":"custom"}`, http.StatusNotFound, "NOT_FOUND"},
			{"missing threat id", `{"action_type":"custom"}`, http.StatusBadRequest, "INVALID_REQUEST"},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				w := f.do(t, http.MethodPost, "/v1/actions", tt.body)
				if w.Code != tt.want {
					t.Fatalf("status = %d, want %d", w.Code, tt.want)
				}
				if e := decode[APIError](t, w); e.Code != tt.code {
					t.Errorf("code = %q, want %q", e.Code, tt.code)
				}
			})
		}
	})

	t.Run("list", func(t *testing.T) {
		w := f.do(t, http.MethodGet, "/v1/actions?threat_id=t-1&status=completed", "")
		if w.Code != http.StatusOK {
			t.Fatalf("status = %d", w.Code)
		}
		actions := decode[[]schema.Action](t, w)
		if len(actions) != 1 || actions[0].ActionType != schema.ActionBlockIP {
			t.Errorf("actions = %+v, want one completed block_ip", actions)
		}
	})

	t.Run("list invalid filter", func(t *testing.T) {
		if w := f.do(t, http.MethodGet, "/v1/actions?action_type=reboot", ""); w.Code != http.StatusBadRequest {
			t.Errorf("status = %d, want 400", w.Code)
		}
	})
}

func TestRunCycle(t *testing.T) {
	f := newFixture(t)

	t.Run("ok", func(t *testing.T) {
		w := f.do(t, http.MethodPost, "/v1/cycles", "")
		if w.Code != http.StatusOK {
			t.Fatalf("status = %d", w.Code)
		}
		report := decode[pipeline.CycleReport](t, w)
		if report.Ingested != 3 || report.Threats != 1 {
			t.Errorf("report = %+v", report)
		}
	})

	t.Run("survives client cancel", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		req := httptest.NewRequest(http.MethodPost, "/v1/cycles", nil).WithContext(ctx)
		f.h.ServeHTTP(httptest.NewRecorder(), req)
		if f.cycler.runCtxErr != nil {
			t.Errorf("cycle context error = %v, want nil", f.cycler.runCtxErr)
		}
	})

	t.Run("in progress", func(t *testing.T) {
		f.cycler.runErr = pipeline.ErrCycleInProgress
		defer func() { f.cycler.runErr = nil }()
		if w := f.do(t, http.MethodPost, "/v1/cycles", ""); w.Code != http.StatusConflict {
			t.Errorf("status = %d, want 409", w.Code)
		}
	})

	t.Run("failure", func(t *testing.T) {
		f.cycler.runErr = errors.New("boom")
		defer func() { f.cycler.runErr = nil }()
		if w := f.do(t, http.MethodPost, "/v1/cycles", ""); w.Code != http.StatusInternalServerError {
			t.Errorf("status = %d, want 500", w.Code)
		}
	})
}

func TestStatsAndCredentials(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, http.MethodGet, "/v1/stats", "")
	if w.Code != http.StatusOK {
		t.Fatalf("stats status = %d", w.Code)
	}
	if st := decode[schema.SystemStats](t, w); st.TotalLogs != 7 || st.SystemHealth != schema.HealthWarning {
		t.Errorf("stats = %+v", st)
	}

	w = f.do(t, http.MethodGet, "/v1/credentials/status", "")
	if w.Code != http.StatusOK {
		t.Fatalf("credentials status = %d", w.Code)
	}
	body := w.Body.String()
	if !strings.Contains(body, `"azure":{"present":true,"valid":true}`) ||
		!strings.Contains(body, `"gemini":{"present":false,"valid":false}`) {
		t.Errorf("body = %s", body)
	}
}

func TestHealth(t *testing.T) {
	var failing bool
	f := newFixture(t,
		WithHealthCheck("ledger", func(context.Context) error { return nil }),
		WithHealthCheck("redis", func(context.Context) error {
			if failing {
				return errors.New("dial tcp: connection refused")
			}
			return nil
		}),
	)

	w := f.do(t, http.MethodGet, "/health", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if h := decode[healthResponse](t, w); h.Status != "healthy" || h.Checks["redis"] != "ok" {
		t.Errorf("health = %+v", h)
	}

	failing = true
	w = f.do(t, http.MethodGet, "/health", "")
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", w.Code)
	}
	if h := decode[healthResponse](t, w); h.Status != "unhealthy" || h.Checks["redis"] != "unhealthy" || h.Checks["ledger"] != "ok" {
		t.Errorf("health = %+v", h)
	}
}

func TestStorageErrorsAreSanitized(t *testing.T) {
	apierrors.SetProductionMode(true)
	t.Cleanup(func() { apierrors.SetProductionMode(false) })

	ledger := storage.NewMemoryLedger()
	srv, err := NewServer(Deps{
		Ledger:       failingLedger{ledger},
		Orchestrator: &response.Orchestrator{},
		Cycler:       &fakeCycler{ledger: ledger},
		Stats:        fakeStats{},
	}, WithLogger(discardLogger))
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}

	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/threats", nil))
	if w.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", w.Code)
	}
	if e := decode[APIError](t, w); e.Code != "QUERY_FAILED" || strings.Contains(e.Message, "clickhouse") {
		t.Errorf("error = %+v, want sanitized message", e)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	m := metrics.New()
	m.LogIngested()
	f := newFixture(t, WithMetrics(m))

	w := f.do(t, http.MethodGet, "/metrics", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "sentinel_") {
		t.Error("metrics output missing sentinel series")
	}

	moved := newFixture(t, WithMetrics(m), WithMetricsPath("/internal/metrics"))
	if w := moved.do(t, http.MethodGet, "/internal/metrics", ""); w.Code != http.StatusOK {
		t.Errorf("moved path status = %d", w.Code)
	}
	if w := moved.do(t, http.MethodGet, "/metrics", ""); w.Code != http.StatusNotFound {
		t.Errorf("default path status = %d, want 404", w.Code)
	}
}

func TestWithMiddleware(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Auth = config.AuthConfig{Enabled: true, APIKeyHeader: "X-API-Key", APIKeys: []string{"secret-key"}}
	cfg.CORS.AllowedOrigins = []string{"https://console.example.com"}
	cfg.RateLimit.Enabled = false

	f := newFixture(t)
	h, limiter := WithMiddleware(f.h, cfg, discardLogger, metrics.New())
	defer limiter.Stop()

	t.Run("requires api key", func(t *testing.T) {
		w := httptest.NewRecorder()
		h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/stats", nil))
		if w.Code != http.StatusUnauthorized {
			t.Errorf("status = %d, want 401", w.Code)
		}
	})

	t.Run("authorized", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/v1/stats", nil)
		req.Header.Set("X-API-Key", "secret-key")
		w := httptest.NewRecorder()
		h.ServeHTTP(w, req)
		if w.Code != http.StatusOK {
			t.Fatalf("status = %d, want 200", w.Code)
		}
		if w.Header().Get("X-Request-ID") == "" || w.Header().Get("X-Content-Type-Options") != "nosniff" {
			t.Errorf("missing middleware headers: %v", w.Header())
		}
	})

	t.Run("health is public", func(t *testing.T) {
		w := httptest.NewRecorder()
		h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
		if w.Code != http.StatusOK {
			t.Errorf("status = %d, want 200", w.Code)
		}
	})

	t.Run("cors preflight", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodOptions, "/v1/threats", nil)
		req.Header.Set("Origin", "https://console.example.com")
		req.Header.Set("Access-Control-Request-Method", http.MethodGet)
		w := httptest.NewRecorder()
		h.ServeHTTP(w, req)
		if got := w.Header().Get("Access-Control-Allow-Origin"); got != "https://console.example.com" {
			t.Errorf("Access-Control-Allow-Origin = %q", got)
		}
	})

	t.Run("cors other origin", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/health", nil)
		req.Header.Set("Origin", "https://evil.example.com")
		w := httptest.NewRecorder()
		h.ServeHTTP(w, req)
		if got := w.Header().Get("Access-Control-Allow-Origin"); got != "" {
			t.Errorf("Access-Control-Allow-Origin = %q, want empty", got)
		}
	})
}
