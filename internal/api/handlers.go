package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"sentinel/internal/credentials"
	apierrors "sentinel/internal/errors"
	"sentinel/internal/pipeline"
	"sentinel/internal/response"
	"sentinel/internal/schema"
	"sentinel/internal/storage"
)

// maxBodyBytes bounds request bodies.
const maxBodyBytes = 1 << 20

// healthTimeout bounds all dependency checks of one /health request.
const healthTimeout = 5 * time.Second

// APIError is the body of every error response.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// writeError writes err through the sanitizer so storage details never
// reach the client.
func (s *Server) writeError(w http.ResponseWriter, status int, code string, err error) {
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", "code", code, "error", err)
	}
	writeJSON(w, status, APIError{Code: code, Message: apierrors.SafeErrorMessage(err)})
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

// queryParams parses the shared filter parameters. The first parse error
// is kept and reported once.
type queryParams struct {
	values url.Values
	err    error
}

func (q *queryParams) int(name string) int {
	raw := q.values.Get(name)
	if raw == "" || q.err != nil {
		return 0
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		q.err = fmt.Errorf("invalid %s: %q", name, raw)
		return 0
	}
	return n
}

func (q *queryParams) float(name string) float64 {
	raw := q.values.Get(name)
	if raw == "" || q.err != nil {
		return 0
	}
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil || f < 0 || f > 1 {
		q.err = fmt.Errorf("invalid %s: %q", name, raw)
		return 0
	}
	return f
}

func (q *queryParams) time(name string) time.Time {
	raw := q.values.Get(name)
	if raw == "" || q.err != nil {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		q.err = fmt.Errorf("invalid %s: %q", name, raw)
		return time.Time{}
	}
	return t
}

// enum parses an optional enumerated parameter with valid.
func enum[T ~string](q *queryParams, name string, valid func(T) bool) T {
	raw := strings.ToLower(strings.TrimSpace(q.values.Get(name)))
	if raw == "" || q.err != nil {
		return ""
	}
	v := T(raw)
	if !valid(v) {
		q.err = fmt.Errorf("invalid %s: %q", name, raw)
		return ""
	}
	return v
}

func (s *Server) handleListLogs(w http.ResponseWriter, r *http.Request) {
	q := &queryParams{values: r.URL.Query()}
	f := storage.LogFilter{
		Limit:  storage.NormalizeLimit(q.int("limit")),
		Source: q.values.Get("source"),
		Level:  enum(q, "level", schema.Level.IsValid),
		Since:  q.time("since"),
		Until:  q.time("until"),
	}
	if q.err != nil {
		s.writeError(w, http.StatusBadRequest, "INVALID_QUERY", q.err)
		return
	}

	logs, err := s.deps.Ledger.QueryLogs(r.Context(), f)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "QUERY_FAILED", err)
		return
	}
	if logs == nil {
		logs = []schema.LogRecord{}
	}
	writeJSON(w, http.StatusOK, logs)
}

// ingestRequest is the body of POST /v1/logs.
type ingestRequest struct {
	ID        string         `json:"id"`
	Timestamp *time.Time     `json:"timestamp"`
	Source    string         `json:"source"`
	Level     string         `json:"level"`
	Message   string         `json:"message"`
	Details   schema.Details `json:"details"`
}

func (s *Server) handleIngestLog(w http.ResponseWriter, r *http.Request) {
	var req ingestRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, "INVALID_REQUEST", err)
		return
	}

	ts := s.now()
	if req.Timestamp != nil && !req.Timestamp.IsZero() {
		ts = *req.Timestamp
	}
	rec := schema.NewLogRecord(ts, req.Source, schema.ParseLevel(req.Level), req.Message, req.Details)
	if req.ID != "" {
		rec.ID = req.ID
	}

	if err := s.deps.Cycler.Ingest(r.Context(), &rec); err != nil {
		if errors.Is(err, pipeline.ErrInvalidLog) {
			s.writeError(w, http.StatusBadRequest, "INVALID_LOG", err)
			return
		}
		s.writeError(w, http.StatusInternalServerError, "INGEST_FAILED", err)
		return
	}
	writeJSON(w, http.StatusCreated, rec)
}

func (s *Server) handleListThreats(w http.ResponseWriter, r *http.Request) {
	q := &queryParams{values: r.URL.Query()}
	f := storage.ThreatFilter{
		Limit:      storage.NormalizeLimit(q.int("limit")),
		Source:     q.values.Get("source"),
		Severity:   enum(q, "severity", schema.Severity.IsValid),
		Status:     enum(q, "status", schema.ThreatStatus.IsValid),
		Category:   enum(q, "category", schema.Category.IsValid),
		ScoreAbove: q.float("min_score"),
		Since:      q.time("since"),
		Until:      q.time("until"),
	}
	if q.err != nil {
		s.writeError(w, http.StatusBadRequest, "INVALID_QUERY", q.err)
		return
	}

	threats, err := s.deps.Ledger.QueryThreats(r.Context(), f)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "QUERY_FAILED", err)
		return
	}
	if threats == nil {
		threats = []schema.Threat{}
	}
	writeJSON(w, http.StatusOK, threats)
}

func (s *Server) handleGetThreat(w http.ResponseWriter, r *http.Request) {
	t, err := s.deps.Ledger.GetThreat(r.Context(), r.PathValue("id"))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, "NOT_FOUND", fmt.Errorf("threat not found: %s", r.PathValue("id")))
			return
		}
		s.writeError(w, http.StatusInternalServerError, "QUERY_FAILED", err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

// statusRequest is the body of PATCH /v1/threats/{id}.
type statusRequest struct {
	Status   string `json:"status"`
	Override bool   `json:"override"`
}

func (s *Server) handleUpdateThreat(w http.ResponseWriter, r *http.Request) {
	var req statusRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, "INVALID_REQUEST", err)
		return
	}
	status, ok := schema.ParseThreatStatus(req.Status)
	if !ok {
		s.writeError(w, http.StatusBadRequest, "INVALID_STATUS", fmt.Errorf("invalid status: %q", req.Status))
		return
	}

	t, err := s.deps.Orchestrator.UpdateThreatStatus(r.Context(), r.PathValue("id"), status, req.Override)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, t)
	case errors.Is(err, response.ErrThreatNotFound):
		s.writeError(w, http.StatusNotFound, "NOT_FOUND", fmt.Errorf("threat not found: %s", r.PathValue("id")))
	case errors.Is(err, schema.ErrStatusRegression):
		s.writeError(w, http.StatusConflict, "STATUS_REGRESSION",
			errors.New("invalid status transition: set override to move a threat backwards"))
	default:
		s.writeError(w, http.StatusInternalServerError, "UPDATE_FAILED", err)
	}
}

func (s *Server) handleListActions(w http.ResponseWriter, r *http.Request) {
	q := &queryParams{values: r.URL.Query()}
	f := storage.ActionFilter{
		Limit:      storage.NormalizeLimit(q.int("limit")),
		ThreatID:   q.values.Get("threat_id"),
		ActionType: enum(q, "action_type", schema.ActionType.IsValid),
		Status:     enum(q, "status", schema.ActionStatus.IsValid),
	}
	if q.err != nil {
		s.writeError(w, http.StatusBadRequest, "INVALID_QUERY", q.err)
		return
	}

	actions, err := s.deps.Ledger.QueryActions(r.Context(), f)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "QUERY_FAILED", err)
		return
	}
	if actions == nil {
		actions = []schema.Action{}
	}
	writeJSON(w, http.StatusOK, actions)
}

// actionResponse is returned by POST /v1/actions.
type actionResponse struct {
	ThreatID   string              `json:"threat_id"`
	ActionType schema.ActionType   `json:"action_type"`
	Result     schema.ActionResult `json:"result"`
}

func (s *Server) handleExecuteAction(w http.ResponseWriter, r *http.Request) {
	var req schema.ActionRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, "INVALID_REQUEST", err)
		return
	}
	if req.ThreatID == "" {
		s.writeError(w, http.StatusBadRequest, "INVALID_REQUEST", errors.New("invalid request: threat_id is required"))
		return
	}

	result, err := s.deps.Orchestrator.ExecuteAction(r.Context(), req)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, actionResponse{ThreatID: req.ThreatID, ActionType: req.ActionType, Result: result})
	case errors.Is(err, response.ErrInvalidAction):
		s.writeError(w, http.StatusBadRequest, "INVALID_ACTION", fmt.Errorf("invalid action type: %q", req.ActionType))
	case errors.Is(err, response.ErrThreatNotFound):
		s.writeError(w, http.StatusNotFound, "NOT_FOUND", fmt.Errorf("threat not found: %s", req.ThreatID))
	default:
		s.writeError(w, http.StatusInternalServerError, "ACTION_FAILED", err)
	}
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Stats.Compute(r.Context()))
}

func (s *Server) handleRunCycle(w http.ResponseWriter, r *http.Request) {
	// A client disconnect must not abandon a cycle halfway through the
	// response step.
	report, err := s.deps.Cycler.RunOnce(context.WithoutCancel(r.Context()))
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, report)
	case errors.Is(err, pipeline.ErrCycleInProgress):
		s.writeError(w, http.StatusConflict, "CYCLE_IN_PROGRESS", errors.New("a pipeline cycle is already in progress"))
	default:
		s.writeError(w, http.StatusInternalServerError, "CYCLE_FAILED", err)
	}
}

func (s *Server) handleCredentialStatus(w http.ResponseWriter, r *http.Request) {
	if s.deps.Credentials == nil {
		writeJSON(w, http.StatusOK, credentials.Status{})
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Credentials.Status())
}

// healthResponse is the body of GET /health.
type healthResponse struct {
	Status string            `json:"status"`
	Uptime string            `json:"uptime"`
	Checks map[string]string `json:"checks,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
	defer cancel()

	resp := healthResponse{
		Status: "healthy",
		Uptime: s.now().Sub(s.started).Truncate(time.Second).String(),
	}
	code := http.StatusOK
	if len(s.checks) > 0 {
		resp.Checks = make(map[string]string, len(s.checks))
	}
	for name, check := range s.checks {
		if err := check(ctx); err != nil {
			s.logger.Warn("health check failed", "check", name, "error", err)
			resp.Checks[name] = "unhealthy"
			resp.Status = "unhealthy"
			code = http.StatusServiceUnavailable
			continue
		}
		resp.Checks[name] = "ok"
	}
	writeJSON(w, code, resp)
}
