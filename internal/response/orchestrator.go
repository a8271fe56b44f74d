// Package response drives the automated response workflow: it maps threat
// categories to mitigating actions, executes them through pluggable
// executors and tracks each action's lifecycle in the ledger.
//
// An action moves pending -> in_progress -> completed|failed and never
// backwards. Handler failures, timeouts and panics end in failed with an
// {"error": ...} result; they are never returned to the caller as errors.
package response

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"sentinel/internal/metrics"
	"sentinel/internal/notify"
	"sentinel/internal/schema"
	"sentinel/internal/storage"
)

// ErrThreatNotFound is returned when an action targets an unknown threat.
var ErrThreatNotFound = errors.New("response: threat not found")

// ErrInvalidAction is returned for an unknown action type.
var ErrInvalidAction = errors.New("response: invalid action type")

// ErrNoExecutor is recorded when no executor handles an action type.
var ErrNoExecutor = errors.New("response: no executor registered")

// actionLogLayout formats the timestamp appended to a threat's action log.
const actionLogLayout = "2006-01-02 15:04:05"

// Store is the part of the ledger the orchestrator writes to.
type Store interface {
	GetThreat(ctx context.Context, id string) (*schema.Threat, error)
	UpdateThreat(ctx context.Context, id string, p storage.ThreatPatch) (*schema.Threat, error)
	InsertAction(ctx context.Context, a *schema.Action) error
	UpdateAction(ctx context.Context, id string, p storage.ActionPatch) (*schema.Action, error)
}

// Outcome summarizes the handling of one threat.
type Outcome struct {
	ThreatID     string              `json:"threat_id"`
	ActionID     string              `json:"action_id,omitempty"`
	ActionType   schema.ActionType   `json:"action"`
	Status       schema.ActionStatus `json:"status"`
	ThreatStatus schema.ThreatStatus `json:"threat_status"`
	Result       schema.ActionResult `json:"result"`
	Error        string              `json:"error,omitempty"`
}

// Orchestrator executes response actions for threats.
type Orchestrator struct {
	store    Store
	registry *Registry
	rules    RuleTable
	timeout  time.Duration
	notifier notify.Notifier
	logger   *slog.Logger
	metrics  *metrics.Metrics
	locks    *keyedMutex
	now      func() time.Time
	newID    func() string
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithRules replaces the category table.
func WithRules(rt RuleTable) Option {
	return func(o *Orchestrator) { o.rules = rt }
}

// WithHandlerTimeout bounds each handler invocation.
func WithHandlerTimeout(d time.Duration) Option {
	return func(o *Orchestrator) { o.timeout = d }
}

// WithNotifier sets the lifecycle event sink.
func WithNotifier(n notify.Notifier) Option {
	return func(o *Orchestrator) { o.notifier = n }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *Orchestrator) { o.logger = logger }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// WithIDGenerator overrides action id generation.
func WithIDGenerator(fn func() string) Option {
	return func(o *Orchestrator) { o.newID = fn }
}

// NewOrchestrator creates an orchestrator over store and registry.
func NewOrchestrator(store Store, registry *Registry, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		store:    store,
		registry: registry,
		rules:    DefaultRules(),
		timeout:  DefaultConfig().HandlerTimeout,
		notifier: notify.Nop{},
		logger:   slog.Default(),
		locks:    newKeyedMutex(),
		now:      func() time.Time { return time.Now().UTC() },
		newID:    func() string { return uuid.New().String() },
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Rules returns the category table in use.
func (o *Orchestrator) Rules() RuleTable {
	return o.rules.Clone()
}

// HandleThreat runs the rule-selected action for a persisted threat,
// appends it to the threat's action log ("executed at" or "failed at") and
// contains the threat when a block_ip or quarantine action completed. The
// handler parameters come from the threat's indicators and details. It
// never fails; problems are reported in the outcome.
func (o *Orchestrator) HandleThreat(ctx context.Context, t schema.Threat) Outcome {
	unlock := o.locks.Lock(t.ID)
	defer unlock()

	actionType := o.rules.Resolve(t.Category)
	req := schema.ActionRequest{
		ThreatID:   t.ID,
		ActionType: actionType,
		Params:     threatParams(t),
	}

	action := o.execute(ctx, req)
	out := Outcome{
		ThreatID:     t.ID,
		ActionID:     action.ID,
		ActionType:   actionType,
		Status:       action.Status,
		ThreatStatus: t.Status,
		Result:       action.Result,
	}
	if action.Status == schema.ActionFailed {
		if msg, ok := action.Result["error"].(string); ok {
			out.Error = msg
		}
	}

	// A failed action stays visible in the threat's history.
	verb := "executed"
	if action.Status == schema.ActionFailed {
		verb = "failed"
	}
	patch := storage.ThreatPatch{
		AppendActions: []string{fmt.Sprintf("%s %s at %s", actionType, verb, o.now().Format(actionLogLayout))},
	}
	if actionType.Contains() && action.Status == schema.ActionCompleted && t.Status.CanTransition(schema.ThreatContained) {
		contained := schema.ThreatContained
		patch.Status = &contained
	}

	// The cycle may be shutting down; the action already ran, so record it.
	writeCtx := context.WithoutCancel(ctx)
	updated, err := o.store.UpdateThreat(writeCtx, t.ID, patch)
	if errors.Is(err, schema.ErrStatusRegression) {
		// An investigator moved the threat on meanwhile; keep their status.
		patch.Status = nil
		updated, err = o.store.UpdateThreat(writeCtx, t.ID, patch)
	}
	if err != nil {
		o.logger.Error("failed to persist threat update", "threat_id", t.ID, "error", err)
		if out.Error == "" {
			out.Error = fmt.Sprintf("persist threat: %v", err)
		}
		return out
	}

	out.ThreatStatus = updated.Status
	o.notifyThreat(writeCtx, *updated)
	return out
}

// ExecuteAction runs an explicitly requested action. It returns an error
// only when the request is rejected before any action row is written:
// an invalid action type or an unknown threat. Handler failures come back
// as an error result.
func (o *Orchestrator) ExecuteAction(ctx context.Context, req schema.ActionRequest) (schema.ActionResult, error) {
	if !req.ActionType.IsValid() {
		return nil, fmt.Errorf("%w %q", ErrInvalidAction, req.ActionType)
	}
	if _, err := o.store.GetThreat(ctx, req.ThreatID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrThreatNotFound, req.ThreatID)
		}
		return nil, fmt.Errorf("response: failed to load threat %s: %w", req.ThreatID, err)
	}

	unlock := o.locks.Lock(req.ThreatID)
	defer unlock()

	action := o.execute(ctx, req)
	return action.Result, nil
}

// UpdateThreatStatus sets a threat's status on behalf of an investigator.
// Without override the status may only move forward.
func (o *Orchestrator) UpdateThreatStatus(ctx context.Context, id string, status schema.ThreatStatus, override bool) (*schema.Threat, error) {
	unlock := o.locks.Lock(id)
	defer unlock()

	t, err := o.store.UpdateThreat(ctx, id, storage.ThreatPatch{Status: &status, Override: override})
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrThreatNotFound, id)
		}
		return nil, err
	}
	o.notifyThreat(ctx, *t)
	return t, nil
}

// execute records and runs one action. The returned action carries the
// final status and result even when persistence failed.
func (o *Orchestrator) execute(ctx context.Context, req schema.ActionRequest) schema.Action {
	action := schema.Action{
		ID:         o.newID(),
		ThreatID:   req.ThreatID,
		ActionType: req.ActionType,
		Params:     req.Params,
		Timestamp:  o.now(),
		Status:     schema.ActionPending,
	}

	if err := o.store.InsertAction(ctx, &action); err != nil {
		o.logger.Error("failed to record action", "threat_id", req.ThreatID, "action", req.ActionType, "error", err)
		action.Status = schema.ActionFailed
		action.Result = schema.ErrorResult(fmt.Errorf("record action: %w", err))
		o.metrics.ActionFinished(string(action.ActionType), string(action.Status), 0)
		return action
	}

	writeCtx := context.WithoutCancel(ctx)
	o.transition(writeCtx, &action, schema.ActionInProgress, nil)

	start := time.Now()
	result, err := o.invoke(ctx, req.ActionType, req.Params)
	elapsed := time.Since(start)

	if err != nil {
		o.logger.Warn("action failed",
			"action_id", action.ID,
			"threat_id", action.ThreatID,
			"action", action.ActionType,
			"error", err,
		)
		o.transition(writeCtx, &action, schema.ActionFailed, schema.ErrorResult(err))
	} else {
		o.logger.Info("action completed",
			"action_id", action.ID,
			"threat_id", action.ThreatID,
			"action", action.ActionType,
			"duration", elapsed,
		)
		o.transition(writeCtx, &action, schema.ActionCompleted, result)
	}

	o.metrics.ActionFinished(string(action.ActionType), string(action.Status), elapsed)
	if err := o.notifier.ActionFinished(writeCtx, action); err != nil {
		o.metrics.NotifyFailed()
		o.logger.Warn("failed to publish action event", "action_id", action.ID, "error", err)
	}
	return action
}

// transition moves the in-memory action forward and persists it. A failed
// write is logged; the in-memory state still advances so the caller sees
// the real outcome.
func (o *Orchestrator) transition(ctx context.Context, a *schema.Action, status schema.ActionStatus, result schema.ActionResult) {
	a.Status = status
	if result != nil {
		a.Result = result
	}
	if _, err := o.store.UpdateAction(ctx, a.ID, storage.ActionPatch{Status: &status, Result: result}); err != nil {
		o.logger.Error("failed to persist action status",
			"action_id", a.ID,
			"status", status,
			"error", err,
		)
	}
}

type invokeResult struct {
	res schema.ActionResult
	err error
}

// invoke runs the executor under the handler timeout. Panics and
// executors that overrun the deadline are reported as errors.
func (o *Orchestrator) invoke(ctx context.Context, t schema.ActionType, params schema.ActionParams) (schema.ActionResult, error) {
	exec, ok := o.registry.Lookup(t)
	if !ok {
		return nil, fmt.Errorf("%w for %s", ErrNoExecutor, t)
	}

	if o.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.timeout)
		defer cancel()
	}

	done := make(chan invokeResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- invokeResult{err: fmt.Errorf("response: %s handler panicked: %v", t, r)}
			}
		}()
		res, err := exec.Execute(ctx, params)
		done <- invokeResult{res: res, err: err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			return nil, r.err
		}
		if r.res == nil {
			r.res = schema.ActionResult{"status": "success", "action": string(t)}
		}
		return r.res, nil
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("response: %s handler timed out after %s", t, o.timeout)
		}
		return nil, fmt.Errorf("response: %s handler canceled: %w", t, ctx.Err())
	}
}

func (o *Orchestrator) notifyThreat(ctx context.Context, t schema.Threat) {
	if err := o.notifier.ThreatUpdated(ctx, t); err != nil {
		o.metrics.NotifyFailed()
		o.logger.Warn("failed to publish threat event", "threat_id", t.ID, "error", err)
	}
}

// keyedMutex serializes work per key. Entries are reference counted and
// removed when the last holder unlocks.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyedEntry
}

type keyedEntry struct {
	mu   sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*keyedEntry)}
}

// Lock acquires the lock for key and returns its release function.
func (k *keyedMutex) Lock(key string) func() {
	k.mu.Lock()
	e, ok := k.locks[key]
	if !ok {
		e = &keyedEntry{}
		k.locks[key] = e
	}
	e.refs++
	k.mu.Unlock()

	e.mu.Lock()
	return func() {
		e.mu.Unlock()
		k.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
