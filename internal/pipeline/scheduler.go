// Package pipeline runs the periodic detection and response cycle: collect
// new logs, score the most recent window, classify anomalies into threats
// and dispatch responses through a bounded worker pool.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/errgroup"

	"sentinel/internal/credentials"
	"sentinel/internal/detection/classifier"
	"sentinel/internal/detection/model"
	"sentinel/internal/metrics"
	"sentinel/internal/notify"
	"sentinel/internal/response"
	"sentinel/internal/schema"
	"sentinel/internal/storage"
)

var (
	// ErrCycleInProgress is returned by RunOnce while another cycle runs.
	ErrCycleInProgress = errors.New("pipeline: cycle already in progress")
	// ErrInvalidLog wraps validation failures from Ingest.
	ErrInvalidLog = errors.New("pipeline: invalid log record")
)

// Detector scores a batch of records.
type Detector interface {
	Detect(records []schema.LogRecord) []model.Scored
}

// Classifier turns scored records into persisted threats.
type Classifier interface {
	IsAnomalous(s model.Scored) bool
	ClassifyAndStore(ctx context.Context, store classifier.ThreatStore, scored []model.Scored) []schema.Threat
}

// Responder handles a single threat.
type Responder interface {
	HandleThreat(ctx context.Context, t schema.Threat) response.Outcome
}

// CredentialReporter reports optional enrichment credentials.
type CredentialReporter interface {
	Status() credentials.Status
}

// Deps are the collaborators a Scheduler drives.
type Deps struct {
	Feed       Feed
	Ledger     storage.Ledger
	Detector   Detector
	Classifier Classifier
	Responder  Responder
}

func (d Deps) validate() error {
	switch {
	case d.Feed == nil:
		return errors.New("pipeline: feed is required")
	case d.Ledger == nil:
		return errors.New("pipeline: ledger is required")
	case d.Detector == nil:
		return errors.New("pipeline: detector is required")
	case d.Classifier == nil:
		return errors.New("pipeline: classifier is required")
	case d.Responder == nil:
		return errors.New("pipeline: responder is required")
	}
	return nil
}

// CycleReport summarizes one cycle.
type CycleReport struct {
	StartedAt time.Time          `json:"started_at"`
	Duration  time.Duration      `json:"duration"`
	Collected int                `json:"collected"`
	Ingested  int                `json:"ingested"`
	Rejected  int                `json:"rejected"`
	Analyzed  int                `json:"analyzed"`
	Scored    int                `json:"scored"`
	Duplicate int                `json:"duplicate"`
	Threats   int                `json:"threats"`
	Outcomes  []response.Outcome `json:"outcomes"`
}

// Scheduler runs non-overlapping pipeline cycles.
type Scheduler struct {
	cfg       Config
	deps      Deps
	seen      *lru.Cache[string, struct{}]
	validator *schema.Validator
	notifier  notify.Notifier
	creds     CredentialReporter
	logger    *slog.Logger
	metrics   *metrics.Metrics
	now       func() time.Time

	cycle sync.Mutex
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Scheduler) { s.logger = logger }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Scheduler) { s.metrics = m }
}

// WithNotifier publishes threat.created events.
func WithNotifier(n notify.Notifier) Option {
	return func(s *Scheduler) { s.notifier = n }
}

// WithCredentials enables the enrichment status checks.
func WithCredentials(c CredentialReporter) Option {
	return func(s *Scheduler) { s.creds = c }
}

// WithValidator overrides the log validator.
func WithValidator(v *schema.Validator) Option {
	return func(s *Scheduler) { s.validator = v }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// NewScheduler creates a scheduler.
func NewScheduler(cfg Config, deps Deps, opts ...Option) (*Scheduler, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := deps.validate(); err != nil {
		return nil, err
	}
	seen, err := lru.New[string, struct{}](cfg.DedupeSize)
	if err != nil {
		return nil, fmt.Errorf("pipeline: dedupe cache: %w", err)
	}

	s := &Scheduler{
		cfg:      cfg,
		deps:     deps,
		seen:     seen,
		notifier: notify.Nop{},
		logger:   slog.Default(),
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.validator == nil {
		s.validator = schema.NewValidator()
	}
	if s.notifier == nil {
		s.notifier = notify.Nop{}
	}
	return s, nil
}

// Ingest validates and stores a single log record. It is used by the feed
// step and by the HTTP API.
func (s *Scheduler) Ingest(ctx context.Context, rec *schema.LogRecord) error {
	if err := s.validator.ValidateLog(rec); err != nil {
		s.metrics.LogRejected()
		return fmt.Errorf("%w: %v", ErrInvalidLog, err)
	}
	if err := s.deps.Ledger.InsertLog(ctx, rec); err != nil {
		return fmt.Errorf("pipeline: store log: %w", err)
	}
	s.metrics.LogIngested()
	return nil
}

// Run executes a cycle immediately and then one per interval until ctx is
// canceled. The interval counts from the end of the previous cycle.
func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.Info("pipeline started",
		"feed", s.deps.Feed.Name(),
		"interval", s.cfg.Interval,
		"window", s.cfg.Window,
		"workers", s.cfg.Workers)
	if s.creds != nil {
		st := s.creds.Status()
		s.logger.Info("credential status",
			"azure_present", st.Azure.Present,
			"azure_valid", st.Azure.Valid,
			"gemini_present", st.Gemini.Present,
			"gemini_valid", st.Gemini.Valid)
	}

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("pipeline stopped")
			return nil
		case <-timer.C:
		}

		report, err := s.RunOnce(ctx)
		switch {
		case errors.Is(err, ErrCycleInProgress):
			s.logger.Debug("cycle skipped, manual cycle running")
		case err != nil && ctx.Err() == nil:
			s.logger.Error("pipeline cycle failed", "error", err)
		case err == nil:
			s.logger.Info("pipeline cycle completed",
				"duration", report.Duration,
				"ingested", report.Ingested,
				"analyzed", report.Analyzed,
				"threats", report.Threats)
		}
		timer.Reset(s.cfg.Interval)
	}
}

// RunOnce runs a single cycle synchronously.
func (s *Scheduler) RunOnce(ctx context.Context) (CycleReport, error) {
	if !s.cycle.TryLock() {
		return CycleReport{}, ErrCycleInProgress
	}
	defer s.cycle.Unlock()

	report := CycleReport{StartedAt: s.now()}
	start := time.Now()
	err := s.runCycle(ctx, &report)
	report.Duration = time.Since(start)

	result := "ok"
	if err != nil {
		result = "error"
	}
	s.metrics.CycleFinished(result, report.Duration)
	return report, err
}

func (s *Scheduler) runCycle(ctx context.Context, report *CycleReport) error {
	s.collect(ctx, report)
	if err := ctx.Err(); err != nil {
		return err
	}

	window, err := s.deps.Ledger.QueryLogs(ctx, storage.LogFilter{Limit: s.cfg.Window})
	if err != nil {
		return fmt.Errorf("pipeline: query window: %w", err)
	}
	report.Analyzed = len(window)
	if len(window) == 0 {
		return nil
	}

	scored := s.deps.Detector.Detect(window)
	report.Scored = len(scored)

	var fresh []model.Scored
	for _, sc := range scored {
		if !s.deps.Classifier.IsAnomalous(sc) {
			continue
		}
		if s.seen.Contains(sc.Record.ID) {
			report.Duplicate++
			continue
		}
		fresh = append(fresh, sc)
	}
	if len(fresh) == 0 {
		return nil
	}

	threats := s.deps.Classifier.ClassifyAndStore(ctx, s.deps.Ledger, fresh)
	report.Threats = len(threats)
	for _, t := range threats {
		s.seen.Add(t.RelatedLogs[0], struct{}{})
		if err := s.notifier.ThreatCreated(ctx, t); err != nil {
			s.metrics.NotifyFailed()
			s.logger.Warn("threat notification failed", "threat_id", t.ID, "error", err)
		}
	}
	if len(threats) > 0 && s.creds != nil && s.creds.Status().Gemini.Present {
		s.logger.Info("gemini credentials present, enrichment would run", "threats", len(threats))
	}

	report.Outcomes = s.respond(ctx, threats)
	return nil
}

// collect pulls new records from the feed and stores them. Feed and
// validation failures are logged; the cycle goes on with what is stored.
func (s *Scheduler) collect(ctx context.Context, report *CycleReport) {
	if s.creds != nil && s.creds.Status().Azure.Present {
		s.logger.Info("azure credentials present, real log collection would run")
	}

	records, err := s.deps.Feed.Collect(ctx, s.cfg.CollectMax)
	if err != nil {
		s.logger.Error("log collection failed", "feed", s.deps.Feed.Name(), "error", err)
		return
	}
	report.Collected = len(records)

	for i := range records {
		if err := s.Ingest(ctx, &records[i]); err != nil {
			report.Rejected++
			s.logger.Warn("log record rejected",
				"log_id", records[i].ID,
				"source", records[i].Source,
				"error", err)
			continue
		}
		report.Ingested++
	}
}

// respond dispatches each threat to the responder with at most
// cfg.Workers handlers in flight, returning outcomes in threat order.
func (s *Scheduler) respond(ctx context.Context, threats []schema.Threat) []response.Outcome {
	if len(threats) == 0 {
		return nil
	}
	outcomes := make([]response.Outcome, len(threats))

	var g errgroup.Group
	g.SetLimit(min(s.cfg.Workers, len(threats)))
	for i := range threats {
		g.Go(func() error {
			outcomes[i] = s.deps.Responder.HandleThreat(ctx, threats[i])
			return nil
		})
	}
	_ = g.Wait()
	return outcomes
}
