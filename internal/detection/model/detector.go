// Package model holds the retrainable outlier model behind anomaly
// detection.
//
// The Detector publishes fitted state as immutable snapshots. A fit builds a
// new scaler and scorer under a single-writer lock and swaps the snapshot in
// atomically; scoring always uses the snapshot in effect when it starts and
// never waits on a fit.
//
// Normalization is batch-local: every fit re-derives the scaler from the
// batch it is given, and anomaly scores are min-max rescaled within the
// scored batch. A score is therefore relative to its batch, not comparable
// across cycles.
package model

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"sentinel/internal/detection/features"
	"sentinel/internal/metrics"
	"sentinel/internal/schema"
)

// Retraining policy defaults.
const (
	RetrainThreshold   = 20
	MinTrainingSamples = 10
)

// rescaleEpsilon keeps the min-max denominator non-zero for constant
// batches.
const rescaleEpsilon = 1e-10

var (
	// ErrModelNotReady is returned when scoring before any successful fit.
	ErrModelNotReady = errors.New("model: not ready")
	// ErrTrainingSkipped is returned when a batch is too small to fit on.
	ErrTrainingSkipped = errors.New("model: training skipped")
)

// Config holds detector configuration.
type Config struct {
	RetrainThreshold   int          `yaml:"retrain_threshold"`
	MinTrainingSamples int          `yaml:"min_training_samples"`
	Forest             ForestConfig `yaml:"forest"`
}

// DefaultConfig returns the default detector configuration.
func DefaultConfig() Config {
	return Config{
		RetrainThreshold:   RetrainThreshold,
		MinTrainingSamples: MinTrainingSamples,
		Forest:             DefaultForestConfig(),
	}
}

// Snapshot is a fitted scaler and scorer pair. It is never mutated after
// publication.
type Snapshot struct {
	Version  uint64
	Scaler   *Scaler
	Scorer   OutlierScorer
	FittedAt time.Time
	Samples  int
}

// Result is the outcome of scoring one vector.
type Result struct {
	Outlier bool
	Raw     float64
	Score   float64
}

// Scored pairs a log record with its detection result.
type Scored struct {
	Record schema.LogRecord
	Result
}

// Detector is the shared outlier model.
type Detector struct {
	cfg       Config
	newScorer func() OutlierScorer
	logger    *slog.Logger
	metrics   *metrics.Metrics

	fitMu   sync.Mutex
	version uint64
	current atomic.Pointer[Snapshot]
}

// Option configures a Detector.
type Option func(*Detector)

// WithScorerFactory replaces the isolation forest with another scorer.
func WithScorerFactory(fn func() OutlierScorer) Option {
	return func(d *Detector) { d.newScorer = fn }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(d *Detector) { d.logger = logger }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *metrics.Metrics) Option {
	return func(d *Detector) { d.metrics = m }
}

// NewDetector creates an unfitted detector.
func NewDetector(cfg Config, opts ...Option) *Detector {
	if cfg.RetrainThreshold <= 0 {
		cfg.RetrainThreshold = RetrainThreshold
	}
	if cfg.MinTrainingSamples <= 0 {
		cfg.MinTrainingSamples = MinTrainingSamples
	}
	d := &Detector{
		cfg:    cfg,
		logger: slog.Default(),
	}
	d.newScorer = func() OutlierScorer { return NewIsolationForest(d.cfg.Forest) }
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Snapshot returns the snapshot in effect, or nil before the first fit.
func (d *Detector) Snapshot() *Snapshot {
	return d.current.Load()
}

// Fitted reports whether a snapshot has been published.
func (d *Detector) Fitted() bool {
	return d.current.Load() != nil
}

// Fit trains a new snapshot on vectors and publishes it. With fewer than
// the minimum number of samples it returns ErrTrainingSkipped and leaves the
// previous snapshot in place.
func (d *Detector) Fit(vectors [][]float64) (*Snapshot, error) {
	if len(vectors) < d.cfg.MinTrainingSamples {
		d.metrics.ModelFitSkipped()
		return nil, fmt.Errorf("%w: %d samples, need %d", ErrTrainingSkipped, len(vectors), d.cfg.MinTrainingSamples)
	}

	d.fitMu.Lock()
	defer d.fitMu.Unlock()

	scaler, err := FitScaler(vectors)
	if err != nil {
		return nil, fmt.Errorf("fit scaler: %w", err)
	}
	normalized, err := scaler.Transform(vectors)
	if err != nil {
		return nil, fmt.Errorf("transform: %w", err)
	}
	scorer := d.newScorer()
	if err := scorer.Fit(normalized); err != nil {
		return nil, fmt.Errorf("fit scorer: %w", err)
	}

	d.version++
	snap := &Snapshot{
		Version:  d.version,
		Scaler:   scaler,
		Scorer:   scorer,
		FittedAt: time.Now().UTC(),
		Samples:  len(vectors),
	}
	d.current.Store(snap)
	d.metrics.ModelFitted(snap.Version)
	return snap, nil
}

// Score labels and scores vectors with the current snapshot.
func (d *Detector) Score(vectors [][]float64) ([]Result, error) {
	snap := d.current.Load()
	if snap == nil {
		return nil, ErrModelNotReady
	}
	return snap.Score(vectors)
}

// Score labels vectors with this snapshot and rescales the decision values
// within the batch.
func (s *Snapshot) Score(vectors [][]float64) ([]Result, error) {
	if len(vectors) == 0 {
		return nil, nil
	}
	normalized, err := s.Scaler.Transform(vectors)
	if err != nil {
		return nil, err
	}
	raw := s.Scorer.Decide(normalized)
	scores := Rescale(raw)

	out := make([]Result, len(raw))
	for i := range raw {
		out[i] = Result{
			Outlier: raw[i] < 0,
			Raw:     raw[i],
			Score:   scores[i],
		}
	}
	return out, nil
}

// Detect runs the detection step over a batch of records: extract features,
// refit when the model is unfitted or the batch reaches the retrain
// threshold, then score. An unready model yields an empty result.
func (d *Detector) Detect(records []schema.LogRecord) []Scored {
	if len(records) == 0 {
		return nil
	}
	vectors := features.Extract(records)

	if !d.Fitted() || len(vectors) >= d.cfg.RetrainThreshold {
		snap, err := d.Fit(vectors)
		switch {
		case errors.Is(err, ErrTrainingSkipped):
			d.logger.Info("model training skipped", "samples", len(vectors), "min", d.cfg.MinTrainingSamples)
		case err != nil:
			d.logger.Error("model fit failed", "error", err)
		default:
			d.logger.Debug("model fitted", "version", snap.Version, "samples", snap.Samples)
		}
	}

	results, err := d.Score(vectors)
	if err != nil {
		if errors.Is(err, ErrModelNotReady) {
			d.logger.Info("model not ready, skipping detection", "records", len(records))
		} else {
			d.logger.Error("scoring failed", "error", err)
		}
		return nil
	}

	out := make([]Scored, len(records))
	for i := range records {
		out[i] = Scored{Record: records[i], Result: results[i]}
	}
	return out
}

// Rescale maps decision values to [0,1] within the batch, 1 being the most
// anomalous. A constant batch maps every value to 1.
func Rescale(raw []float64) []float64 {
	if len(raw) == 0 {
		return nil
	}
	lo, hi := raw[0], raw[0]
	for _, r := range raw[1:] {
		lo = min(lo, r)
		hi = max(hi, r)
	}
	den := (hi - lo) + rescaleEpsilon

	out := make([]float64, len(raw))
	for i, r := range raw {
		s := 1 - (r-lo)/den
		out[i] = min(max(s, 0), 1)
	}
	return out
}
