// Package classifier turns scored log records into threats.
package classifier

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"sentinel/internal/detection/model"
	"sentinel/internal/metrics"
	"sentinel/internal/schema"
)

// Score thresholds.
const (
	AnomalyThreshold  = 0.75
	CriticalThreshold = 0.95
	HighThreshold     = 0.90
	MediumThreshold   = 0.80
)

// ThreatStore persists classified threats.
type ThreatStore interface {
	InsertThreat(ctx context.Context, t *schema.Threat) error
}

// Classifier assigns category, severity and indicators to anomalies.
type Classifier struct {
	threshold float64
	newID     func() string
	logger    *slog.Logger
	metrics   *metrics.Metrics
}

// Option configures a Classifier.
type Option func(*Classifier)

// WithThreshold overrides the anomaly score threshold.
func WithThreshold(th float64) Option {
	return func(c *Classifier) { c.threshold = th }
}

// WithIDGenerator overrides threat id generation.
func WithIDGenerator(fn func() string) Option {
	return func(c *Classifier) { c.newID = fn }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Classifier) { c.logger = logger }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Classifier) { c.metrics = m }
}

// New creates a Classifier.
func New(opts ...Option) *Classifier {
	c := &Classifier{
		threshold: AnomalyThreshold,
		newID:     func() string { return uuid.New().String() },
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// IsAnomalous reports whether a scored record should become a threat.
func (c *Classifier) IsAnomalous(s model.Scored) bool {
	return s.Outlier || s.Score > c.threshold
}

// Classify builds a threat for every anomalous record. It does not persist
// anything.
func (c *Classifier) Classify(scored []model.Scored) []schema.Threat {
	var out []schema.Threat
	for _, s := range scored {
		if !c.IsAnomalous(s) {
			continue
		}
		out = append(out, c.Threat(s.Record, s.Score))
	}
	return out
}

// ClassifyAndStore classifies scored records and persists each threat. A
// threat that fails to persist is logged and left out of the result.
func (c *Classifier) ClassifyAndStore(ctx context.Context, store ThreatStore, scored []model.Scored) []schema.Threat {
	threats := c.Classify(scored)
	stored := threats[:0]
	for i := range threats {
		t := threats[i]
		if err := store.InsertThreat(ctx, &t); err != nil {
			c.logger.Error("failed to persist threat",
				"threat_id", t.ID,
				"log_id", t.RelatedLogs[0],
				"error", err)
			c.metrics.ThreatPersistFailed()
			continue
		}
		c.metrics.ThreatCreated(string(t.Category), string(t.Severity))
		stored = append(stored, t)
	}
	return stored
}

// Threat builds the threat for one anomalous record.
func (c *Classifier) Threat(rec schema.LogRecord, score float64) schema.Threat {
	score = min(max(score, 0), 1)
	user, _ := rec.Details.Value("user")
	return schema.Threat{
		ID:           c.newID(),
		Title:        "Anomaly detected in " + rec.Source,
		Description:  "Unusual activity detected: " + rec.Message,
		Timestamp:    rec.Timestamp,
		Severity:     Severity(score),
		Status:       schema.ThreatActive,
		Source:       rec.Source,
		Category:     Category(rec.Message),
		Indicators:   Indicators(rec),
		Actions:      []string{},
		RelatedLogs:  []string{rec.ID},
		User:         user,
		AnomalyScore: score,
		Details:      rec.Details.Clone(),
	}
}

// Severity maps a normalized score to a severity.
func Severity(score float64) schema.Severity {
	switch {
	case score > CriticalThreshold:
		return schema.SeverityCritical
	case score > HighThreshold:
		return schema.SeverityHigh
	case score > MediumThreshold:
		return schema.SeverityMedium
	default:
		return schema.SeverityLow
	}
}

// Category assigns a category by the first matching message rule.
func Category(message string) schema.Category {
	msg := strings.ToLower(message)
	switch {
	case strings.Contains(msg, "login") || strings.Contains(msg, "authentication"):
		return schema.CategoryBruteForce
	case strings.Contains(msg, "malware") || strings.Contains(msg, "virus"):
		return schema.CategoryMalware
	case strings.Contains(msg, "access") &&
		(strings.Contains(msg, "unauthorized") || strings.Contains(msg, "denied")):
		return schema.CategoryUnauthorizedAccess
	default:
		return schema.CategoryAnomaly
	}
}

// Indicators lists the observable facts of a record.
func Indicators(rec schema.LogRecord) []string {
	out := []string{
		"Source: " + rec.Source,
		"Level: " + string(rec.Level),
	}
	if h := rec.Timestamp.Hour(); h < 5 || h > 22 {
		out = append(out, "Unusual time: "+rec.Timestamp.Format("15:04"))
	}

	d := rec.Details
	if v, ok := d.Value("ip_address"); ok {
		out = append(out, "IP address: "+v)
	}
	if v, ok := d.Value("user"); ok {
		out = append(out, "User: "+v)
	}
	if v, ok := d.Value("process_id"); ok {
		out = append(out, "Process ID: "+v)
	}
	region, okRegion := d.Value("region")
	resource, okResource := d.Value("resource_id")
	if okRegion && okResource {
		out = append(out, fmt.Sprintf("AWS Resource: %s in %s", resource, region))
	}
	return out
}
