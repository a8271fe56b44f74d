package schema

import (
	"slices"
	"strings"
	"time"
)

// Threat is a classified, persisted record of a suspected security incident.
type Threat struct {
	ID           string       `json:"id" validate:"required,max=128"`
	Title        string       `json:"title" validate:"required,max=512"`
	Description  string       `json:"description"`
	Timestamp    time.Time    `json:"timestamp" validate:"required"`
	Severity     Severity     `json:"severity" validate:"required,oneof=low medium high critical"`
	Status       ThreatStatus `json:"status" validate:"required,oneof=active investigating contained resolved"`
	Source       string       `json:"source" validate:"required,max=256"`
	Category     Category     `json:"category" validate:"required,oneof=brute_force malware unauthorized_access anomaly"`
	Indicators   []string     `json:"indicators"`
	Actions      []string     `json:"actions"`
	RelatedLogs  []string     `json:"related_logs"`
	User         string       `json:"user,omitempty"`
	AnomalyScore float64      `json:"anomaly_score" validate:"anomaly_score"`
	Details      Details      `json:"details"`
}

// Clone returns a deep copy so callers can mutate slices without touching
// the original.
func (t Threat) Clone() Threat {
	c := t
	c.Indicators = slices.Clone(t.Indicators)
	c.Actions = slices.Clone(t.Actions)
	c.RelatedLogs = slices.Clone(t.RelatedLogs)
	c.Details = t.Details.Clone()
	return c
}

// Severity is the threat severity.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// IsValid checks if the severity is a valid value.
func (s Severity) IsValid() bool {
	switch s {
	case SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical:
		return true
	}
	return false
}

// ParseSeverity lower-cases s and reports whether it names a severity.
func ParseSeverity(s string) (Severity, bool) {
	v := Severity(strings.ToLower(strings.TrimSpace(s)))
	return v, v.IsValid()
}

// Category is the threat category.
type Category string

const (
	CategoryBruteForce         Category = "brute_force"
	CategoryMalware            Category = "malware"
	CategoryUnauthorizedAccess Category = "unauthorized_access"
	CategoryAnomaly            Category = "anomaly"
)

// IsValid checks if the category is a valid value.
func (c Category) IsValid() bool {
	switch c {
	case CategoryBruteForce, CategoryMalware, CategoryUnauthorizedAccess, CategoryAnomaly:
		return true
	}
	return false
}

// ThreatStatus is the lifecycle status of a threat.
type ThreatStatus string

const (
	ThreatActive        ThreatStatus = "active"
	ThreatInvestigating ThreatStatus = "investigating"
	ThreatContained     ThreatStatus = "contained"
	ThreatResolved      ThreatStatus = "resolved"
)

// IsValid checks if the status is a valid value.
func (s ThreatStatus) IsValid() bool {
	switch s {
	case ThreatActive, ThreatInvestigating, ThreatContained, ThreatResolved:
		return true
	}
	return false
}

// ParseThreatStatus lower-cases s and reports whether it names a status.
func ParseThreatStatus(s string) (ThreatStatus, bool) {
	v := ThreatStatus(strings.ToLower(strings.TrimSpace(s)))
	return v, v.IsValid()
}

func (s ThreatStatus) rank() int {
	switch s {
	case ThreatActive:
		return 0
	case ThreatInvestigating:
		return 1
	case ThreatContained:
		return 2
	case ThreatResolved:
		return 3
	}
	return -1
}

// CanTransition reports whether a threat may move from s to next without an
// investigator override. Statuses only move forward; writing the current
// status again is allowed.
func (s ThreatStatus) CanTransition(next ThreatStatus) bool {
	if !s.IsValid() || !next.IsValid() {
		return false
	}
	return next.rank() >= s.rank()
}
