package classifier

import (
	"context"
	"encoding/json"
	"errors"
	"slices"
	"testing"
	"time"

	"sentinel/internal/detection/model"
	"sentinel/internal/schema"
)

func TestSeverity(t *testing.T) {
	tests := []struct {
		score float64
		want  schema.Severity
	}{
		{1.0, schema.SeverityCritical},
		{0.96, schema.SeverityCritical},
		{0.95, schema.SeverityHigh},
		{0.91, schema.SeverityHigh},
		{0.90, schema.SeverityMedium},
		{0.81, schema.SeverityMedium},
		{0.80, schema.SeverityLow},
		{0.0, schema.SeverityLow},
	}

	for _, tt := range tests {
		if got := Severity(tt.score); got != tt.want {
			t.Errorf("Severity(%v) = %q, want %q", tt.score, got, tt.want)
		}
	}
}

func TestCategory(t *testing.T) {
	tests := []struct {
		msg  string
		want schema.Category
	}{
		{"Failed authentication attempt", schema.CategoryBruteForce},
		{"Multiple LOGIN failures", schema.CategoryBruteForce},
		{"Malware signature found", schema.CategoryMalware},
		{"Virus detected in upload", schema.CategoryMalware},
		{"Unauthorized access to bucket", schema.CategoryUnauthorizedAccess},
		{"Access denied for role", schema.CategoryUnauthorizedAccess},
		{"Access granted", schema.CategoryAnomaly},
		{"Login blocked: virus and unauthorized access", schema.CategoryBruteForce},
		{"Disk usage high", schema.CategoryAnomaly},
	}

	for _, tt := range tests {
		t.Run(tt.msg, func(t *testing.T) {
			if got := Category(tt.msg); got != tt.want {
				t.Errorf("Category() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestIndicators(t *testing.T) {
	rec := schema.LogRecord{
		Source:    "AWS-CloudTrail",
		Level:     schema.LevelError,
		Timestamp: time.Date(2024, 5, 1, 23, 7, 0, 0, time.UTC),
		Details: schema.Details{
			IPAddress:  "10.0.0.5",
			User:       "admin",
			ProcessID:  4242,
			Region:     "us-east-1",
			ResourceID: "i-0abc",
		},
	}
	want := []string{
		"Source: AWS-CloudTrail",
		"Level: error",
		"Unusual time: 23:07",
		"IP address: 10.0.0.5",
		"User: admin",
		"Process ID: 4242",
		"AWS Resource: i-0abc in us-east-1",
	}
	if got := Indicators(rec); !slices.Equal(got, want) {
		t.Errorf("Indicators() = %v, want %v", got, want)
	}

	t.Run("minimal", func(t *testing.T) {
		rec := schema.LogRecord{Source: "s", Level: schema.LevelInfo, Timestamp: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
			Details: schema.Details{Region: "eu-west-1"}}
		got := Indicators(rec)
		if !slices.Equal(got, []string{"Source: s", "Level: info"}) {
			t.Errorf("Indicators() = %v", got)
		}
	})

	t.Run("non-string detail values", func(t *testing.T) {
		var details schema.Details
		if err := json.Unmarshal([]byte(`{"user":1001,"ip_address":3232235777,"process_id":"svc-7","region":null}`), &details); err != nil {
			t.Fatalf("Unmarshal() error = %v", err)
		}
		rec := schema.LogRecord{Source: "Windows-Security", Level: schema.LevelError,
			Timestamp: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC), Details: details}
		want := []string{
			"Source: Windows-Security",
			"Level: error",
			"IP address: 3232235777",
			"User: 1001",
			"Process ID: svc-7",
		}
		if got := Indicators(rec); !slices.Equal(got, want) {
			t.Errorf("Indicators() = %v, want %v", got, want)
		}

		threat := New().Threat(rec, 0.9)
		if threat.User != "1001" {
			t.Errorf("Threat.User = %q, want 1001", threat.User)
		}
	})

	t.Run("early morning", func(t *testing.T) {
		rec := schema.LogRecord{Timestamp: time.Date(2024, 5, 1, 4, 59, 0, 0, time.UTC)}
		if got := Indicators(rec); !slices.Contains(got, "Unusual time: 04:59") {
			t.Errorf("Indicators() = %v, want unusual time", got)
		}
	})
}

func scored(msg string, outlier bool, score float64) model.Scored {
	return model.Scored{
		Record: schema.LogRecord{
			ID:        "log-1",
			Timestamp: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
			Source:    "Windows-Security",
			Level:     schema.LevelWarning,
			Message:   msg,
			Details:   schema.Details{User: "svc"},
		},
		Result: model.Result{Outlier: outlier, Score: score},
	}
}

func TestClassify(t *testing.T) {
	c := New(WithIDGenerator(func() string { return "threat-1" }))

	threats := c.Classify([]model.Scored{
		scored("Failed authentication attempt", false, 0.97),
		scored("Heartbeat", false, 0.75),
		scored("Malware found", true, 0.1),
	})
	if len(threats) != 2 {
		t.Fatalf("Classify() = %d threats, want 2", len(threats))
	}

	th := threats[0]
	if th.Category != schema.CategoryBruteForce || th.Severity != schema.SeverityCritical {
		t.Errorf("category/severity = %q/%q", th.Category, th.Severity)
	}
	if th.Title != "Anomaly detected in Windows-Security" {
		t.Errorf("Title = %q", th.Title)
	}
	if th.Description != "Unusual activity detected: Failed authentication attempt" {
		t.Errorf("Description = %q", th.Description)
	}
	if th.Status != schema.ThreatActive || th.User != "svc" || th.ID != "threat-1" {
		t.Errorf("unexpected threat: %+v", th)
	}
	if !slices.Equal(th.RelatedLogs, []string{"log-1"}) {
		t.Errorf("RelatedLogs = %v", th.RelatedLogs)
	}
	if threats[1].Category != schema.CategoryMalware || threats[1].Severity != schema.SeverityLow {
		t.Errorf("outlier threat = %q/%q", threats[1].Category, threats[1].Severity)
	}
}

type fakeStore struct {
	fail    map[string]bool
	inserts []schema.Threat
}

func (s *fakeStore) InsertThreat(_ context.Context, t *schema.Threat) error {
	if s.fail[t.Description] {
		return errors.New("insert failed")
	}
	s.inserts = append(s.inserts, *t)
	return nil
}

func TestClassifyAndStore_DropsUnpersisted(t *testing.T) {
	store := &fakeStore{fail: map[string]bool{"Unusual activity detected: b": true}}
	c := New()

	got := c.ClassifyAndStore(context.Background(), store, []model.Scored{
		scored("a", true, 0.9),
		scored("b", true, 0.9),
		scored("c", true, 0.9),
	})
	if len(got) != 2 || len(store.inserts) != 2 {
		t.Fatalf("stored %d, returned %d, want 2/2", len(store.inserts), len(got))
	}
	for _, th := range got {
		if th.Description == "Unusual activity detected: b" {
			t.Error("unpersisted threat returned")
		}
	}
}

func TestClassify_EndToEndScenario(t *testing.T) {
	recs := make([]schema.LogRecord, 25)
	for i := range recs {
		recs[i] = schema.NewLogRecord(time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
			"Windows-Security", schema.LevelWarning, "Failed authentication attempt", schema.Details{})
	}
	d := model.NewDetector(model.DefaultConfig())
	threats := New().Classify(d.Detect(recs))

	if len(threats) == 0 {
		t.Fatal("expected at least one anomaly")
	}
	for _, th := range threats {
		if th.Category != schema.CategoryBruteForce {
			t.Errorf("category = %q, want brute_force", th.Category)
		}
		if !th.Severity.IsValid() || !th.Category.IsValid() {
			t.Errorf("invalid enum values: %+v", th)
		}
		if len(th.Indicators) < 2 {
			t.Errorf("indicators = %v", th.Indicators)
		}
	}
}
