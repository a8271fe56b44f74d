package schema

import (
	"encoding/json"
	"testing"
	"time"
)

func TestLevel_IsValid(t *testing.T) {
	tests := []struct {
		level Level
		valid bool
	}{
		{LevelInfo, true},
		{LevelWarning, true},
		{LevelError, true},
		{"debug", false},
		{"", false},
	}

	for _, tt := range tests {
		if got := tt.level.IsValid(); got != tt.valid {
			t.Errorf("Level(%q).IsValid() = %v, want %v", tt.level, got, tt.valid)
		}
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want Level
	}{
		{"ERROR", LevelError},
		{" warning ", LevelWarning},
		{"warn", LevelWarning},
		{"info", LevelInfo},
		{"verbose", LevelInfo},
	}

	for _, tt := range tests {
		if got := ParseLevel(tt.in); got != tt.want {
			t.Errorf("ParseLevel(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestThreatStatus_CanTransition(t *testing.T) {
	tests := []struct {
		from, to ThreatStatus
		want     bool
	}{
		{ThreatActive, ThreatInvestigating, true},
		{ThreatActive, ThreatContained, true},
		{ThreatActive, ThreatResolved, true},
		{ThreatInvestigating, ThreatContained, true},
		{ThreatContained, ThreatResolved, true},
		{ThreatContained, ThreatContained, true},
		{ThreatContained, ThreatActive, false},
		{ThreatResolved, ThreatContained, false},
		{ThreatInvestigating, ThreatActive, false},
		{ThreatActive, "closed", false},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			if got := tt.from.CanTransition(tt.to); got != tt.want {
				t.Errorf("CanTransition() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestActionStatus_CanTransition(t *testing.T) {
	tests := []struct {
		from, to ActionStatus
		want     bool
	}{
		{ActionPending, ActionInProgress, true},
		{ActionInProgress, ActionCompleted, true},
		{ActionInProgress, ActionFailed, true},
		{ActionPending, ActionPending, true},
		{ActionPending, ActionCompleted, false},
		{ActionCompleted, ActionInProgress, false},
		{ActionFailed, ActionCompleted, false},
		{ActionInProgress, ActionPending, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			if got := tt.from.CanTransition(tt.to); got != tt.want {
				t.Errorf("CanTransition() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestParseActionType(t *testing.T) {
	if got, err := ParseActionType("Block_IP"); err != nil || got != ActionBlockIP {
		t.Errorf("ParseActionType(Block_IP) = %q, %v", got, err)
	}
	if _, err := ParseActionType("reboot"); err == nil {
		t.Error("ParseActionType(reboot) should fail")
	}
	for _, at := range ActionTypes {
		if !at.IsValid() {
			t.Errorf("%q should be valid", at)
		}
	}
	if !ActionQuarantine.Contains() || ActionCustom.Contains() {
		t.Error("only block_ip and quarantine contain a threat")
	}
}

func TestDetails_JSONFlattening(t *testing.T) {
	raw := `{"ip_address":"10.0.0.5","user":"admin","process_id":4242,"region":"us-east-1","event_id":4625}`

	var d Details
	if err := json.Unmarshal([]byte(raw), &d); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if d.IPAddress != "10.0.0.5" || d.User != "admin" || d.ProcessID != 4242 || d.Region != "us-east-1" {
		t.Errorf("known fields not extracted: %+v", d)
	}
	if len(d.Extra) != 1 || d.Extra["event_id"] != float64(4625) {
		t.Errorf("Extra = %v, want only event_id", d.Extra)
	}

	out, err := json.Marshal(d)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	var m map[string]any
	if err := json.Unmarshal(out, &m); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if m["ip_address"] != "10.0.0.5" || m["event_id"] != float64(4625) {
		t.Errorf("flattened output = %v", m)
	}
	if _, ok := m["file_path"]; ok {
		t.Error("empty fields should be omitted")
	}
}

func TestDetails_NonStringKnownKeyStaysInExtra(t *testing.T) {
	d := DetailsFromMap(map[string]any{"user": 17, "process_id": "abc"})
	if d.User != "" || d.ProcessID != 0 {
		t.Errorf("unexpected extraction: %+v", d)
	}
	if len(d.Extra) != 2 {
		t.Errorf("Extra = %v, want both keys kept", d.Extra)
	}
}

func TestDetails_Value(t *testing.T) {
	d := DetailsFromMap(map[string]any{
		"user":        17,
		"process_id":  "abc",
		"ip_address":  float64(3232235777),
		"region":      nil,
		"file_path":   "/tmp/x",
		"resource_id": "",
	})
	tests := []struct {
		key    string
		want   string
		wantOK bool
	}{
		{"user", "17", true},
		{"process_id", "abc", true},
		{"ip_address", "3232235777", true},
		{"file_path", "/tmp/x", true},
		{"region", "", false},
		{"resource_id", "", false},
		{"service_name", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			got, ok := d.Value(tt.key)
			if got != tt.want || ok != tt.wantOK {
				t.Errorf("Value(%q) = %q, %v; want %q, %v", tt.key, got, ok, tt.want, tt.wantOK)
			}
		})
	}
}

func TestActionParams_FromMap(t *testing.T) {
	p := ActionParamsFromMap(map[string]any{
		"severity":   "high",
		"indicators": []any{"Source: x", 3, "IP address: 1.2.3.4"},
		"process_id": "991",
		"ticket":     "INC-1",
	})
	if p.Severity != SeverityHigh {
		t.Errorf("Severity = %q", p.Severity)
	}
	if len(p.Indicators) != 2 {
		t.Errorf("Indicators = %v", p.Indicators)
	}
	if p.ProcessID != 991 {
		t.Errorf("ProcessID = %d", p.ProcessID)
	}
	if p.Extra["ticket"] != "INC-1" {
		t.Errorf("Extra = %v", p.Extra)
	}
}

func TestThreat_Clone(t *testing.T) {
	orig := Threat{Actions: []string{"a"}, Details: Details{Extra: map[string]any{"k": 1}}}
	c := orig.Clone()
	c.Actions[0] = "b"
	c.Details.Extra["k"] = 2
	if orig.Actions[0] != "a" || orig.Details.Extra["k"] != 1 {
		t.Error("Clone() shares state with the original")
	}
}

func TestErrorResult(t *testing.T) {
	r := ErrorResult(ErrStatusRegression)
	if !r.Failed() || r["error"] != ErrStatusRegression.Error() {
		t.Errorf("ErrorResult() = %v", r)
	}
	if (ActionResult{"status": "success"}).Failed() {
		t.Error("success result reported as failed")
	}
}

func validLog() *LogRecord {
	rec := NewLogRecord(time.Now().UTC(), "Windows-Security", LevelWarning,
		"Failed authentication attempt", Details{User: "admin"})
	return &rec
}
