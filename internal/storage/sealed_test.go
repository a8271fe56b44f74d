package storage

import (
	"context"
	"errors"
	"strings"
	"testing"

	"sentinel/internal/schema"
)

// reverseSealer stands in for the encryption engine.
type reverseSealer struct{}

func (reverseSealer) EncryptString(s string) (string, error) {
	r := []rune(s)
	for i, j := 0, len(r)-1; i < j; i, j = i+1, j-1 {
		r[i], r[j] = r[j], r[i]
	}
	return "v1|" + string(r), nil
}

func (reverseSealer) DecryptString(s string) (string, error) {
	body, ok := strings.CutPrefix(s, "v1|")
	if !ok {
		return "", errors.New("bad envelope")
	}
	r := []rune(body)
	for i, j := 0, len(r)-1; i < j; i, j = i+1, j-1 {
		r[i], r[j] = r[j], r[i]
	}
	return string(r), nil
}

func TestSealedLedgerLogs(t *testing.T) {
	ctx := context.Background()
	inner := NewMemoryLedger()
	l := NewSealedLedger(inner, reverseSealer{})

	rec := testLog("a", 0, "Firewall", schema.LevelWarning)
	if err := l.InsertLog(ctx, rec); err != nil {
		t.Fatalf("InsertLog() error = %v", err)
	}

	raw, _ := inner.QueryLogs(ctx, LogFilter{})
	if !strings.HasPrefix(raw[0].Message, sealedPrefix) {
		t.Errorf("message at rest = %q, want sealed", raw[0].Message)
	}
	if raw[0].Details.IPAddress != "" {
		t.Errorf("details at rest leak ip: %+v", raw[0].Details)
	}
	if raw[0].Source != "Firewall" {
		t.Errorf("source should stay filterable, got %q", raw[0].Source)
	}

	got, err := l.QueryLogs(ctx, LogFilter{Source: "fire"})
	if err != nil {
		t.Fatalf("QueryLogs() error = %v", err)
	}
	if got[0].Message != rec.Message || got[0].Details.IPAddress != "10.0.0.7" || got[0].Details.ProcessID != 311 {
		t.Errorf("opened record = %+v", got[0])
	}
	if rec.Message != "message a" {
		t.Error("InsertLog() mutated the caller's record")
	}
}

func TestSealedLedgerThreats(t *testing.T) {
	ctx := context.Background()
	inner := NewMemoryLedger()
	l := NewSealedLedger(inner, reverseSealer{})

	if err := l.InsertThreat(ctx, testThreat("t1", 0, 0.9)); err != nil {
		t.Fatalf("InsertThreat() error = %v", err)
	}

	raw, _ := inner.GetThreat(ctx, "t1")
	if !strings.HasPrefix(raw.Description, sealedPrefix) {
		t.Errorf("description at rest = %q", raw.Description)
	}

	got, err := l.GetThreat(ctx, "t1")
	if err != nil {
		t.Fatalf("GetThreat() error = %v", err)
	}
	if got.Description != "Blocked connection attempt" || got.Details.IPAddress != "10.0.0.7" {
		t.Errorf("opened threat = %+v", got)
	}

	updated, err := l.UpdateThreat(ctx, "t1", ThreatPatch{Status: statusPtr(schema.ThreatResolved)})
	if err != nil {
		t.Fatalf("UpdateThreat() error = %v", err)
	}
	if updated.Description != "Blocked connection attempt" {
		t.Errorf("UpdateThreat() returned sealed description %q", updated.Description)
	}

	list, _ := l.QueryThreats(ctx, ThreatFilter{Status: schema.ThreatResolved})
	if len(list) != 1 || list[0].Description != "Blocked connection attempt" {
		t.Errorf("QueryThreats() = %+v", list)
	}
}

func TestSealedLedgerReadsPlaintext(t *testing.T) {
	ctx := context.Background()
	inner := NewMemoryLedger()
	if err := inner.InsertLog(ctx, testLog("a", 0, "Firewall", schema.LevelInfo)); err != nil {
		t.Fatal(err)
	}

	got, err := NewSealedLedger(inner, reverseSealer{}).QueryLogs(ctx, LogFilter{})
	if err != nil {
		t.Fatalf("QueryLogs() error = %v", err)
	}
	if got[0].Message != "message a" {
		t.Errorf("plaintext row = %+v", got[0])
	}
}

func TestSealedLedgerCorruptValue(t *testing.T) {
	ctx := context.Background()
	inner := NewMemoryLedger()
	rec := testLog("a", 0, "Firewall", schema.LevelInfo)
	rec.Message = sealedPrefix + "garbage"
	if err := inner.InsertLog(ctx, rec); err != nil {
		t.Fatal(err)
	}

	_, err := NewSealedLedger(inner, reverseSealer{}).QueryLogs(ctx, LogFilter{})
	if !errors.Is(err, ErrInvalidData) {
		t.Errorf("QueryLogs() error = %v, want invalid data", err)
	}
}
