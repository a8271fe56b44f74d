package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"sentinel/internal/schema"
)

// sealedPrefix marks a sealed text column. Values without it are read as
// plaintext so a ledger can be switched to sealing without a migration.
const sealedPrefix = "sealed:"

// sealedDetailsKey holds the sealed JSON of a details map.
const sealedDetailsKey = "_sealed"

// Sealer encrypts and decrypts field values.
type Sealer interface {
	EncryptString(plaintext string) (string, error)
	DecryptString(sealed string) (string, error)
}

// SealedLedger encrypts log messages and details and threat descriptions and
// details before they reach the wrapped ledger. Queries that filter on a
// sealed field are not supported; the filterable columns stay in the clear.
type SealedLedger struct {
	Ledger
	sealer Sealer
}

// NewSealedLedger wraps next with field sealing.
func NewSealedLedger(next Ledger, sealer Sealer) *SealedLedger {
	return &SealedLedger{Ledger: next, sealer: sealer}
}

// InsertLog seals the message and details.
func (s *SealedLedger) InsertLog(ctx context.Context, rec *schema.LogRecord) error {
	c := *rec
	var err error
	if c.Message, err = s.sealString(rec.Message); err != nil {
		return WrapInvalidDataError("InsertLog", "logs", err)
	}
	if c.Details, err = s.sealDetails(rec.Details); err != nil {
		return WrapInvalidDataError("InsertLog", "logs", err)
	}
	return s.Ledger.InsertLog(ctx, &c)
}

// QueryLogs opens sealed fields of the returned records.
func (s *SealedLedger) QueryLogs(ctx context.Context, f LogFilter) ([]schema.LogRecord, error) {
	recs, err := s.Ledger.QueryLogs(ctx, f)
	if err != nil {
		return nil, err
	}
	for i := range recs {
		if recs[i].Message, err = s.openString(recs[i].Message); err != nil {
			return nil, WrapInvalidDataError("QueryLogs", "logs", err)
		}
		if recs[i].Details, err = s.openDetails(recs[i].Details); err != nil {
			return nil, WrapInvalidDataError("QueryLogs", "logs", err)
		}
	}
	return recs, nil
}

// InsertThreat seals the description and details.
func (s *SealedLedger) InsertThreat(ctx context.Context, t *schema.Threat) error {
	c := t.Clone()
	var err error
	if c.Description, err = s.sealString(t.Description); err != nil {
		return WrapInvalidDataError("InsertThreat", "threats", err)
	}
	if c.Details, err = s.sealDetails(t.Details); err != nil {
		return WrapInvalidDataError("InsertThreat", "threats", err)
	}
	return s.Ledger.InsertThreat(ctx, &c)
}

// GetThreat opens the returned threat.
func (s *SealedLedger) GetThreat(ctx context.Context, id string) (*schema.Threat, error) {
	t, err := s.Ledger.GetThreat(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.openThreat(t); err != nil {
		return nil, WrapInvalidDataError("GetThreat", "threats", err)
	}
	return t, nil
}

// QueryThreats opens the returned threats.
func (s *SealedLedger) QueryThreats(ctx context.Context, f ThreatFilter) ([]schema.Threat, error) {
	ts, err := s.Ledger.QueryThreats(ctx, f)
	if err != nil {
		return nil, err
	}
	for i := range ts {
		if err := s.openThreat(&ts[i]); err != nil {
			return nil, WrapInvalidDataError("QueryThreats", "threats", err)
		}
	}
	return ts, nil
}

// UpdateThreat opens the returned threat.
func (s *SealedLedger) UpdateThreat(ctx context.Context, id string, p ThreatPatch) (*schema.Threat, error) {
	t, err := s.Ledger.UpdateThreat(ctx, id, p)
	if err != nil {
		return nil, err
	}
	if err := s.openThreat(t); err != nil {
		return nil, WrapInvalidDataError("UpdateThreat", "threats", err)
	}
	return t, nil
}

func (s *SealedLedger) openThreat(t *schema.Threat) error {
	var err error
	if t.Description, err = s.openString(t.Description); err != nil {
		return err
	}
	t.Details, err = s.openDetails(t.Details)
	return err
}

func (s *SealedLedger) sealString(v string) (string, error) {
	if v == "" {
		return "", nil
	}
	sealed, err := s.sealer.EncryptString(v)
	if err != nil {
		return "", err
	}
	return sealedPrefix + sealed, nil
}

func (s *SealedLedger) openString(v string) (string, error) {
	sealed, ok := strings.CutPrefix(v, sealedPrefix)
	if !ok {
		return v, nil
	}
	return s.sealer.DecryptString(sealed)
}

func (s *SealedLedger) sealDetails(d schema.Details) (schema.Details, error) {
	if d.IsZero() {
		return d, nil
	}
	raw, err := json.Marshal(d)
	if err != nil {
		return d, err
	}
	sealed, err := s.sealString(string(raw))
	if err != nil {
		return d, err
	}
	return schema.Details{Extra: map[string]any{sealedDetailsKey: sealed}}, nil
}

func (s *SealedLedger) openDetails(d schema.Details) (schema.Details, error) {
	v, ok := d.Extra[sealedDetailsKey].(string)
	if !ok {
		return d, nil
	}
	raw, err := s.openString(v)
	if err != nil {
		return d, err
	}
	var out schema.Details
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return d, fmt.Errorf("sealed details: %w", err)
	}
	return out, nil
}
