package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"sentinel/internal/schema"
)

// ClickHouseLedger stores the ledger in ClickHouse. Logs are appended
// through the BatchWriter. Threats and actions live in ReplacingMergeTree
// tables: an update inserts a new row with a higher version and reads use
// FINAL so only the latest version of each id is visible.
type ClickHouseLedger struct {
	client *ClickHouseClient
	writer *BatchWriter

	// Updates are read-modify-write; serialize them per ledger.
	updateMu sync.Mutex
}

// NewClickHouseLedger wraps a connected client. The caller runs the
// Migrator beforehand.
func NewClickHouseLedger(client *ClickHouseClient, writer *BatchWriter) *ClickHouseLedger {
	return &ClickHouseLedger{client: client, writer: writer}
}

type chLogRow struct {
	ID        string    `ch:"id"`
	Timestamp time.Time `ch:"timestamp"`
	Source    string    `ch:"source"`
	Level     string    `ch:"level"`
	Message   string    `ch:"message"`
	Details   string    `ch:"details"`
}

type chThreatRow struct {
	ID           string    `ch:"id"`
	Timestamp    time.Time `ch:"timestamp"`
	Title        string    `ch:"title"`
	Description  string    `ch:"description"`
	Severity     string    `ch:"severity"`
	Status       string    `ch:"status"`
	Source       string    `ch:"source"`
	Category     string    `ch:"category"`
	Indicators   []string  `ch:"indicators"`
	Actions      []string  `ch:"actions"`
	RelatedLogs  []string  `ch:"related_logs"`
	Actor        string    `ch:"actor"`
	AnomalyScore float64   `ch:"anomaly_score"`
	Details      string    `ch:"details"`
	Version      uint64    `ch:"version"`
}

type chActionRow struct {
	ID         string    `ch:"id"`
	ThreatID   string    `ch:"threat_id"`
	ActionType string    `ch:"action_type"`
	Parameters string    `ch:"parameters"`
	Timestamp  time.Time `ch:"timestamp"`
	Status     string    `ch:"status"`
	Result     string    `ch:"result"`
	Version    uint64    `ch:"version"`
}

const (
	chLogColumns    = "id, timestamp, source, level, message, details"
	chThreatColumns = "id, timestamp, title, description, severity, status, source, category, indicators, actions, related_logs, actor, anomaly_score, details, version"
	chActionColumns = "id, threat_id, action_type, parameters, timestamp, status, result, version"
)

// InsertLog queues a record on the batch writer.
func (c *ClickHouseLedger) InsertLog(_ context.Context, rec *schema.LogRecord) error {
	if err := c.writer.Write(rec); err != nil {
		return NewStorageError("InsertLog", "logs", err)
	}
	return nil
}

// QueryLogs flushes pending writes and returns matching records.
func (c *ClickHouseLedger) QueryLogs(ctx context.Context, f LogFilter) ([]schema.LogRecord, error) {
	if err := c.writer.Flush(); err != nil {
		return nil, NewStorageError("QueryLogs", "logs", err)
	}
	where, args := chLogWhere(f)
	args = append(args, NormalizeLimit(f.Limit))

	var rows []chLogRow
	query := "SELECT " + chLogColumns + " FROM logs FINAL" + where + " ORDER BY timestamp DESC, id ASC LIMIT ?"
	if err := c.client.Select(ctx, &rows, query, args...); err != nil {
		return nil, WrapQueryError("QueryLogs", "logs", err)
	}

	out := make([]schema.LogRecord, 0, len(rows))
	for _, r := range rows {
		rec := schema.LogRecord{
			ID:        r.ID,
			Timestamp: r.Timestamp.UTC(),
			Source:    r.Source,
			Level:     schema.Level(r.Level),
			Message:   r.Message,
		}
		if err := json.Unmarshal([]byte(r.Details), &rec.Details); err != nil {
			return nil, WrapInvalidDataError("QueryLogs", "logs", err)
		}
		out = append(out, rec)
	}
	return out, nil
}

// CountLogs counts matching records.
func (c *ClickHouseLedger) CountLogs(ctx context.Context, f LogFilter) (int, error) {
	if err := c.writer.Flush(); err != nil {
		return 0, NewStorageError("CountLogs", "logs", err)
	}
	where, args := chLogWhere(f)
	return c.count(ctx, "CountLogs", "logs", where, args)
}

// InsertThreat stores a threat at version 1.
func (c *ClickHouseLedger) InsertThreat(ctx context.Context, t *schema.Threat) error {
	if err := c.insertThreat(ctx, t, 1); err != nil {
		return WrapQueryError("InsertThreat", "threats", err)
	}
	return nil
}

func (c *ClickHouseLedger) insertThreat(ctx context.Context, t *schema.Threat, version uint64) error {
	details, err := json.Marshal(t.Details)
	if err != nil {
		return err
	}
	return c.client.Exec(ctx, "INSERT INTO threats ("+chThreatColumns+") VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)",
		t.ID,
		t.Timestamp.UTC(),
		t.Title,
		t.Description,
		string(t.Severity),
		string(t.Status),
		t.Source,
		string(t.Category),
		nonNil(t.Indicators),
		nonNil(t.Actions),
		nonNil(t.RelatedLogs),
		t.User,
		t.AnomalyScore,
		string(details),
		version,
	)
}

// GetThreat returns the latest version of a threat.
func (c *ClickHouseLedger) GetThreat(ctx context.Context, id string) (*schema.Threat, error) {
	t, _, err := c.getThreat(ctx, id)
	return t, err
}

func (c *ClickHouseLedger) getThreat(ctx context.Context, id string) (*schema.Threat, uint64, error) {
	var rows []chThreatRow
	query := "SELECT " + chThreatColumns + " FROM threats FINAL WHERE id = ? LIMIT 1"
	if err := c.client.Select(ctx, &rows, query, id); err != nil {
		return nil, 0, WrapQueryError("GetThreat", "threats", err)
	}
	if len(rows) == 0 {
		return nil, 0, WrapNotFoundError("GetThreat", "threats", id)
	}
	t, err := rows[0].threat()
	if err != nil {
		return nil, 0, WrapInvalidDataError("GetThreat", "threats", err)
	}
	return &t, rows[0].Version, nil
}

// QueryThreats returns matching threats, newest first.
func (c *ClickHouseLedger) QueryThreats(ctx context.Context, f ThreatFilter) ([]schema.Threat, error) {
	where, args := chThreatWhere(f)
	args = append(args, NormalizeLimit(f.Limit))

	var rows []chThreatRow
	query := "SELECT " + chThreatColumns + " FROM threats FINAL" + where + " ORDER BY timestamp DESC, id ASC LIMIT ?"
	if err := c.client.Select(ctx, &rows, query, args...); err != nil {
		return nil, WrapQueryError("QueryThreats", "threats", err)
	}

	out := make([]schema.Threat, 0, len(rows))
	for _, r := range rows {
		t, err := r.threat()
		if err != nil {
			return nil, WrapInvalidDataError("QueryThreats", "threats", err)
		}
		out = append(out, t)
	}
	return out, nil
}

// CountThreats counts matching threats.
func (c *ClickHouseLedger) CountThreats(ctx context.Context, f ThreatFilter) (int, error) {
	where, args := chThreatWhere(f)
	return c.count(ctx, "CountThreats", "threats", where, args)
}

// UpdateThreat writes a new version of the threat with p applied.
func (c *ClickHouseLedger) UpdateThreat(ctx context.Context, id string, p ThreatPatch) (*schema.Threat, error) {
	c.updateMu.Lock()
	defer c.updateMu.Unlock()

	t, version, err := c.getThreat(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := p.Apply(t); err != nil {
		return nil, err
	}
	if err := c.insertThreat(ctx, t, version+1); err != nil {
		return nil, WrapQueryError("UpdateThreat", "threats", err)
	}
	return t, nil
}

// InsertAction stores an action at version 1. The owning threat must exist.
func (c *ClickHouseLedger) InsertAction(ctx context.Context, a *schema.Action) error {
	if _, _, err := c.getThreat(ctx, a.ThreatID); err != nil {
		return err
	}
	if err := c.insertAction(ctx, a, 1); err != nil {
		return WrapQueryError("InsertAction", "actions", err)
	}
	return nil
}

func (c *ClickHouseLedger) insertAction(ctx context.Context, a *schema.Action, version uint64) error {
	params, err := json.Marshal(a.Params)
	if err != nil {
		return err
	}
	result, err := json.Marshal(a.Result)
	if err != nil {
		return err
	}
	return c.client.Exec(ctx, "INSERT INTO actions ("+chActionColumns+") VALUES (?, ?, ?, ?, ?, ?, ?, ?)",
		a.ID,
		a.ThreatID,
		string(a.ActionType),
		string(params),
		a.Timestamp.UTC(),
		string(a.Status),
		string(result),
		version,
	)
}

// UpdateAction writes a new version of the action with p applied.
func (c *ClickHouseLedger) UpdateAction(ctx context.Context, id string, p ActionPatch) (*schema.Action, error) {
	c.updateMu.Lock()
	defer c.updateMu.Unlock()

	var rows []chActionRow
	query := "SELECT " + chActionColumns + " FROM actions FINAL WHERE id = ? LIMIT 1"
	if err := c.client.Select(ctx, &rows, query, id); err != nil {
		return nil, WrapQueryError("UpdateAction", "actions", err)
	}
	if len(rows) == 0 {
		return nil, WrapNotFoundError("UpdateAction", "actions", id)
	}
	a, err := rows[0].action()
	if err != nil {
		return nil, WrapInvalidDataError("UpdateAction", "actions", err)
	}
	if err := p.Apply(&a); err != nil {
		return nil, err
	}
	if err := c.insertAction(ctx, &a, rows[0].Version+1); err != nil {
		return nil, WrapQueryError("UpdateAction", "actions", err)
	}
	return &a, nil
}

// QueryActions returns matching actions, newest first.
func (c *ClickHouseLedger) QueryActions(ctx context.Context, f ActionFilter) ([]schema.Action, error) {
	var conds []string
	var args []any
	if f.ThreatID != "" {
		conds = append(conds, "threat_id = ?")
		args = append(args, f.ThreatID)
	}
	if f.ActionType != "" {
		conds = append(conds, "action_type = ?")
		args = append(args, string(f.ActionType))
	}
	if f.Status != "" {
		conds = append(conds, "status = ?")
		args = append(args, string(f.Status))
	}
	args = append(args, NormalizeLimit(f.Limit))

	var rows []chActionRow
	query := "SELECT " + chActionColumns + " FROM actions FINAL" + whereClause(conds) + " ORDER BY timestamp DESC, id ASC LIMIT ?"
	if err := c.client.Select(ctx, &rows, query, args...); err != nil {
		return nil, WrapQueryError("QueryActions", "actions", err)
	}

	out := make([]schema.Action, 0, len(rows))
	for _, r := range rows {
		a, err := r.action()
		if err != nil {
			return nil, WrapInvalidDataError("QueryActions", "actions", err)
		}
		out = append(out, a)
	}
	return out, nil
}

// Close flushes the batch writer and closes the connection.
func (c *ClickHouseLedger) Close() error {
	werr := c.writer.Close()
	cerr := c.client.Close()
	if werr != nil {
		return werr
	}
	return cerr
}

func (c *ClickHouseLedger) count(ctx context.Context, op, table, where string, args []any) (int, error) {
	var n uint64
	row := c.client.QueryRow(ctx, "SELECT count() FROM "+table+" FINAL"+where, args...)
	if err := row.Scan(&n); err != nil {
		return 0, WrapQueryError(op, table, err)
	}
	return int(n), nil
}

func chLogWhere(f LogFilter) (string, []any) {
	var conds []string
	var args []any
	if f.Source != "" {
		conds = append(conds, "positionCaseInsensitive(source, ?) > 0")
		args = append(args, f.Source)
	}
	if f.Level != "" {
		conds = append(conds, "level = ?")
		args = append(args, string(f.Level))
	}
	conds, args = chTimeConds(conds, args, f.Since, f.Until)
	return whereClause(conds), args
}

func chThreatWhere(f ThreatFilter) (string, []any) {
	var conds []string
	var args []any
	if f.Source != "" {
		conds = append(conds, "positionCaseInsensitive(source, ?) > 0")
		args = append(args, f.Source)
	}
	for _, eq := range []struct {
		col, val string
	}{
		{"severity", string(f.Severity)},
		{"status", string(f.Status)},
		{"category", string(f.Category)},
	} {
		if eq.val != "" {
			conds = append(conds, eq.col+" = ?")
			args = append(args, eq.val)
		}
	}
	if f.ScoreAbove > 0 {
		conds = append(conds, "anomaly_score > ?")
		args = append(args, f.ScoreAbove)
	}
	conds, args = chTimeConds(conds, args, f.Since, f.Until)
	return whereClause(conds), args
}

func chTimeConds(conds []string, args []any, since, until time.Time) ([]string, []any) {
	if !since.IsZero() {
		conds = append(conds, "timestamp >= ?")
		args = append(args, since.UTC())
	}
	if !until.IsZero() {
		conds = append(conds, "timestamp <= ?")
		args = append(args, until.UTC())
	}
	return conds, args
}

func (r chThreatRow) threat() (schema.Threat, error) {
	t := schema.Threat{
		ID:           r.ID,
		Title:        r.Title,
		Description:  r.Description,
		Timestamp:    r.Timestamp.UTC(),
		Severity:     schema.Severity(r.Severity),
		Status:       schema.ThreatStatus(r.Status),
		Source:       r.Source,
		Category:     schema.Category(r.Category),
		Indicators:   nonNil(r.Indicators),
		Actions:      nonNil(r.Actions),
		RelatedLogs:  nonNil(r.RelatedLogs),
		User:         r.Actor,
		AnomalyScore: r.AnomalyScore,
	}
	if err := json.Unmarshal([]byte(r.Details), &t.Details); err != nil {
		return t, fmt.Errorf("details of threat %s: %w", r.ID, err)
	}
	return t, nil
}

func (r chActionRow) action() (schema.Action, error) {
	a := schema.Action{
		ID:         r.ID,
		ThreatID:   r.ThreatID,
		ActionType: schema.ActionType(r.ActionType),
		Timestamp:  r.Timestamp.UTC(),
		Status:     schema.ActionStatus(r.Status),
	}
	if err := json.Unmarshal([]byte(r.Parameters), &a.Params); err != nil {
		return a, fmt.Errorf("parameters of action %s: %w", r.ID, err)
	}
	if strings.TrimSpace(r.Result) != "" {
		if err := json.Unmarshal([]byte(r.Result), &a.Result); err != nil {
			return a, fmt.Errorf("result of action %s: %w", r.ID, err)
		}
	}
	return a, nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
