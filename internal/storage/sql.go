package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"sentinel/internal/schema"
)

//go:embed ddl/ledger.sql
var ledgerSchema string

// SQL drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

func init() {
	sqlx.BindDriver(DriverSQLite, sqlx.QUESTION)
}

// SQLConfig holds the configuration of the SQL ledger.
type SQLConfig struct {
	Driver          string        `yaml:"driver"`
	DSN             string        `yaml:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// DefaultSQLConfig returns the default SQL configuration.
func DefaultSQLConfig() SQLConfig {
	return SQLConfig{
		Driver:          DriverSQLite,
		DSN:             "file:sentinel.db?_pragma=busy_timeout(5000)",
		MaxOpenConns:    10,
		ConnMaxLifetime: time.Hour,
	}
}

// SQLLedger is a Ledger on a relational database (SQLite or Postgres).
// Timestamps are stored as UTC unix nanoseconds; list and map fields as
// JSON text.
type SQLLedger struct {
	db     *sqlx.DB
	driver string
}

// NewSQLLedger connects, applies the schema and returns the ledger.
func NewSQLLedger(ctx context.Context, cfg SQLConfig) (*SQLLedger, error) {
	switch cfg.Driver {
	case DriverSQLite, DriverPostgres:
	default:
		return nil, fmt.Errorf("unsupported sql driver: %q", cfg.Driver)
	}

	db, err := sqlx.ConnectContext(ctx, cfg.Driver, cfg.DSN)
	if err != nil {
		return nil, WrapConnectionError("Connect", err)
	}
	if cfg.Driver == DriverSQLite {
		// One writer; also keeps in-memory databases on a single connection.
		db.SetMaxOpenConns(1)
		if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
		}
	} else if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	l := &SQLLedger{db: db, driver: cfg.Driver}
	if err := l.RunMigrations(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return l, nil
}

// RunMigrations applies the embedded schema. Every statement is idempotent.
func (l *SQLLedger) RunMigrations(ctx context.Context) error {
	for _, stmt := range splitStatements(ledgerSchema) {
		if _, err := l.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply schema: %w", err)
		}
	}
	return nil
}

// Close closes the database.
func (l *SQLLedger) Close() error {
	return l.db.Close()
}

type logRow struct {
	ID      string `db:"id"`
	TS      int64  `db:"ts"`
	Source  string `db:"source"`
	Level   string `db:"level"`
	Message string `db:"message"`
	Details string `db:"details"`
}

type threatRow struct {
	ID           string  `db:"id"`
	TS           int64   `db:"ts"`
	Title        string  `db:"title"`
	Description  string  `db:"description"`
	Severity     string  `db:"severity"`
	Status       string  `db:"status"`
	Source       string  `db:"source"`
	Category     string  `db:"category"`
	Indicators   string  `db:"indicators"`
	Actions      string  `db:"actions"`
	RelatedLogs  string  `db:"related_logs"`
	Actor        string  `db:"actor"`
	AnomalyScore float64 `db:"anomaly_score"`
	Details      string  `db:"details"`
}

type actionRow struct {
	ID         string `db:"id"`
	ThreatID   string `db:"threat_id"`
	ActionType string `db:"action_type"`
	Parameters string `db:"parameters"`
	TS         int64  `db:"ts"`
	Status     string `db:"status"`
	Result     string `db:"result"`
}

const (
	logColumns    = "id, ts, source, level, message, details"
	threatColumns = "id, ts, title, description, severity, status, source, category, indicators, actions, related_logs, actor, anomaly_score, details"
	actionColumns = "id, threat_id, action_type, parameters, ts, status, result"
)

// InsertLog stores a log record.
func (l *SQLLedger) InsertLog(ctx context.Context, rec *schema.LogRecord) error {
	row, err := toLogRow(rec)
	if err != nil {
		return WrapInvalidDataError("InsertLog", "logs", err)
	}
	_, err = l.db.NamedExecContext(ctx,
		"INSERT INTO logs ("+logColumns+") VALUES (:id, :ts, :source, :level, :message, :details)", row)
	if err != nil {
		return WrapQueryError("InsertLog", "logs", err)
	}
	return nil
}

// QueryLogs returns matching log records, newest first.
func (l *SQLLedger) QueryLogs(ctx context.Context, f LogFilter) ([]schema.LogRecord, error) {
	where, args := logWhere(f)
	query := l.db.Rebind("SELECT " + logColumns + " FROM logs" + where +
		" ORDER BY ts DESC, id ASC LIMIT ?")
	args = append(args, NormalizeLimit(f.Limit))

	var rows []logRow
	if err := l.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, WrapQueryError("QueryLogs", "logs", err)
	}
	out := make([]schema.LogRecord, 0, len(rows))
	for _, r := range rows {
		rec, err := r.record()
		if err != nil {
			return nil, WrapInvalidDataError("QueryLogs", "logs", err)
		}
		out = append(out, rec)
	}
	return out, nil
}

// CountLogs counts matching log records.
func (l *SQLLedger) CountLogs(ctx context.Context, f LogFilter) (int, error) {
	where, args := logWhere(f)
	var n int
	if err := l.db.GetContext(ctx, &n, l.db.Rebind("SELECT COUNT(*) FROM logs"+where), args...); err != nil {
		return 0, WrapQueryError("CountLogs", "logs", err)
	}
	return n, nil
}

// InsertThreat stores a threat.
func (l *SQLLedger) InsertThreat(ctx context.Context, t *schema.Threat) error {
	row, err := toThreatRow(t)
	if err != nil {
		return WrapInvalidDataError("InsertThreat", "threats", err)
	}
	_, err = l.db.NamedExecContext(ctx,
		"INSERT INTO threats ("+threatColumns+") VALUES (:id, :ts, :title, :description, :severity, :status, :source, :category, :indicators, :actions, :related_logs, :actor, :anomaly_score, :details)", row)
	if err != nil {
		return WrapQueryError("InsertThreat", "threats", err)
	}
	return nil
}

// GetThreat returns a threat by id.
func (l *SQLLedger) GetThreat(ctx context.Context, id string) (*schema.Threat, error) {
	return l.getThreat(ctx, l.db, id, "")
}

func (l *SQLLedger) getThreat(ctx context.Context, q sqlx.QueryerContext, id, suffix string) (*schema.Threat, error) {
	var row threatRow
	err := sqlx.GetContext(ctx, q, &row, l.db.Rebind("SELECT "+threatColumns+" FROM threats WHERE id = ?"+suffix), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, WrapNotFoundError("GetThreat", "threats", id)
	}
	if err != nil {
		return nil, WrapQueryError("GetThreat", "threats", err)
	}
	t, err := row.threat()
	if err != nil {
		return nil, WrapInvalidDataError("GetThreat", "threats", err)
	}
	return &t, nil
}

// QueryThreats returns matching threats, newest first.
func (l *SQLLedger) QueryThreats(ctx context.Context, f ThreatFilter) ([]schema.Threat, error) {
	where, args := threatWhere(f)
	query := l.db.Rebind("SELECT " + threatColumns + " FROM threats" + where +
		" ORDER BY ts DESC, id ASC LIMIT ?")
	args = append(args, NormalizeLimit(f.Limit))

	var rows []threatRow
	if err := l.db.SelectContext(ctx, &rows, query, args...); err != nil {
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
func (l *SQLLedger) CountThreats(ctx context.Context, f ThreatFilter) (int, error) {
	where, args := threatWhere(f)
	var n int
	if err := l.db.GetContext(ctx, &n, l.db.Rebind("SELECT COUNT(*) FROM threats"+where), args...); err != nil {
		return 0, WrapQueryError("CountThreats", "threats", err)
	}
	return n, nil
}

// UpdateThreat applies p inside a transaction.
func (l *SQLLedger) UpdateThreat(ctx context.Context, id string, p ThreatPatch) (*schema.Threat, error) {
	tx, err := l.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, WrapConnectionError("UpdateThreat", err)
	}
	defer tx.Rollback()

	t, err := l.getThreat(ctx, tx, id, l.forUpdate())
	if err != nil {
		return nil, err
	}
	if err := p.Apply(t); err != nil {
		return nil, err
	}
	actions, err := json.Marshal(t.Actions)
	if err != nil {
		return nil, WrapInvalidDataError("UpdateThreat", "threats", err)
	}
	_, err = tx.ExecContext(ctx, tx.Rebind("UPDATE threats SET status = ?, actions = ? WHERE id = ?"),
		string(t.Status), string(actions), id)
	if err != nil {
		return nil, WrapQueryError("UpdateThreat", "threats", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, WrapQueryError("UpdateThreat", "threats", err)
	}
	return t, nil
}

// InsertAction stores an action. The owning threat must exist.
func (l *SQLLedger) InsertAction(ctx context.Context, a *schema.Action) error {
	var n int
	if err := l.db.GetContext(ctx, &n, l.db.Rebind("SELECT COUNT(*) FROM threats WHERE id = ?"), a.ThreatID); err != nil {
		return WrapQueryError("InsertAction", "threats", err)
	}
	if n == 0 {
		return WrapNotFoundError("InsertAction", "threats", a.ThreatID)
	}

	row, err := toActionRow(a)
	if err != nil {
		return WrapInvalidDataError("InsertAction", "actions", err)
	}
	_, err = l.db.NamedExecContext(ctx,
		"INSERT INTO actions ("+actionColumns+") VALUES (:id, :threat_id, :action_type, :parameters, :ts, :status, :result)", row)
	if err != nil {
		return WrapQueryError("InsertAction", "actions", err)
	}
	return nil
}

// UpdateAction applies p inside a transaction.
func (l *SQLLedger) UpdateAction(ctx context.Context, id string, p ActionPatch) (*schema.Action, error) {
	tx, err := l.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, WrapConnectionError("UpdateAction", err)
	}
	defer tx.Rollback()

	var row actionRow
	err = tx.GetContext(ctx, &row, tx.Rebind("SELECT "+actionColumns+" FROM actions WHERE id = ?"+l.forUpdate()), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, WrapNotFoundError("UpdateAction", "actions", id)
	}
	if err != nil {
		return nil, WrapQueryError("UpdateAction", "actions", err)
	}
	a, err := row.action()
	if err != nil {
		return nil, WrapInvalidDataError("UpdateAction", "actions", err)
	}
	if err := p.Apply(&a); err != nil {
		return nil, err
	}
	result, err := json.Marshal(a.Result)
	if err != nil {
		return nil, WrapInvalidDataError("UpdateAction", "actions", err)
	}
	_, err = tx.ExecContext(ctx, tx.Rebind("UPDATE actions SET status = ?, result = ? WHERE id = ?"),
		string(a.Status), string(result), id)
	if err != nil {
		return nil, WrapQueryError("UpdateAction", "actions", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, WrapQueryError("UpdateAction", "actions", err)
	}
	return &a, nil
}

// QueryActions returns matching actions, newest first.
func (l *SQLLedger) QueryActions(ctx context.Context, f ActionFilter) ([]schema.Action, error) {
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
	query := l.db.Rebind("SELECT " + actionColumns + " FROM actions" + whereClause(conds) +
		" ORDER BY ts DESC, id ASC LIMIT ?")
	args = append(args, NormalizeLimit(f.Limit))

	var rows []actionRow
	if err := l.db.SelectContext(ctx, &rows, query, args...); err != nil {
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

func (l *SQLLedger) forUpdate() string {
	if l.driver == DriverPostgres {
		return " FOR UPDATE"
	}
	return ""
}

// sourceLike matches a case-insensitive substring of source. The pattern
// comes from containsPattern, so user input never acts as a wildcard.
const sourceLike = `LOWER(source) LIKE ? ESCAPE '\'`

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func containsPattern(s string) string {
	return "%" + likeEscaper.Replace(strings.ToLower(s)) + "%"
}

func logWhere(f LogFilter) (string, []any) {
	var conds []string
	var args []any
	if f.Source != "" {
		conds = append(conds, sourceLike)
		args = append(args, containsPattern(f.Source))
	}
	if f.Level != "" {
		conds = append(conds, "level = ?")
		args = append(args, string(f.Level))
	}
	conds, args = timeConds(conds, args, f.Since, f.Until)
	return whereClause(conds), args
}

func threatWhere(f ThreatFilter) (string, []any) {
	var conds []string
	var args []any
	if f.Source != "" {
		conds = append(conds, sourceLike)
		args = append(args, containsPattern(f.Source))
	}
	if f.Severity != "" {
		conds = append(conds, "severity = ?")
		args = append(args, string(f.Severity))
	}
	if f.Status != "" {
		conds = append(conds, "status = ?")
		args = append(args, string(f.Status))
	}
	if f.Category != "" {
		conds = append(conds, "category = ?")
		args = append(args, string(f.Category))
	}
	if f.ScoreAbove > 0 {
		conds = append(conds, "anomaly_score > ?")
		args = append(args, f.ScoreAbove)
	}
	conds, args = timeConds(conds, args, f.Since, f.Until)
	return whereClause(conds), args
}

func timeConds(conds []string, args []any, since, until time.Time) ([]string, []any) {
	if !since.IsZero() {
		conds = append(conds, "ts >= ?")
		args = append(args, since.UnixNano())
	}
	if !until.IsZero() {
		conds = append(conds, "ts <= ?")
		args = append(args, until.UnixNano())
	}
	return conds, args
}

func whereClause(conds []string) string {
	if len(conds) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(conds, " AND ")
}

func toLogRow(rec *schema.LogRecord) (logRow, error) {
	details, err := json.Marshal(rec.Details)
	if err != nil {
		return logRow{}, err
	}
	return logRow{
		ID:      rec.ID,
		TS:      rec.Timestamp.UnixNano(),
		Source:  rec.Source,
		Level:   string(rec.Level),
		Message: rec.Message,
		Details: string(details),
	}, nil
}

func (r logRow) record() (schema.LogRecord, error) {
	rec := schema.LogRecord{
		ID:        r.ID,
		Timestamp: time.Unix(0, r.TS).UTC(),
		Source:    r.Source,
		Level:     schema.Level(r.Level),
		Message:   r.Message,
	}
	if err := json.Unmarshal([]byte(r.Details), &rec.Details); err != nil {
		return rec, fmt.Errorf("details of log %s: %w", r.ID, err)
	}
	return rec, nil
}

func toThreatRow(t *schema.Threat) (threatRow, error) {
	row := threatRow{
		ID:           t.ID,
		TS:           t.Timestamp.UnixNano(),
		Title:        t.Title,
		Description:  t.Description,
		Severity:     string(t.Severity),
		Status:       string(t.Status),
		Source:       t.Source,
		Category:     string(t.Category),
		Actor:        t.User,
		AnomalyScore: t.AnomalyScore,
	}
	var err error
	if row.Indicators, err = marshalList(t.Indicators); err != nil {
		return row, err
	}
	if row.Actions, err = marshalList(t.Actions); err != nil {
		return row, err
	}
	if row.RelatedLogs, err = marshalList(t.RelatedLogs); err != nil {
		return row, err
	}
	details, err := json.Marshal(t.Details)
	if err != nil {
		return row, err
	}
	row.Details = string(details)
	return row, nil
}

func (r threatRow) threat() (schema.Threat, error) {
	t := schema.Threat{
		ID:           r.ID,
		Title:        r.Title,
		Description:  r.Description,
		Timestamp:    time.Unix(0, r.TS).UTC(),
		Severity:     schema.Severity(r.Severity),
		Status:       schema.ThreatStatus(r.Status),
		Source:       r.Source,
		Category:     schema.Category(r.Category),
		User:         r.Actor,
		AnomalyScore: r.AnomalyScore,
	}
	for _, f := range []struct {
		src string
		dst *[]string
	}{
		{r.Indicators, &t.Indicators},
		{r.Actions, &t.Actions},
		{r.RelatedLogs, &t.RelatedLogs},
	} {
		if err := json.Unmarshal([]byte(f.src), f.dst); err != nil {
			return t, fmt.Errorf("threat %s: %w", r.ID, err)
		}
	}
	if err := json.Unmarshal([]byte(r.Details), &t.Details); err != nil {
		return t, fmt.Errorf("details of threat %s: %w", r.ID, err)
	}
	return t, nil
}

func toActionRow(a *schema.Action) (actionRow, error) {
	params, err := json.Marshal(a.Params)
	if err != nil {
		return actionRow{}, err
	}
	result, err := json.Marshal(a.Result)
	if err != nil {
		return actionRow{}, err
	}
	return actionRow{
		ID:         a.ID,
		ThreatID:   a.ThreatID,
		ActionType: string(a.ActionType),
		Parameters: string(params),
		TS:         a.Timestamp.UnixNano(),
		Status:     string(a.Status),
		Result:     string(result),
	}, nil
}

func (r actionRow) action() (schema.Action, error) {
	a := schema.Action{
		ID:         r.ID,
		ThreatID:   r.ThreatID,
		ActionType: schema.ActionType(r.ActionType),
		Timestamp:  time.Unix(0, r.TS).UTC(),
		Status:     schema.ActionStatus(r.Status),
	}
	if err := json.Unmarshal([]byte(r.Parameters), &a.Params); err != nil {
		return a, fmt.Errorf("parameters of action %s: %w", r.ID, err)
	}
	if err := json.Unmarshal([]byte(r.Result), &a.Result); err != nil {
		return a, fmt.Errorf("result of action %s: %w", r.ID, err)
	}
	return a, nil
}

// marshalList encodes a nil slice as an empty JSON array.
func marshalList(s []string) (string, error) {
	if s == nil {
		s = []string{}
	}
	b, err := json.Marshal(s)
	return string(b), err
}
