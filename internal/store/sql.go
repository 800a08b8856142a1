package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/sgerhart/netsentry/internal/model"
)

// Supported drivers
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

var migrations = []string{
	`CREATE TABLE IF NOT EXISTS findings (
		finding_id      TEXT PRIMARY KEY,
		agent_name      TEXT NOT NULL,
		finding_ts      BIGINT NOT NULL,
		device_hostname TEXT NOT NULL,
		device_ip       TEXT NOT NULL,
		severity        TEXT NOT NULL,
		finding_type    TEXT NOT NULL,
		description     TEXT NOT NULL,
		details         TEXT NOT NULL,
		evidence        TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS findings_device_type ON findings (device_hostname, finding_type)`,
	`CREATE TABLE IF NOT EXISTS intended_actions (
		action_id        TEXT PRIMARY KEY,
		finding_id       TEXT NOT NULL,
		playbook_id      TEXT NOT NULL,
		step_index       INTEGER NOT NULL,
		status           TEXT NOT NULL,
		action_type      TEXT NOT NULL,
		resolved_command TEXT NOT NULL,
		device_hostname  TEXT NOT NULL,
		device_ip        TEXT NOT NULL,
		scheduled_at     BIGINT NOT NULL,
		executed_at      BIGINT,
		result           TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS intended_actions_finding ON intended_actions (finding_id, step_index)`,
}

// SQLStore persists records in PostgreSQL or SQLite. Timestamps are stored as
// unix nanoseconds.
type SQLStore struct {
	db     *sql.DB
	driver string
	logger *slog.Logger
	now    func() time.Time
}

// NewSQLStore opens dsn with driver, checks the connection and applies the schema
func NewSQLStore(ctx context.Context, driver, dsn string, logger *slog.Logger) (*SQLStore, error) {
	if driver != DriverPostgres && driver != DriverSQLite {
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if driver == DriverSQLite {
		// single writer
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(25)
		db.SetConnMaxLifetime(5 * time.Minute)
	}

	s := &SQLStore{db: db, driver: driver, logger: logger.With("component", "store", "driver", driver), now: time.Now}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLStore) migrate(ctx context.Context) error {
	for _, m := range migrations {
		if _, err := s.db.ExecContext(ctx, m); err != nil {
			return fmt.Errorf("failed to apply migration: %w", err)
		}
	}
	s.logger.Info("Database schema ready")
	return nil
}

// Close closes the database connection
func (s *SQLStore) Close() error {
	return s.db.Close()
}

// Ping checks the database connection
func (s *SQLStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// rebind rewrites ? placeholders to $n for postgres
func rebind(driver, query string) string {
	if driver != DriverPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *SQLStore) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return s.db.ExecContext(ctx, rebind(s.driver, query), args...)
}

func marshalText(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// SaveFinding inserts f. Saving an existing finding id is a no-op.
func (s *SQLStore) SaveFinding(ctx context.Context, f model.AgentFinding) error {
	details, err := marshalText(f.Details)
	if err != nil {
		return fmt.Errorf("failed to marshal details: %w", err)
	}
	evidence, err := marshalText(f.EvidenceEventIDs)
	if err != nil {
		return fmt.Errorf("failed to marshal evidence: %w", err)
	}
	_, err = s.exec(ctx, `
		INSERT INTO findings (finding_id, agent_name, finding_ts, device_hostname, device_ip,
			severity, finding_type, description, details, evidence)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (finding_id) DO NOTHING`,
		f.FindingID, f.AgentName, f.FindingTS.UnixNano(), f.DeviceHostname, f.DeviceIP,
		string(f.Severity), f.FindingType, f.Description, details, evidence)
	if err != nil {
		return fmt.Errorf("failed to insert finding: %w", err)
	}
	return nil
}

// GetFinding returns a stored finding
func (s *SQLStore) GetFinding(ctx context.Context, findingID string) (*model.AgentFinding, error) {
	var (
		f                 model.AgentFinding
		ts                int64
		severity          string
		details, evidence string
	)
	err := s.db.QueryRowContext(ctx, rebind(s.driver, `
		SELECT finding_id, agent_name, finding_ts, device_hostname, device_ip,
			severity, finding_type, description, details, evidence
		FROM findings WHERE finding_id = ?`), findingID).
		Scan(&f.FindingID, &f.AgentName, &ts, &f.DeviceHostname, &f.DeviceIP,
			&severity, &f.FindingType, &f.Description, &details, &evidence)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("finding %s: %w", findingID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query finding: %w", err)
	}
	f.FindingTS = time.Unix(0, ts).UTC()
	f.Severity = model.Severity(severity)
	if err := json.Unmarshal([]byte(details), &f.Details); err != nil {
		return nil, fmt.Errorf("failed to decode details: %w", err)
	}
	if err := json.Unmarshal([]byte(evidence), &f.EvidenceEventIDs); err != nil {
		return nil, fmt.Errorf("failed to decode evidence: %w", err)
	}
	return &f, nil
}

// SaveIntendedAction inserts or replaces an action
func (s *SQLStore) SaveIntendedAction(ctx context.Context, a model.IntendedAction) error {
	current, err := s.actionStatus(ctx, a.ActionID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}
	if err == nil {
		if err := checkTransition(a.ActionID, current, a.Status); err != nil {
			return err
		}
	}

	var executed sql.NullInt64
	if a.ExecutedAt != nil {
		executed = sql.NullInt64{Int64: a.ExecutedAt.UnixNano(), Valid: true}
	}
	_, err = s.exec(ctx, `
		INSERT INTO intended_actions (action_id, finding_id, playbook_id, step_index, status,
			action_type, resolved_command, device_hostname, device_ip, scheduled_at, executed_at, result)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (action_id) DO UPDATE SET
			status = excluded.status,
			resolved_command = excluded.resolved_command,
			executed_at = excluded.executed_at,
			result = excluded.result`,
		a.ActionID, a.FindingID, a.PlaybookID, a.StepIndex, string(a.Status),
		a.ActionType, a.ResolvedCommand, a.DeviceHostname, a.DeviceIP,
		a.ScheduledAt.UnixNano(), executed, a.Result)
	if err != nil {
		return fmt.Errorf("failed to save intended action: %w", err)
	}
	return nil
}

func (s *SQLStore) actionStatus(ctx context.Context, actionID string) (model.ActionStatus, error) {
	var status string
	err := s.db.QueryRowContext(ctx, rebind(s.driver, `SELECT status FROM intended_actions WHERE action_id = ?`), actionID).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("action %s: %w", actionID, ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("failed to query action status: %w", err)
	}
	return model.ActionStatus(status), nil
}

// UpdateIntendedAction sets the status and, when non-empty, the result of an action
func (s *SQLStore) UpdateIntendedAction(ctx context.Context, actionID string, status model.ActionStatus, result string) error {
	current, err := s.actionStatus(ctx, actionID)
	if err != nil {
		return err
	}
	if err := checkTransition(actionID, current, status); err != nil {
		return err
	}

	sets := []string{"status = ?"}
	args := []any{string(status)}
	if result != "" {
		sets = append(sets, "result = ?")
		args = append(args, result)
	}
	if status.Terminal() {
		sets = append(sets, "executed_at = COALESCE(executed_at, ?)")
		args = append(args, s.now().UnixNano())
	}
	args = append(args, actionID)

	res, err := s.exec(ctx, "UPDATE intended_actions SET "+strings.Join(sets, ", ")+" WHERE action_id = ?", args...)
	if err != nil {
		return fmt.Errorf("failed to update intended action: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("action %s: %w", actionID, ErrNotFound)
	}
	return nil
}

// ListActions returns the actions of a finding ordered by step
func (s *SQLStore) ListActions(ctx context.Context, findingID string) ([]model.IntendedAction, error) {
	rows, err := s.db.QueryContext(ctx, rebind(s.driver, `
		SELECT action_id, finding_id, playbook_id, step_index, status, action_type,
			resolved_command, device_hostname, device_ip, scheduled_at, executed_at, result
		FROM intended_actions WHERE finding_id = ?
		ORDER BY step_index, scheduled_at`), findingID)
	if err != nil {
		return nil, fmt.Errorf("failed to query actions: %w", err)
	}
	defer rows.Close()

	var actions []model.IntendedAction
	for rows.Next() {
		var (
			a         model.IntendedAction
			status    string
			scheduled int64
			executed  sql.NullInt64
		)
		if err := rows.Scan(&a.ActionID, &a.FindingID, &a.PlaybookID, &a.StepIndex, &status, &a.ActionType,
			&a.ResolvedCommand, &a.DeviceHostname, &a.DeviceIP, &scheduled, &executed, &a.Result); err != nil {
			return nil, fmt.Errorf("failed to scan action: %w", err)
		}
		a.Status = model.ActionStatus(status)
		a.ScheduledAt = time.Unix(0, scheduled).UTC()
		if executed.Valid {
			t := time.Unix(0, executed.Int64).UTC()
			a.ExecutedAt = &t
		}
		actions = append(actions, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}
	return actions, nil
}
