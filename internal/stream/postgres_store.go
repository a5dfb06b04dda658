package stream

import (
	"context"
	"database/sql"
	"encoding/json"
	"strconv"
	"strings"
	"sync"
	"time"

	_ "github.com/lib/pq"
)

const postgresOperationTimeout = 5 * time.Second

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

// PostgresStore implements ActivityStore, RuleSource, and ExecutionStore on a
// shared postgres connection. Tables are created on first use.
type PostgresStore struct {
	dsn    string
	openDB sqlOpenFunc
	logger Logger

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

func NewPostgresStore(dsn string, logger Logger) (*PostgresStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	return &PostgresStore{
		dsn:    dsn,
		openDB: sql.Open,
		logger: logger,
	}, nil
}

func (s *PostgresStore) ensureReady() error {
	if s == nil {
		return ErrInvalidInput
	}
	s.initOnce.Do(func() {
		db, err := s.openDB("postgres", s.dsn)
		if err != nil {
			s.initErr = err
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
		defer cancel()
		statements := []string{
			`CREATE TABLE IF NOT EXISTS activities (
				id TEXT PRIMARY KEY,
				platform TEXT NOT NULL,
				event_type TEXT NOT NULL,
				user_id TEXT NOT NULL DEFAULT '',
				channel_id TEXT NOT NULL DEFAULT '',
				payload JSONB NOT NULL DEFAULT '{}',
				ts TIMESTAMPTZ NOT NULL,
				processed BOOLEAN NOT NULL DEFAULT FALSE
			)`,
			`CREATE INDEX IF NOT EXISTS activities_platform_event_idx
				ON activities (platform, event_type)`,
			`CREATE TABLE IF NOT EXISTS trigger_rules (
				id TEXT PRIMARY KEY,
				platform TEXT NOT NULL,
				event_type TEXT NOT NULL,
				enabled BOOLEAN NOT NULL DEFAULT TRUE,
				conditions JSONB NOT NULL DEFAULT '{}',
				action_config JSONB NOT NULL DEFAULT '{}'
			)`,
			`CREATE TABLE IF NOT EXISTS workflow_executions (
				id TEXT PRIMARY KEY,
				trigger_id TEXT NOT NULL,
				activity_id TEXT NOT NULL,
				status TEXT NOT NULL,
				result JSONB,
				error_message TEXT NOT NULL DEFAULT '',
				started_at TIMESTAMPTZ NOT NULL,
				completed_at TIMESTAMPTZ,
				duration_ms BIGINT NOT NULL DEFAULT 0
			)`,
		}
		for _, statement := range statements {
			if _, err := db.ExecContext(ctx, statement); err != nil {
				s.initErr = err
				_ = db.Close()
				return
			}
		}
		s.db = db
	})
	return s.initErr
}

func (s *PostgresStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *PostgresStore) InsertActivity(ctx context.Context, activity Activity) (*Activity, error) {
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	payload, err := json.Marshal(activity.Payload)
	if err != nil {
		return nil, err
	}
	opCtx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()
	_, err = s.db.ExecContext(opCtx, `
		INSERT INTO activities (id, platform, event_type, user_id, channel_id, payload, ts, processed)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO NOTHING`,
		activity.ID, string(activity.Platform), activity.EventType,
		activity.UserID, activity.ChannelID, string(payload),
		activity.Timestamp, activity.Processed)
	if err != nil {
		return nil, err
	}
	stored := activity
	return &stored, nil
}

func (s *PostgresStore) QueryActivities(ctx context.Context, filters ActivityFilters, limit, offset int) ([]Activity, error) {
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	query := strings.Builder{}
	query.WriteString(`SELECT id, platform, event_type, user_id, channel_id, payload, ts, processed FROM activities WHERE 1=1`)
	args := []any{}
	appendFilter := func(clause string, value any) {
		args = append(args, value)
		query.WriteString(" AND " + clause + "$" + strconv.Itoa(len(args)))
	}
	if filters.Platform != "" {
		appendFilter("platform = ", string(filters.Platform))
	}
	if filters.EventType != "" {
		appendFilter("event_type = ", filters.EventType)
	}
	if filters.ChannelID != "" {
		appendFilter("channel_id = ", filters.ChannelID)
	}
	if filters.UserID != "" {
		appendFilter("user_id = ", filters.UserID)
	}
	if filters.Processed != nil {
		appendFilter("processed = ", *filters.Processed)
	}
	query.WriteString(" ORDER BY ts DESC")
	if limit > 0 {
		args = append(args, limit)
		query.WriteString(" LIMIT $" + strconv.Itoa(len(args)))
	}
	if offset > 0 {
		args = append(args, offset)
		query.WriteString(" OFFSET $" + strconv.Itoa(len(args)))
	}

	opCtx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()
	rows, err := s.db.QueryContext(opCtx, query.String(), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	activities := []Activity{}
	for rows.Next() {
		var activity Activity
		var platform, payload string
		if err := rows.Scan(&activity.ID, &platform, &activity.EventType,
			&activity.UserID, &activity.ChannelID, &payload,
			&activity.Timestamp, &activity.Processed); err != nil {
			return nil, err
		}
		activity.Platform = Platform(platform)
		if err := json.Unmarshal([]byte(payload), &activity.Payload); err != nil {
			return nil, err
		}
		activities = append(activities, activity)
	}
	return activities, rows.Err()
}

func (s *PostgresStore) MarkProcessed(ctx context.Context, activityID string) error {
	if err := s.ensureReady(); err != nil {
		return err
	}
	opCtx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()
	result, err := s.db.ExecContext(opCtx, `UPDATE activities SET processed = TRUE WHERE id = $1`, activityID)
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err == nil && affected == 0 {
		return ErrNotFound
	}
	return err
}

func (s *PostgresStore) ListEnabledRules(platform Platform, eventType string) []TriggerRule {
	if err := s.ensureReady(); err != nil {
		s.logf("rule query unavailable: %v", err)
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
	defer cancel()
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, platform, event_type, enabled, conditions, action_config
		FROM trigger_rules
		WHERE enabled = TRUE AND platform = $1 AND event_type = $2
		ORDER BY id`, string(platform), eventType)
	if err != nil {
		s.logf("rule query failed: %v", err)
		return nil
	}
	defer rows.Close()

	rules := []TriggerRule{}
	for rows.Next() {
		var rule TriggerRule
		var rulePlatform, conditions, actionConfig string
		if err := rows.Scan(&rule.ID, &rulePlatform, &rule.EventType, &rule.Enabled, &conditions, &actionConfig); err != nil {
			s.logf("rule scan failed: %v", err)
			return rules
		}
		rule.Platform = Platform(rulePlatform)
		if err := json.Unmarshal([]byte(conditions), &rule.Conditions); err != nil {
			s.logf("rule %s has malformed conditions: %v", rule.ID, err)
			continue
		}
		if err := json.Unmarshal([]byte(actionConfig), &rule.ActionConfig); err != nil {
			s.logf("rule %s has malformed action config: %v", rule.ID, err)
			continue
		}
		rules = append(rules, rule)
	}
	return rules
}

func (s *PostgresStore) InsertExecution(ctx context.Context, execution WorkflowExecution) error {
	if err := s.ensureReady(); err != nil {
		return err
	}
	result, err := json.Marshal(execution.Result)
	if err != nil {
		return err
	}
	opCtx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()
	_, err = s.db.ExecContext(opCtx, `
		INSERT INTO workflow_executions (id, trigger_id, activity_id, status, result, error_message, started_at, completed_at, duration_ms)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		execution.ID, execution.TriggerID, execution.ActivityID, string(execution.Status),
		string(result), execution.ErrorMessage, execution.StartedAt, execution.CompletedAt, execution.DurationMs)
	return err
}

func (s *PostgresStore) UpdateExecutionStatus(ctx context.Context, id string, status ExecutionStatus, fields ExecutionUpdate) error {
	if err := s.ensureReady(); err != nil {
		return err
	}
	result, err := json.Marshal(fields.Result)
	if err != nil {
		return err
	}
	opCtx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()
	res, err := s.db.ExecContext(opCtx, `
		UPDATE workflow_executions
		SET status = $2,
			result = CASE WHEN $3 = 'null' THEN result ELSE $3::jsonb END,
			error_message = CASE WHEN $4 = '' THEN error_message ELSE $4 END,
			completed_at = CASE WHEN $2 IN ('completed', 'failed') THEN NOW() ELSE completed_at END,
			duration_ms = CASE WHEN $5 > 0 THEN $5 ELSE duration_ms END
		WHERE id = $1`,
		id, string(status), string(result), fields.ErrorMessage, fields.DurationMs)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err == nil && affected == 0 {
		return ErrNotFound
	}
	return err
}

// RecentExecutions returns up to limit executions, newest first.
func (s *PostgresStore) RecentExecutions(limit int) []WorkflowExecution {
	if err := s.ensureReady(); err != nil {
		s.logf("execution query unavailable: %v", err)
		return nil
	}
	if limit <= 0 {
		limit = 50
	}
	ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
	defer cancel()
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, trigger_id, activity_id, status, COALESCE(result::text, 'null'), error_message, started_at, completed_at, duration_ms
		FROM workflow_executions
		ORDER BY started_at DESC
		LIMIT $1`, limit)
	if err != nil {
		s.logf("execution query failed: %v", err)
		return nil
	}
	defer rows.Close()

	executions := []WorkflowExecution{}
	for rows.Next() {
		var execution WorkflowExecution
		var status, result string
		var completedAt sql.NullTime
		if err := rows.Scan(&execution.ID, &execution.TriggerID, &execution.ActivityID,
			&status, &result, &execution.ErrorMessage,
			&execution.StartedAt, &completedAt, &execution.DurationMs); err != nil {
			s.logf("execution scan failed: %v", err)
			return executions
		}
		execution.Status = ExecutionStatus(status)
		if completedAt.Valid {
			t := completedAt.Time
			execution.CompletedAt = &t
		}
		_ = json.Unmarshal([]byte(result), &execution.Result)
		executions = append(executions, execution)
	}
	return executions
}

func (s *PostgresStore) logf(format string, args ...any) {
	if s == nil || s.logger == nil {
		return
	}
	s.logger.Printf(format, args...)
}

