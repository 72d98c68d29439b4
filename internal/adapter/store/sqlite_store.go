package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"surveygate/internal/domain/entity"
)

// SQLiteStore backs the two durable sinks of the gateway: the append-only
// audit log and insight reports. It also holds the gateway's read view of
// surveys and responses; schema ownership for those lives with the main
// application.
type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// sqlite tolerates one writer; serialize through a single connection.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create tables: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

const schema = `
CREATE TABLE IF NOT EXISTS audit_log (
	id TEXT PRIMARY KEY,
	timestamp TEXT NOT NULL,
	caller_id TEXT NOT NULL,
	operation TEXT NOT NULL,
	survey_id TEXT,
	input_digest TEXT NOT NULL,
	output_summary TEXT,
	latency_ms INTEGER NOT NULL,
	cache_hit INTEGER NOT NULL,
	verdict_in TEXT,
	verdict_out TEXT,
	outcome TEXT NOT NULL,
	error_class TEXT
);
CREATE INDEX IF NOT EXISTS idx_audit_log_caller ON audit_log(caller_id);
CREATE INDEX IF NOT EXISTS idx_audit_log_outcome ON audit_log(outcome);

CREATE TABLE IF NOT EXISTS insight_reports (
	survey_id TEXT NOT NULL,
	content TEXT NOT NULL,
	completion_rate REAL NOT NULL,
	generated_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS surveys (
	id TEXT PRIMARY KEY,
	title TEXT NOT NULL,
	questions TEXT NOT NULL DEFAULT '[]',
	status TEXT NOT NULL DEFAULT 'active',
	launched_at TEXT,
	closed_at TEXT
);

CREATE TABLE IF NOT EXISTS responses (
	survey_id TEXT NOT NULL,
	answers TEXT NOT NULL DEFAULT '[]',
	is_complete INTEGER NOT NULL DEFAULT 0,
	time_spent_seconds INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_responses_survey ON responses(survey_id);
`

// Append writes one audit record. Records are never updated or deleted.
func (s *SQLiteStore) Append(ctx context.Context, rec *entity.AuditRecord) error {
	verdictIn, _ := json.Marshal(rec.VerdictIn)
	verdictOut, _ := json.Marshal(rec.VerdictOut)

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_log (
			id, timestamp, caller_id, operation, survey_id, input_digest,
			output_summary, latency_ms, cache_hit, verdict_in, verdict_out,
			outcome, error_class
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID,
		rec.Timestamp.Format(time.RFC3339Nano),
		rec.CallerID,
		string(rec.Operation),
		rec.SurveyID,
		rec.InputDigest,
		rec.OutputSummary,
		rec.LatencyMs,
		boolToInt(rec.CacheHit),
		string(verdictIn),
		string(verdictOut),
		string(rec.Outcome),
		rec.ErrorClass,
	)
	if err != nil {
		return fmt.Errorf("append audit record: %w", err)
	}
	return nil
}

// CountRecords reports how many audit records match the caller and outcome
// filters; empty strings match everything.
func (s *SQLiteStore) CountRecords(ctx context.Context, callerID string, outcome entity.Outcome) (int, error) {
	query := "SELECT COUNT(*) FROM audit_log WHERE 1=1"
	var args []any
	if callerID != "" {
		query += " AND caller_id = ?"
		args = append(args, callerID)
	}
	if outcome != "" {
		query += " AND outcome = ?"
		args = append(args, string(outcome))
	}

	var n int
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count audit records: %w", err)
	}
	return n, nil
}

func (s *SQLiteStore) SurveyExists(ctx context.Context, surveyID string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM surveys WHERE id = ?", surveyID).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("survey exists: %w", err)
	}
	return n > 0, nil
}

// LoadInsightInput assembles the generate_insights payload for a survey:
// title, questions, completed responses and the completion rate.
func (s *SQLiteStore) LoadInsightInput(ctx context.Context, surveyID string) (*entity.TaskPayload, error) {
	var title, questionsJSON string
	err := s.db.QueryRowContext(ctx,
		"SELECT title, questions FROM surveys WHERE id = ?", surveyID).
		Scan(&title, &questionsJSON)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("survey %s not found", surveyID)
	}
	if err != nil {
		return nil, fmt.Errorf("load survey: %w", err)
	}

	var questions []entity.Question
	if err := json.Unmarshal([]byte(questionsJSON), &questions); err != nil {
		return nil, fmt.Errorf("malformed questions for survey %s: %w", surveyID, err)
	}

	rows, err := s.db.QueryContext(ctx,
		"SELECT answers, is_complete, time_spent_seconds FROM responses WHERE survey_id = ?", surveyID)
	if err != nil {
		return nil, fmt.Errorf("load responses: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var responses []entity.ResponseSet
	total, completed := 0, 0
	for rows.Next() {
		var answersJSON string
		var isComplete, timeSpent int
		if err := rows.Scan(&answersJSON, &isComplete, &timeSpent); err != nil {
			return nil, fmt.Errorf("scan response: %w", err)
		}
		total++
		if isComplete == 0 {
			continue
		}
		completed++

		var answers []entity.Answer
		if err := json.Unmarshal([]byte(answersJSON), &answers); err != nil {
			continue
		}
		responses = append(responses, entity.ResponseSet{
			Answers:          answers,
			TimeSpentSeconds: timeSpent,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("load responses: %w", err)
	}

	rate := 0.0
	if total > 0 {
		rate = float64(completed) / float64(total) * 100
	}

	return &entity.TaskPayload{
		SurveyTitle:    title,
		Questions:      questions,
		Responses:      responses,
		CompletionRate: rate,
	}, nil
}

func (s *SQLiteStore) WriteInsightReport(ctx context.Context, report *entity.InsightReport) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO insight_reports (survey_id, content, completion_rate, generated_at)
		VALUES (?, ?, ?, ?)`,
		report.SurveyID,
		report.Content,
		report.CompletionRate,
		report.GeneratedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("write insight report: %w", err)
	}
	return nil
}

// CloseExpired marks active surveys launched before cutoff as closed and
// returns their ids, so the caller can enqueue insight generation.
func (s *SQLiteStore) CloseExpired(ctx context.Context, cutoff time.Time) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id FROM surveys
		WHERE status = 'active' AND launched_at IS NOT NULL AND launched_at < ?`,
		cutoff.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return nil, fmt.Errorf("find expired surveys: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan survey id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("find expired surveys: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := []any{now}
	for _, id := range ids {
		args = append(args, id)
	}
	_, err = s.db.ExecContext(ctx,
		"UPDATE surveys SET status = 'closed', closed_at = ? WHERE id IN ("+placeholders+")", args...)
	if err != nil {
		return nil, fmt.Errorf("close surveys: %w", err)
	}
	return ids, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
