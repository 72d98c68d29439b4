package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"surveygate/internal/domain/entity"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "gateway.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func auditRecord(callerID string, outcome entity.Outcome) *entity.AuditRecord {
	return &entity.AuditRecord{
		ID:          uuid.NewString(),
		Timestamp:   time.Now().UTC(),
		CallerID:    callerID,
		Operation:   entity.OpQualityCheck,
		SurveyID:    "srv-1",
		InputDigest: "agent_cache:deadbeef",
		LatencyMs:   42,
		Outcome:     outcome,
	}
}

func TestSQLiteStore_AppendAndCount(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Append(ctx, auditRecord("admin-1", entity.OutcomeSuccess)))
	require.NoError(t, s.Append(ctx, auditRecord("admin-1", entity.OutcomeBlocked)))
	require.NoError(t, s.Append(ctx, auditRecord("admin-2", entity.OutcomeSuccess)))

	n, err := s.CountRecords(ctx, "", "")
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	n, err = s.CountRecords(ctx, "admin-1", "")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = s.CountRecords(ctx, "admin-1", entity.OutcomeBlocked)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestSQLiteStore_AppendPersistsVerdicts(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	rec := auditRecord("admin-1", entity.OutcomeBlocked)
	rec.VerdictIn = entity.ModerationVerdict{Blocked: true, MatchedRules: []string{"phi.ssn"}}
	rec.ErrorClass = "moderation_blocked"
	require.NoError(t, s.Append(ctx, rec))

	var verdictIn, errorClass string
	err := s.db.QueryRowContext(ctx,
		"SELECT verdict_in, error_class FROM audit_log WHERE id = ?", rec.ID).
		Scan(&verdictIn, &errorClass)
	require.NoError(t, err)
	assert.Contains(t, verdictIn, `"phi.ssn"`)
	assert.Equal(t, "moderation_blocked", errorClass)
}

func TestSQLiteStore_SurveyExists(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	ok, err := s.SurveyExists(ctx, "srv-1")
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = s.db.ExecContext(ctx,
		"INSERT INTO surveys (id, title) VALUES ('srv-1', 'EHR usability')")
	require.NoError(t, err)

	ok, err = s.SurveyExists(ctx, "srv-1")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestSQLiteStore_LoadInsightInput(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO surveys (id, title, questions)
		VALUES ('srv-1', 'EHR usability',
			'[{"id":"q1","text":"What slows you down most?","type":"open_text"}]')`)
	require.NoError(t, err)

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO responses (survey_id, answers, is_complete, time_spent_seconds) VALUES
		('srv-1', '[{"question_id":"q1","value":"Too many dialogs"}]', 1, 180),
		('srv-1', '[{"question_id":"q1","value":"Chart search"}]', 1, 240),
		('srv-1', '[]', 0, 30),
		('srv-1', '[]', 0, 10)`)
	require.NoError(t, err)

	payload, err := s.LoadInsightInput(ctx, "srv-1")
	require.NoError(t, err)
	assert.Equal(t, "EHR usability", payload.SurveyTitle)
	require.Len(t, payload.Questions, 1)
	assert.Equal(t, "q1", payload.Questions[0].ID)

	// Only completed responses feed the analysis.
	require.Len(t, payload.Responses, 2)
	assert.Equal(t, "Too many dialogs", payload.Responses[0].Answers[0].Value)
	assert.Equal(t, 180, payload.Responses[0].TimeSpentSeconds)
	assert.InDelta(t, 50.0, payload.CompletionRate, 0.01)
}

func TestSQLiteStore_LoadInsightInput_MissingSurvey(t *testing.T) {
	s := newTestStore(t)

	_, err := s.LoadInsightInput(context.Background(), "srv-missing")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
}

func TestSQLiteStore_WriteInsightReport(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	report := &entity.InsightReport{
		SurveyID:       "srv-1",
		Content:        "Theme 1: documentation burden dominates open responses.",
		CompletionRate: 50,
		GeneratedAt:    time.Now().UTC(),
	}
	require.NoError(t, s.WriteInsightReport(ctx, report))

	var content string
	var rate float64
	err := s.db.QueryRowContext(ctx,
		"SELECT content, completion_rate FROM insight_reports WHERE survey_id = 'srv-1'").
		Scan(&content, &rate)
	require.NoError(t, err)
	assert.Equal(t, report.Content, content)
	assert.InDelta(t, 50.0, rate, 0.01)
}

func TestSQLiteStore_CloseExpired(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	old := now.Add(-40 * 24 * time.Hour).Format(time.RFC3339Nano)
	recent := now.Add(-time.Hour).Format(time.RFC3339Nano)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO surveys (id, title, status, launched_at) VALUES
		('srv-old', 'Old survey', 'active', ?),
		('srv-recent', 'Recent survey', 'active', ?),
		('srv-closed', 'Already closed', 'closed', ?),
		('srv-draft', 'Never launched', 'active', NULL)`,
		old, recent, old)
	require.NoError(t, err)

	ids, err := s.CloseExpired(ctx, now.Add(-30*24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, []string{"srv-old"}, ids)

	var status string
	require.NoError(t, s.db.QueryRowContext(ctx,
		"SELECT status FROM surveys WHERE id = 'srv-old'").Scan(&status))
	assert.Equal(t, "closed", status)

	require.NoError(t, s.db.QueryRowContext(ctx,
		"SELECT status FROM surveys WHERE id = 'srv-recent'").Scan(&status))
	assert.Equal(t, "active", status)

	// A second sweep finds nothing.
	ids, err = s.CloseExpired(ctx, now.Add(-30*24*time.Hour))
	require.NoError(t, err)
	assert.Empty(t, ids)
}
