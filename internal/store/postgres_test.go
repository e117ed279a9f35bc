package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/clinical-extractor/internal/model"
)

var fixedNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// newMockPostgresStore creates a PostgresStore backed by pgxmock for unit testing.
func newMockPostgresStore(t *testing.T) (*PostgresStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { mock.Close() })

	s := &PostgresStore{pool: mock, now: func() time.Time { return fixedNow }}
	return s, mock
}

func sampleRecord() *model.RunRecord {
	res := model.NewExtractionResult(model.Request{RequestID: "req-1", ClinicalText: "Lisinopril 10mg"})
	res.HighestTierUsed = model.TierB
	res.OverallConfidence = 0.93
	res.Entities[model.CategoryMedication] = []model.MedicalEntity{
		{Category: model.CategoryMedication, Text: "Lisinopril", NormalizedValue: "lisinopril", Confidence: 0.95, SourceTier: model.TierB},
	}
	res.EscalationTrace = append(res.EscalationTrace, model.TraceStep{Tier: model.TierB, Score: 0.93, Decision: model.DecisionAccept})
	return model.NewRunRecord(res)
}

var runCols = []string{"id", "request_id", "highest_tier", "overall_confidence", "escalation_denied", "entity_count", "result", "created_at"}

func TestPostgresStore_SaveRun(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	rec := sampleRecord()

	mock.ExpectExec(`INSERT INTO extraction_runs`).
		WithArgs(pgxmock.AnyArg(), "req-1", "B", 0.93, false, 1, pgxmock.AnyArg(), fixedNow).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, s.SaveRun(context.Background(), rec))
	assert.NotEmpty(t, rec.ID)
	assert.Equal(t, fixedNow, rec.CreatedAt)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_SaveRun_Error(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	rec := sampleRecord()
	rec.ID = "run-1"

	mock.ExpectExec(`INSERT INTO extraction_runs`).
		WithArgs("run-1", "req-1", "B", 0.93, false, 1, pgxmock.AnyArg(), fixedNow).
		WillReturnError(errors.New("duplicate key"))

	err := s.SaveRun(context.Background(), rec)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "insert run run-1")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_SaveRuns_UsesCopy(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectCopyFrom(pgx.Identifier{"extraction_runs"}, runCols).WillReturnResult(2)

	recs := []*model.RunRecord{sampleRecord(), sampleRecord()}
	require.NoError(t, s.SaveRuns(context.Background(), recs))
	assert.NotEqual(t, recs[0].ID, recs[1].ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetRun(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	resultJSON := []byte(`{"request_id":"req-1","entities":{"medication":[{"category":"medication","text":"Lisinopril","normalized_value":"lisinopril","confidence":0.95,"source_tier":"B","assertion":"present"}]},"overall_confidence":0.93,"highest_tier_used":"B","processing_time_ms":2,"escalation_trace":[],"escalation_denied":false}`)
	mock.ExpectQuery(`SELECT .+ FROM extraction_runs WHERE id = \$1`).
		WithArgs("run-1").
		WillReturnRows(pgxmock.NewRows(runCols).
			AddRow("run-1", "req-1", "B", 0.93, false, 1, resultJSON, fixedNow))

	rec, err := s.GetRun(context.Background(), "run-1")
	require.NoError(t, err)
	assert.Equal(t, "run-1", rec.ID)
	assert.Equal(t, model.TierB, rec.HighestTierUsed)
	require.NotNil(t, rec.Result)
	med, ok := rec.Result.First(model.CategoryMedication)
	require.True(t, ok)
	assert.Equal(t, "Lisinopril", med.Text)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetRun_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT .+ FROM extraction_runs WHERE id = \$1`).
		WithArgs("nonexistent-run").
		WillReturnError(pgx.ErrNoRows)

	_, err := s.GetRun(context.Background(), "nonexistent-run")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNotFound))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetRun_CorruptResult(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT .+ FROM extraction_runs WHERE id = \$1`).
		WithArgs("run-1").
		WillReturnRows(pgxmock.NewRows(runCols).
			AddRow("run-1", "req-1", "B", 0.93, false, 1, []byte(`{not json`), fixedNow))

	_, err := s.GetRun(context.Background(), "run-1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "get run run-1")
}

func TestPostgresStore_ListRuns_Filters(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT .+ FROM extraction_runs WHERE true AND highest_tier = \$1 ORDER BY created_at DESC, id LIMIT \$2 OFFSET \$3`).
		WithArgs("D", 10, 20).
		WillReturnRows(pgxmock.NewRows(runCols).
			AddRow("run-2", "req-2", "D", 0.97, false, 3, []byte(`{"entities":{}}`), fixedNow).
			AddRow("run-1", "req-1", "D", 0.91, false, 2, []byte(`{"entities":{}}`), fixedNow.Add(-time.Minute)))

	runs, err := s.ListRuns(context.Background(), RunFilter{Tier: model.TierD, Limit: 10, Offset: 20})
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, "run-2", runs[0].ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ListRuns_DefaultLimit(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT .+ FROM extraction_runs WHERE true ORDER BY created_at DESC, id LIMIT \$1`).
		WithArgs(defaultListLimit).
		WillReturnRows(pgxmock.NewRows(runCols))

	runs, err := s.ListRuns(context.Background(), RunFilter{})
	require.NoError(t, err)
	assert.Empty(t, runs)
	assert.NotNil(t, runs)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_Migrate(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS extraction_runs`).
		WillReturnResult(pgxmock.NewResult("CREATE", 0))

	require.NoError(t, s.Migrate(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_Ping(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	mock.ExpectPing()

	require.NoError(t, s.Ping(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRunFilter_Limit(t *testing.T) {
	assert.Equal(t, defaultListLimit, RunFilter{}.limit())
	assert.Equal(t, 5, RunFilter{Limit: 5}.limit())
	assert.Equal(t, maxListLimit, RunFilter{Limit: 1_000_000}.limit())
}
