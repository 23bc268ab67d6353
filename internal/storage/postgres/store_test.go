package postgres

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/siteboost/internal/analysis"
)

func newMockStore(t *testing.T) (pgxmock.PgxPoolIface, *Store) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	store, err := NewStore(mock)
	require.NoError(t, err)
	return mock, store
}

var jobColumnNames = []string{
	"id", "correlation_id", "owner_id", "url", "settings", "status", "current_stage", "progress",
	"error_details", "version", "content_uri", "content_hash", "metadata", "lease_expires_at",
	"created_at", "updated_at", "completed_at",
}

func TestNewStoreRequiresPool(t *testing.T) {
	t.Parallel()

	_, err := NewStore(nil)
	require.Error(t, err)
}

func TestMigrateAppliesSchema(t *testing.T) {
	t.Parallel()

	mock, store := newMockStore(t)
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS analysis_jobs").
		WillReturnResult(pgxmock.NewResult("CREATE", 0))

	require.NoError(t, store.Migrate(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateJobDuplicateCorrelation(t *testing.T) {
	t.Parallel()

	mock, store := newMockStore(t)
	now := time.Unix(1700000000, 0).UTC()
	job := analysis.Job{
		ID: "job-1", CorrelationID: "corr", OwnerID: "owner", URL: "https://example.com",
		Status: analysis.StatusPending, Version: 1, CreatedAt: now, UpdatedAt: now,
	}

	mock.ExpectExec("INSERT INTO analysis_jobs").
		WithArgs(
			job.ID, job.CorrelationID, job.OwnerID, job.URL, []byte("null"), "PENDING", "", 0.0,
			nil, int64(1), "", "", []byte("null"), (*time.Time)(nil), now, now, (*time.Time)(nil),
		).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("INSERT INTO analysis_jobs").
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
			pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
			pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
			pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 0))

	require.NoError(t, store.CreateJob(context.Background(), job))
	require.ErrorIs(t, store.CreateJob(context.Background(), job), analysis.ErrDuplicateCorrelation)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetJobScansRow(t *testing.T) {
	t.Parallel()

	mock, store := newMockStore(t)
	now := time.Unix(1700000000, 0).UTC()
	details, err := json.Marshal(analysis.ErrorDetails{Stage: analysis.StageFetch, Code: "http_status", Message: "503"})
	require.NoError(t, err)

	rows := mock.NewRows(jobColumnNames).AddRow(
		"job-1", "corr", "owner", "https://example.com", []byte(`{"render":true}`), "FAILED", "fetch", 0.05,
		details, int64(4), "", "", []byte(`{}`), (*time.Time)(nil), now, now, &now,
	)
	mock.ExpectQuery("SELECT (.+) FROM analysis_jobs WHERE id").WithArgs("job-1").WillReturnRows(rows)

	job, err := store.GetJob(context.Background(), "job-1")
	require.NoError(t, err)
	require.Equal(t, analysis.StatusFailed, job.Status)
	require.Equal(t, analysis.StageFetch, job.CurrentStage)
	require.True(t, job.SettingBool("render"))
	require.Equal(t, "http_status", job.ErrorDetails.Code)
	require.Equal(t, int64(4), job.Version)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetJobNotFound(t *testing.T) {
	t.Parallel()

	mock, store := newMockStore(t)
	mock.ExpectQuery("SELECT (.+) FROM analysis_jobs WHERE id").WithArgs("missing").WillReturnError(pgx.ErrNoRows)

	_, err := store.GetJob(context.Background(), "missing")
	require.ErrorIs(t, err, analysis.ErrNotFound)
}

func TestUpdateJobVersionConflict(t *testing.T) {
	t.Parallel()

	mock, store := newMockStore(t)
	now := time.Unix(1700000000, 0).UTC()
	job := analysis.Job{ID: "job-1", Status: analysis.StatusParsing, Version: 3, UpdatedAt: now}

	mock.ExpectExec("UPDATE analysis_jobs SET").
		WithArgs(
			"job-1", []byte("null"), "PARSING", "", 0.0, nil, int64(3), "", "", []byte("null"),
			(*time.Time)(nil), now, (*time.Time)(nil), int64(2),
		).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	require.ErrorIs(t, store.UpdateJob(context.Background(), job, 2), analysis.ErrVersionConflict)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPutStageResultWriteOnce(t *testing.T) {
	t.Parallel()

	mock, store := newMockStore(t)
	now := time.Unix(1700000000, 0).UTC()
	result := analysis.StageResult{
		JobID: "job-1", Dimension: analysis.DimensionSEO, Status: analysis.ResultSucceeded,
		Data: json.RawMessage(`{"title":true}`), Duration: 1500 * time.Millisecond, CreatedAt: now,
	}
	mock.ExpectExec("INSERT INTO stage_results").
		WithArgs("job-1", "seo", "succeeded", []byte(`{"title":true}`), "", int64(1500), now).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("INSERT INTO stage_results").
		WithArgs("job-1", "seo", "succeeded", []byte(`{"title":true}`), "", int64(1500), now).
		WillReturnResult(pgxmock.NewResult("INSERT", 0))

	require.NoError(t, store.PutStageResult(context.Background(), result))
	require.ErrorIs(t, store.PutStageResult(context.Background(), result), analysis.ErrResultExists)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListEventsOrdered(t *testing.T) {
	t.Parallel()

	mock, store := newMockStore(t)
	now := time.Unix(1700000000, 0).UTC()
	rows := mock.NewRows([]string{"id", "job_id", "scope", "type", "data", "created_at"}).
		AddRow("e1", "job-1", "owner", "job_created", []byte(`{}`), now).
		AddRow("e2", "job-1", "owner", "parsing_complete", []byte(`{"statusCode":200}`), now)
	mock.ExpectQuery("FROM analysis_events WHERE job_id").WithArgs("job-1").WillReturnRows(rows)

	events, err := store.ListEvents(context.Background(), "job-1")
	require.NoError(t, err)
	require.Len(t, events, 2)
	require.Equal(t, analysis.EventParsingComplete, events[1].Type)
	require.NoError(t, mock.ExpectationsWereMet())
}

var deliveryColumnNames = []string{
	"id", "config_id", "event_id", "attempt_count", "status", "last_response",
	"next_retry_at", "created_at", "updated_at",
}

func TestCreateDeliveryReturnsExistingRow(t *testing.T) {
	t.Parallel()

	mock, store := newMockStore(t)
	now := time.Unix(1700000000, 0).UTC()
	d := analysis.WebhookDelivery{
		ID: "d2", ConfigID: "c", EventID: "e", Status: analysis.DeliveryPending,
		NextRetryAt: &now, CreatedAt: now, UpdatedAt: now,
	}

	mock.ExpectQuery("INSERT INTO webhook_deliveries").
		WithArgs("d2", "c", "e", 0, "pending", nil, &now, now, now).
		WillReturnError(pgx.ErrNoRows)
	mock.ExpectQuery("SELECT (.+) FROM webhook_deliveries WHERE config_id").
		WithArgs("c", "e").
		WillReturnRows(mock.NewRows(deliveryColumnNames).
			AddRow("d1", "c", "e", 1, "pending", []byte(`{"statusCode":500}`), &now, now, now))

	got, created, err := store.CreateDelivery(context.Background(), d)
	require.NoError(t, err)
	require.False(t, created)
	require.Equal(t, "d1", got.ID)
	require.Equal(t, 500, got.LastResponse.StatusCode)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateDeliveryGuardsAttemptCount(t *testing.T) {
	t.Parallel()

	mock, store := newMockStore(t)
	now := time.Unix(1700000000, 0).UTC()
	d := analysis.WebhookDelivery{ID: "d1", AttemptCount: 2, Status: analysis.DeliveryExhausted, UpdatedAt: now}

	mock.ExpectExec("UPDATE webhook_deliveries SET").
		WithArgs("d1", 2, "exhausted", nil, (*time.Time)(nil), now, 1).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	require.ErrorIs(t, store.UpdateDelivery(context.Background(), d, 1), analysis.ErrVersionConflict)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestClaimDeliveryLost(t *testing.T) {
	t.Parallel()

	mock, store := newMockStore(t)
	now := time.Unix(1700000000, 0).UTC()
	until := now.Add(time.Minute)
	mock.ExpectQuery("UPDATE webhook_deliveries SET next_retry_at").
		WithArgs("d1", now, until).
		WillReturnError(pgx.ErrNoRows)

	_, err := store.ClaimDelivery(context.Background(), "d1", now, until)
	require.ErrorIs(t, err, analysis.ErrVersionConflict)
}

func TestListWebhookConfigsDecodesBackoff(t *testing.T) {
	t.Parallel()

	mock, store := newMockStore(t)
	now := time.Unix(1700000000, 0).UTC()
	rows := mock.NewRows([]string{
		"id", "scope", "url", "secret", "event_types", "active", "max_retries",
		"backoff_base_ms", "backoff_multiplier", "backoff_max_ms", "rate_rps", "rate_burst", "created_at",
	}).AddRow("c1", "owner", "https://hooks.example.com", "s3cr3t",
		[]string{"analysis_complete"}, true, 3, int64(1000), 2.0, int64(60000), 0.5, 2, now)
	mock.ExpectQuery("FROM webhook_configs WHERE scope").WithArgs("owner").WillReturnRows(rows)

	configs, err := store.ListWebhookConfigs(context.Background(), "owner")
	require.NoError(t, err)
	require.Len(t, configs, 1)
	require.Equal(t, time.Second, configs[0].Backoff.Base)
	require.Equal(t, time.Minute, configs[0].Backoff.Max)
	require.True(t, configs[0].Subscribes(analysis.EventAnalysisComplete))
	require.Equal(t, analysis.RatePolicy{RPS: 0.5, Burst: 2}, configs[0].RateLimit)
}

func TestMarkEventNotifiedIsIdempotent(t *testing.T) {
	t.Parallel()

	mock, store := newMockStore(t)
	now := time.Unix(1700000000, 0).UTC()
	mock.ExpectExec("INSERT INTO event_notifications").
		WithArgs("e1", now).
		WillReturnResult(pgxmock.NewResult("INSERT", 0))

	require.NoError(t, store.MarkEventNotified(context.Background(), "e1", now))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListUnnotifiedEventsSkipsMarked(t *testing.T) {
	t.Parallel()

	mock, store := newMockStore(t)
	now := time.Unix(1700000000, 0).UTC()
	rows := mock.NewRows([]string{"id", "job_id", "scope", "type", "data", "created_at"}).
		AddRow("e2", "job-1", "owner", "parsing_complete", []byte(`{}`), now)
	mock.ExpectQuery("LEFT JOIN event_notifications").WithArgs(now, 50).WillReturnRows(rows)

	events, err := store.ListUnnotifiedEvents(context.Background(), now, 50)
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, "e2", events[0].ID)
	require.Equal(t, "owner", events[0].Scope)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSetWebhookActive(t *testing.T) {
	t.Parallel()

	mock, store := newMockStore(t)
	mock.ExpectExec("UPDATE webhook_configs SET active").
		WithArgs("cfg-1", false).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec("UPDATE webhook_configs SET active").
		WithArgs("missing", false).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	require.NoError(t, store.SetWebhookActive(context.Background(), "cfg-1", false))
	require.ErrorIs(t, store.SetWebhookActive(context.Background(), "missing", false), analysis.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}
