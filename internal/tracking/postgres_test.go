package tracking

import (
	"context"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/openjuris/docket-harvester/internal/harvest"
)

func TestPostgresRepoGetCase(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	repo, err := NewPostgresRepoWithPool(mock, "case_tracking", "case_audit")
	require.NoError(t, err)

	last := time.Unix(1_700_000_000, 0).UTC()
	errMsg := "timeout"
	mock.ExpectQuery("SELECT status, last_attempt_at, retry_count, error_message").
		WithArgs("HC-42-24").
		WillReturnRows(pgxmock.NewRows(
			[]string{"status", "last_attempt_at", "retry_count", "error_message"},
		).AddRow("failed", &last, 2, &errMsg))

	rec, err := repo.GetCase(context.Background(), harvest.CaseID{Prefix: "HC", Seq: 42, Year: 24})
	require.NoError(t, err)
	require.Equal(t, harvest.StatusFailed, rec.Status)
	require.Equal(t, last, rec.LastAttemptAt)
	require.Equal(t, 2, rec.RetryCount)
	require.Equal(t, "timeout", rec.ErrorMessage)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresRepoGetCaseNotFound(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	repo, err := NewPostgresRepoWithPool(mock, "", "")
	require.NoError(t, err)

	mock.ExpectQuery("SELECT status, last_attempt_at, retry_count, error_message").
		WithArgs("HC-7-24").
		WillReturnRows(pgxmock.NewRows(
			[]string{"status", "last_attempt_at", "retry_count", "error_message"},
		))

	_, err = repo.GetCase(context.Background(), harvest.CaseID{Prefix: "HC", Seq: 7, Year: 24})
	require.ErrorIs(t, err, ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresRepoUpsertCase(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	repo, err := NewPostgresRepoWithPool(mock, "case_tracking", "case_audit")
	require.NoError(t, err)

	last := time.Unix(1_700_000_100, 0).UTC()
	rec := harvest.CaseRecord{
		ID:            harvest.CaseID{Prefix: "HC", Seq: 42, Year: 24},
		Status:        harvest.StatusSuccess,
		LastAttemptAt: last,
	}

	mock.ExpectExec("INSERT INTO case_tracking").
		WithArgs("HC-42-24", "success", &last, 0, "").
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, repo.UpsertCase(context.Background(), rec))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresRepoAppendAudit(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	repo, err := NewPostgresRepoWithPool(mock, "case_tracking", "case_audit")
	require.NoError(t, err)

	at := time.Unix(1_700_000_200, 0).UTC()
	entry := AuditEntry{
		CaseID:     harvest.CaseID{Prefix: "HC", Seq: 9, Year: 24},
		Outcome:    harvest.StatusNoData,
		Reason:     "registry confirmed absent",
		DurationMs: 420,
		RecordedAt: at,
	}

	mock.ExpectExec("INSERT INTO case_audit").
		WithArgs("HC-9-24", "no_data", "registry confirmed absent", "", int64(420), at).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, repo.AppendAudit(context.Background(), entry))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresRepoPurgeYear(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	repo, err := NewPostgresRepoWithPool(mock, "case_tracking", "case_audit")
	require.NoError(t, err)

	mock.ExpectExec("DELETE FROM case_tracking").
		WithArgs("HC-%-24").
		WillReturnResult(pgxmock.NewResult("DELETE", 37))

	n, err := repo.PurgeYear(context.Background(), "HC", 2024)
	require.NoError(t, err)
	require.EqualValues(t, 37, n)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestNewPostgresRepoRejectsBadTableName(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	_, err = NewPostgresRepoWithPool(mock, "case_tracking; DROP TABLE", "case_audit")
	require.Error(t, err)
}
