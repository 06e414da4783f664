package postgres

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/realtime-social-scraper/internal/scrape"
)

func TestJobStoreLifecycle(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewJobStoreWithPool(mock, "")
	require.NoError(t, err)
	ctx := context.Background()

	record := scrape.JobRecord{
		Job:       scrape.Job{ID: "job-1", Target: "@jane", Freshness: time.Minute},
		Status:    scrape.StatusQueued,
		Submitted: time.Unix(1700000000, 0).UTC(),
	}
	raw, err := json.Marshal(record)
	require.NoError(t, err)

	mock.ExpectExec(`INSERT INTO scrape_jobs`).
		WithArgs("job-1", "queued", raw, record.Submitted).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	require.NoError(t, store.CreateJob(ctx, record))

	record.Status = scrape.StatusAccepted
	record.Score = 88
	updated, err := json.Marshal(record)
	require.NoError(t, err)
	mock.ExpectExec(`UPDATE scrape_jobs SET status`).
		WithArgs("accepted", updated, "job-1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	require.NoError(t, store.UpdateJob(ctx, record))

	mock.ExpectExec(`UPDATE scrape_jobs SET status`).
		WithArgs("accepted", updated, "job-1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	require.ErrorIs(t, store.UpdateJob(ctx, record), scrape.ErrJobNotFound)

	mock.ExpectQuery(`SELECT record FROM scrape_jobs WHERE id = \$1`).
		WithArgs("job-1").
		WillReturnRows(pgxmock.NewRows([]string{"record"}).AddRow(updated))
	got, err := store.GetJob(ctx, "job-1")
	require.NoError(t, err)
	require.Equal(t, scrape.StatusAccepted, got.Status)
	require.Equal(t, 88.0, got.Score)

	mock.ExpectQuery(`SELECT record FROM scrape_jobs`).
		WithArgs("nope").
		WillReturnRows(pgxmock.NewRows([]string{"record"}))
	_, err = store.GetJob(ctx, "nope")
	require.ErrorIs(t, err, scrape.ErrJobNotFound)

	require.NoError(t, mock.ExpectationsWereMet())
}
