package postgres

import (
	"context"
	"errors"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/registry-crawler/internal/crawler"
)

func newMockStore(t *testing.T) (*Store, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)

	store, err := NewWithPool(mock)
	require.NoError(t, err)
	return store, mock
}

func TestNewWithPoolRequiresPool(t *testing.T) {
	t.Parallel()

	_, err := NewWithPool(nil)
	require.Error(t, err)
}

func TestMigrateAppliesSchema(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS statuses").
		WillReturnResult(pgxmock.NewResult("CREATE", 0))

	require.NoError(t, store.Migrate(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEnsureDefaultsResolvesStatusSet(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectExec("INSERT INTO statuses").
		WithArgs("new", "in_progress", "completed").
		WillReturnResult(pgxmock.NewResult("INSERT", 0))
	mock.ExpectQuery("SELECT id, label FROM statuses").
		WillReturnRows(pgxmock.NewRows([]string{"id", "label"}).
			AddRow(int64(1), "new").
			AddRow(int64(2), "in_progress").
			AddRow(int64(3), "completed"))

	set, err := store.Statuses().EnsureDefaults(context.Background())
	require.NoError(t, err)
	require.Equal(t, crawler.StatusSet{New: 1, InProgress: 2, Completed: 3}, set)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEnsureDefaultsFailsWhenLabelMissing(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectExec("INSERT INTO statuses").
		WithArgs("new", "in_progress", "completed").
		WillReturnResult(pgxmock.NewResult("INSERT", 0))
	mock.ExpectQuery("SELECT id, label FROM statuses").
		WillReturnRows(pgxmock.NewRows([]string{"id", "label"}).AddRow(int64(1), "new"))

	_, err := store.Statuses().EnsureDefaults(context.Background())
	require.Error(t, err)
}

func TestCodeCreateReportsDuplicates(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	code := crawler.Code{Code: "wine", URL: "https://x/cat/wine.html", RegistryID: 4, StatusID: 1}

	mock.ExpectExec("INSERT INTO codes").
		WithArgs(code.Code, code.URL, code.RegistryID, code.StatusID).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("INSERT INTO codes").
		WithArgs(code.Code, code.URL, code.RegistryID, code.StatusID).
		WillReturnResult(pgxmock.NewResult("INSERT", 0))

	created, err := store.Codes().Create(context.Background(), code)
	require.NoError(t, err)
	require.True(t, created)

	created, err = store.Codes().Create(context.Background(), code)
	require.NoError(t, err)
	require.False(t, created)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCodeCreateMissingRegistryIsNotFound(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectExec("INSERT INTO codes").
		WillReturnError(&pgconn.PgError{Code: "23503", Message: "violates foreign key constraint"})

	_, err := store.Codes().Create(context.Background(), crawler.Code{URL: "https://x/a", RegistryID: 99, StatusID: 1})
	require.ErrorIs(t, err, crawler.ErrNotFound)
}

func TestCodeGetScansNullableLastPage(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	columns := []string{"id", "code", "url", "registry_id", "status_id", "last_page"}
	lastPage := 3
	mock.ExpectQuery("SELECT id, code, url, registry_id, status_id, last_page FROM codes WHERE id").
		WithArgs(int64(7)).
		WillReturnRows(pgxmock.NewRows(columns).
			AddRow(int64(7), "wine", "https://x/cat/wine.html", int64(4), int64(2), &lastPage))
	mock.ExpectQuery("SELECT id, code, url, registry_id, status_id, last_page FROM codes WHERE id").
		WithArgs(int64(8)).
		WillReturnRows(pgxmock.NewRows(columns).
			AddRow(int64(8), "beer", "https://x/cat/beer.html", int64(4), int64(1), nil))

	code, err := store.Codes().Get(context.Background(), 7)
	require.NoError(t, err)
	require.NotNil(t, code.LastPage)
	require.Equal(t, 3, *code.LastPage)

	code, err = store.Codes().Get(context.Background(), 8)
	require.NoError(t, err)
	require.Nil(t, code.LastPage)
	require.Equal(t, "beer", code.Code)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCodeGetMissingIsNotFound(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectQuery("SELECT id, code, url").
		WithArgs(int64(42)).
		WillReturnError(pgx.ErrNoRows)

	_, err := store.Codes().Get(context.Background(), 42)
	require.ErrorIs(t, err, crawler.ErrNotFound)
}

func TestCodeUpdateProgressPassesCheckpoint(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	page := 5
	mock.ExpectExec("UPDATE codes SET status_id").
		WithArgs(int64(7), int64(2), &page).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec("UPDATE codes SET status_id").
		WithArgs(int64(9), int64(3), (*int)(nil)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	require.NoError(t, store.Codes().UpdateProgress(context.Background(), 7, 2, &page))
	err := store.Codes().UpdateProgress(context.Background(), 9, 3, nil)
	require.ErrorIs(t, err, crawler.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCodeCountIncomplete(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectQuery(`SELECT count\(\*\) FROM codes`).
		WithArgs(int64(4), int64(3)).
		WillReturnRows(pgxmock.NewRows([]string{"count"}).AddRow(2))

	n, err := store.Codes().CountIncomplete(context.Background(), 4, 3)
	require.NoError(t, err)
	require.Equal(t, 2, n)
}

func TestFieldKeyGetOrCreateReturnsRow(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectQuery("INSERT INTO field_keys").
		WithArgs("bottle_volume", "Bottle volume").
		WillReturnRows(pgxmock.NewRows([]string{"id", "short_name", "full_name", "frequency"}).
			AddRow(int64(11), "bottle_volume", "Bottle volume", int64(2)))

	key, err := store.FieldKeys().GetOrCreate(context.Background(), "bottle_volume", "Bottle volume")
	require.NoError(t, err)
	require.Equal(t, crawler.FieldKey{ID: 11, ShortName: "bottle_volume", FullName: "Bottle volume", Frequency: 2}, key)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRawdataUpsertEncodesParsedData(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	raw := crawler.Rawdata{
		NameID:     5,
		BodyHTML:   "<html></html>",
		Title:      "Chateau",
		ParsedData: map[string]string{"Title": "Grand cru"},
		StatusID:   3,
	}
	mock.ExpectQuery("INSERT INTO rawdata").
		WithArgs(raw.NameID, raw.BodyHTML, raw.Title, []byte(`{"Title":"Grand cru"}`), raw.StatusID).
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow(int64(21)))

	got, err := store.Rawdata().Upsert(context.Background(), raw)
	require.NoError(t, err)
	require.Equal(t, int64(21), got.ID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCrawlJobIsCancelRequested(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectQuery("SELECT cancel_requested FROM crawl_jobs").
		WithArgs("job-1").
		WillReturnRows(pgxmock.NewRows([]string{"cancel_requested"}).AddRow(true))
	mock.ExpectQuery("SELECT cancel_requested FROM crawl_jobs").
		WithArgs("job-2").
		WillReturnError(pgx.ErrNoRows)

	canceled, err := store.CrawlJobs().IsCancelRequested(context.Background(), "job-1")
	require.NoError(t, err)
	require.True(t, canceled)

	_, err = store.CrawlJobs().IsCancelRequested(context.Background(), "job-2")
	require.ErrorIs(t, err, crawler.ErrNotFound)
}

func TestInTxCommitsOnSuccess(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectBegin()
	mock.ExpectExec("UPDATE names SET status_id").
		WithArgs(int64(5), int64(3)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectCommit()

	err := store.InTx(context.Background(), func(repos crawler.Repositories) error {
		return repos.Names().UpdateStatus(context.Background(), 5, 3)
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestInTxRollsBackOnError(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectBegin()
	mock.ExpectRollback()

	boom := errors.New("boom")
	err := store.InTx(context.Background(), func(crawler.Repositories) error {
		return boom
	})
	require.ErrorIs(t, err, boom)
	require.NoError(t, mock.ExpectationsWereMet())
}
