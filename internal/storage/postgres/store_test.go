package postgres

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/crawl-orchestrator/internal/crawl"
)

var jobColumnNames = []string{
	"id", "project_id", "user_id", "status", "pages_found", "pages_crawled", "pages_scored",
	"created_at", "started_at", "completed_at", "cancelled_at", "error_message", "cancelled_by", "cancel_reason",
	"summary", "summary_data", "share_token", "share_enabled", "share_level", "share_expires_at",
}

func newMockStore(t *testing.T) (*Store, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	store, err := NewStoreWithPool(mock)
	require.NoError(t, err)
	return store, mock
}

func jobRows(status crawl.Status, created time.Time, summaryData []byte) *pgxmock.Rows {
	return pgxmock.NewRows(jobColumnNames).AddRow(
		"job-1", "proj-1", "user-1", string(status), 12, 10, 8,
		created, nil, nil, nil, "", "", "",
		"", summaryData, "", false, "", nil,
	)
}

func TestNewStoreWithPoolRequiresPool(t *testing.T) {
	t.Parallel()

	_, err := NewStoreWithPool(nil)
	require.Error(t, err)
}

func TestNewStoreRequiresDSN(t *testing.T) {
	t.Parallel()

	_, err := NewStore(context.Background(), Config{})
	require.ErrorContains(t, err, "database.dsn")
}

func TestMigrateAppliesSchema(t *testing.T) {
	t.Parallel()
	store, mock := newMockStore(t)

	mock.ExpectExec(regexp.QuoteMeta("CREATE UNIQUE INDEX IF NOT EXISTS crawl_jobs_one_active_per_project")).
		WillReturnResult(pgxmock.NewResult("CREATE", 0))

	require.NoError(t, store.Migrate(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateJob(t *testing.T) {
	t.Parallel()
	store, mock := newMockStore(t)
	created := time.Unix(1_700_000_000, 0).UTC()
	job := crawl.Job{
		ID:        "job-1",
		ProjectID: "proj-1",
		UserID:    "user-1",
		Status:    crawl.StatusPending,
		CreatedAt: created,
	}

	mock.ExpectExec("INSERT INTO crawl_jobs").
		WithArgs("job-1", "proj-1", "user-1", "pending", 0, 0, 0, created).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, store.CreateJob(context.Background(), job))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateJobActiveConflict(t *testing.T) {
	t.Parallel()
	store, mock := newMockStore(t)

	mock.ExpectExec("INSERT INTO crawl_jobs").
		WithArgs("job-2", "proj-1", "user-1", "pending", 0, 0, 0, pgxmock.AnyArg()).
		WillReturnError(&pgconn.PgError{Code: "23505", ConstraintName: "crawl_jobs_one_active_per_project"})

	err := store.CreateJob(context.Background(), crawl.Job{
		ID:        "job-2",
		ProjectID: "proj-1",
		UserID:    "user-1",
		Status:    crawl.StatusPending,
		CreatedAt: time.Now(),
	})
	require.ErrorIs(t, err, crawl.ErrConflict)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetJob(t *testing.T) {
	t.Parallel()
	store, mock := newMockStore(t)
	created := time.Unix(1_700_000_000, 0).UTC()

	mock.ExpectQuery(regexp.QuoteMeta("FROM crawl_jobs WHERE id = $1")).
		WithArgs("job-1").
		WillReturnRows(jobRows(crawl.StatusComplete, created, []byte(`{"overall_score":71.5,"pages_evaluated":8}`)))

	job, err := store.GetJob(context.Background(), "job-1")
	require.NoError(t, err)
	require.Equal(t, crawl.StatusComplete, job.Status)
	require.Equal(t, crawl.Counters{PagesFound: 12, PagesCrawled: 10, PagesScored: 8}, job.Counters)
	require.Equal(t, created, job.CreatedAt)
	require.NotNil(t, job.SummaryData)
	require.InDelta(t, 71.5, job.SummaryData.OverallScore, 0.001)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetJobNotFound(t *testing.T) {
	t.Parallel()
	store, mock := newMockStore(t)

	mock.ExpectQuery(regexp.QuoteMeta("FROM crawl_jobs WHERE id = $1")).
		WithArgs("missing").
		WillReturnError(pgx.ErrNoRows)

	_, err := store.GetJob(context.Background(), "missing")
	require.ErrorIs(t, err, crawl.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListByProjectAppliesLimit(t *testing.T) {
	t.Parallel()
	store, mock := newMockStore(t)
	created := time.Unix(1_700_000_000, 0).UTC()

	mock.ExpectQuery(regexp.QuoteMeta("ORDER BY created_at DESC, id DESC LIMIT $2")).
		WithArgs("proj-1", 20).
		WillReturnRows(jobRows(crawl.StatusComplete, created, nil))

	jobs, err := store.ListByProject(context.Background(), "proj-1", 20)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	require.Nil(t, jobs[0].SummaryData)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPreviousCompleteQueriesBaseline(t *testing.T) {
	t.Parallel()
	store, mock := newMockStore(t)
	created := time.Unix(1_700_000_000, 0).UTC()
	before := created.Add(time.Hour)

	mock.ExpectQuery(regexp.QuoteMeta("status = 'complete' AND summary_data IS NOT NULL")).
		WithArgs("proj-1", before, "job-2").
		WillReturnRows(jobRows(crawl.StatusComplete, created, []byte(`{"overall_score":72}`)))

	job, err := store.PreviousComplete(context.Background(), "proj-1", before, "job-2")
	require.NoError(t, err)
	require.Equal(t, "job-1", job.ID)
	require.NotNil(t, job.SummaryData)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPreviousCompleteNotFound(t *testing.T) {
	t.Parallel()
	store, mock := newMockStore(t)
	before := time.Unix(1_700_000_000, 0).UTC()

	mock.ExpectQuery("FROM crawl_jobs").
		WithArgs("proj-1", before, "job-1").
		WillReturnError(pgx.ErrNoRows)

	_, err := store.PreviousComplete(context.Background(), "proj-1", before, "job-1")
	require.ErrorIs(t, err, crawl.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateStatusApplied(t *testing.T) {
	t.Parallel()
	store, mock := newMockStore(t)
	at := time.Unix(1_700_000_100, 0).UTC()

	mock.ExpectQuery("UPDATE crawl_jobs SET").
		WithArgs("job-1", []string{"pending"}, "queued", at, "", "", "", "", pgxmock.AnyArg()).
		WillReturnRows(jobRows(crawl.StatusQueued, at, nil))

	job, err := store.UpdateStatus(context.Background(), "job-1",
		[]crawl.Status{crawl.StatusPending},
		crawl.StatusUpdate{To: crawl.StatusQueued, At: at},
	)
	require.NoError(t, err)
	require.Equal(t, crawl.StatusQueued, job.Status)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateStatusLostRace(t *testing.T) {
	t.Parallel()
	store, mock := newMockStore(t)
	created := time.Unix(1_700_000_000, 0).UTC()

	mock.ExpectQuery("UPDATE crawl_jobs SET").
		WithArgs("job-1", []string{"queued", "crawling"}, "cancelled",
			pgxmock.AnyArg(), "", "user-1", "", "", pgxmock.AnyArg()).
		WillReturnError(pgx.ErrNoRows)
	mock.ExpectQuery(regexp.QuoteMeta("FROM crawl_jobs WHERE id = $1")).
		WithArgs("job-1").
		WillReturnRows(jobRows(crawl.StatusComplete, created, nil))

	job, err := store.UpdateStatus(context.Background(), "job-1",
		[]crawl.Status{crawl.StatusQueued, crawl.StatusCrawling},
		crawl.StatusUpdate{To: crawl.StatusCancelled, At: time.Now(), CancelledBy: "user-1"},
	)
	require.ErrorIs(t, err, crawl.ErrInvalidTransition)
	require.Equal(t, crawl.StatusComplete, job.Status)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateStatusMissingJob(t *testing.T) {
	t.Parallel()
	store, mock := newMockStore(t)

	mock.ExpectQuery("UPDATE crawl_jobs SET").WillReturnError(pgx.ErrNoRows)
	mock.ExpectQuery(regexp.QuoteMeta("FROM crawl_jobs WHERE id = $1")).
		WithArgs("gone").
		WillReturnError(pgx.ErrNoRows)

	_, err := store.UpdateStatus(context.Background(), "gone",
		[]crawl.Status{crawl.StatusPending},
		crawl.StatusUpdate{To: crawl.StatusFailed, At: time.Now(), ErrorMessage: "boom"},
	)
	require.ErrorIs(t, err, crawl.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSaveBatchSkipsExistingPages(t *testing.T) {
	t.Parallel()
	store, mock := newMockStore(t)
	crawled := time.Unix(1_700_000_200, 0).UTC()

	pages := []crawl.ScoredPage{
		{
			Page:  crawl.Page{JobID: "job-1", URL: "https://example.com/a", StatusCode: 200, CrawledAt: crawled},
			Score: crawl.Score{JobID: "job-1", URL: "https://example.com/a", Overall: 80, CreatedAt: crawled},
		},
		{
			Page:  crawl.Page{JobID: "job-1", URL: "https://example.com/b", StatusCode: 200, CrawledAt: crawled},
			Score: crawl.Score{JobID: "job-1", URL: "https://example.com/b", Overall: 60, CreatedAt: crawled},
		},
	}

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("SELECT status FROM crawl_jobs WHERE id = $1 FOR UPDATE")).
		WithArgs("job-1").
		WillReturnRows(pgxmock.NewRows([]string{"status"}).AddRow("crawling"))
	mock.ExpectExec("INSERT INTO crawl_pages").
		WithArgs("job-1", "https://example.com/a", 200, "", 0, 0, "", crawled).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("INSERT INTO crawl_scores").
		WithArgs("job-1", "https://example.com/a", 80.0, []byte(`{}`), []byte(`[]`), crawled).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("INSERT INTO crawl_pages").
		WithArgs("job-1", "https://example.com/b", 200, "", 0, 0, "", crawled).
		WillReturnResult(pgxmock.NewResult("INSERT", 0))
	mock.ExpectQuery("UPDATE crawl_jobs SET").
		WithArgs("job-1", 5, 2, 1).
		WillReturnRows(pgxmock.NewRows([]string{"pages_found", "pages_crawled", "pages_scored"}).AddRow(5, 3, 4))
	mock.ExpectCommit()

	outcome, err := store.SaveBatch(context.Background(), "job-1", pages, crawl.BatchStats{PagesFound: 5, PagesCrawled: 2})
	require.NoError(t, err)
	require.Equal(t, []string{"https://example.com/a"}, outcome.InsertedURLs)
	require.Equal(t, crawl.Counters{PagesFound: 5, PagesCrawled: 3, PagesScored: 4}, outcome.Counters)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSaveBatchRollsBackOnFailure(t *testing.T) {
	t.Parallel()
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("SELECT status FROM crawl_jobs WHERE id = $1 FOR UPDATE")).
		WithArgs("job-1").
		WillReturnRows(pgxmock.NewRows([]string{"status"}).AddRow("crawling"))
	mock.ExpectExec("INSERT INTO crawl_pages").
		WillReturnError(&pgconn.PgError{Code: "57014", Message: "canceling statement"})
	mock.ExpectRollback()

	_, err := store.SaveBatch(context.Background(), "job-1", []crawl.ScoredPage{
		{Page: crawl.Page{URL: "https://example.com/a", StatusCode: 200}},
	}, crawl.BatchStats{})
	require.ErrorContains(t, err, "insert page")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSaveBatchUnknownJob(t *testing.T) {
	t.Parallel()
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("FOR UPDATE")).
		WithArgs("missing").
		WillReturnError(pgx.ErrNoRows)
	mock.ExpectRollback()

	_, err := store.SaveBatch(context.Background(), "missing", nil, crawl.BatchStats{})
	require.ErrorIs(t, err, crawl.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSaveBatchRejectsCancelledJob(t *testing.T) {
	t.Parallel()
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("SELECT status FROM crawl_jobs WHERE id = $1 FOR UPDATE")).
		WithArgs("job-1").
		WillReturnRows(pgxmock.NewRows([]string{"status"}).AddRow("cancelled"))
	mock.ExpectRollback()

	_, err := store.SaveBatch(context.Background(), "job-1", []crawl.ScoredPage{
		{Page: crawl.Page{URL: "https://example.com/a", StatusCode: 200}},
	}, crawl.BatchStats{PagesCrawled: 1})
	require.ErrorIs(t, err, crawl.ErrNotIngestable)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListScoresDecodesJSON(t *testing.T) {
	t.Parallel()
	store, mock := newMockStore(t)
	created := time.Unix(1_700_000_000, 0).UTC()

	mock.ExpectQuery("FROM crawl_scores").
		WithArgs("job-1").
		WillReturnRows(pgxmock.NewRows([]string{"job_id", "url", "overall", "categories", "issues", "created_at"}).
			AddRow("job-1", "https://example.com/", 72.5,
				[]byte(`{"structure":80}`),
				[]byte(`[{"code":"missing_h1","severity":"high","message":"No H1"}]`),
				created))

	scores, err := store.ListScores(context.Background(), "job-1")
	require.NoError(t, err)
	require.Len(t, scores, 1)
	require.InDelta(t, 80, scores[0].Categories["structure"], 0.001)
	require.Equal(t, "missing_h1", scores[0].Issues[0].Code)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDecrementCrawlCredits(t *testing.T) {
	t.Parallel()

	decrement := regexp.QuoteMeta("SET crawl_credits_remaining = crawl_credits_remaining - 1")
	exists := regexp.QuoteMeta("SELECT EXISTS")

	t.Run("granted", func(t *testing.T) {
		t.Parallel()
		store, mock := newMockStore(t)
		mock.ExpectExec(decrement).WithArgs("user-1").WillReturnResult(pgxmock.NewResult("UPDATE", 1))

		ok, err := store.DecrementCrawlCredits(context.Background(), "user-1")
		require.NoError(t, err)
		require.True(t, ok)
		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("exhausted", func(t *testing.T) {
		t.Parallel()
		store, mock := newMockStore(t)
		mock.ExpectExec(decrement).WithArgs("user-1").WillReturnResult(pgxmock.NewResult("UPDATE", 0))
		mock.ExpectQuery(exists).WithArgs("user-1").WillReturnRows(pgxmock.NewRows([]string{"exists"}).AddRow(true))

		ok, err := store.DecrementCrawlCredits(context.Background(), "user-1")
		require.NoError(t, err)
		require.False(t, ok)
		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("unknown user", func(t *testing.T) {
		t.Parallel()
		store, mock := newMockStore(t)
		mock.ExpectExec(decrement).WithArgs("ghost").WillReturnResult(pgxmock.NewResult("UPDATE", 0))
		mock.ExpectQuery(exists).WithArgs("ghost").WillReturnRows(pgxmock.NewRows([]string{"exists"}).AddRow(false))

		_, err := store.DecrementCrawlCredits(context.Background(), "ghost")
		require.ErrorIs(t, err, crawl.ErrNotFound)
		require.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestIncrementCrawlCreditsUnknownUser(t *testing.T) {
	t.Parallel()
	store, mock := newMockStore(t)

	mock.ExpectExec(regexp.QuoteMeta("crawl_credits_remaining + 1")).
		WithArgs("ghost").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	require.ErrorIs(t, store.IncrementCrawlCredits(context.Background(), "ghost"), crawl.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetProject(t *testing.T) {
	t.Parallel()
	store, mock := newMockStore(t)

	mock.ExpectQuery("FROM projects").
		WithArgs("proj-1").
		WillReturnRows(pgxmock.NewRows([]string{"id", "owner_id", "root_url", "max_pages", "max_depth", "respect_robots"}).
			AddRow("proj-1", "user-1", "https://example.com", 50, 3, true))

	project, err := store.GetProject(context.Background(), "proj-1")
	require.NoError(t, err)
	require.Equal(t, "user-1", project.OwnerID)
	require.Equal(t, crawl.ProjectSettings{MaxPages: 50, MaxDepth: 3, RespectRobots: true}, project.Settings)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestOutboxRoundTrip(t *testing.T) {
	t.Parallel()
	store, mock := newMockStore(t)
	created := time.Unix(1_700_000_000, 0).UTC()
	delivered := created.Add(time.Second)

	mock.ExpectExec("INSERT INTO outbox_events").
		WithArgs("evt-1", crawl.EventCrawlCompleted, []byte(`{"job_id":"job-1"}`), created).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectQuery("WHERE delivered_at IS NULL").
		WithArgs(10).
		WillReturnRows(pgxmock.NewRows([]string{"id", "type", "payload", "created_at"}).
			AddRow("evt-1", crawl.EventCrawlCompleted, []byte(`{"job_id":"job-1"}`), created))
	mock.ExpectExec("UPDATE outbox_events SET delivered_at").
		WithArgs("evt-1", delivered).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	ctx := context.Background()
	require.NoError(t, store.EnqueueOutboxEvent(ctx, crawl.OutboxEvent{
		ID:        "evt-1",
		Type:      crawl.EventCrawlCompleted,
		Payload:   []byte(`{"job_id":"job-1"}`),
		CreatedAt: created,
	}))
	events, err := store.ListUndelivered(ctx, 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.JSONEq(t, `{"job_id":"job-1"}`, string(events[0].Payload))
	require.NoError(t, store.MarkDelivered(ctx, "evt-1", delivered))
	require.NoError(t, mock.ExpectationsWereMet())
}
