package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/crawl-orchestrator/internal/clock/system"
	"github.com/JakeFAU/crawl-orchestrator/internal/crawl"
	"github.com/JakeFAU/crawl-orchestrator/internal/frontier"
	"github.com/JakeFAU/crawl-orchestrator/internal/id/uuid"
	"github.com/JakeFAU/crawl-orchestrator/internal/lifecycle"
	"github.com/JakeFAU/crawl-orchestrator/internal/outbox"
	"github.com/JakeFAU/crawl-orchestrator/internal/storage/memory"
	"github.com/JakeFAU/crawl-orchestrator/internal/summary"
)

var epoch = time.Date(2024, 7, 1, 9, 0, 0, 0, time.UTC)

type failingSummarizer struct{}

func (failingSummarizer) Summarize(context.Context, crawl.Job) (string, *crawl.SummaryData, error) {
	return "", nil, errors.New("llm quota exceeded")
}

type recordingArchive struct {
	mu      sync.Mutex
	indexes []int
}

func (r *recordingArchive) Archive(_ context.Context, _ string, batchIndex int, _ []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.indexes = append(r.indexes, batchIndex)
}

type harness struct {
	store    *memory.Store
	frontier *frontier.Memory
	machine  *lifecycle.Machine
	archive  *recordingArchive
	ing      *Ingestor
}

func newHarness(t *testing.T, summarizer Summarizer) *harness {
	t.Helper()
	store := memory.NewStore()
	clk := system.NewManual(epoch)
	ids := uuid.New()
	emitter := outbox.NewEmitter(store, ids, clk, nil, nil)
	machine := lifecycle.NewMachine(store, clk, ids, emitter, nil)
	fr := frontier.NewMemory()
	if summarizer == nil {
		summarizer = summary.NewAggregator(store, 0, 0)
	}
	archive := &recordingArchive{}
	ing := New(Deps{
		Jobs:        store,
		Pages:       store,
		Frontier:    fr,
		Transitions: machine,
		Summarizer:  summarizer,
		Events:      emitter,
		Drops:       outbox.NewScoreDropDetector(store, emitter, nil),
		Archive:     archive,
		Clock:       clk,
	})
	return &harness{store: store, frontier: fr, machine: machine, archive: archive, ing: ing}
}

// queuedJob admits and dispatches a job so it accepts batches.
func (h *harness) queuedJob(t *testing.T, projectID string) crawl.Job {
	t.Helper()
	ctx := context.Background()
	job, err := h.machine.Admit(ctx, projectID, "user-1")
	require.NoError(t, err)
	job, err = h.machine.MarkQueued(ctx, job.ID)
	require.NoError(t, err)
	return job
}

func (h *harness) countEvents(eventType string) int {
	n := 0
	for _, evt := range h.store.OutboxEvents() {
		if evt.Type == eventType {
			n++
		}
	}
	return n
}

func page(url string, overall float64) Page {
	return Page{URL: url, StatusCode: 200, Depth: 1, WordCount: 300, Score: &PageScore{Overall: overall}}
}

func TestFirstBatchMovesQueuedToCrawling(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	job := h.queuedJob(t, "proj-1")

	res, err := h.ing.IngestBatch(context.Background(), Batch{
		JobID:      job.ID,
		BatchIndex: 0,
		Pages:      []Page{page("https://example.com/", 80), page("https://example.com/about", 70)},
		Stats:      crawl.BatchStats{PagesFound: 12, PagesCrawled: 2},
		Raw:        json.RawMessage(`{"job_id":"x"}`),
	})
	require.NoError(t, err)
	require.Equal(t, 2, res.Accepted)
	require.Zero(t, res.Duplicates)
	require.Equal(t, crawl.StatusCrawling, res.Status)
	require.Equal(t, crawl.Counters{PagesFound: 12, PagesCrawled: 2, PagesScored: 2}, res.Counters)
	require.Equal(t, []int{0}, h.archive.indexes)

	seen, err := h.frontier.IsSeen(context.Background(), job.ID, "https://EXAMPLE.com/about/")
	require.NoError(t, err)
	require.True(t, seen)
}

func TestDuplicateDeliveryIsIdempotent(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	h := newHarness(t, nil)
	job := h.queuedJob(t, "proj-1")
	pages := []Page{
		page("https://example.com/a", 80),
		page("https://example.com/b", 60),
		page("https://example.com/b/", 60),
	}

	first, err := h.ing.IngestBatch(ctx, Batch{JobID: job.ID, BatchIndex: 4, Pages: pages, Stats: crawl.BatchStats{PagesFound: 5, PagesCrawled: 2}})
	require.NoError(t, err)
	require.Equal(t, 2, first.Accepted)
	require.Equal(t, 1, first.Duplicates)

	replay, err := h.ing.IngestBatch(ctx, Batch{JobID: job.ID, BatchIndex: 9, Pages: pages, Stats: crawl.BatchStats{PagesFound: 5, PagesCrawled: 2}})
	require.NoError(t, err)
	require.Zero(t, replay.Accepted)
	require.Equal(t, 3, replay.Duplicates)
	require.Equal(t, first.Counters, replay.Counters)

	stored, err := h.store.ListPages(ctx, job.ID)
	require.NoError(t, err)
	require.Len(t, stored, 2)
}

func TestStoreUniquenessCoversFrontierLoss(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	h := newHarness(t, nil)
	job := h.queuedJob(t, "proj-1")
	batch := Batch{JobID: job.ID, Pages: []Page{page("https://example.com/a", 80)}}

	_, err := h.ing.IngestBatch(ctx, batch)
	require.NoError(t, err)
	require.NoError(t, h.frontier.Forget(ctx, job.ID))

	res, err := h.ing.IngestBatch(ctx, batch)
	require.NoError(t, err)
	require.Zero(t, res.Accepted)
	require.Equal(t, 1, res.Duplicates)
	require.Equal(t, 1, res.Counters.PagesScored)
}

func TestCountersNeverMoveBackward(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	h := newHarness(t, nil)
	job := h.queuedJob(t, "proj-1")

	deliveries := []Batch{
		{JobID: job.ID, BatchIndex: 2, Pages: []Page{page("https://example.com/c", 50)}, Stats: crawl.BatchStats{PagesFound: 30, PagesCrawled: 15}},
		{JobID: job.ID, BatchIndex: 0, Pages: []Page{page("https://example.com/a", 50)}, Stats: crawl.BatchStats{PagesFound: 10, PagesCrawled: 5}},
		{JobID: job.ID, BatchIndex: 1, Pages: []Page{page("https://example.com/b", 50)}, Stats: crawl.BatchStats{PagesFound: 20, PagesCrawled: 10}},
		{JobID: job.ID, BatchIndex: 3, Pages: nil, Stats: crawl.BatchStats{PagesFound: 31, PagesCrawled: 16}},
	}
	var prev crawl.Counters
	for _, b := range deliveries {
		res, err := h.ing.IngestBatch(ctx, b)
		require.NoError(t, err)
		require.GreaterOrEqual(t, res.Counters.PagesFound, prev.PagesFound)
		require.GreaterOrEqual(t, res.Counters.PagesCrawled, prev.PagesCrawled)
		require.GreaterOrEqual(t, res.Counters.PagesScored, prev.PagesScored)
		prev = res.Counters
	}
	require.Equal(t, crawl.Counters{PagesFound: 31, PagesCrawled: 16, PagesScored: 3}, prev)
}

func TestRejectsTerminalJobsWithoutWriting(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	h := newHarness(t, nil)
	job := h.queuedJob(t, "proj-1")
	_, err := h.machine.Cancel(ctx, job.ID, "user-1", "")
	require.NoError(t, err)

	_, err = h.ing.IngestBatch(ctx, Batch{JobID: job.ID, Pages: []Page{page("https://example.com/", 90)}})
	require.ErrorIs(t, err, crawl.ErrNotIngestable)

	stored, err := h.store.ListPages(ctx, job.ID)
	require.NoError(t, err)
	require.Empty(t, stored)

	pending, err := h.machine.Admit(ctx, "proj-2", "user-1")
	require.NoError(t, err)
	_, err = h.ing.IngestBatch(ctx, Batch{JobID: pending.ID})
	require.ErrorIs(t, err, crawl.ErrNotIngestable, "pending jobs have not been dispatched")
}

func TestRejectsUnknownJobAndMalformedPages(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	h := newHarness(t, nil)
	job := h.queuedJob(t, "proj-1")

	_, err := h.ing.IngestBatch(ctx, Batch{JobID: "nope"})
	require.ErrorIs(t, err, crawl.ErrNotFound)

	cases := []Batch{
		{JobID: ""},
		{JobID: job.ID, BatchIndex: -1},
		{JobID: job.ID, Stats: crawl.BatchStats{PagesFound: -1}},
		{JobID: job.ID, Pages: []Page{{URL: "https://example.com/"}}},
		{JobID: job.ID, Pages: []Page{{URL: "/relative", Score: &PageScore{Overall: 10}}}},
		{JobID: job.ID, Pages: []Page{{URL: "https://example.com/", Score: &PageScore{Overall: 101}}}},
		{JobID: job.ID, Pages: []Page{page("https://example.com/ok", 50), {URL: "", Score: &PageScore{}}}},
	}
	for i, b := range cases {
		_, err := h.ing.IngestBatch(ctx, b)
		var vErr *crawl.ValidationError
		require.ErrorAs(t, err, &vErr, "case %d", i)
	}

	stored, err := h.store.ListPages(ctx, job.ID)
	require.NoError(t, err)
	require.Empty(t, stored, "a rejected batch writes nothing")
	current, err := h.store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, crawl.StatusQueued, current.Status)
}

func TestFinalBatchCompletesOnce(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	h := newHarness(t, nil)
	job := h.queuedJob(t, "proj-1")

	_, err := h.ing.IngestBatch(ctx, Batch{JobID: job.ID, BatchIndex: 0, Pages: []Page{page("https://example.com/", 90)}})
	require.NoError(t, err)

	final := Batch{JobID: job.ID, BatchIndex: 1, IsFinal: true, Pages: []Page{page("https://example.com/docs", 70)}, Stats: crawl.BatchStats{PagesFound: 2, PagesCrawled: 2}}
	res, err := h.ing.IngestBatch(ctx, final)
	require.NoError(t, err)
	require.True(t, res.Finalized)
	require.Equal(t, crawl.StatusComplete, res.Status)

	replay, err := h.ing.IngestBatch(ctx, final)
	require.ErrorIs(t, err, crawl.ErrNotIngestable)
	require.False(t, replay.Finalized)

	require.Equal(t, 1, h.countEvents(crawl.EventCrawlCompleted))

	done, err := h.store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, crawl.StatusComplete, done.Status)
	require.NotNil(t, done.CompletedAt)
	require.NotEmpty(t, done.Summary)
	require.InDelta(t, 80.0, done.SummaryData.OverallScore, 0.001)

	seen, err := h.frontier.IsSeen(ctx, job.ID, "https://example.com/")
	require.NoError(t, err)
	require.False(t, seen, "frontier released after completion")

	var payload Completed
	for _, evt := range h.store.OutboxEvents() {
		if evt.Type == crawl.EventCrawlCompleted {
			require.NoError(t, json.Unmarshal(evt.Payload, &payload))
		}
	}
	require.Equal(t, job.ID, payload.JobID)
	require.Equal(t, 2, payload.PagesScored)
	require.NotNil(t, payload.OverallScore)
}

func TestConcurrentFinalBatchesEmitOnce(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	h := newHarness(t, nil)
	job := h.queuedJob(t, "proj-1")

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, _ = h.ing.IngestBatch(ctx, Batch{
				JobID:      job.ID,
				BatchIndex: i,
				IsFinal:    true,
				Pages:      []Page{page("https://example.com/", 75)},
			})
		}(i)
	}
	wg.Wait()

	require.Equal(t, 1, h.countEvents(crawl.EventCrawlCompleted))
	done, err := h.store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, crawl.StatusComplete, done.Status)
	require.Equal(t, 1, done.Counters.PagesScored)
}

func TestSummaryFailureStillCompletes(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	h := newHarness(t, failingSummarizer{})
	job := h.queuedJob(t, "proj-1")

	res, err := h.ing.IngestBatch(ctx, Batch{JobID: job.ID, IsFinal: true, Pages: []Page{page("https://example.com/", 40)}})
	require.NoError(t, err)
	require.True(t, res.Finalized)

	done, err := h.store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, crawl.StatusComplete, done.Status)
	require.Empty(t, done.Summary)
	require.Nil(t, done.SummaryData)
	require.Equal(t, 1, h.countEvents(crawl.EventCrawlCompleted))
}

func TestScoreDropEmittedOnWorseCrawl(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	h := newHarness(t, nil)

	first := h.queuedJob(t, "proj-1")
	_, err := h.ing.IngestBatch(ctx, Batch{JobID: first.ID, IsFinal: true, Pages: []Page{page("https://example.com/", 90)}})
	require.NoError(t, err)

	second := h.queuedJob(t, "proj-1")
	_, err = h.ing.IngestBatch(ctx, Batch{JobID: second.ID, IsFinal: true, Pages: []Page{page("https://example.com/", 55)}})
	require.NoError(t, err)

	require.Equal(t, 1, h.countEvents(crawl.EventScoreDropped))
}

func TestRescore(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	h := newHarness(t, nil)

	_, err := h.ing.Rescore(ctx, "")
	var vErr *crawl.ValidationError
	require.ErrorAs(t, err, &vErr)

	_, err = h.ing.Rescore(ctx, "missing")
	require.ErrorIs(t, err, crawl.ErrNotFound)

	job := h.queuedJob(t, "proj-1")
	_, err = h.ing.Rescore(ctx, job.ID)
	require.ErrorIs(t, err, crawl.ErrNotIngestable)

	_, err = h.ing.IngestBatch(ctx, Batch{JobID: job.ID, IsFinal: true, Pages: []Page{page("https://example.com/", 64)}})
	require.NoError(t, err)
	stored, err := h.store.GetJob(ctx, job.ID)
	require.NoError(t, err)

	res, err := h.ing.Rescore(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, crawl.StatusComplete, res.Status)
	require.InDelta(t, 64.0, res.SummaryData.OverallScore, 0.001)
	require.Equal(t, 1, h.countEvents(crawl.EventCrawlRescored))
	require.Equal(t, 1, h.countEvents(crawl.EventCrawlCompleted))

	after, err := h.store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, stored, after, "a complete job is not rewritten by rescore")
}

func TestRescoreCompletesStuckScoringJob(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	h := newHarness(t, nil)
	job := h.queuedJob(t, "proj-1")

	_, err := h.ing.IngestBatch(ctx, Batch{JobID: job.ID, Pages: []Page{page("https://example.com/", 70)}})
	require.NoError(t, err)
	_, err = h.machine.MarkScoring(ctx, job.ID)
	require.NoError(t, err)

	res, err := h.ing.Rescore(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, crawl.StatusComplete, res.Status)
	require.NotEmpty(t, res.Summary)
	require.Equal(t, 1, h.countEvents(crawl.EventCrawlCompleted))
}

// cancellingArchive cancels the request once the batch is stored, the way a
// worker hanging up mid-request would.
type cancellingArchive struct {
	cancel context.CancelFunc
}

func (c cancellingArchive) Archive(context.Context, string, int, []byte) {
	c.cancel()
}

// ctxTransitions refuses writes on a done context, as pgx does.
type ctxTransitions struct {
	Transitions
}

func (c ctxTransitions) MarkScoring(ctx context.Context, jobID string) (crawl.Job, error) {
	if err := ctx.Err(); err != nil {
		return crawl.Job{}, err
	}
	return c.Transitions.MarkScoring(ctx, jobID)
}

func (c ctxTransitions) Complete(ctx context.Context, jobID, text string, data *crawl.SummaryData) (crawl.Job, error) {
	if err := ctx.Err(); err != nil {
		return crawl.Job{}, err
	}
	return c.Transitions.Complete(ctx, jobID, text, data)
}

func TestFinalBatchCompletesAfterCallerCancels(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	job := h.queuedJob(t, "proj-1")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ing := New(Deps{
		Jobs:        h.store,
		Pages:       h.store,
		Frontier:    h.frontier,
		Transitions: ctxTransitions{h.machine},
		Summarizer:  summary.NewAggregator(h.store, 0, 0),
		Events:      outbox.NewEmitter(h.store, uuid.New(), system.NewManual(epoch), nil, nil),
		Archive:     cancellingArchive{cancel: cancel},
		Clock:       system.NewManual(epoch),
	})

	res, err := ing.IngestBatch(ctx, Batch{
		JobID:   job.ID,
		IsFinal: true,
		Pages:   []Page{page("https://example.com/", 90)},
		Stats:   crawl.BatchStats{PagesFound: 1, PagesCrawled: 1},
		Raw:     json.RawMessage(`{}`),
	})
	require.NoError(t, err)
	require.Error(t, ctx.Err())
	require.True(t, res.Finalized)

	stored, err := h.store.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	require.Equal(t, crawl.StatusComplete, stored.Status)
}
