package ingest

import (
	"sync"

	"go.uber.org/zap"

	"github.com/kailas-cloud/trialmatch/internal/metrics"
)

// cursorAdvancer is the slice of the cursor tracker the committer writes to.
type cursorAdvancer interface {
	Advance(nextToken string, page, fetched, failed int, filtersKey string) error
}

type pageState struct {
	nextToken string
	fetched   int
	skipped   int
	pending   int
	fetchDone bool
}

// committer advances the cursor strictly in page order: a page commits only
// when all of its batches finished AND every earlier page has committed, so
// resuming from the cursor never skips unfinished work.
type committer struct {
	mu      sync.Mutex
	cursor  cursorAdvancer
	filters string
	pages   map[int]*pageState
	next    int // lowest uncommitted page number
	metrics *metrics.Ingest
	logger  *zap.Logger
}

func newCommitter(cursor cursorAdvancer, filtersKey string, startPage int, m *metrics.Ingest, logger *zap.Logger) *committer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &committer{
		cursor:  cursor,
		filters: filtersKey,
		pages:   map[int]*pageState{},
		next:    startPage,
		metrics: m,
		logger:  logger,
	}
}

// pageFetched records that a page finished fetching and enqueued the given
// number of batches. With zero batches the page may commit immediately.
func (c *committer) pageFetched(page int, nextToken string, fetched, skipped, batches int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := c.state(page)
	st.nextToken = nextToken
	st.fetched = fetched
	st.skipped = skipped
	st.pending += batches
	st.fetchDone = true
	c.commitReady()
}

func (c *committer) batchDone(page int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state(page).pending--
	c.commitReady()
}

// flush commits whatever became ready after the pool drained. Called once
// all workers have exited.
func (c *committer) flush() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.commitReady()
}

func (c *committer) state(page int) *pageState {
	st, ok := c.pages[page]
	if !ok {
		st = &pageState{}
		c.pages[page] = st
	}
	return st
}

// commitReady persists every consecutive finished page. A failed cursor write
// is logged and the page still counts as committed: replaying it on the next
// run is safe because upserts are idempotent.
func (c *committer) commitReady() {
	for {
		st, ok := c.pages[c.next]
		if !ok || !st.fetchDone || st.pending > 0 {
			return
		}
		if err := c.cursor.Advance(st.nextToken, c.next, st.fetched, st.skipped, c.filters); err != nil {
			c.logger.Error("cursor advance failed",
				zap.Int("page", c.next), zap.Error(err))
		}
		if c.metrics != nil {
			c.metrics.CursorPage.Set(float64(c.next))
		}
		delete(c.pages, c.next)
		c.next++
	}
}
