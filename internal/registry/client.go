// Client for the ClinicalTrials.gov v2 /studies API. Pagination is
// token-chained: each page carries the token for the next one, so fetching is
// inherently serial.
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/kailas-cloud/trialmatch/internal/domain"
)

// requested response modules. Everything outside this list is dead weight on
// the wire.
const studyFields = "ProtocolSection|derivedSection.conditionBrowseModule.meshes"

// Config holds fetch parameters for one ingestion window.
type Config struct {
	BaseURL     string
	PageSize    int
	Statuses    []string
	WindowStart string // ISO date, empty = open start
	WindowEnd   string // ISO date, empty = today
	MaxRetries  int
	Timeout     time.Duration
}

// Client fetches study pages from the registry with retries.
type Client struct {
	cfg    Config
	httpc  *http.Client
	logger *zap.Logger
}

// NewClient creates a registry client. A nil logger is replaced with a no-op.
func NewClient(cfg Config, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &Client{
		cfg:    cfg,
		httpc:  &http.Client{Timeout: cfg.Timeout},
		logger: logger,
	}
}

// FiltersKey returns the fingerprint of this client's fetch parameters, used
// to guard cursor resume.
func (c *Client) FiltersKey() string {
	return FiltersKey(c.cfg.Statuses, c.cfg.WindowStart, c.cfg.WindowEnd)
}

type studiesResponse struct {
	Studies       []RawStudy `json:"studies"`
	NextPageToken string     `json:"nextPageToken"`
}

// FetchPage fetches one page. An empty token requests the first page. Number
// is carried through onto the returned Page for progress accounting.
// Transient failures (network errors, HTTP 429 and 5xx) are retried with
// exponential backoff; exhaustion and non-retryable statuses wrap
// domain.ErrFetchFailed.
func (c *Client) FetchPage(ctx context.Context, token string, number int) (*Page, error) {
	u, err := c.buildURL(token)
	if err != nil {
		return nil, err
	}

	var lastErr error
	for attempt := 0; attempt <= c.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(500*(1<<uint(attempt-1))) * time.Millisecond
			backoff += time.Duration(rand.Int63n(int64(backoff) / 2))
			c.logger.Warn("registry fetch retry",
				zap.Int("page", number),
				zap.Int("attempt", attempt),
				zap.Duration("backoff", backoff),
				zap.Error(lastErr))
			select {
			case <-ctx.Done():
				return nil, fmt.Errorf("fetch page %d: %w", number, ctx.Err())
			case <-time.After(backoff):
			}
		}

		page, retryable, err := c.fetchOnce(ctx, u, token, number)
		if err == nil {
			return page, nil
		}
		if ctx.Err() != nil {
			return nil, fmt.Errorf("fetch page %d: %w", number, ctx.Err())
		}
		if !retryable {
			return nil, fmt.Errorf("fetch page %d: %v: %w", number, err, domain.ErrFetchFailed)
		}
		lastErr = err
	}

	return nil, fmt.Errorf("fetch page %d after %d retries: %v: %w",
		number, c.cfg.MaxRetries, lastErr, domain.ErrFetchFailed)
}

func (c *Client) fetchOnce(ctx context.Context, u, token string, number int) (*Page, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, http.NoBody)
	if err != nil {
		return nil, false, fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, true, fmt.Errorf("registry request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		retryable := resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500
		return nil, retryable, fmt.Errorf("registry: status %d: %s", resp.StatusCode, string(body))
	}

	var out studiesResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		// a truncated body is transient, malformed JSON from a 200 is not
		// worth distinguishing: both get the remaining retries
		return nil, true, fmt.Errorf("parse registry response: %w", err)
	}

	return &Page{
		Number:    number,
		Token:     token,
		NextToken: out.NextPageToken,
		Studies:   out.Studies,
	}, false, nil
}

func (c *Client) buildURL(token string) (string, error) {
	base, err := url.Parse(c.cfg.BaseURL)
	if err != nil {
		return "", fmt.Errorf("parse base url: %w", err)
	}
	base.Path = strings.TrimRight(base.Path, "/") + "/studies"

	q := url.Values{}
	q.Set("format", "json")
	q.Set("markupFormat", "markdown")
	q.Set("pageSize", strconv.Itoa(c.cfg.PageSize))
	q.Set("fields", studyFields)
	if len(c.cfg.Statuses) > 0 {
		q.Set("filter.overallStatus", strings.Join(c.cfg.Statuses, "|"))
	}
	if term := c.windowTerm(); term != "" {
		q.Set("query.term", term)
	}
	if token != "" {
		q.Set("pageToken", token)
	}

	base.RawQuery = q.Encode()
	return base.String(), nil
}

// windowTerm renders the last-update window as a registry range query, e.g.
// AREA[LastUpdatePostDate]RANGE[2024-01-01,MAX].
func (c *Client) windowTerm() string {
	start, end := c.cfg.WindowStart, c.cfg.WindowEnd
	if start == "" && end == "" {
		return ""
	}
	if start == "" {
		start = "MIN"
	}
	if end == "" {
		end = "MAX"
	}
	return fmt.Sprintf("AREA[LastUpdatePostDate]RANGE[%s,%s]", start, end)
}

// IsFatal reports whether err should abort the run instead of being counted
// as a partial failure.
func IsFatal(err error) bool {
	return errors.Is(err, domain.ErrFetchFailed) || errors.Is(err, context.Canceled)
}
