package hackernews

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"golang.org/x/time/rate"

	"hn_syncer/internal/domain"
	"hn_syncer/internal/utils"
)

const (
	SourceID   = "hacker_news"
	SourceName = "Hacker News"

	topStoriesPath = "/topstories.json"
	itemPathFormat = "/item/%d.json"
)

var errRateLimited = errors.New("rate limiter")

// Config holds Hacker News API client configuration.
type Config struct {
	BaseURL           string
	Timeout           time.Duration
	RequestsPerSecond float64
	Burst             int
	MaxAttempts       int
	InitialBackoff    time.Duration
	MaxBackoff        time.Duration
}

// Source fetches one id list or one item per call. It does not cache.
type Source struct {
	client *resty.Client
	logger *slog.Logger
}

// New creates a Hacker News source. Timeout applies to every request and
// MaxAttempts includes the first try. Every attempt, retries included, takes a
// token from the rate limiter.
func New(cfg Config, logger *slog.Logger) *Source {
	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}
	limiter := rate.NewLimiter(limit, max(cfg.Burst, 1))

	client := resty.New().
		SetBaseURL(strings.TrimRight(cfg.BaseURL, "/")).
		SetTimeout(cfg.Timeout).
		SetHeader("Accept", "application/json").
		SetHeader("User-Agent", "HNSyncer/1.0").
		OnBeforeRequest(func(_ *resty.Client, r *resty.Request) error {
			if err := limiter.Wait(r.Context()); err != nil {
				return fmt.Errorf("%w: %w", errRateLimited, err)
			}
			return nil
		})

	if cfg.MaxAttempts > 1 {
		client.
			SetRetryCount(cfg.MaxAttempts - 1).
			SetRetryWaitTime(cfg.InitialBackoff).
			SetRetryMaxWaitTime(cfg.MaxBackoff).
			AddRetryCondition(shouldRetry)
	}

	return &Source{
		client: client,
		logger: logger.With("source", SourceID),
	}
}

// ID returns the source identifier.
func (s *Source) ID() string {
	return SourceID
}

// Name returns human-readable name.
func (s *Source) Name() string {
	return SourceName
}

// FetchTopIDs returns at most limit ids from the top stories list, in ranking
// order. A limit of zero or less returns the whole list.
func (s *Source) FetchTopIDs(ctx context.Context, limit int) ([]int64, error) {
	body, err := s.get(ctx, topStoriesPath)
	if err != nil {
		return nil, fmt.Errorf("fetch top stories: %w", err)
	}
	if body == nil {
		return nil, nil
	}

	var ids []int64
	if err := json.Unmarshal(body, &ids); err != nil {
		s.logger.Warn("malformed top stories response", "error", err)
		return nil, nil
	}

	if limit > 0 && limit < len(ids) {
		ids = ids[:limit]
	}

	return ids, nil
}

// FetchItem returns the item with the given id, or nil when the API reports it
// as missing, deleted or returns something that cannot be decoded.
func (s *Source) FetchItem(ctx context.Context, id int64) (*domain.Item, error) {
	body, err := s.get(ctx, fmt.Sprintf(itemPathFormat, id))
	if err != nil {
		return nil, fmt.Errorf("fetch item %d: %w", id, err)
	}
	if body == nil {
		return nil, nil
	}

	var payload itemPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		s.logger.Warn("malformed item response", "external_id", id, "error", err)
		return nil, nil
	}

	if payload.ID != id || payload.Type == "" {
		s.logger.Warn("inconsistent item response",
			"external_id", id,
			"payload_id", payload.ID,
			"type", payload.Type,
		)
		return nil, nil
	}

	if payload.Deleted {
		s.logger.Debug("item deleted upstream", "external_id", id)
		return nil, nil
	}

	return transform(payload), nil
}

// get returns the response body, nil for a "not found" outcome, or an error
// wrapping domain.ErrTransientFetch.
func (s *Source) get(ctx context.Context, path string) ([]byte, error) {
	resp, err := s.client.R().SetContext(ctx).Get(path)
	if err != nil {
		return nil, fmt.Errorf("%w: execute request: %w", domain.ErrTransientFetch, err)
	}

	switch code := resp.StatusCode(); {
	case code == http.StatusOK:
	case code == http.StatusTooManyRequests || code >= http.StatusInternalServerError:
		return nil, fmt.Errorf("%w: unexpected status: %d", domain.ErrTransientFetch, code)
	default:
		s.logger.Debug("treating response as absent", "path", path, "status", code)
		return nil, nil
	}

	body := bytes.TrimSpace(resp.Body())
	if len(body) == 0 || bytes.Equal(body, []byte("null")) {
		return nil, nil
	}

	return body, nil
}

// shouldRetry retries network failures and throttling or server statuses. A
// limiter that cannot grant a token before the deadline is final.
func shouldRetry(resp *resty.Response, err error) bool {
	if errors.Is(err, errRateLimited) {
		return false
	}
	if err != nil {
		return true
	}
	code := resp.StatusCode()
	return code == http.StatusTooManyRequests || code >= http.StatusInternalServerError
}

func transform(p itemPayload) *domain.Item {
	item := &domain.Item{
		ExternalID:  p.ID,
		Type:        p.Type,
		Author:      utils.PtrOrNil(p.By),
		Title:       utils.PtrOrNil(p.Title),
		Text:        utils.PtrOrNil(p.Text),
		URL:         utils.PtrOrNil(p.URL),
		Score:       p.Score,
		Descendants: p.Descendants,
		ParentID:    utils.PtrOrNil(p.Parent),
		Source:      domain.SourceHackerNews,
	}

	if p.Time > 0 {
		item.CreatedAt = utils.Ptr(time.Unix(p.Time, 0).UTC())
	}

	if len(p.Kids) > 0 {
		item.ChildIDs = append([]int64(nil), p.Kids...)
	}

	return item
}
