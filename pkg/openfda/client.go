package openfda

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/juju/ratelimit"
	"go.uber.org/zap"

	"github.com/elonfeng/drugradar/internal/logger"
	"github.com/elonfeng/drugradar/internal/metrics"
	"github.com/elonfeng/drugradar/pkg/event"
)

const (
	DefaultBaseURL = "https://api.fda.gov"

	eventPath    = "/drug/event.json"
	maxBodyBytes = 64 << 20

	endpointSearch = "search"
	endpointCount  = "count"
)

// Config controls the client. Zero values fall back to defaults.
type Config struct {
	BaseURL       string
	APIKey        string
	SearchLimit   int
	CountLimit    int
	Timeout       time.Duration
	MaxRetries    int
	RetryBase     time.Duration
	RatePerMinute int
}

// Client queries the openFDA drug adverse event endpoint.
type Client struct {
	client      *http.Client
	baseURL     string
	apiKey      string
	searchLimit int
	countLimit  int
	maxRetries  int
	retryBase   time.Duration
	bucket      *ratelimit.Bucket
	logger      *zap.Logger
}

// New creates a new openFDA client.
func New(cfg Config, log *zap.Logger) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.SearchLimit <= 0 || cfg.SearchLimit > 1000 {
		cfg.SearchLimit = 1000
	}
	if cfg.CountLimit <= 0 || cfg.CountLimit > 1000 {
		cfg.CountLimit = 100
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 500 * time.Millisecond
	}

	c := &Client{
		client:      &http.Client{Timeout: cfg.Timeout},
		baseURL:     cfg.BaseURL,
		apiKey:      cfg.APIKey,
		searchLimit: cfg.SearchLimit,
		countLimit:  cfg.CountLimit,
		maxRetries:  cfg.MaxRetries,
		retryBase:   cfg.RetryBase,
		logger:      logger.OrNop(log),
	}
	if cfg.RatePerMinute > 0 {
		c.bucket = ratelimit.NewBucketWithRate(float64(cfg.RatePerMinute)/60, int64(cfg.RatePerMinute/60)+1)
	}
	return c
}

// Search returns the raw report-search payload for key.
func (c *Client) Search(ctx context.Context, dir event.Direction, key string) (json.RawMessage, error) {
	params := url.Values{}
	params.Set("search", searchField(dir)+":"+strconv.Quote(key))
	params.Set("limit", strconv.Itoa(c.searchLimit))
	return c.get(ctx, endpointSearch, params)
}

// Count returns the raw top-N counts payload for key.
func (c *Client) Count(ctx context.Context, dir event.Direction, key string) (json.RawMessage, error) {
	params := url.Values{}
	params.Set("search", searchField(dir)+":"+strconv.Quote(key))
	params.Set("count", countField(dir))
	params.Set("limit", strconv.Itoa(c.countLimit))
	return c.get(ctx, endpointCount, params)
}

func searchField(dir event.Direction) string {
	if dir == event.ByReaction {
		return "patient.reaction.reactionmeddrapt"
	}
	return "patient.drug.medicinalproduct"
}

func countField(dir event.Direction) string {
	if dir == event.ByReaction {
		return "patient.drug.medicinalproduct.exact"
	}
	return "patient.reaction.reactionmeddrapt.exact"
}

func (c *Client) get(ctx context.Context, endpoint string, params url.Values) (json.RawMessage, error) {
	if c.apiKey != "" {
		params.Set("api_key", c.apiKey)
	}
	reqURL := c.baseURL + eventPath + "?" + params.Encode()

	op := func() (json.RawMessage, error) {
		body, err := c.do(ctx, endpoint, reqURL)
		if err != nil && !IsTransient(err) {
			return nil, backoff.Permanent(err)
		}
		return body, err
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.retryBase
	notify := func(err error, wait time.Duration) {
		c.logger.Warn("openfda request failed, retrying",
			zap.String("endpoint", endpoint), zap.Duration("wait", wait), zap.Error(err))
	}

	return backoff.Retry(ctx, op,
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(c.maxRetries+1)),
		backoff.WithNotify(notify),
	)
}

func (c *Client) do(ctx context.Context, endpoint, reqURL string) (json.RawMessage, error) {
	if err := c.wait(ctx); err != nil {
		return nil, &Error{Kind: KindPermanent, Endpoint: endpoint, Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, &Error{Kind: KindPermanent, Endpoint: endpoint, Err: fmt.Errorf("create request: %w", err)}
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "drugradar/1.0")

	c.logger.Debug("openfda request", zap.String("endpoint", endpoint), zap.String("url", redactKey(reqURL)))

	resp, err := c.client.Do(req)
	if err != nil {
		kind := KindTransient
		if ctx.Err() != nil {
			kind = KindPermanent
		}
		metrics.RemoteRequests.WithLabelValues(endpoint, string(kind)).Inc()
		return nil, &Error{Kind: kind, Endpoint: endpoint, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		metrics.RemoteRequests.WithLabelValues(endpoint, string(KindTransient)).Inc()
		return nil, &Error{Kind: KindTransient, Endpoint: endpoint, Status: resp.StatusCode, Err: fmt.Errorf("read body: %w", err)}
	}

	apiErr := classify(endpoint, resp.StatusCode, body)
	if apiErr != nil {
		metrics.RemoteRequests.WithLabelValues(endpoint, string(apiErr.Kind)).Inc()
		return nil, apiErr
	}
	metrics.RemoteRequests.WithLabelValues(endpoint, "ok").Inc()
	return json.RawMessage(body), nil
}

func classify(endpoint string, status int, body []byte) *Error {
	if status == http.StatusOK {
		if !json.Valid(body) {
			return &Error{Kind: KindPermanent, Endpoint: endpoint, Status: status, Message: "response is not JSON"}
		}
		return nil
	}

	e := &Error{Endpoint: endpoint, Status: status, Message: errorMessage(body)}
	switch {
	case status == http.StatusNotFound:
		e.Kind = KindNotFound
	case status == http.StatusTooManyRequests, status == http.StatusRequestTimeout, status >= 500:
		e.Kind = KindTransient
	default:
		e.Kind = KindPermanent
	}
	return e
}

func errorMessage(body []byte) string {
	var payload struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return ""
	}
	return payload.Error.Message
}

func (c *Client) wait(ctx context.Context) error {
	if c.bucket == nil {
		return nil
	}
	d := c.bucket.Take(1)
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func redactKey(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	q := u.Query()
	if q.Has("api_key") {
		q.Set("api_key", "REDACTED")
		u.RawQuery = q.Encode()
	}
	return u.String()
}

// IsNotFound reports whether err means upstream has no data.
func IsNotFound(err error) bool {
	return errors.Is(err, event.ErrNotFound)
}
