// Package discussion finds community discussion threads mentioning a drug
// or reaction.
package discussion

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/mmcdole/gofeed"
	"go.uber.org/zap"
)

const (
	DefaultSearchURL = "https://oauth.reddit.com/search"
	DefaultFeedURL   = "https://www.reddit.com/search.rss"
	DefaultLimit     = 10
)

// Thread is one discussion thread.
type Thread struct {
	Title string `json:"title"`
	URL   string `json:"url"`
}

// Config configures the Reddit thread finder. Zero URLs use Reddit's.
type Config struct {
	ClientID     string
	ClientSecret string
	RefreshToken string
	UserAgent    string
	Limit        int
	SearchURL    string
	FeedURL      string
	TokenURL     string
}

var errUnauthorized = errors.New("unauthorized")

// Reddit searches Reddit for threads. Without credentials it reads the
// public search feed instead of the OAuth API.
type Reddit struct {
	client    *http.Client
	tokens    *TokenSource
	parser    *gofeed.Parser
	searchURL string
	feedURL   string
	userAgent string
	limit     int
	logger    *zap.Logger
}

// NewReddit creates a thread finder.
func NewReddit(cfg Config, log *zap.Logger) *Reddit {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "drugradar/1.0"
	}
	if cfg.Limit <= 0 || cfg.Limit > DefaultLimit {
		cfg.Limit = DefaultLimit
	}
	if cfg.SearchURL == "" {
		cfg.SearchURL = DefaultSearchURL
	}
	if cfg.FeedURL == "" {
		cfg.FeedURL = DefaultFeedURL
	}

	client := &http.Client{Timeout: 30 * time.Second}
	r := &Reddit{
		client:    client,
		parser:    gofeed.NewParser(),
		searchURL: cfg.SearchURL,
		feedURL:   cfg.FeedURL,
		userAgent: cfg.UserAgent,
		limit:     cfg.Limit,
		logger:    log,
	}
	if cfg.ClientID != "" {
		r.tokens = NewTokenSource(client, cfg.TokenURL, cfg.ClientID, cfg.ClientSecret, cfg.RefreshToken, cfg.UserAgent)
	}
	return r
}

// Threads returns at most the configured number of threads matching term.
func (r *Reddit) Threads(ctx context.Context, term string) ([]Thread, error) {
	term = strings.TrimSpace(term)
	if term == "" {
		return nil, fmt.Errorf("empty search term")
	}
	if r.tokens == nil {
		return r.feedThreads(ctx, term)
	}

	threads, err := r.apiThreads(ctx, term)
	if errors.Is(err, errUnauthorized) {
		r.logger.Debug("reddit token rejected, refreshing")
		r.tokens.Invalidate()
		threads, err = r.apiThreads(ctx, term)
	}
	return threads, err
}

func (r *Reddit) apiThreads(ctx context.Context, term string) ([]Thread, error) {
	token, err := r.tokens.Token(ctx)
	if err != nil {
		return nil, fmt.Errorf("reddit auth: %w", err)
	}

	params := url.Values{"q": {term}, "limit": {fmt.Sprint(r.limit)}}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.searchURL+"?"+params.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("create reddit request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("User-Agent", r.userAgent)

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("search reddit %q: %w", term, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		return nil, errUnauthorized
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("reddit search status %d", resp.StatusCode)
	}

	var listing redditListing
	if err := json.NewDecoder(resp.Body).Decode(&listing); err != nil {
		return nil, fmt.Errorf("decode reddit search: %w", err)
	}

	threads := make([]Thread, 0, len(listing.Data.Children))
	for _, child := range listing.Data.Children {
		post := child.Data
		postURL := post.URL
		if postURL == "" || strings.HasPrefix(postURL, "/r/") {
			postURL = "https://reddit.com" + post.Permalink
		}
		threads = append(threads, Thread{Title: post.Title, URL: postURL})
		if len(threads) == r.limit {
			break
		}
	}
	return threads, nil
}

func (r *Reddit) feedThreads(ctx context.Context, term string) ([]Thread, error) {
	params := url.Values{"q": {term}, "limit": {fmt.Sprint(r.limit)}}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.feedURL+"?"+params.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("create feed request: %w", err)
	}
	req.Header.Set("User-Agent", r.userAgent)

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch reddit feed %q: %w", term, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("reddit feed status %d", resp.StatusCode)
	}

	parsed, err := r.parser.Parse(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("parse reddit feed: %w", err)
	}

	threads := make([]Thread, 0, len(parsed.Items))
	for _, entry := range parsed.Items {
		threads = append(threads, Thread{Title: entry.Title, URL: entry.Link})
		if len(threads) == r.limit {
			break
		}
	}
	return threads, nil
}

type redditListing struct {
	Data struct {
		Children []struct {
			Data redditPost `json:"data"`
		} `json:"children"`
	} `json:"data"`
}

type redditPost struct {
	Title     string `json:"title"`
	URL       string `json:"url"`
	Permalink string `json:"permalink"`
}
