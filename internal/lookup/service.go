// Package lookup answers "reactions for a drug" and "drugs for a reaction"
// from the search cache or openFDA, persisting what it finds.
package lookup

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/elonfeng/drugradar/internal/cache"
	"github.com/elonfeng/drugradar/internal/logger"
	"github.com/elonfeng/drugradar/internal/metrics"
	"github.com/elonfeng/drugradar/internal/store"
	"github.com/elonfeng/drugradar/pkg/event"
	"github.com/elonfeng/drugradar/pkg/notify"
)

// ErrEmptyName is returned when the search term normalizes to nothing.
var ErrEmptyName = errors.New("empty search term")

// Remote fetches raw payloads from the adverse event API.
type Remote interface {
	Search(ctx context.Context, dir event.Direction, key string) (json.RawMessage, error)
	Count(ctx context.Context, dir event.Direction, key string) (json.RawMessage, error)
}

// Cache holds raw payloads by key.
type Cache interface {
	Get(key string) (json.RawMessage, bool)
	Put(key string, value json.RawMessage) error
}

// Saver persists the outcome of one lookup.
type Saver interface {
	SaveLookup(ctx context.Context, b store.Batch) error
}

// Result is the outcome of one lookup.
type Result struct {
	Direction    event.Direction      `json:"direction"`
	Key          string               `json:"key"`
	Observations []event.Observation  `json:"observations"`
	Summary      []event.SummaryCount `json:"summary"`
	Cached       bool                 `json:"cached"`
}

// Top returns the summary rows, or a local tally of the observations when
// upstream returned no counts.
func (r *Result) Top(n int) []event.SummaryCount {
	rows := r.Summary
	if len(rows) == 0 {
		rows = event.TallyAttributes(r.Direction, r.Key, r.Observations)
	}
	if n > 0 && len(rows) > n {
		rows = rows[:n]
	}
	return rows
}

// Service is the lookup pipeline.
type Service struct {
	remote       Remote
	searchCache  Cache
	summaryCache Cache
	store        Saver
	notifier     *notify.Manager
	logger       *zap.Logger
}

// New creates a lookup service. notifier may be nil.
func New(remote Remote, searchCache, summaryCache Cache, s Saver, notifier *notify.Manager, log *zap.Logger) *Service {
	return &Service{
		remote:       remote,
		searchCache:  searchCache,
		summaryCache: summaryCache,
		store:        s,
		notifier:     notifier,
		logger:       logger.OrNop(log),
	}
}

// FindByDrug returns the reactions reported for a drug.
func (s *Service) FindByDrug(ctx context.Context, name string) (*Result, error) {
	return s.Find(ctx, event.ByDrug, name)
}

// FindByReaction returns the drugs reported for a reaction.
func (s *Service) FindByReaction(ctx context.Context, name string) (*Result, error) {
	return s.Find(ctx, event.ByReaction, name)
}

// Find runs the lookup for dir. A name unknown upstream yields an error
// matching event.ErrNotFound and leaves cache and store untouched.
func (s *Service) Find(ctx context.Context, dir event.Direction, name string) (*Result, error) {
	res, err := s.find(ctx, dir, name)
	metrics.Lookups.WithLabelValues(string(dir), outcome(err)).Inc()
	return res, err
}

func (s *Service) find(ctx context.Context, dir event.Direction, name string) (*Result, error) {
	if !dir.Valid() {
		return nil, fmt.Errorf("unknown direction %q", dir)
	}
	key := event.NormalizeKey(dir, name)
	if key == "" {
		return nil, ErrEmptyName
	}
	log := s.logger.With(zap.String("direction", string(dir)), zap.String("key", key))

	var obs []event.Observation
	cached, err := s.fetch(ctx, s.searchCache, "search", dir, key, s.remote.Search,
		func(payload []byte) (err error) {
			obs, err = event.Normalize(dir, key, payload)
			return err
		})
	if err != nil {
		return nil, fmt.Errorf("search %s %q: %w", dir, key, err)
	}

	res := &Result{Direction: dir, Key: key, Observations: obs, Cached: cached}
	if len(obs) == 0 {
		log.Info("no observations in payload", zap.Bool("cached", cached))
		return res, nil
	}

	summary, err := s.summarize(ctx, dir, key)
	if err != nil {
		return nil, fmt.Errorf("summarize %s %q: %w", dir, key, err)
	}
	res.Summary = summary

	if err := s.store.SaveLookup(ctx, store.Batch{
		Direction:    dir,
		Key:          key,
		Observations: obs,
		Summary:      summary,
	}); err != nil {
		return nil, fmt.Errorf("persist %s %q: %w", dir, key, err)
	}

	log.Info("lookup complete",
		zap.Int("observations", len(obs)),
		zap.Int("summary_rows", len(summary)),
		zap.Bool("cached", cached))

	if !cached {
		s.broadcast(ctx, res)
	}
	return res, nil
}

// summarize returns the upstream counts for key. A subject without counts
// upstream, or with counts that cannot be decoded, yields an empty summary.
func (s *Service) summarize(ctx context.Context, dir event.Direction, key string) ([]event.SummaryCount, error) {
	var rows []event.SummaryCount
	_, err := s.fetch(ctx, s.summaryCache, "summary", dir, key, s.remote.Count,
		func(payload []byte) (err error) {
			rows, err = event.AggregateCounts(key, payload)
			return err
		})
	switch {
	case errors.Is(err, event.ErrMalformedPayload):
		s.logger.Warn("discarding malformed counts", zap.String("key", key), zap.Error(err))
		return nil, nil
	case errors.Is(err, event.ErrNotFound):
		s.logger.Debug("no upstream counts", zap.String("key", key))
		return nil, nil
	case err != nil:
		return nil, err
	}
	return rows, nil
}

type fetchFunc func(ctx context.Context, dir event.Direction, key string) (json.RawMessage, error)

// fetch serves key from c, or from remote on a miss, and hands the payload
// to decode. A remote payload is written to c only once decode accepts it,
// so neither missing nor malformed results are ever cached.
func (s *Service) fetch(ctx context.Context, c Cache, name string, dir event.Direction, key string, remote fetchFunc, decode func([]byte) error) (bool, error) {
	ck := cache.Key(dir, key)
	if payload, ok := c.Get(ck); ok {
		metrics.CacheRequests.WithLabelValues(name, "hit").Inc()
		return true, decode(payload)
	}
	metrics.CacheRequests.WithLabelValues(name, "miss").Inc()

	payload, err := remote(ctx, dir, key)
	if err != nil {
		return false, err
	}
	if err := decode(payload); err != nil {
		return false, err
	}
	if err := c.Put(ck, payload); err != nil {
		return false, fmt.Errorf("cache %s payload: %w", name, err)
	}
	return false, nil
}

func (s *Service) broadcast(ctx context.Context, res *Result) {
	if s.notifier == nil || !s.notifier.HasNotifiers() {
		return
	}
	n := &notify.Notification{
		Title:        fmt.Sprintf("%s lookup: %s", res.Direction, res.Key),
		Direction:    res.Direction,
		Subject:      res.Key,
		Observations: len(res.Observations),
		Top:          res.Top(10),
	}
	if err := s.notifier.Broadcast(ctx, n); err != nil {
		s.logger.Warn("notify failed", zap.String("key", res.Key), zap.Error(err))
	}
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, event.ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrEmptyName):
		return "invalid"
	}
	var t interface{ Transient() bool }
	if errors.As(err, &t) && t.Transient() {
		return "transient"
	}
	return "error"
}
