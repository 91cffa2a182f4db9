package service

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/raphaelgruber/factgraph/internal/client"
	"github.com/raphaelgruber/factgraph/internal/metrics"
	"github.com/raphaelgruber/factgraph/internal/normalize"
)

// SourceFetcher fetches the authoritative source list.
type SourceFetcher interface {
	ListSources(ctx context.Context) ([]client.SourceEntry, error)
}

// refreshTimeout bounds one shared source list fetch.
const refreshTimeout = 30 * time.Second

// SourceIndex looks up a normalized key in a source list snapshot.
type SourceIndex interface {
	Lookup(key string) (client.SourceEntry, bool)
}

// SourceList is the latest snapshot of the authoritative source list.
// It is only refreshed on explicit request; concurrent refreshes share one fetch.
type SourceList struct {
	fetch SourceFetcher
	group singleflight.Group

	mu        sync.RWMutex
	entries   []client.SourceEntry
	byKey     map[string]client.SourceEntry
	fetchedAt time.Time

	metrics *metrics.Collector
	logger  *slog.Logger
}

// NewSourceList creates an empty snapshot backed by fetch.
func NewSourceList(fetch SourceFetcher, collector *metrics.Collector, logger *slog.Logger) *SourceList {
	if logger == nil {
		logger = slog.Default()
	}
	return &SourceList{
		fetch:   fetch,
		byKey:   make(map[string]client.SourceEntry),
		metrics: collector,
		logger:  logger,
	}
}

// Refresh fetches a new snapshot. The fetch is shared by every concurrent
// caller, so it outlives the cancellation of whichever caller started it;
// each caller still stops waiting when its own ctx is done.
func (s *SourceList) Refresh(ctx context.Context) error {
	ch := s.group.DoChan("sources", func() (any, error) {
		fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), refreshTimeout)
		defer cancel()

		start := time.Now()
		entries, err := s.fetch.ListSources(fetchCtx)
		s.metrics.Observe(metrics.OpListSources, start, err)
		if err != nil {
			return nil, err
		}
		s.Replace(entries, time.Now())
		s.logger.Debug("source list refreshed", "entries", len(entries))
		return nil, nil
	})

	select {
	case <-ctx.Done():
		return fmt.Errorf("refresh sources: %w", ctx.Err())
	case res := <-ch:
		if res.Err != nil {
			return fmt.Errorf("refresh sources: %w", res.Err)
		}
		if res.Shared {
			s.logger.Debug("source list refresh coalesced")
		}
		return nil
	}
}

// RefreshIfStale refreshes when the snapshot predates since.
func (s *SourceList) RefreshIfStale(ctx context.Context, since time.Time) error {
	if !s.FetchedAt().Before(since) {
		return nil
	}
	return s.Refresh(ctx)
}

// Replace installs entries as the current snapshot.
func (s *SourceList) Replace(entries []client.SourceEntry, at time.Time) {
	byKey := make(map[string]client.SourceEntry, len(entries))
	for _, e := range entries {
		if e.IdentityURL == "" {
			continue
		}
		byKey[normalize.Key(e.IdentityURL)] = e
	}
	cp := make([]client.SourceEntry, len(entries))
	copy(cp, entries)

	s.mu.Lock()
	s.entries = cp
	s.byKey = byKey
	s.fetchedAt = at
	s.mu.Unlock()
}

// Lookup returns the entry whose identity URL normalizes to key.
func (s *SourceList) Lookup(key string) (client.SourceEntry, bool) {
	if key == "" {
		return client.SourceEntry{}, false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.byKey[key]
	return e, ok
}

// Entries returns a copy of the snapshot.
func (s *SourceList) Entries() []client.SourceEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]client.SourceEntry, len(s.entries))
	copy(out, s.entries)
	return out
}

// Len returns the number of entries in the snapshot.
func (s *SourceList) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// FetchedAt returns when the snapshot was taken; zero before the first refresh.
func (s *SourceList) FetchedAt() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.fetchedAt
}
