package search

import (
	"context"
	"log/slog"
	"sync"

	"herfa/api/internal/store"
)

// Engine is a primary search backend that can also be written to.
type Engine interface {
	Searcher
	Indexer
}

// Service is the facade that tries Meilisearch first and falls back to PG FTS.
type Service struct {
	primary  Engine
	fallback Searcher
	logger   *slog.Logger
	wg       sync.WaitGroup
}

// NewService creates a search service. primary may be nil if Meilisearch is
// not configured.
func NewService(primary Engine, fallback Searcher, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{primary: primary, fallback: fallback, logger: logger}
}

func (s *Service) primaryUp() bool {
	return s.primary != nil && s.primary.Healthy()
}

// Search tries the primary engine if healthy, otherwise falls back to PG FTS.
func (s *Service) Search(ctx context.Context, q Query) Response {
	q = normalize(q)
	if s.primaryUp() {
		results, total, err := s.primary.Search(ctx, q)
		if err == nil {
			return Response{Results: nonNil(results), Total: total, Query: q.Text}
		}
		s.logger.Warn("meilisearch error, falling back to pgfts", slog.Any("err", err))
	}

	if s.fallback == nil {
		return Response{Results: []Professional{}, Query: q.Text}
	}
	results, total, err := s.fallback.Search(ctx, q)
	if err != nil {
		s.logger.Error("pgfts search failed", slog.Any("err", err))
		return Response{Results: []Professional{}, Total: 0, Query: q.Text}
	}
	return Response{Results: nonNil(results), Total: total, Query: q.Text}
}

// SyncProfile indexes or removes a profile (fire-and-forget).
func (s *Service) SyncProfile(p store.Profile) {
	if !s.primaryUp() {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		var err error
		if Searchable(p) {
			err = s.primary.IndexProfessionals([]Professional{FromProfile(p)})
		} else {
			err = s.primary.DeleteProfessional(p.ID)
		}
		if err != nil {
			s.logger.Warn("sync profile to index", slog.String("profile_id", p.ID), slog.Any("err", err))
		}
	}()
}

// Reindex pushes every searchable profile to the primary engine.
func (s *Service) Reindex(profiles []store.Profile) {
	if !s.primaryUp() {
		return
	}
	items := make([]Professional, 0, len(profiles))
	for _, p := range profiles {
		if Searchable(p) {
			items = append(items, FromProfile(p))
		}
	}
	if len(items) == 0 {
		return
	}
	if err := s.primary.IndexProfessionals(items); err != nil {
		s.logger.Warn("reindex professionals", slog.Int("count", len(items)), slog.Any("err", err))
	}
}

// Wait blocks until pending index writes finish.
func (s *Service) Wait() {
	s.wg.Wait()
}

func nonNil(r []Professional) []Professional {
	if r == nil {
		return []Professional{}
	}
	return r
}
