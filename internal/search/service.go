package search

import (
	"context"
	"log"
)

// Service is the facade that tries Meilisearch first and falls back to PG FTS.
type Service struct {
	meili *Meili
	pgfts *PgFTS
}

// NewService creates a search service. meili may be nil if Meilisearch is not
// configured.
func NewService(meili *Meili, pgfts *PgFTS) *Service {
	return &Service{meili: meili, pgfts: pgfts}
}

// Search tries Meilisearch if healthy, otherwise falls back to PG FTS.
func (s *Service) Search(ctx context.Context, q Query) (Response, error) {
	if s.meili != nil && s.meili.Healthy() {
		results, total, err := s.meili.Search(q)
		if err == nil {
			return Response{Results: nonNil(results), Total: total, Query: q.Text}, nil
		}
		log.Printf("search: meilisearch error, falling back to pgfts: %v", err)
	}

	if s.pgfts == nil {
		return Response{Results: []Result{}, Query: q.Text}, nil
	}
	results, total, err := s.pgfts.Search(ctx, q)
	if err != nil {
		return Response{}, err
	}
	return Response{Results: nonNil(results), Total: total, Query: q.Text}, nil
}

// IndexLetter pushes a letter into Meilisearch. No-op when Meilisearch is
// absent; the PG fallback reads live tables and needs no indexing step.
func (s *Service) IndexLetter(l LetterRecord) error {
	if s.meili == nil || !s.meili.Healthy() {
		return nil
	}
	return s.meili.IndexLetter(l)
}

// IndexEvent pushes an audit-trail event into Meilisearch.
func (s *Service) IndexEvent(e EventRecord) error {
	if s.meili == nil || !s.meili.Healthy() {
		return nil
	}
	return s.meili.IndexEvent(e)
}

// DeleteLetter removes a letter from the index.
func (s *Service) DeleteLetter(id string) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	if err := s.meili.DeleteLetter(id); err != nil {
		log.Printf("search: delete letter %s: %v", id, err)
	}
}

// ReindexAllFromPG reads every letter and event from PostgreSQL and pushes
// them to Meilisearch. Called at startup when Meilisearch is healthy.
func (s *Service) ReindexAllFromPG(ctx context.Context) {
	if s.meili == nil || !s.meili.Healthy() || s.pgfts == nil {
		return
	}
	letters, events, err := s.pgfts.LoadAllRecords(ctx)
	if err != nil {
		log.Printf("search: reindex load failed: %v", err)
		return
	}
	if err := s.meili.IndexLetters(letters); err != nil {
		log.Printf("search: reindex letters: %v", err)
	}
	if err := s.meili.IndexEvents(events); err != nil {
		log.Printf("search: reindex events: %v", err)
	}
}

func nonNil(r []Result) []Result {
	if r == nil {
		return []Result{}
	}
	return r
}
