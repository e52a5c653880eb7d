package search

import (
	"context"

	"github.com/sirupsen/logrus"
)

type meiliBackend interface {
	Searcher
	IndexTasks(tasks []TaskRecord) error
	IndexDocuments(documents []DocumentRecord) error
	DeleteTask(id string) error
}

type recordLoader interface {
	Searcher
	LoadAllRecords(ctx context.Context) ([]TaskRecord, []DocumentRecord, error)
}

// Service tries Meilisearch first and falls back to PG FTS.
type Service struct {
	meili meiliBackend
	pgfts recordLoader
	log   logrus.FieldLogger
	async bool
}

// NewService creates a search service. meili may be nil when Meilisearch is
// not configured.
func NewService(meili *Meili, pgfts *PgFTS, log logrus.FieldLogger) *Service {
	s := &Service{log: log.WithField("component", "search"), async: true}
	if meili != nil {
		s.meili = meili
	}
	if pgfts != nil {
		s.pgfts = pgfts
	}
	return s
}

func (s *Service) meiliReady() bool {
	return s.meili != nil && s.meili.Healthy()
}

func (s *Service) Search(q Query) Response {
	if s.meiliReady() {
		results, total, err := s.meili.Search(q)
		if err == nil {
			return Response{Results: nonNil(results), Total: total, Query: q.Text}
		}
		s.log.WithError(err).Warn("meilisearch error, falling back to pgfts")
	}

	if s.pgfts == nil {
		return Response{Results: []Result{}, Query: q.Text}
	}
	results, total, err := s.pgfts.Search(q)
	if err != nil {
		s.log.WithError(err).Error("pgfts search failed")
		return Response{Results: []Result{}, Total: 0, Query: q.Text}
	}
	return Response{Results: nonNil(results), Total: total, Query: q.Text}
}

// run executes fn in the background; index failures are logged, never returned.
func (s *Service) run(op, id string, fn func() error) {
	exec := func() {
		if err := fn(); err != nil {
			s.log.WithError(err).WithFields(logrus.Fields{"operation": op, "id": id}).Warn("search index update failed")
		}
	}
	if s.async {
		go exec()
		return
	}
	exec()
}

func (s *Service) IndexTask(t TaskRecord) {
	if !s.meiliReady() {
		return
	}
	s.run("search.index_task", t.ID, func() error { return s.meili.IndexTasks([]TaskRecord{t}) })
}

func (s *Service) DeleteTask(id string) {
	if !s.meiliReady() {
		return
	}
	s.run("search.delete_task", id, func() error { return s.meili.DeleteTask(id) })
}

// ReindexAllFromPG pushes every task and document from PostgreSQL into Meilisearch.
func (s *Service) ReindexAllFromPG(ctx context.Context) {
	if !s.meiliReady() || s.pgfts == nil {
		return
	}
	tasks, documents, err := s.pgfts.LoadAllRecords(ctx)
	if err != nil {
		s.log.WithError(err).Error("reindex load failed")
		return
	}
	if err := s.meili.IndexTasks(tasks); err != nil {
		s.log.WithError(err).Warn("reindex tasks")
	}
	if err := s.meili.IndexDocuments(documents); err != nil {
		s.log.WithError(err).Warn("reindex documents")
	}
}

func nonNil(r []Result) []Result {
	if r == nil {
		return []Result{}
	}
	return r
}
