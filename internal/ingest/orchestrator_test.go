package ingest

import (
	"context"
	"fmt"
	"io"
	"log"
	"strings"
	"testing"
	"time"

	"github.com/sina-abbasi/ragline/config"
	"github.com/sina-abbasi/ragline/internal/store"
)

type memStateStore struct {
	records map[string]store.IngestionRecord
	touches []string
	started []string
	runs    []store.RunRecord
	upserts int
	getErr  error
}

func newMemStateStore() *memStateStore {
	return &memStateStore{records: map[string]store.IngestionRecord{}}
}

func (s *memStateStore) GetIngestionRecord(_ context.Context, documentID string) (store.IngestionRecord, bool, error) {
	if s.getErr != nil {
		return store.IngestionRecord{}, false, s.getErr
	}
	rec, ok := s.records[documentID]
	return rec, ok, nil
}

func (s *memStateStore) UpsertIngestionRecord(_ context.Context, rec store.IngestionRecord) error {
	s.upserts++
	s.records[rec.DocumentID] = rec
	return nil
}

func (s *memStateStore) TouchLastSeen(_ context.Context, documentID string) error {
	s.touches = append(s.touches, documentID)
	return nil
}

func (s *memStateStore) CreateIngestionRun(_ context.Context, runID string, _ bool) error {
	s.started = append(s.started, runID)
	return nil
}

func (s *memStateStore) FinishIngestionRun(_ context.Context, rec store.RunRecord) error {
	s.runs = append(s.runs, rec)
	return nil
}

type stubFetcher struct {
	docs     []RawDocument
	warnings []string
	err      error
}

func (f *stubFetcher) Fetch(context.Context) ([]RawDocument, []string, error) {
	return f.docs, f.warnings, f.err
}

// splitNormalizer turns each double-newline paragraph into one section.
type splitNormalizer struct {
	failFor map[string]bool
}

func (n *splitNormalizer) Normalize(_ context.Context, doc RawDocument) ([]Section, error) {
	if n.failFor[doc.ID] {
		return nil, fmt.Errorf("extraction failed")
	}
	var sections []Section
	for i, part := range strings.Split(doc.Text, "\n\n") {
		if strings.TrimSpace(part) == "" {
			continue
		}
		sections = append(sections, Section{ID: fmt.Sprintf("%s-s%d", doc.ID, i+1), Text: part})
	}
	return sections, nil
}

func quietLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

type orchFixture struct {
	states  *memStateStore
	fetcher *stubFetcher
	norm    *splitNormalizer
	vs      *stubVectorStore
	locks   *stubLockStore
	orch    *Orchestrator
}

func newFixture(docs ...RawDocument) *orchFixture {
	f := &orchFixture{
		states:  newMemStateStore(),
		fetcher: &stubFetcher{docs: docs},
		norm:    &splitNormalizer{failFor: map[string]bool{}},
		vs:      &stubVectorStore{failures: map[string]int{}},
		locks:   &stubLockStore{acquired: true},
	}
	cfg := config.IngestionConfig{LockKey: "automated_ingestion", LockTimeoutMinutes: 60, MaxRetries: 3}
	lm := NewLockManager(f.locks, quietLogger())
	si := NewSectionIngestor(f.vs, quietLogger())
	f.orch = NewOrchestrator(cfg, f.states, lm, f.fetcher, f.norm, si, nil, quietLogger())
	return f
}

func doc(id, text string) RawDocument {
	return RawDocument{ID: id, Title: id, URL: "https://example.org/" + id, Source: "url", Text: text}
}

func TestRunIngestsNewDocuments(t *testing.T) {
	f := newFixture(doc("doc-1", "alpha\n\nbeta"), doc("doc-2", "gamma"))

	res, err := f.orch.Run(context.Background(), RunOptions{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Status != RunCompleted {
		t.Fatalf("unexpected status: %s", res.Status)
	}
	if res.DocumentsProcessed != 2 || res.SectionsIngested != 3 {
		t.Fatalf("unexpected counters: %+v", res)
	}
	if !strings.HasPrefix(res.RunID, "ingest_") || strings.HasPrefix(res.RunID, "ingest_dry_") {
		t.Fatalf("unexpected run id: %s", res.RunID)
	}
	rec := f.states.records["doc-1"]
	if rec.Status != store.StatusSuccess || rec.RetryCount != 0 {
		t.Fatalf("unexpected record: %+v", rec)
	}
	if len(rec.VectorIDs) != 2 || rec.SectionsProcessed != 2 || rec.SectionsTotal != 2 {
		t.Fatalf("unexpected section bookkeeping: %+v", rec)
	}
	if rec.ContentHash != ContentHash("alpha\n\nbeta") {
		t.Fatalf("unexpected content hash: %s", rec.ContentHash)
	}
	// Lock released and run row finished.
	if len(f.locks.releaseCalls) != 1 {
		t.Fatalf("expected one lock release, got %d", len(f.locks.releaseCalls))
	}
	if len(f.states.runs) != 1 || f.states.runs[0].Status != store.RunStatusCompleted {
		t.Fatalf("expected completed run row, got %+v", f.states.runs)
	}
}

func TestRunSkipsUnchangedDocuments(t *testing.T) {
	f := newFixture(doc("doc-1", "alpha"), doc("doc-2", "beta"))

	first, err := f.orch.Run(context.Background(), RunOptions{})
	if err != nil {
		t.Fatalf("first run: %v", err)
	}
	if first.DocumentsProcessed != 2 {
		t.Fatalf("unexpected first run: %+v", first)
	}

	second, err := f.orch.Run(context.Background(), RunOptions{})
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if second.DocumentsProcessed != 0 || second.DocumentsSkipped != 2 {
		t.Fatalf("expected idempotent skip, got %+v", second)
	}
}

func TestRunReprocessesChangedContent(t *testing.T) {
	f := newFixture(doc("doc-1", "alpha"))
	if _, err := f.orch.Run(context.Background(), RunOptions{}); err != nil {
		t.Fatalf("first run: %v", err)
	}
	oldVectors := f.states.records["doc-1"].VectorIDs

	f.fetcher.docs = []RawDocument{doc("doc-1", "alpha revised")}
	res, err := f.orch.Run(context.Background(), RunOptions{})
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if res.DocumentsProcessed != 1 {
		t.Fatalf("expected changed document to be reprocessed: %+v", res)
	}
	// Old vectors were submitted for deletion before the new set was recorded.
	for _, id := range oldVectors {
		var deleted bool
		for _, d := range f.vs.deletes {
			if d == id {
				deleted = true
			}
		}
		if !deleted {
			t.Fatalf("expected stale vector %s to be deleted, deletes=%v", id, f.vs.deletes)
		}
	}
	rec := f.states.records["doc-1"]
	if rec.ContentHash != ContentHash("alpha revised") {
		t.Fatalf("expected hash updated: %+v", rec)
	}
}

func TestRunForceReprocess(t *testing.T) {
	f := newFixture(doc("doc-1", "alpha"))
	if _, err := f.orch.Run(context.Background(), RunOptions{}); err != nil {
		t.Fatalf("first run: %v", err)
	}

	res, err := f.orch.Run(context.Background(), RunOptions{ForceReprocess: true})
	if err != nil {
		t.Fatalf("forced run: %v", err)
	}
	if res.DocumentsProcessed != 1 || res.DocumentsSkipped != 0 {
		t.Fatalf("expected force to reprocess all, got %+v", res)
	}
}

func TestRunDocumentIDFilter(t *testing.T) {
	f := newFixture(doc("doc-1", "alpha"), doc("doc-2", "beta"))

	res, err := f.orch.Run(context.Background(), RunOptions{DocumentIDs: []string{"doc-2"}})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.DocumentsProcessed != 1 || res.DocumentsSkipped != 1 {
		t.Fatalf("unexpected counters: %+v", res)
	}
	if _, ok := f.states.records["doc-1"]; ok {
		t.Fatal("filtered-out document must not be written")
	}
	if _, ok := f.states.records["doc-2"]; !ok {
		t.Fatal("expected filtered-in document to be processed")
	}
}

func TestRunPartialSectionFailure(t *testing.T) {
	f := newFixture(doc("doc-1", "alpha\n\nbeta\n\ngamma"), doc("doc-2", "delta"))
	f.vs.failures["beta"] = 2 // attempt + inline retry both fail

	res, err := f.orch.Run(context.Background(), RunOptions{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.DocumentsProcessed != 1 || res.DocumentsFailed != 1 {
		t.Fatalf("unexpected counters: %+v", res)
	}
	if res.SectionsIngested != 3 { // 2 of doc-1 + 1 of doc-2
		t.Fatalf("unexpected sections ingested: %d", res.SectionsIngested)
	}
	rec := f.states.records["doc-1"]
	if rec.Status != store.StatusFailed {
		t.Fatalf("expected failed status: %+v", rec)
	}
	if rec.SectionsProcessed != 2 || rec.SectionsTotal != 3 {
		t.Fatalf("unexpected section counts: %+v", rec)
	}
	if len(rec.VectorIDs) != 2 {
		t.Fatalf("expected successful vector ids retained: %+v", rec.VectorIDs)
	}
	if rec.RetryCount != 1 {
		t.Fatalf("expected retry count 1, got %d", rec.RetryCount)
	}
	if !strings.Contains(rec.LastError, "s2") {
		t.Fatalf("expected failing section in last_error: %s", rec.LastError)
	}
	// Sibling document unaffected.
	if f.states.records["doc-2"].Status != store.StatusSuccess {
		t.Fatalf("sibling document should succeed: %+v", f.states.records["doc-2"])
	}
}

func TestRunRetryCeiling(t *testing.T) {
	f := newFixture(doc("doc-1", "alpha"))

	for i := 0; i < 3; i++ {
		f.vs.failures["alpha"] = 2
		res, err := f.orch.Run(context.Background(), RunOptions{})
		if err != nil {
			t.Fatalf("run %d: %v", i+1, err)
		}
		if res.DocumentsFailed != 1 {
			t.Fatalf("run %d: expected failure, got %+v", i+1, res)
		}
	}
	rec := f.states.records["doc-1"]
	if rec.Status != store.StatusPermanentlyFailed {
		t.Fatalf("expected permanently_failed after 3 attempts, got %+v", rec)
	}
	if rec.RetryCount != 3 {
		t.Fatalf("expected retry count 3, got %d", rec.RetryCount)
	}

	// Fourth run: excluded from automatic retry while content is unchanged.
	upsertsBefore := f.states.upserts
	res, err := f.orch.Run(context.Background(), RunOptions{})
	if err != nil {
		t.Fatalf("fourth run: %v", err)
	}
	if res.DocumentsSkipped != 1 || res.DocumentsFailed != 0 {
		t.Fatalf("expected exclusion, got %+v", res)
	}
	if f.states.upserts != upsertsBefore {
		t.Fatal("excluded document must not be rewritten")
	}

	// Changed content revives it.
	f.fetcher.docs = []RawDocument{doc("doc-1", "alpha revised")}
	res, err = f.orch.Run(context.Background(), RunOptions{})
	if err != nil {
		t.Fatalf("revival run: %v", err)
	}
	if res.DocumentsProcessed != 1 {
		t.Fatalf("expected changed content to revive document, got %+v", res)
	}
	rec = f.states.records["doc-1"]
	if rec.Status != store.StatusSuccess || rec.RetryCount != 0 {
		t.Fatalf("expected recovery, got %+v", rec)
	}
}

func TestRunRetryCountResetsOnNewHash(t *testing.T) {
	f := newFixture(doc("doc-1", "alpha"))
	f.vs.failures["alpha"] = 2
	if _, err := f.orch.Run(context.Background(), RunOptions{}); err != nil {
		t.Fatalf("first run: %v", err)
	}
	if got := f.states.records["doc-1"].RetryCount; got != 1 {
		t.Fatalf("expected retry 1, got %d", got)
	}

	// New content fails too, but its counter starts over.
	f.fetcher.docs = []RawDocument{doc("doc-1", "beta")}
	f.vs.failures["beta"] = 2
	if _, err := f.orch.Run(context.Background(), RunOptions{}); err != nil {
		t.Fatalf("second run: %v", err)
	}
	if got := f.states.records["doc-1"].RetryCount; got != 1 {
		t.Fatalf("expected retry reset to 1 for new hash, got %d", got)
	}
}

func TestRunNormalizationFailureKeepsOldVectors(t *testing.T) {
	f := newFixture(doc("doc-1", "alpha"))
	if _, err := f.orch.Run(context.Background(), RunOptions{}); err != nil {
		t.Fatalf("first run: %v", err)
	}
	oldVectors := f.states.records["doc-1"].VectorIDs

	f.fetcher.docs = []RawDocument{doc("doc-1", "alpha revised")}
	f.norm.failFor["doc-1"] = true
	res, err := f.orch.Run(context.Background(), RunOptions{})
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if res.DocumentsFailed != 1 {
		t.Fatalf("expected failure, got %+v", res)
	}
	rec := f.states.records["doc-1"]
	if rec.Status != store.StatusFailed {
		t.Fatalf("unexpected status: %+v", rec)
	}
	if len(rec.VectorIDs) != len(oldVectors) {
		t.Fatalf("normalization failure must not drop existing vectors: %+v", rec.VectorIDs)
	}
	if len(f.vs.deletes) != 0 {
		t.Fatalf("normalization failure must not delete vectors: %v", f.vs.deletes)
	}
}

func TestRunDryRunIsSideEffectFree(t *testing.T) {
	f := newFixture(doc("doc-1", "alpha"), doc("doc-2", "beta"))

	res, err := f.orch.Run(context.Background(), RunOptions{DryRun: true})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !res.DryRun || res.Status != RunCompleted {
		t.Fatalf("unexpected result: %+v", res)
	}
	if !strings.HasPrefix(res.RunID, "ingest_dry_") {
		t.Fatalf("unexpected dry run id: %s", res.RunID)
	}
	if res.DocumentsProcessed != 0 || res.DocumentsSkipped != 0 {
		t.Fatalf("dry run must report would-process counts without processing: %+v", res)
	}
	if f.states.upserts != 0 || len(f.states.touches) != 0 || len(f.states.started) != 0 || len(f.states.runs) != 0 {
		t.Fatalf("dry run must not write state: %+v", f.states)
	}
	if len(f.vs.upserts) != 0 || len(f.vs.deletes) != 0 {
		t.Fatal("dry run must not touch the vector store")
	}
	// Still classifies: a second fixture with prior success skips both.
	g := newFixture(doc("doc-1", "alpha"))
	if _, err := g.orch.Run(context.Background(), RunOptions{}); err != nil {
		t.Fatalf("live run: %v", err)
	}
	dry, err := g.orch.Run(context.Background(), RunOptions{DryRun: true})
	if err != nil {
		t.Fatalf("dry run: %v", err)
	}
	if dry.DocumentsSkipped != 1 {
		t.Fatalf("dry run must classify like a live run: %+v", dry)
	}
}

func TestRunLockDenied(t *testing.T) {
	f := newFixture(doc("doc-1", "alpha"))
	f.locks.acquired = false
	f.locks.rec = store.LockRecord{
		LockKey:   "automated_ingestion",
		Owner:     "other-host:7",
		ExpiresAt: time.Now().Add(30 * time.Minute),
	}

	res, err := f.orch.Run(context.Background(), RunOptions{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Status != RunLocked {
		t.Fatalf("expected locked status, got %+v", res)
	}
	if len(res.Errors) != 1 || res.Errors[0].Type != "lock_held" {
		t.Fatalf("expected lock_held error entry, got %+v", res.Errors)
	}
	if !strings.Contains(res.Errors[0].Message, "other-host:7") {
		t.Fatalf("expected holder in message: %s", res.Errors[0].Message)
	}
	if f.states.upserts != 0 || len(f.vs.upserts) != 0 {
		t.Fatal("denied run must have no side effects")
	}
	if len(f.locks.releaseCalls) != 0 {
		t.Fatal("denied run must not release a lock it never held")
	}
}

func TestRunFetchTotalFailure(t *testing.T) {
	f := newFixture()
	f.fetcher.err = fmt.Errorf("all sources unreachable")

	res, err := f.orch.Run(context.Background(), RunOptions{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Status != RunFailed {
		t.Fatalf("expected failed status, got %+v", res)
	}
	if len(res.Errors) != 1 || res.Errors[0].Type != "content_fetch_error" {
		t.Fatalf("expected content_fetch_error, got %+v", res.Errors)
	}
	// Lock still released on the abort path.
	if len(f.locks.releaseCalls) != 1 {
		t.Fatalf("expected lock release on abort, got %d", len(f.locks.releaseCalls))
	}
	if len(f.states.runs) != 1 || f.states.runs[0].Status != store.RunStatusFailed {
		t.Fatalf("expected failed run row, got %+v", f.states.runs)
	}
}

func TestRunFetchWarningsSurfaced(t *testing.T) {
	f := newFixture(doc("doc-1", "alpha"))
	f.fetcher.warnings = []string{"manifest source unreachable"}

	res, err := f.orch.Run(context.Background(), RunOptions{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Status != RunCompleted {
		t.Fatalf("partial fetch failure must not abort: %+v", res)
	}
	var found bool
	for _, e := range res.Errors {
		if e.Type == "fetch_warning" && strings.Contains(e.Message, "manifest") {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected fetch warning entry, got %+v", res.Errors)
	}
}
