package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"math"
	"time"

	"go.opentelemetry.io/otel/attribute"
	otelmetric "go.opentelemetry.io/otel/metric"

	"github.com/sina-abbasi/ragline/config"
	"github.com/sina-abbasi/ragline/internal/store"
)

// Fetcher obtains the current document set from all content sources. A single
// failing source is tolerated and reported through warnings; Fetch returns an
// error only when no source produced anything.
type Fetcher interface {
	Fetch(ctx context.Context) (docs []RawDocument, warnings []string, err error)
}

// Normalizer turns a raw document into ordered sections. It must be
// deterministic for identical input text.
type Normalizer interface {
	Normalize(ctx context.Context, doc RawDocument) ([]Section, error)
}

// StateStore captures the store methods the orchestrator needs.
type StateStore interface {
	GetIngestionRecord(ctx context.Context, documentID string) (store.IngestionRecord, bool, error)
	UpsertIngestionRecord(ctx context.Context, rec store.IngestionRecord) error
	TouchLastSeen(ctx context.Context, documentID string) error
	CreateIngestionRun(ctx context.Context, runID string, dryRun bool) error
	FinishIngestionRun(ctx context.Context, rec store.RunRecord) error
}

// Orchestrator drives one ingestion run end to end: lock, fetch, delta
// detection, per-document processing, state updates, and the run summary.
type Orchestrator struct {
	cfg        config.IngestionConfig
	states     StateStore
	locks      *LockManager
	fetcher    Fetcher
	normalizer Normalizer
	sections   *SectionIngestor
	logger     *log.Logger

	runCounter     otelmetric.Int64Counter
	docCounter     otelmetric.Int64Counter
	sectionCounter otelmetric.Int64Counter
}

// NewOrchestrator constructs an Orchestrator.
func NewOrchestrator(cfg config.IngestionConfig, states StateStore, locks *LockManager, fetcher Fetcher, normalizer Normalizer, sections *SectionIngestor, meter otelmetric.Meter, logger *log.Logger) *Orchestrator {
	if logger == nil {
		logger = log.New(log.Writer(), "[ORCH] ", log.LstdFlags)
	}
	o := &Orchestrator{
		cfg:        cfg,
		states:     states,
		locks:      locks,
		fetcher:    fetcher,
		normalizer: normalizer,
		sections:   sections,
		logger:     logger,
	}
	if meter != nil {
		var err error
		o.runCounter, err = meter.Int64Counter("ingestion_runs_total")
		if err != nil {
			logger.Printf("warn: create run counter failed: %v", err)
		}
		o.docCounter, err = meter.Int64Counter("ingestion_documents_total")
		if err != nil {
			logger.Printf("warn: create document counter failed: %v", err)
		}
		o.sectionCounter, err = meter.Int64Counter("ingestion_sections_total")
		if err != nil {
			logger.Printf("warn: create section counter failed: %v", err)
		}
	}
	return o
}

// queuedDocument carries everything classification learned about a document
// into the processing phase.
type queuedDocument struct {
	doc   RawDocument
	hash  string
	prior store.IngestionRecord
	found bool
}

// Run executes one orchestration run. A held lock yields a "locked" result, a
// total fetch failure a "failed" one; both are structured results, not errors.
// The error return is reserved for infrastructure faults that prevent
// producing a result at all.
func (o *Orchestrator) Run(ctx context.Context, opts RunOptions) (RunResult, error) {
	start := time.Now()
	res := RunResult{
		Status: RunCompleted,
		RunID:  newRunID(start, opts.DryRun),
		DryRun: opts.DryRun,
	}
	o.logger.Printf("starting ingestion run %s (dry_run=%v force=%v)", res.RunID, opts.DryRun, opts.ForceReprocess)

	lock, err := o.locks.Acquire(ctx, o.cfg.LockKey, o.cfg.LockTimeout())
	if err != nil {
		var held *LockHeldError
		if errors.As(err, &held) {
			o.logger.Printf("run %s denied: %v", res.RunID, held)
			res.Status = RunLocked
			res.Errors = append(res.Errors, RunError{Type: "lock_held", Message: held.Error()})
			res.ProcessingTimeSeconds = elapsedSeconds(start)
			o.countRun(ctx, res.Status)
			return res, nil
		}
		return RunResult{}, err
	}
	// The lock must come back on every exit path; a leaked lock blocks all
	// future runs until it expires.
	defer func() {
		releaseCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if rerr := o.locks.Release(releaseCtx, lock); rerr != nil {
			o.logger.Printf("warn: %v", rerr)
		}
	}()

	if !opts.DryRun {
		if err := o.states.CreateIngestionRun(ctx, res.RunID, opts.DryRun); err != nil {
			o.logger.Printf("warn: record run start: %v", err)
		}
	}

	docs, warnings, err := o.fetcher.Fetch(ctx)
	if err != nil {
		o.logger.Printf("run %s aborted, content fetch failed: %v", res.RunID, err)
		res.Status = RunFailed
		res.Errors = append(res.Errors, RunError{Type: "content_fetch_error", Message: err.Error()})
		return o.finish(ctx, res, start, opts.DryRun), nil
	}
	for _, w := range warnings {
		o.logger.Printf("fetch warning: %s", w)
		res.Errors = append(res.Errors, RunError{Type: "fetch_warning", Message: w})
	}
	o.logger.Printf("fetched %d document(s)", len(docs))

	queue := o.classify(ctx, docs, opts, &res)
	o.logger.Printf("found %d document(s) to process", len(queue))

	if opts.DryRun {
		for _, q := range queue {
			o.logger.Printf("dry run: would process %s (%s)", q.doc.ID, q.doc.URL)
		}
		return o.finish(ctx, res, start, true), nil
	}

	for _, q := range queue {
		o.processDocument(ctx, q, opts, &res)
	}

	return o.finish(ctx, res, start, false), nil
}

// classify partitions fetched documents and returns the new/changed queue.
// Filter-excluded and unchanged documents are counted as skipped.
func (o *Orchestrator) classify(ctx context.Context, docs []RawDocument, opts RunOptions, res *RunResult) []queuedDocument {
	filter := map[string]bool{}
	for _, id := range opts.DocumentIDs {
		filter[id] = true
	}

	var queue []queuedDocument
	for _, doc := range docs {
		if len(filter) > 0 && !filter[doc.ID] {
			res.DocumentsSkipped++
			continue
		}
		if !opts.DryRun {
			if err := o.states.TouchLastSeen(ctx, doc.ID); err != nil {
				o.logger.Printf("warn: touch last_seen for %s: %v", doc.ID, err)
			}
		}

		hash := ContentHash(doc.Text)
		prior, found, err := o.states.GetIngestionRecord(ctx, doc.ID)
		if err != nil {
			o.logger.Printf("state lookup failed for %s: %v", doc.ID, err)
			res.DocumentsFailed++
			res.Errors = append(res.Errors, RunError{Type: "state_error", DocumentID: doc.ID, Message: err.Error()})
			continue
		}

		switch Classify(prior, found, hash, opts.ForceReprocess) {
		case ClassUnchanged:
			res.DocumentsSkipped++
		default:
			queue = append(queue, queuedDocument{doc: doc, hash: hash, prior: prior, found: found})
		}
	}
	return queue
}

// processDocument normalizes one document, replaces its vectors, and writes
// the resulting state row. Failures stay contained to this document.
func (o *Orchestrator) processDocument(ctx context.Context, q queuedDocument, opts RunOptions, res *RunResult) {
	now := time.Now().UTC()
	rec := q.prior
	rec.DocumentID = q.doc.ID
	rec.ContentHash = q.hash
	rec.SourceURL = q.doc.URL
	rec.FileName = q.doc.FileName
	rec.LastSeenAt = &now

	sections, err := o.normalizer.Normalize(ctx, q.doc)
	if err != nil || len(sections) == 0 {
		msg := "no sections produced"
		if err != nil {
			msg = err.Error()
		}
		o.logger.Printf("normalization failed for %s: %s", q.doc.ID, msg)
		rec.SectionsProcessed = 0
		rec.SectionsTotal = 0
		rec.LastError = msg
		rec.RetryCount = o.nextRetry(q)
		rec.Status = o.failureStatus(rec.RetryCount)
		res.DocumentsFailed++
		o.countDocument(ctx, rec.Status)
		res.Errors = append(res.Errors, RunError{Type: "processing_error", DocumentID: q.doc.ID, Message: msg})
		o.upsert(ctx, rec, res)
		return
	}

	outcome := o.sections.Ingest(ctx, q.doc, sections, q.prior.VectorIDs)
	succeeded := len(outcome.Succeeded)
	res.SectionsIngested += succeeded
	if o.sectionCounter != nil {
		o.sectionCounter.Add(ctx, int64(succeeded))
	}

	rec.VectorIDs = outcome.Succeeded
	rec.SectionsProcessed = succeeded
	rec.SectionsTotal = len(sections)
	rec.LastIngestedAt = &now

	if succeeded == len(sections) {
		rec.Status = store.StatusSuccess
		rec.RetryCount = 0
		rec.LastError = ""
		res.DocumentsProcessed++
		o.logger.Printf("ingested %d section(s) for %s", succeeded, q.doc.ID)
	} else {
		rec.RetryCount = o.nextRetry(q)
		rec.Status = o.failureStatus(rec.RetryCount)
		rec.LastError = sectionErrorsJSON(outcome.Failed)
		res.DocumentsFailed++

		errType := "total_ingestion_failure"
		if succeeded > 0 {
			errType = "partial_ingestion_failure"
		}
		o.logger.Printf("%s for %s: %d/%d section(s) stored", errType, q.doc.ID, succeeded, len(sections))
		res.Errors = append(res.Errors, RunError{Type: errType, DocumentID: q.doc.ID, Message: rec.LastError})
		if rec.Status == store.StatusPermanentlyFailed {
			o.logger.Printf("document %s permanently failed after %d attempt(s)", q.doc.ID, rec.RetryCount)
		}
	}
	o.countDocument(ctx, rec.Status)
	o.upsert(ctx, rec, res)
}

func (o *Orchestrator) upsert(ctx context.Context, rec store.IngestionRecord, res *RunResult) {
	if err := o.states.UpsertIngestionRecord(ctx, rec); err != nil {
		o.logger.Printf("state upsert failed for %s: %v", rec.DocumentID, err)
		res.Errors = append(res.Errors, RunError{Type: "state_error", DocumentID: rec.DocumentID, Message: err.Error()})
	}
}

// nextRetry bumps the retry counter only when the failing content is the same
// content that failed before; a fresh hash starts over at 1.
func (o *Orchestrator) nextRetry(q queuedDocument) int {
	if q.found && q.prior.ContentHash == q.hash {
		return q.prior.RetryCount + 1
	}
	return 1
}

func (o *Orchestrator) failureStatus(retryCount int) string {
	if retryCount >= o.cfg.MaxRetries {
		return store.StatusPermanentlyFailed
	}
	return store.StatusFailed
}

// finish stamps the duration, persists the run row, and bumps the run metric.
func (o *Orchestrator) finish(ctx context.Context, res RunResult, start time.Time, dryRun bool) RunResult {
	res.ProcessingTimeSeconds = elapsedSeconds(start)
	o.countRun(ctx, res.Status)
	o.logger.Printf("run %s %s in %.2fs: processed=%d ingested=%d skipped=%d failed=%d",
		res.RunID, res.Status, res.ProcessingTimeSeconds,
		res.DocumentsProcessed, res.SectionsIngested, res.DocumentsSkipped, res.DocumentsFailed)

	if dryRun {
		return res
	}
	errsJSON, err := json.Marshal(res.Errors)
	if err != nil {
		errsJSON = []byte("[]")
	}
	runStatus := store.RunStatusCompleted
	if res.Status == RunFailed {
		runStatus = store.RunStatusFailed
	}
	if err := o.states.FinishIngestionRun(ctx, store.RunRecord{
		RunID:                 res.RunID,
		Status:                runStatus,
		DryRun:                res.DryRun,
		DocumentsProcessed:    res.DocumentsProcessed,
		SectionsIngested:      res.SectionsIngested,
		DocumentsSkipped:      res.DocumentsSkipped,
		DocumentsFailed:       res.DocumentsFailed,
		ProcessingTimeSeconds: res.ProcessingTimeSeconds,
		Errors:                errsJSON,
	}); err != nil {
		o.logger.Printf("warn: record run finish: %v", err)
	}
	return res
}

func (o *Orchestrator) countRun(ctx context.Context, status string) {
	if o.runCounter != nil {
		o.runCounter.Add(ctx, 1, otelmetric.WithAttributes(attribute.String("status", status)))
	}
}

func (o *Orchestrator) countDocument(ctx context.Context, status string) {
	if o.docCounter != nil {
		o.docCounter.Add(ctx, 1, otelmetric.WithAttributes(attribute.String("status", status)))
	}
}

func sectionErrorsJSON(errs []SectionError) string {
	if len(errs) > 5 {
		errs = errs[:5]
	}
	b, err := json.Marshal(errs)
	if err != nil {
		return "section errors unavailable"
	}
	return string(b)
}

func newRunID(start time.Time, dryRun bool) string {
	ts := start.UTC().Format("2006-01-02T15-04-05Z")
	if dryRun {
		return "ingest_dry_" + ts
	}
	return "ingest_" + ts
}

func elapsedSeconds(start time.Time) float64 {
	return math.Round(time.Since(start).Seconds()*100) / 100
}
