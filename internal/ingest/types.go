package ingest

import "time"

// RawDocument is a fetched source document before normalization. Text holds
// the extracted plain text; LastModified is set when the source provides it.
type RawDocument struct {
	ID           string
	Title        string
	URL          string
	FileName     string
	Source       string // "manifest" | "url"
	Text         string
	LastModified *time.Time
}

// Section is one normalized chunk of a document headed for the vector store.
type Section struct {
	ID       string
	Text     string
	Metadata map[string]string
}

// RunOptions controls a single orchestration run.
type RunOptions struct {
	ForceReprocess bool     `json:"force_reprocess"`
	DocumentIDs    []string `json:"document_ids,omitempty"`
	DryRun         bool     `json:"dry_run"`
}

// RunError is one structured error entry collected during a run.
type RunError struct {
	Type       string `json:"type"`
	DocumentID string `json:"document_id,omitempty"`
	Message    string `json:"message"`
}

// Run statuses surfaced to callers.
const (
	RunCompleted = "completed"
	RunLocked    = "locked"
	RunFailed    = "failed"
)

// RunResult summarizes one orchestration run.
type RunResult struct {
	Status                string     `json:"status"`
	RunID                 string     `json:"run_id"`
	DocumentsProcessed    int        `json:"documents_processed"`
	SectionsIngested      int        `json:"sections_ingested"`
	DocumentsSkipped      int        `json:"documents_skipped"`
	DocumentsFailed       int        `json:"documents_failed"`
	ProcessingTimeSeconds float64    `json:"processing_time_seconds"`
	Errors                []RunError `json:"errors"`
	DryRun                bool       `json:"dry_run"`
}
