package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/sina-abbasi/ragline/config"
)

type Store struct {
	DB *sql.DB
}

// Ingestion statuses persisted per document.
const (
	StatusPending           = "pending"
	StatusProcessing        = "processing"
	StatusSuccess           = "success"
	StatusFailed            = "failed"
	StatusPermanentlyFailed = "permanently_failed"
)

// Run statuses persisted per orchestration run.
const (
	RunStatusRunning   = "running"
	RunStatusCompleted = "completed"
	RunStatusLocked    = "locked"
	RunStatusFailed    = "failed"
)

// IngestionRecord tracks the durable processing state of one document identity.
// VectorIDs reflects exactly the vectors currently held in the vector store for
// this document.
type IngestionRecord struct {
	DocumentID        string     `json:"document_id"`
	ContentHash       string     `json:"content_hash"`
	VectorIDs         []string   `json:"vector_ids"`
	Status            string     `json:"status"`
	RetryCount        int        `json:"retry_count"`
	SectionsProcessed int        `json:"sections_processed"`
	SectionsTotal     int        `json:"sections_total"`
	LastError         string     `json:"last_error,omitempty"`
	SourceURL         string     `json:"source_url,omitempty"`
	FileName          string     `json:"file_name,omitempty"`
	LastSeenAt        *time.Time `json:"last_seen_at,omitempty"`
	LastIngestedAt    *time.Time `json:"last_ingested_at,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
}

// LockRecord is the single row backing the distributed run-exclusion lock.
type LockRecord struct {
	LockKey    string
	Owner      string
	AcquiredAt time.Time
	ExpiresAt  time.Time
}

// RunRecord captures the outcome of one orchestration run for auditing.
type RunRecord struct {
	RunID                 string          `json:"run_id"`
	Status                string          `json:"status"`
	DryRun                bool            `json:"dry_run"`
	DocumentsProcessed    int             `json:"documents_processed"`
	SectionsIngested      int             `json:"sections_ingested"`
	DocumentsSkipped      int             `json:"documents_skipped"`
	DocumentsFailed       int             `json:"documents_failed"`
	ProcessingTimeSeconds float64         `json:"processing_time_seconds"`
	Errors                json.RawMessage `json:"errors,omitempty"`
	StartedAt             time.Time       `json:"started_at"`
	FinishedAt            *time.Time      `json:"finished_at,omitempty"`
}

func New(ctx context.Context) (*Store, error) {
	dsn, err := config.PostgresFromEnv().DSN()
	if err != nil {
		return nil, err
	}
	return NewWithDSN(ctx, dsn)
}

// NewWithDSN constructs the Store using an explicit Postgres DSN
func NewWithDSN(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		return nil, err
	}
	return &Store{DB: db}, nil
}

// GetIngestionRecord fetches the state row for a document. The bool indicates
// whether a record was found.
func (s *Store) GetIngestionRecord(ctx context.Context, documentID string) (IngestionRecord, bool, error) {
	var (
		rec       IngestionRecord
		vectorIDs pq.StringArray
		lastErr   sql.NullString
		sourceURL sql.NullString
		fileName  sql.NullString
		seenAt    sql.NullTime
		ingested  sql.NullTime
	)
	row := s.DB.QueryRowContext(ctx, `
SELECT document_id, content_hash, vector_ids, status, retry_count,
       sections_processed, sections_total, last_error, source_url, file_name,
       last_seen_at, last_ingested_at, created_at, updated_at
FROM ingestion_state
WHERE document_id = $1`, documentID)
	err := row.Scan(&rec.DocumentID, &rec.ContentHash, &vectorIDs, &rec.Status, &rec.RetryCount,
		&rec.SectionsProcessed, &rec.SectionsTotal, &lastErr, &sourceURL, &fileName,
		&seenAt, &ingested, &rec.CreatedAt, &rec.UpdatedAt)
	if err == sql.ErrNoRows {
		return IngestionRecord{}, false, nil
	}
	if err != nil {
		return IngestionRecord{}, false, err
	}
	rec.VectorIDs = []string(vectorIDs)
	rec.LastError = lastErr.String
	rec.SourceURL = sourceURL.String
	rec.FileName = fileName.String
	if seenAt.Valid {
		t := seenAt.Time
		rec.LastSeenAt = &t
	}
	if ingested.Valid {
		t := ingested.Time
		rec.LastIngestedAt = &t
	}
	return rec, true, nil
}

// UpsertIngestionRecord creates or replaces the state row for a document.
func (s *Store) UpsertIngestionRecord(ctx context.Context, rec IngestionRecord) error {
	if strings.TrimSpace(rec.DocumentID) == "" {
		return fmt.Errorf("document_id is required")
	}
	if rec.Status == "" {
		rec.Status = StatusPending
	}
	_, err := s.DB.ExecContext(ctx, `
INSERT INTO ingestion_state (document_id, content_hash, vector_ids, status, retry_count,
  sections_processed, sections_total, last_error, source_url, file_name,
  last_seen_at, last_ingested_at, created_at, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,NULLIF($8,''),NULLIF($9,''),NULLIF($10,''),$11,$12,NOW(),NOW())
ON CONFLICT (document_id) DO UPDATE SET
  content_hash       = EXCLUDED.content_hash,
  vector_ids         = EXCLUDED.vector_ids,
  status             = EXCLUDED.status,
  retry_count        = EXCLUDED.retry_count,
  sections_processed = EXCLUDED.sections_processed,
  sections_total     = EXCLUDED.sections_total,
  last_error         = EXCLUDED.last_error,
  source_url         = EXCLUDED.source_url,
  file_name          = EXCLUDED.file_name,
  last_seen_at       = EXCLUDED.last_seen_at,
  last_ingested_at   = EXCLUDED.last_ingested_at,
  updated_at         = NOW();
`, rec.DocumentID, rec.ContentHash, pq.Array(rec.VectorIDs), rec.Status, rec.RetryCount,
		rec.SectionsProcessed, rec.SectionsTotal, rec.LastError, rec.SourceURL, rec.FileName,
		rec.LastSeenAt, rec.LastIngestedAt)
	return err
}

// TouchLastSeen stamps last_seen_at for a document that already has a row.
// Missing rows are left alone; first sight is recorded by the upsert path.
func (s *Store) TouchLastSeen(ctx context.Context, documentID string) error {
	_, err := s.DB.ExecContext(ctx,
		`UPDATE ingestion_state SET last_seen_at = NOW(), updated_at = NOW() WHERE document_id = $1`,
		documentID)
	return err
}

// ListIngestionRecords returns state rows, optionally filtered by status.
func (s *Store) ListIngestionRecords(ctx context.Context, status string, limit int) ([]IngestionRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `
SELECT document_id, content_hash, vector_ids, status, retry_count,
       sections_processed, sections_total, last_error, source_url, file_name,
       last_seen_at, last_ingested_at, created_at, updated_at
FROM ingestion_state`
	args := []interface{}{}
	if status != "" {
		query += ` WHERE status = $1 ORDER BY updated_at DESC LIMIT $2`
		args = append(args, status, limit)
	} else {
		query += ` ORDER BY updated_at DESC LIMIT $1`
		args = append(args, limit)
	}
	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []IngestionRecord
	for rows.Next() {
		var (
			rec       IngestionRecord
			vectorIDs pq.StringArray
			lastErr   sql.NullString
			sourceURL sql.NullString
			fileName  sql.NullString
			seenAt    sql.NullTime
			ingested  sql.NullTime
		)
		if err := rows.Scan(&rec.DocumentID, &rec.ContentHash, &vectorIDs, &rec.Status, &rec.RetryCount,
			&rec.SectionsProcessed, &rec.SectionsTotal, &lastErr, &sourceURL, &fileName,
			&seenAt, &ingested, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
			return nil, err
		}
		rec.VectorIDs = []string(vectorIDs)
		rec.LastError = lastErr.String
		rec.SourceURL = sourceURL.String
		rec.FileName = fileName.String
		if seenAt.Valid {
			t := seenAt.Time
			rec.LastSeenAt = &t
		}
		if ingested.Valid {
			t := ingested.Time
			rec.LastIngestedAt = &t
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// TryAcquireLock attempts the atomic insert-if-absent-or-expired transition on
// the lock row. The bool reports whether this owner now holds the lock; when
// false the returned record describes the current holder.
func (s *Store) TryAcquireLock(ctx context.Context, key, owner string, ttl time.Duration) (LockRecord, bool, error) {
	expiresAt := time.Now().UTC().Add(ttl)
	var rec LockRecord
	err := s.DB.QueryRowContext(ctx, `
INSERT INTO ingestion_locks (lock_key, owner, acquired_at, expires_at)
VALUES ($1,$2,NOW(),$3)
ON CONFLICT (lock_key) DO UPDATE SET
  owner       = EXCLUDED.owner,
  acquired_at = NOW(),
  expires_at  = EXCLUDED.expires_at
WHERE ingestion_locks.expires_at < NOW()
RETURNING lock_key, owner, acquired_at, expires_at;
`, key, owner, expiresAt).Scan(&rec.LockKey, &rec.Owner, &rec.AcquiredAt, &rec.ExpiresAt)
	if err == sql.ErrNoRows {
		// A live lock row blocked the transition; report the holder.
		holder, found, herr := s.GetLock(ctx, key)
		if herr != nil {
			return LockRecord{}, false, herr
		}
		if !found {
			// The holder released between our attempt and the lookup.
			return s.TryAcquireLock(ctx, key, owner, ttl)
		}
		return holder, false, nil
	}
	if err != nil {
		return LockRecord{}, false, err
	}
	return rec, true, nil
}

// GetLock fetches the lock row regardless of expiry. The bool indicates whether
// a row exists.
func (s *Store) GetLock(ctx context.Context, key string) (LockRecord, bool, error) {
	var rec LockRecord
	err := s.DB.QueryRowContext(ctx,
		`SELECT lock_key, owner, acquired_at, expires_at FROM ingestion_locks WHERE lock_key = $1`,
		key).Scan(&rec.LockKey, &rec.Owner, &rec.AcquiredAt, &rec.ExpiresAt)
	if err == sql.ErrNoRows {
		return LockRecord{}, false, nil
	}
	if err != nil {
		return LockRecord{}, false, err
	}
	return rec, true, nil
}

// ReleaseLock deletes the lock row if this owner still holds it. Releasing a
// row that is gone or was reclaimed by another owner is a no-op.
func (s *Store) ReleaseLock(ctx context.Context, key, owner string) error {
	_, err := s.DB.ExecContext(ctx,
		`DELETE FROM ingestion_locks WHERE lock_key = $1 AND owner = $2`, key, owner)
	return err
}

// CreateIngestionRun records the start of an orchestration run.
func (s *Store) CreateIngestionRun(ctx context.Context, runID string, dryRun bool) error {
	if strings.TrimSpace(runID) == "" {
		return fmt.Errorf("run_id is required")
	}
	_, err := s.DB.ExecContext(ctx, `
INSERT INTO ingestion_runs (run_id, status, dry_run, started_at)
VALUES ($1,$2,$3,NOW())`, runID, RunStatusRunning, dryRun)
	return err
}

// FinishIngestionRun stamps the final counters and status onto a run row.
func (s *Store) FinishIngestionRun(ctx context.Context, rec RunRecord) error {
	if len(rec.Errors) == 0 {
		rec.Errors = json.RawMessage("[]")
	}
	_, err := s.DB.ExecContext(ctx, `
UPDATE ingestion_runs SET
  status                  = $2,
  documents_processed     = $3,
  sections_ingested       = $4,
  documents_skipped       = $5,
  documents_failed        = $6,
  processing_time_seconds = $7,
  errors                  = $8,
  finished_at             = NOW()
WHERE run_id = $1`, rec.RunID, rec.Status, rec.DocumentsProcessed, rec.SectionsIngested,
		rec.DocumentsSkipped, rec.DocumentsFailed, rec.ProcessingTimeSeconds, []byte(rec.Errors))
	return err
}

// ListIngestionRuns returns recent runs, newest first.
func (s *Store) ListIngestionRuns(ctx context.Context, limit int) ([]RunRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.DB.QueryContext(ctx, `
SELECT run_id, status, dry_run, documents_processed, sections_ingested,
       documents_skipped, documents_failed, processing_time_seconds, errors,
       started_at, finished_at
FROM ingestion_runs
ORDER BY started_at DESC
LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []RunRecord
	for rows.Next() {
		var (
			rec      RunRecord
			errsJSON []byte
			finished sql.NullTime
		)
		if err := rows.Scan(&rec.RunID, &rec.Status, &rec.DryRun, &rec.DocumentsProcessed,
			&rec.SectionsIngested, &rec.DocumentsSkipped, &rec.DocumentsFailed,
			&rec.ProcessingTimeSeconds, &errsJSON, &rec.StartedAt, &finished); err != nil {
			return nil, err
		}
		rec.Errors = json.RawMessage(errsJSON)
		if finished.Valid {
			t := finished.Time
			rec.FinishedAt = &t
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
