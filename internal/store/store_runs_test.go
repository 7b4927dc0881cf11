package store

import (
	"context"
	"encoding/json"
	"regexp"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
)

func TestCreateAndFinishIngestionRun(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	st := &Store{DB: db}
	mock.ExpectExec(regexp.QuoteMeta(`
INSERT INTO ingestion_runs (run_id, status, dry_run, started_at)
VALUES ($1,$2,$3,NOW())`)).
		WithArgs("ingest_20260831_120000", RunStatusRunning, false).
		WillReturnResult(sqlmock.NewResult(0, 1))

	errsJSON, _ := json.Marshal([]map[string]string{{"document_id": "doc-1", "error": "fetch failed"}})
	mock.ExpectExec(`UPDATE ingestion_runs SET`).
		WithArgs("ingest_20260831_120000", RunStatusCompleted, 3, 12, 5, 1, 4.2, errsJSON).
		WillReturnResult(sqlmock.NewResult(0, 1))

	ctx := context.Background()
	if err := st.CreateIngestionRun(ctx, "ingest_20260831_120000", false); err != nil {
		t.Fatalf("CreateIngestionRun: %v", err)
	}
	err = st.FinishIngestionRun(ctx, RunRecord{
		RunID:                 "ingest_20260831_120000",
		Status:                RunStatusCompleted,
		DocumentsProcessed:    3,
		SectionsIngested:      12,
		DocumentsSkipped:      5,
		DocumentsFailed:       1,
		ProcessingTimeSeconds: 4.2,
		Errors:                errsJSON,
	})
	if err != nil {
		t.Fatalf("FinishIngestionRun: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestCreateIngestionRunRequiresRunID(t *testing.T) {
	db, _, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	st := &Store{DB: db}
	if err := st.CreateIngestionRun(context.Background(), "  ", true); err == nil {
		t.Fatal("expected error for blank run_id")
	}
}

func TestListIngestionRuns(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	st := &Store{DB: db}
	now := time.Now().UTC()
	cols := []string{"run_id", "status", "dry_run", "documents_processed", "sections_ingested",
		"documents_skipped", "documents_failed", "processing_time_seconds", "errors",
		"started_at", "finished_at"}
	mock.ExpectQuery(`SELECT run_id, status, dry_run`).
		WithArgs(10).
		WillReturnRows(sqlmock.NewRows(cols).
			AddRow("ingest_20260831_120000", RunStatusCompleted, false, 3, 12, 5, 1, 4.2, []byte(`[]`), now, now).
			AddRow("ingest_dry_20260831_110000", RunStatusCompleted, true, 0, 0, 8, 0, 1.1, []byte(`[]`), now.Add(-time.Hour), nil))

	runs, err := st.ListIngestionRuns(context.Background(), 10)
	if err != nil {
		t.Fatalf("ListIngestionRuns: %v", err)
	}
	if len(runs) != 2 {
		t.Fatalf("expected 2 runs, got %d", len(runs))
	}
	if !runs[1].DryRun {
		t.Fatal("expected second run to be a dry run")
	}
	if runs[1].FinishedAt != nil {
		t.Fatal("expected nil finished_at for unfinished run")
	}
}
