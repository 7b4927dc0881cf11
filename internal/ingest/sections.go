package ingest

import (
	"context"
	"log"

	"github.com/sina-abbasi/ragline/internal/vector"
)

// SectionError records one section that could not be stored.
type SectionError struct {
	SectionID string `json:"section_id"`
	Message   string `json:"error"`
}

// IngestOutcome is the per-document result of pushing sections to the vector
// store. Succeeded holds the vector ids in section order.
type IngestOutcome struct {
	Succeeded []string
	Failed    []SectionError
}

// SectionIngestor pushes processed sections into the vector store one at a
// time, so a failing section never takes down its siblings.
type SectionIngestor struct {
	vectors vector.Store
	logger  *log.Logger
}

func NewSectionIngestor(vectors vector.Store, logger *log.Logger) *SectionIngestor {
	if logger == nil {
		logger = log.New(log.Writer(), "[INGEST] ", log.LstdFlags)
	}
	return &SectionIngestor{vectors: vectors, logger: logger}
}

// Ingest replaces a document's vectors: prior vector ids are deleted first,
// then each section is stored sequentially with a single inline retry.
// Deletion failures are logged and do not block new ingestion. Successful
// vector ids are kept even when sibling sections fail.
func (si *SectionIngestor) Ingest(ctx context.Context, doc RawDocument, sections []Section, priorVectorIDs []string) IngestOutcome {
	for _, id := range priorVectorIDs {
		if err := si.vectors.Delete(ctx, id); err != nil {
			si.logger.Printf("warn: delete stale vector %s for %s: %v", id, doc.ID, err)
		}
	}

	var out IngestOutcome
	for _, sec := range sections {
		id, err := si.storeSection(ctx, doc, sec)
		if err != nil {
			si.logger.Printf("section %s of %s failed: %v", sec.ID, doc.ID, err)
			out.Failed = append(out.Failed, SectionError{SectionID: sec.ID, Message: err.Error()})
			continue
		}
		out.Succeeded = append(out.Succeeded, id)
	}
	return out
}

// storeSection attempts the store once and retries once more on failure.
func (si *SectionIngestor) storeSection(ctx context.Context, doc RawDocument, sec Section) (string, error) {
	meta := map[string]string{
		"doc_id":      doc.ID,
		"section_id":  sec.ID,
		"source_type": doc.Source,
		"source_uri":  doc.URL,
	}
	for k, v := range sec.Metadata {
		meta[k] = v
	}
	vsec := vector.Section{
		DocumentID: doc.ID,
		Title:      sec.ID,
		Text:       sec.Text,
		Metadata:   meta,
	}
	id, err := si.vectors.Upsert(ctx, vsec)
	if err == nil {
		return id, nil
	}
	si.logger.Printf("retrying section %s of %s after error: %v", sec.ID, doc.ID, err)
	return si.vectors.Upsert(ctx, vsec)
}
