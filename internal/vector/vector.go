package vector

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log"

	"github.com/sina-abbasi/ragline/config"
	"github.com/sina-abbasi/ragline/internal/store"
)

// Section is one normalized unit of document text headed for the vector store.
type Section struct {
	ID         string // content-addressed, "sha256:<hex>"; computed when empty
	DocumentID string
	Title      string
	Text       string
	Metadata   map[string]string
}

// Result is a single similarity search hit.
type Result struct {
	ID       string            `json:"vector_id"`
	Title    string            `json:"title"`
	Text     string            `json:"text"`
	Score    float64           `json:"score"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Store abstracts the vector backend. Upsert returns the vector id under which
// the section was stored.
type Store interface {
	Upsert(ctx context.Context, sec Section) (string, error)
	Delete(ctx context.Context, vectorID string) error
	Query(ctx context.Context, query string, topK int) ([]Result, error)
}

// SectionID derives the content-addressed vector id for a section's text.
func SectionID(text string) string {
	sum := sha256.Sum256([]byte(text))
	return "sha256:" + hex.EncodeToString(sum[:])
}

// Embedder produces embedding vectors for batches of text.
type Embedder interface {
	CreateEmbedding(ctx context.Context, texts []string) ([][]float32, error)
}

// NewFromConfig selects the vector backend from configuration.
func NewFromConfig(cfg config.VectorConfig, st *store.Store, emb Embedder, logger *log.Logger) (Store, error) {
	switch cfg.Backend {
	case "", "pg":
		return NewPGStore(st.DB, emb, cfg, logger), nil
	case "remote":
		return NewRemoteStore(cfg, logger), nil
	default:
		return nil, fmt.Errorf("unknown vector backend: %q", cfg.Backend)
	}
}
