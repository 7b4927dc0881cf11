package vector

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"strconv"
	"strings"

	"github.com/sina-abbasi/ragline/config"
)

// PGStore keeps section embeddings in a pgvector table alongside the rest of
// the ingestion state.
type PGStore struct {
	db        *sql.DB
	emb       Embedder
	namespace string
	logger    *log.Logger
}

func NewPGStore(db *sql.DB, emb Embedder, cfg config.VectorConfig, logger *log.Logger) *PGStore {
	if logger == nil {
		logger = log.New(log.Writer(), "[VECTOR] ", log.LstdFlags)
	}
	ns := cfg.Namespace
	if ns == "" {
		ns = "default"
	}
	return &PGStore{db: db, emb: emb, namespace: ns, logger: logger}
}

// Upsert embeds the section text and writes the row keyed by its
// content-addressed vector id. Re-storing identical text is a no-op overwrite.
func (s *PGStore) Upsert(ctx context.Context, sec Section) (string, error) {
	if strings.TrimSpace(sec.Text) == "" {
		return "", fmt.Errorf("section text must not be empty")
	}
	id := sec.ID
	if id == "" {
		id = SectionID(sec.Text)
	}
	vectors, err := s.emb.CreateEmbedding(ctx, []string{sec.Text})
	if err != nil {
		return "", fmt.Errorf("embed section: %w", err)
	}
	if len(vectors) == 0 || len(vectors[0]) == 0 {
		return "", fmt.Errorf("embedder returned no vector")
	}
	literal, err := encodeVectorLiteral(vectors[0])
	if err != nil {
		return "", err
	}
	meta := sec.Metadata
	if meta == nil {
		meta = map[string]string{}
	}
	metaBytes, err := json.Marshal(meta)
	if err != nil {
		return "", fmt.Errorf("marshal metadata: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO section_embeddings (vector_id, namespace, document_id, title, content, metadata, embedding, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7::vector,NOW())
ON CONFLICT (vector_id, namespace) DO UPDATE SET
  document_id = EXCLUDED.document_id,
  title       = EXCLUDED.title,
  content     = EXCLUDED.content,
  metadata    = EXCLUDED.metadata,
  embedding   = EXCLUDED.embedding,
  created_at  = NOW();
`, id, s.namespace, sec.DocumentID, sec.Title, sec.Text, metaBytes, literal)
	if err != nil {
		return "", err
	}
	return id, nil
}

// Delete removes one embedding row. Deleting an absent id is a no-op.
func (s *PGStore) Delete(ctx context.Context, vectorID string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM section_embeddings WHERE vector_id = $1 AND namespace = $2`,
		vectorID, s.namespace)
	return err
}

// Query embeds the query text and returns the nearest sections by cosine
// distance.
func (s *PGStore) Query(ctx context.Context, query string, topK int) ([]Result, error) {
	if strings.TrimSpace(query) == "" {
		return nil, fmt.Errorf("query must not be empty")
	}
	if topK <= 0 {
		topK = 5
	}
	vectors, err := s.emb.CreateEmbedding(ctx, []string{query})
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	if len(vectors) == 0 || len(vectors[0]) == 0 {
		return nil, fmt.Errorf("embedder returned no vector")
	}
	literal, err := encodeVectorLiteral(vectors[0])
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT vector_id, title, content, metadata, embedding <=> $1::vector AS distance
FROM section_embeddings
WHERE namespace = $2
ORDER BY embedding <=> $1::vector
LIMIT $3
`, literal, s.namespace, topK)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		var (
			res       Result
			metaBytes []byte
			distance  float64
		)
		if err := rows.Scan(&res.ID, &res.Title, &res.Text, &metaBytes, &distance); err != nil {
			return nil, err
		}
		res.Score = 1 - distance
		if len(metaBytes) > 0 {
			_ = json.Unmarshal(metaBytes, &res.Metadata)
		}
		results = append(results, res)
	}
	return results, rows.Err()
}

func encodeVectorLiteral(vec []float32) (string, error) {
	if len(vec) == 0 {
		return "", fmt.Errorf("vector must not be empty")
	}
	var builder strings.Builder
	builder.WriteByte('[')
	for i, f := range vec {
		if i > 0 {
			builder.WriteByte(',')
		}
		builder.WriteString(strconv.FormatFloat(float64(f), 'f', -1, 32))
	}
	builder.WriteByte(']')
	return builder.String(), nil
}
