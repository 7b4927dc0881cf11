package normalize

import (
	"context"
	"fmt"
	"log"
	"strings"

	"github.com/sina-abbasi/ragline/config"
	"github.com/sina-abbasi/ragline/internal/ingest"
)

const extractorSystemPrompt = "You are a deterministic document extractor. Your only job is to emit " +
	"verbatim policy and process content as atomic concepts, suitable for retrieval-augmented chat. " +
	"You must not explain, reason, or comment. You must not add headings, paraphrases, or summaries."

const extractorUserPrompt = `Extract the document's substantive concepts from the text below.
Each extract must be output in the following format only:

EXTRACT: <verbatim concept>

Rules for what counts as a concept: requirements, timeframes and deadlines, procedures or steps,
conditions and exceptions, responsibility assignments, compliance obligations.
Exclude navigation, headings, menus, contact details, and generic boilerplate.
If a concept spans multiple lines, merge them into a single verbatim extract.
Output only EXTRACT lines. Do not output anything else.

--- BEGIN TEXT ---
%s
--- END TEXT ---`

// Completer is the LLM call the AI extractor depends on.
type Completer interface {
	Complete(ctx context.Context, system, user string) (string, error)
}

// AINormalizer feeds windowed text through an LLM extractor and turns each
// extracted concept into its own section. Unlike WindowChunker it is only as
// deterministic as the model behind it.
type AINormalizer struct {
	provider Completer
	chunker  *WindowChunker
	logger   *log.Logger
}

func NewAINormalizer(provider Completer, cfg config.NormalizeConfig, logger *log.Logger) *AINormalizer {
	if logger == nil {
		logger = log.New(log.Writer(), "[NORMALIZE] ", log.LstdFlags)
	}
	return &AINormalizer{
		provider: provider,
		chunker:  NewWindowChunker(cfg),
		logger:   logger,
	}
}

func (n *AINormalizer) Normalize(ctx context.Context, doc ingest.RawDocument) ([]ingest.Section, error) {
	windows, err := n.chunker.windows(doc.Text)
	if err != nil {
		return nil, fmt.Errorf("chunk document %s: %w", doc.ID, err)
	}

	seen := map[string]bool{}
	var extracts []string
	for i, window := range windows {
		resp, err := n.provider.Complete(ctx, extractorSystemPrompt, fmt.Sprintf(extractorUserPrompt, window))
		if err != nil {
			return nil, fmt.Errorf("extract window %d/%d of %s: %w", i+1, len(windows), doc.ID, err)
		}
		for _, ex := range parseExtracts(resp) {
			if seen[ex] {
				continue
			}
			seen[ex] = true
			extracts = append(extracts, ex)
		}
	}
	n.logger.Printf("extracted %d concept(s) from %s across %d window(s)", len(extracts), doc.ID, len(windows))
	if len(extracts) == 0 {
		return nil, fmt.Errorf("no concepts extracted from %s", doc.ID)
	}

	sections := make([]ingest.Section, 0, len(extracts))
	for i, ex := range extracts {
		sections = append(sections, ingest.Section{
			ID:   fmt.Sprintf("%s-c%03d", doc.ID, i+1),
			Text: ex,
			Metadata: map[string]string{
				"section_hash": ingest.ContentHash(ex),
				"extraction":   "ai",
			},
		})
	}
	return sections, nil
}

func parseExtracts(resp string) []string {
	var out []string
	for _, line := range strings.Split(resp, "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "EXTRACT:") {
			continue
		}
		text := strings.TrimSpace(strings.TrimPrefix(line, "EXTRACT:"))
		if text != "" {
			out = append(out, text)
		}
	}
	return out
}

// NewFromConfig picks the normalizer mode from configuration.
func NewFromConfig(cfg config.NormalizeConfig, provider Completer, logger *log.Logger) (ingest.Normalizer, error) {
	cfg = cfg.Normalize()
	switch cfg.Mode {
	case "window":
		return NewWindowChunker(cfg), nil
	case "ai":
		if provider == nil {
			return nil, fmt.Errorf("normalize.mode=ai requires a configured provider")
		}
		return NewAINormalizer(provider, cfg, logger), nil
	default:
		return nil, fmt.Errorf("unknown normalize mode: %q", cfg.Mode)
	}
}
