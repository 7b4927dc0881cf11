package fetch

import (
	"context"
	"fmt"
	"log"

	"github.com/sina-abbasi/ragline/config"
	"github.com/sina-abbasi/ragline/internal/ingest"
)

// Source is one place documents come from.
type Source interface {
	Name() string
	Fetch(ctx context.Context) ([]ingest.RawDocument, error)
}

// Composite fans out to all configured sources. One failing source is
// tolerated and surfaced as a warning; only a total failure is an error.
type Composite struct {
	sources []Source
	logger  *log.Logger
}

func NewComposite(logger *log.Logger, sources ...Source) *Composite {
	if logger == nil {
		logger = log.New(log.Writer(), "[FETCH] ", log.LstdFlags)
	}
	return &Composite{sources: sources, logger: logger}
}

// NewFromConfig builds the composite fetcher from the enabled sources.
func NewFromConfig(cfg config.SourcesConfig, logger *log.Logger) (*Composite, error) {
	var sources []Source
	if cfg.Manifest.Enabled {
		sources = append(sources, NewManifestSource(cfg.Manifest, logger))
	}
	if cfg.URLList.Enabled {
		sources = append(sources, NewURLListSource(cfg.URLList, logger))
	}
	if len(sources) == 0 {
		return nil, fmt.Errorf("no content sources enabled")
	}
	return NewComposite(logger, sources...), nil
}

func (c *Composite) Fetch(ctx context.Context) ([]ingest.RawDocument, []string, error) {
	var (
		docs     []ingest.RawDocument
		warnings []string
		failures int
	)
	for _, src := range c.sources {
		fetched, err := src.Fetch(ctx)
		if err != nil {
			failures++
			c.logger.Printf("source %s failed: %v", src.Name(), err)
			warnings = append(warnings, fmt.Sprintf("source %s failed: %v", src.Name(), err))
			continue
		}
		c.logger.Printf("source %s yielded %d document(s)", src.Name(), len(fetched))
		docs = append(docs, fetched...)
	}
	if failures == len(c.sources) && len(c.sources) > 0 {
		return nil, nil, fmt.Errorf("all %d content source(s) failed", len(c.sources))
	}
	return docs, warnings, nil
}
