package fetch

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/sina-abbasi/ragline/config"
	"github.com/sina-abbasi/ragline/internal/fetch/web"
	"github.com/sina-abbasi/ragline/internal/ingest"
)

var urlPattern = regexp.MustCompile(`https?://[^\s"'<>]+`)

const defaultMinScrapeChars = 100

// scrapeFunc matches web.Scraper.Scrape; swappable in tests.
type scrapeFunc func(ctx context.Context, pageURL string) (web.Result, error)

// URLListSource reads a page that lists external URLs and scrapes each one
// into a document.
type URLListSource struct {
	cfg    config.URLListSourceConfig
	client *http.Client
	scrape scrapeFunc
	logger *log.Logger
}

func NewURLListSource(cfg config.URLListSourceConfig, logger *log.Logger) *URLListSource {
	if logger == nil {
		logger = log.New(log.Writer(), "[FETCH] ", log.LstdFlags)
	}
	scraper := web.Scraper{Timeout: cfg.FetchTimeout, MaxChars: cfg.MaxChars}
	return &URLListSource{
		cfg:    cfg,
		client: &http.Client{Timeout: 30 * time.Second},
		scrape: scraper.Scrape,
		logger: logger,
	}
}

func (s *URLListSource) Name() string { return "url_list" }

func (s *URLListSource) Fetch(ctx context.Context) ([]ingest.RawDocument, error) {
	urls, err := s.listURLs(ctx)
	if err != nil {
		return nil, err
	}
	s.logger.Printf("url list yielded %d unique url(s)", len(urls))

	minChars := s.cfg.MinChars
	if minChars <= 0 {
		minChars = defaultMinScrapeChars
	}

	var docs []ingest.RawDocument
	for _, pageURL := range urls {
		res, err := s.scrape(ctx, pageURL)
		if err != nil {
			s.logger.Printf("warn: scrape %s: %v", pageURL, err)
			continue
		}
		if chars := utf8.RuneCountInString(res.Text); chars < minChars {
			s.logger.Printf("warn: %s yielded %d chars, below minimum %d, skipping", pageURL, chars, minChars)
			continue
		}
		title := res.Title
		if title == "" {
			title = pageURL
		}
		docs = append(docs, ingest.RawDocument{
			ID:     ingest.DocumentID(pageURL, pageURL),
			Title:  title,
			URL:    pageURL,
			Source: "url",
			Text:   res.Text,
		})
	}
	return docs, nil
}

// listURLs downloads the list page and pulls out every http(s) link, in
// document order with duplicates removed.
func (s *URLListSource) listURLs(ctx context.Context) ([]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.cfg.URL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch url list: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("url list status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool)
	var urls []string
	for _, match := range urlPattern.FindAllString(string(body), -1) {
		match = strings.TrimRight(match, ".,;)")
		if match == s.cfg.URL || seen[match] {
			continue
		}
		seen[match] = true
		urls = append(urls, match)
	}
	return urls, nil
}
