package web

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/chromedp/chromedp"
	readability "github.com/go-shiori/go-readability"
)

// Result is the readable content extracted from one rendered page.
type Result struct {
	URL   string
	Title string
	Text  string
}

// Scraper renders a page in headless Chrome and extracts the readable article
// text. JS-heavy pages need the render step; plain HTML would be fine with a
// straight GET but goes through the same path for uniformity.
type Scraper struct {
	Timeout  time.Duration
	MaxChars int
}

func (s Scraper) Scrape(ctx context.Context, pageURL string) (Result, error) {
	if strings.TrimSpace(pageURL) == "" {
		return Result{}, errors.New("invalid url")
	}
	timeout := s.Timeout
	if timeout <= 0 {
		timeout = 45 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	html, err := fetchHTML(ctx, pageURL)
	if err != nil {
		return Result{}, fmt.Errorf("render %s: %w", pageURL, err)
	}

	article, err := readability.FromReader(strings.NewReader(html), parseURL(pageURL))
	if err != nil {
		return Result{}, fmt.Errorf("extract %s: %w", pageURL, err)
	}
	text := truncateRunes(strings.TrimSpace(article.TextContent), s.MaxChars)
	return Result{
		URL:   pageURL,
		Title: strings.TrimSpace(article.Title),
		Text:  text,
	}, nil
}

func fetchHTML(ctx context.Context, pageURL string) (string, error) {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", true),
		chromedp.UserAgent("ragline/1.0 (+ingestion)"),
	)
	actx, cancelAlloc := chromedp.NewExecAllocator(ctx, opts...)
	defer cancelAlloc()
	bctx, cancelBrowser := chromedp.NewContext(actx)
	defer cancelBrowser()

	var html string
	err := chromedp.Run(bctx,
		chromedp.Navigate(pageURL),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	)
	return html, err
}

// truncateRunes caps text at max runes, never splitting a multi-byte rune.
func truncateRunes(text string, max int) string {
	if max <= 0 {
		return text
	}
	runes := []rune(text)
	if len(runes) <= max {
		return text
	}
	return string(runes[:max])
}

func parseURL(raw string) *url.URL {
	u, err := url.Parse(raw)
	if err != nil {
		return &url.URL{}
	}
	return u
}
