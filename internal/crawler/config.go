package crawler

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// DefaultPageSize is the number of cards per listing page.
const DefaultPageSize = 48

// EngineConfig captures every knob that influences a crawl run.
type EngineConfig struct {
	// BaseURL is the first listing page; later pages add start=page*PageSize.
	BaseURL  string
	PageSize int
	// MaxPages caps enumerated pages; zero means all discovered pages.
	MaxPages          int
	PageConcurrency   int
	DetailConcurrency int
	// DetailURLTemplate contains an {id} placeholder for the product id.
	DetailURLTemplate string
	ListingHeaders    http.Header
	DetailHeaders     http.Header
	ListingAttempts   int
	DetailAttempts    int
	// ExportPath is written after every run; empty skips export.
	ExportPath string
	// PersistTimeout bounds one batch upsert.
	PersistTimeout time.Duration
	// BackfillLimit caps ids re-fetched by Backfill; zero means all.
	BackfillLimit int
}

// Validate checks for obviously bad configuration combinations.
func (c EngineConfig) Validate() error {
	if c.BaseURL == "" {
		return fmt.Errorf("crawl.base_url must be set")
	}
	if _, err := url.ParseRequestURI(c.BaseURL); err != nil {
		return fmt.Errorf("crawl.base_url is invalid: %w", err)
	}
	if c.PageSize <= 0 {
		return fmt.Errorf("crawl.page_size must be > 0")
	}
	if c.MaxPages < 0 {
		return fmt.Errorf("crawl.max_pages must be >= 0")
	}
	if c.PageConcurrency <= 0 {
		return fmt.Errorf("crawl.page_concurrency must be > 0")
	}
	if c.DetailConcurrency <= 0 {
		return fmt.Errorf("crawl.detail_concurrency must be > 0")
	}
	if !strings.Contains(c.DetailURLTemplate, "{id}") {
		return fmt.Errorf("detail.url_template must contain {id}")
	}
	return nil
}

// PageURL returns the listing URL for a zero-based page index.
func (c EngineConfig) PageURL(page int) string {
	if page == 0 {
		return c.BaseURL
	}
	u, err := url.Parse(c.BaseURL)
	if err != nil {
		return c.BaseURL
	}
	q := u.Query()
	q.Set("start", fmt.Sprint(page*c.PageSize))
	u.RawQuery = q.Encode()
	return u.String()
}

// DetailURL returns the product payload URL for id.
func (c EngineConfig) DetailURL(id string) string {
	return strings.ReplaceAll(c.DetailURLTemplate, "{id}", url.PathEscape(id))
}

func (c EngineConfig) withDefaults() EngineConfig {
	if c.PageSize <= 0 {
		c.PageSize = DefaultPageSize
	}
	if c.PageConcurrency <= 0 {
		c.PageConcurrency = 1
	}
	if c.DetailConcurrency <= 0 {
		c.DetailConcurrency = 1
	}
	if c.PersistTimeout <= 0 {
		c.PersistTimeout = time.Minute
	}
	return c
}
