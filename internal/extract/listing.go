// Package extract parses listing pages and product payloads into catalog records.
package extract

import (
	"bytes"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/storefront-catalog/internal/crawler"
)

// ListingConfig names the structural markers of a listing page.
type ListingConfig struct {
	// CardSelector matches one product card.
	CardSelector string
	// IDAttr is the card attribute holding the product id.
	IDAttr string
	// ImageSelector matches the thumbnail inside a card.
	ImageSelector string
	// ImageAttrs are tried in order on the thumbnail element.
	ImageAttrs []string
	// PaginationSelector matches the "<current> of <total>" element.
	PaginationSelector string
}

// DefaultListingConfig matches the storefront grid layout.
func DefaultListingConfig() ListingConfig {
	return ListingConfig{
		CardSelector:       "div.grid-item",
		IDAttr:             "data-grid-id",
		ImageSelector:      "img",
		ImageAttrs:         []string{"src", "data-src"},
		PaginationSelector: `[data-auto-id="pagination-pages-container"]`,
	}
}

// Listing implements crawler.ListingParser with goquery.
type Listing struct {
	cfg ListingConfig
}

// NewListing builds a Listing extractor; empty fields fall back to defaults.
func NewListing(cfg ListingConfig) *Listing {
	def := DefaultListingConfig()
	if cfg.CardSelector == "" {
		cfg.CardSelector = def.CardSelector
	}
	if cfg.IDAttr == "" {
		cfg.IDAttr = def.IDAttr
	}
	if cfg.ImageSelector == "" {
		cfg.ImageSelector = def.ImageSelector
	}
	if len(cfg.ImageAttrs) == 0 {
		cfg.ImageAttrs = def.ImageAttrs
	}
	if cfg.PaginationSelector == "" {
		cfg.PaginationSelector = def.PaginationSelector
	}
	return &Listing{cfg: cfg}
}

// ParseListing reads product cards and the page count. Cards found are always
// returned; a missing pagination element yields crawler.ErrNoPagination and
// unreadable pagination text yields crawler.ErrParseStructure.
func (l *Listing) ParseListing(body []byte) (crawler.Listing, error) {
	out := crawler.Listing{Products: map[string]string{}}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return out, fmt.Errorf("%w: parse html: %w", crawler.ErrParseStructure, err)
	}

	doc.Find(l.cfg.CardSelector).Each(func(_ int, card *goquery.Selection) {
		id := strings.TrimSpace(card.AttrOr(l.cfg.IDAttr, ""))
		if id == "" {
			return
		}
		if _, dup := out.Products[id]; dup {
			return
		}
		out.Products[id] = l.thumbnail(card)
		out.Order = append(out.Order, id)
	})

	pager := doc.Find(l.cfg.PaginationSelector).First()
	if pager.Length() == 0 {
		return out, crawler.ErrNoPagination
	}
	count, err := ParsePageCount(pager.Text())
	if err != nil {
		return out, err
	}
	out.PageCount = count
	return out, nil
}

func (l *Listing) thumbnail(card *goquery.Selection) string {
	img := card.Find(l.cfg.ImageSelector).First()
	for _, attr := range l.cfg.ImageAttrs {
		if v := strings.TrimSpace(img.AttrOr(attr, "")); v != "" {
			return v
		}
	}
	return ""
}

var (
	ofToken    = regexp.MustCompile(`(?i)\bof\b`)
	pageNumber = regexp.MustCompile(`\d+(?:,\d{3})*`)
)

// ParsePageCount extracts the total from "<current> of <total>" text,
// tolerating whitespace, quotes and punctuation around the number.
func ParsePageCount(text string) (int, error) {
	loc := ofToken.FindStringIndex(text)
	if loc == nil {
		return 0, fmt.Errorf("%w: pagination text %q has no \"of\" token", crawler.ErrParseStructure, text)
	}
	num := pageNumber.FindString(text[loc[1]:])
	if num == "" {
		return 0, fmt.Errorf("%w: pagination text %q has no total", crawler.ErrParseStructure, text)
	}
	n, err := strconv.Atoi(strings.ReplaceAll(num, ",", ""))
	if err != nil {
		return 0, fmt.Errorf("%w: page total %q: %w", crawler.ErrParseStructure, num, err)
	}
	return n, nil
}
