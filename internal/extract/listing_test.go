package extract

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/storefront-catalog/internal/crawler"
)

const listingPage = `<html><body>
<div class="grid">
  <div class="grid-item" data-grid-id="A1"><a href="/a1"><img src="https://cdn.example.com/a1.jpg"></a></div>
  <div class="grid-item" data-grid-id="B2"><img data-src="https://cdn.example.com/b2.jpg"></div>
  <div class="grid-item" data-grid-id="A1"><img src="https://cdn.example.com/dup.jpg"></div>
  <div class="grid-item"><img src="https://cdn.example.com/no-id.jpg"></div>
  <div class="grid-item" data-grid-id="C3"></div>
</div>
<span class="gl-body" data-auto-id="pagination-pages-container">Page 1 of 12</span>
</body></html>`

func TestParseListingReadsCardsAndPageCount(t *testing.T) {
	t.Parallel()

	listing, err := NewListing(ListingConfig{}).ParseListing([]byte(listingPage))
	require.NoError(t, err)
	require.Equal(t, 12, listing.PageCount)
	require.Equal(t, []string{"A1", "B2", "C3"}, listing.Order)
	require.Equal(t, map[string]string{
		"A1": "https://cdn.example.com/a1.jpg",
		"B2": "https://cdn.example.com/b2.jpg",
		"C3": "",
	}, listing.Products)
}

func TestParseListingWithoutPagination(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		html     string
		products int
	}{
		{name: "interstitial", html: `<html><body><h1>Access denied</h1></body></html>`, products: 0},
		{name: "cards only", html: `<div class="grid-item" data-grid-id="X"><img src="x.jpg"></div>`, products: 1},
		{name: "empty body", html: ``, products: 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			listing, err := NewListing(DefaultListingConfig()).ParseListing([]byte(tt.html))
			require.ErrorIs(t, err, crawler.ErrNoPagination)
			require.ErrorIs(t, err, crawler.ErrParseStructure)
			require.NotNil(t, listing.Products)
			require.Len(t, listing.Products, tt.products)
			require.Zero(t, listing.PageCount)
		})
	}
}

func TestParseListingCustomSelectors(t *testing.T) {
	t.Parallel()

	html := `<ul><li class="card" data-pid="Z9"><img data-lazy="z9.png"></li></ul><p class="pager">"3 of 4"</p>`
	listing, err := NewListing(ListingConfig{
		CardSelector:       "li.card",
		IDAttr:             "data-pid",
		ImageAttrs:         []string{"data-lazy"},
		PaginationSelector: "p.pager",
	}).ParseListing([]byte(html))
	require.NoError(t, err)
	require.Equal(t, 4, listing.PageCount)
	require.Equal(t, "z9.png", listing.Products["Z9"])
}

func TestParsePageCount(t *testing.T) {
	t.Parallel()

	tests := []struct {
		text string
		want int
	}{
		{text: "1 of 12", want: 12},
		{text: "  1 of 12  ", want: 12},
		{text: `'1 of 12'`, want: 12},
		{text: `"1 of 12"`, want: 12},
		{text: "Page 2 OF 7.", want: 7},
		{text: "1 of\n  \"1,024\"", want: 1024},
	}
	for _, tt := range tests {
		got, err := ParsePageCount(tt.text)
		require.NoError(t, err, tt.text)
		require.Equal(t, tt.want, got, tt.text)
	}
}

func TestParsePageCountMalformed(t *testing.T) {
	t.Parallel()

	for _, text := range []string{"", "12", "page twelve", "1 / 12", "offset 12", "1 of many"} {
		_, err := ParsePageCount(text)
		require.ErrorIs(t, err, crawler.ErrParseStructure, text)
	}
}
