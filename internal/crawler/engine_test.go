package crawler

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/storefront-catalog/internal/progress"
)

const (
	testBaseURL   = "https://shop.example.com/us/men-shoes"
	testDetailURL = "https://shop.example.com/api/product/{id}?sitePath=us"
)

// lineListing parses "pages N" followed by "id thumbnail" lines.
type lineListing struct{}

func (lineListing) ParseListing(body []byte) (Listing, error) {
	out := Listing{Products: make(map[string]string)}
	pager := false
	sc := bufio.NewScanner(bytes.NewReader(body))
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		switch {
		case len(fields) == 2 && fields[0] == "pages":
			n, err := strconv.Atoi(fields[1])
			if err != nil {
				return out, fmt.Errorf("%w: %w", ErrParseStructure, err)
			}
			out.PageCount = n
			pager = true
		case len(fields) == 2:
			if _, ok := out.Products[fields[0]]; !ok {
				out.Order = append(out.Order, fields[0])
			}
			out.Products[fields[0]] = fields[1]
		}
	}
	if !pager {
		return out, ErrNoPagination
	}
	return out, nil
}

// jsonDetail decodes the minimal required payload.
type jsonDetail struct{}

func (jsonDetail) ParseDetail(body []byte) (ProductRecord, error) {
	var p struct {
		ID    string `json:"id"`
		Name  string `json:"name"`
		Color string `json:"color"`
		Price string `json:"price"`
	}
	if err := json.Unmarshal(body, &p); err != nil {
		return ProductRecord{}, fmt.Errorf("%w: %w", ErrMalformedPayload, err)
	}
	if p.ID == "" || p.Price == "" {
		return ProductRecord{}, fmt.Errorf("%w: missing keys", ErrMalformedPayload)
	}
	return ProductRecord{
		ProductID: p.ID,
		ModelName: StringPtr(p.Name),
		Color:     StringPtr(p.Color),
		Price:     StringPtr(p.Price),
		Discount:  StringPtr(""),
		Images:    ImageSet{URL: StringPtr("")},
	}, nil
}

func detailBody(id string) string {
	return fmt.Sprintf(`{"id":%q,"name":"Model %s","color":"black","price":"100"}`, id, id)
}

func testEngineConfig() EngineConfig {
	return EngineConfig{
		BaseURL:           testBaseURL,
		PageSize:          DefaultPageSize,
		PageConcurrency:   1,
		DetailConcurrency: 2,
		DetailURLTemplate: testDetailURL,
		ListingAttempts:   2,
		DetailAttempts:    2,
		ExportPath:        "catalog.xlsx",
	}
}

type engineHarness struct {
	engine   *Engine
	fetcher  *scriptedFetcher
	sink     *stubSink
	recorder *progress.Recorder
	sleeper  *recordingSleeper
}

func newEngineHarness(t *testing.T, cfg EngineConfig, script map[string][]step, inner Fetcher) *engineHarness {
	t.Helper()
	h := &engineHarness{
		fetcher:  newScriptedFetcher(script),
		sink:     newStubSink(),
		recorder: progress.NewRecorder(),
		sleeper:  &recordingSleeper{},
	}
	if inner == nil {
		inner = h.fetcher
	}
	rf := NewRetryFetcher(inner, RetryConfig{MaxAttempts: 2, Backoff: DefaultBackoff()},
		WithSleeper(h.sleeper), WithEmitter(h.recorder))
	engine, err := NewEngine(cfg, Deps{
		Fetcher:      rf,
		Listing:      lineListing{},
		Detail:       jsonDetail{},
		Sink:         h.sink,
		Schema:       MultiImageSchema,
		ListingPacer: fixedPacer(time.Second),
		DetailPacer:  fixedPacer(500 * time.Millisecond),
		Sleeper:      h.sleeper,
		Emitter:      h.recorder,
		IDs:          &sequenceIDs{},
	})
	require.NoError(t, err)
	h.engine = engine
	return h
}

func twoPageScript(cfg EngineConfig) map[string][]step {
	return map[string][]step{
		cfg.PageURL(0):     {{status: http.StatusOK, body: "pages 2\nA https://img.example.com/A.jpg"}},
		cfg.PageURL(1):     {{status: http.StatusOK, body: "pages 2\nB https://img.example.com/B.jpg"}},
		cfg.DetailURL("A"): {{status: http.StatusOK, body: detailBody("A")}},
		cfg.DetailURL("B"): {{status: http.StatusForbidden}},
	}
}

func TestEngineTwoPageRun(t *testing.T) {
	t.Parallel()

	cfg := testEngineConfig()
	h := newEngineHarness(t, cfg, twoPageScript(cfg), nil)

	summary, err := h.engine.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, summary.Pages)
	require.Equal(t, 2, summary.Products)
	require.Equal(t, 1, summary.DetailsFailed)
	require.Equal(t, 2, summary.Batches)
	require.Equal(t, 2, summary.Rows)
	require.True(t, summary.Exported)
	require.Equal(t, "file://catalog.xlsx", summary.ExportURI)
	require.False(t, summary.Canceled)

	a, ok := h.sink.Row("A")
	require.True(t, ok)
	require.Equal(t, "Model A", *a.ModelName)
	require.Equal(t, "100", *a.Price)
	require.Equal(t, "", *a.Discount)
	require.Equal(t, "https://img.example.com/A.jpg", *a.Images.Side)
	require.Nil(t, a.Images.URL, "images come from the listing stub")

	b, ok := h.sink.Row("B")
	require.True(t, ok)
	require.Equal(t, MultiImageSchema.Stub("B", "https://img.example.com/B.jpg"), b)

	require.Equal(t, 2, h.fetcher.Calls(cfg.DetailURL("B")), "detail attempts capped")
	require.Equal(t, 1, h.fetcher.Calls(cfg.PageURL(0)), "first page is fetched once")
	require.Equal(t, []string{"catalog.xlsx"}, h.sink.exported)

	require.Equal(t, 1, h.recorder.Count(progress.StageRunStart))
	require.Equal(t, 1, h.recorder.Count(progress.StageRunDone))
	require.Equal(t, 2, h.recorder.Count(progress.StagePage))
	require.Equal(t, 2, h.recorder.Count(progress.StageBatch))
	require.Equal(t, 1, h.recorder.Count(progress.StageExport))
	for _, evt := range h.recorder.Filter(progress.StageAttempt) {
		switch evt.Component {
		case progress.ComponentDetail:
			require.Equal(t, cfg.DetailURL(evt.ProductID), evt.URL, "detail events name their product")
		case progress.ComponentListing:
			require.Empty(t, evt.ProductID)
		}
	}
	failures := h.recorder.Filter(progress.StageFailure)
	require.Len(t, failures, 1)
	require.Equal(t, "B", failures[0].ProductID)

	delays := h.sleeper.Delays()
	require.Contains(t, delays, time.Second, "listing pacing")
	require.Contains(t, delays, 500*time.Millisecond, "detail pacing")
}

func TestEngineRunIsIdempotent(t *testing.T) {
	t.Parallel()

	cfg := testEngineConfig()
	h := newEngineHarness(t, cfg, twoPageScript(cfg), nil)

	_, err := h.engine.Run(context.Background())
	require.NoError(t, err)
	a1, _ := h.sink.Row("A")
	b1, _ := h.sink.Row("B")

	_, err = h.engine.Run(context.Background())
	require.NoError(t, err)
	a2, _ := h.sink.Row("A")
	b2, _ := h.sink.Row("B")
	require.Equal(t, 2, h.sink.RowCount())
	require.Equal(t, a1, a2)
	require.Equal(t, b1, b2)
}

func TestEngineFirstPageFailureIsFatal(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		steps []step
	}{
		{name: "exhausted", steps: []step{{status: http.StatusForbidden}}},
		{name: "terminal status", steps: []step{{status: http.StatusNotFound}}},
		{name: "no pagination", steps: []step{{status: http.StatusOK, body: "A thumb"}}},
		{name: "zero pages", steps: []step{{status: http.StatusOK, body: "pages 0"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := testEngineConfig()
			h := newEngineHarness(t, cfg, map[string][]step{cfg.PageURL(0): tt.steps}, nil)

			summary, err := h.engine.Run(context.Background())
			require.ErrorIs(t, err, ErrPageCountDiscovery)
			require.Zero(t, summary.Rows)
			require.False(t, summary.Exported)
			require.Empty(t, h.sink.batches)
			require.Empty(t, h.sink.exported)
			require.Equal(t, 1, h.recorder.Count(progress.StageRunError))
		})
	}
}

func TestEngineRetriesEmptyListingOnce(t *testing.T) {
	t.Parallel()

	cfg := testEngineConfig()
	script := map[string][]step{
		cfg.PageURL(0):     {{status: http.StatusOK}, {status: http.StatusOK, body: "pages 1\nA thumbA"}},
		cfg.DetailURL("A"): {{status: http.StatusOK, body: detailBody("A")}},
	}
	h := newEngineHarness(t, cfg, script, nil)

	summary, err := h.engine.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, h.fetcher.Calls(cfg.PageURL(0)))
	require.Equal(t, 1, summary.Rows)
}

func TestEngineLaterPageFailuresAreCounted(t *testing.T) {
	t.Parallel()

	cfg := testEngineConfig()
	script := map[string][]step{
		cfg.PageURL(0):     {{status: http.StatusOK, body: "pages 4\nA thumbA"}},
		cfg.PageURL(1):     {{status: http.StatusForbidden}},
		cfg.PageURL(2):     {{status: http.StatusNotFound}},
		cfg.PageURL(3):     {{status: http.StatusOK, body: "no cards here"}},
		cfg.DetailURL("A"): {{status: http.StatusOK, body: detailBody("A")}},
	}
	h := newEngineHarness(t, cfg, script, nil)

	summary, err := h.engine.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 4, summary.Pages)
	require.Equal(t, 1, summary.PagesFailed)
	require.Equal(t, 1, summary.PagesSkipped)
	require.Equal(t, 1, summary.PagesEmpty)
	require.Equal(t, 1, summary.Rows)
	require.True(t, summary.Exported)
}

func TestEngineDetailOutcomes(t *testing.T) {
	t.Parallel()

	cfg := testEngineConfig()
	script := map[string][]step{
		cfg.PageURL(0):     {{status: http.StatusOK, body: "pages 1\nA ta\nB tb\nC tc\nA ta"}},
		cfg.DetailURL("A"): {{status: http.StatusOK, body: detailBody("Z")}},
		cfg.DetailURL("B"): {{status: http.StatusNotFound}},
		cfg.DetailURL("C"): {{status: http.StatusOK, body: "<html>captcha</html>"}},
	}
	h := newEngineHarness(t, cfg, script, nil)

	summary, err := h.engine.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 3, summary.Products)
	require.Equal(t, 2, summary.DetailsMalformed)
	require.Equal(t, 1, summary.DetailsSkipped)
	require.Equal(t, 3, summary.Rows)
	for _, id := range []string{"A", "B", "C"} {
		rec, ok := h.sink.Row(id)
		require.True(t, ok)
		require.Nil(t, rec.ModelName, "failed details persist as stubs")
		require.NotNil(t, rec.Images.Side)
	}
}

func TestEngineDuplicateAcrossPages(t *testing.T) {
	t.Parallel()

	cfg := testEngineConfig()
	script := map[string][]step{
		cfg.PageURL(0):     {{status: http.StatusOK, body: "pages 2\nA ta"}},
		cfg.PageURL(1):     {{status: http.StatusOK, body: "pages 2\nA ta"}},
		cfg.DetailURL("A"): {{status: http.StatusOK, body: detailBody("A")}},
	}
	h := newEngineHarness(t, cfg, script, nil)

	summary, err := h.engine.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, summary.Products)
	require.Equal(t, 1, summary.Duplicates)
	require.Equal(t, 1, h.fetcher.Calls(cfg.DetailURL("A")))
}

func TestEngineBatchFailureDoesNotAbort(t *testing.T) {
	t.Parallel()

	cfg := testEngineConfig()
	h := newEngineHarness(t, cfg, twoPageScript(cfg), nil)
	h.sink.failPages["A"] = true

	summary, err := h.engine.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, summary.BatchesFailed)
	require.Equal(t, 1, summary.Batches)
	require.Equal(t, 1, summary.Rows)
	_, ok := h.sink.Row("B")
	require.True(t, ok)

	failed := 0
	for _, evt := range h.recorder.Filter(progress.StageBatch) {
		if evt.Outcome == progress.OutcomeFailed {
			failed++
			require.Contains(t, evt.Note, "stub db down")
		}
	}
	require.Equal(t, 1, failed)
}

func TestEngineExportFailureReturnsSummary(t *testing.T) {
	t.Parallel()

	cfg := testEngineConfig()
	h := newEngineHarness(t, cfg, twoPageScript(cfg), nil)
	h.sink.exportErr = fmt.Errorf("%w: disk full", ErrIO)

	summary, err := h.engine.Run(context.Background())
	require.ErrorIs(t, err, ErrIO)
	require.ErrorIs(t, err, ErrExport)
	require.Equal(t, 2, summary.Rows)
	require.False(t, summary.Exported)
}

func TestEngineCancellationStopsNewFetches(t *testing.T) {
	t.Parallel()

	cfg := testEngineConfig()
	h := newEngineHarness(t, cfg, twoPageScript(cfg), nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.fetcher.onCall = func(url string) {
		if url == cfg.DetailURL("A") {
			cancel()
		}
	}

	summary, err := h.engine.Run(ctx)
	require.NoError(t, err)
	require.True(t, summary.Canceled)
	require.Zero(t, h.fetcher.Calls(cfg.PageURL(1)))
	require.Zero(t, h.fetcher.Calls(cfg.DetailURL("B")))

	a, ok := h.sink.Row("A")
	require.True(t, ok, "in-flight page is still persisted")
	require.Equal(t, "Model A", *a.ModelName, "in-flight detail completes")
	for _, ctxErr := range h.sink.ctxErrs {
		require.NoError(t, ctxErr, "upserts run on a detached context")
	}
	require.True(t, summary.Exported, "export runs after cancellation")
}

// gaugeFetcher tracks peak concurrent detail attempts.
type gaugeFetcher struct {
	inner Fetcher
	cur   atomic.Int32
	peak  atomic.Int32
}

func (g *gaugeFetcher) Fetch(ctx context.Context, req FetchRequest) (FetchResponse, error) {
	if strings.Contains(req.URL, "/api/product/") {
		n := g.cur.Add(1)
		for {
			p := g.peak.Load()
			if n <= p || g.peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		defer g.cur.Add(-1)
	}
	return g.inner.Fetch(ctx, req)
}

func TestEngineBoundsDetailConcurrency(t *testing.T) {
	t.Parallel()

	cfg := testEngineConfig()
	cfg.DetailConcurrency = 2
	var listing strings.Builder
	listing.WriteString("pages 1\n")
	script := map[string][]step{}
	for i := range 8 {
		id := fmt.Sprintf("P%d", i)
		fmt.Fprintf(&listing, "%s t%d\n", id, i)
		script[cfg.DetailURL(id)] = []step{{status: http.StatusOK, body: detailBody(id)}}
	}
	script[cfg.PageURL(0)] = []step{{status: http.StatusOK, body: listing.String()}}

	scripted := newScriptedFetcher(script)
	gauge := &gaugeFetcher{inner: scripted}
	h := newEngineHarness(t, cfg, nil, gauge)

	summary, err := h.engine.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 8, summary.Rows)
	require.LessOrEqual(t, gauge.peak.Load(), int32(2))
	require.GreaterOrEqual(t, gauge.peak.Load(), int32(1))
}

func TestEngineMaxPagesCapsEnumeration(t *testing.T) {
	t.Parallel()

	cfg := testEngineConfig()
	cfg.MaxPages = 1
	h := newEngineHarness(t, cfg, twoPageScript(cfg), nil)

	summary, err := h.engine.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, summary.Pages)
	require.Zero(t, h.fetcher.Calls(cfg.PageURL(1)))
}

func TestEngineBackfill(t *testing.T) {
	t.Parallel()

	cfg := testEngineConfig()
	cfg.PageSize = 1
	script := map[string][]step{
		cfg.DetailURL("A"): {{status: http.StatusOK, body: detailBody("A")}},
		cfg.DetailURL("B"): {{status: http.StatusForbidden}},
	}
	h := newEngineHarness(t, cfg, script, nil)
	h.sink.missing = []string{"A", "B"}

	summary, err := h.engine.Backfill(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, summary.Products)
	require.Equal(t, 2, summary.Batches)
	require.Equal(t, 1, summary.DetailsFailed)
	a, ok := h.sink.Row("A")
	require.True(t, ok)
	require.Equal(t, "Model A", *a.ModelName)
	require.Nil(t, a.Images.Side)
	require.Len(t, h.sink.exported, 1)
}

func TestNewEngineValidates(t *testing.T) {
	t.Parallel()

	deps := Deps{
		Fetcher: NewRetryFetcher(newScriptedFetcher(nil), RetryConfig{}),
		Listing: lineListing{},
		Detail:  jsonDetail{},
		Sink:    newStubSink(),
		Schema:  MultiImageSchema,
		IDs:     &sequenceIDs{},
	}
	_, err := NewEngine(testEngineConfig(), deps)
	require.NoError(t, err)

	cfg := testEngineConfig()
	cfg.DetailURLTemplate = "https://shop.example.com/api/product"
	_, err = NewEngine(cfg, deps)
	require.ErrorContains(t, err, "{id}")

	missing := deps
	missing.Sink = nil
	_, err = NewEngine(testEngineConfig(), missing)
	require.ErrorContains(t, err, "sink")
}

func TestEngineConfigURLs(t *testing.T) {
	t.Parallel()

	cfg := testEngineConfig()
	require.Equal(t, testBaseURL, cfg.PageURL(0))
	require.Equal(t, testBaseURL+"?start=96", cfg.PageURL(2))
	require.Equal(t, "https://shop.example.com/api/product/HQ4%2F1?sitePath=us", cfg.DetailURL("HQ4/1"))
}
