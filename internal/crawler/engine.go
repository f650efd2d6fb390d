package crawler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/storefront-catalog/internal/progress"
)

// Deps bundles the collaborators an Engine drives.
type Deps struct {
	Fetcher *RetryFetcher
	Listing ListingParser
	Detail  DetailParser
	Sink    CatalogSink
	Schema  Schema

	// ListingPacer runs before every listing fetch, DetailPacer before every
	// detail fetch and PageGapPacer after a page is persisted.
	ListingPacer Pacer
	DetailPacer  Pacer
	PageGapPacer Pacer
	Sleeper      Sleeper

	Emitter progress.Emitter
	Clock   Clock
	IDs     IDGenerator
	Logger  *zap.Logger
}

// Engine orchestrates listing pagination, detail fan-out, merging and
// persistence for one retailer catalog.
type Engine struct {
	cfg     EngineConfig
	fetcher *RetryFetcher
	listing ListingParser
	detail  DetailParser
	sink    CatalogSink
	schema  Schema

	listingPacer Pacer
	detailPacer  Pacer
	pageGapPacer Pacer
	sleeper      Sleeper

	emitter progress.Emitter
	clock   Clock
	ids     IDGenerator
	logger  *zap.Logger
}

var errDetailSkipped = errors.New("detail skipped")

// NewEngine wires an Engine. Missing pacers default to zero delay.
func NewEngine(cfg EngineConfig, deps Deps) (*Engine, error) {
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	switch {
	case deps.Fetcher == nil:
		return nil, errors.New("engine requires a fetcher")
	case deps.Listing == nil:
		return nil, errors.New("engine requires a listing parser")
	case deps.Detail == nil:
		return nil, errors.New("engine requires a detail parser")
	case deps.Sink == nil:
		return nil, errors.New("engine requires a catalog sink")
	case deps.IDs == nil:
		return nil, errors.New("engine requires an id generator")
	}
	if err := deps.Schema.Validate(); err != nil {
		return nil, fmt.Errorf("engine schema: %w", err)
	}
	e := &Engine{
		cfg:          cfg,
		fetcher:      deps.Fetcher,
		listing:      deps.Listing,
		detail:       deps.Detail,
		sink:         deps.Sink,
		schema:       deps.Schema,
		listingPacer: orZeroPacer(deps.ListingPacer),
		detailPacer:  orZeroPacer(deps.DetailPacer),
		pageGapPacer: orZeroPacer(deps.PageGapPacer),
		sleeper:      deps.Sleeper,
		emitter:      deps.Emitter,
		clock:        deps.Clock,
		ids:          deps.IDs,
		logger:       deps.Logger,
	}
	if e.sleeper == nil {
		e.sleeper = TimerSleeper{}
	}
	if e.emitter == nil {
		e.emitter = progress.Nop{}
	}
	if e.clock == nil {
		e.clock = utcClock{}
	}
	if e.logger == nil {
		e.logger = zap.NewNop()
	}
	return e, nil
}

// Run crawls every listing page, persists one batch per page and exports the
// catalog. Only first-page or page-count failures abort the run; those return
// an error matching ErrPageCountDiscovery. An export failure returns an error
// matching ErrExport, and the sink's cause, alongside a complete Summary.
func (e *Engine) Run(ctx context.Context) (Summary, error) {
	r, err := e.start()
	if err != nil {
		return Summary{}, err
	}
	r.logger.Info("crawl started", zap.String("base_url", e.cfg.BaseURL))

	first, err := e.discover(ctx, r)
	if err != nil {
		r.logger.Error("page count discovery failed", zap.Error(err))
		return e.finish(ctx, r, err, false)
	}
	pages := first.PageCount
	if e.cfg.MaxPages > 0 && pages > e.cfg.MaxPages {
		pages = e.cfg.MaxPages
	}
	r.pages.Store(int64(pages))
	r.logger.Info("page count discovered", zap.Int("pages", first.PageCount), zap.Int("crawling", pages))

	var g errgroup.Group
	g.SetLimit(e.cfg.PageConcurrency)
	for page := 0; page < pages; page++ {
		if ctx.Err() != nil {
			r.logger.Warn("cancellation requested, not starting remaining pages", zap.Int("next_page", page))
			break
		}
		var listing *Listing
		if page == 0 {
			listing = &first
		}
		g.Go(func() error {
			e.processPage(ctx, r, page, listing)
			return nil
		})
	}
	_ = g.Wait()
	return e.finish(ctx, r, nil, true)
}

// Backfill re-fetches details for stored products that never received them,
// in batches of PageSize, and exports the catalog afterwards.
func (e *Engine) Backfill(ctx context.Context) (Summary, error) {
	r, err := e.start()
	if err != nil {
		return Summary{}, err
	}
	ids, err := e.sink.ListIncomplete(ctx, e.cfg.BackfillLimit)
	if err != nil {
		err = fmt.Errorf("list incomplete products: %w", err)
		r.logger.Error("backfill aborted", zap.Error(err))
		return e.finish(ctx, r, err, false)
	}
	r.logger.Info("backfill started", zap.Int("products", len(ids)))
	for batch, start := 0, 0; start < len(ids); batch, start = batch+1, start+e.cfg.PageSize {
		if ctx.Err() != nil {
			r.logger.Warn("cancellation requested, stopping backfill", zap.Int("batch", batch))
			break
		}
		end := min(start+e.cfg.PageSize, len(ids))
		chunk := ids[start:end]
		r.pages.Add(1)
		r.products.Add(int64(len(chunk)))
		listing := Listing{Products: make(map[string]string, len(chunk)), Order: chunk}
		records := e.enrich(ctx, r, batch, listing, chunk)
		e.persist(ctx, r, batch, records)
	}
	return e.finish(ctx, r, nil, true)
}

func (e *Engine) start() (*run, error) {
	id, err := e.ids.NewID()
	if err != nil {
		return nil, fmt.Errorf("new run id: %w", err)
	}
	key, err := progress.ParseRunID(id)
	if err != nil {
		return nil, err
	}
	r := &run{
		id:      id,
		key:     key,
		started: e.clock.Now(),
		logger:  e.logger.With(zap.String("run_id", id)),
		seen:    newConcurrentVisitTracker(),
	}
	e.emit(r, progress.Event{Stage: progress.StageRunStart})
	return r, nil
}

func (e *Engine) finish(ctx context.Context, r *run, fatal error, export bool) (Summary, error) {
	var exportErr error
	if export {
		exportErr = e.export(ctx, r)
	}
	summary := r.summary(e.clock.Now(), ctx.Err() != nil)
	fields := summaryFields(summary)
	switch {
	case fatal != nil:
		e.emit(r, progress.Event{Stage: progress.StageRunError, Dur: summary.Duration, Note: fatal.Error()})
		r.logger.Error("crawl failed", append(fields, zap.Error(fatal))...)
		return summary, fatal
	case exportErr != nil:
		e.emit(r, progress.Event{Stage: progress.StageRunError, Dur: summary.Duration, Note: exportErr.Error()})
		r.logger.Error("crawl finished without export", append(fields, zap.Error(exportErr))...)
		return summary, exportErr
	default:
		e.emit(r, progress.Event{Stage: progress.StageRunDone, Dur: summary.Duration, Count: summary.Rows})
		r.logger.Info("crawl finished", fields...)
		return summary, nil
	}
}

// discover fetches the first page and reads the page count from it.
func (e *Engine) discover(ctx context.Context, r *run) (Listing, error) {
	res, err := e.fetchListing(ctx, r, 0)
	if err != nil {
		return Listing{}, fmt.Errorf("%w: first page: %w", ErrPageCountDiscovery, err)
	}
	if len(res.Body) == 0 {
		return Listing{}, fmt.Errorf("%w: first page returned no body (status %d)", ErrPageCountDiscovery, res.StatusCode)
	}
	listing, err := e.listing.ParseListing(res.Body)
	if err != nil {
		return Listing{}, fmt.Errorf("%w: %w", ErrPageCountDiscovery, err)
	}
	if listing.PageCount <= 0 {
		return Listing{}, fmt.Errorf("%w: page count %d", ErrPageCountDiscovery, listing.PageCount)
	}
	return listing, nil
}

// fetchListing applies listing pacing before each fetch and retries once more
// when the first fetch produced no body.
func (e *Engine) fetchListing(ctx context.Context, r *run, page int) (FetchResult, error) {
	url := e.cfg.PageURL(page)
	var (
		res FetchResult
		err error
	)
	for try := 0; try < 2; try++ {
		if try > 0 {
			r.logger.Warn("listing returned no body, retrying once", zap.Int("page", page), zap.String("url", url))
		}
		if pErr := pace(ctx, e.sleeper, e.listingPacer); pErr != nil {
			return FetchResult{}, fmt.Errorf("listing pacing: %w", pErr)
		}
		res, err = e.fetcher.Fetch(ctx, FetchRequest{
			RunID:       r.key,
			URL:         url,
			Headers:     e.cfg.ListingHeaders,
			MaxAttempts: e.cfg.ListingAttempts,
			Component:   string(progress.ComponentListing),
		})
		if len(res.Body) > 0 || ctx.Err() != nil {
			break
		}
	}
	return res, err
}

func (e *Engine) processPage(ctx context.Context, r *run, page int, pre *Listing) {
	logger := r.logger.With(zap.Int("page", page))
	listing := pre
	if listing == nil {
		res, err := e.fetchListing(ctx, r, page)
		switch {
		case err != nil:
			r.pagesFailed.Add(1)
			logger.Warn("listing fetch failed", zap.Error(err))
			e.emit(r, progress.Event{Stage: progress.StagePage, Page: page, Outcome: progress.OutcomeFailed, Note: err.Error()})
			return
		case len(res.Body) == 0:
			r.pagesSkipped.Add(1)
			logger.Warn("listing skipped", zap.Int("status_code", res.StatusCode))
			e.emit(r, progress.Event{Stage: progress.StagePage, Page: page, StatusCode: res.StatusCode, Outcome: progress.OutcomeSkipped})
			return
		}
		parsed, err := e.listing.ParseListing(res.Body)
		if err != nil && len(parsed.Products) == 0 {
			r.pagesEmpty.Add(1)
			logger.Warn("listing structure not recognized", zap.Error(err))
			e.emit(r, progress.Event{Stage: progress.StagePage, Page: page, Outcome: progress.OutcomeEmpty, Note: err.Error()})
			return
		}
		if err != nil {
			logger.Debug("listing parsed with warnings", zap.Error(err))
		}
		listing = &parsed
	}

	var ids []string
	for _, id := range orderedIDs(*listing) {
		if r.seen.MarkIfNew(id) {
			ids = append(ids, id)
		}
	}
	r.products.Add(int64(len(ids)))
	r.duplicates.Add(int64(len(listing.Products) - len(ids)))
	if len(ids) == 0 {
		r.pagesEmpty.Add(1)
		e.emit(r, progress.Event{Stage: progress.StagePage, Page: page, Outcome: progress.OutcomeEmpty})
		return
	}

	records := e.enrich(ctx, r, page, *listing, ids)
	e.persist(ctx, r, page, records)
	e.emit(r, progress.Event{Stage: progress.StagePage, Page: page, Count: len(records), Outcome: progress.OutcomeOK})
	_ = pace(ctx, e.sleeper, e.pageGapPacer)
}

// enrich fetches details for ids concurrently and merges them into their
// listing stubs. Products whose detail failed keep only stub fields.
func (e *Engine) enrich(ctx context.Context, r *run, page int, listing Listing, ids []string) []ProductRecord {
	details := make([]ProductRecord, len(ids))
	fetched := make([]bool, len(ids))

	var g errgroup.Group
	g.SetLimit(e.cfg.DetailConcurrency)
	for i, id := range ids {
		if ctx.Err() != nil {
			r.detailsCanceled.Add(int64(len(ids) - i))
			break
		}
		g.Go(func() error {
			rec, err := e.fetchDetail(ctx, r, id)
			if err == nil {
				details[i] = rec
				fetched[i] = true
				return nil
			}
			r.classifyDetailError(ctx, err)
			r.logger.Warn("detail unavailable, persisting stub",
				zap.Int("page", page),
				zap.String("product_id", id),
				zap.Error(err),
			)
			return nil
		})
	}
	_ = g.Wait()

	out := make([]ProductRecord, 0, len(ids))
	for i, id := range ids {
		stub := e.schema.Stub(id, listing.Products[id])
		if fetched[i] {
			out = append(out, MergeDetail(stub, details[i]))
			continue
		}
		out = append(out, stub)
	}
	return out
}

func (e *Engine) fetchDetail(ctx context.Context, r *run, id string) (ProductRecord, error) {
	if err := pace(ctx, e.sleeper, e.detailPacer); err != nil {
		return ProductRecord{}, fmt.Errorf("detail pacing: %w", err)
	}
	res, err := e.fetcher.Fetch(ctx, FetchRequest{
		RunID:       r.key,
		URL:         e.cfg.DetailURL(id),
		Headers:     e.cfg.DetailHeaders,
		MaxAttempts: e.cfg.DetailAttempts,
		Component:   string(progress.ComponentDetail),
		ProductID:   id,
	})
	if err != nil {
		return ProductRecord{}, fmt.Errorf("fetch detail: %w", err)
	}
	if res.Skipped || len(res.Body) == 0 {
		return ProductRecord{}, fmt.Errorf("%w: status %d", errDetailSkipped, res.StatusCode)
	}
	rec, err := e.detail.ParseDetail(res.Body)
	if err != nil {
		return ProductRecord{}, fmt.Errorf("parse detail: %w", err)
	}
	if rec.ProductID != id {
		return ProductRecord{}, fmt.Errorf("%w: payload id %q does not match %q", ErrMalformedPayload, rec.ProductID, id)
	}
	return rec, nil
}

// persist upserts one batch. Canceling ctx does not abort an upsert already
// started; PersistTimeout bounds it instead.
func (e *Engine) persist(ctx context.Context, r *run, page int, records []ProductRecord) {
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.cfg.PersistTimeout)
	defer cancel()
	start := e.clock.Now()
	err := e.sink.UpsertBatch(pctx, records)
	dur := e.clock.Now().Sub(start)
	if dur < 0 {
		dur = 0
	}
	if err != nil {
		r.batchesFailed.Add(1)
		r.logger.Error("batch upsert failed",
			zap.Int("page", page),
			zap.Strings("product_ids", productIDs(records)),
			zap.Error(err),
		)
		e.emit(r, progress.Event{
			Stage:     progress.StageBatch,
			Component: progress.ComponentSink,
			Page:      page,
			Count:     len(records),
			Outcome:   progress.OutcomeFailed,
			Dur:       dur,
			Note:      err.Error(),
		})
		return
	}
	r.batches.Add(1)
	r.rows.Add(int64(len(records)))
	e.emit(r, progress.Event{
		Stage:     progress.StageBatch,
		Component: progress.ComponentSink,
		Page:      page,
		Count:     len(records),
		Outcome:   progress.OutcomeOK,
		Dur:       dur,
	})
}

// export runs even after cancellation so a partial run still yields a file.
func (e *Engine) export(ctx context.Context, r *run) error {
	if e.cfg.ExportPath == "" {
		return nil
	}
	start := e.clock.Now()
	uri, err := e.sink.ExportAll(context.WithoutCancel(ctx), e.cfg.ExportPath)
	evt := progress.Event{Stage: progress.StageExport, Component: progress.ComponentSink, Page: -1, Dur: max(e.clock.Now().Sub(start), 0)}
	if err != nil {
		evt.Outcome = progress.OutcomeFailed
		evt.Note = err.Error()
		e.emit(r, evt)
		return fmt.Errorf("%w: %w", ErrExport, err)
	}
	r.exportURI = uri
	r.exported = true
	evt.Outcome = progress.OutcomeOK
	evt.URL = uri
	e.emit(r, evt)
	r.logger.Info("catalog exported", zap.String("uri", uri))
	return nil
}

func (e *Engine) emit(r *run, evt progress.Event) {
	evt.RunID = r.key
	evt.TS = e.clock.Now()
	if evt.Component == "" {
		evt.Component = progress.ComponentEngine
	}
	if evt.Stage != progress.StagePage && evt.Stage != progress.StageBatch {
		evt.Page = -1
	}
	e.emitter.Emit(evt)
}

type run struct {
	id      string
	key     [16]byte
	started time.Time
	logger  *zap.Logger
	seen    visitTracker

	pages            atomic.Int64
	pagesFailed      atomic.Int64
	pagesSkipped     atomic.Int64
	pagesEmpty       atomic.Int64
	products         atomic.Int64
	duplicates       atomic.Int64
	detailsFailed    atomic.Int64
	detailsMalformed atomic.Int64
	detailsSkipped   atomic.Int64
	detailsCanceled  atomic.Int64
	batches          atomic.Int64
	batchesFailed    atomic.Int64
	rows             atomic.Int64

	exported  bool
	exportURI string
}

func (r *run) classifyDetailError(ctx context.Context, err error) {
	switch {
	case errors.Is(err, errDetailSkipped):
		r.detailsSkipped.Add(1)
	case errors.Is(err, ErrMalformedPayload):
		r.detailsMalformed.Add(1)
	case ctx.Err() != nil && errors.Is(err, ctx.Err()):
		r.detailsCanceled.Add(1)
	default:
		r.detailsFailed.Add(1)
	}
}

func (r *run) summary(now time.Time, canceled bool) Summary {
	return Summary{
		RunID:            r.id,
		Pages:            int(r.pages.Load()),
		PagesFailed:      int(r.pagesFailed.Load()),
		PagesSkipped:     int(r.pagesSkipped.Load()),
		PagesEmpty:       int(r.pagesEmpty.Load()),
		Products:         int(r.products.Load()),
		Duplicates:       int(r.duplicates.Load()),
		DetailsFailed:    int(r.detailsFailed.Load()),
		DetailsMalformed: int(r.detailsMalformed.Load()),
		DetailsSkipped:   int(r.detailsSkipped.Load()),
		DetailsCanceled:  int(r.detailsCanceled.Load()),
		Batches:          int(r.batches.Load()),
		BatchesFailed:    int(r.batchesFailed.Load()),
		Rows:             int(r.rows.Load()),
		Exported:         r.exported,
		ExportURI:        r.exportURI,
		Canceled:         canceled,
		Duration:         max(now.Sub(r.started), 0),
	}
}

func summaryFields(s Summary) []zap.Field {
	return []zap.Field{
		zap.Int("pages", s.Pages),
		zap.Int("pages_failed", s.PagesFailed),
		zap.Int("pages_skipped", s.PagesSkipped),
		zap.Int("pages_empty", s.PagesEmpty),
		zap.Int("products", s.Products),
		zap.Int("duplicates", s.Duplicates),
		zap.Int("details_failed", s.DetailsFailed),
		zap.Int("details_malformed", s.DetailsMalformed),
		zap.Int("details_skipped", s.DetailsSkipped),
		zap.Int("details_canceled", s.DetailsCanceled),
		zap.Int("batches", s.Batches),
		zap.Int("batches_failed", s.BatchesFailed),
		zap.Int("rows", s.Rows),
		zap.Bool("exported", s.Exported),
		zap.Bool("canceled", s.Canceled),
		zap.Duration("duration", s.Duration),
	}
}

func orderedIDs(l Listing) []string {
	if len(l.Order) > 0 {
		return l.Order
	}
	ids := make([]string, 0, len(l.Products))
	for id := range l.Products {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func productIDs(records []ProductRecord) []string {
	ids := make([]string, 0, len(records))
	for _, rec := range records {
		ids = append(ids, rec.ProductID)
	}
	return ids
}

func orZeroPacer(p Pacer) Pacer {
	if p == nil {
		return ZeroPacer{}
	}
	return p
}
