// Package server assembles the catalog crawler from configuration and runs
// one crawl, backfill or export.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"cloud.google.com/go/storage"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/JakeFAU/storefront-catalog/internal/api"
	"github.com/JakeFAU/storefront-catalog/internal/catalog"
	"github.com/JakeFAU/storefront-catalog/internal/clock/system"
	"github.com/JakeFAU/storefront-catalog/internal/config"
	"github.com/JakeFAU/storefront-catalog/internal/crawler"
	"github.com/JakeFAU/storefront-catalog/internal/extract"
	collyfetcher "github.com/JakeFAU/storefront-catalog/internal/fetcher/colly"
	"github.com/JakeFAU/storefront-catalog/internal/hash/sha256"
	"github.com/JakeFAU/storefront-catalog/internal/id/uuid"
	"github.com/JakeFAU/storefront-catalog/internal/policy/ratelimit"
	"github.com/JakeFAU/storefront-catalog/internal/progress"
	progresssinks "github.com/JakeFAU/storefront-catalog/internal/progress/sinks"
	gcsstorage "github.com/JakeFAU/storefront-catalog/internal/storage/gcs"
	localstorage "github.com/JakeFAU/storefront-catalog/internal/storage/local"
	memorystorage "github.com/JakeFAU/storefront-catalog/internal/storage/memory"
	pgstore "github.com/JakeFAU/storefront-catalog/internal/storage/postgres"
)

// Mode selects what Run does.
type Mode string

// Run modes.
const (
	ModeCrawl    Mode = "crawl"
	ModeBackfill Mode = "backfill"
	ModeExport   Mode = "export"
)

// ParseMode resolves a command-line mode.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case "", ModeCrawl:
		return ModeCrawl, nil
	case ModeBackfill, ModeExport:
		return Mode(s), nil
	default:
		return "", fmt.Errorf("unknown mode %q (want crawl, backfill or export)", s)
	}
}

// Exit codes reported by the command.
const (
	ExitOK           = 0
	ExitFatal        = 1
	ExitExportFailed = 2
)

// ExitCode maps a Run error to the process exit status.
func ExitCode(err error) int {
	switch {
	case err == nil:
		return ExitOK
	case errors.Is(err, crawler.ErrExport):
		return ExitExportFailed
	default:
		return ExitFatal
	}
}

// App contains the application's dependencies.
type App struct {
	cfg         *config.Config
	logger      *zap.Logger
	engine      *crawler.Engine
	sink        *catalog.Sink
	store       crawler.CatalogStore
	progressHub *progress.Hub
	registry    *prometheus.Registry
	runs        *api.RunBoard
	apiServer   *api.Server
	gcsClient   *storage.Client
}

// Build creates the application's dependencies.
func Build(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	app := &App{cfg: cfg, logger: logger, registry: prometheus.NewRegistry()}
	app.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	app.logger.Info("building application dependencies",
		zap.String("base_url", cfg.Crawl.BaseURL),
		zap.String("db_driver", cfg.DB.Driver),
		zap.String("schema", cfg.DB.SchemaVariant),
		zap.String("export_path", cfg.Export.Path),
		zap.String("upload", cfg.Export.Upload),
	)

	ok := false
	defer func() {
		if !ok {
			app.Close(context.WithoutCancel(ctx))
		}
	}()

	if err := setupStore(ctx, app); err != nil {
		return nil, err
	}
	if err := setupSink(ctx, app); err != nil {
		return nil, err
	}
	if err := setupProgress(ctx, app); err != nil {
		return nil, err
	}
	if err := setupEngine(app); err != nil {
		return nil, err
	}
	if err := setupAPI(app); err != nil {
		return nil, err
	}
	ok = true
	return app, nil
}

func setupStore(ctx context.Context, app *App) error {
	schema, err := crawler.SchemaByName(app.cfg.DB.SchemaVariant)
	if err != nil {
		return err
	}
	policy, err := crawler.ParseMergePolicy(app.cfg.DB.MergePolicy)
	if err != nil {
		return err
	}
	switch app.cfg.DB.Driver {
	case "memory":
		app.logger.Warn("using in-memory catalog store; rows are lost at exit")
		app.store = memorystorage.NewCatalogStore(schema, policy)
	default:
		store, err := pgstore.NewCatalogStore(ctx, pgstore.CatalogStoreConfig{
			DSN:      app.cfg.DB.ConnString(),
			Table:    app.cfg.DB.Table,
			Schema:   schema,
			Policy:   policy,
			MaxConns: app.cfg.DB.MaxConns,
		})
		if err != nil {
			return fmt.Errorf("catalog store init failed: %w", err)
		}
		app.store = store
	}
	if err := app.store.EnsureSchema(ctx); err != nil {
		return fmt.Errorf("catalog schema check failed: %w", err)
	}
	app.logger.Info("catalog store ready",
		zap.String("table", app.cfg.DB.Table),
		zap.String("schema", schema.Name),
		zap.Int("version", schema.Version),
		zap.String("merge_policy", string(policy)),
	)
	return nil
}

func setupSink(ctx context.Context, app *App) error {
	opts := []catalog.Option{
		catalog.WithLogger(app.logger.Named("catalog")),
		catalog.WithClock(system.New()),
		catalog.WithDigester(sha256.New()),
	}
	var blobs crawler.BlobStore
	switch app.cfg.Export.Upload {
	case "gcs":
		client, err := storage.NewClient(ctx)
		if err != nil {
			return fmt.Errorf("gcs client init failed: %w", err)
		}
		app.gcsClient = client
		blobs, err = gcsstorage.New(client, gcsstorage.Config{Bucket: app.cfg.Export.Bucket})
		if err != nil {
			return fmt.Errorf("gcs blob store init failed: %w", err)
		}
		app.logger.Info("exports upload to GCS", zap.String("bucket", app.cfg.Export.Bucket))
	case "local":
		var err error
		blobs, err = localstorage.New(localstorage.Config{BaseDir: app.cfg.Export.BaseDir})
		if err != nil {
			return fmt.Errorf("local blob store init failed: %w", err)
		}
		app.logger.Info("exports copied to local archive", zap.String("base_dir", app.cfg.Export.BaseDir))
	case "memory":
		blobs = memorystorage.NewBlobStore()
	}
	if blobs != nil {
		opts = append(opts, catalog.WithUploader(blobs, app.cfg.Export.Prefix))
	}
	sink, err := catalog.New(app.store, opts...)
	if err != nil {
		return fmt.Errorf("catalog sink init failed: %w", err)
	}
	app.sink = sink
	return nil
}

func setupProgress(ctx context.Context, app *App) error {
	promSink, err := progresssinks.NewPrometheusSink(app.registry)
	if err != nil {
		return fmt.Errorf("progress metrics init failed: %w", err)
	}
	hubCfg := progress.Config{
		BaseContext: context.WithoutCancel(ctx),
		Logger:      app.logger.Named("progress_hub"),
	}
	app.progressHub = progress.NewHub(hubCfg,
		progresssinks.NewLogSink(app.logger.Named("progress_log")),
		promSink,
	)
	return nil
}

func setupEngine(app *App) error {
	cfg := app.cfg
	mode, err := crawler.ParseFailureMode(cfg.Fetch.FailureMode)
	if err != nil {
		return err
	}
	limiter, err := ratelimit.New(ratelimit.Config{
		RPS:        cfg.Fetch.RPS,
		Burst:      cfg.Fetch.Burst,
		Registerer: app.registry,
	})
	if err != nil {
		return fmt.Errorf("rate limiter init failed: %w", err)
	}
	fetcher := collyfetcher.New(collyfetcher.Config{
		UserAgents:   cfg.Fetch.UserAgents,
		IgnoreRobots: cfg.Fetch.IgnoreRobots,
		Timeout:      cfg.Fetch.Timeout,
	})
	retry := crawler.NewRetryFetcher(fetcher, crawler.RetryConfig{
		MaxAttempts:    cfg.Fetch.MaxRetries,
		Backoff:        crawler.NewExponentialBackoff(cfg.Fetch.BackoffBase, cfg.Fetch.BackoffUnit, cfg.Fetch.BackoffMax),
		FailureMode:    mode,
		RequestTimeout: cfg.Fetch.Timeout,
	},
		crawler.WithLimiter(limiter),
		crawler.WithEmitter(app.progressHub),
		crawler.WithLogger(app.logger.Named("fetch")),
	)
	app.logger.Info("fetch policy",
		zap.Int("max_attempts", cfg.Fetch.MaxRetries),
		zap.Float64("backoff_base", cfg.Fetch.BackoffBase),
		zap.Duration("backoff_unit", cfg.Fetch.BackoffUnit),
		zap.String("failure_mode", string(mode)),
		zap.Float64("rps", cfg.Fetch.RPS),
	)

	detailHeaders := http.Header{"Accept": {"application/json"}}
	if cfg.Fetch.Referer != "" {
		detailHeaders.Set("Referer", cfg.Fetch.Referer)
	}
	engine, err := crawler.NewEngine(crawler.EngineConfig{
		BaseURL:           cfg.Crawl.BaseURL,
		PageSize:          cfg.Crawl.PageSize,
		MaxPages:          cfg.Crawl.MaxPages,
		PageConcurrency:   cfg.Crawl.PageConcurrency,
		DetailConcurrency: cfg.Crawl.DetailConcurrency,
		DetailURLTemplate: cfg.Detail.URLTemplate,
		ListingHeaders:    collyfetcher.BrowserHeaders(cfg.Fetch.Referer),
		DetailHeaders:     detailHeaders,
		ListingAttempts:   cfg.ListingAttempts(),
		DetailAttempts:    cfg.DetailAttempts(),
		ExportPath:        cfg.Export.Path,
		PersistTimeout:    cfg.Crawl.PersistTimeout,
		BackfillLimit:     cfg.Crawl.BackfillLimit,
	}, crawler.Deps{
		Fetcher: retry,
		Listing: extract.NewListing(extract.ListingConfig{
			CardSelector:       cfg.Listing.CardSelector,
			IDAttr:             cfg.Listing.IDAttr,
			ImageSelector:      cfg.Listing.ImageSelector,
			ImageAttrs:         cfg.Listing.ImageAttrs,
			PaginationSelector: cfg.Listing.PaginationSelector,
		}),
		Detail:       extract.NewDetail(),
		Sink:         app.sink,
		Schema:       app.store.Schema(),
		ListingPacer: crawler.NewRandomPacer(cfg.Pacing.Listing.Min, cfg.Pacing.Listing.Max),
		DetailPacer:  crawler.NewRandomPacer(cfg.Pacing.Detail.Min, cfg.Pacing.Detail.Max),
		PageGapPacer: crawler.NewRandomPacer(cfg.Pacing.PageGap.Min, cfg.Pacing.PageGap.Max),
		Sleeper:      crawler.TimerSleeper{},
		Emitter:      app.progressHub,
		Clock:        system.New(),
		IDs:          uuid.New(),
		Logger:       app.logger.Named("engine"),
	})
	if err != nil {
		return fmt.Errorf("engine init failed: %w", err)
	}
	app.engine = engine
	return nil
}

func setupAPI(app *App) error {
	app.runs = api.NewRunBoard(0, system.New())
	var ready api.ReadyFunc
	if pinger, ok := app.store.(interface{ Ping(context.Context) error }); ok {
		ready = pinger.Ping
	}
	srv, err := api.NewServer(api.Options{
		Gatherer:   app.registry,
		Registerer: app.registry,
		Ready:      ready,
		Runs:       app.runs,
		Logger:     app.logger.Named("api"),
	})
	if err != nil {
		return fmt.Errorf("api server init failed: %w", err)
	}
	app.apiServer = srv
	return nil
}

// Run executes one mode and blocks until it finishes or ctx is canceled.
// The operator HTTP server runs alongside when metrics.addr is set.
func (a *App) Run(ctx context.Context, mode Mode) (crawler.Summary, error) {
	stopHTTP := a.serveHTTP()
	defer stopHTTP()

	a.runs.Begin(string(mode))
	var (
		summary crawler.Summary
		err     error
	)
	switch mode {
	case ModeBackfill:
		summary, err = a.engine.Backfill(ctx)
	case ModeExport:
		summary, err = a.exportOnly(ctx)
	default:
		summary, err = a.engine.Run(ctx)
	}
	a.runs.Finish(summary, err)
	return summary, err
}

func (a *App) exportOnly(ctx context.Context) (crawler.Summary, error) {
	start := time.Now()
	uri, err := a.sink.ExportAll(ctx, a.cfg.Export.Path)
	summary := crawler.Summary{Duration: time.Since(start)}
	if err != nil {
		a.logger.Error("export failed", zap.Error(err))
		return summary, fmt.Errorf("%w: %w", crawler.ErrExport, err)
	}
	summary.Exported = true
	summary.ExportURI = uri
	a.logger.Info("catalog exported", zap.String("uri", uri))
	return summary, nil
}

func (a *App) serveHTTP() func() {
	if a.cfg.Metrics.Addr == "" {
		return func() {}
	}
	srv := &http.Server{
		Addr:              a.cfg.Metrics.Addr,
		Handler:           a.apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		a.logger.Info("http server started", zap.String("addr", a.cfg.Metrics.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("http server error", zap.Error(err))
		}
	}()
	return func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			a.logger.Error("http server shutdown error", zap.Error(err))
		}
	}
}

// Handler exposes the operator HTTP surface.
func (a *App) Handler() http.Handler {
	return a.apiServer.Handler()
}

// Close gracefully shuts down the application.
func (a *App) Close(ctx context.Context) {
	if a.progressHub != nil {
		if err := a.progressHub.Close(ctx); err != nil {
			a.logger.Warn("progress hub close failed", zap.Error(err))
		}
		if dropped := a.progressHub.Dropped(); dropped > 0 {
			a.logger.Warn("progress events dropped", zap.Int64("dropped", dropped))
		}
	}
	if a.store != nil {
		a.store.Close()
	}
	if a.gcsClient != nil {
		if err := a.gcsClient.Close(); err != nil {
			a.logger.Warn("gcs client close failed", zap.Error(err))
		}
	}
	a.logger.Info("shutdown complete")
}
