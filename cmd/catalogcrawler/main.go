package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/JakeFAU/storefront-catalog/internal/config"
	"github.com/JakeFAU/storefront-catalog/internal/logging"
	"github.com/JakeFAU/storefront-catalog/internal/server"
)

func main() {
	os.Exit(run())
}

func run() int {
	cfgPath := flag.String("config", "", "Path to config file")
	modeFlag := flag.String("mode", string(server.ModeCrawl), "crawl, backfill or export")
	flag.Parse()

	mode, err := server.ParseMode(*modeFlag)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return server.ExitFatal
	}
	if err := config.LoadEnvFile(); err != nil {
		fmt.Fprintf(os.Stderr, "load env file failed: %v\n", err)
		return server.ExitFatal
	}
	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config failed: %v\n", err)
		return server.ExitFatal
	}
	logger, err := logging.New(logging.Options{
		Development: cfg.Logging.Development,
		Level:       cfg.Logging.Level,
		Service:     "catalogcrawler",
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init failed: %v\n", err)
		return server.ExitFatal
	}
	defer func() {
		_ = logger.Sync()
	}()
	zap.ReplaceGlobals(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, err := server.Build(ctx, &cfg, logger)
	if err != nil {
		logger.Error("application init failed", zap.Error(err))
		return server.ExitFatal
	}
	defer app.Close(context.WithoutCancel(ctx))

	summary, err := app.Run(ctx, mode)
	code := server.ExitCode(err)
	if err != nil {
		logger.Error("run failed",
			zap.String("mode", string(mode)),
			zap.String("run_id", summary.RunID),
			zap.Int("exit_code", code),
			zap.Error(err),
		)
		return code
	}
	logger.Info("run complete",
		zap.String("mode", string(mode)),
		zap.String("run_id", summary.RunID),
		zap.Int("rows", summary.Rows),
		zap.String("export_uri", summary.ExportURI),
		zap.Bool("canceled", summary.Canceled),
	)
	return code
}
