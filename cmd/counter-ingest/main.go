package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/septivank/counter-ingest-worker/internal/config"
	"github.com/septivank/counter-ingest-worker/internal/mq"
	"github.com/septivank/counter-ingest-worker/internal/repository"
	"github.com/septivank/counter-ingest-worker/internal/service"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"
)

const (
	startTimeout = 30 * time.Second
	stopTimeout  = 15 * time.Second
)

func main() {
	os.Exit(run())
}

func run() int {
	source := flag.String("source", "", "source to ingest: sftp or html (default PIPELINE_SOURCE)")
	dryRun := flag.Bool("dry-run", false, "run every step but roll back and leave remote files in place")
	status := flag.Bool("status", false, "print the last recorded run as JSON and exit")
	flag.Parse()

	loadEnv()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "configuration error:", err)
		return service.ExitFatal
	}
	if *source != "" {
		cfg.Pipeline.Source = strings.ToLower(*source)
	}
	if *dryRun {
		cfg.Pipeline.DryRun = true
	}
	if !*status {
		if err := cfg.Validate(); err != nil {
			fmt.Fprintln(os.Stderr, "configuration error:", err)
			return service.ExitFatal
		}
	}

	logger, err := newLogger(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, "logger error:", err)
		return service.ExitFatal
	}
	defer logger.Sync()

	var (
		pipeline *service.Pipeline
		repo     *repository.Repository
	)
	targets := []any{&repo}
	if !*status {
		targets = append(targets, &pipeline)
	}

	app := fx.New(
		fx.Supply(cfg, logger),
		fx.WithLogger(func(log *zap.Logger) fxevent.Logger {
			return &fxevent.ZapLogger{Logger: log.Named("fx")}
		}),
		fx.Provide(
			ProvideDBPool,
			ProvideRepository,
			ProvideLocker,
			ProvideAnomalyDetector,
			ProvideValidator,
			ProvideDialer,
			ProvideRowSource,
			ProvideNotifier,
			ProvideRecorder,
			ProvidePipeline,
		),
		fx.Populate(targets...),
	)
	if err := app.Err(); err != nil {
		logger.Error("failed to build application", zap.Error(err))
		return service.ExitFatal
	}

	// Cancellation is only observed between items; the current one finishes.
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	startCtx, startCancel := context.WithTimeout(context.Background(), startTimeout)
	defer startCancel()
	if err := app.Start(startCtx); err != nil {
		if errors.Is(startCtx.Err(), context.DeadlineExceeded) {
			logger.Error("application start timed out, the database or rabbitmq is probably unreachable", zap.Duration("timeout", startTimeout))
		}
		logger.Error("failed to start application", zap.Error(err))
		return service.ExitFatal
	}
	defer func() {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), stopTimeout)
		defer stopCancel()
		if err := app.Stop(stopCtx); err != nil {
			logger.Warn("error stopping app", zap.Error(err))
		}
	}()

	if *status {
		return printStatus(ctx, repo, logger)
	}

	result, err := pipeline.Run(ctx, cfg.Pipeline.Source)
	return service.ExitCode(result, err, cfg.Pipeline.FailOnItemErrors)
}

// loadEnv loads the first .env found in the working directory or up to two
// parents. Missing files are fine in containers.
func loadEnv() {
	var envPaths []string
	if workDir, err := os.Getwd(); err == nil {
		parentDir := filepath.Dir(workDir)
		envPaths = append(envPaths,
			filepath.Join(workDir, ".env"),
			filepath.Join(parentDir, ".env"),
			filepath.Join(filepath.Dir(parentDir), ".env"),
		)
	} else {
		envPaths = append(envPaths, ".env")
	}

	for _, envPath := range envPaths {
		if _, err := os.Stat(envPath); err != nil {
			continue
		}
		if err := godotenv.Load(envPath); err == nil {
			fmt.Fprintf(os.Stderr, "loaded environment from: %s\n", envPath)
			return
		}
	}
}

type statusItem struct {
	Item         string `json:"item"`
	Status       string `json:"status"`
	Reason       string `json:"reason,omitempty"`
	RowsAffected int64  `json:"rows_affected"`
	Error        string `json:"error,omitempty"`
	DurationMs   int64  `json:"duration_ms"`
}

type statusReport struct {
	Run   mq.RunEvent  `json:"run"`
	Items []statusItem `json:"items"`
}

func printStatus(ctx context.Context, repo *repository.Repository, logger *zap.Logger) int {
	last, err := repo.LastRun(ctx)
	if errors.Is(err, repository.ErrNoRuns) {
		fmt.Println("{}")
		return service.ExitOK
	}
	if err != nil {
		logger.Error("failed to read last run", zap.Error(err))
		return service.ExitFatal
	}

	outcomes, err := repo.ItemOutcomes(ctx, last.ID)
	if err != nil {
		logger.Error("failed to read item outcomes", zap.Error(err))
		return service.ExitFatal
	}

	report := statusReport{Run: mq.NewRunEvent(last), Items: make([]statusItem, 0, len(outcomes))}
	for _, o := range outcomes {
		report.Items = append(report.Items, statusItem{
			Item:         o.ItemKey,
			Status:       o.Status,
			Reason:       o.Reason,
			RowsAffected: o.RowsAffected,
			Error:        o.Error,
			DurationMs:   o.Duration.Milliseconds(),
		})
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(report); err != nil {
		logger.Error("failed to write status", zap.Error(err))
		return service.ExitFatal
	}
	return service.ExitOK
}
