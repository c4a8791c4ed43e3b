package main

import (
	"context"
	"net/http"

	"github.com/septivank/counter-ingest-worker/internal/anomaly"
	"github.com/septivank/counter-ingest-worker/internal/config"
	"github.com/septivank/counter-ingest-worker/internal/db"
	"github.com/septivank/counter-ingest-worker/internal/lock"
	"github.com/septivank/counter-ingest-worker/internal/metrics"
	"github.com/septivank/counter-ingest-worker/internal/mq"
	"github.com/septivank/counter-ingest-worker/internal/repository"
	"github.com/septivank/counter-ingest-worker/internal/scrape"
	"github.com/septivank/counter-ingest-worker/internal/service"
	"github.com/septivank/counter-ingest-worker/internal/transport"
	"github.com/septivank/counter-ingest-worker/internal/validator"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// ProvideDBPool creates a new database pool instance
func ProvideDBPool(lc fx.Lifecycle, logger *zap.Logger, cfg *config.Config) (*db.Pool, error) {
	return db.NewPool(lc, logger, db.PoolConfig{
		URL:         cfg.Database.URL,
		AutoMigrate: cfg.Database.AutoMigrate,
	})
}

// ProvideRepository creates a new repository instance
func ProvideRepository(pool *db.Pool) *repository.Repository {
	return repository.NewRepository(pool)
}

// ProvideLocker creates the advisory lock manager
func ProvideLocker(pool *db.Pool, logger *zap.Logger) *lock.Advisory {
	return lock.NewAdvisory(pool, logger)
}

// ProvideAnomalyDetector creates a new anomaly detector instance
func ProvideAnomalyDetector(cfg *config.Config) *anomaly.Detector {
	return anomaly.NewDetector(cfg.Anomaly.SpikeThreshold, cfg.Anomaly.MinDataPointsForDetection)
}

// ProvideValidator creates a new validator instance
func ProvideValidator(cfg *config.Config) *validator.Validator {
	return validator.NewValidator(cfg.Validation.FutureToleranceMinutes)
}

// ProvideDialer creates the SFTP dialer. Nothing connects until a run dials.
func ProvideDialer(cfg *config.Config, logger *zap.Logger) transport.Dialer {
	return transport.NewSFTPDialer(cfg.SFTP, logger)
}

// ProvideRowSource creates the HTML table source
func ProvideRowSource(cfg *config.Config, logger *zap.Logger) service.RowSource {
	return scrape.NewHTMLSource(cfg.HTML, &http.Client{Timeout: cfg.HTML.Timeout}, logger)
}

// ProvideNotifier publishes run events to RabbitMQ, or drops them when
// RABBITMQ_URL is empty
func ProvideNotifier(lc fx.Lifecycle, logger *zap.Logger, cfg *config.Config) (service.Notifier, error) {
	if cfg.RabbitMQ.URL == "" {
		logger.Info("rabbitmq not configured, run events disabled")
		return service.NopNotifier{}, nil
	}

	conn, err := mq.NewConnection(lc, logger, cfg.RabbitMQ.URL, cfg.ServiceName)
	if err != nil {
		return nil, err
	}
	publisher, err := mq.NewPublisher(conn, cfg.RabbitMQ.Exchange, cfg.RabbitMQ.RoutingKey, logger)
	if err != nil {
		return nil, err
	}

	// Hooks stop in reverse order, so the channel closes before the connection.
	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			if err := publisher.Close(); err != nil {
				logger.Warn("failed to close publisher channel", zap.Error(err))
			}
			return nil
		},
	})

	return publisher, nil
}

// ProvideRecorder creates the run metrics
func ProvideRecorder(cfg *config.Config) service.Recorder {
	return metrics.New(cfg.Metrics.PushgatewayURL, cfg.Metrics.Job)
}

// ProvidePipeline creates the ingestion pipeline
func ProvidePipeline(
	repo *repository.Repository,
	locker *lock.Advisory,
	dialer transport.Dialer,
	rows service.RowSource,
	notifier service.Notifier,
	recorder service.Recorder,
	detector *anomaly.Detector,
	validator *validator.Validator,
	cfg *config.Config,
	logger *zap.Logger,
) *service.Pipeline {
	return service.NewPipeline(repo, locker, dialer, rows, notifier, recorder, detector, validator, cfg, logger)
}
