package logging

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// NewLogger creates a new structured logger
func NewLogger(serviceName, level string) (*zap.Logger, error) {
	config := zap.NewProductionConfig()
	config.InitialFields = map[string]interface{}{
		"service": serviceName,
	}

	if level != "" {
		lvl, err := zapcore.ParseLevel(level)
		if err != nil {
			return nil, err
		}
		config.Level = zap.NewAtomicLevelAt(lvl)
	}

	logger, err := config.Build()
	if err != nil {
		return nil, err
	}

	return logger, nil
}

// WithRun returns a logger carrying the run_id and source fields
func WithRun(logger *zap.Logger, runID, source string) *zap.Logger {
	return logger.With(zap.String("run_id", runID), zap.String("source", source))
}

// WithItem returns a logger with the item field (filename or row key)
func WithItem(logger *zap.Logger, item string) *zap.Logger {
	return logger.With(zap.String("item", item))
}
