package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Source names accepted by PIPELINE_SOURCE and the -source flag
const (
	SourceSFTP = "sftp"
	SourceHTML = "html"
)

// Config holds all application configuration
type Config struct {
	ServiceName string
	LogLevel    string
	Database    DatabaseConfig
	SFTP        SFTPConfig
	HTML        HTMLConfig
	Pipeline    PipelineConfig
	Validation  ValidationConfig
	Anomaly     AnomalyConfig
	Metrics     MetricsConfig
	RabbitMQ    RabbitMQConfig
}

// DatabaseConfig holds database connection settings
type DatabaseConfig struct {
	URL         string
	AutoMigrate bool
}

// SFTPConfig holds the remote drop-box connection settings
type SFTPConfig struct {
	Host           string
	Port           int
	User           string
	Password       string
	PrivateKeyPath string
	KnownHostsPath string
	Timeout        time.Duration
	BaseDir        string
	FilePrefix     string
	MaxFileBytes   int64
}

// Addr returns host:port
func (c SFTPConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// HTMLConfig holds the legacy HTML page source settings
type HTMLConfig struct {
	URL       string
	Timeout   time.Duration
	UserAgent string
	// ColumnMap is the positional fallback used when the header row cannot be mapped
	ColumnMap map[string]int
}

// PipelineConfig holds run-level behaviour
type PipelineConfig struct {
	Source           string
	BatchSize        int
	RunTimeout       time.Duration
	DeleteOnSuccess  bool
	DryRun           bool
	LockName         string
	FailOnItemErrors bool
	ProcessedDirName string
	ErrorsDirName    string
}

// ValidationConfig holds validation settings
type ValidationConfig struct {
	FutureToleranceMinutes int
}

// AnomalyConfig holds anomaly detection settings
type AnomalyConfig struct {
	SpikeThreshold            float64
	MinDataPointsForDetection int
}

// MetricsConfig holds Pushgateway settings; an empty URL disables pushing
type MetricsConfig struct {
	PushgatewayURL string
	Job            string
}

// RabbitMQConfig holds run-event publishing settings; an empty URL disables publishing
type RabbitMQConfig struct {
	URL        string
	Exchange   string
	RoutingKey string
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	columnMap, err := ParseColumnMap(getEnv("HTML_COLUMN_MAP", ""))
	if err != nil {
		return nil, fmt.Errorf("invalid HTML_COLUMN_MAP: %w", err)
	}

	cfg := &Config{
		ServiceName: getEnv("SERVICE_NAME", "counter-ingest-worker"),
		LogLevel:    getEnv("LOG_LEVEL", "info"),
		Database: DatabaseConfig{
			URL:         getEnv("DATABASE_URL", ""),
			AutoMigrate: getEnvAsBool("DATABASE_AUTO_MIGRATE", true),
		},
		SFTP: SFTPConfig{
			Host:           getEnv("SFTP_HOST", ""),
			Port:           getEnvAsInt("SFTP_PORT", 22),
			User:           getEnv("SFTP_USER", ""),
			Password:       getEnv("SFTP_PASSWORD", ""),
			PrivateKeyPath: getEnv("SFTP_PRIVATE_KEY_PATH", ""),
			KnownHostsPath: getEnv("SFTP_KNOWN_HOSTS_PATH", ""),
			Timeout:        getEnvAsSeconds("SFTP_TIMEOUT_SECONDS", 10),
			BaseDir:        getEnv("SFTP_BASE_DIR", "/"),
			FilePrefix:     getEnv("SFTP_FILE_PREFIX", "COPIEUR_MAC"),
			MaxFileBytes:   int64(getEnvAsInt("SFTP_MAX_FILE_BYTES", 1<<20)),
		},
		HTML: HTMLConfig{
			URL:       getEnv("HTML_SOURCE_URL", ""),
			Timeout:   getEnvAsSeconds("HTML_TIMEOUT_SECONDS", 15),
			UserAgent: getEnv("HTML_USER_AGENT", "counter-ingest-worker/1.0"),
			ColumnMap: columnMap,
		},
		Pipeline: PipelineConfig{
			Source:           strings.ToLower(getEnv("PIPELINE_SOURCE", SourceSFTP)),
			BatchSize:        getEnvAsInt("PIPELINE_BATCH_SIZE", 20),
			RunTimeout:       getEnvAsSeconds("PIPELINE_RUN_TIMEOUT_SECONDS", 50),
			DeleteOnSuccess:  getEnvAsBool("PIPELINE_DELETE_ON_SUCCESS", false),
			DryRun:           getEnvAsBool("PIPELINE_DRY_RUN", false),
			LockName:         getEnv("PIPELINE_LOCK_NAME", "counter_ingest"),
			FailOnItemErrors: getEnvAsBool("PIPELINE_FAIL_ON_ITEM_ERRORS", false),
			ProcessedDirName: "processed",
			ErrorsDirName:    "errors",
		},
		Validation: ValidationConfig{
			FutureToleranceMinutes: getEnvAsInt("VALIDATION_FUTURE_TOLERANCE_MINUTES", 1440),
		},
		Anomaly: AnomalyConfig{
			SpikeThreshold:            getEnvAsFloat("ANOMALY_SPIKE_THRESHOLD", 5.0),
			MinDataPointsForDetection: getEnvAsInt("ANOMALY_MIN_DATA_POINTS", 3),
		},
		Metrics: MetricsConfig{
			PushgatewayURL: getEnv("METRICS_PUSHGATEWAY_URL", ""),
			Job:            getEnv("METRICS_JOB", "counter_ingest"),
		},
		RabbitMQ: RabbitMQConfig{
			URL:        getEnv("RABBITMQ_URL", ""),
			Exchange:   getEnv("RABBITMQ_RUN_EXCHANGE", "counter-ingest.runs.exchange"),
			RoutingKey: getEnv("RABBITMQ_RUN_ROUTING_KEY", "counter.ingest.run.finished"),
		},
	}

	// Validate required fields
	if cfg.Database.URL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required but not set in environment variables")
	}

	return cfg, nil
}

// Validate checks the settings required by the selected source
func (c *Config) Validate() error {
	if c.Pipeline.BatchSize <= 0 {
		return fmt.Errorf("PIPELINE_BATCH_SIZE must be positive, got %d", c.Pipeline.BatchSize)
	}
	if c.Pipeline.RunTimeout <= 0 {
		return fmt.Errorf("PIPELINE_RUN_TIMEOUT_SECONDS must be positive")
	}
	if c.Pipeline.LockName == "" {
		return fmt.Errorf("PIPELINE_LOCK_NAME must not be empty")
	}

	switch c.Pipeline.Source {
	case SourceSFTP:
		if c.SFTP.Host == "" {
			return fmt.Errorf("SFTP_HOST is required for source %q", SourceSFTP)
		}
		if c.SFTP.User == "" {
			return fmt.Errorf("SFTP_USER is required for source %q", SourceSFTP)
		}
		if c.SFTP.Password == "" && c.SFTP.PrivateKeyPath == "" {
			return fmt.Errorf("one of SFTP_PASSWORD or SFTP_PRIVATE_KEY_PATH is required for source %q", SourceSFTP)
		}
	case SourceHTML:
		if c.HTML.URL == "" {
			return fmt.Errorf("HTML_SOURCE_URL is required for source %q", SourceHTML)
		}
	default:
		return fmt.Errorf("unknown PIPELINE_SOURCE %q (want %q or %q)", c.Pipeline.Source, SourceSFTP, SourceHTML)
	}

	return nil
}

// ParseColumnMap parses "field=index,field=index" into a map
func ParseColumnMap(raw string) (map[string]int, error) {
	out := map[string]int{}
	if strings.TrimSpace(raw) == "" {
		return out, nil
	}
	for _, pair := range strings.Split(raw, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		name, idx, ok := strings.Cut(pair, "=")
		if !ok {
			return nil, fmt.Errorf("entry %q is not field=index", pair)
		}
		n, err := strconv.Atoi(strings.TrimSpace(idx))
		if err != nil || n < 0 {
			return nil, fmt.Errorf("entry %q has an invalid column index", pair)
		}
		out[strings.ToLower(strings.TrimSpace(name))] = n
	}
	return out, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsSeconds(key string, defaultSeconds int) time.Duration {
	return time.Duration(getEnvAsInt(key, defaultSeconds)) * time.Second
}
