package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/klauspost/compress/gzip"

	"github.com/GreedyKomodoDragon/collection-backup/internal/partition"
	"github.com/GreedyKomodoDragon/collection-backup/internal/scheduler"
	"github.com/GreedyKomodoDragon/collection-backup/internal/source"
	"github.com/GreedyKomodoDragon/collection-backup/internal/storage"
)

// Supported SOURCE_TYPE values
const (
	SourceMongo = "mongo"
	SourceRedis = "redis"
)

// Supported LOG_FORMAT values
const (
	LogFormatText   = "text"
	LogFormatJSON   = "json"
	LogFormatPretty = "pretty"
)

// Config is the complete runtime configuration of the backup service
type Config struct {
	Collections      []string
	RetentionDays    int
	ScheduleTime     scheduler.TimeOfDay
	Location         *time.Location
	Concurrency      int
	UploadRetries    int
	CompressionLevel int

	SourceType string
	Mongo      source.MongoConfig
	Redis      source.RedisConfig

	S3 storage.S3Config

	MetricsAddr string
	LogLevel    slog.Level
	LogFormat   string
}

// LoadDotEnv loads variables from the given files, or ./.env when none are
// given. Variables already set in the environment win. A missing default
// .env file is not an error.
func LoadDotEnv(files ...string) error {
	if len(files) == 0 {
		if _, err := os.Stat(".env"); errors.Is(err, os.ErrNotExist) {
			return nil
		}
	}
	if err := godotenv.Load(files...); err != nil {
		return fmt.Errorf("failed to load env file: %w", err)
	}
	return nil
}

// Load reads the configuration from the environment. Every problem found
// is reported in the returned error, not just the first one.
func Load() (*Config, error) {
	var errs []error
	cfg := &Config{
		RetentionDays:    getEnvInt("BACKUP_RETENTION_DAYS", 30, &errs),
		Concurrency:      getEnvInt("BACKUP_CONCURRENCY", 1, &errs),
		UploadRetries:    getEnvInt("BACKUP_UPLOAD_RETRIES", 0, &errs),
		CompressionLevel: getEnvInt("BACKUP_COMPRESSION_LEVEL", gzip.DefaultCompression, &errs),
		SourceType:       strings.ToLower(getEnvOrDefault("SOURCE_TYPE", SourceMongo)),
		MetricsAddr:      os.Getenv("METRICS_ADDR"),
		LogFormat:        strings.ToLower(getEnvOrDefault("LOG_FORMAT", LogFormatText)),
	}

	collections, err := parseCollections(os.Getenv("BACKUP_COLLECTIONS"))
	if err != nil {
		errs = append(errs, err)
	}
	cfg.Collections = collections

	if cfg.ScheduleTime, err = scheduler.ParseTimeOfDay(getEnvOrDefault("BACKUP_SCHEDULE_TIME", "23:00")); err != nil {
		errs = append(errs, fmt.Errorf("BACKUP_SCHEDULE_TIME: %w", err))
	}

	tz := getEnvOrDefault("BACKUP_TIMEZONE", "Local")
	if cfg.Location, err = time.LoadLocation(tz); err != nil {
		errs = append(errs, fmt.Errorf("BACKUP_TIMEZONE: unknown time zone %q: %w", tz, err))
	}

	if cfg.RetentionDays < 0 {
		errs = append(errs, fmt.Errorf("BACKUP_RETENTION_DAYS must not be negative, got %d", cfg.RetentionDays))
	}
	if cfg.Concurrency < 1 {
		errs = append(errs, fmt.Errorf("BACKUP_CONCURRENCY must be at least 1, got %d", cfg.Concurrency))
	}
	if cfg.UploadRetries < 0 {
		errs = append(errs, fmt.Errorf("BACKUP_UPLOAD_RETRIES must not be negative, got %d", cfg.UploadRetries))
	}
	if cfg.CompressionLevel < gzip.HuffmanOnly || cfg.CompressionLevel > gzip.BestCompression {
		errs = append(errs, fmt.Errorf("BACKUP_COMPRESSION_LEVEL must be between %d and %d, got %d",
			gzip.HuffmanOnly, gzip.BestCompression, cfg.CompressionLevel))
	}

	switch cfg.SourceType {
	case SourceMongo:
		cfg.Mongo = source.MongoConfig{
			URI:      os.Getenv("MONGODB_URI"),
			Database: os.Getenv("MONGODB_DATABASE"),
		}
		if cfg.Mongo.URI == "" {
			errs = append(errs, errors.New("MONGODB_URI is required when SOURCE_TYPE is mongo"))
		}
	case SourceRedis:
		cfg.Redis = source.RedisConfig{
			Host:       getEnvOrDefault("REDIS_HOST", "localhost"),
			Port:       getEnvOrDefault("REDIS_PORT", "6379"),
			Password:   os.Getenv("REDIS_PASSWORD"),
			DB:         getEnvInt("REDIS_DB", 0, &errs),
			TLSEnabled: getEnvOrDefault("REDIS_TLS_ENABLED", "false") == "true",
		}
	default:
		errs = append(errs, fmt.Errorf("SOURCE_TYPE must be %q or %q, got %q", SourceMongo, SourceRedis, cfg.SourceType))
	}

	cfg.S3 = storage.S3Config{
		Bucket:          os.Getenv("S3_BUCKET"),
		Region:          getEnvOrDefault("AWS_REGION", "us-east-1"),
		Endpoint:        os.Getenv("AWS_ENDPOINT_URL"),
		AccessKeyID:     os.Getenv("AWS_ACCESS_KEY_ID"),
		SecretAccessKey: os.Getenv("AWS_SECRET_ACCESS_KEY"),
	}
	if cfg.S3.Bucket == "" {
		errs = append(errs, errors.New("S3_BUCKET environment variable is required"))
	}

	if cfg.LogLevel, err = parseLogLevel(getEnvOrDefault("LOG_LEVEL", "info")); err != nil {
		errs = append(errs, err)
	}
	switch cfg.LogFormat {
	case LogFormatText, LogFormatJSON, LogFormatPretty:
	default:
		errs = append(errs, fmt.Errorf("LOG_FORMAT must be one of text, json, pretty, got %q", cfg.LogFormat))
	}

	if len(errs) > 0 {
		return nil, fmt.Errorf("invalid configuration: %w", errors.Join(errs...))
	}
	return cfg, nil
}

// parseCollections splits a comma-separated list, keeping its order
func parseCollections(raw string) ([]string, error) {
	var collections []string
	for _, part := range strings.Split(raw, ",") {
		if name := strings.TrimSpace(part); name != "" {
			collections = append(collections, name)
		}
	}

	if len(collections) == 0 {
		return nil, errors.New("BACKUP_COLLECTIONS environment variable is required")
	}
	if err := partition.ValidateCollections(collections); err != nil {
		return nil, fmt.Errorf("BACKUP_COLLECTIONS: %w", err)
	}
	return collections, nil
}

func parseLogLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo, fmt.Errorf("LOG_LEVEL: %w", err)
	}
	return level, nil
}

// Helper functions for environment variables
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int, errs *[]error) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	intValue, err := strconv.Atoi(value)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s must be an integer, got %q", key, value))
		return defaultValue
	}
	return intValue
}
