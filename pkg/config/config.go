// Package config loads engine configuration from the environment and
// mission profiles from YAML files.
package config

import "os"

// Config holds process-level configuration.
type Config struct {
	LogLevel         string
	RecordsPath      string
	HaltsPath        string
	DatabaseURL      string
	RedisAddr        string
	ArchiveBucket    string
	ArchiveRegion    string
	CorrectionMode   string
	ProvenanceSecret string
}

// Load reads configuration from environment variables with local-dev
// defaults.
func Load() *Config {
	logLevel := os.Getenv("LOG_LEVEL")
	if logLevel == "" {
		logLevel = "INFO"
	}

	records := os.Getenv("KEEL_RECORDS_PATH")
	if records == "" {
		records = "keel-records.jsonl"
	}

	halts := os.Getenv("KEEL_HALTS_PATH")
	if halts == "" {
		halts = "keel-halts.jsonl"
	}

	mode := os.Getenv("KEEL_CORRECTION_MODE")
	if mode == "" {
		mode = "direct"
	}

	return &Config{
		LogLevel:         logLevel,
		RecordsPath:      records,
		HaltsPath:        halts,
		DatabaseURL:      os.Getenv("KEEL_DATABASE_URL"),
		RedisAddr:        os.Getenv("KEEL_REDIS_ADDR"),
		ArchiveBucket:    os.Getenv("KEEL_ARCHIVE_BUCKET"),
		ArchiveRegion:    os.Getenv("KEEL_ARCHIVE_REGION"),
		CorrectionMode:   mode,
		ProvenanceSecret: os.Getenv("KEEL_PROVENANCE_SECRET"),
	}
}
