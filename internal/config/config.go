// Package config loads and validates the configuration of the Web viewer
// plugin from environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
)

// ErrBadConfiguration is returned when a recognised option carries an
// invalid value.
var ErrBadConfiguration = errors.New("bad configuration")

// Config holds the runtime options of the Web viewer.
type Config struct {
	// Port is the HTTP listen port of the plugin.
	Port string

	// OrthancURL is the base URL of the REST API of the hosting DICOM store.
	OrthancURL      string
	OrthancUsername string
	OrthancPassword string

	// CachePath is the root directory holding the blob storage and the
	// cache index. Defaults to <StorageDirectory>/WebViewerCache.
	CachePath string

	// CacheSizeMB bounds the decoded-image bundle, in MiB.
	CacheSizeMB int

	// DecodingThreads is the number of prefetch workers for the
	// decoded-image bundle.
	DecodingThreads int

	// PrefetchDepth is how many slices the prefetch policy schedules
	// after a just-accessed frame (or from the start of a just-accessed
	// series).
	PrefetchDepth int

	Environment string
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%w: %s=%q is not an integer", ErrBadConfiguration, key, v)
	}
	return n, nil
}

// Load reads the configuration from the environment and validates it.
func Load() (*Config, error) {
	cfg := &Config{
		Port:            getEnv("PORT", "8042"),
		OrthancURL:      getEnv("ORTHANC_URL", "http://localhost:8042"),
		OrthancUsername: os.Getenv("ORTHANC_USERNAME"),
		OrthancPassword: os.Getenv("ORTHANC_PASSWORD"),
		Environment:     getEnv("ENVIRONMENT", "development"),
	}

	storageDir := getEnv("STORAGE_DIRECTORY", ".")
	cfg.CachePath = getEnv("WEBVIEWER_CACHE_PATH", filepath.Join(storageDir, "WebViewerCache"))

	var err error
	if cfg.CacheSizeMB, err = getEnvInt("WEBVIEWER_CACHE_SIZE_MB", 100); err != nil {
		return nil, err
	}

	// By default, use half of the available cores for the decoding of
	// DICOM images.
	defaultThreads := runtime.NumCPU() / 2
	if defaultThreads == 0 {
		defaultThreads = 1
	}
	if cfg.DecodingThreads, err = getEnvInt("WEBVIEWER_DECODING_THREADS", defaultThreads); err != nil {
		return nil, err
	}

	if cfg.PrefetchDepth, err = getEnvInt("WEBVIEWER_PREFETCH_DEPTH", 30); err != nil {
		return nil, err
	}

	if cfg.CacheSizeMB <= 0 {
		return nil, fmt.Errorf("%w: WEBVIEWER_CACHE_SIZE_MB must be positive, got %d",
			ErrBadConfiguration, cfg.CacheSizeMB)
	}
	if cfg.DecodingThreads <= 0 {
		return nil, fmt.Errorf("%w: WEBVIEWER_DECODING_THREADS must be positive, got %d",
			ErrBadConfiguration, cfg.DecodingThreads)
	}
	if cfg.PrefetchDepth < 0 {
		return nil, fmt.Errorf("%w: WEBVIEWER_PREFETCH_DEPTH must not be negative, got %d",
			ErrBadConfiguration, cfg.PrefetchDepth)
	}

	return cfg, nil
}

// CacheSizeBytes returns the decoded-image quota in bytes.
func (c *Config) CacheSizeBytes() int64 {
	return int64(c.CacheSizeMB) * 1024 * 1024
}
