package config

import (
	"log"
	"net/url"
	"os"
	"strconv"
	"sync"
	"time"
)

// Config holds all runtime configuration for the relay. Values are sourced
// from the process environment; anything missing or invalid falls back to a
// safe default so the relay can always start.
type Config struct {
	Port              int           // HTTP listen port
	BaseURL           string        // Base URL used when rendering links back to this relay
	Secret            string        // Shared signing secret for token verification
	PanelURL          string        // Base URL of the external authorization panel (empty disables panel calls)
	UserAgent         string        // Spoofed client identifier sent on every upstream request
	LogLevel          string        // Minimum log level (DEBUG, INFO, WARN, ERROR)
	Debug             bool          // Convenience flag, true when LogLevel is DEBUG
	ObfuscateUrls     bool          // Obfuscate upstream URLs in log output
	MaxConnections    int           // Maximum concurrent client connections to the relay
	WorkerThreads     int           // Size of the shared worker pool
	HeartbeatInterval time.Duration // Interval between authorization renew calls per subscriber
	PanelTimeout      time.Duration // Timeout for blocking panel check calls
	RedirectHops      int           // Maximum upstream redirect hops before failing
	PrefetchCapBytes  int64         // Upper size bound for a prefetched segment body
	SegmentCacheTTL   time.Duration // How long fetched segment bodies stay reusable
	PollMin           time.Duration // Lower clamp for the playlist poll interval
	PollMax           time.Duration // Upper clamp for the playlist poll interval
	StallWindow       time.Duration // How long a live session may go without a new segment
	BufferSizeKB      int           // Chunk size for upstream reads, in KB
}

var (
	configCache *Config
	configMutex sync.RWMutex
)

// Load reads the configuration from the process environment or returns the
// cached instance. Uses double-checked locking so concurrent callers during
// startup never trigger redundant reloads.
func Load() *Config {
	configMutex.RLock()
	if configCache != nil {
		defer configMutex.RUnlock()
		return configCache
	}
	configMutex.RUnlock()

	configMutex.Lock()
	defer configMutex.Unlock()

	// Double-check under write lock
	if configCache != nil {
		return configCache
	}

	cfg := fromEnv()
	validateAndSetDefaults(cfg)
	configCache = cfg

	if cfg.Debug {
		log.Printf("Configuration loaded:")
		log.Printf("  Port: %d", cfg.Port)
		log.Printf("  Panel URL: %s", cfg.PanelURL)
		log.Printf("  Heartbeat Interval: %s", cfg.HeartbeatInterval)
		log.Printf("  Redirect Hops: %d", cfg.RedirectHops)
		log.Printf("  Obfuscate URLs: %v", cfg.ObfuscateUrls)
		log.Printf("  Max Connections: %d", cfg.MaxConnections)
	}

	return cfg
}

// ClearCache resets the cached configuration, forcing a reload from the
// environment on the next Load call.
func ClearCache() {
	configMutex.Lock()
	defer configMutex.Unlock()
	configCache = nil
}

// fromEnv builds a Config from KRELAY_* environment variables. Unset values
// are left at their zero value and filled by validateAndSetDefaults.
func fromEnv() *Config {
	return &Config{
		Port:              envInt("KRELAY_PORT"),
		BaseURL:           os.Getenv("KRELAY_BASE_URL"),
		Secret:            os.Getenv("KRELAY_SECRET"),
		PanelURL:          os.Getenv("KRELAY_PANEL_URL"),
		UserAgent:         os.Getenv("KRELAY_USER_AGENT"),
		LogLevel:          os.Getenv("KRELAY_LOG_LEVEL"),
		ObfuscateUrls:     envBool("KRELAY_OBFUSCATE_URLS"),
		MaxConnections:    envInt("KRELAY_MAX_CONNECTIONS"),
		WorkerThreads:     envInt("KRELAY_WORKER_THREADS"),
		HeartbeatInterval: envDuration("KRELAY_HEARTBEAT_INTERVAL"),
		PanelTimeout:      envDuration("KRELAY_PANEL_TIMEOUT"),
		RedirectHops:      envInt("KRELAY_REDIRECT_HOPS"),
		PrefetchCapBytes:  int64(envInt("KRELAY_PREFETCH_CAP_MB")) * 1024 * 1024,
		SegmentCacheTTL:   envDuration("KRELAY_SEGMENT_CACHE_TTL"),
		PollMin:           envDuration("KRELAY_POLL_MIN"),
		PollMax:           envDuration("KRELAY_POLL_MAX"),
		StallWindow:       envDuration("KRELAY_STALL_WINDOW"),
		BufferSizeKB:      envInt("KRELAY_BUFFER_SIZE_KB"),
	}
}

// validateAndSetDefaults ensures all config values are usable, filling in
// defaults for missing or invalid ones.
func validateAndSetDefaults(cfg *Config) {
	if cfg.Port <= 0 || cfg.Port > 65535 {
		cfg.Port = 8080
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "http://localhost:8080"
	}
	if cfg.Secret == "" {
		cfg.Secret = "VpsManagerStrongKey"
	}
	if cfg.PanelURL != "" {
		if _, err := url.Parse(cfg.PanelURL); err != nil {
			log.Printf("Invalid panel URL %q, panel calls disabled", cfg.PanelURL)
			cfg.PanelURL = ""
		}
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "XCIPTV (Linux; Android 10; SM-G960F) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/88.0.4324.181 Mobile Safari/537.36"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "INFO"
	}
	cfg.Debug = cfg.LogLevel == "DEBUG" || cfg.LogLevel == "debug"
	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = 100
	}
	if cfg.WorkerThreads <= 0 {
		cfg.WorkerThreads = 8
	}
	// Renew cadence is bounded so a revoked entitlement is noticed promptly
	// without hammering the panel.
	if cfg.HeartbeatInterval < 15*time.Second || cfg.HeartbeatInterval > 30*time.Second {
		cfg.HeartbeatInterval = 20 * time.Second
	}
	if cfg.PanelTimeout <= 0 {
		cfg.PanelTimeout = 5 * time.Second
	}
	if cfg.RedirectHops <= 0 {
		cfg.RedirectHops = 5
	}
	if cfg.PrefetchCapBytes <= 0 {
		cfg.PrefetchCapBytes = 16 * 1024 * 1024
	}
	if cfg.SegmentCacheTTL <= 0 {
		cfg.SegmentCacheTTL = 30 * time.Second
	}
	if cfg.PollMin <= 0 {
		cfg.PollMin = 1 * time.Second
	}
	if cfg.PollMax <= 0 || cfg.PollMax < cfg.PollMin {
		cfg.PollMax = 10 * time.Second
	}
	if cfg.StallWindow <= 0 {
		cfg.StallWindow = 30 * time.Second
	}
	if cfg.BufferSizeKB <= 0 {
		cfg.BufferSizeKB = 32
	}
}

func envInt(key string) int {
	v := os.Getenv(key)
	if v == "" {
		return 0
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		log.Printf("Invalid integer for %s: %q", key, v)
		return 0
	}
	return n
}

func envBool(key string) bool {
	v := os.Getenv(key)
	return v == "1" || v == "true" || v == "TRUE" || v == "yes"
}

func envDuration(key string) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return 0
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		log.Printf("Invalid duration for %s: %q", key, v)
		return 0
	}
	return d
}
