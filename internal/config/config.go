package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all configuration for the tabtrace service.
type Config struct {
	// CDP connection settings
	CDPAddress string
	CDPPort    int

	// HTTP API
	BindAddr         string
	PortCandidates   []string
	PortAutoFallback bool

	// Optional local browser
	LaunchBrowser     bool
	BrowserExecPath   string
	BrowserProfileDir string
	BrowserHeadless   bool
	StartURL          string

	// Logging
	LogLevel string
	LogFile  string

	// Tab matching and behavior
	TabURLFilter   string
	ReloadOnAttach bool

	// Capture behavior
	CaptureHTTP      bool
	CaptureConsole   bool
	CaptureWS        bool
	CaptureSnapshots bool

	// Payload safety limits
	HTTPMaxBodyBytes int
	WSMaxFrameBytes  int

	// Redaction
	PolicyFile        string
	RestrictedDomains []string
	RedactCacheSize   int
	RedactCacheTTL    time.Duration

	// Export
	ExportDir        string
	ExportMaxBytes   int
	ExportWindowMs   int
	ExportBufferSize int
	ExportMaxFileMB  int
	NotifyURL        string
}

// Load reads configuration from environment variables and optional .env file.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	}

	cfg := &Config{
		CDPAddress:        getEnvOrDefault("CHROMIUM_CDP_ADDRESS", "127.0.0.1"),
		CDPPort:           getEnvIntOrDefault("CHROMIUM_CDP_PORT", 9220),
		BindAddr:          getEnvOrDefault("TABTRACE_BIND_ADDR", "127.0.0.1:8190"),
		PortCandidates:    getEnvListOrDefault("TABTRACE_PORT_CANDIDATES", []string{"127.0.0.1:8191", "127.0.0.1:8192", "127.0.0.1:8193"}),
		PortAutoFallback:  getEnvBoolOrDefault("TABTRACE_PORT_AUTO_FALLBACK", true),
		LaunchBrowser:     getEnvBoolOrDefault("TABTRACE_LAUNCH_BROWSER", false),
		BrowserExecPath:   getEnvOrDefault("TABTRACE_BROWSER_PATH", ""),
		BrowserProfileDir: getEnvOrDefault("TABTRACE_BROWSER_PROFILE_DIR", "./browser-profile"),
		BrowserHeadless:   getEnvBoolOrDefault("TABTRACE_BROWSER_HEADLESS", false),
		StartURL:          getEnvOrDefault("TABTRACE_START_URL", "about:blank"),
		LogLevel:          strings.ToLower(getEnvOrDefault("TABTRACE_LOG_LEVEL", "info")),
		LogFile:           getEnvOrDefault("TABTRACE_LOG_FILE", "logs/tabtrace.log"),
		TabURLFilter:      getEnvOrDefault("TABTRACE_TAB_URL_FILTER", ""),
		ReloadOnAttach:    getEnvBoolOrDefault("TABTRACE_RELOAD_ON_ATTACH", false),
		CaptureHTTP:       getEnvBoolOrDefault("TABTRACE_CAPTURE_HTTP", true),
		CaptureConsole:    getEnvBoolOrDefault("TABTRACE_CAPTURE_CONSOLE", true),
		CaptureWS:         getEnvBoolOrDefault("TABTRACE_CAPTURE_WS", true),
		CaptureSnapshots:  getEnvBoolOrDefault("TABTRACE_CAPTURE_SNAPSHOTS", true),
		HTTPMaxBodyBytes:  getEnvIntOrDefault("TABTRACE_HTTP_MAX_BODY_BYTES", 1024*1024),
		WSMaxFrameBytes:   getEnvIntOrDefault("TABTRACE_WS_MAX_FRAME_BYTES", 256*1024),
		PolicyFile:        getEnvOrDefault("TABTRACE_POLICY_FILE", ""),
		RestrictedDomains: getEnvListOrDefault("TABTRACE_RESTRICTED_DOMAINS", nil),
		RedactCacheSize:   getEnvIntOrDefault("TABTRACE_REDACT_CACHE_SIZE", 4096),
		RedactCacheTTL:    getEnvDurationOrDefault("TABTRACE_REDACT_CACHE_TTL", 30*time.Minute),
		ExportDir:         getEnvOrDefault("TABTRACE_EXPORT_DIR", "./exports"),
		ExportMaxBytes:    getEnvIntOrDefault("TABTRACE_EXPORT_MAX_BYTES", 10*1024*1024),
		ExportWindowMs:    getEnvIntOrDefault("TABTRACE_EXPORT_WINDOW_MS", 30_000),
		ExportBufferSize:  getEnvIntOrDefault("TABTRACE_EXPORT_BUFFER_SIZE", 5000),
		ExportMaxFileMB:   getEnvIntOrDefault("TABTRACE_EXPORT_MAX_FILE_MB", 200),
		NotifyURL:         getEnvOrDefault("TABTRACE_NOTIFY_URL", ""),
	}

	if cfg.CDPPort <= 0 || cfg.CDPPort > 65535 {
		return nil, fmt.Errorf("config: CHROMIUM_CDP_PORT out of range: %d", cfg.CDPPort)
	}
	if cfg.RedactCacheSize < 1 {
		cfg.RedactCacheSize = 1
	}
	return cfg, nil
}

// GetCDPURL returns the full CDP HTTP endpoint used by chromedp remote allocator.
func (c *Config) GetCDPURL() string {
	return fmt.Sprintf("http://%s:%d", c.CDPAddress, c.CDPPort)
}

// SlogLevel maps LogLevel onto a slog level, defaulting to info.
func (c *Config) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func getEnvOrDefault(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvIntOrDefault(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func getEnvBoolOrDefault(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			return b
		}
	}
	return defaultVal
}

func getEnvDurationOrDefault(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
	}
	return defaultVal
}

// getEnvListOrDefault splits a comma separated value, dropping empty entries.
func getEnvListOrDefault(key string, defaultVal []string) []string {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	var out []string
	for _, part := range strings.Split(val, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
