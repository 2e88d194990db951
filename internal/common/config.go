package common

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// Config represents the application configuration
type Config struct {
	Environment string        `toml:"environment"` // "development" or "production"
	Server      ServerConfig  `toml:"server"`
	Portal      PortalConfig  `toml:"portal"`
	Pool        PoolConfig    `toml:"pool"`
	Session     SessionConfig `toml:"session"`
	Queue       QueueConfig   `toml:"queue"`
	Storage     StorageConfig `toml:"storage"`
	Logging     LoggingConfig `toml:"logging"`
	Events      EventsConfig  `toml:"events"`
}

type ServerConfig struct {
	Port int    `toml:"port"`
	Host string `toml:"host"`
}

// PortalConfig holds the ECM portal endpoints and the shared login identity.
type PortalConfig struct {
	BaseURL  string `toml:"base_url"` // Portal root URL
	LoginURL string `toml:"login_url"`
	LoginID  string `toml:"login_id"`
	LoginPW  string `toml:"login_pw"`
}

// PoolConfig controls the headless browser pool.
type PoolConfig struct {
	Size          int           `toml:"size"`           // Number of long-lived browsers (default 5)
	MaxAge        time.Duration `toml:"max_age"`        // Handle TTL before forced disposal
	MaxJobs       int           `toml:"max_jobs"`       // Jobs per handle before forced disposal
	Headless      bool          `toml:"headless"`       // Headless Chrome (always true in production)
	LaunchTimeout time.Duration `toml:"launch_timeout"` // Budget for a single browser launch
	UserAgent     string        `toml:"user_agent"`
}

// SessionConfig controls persisted authentication state.
type SessionConfig struct {
	UserKey            string `toml:"user_key"`            // Partition key for auth_states/<key>.json
	StateDir           string `toml:"state_dir"`           // Directory for serialized session state
	RevalidateSchedule string `toml:"revalidate_schedule"` // Cron spec for periodic session validation
}

type QueueConfig struct {
	Name              string `toml:"name"`               // Queue name prefix in Badger
	Path              string `toml:"path"`               // Badger database directory
	VisibilityTimeout string `toml:"visibility_timeout"` // Redelivery window for in-flight messages
	MaxReceive        int    `toml:"max_receive"`        // Deliveries before a message is dropped
}

type StorageConfig struct {
	SQLite SQLiteConfig `toml:"sqlite"`
}

// SQLiteConfig represents the embedded database configuration
type SQLiteConfig struct {
	Path          string `toml:"path"`
	CacheSizeMB   int    `toml:"cache_size_mb"`
	WALMode       bool   `toml:"wal_mode"`
	BusyTimeoutMS int    `toml:"busy_timeout_ms"`
}

type LoggingConfig struct {
	Level      string   `toml:"level"`       // "debug", "info", "warn", "error"
	Output     []string `toml:"output"`      // "stdout", "file"
	TimeFormat string   `toml:"time_format"` // Time format for logs
}

// EventsConfig controls the WebSocket status push channel.
type EventsConfig struct {
	// Throttle interval for navigation-milestone events. Terminal and
	// lifecycle events are never throttled. Empty disables throttling.
	MilestoneThrottle string `toml:"milestone_throttle"`
}

// NewDefaultConfig creates a configuration with default values.
// Technical parameters are hardcoded here for production stability.
func NewDefaultConfig() *Config {
	return &Config{
		Environment: "development",
		Server: ServerConfig{
			Port: 8080,
			Host: "localhost",
		},
		Pool: PoolConfig{
			Size:          5,
			MaxAge:        1800 * time.Second,
			MaxJobs:       200,
			Headless:      true,
			LaunchTimeout: 30 * time.Second,
			UserAgent:     "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
		},
		Session: SessionConfig{
			UserKey:            "shared",
			StateDir:           "auth_states",
			RevalidateSchedule: "*/30 * * * *",
		},
		Queue: QueueConfig{
			Name:              "ecmlink_jobs",
			Path:              "./data/queue",
			VisibilityTimeout: "5m",
			MaxReceive:        3,
		},
		Storage: StorageConfig{
			SQLite: SQLiteConfig{
				Path:          "./main/data/ecmURL.db",
				CacheSizeMB:   32,
				WALMode:       true,
				BusyTimeoutMS: 5000,
			},
		},
		Logging: LoggingConfig{
			Level:      "info",
			Output:     []string{"stdout", "file"},
			TimeFormat: "15:04:05",
		},
		Events: EventsConfig{
			MilestoneThrottle: "250ms",
		},
	}
}

// LoadFromFiles loads configuration from multiple files with priority:
// defaults -> file1 -> file2 -> ... -> env. Later files override earlier ones.
func LoadFromFiles(paths ...string) (*Config, error) {
	config := NewDefaultConfig()

	for i, path := range paths {
		if path == "" {
			continue
		}

		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}

		if err := toml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s (file %d of %d): %w", path, i+1, len(paths), err)
		}
	}

	applyEnvOverrides(config)

	return config, nil
}

// applyEnvOverrides applies environment variable overrides to config
func applyEnvOverrides(config *Config) {
	if env := os.Getenv("ECMLINK_ENV"); env != "" {
		config.Environment = env
	}

	if port := os.Getenv("ECMLINK_SERVER_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			config.Server.Port = p
		}
	}
	if host := os.Getenv("ECMLINK_SERVER_HOST"); host != "" {
		config.Server.Host = host
	}

	if v := os.Getenv("POOL_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			config.Pool.Size = n
		}
	}
	if v := os.Getenv("BROWSER_MAX_AGE_SEC"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			config.Pool.MaxAge = time.Duration(n) * time.Second
		}
	}
	if v := os.Getenv("BROWSER_MAX_JOBS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			config.Pool.MaxJobs = n
		}
	}
	if v := os.Getenv("PW_HEADLESS"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			config.Pool.Headless = b
		}
	}

	if v := os.Getenv("PORTAL_BASE_URL"); v != "" {
		config.Portal.BaseURL = v
	}
	if v := os.Getenv("LOGIN_URL"); v != "" {
		config.Portal.LoginURL = v
	}
	if v := os.Getenv("LOGIN_ID"); v != "" {
		config.Portal.LoginID = v
	}
	if v := os.Getenv("LOGIN_PW"); v != "" {
		config.Portal.LoginPW = v
	}
	if v := os.Getenv("USER_KEY"); v != "" {
		config.Session.UserKey = v
	}

	if v := os.Getenv("ECMLINK_LOG_LEVEL"); v != "" {
		config.Logging.Level = v
	}
	if v := os.Getenv("ECMLINK_SQLITE_PATH"); v != "" {
		config.Storage.SQLite.Path = v
	}
	if v := os.Getenv("ECMLINK_QUEUE_PATH"); v != "" {
		config.Queue.Path = v
	}
}

// ApplyFlagOverrides applies command-line flag overrides (highest priority)
func ApplyFlagOverrides(config *Config, port int, host string) {
	if port != 0 {
		config.Server.Port = port
	}
	if host != "" {
		config.Server.Host = host
	}
}

// VisibilityTimeoutDuration parses the queue visibility timeout with a safe fallback.
func (q QueueConfig) VisibilityTimeoutDuration() time.Duration {
	d, err := time.ParseDuration(q.VisibilityTimeout)
	if err != nil || d <= 0 {
		return 5 * time.Minute
	}
	return d
}
