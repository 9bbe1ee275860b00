package config

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/paularlott/cli"
	"github.com/robfig/cron/v3"

	"github.com/martinsuchenak/protosync/internal/inherit"
	"github.com/martinsuchenak/protosync/internal/log"
)

const (
	DefaultDataDir      = "./data"
	DefaultListenAddr   = ":8080"
	DefaultDBDriver     = "sqlite"
	DefaultSyncSchedule = "@every 1h"
)

// Config holds the application configuration
type Config struct {
	DataDir      string
	ListenAddr   string
	DBDriver     string // "sqlite" or "postgres" (default: "sqlite")
	DatabaseURL  string // Only for the postgres driver
	APIToken     string
	MCPToken     string
	MaxDepth     int
	SyncSchedule string // Cron spec for the periodic resync, "off" disables it
	ConfigFile   string // Path to .env file (if loaded)
}

// Load loads configuration with the following priority (highest to lowest):
// 1. Command-line parameters (passed as opts)
// 2. .env file (if exists)
// 3. Environment variables
// 4. Default values
func Load(opts *Config) *Config {
	return load(".env", opts)
}

func load(envFile string, opts *Config) *Config {
	cfg := &Config{}

	if _, err := os.Stat(envFile); err == nil {
		if err := loadFromEnvFile(cfg, envFile); err != nil {
			log.Warn("Failed to load .env file", "file", envFile, "error", err)
		} else {
			cfg.ConfigFile = envFile
		}
	}

	cfg.DataDir = coalesce(cfg.DataDir, os.Getenv("PROTOSYNC_DATA_DIR"), DefaultDataDir)
	cfg.ListenAddr = coalesce(cfg.ListenAddr, os.Getenv("PROTOSYNC_LISTEN_ADDR"), DefaultListenAddr)
	cfg.DBDriver = coalesce(cfg.DBDriver, os.Getenv("PROTOSYNC_DB_DRIVER"), DefaultDBDriver)
	cfg.DatabaseURL = coalesce(cfg.DatabaseURL, os.Getenv("PROTOSYNC_DATABASE_URL"))
	cfg.APIToken = coalesce(cfg.APIToken, os.Getenv("PROTOSYNC_API_TOKEN"))
	cfg.MCPToken = coalesce(cfg.MCPToken, os.Getenv("PROTOSYNC_MCP_TOKEN"))
	cfg.SyncSchedule = coalesce(cfg.SyncSchedule, os.Getenv("PROTOSYNC_SYNC_SCHEDULE"), DefaultSyncSchedule)
	if cfg.MaxDepth == 0 {
		cfg.MaxDepth = parseDepth(os.Getenv("PROTOSYNC_MAX_DEPTH"))
	}

	if opts != nil {
		if opts.DataDir != "" {
			cfg.DataDir = opts.DataDir
		}
		if opts.ListenAddr != "" {
			cfg.ListenAddr = opts.ListenAddr
		}
		if opts.DBDriver != "" {
			cfg.DBDriver = opts.DBDriver
		}
		if opts.DatabaseURL != "" {
			cfg.DatabaseURL = opts.DatabaseURL
		}
		if opts.APIToken != "" {
			cfg.APIToken = opts.APIToken
		}
		if opts.MCPToken != "" {
			cfg.MCPToken = opts.MCPToken
		}
		if opts.MaxDepth > 0 {
			cfg.MaxDepth = opts.MaxDepth
		}
		if opts.SyncSchedule != "" {
			cfg.SyncSchedule = opts.SyncSchedule
		}
	}

	if cfg.DBDriver != "sqlite" && cfg.DBDriver != "postgres" {
		log.Warn("Unknown database driver, using sqlite", "driver", cfg.DBDriver)
		cfg.DBDriver = DefaultDBDriver
	}
	if cfg.MaxDepth <= 0 {
		cfg.MaxDepth = inherit.DefaultMaxDepth
	}

	return cfg
}

// loadFromEnvFile loads configuration from a .env file
func loadFromEnvFile(cfg *Config, filename string) error {
	file, err := os.Open(filename)
	if err != nil {
		return err
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		value = strings.Trim(strings.TrimSpace(value), "\"")

		switch key {
		case "PROTOSYNC_DATA_DIR":
			cfg.DataDir = value
		case "PROTOSYNC_LISTEN_ADDR":
			cfg.ListenAddr = value
		case "PROTOSYNC_DB_DRIVER":
			cfg.DBDriver = value
		case "PROTOSYNC_DATABASE_URL":
			cfg.DatabaseURL = value
		case "PROTOSYNC_API_TOKEN":
			cfg.APIToken = value
		case "PROTOSYNC_MCP_TOKEN":
			cfg.MCPToken = value
		case "PROTOSYNC_MAX_DEPTH":
			cfg.MaxDepth = parseDepth(value)
		case "PROTOSYNC_SYNC_SCHEDULE":
			cfg.SyncSchedule = value
		}
	}

	return scanner.Err()
}

// Validate checks settings that cannot be defaulted
func (c *Config) Validate() error {
	if c.DBDriver == "postgres" && c.DatabaseURL == "" {
		return fmt.Errorf("PROTOSYNC_DATABASE_URL is required for the postgres driver")
	}
	if c.SchedulerEnabled() {
		if _, err := cron.ParseStandard(c.SyncSchedule); err != nil {
			return fmt.Errorf("invalid sync schedule %q: %w", c.SyncSchedule, err)
		}
	}
	return nil
}

// SchedulerEnabled reports whether the periodic resync should run
func (c *Config) SchedulerEnabled() bool {
	return c.SyncSchedule != "" && c.SyncSchedule != "off"
}

// IsMCPEnabled checks if MCP authentication is configured
func (c *Config) IsMCPEnabled() bool {
	return c.MCPToken != ""
}

// String returns a string representation of the config source
func (c *Config) String() string {
	if c.ConfigFile != "" {
		return fmt.Sprintf(".env file (%s)", c.ConfigFile)
	}
	return "environment variables"
}

// GetFlags returns the command-line flags that override the configuration
func GetFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{Name: "data-dir", Usage: "Data directory for the SQLite database"},
		&cli.StringFlag{Name: "listen-addr", Usage: "Server listen address (e.g., :8080)"},
		&cli.StringFlag{Name: "db-driver", Usage: "Database driver (sqlite, postgres)"},
		&cli.StringFlag{Name: "database-url", Usage: "PostgreSQL connection URL"},
		&cli.StringFlag{Name: "api-token", Usage: "API bearer token"},
		&cli.StringFlag{Name: "mcp-token", Usage: "MCP bearer token"},
		&cli.IntFlag{Name: "max-depth", Usage: "Maximum template inheritance depth"},
		&cli.StringFlag{Name: "sync-schedule", Usage: "Cron schedule for the periodic resync, or off"},
	}
}

// FromCommand loads the configuration with the flags of cmd on top
func FromCommand(cmd *cli.Command) *Config {
	return Load(&Config{
		DataDir:      cmd.GetString("data-dir"),
		ListenAddr:   cmd.GetString("listen-addr"),
		DBDriver:     cmd.GetString("db-driver"),
		DatabaseURL:  cmd.GetString("database-url"),
		APIToken:     cmd.GetString("api-token"),
		MCPToken:     cmd.GetString("mcp-token"),
		MaxDepth:     cmd.GetInt("max-depth"),
		SyncSchedule: cmd.GetString("sync-schedule"),
	})
}

func parseDepth(s string) int {
	if s == "" {
		return 0
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		log.Warn("Ignoring invalid max depth", "value", s)
		return 0
	}
	return n
}

// coalesce returns the first non-empty string value
func coalesce(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
