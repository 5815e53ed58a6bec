// Package config loads the fixed server configuration record from
// environment variables at startup. All options are read and validated once;
// nothing re-reads the environment after boot.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Environment names the deployment mode.
type Environment string

const (
	EnvDevelopment Environment = "development"
	EnvProduction  Environment = "production"
)

// Config is the server configuration. Loaded once at boot via Load.
type Config struct {
	Host string
	Port int
	Env  Environment

	// RepoRoots are the absolute directories whose children are exposed as
	// repos. At least one is required.
	RepoRoots []string

	// AllowlistEmails and AdminEmails seed the settings store when no
	// settings.json exists yet. Both lowercase.
	AllowlistEmails []string
	AdminEmails     []string

	// Cloudflare Access verification inputs. Required in production.
	CFAccessTeamDomain string
	CFAccessAUD        string

	MaxSessionsPerUser int
	MaxTotalSessions   int
	DisconnectedTTL    time.Duration

	// MaxFileSizeBytes caps file reads and writes on the file API.
	MaxFileSizeBytes int64

	TasksEnabled bool

	// ClaudePath is the assistant binary spawned in every session PTY.
	ClaudePath string

	// DataDir holds settings.json, audit logs, and analytics logs.
	DataDir string

	LogLevel string
}

// IsProduction reports whether the server runs in production mode.
func (c *Config) IsProduction() bool {
	return c.Env == EnvProduction
}

// Addr returns the bind address.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Load reads configuration from the environment, applies defaults, and
// validates. Validation failures are fatal by design: a misconfigured
// gateway must not come up half-working.
func Load() (*Config, error) {
	v := viper.New()
	v.AutomaticEnv()
	// An explicitly empty variable must override the default, not fall
	// through to it; validation decides whether empty is acceptable.
	v.AllowEmptyEnv(true)

	v.SetDefault("HOST", "127.0.0.1")
	v.SetDefault("PORT", 3000)
	v.SetDefault("NODE_ENV", string(EnvDevelopment))
	v.SetDefault("MAX_SESSIONS_PER_USER", 3)
	v.SetDefault("MAX_TOTAL_SESSIONS", 20)
	v.SetDefault("DISCONNECTED_TTL_MINUTES", 20)
	v.SetDefault("MAX_FILE_SIZE_BYTES", 2_000_000)
	v.SetDefault("TASKS_ENABLED", true)
	v.SetDefault("CLAUDE_PATH", "claude")
	v.SetDefault("DATA_DIR", "./data")
	v.SetDefault("LOG_LEVEL", "info")

	cfg := &Config{
		Host:               v.GetString("HOST"),
		Port:               v.GetInt("PORT"),
		Env:                Environment(v.GetString("NODE_ENV")),
		RepoRoots:          splitList(v.GetString("REPO_ROOTS")),
		AllowlistEmails:    normalizeEmails(splitList(v.GetString("ALLOWLIST_EMAILS"))),
		AdminEmails:        normalizeEmails(splitList(v.GetString("ADMIN_EMAILS"))),
		CFAccessTeamDomain: v.GetString("CF_ACCESS_TEAM_DOMAIN"),
		CFAccessAUD:        v.GetString("CF_ACCESS_AUD"),
		MaxSessionsPerUser: v.GetInt("MAX_SESSIONS_PER_USER"),
		MaxTotalSessions:   v.GetInt("MAX_TOTAL_SESSIONS"),
		DisconnectedTTL:    time.Duration(v.GetInt("DISCONNECTED_TTL_MINUTES")) * time.Minute,
		MaxFileSizeBytes:   v.GetInt64("MAX_FILE_SIZE_BYTES"),
		TasksEnabled:       v.GetBool("TASKS_ENABLED"),
		ClaudePath:         v.GetString("CLAUDE_PATH"),
		DataDir:            v.GetString("DATA_DIR"),
		LogLevel:           strings.ToLower(v.GetString("LOG_LEVEL")),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.Env {
	case EnvDevelopment, EnvProduction:
	default:
		return fmt.Errorf("NODE_ENV must be development or production, got %q", c.Env)
	}
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("PORT out of range: %d", c.Port)
	}
	if len(c.RepoRoots) == 0 {
		return fmt.Errorf("REPO_ROOTS is required")
	}
	for _, root := range c.RepoRoots {
		if !filepath.IsAbs(root) {
			return fmt.Errorf("REPO_ROOTS entry is not absolute: %q", root)
		}
		info, err := os.Stat(root)
		if err != nil {
			return fmt.Errorf("REPO_ROOTS entry %q: %w", root, err)
		}
		if !info.IsDir() {
			return fmt.Errorf("REPO_ROOTS entry is not a directory: %q", root)
		}
	}
	if c.IsProduction() {
		if c.CFAccessAUD == "" {
			return fmt.Errorf("CF_ACCESS_AUD is required in production")
		}
		if c.CFAccessTeamDomain == "" {
			return fmt.Errorf("CF_ACCESS_TEAM_DOMAIN is required in production")
		}
	}
	if c.MaxSessionsPerUser < 1 {
		return fmt.Errorf("MAX_SESSIONS_PER_USER must be positive")
	}
	if c.MaxTotalSessions < c.MaxSessionsPerUser {
		return fmt.Errorf("MAX_TOTAL_SESSIONS (%d) below MAX_SESSIONS_PER_USER (%d)",
			c.MaxTotalSessions, c.MaxSessionsPerUser)
	}
	if c.MaxFileSizeBytes < 1 {
		return fmt.Errorf("MAX_FILE_SIZE_BYTES must be positive")
	}
	if c.ClaudePath == "" {
		return fmt.Errorf("CLAUDE_PATH must not be empty")
	}
	return nil
}

// splitList splits a comma-separated value, trimming whitespace and dropping
// empty items.
func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func normalizeEmails(emails []string) []string {
	out := make([]string, 0, len(emails))
	for _, e := range emails {
		out = append(out, strings.ToLower(e))
	}
	return out
}
