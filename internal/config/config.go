package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Config holds service configuration.
type Config struct {
	ServerAddr  string
	DatabaseURL string
	StoriesDir  string
	LogLevel    zerolog.Level

	// Defaults for sessions created without explicit settings.
	MaxParticipants      int
	VotingTimeout        time.Duration
	AutoAdvanceThreshold float64
	PauseOnDisconnect    bool

	InactivityWindow time.Duration
	SweepInterval    time.Duration
	AllowedOrigins   []string
}

// Load reads configuration from environment.
func Load() (*Config, error) {
	cfg := &Config{
		ServerAddr:           getenv("SERVER_ADDR", "0.0.0.0:8080"),
		DatabaseURL:          os.Getenv("DATABASE_URL"),
		StoriesDir:           getenv("STORIES_DIR", "stories"),
		MaxParticipants:      parseInt(getenv("MAX_PARTICIPANTS", "8"), 8),
		VotingTimeout:        parseDuration(getenv("VOTING_TIMEOUT", "60s"), 60*time.Second),
		AutoAdvanceThreshold: parseFloat(getenv("AUTO_ADVANCE_THRESHOLD", "1.0"), 1.0),
		PauseOnDisconnect:    parseBool(getenv("PAUSE_ON_DISCONNECT", "true"), true),
		InactivityWindow:     parseDuration(getenv("INACTIVITY_WINDOW", "5m"), 5*time.Minute),
		SweepInterval:        parseDuration(getenv("SWEEP_INTERVAL", "30s"), 30*time.Second),
		AllowedOrigins:       splitList(os.Getenv("WS_ORIGINS")),
	}

	level, err := zerolog.ParseLevel(getenv("LOG_LEVEL", "info"))
	if err != nil {
		return nil, fmt.Errorf("parse LOG_LEVEL: %w", err)
	}
	cfg.LogLevel = level

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.MaxParticipants < 1 {
		return fmt.Errorf("MAX_PARTICIPANTS must be at least 1, got %d", c.MaxParticipants)
	}
	if c.VotingTimeout <= 0 {
		return fmt.Errorf("VOTING_TIMEOUT must be positive, got %s", c.VotingTimeout)
	}
	if c.AutoAdvanceThreshold <= 0 || c.AutoAdvanceThreshold > 1 {
		return fmt.Errorf("AUTO_ADVANCE_THRESHOLD must be in (0, 1], got %v", c.AutoAdvanceThreshold)
	}
	if c.InactivityWindow <= 0 {
		return fmt.Errorf("INACTIVITY_WINDOW must be positive, got %s", c.InactivityWindow)
	}
	if c.SweepInterval <= 0 {
		return fmt.Errorf("SWEEP_INTERVAL must be positive, got %s", c.SweepInterval)
	}
	return nil
}

func getenv(key, def string) string {
	val := os.Getenv(key)
	if val == "" {
		return def
	}
	return val
}

func parseDuration(val string, def time.Duration) time.Duration {
	if val == "" {
		return def
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		return def
	}
	return d
}

func parseBool(val string, def bool) bool {
	if val == "" {
		return def
	}
	b, err := strconv.ParseBool(val)
	if err != nil {
		return def
	}
	return b
}

func parseInt(val string, def int) int {
	if val == "" {
		return def
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return def
	}
	return n
}

func parseFloat(val string, def float64) float64 {
	if val == "" {
		return def
	}
	f, err := strconv.ParseFloat(val, 64)
	if err != nil {
		return def
	}
	return f
}

func splitList(val string) []string {
	var out []string
	for _, part := range strings.Split(val, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
