package config

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/chrbradley/constitutional-reasoning-engine-sub000/pkg/backend"
	"github.com/chrbradley/constitutional-reasoning-engine-sub000/pkg/truncation"
)

// Config is the fully resolved crengine configuration.
type Config struct {
	Data     DataConfig     `mapstructure:"data"`
	Catalog  CatalogConfig  `mapstructure:"catalog"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Run      RunConfig      `mapstructure:"run"`
	Backends BackendsConfig `mapstructure:"backends"`
	Ledger   LedgerConfig   `mapstructure:"ledger"`
	Mirror   MirrorConfig   `mapstructure:"mirror"`
	Server   ServerConfig   `mapstructure:"server"`
}

// DataConfig locates persisted experiment state.
type DataConfig struct {
	Root string `mapstructure:"root"`
}

// CatalogConfig locates the scenario/constitution/model catalog.
type CatalogConfig struct {
	Path string `mapstructure:"path"`
}

// LoggingConfig controls the CLI logger.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Profile    string `mapstructure:"profile"`
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
}

// RunConfig tunes trial execution.
type RunConfig struct {
	BatchCooldown  time.Duration `mapstructure:"batch_cooldown"`
	EvaluatorDelay time.Duration `mapstructure:"evaluator_delay"`
	MaxRetries     int           `mapstructure:"max_retries"`
	Temperature    float64       `mapstructure:"temperature"`
	TokenLadder    []int         `mapstructure:"token_ladder"`
	MaxAttempts    int           `mapstructure:"max_attempts"`
	StaleAfter     time.Duration `mapstructure:"stale_after"`
	FactsModel     string        `mapstructure:"facts_model"`
	Dimensions     []string      `mapstructure:"dimensions"`
}

// Ladder returns the configured token ladder.
func (r RunConfig) Ladder() truncation.Ladder {
	return truncation.Ladder(append([]int(nil), r.TokenLadder...))
}

// BackendConfig configures one model provider.
type BackendConfig struct {
	APIKey     string        `mapstructure:"api_key"`
	BaseURL    string        `mapstructure:"base_url"`
	Timeout    time.Duration `mapstructure:"timeout"`
	RateLimit  float64       `mapstructure:"rate_limit"`
	MaxRetries int           `mapstructure:"max_retries"`
}

// Client converts the section into a backend client configuration.
func (b BackendConfig) Client() backend.Config {
	c := backend.DefaultConfig()
	c.APIKey = b.APIKey
	c.BaseURL = b.BaseURL
	if b.Timeout > 0 {
		c.Timeout = b.Timeout
	}
	c.RateLimit = b.RateLimit
	c.MaxRetries = b.MaxRetries
	return c
}

// BackendsConfig holds one section per provider.
type BackendsConfig struct {
	Anthropic  BackendConfig `mapstructure:"anthropic"`
	OpenAI     BackendConfig `mapstructure:"openai"`
	XAI        BackendConfig `mapstructure:"xai"`
	OpenRouter BackendConfig `mapstructure:"openrouter"`
	Gemini     BackendConfig `mapstructure:"gemini"`
}

// Clients returns the per-provider client configuration.
func (b BackendsConfig) Clients() map[backend.Provider]backend.Config {
	return map[backend.Provider]backend.Config{
		backend.ProviderAnthropic:  b.Anthropic.Client(),
		backend.ProviderOpenAI:     b.OpenAI.Client(),
		backend.ProviderXAI:        b.XAI.Client(),
		backend.ProviderOpenRouter: b.OpenRouter.Client(),
		backend.ProviderGemini:     b.Gemini.Client(),
	}
}

// LedgerConfig controls the SQLite call ledger.
type LedgerConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

// ResolvedPath returns the ledger database path, defaulting to ledger.db
// under the data root.
func (l LedgerConfig) ResolvedPath(dataRoot string) string {
	if strings.TrimSpace(l.Path) != "" {
		return l.Path
	}
	return filepath.Join(dataRoot, "ledger.db")
}

// MirrorConfig controls artifact mirroring.
type MirrorConfig struct {
	S3 S3MirrorConfig `mapstructure:"s3"`
}

// S3MirrorConfig is the S3 destination. Mirroring is off when Bucket is
// empty.
type S3MirrorConfig struct {
	Bucket         string `mapstructure:"bucket"`
	Prefix         string `mapstructure:"prefix"`
	Region         string `mapstructure:"region"`
	Endpoint       string `mapstructure:"endpoint"`
	Profile        string `mapstructure:"profile"`
	ForcePathStyle bool   `mapstructure:"force_path_style"`
}

// Enabled reports whether a bucket is configured.
func (m S3MirrorConfig) Enabled() bool {
	return strings.TrimSpace(m.Bucket) != ""
}

// ServerConfig controls `crengine serve`.
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

var (
	validLevels   = []string{"debug", "info", "warn", "error"}
	validProfiles = []string{"CONSOLE", "STRUCTURED"}
)

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Data.Root) == "" {
		return fmt.Errorf("data.root must not be empty")
	}
	if !contains(validLevels, strings.ToLower(c.Logging.Level)) {
		return fmt.Errorf("logging.level must be one of %s, got %q", strings.Join(validLevels, ", "), c.Logging.Level)
	}
	if !contains(validProfiles, strings.ToUpper(c.Logging.Profile)) {
		return fmt.Errorf("logging.profile must be one of %s, got %q", strings.Join(validProfiles, ", "), c.Logging.Profile)
	}
	if err := c.Run.Ladder().Validate(); err != nil {
		return fmt.Errorf("run.token_ladder: %w", err)
	}
	if c.Run.MaxAttempts < 1 {
		return fmt.Errorf("run.max_attempts must be >= 1, got %d", c.Run.MaxAttempts)
	}
	if c.Run.MaxRetries < 0 {
		return fmt.Errorf("run.max_retries must be >= 0, got %d", c.Run.MaxRetries)
	}
	if c.Run.BatchCooldown < 0 || c.Run.EvaluatorDelay < 0 || c.Run.StaleAfter < 0 {
		return fmt.Errorf("run durations must not be negative")
	}
	if len(c.Run.Dimensions) == 0 {
		return fmt.Errorf("run.dimensions must not be empty")
	}
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be in 0-65535, got %d", c.Server.Port)
	}
	return nil
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
