package core

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/dilsor/dilsor/core/internal/exec"
	"github.com/dilsor/dilsor/core/internal/learn"
)

// Config is the engine configuration. Zero values take sensible defaults;
// see the individual groups.
type Config struct {
	// AppName is used as the application_name session parameter.
	AppName string `mapstructure:"app_name" json:"app_name,omitempty"`

	// StorePath is the embedded metadata database. ":memory:" keeps it
	// ephemeral.
	StorePath string `mapstructure:"store_path" json:"store_path,omitempty"`

	// Databases are the target databases registered at startup. More can be
	// added at runtime through RegisterDatabase.
	Databases map[string]DatabaseConfig `mapstructure:"databases" json:"databases,omitempty"`

	Pool      exec.PoolConfig `mapstructure:"pool" json:"pool"`
	Executor  exec.Config     `mapstructure:"executor" json:"executor"`
	LM        LMConfig        `mapstructure:"lm" json:"lm"`
	Retrieval RetrievalConfig `mapstructure:"retrieval" json:"retrieval"`
	Safety    SafetyConfig    `mapstructure:"safety" json:"safety"`
	Learning  LearningConfig  `mapstructure:"learning" json:"learning"`

	// RefreshInterval re-runs schema discovery in the background. Zero
	// disables periodic refresh.
	RefreshInterval time.Duration `mapstructure:"refresh_interval" json:"refresh_interval,omitempty"`

	// DrainTimeout bounds how long Close waits for in-flight queries.
	DrainTimeout time.Duration `mapstructure:"drain_timeout" json:"drain_timeout,omitempty"`
}

// DatabaseConfig is one target database entry.
type DatabaseConfig struct {
	exec.ConnConfig `mapstructure:",squash" json:",inline"`

	// Label is the human-readable name; defaults to the map key.
	Label string `mapstructure:"label" json:"label,omitempty"`

	// Blocklist names tables skipped during discovery.
	Blocklist []string `mapstructure:"blocklist" json:"blocklist,omitempty"`

	// Deep enables index discovery.
	Deep bool `mapstructure:"deep_introspection" json:"deep_introspection,omitempty"`
}

// LMConfig configures the optional language-model backend. An empty URL
// leaves the engine in deterministic template mode.
type LMConfig struct {
	URL    string `mapstructure:"url" json:"url,omitempty" validate:"omitempty,url"`
	APIKey string `mapstructure:"api_key" json:"-"`

	ModelUnderstand string `mapstructure:"model_understand" json:"model_understand,omitempty"`
	ModelSQL        string `mapstructure:"model_sql" json:"model_sql,omitempty"`

	TemperatureUnderstand float64       `mapstructure:"temperature_understand" json:"temperature_understand,omitempty" validate:"gte=0,lte=2"`
	TemperatureSQL        float64       `mapstructure:"temperature_sql" json:"temperature_sql,omitempty" validate:"gte=0,lte=2"`
	TopP                  float64       `mapstructure:"top_p" json:"top_p,omitempty" validate:"gte=0,lte=1"`
	Timeout               time.Duration `mapstructure:"timeout" json:"timeout,omitempty"`

	// Embeddings endpoint; empty falls back to the deterministic local
	// embedder.
	EmbeddingURL   string `mapstructure:"embedding_url" json:"embedding_url,omitempty" validate:"omitempty,url"`
	EmbeddingModel string `mapstructure:"embedding_model" json:"embedding_model,omitempty"`
}

// RetrievalConfig tunes the context retrieval stage.
type RetrievalConfig struct {
	TopK      int `mapstructure:"top_k" json:"top_k" validate:"gte=0,lte=100"`
	CacheSize int `mapstructure:"cache_size" json:"cache_size"`
}

// SafetyConfig tunes the SQL safety layer.
type SafetyConfig struct {
	MaxSQLLength    int `mapstructure:"max_sql_length" json:"max_sql_length"`
	MaxPromptLength int `mapstructure:"max_prompt_length" json:"max_prompt_length"`
}

// LearningConfig tunes the adaptive store.
type LearningConfig struct {
	PatternTTL  time.Duration `mapstructure:"pattern_ttl" json:"pattern_ttl,omitempty"`
	VocabTTL    time.Duration `mapstructure:"vocab_ttl" json:"vocab_ttl,omitempty"`
	MaxPatterns int           `mapstructure:"max_patterns" json:"max_patterns,omitempty"`
}

func (lc LearningConfig) toLearn() learn.Config {
	return learn.Config{
		PatternTTL:  lc.PatternTTL,
		VocabTTL:    lc.VocabTTL,
		MaxPatterns: lc.MaxPatterns,
	}
}

var validate = validator.New()

// withDefaults fills unset fields.
func (c *Config) withDefaults() {
	if c.StorePath == "" {
		c.StorePath = "dilsor.db"
	}
	if c.Retrieval.TopK <= 0 {
		c.Retrieval.TopK = 20
	}
	if c.LM.Timeout <= 0 {
		c.LM.Timeout = 30 * time.Second
	}
	if c.DrainTimeout <= 0 {
		c.DrainTimeout = 30 * time.Second
	}
}

// Validate checks structural constraints. Called by New before anything is
// opened.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	for name, dc := range c.Databases {
		if dc.ConnString == "" && dc.Database == "" {
			return fmt.Errorf("config: database %q needs a connection string or database name", name)
		}
	}
	return nil
}
