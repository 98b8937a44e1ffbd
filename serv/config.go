package serv

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/afero"
	"github.com/spf13/viper"

	"github.com/dilsor/dilsor/core"
	"github.com/dilsor/dilsor/serv/internal/util"
)

// Core is the engine configuration embedded into the service config.
type Core = core.Config

// Config is the full service configuration: the engine config plus the
// HTTP-facing settings.
type Config struct {
	Core `mapstructure:",squash"`
	Serv `mapstructure:",squash"`

	hostPort string
	viper    *viper.Viper
}

// Serv carries the HTTP service settings.
type Serv struct {
	// When enabled runs the service with production level defaults
	Production bool `mapstructure:"production"`

	// The default path to find configuration files
	ConfigPath string `mapstructure:"config_path"`

	// Logging level must be one of debug, error, warn, info
	LogLevel string `mapstructure:"log_level"`

	// Logging format: "json" or "console"
	LogFormat string `mapstructure:"log_format"`

	// The host and port the service runs on. Example localhost:8080
	HostPort string `mapstructure:"host_port"`

	// Host to run the service on
	Host string `mapstructure:"host"`

	// Port to run the service on
	Port string `mapstructure:"port"`

	// Enables HTTP compression
	HTTPGZip bool `mapstructure:"http_compress"`

	// Sets the API rate limits
	RateLimiter RateLimiter `mapstructure:"rate_limiter"`

	// Enables reloading the service on config changes. Disabled in production
	WatchAndReload bool `mapstructure:"reload_on_config_change"`

	// Sets the HTTP CORS Access-Control-Allow-Origin header
	AllowedOrigins []string `mapstructure:"cors_allowed_origins"`

	// Sets the HTTP CORS Access-Control-Allow-Headers header
	AllowedHeaders []string `mapstructure:"cors_allowed_headers"`

	// Enables debug logs for CORS
	DebugCORS bool `mapstructure:"cors_debug"`

	// Directory result exports are written to
	ExportPath string `mapstructure:"export_path"`
}

// RateLimiter sets the API rate limits
type RateLimiter struct {
	// The number of events per second
	Rate float64 `mapstructure:"rate"`

	// Bucket a burst of at most 'bucket' number of events
	Bucket int `mapstructure:"bucket"`

	// The header that contains the client ip
	IPHeader string `mapstructure:"ip_header"`
}

// rateLimiterEnable returns true if the rate limiter is enabled
func (c *Config) rateLimiterEnable() bool {
	return c.RateLimiter.Rate > 0 && c.RateLimiter.Bucket > 0
}

// GetConfigName returns the config file name for the environment set in
// the GO_ENV environment variable.
func GetConfigName() string {
	goEnv := strings.TrimSpace(strings.ToLower(os.Getenv("GO_ENV")))

	switch goEnv {
	case "production", "prod":
		return "prod"

	case "staging", "stage":
		return "stage"

	case "testing", "test":
		return "test"

	case "development", "dev", "":
		return "dev"

	default:
		return goEnv
	}
}

// ReadInConfig reads in the config file for the environment specified in
// the GO_ENV environment variable.
func ReadInConfig(configFile string) (*Config, error) {
	return readInConfig(configFile, nil)
}

// ReadInConfigFS is the same as ReadInConfig but takes a filesystem.
func ReadInConfigFS(configFile string, fs afero.Fs) (*Config, error) {
	return readInConfig(configFile, fs)
}

func readInConfig(configFile string, fs afero.Fs) (*Config, error) {
	cp := filepath.Dir(configFile)
	vi := newViper(cp, filepath.Base(configFile))

	if fs != nil {
		vi.SetFs(fs)
	}

	if err := vi.ReadInConfig(); err != nil {
		return nil, err
	}

	if pcf := vi.GetString("inherits"); pcf != "" {
		cf := vi.ConfigFileUsed()
		vi = newViper(cp, pcf)
		if fs != nil {
			vi.SetFs(fs)
		}

		if err := vi.ReadInConfig(); err != nil {
			return nil, err
		}

		if value := vi.GetString("inherits"); value != "" {
			return nil, fmt.Errorf("inherited config '%s' cannot itself inherit '%s'", pcf, value)
		}

		vi.SetConfigFile(cf)

		if err := vi.MergeInConfig(); err != nil {
			return nil, err
		}
	}

	for _, e := range os.Environ() {
		if strings.HasPrefix(e, "DS_") {
			kv := strings.SplitN(e, "=", 2)
			util.SetKeyValue(vi, kv[0], kv[1])
		}
	}

	config := &Config{viper: vi}
	config.ConfigPath = cp

	if err := vi.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to decode config, %v", err)
	}

	return config, nil
}

// NewConfig creates a new configuration from the provided config string.
func NewConfig(config, format string) (*Config, error) {
	if format == "" {
		format = "yaml"
	}

	vi := newViperWithDefaults()
	vi.SetConfigType(format)

	if err := vi.ReadConfig(strings.NewReader(config)); err != nil {
		return nil, err
	}

	c := &Config{viper: vi}

	if err := vi.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("failed to decode config, %v", err)
	}

	return c, nil
}

func newViperWithDefaults() *viper.Viper {
	vi := viper.New()

	vi.SetDefault("host_port", defaultHP)
	vi.SetDefault("log_level", "info")
	vi.SetDefault("log_format", "console")
	vi.SetDefault("http_compress", true)
	vi.SetDefault("store_path", "dilsor.db")

	vi.SetEnvPrefix("DS")
	vi.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	vi.AutomaticEnv()

	return vi
}

func newViper(configPath, configFile string) *viper.Viper {
	vi := newViperWithDefaults()
	vi.SetConfigName(strings.TrimSuffix(configFile, filepath.Ext(configFile)))

	if configPath == "" {
		vi.AddConfigPath("./config")
	} else {
		vi.AddConfigPath(configPath)
	}

	return vi
}

// initConfig resolves the host and port the server binds to.
func (s *dilsorService) initConfig() error {
	hp := strings.SplitN(s.conf.HostPort, ":", 2)

	if len(hp) == 2 {
		if s.conf.Host != "" {
			hp[0] = s.conf.Host
		}
		if s.conf.Port != "" {
			hp[1] = s.conf.Port
		}
		s.conf.hostPort = fmt.Sprintf("%s:%s", hp[0], hp[1])
	}

	if s.conf.hostPort == "" {
		s.conf.hostPort = defaultHP
	}

	if s.conf.ExportPath == "" {
		s.conf.ExportPath = "exports"
	}
	return nil
}
