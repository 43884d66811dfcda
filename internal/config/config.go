package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	ProviderOpenAI = "openai"
	ProviderGemini = "gemini"

	DriverMattn   = "sqlite3"
	DriverModernc = "sqlite"

	defaultOpenAIModel = "qwen3-omni"
	defaultGeminiModel = "gemini-1.5-flash-latest"
)

// Config is built once at startup and handed to the components that need it.
type Config struct {
	InferenceURL      string
	InferenceProvider string
	InferenceModel    string
	InferenceAPIKey   string
	GeminiAPIKey      string

	BraveAPIKey  string
	EnableSearch bool

	DatabasePath   string
	DatabaseDriver string

	HTTPPort string
	LogLevel string
}

// SearchConfigured reports whether live search may be attempted at all.
func (c *Config) SearchConfigured() bool {
	return c.EnableSearch && c.BraveAPIKey != ""
}

type fileConfig struct {
	Server struct {
		Port string `yaml:"port"`
	} `yaml:"server"`
	Inference struct {
		URL          string `yaml:"url"`
		Provider     string `yaml:"provider"`
		Model        string `yaml:"model"`
		APIKey       string `yaml:"api_key"`
		GeminiAPIKey string `yaml:"gemini_api_key"`
	} `yaml:"inference"`
	Search struct {
		APIKey  string `yaml:"api_key"`
		Enabled *bool  `yaml:"enabled"`
	} `yaml:"search"`
	Database struct {
		Path   string `yaml:"path"`
		Driver string `yaml:"driver"`
	} `yaml:"database"`
	Logging struct {
		Level string `yaml:"level"`
	} `yaml:"logging"`
}

// Load builds the configuration from defaults, an optional YAML file and the
// environment, in increasing order of precedence. A .env file in the working
// directory is loaded first if it exists.
func Load(path string) (*Config, error) {
	_ = godotenv.Load() // .env is optional

	cfg := &Config{
		InferenceURL:      "http://vllm:8000",
		InferenceProvider: ProviderOpenAI,
		InferenceAPIKey:   "EMPTY",
		EnableSearch:      true,
		DatabasePath:      "/app/data/qwen_context.db",
		DatabaseDriver:    DriverMattn,
		HTTPPort:          "8080",
		LogLevel:          "INFO",
	}

	if path != "" {
		if err := cfg.applyFile(path); err != nil {
			return nil, err
		}
	}
	cfg.applyEnv()

	if cfg.InferenceModel == "" {
		cfg.InferenceModel = defaultOpenAIModel
		if cfg.InferenceProvider == ProviderGemini {
			cfg.InferenceModel = defaultGeminiModel
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return cfg, nil
}

func (c *Config) applyFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading config file: %w", err)
	}

	var fc fileConfig
	if err := yaml.Unmarshal([]byte(expandEnvVars(string(data))), &fc); err != nil {
		return fmt.Errorf("parsing config file: %w", err)
	}

	setIfNotEmpty(&c.HTTPPort, fc.Server.Port)
	setIfNotEmpty(&c.InferenceURL, fc.Inference.URL)
	setIfNotEmpty(&c.InferenceProvider, fc.Inference.Provider)
	setIfNotEmpty(&c.InferenceModel, fc.Inference.Model)
	setIfNotEmpty(&c.InferenceAPIKey, fc.Inference.APIKey)
	setIfNotEmpty(&c.GeminiAPIKey, fc.Inference.GeminiAPIKey)
	setIfNotEmpty(&c.BraveAPIKey, fc.Search.APIKey)
	if fc.Search.Enabled != nil {
		c.EnableSearch = *fc.Search.Enabled
	}
	setIfNotEmpty(&c.DatabasePath, fc.Database.Path)
	setIfNotEmpty(&c.DatabaseDriver, fc.Database.Driver)
	setIfNotEmpty(&c.LogLevel, fc.Logging.Level)
	return nil
}

func (c *Config) applyEnv() {
	c.InferenceURL = getEnv("VLLM_API_URL", c.InferenceURL)
	c.InferenceProvider = getEnv("INFERENCE_PROVIDER", c.InferenceProvider)
	c.InferenceModel = getEnv("INFERENCE_MODEL", c.InferenceModel)
	c.InferenceAPIKey = getEnv("INFERENCE_API_KEY", c.InferenceAPIKey)
	c.GeminiAPIKey = getEnv("GEMINI_API_KEY", c.GeminiAPIKey)
	c.BraveAPIKey = getEnv("BRAVE_API_KEY", c.BraveAPIKey)
	c.EnableSearch = getEnvAsBool("ENABLE_SEARCH", c.EnableSearch)
	c.DatabasePath = getEnv("DB_PATH", c.DatabasePath)
	c.DatabaseDriver = getEnv("DB_DRIVER", c.DatabaseDriver)
	c.HTTPPort = getEnv("HTTP_PORT", c.HTTPPort)
	c.LogLevel = strings.ToUpper(getEnv("LOG_LEVEL", c.LogLevel))
}

// Validate returns the first problem found, if any.
func (c *Config) Validate() error {
	switch c.InferenceProvider {
	case ProviderOpenAI:
		if c.InferenceURL == "" {
			return fmt.Errorf("VLLM_API_URL is required for the %s provider", ProviderOpenAI)
		}
	case ProviderGemini:
		if c.GeminiAPIKey == "" {
			return fmt.Errorf("GEMINI_API_KEY is required for the %s provider", ProviderGemini)
		}
	default:
		return fmt.Errorf("unknown inference provider %q", c.InferenceProvider)
	}

	if c.DatabaseDriver != DriverMattn && c.DatabaseDriver != DriverModernc {
		return fmt.Errorf("unknown database driver %q", c.DatabaseDriver)
	}
	if c.DatabasePath == "" {
		return fmt.Errorf("DB_PATH is required")
	}
	if c.HTTPPort == "" {
		return fmt.Errorf("HTTP_PORT is required")
	}
	return nil
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR} with the variable's value, or "" when unset.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		return os.Getenv(envVarPattern.FindStringSubmatch(match)[1])
	})
}

func setIfNotEmpty(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func getEnv(key string, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	value, exists := os.LookupEnv(key)
	if !exists {
		return defaultValue
	}
	return strings.ToLower(strings.TrimSpace(value)) == "true"
}
