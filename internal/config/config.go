package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"slidegen/internal/task"
)

const (
	defaultPort                  = 8080
	defaultDataDir               = "data"
	defaultLogLevel              = "info"
	defaultTextModel             = "gemini-2.5-flash"
	defaultImageModel            = "gemini-3-pro-image-preview"
	defaultRequestTimeout        = 120 * time.Second
	defaultMaxDescriptionWorkers = 5
	defaultMaxImageWorkers       = 8
	defaultAspectRatio           = "16:9"
	defaultResolution            = "2K"

	DriverFile     = "file"
	DriverPostgres = "postgres"
)

type StorageConfig struct {
	Driver      string `yaml:"driver"`
	PostgresDSN string `yaml:"postgres_dsn"`
}

// ModelConfig points at one model endpoint. Protocol is auto, native
// (Gemini API) or chat (OpenAI-compatible chat completions).
type ModelConfig struct {
	APIKey   string `yaml:"api_key"`
	APIBase  string `yaml:"api_base"`
	Model    string `yaml:"model"`
	Protocol string `yaml:"protocol"`
}

type AIConfig struct {
	Text              ModelConfig   `yaml:"text"`
	Image             ModelConfig   `yaml:"image"`
	RequestTimeout    time.Duration `yaml:"request_timeout"`
	RequestsPerSecond float64       `yaml:"requests_per_second"`
	Burst             int           `yaml:"burst"`
	ThinkingBudget    int32         `yaml:"thinking_budget"`
}

type GenerationConfig struct {
	MaxDescriptionWorkers int    `yaml:"max_description_workers"`
	MaxImageWorkers       int    `yaml:"max_image_workers"`
	MaxAttempts           int    `yaml:"max_attempts"`
	AspectRatio           string `yaml:"aspect_ratio"`
	Resolution            string `yaml:"resolution"`
}

// Config describes runtime configuration for the service.
type Config struct {
	Port       int              `yaml:"port"`
	DataDir    string           `yaml:"data_dir"`
	LogLevel   string           `yaml:"log_level"`
	Storage    StorageConfig    `yaml:"storage"`
	AI         AIConfig         `yaml:"ai"`
	Generation GenerationConfig `yaml:"generation"`
}

// Default returns the configuration used when no file is present.
func Default() Config {
	return Config{
		Port:     defaultPort,
		DataDir:  defaultDataDir,
		LogLevel: defaultLogLevel,
		Storage:  StorageConfig{Driver: DriverFile},
		AI: AIConfig{
			Text:           ModelConfig{Model: defaultTextModel, Protocol: "auto"},
			Image:          ModelConfig{Model: defaultImageModel, Protocol: "auto"},
			RequestTimeout: defaultRequestTimeout,
		},
		Generation: GenerationConfig{
			MaxDescriptionWorkers: defaultMaxDescriptionWorkers,
			MaxImageWorkers:       defaultMaxImageWorkers,
			MaxAttempts:           task.DefaultMaxAttempts,
			AspectRatio:           defaultAspectRatio,
			Resolution:            defaultResolution,
		},
	}
}

// LoadDotEnv exports the variables of a .env file. A missing file is not
// an error.
func LoadDotEnv(path string) error {
	if path == "" {
		return nil
	}
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

// Load reads YAML config from the provided path, applies environment
// overrides and validates the result. A missing or empty file yields the
// defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, errors.New("empty config path")
	}
	fileData, err := os.ReadFile(path) //nolint:gosec // config path is controlled by deployment
	if err != nil && !os.IsNotExist(err) {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if len(fileData) > 0 {
		if err := yaml.Unmarshal(fileData, &cfg); err != nil {
			return cfg, fmt.Errorf("parse yaml: %w", err)
		}
	}
	if err := applyEnv(&cfg, os.LookupEnv); err != nil {
		return cfg, err
	}
	normalize(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// applyEnv overrides secrets and tunables from the environment.
func applyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}
	str("GOOGLE_API_KEY", &cfg.AI.Text.APIKey)
	str("GOOGLE_API_BASE", &cfg.AI.Text.APIBase)
	str("GOOGLE_IMAGE_API_KEY", &cfg.AI.Image.APIKey)
	str("GOOGLE_IMAGE_API_BASE", &cfg.AI.Image.APIBase)
	str("TEXT_MODEL", &cfg.AI.Text.Model)
	str("IMAGE_MODEL", &cfg.AI.Image.Model)
	str("DATABASE_URL", &cfg.Storage.PostgresDSN)
	str("STORAGE_DRIVER", &cfg.Storage.Driver)
	str("DATA_DIR", &cfg.DataDir)
	str("LOG_LEVEL", &cfg.LogLevel)

	ints := []struct {
		key string
		dst *int
	}{
		{"PORT", &cfg.Port},
		{"MAX_DESCRIPTION_WORKERS", &cfg.Generation.MaxDescriptionWorkers},
		{"MAX_IMAGE_WORKERS", &cfg.Generation.MaxImageWorkers},
	}
	for _, e := range ints {
		v, ok := lookup(e.key)
		if !ok || strings.TrimSpace(v) == "" {
			continue
		}
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("invalid %s: %q", e.key, v)
		}
		*e.dst = n
	}
	return nil
}

func normalize(cfg *Config) {
	if cfg.Port == 0 {
		cfg.Port = defaultPort
	}
	if cfg.DataDir == "" {
		cfg.DataDir = defaultDataDir
	}
	cfg.LogLevel = strings.ToLower(strings.TrimSpace(cfg.LogLevel))
	if cfg.LogLevel == "" {
		cfg.LogLevel = defaultLogLevel
	}
	cfg.Storage.Driver = strings.ToLower(strings.TrimSpace(cfg.Storage.Driver))
	if cfg.Storage.Driver == "" {
		cfg.Storage.Driver = DriverFile
	}
	// the image endpoint falls back to the text endpoint's credentials
	if cfg.AI.Image.APIKey == "" {
		cfg.AI.Image.APIKey = cfg.AI.Text.APIKey
	}
	if cfg.AI.Image.APIBase == "" {
		cfg.AI.Image.APIBase = cfg.AI.Text.APIBase
	}
	for _, m := range []*ModelConfig{&cfg.AI.Text, &cfg.AI.Image} {
		m.Protocol = strings.ToLower(strings.TrimSpace(m.Protocol))
		if m.Protocol == "" {
			m.Protocol = "auto"
		}
		m.APIBase = strings.TrimRight(m.APIBase, "/")
	}
	if cfg.AI.Text.Model == "" {
		cfg.AI.Text.Model = defaultTextModel
	}
	if cfg.AI.Image.Model == "" {
		cfg.AI.Image.Model = defaultImageModel
	}
	if cfg.AI.RequestTimeout <= 0 {
		cfg.AI.RequestTimeout = defaultRequestTimeout
	}
	if cfg.Generation.MaxAttempts == 0 {
		cfg.Generation.MaxAttempts = task.DefaultMaxAttempts
	}
	if cfg.Generation.AspectRatio == "" {
		cfg.Generation.AspectRatio = defaultAspectRatio
	}
	if cfg.Generation.Resolution == "" {
		cfg.Generation.Resolution = defaultResolution
	}
}

func validate(cfg Config) error {
	if cfg.Port < 1 || cfg.Port > 65535 {
		return fmt.Errorf("invalid port: %d", cfg.Port)
	}
	if _, err := zerolog.ParseLevel(cfg.LogLevel); err != nil {
		return fmt.Errorf("invalid log_level %q: %w", cfg.LogLevel, err)
	}
	switch cfg.Storage.Driver {
	case DriverFile:
	case DriverPostgres:
		if cfg.Storage.PostgresDSN == "" {
			return errors.New("storage driver postgres needs postgres_dsn or DATABASE_URL")
		}
	default:
		return fmt.Errorf("unknown storage driver %q", cfg.Storage.Driver)
	}
	for name, m := range map[string]ModelConfig{"text": cfg.AI.Text, "image": cfg.AI.Image} {
		switch m.Protocol {
		case "auto", "native", "chat":
		default:
			return fmt.Errorf("invalid %s protocol %q (want auto, native or chat)", name, m.Protocol)
		}
	}
	// validate concurrency explicitly: values outside 1..cap are not allowed
	workers := map[string]int{
		"max_description_workers": cfg.Generation.MaxDescriptionWorkers,
		"max_image_workers":       cfg.Generation.MaxImageWorkers,
	}
	for name, n := range workers {
		if n < 1 || n > task.MaxWorkersCap {
			return fmt.Errorf("invalid %s: %d (must be 1..%d)", name, n, task.MaxWorkersCap)
		}
	}
	if cfg.Generation.MaxAttempts < 1 {
		return fmt.Errorf("invalid max_attempts: %d (must be >= 1)", cfg.Generation.MaxAttempts)
	}
	if cfg.AI.RequestsPerSecond < 0 {
		return fmt.Errorf("invalid requests_per_second: %v", cfg.AI.RequestsPerSecond)
	}
	return nil
}
