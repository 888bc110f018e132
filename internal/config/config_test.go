package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func env(vars map[string]string) func(string) (string, bool) {
	return func(key string) (string, bool) {
		v, ok := vars[key]
		return v, ok
	}
}

// clearEnv blanks the overrides so the host environment cannot leak in.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"GOOGLE_API_KEY", "GOOGLE_API_BASE", "GOOGLE_IMAGE_API_KEY", "GOOGLE_IMAGE_API_BASE",
		"TEXT_MODEL", "IMAGE_MODEL", "DATABASE_URL", "STORAGE_DRIVER", "DATA_DIR", "LOG_LEVEL",
		"PORT", "MAX_DESCRIPTION_WORKERS", "MAX_IMAGE_WORKERS",
	} {
		t.Setenv(key, "")
	}
}

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	normalize(&cfg)
	if err := validate(cfg); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.Generation.MaxDescriptionWorkers != 5 || cfg.Generation.MaxImageWorkers != 8 {
		t.Fatalf("unexpected worker defaults: %+v", cfg.Generation)
	}
}

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	clearEnv(t)
	cfg, err := Load(filepath.Join(t.TempDir(), "not_exists.yml"))
	if err != nil {
		t.Fatalf("expected no error for missing file, got %v", err)
	}
	if cfg.Storage.Driver != DriverFile || cfg.AI.RequestTimeout != 120*time.Second {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
}

func TestLoadReadsAndValidates(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "cfg.yml")
	content := []byte(`port: 9090
data_dir: testdata
log_level: DEBUG
ai:
  text:
    api_key: k
    api_base: https://proxy.example/v1/
  image:
    protocol: Chat
  request_timeout: 30s
generation:
  max_image_workers: 10
`)
	if err := os.WriteFile(path, content, 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Port != 9090 || cfg.DataDir != "testdata" || cfg.LogLevel != "debug" {
		t.Fatalf("unexpected cfg: %+v", cfg)
	}
	if cfg.AI.RequestTimeout != 30*time.Second || cfg.Generation.MaxImageWorkers != 10 {
		t.Fatalf("unexpected tunables: %+v", cfg)
	}
	if cfg.AI.Image.APIKey != "k" || cfg.AI.Image.APIBase != "https://proxy.example/v1" || cfg.AI.Image.Protocol != "chat" {
		t.Fatalf("image endpoint should inherit text credentials: %+v", cfg.AI.Image)
	}
}

func TestEnvOverrides(t *testing.T) {
	cfg := Default()
	err := applyEnv(&cfg, env(map[string]string{
		"GOOGLE_API_KEY":          "text-key",
		"GOOGLE_IMAGE_API_KEY":    "image-key",
		"DATABASE_URL":            "postgres://x",
		"MAX_DESCRIPTION_WORKERS": "3",
		"PORT":                    " 7000 ",
		"LOG_LEVEL":               "",
	}))
	if err != nil {
		t.Fatalf("applyEnv: %v", err)
	}
	if cfg.AI.Text.APIKey != "text-key" || cfg.AI.Image.APIKey != "image-key" {
		t.Fatalf("keys not applied: %+v", cfg.AI)
	}
	if cfg.Storage.PostgresDSN != "postgres://x" || cfg.Generation.MaxDescriptionWorkers != 3 || cfg.Port != 7000 {
		t.Fatalf("overrides not applied: %+v", cfg)
	}
	if cfg.LogLevel != defaultLogLevel {
		t.Fatalf("empty env must not override, got %q", cfg.LogLevel)
	}

	if err := applyEnv(&cfg, env(map[string]string{"MAX_IMAGE_WORKERS": "many"})); err == nil {
		t.Fatalf("expected error for non-numeric worker count")
	}
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]func(*Config){
		"workers above cap":  func(c *Config) { c.Generation.MaxImageWorkers = 11 },
		"workers below one":  func(c *Config) { c.Generation.MaxDescriptionWorkers = -1 },
		"postgres sans dsn":  func(c *Config) { c.Storage.Driver = DriverPostgres },
		"unknown driver":     func(c *Config) { c.Storage.Driver = "sqlite" },
		"bad protocol":       func(c *Config) { c.AI.Text.Protocol = "grpc" },
		"bad log level":      func(c *Config) { c.LogLevel = "loud" },
		"negative max tries": func(c *Config) { c.Generation.MaxAttempts = -2 },
	}
	for name, mutate := range cases {
		cfg := Default()
		mutate(&cfg)
		if err := validate(cfg); err == nil {
			t.Fatalf("%s: expected validation error", name)
		}
	}
}

func TestLoadDotEnv(t *testing.T) {
	if err := LoadDotEnv(filepath.Join(t.TempDir(), "missing.env")); err != nil {
		t.Fatalf("missing .env must be ignored: %v", err)
	}
	path := filepath.Join(t.TempDir(), ".env")
	if err := os.WriteFile(path, []byte("SLIDEGEN_TEST_VALUE=from-dotenv\n"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	t.Cleanup(func() { _ = os.Unsetenv("SLIDEGEN_TEST_VALUE") })
	if err := LoadDotEnv(path); err != nil {
		t.Fatalf("load: %v", err)
	}
	if got := os.Getenv("SLIDEGEN_TEST_VALUE"); !strings.EqualFold(got, "from-dotenv") {
		t.Fatalf("expected value from .env, got %q", got)
	}
}
