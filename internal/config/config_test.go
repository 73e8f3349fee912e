package config

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/dl-alexandre/gdmirror/internal/types"
)

func withConfigDir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv(EnvPrefix+"CONFIG_DIR", dir)
	return dir
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.OutputFormat != types.OutputFormatTable {
		t.Errorf("Expected default output format 'table', got '%s'", cfg.OutputFormat)
	}
	if cfg.Concurrency != 4 {
		t.Errorf("Expected concurrency 4, got %d", cfg.Concurrency)
	}
	if cfg.RateLimitAttempts != 5 || cfg.TransientAttempts != 3 {
		t.Errorf("Unexpected attempts: %d/%d", cfg.RateLimitAttempts, cfg.TransientAttempts)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Default config should validate: %v", err)
	}
}

func TestLoad_NoFile(t *testing.T) {
	withConfigDir(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Source() != "" {
		t.Errorf("Expected no source, got %s", cfg.Source())
	}
	if cfg.Concurrency != DefaultConfig().Concurrency {
		t.Errorf("Expected default concurrency, got %d", cfg.Concurrency)
	}
}

func TestLoad_JSONFile(t *testing.T) {
	dir := withConfigDir(t)
	data := `{"concurrency": 8, "exportFormats": {"document": "pdf"}, "exclude": ["*.tmp"]}`
	if err := os.WriteFile(filepath.Join(dir, ConfigFileName), []byte(data), 0600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Concurrency != 8 {
		t.Errorf("Expected concurrency 8, got %d", cfg.Concurrency)
	}
	if got := cfg.ExportFormatMap()[types.SubtypeDocument]; got != "pdf" {
		t.Errorf("Expected document export pdf, got %q", got)
	}
	if len(cfg.Exclude) != 1 || cfg.Exclude[0] != "*.tmp" {
		t.Errorf("Unexpected exclude: %v", cfg.Exclude)
	}
	// unset fields keep their defaults
	if cfg.TransientAttempts != 3 {
		t.Errorf("Expected default transient attempts, got %d", cfg.TransientAttempts)
	}
}

func TestLoad_TOMLTakesPrecedence(t *testing.T) {
	dir := withConfigDir(t)
	if err := os.WriteFile(filepath.Join(dir, ConfigFileName), []byte(`{"concurrency": 2}`), 0600); err != nil {
		t.Fatal(err)
	}
	tomlData := "concurrency = 12\nlogLevel = \"debug\"\n\n[exportFormats]\nspreadsheet = \"csv\"\n"
	if err := os.WriteFile(filepath.Join(dir, TOMLConfigFileName), []byte(tomlData), 0600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Concurrency != 12 {
		t.Errorf("Expected TOML concurrency 12, got %d", cfg.Concurrency)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("Expected log level debug, got %s", cfg.LogLevel)
	}
	if cfg.ExportFormats["spreadsheet"] != "csv" {
		t.Errorf("Expected spreadsheet csv, got %v", cfg.ExportFormats)
	}
	if filepath.Base(cfg.Source()) != TOMLConfigFileName {
		t.Errorf("Expected TOML source, got %s", cfg.Source())
	}
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	dir := withConfigDir(t)
	if err := os.WriteFile(filepath.Join(dir, ConfigFileName), []byte(`{"concurrency": 2, "useKeyring": true}`), 0600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("GDMIRROR_CONCURRENCY", "6")
	t.Setenv("GDMIRROR_USE_KEYRING", "false")
	t.Setenv("GDMIRROR_CACHE_TTL", "60")
	t.Setenv("GDMIRROR_EXCLUDE", "a/, *.bak")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Concurrency != 6 {
		t.Errorf("Expected env concurrency 6, got %d", cfg.Concurrency)
	}
	if cfg.UseKeyring {
		t.Error("Expected env to disable keyring")
	}
	if cfg.GetCacheTTL() != time.Minute {
		t.Errorf("Expected cache TTL 1m, got %v", cfg.GetCacheTTL())
	}
	if len(cfg.Exclude) != 2 || cfg.Exclude[1] != "*.bak" {
		t.Errorf("Unexpected exclude: %v", cfg.Exclude)
	}
}

func TestLoad_BadEnvValue(t *testing.T) {
	withConfigDir(t)
	t.Setenv("GDMIRROR_TRANSIENT_ATTEMPTS", "many")

	if _, err := Load(); err == nil {
		t.Fatal("Expected error for non-numeric env value")
	}
}

func TestLoad_InvalidFile(t *testing.T) {
	dir := withConfigDir(t)
	if err := os.WriteFile(filepath.Join(dir, ConfigFileName), []byte(`{"concurrency": 0}`), 0600); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(); err == nil {
		t.Fatal("Expected validation error")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
	}{
		{"defaults", func(c *Config) {}, false},
		{"bad output format", func(c *Config) { c.OutputFormat = "xml" }, true},
		{"zero concurrency", func(c *Config) { c.Concurrency = 0 }, true},
		{"too much concurrency", func(c *Config) { c.Concurrency = 65 }, true},
		{"zero rate limit attempts", func(c *Config) { c.RateLimitAttempts = 0 }, true},
		{"base delay too small", func(c *Config) { c.RetryBaseDelay = 10 }, true},
		{"max below base", func(c *Config) { c.MaxRetryDelay = 500 }, true},
		{"cap flattens backoff", func(c *Config) { c.RateLimitAttempts = 7 }, true},
		{"cap fits backoff", func(c *Config) {
			c.RateLimitAttempts = 7
			c.MaxRetryDelay = 40000
		}, false},
		{"single attempt ignores cap", func(c *Config) {
			c.RateLimitAttempts = 1
			c.MaxRetryDelay = c.RetryBaseDelay
		}, false},
		{"timeout too large", func(c *Config) { c.RequestTimeout = 4000 }, true},
		{"negative cache ttl", func(c *Config) { c.CacheTTL = -1 }, true},
		{"unknown subtype", func(c *Config) { c.ExportFormats = map[string]string{"video": "pdf"} }, true},
		{"unknown format", func(c *Config) { c.ExportFormats = map[string]string{"document": "wpd"} }, true},
		{"known pair", func(c *Config) { c.ExportFormats = map[string]string{"drawing": "svg"} }, false},
		{"bad log level", func(c *Config) { c.LogLevel = "loud" }, true},
		{"verbose log level", func(c *Config) { c.LogLevel = "verbose" }, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestSave_JSON(t *testing.T) {
	dir := withConfigDir(t)

	cfg := DefaultConfig()
	cfg.Concurrency = 9
	if err := cfg.Save(); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	path := filepath.Join(dir, ConfigFileName)
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Config file not written: %v", err)
	}
	if runtime.GOOS != "windows" && info.Mode().Perm() != 0600 {
		t.Errorf("Expected permissions 0600, got %v", info.Mode().Perm())
	}

	loaded, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if loaded.Concurrency != 9 {
		t.Errorf("Expected saved concurrency 9, got %d", loaded.Concurrency)
	}
}

func TestSave_KeepsTOMLSource(t *testing.T) {
	dir := withConfigDir(t)
	if err := os.WriteFile(filepath.Join(dir, TOMLConfigFileName), []byte("concurrency = 3\n"), 0600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if err := cfg.Set("exportFormats.presentation", "pdf"); err != nil {
		t.Fatal(err)
	}
	if err := cfg.Save(); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, ConfigFileName)); !os.IsNotExist(err) {
		t.Error("Save should not create config.json next to config.toml")
	}

	reloaded, err := Load()
	if err != nil {
		t.Fatalf("Reload failed: %v", err)
	}
	if reloaded.Concurrency != 3 || reloaded.ExportFormats["presentation"] != "pdf" {
		t.Errorf("Unexpected reloaded config: %+v", reloaded)
	}
}

func TestSave_RejectsInvalid(t *testing.T) {
	withConfigDir(t)
	cfg := DefaultConfig()
	cfg.LogLevel = "shouting"
	if err := cfg.Save(); err == nil {
		t.Fatal("Expected Save to reject an invalid config")
	}
}

func TestSet(t *testing.T) {
	cfg := DefaultConfig()

	if err := cfg.Set("exportFormats", "document=odt, spreadsheet=ods"); err != nil {
		t.Fatalf("Set exportFormats failed: %v", err)
	}
	if cfg.ExportFormats["document"] != "odt" || cfg.ExportFormats["spreadsheet"] != "ods" {
		t.Errorf("Unexpected formats: %v", cfg.ExportFormats)
	}
	if err := cfg.Set("exportFormats", "document"); err == nil {
		t.Error("Expected error for missing '='")
	}
	if err := cfg.Set("colorOutput", "off"); err != nil || cfg.ColorOutput {
		t.Errorf("Expected colorOutput false, err=%v", err)
	}
	if err := cfg.Set("outputFormat", "JSON"); err != nil || cfg.OutputFormat != types.OutputFormatJSON {
		t.Errorf("Expected json output, got %s err=%v", cfg.OutputFormat, err)
	}
	if err := cfg.Set("nope", "1"); err == nil {
		t.Error("Expected error for unknown key")
	}
}

func TestRetryPolicy(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RateLimitAttempts = 7
	cfg.RetryBaseDelay = 200
	cfg.MaxRetryDelay = 5000

	p := cfg.RetryPolicy()
	if p.RateLimitAttempts != 7 {
		t.Errorf("Expected 7 attempts, got %d", p.RateLimitAttempts)
	}
	if p.BaseDelay != 200*time.Millisecond || p.MaxDelay != 5*time.Second {
		t.Errorf("Unexpected delays: %v / %v", p.BaseDelay, p.MaxDelay)
	}
}

func TestParseFormatPairs(t *testing.T) {
	got, err := ParseFormatPairs([]string{"Document=PDF", "drawing=png"})
	if err != nil {
		t.Fatalf("ParseFormatPairs failed: %v", err)
	}
	if got["document"] != "pdf" || got["drawing"] != "png" {
		t.Errorf("Unexpected pairs: %v", got)
	}
	if _, err := ParseFormatPairs([]string{"movie=mp4"}); err == nil {
		t.Error("Expected error for unknown subtype")
	}
}

func TestEnvName(t *testing.T) {
	cases := map[string]string{
		"concurrency":       "CONCURRENCY",
		"cacheTTL":          "CACHE_TTL",
		"rateLimitAttempts": "RATE_LIMIT_ATTEMPTS",
		"useKeyring":        "USE_KEYRING",
	}
	for in, want := range cases {
		if got := envName(in); got != want {
			t.Errorf("envName(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestGetConfigDir_Default(t *testing.T) {
	t.Setenv(EnvPrefix+"CONFIG_DIR", "")
	dir, err := GetConfigDir()
	if err != nil {
		t.Skipf("no home directory: %v", err)
	}
	if filepath.Base(dir) != ConfigDirName {
		t.Errorf("Expected %s, got %s", ConfigDirName, dir)
	}
}

func TestLoadFile_IgnoresEnv(t *testing.T) {
	dir := withConfigDir(t)
	if err := os.WriteFile(filepath.Join(dir, ConfigFileName), []byte(`{"concurrency": 2}`), 0600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("GDMIRROR_CONCURRENCY", "7")

	cfg, err := LoadFile()
	if err != nil {
		t.Fatalf("LoadFile failed: %v", err)
	}
	if cfg.Concurrency != 2 {
		t.Errorf("Expected file concurrency 2, got %d", cfg.Concurrency)
	}

	cfg.ResetToDefaults()
	if cfg.Concurrency != DefaultConfig().Concurrency {
		t.Errorf("Expected default concurrency after reset, got %d", cfg.Concurrency)
	}
	if filepath.Base(cfg.Source()) != ConfigFileName {
		t.Errorf("Reset should keep the source, got %q", cfg.Source())
	}
}
