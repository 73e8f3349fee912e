package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/dl-alexandre/gdmirror/internal/api"
	"github.com/dl-alexandre/gdmirror/internal/logging"
	"github.com/dl-alexandre/gdmirror/internal/types"
	"github.com/dl-alexandre/gdmirror/internal/utils"
)

const (
	// ConfigFileName is the name of the JSON config file
	ConfigFileName = "config.json"
	// TOMLConfigFileName takes precedence over ConfigFileName when present
	TOMLConfigFileName = "config.toml"
	// ConfigDirName is the directory where config is stored
	ConfigDirName = ".gdmirror"
	// EnvPrefix is the prefix for environment variables
	EnvPrefix = "GDMIRROR_"
)

// Config holds application configuration
type Config struct {
	// DefaultProfile is the mirror profile used by `run` when none is given
	DefaultProfile string `json:"defaultProfile,omitempty" toml:"defaultProfile,omitempty"`

	// OutputFormat is the default output format (json, table)
	OutputFormat types.OutputFormat `json:"outputFormat" toml:"outputFormat"`

	// Concurrency is the number of simultaneous transfers
	Concurrency int `json:"concurrency" toml:"concurrency"`

	// RateLimitAttempts is the total attempts for a rate-limited call
	RateLimitAttempts int `json:"rateLimitAttempts" toml:"rateLimitAttempts"`

	// TransientAttempts is the total attempts for a call failing on the network
	TransientAttempts int `json:"transientAttempts" toml:"transientAttempts"`

	// RetryBaseDelay is the base delay for exponential backoff in milliseconds
	RetryBaseDelay int `json:"retryBaseDelay" toml:"retryBaseDelay"`

	// MaxRetryDelay caps a single backoff delay, in milliseconds
	MaxRetryDelay int `json:"maxRetryDelay" toml:"maxRetryDelay"`

	// RequestTimeout is the time to wait for response headers, in seconds
	RequestTimeout int `json:"requestTimeout" toml:"requestTimeout"`

	// CacheTTL is the path resolver cache TTL in seconds
	CacheTTL int `json:"cacheTTL" toml:"cacheTTL"`

	// ExportFormats maps a native subtype name to an export format name
	ExportFormats map[string]string `json:"exportFormats,omitempty" toml:"exportFormats,omitempty"`

	// Exclude holds patterns applied to every run
	Exclude []string `json:"exclude,omitempty" toml:"exclude,omitempty"`

	// LogLevel sets the logging verbosity (quiet, normal, verbose, debug)
	LogLevel string `json:"logLevel" toml:"logLevel"`

	// LogFile receives JSON log lines in addition to the console
	LogFile string `json:"logFile,omitempty" toml:"logFile,omitempty"`

	ColorOutput bool `json:"colorOutput" toml:"colorOutput"`

	// CredentialsFile is an OAuth client or service account JSON file
	CredentialsFile string `json:"credentialsFile,omitempty" toml:"credentialsFile,omitempty"`

	// TokenFile is a stored OAuth token used when no profile credentials exist
	TokenFile string `json:"tokenFile,omitempty" toml:"tokenFile,omitempty"`

	UseKeyring bool `json:"useKeyring" toml:"useKeyring"`

	// source is the file the config was read from, if any
	source string
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	return &Config{
		OutputFormat:      types.OutputFormatTable,
		Concurrency:       utils.DefaultConcurrency,
		RateLimitAttempts: utils.DefaultRateLimitAttempts,
		TransientAttempts: utils.DefaultTransientAttempts,
		RetryBaseDelay:    utils.DefaultRetryDelayMs,
		MaxRetryDelay:     utils.MaxRetryDelayMs,
		RequestTimeout:    60,
		CacheTTL:          300,
		LogLevel:          "normal",
		ColorOutput:       true,
		UseKeyring:        true,
	}
}

// Load builds the configuration from defaults, the config file and the
// environment, in that order
func Load() (*Config, error) {
	cfg, err := LoadFile()
	if err != nil {
		return nil, err
	}

	if err := cfg.loadFromEnv(); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// LoadFile reads defaults and the config file only, without environment
// overrides or validation. `config set` edits this view so that variables
// set in the shell are not written back to disk.
func LoadFile() (*Config, error) {
	cfg := DefaultConfig()
	if err := cfg.loadFromFile(); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to load config file: %w", err)
	}
	return cfg, nil
}

// ResetToDefaults restores every setting while keeping the file it was
// loaded from
func (c *Config) ResetToDefaults() {
	source := c.source
	*c = *DefaultConfig()
	c.source = source
}

// loadFromFile reads config.toml when present, otherwise config.json
func (c *Config) loadFromFile() error {
	configDir, err := GetConfigDir()
	if err != nil {
		return err
	}

	tomlPath := filepath.Join(configDir, TOMLConfigFileName)
	if _, err := os.Stat(tomlPath); err == nil {
		if _, err := toml.DecodeFile(tomlPath, c); err != nil {
			return err
		}
		c.source = tomlPath
		return nil
	}

	jsonPath := filepath.Join(configDir, ConfigFileName)
	data, err := os.ReadFile(jsonPath)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, c); err != nil {
		return err
	}
	c.source = jsonPath
	return nil
}

// loadFromEnv applies GDMIRROR_* overrides
func (c *Config) loadFromEnv() error {
	for _, key := range Keys() {
		v, ok := os.LookupEnv(EnvPrefix + envName(key))
		if !ok || v == "" {
			continue
		}
		if err := c.Set(key, v); err != nil {
			return fmt.Errorf("invalid %s%s: %w", EnvPrefix, envName(key), err)
		}
	}
	return nil
}

// envName converts a camelCase key to SCREAMING_SNAKE_CASE
func envName(key string) string {
	var sb strings.Builder
	prevLower := false
	for _, r := range key {
		upper := r >= 'A' && r <= 'Z'
		if upper && prevLower {
			sb.WriteByte('_')
		}
		sb.WriteRune(r)
		prevLower = !upper
	}
	return strings.ToUpper(sb.String())
}

// Source returns the file the configuration was read from, or ""
func (c *Config) Source() string {
	return c.source
}

// Save writes the configuration back to the file it came from, defaulting to
// config.json. TOML sources stay TOML.
func (c *Config) Save() error {
	if err := c.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	path := c.source
	if path == "" {
		var err error
		if path, err = GetConfigPath(); err != nil {
			return err
		}
	}

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	var data []byte
	if filepath.Ext(path) == ".toml" {
		var buf bytes.Buffer
		if err := toml.NewEncoder(&buf).Encode(c); err != nil {
			return fmt.Errorf("failed to marshal config: %w", err)
		}
		data = buf.Bytes()
	} else {
		var err error
		if data, err = json.MarshalIndent(c, "", "  "); err != nil {
			return fmt.Errorf("failed to marshal config: %w", err)
		}
	}

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	c.source = path
	return nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.OutputFormat != types.OutputFormatJSON && c.OutputFormat != types.OutputFormatTable {
		return fmt.Errorf("invalid output format: %s (must be 'json' or 'table')", c.OutputFormat)
	}

	if c.Concurrency < 1 || c.Concurrency > utils.MaxConcurrency {
		return fmt.Errorf("concurrency must be between 1 and %d, got: %d", utils.MaxConcurrency, c.Concurrency)
	}

	if c.RateLimitAttempts < 1 || c.RateLimitAttempts > 20 {
		return fmt.Errorf("rate limit attempts must be between 1 and 20, got: %d", c.RateLimitAttempts)
	}
	if c.TransientAttempts < 1 || c.TransientAttempts > 20 {
		return fmt.Errorf("transient attempts must be between 1 and 20, got: %d", c.TransientAttempts)
	}

	if c.RetryBaseDelay < 100 || c.RetryBaseDelay > 60000 {
		return fmt.Errorf("retry base delay must be between 100ms and 60000ms, got: %d", c.RetryBaseDelay)
	}
	if c.MaxRetryDelay < c.RetryBaseDelay || c.MaxRetryDelay > 600000 {
		return fmt.Errorf("max retry delay must be between %dms and 600000ms, got: %d", c.RetryBaseDelay, c.MaxRetryDelay)
	}
	if err := c.RetryPolicy().CheckSchedule(); err != nil {
		return err
	}

	if c.RequestTimeout < 1 || c.RequestTimeout > 3600 {
		return fmt.Errorf("request timeout must be between 1 and 3600 seconds, got: %d", c.RequestTimeout)
	}

	if c.CacheTTL < 0 {
		return fmt.Errorf("cache TTL must be non-negative, got: %d", c.CacheTTL)
	}

	for subtype, format := range c.ExportFormats {
		if _, ok := utils.ParseSubtype(subtype); !ok {
			return fmt.Errorf("unknown document subtype: %s", subtype)
		}
		if !utils.IsKnownFormat(format) {
			return fmt.Errorf("unknown export format %q for %s", format, subtype)
		}
	}

	if _, err := logging.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("invalid log level: %s (must be one of: quiet, normal, verbose, debug)", c.LogLevel)
	}

	return nil
}

// RetryPolicy converts the retry settings for the Governor
func (c *Config) RetryPolicy() api.RetryPolicy {
	p := api.DefaultRetryPolicy()
	p.RateLimitAttempts = c.RateLimitAttempts
	p.TransientAttempts = c.TransientAttempts
	p.BaseDelay = time.Duration(c.RetryBaseDelay) * time.Millisecond
	p.MaxDelay = time.Duration(c.MaxRetryDelay) * time.Millisecond
	return p
}

// ExportFormatMap returns the configured formats keyed by subtype. Unknown
// entries are dropped; Validate reports them.
func (c *Config) ExportFormatMap() map[types.NativeSubtype]string {
	out := make(map[types.NativeSubtype]string, len(c.ExportFormats))
	for name, format := range c.ExportFormats {
		if subtype, ok := utils.ParseSubtype(name); ok {
			out[subtype] = strings.ToLower(format)
		}
	}
	return out
}

// GetCacheTTL returns the cache TTL as a duration
func (c *Config) GetCacheTTL() time.Duration {
	return time.Duration(c.CacheTTL) * time.Second
}

// GetRequestTimeout returns the request timeout as a duration
func (c *Config) GetRequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeout) * time.Second
}

// Keys lists the settable configuration keys in a stable order
func Keys() []string {
	keys := []string{
		"defaultProfile", "outputFormat", "concurrency", "rateLimitAttempts",
		"transientAttempts", "retryBaseDelay", "maxRetryDelay", "requestTimeout",
		"cacheTTL", "exportFormats", "exclude", "logLevel", "logFile",
		"colorOutput", "credentialsFile", "tokenFile", "useKeyring",
	}
	sort.Strings(keys)
	return keys
}

// Set assigns one key from its string form. exportFormats takes
// "subtype=format" pairs separated by commas, or a single format through
// the "exportFormats.<subtype>" key; exclude takes comma separated patterns.
func (c *Config) Set(key, value string) error {
	if sub, ok := strings.CutPrefix(key, "exportFormats."); ok {
		if c.ExportFormats == nil {
			c.ExportFormats = make(map[string]string)
		}
		c.ExportFormats[strings.ToLower(sub)] = strings.ToLower(strings.TrimSpace(value))
		return nil
	}

	switch key {
	case "defaultProfile":
		c.DefaultProfile = value
	case "outputFormat":
		c.OutputFormat = types.OutputFormat(strings.ToLower(value))
	case "concurrency":
		return setInt(&c.Concurrency, value)
	case "rateLimitAttempts":
		return setInt(&c.RateLimitAttempts, value)
	case "transientAttempts":
		return setInt(&c.TransientAttempts, value)
	case "retryBaseDelay":
		return setInt(&c.RetryBaseDelay, value)
	case "maxRetryDelay":
		return setInt(&c.MaxRetryDelay, value)
	case "requestTimeout":
		return setInt(&c.RequestTimeout, value)
	case "cacheTTL":
		return setInt(&c.CacheTTL, value)
	case "exportFormats":
		formats, err := ParseFormatPairs(splitList(value))
		if err != nil {
			return err
		}
		c.ExportFormats = formats
	case "exclude":
		c.Exclude = splitList(value)
	case "logLevel":
		c.LogLevel = value
	case "logFile":
		c.LogFile = value
	case "colorOutput":
		c.ColorOutput = parseBool(value)
	case "credentialsFile":
		c.CredentialsFile = value
	case "tokenFile":
		c.TokenFile = value
	case "useKeyring":
		c.UseKeyring = parseBool(value)
	default:
		return fmt.Errorf("unknown config key: %s", key)
	}
	return nil
}

// ParseFormatPairs parses "subtype=format" pairs as given to --format
func ParseFormatPairs(pairs []string) (map[string]string, error) {
	out := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		name, format, ok := strings.Cut(pair, "=")
		if !ok {
			return nil, fmt.Errorf("expected subtype=format, got %q", pair)
		}
		name = strings.ToLower(strings.TrimSpace(name))
		format = strings.ToLower(strings.TrimSpace(format))
		if _, known := utils.ParseSubtype(name); !known {
			return nil, fmt.Errorf("unknown document subtype: %s", name)
		}
		if !utils.IsKnownFormat(format) {
			return nil, fmt.Errorf("unknown export format %q for %s", format, name)
		}
		out[name] = format
	}
	return out, nil
}

func setInt(dst *int, value string) error {
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fmt.Errorf("expected an integer, got %q", value)
	}
	*dst = n
	return nil
}

func splitList(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// GetConfigPath returns the path to the JSON config file
func GetConfigPath() (string, error) {
	configDir, err := GetConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(configDir, ConfigFileName), nil
}

// GetConfigDir returns the path to the config directory
func GetConfigDir() (string, error) {
	if dir := os.Getenv(EnvPrefix + "CONFIG_DIR"); dir != "" {
		return dir, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get user home directory: %w", err)
	}

	return filepath.Join(homeDir, ConfigDirName), nil
}

// parseBool parses a boolean value from a string
func parseBool(s string) bool {
	s = strings.ToLower(strings.TrimSpace(s))
	return s == "true" || s == "1" || s == "yes" || s == "on"
}
