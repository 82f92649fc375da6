package config

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every configuration key when read from the
// environment, e.g. ISSUELENS_SERVER_ADDR.
const EnvPrefix = "ISSUELENS"

// Config represents the full issuelens configuration
type Config struct {
	GitHub   GitHubConfig   `mapstructure:"github"`
	Provider ProviderConfig `mapstructure:"provider"`
	Analysis AnalysisConfig `mapstructure:"analysis"`
	Server   ServerConfig   `mapstructure:"server"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Cloud    CloudConfig    `mapstructure:"cloud"`
	Langfuse LangfuseConfig `mapstructure:"langfuse"`
}

// GitHubConfig holds code host credentials. A personal token wins over
// GitHub App credentials.
type GitHubConfig struct {
	Token            string `mapstructure:"token"`
	TokenSecret      string `mapstructure:"token_secret"`
	APIURL           string `mapstructure:"api_url"`
	AppID            string `mapstructure:"app_id"`
	InstallationID   int64  `mapstructure:"installation_id"`
	PrivateKey       string `mapstructure:"private_key"`
	PrivateKeyFile   string `mapstructure:"private_key_file"`
	PrivateKeySecret string `mapstructure:"private_key_secret"`
}

// ProviderConfig holds the default model provider settings. Requests may
// override every field.
type ProviderConfig struct {
	APIType      string `mapstructure:"api_type"`
	BaseURL      string `mapstructure:"base_url"`
	APIKey       string `mapstructure:"api_key"`
	APIKeySecret string `mapstructure:"api_key_secret"`
	Organization string `mapstructure:"organization"`
	Project      string `mapstructure:"project"`
	Name         string `mapstructure:"name"`
	MaxRetries   int    `mapstructure:"max_retries"`
	Timeout      string `mapstructure:"timeout"`
}

// AnalysisConfig holds run defaults and evidence budgets.
type AnalysisConfig struct {
	Language        string `mapstructure:"language"`
	Model           string `mapstructure:"model"`
	Mode            string `mapstructure:"mode"`
	OutputDir       string `mapstructure:"output_dir"`
	MaxQueries      int    `mapstructure:"max_queries"`
	MaxFiles        int    `mapstructure:"max_files"`
	ResultsPerQuery int    `mapstructure:"results_per_query"`
	MaxCharsPerFile int    `mapstructure:"max_chars_per_file"`
}

// ServerConfig holds HTTP server and run store settings.
type ServerConfig struct {
	Addr              string `mapstructure:"addr"`
	RunTTL            string `mapstructure:"run_ttl"`
	MaxRuns           int    `mapstructure:"max_runs"`
	MaxConcurrentRuns int    `mapstructure:"max_concurrent_runs"`
	// RateLimit is the number of analysis submissions allowed per client
	// per minute. Zero disables limiting.
	RateLimit       int    `mapstructure:"rate_limit"`
	ShutdownTimeout string `mapstructure:"shutdown_timeout"`
}

// LoggingConfig selects slog level and handler format.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// CloudConfig holds Google Cloud settings for secrets and trace export.
type CloudConfig struct {
	Project      string `mapstructure:"project"`
	TraceLogging bool   `mapstructure:"trace_logging"`
	LogID        string `mapstructure:"log_id"`
}

// LangfuseConfig enables trace export to Langfuse when a public key is set.
type LangfuseConfig struct {
	PublicKey       string `mapstructure:"public_key"`
	SecretKey       string `mapstructure:"secret_key"`
	SecretKeySecret string `mapstructure:"secret_key_secret"`
	BaseURL         string `mapstructure:"base_url"`
}

// Enabled reports whether Langfuse export is configured.
func (l LangfuseConfig) Enabled() bool {
	return l.PublicKey != ""
}

// envFallbacks are the conventional variable names accepted besides the
// prefixed ones. The prefixed name always wins.
var envFallbacks = map[string][]string{
	"provider.api_key":      {"OPENAI_API_KEY"},
	"provider.base_url":     {"OPENAI_BASE_URL"},
	"provider.api_type":     {"OPENAI_API_TYPE"},
	"provider.organization": {"OPENAI_ORGANIZATION"},
	"provider.project":      {"OPENAI_PROJECT"},
	"provider.name":         {"OPENAI_PROVIDER_NAME"},
	"github.token":          {"GITHUB_TOKEN", "GH_TOKEN"},
	"cloud.project":         {"GOOGLE_CLOUD_PROJECT"},
	"langfuse.public_key":   {"LANGFUSE_PUBLIC_KEY"},
	"langfuse.secret_key":   {"LANGFUSE_SECRET_KEY"},
	"langfuse.base_url":     {"LANGFUSE_HOST"},
}

// keys lists every configuration key so environment variables are honored
// even when no config file mentions them.
var keys = []string{
	"github.token", "github.token_secret", "github.api_url", "github.app_id",
	"github.installation_id", "github.private_key", "github.private_key_file", "github.private_key_secret",
	"provider.api_type", "provider.base_url", "provider.api_key", "provider.api_key_secret",
	"provider.organization", "provider.project", "provider.name", "provider.max_retries", "provider.timeout",
	"analysis.language", "analysis.model", "analysis.mode", "analysis.output_dir",
	"analysis.max_queries", "analysis.max_files", "analysis.results_per_query", "analysis.max_chars_per_file",
	"server.addr", "server.run_ttl", "server.max_runs", "server.max_concurrent_runs",
	"server.rate_limit", "server.shutdown_timeout",
	"logging.level", "logging.format",
	"cloud.project", "cloud.trace_logging", "cloud.log_id",
	"langfuse.public_key", "langfuse.secret_key", "langfuse.secret_key_secret", "langfuse.base_url",
}

// BindEnv wires the ISSUELENS_ prefix and the conventional fallbacks into v.
func BindEnv(v *viper.Viper) error {
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	for _, key := range keys {
		names := []string{key}
		if extra, ok := envFallbacks[key]; ok {
			prefixed := EnvPrefix + "_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
			names = append([]string{key, prefixed}, extra...)
		}
		if err := v.BindEnv(names...); err != nil {
			return fmt.Errorf("bind env for %s: %w", key, err)
		}
	}
	return nil
}

// Load loads configuration from the global viper instance.
func Load() (*Config, error) {
	return LoadFrom(viper.GetViper())
}

// LoadFrom unmarshals v and applies defaults.
func LoadFrom(v *viper.Viper) (*Config, error) {
	cfg := &Config{}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	applyDefaults(cfg)

	return cfg, nil
}

// applyDefaults sets default values for unset fields
func applyDefaults(cfg *Config) {
	setString(&cfg.Provider.APIType, "responses")
	setString(&cfg.Provider.Timeout, "5m")
	if cfg.Provider.MaxRetries == 0 {
		cfg.Provider.MaxRetries = 2
	}

	setString(&cfg.Analysis.Language, "zh-CN")
	setString(&cfg.Analysis.Model, "gpt-4.1")
	setString(&cfg.Analysis.Mode, "markdown")
	setString(&cfg.Analysis.OutputDir, "reports")
	setInt(&cfg.Analysis.MaxQueries, 8)
	setInt(&cfg.Analysis.MaxFiles, 10)
	setInt(&cfg.Analysis.ResultsPerQuery, 8)
	setInt(&cfg.Analysis.MaxCharsPerFile, 4500)

	setString(&cfg.Server.Addr, ":8080")
	setString(&cfg.Server.RunTTL, "1h")
	setString(&cfg.Server.ShutdownTimeout, "15s")
	setInt(&cfg.Server.MaxRuns, 60)
	setInt(&cfg.Server.MaxConcurrentRuns, 4)

	setString(&cfg.Logging.Level, "info")
	setString(&cfg.Logging.Format, "text")

	setString(&cfg.Cloud.LogID, "issuelens-trace")
}

func setString(p *string, def string) {
	if strings.TrimSpace(*p) == "" {
		*p = def
	}
}

func setInt(p *int, def int) {
	if *p == 0 {
		*p = def
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	switch c.Provider.APIType {
	case "responses", "chat":
	default:
		return fmt.Errorf("invalid provider api_type: %s (must be responses or chat)", c.Provider.APIType)
	}

	switch strings.ToLower(c.Analysis.Mode) {
	case "markdown", "structured":
	default:
		return fmt.Errorf("invalid analysis mode: %s (must be markdown or structured)", c.Analysis.Mode)
	}

	if c.Provider.MaxRetries < 0 {
		return fmt.Errorf("provider max_retries must not be negative")
	}

	budgets := map[string]int{
		"max_queries":        c.Analysis.MaxQueries,
		"max_files":          c.Analysis.MaxFiles,
		"results_per_query":  c.Analysis.ResultsPerQuery,
		"max_chars_per_file": c.Analysis.MaxCharsPerFile,
	}
	for name, n := range budgets {
		if n <= 0 {
			return fmt.Errorf("analysis %s must be positive", name)
		}
	}

	for name, d := range map[string]string{
		"provider timeout":        c.Provider.Timeout,
		"server run_ttl":          c.Server.RunTTL,
		"server shutdown_timeout": c.Server.ShutdownTimeout,
	} {
		if _, err := time.ParseDuration(d); err != nil {
			return fmt.Errorf("invalid %s: %w", name, err)
		}
	}

	if c.Server.MaxRuns <= 0 {
		return fmt.Errorf("server max_runs must be positive")
	}
	if c.Server.MaxConcurrentRuns <= 0 {
		return fmt.Errorf("server max_concurrent_runs must be positive")
	}
	if c.Server.RateLimit < 0 {
		return fmt.Errorf("server rate_limit must not be negative")
	}

	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("invalid log level: %s", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("invalid log format: %s (must be text or json)", c.Logging.Format)
	}

	if c.GitHub.AppID != "" {
		if c.GitHub.InstallationID == 0 {
			return fmt.Errorf("GitHub App installation_id is required when app_id is set")
		}
		if c.GitHub.PrivateKey == "" && c.GitHub.PrivateKeyFile == "" && c.GitHub.PrivateKeySecret == "" {
			return fmt.Errorf("GitHub App private key is required when app_id is set")
		}
	}

	if c.Langfuse.Enabled() && c.Langfuse.SecretKey == "" && c.Langfuse.SecretKeySecret == "" {
		return fmt.Errorf("langfuse secret_key is required when public_key is set")
	}

	return nil
}

// ProviderTimeout returns the parsed provider timeout.
func (c *Config) ProviderTimeout() time.Duration {
	d, _ := time.ParseDuration(c.Provider.Timeout)
	return d
}

// RunTTL returns the parsed run store time-to-live.
func (c *Config) RunTTL() time.Duration {
	d, _ := time.ParseDuration(c.Server.RunTTL)
	return d
}

// ShutdownTimeout returns the parsed graceful shutdown timeout.
func (c *Config) ShutdownTimeout() time.Duration {
	d, _ := time.ParseDuration(c.Server.ShutdownTimeout)
	return d
}

// SecretResolver fetches a secret value by reference.
type SecretResolver interface {
	Resolve(ctx context.Context, ref string) (string, error)
}

// ResolveSecrets fills credentials that are only given as secret references
// or files. Literal values always win.
func (c *Config) ResolveSecrets(ctx context.Context, r SecretResolver) error {
	pairs := []struct {
		name  string
		value *string
		ref   string
	}{
		{"provider.api_key", &c.Provider.APIKey, c.Provider.APIKeySecret},
		{"github.token", &c.GitHub.Token, c.GitHub.TokenSecret},
		{"github.private_key", &c.GitHub.PrivateKey, c.GitHub.PrivateKeySecret},
		{"langfuse.secret_key", &c.Langfuse.SecretKey, c.Langfuse.SecretKeySecret},
	}
	for _, p := range pairs {
		if *p.value != "" || p.ref == "" {
			continue
		}
		if r == nil {
			return fmt.Errorf("%s_secret is set but no secret resolver is available", p.name)
		}
		v, err := r.Resolve(ctx, p.ref)
		if err != nil {
			return fmt.Errorf("%s: %w", p.name, err)
		}
		*p.value = v
	}

	if c.GitHub.PrivateKey == "" && c.GitHub.PrivateKeyFile != "" {
		data, err := os.ReadFile(c.GitHub.PrivateKeyFile)
		if err != nil {
			return fmt.Errorf("read GitHub App private key: %w", err)
		}
		c.GitHub.PrivateKey = string(data)
	}
	return nil
}

// NeedsSecrets reports whether any credential is given as a secret reference
// without a literal value.
func (c *Config) NeedsSecrets() bool {
	return (c.Provider.APIKey == "" && c.Provider.APIKeySecret != "") ||
		(c.GitHub.Token == "" && c.GitHub.TokenSecret != "") ||
		(c.GitHub.PrivateKey == "" && c.GitHub.PrivateKeySecret != "") ||
		(c.Langfuse.SecretKey == "" && c.Langfuse.SecretKeySecret != "")
}
