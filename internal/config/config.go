// Package config loads the daemon and CLI configuration from YAML with
// environment overrides. Environment variables referenced as ${VAR} in
// the file are expanded before parsing; a handful of PRAXIS_* variables
// override their fields after parsing so deployments can flip runtime
// flags without editing the file.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/praxisworks/praxis/internal/executor"
	"github.com/praxisworks/praxis/internal/observability"
)

// Duration wraps time.Duration for YAML values like "5m" or "90s".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// ProviderConfig holds one provider's credentials and model selection.
type ProviderConfig struct {
	// APIKey authenticates the provider. Usually "${ANTHROPIC_API_KEY}"
	// in the file.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the API endpoint.
	BaseURL string `yaml:"base_url"`

	// Model is the default model for this provider.
	Model string `yaml:"model"`
}

// ProvidersConfig selects the provider chain.
type ProvidersConfig struct {
	Anthropic ProviderConfig `yaml:"anthropic"`
	OpenAI    ProviderConfig `yaml:"openai"`

	// FailoverOnRateLimit advances the chain when the primary stays
	// rate-limited after its own retries.
	FailoverOnRateLimit bool `yaml:"failover_on_rate_limit"`

	// FailoverOnServerError advances the chain on persistent 5xx.
	FailoverOnServerError bool `yaml:"failover_on_server_error"`
}

// ExecutorConfig tunes the task loop.
type ExecutorConfig struct {
	// System is the system prompt prefix for every turn.
	System string `yaml:"system"`

	// MaxIterations limits LLM/tool cycles per plan step.
	MaxIterations int `yaml:"max_iterations"`

	// StepTimeout is the hard per-step deadline.
	StepTimeout Duration `yaml:"step_timeout"`

	// DeepWorkStepTimeout replaces StepTimeout in deep-work mode.
	DeepWorkStepTimeout Duration `yaml:"deep_work_step_timeout"`

	// BaseMaxTokens is the pre-decay per-call output cap.
	BaseMaxTokens int `yaml:"base_max_tokens"`

	// FallbackTPS seeds output-throughput pacing before observations.
	FallbackTPS float64 `yaml:"fallback_tps"`

	// ContractsEnabled applies budget-profile turn and tool caps.
	// Token and cost budgets stay active when disabled.
	ContractsEnabled *bool `yaml:"contracts_enabled"`

	// PartialSuccessForCron finalizes budget-exhausted cron tasks as
	// partial successes when a candidate answer exists.
	PartialSuccessForCron bool `yaml:"partial_success_for_cron"`

	// UserProfile is pinned into every conversation when set.
	UserProfile string `yaml:"user_profile"`

	// SharedContext is pinned when the task allows shared memory.
	SharedContext string `yaml:"shared_context"`
}

// SnapshotConfig locates the snapshot database.
type SnapshotConfig struct {
	// Path is the SQLite database file. Empty disables snapshots.
	Path string `yaml:"path"`
}

// LoggingConfig mirrors observability.LogConfig.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// TracingConfig mirrors observability.TraceConfig.
type TracingConfig struct {
	// Endpoint is the OTLP gRPC collector. Empty disables tracing.
	Endpoint    string  `yaml:"endpoint"`
	Environment string  `yaml:"environment"`
	SampleRate  float64 `yaml:"sample_rate"`
	Insecure    bool    `yaml:"insecure"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	// Listen is the host:port for /metrics. Empty disables the listener.
	Listen string `yaml:"listen"`
}

// Config is the root configuration.
type Config struct {
	Providers ProvidersConfig `yaml:"providers"`
	Executor  ExecutorConfig  `yaml:"executor"`
	Snapshot  SnapshotConfig  `yaml:"snapshot"`
	Logging   LoggingConfig   `yaml:"logging"`
	Tracing   TracingConfig   `yaml:"tracing"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Providers: ProvidersConfig{
			FailoverOnRateLimit:   true,
			FailoverOnServerError: true,
		},
		Executor: ExecutorConfig{
			StepTimeout:         Duration(5 * time.Minute),
			DeepWorkStepTimeout: Duration(30 * time.Minute),
		},
		Logging: LoggingConfig{Level: "info", Format: "json"},
	}
}

// Load reads and parses the file at path, applies environment
// overrides, and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	cfg := Default()
	expanded := os.ExpandEnv(string(data))
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	cfg.applyEnv()
	return cfg, nil
}

// LoadOrDefault loads path when non-empty, otherwise the defaults with
// environment overrides applied.
func LoadOrDefault(path string) (*Config, error) {
	if strings.TrimSpace(path) == "" {
		cfg := Default()
		cfg.applyEnv()
		return cfg, nil
	}
	return Load(path)
}

// applyEnv overlays runtime flags. These win over the file so operators
// can flip them per process.
func (c *Config) applyEnv() {
	if v, ok := envBool("PRAXIS_BUDGET_CONTRACTS"); ok {
		c.Executor.ContractsEnabled = &v
	}
	if v, ok := envBool("PRAXIS_PARTIAL_SUCCESS_FOR_CRON"); ok {
		c.Executor.PartialSuccessForCron = v
	}
	if v, ok := envFloat("PRAXIS_FALLBACK_TPS"); ok {
		c.Executor.FallbackTPS = v
	}
	if v, ok := envInt("PRAXIS_BASE_MAX_TOKENS"); ok {
		c.Executor.BaseMaxTokens = v
	}
	if v := os.Getenv("PRAXIS_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("PRAXIS_OTLP_ENDPOINT"); v != "" {
		c.Tracing.Endpoint = v
	}
	if v := os.Getenv("ANTHROPIC_API_KEY"); v != "" && c.Providers.Anthropic.APIKey == "" {
		c.Providers.Anthropic.APIKey = v
	}
	if v := os.Getenv("OPENAI_API_KEY"); v != "" && c.Providers.OpenAI.APIKey == "" {
		c.Providers.OpenAI.APIKey = v
	}
}

// ExecutorConfig maps onto the executor's own config struct. Zero
// fields fall through to the executor defaults.
func (c *Config) ExecutorConfig() *executor.Config {
	out := executor.DefaultConfig()
	out.Model = c.Providers.Anthropic.Model
	if c.Executor.System != "" {
		out.System = c.Executor.System
	}
	if c.Executor.MaxIterations > 0 {
		out.MaxIterations = c.Executor.MaxIterations
	}
	if c.Executor.StepTimeout > 0 {
		out.StepTimeout = time.Duration(c.Executor.StepTimeout)
	}
	if c.Executor.DeepWorkStepTimeout > 0 {
		out.DeepWorkStepTimeout = time.Duration(c.Executor.DeepWorkStepTimeout)
	}
	if c.Executor.BaseMaxTokens > 0 {
		out.BaseMaxTokens = c.Executor.BaseMaxTokens
	}
	if c.Executor.FallbackTPS > 0 {
		out.FallbackTPS = c.Executor.FallbackTPS
	}
	if c.Executor.ContractsEnabled != nil {
		out.ContractsEnabled = *c.Executor.ContractsEnabled
	}
	out.PartialSuccessForCron = c.Executor.PartialSuccessForCron
	out.UserProfile = c.Executor.UserProfile
	out.SharedContext = c.Executor.SharedContext
	return out
}

// LogConfig maps onto the observability logger config.
func (c *Config) LogConfig() observability.LogConfig {
	return observability.LogConfig{
		Level:  c.Logging.Level,
		Format: c.Logging.Format,
	}
}

// TraceConfig maps onto the observability tracer config.
func (c *Config) TraceConfig(version string) observability.TraceConfig {
	return observability.TraceConfig{
		ServiceName:    "praxis",
		ServiceVersion: version,
		Environment:    c.Tracing.Environment,
		Endpoint:       c.Tracing.Endpoint,
		SamplingRate:   c.Tracing.SampleRate,
		Insecure:       c.Tracing.Insecure,
	}
}

func envBool(key string) (bool, bool) {
	raw := os.Getenv(key)
	if raw == "" {
		return false, false
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, false
	}
	return v, true
}

func envInt(key string) (int, bool) {
	raw := os.Getenv(key)
	if raw == "" {
		return 0, false
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, false
	}
	return v, true
}

func envFloat(key string) (float64, bool) {
	raw := os.Getenv(key)
	if raw == "" {
		return 0, false
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}
