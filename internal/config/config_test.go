package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "praxis.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadParsesDurationsAndEnvExpansion(t *testing.T) {
	t.Setenv("TEST_ANTHROPIC_KEY", "sk-ant-test")
	path := writeConfig(t, `
providers:
  anthropic:
    api_key: ${TEST_ANTHROPIC_KEY}
    model: claude-sonnet-4-20250514
executor:
  step_timeout: 90s
  deep_work_step_timeout: 45m
  base_max_tokens: 4096
logging:
  level: debug
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Providers.Anthropic.APIKey != "sk-ant-test" {
		t.Errorf("api key = %q", cfg.Providers.Anthropic.APIKey)
	}
	if time.Duration(cfg.Executor.StepTimeout) != 90*time.Second {
		t.Errorf("step_timeout = %v", time.Duration(cfg.Executor.StepTimeout))
	}
	if time.Duration(cfg.Executor.DeepWorkStepTimeout) != 45*time.Minute {
		t.Errorf("deep_work_step_timeout = %v", time.Duration(cfg.Executor.DeepWorkStepTimeout))
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("log level = %q", cfg.Logging.Level)
	}
}

func TestLoadRejectsBadDuration(t *testing.T) {
	path := writeConfig(t, "executor:\n  step_timeout: soon\n")
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for invalid duration")
	}
}

func TestEnvOverridesWinOverFile(t *testing.T) {
	t.Setenv("PRAXIS_BUDGET_CONTRACTS", "false")
	t.Setenv("PRAXIS_FALLBACK_TPS", "25.5")
	path := writeConfig(t, `
executor:
  contracts_enabled: true
  fallback_tps: 40
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Executor.ContractsEnabled == nil || *cfg.Executor.ContractsEnabled {
		t.Error("contracts_enabled not overridden by env")
	}
	if cfg.Executor.FallbackTPS != 25.5 {
		t.Errorf("fallback_tps = %v, want 25.5", cfg.Executor.FallbackTPS)
	}
}

func TestExecutorConfigMapping(t *testing.T) {
	cfg := Default()
	cfg.Providers.Anthropic.Model = "claude-sonnet-4-20250514"
	cfg.Executor.BaseMaxTokens = 2048
	cfg.Executor.PartialSuccessForCron = true

	ec := cfg.ExecutorConfig()
	if ec.Model != "claude-sonnet-4-20250514" {
		t.Errorf("Model = %q", ec.Model)
	}
	if ec.BaseMaxTokens != 2048 {
		t.Errorf("BaseMaxTokens = %d", ec.BaseMaxTokens)
	}
	if !ec.PartialSuccessForCron {
		t.Error("PartialSuccessForCron not carried")
	}
	// Unset fields keep executor defaults.
	if ec.MaxIterations != 16 {
		t.Errorf("MaxIterations = %d, want executor default 16", ec.MaxIterations)
	}
	if !ec.ContractsEnabled {
		t.Error("ContractsEnabled should default true")
	}
}

func TestLoadOrDefaultWithoutPath(t *testing.T) {
	t.Setenv("PRAXIS_PARTIAL_SUCCESS_FOR_CRON", "true")
	cfg, err := LoadOrDefault("")
	if err != nil {
		t.Fatalf("LoadOrDefault: %v", err)
	}
	if !cfg.Executor.PartialSuccessForCron {
		t.Error("env override not applied to defaults")
	}
	if cfg.Logging.Level != "info" {
		t.Errorf("default log level = %q", cfg.Logging.Level)
	}
}
