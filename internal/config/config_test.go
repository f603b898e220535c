package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadSubstitutesEnvVars(t *testing.T) {
	t.Setenv("DATALENS_TEST_KEY", "sk-secret")

	path := writeConfig(t, `{
		"server": {"port": 8080, "log_level": "${DATALENS_TEST_LEVEL:info}"},
		"providers": [{"id": "anthropic", "type": "anthropic", "api_key": "${DATALENS_TEST_KEY}"}],
		"agent": {"model": "claude-sonnet-4-20250514", "max_steps": 10},
		"sandbox": {"endpoint": "${DATALENS_TEST_SBX:http://localhost:9090}", "timeout_seconds": 600}
	}`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}

	if cfg.Providers[0].APIKey != "sk-secret" {
		t.Errorf("expected env value, got %q", cfg.Providers[0].APIKey)
	}
	if cfg.Server.LogLevel != "info" {
		t.Errorf("expected default when env is unset, got %q", cfg.Server.LogLevel)
	}
	if cfg.Sandbox.Endpoint != "http://localhost:9090" {
		t.Errorf("default with colon mangled: %q", cfg.Sandbox.Endpoint)
	}
	if cfg.Agent.MaxSteps != 10 {
		t.Errorf("expected max_steps 10, got %d", cfg.Agent.MaxSteps)
	}
}

func TestLoadEnvOverridesDefault(t *testing.T) {
	t.Setenv("DATALENS_TEST_LEVEL", "debug")

	path := writeConfig(t, `{"server": {"log_level": "${DATALENS_TEST_LEVEL:info}"}}`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Server.LogLevel != "debug" {
		t.Errorf("env should win over default, got %q", cfg.Server.LogLevel)
	}
}

func TestLoadMissingVarWithoutDefaultIsEmpty(t *testing.T) {
	path := writeConfig(t, `{"database": {"postgres": {"dsn": "${DATALENS_TEST_NO_SUCH_VAR}"}}}`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Database.Postgres.DSN != "" {
		t.Errorf("expected empty DSN, got %q", cfg.Database.Postgres.DSN)
	}
}

func TestLoadErrors(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.json")); err == nil {
		t.Error("expected error for missing file")
	}
	path := writeConfig(t, `{"server": `)
	if _, err := Load(path); err == nil {
		t.Error("expected error for malformed JSON")
	}
}
