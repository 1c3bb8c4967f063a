package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeConfigFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "convorelay.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestRunVersion(t *testing.T) {
	for _, arg := range []string{"version", "--version", "-v"} {
		if code := run([]string{arg}); code != 0 {
			t.Errorf("run(%q) = %d, want 0", arg, code)
		}
	}
}

func TestRunUnknownCommand(t *testing.T) {
	if code := run([]string{"bananas"}); code != 2 {
		t.Errorf("run(bananas) = %d, want 2", code)
	}
}

func TestConfigValidateValid(t *testing.T) {
	path := writeConfigFile(t, `
server:
  port: 8080
`)

	var out, errOut bytes.Buffer
	code := runConfig([]string{"validate", "--config", path}, &out, &errOut)
	if code != 0 {
		t.Fatalf("exit code = %d, stderr = %s", code, errOut.String())
	}
	if !strings.Contains(out.String(), "config is valid") {
		t.Errorf("stdout = %q", out.String())
	}
}

func TestConfigValidateInvalid(t *testing.T) {
	path := writeConfigFile(t, `
server:
  port: -1
`)

	var out, errOut bytes.Buffer
	code := runConfig([]string{"validate", "--config", path}, &out, &errOut)
	if code != 1 {
		t.Fatalf("exit code = %d, want 1", code)
	}
	if !strings.Contains(errOut.String(), "config is invalid") {
		t.Errorf("stderr = %q", errOut.String())
	}
}

func TestConfigValidateRejectsPositionalArgs(t *testing.T) {
	var out, errOut bytes.Buffer
	if code := runConfig([]string{"validate", "extra"}, &out, &errOut); code != 2 {
		t.Errorf("exit code = %d, want 2", code)
	}
}

func TestConfigUsageWithoutSubcommand(t *testing.T) {
	var out, errOut bytes.Buffer
	if code := runConfig(nil, &out, &errOut); code != 2 {
		t.Errorf("exit code = %d, want 2", code)
	}
	if !strings.Contains(errOut.String(), "Usage:") {
		t.Errorf("stderr = %q", errOut.String())
	}
}

func TestLoadAndValidateConfigStages(t *testing.T) {
	badYAML := writeConfigFile(t, "server: [")
	if _, stage, err := loadAndValidateConfig(badYAML); err == nil || stage != configStageLoad {
		t.Errorf("stage = %q, err = %v, want load failure", stage, err)
	}

	badValues := writeConfigFile(t, "server:\n  port: 0\n")
	if _, stage, err := loadAndValidateConfig(badValues); err == nil || stage != configStageValidate {
		t.Errorf("stage = %q, err = %v, want validate failure", stage, err)
	}

	good := writeConfigFile(t, "server:\n  port: 8080\n")
	cfg, stage, err := loadAndValidateConfig(good)
	if err != nil || stage != "" {
		t.Fatalf("stage = %q, err = %v", stage, err)
	}
	if cfg.Server.Port != 8080 {
		t.Errorf("port = %d", cfg.Server.Port)
	}
}
