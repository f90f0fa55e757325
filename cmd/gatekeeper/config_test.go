package main

import (
	"strings"
	"testing"

	"gopkg.in/yaml.v3"

	"mercator-hq/gatekeeper/pkg/config"
)

func TestConfigValidate_Defaults(t *testing.T) {
	out, err := execute(t, "config", "validate")
	if err != nil {
		t.Fatalf("config validate failed: %v", err)
	}
	if !strings.Contains(out, "Configuration valid") {
		t.Errorf("Expected success message, got:\n%s", out)
	}
}

func TestConfigValidate_MissingFile(t *testing.T) {
	if _, err := execute(t, "config", "validate", "--config", t.TempDir()+"/missing.yaml"); err == nil {
		t.Error("Expected error for a missing config file")
	}
}

func TestConfigDefaults_RoundTrips(t *testing.T) {
	out, err := execute(t, "config", "defaults")
	if err != nil {
		t.Fatalf("config defaults failed: %v", err)
	}

	cfg, err := config.Parse([]byte(out))
	if err != nil {
		t.Fatalf("Printed defaults do not parse: %v", err)
	}
	if err := config.Validate(cfg); err != nil {
		t.Errorf("Printed defaults do not validate: %v", err)
	}

	var raw map[string]any
	if err := yaml.Unmarshal([]byte(out), &raw); err != nil {
		t.Fatalf("Printed defaults are not YAML: %v", err)
	}
	for _, section := range []string{"server", "limits", "wallet", "telemetry"} {
		if _, ok := raw[section]; !ok {
			t.Errorf("Expected section %q in printed defaults", section)
		}
	}
}
