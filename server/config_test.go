package server

import (
	"os"
	"path/filepath"
	"testing"
)

func TestParseJSONConfigOverridesOnlyGivenFields(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	if err := os.WriteFile(path, []byte(`{"root":"/srv/tftp","statslog":"./stats-20060102.csv"}`), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg := Config{Port: 6969, MaxRetries: 3, Quiet: true}
	if err := ParseJSONConfig(&cfg, path); err != nil {
		t.Fatalf("ParseJSONConfig: %v", err)
	}

	if cfg.Root != "/srv/tftp" || cfg.StatsLog != "./stats-20060102.csv" {
		t.Fatalf("fields present in the file were not applied: %+v", cfg)
	}
	if cfg.Port != 6969 || cfg.MaxRetries != 3 || !cfg.Quiet {
		t.Fatalf("fields absent from the file must survive untouched: %+v", cfg)
	}
}

func TestParseJSONConfigFieldCoverage(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	body := `{
		"port": 1069,
		"root": "/var/lib/tftpboot",
		"log": "/var/log/tftpd.json",
		"statslog": "/var/log/tftpd-stats.csv",
		"quiet": true,
		"maxretries": 5
	}`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	var cfg Config
	if err := ParseJSONConfig(&cfg, path); err != nil {
		t.Fatalf("ParseJSONConfig: %v", err)
	}

	want := Config{
		Port:       1069,
		Root:       "/var/lib/tftpboot",
		Log:        "/var/log/tftpd.json",
		StatsLog:   "/var/log/tftpd-stats.csv",
		Quiet:      true,
		MaxRetries: 5,
	}
	if cfg != want {
		t.Fatalf("got %+v, want %+v", cfg, want)
	}
}

func TestParseJSONConfigMissingFile(t *testing.T) {
	var cfg Config
	missing := filepath.Join(t.TempDir(), "missing.json")
	if err := ParseJSONConfig(&cfg, missing); err == nil {
		t.Fatal("expected error for a missing config file")
	}
}

func TestParseJSONConfigMalformed(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	if err := os.WriteFile(path, []byte(`{"port": `), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	var cfg Config
	if err := ParseJSONConfig(&cfg, path); err == nil {
		t.Fatal("expected error for truncated JSON")
	}
}
