package config

import (
	"testing"
)

func TestLoad_NonexistentFile(t *testing.T) {
	if _, err := Load("/definitely/not/a/real/file-12345.yaml"); err == nil {
		t.Fatalf("expected error for nonexistent file")
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	d := t.TempDir()
	p := writeTempFile(t, d, "bad.yaml", "addr: :8080\n: broken\n")
	if _, err := Load(p); err == nil {
		t.Fatalf("expected YAML unmarshal error")
	}
}

func TestLoad_InvalidJSON(t *testing.T) {
	d := t.TempDir()
	p := writeTempFile(t, d, "bad.json", `{ "addr": ":8080", "data_dir": }`)
	if _, err := Load(p); err == nil {
		t.Fatalf("expected JSON unmarshal error")
	}
}

func TestLoad_InvalidTOML(t *testing.T) {
	d := t.TempDir()
	p := writeTempFile(t, d, "bad.toml", "addr=:8080\ndata_dir\n")
	if _, err := Load(p); err == nil {
		t.Fatalf("expected TOML unmarshal error")
	}
}

func TestExpandPaths(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	cfg, err := Defaults(Config{}).ExpandPaths()
	if err != nil {
		t.Fatalf("expand: %v", err)
	}
	for _, p := range []string{cfg.DataDir, cfg.EmergencyStopFile, cfg.Deployment.ActiveDir, cfg.Deployment.BackupDir, cfg.Quantization.OutputDir} {
		if len(p) > 0 && p[0] == '~' {
			t.Fatalf("path not expanded: %q", p)
		}
	}
}

func TestFromEnv(t *testing.T) {
	t.Setenv("QUANTPILOT_ADDR", "127.0.0.1:9999")
	t.Setenv("QUANTPILOT_DATA_DIR", "/tmp/qp")
	cfg, err := FromEnv()
	if err != nil {
		t.Fatalf("defaults should validate: %v", err)
	}
	if cfg.Addr != "127.0.0.1:9999" || cfg.DataDir != "/tmp/qp" {
		t.Fatalf("env not applied: %+v", cfg)
	}
	if cfg.DBPath() != "/tmp/qp/quantpilot.db" {
		t.Fatalf("db path = %s", cfg.DBPath())
	}
}
