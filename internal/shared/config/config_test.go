package config

import (
	"os"
	"path/filepath"
	"testing"

	"vergecore/internal/shared/types"
)

func TestLoadIniAppliesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vergecore.ini")
	content := "[app]\nhome_dir = /tmp/verge\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	var cfg types.Config
	if err := LoadIni(&cfg, path); err != nil {
		t.Fatalf("LoadIni failed: %v", err)
	}
	if cfg.AppConf.HomeDir != "/tmp/verge" {
		t.Fatalf("home_dir = %q", cfg.AppConf.HomeDir)
	}
	if cfg.EngineConf.Core != "verge-mihomo" {
		t.Fatalf("default core = %q, want verge-mihomo", cfg.EngineConf.Core)
	}
	if cfg.EngineConf.MixedPort != 7897 {
		t.Fatalf("default mixed_port = %d, want 7897", cfg.EngineConf.MixedPort)
	}
	if cfg.LogConf.Level != "info" {
		t.Fatalf("default log level = %q, want info", cfg.LogConf.Level)
	}
}

func TestLoadIniOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vergecore.ini")
	content := `[app]
home_dir = /data/verge

[engine]
core = verge-mihomo-alpha
bin_dir = /opt/verge/bin
mixed_port = 9000
service_endpoint = http://127.0.0.1:33211

[web]
web_port = 9090
web_user = admin
web_password = secret

[log]
level = debug
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	var cfg types.Config
	if err := LoadIni(&cfg, path); err != nil {
		t.Fatalf("LoadIni failed: %v", err)
	}
	if cfg.EngineConf.Core != "verge-mihomo-alpha" || cfg.EngineConf.MixedPort != 9000 {
		t.Fatalf("engine section not mapped: %+v", cfg.EngineConf)
	}
	if cfg.WebConf.WebPort != 9090 || cfg.WebConf.WebUser != "admin" {
		t.Fatalf("web section not mapped: %+v", cfg.WebConf)
	}
	if cfg.LogConf.Level != "debug" {
		t.Fatalf("log section not mapped: %+v", cfg.LogConf)
	}
}

func TestLoadIniMissingFile(t *testing.T) {
	var cfg types.Config
	if err := LoadIni(&cfg, filepath.Join(t.TempDir(), "absent.ini")); err == nil {
		t.Fatal("missing ini must fail")
	}
}

func TestEnsureLayout(t *testing.T) {
	home := filepath.Join(t.TempDir(), "verge")
	if err := EnsureLayout(home); err != nil {
		t.Fatalf("EnsureLayout failed: %v", err)
	}
	for _, dir := range []string{home, ProfilesDir(home), SidecarLogDir(home)} {
		info, err := os.Stat(dir)
		if err != nil || !info.IsDir() {
			t.Fatalf("layout directory missing: %s (%v)", dir, err)
		}
	}
}

func TestDerivedPaths(t *testing.T) {
	home := "/data/verge"
	if got := RuntimePath(home); got != filepath.Join(home, "runtime.yaml") {
		t.Fatalf("RuntimePath = %q", got)
	}
	if got := ProfilesDir(home); got != filepath.Join(home, "profiles") {
		t.Fatalf("ProfilesDir = %q", got)
	}
	if IPCPath(home) == "" {
		t.Fatal("IPCPath must not be empty")
	}
}
