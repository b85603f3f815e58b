package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/ini.v1"

	"vergecore/internal/shared/types"
)

// LoadIni loads the vergecore.ini behavior configuration.
func LoadIni(cfg *types.Config, fileName string) error {
	iniFile, err := ini.Load(fileName)
	if err != nil {
		return err
	}
	if err := iniFile.MapTo(cfg); err != nil {
		return err
	}
	applyDefaults(cfg)
	return nil
}

func applyDefaults(cfg *types.Config) {
	if cfg.AppConf.HomeDir == "" {
		cfg.AppConf.HomeDir = "."
	}
	if cfg.EngineConf.Core == "" {
		cfg.EngineConf.Core = "verge-mihomo"
	}
	if cfg.EngineConf.MixedPort == 0 {
		cfg.EngineConf.MixedPort = 7897
	}
	if cfg.LogConf.Level == "" {
		cfg.LogConf.Level = "info"
	}
}

// RuntimePath returns the canonical runtime file the engine loads.
func RuntimePath(homeDir string) string {
	return filepath.Join(homeDir, "runtime.yaml")
}

// ProfilesDir returns the directory holding per-profile body files.
func ProfilesDir(homeDir string) string {
	return filepath.Join(homeDir, "profiles")
}

// SidecarLogDir returns the directory for child-process logs.
func SidecarLogDir(homeDir string) string {
	return filepath.Join(homeDir, "logs", "service")
}

// IPCPath returns the local IPC endpoint used to reach the engine:
// an AF_UNIX socket path on POSIX, a named pipe on Windows.
func IPCPath(homeDir string) string {
	return ipcPath(homeDir)
}

// EnsureLayout creates the directories vergecore writes into.
func EnsureLayout(homeDir string) error {
	for _, dir := range []string{homeDir, ProfilesDir(homeDir), SidecarLogDir(homeDir)} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}
	return nil
}
