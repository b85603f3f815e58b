//go:build !windows

package config

import "path/filepath"

func ipcPath(homeDir string) string {
	return filepath.Join(homeDir, "mihomo.sock")
}
