//go:build windows

package config

func ipcPath(homeDir string) string {
	return `\\.\pipe\vergecore-mihomo`
}
