package util

import (
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"
)

const (
	AppConfigDir = ".config/cardfed"

	// HomeDirEnv replaces ~/.config/cardfed as the place for config, database and keys.
	HomeDirEnv = "CARDFED_HOME"
)

// GetConfigDir returns the per-user cardfed directory, creating it on first use.
func GetConfigDir() (string, error) {
	dir := os.Getenv(HomeDirEnv)
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("failed to get user home directory: %w", err)
		}
		dir = filepath.Join(home, AppConfigDir)
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("failed to create config directory: %w", err)
	}
	return dir, nil
}

// ResolveFilePath prefers ./filename and otherwise points into the per-user
// directory, whether or not the file exists there yet.
func ResolveFilePath(filename string) string {
	return resolve(filename)
}

// ResolveFilePathWithSubdir is ResolveFilePath for subdir/filename. The
// directory is created so the caller can write the file.
func ResolveFilePathWithSubdir(subdir, filename string) string {
	path := resolve(filepath.Join(subdir, filename))
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		zap.S().Warnf("Failed to create %s: %v", filepath.Dir(path), err)
	}
	return path
}

func resolve(rel string) string {
	if _, err := os.Stat(rel); err == nil {
		return rel
	}
	dir, err := GetConfigDir()
	if err != nil {
		return rel
	}
	return filepath.Join(dir, rel)
}
