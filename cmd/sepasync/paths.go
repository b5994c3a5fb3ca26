// Copyright 2025 KrakLabs
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package main

import (
	"os"
	"path/filepath"

	"github.com/kraklabs/sepasync/internal/errors"
)

// dataRootFromConfig resolves the snapshot root with precedence:
// SEPASYNC_DATA_DIR > data_dir > ~/.sepasync/data. A relative data_dir is
// resolved against the directory holding the config file.
func dataRootFromConfig(cfg *Config, configPath string) (string, error) {
	var custom string
	if cfg != nil {
		custom = cfg.DataDir
	}
	return resolveDir(custom, configPath, "data")
}

// stateRootFromConfig resolves the run log and overflow directory the same
// way, defaulting to ~/.sepasync/state.
func stateRootFromConfig(cfg *Config, configPath string) (string, error) {
	var custom string
	if cfg != nil {
		custom = cfg.StateDir
	}
	return resolveDir(custom, configPath, "state")
}

func resolveDir(custom, configPath, name string) (string, error) {
	if custom != "" {
		if filepath.IsAbs(custom) {
			return filepath.Clean(custom), nil
		}
		if configPath != "" {
			cfgFile, err := absPath(configPath)
			if err == nil {
				// configPath is <root>/.sepasync/config.yaml
				baseDir := filepath.Dir(cfgFile)
				return filepath.Clean(filepath.Join(baseDir, custom)), nil
			}
		}
		return absPath(custom)
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", errors.NewInternalError(
			"Cannot determine home directory",
			"Operating system did not provide user home directory path",
			"Check your system configuration or set SEPASYNC_DATA_DIR",
			err,
		)
	}
	return filepath.Join(home, defaultConfigDir, name), nil
}

func absPath(path string) (string, error) {
	if filepath.IsAbs(path) {
		return filepath.Clean(path), nil
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	return filepath.Clean(abs), nil
}
