// Copyright 2025 KrakLabs
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published
// by the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <https://www.gnu.org/licenses/>.
//
// For commercial licensing, contact: licensing@kraklabs.com
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package main

import (
	"encoding/json"
	"fmt"
	"maps"
	"net/url"
	"os"
	"path/filepath"
	"slices"
	"strings"

	flag "github.com/spf13/pflag"

	"github.com/kraklabs/sepasync/internal/errors"
	"github.com/kraklabs/sepasync/internal/ui"
)

// ConfigOutput represents the configuration for JSON output. Credentials in
// connection strings are redacted.
type ConfigOutput struct {
	ConfigPath string        `json:"config_path"`
	Version    string        `json:"version"`
	DataDir    string        `json:"data_dir"`
	StateDir   string        `json:"state_dir"`
	Feed       FeedOutput    `json:"feed"`
	Brands     []string      `json:"brands"`
	Region     RegionOutput  `json:"region"`
	Remote     RemoteOutput  `json:"remote"`
	SQLitePath string        `json:"sqlite_path,omitempty"`
	Kafka      string        `json:"kafka_brokers,omitempty"`
	Redis      string        `json:"redis_url,omitempty"`
	Metrics    MetricsConfig `json:"metrics"`
}

// FeedOutput represents feed settings for JSON output.
type FeedOutput struct {
	URLs     map[string]string `json:"urls,omitempty"`
	Timeout  string            `json:"timeout"`
	Attempts int               `json:"attempts"`
	Prefixes []string          `json:"inner_prefixes"`
}

// RegionOutput summarizes the region filter.
type RegionOutput struct {
	Capital    int `json:"capital_aliases"`
	Province   int `json:"province_aliases"`
	Localities int `json:"localities"`
}

// RemoteOutput represents remote store settings for JSON output.
type RemoteOutput struct {
	Enabled     bool   `json:"enabled"`
	MongoURI    string `json:"mongo_uri,omitempty"`
	Database    string `json:"database"`
	BatchSize   int    `json:"batch_size"`
	Parallelism int    `json:"parallelism"`
	Quota       int    `json:"quota"`
	FailOnError bool   `json:"fail_on_error"`
}

// runConfig executes the 'config' CLI command, displaying the effective
// configuration or writing a default one with --init.
//
// Examples:
//
//	sepasync config                Display formatted configuration
//	sepasync config --json         Output as JSON
//	sepasync config --init         Write .sepasync/config.yaml with defaults
func runConfig(args []string, configPath string, globals GlobalFlags) {
	fs := flag.NewFlagSet("config", flag.ExitOnError)
	initCfg := fs.Bool("init", false, "Write a default configuration to .sepasync/config.yaml")
	force := fs.Bool("force", false, "Overwrite an existing configuration (with --init)")

	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, `Usage: sepasync config [options]

Description:
  Display the effective configuration: the config file merged with
  defaults and environment overrides.

  Passwords in connection strings are never displayed.

Options:
`)
		fs.PrintDefaults()
		fmt.Fprintf(os.Stderr, `
Examples:
  sepasync config
  sepasync config --json | jq '.remote'
  sepasync config --init

`)
	}

	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}

	if *initCfg {
		initConfig(configPath, *force, globals)
		return
	}

	cfg, cfgFile, err := LoadConfig(configPath)
	if err != nil {
		errors.FatalError(err, globals.JSON)
	}
	dataDir, err := dataRootFromConfig(cfg, cfgFile)
	if err != nil {
		errors.FatalError(err, globals.JSON)
	}
	stateDir, err := stateRootFromConfig(cfg, cfgFile)
	if err != nil {
		errors.FatalError(err, globals.JSON)
	}

	result := buildConfigOutput(cfgFile, dataDir, stateDir, cfg)
	if globals.JSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(result); err != nil {
			errors.FatalError(errors.NewInternalError(
				"Cannot encode configuration as JSON",
				"JSON encoding failed unexpectedly",
				"This is a bug. Please report it",
				err,
			), globals.JSON)
		}
		return
	}
	printConfigHuman(result)
}

func initConfig(configPath string, force bool, globals GlobalFlags) {
	target := configPath
	if target == "" {
		cwd, err := os.Getwd()
		if err != nil {
			errors.FatalError(errors.NewInternalError(
				"Cannot access working directory",
				"Failed to determine current directory path",
				"Check system permissions and try again",
				err,
			), globals.JSON)
		}
		target = ConfigPath(cwd)
	}

	if _, err := os.Stat(target); err == nil && !force {
		errors.FatalError(errors.NewInputError(
			"Configuration already exists",
			fmt.Sprintf("%s already exists", target),
			"Use 'sepasync config --init --force' to overwrite it",
			nil,
		), globals.JSON)
	}

	if err := SaveConfig(DefaultConfig(), target); err != nil {
		errors.FatalError(err, globals.JSON)
	}
	if !globals.Quiet {
		ui.Successf("Wrote %s", target)
	}
}

func buildConfigOutput(cfgFile, dataDir, stateDir string, cfg *Config) *ConfigOutput {
	if cfgFile == "" {
		cfgFile = "(defaults)"
	} else if abs, err := filepath.Abs(cfgFile); err == nil {
		cfgFile = abs
	}

	brands := make([]string, 0, len(cfg.Filter.Brands))
	for _, b := range cfg.Filter.Brands {
		brands = append(brands, b.Name)
	}

	return &ConfigOutput{
		ConfigPath: cfgFile,
		Version:    cfg.Version,
		DataDir:    dataDir,
		StateDir:   stateDir,
		Feed: FeedOutput{
			URLs:     cfg.Feed.URLs,
			Timeout:  cfg.Feed.Timeout.String(),
			Attempts: cfg.Feed.Attempts,
			Prefixes: cfg.Filter.InnerPrefixes,
		},
		Brands: brands,
		Region: RegionOutput{
			Capital:    len(cfg.Filter.Region.Capital),
			Province:   len(cfg.Filter.Region.Province),
			Localities: len(cfg.Filter.Region.Localities),
		},
		Remote: RemoteOutput{
			Enabled:     cfg.Remote.Enabled,
			MongoURI:    redactURL(cfg.Remote.MongoURI),
			Database:    cfg.Remote.Database,
			BatchSize:   cfg.Remote.BatchSize,
			Parallelism: cfg.Remote.Parallelism,
			Quota:       cfg.Remote.Quota,
			FailOnError: cfg.Remote.FailOnError,
		},
		SQLitePath: cfg.Export.SQLitePath,
		Kafka:      cfg.Events.KafkaBrokers,
		Redis:      redactURL(cfg.Lock.RedisURL),
		Metrics:    cfg.Metrics,
	}
}

// redactURL hides the password of a connection string. Unparseable values
// are hidden entirely.
func redactURL(raw string) string {
	if raw == "" {
		return ""
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "(hidden)"
	}
	return u.Redacted()
}

func printConfigHuman(cfg *ConfigOutput) {
	ui.Header("sepasync Configuration")
	fmt.Printf("%s  %s\n", ui.Label("Config File:"), ui.DimText(cfg.ConfigPath))
	fmt.Printf("%s     %s\n", ui.Label("Version:"), cfg.Version)
	fmt.Printf("%s    %s\n", ui.Label("Data Dir:"), cfg.DataDir)
	fmt.Printf("%s   %s\n", ui.Label("State Dir:"), cfg.StateDir)
	fmt.Println()

	ui.SubHeader("Feed:")
	fmt.Printf("  Timeout:  %s, %d attempts\n", cfg.Feed.Timeout, cfg.Feed.Attempts)
	fmt.Printf("  Archives: %s\n", strings.Join(cfg.Feed.Prefixes, ", "))
	for _, day := range slices.Sorted(maps.Keys(cfg.Feed.URLs)) {
		fmt.Printf("  %-10s %s\n", day+":", cfg.Feed.URLs[day])
	}
	fmt.Println()

	ui.SubHeader("Filter:")
	fmt.Printf("  Brands: %s\n", strings.Join(cfg.Brands, ", "))
	fmt.Printf("  Region: %d capital aliases, %d province aliases, %d localities\n",
		cfg.Region.Capital, cfg.Region.Province, cfg.Region.Localities)
	fmt.Println()

	ui.SubHeader("Remote:")
	if !cfg.Remote.Enabled {
		fmt.Printf("  %s\n", ui.DimText("disabled"))
	} else {
		fmt.Printf("  URI:      %s\n", cfg.Remote.MongoURI)
		fmt.Printf("  Database: %s\n", cfg.Remote.Database)
		fmt.Printf("  Batches:  %d docs, %d in parallel\n", cfg.Remote.BatchSize, cfg.Remote.Parallelism)
		fmt.Printf("  Quota:    %d writes per run\n", cfg.Remote.Quota)
	}

	if cfg.SQLitePath != "" || cfg.Kafka != "" || cfg.Redis != "" || cfg.Metrics.Addr != "" || cfg.Metrics.Pushgateway != "" {
		fmt.Println()
		ui.SubHeader("Integrations:")
		printIfSet("SQLite export", cfg.SQLitePath)
		printIfSet("Kafka", cfg.Kafka)
		printIfSet("Redis lock", cfg.Redis)
		printIfSet("Metrics", cfg.Metrics.Addr)
		printIfSet("Pushgateway", cfg.Metrics.Pushgateway)
	}
}

func printIfSet(label, value string) {
	if value != "" {
		fmt.Printf("  %-14s %s\n", label+":", value)
	}
}
