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
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/kraklabs/sepasync/internal/errors"
	"github.com/kraklabs/sepasync/pkg/feed"
	"github.com/kraklabs/sepasync/pkg/ingestion"
	"github.com/kraklabs/sepasync/pkg/remote"
)

const (
	defaultConfigDir  = ".sepasync"
	defaultConfigFile = "config.yaml"
	configVersion     = "1"
)

// Config represents the .sepasync/config.yaml configuration file.
type Config struct {
	Version  string        `yaml:"version"`
	DataDir  string        `yaml:"data_dir,omitempty"`  // snapshot root
	StateDir string        `yaml:"state_dir,omitempty"` // run log and overflow file
	TempDir  string        `yaml:"temp_dir,omitempty"`
	Feed     FeedConfig    `yaml:"feed"`
	Filter   FilterConfig  `yaml:"filter"`
	Export   ExportConfig  `yaml:"export,omitempty"`
	Remote   RemoteConfig  `yaml:"remote"`
	Events   EventsConfig  `yaml:"events,omitempty"`
	Lock     LockConfig    `yaml:"lock,omitempty"`
	Metrics  MetricsConfig `yaml:"metrics,omitempty"`
}

// FeedConfig controls where and how the daily feed is fetched.
type FeedConfig struct {
	URLs       map[string]string `yaml:"urls,omitempty"` // weekday name -> URL
	Timeout    time.Duration     `yaml:"timeout"`
	Attempts   int               `yaml:"attempts"`
	RetryDelay time.Duration     `yaml:"retry_delay"`
	UserAgent  string            `yaml:"user_agent,omitempty"`
}

// FilterConfig selects which archives, brands and branches are kept.
type FilterConfig struct {
	InnerPrefixes      []string               `yaml:"inner_prefixes"`
	MaxInMemoryArchive int64                  `yaml:"max_in_memory_archive"` // bytes
	Brands             []ingestion.BrandRule  `yaml:"brands"`
	Region             ingestion.RegionConfig `yaml:"region"`
}

// ExportConfig contains optional secondary outputs.
type ExportConfig struct {
	SQLitePath string `yaml:"sqlite_path,omitempty"`
}

// RemoteConfig contains the remote document store settings.
type RemoteConfig struct {
	Enabled       bool          `yaml:"enabled"`
	MongoURI      string        `yaml:"mongo_uri,omitempty"`
	Database      string        `yaml:"database"`
	BatchSize     int           `yaml:"batch_size"`
	Parallelism   int           `yaml:"parallelism"`
	Quota         int           `yaml:"quota"` // writes per run, 0 for unlimited
	CommitTimeout time.Duration `yaml:"commit_timeout"`
	FailOnError   bool          `yaml:"fail_on_error"`
	OverflowFile  string        `yaml:"overflow_file,omitempty"`
}

// EventsConfig enables change-set events on Kafka.
type EventsConfig struct {
	KafkaBrokers string `yaml:"kafka_brokers,omitempty"` // comma separated
	Topic        string `yaml:"topic,omitempty"`
}

// LockConfig enables the Redis run lock.
type LockConfig struct {
	RedisURL string        `yaml:"redis_url,omitempty"`
	Key      string        `yaml:"key,omitempty"`
	TTL      time.Duration `yaml:"ttl,omitempty"`
}

// MetricsConfig contains Prometheus settings.
type MetricsConfig struct {
	Addr        string `yaml:"addr,omitempty" json:"addr,omitempty"`
	Pushgateway string `yaml:"pushgateway,omitempty" json:"pushgateway,omitempty"`
	Job         string `yaml:"job,omitempty" json:"job,omitempty"`
}

// DefaultConfig returns a config with sensible defaults.
//
// Remote sync, events and the run lock are disabled until configured.
func DefaultConfig() *Config {
	fc := feed.DefaultConfig()
	ic := ingestion.DefaultConfig()
	rc := remote.DefaultConfig()
	return &Config{
		Version: configVersion,
		Feed: FeedConfig{
			Timeout:    fc.Timeout,
			Attempts:   fc.Attempts,
			RetryDelay: fc.RetryDelay,
		},
		Filter: FilterConfig{
			InnerPrefixes:      ic.InnerPrefixes,
			MaxInMemoryArchive: ic.MaxInMemoryArchive,
			Brands:             ic.Brands,
			Region:             ic.Region,
		},
		Remote: RemoteConfig{
			Database:      "sepa",
			BatchSize:     rc.BatchSize,
			Parallelism:   rc.Parallelism,
			Quota:         19000,
			CommitTimeout: rc.CommitTimeout,
		},
		Events: EventsConfig{Topic: "sepa.changes"},
		Lock:   LockConfig{Key: "sepasync:run", TTL: 2 * time.Hour},
		Metrics: MetricsConfig{
			Job: "sepasync",
		},
	}
}

// LoadConfig loads configuration from the specified path or finds it automatically.
//
// If configPath is empty, SEPASYNC_CONFIG_PATH is consulted, then
// .sepasync/config.yaml is searched in the current and parent directories.
// When no file exists the defaults are used. Environment overrides are
// applied last.
//
// Returns the configuration and the file it was read from ("" for defaults).
func LoadConfig(configPath string) (*Config, string, error) {
	if configPath == "" {
		configPath = os.Getenv("SEPASYNC_CONFIG_PATH")
	}
	if configPath == "" {
		found, err := findConfigFile()
		if err != nil {
			return nil, "", err
		}
		if found == "" {
			cfg := DefaultConfig()
			cfg.applyEnvOverrides()
			return cfg, "", nil
		}
		configPath = found
	}

	data, err := os.ReadFile(configPath) //nolint:gosec // G304: path comes from the user or discovery
	if err != nil {
		return nil, "", errors.NewConfigError(
			"Cannot read configuration file",
			fmt.Sprintf("Failed to read %s", configPath),
			"Check file permissions and ensure the file exists",
			err,
		)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, "", errors.NewConfigError(
			"Invalid configuration format",
			"YAML parsing failed - the config file contains syntax errors",
			fmt.Sprintf("Edit %s to fix syntax errors, or run 'sepasync config --init --force' to recreate", configPath),
			err,
		)
	}

	if cfg.Version != configVersion {
		return nil, "", errors.NewConfigError(
			"Unsupported configuration version",
			fmt.Sprintf("Config version '%s' is not supported (expected '%s')", cfg.Version, configVersion),
			"Run 'sepasync config --init --force' to regenerate the configuration file",
			nil,
		)
	}

	cfg.applyEnvOverrides()
	if err := cfg.validate(); err != nil {
		return nil, "", err
	}
	return cfg, configPath, nil
}

// SaveConfig writes the configuration to configPath as YAML.
func SaveConfig(cfg *Config, configPath string) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return errors.NewInternalError(
			"Cannot encode configuration",
			"YAML marshaling failed unexpectedly",
			"This is a bug. Please report it with your configuration details",
			err,
		)
	}

	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return errors.NewPermissionError(
			"Cannot create configuration directory",
			fmt.Sprintf("Permission denied creating %s", dir),
			"Check directory permissions or run with appropriate privileges",
			err,
		)
	}
	if err := os.WriteFile(configPath, data, 0600); err != nil {
		return errors.NewPermissionError(
			"Cannot write configuration file",
			fmt.Sprintf("Permission denied writing to %s", configPath),
			"Check file permissions and ensure sufficient disk space",
			err,
		)
	}
	return nil
}

// ConfigPath returns <dir>/.sepasync/config.yaml.
func ConfigPath(dir string) string {
	return filepath.Join(dir, defaultConfigDir, defaultConfigFile)
}

// findConfigFile walks from the working directory up to the filesystem root
// looking for .sepasync/config.yaml. It returns "" when there is none.
func findConfigFile() (string, error) {
	dir, err := os.Getwd()
	if err != nil {
		return "", errors.NewInternalError(
			"Cannot access working directory",
			"Failed to determine current directory path",
			"Check system permissions and try again",
			err,
		)
	}

	for {
		configPath := ConfigPath(dir)
		if _, err := os.Stat(configPath); err == nil {
			return configPath, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", nil
		}
		dir = parent
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration.
//
// Supported environment variables:
//   - SEPASYNC_DATA_DIR, SEPASYNC_STATE_DIR, SEPASYNC_TEMP_DIR
//   - SEPASYNC_MONGO_URI: set the remote store URI and enable remote sync
//   - SEPASYNC_MONGO_DATABASE
//   - SEPASYNC_REMOTE_QUOTA
//   - SEPASYNC_KAFKA_BROKERS, SEPASYNC_KAFKA_TOPIC
//   - SEPASYNC_REDIS_URL
//   - SEPASYNC_METRICS_ADDR, SEPASYNC_PUSHGATEWAY
func (c *Config) applyEnvOverrides() {
	if dir := os.Getenv("SEPASYNC_DATA_DIR"); dir != "" {
		c.DataDir = dir
	}
	if dir := os.Getenv("SEPASYNC_STATE_DIR"); dir != "" {
		c.StateDir = dir
	}
	if dir := os.Getenv("SEPASYNC_TEMP_DIR"); dir != "" {
		c.TempDir = dir
	}
	if uri := os.Getenv("SEPASYNC_MONGO_URI"); uri != "" {
		c.Remote.MongoURI = uri
		c.Remote.Enabled = true
	}
	if db := os.Getenv("SEPASYNC_MONGO_DATABASE"); db != "" {
		c.Remote.Database = db
	}
	if q := os.Getenv("SEPASYNC_REMOTE_QUOTA"); q != "" {
		if n, err := strconv.Atoi(q); err == nil {
			c.Remote.Quota = n
		}
	}
	if brokers := os.Getenv("SEPASYNC_KAFKA_BROKERS"); brokers != "" {
		c.Events.KafkaBrokers = brokers
	}
	if topic := os.Getenv("SEPASYNC_KAFKA_TOPIC"); topic != "" {
		c.Events.Topic = topic
	}
	if url := os.Getenv("SEPASYNC_REDIS_URL"); url != "" {
		c.Lock.RedisURL = url
	}
	if addr := os.Getenv("SEPASYNC_METRICS_ADDR"); addr != "" {
		c.Metrics.Addr = addr
	}
	if url := os.Getenv("SEPASYNC_PUSHGATEWAY"); url != "" {
		c.Metrics.Pushgateway = url
	}
}

func (c *Config) validate() error {
	for name := range c.Feed.URLs {
		if _, err := parseWeekday(name); err != nil {
			return errors.NewConfigError(
				"Invalid feed URL override",
				err.Error(),
				"Use weekday names (monday..sunday or lunes..domingo) as keys under feed.urls",
				nil,
			)
		}
	}
	if c.Remote.BatchSize < 0 || c.Remote.BatchSize > remote.MaxBatchSize {
		return errors.NewConfigError(
			"Invalid remote batch size",
			fmt.Sprintf("remote.batch_size is %d", c.Remote.BatchSize),
			fmt.Sprintf("Use a batch size between 1 and %d, or 0 for the default", remote.MaxBatchSize),
			nil,
		)
	}
	if c.Remote.Enabled && c.Remote.MongoURI == "" {
		return errors.NewConfigError(
			"Remote sync enabled without a store",
			"remote.enabled is true but remote.mongo_uri is empty",
			"Set remote.mongo_uri or SEPASYNC_MONGO_URI, or disable remote sync",
			nil,
		)
	}
	return nil
}

// Ingestion translates the file configuration into the pipeline's.
func (c *Config) Ingestion(dataDir, stateDir string, day *time.Weekday) ingestion.Config {
	urls := make(map[time.Weekday]string, len(c.Feed.URLs))
	for name, u := range c.Feed.URLs {
		if d, err := parseWeekday(name); err == nil {
			urls[d] = u
		}
	}
	overflow := c.Remote.OverflowFile
	if overflow == "" {
		overflow = filepath.Join(stateDir, "remote_overflow.json")
	}
	return ingestion.Config{
		DataDir:  dataDir,
		StateDir: stateDir,
		TempDir:  c.TempDir,
		Day:      day,
		FeedURLs: urls,
		Feed: feed.Config{
			Timeout:    c.Feed.Timeout,
			Attempts:   c.Feed.Attempts,
			RetryDelay: c.Feed.RetryDelay,
			UserAgent:  c.Feed.UserAgent,
		},
		InnerPrefixes:      c.Filter.InnerPrefixes,
		MaxInMemoryArchive: c.Filter.MaxInMemoryArchive,
		Brands:             c.Filter.Brands,
		Region:             c.Filter.Region,
		SQLitePath:         c.Export.SQLitePath,
		Remote: ingestion.RemoteConfig{
			Enabled:      c.Remote.Enabled,
			OverflowFile: overflow,
			FailOnError:  c.Remote.FailOnError,
		},
	}
}

// UploaderConfig returns the remote uploader settings.
func (c *Config) UploaderConfig() remote.Config {
	rc := remote.DefaultConfig()
	if c.Remote.BatchSize > 0 {
		rc.BatchSize = c.Remote.BatchSize
	}
	if c.Remote.Parallelism > 0 {
		rc.Parallelism = c.Remote.Parallelism
	}
	if c.Remote.CommitTimeout > 0 {
		rc.CommitTimeout = c.Remote.CommitTimeout
	}
	return rc
}

var weekdayNames = map[string]time.Weekday{
	"sunday": time.Sunday, "domingo": time.Sunday,
	"monday": time.Monday, "lunes": time.Monday,
	"tuesday": time.Tuesday, "martes": time.Tuesday,
	"wednesday": time.Wednesday, "miercoles": time.Wednesday, "miércoles": time.Wednesday,
	"thursday": time.Thursday, "jueves": time.Thursday,
	"friday": time.Friday, "viernes": time.Friday,
	"saturday": time.Saturday, "sabado": time.Saturday, "sábado": time.Saturday,
}

// parseWeekday accepts English or Spanish day names, or 0-6 with 0 as Sunday.
func parseWeekday(s string) (time.Weekday, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if d, ok := weekdayNames[s]; ok {
		return d, nil
	}
	if n, err := strconv.Atoi(s); err == nil && n >= 0 && n <= 6 {
		return time.Weekday(n), nil
	}
	return 0, fmt.Errorf("unknown weekday %q", s)
}
