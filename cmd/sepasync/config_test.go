package main

import (
	stderrors "errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kraklabs/sepasync/internal/errors"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := ConfigPath(t.TempDir())
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o750))
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadConfig_FileMergesDefaults(t *testing.T) {
	path := writeConfig(t, `version: "1"
data_dir: snapshot
feed:
  timeout: 90s
  urls:
    martes: https://example.test/tuesday.zip
remote:
  quota: 500
`)

	cfg, file, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, path, file)
	assert.Equal(t, "snapshot", cfg.DataDir)
	assert.Equal(t, 90*time.Second, cfg.Feed.Timeout)
	assert.Equal(t, 500, cfg.Remote.Quota)
	assert.Equal(t, "sepa", cfg.Remote.Database, "unset keys keep defaults")
	assert.NotEmpty(t, cfg.Filter.Brands)
}

func TestLoadConfig_EnvOverrides(t *testing.T) {
	path := writeConfig(t, "version: \"1\"\n")
	t.Setenv("SEPASYNC_DATA_DIR", "/srv/sepa")
	t.Setenv("SEPASYNC_MONGO_URI", "mongodb://db:27017")
	t.Setenv("SEPASYNC_REMOTE_QUOTA", "42")
	t.Setenv("SEPASYNC_KAFKA_BROKERS", "k1:9092,k2:9092")

	cfg, _, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "/srv/sepa", cfg.DataDir)
	assert.True(t, cfg.Remote.Enabled)
	assert.Equal(t, "mongodb://db:27017", cfg.Remote.MongoURI)
	assert.Equal(t, 42, cfg.Remote.Quota)
	assert.Equal(t, "k1:9092,k2:9092", cfg.Events.KafkaBrokers)
}

func TestLoadConfig_Rejects(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"version mismatch", "version: \"2\"\n"},
		{"bad yaml", "version: [\n"},
		{"unknown weekday", "version: \"1\"\nfeed:\n  urls:\n    someday: https://x\n"},
		{"remote without uri", "version: \"1\"\nremote:\n  enabled: true\n"},
		{"batch size over limit", "version: \"1\"\nremote:\n  batch_size: 501\n"},
		{"negative batch size", "version: \"1\"\nremote:\n  batch_size: -1\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("SEPASYNC_MONGO_URI", "")
			_, _, err := LoadConfig(writeConfig(t, tt.body))
			require.Error(t, err)
			var ue *errors.UserError
			require.True(t, stderrors.As(err, &ue))
			assert.Equal(t, errors.CategoryConfig, ue.Category)
		})
	}
}

func TestLoadConfig_MissingExplicitFile(t *testing.T) {
	_, _, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}

func TestSaveConfig_Roundtrip(t *testing.T) {
	path := ConfigPath(t.TempDir())
	cfg := DefaultConfig()
	cfg.Export.SQLitePath = "catalog.db"
	require.NoError(t, SaveConfig(cfg, path))

	loaded, _, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "catalog.db", loaded.Export.SQLitePath)
	assert.Equal(t, cfg.Feed.Timeout, loaded.Feed.Timeout)
	assert.Equal(t, cfg.Lock.TTL, loaded.Lock.TTL)
	assert.Len(t, loaded.Filter.Brands, len(cfg.Filter.Brands))
}

func TestParseWeekday(t *testing.T) {
	tests := []struct {
		in   string
		want time.Weekday
	}{
		{"monday", time.Monday},
		{"Martes", time.Tuesday},
		{"miércoles", time.Wednesday},
		{"miercoles", time.Wednesday},
		{" SABADO ", time.Saturday},
		{"0", time.Sunday},
		{"6", time.Saturday},
	}
	for _, tt := range tests {
		got, err := parseWeekday(tt.in)
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}

	for _, bad := range []string{"", "7", "-1", "someday"} {
		_, err := parseWeekday(bad)
		assert.Error(t, err, bad)
	}
}

func TestConfig_Ingestion(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Feed.URLs = map[string]string{"viernes": "https://example.test/fri.zip"}
	cfg.Remote.Enabled = true
	cfg.Remote.FailOnError = true
	day := time.Friday

	ic := cfg.Ingestion("/data", "/state", &day)
	assert.Equal(t, "/data", ic.DataDir)
	assert.Equal(t, "/state", ic.StateDir)
	assert.Equal(t, &day, ic.Day)
	assert.Equal(t, "https://example.test/fri.zip", ic.FeedURLs[time.Friday])
	assert.Equal(t, filepath.Join("/state", "remote_overflow.json"), ic.Remote.OverflowFile)
	assert.True(t, ic.Remote.Enabled)
	assert.True(t, ic.Remote.FailOnError)
	assert.Equal(t, cfg.Filter.InnerPrefixes, ic.InnerPrefixes)

	cfg.Remote.OverflowFile = "/elsewhere/pending.json"
	assert.Equal(t, "/elsewhere/pending.json", cfg.Ingestion("/data", "/state", nil).Remote.OverflowFile)
}

func TestConfig_UploaderConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Remote.BatchSize = 0
	cfg.Remote.Parallelism = 3
	rc := cfg.UploaderConfig()
	assert.Positive(t, rc.BatchSize, "zero keeps the uploader default")
	assert.Equal(t, 3, rc.Parallelism)
}

func TestRedactURL(t *testing.T) {
	assert.Equal(t, "", redactURL(""))
	assert.Equal(t, "mongodb://user:xxxxx@db:27017/sepa", redactURL("mongodb://user:secret@db:27017/sepa"))
	assert.Equal(t, "redis://cache:6379/0", redactURL("redis://cache:6379/0"))
}
