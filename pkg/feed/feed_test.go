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

package feed

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/klauspost/compress/zip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func emptyZip(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	w := zip.NewWriter(&buf)
	fw, err := w.Create("x.txt")
	require.NoError(t, err)
	_, _ = fw.Write([]byte("x"))
	require.NoError(t, w.Close())
	return buf.Bytes()
}

func testConfig() Config {
	return Config{Timeout: 2 * time.Second, Attempts: 3, RetryDelay: time.Millisecond}
}

func TestURLForDay(t *testing.T) {
	u, err := URLForDay(time.Monday, nil)
	require.NoError(t, err)
	assert.Contains(t, u, "sepa_lunes.zip")

	u, err = URLForDay(time.Monday, map[time.Weekday]string{time.Monday: "http://mirror/lunes.zip"})
	require.NoError(t, err)
	assert.Equal(t, "http://mirror/lunes.zip", u)

	assert.Len(t, DefaultURLs, 7)
}

func TestValidateZipHeader(t *testing.T) {
	assert.NoError(t, ValidateZipHeader([]byte("PK\x03\x04"), 100))
	assert.NoError(t, ValidateZipHeader([]byte("PK\x05\x06"), 22))
	assert.ErrorIs(t, ValidateZipHeader(nil, 0), ErrNotZip)
	assert.ErrorIs(t, ValidateZipHeader([]byte("PK\x03\x04"), 10), ErrNotZip)
	assert.ErrorIs(t, ValidateZipHeader([]byte("<htm"), 500), ErrNotZip)
}

func TestDownloadRetriesThenSucceeds(t *testing.T) {
	body := emptyZip(t)
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write(body)
	}))
	defer srv.Close()

	dest := filepath.Join(t.TempDir(), "dl", "sepa.zip")
	n, err := NewDownloader(testConfig(), srv.Client(), nil).Download(context.Background(), srv.URL, dest)
	require.NoError(t, err)
	assert.Equal(t, int64(len(body)), n)
	assert.Equal(t, int32(3), calls.Load())

	got, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, body, got)
}

func TestDownloadExhaustsRetries(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		_, _ = w.Write([]byte("<html>maintenance</html>"))
	}))
	defer srv.Close()

	dest := filepath.Join(t.TempDir(), "sepa.zip")
	_, err := NewDownloader(testConfig(), srv.Client(), nil).Download(context.Background(), srv.URL, dest)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNotZip)
	assert.Equal(t, int32(3), calls.Load())

	_, statErr := os.Stat(dest)
	assert.True(t, os.IsNotExist(statErr))
}

func TestDownloadCancelled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	cfg := testConfig()
	cfg.RetryDelay = time.Hour
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()
	_, err := NewDownloader(cfg, srv.Client(), nil).Download(ctx, srv.URL, filepath.Join(t.TempDir(), "a.zip"))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestDownloadSlowSteadyTransferIsNotTimedOut(t *testing.T) {
	body := emptyZip(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fl := w.(http.Flusher)
		for i := range body {
			_, _ = w.Write(body[i : i+1])
			fl.Flush()
			if i%(len(body)/6+1) == 0 {
				time.Sleep(60 * time.Millisecond)
			}
		}
	}))
	defer srv.Close()

	cfg := testConfig()
	cfg.Timeout = 200 * time.Millisecond
	cfg.Attempts = 1
	n, err := NewDownloader(cfg, srv.Client(), nil).Download(context.Background(), srv.URL, filepath.Join(t.TempDir(), "a.zip"))
	require.NoError(t, err)
	assert.Equal(t, int64(len(body)), n)
}

func TestDownloadStalledTransfer(t *testing.T) {
	body := emptyZip(t)
	release := make(chan struct{})
	defer close(release)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(body[:4])
		w.(http.Flusher).Flush()
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()

	cfg := testConfig()
	cfg.Timeout = 100 * time.Millisecond
	cfg.Attempts = 1
	_, err := NewDownloader(cfg, srv.Client(), nil).Download(context.Background(), srv.URL, filepath.Join(t.TempDir(), "a.zip"))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrStalled)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.NotContains(t, err.Error(), "write ")
}
