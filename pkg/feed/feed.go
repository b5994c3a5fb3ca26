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

// Package feed downloads the weekday price archive published by the national
// open-data portal.
package feed

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"
)

const datasetBase = "https://datos.produccion.gob.ar/dataset/6f47ec76-d1ce-4e34-a7e1-621fe9b1d0b5/resource/"

// DefaultURLs maps time.Weekday (0=Sunday) to the archive published for that day.
var DefaultURLs = map[time.Weekday]string{
	time.Sunday:    datasetBase + "f8e75128-515a-436e-bf8d-5c63a62f2005/download/sepa_domingo.zip",
	time.Monday:    datasetBase + "0a9069a9-06e8-4f98-874d-da5578693290/download/sepa_lunes.zip",
	time.Tuesday:   datasetBase + "9dc06241-cc83-44f4-8e25-c9b1636b8bc8/download/sepa_martes.zip",
	time.Wednesday: datasetBase + "1e92cd42-4f94-4071-a165-62c4cb2ce23c/download/sepa_miercoles.zip",
	time.Thursday:  datasetBase + "d076720f-a7f0-4af8-b1d6-1b99d5a90c14/download/sepa_jueves.zip",
	time.Friday:    datasetBase + "91bc072a-4726-44a1-85ec-4a8467aad27e/download/sepa_viernes.zip",
	time.Saturday:  datasetBase + "b3c3da5d-213d-41e7-8d74-f23fda0a3c30/download/sepa_sabado.zip",
}

// URLForDay returns the feed URL for day, preferring overrides when set.
func URLForDay(day time.Weekday, overrides map[time.Weekday]string) (string, error) {
	if u, ok := overrides[day]; ok && u != "" {
		return u, nil
	}
	u, ok := DefaultURLs[day]
	if !ok {
		return "", fmt.Errorf("no feed url for day %d", day)
	}
	return u, nil
}

// ErrNotZip is returned when the downloaded body is not a ZIP container.
var ErrNotZip = errors.New("response is not a zip archive")

// minZipSize is the size of an empty end-of-central-directory record.
const minZipSize = 22

var zipSignatures = [][]byte{
	[]byte("PK\x03\x04"),
	[]byte("PK\x05\x06"),
	[]byte("PK\x07\x08"),
}

// ValidateZipHeader checks the leading bytes of a downloaded archive.
func ValidateZipHeader(head []byte, size int64) error {
	if size == 0 {
		return fmt.Errorf("%w: empty body", ErrNotZip)
	}
	if size < minZipSize {
		return fmt.Errorf("%w: %d bytes", ErrNotZip, size)
	}
	for _, sig := range zipSignatures {
		if bytes.HasPrefix(head, sig) {
			return nil
		}
	}
	return fmt.Errorf("%w: bad signature %q", ErrNotZip, head[:min(len(head), 4)])
}

// ErrStalled is returned when the server sends nothing for Config.Timeout.
// It also matches context.DeadlineExceeded.
var ErrStalled = errors.New("feed transfer stalled")

// Config controls download behavior.
type Config struct {
	// Timeout bounds how long an attempt may go without receiving data,
	// response headers included. A slow but steady transfer never times out.
	Timeout    time.Duration
	Attempts   int
	RetryDelay time.Duration
	UserAgent  string
}

// DefaultConfig returns three attempts, a five second delay and a one minute
// idle timeout.
func DefaultConfig() Config {
	return Config{
		Timeout:    60 * time.Second,
		Attempts:   3,
		RetryDelay: 5 * time.Second,
		UserAgent:  "sepasync/1.0",
	}
}

// Downloader fetches the feed archive to disk.
type Downloader struct {
	cfg    Config
	client *http.Client
	logger *slog.Logger
}

// NewDownloader creates a downloader. A nil client uses a default client.
func NewDownloader(cfg Config, client *http.Client, logger *slog.Logger) *Downloader {
	if client == nil {
		client = &http.Client{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Attempts < 1 {
		cfg.Attempts = 1
	}
	return &Downloader{cfg: cfg, client: client, logger: logger}
}

// Download retrieves url into dest, retrying with a fixed delay. The file is
// complete and validated when Download returns nil; on error no file is left.
func (d *Downloader) Download(ctx context.Context, url, dest string) (int64, error) {
	if err := os.MkdirAll(filepath.Dir(dest), 0750); err != nil {
		return 0, fmt.Errorf("create download dir: %w", err)
	}

	var lastErr error
	for attempt := 1; attempt <= d.cfg.Attempts; attempt++ {
		n, err := d.fetch(ctx, url, dest)
		if err == nil {
			d.logger.Info("feed.download.complete", "url", url, "bytes", n, "attempt", attempt)
			return n, nil
		}
		lastErr = err
		_ = os.Remove(dest)
		d.logger.Warn("feed.download.attempt_failed", "url", url, "attempt", attempt, "max", d.cfg.Attempts, "err", err)

		if attempt == d.cfg.Attempts {
			break
		}
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-time.After(d.cfg.RetryDelay):
		}
	}
	return 0, fmt.Errorf("download %s after %d attempts: %w", url, d.cfg.Attempts, lastErr)
}

func (d *Downloader) fetch(ctx context.Context, url, dest string) (int64, error) {
	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	var idle *time.Timer
	if d.cfg.Timeout > 0 {
		idle = time.AfterFunc(d.cfg.Timeout, func() { cancel(ErrStalled) })
		defer idle.Stop()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, fmt.Errorf("build request: %w", err)
	}
	if d.cfg.UserAgent != "" {
		req.Header.Set("User-Agent", d.cfg.UserAgent)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return 0, d.stalled(ctx, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("unexpected status %s", resp.Status)
	}

	f, err := os.Create(dest)
	if err != nil {
		return 0, fmt.Errorf("create %s: %w", dest, err)
	}
	var body io.Reader = resp.Body
	if idle != nil {
		body = &idleReader{r: resp.Body, timer: idle, timeout: d.cfg.Timeout}
	}
	n, err := io.Copy(f, body)
	if cerr := f.Close(); err == nil && cerr != nil {
		return 0, fmt.Errorf("close %s: %w", dest, cerr)
	}
	if err != nil {
		return 0, fmt.Errorf("receive body after %d bytes: %w", n, d.stalled(ctx, err))
	}

	head, err := readHead(dest)
	if err != nil {
		return 0, err
	}
	if err := ValidateZipHeader(head, n); err != nil {
		return 0, err
	}
	return n, nil
}

// stalled replaces err with ErrStalled when the idle timer canceled ctx.
func (d *Downloader) stalled(ctx context.Context, err error) error {
	if errors.Is(context.Cause(ctx), ErrStalled) {
		return fmt.Errorf("%w: no data for %s: %w", ErrStalled, d.cfg.Timeout, context.DeadlineExceeded)
	}
	return err
}

// idleReader pushes the idle deadline back on every read that returns data.
type idleReader struct {
	r       io.Reader
	timer   *time.Timer
	timeout time.Duration
}

func (r *idleReader) Read(p []byte) (int, error) {
	n, err := r.r.Read(p)
	if n > 0 {
		r.timer.Reset(r.timeout)
	}
	return n, err
}

func readHead(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	head := make([]byte, 4)
	n, err := io.ReadFull(f, head)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return nil, err
	}
	return head[:n], nil
}
