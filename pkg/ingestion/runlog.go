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

package ingestion

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// RunLogFile is the append-only history of runs, one JSON object per line.
const RunLogFile = "runs.log"

var runLogMu sync.Mutex

// RunLogEntry is the persisted summary of one run.
type RunLogEntry struct {
	RunID          string `json:"run_id"`
	StartedAt      string `json:"started_at"`
	Day            string `json:"day"`
	Archives       int    `json:"archives"`
	ArchivesFailed int    `json:"archives_failed"`
	Branches       int    `json:"branches"`
	Products       int    `json:"products"`
	Added          int    `json:"added"`
	Updated        int    `json:"updated"`
	Deactivated    int    `json:"deactivated"`
	RemoteFailed   int    `json:"remote_failed"`
	Deferred       int    `json:"remote_deferred"`
	Retry          int    `json:"remote_retry"`
	DurationMS     int64  `json:"duration_ms"`
	Error          string `json:"error,omitempty"`
}

// AppendRunLog appends entry to dir/runs.log. Failures are returned but
// callers treat them as non-fatal.
func AppendRunLog(dir string, entry RunLogEntry) error {
	if dir == "" {
		return nil
	}
	runLogMu.Lock()
	defer runLogMu.Unlock()

	if err := os.MkdirAll(dir, 0750); err != nil {
		return fmt.Errorf("create run log dir: %w", err)
	}
	line, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encode run log entry: %w", err)
	}
	f, err := os.OpenFile(filepath.Join(dir, RunLogFile), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0640)
	if err != nil {
		return fmt.Errorf("open run log: %w", err)
	}
	_, err = f.Write(append(line, '\n'))
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	return err
}

// ReadRunLog returns up to the last n entries, oldest first. Lines that do
// not decode are skipped.
func ReadRunLog(dir string, n int) ([]RunLogEntry, error) {
	f, err := os.Open(filepath.Join(dir, RunLogFile))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var entries []RunLogEntry
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var e RunLogEntry
		if json.Unmarshal(sc.Bytes(), &e) != nil {
			continue
		}
		entries = append(entries, e)
		if n > 0 && len(entries) > n {
			entries = entries[1:]
		}
	}
	return entries, sc.Err()
}
