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
	"io"
	"os"
	"time"

	"github.com/schollz/progressbar/v3"

	"github.com/kraklabs/sepasync/internal/ui"
)

// ProgressConfig decides whether and where progress bars are drawn.
type ProgressConfig struct {
	Enabled bool
	Writer  io.Writer
}

// NewProgressConfig enables progress bars only on an interactive stderr and
// never in quiet or JSON mode.
func NewProgressConfig(globals GlobalFlags) ProgressConfig {
	return ProgressConfig{
		Enabled: ui.IsTerminal(os.Stderr) && !globals.Quiet && !globals.JSON,
		Writer:  os.Stderr,
	}
}

// NewProgressBar returns a bar for total items, or nil when disabled.
func NewProgressBar(cfg ProgressConfig, total int64, description string) *progressbar.ProgressBar {
	if !cfg.Enabled {
		return nil
	}
	return progressbar.NewOptions64(total,
		progressbar.OptionSetWriter(cfg.Writer),
		progressbar.OptionSetDescription(description),
		progressbar.OptionShowCount(),
		progressbar.OptionSetWidth(30),
		progressbar.OptionThrottle(100*time.Millisecond),
		progressbar.OptionClearOnFinish(),
		progressbar.OptionOnCompletion(func() { _, _ = io.WriteString(cfg.Writer, "\n") }),
	)
}

// phaseDescription returns a human-readable description for each pipeline phase.
func phaseDescription(phase string) string {
	switch phase {
	case "archives":
		return "Processing archives"
	default:
		return phase
	}
}
