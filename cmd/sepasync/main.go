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

// Package main implements the sepasync CLI, which ingests the daily SEPA
// retail-price feed into a local snapshot and optionally a remote store.
//
// Usage:
//
//	sepasync [run]                 Download and ingest today's feed
//	sepasync status [--json]       Show snapshot counts and recent runs
//	sepasync config [--init]       Show or create configuration
//	sepasync purge --brand <b>     Delete remote documents of a brand
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	flag "github.com/spf13/pflag"

	"github.com/kraklabs/sepasync/internal/ui"
)

// Version information (set via ldflags during build)
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

// GlobalFlags holds the global CLI flags that apply to all commands.
type GlobalFlags struct {
	JSON    bool // Output in JSON format (for applicable commands)
	NoColor bool // Disable color output
	Verbose int  // Verbosity level: 0=normal, 1=-v (info), 2=-vv (debug)
	Quiet   bool // Suppress non-essential output (progress, info messages)
}

func main() {
	var (
		showVersion = flag.BoolP("version", "V", false, "Show version and exit")
		configPath  = flag.StringP("config", "c", "", "Path to .sepasync/config.yaml (default: search upwards)")
		jsonOutput  = flag.Bool("json", false, "Output in JSON format (for applicable commands)")
		noColor     = flag.Bool("no-color", false, "Disable color output")
		verbose     = flag.CountP("verbose", "v", "Increase verbosity (-v for info, -vv for debug)")
		quiet       = flag.BoolP("quiet", "q", false, "Suppress non-essential output (progress, info messages)")
	)

	// Stop at the command name so subcommand flags reach their handlers.
	flag.SetInterspersed(false)

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, `sepasync - SEPA price feed ingestion

Downloads the daily SEPA price archive, keeps the branches and products of
the configured supermarket brands inside the target region, and maintains
a local JSON snapshot. Changes can be pushed to a MongoDB store and
announced on Kafka.

Usage:
  sepasync [command] [options]

Commands:
  run           Download and ingest the feed (default)
  status        Show snapshot counts and recent runs
  config        Show current configuration, or create one with --init
  purge         Delete remote documents of a brand or branch

Global Options:
  --json            Output in JSON format (for applicable commands)
  --no-color        Disable color output (respects NO_COLOR env var)
  -v, --verbose     Increase verbosity (-v for info, -vv for debug)
  -q, --quiet       Suppress non-essential output (progress, info messages)
  -c, --config      Path to .sepasync/config.yaml
  -V, --version     Show version and exit

Examples:
  sepasync                           Ingest today's feed
  sepasync run --day lunes           Re-run Monday's feed
  sepasync status --json             Snapshot counts as JSON
  sepasync purge --brand dia --yes   Delete Dia's remote documents

Environment Variables:
  SEPASYNC_CONFIG_PATH   Config file path
  SEPASYNC_DATA_DIR      Snapshot directory (default: ~/.sepasync/data)
  SEPASYNC_MONGO_URI     Enable remote sync against this MongoDB
  SEPASYNC_KAFKA_BROKERS Publish change events to these brokers
  SEPASYNC_REDIS_URL     Hold a run lock in this Redis

A .env file in the working directory is loaded first.

For detailed command help: sepasync <command> --help

`)
	}

	flag.Parse()

	if *showVersion {
		fmt.Printf("sepasync version %s\n", version)
		fmt.Printf("commit: %s\n", commit)
		fmt.Printf("built: %s\n", date)
		os.Exit(0)
	}

	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		ui.Warningf("Ignoring .env: %v", err)
	}

	if os.Getenv("NO_COLOR") != "" {
		*noColor = true
	}

	if *quiet && *verbose > 0 {
		fmt.Fprintf(os.Stderr, "Error: cannot use --quiet and --verbose together\n")
		os.Exit(1)
	}

	// JSON mode auto-enables quiet to prevent progress bars corrupting JSON output
	if *jsonOutput {
		*quiet = true
	}

	globals := GlobalFlags{
		JSON:    *jsonOutput,
		NoColor: *noColor,
		Verbose: *verbose,
		Quiet:   *quiet,
	}
	ui.InitColors(globals.NoColor)

	args := flag.Args()
	command := "run"
	if len(args) > 0 {
		command, args = args[0], args[1:]
	}

	switch command {
	case "run":
		runIngest(args, *configPath, globals)
	case "status":
		runStatus(args, *configPath, globals)
	case "config":
		runConfig(args, *configPath, globals)
	case "purge":
		runPurge(args, *configPath, globals)
	case "help":
		flag.Usage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", command)
		flag.Usage()
		os.Exit(1)
	}
}
