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

// Command gelfbridge is a GELF-to-CLEF log ingestion sidecar: it accepts
// GELF over UDP or TCP and writes equivalent CLEF events to stdout for a
// downstream ingestion client to consume.
//
// Usage:
//
//	gelfbridge                 Run the bridge using GELF_* environment variables
//	gelfbridge --version       Print version information and exit
//	gelfbridge --validate      Validate configuration and exit without serving
package main

import (
	"context"
	"fmt"
	"os"

	flag "github.com/spf13/pflag"

	"github.com/kraklabs/gelfbridge/internal/config"
	"github.com/kraklabs/gelfbridge/internal/emit"
	"github.com/kraklabs/gelfbridge/internal/supervisor"
	"github.com/kraklabs/gelfbridge/internal/ui"
)

// Version information (set via ldflags during build).
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	fs := flag.NewFlagSet("gelfbridge", flag.ContinueOnError)
	showVersion := fs.BoolP("version", "V", false, "Show version and exit")
	noColor := fs.Bool("no-color", false, "Disable color output")
	validateOnly := fs.Bool("validate", false, "Validate configuration and exit without serving")

	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, `gelfbridge - GELF to CLEF log ingestion sidecar

Accepts GELF v1.1 over UDP (with chunking and GZIP/ZLIB) or TCP (NUL-framed,
optionally TLS), and writes one CLEF JSON object per line to stdout.

Usage:
  gelfbridge [options]

Options:
  --validate        Validate configuration and exit without serving
  --no-color        Disable color output (respects NO_COLOR env var)
  -V, --version     Show version and exit

Configured entirely through environment variables:
  GELF_ADDRESS                          udp://host:port or tcp://host:port (default udp://0.0.0.0:12201)
  GELF_ENABLE_DIAGNOSTICS               True/False (default False)
  GELF_CERTIFICATE_PATH                 TLS certificate path (TCP only)
  GELF_CERTIFICATE_PRIVATE_KEY_PATH     TLS private key path (defaults to the cert path)
`)
	}

	if err := fs.Parse(args); err != nil {
		if err == flag.ErrHelp {
			return 0
		}
		return 1
	}

	ui.InitColors(*noColor)

	if *showVersion {
		fmt.Printf("gelfbridge version %s\ncommit: %s\nbuilt: %s\n", version, commit, date)
		return 0
	}

	cfg, err := config.Load()
	if err != nil {
		ui.Fatalf("configuration error: %v", err)
		return 1
	}

	if *validateOnly {
		ui.Successf("configuration OK: %s://%s", cfg.Scheme, cfg.Addr())
		return 0
	}

	stdout := emit.New(os.Stdout)
	stderr := emit.New(os.Stderr)

	sup, err := supervisor.New(cfg, stdout, stderr)
	if err != nil {
		ui.Fatalf("startup failed: %v", err)
		return 1
	}

	ui.Header("gelfbridge")
	ui.Successf("listening on %s://%s", cfg.Scheme, cfg.Addr())

	err = sup.Run(context.Background())
	if err != nil {
		ui.Fatalf("gelfbridge exited with error: %v", err)
	}
	return supervisor.ExitCode(err)
}
