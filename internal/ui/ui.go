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

// Package ui renders the process's startup banner and fatal-error reports
// on stderr. It never touches stdout: that stream is the CLEF contract and
// belongs solely to internal/emit.
package ui

import (
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/mattn/go-isatty"
)

var (
	Cyan   = color.New(color.FgCyan, color.Bold)
	green  = color.New(color.FgGreen)
	yellow = color.New(color.FgYellow)
	red    = color.New(color.FgRed, color.Bold)
)

// InitColors enables or disables ANSI color output. Colour is also disabled
// automatically when stderr is not a terminal or NO_COLOR is set.
func InitColors(noColor bool) {
	disable := noColor || os.Getenv("NO_COLOR") != "" || !isatty.IsTerminal(os.Stderr.Fd())
	color.NoColor = disable
}

// Header prints a bold cyan section banner.
func Header(title string) {
	fmt.Fprintln(os.Stderr, Cyan.Sprintf("== %s ==", title))
}

// Success prints a green confirmation line.
func Success(msg string) { fmt.Fprintln(os.Stderr, green.Sprint(msg)) }

// Successf is the formatted form of Success.
func Successf(format string, args ...any) { Success(fmt.Sprintf(format, args...)) }

// Warning prints a yellow warning line.
func Warning(msg string) { fmt.Fprintln(os.Stderr, yellow.Sprint(msg)) }

// Warningf is the formatted form of Warning.
func Warningf(format string, args ...any) { Warning(fmt.Sprintf(format, args...)) }

// Fatal prints a red error line. It does not call os.Exit; callers decide
// the process exit code.
func Fatal(msg string) { fmt.Fprintln(os.Stderr, red.Sprint(msg)) }

// Fatalf is the formatted form of Fatal.
func Fatalf(format string, args ...any) { Fatal(fmt.Sprintf(format, args...)) }
