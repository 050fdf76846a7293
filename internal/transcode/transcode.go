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

// Package transcode implements the GELF-to-CLEF mapping: reserved-key
// renaming, timestamp and severity conversion, and the synthetic fallback
// event emitted when a payload cannot be parsed at all. A per-event failure
// never aborts the caller; it is reported through the optional OnFailure
// hook and still produces a CLEF line.
package transcode

import (
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/kraklabs/gelfbridge/internal/clef"
	"github.com/kraklabs/gelfbridge/internal/gelf"
)

// Clock returns the current time; overridable in tests.
type Clock func() time.Time

// Transcoder renders decompressed GELF JSON as CLEF lines.
type Transcoder struct {
	now Clock

	// DropUnrecognisedKeys suppresses non-reserved GELF fields instead of
	// forwarding them as CLEF properties. Reserved keys (host, timestamp,
	// level, the messages) are mapped either way.
	DropUnrecognisedKeys bool

	// OnFailure is invoked for every per-event transcoding failure (parse
	// error, rejected version, or an event that fails to render); the
	// synthetic/best-effort CLEF line is still produced after the call.
	// Used to drive the transcoding_failures diagnostics counter.
	OnFailure func(err error)
}

// New constructs a Transcoder. A nil clock defaults to time.Now.
func New(now Clock) *Transcoder {
	if now == nil {
		now = time.Now
	}
	return &Transcoder{now: now}
}

// Transcode parses decompressed, possibly-batched GELF JSON and returns one
// CLEF line per event, in array order for batched input. Transcode itself
// never returns an error: a payload that fails to parse produces a single
// synthetic fallback line instead.
func (tc *Transcoder) Transcode(raw []byte) [][]byte {
	events, err := gelf.DecodeAll(raw)
	if err != nil {
		tc.reportFailure(err)
		return [][]byte{tc.fallbackLine(raw)}
	}

	lines := make([][]byte, 0, len(events))
	for _, ev := range events {
		line, err := tc.render(ev)
		if err != nil {
			tc.reportFailure(err)
			lines = append(lines, tc.fallbackLine(raw))
			continue
		}
		lines = append(lines, line)
	}
	return lines
}

func (tc *Transcoder) reportFailure(err error) {
	if tc.OnFailure != nil {
		tc.OnFailure(err)
	}
}

// fallbackLine synthesises a CLEF event for payloads that cannot be parsed
// as JSON at all, so an unparseable GELF datagram still produces exactly
// one CLEF line instead of being silently dropped.
func (tc *Transcoder) fallbackLine(raw []byte) []byte {
	ev := clef.NewEvent(tc.now(), "{GelfPayload}")
	ev.Level = clef.LevelError
	_ = ev.SetProperty("GelfPayload", toUTF8Lossy(raw))
	line, err := ev.MarshalLine()
	if err != nil {
		// MarshalLine only fails on an empty template or marshal error, and
		// both are impossible for this hand-built event; if it ever does
		// happen there's nothing better to emit than the raw text.
		return append([]byte(fmt.Sprintf(`{"@t":%q,"@mt":"{GelfPayload}","@l":"Error"}`, clef.FormatTimestamp(tc.now()))), '\n')
	}
	return line
}

// severityTable maps syslog severity (0-7) to CLEF level names.
func severityTable(level int) (string, bool) {
	switch {
	case level >= 0 && level <= 2:
		return clef.LevelFatal, true
	case level == 3:
		return clef.LevelError, true
	case level == 4:
		return clef.LevelWarning, true
	case level == 5, level == 6:
		return clef.LevelInformation, true
	case level == 7:
		return clef.LevelDebug, true
	default:
		return "", false
	}
}

func (tc *Transcoder) render(ev gelf.Event) ([]byte, error) {
	if ev.Version != "" && ev.Version != "1.1" {
		// Reported immediately rather than via the returned error so a
		// version mismatch never downgrades the event to the synthetic
		// fallback line; the event is still rendered on a best-effort basis.
		tc.reportFailure(fmt.Errorf("unrecognised gelf version %q", ev.Version))
	}

	ts := tc.now()
	if ev.HasTimestamp {
		ts = unixFractionalToTime(ev.Timestamp)
	}

	out := clef.NewEvent(ts, ev.ShortMessage)

	if ev.HasFull && strings.Contains(ev.FullMessage, "\n") {
		// short_message stays the message template; a multi-line
		// full_message (typically a stack trace) becomes @x instead.
		out.Exception = ev.FullMessage
	}

	if ev.HasLevel {
		if name, ok := severityTable(ev.Level); ok {
			out.Level = name
		}
	}

	if ev.Host != "" {
		if err := out.SetProperty("host", ev.Host); err != nil {
			return nil, err
		}
	}

	if !tc.DropUnrecognisedKeys {
		for key, raw := range ev.Additional {
			name := key
			if strings.HasPrefix(name, "_") {
				name = name[1:]
			}
			if err := out.SetPropertyRaw(name, raw); err != nil {
				return nil, err
			}
		}
	}

	return out.MarshalLine()
}

// unixFractionalToTime converts GELF's fractional-seconds-since-epoch
// timestamp to a time.Time with millisecond precision.
func unixFractionalToTime(seconds float64) time.Time {
	nanos := int64(seconds * float64(time.Second))
	return time.Unix(0, nanos).UTC().Round(time.Millisecond)
}

func toUTF8Lossy(b []byte) string {
	if utf8.Valid(b) {
		return string(b)
	}
	return strings.ToValidUTF8(string(b), "�")
}
