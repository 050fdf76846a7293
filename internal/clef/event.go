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

// Package clef models Compact Log Event Format events and renders them as
// canonical, single-line JSON. The reserved-key vocabulary (@t, @mt, @m,
// @l, @x) matches what CLEF-emitting sinks expect, trimmed to the fields
// gelfbridge needs.
package clef

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// Level names CLEF's @l recognises.
const (
	LevelVerbose     = "Verbose"
	LevelDebug       = "Debug"
	LevelInformation = "Information"
	LevelWarning     = "Warning"
	LevelError       = "Error"
	LevelFatal       = "Fatal"
)

const timestampLayout = "2006-01-02T15:04:05.000Z"

// Event is one CLEF record. props holds every non-reserved key, and
// propOrder records their insertion order so repeated encodes of the same logical event are
// byte-stable, which matters for tests and for not re-shuffling operator
// diffs across restarts.
type Event struct {
	Timestamp       time.Time
	MessageTemplate string
	Level           string // empty means omit @l
	Exception       string // empty means omit @x

	props     map[string]json.RawMessage
	propOrder []string
}

// NewEvent constructs an Event timestamped at t with the given message
// template.
func NewEvent(t time.Time, messageTemplate string) *Event {
	return &Event{
		Timestamp:       t,
		MessageTemplate: messageTemplate,
		props:           make(map[string]json.RawMessage),
	}
}

// reservedNames are the CLEF top-level keys a caller's property must never
// collide with; a colliding name is renamed by prefixing "_gelf_" instead of
// silently overwriting a reserved field.
var reservedNames = map[string]bool{
	"@t": true, "@mt": true, "@m": true, "@l": true, "@x": true, "@i": true, "@r": true,
}

// SetProperty adds or overwrites an additional property. If name collides
// with a CLEF reserved key it is renamed by prefixing "_gelf_".
func (e *Event) SetProperty(name string, value any) error {
	if reservedNames[name] {
		name = "_gelf_" + name
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode clef property %q: %w", name, err)
	}
	return e.setPropertyRaw(name, raw)
}

// SetPropertyRaw adds or overwrites an additional property from an
// already-encoded JSON value (used when forwarding a GELF field verbatim
// without round-tripping through a Go value). raw is compacted so that a
// pretty-printed source value doesn't leak whitespace into the canonical
// CLEF line.
func (e *Event) SetPropertyRaw(name string, raw json.RawMessage) error {
	if reservedNames[name] {
		name = "_gelf_" + name
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return fmt.Errorf("encode clef property %q: %w", name, err)
	}
	return e.setPropertyRaw(name, json.RawMessage(buf.Bytes()))
}

func (e *Event) setPropertyRaw(name string, raw json.RawMessage) error {
	if e.props == nil {
		e.props = make(map[string]json.RawMessage)
	}
	if _, exists := e.props[name]; !exists {
		e.propOrder = append(e.propOrder, name)
	}
	e.props[name] = raw
	return nil
}

// FormatTimestamp renders t as the millisecond-precision ISO-8601 UTC
// string CLEF's @t expects.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(timestampLayout)
}

// MarshalLine renders the event as canonical JSON (no spaces, escaped
// control characters) followed by exactly one "\n", so each call's output is
// one self-contained line a downstream reader can split on "\n" alone.
func (e *Event) MarshalLine() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')

	writeKV := func(first bool, key string, raw json.RawMessage) {
		if !first {
			buf.WriteByte(',')
		}
		keyJSON, _ := json.Marshal(key)
		buf.Write(keyJSON)
		buf.WriteByte(':')
		buf.Write(raw)
	}

	tsJSON, err := json.Marshal(FormatTimestamp(e.Timestamp))
	if err != nil {
		return nil, fmt.Errorf("encode clef event: %w", err)
	}
	writeKV(true, "@t", tsJSON)

	if e.MessageTemplate == "" {
		return nil, fmt.Errorf("encode clef event: missing @mt")
	}
	mtJSON, err := json.Marshal(e.MessageTemplate)
	if err != nil {
		return nil, fmt.Errorf("encode clef event: %w", err)
	}
	writeKV(false, "@mt", mtJSON)

	if e.Level != "" {
		lvlJSON, _ := json.Marshal(e.Level)
		writeKV(false, "@l", lvlJSON)
	}
	if e.Exception != "" {
		xJSON, _ := json.Marshal(e.Exception)
		writeKV(false, "@x", xJSON)
	}

	for _, name := range e.propOrder {
		writeKV(false, name, e.props[name])
	}

	buf.WriteByte('}')
	buf.WriteByte('\n')

	// json.Marshal never produces literal control characters inside a
	// string, so escaping is already handled above per field; the overall
	// buffer is the concatenation of valid JSON fragments and is therefore
	// itself valid, compact, single-line JSON.
	return buf.Bytes(), nil
}
