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

// Package gelf decodes the logical GELF JSON event: the reserved keys
// (version, host, short_message, full_message, timestamp, level) plus
// arbitrary "_"-prefixed and unprefixed additional fields. It knows nothing
// about CLEF; internal/transcode maps one to the other.
package gelf

import (
	"encoding/json"
	"fmt"
)

// Event is one decoded GELF message.
type Event struct {
	Version      string
	Host         string
	ShortMessage string
	FullMessage  string
	HasFull      bool
	Timestamp    float64
	HasTimestamp bool
	Level        int
	HasLevel     bool

	// Additional holds every top-level key that is not a recognised
	// reserved key, keyed exactly as it appeared in the JSON (callers strip
	// a leading underscore before forwarding it as a CLEF property).
	Additional map[string]json.RawMessage
}

var reservedKeys = map[string]bool{
	"version":       true,
	"host":          true,
	"short_message": true,
	"full_message":  true,
	"timestamp":     true,
	"level":         true,
}

// Decode parses a single JSON object into an Event.
func Decode(raw json.RawMessage) (Event, error) {
	var m map[string]json.RawMessage
	if err := json.Unmarshal(raw, &m); err != nil {
		return Event{}, fmt.Errorf("decode gelf event: %w", err)
	}

	ev := Event{Additional: make(map[string]json.RawMessage)}

	for k, v := range m {
		if !reservedKeys[k] {
			ev.Additional[k] = v
			continue
		}
		switch k {
		case "version":
			if err := json.Unmarshal(v, &ev.Version); err != nil {
				return Event{}, fmt.Errorf("decode gelf event: field %q: %w", k, err)
			}
		case "host":
			if err := json.Unmarshal(v, &ev.Host); err != nil {
				return Event{}, fmt.Errorf("decode gelf event: field %q: %w", k, err)
			}
		case "short_message":
			if err := json.Unmarshal(v, &ev.ShortMessage); err != nil {
				return Event{}, fmt.Errorf("decode gelf event: field %q: %w", k, err)
			}
		case "full_message":
			if err := json.Unmarshal(v, &ev.FullMessage); err != nil {
				return Event{}, fmt.Errorf("decode gelf event: field %q: %w", k, err)
			}
			ev.HasFull = ev.FullMessage != ""
		case "timestamp":
			if err := json.Unmarshal(v, &ev.Timestamp); err != nil {
				return Event{}, fmt.Errorf("decode gelf event: field %q: %w", k, err)
			}
			ev.HasTimestamp = true
		case "level":
			if err := json.Unmarshal(v, &ev.Level); err != nil {
				return Event{}, fmt.Errorf("decode gelf event: field %q: %w", k, err)
			}
			ev.HasLevel = true
		}
	}

	return ev, nil
}

// DecodeAll parses the top-level JSON value in raw. A JSON array is treated
// as a batch of independent events, since some senders batch multiple
// messages into a single array rather than sending one object per line.
func DecodeAll(raw []byte) ([]Event, error) {
	trimmed := skipWhitespace(raw)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		var arr []json.RawMessage
		if err := json.Unmarshal(raw, &arr); err != nil {
			return nil, fmt.Errorf("decode gelf batch: %w", err)
		}
		events := make([]Event, 0, len(arr))
		for i, item := range arr {
			ev, err := Decode(item)
			if err != nil {
				return nil, fmt.Errorf("decode gelf batch: element %d: %w", i, err)
			}
			events = append(events, ev)
		}
		return events, nil
	}

	ev, err := Decode(raw)
	if err != nil {
		return nil, err
	}
	return []Event{ev}, nil
}

func skipWhitespace(b []byte) []byte {
	i := 0
	for i < len(b) {
		switch b[i] {
		case ' ', '\t', '\n', '\r':
			i++
			continue
		}
		break
	}
	return b[i:]
}
