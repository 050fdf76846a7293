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

package clef

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/kraklabs/gelfbridge/internal/emit"
)

// slogLevelNames maps log/slog's four levels to CLEF's @l vocabulary.
var slogLevelNames = map[slog.Level]string{
	slog.LevelDebug: LevelDebug,
	slog.LevelInfo:  LevelInformation,
	slog.LevelWarn:  LevelWarning,
	slog.LevelError: LevelError,
}

// Handler is a slog.Handler that renders every record as one CLEF line
// through an *emit.Emitter, so gelfbridge's own operational logs are shaped
// the same way as the events it forwards rather than as free-text
// key=value pairs, and share the emitter's single-writer serialisation.
//
// attrs holds every attribute bound so far via WithAttrs, each already
// namespaced with whatever group was active when it was added. A group only
// qualifies attributes attached after it, not ones attached before.
type Handler struct {
	emitter   *emit.Emitter
	level     slog.Leveler
	groupPath string
	attrs     []slog.Attr
}

// NewHandler builds a Handler writing CLEF lines through emitter.
func NewHandler(emitter *emit.Emitter, level slog.Leveler) *Handler {
	if level == nil {
		level = slog.LevelInfo
	}
	return &Handler{emitter: emitter, level: level}
}

// Enabled reports whether level is at or above the handler's configured
// minimum.
func (h *Handler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level.Level()
}

// Handle renders one slog.Record as a CLEF line. The record's Message
// becomes @mt verbatim (gelfbridge's self-logs use static strings, never
// format placeholders), its level becomes @l, and every attribute, both
// inherited from WithAttrs and the record's own, becomes a CLEF property,
// dot-namespaced by whatever group path was active when it was attached.
func (h *Handler) Handle(_ context.Context, rec slog.Record) error {
	ev := NewEvent(rec.Time, rec.Message)
	if name, ok := slogLevelNames[rec.Level]; ok {
		ev.Level = name
	} else if rec.Level >= slog.LevelError {
		ev.Level = LevelError
	}

	for _, a := range h.attrs {
		setAttr(ev, a.Key, a.Value)
	}
	rec.Attrs(func(a slog.Attr) bool {
		setAttr(ev, h.qualify(a.Key), a.Value)
		return true
	})

	line, err := ev.MarshalLine()
	if err != nil {
		return fmt.Errorf("clef handler: %w", err)
	}
	return h.emitter.Write(line)
}

// WithAttrs returns a new Handler with attrs appended, namespaced under
// whatever group is currently active.
func (h *Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	if len(attrs) == 0 {
		return h
	}
	next := *h
	next.attrs = append(append([]slog.Attr(nil), h.attrs...), h.namespaced(attrs)...)
	return &next
}

// WithGroup returns a new Handler that prefixes every attribute attached
// from now on (via WithAttrs or a record's own Attrs) with name.
func (h *Handler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	next := *h
	if h.groupPath == "" {
		next.groupPath = name
	} else {
		next.groupPath = h.groupPath + "." + name
	}
	return &next
}

func (h *Handler) qualify(key string) string {
	if h.groupPath == "" {
		return key
	}
	return h.groupPath + "." + key
}

func (h *Handler) namespaced(attrs []slog.Attr) []slog.Attr {
	if h.groupPath == "" {
		return attrs
	}
	out := make([]slog.Attr, len(attrs))
	for i, a := range attrs {
		out[i] = slog.Attr{Key: h.groupPath + "." + a.Key, Value: a.Value}
	}
	return out
}

func setAttr(ev *Event, name string, v slog.Value) {
	v = v.Resolve()
	if v.Kind() == slog.KindGroup && len(v.Group()) == 0 {
		return
	}
	_ = ev.SetProperty(name, v.Any())
}
