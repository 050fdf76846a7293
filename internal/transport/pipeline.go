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

// Package transport owns the two receivers: a UDP socket reader that feeds
// the chunk reassembler, and a TCP listener that frames null-terminated
// messages directly (no chunking on TCP). Both converge on the same
// inflate -> transcode -> emit pipeline.
package transport

import (
	"log/slog"

	"github.com/kraklabs/gelfbridge/internal/diagnostics"
	"github.com/kraklabs/gelfbridge/internal/emit"
	"github.com/kraklabs/gelfbridge/internal/inflate"
	"github.com/kraklabs/gelfbridge/internal/transcode"
	"github.com/kraklabs/gelfbridge/internal/xerrors"
)

// pipeline runs one raw, possibly compressed payload through the inflator,
// transcoder, and emitter, the path shared by both receivers. It is safe
// for concurrent use: the emitter serialises its own writes, and everything
// else here is per-call state.
type pipeline struct {
	maxInflatedBytes int64
	transcoder       *transcode.Transcoder
	emitter          *emit.Emitter
	counters         *diagnostics.Counters
	log              *slog.Logger
}

func newPipeline(maxInflatedBytes int64, dropUnrecognisedKeys bool, emitter *emit.Emitter, counters *diagnostics.Counters, log *slog.Logger) *pipeline {
	tc := transcode.New(nil)
	tc.DropUnrecognisedKeys = dropUnrecognisedKeys
	tc.OnFailure = func(err error) {
		counters.TranscodingFailures.Add(1)
		log.Warn("gelf payload failed to transcode cleanly", "error", err)
	}
	return &pipeline{
		maxInflatedBytes: maxInflatedBytes,
		transcoder:       tc,
		emitter:          emitter,
		counters:         counters,
		log:              log,
	}
}

// process inflates raw, transcodes it into one or more CLEF lines, and
// writes each to the emitter in order. A SinkError aborts processing and is
// returned to the caller, which treats it as fatal to the process; any
// other failure (malformed compression, decompression limit) is recovered
// locally by emitting a synthetic CLEF event and counting a diagnostic.
func (p *pipeline) process(raw []byte) error {
	payload, _, err := inflate.Inflate(raw, p.maxInflatedBytes)
	if err != nil {
		kind, _ := xerrors.KindOf(err)
		p.log.Warn("payload decompression failed", "kind", kind, "error", err)
		payload = raw // transcode falls back to the synthetic event below
	}

	for _, line := range p.transcoder.Transcode(payload) {
		if err := p.emitter.Write(line); err != nil {
			return err
		}
		p.counters.EmittedEvents.Add(1)
	}
	return nil
}
