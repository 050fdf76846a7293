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

// Package emit owns the line-oriented CLEF sink. It is the only component
// permitted to write to that sink; every write is serialised so concurrent
// receivers never interleave two CLEF lines on the wire.
package emit

import (
	"fmt"
	"io"
	"sync"

	"github.com/kraklabs/gelfbridge/internal/xerrors"
)

// Flusher is implemented by sinks that buffer writes (e.g. bufio.Writer).
// Plain io.Writer sinks such as os.Stdout are used as-is.
type Flusher interface {
	Flush() error
}

// Emitter serialises CLEF lines to a single sink under a mutex.
type Emitter struct {
	mu     sync.Mutex
	sink   io.Writer
	closed bool
}

// New wraps sink. Write blocks the caller until the record has been handed
// to the OS and flushed, which is the emitter's deliberate backpressure
// mechanism: a slow downstream reader slows the receiver rather than
// letting unbounded buffering hide the backlog.
func New(sink io.Writer) *Emitter {
	return &Emitter{sink: sink}
}

// Write hands one already-terminated CLEF line to the sink. record must
// already end in exactly one "\n" (internal/clef.Event.MarshalLine
// guarantees this). A write failure is always *xerrors.Error with KindSink
// and poisons the emitter, since a closed downstream pipe is unrecoverable
// and should terminate the process rather than be retried.
func (e *Emitter) Write(record []byte) error {
	const op = "emit.Write"

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return xerrors.New(xerrors.KindSink, op, fmt.Errorf("emitter closed"))
	}

	if _, err := e.sink.Write(record); err != nil {
		e.closed = true
		return xerrors.New(xerrors.KindSink, op, err)
	}
	if f, ok := e.sink.(Flusher); ok {
		if err := f.Flush(); err != nil {
			e.closed = true
			return xerrors.New(xerrors.KindSink, op, err)
		}
	}
	return nil
}

// Closed reports whether a prior write failure has poisoned the emitter.
func (e *Emitter) Closed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}
