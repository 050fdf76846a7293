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

// Package xerrors carries the error taxonomy described in the design: a small
// set of recoverable, event-scoped or connection-scoped kinds plus two kinds
// (Config, Sink) that are fatal. Recoverable kinds never unwind past the
// component that produced them; callers compare kinds with Is or KindOf.
package xerrors

import "errors"

// Kind classifies an error for diagnostics counting and propagation policy.
type Kind string

const (
	// KindConfig marks invalid configuration. Fatal at startup.
	KindConfig Kind = "config"
	// KindTransport marks bind/accept/TLS handshake failures.
	KindTransport Kind = "transport"
	// KindInvalidChunkHeader marks a malformed GELF chunk header.
	KindInvalidChunkHeader Kind = "invalid_chunk_header"
	// KindInconsistentChunkCount marks a chunk whose sequence_count disagrees
	// with the partial already tracked for its message id.
	KindInconsistentChunkCount Kind = "inconsistent_chunk_count"
	// KindEvictedPartial marks a partial dropped to stay under the
	// concurrent-partial bound.
	KindEvictedPartial Kind = "evicted_partial"
	// KindExpiredPartial marks a partial dropped for exceeding its lifetime.
	KindExpiredPartial Kind = "expired_partial"
	// KindMalformedCompression marks a payload whose compression magic bytes
	// were recognised but whose body failed to decompress.
	KindMalformedCompression Kind = "malformed_compression"
	// KindDecompressionLimitExceeded marks an inflated payload that exceeded
	// the configured maximum size.
	KindDecompressionLimitExceeded Kind = "decompression_limit_exceeded"
	// KindTranscodingError marks a GELF payload that could not be rendered
	// as CLEF.
	KindTranscodingError Kind = "transcoding_error"
	// KindFrameTooLarge marks a TCP frame exceeding the per-connection cap.
	KindFrameTooLarge Kind = "frame_too_large"
	// KindSink marks a failure writing to the downstream sink. Fatal.
	KindSink Kind = "sink"
)

// Error is a classified error carrying a Kind alongside the wrapped cause.
type Error struct {
	Kind Kind
	Op   string // component/operation that raised it, e.g. "reassemble.Accept"
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Op + ": " + string(e.Kind)
	}
	return e.Op + ": " + string(e.Kind) + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

// New constructs a classified error.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Is reports whether err, or any error it wraps, is an *Error of the given
// kind (found via errors.As); see KindOf for the direct accessor used by the
// diagnostics counters.
func Is(err error, kind Kind) bool {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind == kind
	}
	return false
}

// KindOf extracts the Kind from a classified error, returning ("", false) if
// err was not produced by this package.
func KindOf(err error) (Kind, bool) {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind, true
	}
	return "", false
}

// Fatal reports whether a Kind should terminate the process rather than be
// recovered locally, per the propagation policy: every error that is not
// Config or Sink is recovered locally.
func (k Kind) Fatal() bool {
	return k == KindConfig || k == KindSink
}
