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

// Package reassemble correlates GELF UDP chunks by message id, tolerates
// out-of-order arrival, expires stale partials, and enforces the protocol's
// packet budget. A Reassembler is single-owner and sequential: it must not
// be shared across receiving goroutines, since its correctness relies on
// exclusive ownership of its partial-message table. Each UDP receiver owns
// one instance.
package reassemble

import (
	"fmt"
	"time"

	"github.com/kraklabs/gelfbridge/internal/xerrors"
)

// Wire format constants for the chunked GELF UDP header: a 2-byte magic,
// 8-byte message id, 1-byte sequence number, 1-byte sequence count.
const (
	headerLen   = 12
	magicByte0  = 0x1e
	magicByte1  = 0x0f
	idLen       = 8
	maxSeqCount = 128 // sequence_count must be in (0, 128]
)

// MessageID identifies a chunked GELF message. It is the raw 8-byte id
// carried in the chunk header, used as a map key.
type MessageID [idLen]byte

// Outcome is the result of a single Accept call.
type Outcome int

const (
	// OutcomeNone means the datagram is part of a still-incomplete partial;
	// there is nothing to hand downstream yet.
	OutcomeNone Outcome = iota
	// OutcomeComplete means Accept produced a complete, ordered payload.
	OutcomeComplete
)

// Result is returned by Accept.
type Result struct {
	Outcome Outcome
	Payload []byte // valid iff Outcome == OutcomeComplete
}

// partial tracks chunks received so far for one message id.
type partial struct {
	expectedCount byte
	received      [maxSeqCount][]byte
	haveMask      [maxSeqCount]bool
	haveCount     int
	firstSeenAt   time.Time
	totalBytes    int
}

// Reassembler buffers GELF chunks keyed by message id. It is not safe for
// concurrent use; see the package doc.
type Reassembler struct {
	maxPartials int
	lifetime    time.Duration

	partials map[MessageID]*partial
	// order lists tracked ids in insertion order; expiry walks it on every
	// Accept and removes stale entries, and oldest-first eviction scans it
	// comparing first_seen_at.
	order []MessageID

	onEvicted func(MessageID)
	onExpired func(MessageID)
}

// New constructs a Reassembler bounded by maxPartials concurrently tracked
// messages and a lifetime after which an untouched partial expires.
func New(maxPartials int, lifetime time.Duration) *Reassembler {
	return &Reassembler{
		maxPartials: maxPartials,
		lifetime:    lifetime,
		partials:    make(map[MessageID]*partial),
	}
}

// OnEvicted registers a callback invoked whenever a partial is dropped to
// stay under maxPartials (diagnostics counter "evicted_partials").
func (r *Reassembler) OnEvicted(fn func(MessageID)) { r.onEvicted = fn }

// OnExpired registers a callback invoked whenever a partial is dropped for
// exceeding its lifetime (diagnostics counter "expired_partials").
func (r *Reassembler) OnExpired(fn func(MessageID)) { r.onExpired = fn }

// Accept ingests one raw datagram and advances the reassembler's state
// machine. now is a single monotonic clock reading supplied by the caller;
// the reassembler contains no timers of its own.
func (r *Reassembler) Accept(chunkBytes []byte, now time.Time) (Result, error) {
	const op = "reassemble.Accept"

	r.expire(now)

	if !hasMagic(chunkBytes) {
		// Non-chunked datagram: returned unchanged.
		return Result{Outcome: OutcomeComplete, Payload: chunkBytes}, nil
	}

	if len(chunkBytes) < headerLen {
		return Result{}, xerrors.New(xerrors.KindInvalidChunkHeader, op, fmt.Errorf("chunk shorter than header (%d bytes)", len(chunkBytes)))
	}

	var id MessageID
	copy(id[:], chunkBytes[2:2+idLen])
	seqNo := chunkBytes[10]
	seqCount := chunkBytes[11]
	payload := chunkBytes[headerLen:]

	if seqCount == 0 || seqCount > maxSeqCount || seqNo >= seqCount {
		return Result{}, xerrors.New(xerrors.KindInvalidChunkHeader, op,
			fmt.Errorf("seq_no=%d seq_count=%d violates 0 < seq_count <= %d, seq_no < seq_count", seqNo, seqCount, maxSeqCount))
	}

	if seqCount == 1 {
		// A single-chunk message is delivered immediately and never enters
		// the partial table.
		return Result{Outcome: OutcomeComplete, Payload: payload}, nil
	}

	p, ok := r.partials[id]
	if !ok {
		p = &partial{expectedCount: seqCount, firstSeenAt: now}
		r.insert(id, p, now)
	} else if p.expectedCount != seqCount {
		// A chunk reporting a different count than the partial it would
		// join is a malformed/conflicting sender; drop both the incoming
		// chunk and the existing entry rather than guess which is right.
		r.remove(id)
		return Result{}, xerrors.New(xerrors.KindInconsistentChunkCount, op,
			fmt.Errorf("message %x: expected_count %d, got %d", id, p.expectedCount, seqCount))
	}

	if !p.haveMask[seqNo] {
		p.haveCount++
	} else {
		// A duplicate seq_no overwrites the earlier chunk rather than being
		// rejected, matching common interoperable sender behaviour.
		p.totalBytes -= len(p.received[seqNo])
	}
	p.haveMask[seqNo] = true
	// The chunk is retained past this call while the caller's read buffer is
	// reused for the next datagram, so retention is the one place a copy is
	// taken.
	p.received[seqNo] = append([]byte(nil), payload...)
	p.totalBytes += len(payload)

	if p.haveCount < int(p.expectedCount) {
		return Result{Outcome: OutcomeNone}, nil
	}

	out := make([]byte, 0, p.totalBytes)
	for i := 0; i < int(p.expectedCount); i++ {
		out = append(out, p.received[i]...)
	}
	r.remove(id)
	return Result{Outcome: OutcomeComplete, Payload: out}, nil
}

// insert adds a new partial, evicting the oldest if doing so would exceed
// maxPartials.
func (r *Reassembler) insert(id MessageID, p *partial, now time.Time) {
	if r.maxPartials > 0 && len(r.partials) >= r.maxPartials {
		r.evictOldest()
	}
	r.partials[id] = p
	r.order = append(r.order, id)
}

func (r *Reassembler) evictOldest() {
	oldestIdx := -1
	var oldestAt time.Time
	for i, id := range r.order {
		p, ok := r.partials[id]
		if !ok {
			continue
		}
		if oldestIdx == -1 || p.firstSeenAt.Before(oldestAt) {
			oldestIdx = i
			oldestAt = p.firstSeenAt
		}
	}
	if oldestIdx == -1 {
		return
	}
	id := r.order[oldestIdx]
	delete(r.partials, id)
	r.order = append(r.order[:oldestIdx], r.order[oldestIdx+1:]...)
	if r.onEvicted != nil {
		r.onEvicted(id)
	}
}

func (r *Reassembler) remove(id MessageID) {
	delete(r.partials, id)
	for i, o := range r.order {
		if o == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
}

// expire drops every partial older than the configured lifetime. It runs on
// every Accept call; the triggering chunk is still processed after expiry.
func (r *Reassembler) expire(now time.Time) {
	if r.lifetime <= 0 || len(r.order) == 0 {
		return
	}
	kept := r.order[:0]
	for _, id := range r.order {
		p, ok := r.partials[id]
		if !ok {
			continue
		}
		if now.Sub(p.firstSeenAt) > r.lifetime {
			delete(r.partials, id)
			if r.onExpired != nil {
				r.onExpired(id)
			}
			continue
		}
		kept = append(kept, id)
	}
	r.order = kept
}

// Partials returns the number of concurrently tracked partial messages.
// Exposed for tests and diagnostics sampling.
func (r *Reassembler) Partials() int { return len(r.partials) }

func hasMagic(b []byte) bool {
	return len(b) >= 2 && b[0] == magicByte0 && b[1] == magicByte1
}
