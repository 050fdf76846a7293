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

package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/kraklabs/gelfbridge/internal/diagnostics"
	"github.com/kraklabs/gelfbridge/internal/emit"
	"github.com/kraklabs/gelfbridge/internal/reassemble"
	"github.com/kraklabs/gelfbridge/internal/xerrors"
)

// maxUDPPayload is the maximum possible UDP datagram payload: oversize
// datagrams are impossible at the socket layer.
const maxUDPPayload = 65507

// UDPReceiver owns one datagram socket. A single reassembler must not be
// shared across goroutines, so one UDPReceiver reads, reassembles, and
// processes sequentially on a single goroutine; concurrency (if any) comes
// from running multiple UDPReceivers bound to distinct sockets, never from
// splitting one socket's message-id space.
type UDPReceiver struct {
	addr     string
	pipeline *pipeline
	counters *diagnostics.Counters
	log      *slog.Logger

	reassembler *reassemble.Reassembler
}

// UDPConfig carries the subset of internal/config.Config the UDP receiver
// needs, passed explicitly so the receiver can be constructed and tested
// without building a full config.Config.
type UDPConfig struct {
	Addr                   string
	MaxInflatedBytes       int64
	MaxConcurrentPartials  int
	PartialLifetimeSeconds int
	DropUnrecognisedKeys   bool
}

// NewUDPReceiver constructs a UDPReceiver. log defaults to slog.Default()
// when nil.
func NewUDPReceiver(cfg UDPConfig, emitter *emit.Emitter, counters *diagnostics.Counters, log *slog.Logger) *UDPReceiver {
	if log == nil {
		log = slog.Default()
	}
	r := reassemble.New(cfg.MaxConcurrentPartials, time.Duration(cfg.PartialLifetimeSeconds)*time.Second)
	r.OnEvicted(func(reassemble.MessageID) {
		counters.EvictedPartials.Add(1)
		log.Warn("reassembly partial evicted at capacity")
	})
	r.OnExpired(func(reassemble.MessageID) {
		counters.ExpiredPartials.Add(1)
		log.Warn("reassembly partial expired")
	})
	return &UDPReceiver{
		addr:        cfg.Addr,
		pipeline:    newPipeline(cfg.MaxInflatedBytes, cfg.DropUnrecognisedKeys, emitter, counters, log),
		counters:    counters,
		log:         log,
		reassembler: r,
	}
}

// Serve binds the socket and reads datagrams until ctx is cancelled. It
// returns nil on a clean, ctx-driven shutdown, and a *xerrors.Error with
// KindTransport if the bind itself fails; a bind failure terminates the
// process rather than retrying.
func (u *UDPReceiver) Serve(ctx context.Context) error {
	const op = "transport.UDPReceiver.Serve"

	udpAddr, err := net.ResolveUDPAddr("udp", u.addr)
	if err != nil {
		return xerrors.New(xerrors.KindTransport, op, fmt.Errorf("resolve %s: %w", u.addr, err))
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return xerrors.New(xerrors.KindTransport, op, fmt.Errorf("listen %s: %w", u.addr, err))
	}
	defer conn.Close()

	go func() {
		<-ctx.Done()
		_ = conn.Close()
	}()

	u.log.Info("udp receiver listening", "addr", u.addr)

	// A single reusable read buffer: no read buffer is allocated per
	// datagram. The reassembler copies out of it only when a chunk is
	// retained in a partial (via append in Reassembler.Accept); a completed
	// payload is copied once below before hand-off.
	buf := make([]byte, maxUDPPayload)
	for {
		n, _, err := conn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			u.log.Warn("udp read failed", "error", err)
			continue
		}

		u.counters.ReceivedBytes.Add(int64(n))
		u.counters.ReceivedMessages.Add(1)
		u.counters.ReassemblyPartials.Store(int64(u.reassembler.Partials()))

		result, err := u.reassembler.Accept(buf[:n], time.Now())
		if err != nil {
			kind, _ := xerrors.KindOf(err)
			switch kind {
			case xerrors.KindInvalidChunkHeader:
				u.counters.InvalidChunkHeaders.Add(1)
			case xerrors.KindInconsistentChunkCount:
				u.counters.InconsistentChunkCounts.Add(1)
			}
			u.log.Warn("datagram rejected by reassembler", "kind", kind, "error", err)
			continue
		}
		if result.Outcome != reassemble.OutcomeComplete {
			continue // incomplete partial; nothing to process yet
		}

		// Copy out of the shared buffer before handing off: result.Payload
		// may alias buf directly (pass-through and single-chunk cases).
		payload := append([]byte(nil), result.Payload...)
		if err := u.pipeline.process(payload); err != nil {
			return err // KindSink is fatal to the receiver
		}
	}
}
