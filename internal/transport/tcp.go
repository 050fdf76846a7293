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
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/rs/xid"

	"github.com/kraklabs/gelfbridge/internal/diagnostics"
	"github.com/kraklabs/gelfbridge/internal/emit"
	"github.com/kraklabs/gelfbridge/internal/xerrors"
)

const (
	frameDelimiter  = 0x00
	tcpReadChunk    = 32 * 1024
	tcpIdleDisabled = 0
)

// TCPConfig carries the subset of internal/config.Config the TCP receiver
// needs (see the comment on UDPConfig for why this is its own type rather
// than an import of internal/config).
type TCPConfig struct {
	Addr                 string
	MaxInflatedBytes     int64
	MaxFrameBytes        int64
	DropUnrecognisedKeys bool

	// TLSCertPath, when set, configures the listener to require TLS and
	// reject plaintext connections, using the key at TLSKeyPath. The certificate is
	// loaded once at startup and held for the life of the listener.
	TLSCertPath string
	TLSKeyPath  string

	// IdleTimeout, when non-zero, closes a connection that produces no
	// frame boundary within the duration.
	IdleTimeout time.Duration
}

// TCPReceiver owns a stream listener. Unlike UDP, TCP framing is already
// done at the transport layer (null-terminated frames), so there is no
// chunk reassembler here.
type TCPReceiver struct {
	cfg      TCPConfig
	pipeline *pipeline
	counters *diagnostics.Counters
	log      *slog.Logger
	tlsConf  *tls.Config

	wg sync.WaitGroup
}

// NewTCPReceiver constructs a TCPReceiver. If cfg.TLSCertPath is set, the
// certificate and key are loaded immediately so a bad TLS configuration
// fails startup rather than the first accepted connection.
func NewTCPReceiver(cfg TCPConfig, emitter *emit.Emitter, counters *diagnostics.Counters, log *slog.Logger) (*TCPReceiver, error) {
	const op = "transport.NewTCPReceiver"
	if log == nil {
		log = slog.Default()
	}

	r := &TCPReceiver{
		cfg:      cfg,
		pipeline: newPipeline(cfg.MaxInflatedBytes, cfg.DropUnrecognisedKeys, emitter, counters, log),
		counters: counters,
		log:      log,
	}

	if cfg.TLSCertPath != "" {
		cert, err := tls.LoadX509KeyPair(cfg.TLSCertPath, cfg.TLSKeyPath)
		if err != nil {
			return nil, xerrors.New(xerrors.KindTransport, op, fmt.Errorf("load tls keypair: %w", err))
		}
		r.tlsConf = &tls.Config{Certificates: []tls.Certificate{cert}, MinVersion: tls.VersionTLS12}
	}

	return r, nil
}

// Serve binds the listener and accepts connections until ctx is cancelled
// or a connection hits a sink failure, draining in-flight connections
// before returning. It returns that sink failure, or nil on cancellation.
func (t *TCPReceiver) Serve(ctx context.Context) error {
	const op = "transport.TCPReceiver.Serve"

	ln, err := net.Listen("tcp", t.cfg.Addr)
	if err != nil {
		return xerrors.New(xerrors.KindTransport, op, fmt.Errorf("listen %s: %w", t.cfg.Addr, err))
	}
	if t.tlsConf != nil {
		ln = tls.NewListener(ln, t.tlsConf)
	}
	defer ln.Close()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	var sinkErr error
	var sinkOnce sync.Once

	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	t.log.Info("tcp receiver listening", "addr", t.cfg.Addr, "tls", t.tlsConf != nil)

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				break
			}
			t.log.Warn("tcp accept failed", "error", err)
			continue
		}

		t.counters.ConnectionCount.Add(1)
		connID := xid.New().String()
		t.wg.Add(1)
		go func() {
			defer t.wg.Done()
			defer t.counters.ConnectionCount.Add(-1)
			if err := t.handleConn(ctx, conn, connID); err != nil {
				var xe *xerrors.Error
				if errors.As(err, &xe) && xe.Kind == xerrors.KindSink {
					// A sink failure is fatal, but it is detected on
					// whichever connection happened to be writing when the
					// pipe closed; record it and cancel ctx so the accept
					// loop and every other connection stop, and Serve
					// returns it to the supervisor.
					t.log.Error("sink closed, connection aborted", "conn", connID, "error", err)
					sinkOnce.Do(func() { sinkErr = err })
					cancel()
				}
			}
		}()
	}

	t.wg.Wait()
	return sinkErr
}

// handleConn reads bytes from conn, splits on NUL, and runs each frame
// through the shared pipeline in framing order: events from one TCP
// connection are always emitted in the order they were framed.
func (t *TCPReceiver) handleConn(ctx context.Context, conn net.Conn, connID string) error {
	const op = "transport.TCPReceiver.handleConn"
	defer conn.Close()

	// Cancelling ctx closes conn, which unblocks a pending Read so the
	// connection stops reading on shutdown.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-done:
		}
	}()

	var buf bytes.Buffer
	chunk := make([]byte, tcpReadChunk)

	// The idle deadline is pushed forward only at a frame boundary.
	resetIdle := func() {
		if t.cfg.IdleTimeout > tcpIdleDisabled {
			_ = conn.SetReadDeadline(time.Now().Add(t.cfg.IdleTimeout))
		}
	}
	resetIdle()

	for {
		n, err := conn.Read(chunk)
		if n > 0 {
			buf.Write(chunk[:n])
			t.counters.ReceivedBytes.Add(int64(n))

			if t.cfg.MaxFrameBytes > 0 && int64(buf.Len()) > t.cfg.MaxFrameBytes && !bytes.Contains(buf.Bytes(), []byte{frameDelimiter}) {
				t.log.Warn("tcp connection exceeded frame size limit", "conn", connID)
				return xerrors.New(xerrors.KindFrameTooLarge, op, fmt.Errorf("frame exceeds %d bytes", t.cfg.MaxFrameBytes))
			}

			for {
				idx := bytes.IndexByte(buf.Bytes(), frameDelimiter)
				if idx < 0 {
					break
				}
				frame := append([]byte(nil), buf.Bytes()[:idx]...)
				buf.Next(idx + 1)

				t.counters.ReceivedMessages.Add(1)
				if perr := t.pipeline.process(frame); perr != nil {
					return perr
				}
				resetIdle()
			}
		}

		if err != nil {
			if err == io.EOF {
				return nil
			}
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				t.log.Warn("tcp connection idle timeout", "conn", connID)
				return nil
			}
			if ctx.Err() != nil {
				return nil
			}
			return nil
		}
	}
}
