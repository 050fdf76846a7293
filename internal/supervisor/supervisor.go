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

// Package supervisor wires the config, diagnostics, emitter, and receiver
// components together and owns the process's shutdown signal handling,
// using the signal.NotifyContext + timeout pattern for SIGINT/SIGTERM.
package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/kraklabs/gelfbridge/internal/clef"
	"github.com/kraklabs/gelfbridge/internal/config"
	"github.com/kraklabs/gelfbridge/internal/diagnostics"
	"github.com/kraklabs/gelfbridge/internal/emit"
	"github.com/kraklabs/gelfbridge/internal/transport"
	"github.com/kraklabs/gelfbridge/internal/xerrors"
)

// drainTimeout bounds how long Run waits for the active receiver to finish
// draining in-flight work after a shutdown signal, so a stuck peer can
// never block process exit indefinitely.
const drainTimeout = 10 * time.Second

// receiver is the interface both transport.UDPReceiver and
// transport.TCPReceiver satisfy.
type receiver interface {
	Serve(ctx context.Context) error
}

// Supervisor owns the one configured receiver and the optional diagnostics
// reporter for the lifetime of the process.
type Supervisor struct {
	cfg      config.Config
	stdout   *emit.Emitter
	stderr   *emit.Emitter
	counters *diagnostics.Counters
	reporter *diagnostics.Reporter
	recv     receiver
}

// New builds a Supervisor from a loaded Config, binding stdout as the CLEF
// sink and stderr as the diagnostic stream. Construction fails fast
// (KindTransport/KindConfig) on TLS load errors, so a bad cert never makes
// it to Run's accept loop.
//
// Every component constructor receives the same *slog.Logger, backed by a
// clef.Handler writing to stderr, so operational logs (accept failures,
// reassembly pressure, idle timeouts) come out as the same CLEF JSON shape
// as the diagnostics self-logs below, not as plain-text key=value pairs.
func New(cfg config.Config, stdout, stderr *emit.Emitter) (*Supervisor, error) {
	counters := &diagnostics.Counters{}
	log := slog.New(clef.NewHandler(stderr, slog.LevelInfo))

	var recv receiver
	switch cfg.Scheme {
	case config.SchemeUDP:
		recv = transport.NewUDPReceiver(transport.UDPConfig{
			Addr:                   cfg.Addr(),
			MaxInflatedBytes:       cfg.MaxInflatedBytes,
			MaxConcurrentPartials:  cfg.MaxConcurrentPartials,
			PartialLifetimeSeconds: cfg.PartialLifetimeSeconds,
			DropUnrecognisedKeys:   cfg.UnrecognisedKeysPolicy == config.PolicyDrop,
		}, stdout, counters, log)
	case config.SchemeTCP:
		var tlsCert, tlsKey string
		if cfg.TLS != nil {
			tlsCert, tlsKey = cfg.TLS.CertPath, cfg.TLS.KeyPath
		}
		tr, err := transport.NewTCPReceiver(transport.TCPConfig{
			Addr:                 cfg.Addr(),
			MaxInflatedBytes:     cfg.MaxInflatedBytes,
			MaxFrameBytes:        cfg.MaxTCPFrameBytes,
			DropUnrecognisedKeys: cfg.UnrecognisedKeysPolicy == config.PolicyDrop,
			TLSCertPath:          tlsCert,
			TLSKeyPath:           tlsKey,
		}, stdout, counters, log)
		if err != nil {
			return nil, err
		}
		recv = tr
	default:
		return nil, xerrors.New(xerrors.KindConfig, "supervisor.New", fmt.Errorf("unsupported scheme %q", cfg.Scheme))
	}

	var reporter *diagnostics.Reporter
	if cfg.DiagnosticsEnabled {
		reporter = diagnostics.NewReporter(counters, stderr)
	}

	return &Supervisor{
		cfg:      cfg,
		stdout:   stdout,
		stderr:   stderr,
		counters: counters,
		reporter: reporter,
		recv:     recv,
	}, nil
}

// Run starts the receiver (and diagnostics reporter, if enabled) and blocks
// until either the receiver exits on its own (e.g. a fatal sink error) or
// the process receives SIGINT/SIGTERM, in which case Run requests the
// receiver to stop accepting work, waits up to drainTimeout for in-flight
// frames to finish, and returns. The returned error is nil on a clean
// shutdown; a non-nil error indicates the exit code the caller should use.
func (s *Supervisor) Run(ctx context.Context) error {
	diagnostics.SelfLog(s.stderr, time.Now(), "gelfbridge starting", map[string]any{
		"scheme":     string(s.cfg.Scheme),
		"addr":       s.cfg.Addr(),
		"process_id": s.cfg.ProcessID,
	})

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if s.reporter != nil {
		go s.reporter.Run(ctx)
	}

	errCh := make(chan error, 1)
	go func() { errCh <- s.recv.Serve(ctx) }()

	var runErr error
	select {
	case runErr = <-errCh:
		// Receiver exited on its own (startup/transport/sink failure).
	case <-ctx.Done():
		// Serve already stops accepting new work as soon as ctx is
		// cancelled and drains in-flight frames before returning; we just
		// bound how long we wait for that to happen.
		select {
		case runErr = <-errCh:
		case <-time.After(drainTimeout):
			runErr = fmt.Errorf("receiver did not drain within %s", drainTimeout)
		}
	}

	diagnostics.SelfLog(s.stderr, time.Now(), "gelfbridge stopped", map[string]any{
		"process_id": s.cfg.ProcessID,
		"error":      errString(runErr),
	})

	return runErr
}

// Counters exposes the live counters, mainly for tests that want to assert
// on processing without waiting on a diagnostics sample tick.
func (s *Supervisor) Counters() *diagnostics.Counters { return s.counters }

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// ExitCode maps a Run error to the process's exit code: 1 on any startup
// or runtime failure, 0 on a clean shutdown.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	return 1
}
