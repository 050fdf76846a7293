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

// Package config parses the fixed, enumerated set of environment variables
// gelfbridge accepts and produces an immutable Config value. Nothing in the
// rest of the program mutates a Config after Load returns it.
package config

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"

	"github.com/rs/xid"

	"github.com/kraklabs/gelfbridge/internal/xerrors"
)

// Scheme identifies the transport a Config binds to.
type Scheme string

const (
	SchemeUDP Scheme = "udp"
	SchemeTCP Scheme = "tcp"
)

// UnrecognisedKeysPolicy controls how the transcoder treats GELF top-level
// keys it does not recognise as reserved: Keep forwards them as CLEF
// properties, Drop suppresses them. Load always returns Keep, since no
// environment variable selects the policy; Drop is reachable only by
// constructing a Config directly.
type UnrecognisedKeysPolicy string

const (
	PolicyKeep UnrecognisedKeysPolicy = "keep"
	PolicyDrop UnrecognisedKeysPolicy = "drop"
)

// TLSConfig names the certificate and key material location. Loading the
// bytes themselves is left to crypto/tls.LoadX509KeyPair when the TCP
// receiver is constructed; Config only carries the paths.
type TLSConfig struct {
	CertPath string
	KeyPath  string
}

// Config is the immutable, validated configuration produced by Load.
type Config struct {
	Scheme Scheme
	Host   string
	Port   string

	TLS *TLSConfig // nil when plaintext

	DiagnosticsEnabled bool

	UnrecognisedKeysPolicy UnrecognisedKeysPolicy

	// ProcessID identifies this sidecar instance in diagnostic logs,
	// generated once at startup.
	ProcessID string

	// MaxInflatedBytes bounds decompressed payload size coming out of the
	// inflator, so a small compressed bomb can't exhaust memory.
	MaxInflatedBytes int64

	// MaxTCPFrameBytes bounds a single NUL-delimited TCP frame.
	MaxTCPFrameBytes int64

	// MaxConcurrentPartials bounds how many in-flight UDP reassembly
	// partials the receiver tracks before evicting the oldest.
	MaxConcurrentPartials int

	// PartialLifetimeSeconds bounds how long an incomplete UDP reassembly
	// partial is kept before it expires.
	PartialLifetimeSeconds int
}

const (
	envAddress     = "GELF_ADDRESS"
	envDiagnostics = "GELF_ENABLE_DIAGNOSTICS"
	envCertPath    = "GELF_CERTIFICATE_PATH"
	envKeyPath     = "GELF_CERTIFICATE_PRIVATE_KEY_PATH"

	defaultAddress                      = "udp://0.0.0.0:12201"
	defaultMaxInflatedBytes       int64 = 8 << 20
	defaultMaxTCPFrameBytes       int64 = 8 << 20
	defaultMaxConcurrentPartials        = 1000
	defaultPartialLifetimeSeconds       = 5
)

// Load reads the environment and returns a validated Config. Any validation
// failure is a *xerrors.Error of KindConfig; callers should treat it as
// fatal and terminate startup with a diagnostic rather than falling back to
// a default.
func Load() (Config, error) {
	const op = "config.Load"

	addr := os.Getenv(envAddress)
	if addr == "" {
		addr = defaultAddress
	}

	u, err := url.Parse(addr)
	if err != nil {
		return Config{}, xerrors.New(xerrors.KindConfig, op, fmt.Errorf("parse %s=%q: %w", envAddress, addr, err))
	}

	var scheme Scheme
	switch strings.ToLower(u.Scheme) {
	case "udp":
		scheme = SchemeUDP
	case "tcp":
		scheme = SchemeTCP
	default:
		return Config{}, xerrors.New(xerrors.KindConfig, op, fmt.Errorf("%s=%q: unsupported scheme %q (want udp or tcp)", envAddress, addr, u.Scheme))
	}

	host := u.Hostname()
	if host == "" {
		host = "0.0.0.0"
	}
	port := u.Port()
	if port == "" {
		return Config{}, xerrors.New(xerrors.KindConfig, op, fmt.Errorf("%s=%q: missing port", envAddress, addr))
	}

	diagEnabled, err := parseBool(os.Getenv(envDiagnostics), false)
	if err != nil {
		return Config{}, xerrors.New(xerrors.KindConfig, op, fmt.Errorf("parse %s: %w", envDiagnostics, err))
	}

	certPath := os.Getenv(envCertPath)
	keyPath := os.Getenv(envKeyPath)

	var tlsCfg *TLSConfig
	if certPath != "" {
		if keyPath == "" {
			// A bare certificate path doubles as the key path, matching the
			// common practice of keeping a combined PEM file.
			keyPath = certPath
		}
		tlsCfg = &TLSConfig{CertPath: certPath, KeyPath: keyPath}
	} else if keyPath != "" {
		return Config{}, xerrors.New(xerrors.KindConfig, op, fmt.Errorf("%s is set without %s", envKeyPath, envCertPath))
	}

	if tlsCfg != nil && scheme == SchemeUDP {
		// DTLS isn't supported, so TLS material paired with a udp:// address
		// is a configuration mistake, not a silently-ignored setting.
		return Config{}, xerrors.New(xerrors.KindConfig, op, fmt.Errorf("TLS is configured but %s=%q uses udp; TLS requires tcp", envAddress, addr))
	}

	return Config{
		Scheme:                 scheme,
		Host:                   host,
		Port:                   port,
		TLS:                    tlsCfg,
		DiagnosticsEnabled:     diagEnabled,
		UnrecognisedKeysPolicy: PolicyKeep,
		ProcessID:              xid.New().String(),
		MaxInflatedBytes:       defaultMaxInflatedBytes,
		MaxTCPFrameBytes:       defaultMaxTCPFrameBytes,
		MaxConcurrentPartials:  defaultMaxConcurrentPartials,
		PartialLifetimeSeconds: defaultPartialLifetimeSeconds,
	}, nil
}

// Addr returns the "host:port" form used by net.Listen/net.ResolveUDPAddr.
func (c Config) Addr() string {
	return net.JoinHostPort(c.Host, c.Port)
}

func parseBool(s string, def bool) (bool, error) {
	if s == "" {
		return def, nil
	}
	// Accept the documented "True"/"False" spelling case-insensitively,
	// plus the usual Go boolean spellings via strconv.ParseBool.
	switch strings.ToLower(s) {
	case "true":
		return true, nil
	case "false":
		return false, nil
	default:
		if b, err := strconv.ParseBool(s); err == nil {
			return b, nil
		}
		return false, fmt.Errorf("invalid boolean %q", s)
	}
}
