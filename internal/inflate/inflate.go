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

// Package inflate detects and decompresses GZIP/ZLIB GELF payloads. A
// payload with no recognised magic prefix passes through unchanged.
package inflate

import (
	"bytes"
	"fmt"
	"io"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zlib"

	"github.com/kraklabs/gelfbridge/internal/xerrors"
)

// Format tags the detected compression of a payload.
type Format string

const (
	FormatNone Format = "none"
	FormatGzip Format = "gzip"
	FormatZlib Format = "zlib"
)

// Magic bytes for the two compression formats GELF senders commonly use.
var (
	magicGzip = [2]byte{0x1f, 0x8b}
	magicZlib = byte(0x78)
)

// zlibSecondBytes are the valid second bytes of a zlib stream header for the
// compression levels graylog/GELF senders commonly use (level 0, default,
// and best-compression CMF/FLG checksums).
var zlibSecondBytes = map[byte]bool{0x01: true, 0x9c: true, 0xda: true}

// Detect inspects the first bytes of buf and returns the compression
// format without decoding anything.
func Detect(buf []byte) Format {
	if len(buf) >= 2 && buf[0] == magicGzip[0] && buf[1] == magicGzip[1] {
		return FormatGzip
	}
	if len(buf) >= 2 && buf[0] == magicZlib && zlibSecondBytes[buf[1]] {
		return FormatZlib
	}
	return FormatNone
}

// Inflate decompresses buf according to its detected format, bounding the
// output at maxBytes to guard against decompression bombs. A pass-through
// payload is returned as-is without a copy.
func Inflate(buf []byte, maxBytes int64) ([]byte, Format, error) {
	const op = "inflate.Inflate"

	format := Detect(buf)
	if format == FormatNone {
		return buf, FormatNone, nil
	}

	var r io.ReadCloser
	var err error
	switch format {
	case FormatGzip:
		r, err = gzip.NewReader(bytes.NewReader(buf))
	case FormatZlib:
		r, err = zlib.NewReader(bytes.NewReader(buf))
	}
	if err != nil {
		return nil, format, xerrors.New(xerrors.KindMalformedCompression, op, err)
	}
	defer r.Close()

	limited := io.LimitReader(r, maxBytes+1)
	out, err := io.ReadAll(limited)
	if err != nil {
		return nil, format, xerrors.New(xerrors.KindMalformedCompression, op, err)
	}
	if int64(len(out)) > maxBytes {
		return nil, format, xerrors.New(xerrors.KindDecompressionLimitExceeded, op,
			fmt.Errorf("inflated payload exceeds %d bytes", maxBytes))
	}
	return out, format, nil
}
