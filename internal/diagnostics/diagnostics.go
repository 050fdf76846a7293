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

// Package diagnostics tracks the running counters for received/emitted
// volume, reassembly pressure, and transcoding failures, and, when enabled,
// samples them every 30 seconds into one CLEF self-log event on stderr.
//
// Every counter is additionally registered on a prometheus.Registry via a
// promhttp-style GaugeFunc exporter. No HTTP listener is started for it by
// default, but a future supervisor flag can serve Registry() over promhttp
// without touching this package.
package diagnostics

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/kraklabs/gelfbridge/internal/clef"
	"github.com/kraklabs/gelfbridge/internal/emit"
)

const sampleInterval = 30 * time.Second

// Counters holds the live, atomically-updated counters sampled by Reporter.
type Counters struct {
	ReceivedBytes       atomic.Int64
	ReceivedMessages    atomic.Int64
	EmittedEvents       atomic.Int64
	ReassemblyPartials  atomic.Int64
	EvictedPartials     atomic.Int64
	ExpiredPartials     atomic.Int64
	TranscodingFailures atomic.Int64
	ConnectionCount     atomic.Int64

	InvalidChunkHeaders     atomic.Int64
	InconsistentChunkCounts atomic.Int64
}

// snapshot is an immutable read of every counter at one instant.
type snapshot struct {
	receivedBytes       int64
	receivedMessages    int64
	emittedEvents       int64
	reassemblyPartials  int64
	evictedPartials     int64
	expiredPartials     int64
	transcodingFailures int64
	connectionCount     int64

	invalidChunkHeaders     int64
	inconsistentChunkCounts int64
}

func (c *Counters) snapshot() snapshot {
	return snapshot{
		receivedBytes:       c.ReceivedBytes.Load(),
		receivedMessages:    c.ReceivedMessages.Load(),
		emittedEvents:       c.EmittedEvents.Load(),
		reassemblyPartials:  c.ReassemblyPartials.Load(),
		evictedPartials:     c.EvictedPartials.Load(),
		expiredPartials:     c.ExpiredPartials.Load(),
		transcodingFailures: c.TranscodingFailures.Load(),
		connectionCount:     c.ConnectionCount.Load(),

		invalidChunkHeaders:     c.InvalidChunkHeaders.Load(),
		inconsistentChunkCounts: c.InconsistentChunkCounts.Load(),
	}
}

// promCounters wires Counters onto a prometheus.Registry. Each gauge's
// value is refreshed from the atomic counters just before collection via a
// prometheus.GaugeFunc, so a scrape always reflects the live value without
// a separate copy step.
type promCounters struct {
	registry *prometheus.Registry
}

func newPromCounters(c *Counters) *promCounters {
	reg := prometheus.NewRegistry()
	register := func(name, help string, val func() float64) {
		reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "gelfbridge",
			Name:      name,
			Help:      help,
		}, val))
	}
	register("received_bytes_total", "Bytes received across all receivers.", func() float64 { return float64(c.ReceivedBytes.Load()) })
	register("received_messages_total", "Datagrams/frames received.", func() float64 { return float64(c.ReceivedMessages.Load()) })
	register("emitted_events_total", "CLEF events written to the sink.", func() float64 { return float64(c.EmittedEvents.Load()) })
	register("reassembly_partials", "Currently tracked chunk reassembly partials.", func() float64 { return float64(c.ReassemblyPartials.Load()) })
	register("evicted_partials_total", "Partials evicted for exceeding the concurrency bound.", func() float64 { return float64(c.EvictedPartials.Load()) })
	register("expired_partials_total", "Partials dropped for exceeding their lifetime.", func() float64 { return float64(c.ExpiredPartials.Load()) })
	register("transcoding_failures_total", "GELF payloads that failed to transcode cleanly.", func() float64 { return float64(c.TranscodingFailures.Load()) })
	register("connection_count", "Currently open TCP connections.", func() float64 { return float64(c.ConnectionCount.Load()) })
	register("invalid_chunk_headers_total", "Datagrams rejected for a malformed chunk header.", func() float64 { return float64(c.InvalidChunkHeaders.Load()) })
	register("inconsistent_chunk_counts_total", "Chunks rejected for disagreeing with their partial's sequence count.", func() float64 { return float64(c.InconsistentChunkCounts.Load()) })
	return &promCounters{registry: reg}
}

// Reporter periodically renders Counters as a CLEF self-log event.
type Reporter struct {
	counters *Counters
	emitter  *emit.Emitter
	prom     *promCounters
	now      func() time.Time
	interval time.Duration
}

// NewReporter builds a Reporter that writes self-describing CLEF events via
// stderrEmitter, normally an Emitter wrapping os.Stderr. It must never be
// handed the stdout CLEF emitter: diagnostic self-logs stay out of the
// ingested event stream.
func NewReporter(counters *Counters, stderrEmitter *emit.Emitter) *Reporter {
	return &Reporter{
		counters: counters,
		emitter:  stderrEmitter,
		prom:     newPromCounters(counters),
		now:      time.Now,
		interval: sampleInterval,
	}
}

// Registry exposes the Prometheus registry the counters are mirrored onto.
func (r *Reporter) Registry() *prometheus.Registry { return r.prom.registry }

// Run samples and emits one CLEF event every interval until ctx is
// cancelled. It is meant to run in its own goroutine, started only when
// diagnostics are enabled.
func (r *Reporter) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.sampleOnce()
		}
	}
}

func (r *Reporter) sampleOnce() {
	s := r.counters.snapshot()
	ev := clef.NewEvent(r.now(), "diagnostics sample")
	_ = ev.SetProperty("received_bytes", s.receivedBytes)
	_ = ev.SetProperty("received_messages", s.receivedMessages)
	_ = ev.SetProperty("emitted_events", s.emittedEvents)
	_ = ev.SetProperty("reassembly_partials", s.reassemblyPartials)
	_ = ev.SetProperty("evicted_partials", s.evictedPartials)
	_ = ev.SetProperty("expired_partials", s.expiredPartials)
	_ = ev.SetProperty("transcoding_failures", s.transcodingFailures)
	_ = ev.SetProperty("connection_count", s.connectionCount)
	_ = ev.SetProperty("invalid_chunk_headers", s.invalidChunkHeaders)
	_ = ev.SetProperty("inconsistent_chunk_count", s.inconsistentChunkCounts)

	line, err := ev.MarshalLine()
	if err != nil {
		return
	}
	_ = r.emitter.Write(line)
}

// SelfLog emits a one-off structured CLEF event on the diagnostic stream,
// used for startup/shutdown/fatal reporting.
func SelfLog(stderrEmitter *emit.Emitter, now time.Time, messageTemplate string, props map[string]any) {
	ev := clef.NewEvent(now, messageTemplate)
	for k, v := range props {
		_ = ev.SetProperty(k, v)
	}
	line, err := ev.MarshalLine()
	if err != nil {
		return
	}
	_ = stderrEmitter.Write(line)
}
