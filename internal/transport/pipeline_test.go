package transport

import (
	"bytes"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kraklabs/gelfbridge/internal/diagnostics"
	"github.com/kraklabs/gelfbridge/internal/emit"
)

func TestPipeline_MalformedCompressionFallsBackToSyntheticEvent(t *testing.T) {
	var out bytes.Buffer
	counters := &diagnostics.Counters{}
	p := newPipeline(8<<20, false, emit.New(&out), counters, slog.Default())

	// Gzip magic bytes followed by garbage: Detect recognises the format,
	// but the stream never decodes.
	require.NoError(t, p.process([]byte{0x1f, 0x8b, 0x00, 0x00}))

	assert.Contains(t, out.String(), `"@l":"Error"`)
	assert.Contains(t, out.String(), `"GelfPayload"`)
}

func TestPipeline_PlainJSONEmitsOneLine(t *testing.T) {
	var out bytes.Buffer
	counters := &diagnostics.Counters{}
	p := newPipeline(8<<20, false, emit.New(&out), counters, slog.Default())

	require.NoError(t, p.process([]byte(`{"short_message":"hi"}`)))

	assert.Equal(t, int64(1), counters.EmittedEvents.Load())
	assert.Contains(t, out.String(), `"@mt":"hi"`)
}
