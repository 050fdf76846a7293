package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"net"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kraklabs/gelfbridge/internal/diagnostics"
	"github.com/kraklabs/gelfbridge/internal/emit"
)

// syncBuffer is a bytes.Buffer safe to read while a receiver goroutine is
// still writing to it through an emitter.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) Bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]byte(nil), b.buf.Bytes()...)
}

func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.ListenUDP("udp", &net.UDPAddr{})
	require.NoError(t, err)
	defer l.Close()
	return l.LocalAddr().(*net.UDPAddr).Port
}

func TestUDPReceiver_PlainDatagramEmitsCLEFLine(t *testing.T) {
	port := freePort(t)
	addr := "127.0.0.1:" + strconv.Itoa(port)

	out := &syncBuffer{}
	counters := &diagnostics.Counters{}
	recv := NewUDPReceiver(UDPConfig{
		Addr:                   addr,
		MaxInflatedBytes:       8 << 20,
		MaxConcurrentPartials:  1000,
		PartialLifetimeSeconds: 5,
	}, emit.New(out), counters, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- recv.Serve(ctx) }()

	waitListening(t, addr)

	conn, err := net.Dial("udp", addr)
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte(`{"version":"1.1","host":"h","short_message":"hello","level":5}`))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return bytes.Contains(out.Bytes(), []byte(`"@mt":"hello"`))
	}, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Serve did not return after cancellation")
	}

	assert.Equal(t, int64(1), counters.ReceivedMessages.Load())
	assert.Equal(t, int64(1), counters.EmittedEvents.Load())
}

func TestUDPReceiver_ChunkedGzipDatagramsReassembleAndEmit(t *testing.T) {
	port := freePort(t)
	addr := "127.0.0.1:" + strconv.Itoa(port)

	out := &syncBuffer{}
	counters := &diagnostics.Counters{}
	recv := NewUDPReceiver(UDPConfig{
		Addr:                   addr,
		MaxInflatedBytes:       8 << 20,
		MaxConcurrentPartials:  1000,
		PartialLifetimeSeconds: 5,
	}, emit.New(out), counters, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- recv.Serve(ctx) }()

	waitListening(t, addr)

	conn, err := net.Dial("udp", addr)
	require.NoError(t, err)
	defer conn.Close()

	var compressed bytes.Buffer
	gz := gzip.NewWriter(&compressed)
	_, err = gz.Write([]byte(`{"version":"1.1","host":"h","short_message":"hello","timestamp":1600000000.25,"level":5,"_svc":"api"}`))
	require.NoError(t, err)
	require.NoError(t, gz.Close())

	chunks := splitIntoChunks(compressed.Bytes(), 3)
	// Out-of-order delivery: the reassembler must still concatenate in
	// sequence order.
	for _, i := range []int{1, 0, 2} {
		_, err = conn.Write(chunks[i])
		require.NoError(t, err)
	}

	require.Eventually(t, func() bool {
		return bytes.Contains(out.Bytes(), []byte("\n"))
	}, time.Second, 5*time.Millisecond)

	cancel()
	<-done

	var decoded map[string]any
	line := bytes.TrimRight(out.Bytes(), "\n")
	require.NoError(t, json.Unmarshal(line, &decoded))
	assert.Equal(t, "2020-09-13T12:26:40.250Z", decoded["@t"])
	assert.Equal(t, "hello", decoded["@mt"])
	assert.Equal(t, "Information", decoded["@l"])
	assert.Equal(t, "api", decoded["svc"])
}

func TestUDPReceiver_InconsistentChunkCountIsCountedNotEmitted(t *testing.T) {
	port := freePort(t)
	addr := "127.0.0.1:" + strconv.Itoa(port)

	out := &syncBuffer{}
	counters := &diagnostics.Counters{}
	recv := NewUDPReceiver(UDPConfig{
		Addr:                   addr,
		MaxInflatedBytes:       8 << 20,
		MaxConcurrentPartials:  1000,
		PartialLifetimeSeconds: 5,
	}, emit.New(out), counters, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- recv.Serve(ctx) }()

	waitListening(t, addr)

	conn, err := net.Dial("udp", addr)
	require.NoError(t, err)
	defer conn.Close()

	// Same message id, disagreeing sequence counts (3 then 2): the second
	// chunk and the tracked entry are both dropped.
	first := splitIntoChunks([]byte("abcdef"), 3)[0]
	second := splitIntoChunks([]byte("abcd"), 2)[0]
	_, err = conn.Write(first)
	require.NoError(t, err)
	_, err = conn.Write(second)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return counters.InconsistentChunkCounts.Load() == 1
	}, time.Second, 5*time.Millisecond)
	assert.Empty(t, out.Bytes())

	cancel()
	<-done
}

// splitIntoChunks wraps payload in n GELF chunk datagrams sharing one
// message id.
func splitIntoChunks(payload []byte, n int) [][]byte {
	chunks := make([][]byte, n)
	per := (len(payload) + n - 1) / n
	for i := 0; i < n; i++ {
		start := i * per
		end := start + per
		if end > len(payload) {
			end = len(payload)
		}
		header := make([]byte, 12)
		header[0], header[1] = 0x1e, 0x0f
		for j := 2; j < 10; j++ {
			header[j] = 0x42
		}
		header[10] = byte(i)
		header[11] = byte(n)
		chunks[i] = append(header, payload[start:end]...)
	}
	return chunks
}

func waitListening(t *testing.T, addr string) {
	t.Helper()
	require.Eventually(t, func() bool {
		c, err := net.Dial("udp", addr)
		if err != nil {
			return false
		}
		c.Close()
		return true
	}, time.Second, 5*time.Millisecond)
	// UDP "dial" never actually contacts the peer, so give the receiver a
	// brief moment to reach its ReadFromUDP call after binding.
	time.Sleep(20 * time.Millisecond)
}
