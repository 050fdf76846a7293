package emit

import (
	"bytes"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kraklabs/gelfbridge/internal/xerrors"
)

type failingWriter struct{}

func (failingWriter) Write([]byte) (int, error) { return 0, errors.New("pipe closed") }

func TestWrite_HappyPath(t *testing.T) {
	var buf bytes.Buffer
	e := New(&buf)
	require.NoError(t, e.Write([]byte("{}\n")))
	assert.Equal(t, "{}\n", buf.String())
	assert.False(t, e.Closed())
}

func TestWrite_SinkErrorPoisonsEmitter(t *testing.T) {
	e := New(failingWriter{})
	err := e.Write([]byte("{}\n"))
	require.Error(t, err)
	assert.True(t, xerrors.Is(err, xerrors.KindSink))
	assert.True(t, e.Closed())

	err = e.Write([]byte("{}\n"))
	require.Error(t, err)
	assert.True(t, xerrors.Is(err, xerrors.KindSink))
}

func TestWrite_ConcurrentWritesNeverInterleave(t *testing.T) {
	var buf bytes.Buffer
	e := New(&buf)

	const n = 50
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			require.NoError(t, e.Write([]byte("{\"@t\":\"x\",\"@mt\":\"y\"}\n")))
		}()
	}
	wg.Wait()

	lines := bytes.Count(buf.Bytes(), []byte("\n"))
	assert.Equal(t, n, lines)
	for _, line := range bytes.Split(bytes.TrimRight(buf.Bytes(), "\n"), []byte("\n")) {
		assert.Equal(t, `{"@t":"x","@mt":"y"}`, string(line))
	}
}
