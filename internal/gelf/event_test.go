package gelf

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecode_ReservedAndAdditionalFields(t *testing.T) {
	raw := json.RawMessage(`{"version":"1.1","host":"h","short_message":"hello","full_message":"full","timestamp":1600000000.25,"level":5,"_svc":"api","facility":"daemon"}`)

	ev, err := Decode(raw)
	require.NoError(t, err)

	assert.Equal(t, "1.1", ev.Version)
	assert.Equal(t, "h", ev.Host)
	assert.Equal(t, "hello", ev.ShortMessage)
	assert.Equal(t, "full", ev.FullMessage)
	assert.True(t, ev.HasFull)
	assert.True(t, ev.HasTimestamp)
	assert.Equal(t, 1600000000.25, ev.Timestamp)
	assert.True(t, ev.HasLevel)
	assert.Equal(t, 5, ev.Level)

	assert.Len(t, ev.Additional, 2)
	assert.Equal(t, json.RawMessage(`"api"`), ev.Additional["_svc"])
	assert.Equal(t, json.RawMessage(`"daemon"`), ev.Additional["facility"])
}

func TestDecode_OptionalFieldsAbsent(t *testing.T) {
	ev, err := Decode(json.RawMessage(`{"version":"1.1","host":"h","short_message":"hi"}`))
	require.NoError(t, err)

	assert.False(t, ev.HasFull)
	assert.False(t, ev.HasTimestamp)
	assert.False(t, ev.HasLevel)
	assert.Empty(t, ev.Additional)
}

func TestDecode_WrongFieldTypeFails(t *testing.T) {
	_, err := Decode(json.RawMessage(`{"version":"1.1","host":"h","short_message":"hi","level":"high"}`))
	require.Error(t, err)
}

func TestDecodeAll_SingleObject(t *testing.T) {
	events, err := DecodeAll([]byte(`{"version":"1.1","host":"h","short_message":"hi"}`))
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "hi", events[0].ShortMessage)
}

func TestDecodeAll_ArrayPreservesOrder(t *testing.T) {
	events, err := DecodeAll([]byte(` [{"short_message":"first"},{"short_message":"second"}]`))
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "first", events[0].ShortMessage)
	assert.Equal(t, "second", events[1].ShortMessage)
}

func TestDecodeAll_NotJSONFails(t *testing.T) {
	_, err := DecodeAll([]byte("not-json"))
	require.Error(t, err)
}
