package fqueue

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testRecord struct {
	ID   int
	Name string
}

func TestJSONCodec_RoundTrip(t *testing.T) {
	c := JSONCodec[testRecord]{}
	b, err := c.Encode(testRecord{ID: 7, Name: "hi"})
	require.NoError(t, err)

	got, err := c.Decode(b)
	require.NoError(t, err)
	assert.Equal(t, testRecord{ID: 7, Name: "hi"}, got)
}

func TestEnvelope_RoundTrip_PreservesRetryMetadata(t *testing.T) {
	codec := JSONCodec[testRecord]{}
	now := time.Now().Truncate(time.Nanosecond)
	env := Envelope[testRecord]{
		Value:          testRecord{ID: 1, Name: "retry-me"},
		TryCount:       3,
		FirstAttemptAt: now,
	}

	b, err := encodeEnvelope(codec, env)
	require.NoError(t, err)

	got, err := decodeEnvelope(codec, b)
	require.NoError(t, err)
	assert.Equal(t, env.Value, got.Value)
	assert.Equal(t, env.TryCount, got.TryCount)
	assert.True(t, env.FirstAttemptAt.Equal(got.FirstAttemptAt))
}

func TestEnvelope_RoundTrip_ZeroFirstAttemptAt(t *testing.T) {
	codec := JSONCodec[testRecord]{}
	env := Envelope[testRecord]{Value: testRecord{ID: 2, Name: "fresh"}}

	b, err := encodeEnvelope(codec, env)
	require.NoError(t, err)

	got, err := decodeEnvelope(codec, b)
	require.NoError(t, err)
	assert.True(t, got.FirstAttemptAt.IsZero())
	assert.Equal(t, uint32(0), got.TryCount)
}
