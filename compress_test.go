package ra_test

import (
	"bytes"
	"crypto/rand"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	. "github.com/ice-blockchain/go-ra"
)

func TestCompressFrame(t *testing.T) {
	payload := bytes.Repeat([]byte("compressible "), 1000)
	f := Frame{Command: 1, Sync: 1, Payload: payload}

	packed, err := CompressFrame(f, 100)
	require.NoError(t, err)
	assert.NotZero(t, packed.Flags&FlagCompressed)
	assert.Less(t, len(packed.Payload), len(payload))

	unpacked, err := DecompressFrame(packed, DefaultMaxPayload)
	require.NoError(t, err)
	assert.Zero(t, unpacked.Flags&FlagCompressed)
	assert.Equal(t, payload, unpacked.Payload)
}

func TestCompressFrame_Skipped(t *testing.T) {
	small := Frame{Payload: []byte("tiny")}
	f, err := CompressFrame(small, 100)
	require.NoError(t, err)
	assert.Equal(t, small, f)

	f, err = CompressFrame(Frame{Payload: bytes.Repeat([]byte{1}, 1000)}, 0)
	require.NoError(t, err)
	assert.Zero(t, f.Flags)

	random := make([]byte, 4096)
	_, err = rand.Read(random)
	require.NoError(t, err)
	f, err = CompressFrame(Frame{Payload: random}, 100)
	require.NoError(t, err)
	assert.Zero(t, f.Flags&FlagCompressed)
	assert.Equal(t, random, f.Payload)
}

func TestDecompressFrame_Limit(t *testing.T) {
	packed, err := CompressFrame(Frame{Payload: make([]byte, 10000)}, 1)
	require.NoError(t, err)
	require.NotZero(t, packed.Flags&FlagCompressed)

	_, err = DecompressFrame(packed, 1000)
	var malformed *MalformedFrameError
	assert.True(t, errors.As(err, &malformed))
}

func TestDecompressFrame_Garbage(t *testing.T) {
	_, err := DecompressFrame(Frame{Flags: FlagCompressed, Payload: []byte("not lz4")}, DefaultMaxPayload)
	var malformed *MalformedFrameError
	assert.True(t, errors.As(err, &malformed))
}
