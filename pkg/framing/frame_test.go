package framing

import (
	"bytes"
	"encoding/binary"
	"io"
	"testing"
	"testing/iotest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrame_RoundTrip(t *testing.T) {
	var buf bytes.Buffer
	frames := [][]byte{[]byte("keyframe"), {}, bytes.Repeat([]byte{0xAB}, 70000)}
	for _, f := range frames {
		require.NoError(t, WriteFrame(&buf, f))
	}

	r := iotest.HalfReader(&buf)
	for _, want := range frames {
		got, err := ReadFrame(r, 0)
		require.NoError(t, err)
		assert.Equal(t, len(want), len(got))
		assert.True(t, bytes.Equal(want, got))
	}

	_, err := ReadFrame(r, 0)
	assert.ErrorIs(t, err, io.EOF)
}

func TestFrame_HeaderIsBigEndian(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, []byte("abc")))
	assert.Equal(t, []byte{0, 0, 0, 3, 'a', 'b', 'c'}, buf.Bytes())
}

func TestFrame_RejectsOversizedFrame(t *testing.T) {
	var header [HeaderSize]byte
	binary.BigEndian.PutUint32(header[:], 1024)

	_, err := ReadFrame(bytes.NewReader(header[:]), 512)
	assert.ErrorIs(t, err, ErrFrameTooLarge)
}

func TestFrame_TruncatedPayload(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, []byte("truncated payload")))
	data := buf.Bytes()[:buf.Len()-4]

	_, err := ReadFrame(bytes.NewReader(data), 0)
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
}
