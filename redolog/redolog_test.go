package redolog_test

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dargueta/vvfatbridge/redolog"
)

func TestRedoLog_WriteThenReadBack(t *testing.T) {
	log, err := redolog.New(redolog.SubtypeVolatile, 16*1024*1024)
	require.NoError(t, err)

	payload := bytes.Repeat([]byte{0xAB}, 512)
	offset := int64(1024 * 1024)

	n, err := log.WriteAt(payload, offset)
	require.NoError(t, err)
	assert.Equal(t, 512, n)

	assert.True(t, log.HasSector(offset))

	readBack := make([]byte, 512)
	_, err = log.ReadAt(readBack, offset)
	require.NoError(t, err)
	assert.Equal(t, payload, readBack)
}

func TestRedoLog_UnwrittenSectorReadsZero(t *testing.T) {
	log, err := redolog.New(redolog.SubtypeVolatile, 16*1024*1024)
	require.NoError(t, err)

	assert.False(t, log.HasSector(2048))

	buf := make([]byte, 512)
	for i := range buf {
		buf[i] = 0xFF
	}
	_, err = log.ReadAt(buf, 2048)
	require.NoError(t, err)
	assert.Equal(t, make([]byte, 512), buf)
}

func TestRedoLog_SaveLoadRoundTrip(t *testing.T) {
	log, err := redolog.NewWithExtentSize(redolog.SubtypeUndoable, 2*1024*1024, 4096)
	require.NoError(t, err)

	payload := bytes.Repeat([]byte{0x42}, 512)
	_, err = log.WriteAt(payload, 8192)
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, log.Save(&buf))

	loaded, err := redolog.Load(&buf)
	require.NoError(t, err)
	assert.Equal(t, redolog.SubtypeUndoable, loaded.Subtype)
	assert.True(t, loaded.HasSector(8192))

	readBack := make([]byte, 512)
	_, err = loaded.ReadAt(readBack, 8192)
	require.NoError(t, err)
	assert.Equal(t, payload, readBack)
}

func TestRedoLog_ExtentStream(t *testing.T) {
	log, err := redolog.NewWithExtentSize(redolog.SubtypeGrowing, 1024*1024, 4096)
	require.NoError(t, err)

	_, ok := log.ExtentStream(0)
	assert.False(t, ok, "extent 0 hasn't been written yet")

	_, err = log.WriteAt(bytes.Repeat([]byte{0x7E}, 512), 0)
	require.NoError(t, err)

	stream, ok := log.ExtentStream(0)
	require.True(t, ok)

	chunk := make([]byte, 512)
	n, err := stream.Read(chunk)
	require.NoError(t, err)
	assert.Equal(t, 512, n)
	assert.Equal(t, bytes.Repeat([]byte{0x7E}, 512), chunk)
}

func TestCheckFormat_RejectsGarbage(t *testing.T) {
	garbage := make([]byte, redolog.HeaderSize)
	_, _, code := redolog.DecodeHeader(garbage)
	assert.Equal(t, redolog.FormatNoSignature, code)
}

func TestCheckFormat_RejectsTruncatedHeader(t *testing.T) {
	_, _, code := redolog.DecodeHeader(make([]byte, 10))
	assert.Equal(t, redolog.FormatSizeError, code)
}
