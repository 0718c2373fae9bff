package blockdevice_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dargueta/vvfatbridge/blockdevice"
	"github.com/dargueta/vvfatbridge/redolog"
)

func newTestTree(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "hello.txt"), []byte("hello world\n"), 0o644))
	return root
}

func TestBlockDevice_ReadBootSector(t *testing.T) {
	root := newTestTree(t)
	dev, err := blockdevice.Open(blockdevice.Options{
		HostRoot:    root,
		TargetSize:  1474560,
		VolumeLabel: "TESTVOL",
	})
	require.NoError(t, err)
	defer dev.Close()

	buf := make([]byte, 512)
	n, err := dev.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, 512, n)
	assert.Equal(t, byte(0x55), buf[510])
	assert.Equal(t, byte(0xAA), buf[511])
}

func TestBlockDevice_Disc_ReportsTotalSectors(t *testing.T) {
	root := newTestTree(t)
	dev, err := blockdevice.Open(blockdevice.Options{
		HostRoot:    root,
		TargetSize:  1474560,
		VolumeLabel: "TESTVOL",
	})
	require.NoError(t, err)
	defer dev.Close()

	assert.Equal(t, int64(2880), dev.Disc())
}

func TestBlockDevice_Trim_IsNoop(t *testing.T) {
	root := newTestTree(t)
	dev, err := blockdevice.Open(blockdevice.Options{
		HostRoot:    root,
		TargetSize:  1474560,
		VolumeLabel: "TESTVOL",
	})
	require.NoError(t, err)
	defer dev.Close()

	assert.NoError(t, dev.Trim(0, 10))
}

func TestBlockDevice_WriteWithoutRedoLog_BootSectorRewriteFlushes(t *testing.T) {
	root := newTestTree(t)
	dev, err := blockdevice.Open(blockdevice.Options{
		HostRoot:    root,
		TargetSize:  1474560,
		VolumeLabel: "TESTVOL",
	})
	require.NoError(t, err)
	defer dev.Close()

	require.NoError(t, dev.Lseek(0))
	buf := make([]byte, 512)
	_, err = dev.Read(buf)
	require.NoError(t, err)

	require.NoError(t, dev.Lseek(0))
	_, err = dev.Write(buf)
	require.NoError(t, err)
	require.NoError(t, dev.Flush())
}

func TestBlockDevice_WriteWithRedoLog_DoesNotTouchHost(t *testing.T) {
	root := newTestTree(t)
	dev, err := blockdevice.Open(blockdevice.Options{
		HostRoot:    root,
		TargetSize:  1474560,
		VolumeLabel: "TESTVOL",
		RedoLogPath: filepath.Join(t.TempDir(), "redo.img"),
		RedoLogKind: redolog.SubtypeUndoable,
	})
	require.NoError(t, err)
	defer dev.Close()

	require.NoError(t, dev.Lseek(0))
	garbage := make([]byte, 512)
	for i := range garbage {
		garbage[i] = 0xCC
	}
	n, err := dev.Write(garbage)
	require.NoError(t, err)
	assert.Equal(t, 512, n)

	// The redo log absorbed the write; re-reading the same sector through
	// the device sees it back, but the host's hello.txt is untouched since
	// nothing was committed to the synthesized FAT write interpreter.
	require.NoError(t, dev.Lseek(0))
	readBack := make([]byte, 512)
	_, err = dev.Read(readBack)
	require.NoError(t, err)
	assert.Equal(t, garbage, readBack)

	content, err := os.ReadFile(filepath.Join(root, "hello.txt"))
	require.NoError(t, err)
	assert.Equal(t, "hello world\n", string(content))
}

func TestBlockDevice_Flush_VolatileRedoLogIsNeverPersisted(t *testing.T) {
	root := newTestTree(t)
	logPath := filepath.Join(t.TempDir(), "redo.img")
	dev, err := blockdevice.Open(blockdevice.Options{
		HostRoot:    root,
		TargetSize:  1474560,
		VolumeLabel: "TESTVOL",
		RedoLogPath: logPath,
		RedoLogKind: redolog.SubtypeVolatile,
	})
	require.NoError(t, err)
	defer dev.Close()

	require.NoError(t, dev.Flush())
	_, err = os.Stat(logPath)
	assert.True(t, os.IsNotExist(err))
}
