package vfat_test

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dargueta/vvfatbridge/hostfs"
	"github.com/dargueta/vvfatbridge/vfat"
)

func openSmallImage(t *testing.T) (*hostfs.MemProvider, *vfat.Image) {
	t.Helper()
	mem := smallTestTree()
	img, err := vfat.Open(mem, "", vfat.BuildOptions{
		TargetSizeBytes: 1474560,
		VolumeLabel:     "TESTVOL",
		Now:             time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)
	return mem, img
}

func TestImage_ReadBootSector(t *testing.T) {
	_, img := openSmallImage(t)
	defer img.Close()

	buf := make([]byte, 512)
	n, err := img.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, 512, n)
	assert.Equal(t, byte(0x55), buf[510])
	assert.Equal(t, byte(0xAA), buf[511])
}

func TestImage_ReadFileContentThroughDataRegion(t *testing.T) {
	mem, img := openSmallImage(t)
	defer img.Close()

	var fileMapping vfat.Mapping
	result := rebuildResultFromImage(t, mem)
	for _, m := range result.Mappings.All() {
		if m.Path == "hello.txt" {
			fileMapping = m
		}
	}
	require.NotZero(t, fileMapping.End)

	sector := result.Boot.OffsetToData + vfat.SectorID(uint32(fileMapping.Begin-2)*uint32(result.Boot.Raw.SectorsPerCluster))
	require.NoError(t, img.Lseek(int64(sector)*int64(img.SectorSize())))

	buf := make([]byte, 512)
	_, err := img.Read(buf)
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(buf, []byte("hello world\n")))
}

func rebuildResultFromImage(t *testing.T, mem *hostfs.MemProvider) *vfat.BuildResult {
	t.Helper()
	result, err := vfat.Build(mem, "", vfat.BuildOptions{
		TargetSizeBytes: 1474560,
		VolumeLabel:     "TESTVOL",
		Now:             time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)
	return result
}

func TestImage_WriteThenFlush_PropagatesRename(t *testing.T) {
	mem, img := openSmallImage(t)
	defer img.Close()

	result := rebuildResultFromImage(t, mem)
	n := len(result.RootDir) / vfat.DirentSize

	var renameIndex = -1
	var original vfat.RawDirent
	for i := 0; i < n; i++ {
		raw, err := vfat.DecodeRawDirent(result.RootDir[i*vfat.DirentSize : (i+1)*vfat.DirentSize])
		require.NoError(t, err)
		if !raw.IsFree() && !raw.IsLongNameSlot() && !raw.IsDirectory() {
			d := vfat.ToDirent(raw, nil, i)
			if d.ShortName == "HELLO.TXT" {
				renameIndex = i
				original = raw
				break
			}
		}
	}
	require.NotEqual(t, -1, renameIndex)

	renamed := original
	copy(renamed.Name[:], "GOODBYE ")

	sectorSize := int(img.SectorSize())
	bytesPerSector := int(result.Boot.Raw.BytesPerSector)
	sectorIndex := (renameIndex * vfat.DirentSize) / bytesPerSector
	offsetInSector := (renameIndex * vfat.DirentSize) % bytesPerSector

	rootSector := result.Boot.OffsetToRootDir + vfat.SectorID(sectorIndex)
	require.NoError(t, img.Lseek(int64(rootSector)*int64(sectorSize)))

	buf := make([]byte, sectorSize)
	_, err := img.Read(buf)
	require.NoError(t, err)
	copy(buf[offsetInSector:offsetInSector+vfat.DirentSize], renamed.Bytes())

	require.NoError(t, img.Lseek(int64(rootSector)*int64(sectorSize)))
	_, err = img.Write(buf)
	require.NoError(t, err)

	require.NoError(t, img.Flush())

	_, err = mem.Stat("GOODBYE.TXT")
	assert.NoError(t, err)
	_, err = mem.Stat("hello.txt")
	assert.Error(t, err)
}
