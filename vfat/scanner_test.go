package vfat_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	vvfaterrors "github.com/dargueta/vvfatbridge/errors"
	"github.com/dargueta/vvfatbridge/geometry"
	"github.com/dargueta/vvfatbridge/hostfs"
	"github.com/dargueta/vvfatbridge/vfat"
)

func smallTestTree() *hostfs.MemProvider {
	mem := hostfs.NewMemProvider()
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	mem.WriteFile("hello.txt", []byte("hello world\n"), now)
	mem.WriteFile("sub/nested.txt", []byte("nested content"), now)
	return mem
}

func buildSmallTree(t *testing.T) (*hostfs.MemProvider, *vfat.BuildResult) {
	t.Helper()
	mem := smallTestTree()
	g, err := geometry.Lookup("1440k")
	require.NoError(t, err)

	result, err := vfat.Build(mem, "", vfat.BuildOptions{
		GeometryOverride: &geometry.Geometry{
			BytesPerSector:    g.BytesPerSector,
			SectorsPerCluster: g.SectorsPerCluster,
			RootEntries:       g.RootEntries,
			MediaByte:         g.MediaByte,
			TotalSectors:      uint32(g.TotalBytes) / uint32(g.BytesPerSector),
			FATVersion:        12,
		},
		VolumeLabel: "TESTVOL",
		Now:         time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)
	return mem, result
}

func TestBuild_RootDirectoryListsTopLevelEntries(t *testing.T) {
	_, result := buildSmallTree(t)

	n := len(result.RootDir) / vfat.DirentSize
	var names []string
	for i := 0; i < n; i++ {
		raw, err := vfat.DecodeRawDirent(result.RootDir[i*vfat.DirentSize : (i+1)*vfat.DirentSize])
		require.NoError(t, err)
		if raw.IsFree() || raw.IsLongNameSlot() {
			continue
		}
		names = append(names, vfat.ToDirent(raw, nil, i).ShortName)
	}
	assert.Contains(t, names, "HELLO.TXT")
	assert.Contains(t, names, "SUB")
}

func TestBuild_FileMappingCoversExpectedClusterSpan(t *testing.T) {
	_, result := buildSmallTree(t)

	var fileMapping *vfat.Mapping
	for _, m := range result.Mappings.All() {
		if m.Path == "hello.txt" {
			copyM := m
			fileMapping = &copyM
		}
	}
	require.NotNil(t, fileMapping)
	assert.Equal(t, vfat.ModeNormal, fileMapping.Mode&vfat.ModeNormal)
	assert.True(t, fileMapping.End > fileMapping.Begin)
}

func TestBuild_SubdirectoryGetsDotAndDotDot(t *testing.T) {
	_, result := buildSmallTree(t)

	var subMapping *vfat.Mapping
	for _, m := range result.Mappings.All() {
		if m.Path == "sub" {
			copyM := m
			subMapping = &copyM
		}
	}
	require.NotNil(t, subMapping)

	clusterData := result.DirClusterData[subMapping.Begin]
	require.NotNil(t, clusterData)

	first, err := vfat.DecodeRawDirent(clusterData[0:vfat.DirentSize])
	require.NoError(t, err)
	second, err := vfat.DecodeRawDirent(clusterData[vfat.DirentSize : 2*vfat.DirentSize])
	require.NoError(t, err)

	assert.Equal(t, ".       ", string(first.Name[:]))
	assert.Equal(t, "..      ", string(second.Name[:]))
	assert.EqualValues(t, subMapping.Begin, first.FirstCluster())
	assert.EqualValues(t, 0, second.FirstCluster())
}

func TestBuild_OutOfSpace_ReturnsError(t *testing.T) {
	mem := hostfs.NewMemProvider()
	big := make([]byte, 4*1024*1024)
	mem.WriteFile("huge.bin", big, time.Now())

	_, err := vfat.Build(mem, "", vfat.BuildOptions{
		GeometryOverride: &geometry.Geometry{
			BytesPerSector:    512,
			SectorsPerCluster: 1,
			RootEntries:       224,
			MediaByte:         0xF0,
			TotalSectors:      2880, // 1.44 MiB -- far too small for a 4 MiB file
			FATVersion:        12,
		},
	})
	require.Error(t, err)
	assert.True(t, vvfaterrors.ErrOutOfSpace.IsSameError(err))
}
