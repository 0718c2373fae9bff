package geometry_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dargueta/vvfatbridge/geometry"
)

func TestLookup_KnownSlug(t *testing.T) {
	p, err := geometry.Lookup("1440k")
	require.NoError(t, err)
	assert.EqualValues(t, 1474560, p.TotalBytes)
	assert.EqualValues(t, 512, p.BytesPerSector)
}

func TestLookup_UnknownSlug(t *testing.T) {
	_, err := geometry.Lookup("does-not-exist")
	assert.Error(t, err)
}

func TestChooseForSize_128MiB_IsFAT16(t *testing.T) {
	g, err := geometry.ChooseForSize(128 * 1024 * 1024)
	require.NoError(t, err)
	assert.Equal(t, 16, g.FATVersion)
	assert.EqualValues(t, 262144, g.TotalSectors)
	assert.EqualValues(t, 512, g.RootEntries)
}

func TestChooseForSize_SmallFloppy_IsFAT12(t *testing.T) {
	g, err := geometry.ChooseForSize(1440 * 1024)
	require.NoError(t, err)
	assert.Equal(t, 12, g.FATVersion)
	assert.EqualValues(t, 224, g.RootEntries)
}

func TestChooseForSize_Zero_Errors(t *testing.T) {
	_, err := geometry.ChooseForSize(0)
	assert.Error(t, err)
}
