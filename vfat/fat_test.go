package vfat_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dargueta/vvfatbridge/vfat"
)

func TestFAT16_RoundTrip(t *testing.T) {
	f, err := vfat.NewFAT(16, 100)
	require.NoError(t, err)

	f.Set(2, 3)
	f.Set(3, uint32(f.ChainEndValue()))

	encoded := f.Encode()
	decoded, err := vfat.DecodeFAT(encoded, 16, 100)
	require.NoError(t, err)

	assert.EqualValues(t, 3, decoded.Get(2))
	assert.True(t, decoded.IsEOC(decoded.Get(3)))
}

func TestFAT12_RoundTrip(t *testing.T) {
	f, err := vfat.NewFAT(12, 50)
	require.NoError(t, err)

	f.Set(2, 4)
	f.Set(3, 5)
	f.Set(4, uint32(f.ChainEndValue()))
	f.Set(5, 0x123)

	encoded := f.Encode()
	decoded, err := vfat.DecodeFAT(encoded, 12, 50)
	require.NoError(t, err)

	assert.EqualValues(t, 4, decoded.Get(2))
	assert.EqualValues(t, 5, decoded.Get(3))
	assert.True(t, decoded.IsEOC(decoded.Get(4)))
	assert.EqualValues(t, 0x123, decoded.Get(5))
}

func TestFAT_ChainFrom(t *testing.T) {
	f, err := vfat.NewFAT(16, 10)
	require.NoError(t, err)
	f.Set(2, 3)
	f.Set(3, 4)
	f.Set(4, uint32(f.ChainEndValue()))

	chain, err := f.ChainFrom(2)
	require.NoError(t, err)
	assert.Equal(t, []vfat.ClusterID{2, 3, 4}, chain)
}

func TestFAT_Clone_IsIndependent(t *testing.T) {
	f, err := vfat.NewFAT(16, 10)
	require.NoError(t, err)
	f.Set(2, 99)

	clone := f.Clone()
	clone.Set(2, 42)

	assert.EqualValues(t, 99, f.Get(2))
	assert.EqualValues(t, 42, clone.Get(2))
}
