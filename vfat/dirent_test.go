package vfat_test

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dargueta/vvfatbridge/vfat"
)

func TestRawDirent_BytesRoundTrip(t *testing.T) {
	raw := vfat.RawDirent{}
	copy(raw.Name[:], "README  ")
	copy(raw.Extension[:], "TXT")
	raw.Attributes = vfat.AttrArchive
	raw.Size = 1234
	raw.SetFirstCluster(77)

	decoded, err := vfat.DecodeRawDirent(raw.Bytes())
	require.NoError(t, err)
	assert.Equal(t, raw, decoded)
	assert.EqualValues(t, 77, decoded.FirstCluster())
}

func TestBuildShortName_AlreadyLegal(t *testing.T) {
	name := vfat.BuildShortName("README.TXT", map[string]bool{})
	assert.Equal(t, "README.TXT", name)
}

func TestBuildShortName_LongNameGetsTail(t *testing.T) {
	taken := map[string]bool{}
	name := vfat.BuildShortName("configuration.yaml", taken)
	assert.Contains(t, name, "~1")
	assert.True(t, len(name) <= 12) // 8.3 plus the dot
}

func TestBuildShortName_IllegalCharsBecomeUnderscores(t *testing.T) {
	name := vfat.BuildShortName("my file.txt", map[string]bool{})
	assert.NotContains(t, name, " ")
	assert.Contains(t, name, "MY_FI")
	assert.True(t, strings.HasSuffix(name, ".TXT"))
}

func TestBuildShortName_CollisionBumpsTail(t *testing.T) {
	taken := map[string]bool{"LONGNA~1.TXT": true}
	name := vfat.BuildShortName("longname-one.txt", taken)
	assert.NotEqual(t, "LONGNA~1.TXT", name)
}

func TestDateTimeFAT_RoundTrip(t *testing.T) {
	ts := time.Date(2024, time.March, 15, 13, 42, 30, 0, time.UTC)
	date := vfat.DateToInt(ts)
	clock := vfat.TimeToInt(ts)

	recovered := vfat.DateTimeFromFAT(date, clock)
	assert.Equal(t, 2024, recovered.Year())
	assert.Equal(t, time.March, recovered.Month())
	assert.Equal(t, 15, recovered.Day())
	assert.Equal(t, 13, recovered.Hour())
	assert.Equal(t, 42, recovered.Minute())
	// FAT time has 2-second resolution.
	assert.InDelta(t, 30, recovered.Second(), 1)
}
