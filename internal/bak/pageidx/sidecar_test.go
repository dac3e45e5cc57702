package pageidx

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func buildSampleIndex() *PageIndex {
	idx := NewPageIndex(0)
	idx.AddEntry(MakePageKey(1, 1), PageIndexEntry{StripeIndex: 0, PageType: PageTypeData, ObjectID: 34, FileOffset: 8192})
	idx.AddEntry(MakePageKey(1, 2), PageIndexEntry{StripeIndex: 0, PageType: PageTypeIndex, ObjectID: 5000, FileOffset: 16384})
	idx.AddEntry(MakePageKey(2, 1), PageIndexEntry{StripeIndex: 1, PageType: PageTypeIAM, ObjectID: 5000, FileOffset: 8192})
	return idx
}

func TestSidecarRoundTripUncompressedNoChecksum(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "idx.bin")

	idx := buildSampleIndex()
	require.NoError(t, SaveToFile(idx, path, SidecarOptions{}))

	loaded, ok, err := LoadFromFile(path)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, idx.Size(), loaded.Size())

	for k, want := range idx.Snapshot() {
		got, ok := loaded.Lookup(k)
		require.True(t, ok)
		assert.Equal(t, want, got)
	}
}

func TestSidecarRoundTripWithChecksum(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "idx.bin")

	idx := buildSampleIndex()
	require.NoError(t, SaveToFile(idx, path, SidecarOptions{WriteChecksum: true}))

	loaded, ok, err := LoadFromFile(path)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, idx.Size(), loaded.Size())
}

func TestSidecarRoundTripWithLZ4(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "idx.bin")

	idx := buildSampleIndex()
	require.NoError(t, SaveToFile(idx, path, SidecarOptions{LZ4Compress: true, WriteChecksum: true}))

	loaded, ok, err := LoadFromFile(path)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, idx.Size(), loaded.Size())

	for k, want := range idx.Snapshot() {
		got, ok := loaded.Lookup(k)
		require.True(t, ok)
		assert.Equal(t, want, got)
	}
}

func TestLoadFromFileMissingFileIsNotAnError(t *testing.T) {
	loaded, ok, err := LoadFromFile(filepath.Join(t.TempDir(), "missing.bin"))
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Nil(t, loaded)
}

func TestLoadFromFileBadMagicIsIgnoredNotAnError(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "garbage.bin")
	require.NoError(t, os.WriteFile(path, make([]byte, 128), 0o644))

	loaded, ok, err := LoadFromFile(path)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Nil(t, loaded)
}
