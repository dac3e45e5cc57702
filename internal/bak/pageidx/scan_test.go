package pageidx

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhukovaskychina/bakread/internal/bak/stripe"
)

func writeStripeFile(t *testing.T, content []byte) *stripe.StripeSet {
	t.Helper()
	dir := t.TempDir()
	p := filepath.Join(dir, "data.mdf")
	require.NoError(t, os.WriteFile(p, content, 0o644))
	set, err := stripe.Open([]string{p})
	require.NoError(t, err)
	return set
}

func writeStripeFiles(t *testing.T, contents ...[]byte) *stripe.StripeSet {
	t.Helper()
	dir := t.TempDir()
	var paths []string
	for i, content := range contents {
		p := filepath.Join(dir, fmt.Sprintf("data%d.ndf", i))
		require.NoError(t, os.WriteFile(p, content, 0o644))
		paths = append(paths, p)
	}
	set, err := stripe.Open(paths)
	require.NoError(t, err)
	return set
}

func TestBuildFindsAlignedPages(t *testing.T) {
	buf := make([]byte, 3*PageSize)
	copy(buf[0*PageSize:], buildPage(1, uint8(PageTypeData), 1, 1, 10, 200, 55))
	copy(buf[1*PageSize:], buildPage(1, uint8(PageTypeIndex), 2, 1, 3, 50, 55))
	// third page left as zeros -- not plausible, should be skipped

	set := writeStripeFile(t, buf)
	defer set.Close()

	idx, err := Build(context.Background(), set, ScanOptions{})
	require.NoError(t, err)

	assert.Equal(t, 2, idx.Size())

	e1, ok := idx.Lookup(MakePageKey(1, 1))
	require.True(t, ok)
	assert.Equal(t, PageTypeData, e1.PageType)
	assert.EqualValues(t, 55, e1.ObjectID)
	assert.EqualValues(t, 0, e1.FileOffset)

	e2, ok := idx.Lookup(MakePageKey(1, 2))
	require.True(t, ok)
	assert.EqualValues(t, PageSize, e2.FileOffset)
}

func TestBuildRespectsDataStartOffset(t *testing.T) {
	header := make([]byte, PageSize) // junk MTF header region, one page long
	page := buildPage(1, uint8(PageTypeData), 9, 1, 1, 1, 77)
	buf := append(header, page...)

	set := writeStripeFile(t, buf)
	defer set.Close()

	idx, err := Build(context.Background(), set, ScanOptions{DataStartOffset: PageSize})
	require.NoError(t, err)

	assert.Equal(t, 1, idx.Size())
	e, ok := idx.Lookup(MakePageKey(1, 9))
	require.True(t, ok)
	assert.EqualValues(t, PageSize, e.FileOffset)
}

func TestBuildFallsBackTo512ByteAlignmentWhenAlignedScanFindsNothing(t *testing.T) {
	// place a valid page header starting at an offset that is a multiple
	// of 512 but not of 8192, so the aligned pass finds nothing.
	buf := make([]byte, 2*PageSize)
	page := buildPage(1, uint8(PageTypeData), 4, 1, 1, 1, 90)
	copy(buf[512:], page)

	set := writeStripeFile(t, buf)
	defer set.Close()

	idx, err := Build(context.Background(), set, ScanOptions{})
	require.NoError(t, err)

	e, ok := idx.Lookup(MakePageKey(1, 4))
	require.True(t, ok)
	assert.EqualValues(t, 512, e.FileOffset)
}

func TestBuildFallsBackPerStripeWhenOnlyOneStripeNeedsUnalignedRetry(t *testing.T) {
	// stripe 0: a well-aligned page, found by the normal 8 KiB pass.
	stripe0 := make([]byte, 2*PageSize)
	copy(stripe0[0:], buildPage(1, uint8(PageTypeData), 1, 1, 10, 200, 55))

	// stripe 1: its only page starts at a 512-but-not-8192 aligned offset,
	// so its own aligned pass finds nothing and must fall back on its own
	// -- stripe 0 already having found pages must not suppress this.
	stripe1 := make([]byte, 2*PageSize)
	copy(stripe1[512:], buildPage(1, uint8(PageTypeData), 4, 2, 1, 1, 90))

	set := writeStripeFiles(t, stripe0, stripe1)
	defer set.Close()

	idx, err := Build(context.Background(), set, ScanOptions{})
	require.NoError(t, err)

	e0, ok := idx.Lookup(MakePageKey(1, 1))
	require.True(t, ok)
	assert.EqualValues(t, 0, e0.FileOffset)

	e1, ok := idx.Lookup(MakePageKey(2, 4))
	require.True(t, ok, "stripe 1's own unaligned fallback should have run independently of stripe 0's result")
	assert.EqualValues(t, 512, e1.FileOffset)
	assert.EqualValues(t, 1, e1.StripeIndex)
}

func TestBuildOnEmptyStripeProducesEmptyIndex(t *testing.T) {
	set := writeStripeFile(t, make([]byte, PageSize))
	defer set.Close()

	idx, err := Build(context.Background(), set, ScanOptions{})
	require.NoError(t, err)
	assert.Equal(t, 0, idx.Size())
}
