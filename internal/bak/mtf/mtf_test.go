package mtf

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"
	"unicode/utf16"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhukovaskychina/bakread/internal/bak/stripe"
)

func le32(v uint32) []byte {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, v)
	return b
}

func utf16leBytes(s string) []byte {
	units := utf16.Encode([]rune(s))
	buf := make([]byte, len(units)*2+2)
	for i, u := range units {
		binary.LittleEndian.PutUint16(buf[i*2:], u)
	}
	return buf
}

func openStripeWithContent(t *testing.T, content []byte) *stripe.StripeSet {
	t.Helper()
	dir := t.TempDir()
	p := filepath.Join(dir, "stripe0.bak")
	require.NoError(t, os.WriteFile(p, content, 0o644))
	set, err := stripe.Open([]string{p})
	require.NoError(t, err)
	return set
}

func TestParseReturnsFallbackOnEmptyStream(t *testing.T) {
	content := make([]byte, 2*scanAlign)
	set := openStripeWithContent(t, content)
	defer set.Close()

	info := New(set).Parse()

	require.Len(t, info.BackupSets, 1)
	assert.Equal(t, int32(1), info.BackupSets[0].Position)
	assert.Equal(t, BackupTypeFull, info.BackupSets[0].BackupType)
	assert.Equal(t, "", info.BackupSets[0].DatabaseName)
}

func TestParseFindsTAPEAndSSETBlocks(t *testing.T) {
	buf := make([]byte, 4*scanAlign)
	copy(buf[0:], le32(sigTAPE))
	copy(buf[scanAlign:], le32(sigSSET))
	binary.LittleEndian.PutUint32(buf[scanAlign+4:], 1) // compression flag != 0

	dbNameSuffix := "MyDatabase-Full Database Backup"
	nameBytes := utf16leBytes(dbNameSuffix)
	copy(buf[scanAlign+64:], nameBytes)

	set := openStripeWithContent(t, buf)
	defer set.Close()

	info := New(set).Parse()

	require.Len(t, info.BackupSets, 1)
	assert.True(t, info.BackupSets[0].IsCompressed)
	assert.Equal(t, "MyDatabase", info.BackupSets[0].DatabaseName)
}

func TestParseDataStartOffsetRoundsUpToPageSize(t *testing.T) {
	buf := make([]byte, 4*scanAlign)
	copy(buf[0:], le32(sigTAPE))
	copy(buf[scanAlign:], le32(sigSSET))

	set := openStripeWithContent(t, buf)
	defer set.Close()

	info := New(set).Parse()
	assert.EqualValues(t, 0, info.DataStartOffset%pageSize)
}

func TestIsPlausibleUTF16Run(t *testing.T) {
	good := utf16leBytes("dbo")
	assert.True(t, isPlausibleUTF16Run(good))

	tooShort := utf16leBytes("a")
	assert.False(t, isPlausibleUTF16Run(tooShort))

	withControl := []byte{0x01, 0x00, 'b', 0x00, 'c', 0x00}
	assert.False(t, isPlausibleUTF16Run(withControl))
}

func TestFindPlausibleUTF16StringNoSuffixMatch(t *testing.T) {
	data := make([]byte, 32)
	copy(data[8:], utf16leBytes("PlainName"))

	got := findPlausibleUTF16String(data, 0, backupDescSuffixes)
	assert.Equal(t, "PlainName", got)
}

func TestIsMTFSignature(t *testing.T) {
	assert.True(t, isMTFSignature(sigTAPE))
	assert.True(t, isMTFSignature(sigMSDA))
	assert.False(t, isMTFSignature(0xDEADBEEF))
}
