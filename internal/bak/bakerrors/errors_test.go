package bakerrors

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewAndError(t *testing.T) {
	err := New(KindTableNotFound, "dbo.Orders")
	assert.Equal(t, "table-not-found: dbo.Orders", err.Error())
	assert.Nil(t, err.Unwrap())
}

func TestWrapPreservesCause(t *testing.T) {
	cause := fmt.Errorf("unexpected EOF")
	err := Wrap(KindFileIO, cause, "reading stripe 0")

	assert.Contains(t, err.Error(), "file-io")
	assert.Contains(t, err.Error(), "reading stripe 0")
	assert.Contains(t, err.Error(), "unexpected EOF")
	assert.NotNil(t, err.Unwrap())
}

func TestWrapNilCauseBehavesLikeNew(t *testing.T) {
	err := Wrap(KindConfig, nil, "missing --bak")
	assert.Nil(t, err.Unwrap())
	assert.Equal(t, "config: missing --bak", err.Error())
}

func TestKindOf(t *testing.T) {
	err := Wrapf(KindDecompression, fmt.Errorf("bad magic"), "block %d", 3)

	kind, ok := KindOf(err)
	assert.True(t, ok)
	assert.Equal(t, KindDecompression, kind)

	_, ok = KindOf(fmt.Errorf("plain error"))
	assert.False(t, ok)
}

func TestIsKind(t *testing.T) {
	err := New(KindEncryptionTDE, "master key required")
	assert.True(t, IsKind(err, KindEncryptionTDE))
	assert.False(t, IsKind(err, KindEncryptionBackup))
}

func TestWithFieldDoesNotMutateOriginal(t *testing.T) {
	base := New(KindPageCorruption, "slot offset out of range")
	withField := base.WithField("page_id", uint32(42))

	assert.Nil(t, base.Fields)
	assert.Equal(t, uint32(42), withField.Fields["page_id"])

	withTwoFields := withField.WithField("stripe_index", 0)
	assert.Len(t, withTwoFields.Fields, 2)
	assert.Len(t, withField.Fields, 1)
}

func TestTerminalClassification(t *testing.T) {
	assert.False(t, KindPageCorruption.Terminal())
	assert.False(t, KindDecompression.Terminal())
	assert.True(t, KindFormat.Terminal())
	assert.True(t, KindEncryptionTDE.Terminal())
	assert.True(t, KindEncryptionBackup.Terminal())
	assert.True(t, KindTableNotFound.Terminal())
	assert.True(t, KindExport.Terminal())
	assert.True(t, KindConfig.Terminal())
	assert.True(t, KindUnsupportedVersion.Terminal())
	assert.True(t, KindFileIO.Terminal())
}
