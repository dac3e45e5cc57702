package record

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDecodeGuidMixedEndianFormatting(t *testing.T) {
	data := []byte{
		0x04, 0x03, 0x02, 0x01, // Data1 LE
		0x06, 0x05, // Data2 LE
		0x08, 0x07, // Data3 LE
		0x09, 0x0A, 0x0B, 0x0C, 0x0D, 0x0E, 0x0F, 0x10, // Data4 as stored
	}

	g := decodeGuid(data)
	assert.Equal(t, "01020304-0506-0708-090A-0B0C0D0E0F10", g.String())
}
