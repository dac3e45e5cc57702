package record

import "fmt"

// Guid is a UNIQUEIDENTIFIER value, stored on disk in SQL Server's
// mixed-endian layout: Data1 (4 bytes LE), Data2 (2 bytes LE),
// Data3 (2 bytes LE), Data4 (8 bytes, big-endian as stored).
type Guid [16]byte

// String renders the canonical 8-4-4-4-12 hyphenated hex form, reversing
// the little-endian Data1/Data2/Data3 groups back to big-endian the way
// every GUID text representation expects.
func (g Guid) String() string {
	return fmt.Sprintf("%02X%02X%02X%02X-%02X%02X-%02X%02X-%02X%02X-%02X%02X%02X%02X%02X%02X",
		g[3], g[2], g[1], g[0],
		g[5], g[4],
		g[7], g[6],
		g[8], g[9],
		g[10], g[11], g[12], g[13], g[14], g[15])
}

func decodeGuid(data []byte) Guid {
	var g Guid
	copy(g[:], data[:16])
	return g
}
