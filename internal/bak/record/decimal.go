package record

import (
	"math/big"

	"github.com/shopspring/decimal"
)

// decodeDecimal converts a DECIMAL/NUMERIC column's on-disk bytes into an
// exact decimal.Decimal: a 1-byte sign flag (1 = positive) followed by the
// 128-bit little-endian magnitude, sized to precision by the column's
// max_length (4, 8, 12, or 16 bytes). Rendering through math/big rather
// than a float64 pass avoids the precision loss a double can't avoid for
// anything beyond ~15 significant digits.
func decodeDecimal(data []byte, scale uint8) decimal.Decimal {
	if len(data) < 1 {
		return decimal.Zero
	}
	positive := data[0] != 0
	magBytes := data[1:]
	if len(magBytes) > 16 {
		magBytes = magBytes[:16]
	}

	// The magnitude is stored little-endian; big.Int.SetBytes wants
	// big-endian, so reverse it first.
	be := make([]byte, len(magBytes))
	for i, b := range magBytes {
		be[len(magBytes)-1-i] = b
	}

	mag := new(big.Int).SetBytes(be)
	if !positive {
		mag.Neg(mag)
	}

	return decimal.NewFromBigInt(mag, -int32(scale))
}
