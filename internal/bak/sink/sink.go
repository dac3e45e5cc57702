// Package sink renders decoded rows to the three output formats the CLI
// supports: delimited text, JSON Lines, and a compact columnar block
// format. None of the three needs to know anything about SQL Server pages
// or the catalog; they only see a column list and a stream of
// record.Row values.
package sink

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/zhukovaskychina/bakread/internal/bak/catalog"
	"github.com/zhukovaskychina/bakread/internal/bak/record"
)

// RowWriter is the common contract every output format implements. Close
// flushes any buffered state and must be called exactly once, whether or
// not rows were ever written.
type RowWriter interface {
	WriteRow(row record.Row) error
	Close() error
}

// renderText converts a single column value to its lossless text-sink
// representation, per the null/binary/decimal/unicode rules every
// delimited and JSONL field must obey. A nil value (SQL NULL) is the one
// case callers must special-case themselves, since "" and NULL render
// differently between formats.
func renderText(v interface{}) string {
	switch val := v.(type) {
	case nil:
		return ""
	case []byte:
		return "0x" + fmt.Sprintf("%X", val)
	case decimal.Decimal:
		return val.StringFixed(int32(decimalScale(val)))
	case time.Time:
		return val.Format(time.RFC3339Nano)
	case time.Duration:
		return formatTimeOfDay(val)
	case record.Guid:
		return val.String()
	case bool:
		if val {
			return "1"
		}
		return "0"
	case string:
		return val
	default:
		return fmt.Sprintf("%v", val)
	}
}

// decimalScale recovers how many fractional digits val already carries,
// since decimal.Decimal values produced by record.decodeDecimal are
// already scaled correctly and should round-trip unchanged.
func decimalScale(d decimal.Decimal) int32 {
	e := d.Exponent()
	if e >= 0 {
		return 0
	}
	return -e
}

func formatTimeOfDay(d time.Duration) string {
	total := d
	hours := total / time.Hour
	total -= hours * time.Hour
	minutes := total / time.Minute
	total -= minutes * time.Minute
	seconds := total / time.Second
	total -= seconds * time.Second
	return fmt.Sprintf("%02d:%02d:%02d.%07d", hours, minutes, seconds, total/100)
}

// columnNames extracts the output header order from a resolved table
// shape, the same order record.Row.Values is positioned in.
func columnNames(cols []catalog.Column) []string {
	names := make([]string, len(cols))
	for i, c := range cols {
		names[i] = c.Name
	}
	return names
}
