package sink

import (
	"bufio"
	"encoding/binary"
	"io"
	"math"

	"github.com/juju/errors"
	"github.com/klauspost/compress/zstd"
	"github.com/shopspring/decimal"

	"github.com/zhukovaskychina/bakread/internal/bak/catalog"
	"github.com/zhukovaskychina/bakread/internal/bak/record"
)

var columnarMagic = [8]byte{'B', 'A', 'K', 'C', 'O', 'L', '1', 0}

const columnarBatchSize = 2048

// ColumnarWriter buffers rows into fixed-size batches and flushes each as
// one zstd-compressed, length-prefixed block: a column-major layout where
// a NULL value contributes nothing but its own presence byte, matching
// spec.md §6's "absent in columnar" rule, rather than the empty-field or
// JSON-null stand-ins the text sinks need.
//
// Block layout (all integers little-endian):
//
//	magic "BAKCOL1\0" (8)
//	row_count  uint32
//	col_count  uint32
//	uncompressed_size uint32
//	compressed_size   uint32
//	zstd(column data)
//
// Column data is colCount concatenated column buffers, each rowCount
// entries of [1-byte presence][4-byte length][value bytes] (length and
// value omitted when presence is 0).
type ColumnarWriter struct {
	bw      *bufio.Writer
	closer  io.Closer
	cols    []catalog.Column
	enc     *zstd.Encoder
	batch   []record.Row
	flushed bool
}

// NewColumnarWriter constructs a writer over w. The returned encoder is
// reused across every batch, since zstd.Encoder is safe to call Encode on
// repeatedly.
func NewColumnarWriter(w io.Writer, cols []catalog.Column) (*ColumnarWriter, error) {
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, errors.Annotate(err, "create zstd encoder")
	}
	closer, _ := w.(io.Closer)
	return &ColumnarWriter{
		bw:     bufio.NewWriter(w),
		closer: closer,
		cols:   cols,
		enc:    enc,
		batch:  make([]record.Row, 0, columnarBatchSize),
	}, nil
}

// WriteRow buffers row, flushing a full block once columnarBatchSize rows
// have accumulated.
func (c *ColumnarWriter) WriteRow(row record.Row) error {
	c.batch = append(c.batch, row)
	if len(c.batch) >= columnarBatchSize {
		return c.flushBatch()
	}
	return nil
}

func (c *ColumnarWriter) flushBatch() error {
	if len(c.batch) == 0 {
		return nil
	}

	var raw []byte
	for ci := range c.cols {
		for _, row := range c.batch {
			var v interface{}
			if ci < len(row.Values) {
				v = row.Values[ci]
			}
			raw = appendColumnarValue(raw, v)
		}
	}

	compressed := c.enc.EncodeAll(raw, nil)

	var hdr [24]byte
	copy(hdr[0:8], columnarMagic[:])
	binary.LittleEndian.PutUint32(hdr[8:12], uint32(len(c.batch)))
	binary.LittleEndian.PutUint32(hdr[12:16], uint32(len(c.cols)))
	binary.LittleEndian.PutUint32(hdr[16:20], uint32(len(raw)))
	binary.LittleEndian.PutUint32(hdr[20:24], uint32(len(compressed)))

	if _, err := c.bw.Write(hdr[:]); err != nil {
		return errors.Annotate(err, "write block header")
	}
	if _, err := c.bw.Write(compressed); err != nil {
		return errors.Annotate(err, "write block body")
	}

	c.batch = c.batch[:0]
	return nil
}

// appendColumnarValue appends one value's presence byte, and when
// present, its length-prefixed raw encoding, to dst.
func appendColumnarValue(dst []byte, v interface{}) []byte {
	if v == nil {
		return append(dst, 0)
	}

	data := columnarBytes(v)
	dst = append(dst, 1)
	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(data)))
	dst = append(dst, lenBuf[:]...)
	return append(dst, data...)
}

// columnarBytes renders v to its raw on-disk form: native byte widths for
// fixed-size numerics, UTF-8 text as-is, binary columns untouched, and
// the same fixed-point/ISO text spec.md §6 requires for decimal and
// date/time values (columnar has no separate rule for those, only for
// null and binary).
func columnarBytes(v interface{}) []byte {
	switch val := v.(type) {
	case []byte:
		return val
	case string:
		return []byte(val)
	case bool:
		if val {
			return []byte{1}
		}
		return []byte{0}
	case int8:
		return []byte{byte(val)}
	case int16:
		b := make([]byte, 2)
		binary.LittleEndian.PutUint16(b, uint16(val))
		return b
	case int32:
		b := make([]byte, 4)
		binary.LittleEndian.PutUint32(b, uint32(val))
		return b
	case int64:
		b := make([]byte, 8)
		binary.LittleEndian.PutUint64(b, uint64(val))
		return b
	case float32:
		b := make([]byte, 4)
		binary.LittleEndian.PutUint32(b, math.Float32bits(val))
		return b
	case float64:
		b := make([]byte, 8)
		binary.LittleEndian.PutUint64(b, math.Float64bits(val))
		return b
	case record.Guid:
		return val[:]
	case decimal.Decimal:
		return []byte(renderText(val))
	default:
		return []byte(renderText(val))
	}
}

// Close flushes any partial final batch, then the underlying writer.
func (c *ColumnarWriter) Close() error {
	if c.flushed {
		return nil
	}
	c.flushed = true

	if err := c.flushBatch(); err != nil {
		return err
	}
	if err := c.bw.Flush(); err != nil {
		return errors.Annotate(err, "flush columnar writer")
	}
	_ = c.enc.Close()
	if c.closer != nil {
		return c.closer.Close()
	}
	return nil
}
