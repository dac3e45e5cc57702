package record

import (
	"encoding/binary"
	"math"

	"github.com/zhukovaskychina/bakread/internal/bak/bakerrors"
	"github.com/zhukovaskychina/bakread/internal/bak/catalog"
	"github.com/zhukovaskychina/bakread/internal/bak/pageidx"
	"github.com/zhukovaskychina/bakread/logger"
)

// RowDecoder parses SQL Server's FixedVar record format against one
// resolved table shape:
//
//	[Status A][Status B][fixed-data end offset][fixed column bytes...]
//	[2-byte column count][null bitmap][var col count][var end offsets...][var data...]
//
// The fixed/variable split and each fixed column's byte offset are
// precomputed once per table so that decoding a page never has to walk
// the column list more than the variable-length columns strictly require.
type RowDecoder struct {
	table           *catalog.TableMeta
	fixedColIndices []int
	varColIndices   []int
	fixedColOffsets []int // parallel to fixedColIndices
	nullBitmapBytes int
}

// NewRowDecoder builds a decoder for table, partitioning its columns into
// fixed and variable regions in column_id order the way Catalog already
// sorted them.
func NewRowDecoder(table *catalog.TableMeta) *RowDecoder {
	d := &RowDecoder{table: table}

	curOffset := 4 // fixed data starts right after the 4-byte record header
	for i, col := range table.Columns {
		t := SqlType(col.SystemTypeID)
		if IsFixedLength(t) && !IsLob(t) {
			d.fixedColIndices = append(d.fixedColIndices, i)
			off := curOffset
			if col.LeafOffset > 0 {
				off = int(col.LeafOffset)
			}
			d.fixedColOffsets = append(d.fixedColOffsets, off)
			curOffset = off + int(col.MaxLength)
		} else {
			d.varColIndices = append(d.varColIndices, i)
		}
	}
	d.nullBitmapBytes = (len(table.Columns) + 7) / 8
	return d
}

// Table returns the schema this decoder was built against.
func (d *RowDecoder) Table() *catalog.TableMeta { return d.table }

// DecodePage decodes every record on a data page except forwarding stubs
// and slots with an out-of-range offset.
func (d *RowDecoder) DecodePage(page []byte) []Row {
	hdr := pageidx.ParsePageHeader(page)
	if pageidx.PageType(hdr.Type) != pageidx.PageTypeData {
		return nil
	}

	rows := make([]Row, 0, hdr.SlotCount)
	for slot := 0; slot < int(hdr.SlotCount); slot++ {
		offset := pageidx.SlotOffset(page, slot)
		if int(offset) < pageidx.PageHeaderSize || int(offset) >= pageidx.PageSize-2 {
			logger.Warnf("record: %s", bakerrors.Newf(bakerrors.KindPageCorruption,
				"page file=%d page=%d: slot %d offset %d exceeds page bounds, skipping slot",
				hdr.ThisFile, hdr.ThisPage, slot, offset).Error())
			continue
		}

		statusA := page[offset]
		recType := statusA & pageidx.RecordTypeMask
		if recType == pageidx.RecordForwardingStub {
			continue
		}

		if row, ok := d.DecodeRow(page, offset); ok {
			rows = append(rows, row)
		}
	}
	return rows
}

// DecodeRow decodes a single record at recordOffset within page.
func (d *RowDecoder) DecodeRow(page []byte, recordOffset uint16) (Row, bool) {
	rec := page[recordOffset:]
	maxLen := len(rec)
	if maxLen < 4 {
		return Row{}, false
	}

	statusA := rec[0]
	hasNullBitmap := statusA&pageidx.RecordHasNullBitmap != 0
	hasVarCols := statusA&pageidx.RecordHasVarColumns != 0

	fixedEnd := int(binary.LittleEndian.Uint16(rec[2:4]))
	if fixedEnd > maxLen {
		return Row{}, false
	}

	numCols := len(d.table.Columns)
	nullBits := make([]bool, numCols)

	bitmapStart := fixedEnd
	nullAreaSize := 0
	if hasNullBitmap && bitmapStart+2 <= maxLen {
		recColCount := int(binary.LittleEndian.Uint16(rec[bitmapStart : bitmapStart+2]))
		nullBmpBytes := (recColCount + 7) / 8
		nullAreaSize = 2 + nullBmpBytes

		if bitmapStart+nullAreaSize <= maxLen {
			for col := 0; col < numCols && col < recColCount; col++ {
				byteIdx := col / 8
				bitIdx := uint(col % 8)
				if rec[bitmapStart+2+byteIdx]&(1<<bitIdx) != 0 {
					nullBits[col] = true
				}
			}
		}
	}

	varOffsetStart := bitmapStart + nullAreaSize
	var varCount int
	var varEndOffsets []uint16

	if hasVarCols && varOffsetStart+2 <= maxLen {
		varCount = int(binary.LittleEndian.Uint16(rec[varOffsetStart : varOffsetStart+2]))
		varOffsetStart += 2

		varEndOffsets = make([]uint16, 0, varCount)
		for v := 0; v < varCount; v++ {
			if varOffsetStart+2 > maxLen {
				break
			}
			varEndOffsets = append(varEndOffsets, binary.LittleEndian.Uint16(rec[varOffsetStart:varOffsetStart+2]))
			varOffsetStart += 2
		}
	}

	values := make([]interface{}, numCols)

	for fi, ci := range d.fixedColIndices {
		if nullBits[ci] {
			values[ci] = nil
			continue
		}
		col := d.table.Columns[ci]
		dataOffset := d.fixedColOffsets[fi]
		if dataOffset < 4 {
			dataOffset = 4
		}
		if dataOffset >= fixedEnd {
			values[ci] = nil
			continue
		}
		avail := fixedEnd - dataOffset
		if avail > int(col.MaxLength) {
			avail = int(col.MaxLength)
		}
		values[ci] = bytesToValue(rec[dataOffset:dataOffset+avail], col)
	}

	varDataStart := varOffsetStart
	for vi, ci := range d.varColIndices {
		if nullBits[ci] {
			values[ci] = nil
			continue
		}
		if vi >= len(varEndOffsets) {
			values[ci] = nil
			continue
		}
		col := d.table.Columns[ci]

		endOff := varEndOffsets[vi]
		var startOff uint16
		if vi == 0 {
			startOff = uint16(varDataStart)
		} else {
			startOff = varEndOffsets[vi-1]
		}

		isComplex := endOff&0x8000 != 0
		endOff &^= 0x8000

		if isComplex {
			values[ci] = lobPlaceholder
			continue
		}
		if startOff >= endOff || int(endOff) > maxLen {
			values[ci] = nil
			continue
		}

		values[ci] = bytesToValue(rec[startOff:endOff], col)
	}

	return Row{Values: values, Table: d.table}, true
}

func bytesToValue(data []byte, col catalog.Column) interface{} {
	if len(data) == 0 {
		return nil
	}
	t := SqlType(col.SystemTypeID)

	switch t {
	case TypeTinyInt:
		// SQL Server's TINYINT is unsigned, but the reference decoder
		// this is grounded on reads it as a signed byte; kept for
		// fidelity with values already produced by the original tool.
		return int8(data[0])
	case TypeSmallInt:
		if len(data) < 2 {
			return nil
		}
		return int16(binary.LittleEndian.Uint16(data))
	case TypeInt:
		if len(data) < 4 {
			return nil
		}
		return int32(binary.LittleEndian.Uint32(data))
	case TypeBigInt:
		if len(data) < 8 {
			return nil
		}
		return int64(binary.LittleEndian.Uint64(data))
	case TypeBit:
		return data[0] != 0
	case TypeReal:
		if len(data) < 4 {
			return nil
		}
		return math.Float32frombits(binary.LittleEndian.Uint32(data))
	case TypeFloat:
		if len(data) < 8 {
			return nil
		}
		return math.Float64frombits(binary.LittleEndian.Uint64(data))
	case TypeMoney:
		if len(data) < 8 {
			return nil
		}
		hi := int64(int32(binary.LittleEndian.Uint32(data[0:4])))
		lo := int64(binary.LittleEndian.Uint32(data[4:8]))
		combined := hi<<32 | lo
		return float64(combined) / 10000.0
	case TypeSmallMoney:
		if len(data) < 4 {
			return nil
		}
		v := int32(binary.LittleEndian.Uint32(data))
		return float64(v) / 10000.0
	case TypeDecimal, TypeNumeric:
		return decodeDecimal(data, col.Scale)
	case TypeChar, TypeVarChar, TypeText:
		return string(data)
	case TypeNChar, TypeNVarChar, TypeNText:
		return decodeUTF16LEToUTF8(data)
	case TypeBinary, TypeVarBinary, TypeImage, TypeTimestamp:
		out := make([]byte, len(data))
		copy(out, data)
		return out
	case TypeUniqueID:
		if len(data) < 16 {
			return nil
		}
		return decodeGuid(data)
	case TypeDate:
		if len(data) < 3 {
			return nil
		}
		return decodeDate(data)
	case TypeDateTime:
		if len(data) < 8 {
			return nil
		}
		return decodeDateTime(data)
	case TypeSmallDateTime:
		if len(data) < 4 {
			return nil
		}
		return decodeSmallDateTime(data)
	case TypeDateTime2:
		return decodeDateTime2(data, col.Scale)
	case TypeTime:
		return decodeTimeOfDay(data, col.Scale)
	case TypeDateTimeOff:
		return decodeDateTimeOffset(data, col.Scale)
	default:
		out := make([]byte, len(data))
		copy(out, data)
		return out
	}
}
