package extract

import (
	"context"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"
	"unicode/utf16"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhukovaskychina/bakread/internal/bak/pageidx"
	"github.com/zhukovaskychina/bakread/internal/bak/record"
)

func utf16leBytes(s string) []byte {
	units := utf16.Encode([]rune(s))
	buf := make([]byte, len(units)*2)
	for i, u := range units {
		binary.LittleEndian.PutUint16(buf[i*2:], u)
	}
	return buf
}

// buildVarRecord is the same one-variable-column layout catalog's own
// fixtures use: a fixed region the caller fills via write, followed by a
// single UTF-16LE name column.
func buildVarRecord(fixedEnd int, write func(rec []byte), name string) []byte {
	nameBytes := utf16leBytes(name)
	varAreaStart := fixedEnd + 2 + 1
	offsetsEnd := varAreaStart + 2 + 2
	dataStart := offsetsEnd

	rec := make([]byte, dataStart+len(nameBytes))
	rec[0] = pageidx.RecordHasVarColumns | pageidx.RecordPrimary
	binary.LittleEndian.PutUint16(rec[2:], uint16(fixedEnd))
	if write != nil {
		write(rec)
	}
	binary.LittleEndian.PutUint16(rec[fixedEnd:], 1)
	rec[fixedEnd+2] = 0
	binary.LittleEndian.PutUint16(rec[varAreaStart:], 1)
	binary.LittleEndian.PutUint16(rec[varAreaStart+2:], uint16(dataStart+len(nameBytes)))
	copy(rec[dataStart:], nameBytes)
	return rec
}

func buildFixedRecord(fixedEnd int, write func(rec []byte)) []byte {
	rec := make([]byte, fixedEnd+4)
	rec[0] = pageidx.RecordPrimary
	binary.LittleEndian.PutUint16(rec[2:], uint16(fixedEnd))
	if write != nil {
		write(rec)
	}
	return rec
}

// buildScannablePage builds a full 8 KiB page whose header passes
// pageidx.IsPlausibleCandidate, matching everything the real in-memory
// scan path in buildInMemoryMode checks for.
func buildScannablePage(pageType pageidx.PageType, objID uint32, thisPage uint32, records [][]byte) []byte {
	page := make([]byte, pageidx.PageSize)
	page[0] = 1 // header_version
	page[1] = byte(pageType)
	binary.LittleEndian.PutUint16(page[0x16:], uint16(len(records))) // slot_count
	binary.LittleEndian.PutUint32(page[0x18:], objID)
	binary.LittleEndian.PutUint32(page[0x20:], thisPage) // this_page
	binary.LittleEndian.PutUint16(page[0x24:], 1)         // this_file

	pos := pageidx.PageHeaderSize
	for i, rec := range records {
		copy(page[pos:], rec)
		slotPos := pageidx.PageSize - 2*(i+1)
		binary.LittleEndian.PutUint16(page[slotPos:], uint16(pos))
		pos += len(rec)
	}
	return page
}

// buildWidgetsRecord assembles a FixedVar record for a table
// (Id int, Name nvarchar) matching syscolpars' column offsets below.
func buildWidgetsRecord(id int32, name string) []byte {
	nameUTF16 := utf16leBytes(name)
	const fixedEnd = 8
	const nullBitmapBytes = 1
	varAreaStart := fixedEnd + 2 + nullBitmapBytes
	offsetsEnd := varAreaStart + 2 + 2
	dataStart := offsetsEnd

	rec := make([]byte, dataStart+len(nameUTF16))
	rec[0] = pageidx.RecordHasVarColumns | pageidx.RecordHasNullBitmap | pageidx.RecordPrimary
	binary.LittleEndian.PutUint16(rec[2:4], fixedEnd)
	binary.LittleEndian.PutUint32(rec[4:8], uint32(id))
	binary.LittleEndian.PutUint16(rec[fixedEnd:fixedEnd+2], 2)
	binary.LittleEndian.PutUint16(rec[varAreaStart:varAreaStart+2], 1)
	binary.LittleEndian.PutUint16(rec[varAreaStart+2:varAreaStart+4], uint16(dataStart+len(nameUTF16)))
	copy(rec[dataStart:], nameUTF16)
	return rec
}

// writeSyntheticBackup lays out, at 8 KiB page boundaries in a single
// file, everything a non-indexed direct extraction needs to resolve and
// stream dbo.Widgets(Id int, Name nvarchar(100)) with one row (7, "Hi"):
// sysschobjs, syscolpars, sysrowsets, sysallocunits, and the table's own
// data page. No MTF descriptor blocks are present, so header parsing
// falls back to a single synthetic, unencrypted, uncompressed backup set
// starting at offset 0 -- exactly mtf.Parser's documented best-effort
// contract for a stream with no recognizable header.
type widgetRow struct {
	id   int32
	name string
}

func writeSyntheticBackup(t *testing.T, pageObjID uint32) string {
	return writeSyntheticBackupRows(t, pageObjID, []widgetRow{{7, "Hi"}})
}

func writeSyntheticBackupRows(t *testing.T, pageObjID uint32, rows []widgetRow) string {
	t.Helper()
	const (
		pgSysschobjs    = 10
		pgSyscolpars    = 11
		pgSysrowsets    = 12
		pgSysallocunits = 13
		pgData          = 20
	)

	buf := make([]byte, (pgData+2)*pageidx.PageSize)
	place := func(pageID uint32, page []byte) {
		copy(buf[int64(pageID)*pageidx.PageSize:], page)
	}

	objRec := buildVarRecord(20, func(rec []byte) {
		binary.LittleEndian.PutUint32(rec[4:], 500) // object_id
		binary.LittleEndian.PutUint32(rec[8:], 1)   // schema_id -> dbo
		rec[17] = 'U'
		rec[18] = ' '
	}, "Widgets")
	place(pgSysschobjs, buildScannablePage(pageidx.PageTypeData, 34, pgSysschobjs, [][]byte{objRec}))

	colID := buildVarRecord(23, func(rec []byte) {
		binary.LittleEndian.PutUint32(rec[4:], 500)
		binary.LittleEndian.PutUint32(rec[10:], 1)
		rec[14] = 56 // Int
		binary.LittleEndian.PutUint16(rec[19:], 4)
	}, "Id")
	colName := buildVarRecord(23, func(rec []byte) {
		binary.LittleEndian.PutUint32(rec[4:], 500)
		binary.LittleEndian.PutUint32(rec[10:], 2)
		rec[14] = 231 // NVarChar
		binary.LittleEndian.PutUint16(rec[19:], 200)
	}, "Name")
	place(pgSyscolpars, buildScannablePage(pageidx.PageTypeData, 41, pgSyscolpars, [][]byte{colName, colID}))

	rowsetRec := buildFixedRecord(21, func(rec []byte) {
		binary.LittleEndian.PutUint64(rec[4:], 777)
		binary.LittleEndian.PutUint32(rec[13:], 500) // idmajor
		binary.LittleEndian.PutUint32(rec[17:], 0)   // idminor (heap)
	})
	place(pgSysrowsets, buildScannablePage(pageidx.PageTypeData, 5, pgSysrowsets, [][]byte{rowsetRec}))

	auRec := buildFixedRecord(21, func(rec []byte) {
		binary.LittleEndian.PutUint64(rec[4:], uint64(pageObjID)<<16)
		rec[12] = 1 // IN_ROW_DATA
		binary.LittleEndian.PutUint64(rec[13:], 777)
	})
	place(pgSysallocunits, buildScannablePage(pageidx.PageTypeData, 7, pgSysallocunits, [][]byte{auRec}))

	dataRecs := make([][]byte, len(rows))
	for i, r := range rows {
		dataRecs[i] = buildWidgetsRecord(r.id, r.name)
	}
	place(pgData, buildScannablePage(pageidx.PageTypeData, pageObjID, pgData, dataRecs))

	dir := t.TempDir()
	path := filepath.Join(dir, "synthetic.bak")
	require.NoError(t, os.WriteFile(path, buf, 0o644))
	return path
}

func TestRunExtractsRowsInNonIndexedMode(t *testing.T) {
	const pageObjID = 600
	path := writeSyntheticBackup(t, pageObjID)

	ex, err := New(Options{
		StripePaths: []string{path},
		SchemaName:  "dbo",
		TableName:   "Widgets",
	})
	require.NoError(t, err)
	defer ex.Close()

	var rows []record.Row
	res := ex.Run(context.Background(), func(r record.Row) bool {
		rows = append(rows, r)
		return true
	})

	require.True(t, res.Success, res.ErrorMessage)
	assert.EqualValues(t, 1, res.RowsRead)
	require.Len(t, rows, 1)
	assert.Equal(t, int32(7), rows[0].Values[0])
	assert.Equal(t, "Hi", rows[0].Values[1])
}

func TestRunHonorsMaxRows(t *testing.T) {
	path := writeSyntheticBackupRows(t, 601, []widgetRow{{1, "One"}, {2, "Two"}})

	ex, err := New(Options{
		StripePaths: []string{path},
		SchemaName:  "dbo",
		TableName:   "Widgets",
		MaxRows:     1,
	})
	require.NoError(t, err)
	defer ex.Close()

	var delivered int
	res := ex.Run(context.Background(), func(r record.Row) bool {
		delivered++
		return true
	})
	require.True(t, res.Success, res.ErrorMessage)
	assert.Equal(t, 1, delivered)
	assert.EqualValues(t, 1, res.RowsRead)
}

func TestRunReturnsTableNotFoundForUnknownTable(t *testing.T) {
	path := writeSyntheticBackup(t, 602)

	ex, err := New(Options{
		StripePaths: []string{path},
		SchemaName:  "dbo",
		TableName:   "DoesNotExist",
	})
	require.NoError(t, err)
	defer ex.Close()

	res := ex.Run(context.Background(), func(r record.Row) bool { return true })
	assert.False(t, res.Success)
	assert.Contains(t, res.ErrorMessage, "table-not-found")
}

func TestFilterColumnsPreservesDeclaredOrder(t *testing.T) {
	path := writeSyntheticBackup(t, 603)

	ex, err := New(Options{
		StripePaths: []string{path},
		SchemaName:  "dbo",
		TableName:   "Widgets",
		Columns:     []string{"Name", "Id"}, // requested out of order
	})
	require.NoError(t, err)
	defer ex.Close()

	var rows []record.Row
	res := ex.Run(context.Background(), func(r record.Row) bool {
		rows = append(rows, r)
		return true
	})

	require.True(t, res.Success, res.ErrorMessage)
	require.Len(t, rows, 1)
	// Table declares Id before Name; the filter must preserve that order
	// rather than the order requested in Options.Columns.
	require.Len(t, ex.schema.Columns, 2)
	assert.Equal(t, "Id", ex.schema.Columns[0].Name)
	assert.Equal(t, "Name", ex.schema.Columns[1].Name)
}

func TestRunStopsWhenCallbackReturnsFalse(t *testing.T) {
	path := writeSyntheticBackup(t, 604)

	ex, err := New(Options{
		StripePaths: []string{path},
		SchemaName:  "dbo",
		TableName:   "Widgets",
	})
	require.NoError(t, err)
	defer ex.Close()

	calls := 0
	res := ex.Run(context.Background(), func(r record.Row) bool {
		calls++
		return false
	})

	require.True(t, res.Success, res.ErrorMessage)
	assert.Equal(t, 1, calls)
	assert.EqualValues(t, 0, res.RowsRead)
}

func TestListTablesFindsWidgets(t *testing.T) {
	path := writeSyntheticBackup(t, 605)

	ex, err := New(Options{StripePaths: []string{path}})
	require.NoError(t, err)
	defer ex.Close()

	tables, err := ex.ListTables(context.Background())
	require.NoError(t, err)
	require.Len(t, tables, 1)
	assert.Equal(t, "Widgets", tables[0].TableName)
	assert.Equal(t, 2, tables[0].ColumnCount)
}
