package catalog

import (
	"encoding/binary"
	"testing"
	"unicode/utf16"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhukovaskychina/bakread/internal/bak/pageidx"
)

func utf16leEncode(s string) []byte {
	units := utf16.Encode([]rune(s))
	buf := make([]byte, len(units)*2)
	for i, u := range units {
		binary.LittleEndian.PutUint16(buf[i*2:], u)
	}
	return buf
}

// buildVarRecord assembles a record with one fixed region (caller fills it
// via write) ending at fixedEnd, followed by a single variable-length
// UTF-16LE column holding name.
func buildVarRecord(fixedEnd int, write func(rec []byte), name string) []byte {
	nameBytes := utf16leEncode(name)
	nullBitmapBytes := 1 // colCount == 1
	varAreaStart := fixedEnd + 2 + nullBitmapBytes
	offsetsEnd := varAreaStart + 2 + 2 // varCount == 1 -> one 2-byte offset
	dataStart := offsetsEnd

	rec := make([]byte, dataStart+len(nameBytes))
	rec[0] = pageidx.RecordHasVarColumns | pageidx.RecordPrimary
	binary.LittleEndian.PutUint16(rec[2:], uint16(fixedEnd))
	if write != nil {
		write(rec)
	}
	binary.LittleEndian.PutUint16(rec[fixedEnd:], 1)   // column count
	rec[fixedEnd+2] = 0                                // null bitmap byte
	binary.LittleEndian.PutUint16(rec[varAreaStart:], 1) // variable column count
	binary.LittleEndian.PutUint16(rec[varAreaStart+2:], uint16(dataStart+len(nameBytes)))
	copy(rec[dataStart:], nameBytes)
	return rec
}

// buildFixedRecord builds a record with no variable columns: just the
// status byte, fixedEnd, and whatever the caller writes into the fixed
// region.
func buildFixedRecord(fixedEnd int, write func(rec []byte)) []byte {
	rec := make([]byte, fixedEnd+4)
	rec[0] = pageidx.RecordPrimary
	binary.LittleEndian.PutUint16(rec[2:], uint16(fixedEnd))
	if write != nil {
		write(rec)
	}
	return rec
}

func buildCatalogPage(pageType pageidx.PageType, objID uint32, records [][]byte) []byte {
	page := make([]byte, pageidx.PageSize)
	page[0] = 1 // header_version
	page[1] = byte(pageType)
	binary.LittleEndian.PutUint16(page[0x16:], uint16(len(records)))
	binary.LittleEndian.PutUint32(page[0x18:], objID)

	pos := pageidx.PageHeaderSize
	for i, rec := range records {
		copy(page[pos:], rec)
		slotPos := pageidx.PageSize - 2*(i+1)
		binary.LittleEndian.PutUint16(page[slotPos:], uint16(pos))
		pos += len(rec)
	}
	return page
}

type fakeCatalogFixture struct {
	pages map[PageID][]byte
	idx   *pageidx.PageIndex
}

func newFakeCatalogFixture() *fakeCatalogFixture {
	return &fakeCatalogFixture{
		pages: make(map[PageID][]byte),
		idx:   pageidx.NewPageIndex(0),
	}
}

func (f *fakeCatalogFixture) addPage(pageID int32, pageType pageidx.PageType, objID uint32, page []byte) {
	pid := PageID{FileID: PrimaryFileID, PageID: pageID}
	f.pages[pid] = page
	f.idx.AddEntry(pageidx.MakePageKey(PrimaryFileID, pageID), pageidx.PageIndexEntry{
		PageType: pageType,
		ObjectID: objID,
	})
}

func (f *fakeCatalogFixture) provider(fileID, pageID int32) ([]byte, bool) {
	page, ok := f.pages[PageID{FileID: fileID, PageID: pageID}]
	return page, ok
}

func TestScanSystemObjectsAndColumns(t *testing.T) {
	fx := newFakeCatalogFixture()

	objRec := buildVarRecord(20, func(rec []byte) {
		binary.LittleEndian.PutUint32(rec[4:], 500) // object_id
		binary.LittleEndian.PutUint32(rec[8:], 1)   // schema_id
		rec[17] = 'U'
		rec[18] = ' '
	}, "Widgets")
	fx.addPage(100, pageidx.PageTypeData, objSysschobjs, buildCatalogPage(pageidx.PageTypeData, objSysschobjs, [][]byte{objRec}))

	colRec1 := buildVarRecord(23, func(rec []byte) {
		binary.LittleEndian.PutUint32(rec[4:], 500)   // object_id
		binary.LittleEndian.PutUint32(rec[10:], 1)    // column_id
		rec[14] = 56                                  // Int
		binary.LittleEndian.PutUint16(rec[19:], 4)    // max_length
		rec[21] = 10
		rec[22] = 0
	}, "Id")
	colRec2 := buildVarRecord(23, func(rec []byte) {
		binary.LittleEndian.PutUint32(rec[4:], 500)
		binary.LittleEndian.PutUint32(rec[10:], 2)
		rec[14] = 231 // NVarChar
		binary.LittleEndian.PutUint16(rec[19:], 100)
	}, "Name")
	fx.addPage(101, pageidx.PageTypeData, objSyscolpars, buildCatalogPage(pageidx.PageTypeData, objSyscolpars, [][]byte{colRec2, colRec1}))

	cat := NewCatalog(fx.idx, fx.provider)
	cat.Scan()

	tables := cat.ListUserTables()
	require.Len(t, tables, 1)
	assert.Equal(t, "Widgets", tables[0].Name)

	meta, ok := cat.ResolveTable("dbo", "Widgets")
	require.True(t, ok)
	require.Len(t, meta.Columns, 2)
	assert.Equal(t, "Id", meta.Columns[0].Name)
	assert.Equal(t, "Name", meta.Columns[1].Name)
	assert.EqualValues(t, 56, meta.Columns[0].SystemTypeID)
	assert.EqualValues(t, 231, meta.Columns[1].SystemTypeID)
}

func TestResolveTableIsCaseInsensitive(t *testing.T) {
	fx := newFakeCatalogFixture()
	objRec := buildVarRecord(20, func(rec []byte) {
		binary.LittleEndian.PutUint32(rec[4:], 7)
		binary.LittleEndian.PutUint32(rec[8:], 1)
		rec[17] = 'U'
		rec[18] = ' '
	}, "Orders")
	fx.addPage(10, pageidx.PageTypeData, objSysschobjs, buildCatalogPage(pageidx.PageTypeData, objSysschobjs, [][]byte{objRec}))

	cat := NewCatalog(fx.idx, fx.provider)
	cat.Scan()

	_, ok := cat.ResolveTable("DBO", "orders")
	assert.True(t, ok)
}

func TestResolveTableNotFound(t *testing.T) {
	fx := newFakeCatalogFixture()
	cat := NewCatalog(fx.idx, fx.provider)
	cat.Scan()

	_, ok := cat.ResolveTable("dbo", "Nonexistent")
	assert.False(t, ok)
}

func TestRowsetAllocUnitMappingResolvesPageObjID(t *testing.T) {
	fx := newFakeCatalogFixture()

	rowsetRec := buildFixedRecord(21, func(rec []byte) {
		binary.LittleEndian.PutUint64(rec[4:], 777) // rowsetid
		rec[12] = 0                                 // ownertype
		binary.LittleEndian.PutUint32(rec[13:], 500) // idmajor (object_id)
		binary.LittleEndian.PutUint32(rec[17:], 0)   // idminor (heap)
	})
	fx.addPage(200, pageidx.PageTypeData, objSysrowsets, buildCatalogPage(pageidx.PageTypeData, objSysrowsets, [][]byte{rowsetRec}))

	const pageObjID = 12345
	auRec := buildFixedRecord(21, func(rec []byte) {
		binary.LittleEndian.PutUint64(rec[4:], uint64(pageObjID)<<16) // auid
		rec[12] = 1                                                  // IN_ROW_DATA
		binary.LittleEndian.PutUint64(rec[13:], 777)                 // container_id
	})
	fx.addPage(201, pageidx.PageTypeData, objSysallocunits, buildCatalogPage(pageidx.PageTypeData, objSysallocunits, [][]byte{auRec}))

	cat := NewCatalog(fx.idx, fx.provider)
	cat.Scan()

	assert.EqualValues(t, pageObjID, cat.GetPageObjID(500))
}

func TestScanPrincipalsSeedsWellKnownEntries(t *testing.T) {
	fx := newFakeCatalogFixture()
	cat := NewCatalog(fx.idx, fx.provider)
	cat.Scan()

	principals := cat.ListPrincipals()
	names := make(map[string]bool)
	for _, p := range principals {
		names[p.Name] = true
	}
	assert.True(t, names["dbo"])
	assert.True(t, names["guest"])
	assert.True(t, names["public"])
}

func TestAllocationUnitsIgnoresObjectIDParameter(t *testing.T) {
	fx := newFakeCatalogFixture()
	iamPage := make([]byte, pageidx.PageSize)
	iamPage[0] = 1
	iamPage[1] = byte(pageidx.PageTypeIAM)
	binary.LittleEndian.PutUint32(iamPage[104:], 50) // start page
	binary.LittleEndian.PutUint16(iamPage[108:], 1)  // start file
	fx.addPage(300, pageidx.PageTypeIAM, 0, iamPage)

	cat := NewCatalog(fx.idx, fx.provider)
	cat.Scan()

	require.Len(t, cat.AllocationUnits(500), 1)
	require.Len(t, cat.AllocationUnits(999999), 1) // unused parameter, same result
}
