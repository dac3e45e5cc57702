package catalog

import (
	"encoding/binary"
	"sort"
	"strings"

	"github.com/zhukovaskychina/bakread/internal/bak/pageidx"
	"github.com/zhukovaskychina/bakread/logger"
)

// Well-known object IDs for system base tables, matching sys.sysschobjs.
const (
	objSysschobjs    = 34
	objSyscolpars    = 41
	objSysidxstats   = 54
	objSysallocunits = 7
	objSysrowsets    = 5
	objSysobjvalues  = 60
	objSysprincipals = 18
	objSysperms      = 19
	objSysmembers    = 20
)

const (
	// PrimaryFileID is the data file system tables always live in.
	PrimaryFileID = 1
	// BootPageID is the fixed page carrying database-level metadata.
	BootPageID = 9
	// SystemTableScanLimit bounds every system-table scan to pages
	// 1..999 of the primary file (page IDs below 1000), the range the reference
	// implementation observed system tables to live within. Raising
	// it is a one-line change if a larger database needs it.
	SystemTableScanLimit = 1000
	// ModuleScanLimit is the wider bound used only for sysobjvalues,
	// matching the original implementation's separate constant.
	ModuleScanLimit = 2000
)

// PageProvider returns the raw bytes of the page identified by
// (fileID, pageID), and false if that page is not available.
type PageProvider func(fileID, pageID int32) ([]byte, bool)

// Catalog holds every system-table row recovered by a scan, along with the
// lookups built to resolve a named user table against them.
type Catalog struct {
	provider PageProvider
	index    *pageidx.PageIndex

	objects    map[int32]Object
	columns    map[int32][]Column
	indexes    map[int32][]Index
	modules    map[int32]Module
	principals map[int32]Principal
	roleMembers []RoleMember
	permissions []Permission
	allocUnits  []AllocationUnit

	schemaNames     map[int32]string
	objToPageObjID  map[int32]uint32
}

// NewCatalog constructs a reader bound to idx (the page index built by the
// scan phase) and provider (a page-fetching callback, typically backed by
// the stripe set plus an LRU page cache).
func NewCatalog(idx *pageidx.PageIndex, provider PageProvider) *Catalog {
	return &Catalog{
		provider:       provider,
		index:          idx,
		objects:        make(map[int32]Object),
		columns:        make(map[int32][]Column),
		indexes:        make(map[int32][]Index),
		modules:        make(map[int32]Module),
		principals:     make(map[int32]Principal),
		objToPageObjID: make(map[int32]uint32),
		schemaNames: map[int32]string{
			1: "dbo",
			2: "guest",
			3: "INFORMATION_SCHEMA",
			4: "sys",
		},
	}
}

// Scan walks the system base tables in dependency order, populating every
// lookup. It never returns an error for a missing or malformed system
// table: callers detect an empty object list and report "catalog
// reconstruction failed" themselves, matching the original's best-effort
// contract.
func (c *Catalog) Scan() {
	logger.Infof("catalog: scanning system catalog")

	c.scanSystemObjects()
	c.scanSystemColumns()
	c.scanSystemIndexes()
	c.scanSystemAllocationUnits()
	c.scanRowsetAllocUnitMapping()
	c.scanModuleDefinitions()
	c.scanPrincipals()
	c.scanRoleMembers()
	c.scanPermissions()

	logger.Infof("catalog: scan complete, %d objects, %d column sets, %d modules, %d principals",
		len(c.objects), len(c.columns), len(c.modules), len(c.principals))
}

// candidatePages returns every (fileID, pageID) in the primary file whose
// indexed page header obj_id equals objID, bounded by limit, sorted by
// page ID for deterministic scan order.
func (c *Catalog) candidatePages(objID uint32, limit int32) []PageID {
	keys := c.index.GetPagesByObject(objID)
	out := make([]PageID, 0, len(keys))
	for _, k := range keys {
		fileID, pageID := pageidx.SplitPageKey(k)
		if fileID != PrimaryFileID {
			continue
		}
		if pageID < 1 || pageID >= limit {
			continue
		}
		out = append(out, PageID{FileID: fileID, PageID: pageID})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PageID < out[j].PageID })
	return out
}

func (c *Catalog) scanSystemObjects() {
	logger.Debugf("catalog: scanning sysschobjs")
	found := 0

	for _, pg := range c.candidatePages(objSysschobjs, SystemTableScanLimit) {
		page, ok := c.provider(pg.FileID, pg.PageID)
		if !ok {
			continue
		}
		hdr := pageidx.ParsePageHeader(page)
		if hdr.SlotCount == 0 {
			continue
		}

		for slot := 0; slot < int(hdr.SlotCount); slot++ {
			offset := int(pageidx.SlotOffset(page, slot))
			if offset < pageidx.PageHeaderSize || offset >= pageidx.PageSize-10 {
				continue
			}
			rec := page[offset:]
			limit := pageidx.PageSize - offset

			status := rec[0]
			if status&pageidx.RecordTypeMask != pageidx.RecordPrimary {
				continue
			}
			if limit < 20 {
				continue
			}
			fixedEnd := int(binary.LittleEndian.Uint16(rec[2:]))
			if fixedEnd < 20 || fixedEnd > pageidx.PageSize {
				continue
			}

			objID := int32(binary.LittleEndian.Uint32(rec[4:]))
			schemaID := int32(binary.LittleEndian.Uint32(rec[8:]))
			if objID <= 0 || schemaID <= 0 || schemaID > 65536 {
				continue
			}

			hasVar := status&pageidx.RecordHasVarColumns != 0
			name := decodeFirstVariableField(rec, fixedEnd, limit, hasVar, true)
			if name == "" {
				continue
			}

			typeCode := ""
			if fixedEnd > 18 {
				typeCode = string([]byte{rec[17], rec[18]})
			}

			c.objects[objID] = Object{ObjectID: objID, SchemaID: schemaID, Name: name, Type: typeCode}
			found++
		}
	}

	logger.Infof("catalog: found %d system objects", found)
}

func (c *Catalog) scanSystemColumns() {
	logger.Debugf("catalog: scanning syscolpars")
	found := 0

	for _, pg := range c.candidatePages(objSyscolpars, SystemTableScanLimit) {
		page, ok := c.provider(pg.FileID, pg.PageID)
		if !ok {
			continue
		}
		hdr := pageidx.ParsePageHeader(page)
		if hdr.SlotCount == 0 {
			continue
		}

		for slot := 0; slot < int(hdr.SlotCount); slot++ {
			offset := int(pageidx.SlotOffset(page, slot))
			if offset < pageidx.PageHeaderSize || offset >= pageidx.PageSize-10 {
				continue
			}
			rec := page[offset:]
			limit := pageidx.PageSize - offset

			status := rec[0]
			if status&pageidx.RecordTypeMask != pageidx.RecordPrimary {
				continue
			}
			if limit < 23 {
				continue
			}
			fixedEnd := int(binary.LittleEndian.Uint16(rec[2:]))
			if fixedEnd < 23 {
				continue
			}

			objID := int32(binary.LittleEndian.Uint32(rec[4:]))
			if _, ok := c.objects[objID]; !ok {
				continue
			}

			colID := int32(binary.LittleEndian.Uint32(rec[10:]))
			if colID <= 0 || colID > 4096 {
				continue
			}

			col := Column{
				ObjectID:     objID,
				ColumnID:     colID,
				SystemTypeID: rec[14],
				MaxLength:    int16(binary.LittleEndian.Uint16(rec[19:])),
				Precision:    rec[21],
				Scale:        rec[22],
			}

			hasVar := status&pageidx.RecordHasVarColumns != 0
			col.Name = decodeFirstVariableField(rec, fixedEnd, limit, hasVar, true)

			c.columns[objID] = append(c.columns[objID], col)
			found++
		}
	}

	for objID, cols := range c.columns {
		sort.Slice(cols, func(i, j int) bool { return cols[i].ColumnID < cols[j].ColumnID })
		c.columns[objID] = cols
	}

	logger.Infof("catalog: found %d column definitions", found)
}

// scanSystemIndexes is a deliberate no-op: sysidxstats' exact layout
// was never pinned down. c.indexes stays empty, so ResolveTable reports
// every table as a heap.
func (c *Catalog) scanSystemIndexes() {
	logger.Debugf("catalog: sysidxstats scan skipped, defaulting all tables to heap")
}

func (c *Catalog) scanSystemAllocationUnits() {
	logger.Debugf("catalog: scanning IAM pages for allocation units")

	for _, k := range c.index.GetPagesByType(pageidx.PageTypeIAM) {
		fileID, pageID := pageidx.SplitPageKey(k)
		if fileID != PrimaryFileID || pageID < 1 || pageID >= SystemTableScanLimit {
			continue
		}
		page, ok := c.provider(fileID, pageID)
		if !ok {
			continue
		}

		startFileID, startPageID := pageidx.IAMStartPage(page)
		au := AllocationUnit{
			FirstIAMPage: PageID{FileID: fileID, PageID: pageID},
			FirstPage:    PageID{FileID: startFileID, PageID: startPageID},
		}
		if len(page) >= pageidx.PageHeaderSize+8+8 {
			au.AllocationUnitID = int64(binary.LittleEndian.Uint64(page[pageidx.PageHeaderSize+8:]))
		}
		c.allocUnits = append(c.allocUnits, au)
	}

	logger.Infof("catalog: found %d allocation units via IAM scan", len(c.allocUnits))
}

func (c *Catalog) scanRowsetAllocUnitMapping() {
	logger.Debugf("catalog: building object_id -> page header obj_id mapping")

	hobtToObjID := make(map[int64]int32)

	for _, pg := range c.candidatePages(objSysrowsets, SystemTableScanLimit) {
		page, ok := c.provider(pg.FileID, pg.PageID)
		if !ok {
			continue
		}
		hdr := pageidx.ParsePageHeader(page)
		if hdr.SlotCount == 0 {
			continue
		}
		for slot := 0; slot < int(hdr.SlotCount); slot++ {
			offset := int(pageidx.SlotOffset(page, slot))
			if offset < pageidx.PageHeaderSize || offset >= pageidx.PageSize-20 {
				continue
			}
			rec := page[offset:]
			fixedEnd := int(binary.LittleEndian.Uint16(rec[2:]))
			if fixedEnd < 21 {
				continue
			}

			rowsetID := int64(binary.LittleEndian.Uint64(rec[4:]))
			idMajor := int32(binary.LittleEndian.Uint32(rec[13:]))
			idMinor := int32(binary.LittleEndian.Uint32(rec[17:]))

			if idMinor <= 1 && idMajor > 0 {
				hobtToObjID[rowsetID] = idMajor
			}
		}
	}

	logger.Debugf("catalog: found %d rowset->object mappings", len(hobtToObjID))

	for _, pg := range c.candidatePages(objSysallocunits, SystemTableScanLimit) {
		page, ok := c.provider(pg.FileID, pg.PageID)
		if !ok {
			continue
		}
		hdr := pageidx.ParsePageHeader(page)
		if hdr.SlotCount == 0 {
			continue
		}
		for slot := 0; slot < int(hdr.SlotCount); slot++ {
			offset := int(pageidx.SlotOffset(page, slot))
			if offset < pageidx.PageHeaderSize || offset >= pageidx.PageSize-20 {
				continue
			}
			rec := page[offset:]
			fixedEnd := int(binary.LittleEndian.Uint16(rec[2:]))
			if fixedEnd < 21 {
				continue
			}

			auType := rec[12]
			if auType != 1 { // only IN_ROW_DATA allocation units
				continue
			}
			auID := int64(binary.LittleEndian.Uint64(rec[4:]))
			containerID := int64(binary.LittleEndian.Uint64(rec[13:]))

			pageObjID := uint32((auID >> 16) & 0xFFFF)
			if objectID, ok := hobtToObjID[containerID]; ok {
				c.objToPageObjID[objectID] = pageObjID
			}
		}
	}

	logger.Infof("catalog: built %d object -> page obj_id mappings", len(c.objToPageObjID))
}

func (c *Catalog) scanModuleDefinitions() {
	logger.Debugf("catalog: scanning sysobjvalues for module definitions")

	for objID, obj := range c.objects {
		if isModuleTypeCode(obj.Type) {
			c.modules[objID] = Module{
				ObjectID:   objID,
				SchemaID:   obj.SchemaID,
				SchemaName: c.schemaNameFor(obj.SchemaID),
				Name:       obj.Name,
				Type:       obj.Type,
			}
		}
	}

	found := 0
	for _, pg := range c.candidatePages(objSysobjvalues, ModuleScanLimit) {
		page, ok := c.provider(pg.FileID, pg.PageID)
		if !ok {
			continue
		}
		hdr := pageidx.ParsePageHeader(page)
		if hdr.SlotCount == 0 {
			continue
		}
		for slot := 0; slot < int(hdr.SlotCount); slot++ {
			offset := int(pageidx.SlotOffset(page, slot))
			if offset < pageidx.PageHeaderSize || offset >= pageidx.PageSize-20 {
				continue
			}
			rec := page[offset:]
			limit := pageidx.PageSize - offset

			status := rec[0]
			if status&pageidx.RecordTypeMask != pageidx.RecordPrimary {
				continue
			}
			fixedEnd := int(binary.LittleEndian.Uint16(rec[2:]))
			if fixedEnd < 16 {
				continue
			}

			objID := int32(binary.LittleEndian.Uint32(rec[4:]))
			valClass := int16(binary.LittleEndian.Uint16(rec[8:]))
			if valClass != 1 { // 1 = object definition
				continue
			}

			mod, ok := c.modules[objID]
			if !ok {
				continue
			}

			hasVar := status&pageidx.RecordHasVarColumns != 0
			def := decodeFirstVariableField(rec, fixedEnd, limit, hasVar, false)
			if def == "" {
				continue
			}
			mod.Definition = def
			c.modules[objID] = mod
			found++
		}
	}

	logger.Infof("catalog: found %d module definitions, %d total modules", found, len(c.modules))
}

func isModuleTypeCode(t string) bool {
	switch t {
	case "P ", "FN", "IF", "TF", "V ":
		return true
	default:
		return false
	}
}

func (c *Catalog) scanPrincipals() {
	logger.Debugf("catalog: scanning sysprincipals")

	c.principals[0] = Principal{PrincipalID: 0, Name: "public", Type: "R", IsFixedRole: true}
	c.principals[1] = Principal{PrincipalID: 1, Name: "dbo", Type: "S", OwningPrincipalID: 1, DefaultSchema: "dbo"}
	c.principals[2] = Principal{PrincipalID: 2, Name: "guest", Type: "S", OwningPrincipalID: 2, DefaultSchema: "guest"}

	found := 0
	for _, pg := range c.candidatePages(objSysprincipals, SystemTableScanLimit) {
		page, ok := c.provider(pg.FileID, pg.PageID)
		if !ok {
			continue
		}
		hdr := pageidx.ParsePageHeader(page)
		if hdr.SlotCount == 0 {
			continue
		}
		for slot := 0; slot < int(hdr.SlotCount); slot++ {
			offset := int(pageidx.SlotOffset(page, slot))
			if offset < pageidx.PageHeaderSize || offset >= pageidx.PageSize-20 {
				continue
			}
			rec := page[offset:]
			limit := pageidx.PageSize - offset

			status := rec[0]
			if status&pageidx.RecordTypeMask != pageidx.RecordPrimary {
				continue
			}
			fixedEnd := int(binary.LittleEndian.Uint16(rec[2:]))
			if fixedEnd < 12 {
				continue
			}

			principalID := int32(binary.LittleEndian.Uint32(rec[4:]))
			typeChar := string(rec[8])
			var owningID int32
			if fixedEnd >= 13 {
				owningID = int32(binary.LittleEndian.Uint32(rec[9:]))
			}

			hasVar := status&pageidx.RecordHasVarColumns != 0
			name := decodeFirstVariableField(rec, fixedEnd, limit, hasVar, true)
			if name == "" {
				continue
			}

			c.principals[principalID] = Principal{
				PrincipalID:       principalID,
				Name:              name,
				Type:              typeChar,
				OwningPrincipalID: owningID,
			}
			found++
		}
	}

	logger.Infof("catalog: found %d database principals", found)
}

func (c *Catalog) scanRoleMembers() {
	logger.Debugf("catalog: scanning sysmembers")
	found := 0

	for _, pg := range c.candidatePages(objSysmembers, SystemTableScanLimit) {
		page, ok := c.provider(pg.FileID, pg.PageID)
		if !ok {
			continue
		}
		hdr := pageidx.ParsePageHeader(page)
		if hdr.SlotCount == 0 {
			continue
		}
		for slot := 0; slot < int(hdr.SlotCount); slot++ {
			offset := int(pageidx.SlotOffset(page, slot))
			if offset < pageidx.PageHeaderSize || offset >= pageidx.PageSize-12 {
				continue
			}
			rec := page[offset:]
			status := rec[0]
			if status&pageidx.RecordTypeMask != pageidx.RecordPrimary {
				continue
			}
			fixedEnd := int(binary.LittleEndian.Uint16(rec[2:]))
			if fixedEnd < 12 {
				continue
			}

			roleID := int32(binary.LittleEndian.Uint32(rec[4:]))
			memberID := int32(binary.LittleEndian.Uint32(rec[8:]))
			if roleID <= 0 || memberID <= 0 {
				continue
			}

			rm := RoleMember{RolePrincipalID: roleID, MemberPrincipalID: memberID}
			if p, ok := c.principals[roleID]; ok {
				rm.RoleName = p.Name
			}
			if p, ok := c.principals[memberID]; ok {
				rm.MemberName = p.Name
			}
			c.roleMembers = append(c.roleMembers, rm)
			found++
		}
	}

	logger.Infof("catalog: found %d role memberships", found)
}

func (c *Catalog) scanPermissions() {
	logger.Debugf("catalog: scanning sysperms")
	found := 0

	for _, pg := range c.candidatePages(objSysperms, SystemTableScanLimit) {
		page, ok := c.provider(pg.FileID, pg.PageID)
		if !ok {
			continue
		}
		hdr := pageidx.ParsePageHeader(page)
		if hdr.SlotCount == 0 {
			continue
		}
		for slot := 0; slot < int(hdr.SlotCount); slot++ {
			offset := int(pageidx.SlotOffset(page, slot))
			if offset < pageidx.PageHeaderSize || offset >= pageidx.PageSize-20 {
				continue
			}
			rec := page[offset:]
			status := rec[0]
			if status&pageidx.RecordTypeMask != pageidx.RecordPrimary {
				continue
			}
			fixedEnd := int(binary.LittleEndian.Uint16(rec[2:]))
			if fixedEnd < 24 {
				continue
			}

			perm := Permission{
				ClassType: int32(binary.LittleEndian.Uint32(rec[4:])),
				MajorID:   int32(binary.LittleEndian.Uint32(rec[8:])),
				MinorID:   int32(binary.LittleEndian.Uint32(rec[12:])),
				GranteeID: int32(binary.LittleEndian.Uint32(rec[16:])),
				GrantorID: int32(binary.LittleEndian.Uint32(rec[20:])),
				State:     "G",
			}
			if fixedEnd >= 29 {
				perm.Type = strings.TrimRight(string(rec[24:28]), "\x00")
				perm.State = string(rec[28])
			}

			if p, ok := c.principals[perm.GranteeID]; ok {
				perm.GranteeName = p.Name
			}
			if p, ok := c.principals[perm.GrantorID]; ok {
				perm.GrantorName = p.Name
			}
			if perm.ClassType == 1 {
				if obj, ok := c.objects[perm.MajorID]; ok {
					perm.ObjectName = obj.Name
					perm.SchemaName = c.schemaNameFor(obj.SchemaID)
				}
			}
			perm.PermissionName = permissionName(perm.Type)

			c.permissions = append(c.permissions, perm)
			found++
		}
	}

	logger.Infof("catalog: found %d database permissions", found)
}

func permissionName(code string) string {
	trimmed := strings.TrimSpace(code)
	switch trimmed {
	case "SL":
		return "SELECT"
	case "IN":
		return "INSERT"
	case "UP":
		return "UPDATE"
	case "DL":
		return "DELETE"
	case "EX":
		return "EXECUTE"
	case "RF":
		return "REFERENCES"
	case "VW":
		return "VIEW DEFINITION"
	case "AL":
		return "ALTER"
	case "ALAK":
		return "ALTER ANY KEY"
	case "CO":
		return "CONNECT"
	case "CL":
		return "CONTROL"
	case "TO":
		return "TAKE OWNERSHIP"
	default:
		return trimmed
	}
}

func (c *Catalog) schemaNameFor(schemaID int32) string {
	if name, ok := c.schemaNames[schemaID]; ok {
		return name
	}
	return "dbo"
}

// GetPageObjID returns the page header obj_id associated with a user
// table's object_id, or 0 if the rowset/allocation-unit join never
// resolved one.
func (c *Catalog) GetPageObjID(objectID int32) uint32 {
	return c.objToPageObjID[objectID]
}

// ResolveTable finds a user table by schema and name (case-insensitive).
// An empty schemaName matches any schema.
func (c *Catalog) ResolveTable(schemaName, tableName string) (TableMeta, bool) {
	for id, obj := range c.objects {
		if !obj.IsUserTable() {
			continue
		}
		if !strings.EqualFold(obj.Name, tableName) {
			continue
		}
		objSchema := c.schemaNameFor(obj.SchemaID)
		if schemaName != "" && !strings.EqualFold(objSchema, schemaName) {
			continue
		}

		meta := TableMeta{
			ObjectID:   id,
			SchemaName: objSchema,
			TableName:  obj.Name,
			Columns:    c.columns[id],
			IsHeap:     true,
		}
		for _, idx := range c.indexes[id] {
			if idx.Type == 1 {
				meta.IsHeap = false
				break
			}
		}

		logger.Infof("catalog: resolved table %s (object_id=%d, %d columns, heap=%v)",
			meta.QualifiedName(), meta.ObjectID, len(meta.Columns), meta.IsHeap)
		return meta, true
	}
	return TableMeta{}, false
}

// ListUserTables returns every recovered user table, sorted by name.
func (c *Catalog) ListUserTables() []Object {
	out := make([]Object, 0, len(c.objects))
	for _, obj := range c.objects {
		if obj.IsUserTable() {
			out = append(out, obj)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// ListModules returns every recovered procedure/function/view definition,
// sorted by schema then name.
func (c *Catalog) ListModules() []Module {
	out := make([]Module, 0, len(c.modules))
	for _, m := range c.modules {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].SchemaName != out[j].SchemaName {
			return out[i].SchemaName < out[j].SchemaName
		}
		return out[i].Name < out[j].Name
	})
	return out
}

// ListPrincipals returns every recovered database principal, sorted by
// name.
func (c *Catalog) ListPrincipals() []Principal {
	out := make([]Principal, 0, len(c.principals))
	for _, p := range c.principals {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// ListRoleMembers returns every recovered role membership.
func (c *Catalog) ListRoleMembers() []RoleMember { return c.roleMembers }

// ListPermissions returns every recovered database permission.
func (c *Catalog) ListPermissions() []Permission { return c.permissions }

// AllocationUnits returns every allocation unit discovered by the IAM
// scan. objectID is accepted for API symmetry with the original
// implementation but is not actually used to filter the result --
// the original's own get_allocation_units has the same behavior,
// preserved here rather than silently fixed.
func (c *Catalog) AllocationUnits(objectID int32) []AllocationUnit {
	return c.allocUnits
}

// AllocationChain follows the page-header next-page links starting at
// firstIAM, returning every page visited. Used only by diagnostics; the
// row decoder reaches data pages through the page index, not this chain.
func (c *Catalog) AllocationChain(firstIAM PageID) []PageID {
	chain := []PageID{firstIAM}
	current := firstIAM
	for i := 0; i < 10000; i++ {
		page, ok := c.provider(current.FileID, current.PageID)
		if !ok {
			break
		}
		hdr := pageidx.ParsePageHeader(page)
		next := PageID{FileID: int32(hdr.NextFile), PageID: int32(hdr.NextPage)}
		if next.IsNull() {
			break
		}
		chain = append(chain, next)
		current = next
	}
	return chain
}
