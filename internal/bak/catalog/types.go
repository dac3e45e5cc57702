// Package catalog reconstructs the SQL Server system catalog (table and
// column definitions, allocation units, principals) from raw page images,
// without replaying the backup into a live instance.
package catalog

// PageID identifies a page by (file, page) pair, matching the on-disk
// addressing scheme used throughout a SQL Server database.
type PageID struct {
	FileID int32
	PageID int32
}

// IsNull reports whether p is the zero PageID, used as a sentinel "no next
// page" value the way a null pointer would be in the original.
func (p PageID) IsNull() bool { return p.FileID == 0 && p.PageID == 0 }

// Object is one row recovered from sysschobjs: an object_id, its owning
// schema, and a two-character type code ("U " = user table, "S " = system
// table, "V " = view, and so on).
type Object struct {
	ObjectID int32
	SchemaID int32
	Name     string
	Type     string
}

// IsUserTable reports whether the object's type code marks it as a
// user-created base table.
func (o Object) IsUserTable() bool {
	return len(o.Type) >= 1 && o.Type[0] == 'U'
}

// Column is one row recovered from syscolpars. SystemTypeID is the raw
// sys.types.system_type_id byte; mapping it to a decodable type is the row
// decoder's job, not the catalog's.
type Column struct {
	ObjectID     int32
	ColumnID     int32
	Name         string
	SystemTypeID uint8
	MaxLength    int16
	Precision    uint8
	Scale        uint8
	IsNullable   bool
	IsIdentity   bool
	LeafOffset   int32
}

// Index is a minimal sysidxstats row: enough to tell a clustered index
// from a heap.
type Index struct {
	ObjectID int32
	IndexID  int32
	Name     string
	Type     uint8 // 0=heap, 1=clustered, 2=nonclustered
}

// Module is a stored procedure, scalar/table-valued function, or view
// recovered from sysschobjs plus its definition text from sysobjvalues.
type Module struct {
	ObjectID   int32
	SchemaID   int32
	SchemaName string
	Name       string
	Type       string
	Definition string
}

// Principal is a database user or role recovered from sysprincipals, or
// one of the three well-known principals seeded at startup.
type Principal struct {
	PrincipalID       int32
	Name              string
	Type              string // "S"=SQL user, "U"=Windows user, "R"=role, "A"=application role
	OwningPrincipalID int32
	DefaultSchema     string
	IsFixedRole       bool
}

// RoleMember is one sysmembers row linking a role to a member principal.
type RoleMember struct {
	RolePrincipalID   int32
	MemberPrincipalID int32
	RoleName          string
	MemberName        string
}

// Permission is one sysperms row.
type Permission struct {
	ClassType      int32 // 0=database, 1=object, 3=schema
	MajorID        int32
	MinorID        int32
	GranteeID      int32
	GrantorID      int32
	Type           string
	PermissionName string
	State          string // G=GRANT, D=DENY, R=REVOKE, W=GRANT_WITH_GRANT
	GranteeName    string
	GrantorName    string
	ObjectName     string
	SchemaName     string
}

// AllocationUnit is one sysallocunits row joined against sysrowsets,
// plus the IAM page that anchors its extent bitmap.
type AllocationUnit struct {
	AllocationUnitID int64
	ContainerID      int64
	Type             int32
	FirstPage        PageID
	RootPage         PageID
	FirstIAMPage     PageID
}

// TableMeta is the resolved shape of one user table: its object identity,
// qualified name, and ordered column list.
type TableMeta struct {
	ObjectID       int32
	SchemaName     string
	TableName      string
	Columns        []Column
	IsHeap         bool
	PartitionCount int32
}

// QualifiedName renders "schema.table".
func (t TableMeta) QualifiedName() string {
	return t.SchemaName + "." + t.TableName
}
