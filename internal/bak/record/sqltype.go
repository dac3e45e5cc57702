// Package record decodes SQL Server FixedVar-format rows from data pages
// into Go values, using the column layout a Catalog has already resolved.
package record

// SqlType mirrors sys.types.system_type_id: the raw byte every column
// definition in syscolpars carries to say how its bytes are shaped.
type SqlType uint8

const (
	TypeUnknown       SqlType = 0
	TypeImage         SqlType = 34
	TypeText          SqlType = 35
	TypeUniqueID      SqlType = 36
	TypeDate          SqlType = 40
	TypeTime          SqlType = 41
	TypeDateTime2     SqlType = 42
	TypeDateTimeOff   SqlType = 43
	TypeTinyInt       SqlType = 48
	TypeSmallInt      SqlType = 52
	TypeInt           SqlType = 56
	TypeSmallDateTime SqlType = 58
	TypeReal          SqlType = 59
	TypeMoney         SqlType = 60
	TypeDateTime      SqlType = 61
	TypeFloat         SqlType = 62
	TypeSqlVariant    SqlType = 98
	TypeNText         SqlType = 99
	TypeBit           SqlType = 104
	TypeDecimal       SqlType = 106
	TypeNumeric       SqlType = 108
	TypeSmallMoney    SqlType = 122
	TypeBigInt        SqlType = 127
	TypeVarBinary     SqlType = 165
	TypeVarChar       SqlType = 167
	TypeBinary        SqlType = 173
	TypeChar          SqlType = 175
	TypeTimestamp     SqlType = 189
	TypeNVarChar      SqlType = 231
	TypeNChar         SqlType = 239
	TypeXml           SqlType = 241
)

// IsFixedLength reports whether values of t occupy a constant number of
// bytes in the fixed-data region of a record, rather than the
// variable-length region at the record's tail.
func IsFixedLength(t SqlType) bool {
	switch t {
	case TypeTinyInt, TypeSmallInt, TypeInt, TypeBigInt, TypeBit,
		TypeFloat, TypeReal, TypeMoney, TypeSmallMoney,
		TypeDate, TypeTime, TypeDateTime, TypeDateTime2, TypeDateTimeOff,
		TypeSmallDateTime, TypeUniqueID, TypeTimestamp,
		TypeDecimal, TypeNumeric, TypeChar, TypeNChar, TypeBinary:
		return true
	default:
		return false
	}
}

// IsUnicode reports whether t's bytes are UTF-16LE text.
func IsUnicode(t SqlType) bool {
	return t == TypeNChar || t == TypeNVarChar || t == TypeNText
}

// IsLob reports whether t is one of the large-object types this decoder
// cannot resolve without following an off-row pointer chain.
func IsLob(t SqlType) bool {
	return t == TypeText || t == TypeNText || t == TypeImage || t == TypeXml
}
