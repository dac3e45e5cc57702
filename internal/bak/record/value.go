package record

import "github.com/zhukovaskychina/bakread/internal/bak/catalog"

// Row is one decoded table row: positional values aligned with the
// TableMeta.Columns order the decoder was built from. A nil entry means
// the column was SQL NULL.
type Row struct {
	Values []interface{}
	Table  *catalog.TableMeta
}

// Get returns the value of the named column, and whether that column
// exists on the row's table at all.
func (r Row) Get(columnName string) (interface{}, bool) {
	if r.Table == nil {
		return nil, false
	}
	for i, col := range r.Table.Columns {
		if col.Name == columnName {
			if i < len(r.Values) {
				return r.Values[i], true
			}
			return nil, false
		}
	}
	return nil, false
}

// lobPlaceholder is substituted for a complex/off-row column a direct page
// scan cannot resolve without following the LOB pointer chain.
const lobPlaceholder = "[LOB data]"
