package sink

import (
	"bufio"
	"encoding/json"
	"io"

	"github.com/juju/errors"

	"github.com/zhukovaskychina/bakread/internal/bak/catalog"
	"github.com/zhukovaskychina/bakread/internal/bak/record"
)

// JSONLWriter renders rows as one JSON object per line, column names as
// keys, SQL NULL as JSON null, matching spec.md §6's JSON-specific
// null rule (distinct from delimited text's empty-field rule).
type JSONLWriter struct {
	bw     *bufio.Writer
	names  []string
	closer io.Closer
}

// NewJSONLWriter returns a writer ready for WriteRow calls. No header or
// preamble is written; JSON Lines files have none.
func NewJSONLWriter(w io.Writer, cols []catalog.Column) *JSONLWriter {
	closer, _ := w.(io.Closer)
	return &JSONLWriter{
		bw:     bufio.NewWriter(w),
		names:  columnNames(cols),
		closer: closer,
	}
}

// WriteRow marshals one row as a JSON object and appends a trailing
// newline.
func (j *JSONLWriter) WriteRow(row record.Row) error {
	obj := make(map[string]interface{}, len(j.names))
	for i, name := range j.names {
		if i >= len(row.Values) {
			obj[name] = nil
			continue
		}
		obj[name] = jsonValue(row.Values[i])
	}

	line, err := json.Marshal(obj)
	if err != nil {
		return errors.Annotate(err, "marshal row")
	}
	if _, err := j.bw.Write(line); err != nil {
		return errors.Annotate(err, "write row")
	}
	return j.bw.WriteByte('\n')
}

// jsonValue converts a decoded column value into something
// encoding/json renders per spec.md §6's rules: nil stays JSON null,
// scalar Go kinds marshal in their natural encoding, and everything else
// (binary, decimal, GUID, date/time) renders through the same text form
// the delimited sink uses, since JSON has no native representation for
// any of them that matches spec.md's fixed-point/hex rules.
func jsonValue(v interface{}) interface{} {
	switch v.(type) {
	case nil:
		return nil
	case string, bool, int8, int16, int32, int64, float32, float64:
		return v
	default:
		return renderText(v)
	}
}

// Close flushes buffered output and closes the underlying writer if it
// supports it.
func (j *JSONLWriter) Close() error {
	if err := j.bw.Flush(); err != nil {
		return errors.Annotate(err, "flush jsonl writer")
	}
	if j.closer != nil {
		return j.closer.Close()
	}
	return nil
}
