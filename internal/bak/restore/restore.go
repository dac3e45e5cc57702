// Package restore defines the contract the CLI's --mode=auto path falls
// back to when the direct extractor reports a terminal
// encryption:tde or encryption:backup error: spinning up (or attaching
// to) a live SQL Server instance, running an actual RESTORE, and
// streaming rows back out of it.
//
// That fallback is explicitly out of scope here: it requires a real SQL
// Server engine, key material the core never has access to, and a
// network client library this module doesn't carry. Fallback exists so
// the orchestrator's encryption diagnostics have somewhere to hand off
// to, not because this package does the handing off itself.
package restore

import (
	"context"

	"github.com/zhukovaskychina/bakread/internal/bak/mtf"
	"github.com/zhukovaskychina/bakread/internal/bak/record"
)

// TableRequest describes what a live-restore fallback would need to
// reproduce the direct extractor's row stream for one table.
type TableRequest struct {
	SchemaName string
	TableName  string
	Columns    []string
	Where      string
	MaxRows    uint64
}

// RowStream is a pull-based cursor over restored rows, mirroring the
// shape record.RowDecoder.DecodePage already produces in batches so a
// caller can treat both sources identically.
type RowStream interface {
	Next() (record.Row, bool, error)
	Close() error
}

// Fallback restores BackupInfo into a live instance and streams req's
// table back out. No implementation ships in this module.
type Fallback interface {
	Restore(ctx context.Context, info mtf.BackupInfo, req TableRequest) (RowStream, error)
}
