// Package extract drives the four-phase walk from opened stripe files to
// decoded table rows: parse the MTF headers, build or load a page index,
// resolve a table against the reconstructed catalog, then stream its rows
// to a caller-supplied callback.
package extract

import (
	"context"
	"path/filepath"
	"sort"
	"time"

	"github.com/juju/errors"

	"github.com/zhukovaskychina/bakread/internal/bak/bakerrors"
	"github.com/zhukovaskychina/bakread/internal/bak/catalog"
	"github.com/zhukovaskychina/bakread/internal/bak/mtf"
	"github.com/zhukovaskychina/bakread/internal/bak/pageidx"
	"github.com/zhukovaskychina/bakread/internal/bak/record"
	"github.com/zhukovaskychina/bakread/internal/bak/stripe"
	"github.com/zhukovaskychina/bakread/internal/bak/xpress"
	"github.com/zhukovaskychina/bakread/logger"
)

// progressRowInterval is how often the streaming phase calls back into
// Options.Progress, matching spec.md §4.7's "emit progress every 10 000
// rows".
const progressRowInterval = 10000

// inMemoryChunkSize is the read granularity used by the non-indexed build
// path, matching C4's own scan chunk size so compressed blocks decode the
// same way regardless of which mode discovered them.
const inMemoryChunkSize = 64 * 1024

// RowCallback receives one decoded row at a time. Returning false stops
// extraction early, the same "consumer says stop" cancellation spec.md §5
// describes.
type RowCallback func(record.Row) bool

// ProgressCallback is invoked periodically during the index-build and
// row-streaming phases. pct is a 0..1 completion fraction; rowsDone is only
// meaningful during row streaming and is 0 during index build, mirroring
// the reference pipeline's report_progress(rows, pct) shape.
type ProgressCallback func(rowsDone uint64, pct float64)

// Options configures one extraction run.
type Options struct {
	StripePaths []string

	SchemaName string
	TableName  string

	// Columns, if non-empty, restricts the output to these column names
	// (case-sensitive, matching catalog.Column.Name), preserving the
	// table's declared order rather than the order requested here.
	Columns []string

	// MaxRows stops streaming once this many rows have been delivered to
	// the callback. Zero means unlimited.
	MaxRows uint64

	// AllocationHints, if non-nil, restricts candidate data pages to this
	// set of compound page keys (see pageidx.MakePageKey), matching
	// spec.md §4.7's "intersect with the allocation hint set if present".
	AllocationHints map[int64]struct{}

	// Indexed selects C4's persistent page index over the simpler
	// sequential in-memory scan.
	Indexed bool
	// CacheSizeMB sizes the LRU page cache used by indexed mode.
	CacheSizeMB int
	// IndexDir, if non-empty, is where the sidecar index is read from and
	// written to, named after the first stripe's base filename.
	IndexDir string
	// ForceRescan skips any existing sidecar and rebuilds the index.
	ForceRescan bool

	Progress ProgressCallback
}

// Result is the user-visible outcome of a Run, matching spec.md §7's
// {success, rows_read, mode_used, error_message, elapsed} surface plus the
// two encryption flags direct_extractor.h reports alongside it.
type Result struct {
	Success            bool
	RowsRead           uint64
	ModeUsed           string
	ErrorMessage       string
	Elapsed            time.Duration
	TDEDetected        bool
	EncryptionDetected bool
}

// TableInfo is one row of a list-tables response.
type TableInfo struct {
	SchemaName  string
	TableName   string
	ObjectID    int32
	ColumnCount int
}

// Extractor holds everything a single Run needs: the open stripes, the
// phase outputs accumulated along the way, and the options that shaped
// them.
type Extractor struct {
	opts    Options
	stripes *stripe.StripeSet

	backupInfo mtf.BackupInfo
	compressed bool

	pageIndex *pageidx.PageIndex
	pageCache *pageidx.PageCache
	memPages  map[int64][]byte // non-indexed mode only

	cat       *catalog.Catalog
	schema    catalog.TableMeta
	pageObjID uint32
	decoder   *record.RowDecoder
}

// New opens the stripe set named by opts.StripePaths. The caller must call
// Close when done.
func New(opts Options) (*Extractor, error) {
	ss, err := stripe.Open(opts.StripePaths)
	if err != nil {
		return nil, errors.Annotate(err, "open stripe set")
	}
	cacheSize := opts.CacheSizeMB * 128 // ~128 pages per MiB at 8 KiB/page
	if cacheSize <= 0 {
		cacheSize = 1024
	}
	return &Extractor{
		opts:      opts,
		stripes:   ss,
		pageCache: pageidx.NewPageCache(cacheSize),
		memPages:  make(map[int64][]byte),
	}, nil
}

// Close releases the underlying stripe file handles.
func (e *Extractor) Close() error {
	return e.stripes.Close()
}

// Run executes all four phases and streams decoded rows to cb.
func (e *Extractor) Run(ctx context.Context, cb RowCallback) Result {
	start := time.Now()
	res := Result{ModeUsed: "direct"}

	if tde, encrypted, err := e.phaseParseHeaders(); err != nil {
		res.ErrorMessage = err.Error()
		res.Elapsed = time.Since(start)
		return res
	} else if tde || encrypted {
		res.TDEDetected = tde
		res.EncryptionDetected = encrypted
		if tde {
			res.ErrorMessage = bakerrors.New(bakerrors.KindEncryptionTDE, "backup set is TDE-protected").Error()
		} else {
			res.ErrorMessage = bakerrors.New(bakerrors.KindEncryptionBackup, "backup set is encrypted").Error()
		}
		res.Elapsed = time.Since(start)
		return res
	}

	if err := e.phaseBuildIndex(ctx); err != nil {
		res.ErrorMessage = err.Error()
		res.Elapsed = time.Since(start)
		return res
	}

	if err := e.phaseResolveTable(); err != nil {
		res.ErrorMessage = err.Error()
		res.Elapsed = time.Since(start)
		return res
	}

	rows, err := e.phaseStreamRows(ctx, cb)
	res.RowsRead = rows
	if err != nil {
		res.ErrorMessage = err.Error()
		res.Elapsed = time.Since(start)
		return res
	}

	res.Success = true
	res.Elapsed = time.Since(start)
	return res
}

// phaseParseHeaders runs C2 against stripe 0 and inspects every recovered
// backup set for TDE or ordinary encryption, per spec.md §4.7 phase 1.
func (e *Extractor) phaseParseHeaders() (tde bool, encrypted bool, err error) {
	p := mtf.New(e.stripes)
	e.backupInfo = p.Parse()

	if len(e.backupInfo.BackupSets) == 0 {
		return false, false, bakerrors.New(bakerrors.KindFormat, "no backup sets found in MTF header region")
	}

	for _, bs := range e.backupInfo.BackupSets {
		if bs.IsCompressed {
			e.compressed = true
		}
		if bs.IsTDE {
			tde = true
		}
		if bs.IsEncrypted {
			encrypted = true
		}
	}
	return tde, encrypted, nil
}

// phaseBuildIndex runs C4's parallel scan (indexed mode, with optional
// sidecar load/save) or a single-threaded sequential scan that stashes
// full page bytes in memory (non-indexed mode), per spec.md §4.7 phase 2.
func (e *Extractor) phaseBuildIndex(ctx context.Context) error {
	if e.opts.Indexed {
		return e.buildIndexedMode(ctx)
	}
	return e.buildInMemoryMode(ctx)
}

func (e *Extractor) sidecarPath() string {
	if e.opts.IndexDir == "" || len(e.opts.StripePaths) == 0 {
		return ""
	}
	base := filepath.Base(e.opts.StripePaths[0])
	return filepath.Join(e.opts.IndexDir, base+".bakridx")
}

func (e *Extractor) buildIndexedMode(ctx context.Context) error {
	path := e.sidecarPath()

	if !e.opts.ForceRescan && path != "" {
		if idx, ok, err := pageidx.LoadFromFile(path); err != nil {
			logger.Warnf("extract: sidecar load failed, rescanning: %v", err)
		} else if ok {
			logger.Infof("extract: loaded sidecar index %s", path)
			e.pageIndex = idx
			return nil
		}
	}

	progressed := int64(0)
	idx, err := pageidx.Build(ctx, e.stripes, pageidx.ScanOptions{
		DataStartOffset: e.backupInfo.DataStartOffset,
		Compressed:      e.compressed,
		Progress: func(bytesDone int64) {
			progressed += bytesDone
			if e.opts.Progress != nil {
				e.opts.Progress(0, e.stripes.ProgressFraction(progressed))
			}
		},
	})
	if err != nil {
		return errors.Annotate(err, "build page index")
	}
	e.pageIndex = idx

	if path != "" {
		if err := pageidx.SaveToFile(idx, path, pageidx.SidecarOptions{WriteChecksum: true}); err != nil {
			logger.Warnf("extract: sidecar save failed, continuing without persistence: %v", err)
		}
	}
	return nil
}

// buildInMemoryMode walks every stripe sequentially, one 64 KiB chunk at a
// time, decompressing when the backup is compressed, and keeps two things
// per plausible page: an entry in a plain PageIndex (so the catalog phase
// can still answer object_id/page_type queries the same way it would
// against C4) and a copy of the page's own 8 KiB in e.memPages, so the
// streaming phase never has to re-read or re-decompress anything.
func (e *Extractor) buildInMemoryMode(ctx context.Context) error {
	e.pageIndex = pageidx.NewPageIndex(0)

	for s := 0; s < e.stripes.NumStripes(); s++ {
		start := int64(0)
		if s == 0 {
			start = e.backupInfo.DataStartOffset
		}
		if err := e.scanStripeInMemory(ctx, s, start); err != nil {
			return errors.Annotatef(err, "in-memory scan of stripe %d", s)
		}
	}

	logger.Infof("extract: in-memory scan complete, %d pages cached", len(e.memPages))
	return nil
}

func (e *Extractor) scanStripeInMemory(ctx context.Context, stripeIndex int, start int64) error {
	size := e.stripes.Size(stripeIndex)
	pos := start
	if rem := pos % pageidx.PageSize; rem != 0 {
		pos += pageidx.PageSize - rem
	}

	for pos < size {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		readLen := int64(inMemoryChunkSize)
		if pos+readLen > size {
			readLen = size - pos
		}
		if readLen < pageidx.PageSize {
			break
		}

		raw, err := e.stripes.ReadAt(stripeIndex, pos, int(readLen))
		if err != nil {
			return err
		}

		chunk := raw
		if e.compressed && xpress.IsCompressed(raw) {
			chunk = xpress.Decompress(raw)
			if len(chunk) == 0 {
				pos += readLen
				continue
			}
		}

		for off := 0; off+pageidx.PageHeaderSize <= len(chunk); off += pageidx.PageSize {
			end := off + pageidx.PageSize
			if end > len(chunk) {
				break
			}
			hdr := pageidx.ParsePageHeader(chunk[off:])
			if !pageidx.IsPlausibleCandidate(hdr) {
				continue
			}

			key := pageidx.MakePageKey(int32(hdr.ThisFile), int32(hdr.ThisPage))
			page := make([]byte, pageidx.PageSize)
			copy(page, chunk[off:end])
			e.memPages[key] = page
			e.pageIndex.AddEntry(key, pageidx.PageIndexEntry{
				StripeIndex: uint8(stripeIndex),
				PageType:    pageidx.PageType(hdr.Type),
				ObjectID:    hdr.ObjID,
				FileOffset:  pos + int64(off),
			})
		}

		if e.opts.Progress != nil {
			e.opts.Progress(0, e.stripes.ProgressFraction(pos+readLen))
		}
		pos += readLen
	}
	return nil
}

// providePage is the catalog.PageProvider passed into catalog.NewCatalog
// and reused by the row-streaming phase.
func (e *Extractor) providePage(fileID, pageID int32) ([]byte, bool) {
	key := pageidx.MakePageKey(fileID, pageID)

	if !e.opts.Indexed {
		page, ok := e.memPages[key]
		return page, ok
	}

	if page, ok := e.pageCache.Get(key); ok {
		return page, true
	}

	entry, ok := e.pageIndex.Lookup(key)
	if !ok {
		return nil, false
	}

	page, err := e.readPageAt(key, entry)
	if err != nil {
		logger.Debugf("extract: read page (file=%d page=%d) failed: %v", fileID, pageID, err)
		return nil, false
	}
	e.pageCache.Put(key, page)
	return page, true
}

// readPageAt fetches the 8 KiB page described by entry. For an
// uncompressed backup, FileOffset is a direct seek target. For a
// compressed one, FileOffset instead points at the raw, still-coded start
// of the 64 KiB block the page was found inside (see the note in
// pageidx.scanChunkForPages): re-inflate that whole block and find the
// wanted page by its own header, caching every other page recognized
// inside the same block along the way since decompressing it again later
// would repeat the same work for a neighbor.
func (e *Extractor) readPageAt(wantKey int64, entry pageidx.PageIndexEntry) ([]byte, error) {
	if !e.compressed {
		return e.stripes.ReadAt(int(entry.StripeIndex), entry.FileOffset, pageidx.PageSize)
	}

	raw, err := e.stripes.ReadAt(int(entry.StripeIndex), entry.FileOffset, inMemoryChunkSize)
	if err != nil {
		return nil, err
	}
	chunk := raw
	if xpress.IsCompressed(raw) {
		chunk = xpress.Decompress(raw)
	}

	var want []byte
	for off := 0; off+pageidx.PageHeaderSize <= len(chunk); off += pageidx.PageSize {
		end := off + pageidx.PageSize
		if end > len(chunk) {
			break
		}
		hdr := pageidx.ParsePageHeader(chunk[off:])
		if !pageidx.IsPlausibleCandidate(hdr) {
			continue
		}
		key := pageidx.MakePageKey(int32(hdr.ThisFile), int32(hdr.ThisPage))
		page := make([]byte, pageidx.PageSize)
		copy(page, chunk[off:end])
		e.pageCache.Put(key, page)
		if key == wantKey {
			want = page
		}
	}
	if want == nil {
		return nil, bakerrors.New(bakerrors.KindPageCorruption, "page not found after re-decompressing its block")
	}
	return want, nil
}

// phaseResolveTable runs C5 against the page index, resolves the
// requested table, and applies the column filter, per spec.md §4.7 phase
// 3 and its trailing column-filter paragraph.
func (e *Extractor) phaseResolveTable() error {
	e.cat = catalog.NewCatalog(e.pageIndex, e.providePage)
	e.cat.Scan()

	meta, ok := e.cat.ResolveTable(e.opts.SchemaName, e.opts.TableName)
	if !ok {
		return bakerrors.Newf(bakerrors.KindTableNotFound, "table %s.%s not found", e.opts.SchemaName, e.opts.TableName)
	}

	pageObjID := e.cat.GetPageObjID(meta.ObjectID)
	if pageObjID == 0 {
		return bakerrors.Newf(bakerrors.KindTableNotFound, "page_obj_id unknown for object_id %d", meta.ObjectID)
	}

	meta.Columns = e.filterColumns(meta.Columns)

	e.schema = meta
	e.pageObjID = pageObjID
	e.decoder = record.NewRowDecoder(&e.schema)
	return nil
}

// filterColumns narrows cols to opts.Columns, preserving cols' declared
// order. A requested name with no match is logged, not an error, matching
// spec.md §4.7's "unknown requested columns produce a warning but do not
// abort".
func (e *Extractor) filterColumns(cols []catalog.Column) []catalog.Column {
	if len(e.opts.Columns) == 0 {
		return cols
	}

	want := make(map[string]bool, len(e.opts.Columns))
	for _, name := range e.opts.Columns {
		want[name] = true
	}

	out := make([]catalog.Column, 0, len(cols))
	seen := make(map[string]bool, len(cols))
	for _, c := range cols {
		if want[c.Name] {
			out = append(out, c)
			seen[c.Name] = true
		}
	}
	for _, name := range e.opts.Columns {
		if !seen[name] {
			logger.Warnf("extract: requested column %q not found on table %s", name, e.schema.QualifiedName())
		}
	}
	return out
}

// phaseStreamRows enumerates candidate data pages for the resolved table's
// page_obj_id, decodes each, and delivers rows to cb until the callback
// stops, MaxRows is reached, or pages run out -- spec.md §4.7 phase 4.
func (e *Extractor) phaseStreamRows(ctx context.Context, cb RowCallback) (uint64, error) {
	candidates := e.candidateDataPages(e.pageObjID)

	logger.Infof("extract: streaming rows from %d candidate pages for %s", len(candidates), e.schema.QualifiedName())

	var rowsDone uint64
	for i, key := range candidates {
		select {
		case <-ctx.Done():
			return rowsDone, ctx.Err()
		default:
		}

		fileID, pageID := pageidx.SplitPageKey(key)
		page, ok := e.providePage(fileID, pageID)
		if !ok {
			continue
		}

		for _, row := range e.decoder.DecodePage(page) {
			if e.opts.MaxRows > 0 && rowsDone >= e.opts.MaxRows {
				return rowsDone, nil
			}
			if !cb(row) {
				return rowsDone, nil
			}
			rowsDone++
			if rowsDone%progressRowInterval == 0 && e.opts.Progress != nil {
				e.opts.Progress(rowsDone, float64(i+1)/float64(len(candidates)))
			}
		}
	}

	return rowsDone, nil
}

// candidateDataPages returns every indexed data page stamped with
// pageObjID, intersected with AllocationHints when present, sorted for
// deterministic test output (spec.md §5 leaves iteration order
// implementation-defined; sorting costs little at this scale and makes
// behavior reproducible).
func (e *Extractor) candidateDataPages(pageObjID uint32) []int64 {
	keys := e.pageIndex.GetPagesByObject(pageObjID)

	out := make([]int64, 0, len(keys))
	for _, k := range keys {
		entry, ok := e.pageIndex.Lookup(k)
		if !ok || entry.PageType != pageidx.PageTypeData {
			continue
		}
		if e.opts.AllocationHints != nil {
			if _, allowed := e.opts.AllocationHints[k]; !allowed {
				continue
			}
		}
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// ListTables returns every user table recovered by the catalog scan. It
// runs its own header-parse and index-build phases independently of Run,
// so it can be called without first knowing a target table name.
func (e *Extractor) ListTables(ctx context.Context) ([]TableInfo, error) {
	if tde, encrypted, err := e.phaseParseHeaders(); err != nil {
		return nil, err
	} else if tde || encrypted {
		return nil, bakerrors.New(bakerrors.KindEncryptionBackup, "backup is encrypted, cannot list tables")
	}
	if err := e.phaseBuildIndex(ctx); err != nil {
		return nil, err
	}

	e.cat = catalog.NewCatalog(e.pageIndex, e.providePage)
	e.cat.Scan()

	objs := e.cat.ListUserTables()
	out := make([]TableInfo, 0, len(objs))
	for _, o := range objs {
		meta, ok := e.cat.ResolveTable("", o.Name)
		colCount := 0
		schemaName := "dbo"
		if ok {
			colCount = len(meta.Columns)
			schemaName = meta.SchemaName
		}
		out = append(out, TableInfo{
			SchemaName:  schemaName,
			TableName:   o.Name,
			ObjectID:    o.ObjectID,
			ColumnCount: colCount,
		})
	}
	return out, nil
}

// DataStartOffset exposes the MTF-recovered page region start, used by
// --print-data-offset.
func (e *Extractor) DataStartOffset() int64 { return e.backupInfo.DataStartOffset }

// ParseHeaders runs phase 1 on its own, for callers (--print-data-offset)
// that need DataStartOffset without building a page index or resolving a
// table.
func (e *Extractor) ParseHeaders() (tde bool, encrypted bool, err error) {
	return e.phaseParseHeaders()
}
