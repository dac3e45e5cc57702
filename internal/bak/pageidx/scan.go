package pageidx

import (
	"context"
	"runtime"

	"golang.org/x/sync/errgroup"

	"github.com/zhukovaskychina/bakread/internal/bak/stripe"
	"github.com/zhukovaskychina/bakread/internal/bak/xpress"
	"github.com/zhukovaskychina/bakread/logger"
)

const (
	scanChunkSize = 64 * 1024
	scratchFactor = 4
)

// ScanOptions configures a Build pass over a stripe set.
type ScanOptions struct {
	// DataStartOffset is where stripe 0's page region begins, as recovered
	// by the MTF header parser. Only stripe 0 is shifted by this amount;
	// every other stripe's page region starts at offset 0.
	DataStartOffset int64
	// Compressed indicates the backup stream's data pages are wrapped in
	// xpress-coded blocks and must be inflated before header inspection.
	Compressed bool
	// Workers caps scan concurrency; 0 picks min(NumCPU, stripe count).
	Workers int
	// Progress, if non-nil, is invoked after each scanned chunk with that
	// chunk's raw byte count (a delta, not a running total). It is called
	// from the per-stripe worker goroutines, so calls can run concurrently.
	Progress func(bytesDone int64)
}

// Build scans every stripe in the set for plausible page headers and
// returns a populated PageIndex. Each stripe is scanned by exactly one
// worker to preserve sequential locality; the page region of stripe 0 is
// offset by opts.DataStartOffset, skipping the MTF header region.
func Build(ctx context.Context, stripes *stripe.StripeSet, opts ScanOptions) (*PageIndex, error) {
	idx := NewPageIndex(0)

	workers := opts.Workers
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	if workers > stripes.NumStripes() {
		workers = stripes.NumStripes()
	}
	if workers < 1 {
		workers = 1
	}

	g, gctx := errgroup.WithContext(ctx)
	sem := make(chan struct{}, workers)

	// foundByStripe records how many candidates each stripe's aligned pass
	// found on its own, so the 512-byte fallback can be retried per stripe
	// rather than once globally. Each goroutine only ever writes its own
	// index, so no lock is needed here.
	foundByStripe := make([]int, stripes.NumStripes())
	startByStripe := make([]int64, stripes.NumStripes())

	for s := 0; s < stripes.NumStripes(); s++ {
		stripeIndex := s
		start := int64(0)
		if stripeIndex == 0 {
			start = opts.DataStartOffset
		}
		startByStripe[stripeIndex] = start

		sem <- struct{}{}
		g.Go(func() error {
			defer func() { <-sem }()
			n, err := scanStripe(gctx, stripes, stripeIndex, start, opts, idx)
			foundByStripe[stripeIndex] = n
			return err
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	for s, n := range foundByStripe {
		if n > 0 {
			continue
		}
		logger.Warnf("pageidx: stripe %d found no pages at 8 KiB alignment, retrying at 512-byte alignment", s)
		if err := scanStripeUnaligned(ctx, stripes, s, startByStripe[s], opts, idx); err != nil {
			return nil, err
		}
	}

	logger.Infof("pageidx: scan complete, %d candidate pages indexed", idx.Size())
	return idx, nil
}

// scanStripeUnaligned is the fallback pass used when a backup stream's
// first data page does not land on an 8 KiB boundary relative to
// DataStartOffset -- it probes every 512-byte offset instead of every
// page-sized one. Used only when the aligned pass finds nothing.
func scanStripeUnaligned(ctx context.Context, stripes *stripe.StripeSet, stripeIndex int, start int64, opts ScanOptions, idx *PageIndex) error {
	size := stripes.Size(stripeIndex)
	const probeAlign = 512

	for pos := start; pos+PageHeaderSize <= size; pos += probeAlign {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		readLen := int64(PageSize)
		if pos+readLen > size {
			readLen = size - pos
		}
		if readLen < PageHeaderSize {
			break
		}

		raw, err := stripes.ReadAt(stripeIndex, pos, int(readLen))
		if err != nil {
			return err
		}
		if opts.Compressed && xpress.IsCompressed(raw) {
			// compressed streams cannot be probed byte-by-byte, since a
			// valid-looking header at an arbitrary offset inside the
			// compressed block means nothing; give up the fallback here.
			break
		}

		hdr := ParsePageHeader(raw)
		if !IsPlausibleCandidate(hdr) {
			continue
		}
		key := MakePageKey(int32(hdr.ThisFile), int32(hdr.ThisPage))
		idx.AddEntry(key, PageIndexEntry{
			StripeIndex: uint8(stripeIndex),
			PageType:    PageType(hdr.Type),
			ObjectID:    hdr.ObjID,
			FileOffset:  pos,
		})
	}
	return nil
}

// scanStripe runs the aligned pass over one stripe and returns how many
// candidate pages it added, so the caller can decide whether this stripe
// needs the 512-byte fallback pass.
func scanStripe(ctx context.Context, stripes *stripe.StripeSet, stripeIndex int, start int64, opts ScanOptions, idx *PageIndex) (int, error) {
	size := stripes.Size(stripeIndex)
	scratch := make([]byte, 0, scanChunkSize*scratchFactor)
	found := 0

	pos := start
	// align to an 8 KiB page boundary; if nothing is found there the
	// caller's retry-at-512 pass (see Build) takes over.
	if rem := pos % PageSize; rem != 0 {
		pos += PageSize - rem
	}

	for pos < size {
		select {
		case <-ctx.Done():
			return found, ctx.Err()
		default:
		}

		readLen := int64(scanChunkSize)
		if pos+readLen > size {
			readLen = size - pos
		}
		if readLen < PageSize {
			break
		}

		raw, err := stripes.ReadAt(stripeIndex, pos, int(readLen))
		if err != nil {
			return found, err
		}

		chunk := raw
		if opts.Compressed && xpress.IsCompressed(raw) {
			want := xpress.ExpectedDecompressedSize(raw)
			if cap(scratch) < want {
				scratch = make([]byte, want)
			} else {
				scratch = scratch[:want]
			}
			n := xpress.DecompressInto(raw, scratch)
			if n == 0 {
				logger.Debugf("pageidx: stripe %d offset %d: decompression failed, skipping chunk", stripeIndex, pos)
				pos += readLen
				continue
			}
			chunk = scratch[:n]
		}

		// When compressed, chunk is the decompressed scratch buffer but pos
		// is that buffer's *compressed* origin in the stripe file -- offsets
		// inside chunk are not valid seek targets there. Record every page
		// found in this chunk against the chunk's own start offset instead
		// of chunkOffset+off, so a later re-read knows to re-decompress the
		// whole chunk from pos and locate the page inside it by key, rather
		// than seeking directly to a byte range that only exists once
		// inflated.
		found += scanChunkForPages(chunk, stripeIndex, pos, opts.Compressed, idx)

		if opts.Progress != nil {
			opts.Progress(int64(len(raw)))
		}
		pos += readLen
	}

	return found, nil
}

// scanChunkForPages walks chunk in PageSize windows looking for plausible
// headers, recording each as a page-key'd entry. chunk is assumed to start
// at file offset chunkOffset within stripeIndex when compressed is false.
// When compressed is true, chunkOffset is instead the raw (still-coded)
// start of the 64 KiB block chunk was inflated from, and every page found
// inside chunk shares that single FileOffset: a later reader must
// re-decompress the block starting at FileOffset and find the page by key,
// since decompressed offsets don't correspond to raw file positions.
func scanChunkForPages(chunk []byte, stripeIndex int, chunkOffset int64, compressed bool, idx *PageIndex) int {
	added := 0
	for off := 0; off+PageHeaderSize <= len(chunk); off += PageSize {
		hdr := ParsePageHeader(chunk[off:])
		if !IsPlausibleCandidate(hdr) {
			continue
		}

		fileOffset := chunkOffset
		if !compressed {
			fileOffset += int64(off)
		}

		key := MakePageKey(int32(hdr.ThisFile), int32(hdr.ThisPage))
		idx.AddEntry(key, PageIndexEntry{
			StripeIndex: uint8(stripeIndex),
			PageType:    PageType(hdr.Type),
			ObjectID:    hdr.ObjID,
			FileOffset:  fileOffset,
		})
		added++
	}
	return added
}
