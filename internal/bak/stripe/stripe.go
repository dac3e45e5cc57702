// Package stripe presents an ordered sequence of backup stripe files as a
// single positioned byte source, with per-file seeking and a thread-safe
// random-access read.
package stripe

import (
	"os"
	"sync"

	"github.com/zhukovaskychina/bakread/internal/bak/bakerrors"
)

// file is one stripe: a handle plus the mutex that serializes the logical
// cursor used by Peek. ReadAt itself uses pread (os.File.ReadAt) and does
// not take the mutex, so the mutex serializes Peek calls only; a
// concurrent ReadAt on the same stripe is not blocked by it.
type file struct {
	path   string
	handle *os.File
	size   int64
	cursor int64
	mu     sync.Mutex
}

// StripeSet is a random-access view over N ordered stripe files forming one
// logical backup stream.
type StripeSet struct {
	files []*file
}

// Open opens every path for read, probing file size up front. It fails
// with bakerrors.KindFileIO if any path is missing, unreadable, or empty.
func Open(paths []string) (*StripeSet, error) {
	if len(paths) == 0 {
		return nil, bakerrors.New(bakerrors.KindFileIO, "no stripe paths given")
	}

	files := make([]*file, 0, len(paths))
	for _, p := range paths {
		info, err := os.Stat(p)
		if err != nil {
			return nil, bakerrors.Wrapf(bakerrors.KindFileIO, err, "stat stripe %s", p)
		}
		if info.Size() == 0 {
			return nil, bakerrors.Newf(bakerrors.KindFileIO, "stripe %s is empty", p)
		}

		h, err := os.Open(p)
		if err != nil {
			return nil, bakerrors.Wrapf(bakerrors.KindFileIO, err, "open stripe %s", p)
		}

		files = append(files, &file{path: p, handle: h, size: info.Size()})
	}

	return &StripeSet{files: files}, nil
}

// Close releases every stripe handle.
func (s *StripeSet) Close() error {
	var firstErr error
	for _, f := range s.files {
		if err := f.handle.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// NumStripes returns the number of open stripes.
func (s *StripeSet) NumStripes() int {
	return len(s.files)
}

// Size returns the byte size of stripe i.
func (s *StripeSet) Size(stripeIndex int) int64 {
	if stripeIndex < 0 || stripeIndex >= len(s.files) {
		return 0
	}
	return s.files[stripeIndex].size
}

// Path returns the filesystem path of stripe i.
func (s *StripeSet) Path(stripeIndex int) string {
	if stripeIndex < 0 || stripeIndex >= len(s.files) {
		return ""
	}
	return s.files[stripeIndex].path
}

// ReadAt performs a positioned read from stripe stripeIndex at offset.
// Reads that run past end-of-file return a short, non-nil slice and a nil
// error — never an error — matching the stripe reader's "no implicit
// retry, no surprise EOF" contract; the orchestrator decides what a short
// read means.
func (s *StripeSet) ReadAt(stripeIndex int, offset int64, n int) ([]byte, error) {
	if stripeIndex < 0 || stripeIndex >= len(s.files) {
		return nil, bakerrors.Newf(bakerrors.KindFileIO, "stripe index %d out of range", stripeIndex)
	}
	if n <= 0 {
		return nil, nil
	}

	f := s.files[stripeIndex]
	buf := make([]byte, n)
	read, err := f.handle.ReadAt(buf, offset)
	if read < n {
		buf = buf[:read]
	}
	if err != nil && read == 0 {
		// A genuine I/O error (not plain io.EOF with partial data) is
		// still surfaced; io.EOF itself is swallowed since a short read
		// is the documented, expected outcome at end-of-file.
		if err.Error() != "EOF" {
			return buf, bakerrors.Wrapf(bakerrors.KindFileIO, err, "read stripe %d at %d", stripeIndex, offset)
		}
	}
	return buf, nil
}

// Peek reads n bytes of stripe 0 at offset and, on success, moves the
// stripe's cursor to the end of what was read. Used only by the MTF framer, which per the concurrency model
// never multi-threads against a stripe.
func (s *StripeSet) Peek(offset int64, n int) ([]byte, error) {
	if len(s.files) == 0 {
		return nil, bakerrors.New(bakerrors.KindFileIO, "no stripes open")
	}
	f := s.files[0]

	f.mu.Lock()
	defer f.mu.Unlock()

	buf, err := s.ReadAt(0, offset, n)
	if err == nil {
		f.cursor = offset + int64(len(buf))
	}
	return buf, err
}

// TotalSize returns the sum of every stripe's byte size, used as the
// denominator for progress reporting.
func (s *StripeSet) TotalSize() int64 {
	var total int64
	for _, f := range s.files {
		total += f.size
	}
	return total
}

// ProgressFraction reports bytesDone / total size across all stripes,
// clamped to [0, 1].
func (s *StripeSet) ProgressFraction(bytesDone int64) float64 {
	total := s.TotalSize()
	if total <= 0 {
		return 0
	}
	frac := float64(bytesDone) / float64(total)
	if frac < 0 {
		return 0
	}
	if frac > 1 {
		return 1
	}
	return frac
}
