package pageidx

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"io"
	"os"
	"sort"

	"github.com/OneOfOne/xxhash"
	"github.com/pierrec/lz4/v4"
	"github.com/pkg/errors"

	"github.com/zhukovaskychina/bakread/internal/bak/bakerrors"
	"github.com/zhukovaskychina/bakread/logger"
)

const (
	sidecarMagic      = "BAKRIDX\x00"
	sidecarHeaderSize = 64
	sidecarVersion    = 1

	// on-disk record = 8-byte key + 16-byte entry
	sidecarRecordSize = 8 + 16
)

// IndexFileHeader is the 64-byte header prefixing a sidecar file.
type IndexFileHeader struct {
	Version     uint32
	EntryCount  uint32
	TotalPages  uint64
	DataPages   uint64
	SystemPages uint64
	Compressed  bool
	Checksum    uint64 // xxhash64 of the (possibly compressed) entries region
}

// SidecarOptions controls optional additive features layered on top of the
// base binary format: LZ4 framing of the entries region and an xxhash64
// checksum recorded in the reserved header tail.
type SidecarOptions struct {
	LZ4Compress    bool
	WriteChecksum  bool
}

// SaveToFile serializes the index to path using the fixed-width binary
// sidecar format: a 64-byte header followed by 24-byte (key, entry)
// records. A temp-file-then-rename is used so a crash mid-write never
// leaves a half-written sidecar behind.
func SaveToFile(idx *PageIndex, path string, opts SidecarOptions) error {
	snap := idx.Snapshot()

	var entriesBuf bytes.Buffer
	keys := make([]int64, 0, len(snap))
	for k := range snap {
		keys = append(keys, k)
	}
	// deterministic ordering keeps repeated runs byte-identical, which
	// simplifies testing and diffing sidecars across re-scans.
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })

	var dataPages, systemPages uint64
	for _, k := range keys {
		e := snap[k]
		rec := make([]byte, sidecarRecordSize)
		binary.LittleEndian.PutUint64(rec[0:8], uint64(k))
		rec[8] = e.StripeIndex
		rec[9] = byte(e.PageType)
		// rec[10:12] reserved/padding, left zero
		binary.LittleEndian.PutUint32(rec[12:16], e.ObjectID)
		binary.LittleEndian.PutUint64(rec[16:24], uint64(e.FileOffset))
		entriesBuf.Write(rec)

		switch PageType(e.PageType) {
		case PageTypeData, PageTypeTextMix, PageTypeTextTree:
			dataPages++
		}
		if e.ObjectID != 0 && e.ObjectID < 100 {
			systemPages++
		}
	}

	payload := entriesBuf.Bytes()
	compressed := false
	if opts.LZ4Compress {
		compBuf := make([]byte, lz4.CompressBlockBound(len(payload)))
		var c lz4.Compressor
		n, err := c.CompressBlock(payload, compBuf)
		if err == nil && n > 0 && n < len(payload) {
			payload = compBuf[:n]
			compressed = true
		} else {
			logger.Debugf("pageidx: lz4 compression skipped (n=%d err=%v)", n, err)
		}
	}

	var checksum uint64
	if opts.WriteChecksum {
		checksum = xxhash.Checksum64(payload)
	}

	hdr := make([]byte, sidecarHeaderSize)
	copy(hdr[0:8], sidecarMagic)
	binary.LittleEndian.PutUint32(hdr[8:12], sidecarVersion)
	binary.LittleEndian.PutUint32(hdr[12:16], uint32(len(keys)))
	binary.LittleEndian.PutUint64(hdr[16:24], uint64(len(keys)))
	binary.LittleEndian.PutUint64(hdr[24:32], dataPages)
	binary.LittleEndian.PutUint64(hdr[32:40], systemPages)
	if compressed {
		hdr[40] = 1
	}
	binary.LittleEndian.PutUint64(hdr[48:56], checksum)
	binary.LittleEndian.PutUint32(hdr[56:60], uint32(len(payload)))

	tmpPath := path + ".tmp"
	f, err := os.Create(tmpPath)
	if err != nil {
		return bakerrors.Wrap(bakerrors.KindFileIO, err, "create sidecar temp file")
	}
	w := bufio.NewWriter(f)
	if _, err := w.Write(hdr); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return bakerrors.Wrap(bakerrors.KindFileIO, err, "write sidecar header")
	}
	if _, err := w.Write(payload); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return bakerrors.Wrap(bakerrors.KindFileIO, err, "write sidecar entries")
	}
	if err := w.Flush(); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return bakerrors.Wrap(bakerrors.KindFileIO, err, "flush sidecar writer")
	}
	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return bakerrors.Wrap(bakerrors.KindFileIO, err, "close sidecar temp file")
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return bakerrors.Wrap(bakerrors.KindFileIO, err, "rename sidecar into place")
	}

	logger.Infof("pageidx: wrote sidecar %s (%d entries, compressed=%v)", path, len(keys), compressed)
	return nil
}

// LoadFromFile reads a sidecar previously written by SaveToFile. A magic or
// version mismatch is not an error: the caller should treat it as "no
// usable sidecar" and re-scan, per spec.md §6's forward-compatibility rule.
func LoadFromFile(path string) (*PageIndex, bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, bakerrors.Wrap(bakerrors.KindFileIO, err, "read sidecar file")
	}
	if len(data) < sidecarHeaderSize {
		logger.Warnf("pageidx: sidecar %s too short, ignoring", path)
		return nil, false, nil
	}

	hdr := data[:sidecarHeaderSize]
	if string(hdr[0:8]) != sidecarMagic {
		logger.Debugf("pageidx: sidecar %s magic mismatch, ignoring", path)
		return nil, false, nil
	}
	version := binary.LittleEndian.Uint32(hdr[8:12])
	if version != sidecarVersion {
		logger.Debugf("pageidx: sidecar %s version %d unsupported, ignoring", path, version)
		return nil, false, nil
	}
	entryCount := binary.LittleEndian.Uint32(hdr[12:16])
	compressed := hdr[40] != 0
	wantChecksum := binary.LittleEndian.Uint64(hdr[48:56])
	payloadLen := binary.LittleEndian.Uint32(hdr[56:60])

	payload := data[sidecarHeaderSize:]
	if uint32(len(payload)) < payloadLen {
		return nil, false, bakerrors.New(bakerrors.KindFormat, "sidecar payload truncated")
	}
	payload = payload[:payloadLen]

	if wantChecksum != 0 {
		if got := xxhash.Checksum64(payload); got != wantChecksum {
			return nil, false, bakerrors.Newf(bakerrors.KindFormat, "sidecar checksum mismatch: want %x got %x", wantChecksum, got)
		}
	}

	if compressed {
		// decompressed size is unknown from the header alone; grow a
		// scratch buffer geometrically until lz4 stops returning
		// ErrInvalidSourceShortBuffer.
		out := make([]byte, len(payload)*4+sidecarRecordSize)
		for {
			n, err := lz4.UncompressBlock(payload, out)
			if err == nil {
				payload = out[:n]
				break
			}
			if errors.Is(err, lz4.ErrInvalidSourceShortBuffer) {
				out = make([]byte, len(out)*2)
				continue
			}
			return nil, false, bakerrors.Wrap(bakerrors.KindFormat, err, "lz4 decompress sidecar entries")
		}
	}

	if len(payload)%sidecarRecordSize != 0 {
		return nil, false, bakerrors.New(bakerrors.KindFormat, "sidecar entries region is not a multiple of the record size")
	}

	idx := NewPageIndex(int(entryCount))
	r := bytes.NewReader(payload)
	rec := make([]byte, sidecarRecordSize)
	for {
		_, err := io.ReadFull(r, rec)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, false, bakerrors.Wrap(bakerrors.KindFormat, err, "read sidecar record")
		}
		key := int64(binary.LittleEndian.Uint64(rec[0:8]))
		entry := PageIndexEntry{
			StripeIndex: rec[8],
			PageType:    PageType(rec[9]),
			ObjectID:    binary.LittleEndian.Uint32(rec[12:16]),
			FileOffset:  int64(binary.LittleEndian.Uint64(rec[16:24])),
		}
		idx.AddEntry(key, entry)
	}

	logger.Infof("pageidx: loaded sidecar %s (%d entries)", path, idx.Size())
	return idx, true, nil
}
