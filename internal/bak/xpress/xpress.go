// Package xpress decodes the LZXPRESS-variant compressed blocks SQL
// Server embeds in backup streams, falling back to DEFLATE and
// zlib-wrapped DEFLATE when the primary scheme fails.
package xpress

import (
	"bytes"
	"encoding/binary"
	"io"

	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/zlib"

	"github.com/zhukovaskychina/bakread/logger"
)

const compressMagic = 0xDAC0

const headerSize = 12

// BlockHeader is the 12-byte header prefixing a compressed block.
type BlockHeader struct {
	Magic            uint16
	HeaderSize       uint16
	CompressedSize   uint32
	UncompressedSize uint32
}

// IsCompressed reports whether data starts with a valid compressed-block
// header. A non-matching magic means the block should be treated as raw
// passthrough, per spec.md §4.3.
func IsCompressed(data []byte) bool {
	if len(data) < headerSize {
		return false
	}
	return binary.LittleEndian.Uint16(data) == compressMagic
}

func parseHeader(data []byte) BlockHeader {
	return BlockHeader{
		Magic:            binary.LittleEndian.Uint16(data[0:2]),
		HeaderSize:       binary.LittleEndian.Uint16(data[2:4]),
		CompressedSize:   binary.LittleEndian.Uint32(data[4:8]),
		UncompressedSize: binary.LittleEndian.Uint32(data[8:12]),
	}
}

// ExpectedDecompressedSize returns the uncompressed_size field of the
// block header, or len(data) if data is not a recognized compressed
// block.
func ExpectedDecompressedSize(data []byte) int {
	if !IsCompressed(data) {
		return len(data)
	}
	return int(parseHeader(data).UncompressedSize)
}

// Decompress returns the decompressed bytes of a block, or a copy of data
// verbatim if it carries no recognized compression header.
func Decompress(data []byte) []byte {
	if !IsCompressed(data) {
		out := make([]byte, len(data))
		copy(out, data)
		return out
	}

	hdr := parseHeader(data)
	dst := make([]byte, hdr.UncompressedSize)
	n := DecompressInto(data, dst)
	return dst[:n]
}

// DecompressInto decompresses src into dst, returning the number of bytes
// written. A return value of 0 means every decoder failed and the caller
// should treat this chunk as unparseable, per spec.md §4.3.
func DecompressInto(src []byte, dst []byte) int {
	if !IsCompressed(src) {
		n := copy(dst, src)
		return n
	}

	hdr := parseHeader(src)
	if int(hdr.HeaderSize) > len(src) {
		return 0
	}
	payload := src[hdr.HeaderSize:]
	payloadLen := len(payload)
	if payloadLen < int(hdr.CompressedSize) {
		logger.Warnf("xpress: compressed block payload truncated: expected %d, got %d",
			hdr.CompressedSize, payloadLen)
	} else {
		payload = payload[:hdr.CompressedSize]
	}

	if n := decompressSQLServerLZ(payload, dst); n > 0 {
		return n
	}
	if n := decompressRawDeflate(payload, dst); n > 0 {
		return n
	}
	if n := decompressZlib(payload, dst); n > 0 {
		return n
	}

	logger.Errorf("xpress: all decompression methods failed (compressed=%d, uncompressed=%d)",
		hdr.CompressedSize, hdr.UncompressedSize)
	return 0
}

// decompressSQLServerLZ implements the LZXPRESS-plain variant described in
// spec.md §4.3: 32-bit flag groups of 32 items, 16-bit match descriptors
// with an extended-length escalation chain, and a byte-by-byte
// self-overlapping copy loop — never a bulk copy, since each output byte
// must observe every prior write within the same match.
func decompressSQLServerLZ(src []byte, dst []byte) int {
	if len(src) < 4 {
		return 0
	}

	si := 0
	di := 0
	srcLen := len(src)
	dstCap := len(dst)

	for si < srcLen && di < dstCap {
		if si+4 > srcLen {
			break
		}
		flags := binary.LittleEndian.Uint32(src[si:])
		si += 4

		for bit := 0; bit < 32 && si < srcLen && di < dstCap; bit++ {
			if flags&(1<<uint(bit)) == 0 {
				dst[di] = src[si]
				di++
				si++
				continue
			}

			if si+2 > srcLen {
				return di
			}
			matchInfo := binary.LittleEndian.Uint16(src[si:])
			si += 2

			matchOffset := uint32(matchInfo>>3) + 1
			matchLength := uint32(matchInfo&0x07) + 3

			if matchInfo&0x07 == 0x07 {
				if si >= srcLen {
					return di
				}
				extra := src[si]
				si++
				matchLength = uint32(extra) + 10

				if extra == 0xFF {
					if si+2 > srcLen {
						return di
					}
					ext16 := binary.LittleEndian.Uint16(src[si:])
					si += 2
					matchLength = uint32(ext16)
					if matchLength == 0 {
						if si+4 > srcLen {
							return di
						}
						ext32 := binary.LittleEndian.Uint32(src[si:])
						si += 4
						matchLength = ext32
					}
				}
			}

			if matchOffset > uint32(di) {
				logger.Debugf("xpress: LZ match offset %d exceeds output position %d", matchOffset, di)
				return 0
			}

			for j := uint32(0); j < matchLength && di < dstCap; j++ {
				dst[di] = dst[di-int(matchOffset)]
				di++
			}
		}
	}

	return di
}

func decompressRawDeflate(src []byte, dst []byte) int {
	r := flate.NewReader(bytes.NewReader(src))
	defer r.Close()
	n, err := io.ReadFull(r, dst)
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return 0
	}
	return n
}

func decompressZlib(src []byte, dst []byte) int {
	r, err := zlib.NewReader(bytes.NewReader(src))
	if err != nil {
		return 0
	}
	defer r.Close()
	n, err := io.ReadFull(r, dst)
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return 0
	}
	return n
}
