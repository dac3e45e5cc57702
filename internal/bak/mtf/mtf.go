// Package mtf walks the Microsoft Tape Format descriptor blocks that wrap
// a SQL Server backup stream and recovers the backup-set metadata plus the
// file offset where the 8 KiB page region begins.
package mtf

import (
	"encoding/binary"
	"unicode/utf16"

	"github.com/zhukovaskychina/bakread/internal/bak/stripe"
	"github.com/zhukovaskychina/bakread/logger"
)

// Block-type signatures, read as a little-endian 32-bit word from the
// first four bytes of a 512-byte-aligned probe.
const (
	sigTAPE = 0x45504154
	sigSSET = 0x54455353
	sigVOLB = 0x424C4F56
	sigDIRB = 0x42524944
	sigFILE = 0x454C4946
	sigESET = 0x54455345
	sigEOTM = 0x4D544F45
	sigSFMB = 0x424D4653
	sigCFIL = 0x4C494643
	sigESPB = 0x42505345
	sigMSCI = 0x4943534D
	sigMSDA = 0x4144534D
)

var signatureNames = map[uint32]string{
	sigTAPE: "TAPE",
	sigSSET: "SSET",
	sigVOLB: "VOLB",
	sigDIRB: "DIRB",
	sigFILE: "FILE",
	sigESET: "ESET",
	sigEOTM: "EOTM",
	sigSFMB: "SFMB",
	sigCFIL: "CFIL",
	sigESPB: "ESPB",
	sigMSCI: "MSCI",
	sigMSDA: "MSDA",
}

func isMTFSignature(dw uint32) bool {
	_, ok := signatureNames[dw]
	return ok
}

const (
	scanAlign    = 512
	scanLimit    = 64 * 1024 * 1024
	gapThreshold = 256 * 1024
	pageSize     = 8192
)

// BackupType mirrors the original's tri-state backup classification; only
// Full is produced by anything other than a best-effort fallback guess,
// since the core only supports full-database backups per spec.md §1.
type BackupType uint8

const (
	BackupTypeUnknown BackupType = iota
	BackupTypeFull
	BackupTypeDifferential
	BackupTypeLog
)

// BackupSetInfo is the recovered metadata for one dataset within the
// backup stream.
type BackupSetInfo struct {
	Position            int32
	DatabaseName        string
	ServerName          string
	BackupType          BackupType
	CompatibilityLevel  int32
	IsCompressed        bool
	IsEncrypted         bool
	IsTDE               bool
	SoftwareMajor       int32
	SoftwareMinor       int32
}

// BackupFileInfo describes one physical/logical file recorded in a
// FILE/CFIL block, supplementing the distilled spec with the file-list
// surface the original implementation exposes.
type BackupFileInfo struct {
	LogicalName  string
	PhysicalName string
	FileType     byte // 'D' = data, 'L' = log
	Size         int64
	FileID       int32
}

// BackupInfo is the best-effort result of parsing the backup header.
type BackupInfo struct {
	BackupSets      []BackupSetInfo
	FileList        []BackupFileInfo
	DataStartOffset int64
}

// Parser walks stripe 0 sequentially looking for MTF descriptor blocks.
// It never multi-threads against the stripe, per spec.md §4.1/§4.2.
type Parser struct {
	stripes *stripe.StripeSet
	info    BackupInfo
}

// New constructs a Parser bound to the given stripe set. Only stripe 0 is
// ever read — the MTF header region always lives at the start of the
// first stripe file.
func New(stripes *stripe.StripeSet) *Parser {
	return &Parser{stripes: stripes}
}

type blockLoc struct {
	offset int64
	sig    uint32
}

// Parse never returns an error for structural failure: on any malformed
// or missing header it logs a warning and returns a best-effort BackupInfo
// (possibly with an empty database name and DataStartOffset defaulting to
// 0), matching spec.md §4.2's contract. Callers detect "empty backup-sets"
// and abort.
func (p *Parser) Parse() BackupInfo {
	logger.Infof("mtf: scanning backup header for descriptor blocks")

	scanEnd := p.stripes.Size(0)
	if scanEnd > scanLimit {
		scanEnd = scanLimit
	}

	var blocks []blockLoc
	var gapSinceLastBlock int64

	for pos := int64(0); pos < scanEnd; pos += scanAlign {
		buf, err := p.stripes.ReadAt(0, pos, 4)
		if err != nil || len(buf) < 4 {
			break
		}
		sig := binary.LittleEndian.Uint32(buf)
		if isMTFSignature(sig) {
			blocks = append(blocks, blockLoc{offset: pos, sig: sig})
			gapSinceLastBlock = 0
			logger.Debugf("mtf: block %s at offset %d", signatureNames[sig], pos)
		} else {
			gapSinceLastBlock += scanAlign
			if gapSinceLastBlock > gapThreshold && len(blocks) >= 2 {
				break
			}
		}
	}

	if len(blocks) == 0 {
		logger.Warnf("mtf: no MTF block signatures found in first %d bytes", scanLimit)
	}

	for i, b := range blocks {
		blkEnd := scanEnd
		if i+1 < len(blocks) {
			blkEnd = blocks[i+1].offset
		} else if b.offset+65536 < blkEnd {
			blkEnd = b.offset + 65536
		}
		blkLen := int(blkEnd - b.offset)
		if blkLen <= 0 {
			continue
		}

		switch b.sig {
		case sigSSET:
			data, err := p.stripes.ReadAt(0, b.offset, blkLen)
			if err == nil {
				p.parseSSETBlock(data)
			}
		case sigFILE, sigCFIL, sigDIRB:
			data, err := p.stripes.ReadAt(0, b.offset, blkLen)
			if err == nil {
				p.parseFileBlock(data)
			}
		}
	}

	if len(p.info.BackupSets) == 0 {
		logger.Warnf("mtf: could not parse structured backup header; metadata will be incomplete")
		p.info.BackupSets = append(p.info.BackupSets, BackupSetInfo{
			Position:   1,
			BackupType: BackupTypeFull,
		})
	}

	if len(blocks) > 0 {
		last := blocks[len(blocks)-1].offset
		p.info.DataStartOffset = roundUpToPageSize(last)
	} else {
		p.info.DataStartOffset = 0
	}

	logger.Infof("mtf: header parsing complete, %d backup set(s), %d file(s), data starts at %d",
		len(p.info.BackupSets), len(p.info.FileList), p.info.DataStartOffset)

	return p.info
}

func roundUpToPageSize(offset int64) int64 {
	if offset%pageSize == 0 {
		return offset
	}
	return (offset/pageSize + 1) * pageSize
}

var backupDescSuffixes = []string{
	"-Full Database Backup",
	"-Differential Database Backup",
	"-Transaction Log Backup",
}

// parseSSETBlock extracts the compression flag and attempts to recover the
// database name from a UTF-16LE backup-description string embedded in the
// block, per spec.md §4.2 step 4.
func (p *Parser) parseSSETBlock(data []byte) {
	if len(data) < 64 {
		return
	}

	bsi := BackupSetInfo{
		Position:   1,
		BackupType: BackupTypeFull,
	}
	if len(data) >= 8 {
		bsi.IsCompressed = binary.LittleEndian.Uint32(data[4:8]) != 0
	}

	name := findPlausibleUTF16String(data, 8, backupDescSuffixes)
	bsi.DatabaseName = name

	if len(p.info.BackupSets) == 0 || p.info.BackupSets[len(p.info.BackupSets)-1].Position != bsi.Position {
		p.info.BackupSets = append(p.info.BackupSets, bsi)
	} else if bsi.DatabaseName != "" && p.info.BackupSets[len(p.info.BackupSets)-1].DatabaseName == "" {
		p.info.BackupSets[len(p.info.BackupSets)-1].DatabaseName = bsi.DatabaseName
	}
}

// parseFileBlock surfaces FILE/CFIL/DIRB block bytes into BackupFileInfo
// entries. This supplements the distillation (original_source exposes a
// file list; spec.md does not name any invariant over it) purely as a
// diagnostic surface: only LogicalName (the first plausible UTF-16LE run)
// and FileType 'D' are filled in, and nothing in extract reads the list.
func (p *Parser) parseFileBlock(data []byte) {
	if len(data) < 32 {
		return
	}
	name := findPlausibleUTF16String(data, 0, nil)
	if name == "" {
		return
	}
	p.info.FileList = append(p.info.FileList, BackupFileInfo{
		LogicalName: name,
		FileType:    'D',
	})
}

// findPlausibleUTF16String scans data from startOffset for the first run of
// UTF-16LE code units satisfying the plausibility rules from spec.md §4.2 /
// §9: length 2-256 bytes (decoded), ≥75% ASCII-printable. If suffixes is
// non-empty and a decoded candidate ends with one of them, only the prefix
// before the suffix is returned; otherwise the first plausible candidate is
// returned verbatim.
func findPlausibleUTF16String(data []byte, startOffset int, suffixes []string) string {
	for off := startOffset; off+6 < len(data); off += 2 {
		ok := true
		for k := 0; k < 3 && ok; k++ {
			lo := data[off+k*2]
			hi := data[off+k*2+1]
			if hi != 0x00 || lo < 0x20 || lo >= 0x7F {
				ok = false
			}
		}
		if !ok {
			continue
		}

		strEnd := off
		for strEnd+1 < len(data) && strEnd-off < 1024 {
			if data[strEnd] == 0x00 && data[strEnd+1] == 0x00 {
				break
			}
			strEnd += 2
		}
		strLen := strEnd - off
		if strLen < 4 {
			continue
		}

		if !isPlausibleUTF16Run(data[off:strEnd]) {
			continue
		}

		candidate := utf16LEToUTF8(data[off:strEnd])
		if candidate == "" {
			continue
		}

		for _, suffix := range suffixes {
			if idx := indexOfSuffix(candidate, suffix); idx > 0 {
				return candidate[:idx]
			}
		}

		if len(suffixes) == 0 || len(candidate) <= 128 {
			return candidate
		}
	}
	return ""
}

func indexOfSuffix(s, suffix string) int {
	if len(suffix) > len(s) {
		return -1
	}
	idx := len(s) - len(suffix)
	if s[idx:] == suffix {
		return idx
	}
	return -1
}

// isPlausibleUTF16Run implements the ≥2 char, ≤128 char, ≥75% ASCII
// printable, no embedded control-character rule from spec.md §9.
func isPlausibleUTF16Run(data []byte) bool {
	charCount := 0
	asciiPrintable := 0

	for i := 0; i+1 < len(data); i += 2 {
		ch := uint16(data[i]) | uint16(data[i+1])<<8
		if ch == 0 {
			break
		}
		charCount++
		if ch >= 0x20 && ch < 0x7F {
			asciiPrintable++
		} else if ch < 0x20 {
			return false
		}
	}

	if charCount < 2 || charCount > 128 {
		return false
	}
	return asciiPrintable*4 >= charCount*3
}

func utf16LEToUTF8(data []byte) string {
	units := make([]uint16, 0, len(data)/2)
	for i := 0; i+1 < len(data); i += 2 {
		ch := uint16(data[i]) | uint16(data[i+1])<<8
		if ch == 0 {
			break
		}
		units = append(units, ch)
	}
	return string(utf16.Decode(units))
}
