package record

import (
	"encoding/binary"
	"time"
)

// daysToYMD turns a day count since 0001-01-01 into a (year, month, day)
// triple using Howard Hinnant's proleptic-Gregorian algorithm: shift the
// epoch to 0000-03-01 so that leap days fall at the end of each
// 400/100/4-year cycle instead of inside February.
func daysToYMD(days int) (year int, month time.Month, day int) {
	days += 306
	var era int
	if days >= 0 {
		era = days / 146097
	} else {
		era = (days - 146096) / 146097
	}
	doe := days - era*146097
	yoe := (doe - doe/1460 + doe/36524 - doe/146096) / 365
	y := yoe + era*400
	doy := doe - (365*yoe + yoe/4 - yoe/100)
	mp := (5*doy + 2) / 153
	d := doy - (153*mp+2)/5 + 1
	m := mp + 3
	if mp >= 10 {
		m = mp - 9
	}
	if m <= 2 {
		y++
	}
	return y, time.Month(m), d
}

var timeScaleDenominators = [8]int64{1, 10, 100, 1000, 10000, 100000, 1000000, 10000000}

func timeBytesForScale(scale uint8) int {
	switch {
	case scale <= 2:
		return 3
	case scale <= 4:
		return 4
	default:
		return 5
	}
}

func readUint40LE(data []byte, n int) uint64 {
	var v uint64
	for i := n - 1; i >= 0; i-- {
		v = v<<8 | uint64(data[i])
	}
	return v
}

// decodeDate reconstructs a DATE column: 3 bytes, little-endian, days
// since 0001-01-01.
func decodeDate(data []byte) time.Time {
	dateVal := uint32(data[0]) | uint32(data[1])<<8 | uint32(data[2])<<16
	y, m, d := daysToYMD(int(dateVal))
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// decodeDateTime reconstructs a DATETIME: 4 bytes of days since
// 1900-01-01, then 4 bytes of 1/300-second ticks since midnight.
func decodeDateTime(data []byte) time.Time {
	days := int32(binary.LittleEndian.Uint32(data[0:4]))
	ticks := int32(binary.LittleEndian.Uint32(data[4:8]))

	base := time.Date(1900, time.January, 1, 0, 0, 0, 0, time.UTC)
	totalSeconds := ticks / 300
	millis := (ticks % 300) * 10 / 3
	return base.AddDate(0, 0, int(days)).
		Add(time.Duration(totalSeconds) * time.Second).
		Add(time.Duration(millis) * time.Millisecond)
}

// decodeSmallDateTime reconstructs a SMALLDATETIME: 2 bytes of days since
// 1900-01-01, then 2 bytes of minutes since midnight.
func decodeSmallDateTime(data []byte) time.Time {
	days := binary.LittleEndian.Uint16(data[0:2])
	minutes := binary.LittleEndian.Uint16(data[2:4])

	base := time.Date(1900, time.January, 1, 0, 0, 0, 0, time.UTC)
	return base.AddDate(0, 0, int(days)).Add(time.Duration(minutes) * time.Minute)
}

// decodeDateTime2 reconstructs a DATETIME2: the first timeBytesForScale(scale)
// bytes hold fractional-second ticks since midnight, the trailing 3 bytes
// hold the date as days since 0001-01-01.
func decodeDateTime2(data []byte, scale uint8) time.Time {
	if scale > 7 {
		scale = 7
	}
	tb := timeBytesForScale(scale)
	if len(data) < tb+3 {
		return time.Time{}
	}

	timeVal := readUint40LE(data[:tb], tb)
	dateVal := uint32(data[tb]) | uint32(data[tb+1])<<8 | uint32(data[tb+2])<<16

	y, m, d := daysToYMD(int(dateVal))
	ticksPerSec := timeScaleDenominators[scale]
	totalSecs := int64(timeVal) / ticksPerSec
	frac := int64(timeVal) % ticksPerSec

	hours := totalSecs / 3600
	minutes := (totalSecs % 3600) / 60
	seconds := totalSecs % 60
	nanos := frac * (1000000000 / ticksPerSec)

	return time.Date(y, m, d, int(hours), int(minutes), int(seconds), int(nanos), time.UTC)
}

// decodeTimeOfDay reconstructs a TIME column as a Duration since midnight.
func decodeTimeOfDay(data []byte, scale uint8) time.Duration {
	if scale > 7 {
		scale = 7
	}
	tb := timeBytesForScale(scale)
	if len(data) < tb {
		return 0
	}

	timeVal := readUint40LE(data[:tb], tb)
	ticksPerSec := timeScaleDenominators[scale]
	nanosPerTick := int64(1000000000 / ticksPerSec)
	return time.Duration(int64(timeVal)*nanosPerTick) * time.Nanosecond
}

// decodeDateTimeOffset reconstructs a DATETIMEOFFSET: a DATETIME2 payload
// followed by a 2-byte signed offset in minutes from UTC.
func decodeDateTimeOffset(data []byte, scale uint8) time.Time {
	if scale > 7 {
		scale = 7
	}
	tb := timeBytesForScale(scale)
	if len(data) < tb+3+2 {
		return time.Time{}
	}

	local := decodeDateTime2(data[:tb+3], scale)
	tzOffsetMinutes := int16(binary.LittleEndian.Uint16(data[tb+3 : tb+5]))
	zone := time.FixedZone("", int(tzOffsetMinutes)*60)

	return time.Date(local.Year(), local.Month(), local.Day(),
		local.Hour(), local.Minute(), local.Second(), local.Nanosecond(), zone)
}
