package record

import (
	"encoding/binary"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

var epoch0001 = time.Date(1, time.January, 1, 0, 0, 0, 0, time.UTC)

func daysSinceSqlEpoch(t time.Time) int {
	return int((t.Unix() - epoch0001.Unix()) / 86400)
}

func TestDecodeDateRoundTrips(t *testing.T) {
	target := time.Date(2024, time.March, 15, 0, 0, 0, 0, time.UTC)
	days := uint32(daysSinceSqlEpoch(target))

	data := []byte{byte(days), byte(days >> 8), byte(days >> 16)}
	got := decodeDate(data)

	assert.Equal(t, target, got)
}

func TestDecodeDateTimeRoundTrips(t *testing.T) {
	base := time.Date(1900, time.January, 1, 0, 0, 0, 0, time.UTC)
	target := time.Date(2001, time.June, 10, 13, 45, 30, 0, time.UTC)
	days := int32(target.Sub(base).Hours() / 24)

	secondsIntoDay := target.Hour()*3600 + target.Minute()*60 + target.Second()
	ticks := int32(secondsIntoDay * 300)

	data := make([]byte, 8)
	binary.LittleEndian.PutUint32(data[0:4], uint32(days))
	binary.LittleEndian.PutUint32(data[4:8], uint32(ticks))

	got := decodeDateTime(data)
	assert.Equal(t, target, got)
}

func TestDecodeSmallDateTimeRoundTrips(t *testing.T) {
	base := time.Date(1900, time.January, 1, 0, 0, 0, 0, time.UTC)
	target := time.Date(1950, time.August, 2, 9, 15, 0, 0, time.UTC)
	days := uint16(target.Sub(base).Hours() / 24)
	minutes := uint16(target.Hour()*60 + target.Minute())

	data := make([]byte, 4)
	binary.LittleEndian.PutUint16(data[0:2], days)
	binary.LittleEndian.PutUint16(data[2:4], minutes)

	got := decodeSmallDateTime(data)
	assert.Equal(t, target, got)
}

func TestDecodeDateTime2RoundTripsAtScaleSeven(t *testing.T) {
	target := time.Date(2030, time.December, 31, 23, 59, 58, 500000000, time.UTC)
	days := uint32(daysSinceSqlEpoch(time.Date(2030, time.December, 31, 0, 0, 0, 0, time.UTC)))

	secondsIntoDay := target.Hour()*3600 + target.Minute()*60 + target.Second()
	ticks := uint64(secondsIntoDay)*10000000 + uint64(target.Nanosecond())/100

	data := make([]byte, 8)
	binary.LittleEndian.PutUint64(data[0:8], ticks) // low 5 bytes read by timeBytesForScale(7)
	dateBytes := []byte{byte(days), byte(days >> 8), byte(days >> 16)}
	rec := append(data[:5], dateBytes...)

	got := decodeDateTime2(rec, 7)
	assert.Equal(t, target, got)
}

func TestDecodeTimeOfDayRoundTrips(t *testing.T) {
	data := []byte{0, 0, 0} // midnight, scale 0
	got := decodeTimeOfDay(data, 0)
	assert.Equal(t, time.Duration(0), got)

	secondsIntoDay := 12*3600 + 30*60 + 15
	ticks := uint32(secondsIntoDay)
	data2 := []byte{byte(ticks), byte(ticks >> 8), byte(ticks >> 16)}
	got2 := decodeTimeOfDay(data2, 0)
	assert.Equal(t, time.Duration(secondsIntoDay)*time.Second, got2)
}

func TestDecodeDateTimeOffsetAppliesZoneMinutes(t *testing.T) {
	days := uint32(daysSinceSqlEpoch(time.Date(2020, time.January, 1, 0, 0, 0, 0, time.UTC)))
	secondsIntoDay := 8*3600 + 0*60 + 0
	ticks := uint32(secondsIntoDay) // scale 0 -> 3 time bytes

	data := make([]byte, 3+3+2)
	data[0], data[1], data[2] = byte(ticks), byte(ticks>>8), byte(ticks>>16)
	data[3], data[4], data[5] = byte(days), byte(days>>8), byte(days>>16)
	zoneMinutes := int16(-300)
	binary.LittleEndian.PutUint16(data[6:8], uint16(zoneMinutes)) // UTC-05:00

	got := decodeDateTimeOffset(data, 0)

	assert.Equal(t, 2020, got.Year())
	assert.Equal(t, time.January, got.Month())
	assert.Equal(t, 1, got.Day())
	assert.Equal(t, 8, got.Hour())
	_, offset := got.Zone()
	assert.Equal(t, -300*60, offset)
}
