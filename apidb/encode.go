package apidb

import (
	"fmt"
	"math"
	"strings"
)

// CoordinateScale converts WGS84 degrees to the fixed-precision
// integer representation of the API database.
const CoordinateScale = 10000000

const (
	maxScaledLat  = 90 * CoordinateScale
	maxScaledLong = 180 * CoordinateScale
)

// RangeError reports a coordinate outside its legal encoded range.
type RangeError struct {
	Name  string
	Value float64
}

func (e *RangeError) Error() string {
	return fmt.Sprintf("%s %f outside of valid range", e.Name, e.Value)
}

// ScaleLat converts a latitude to the scaled integer representation.
func ScaleLat(lat float64) (int64, error) {
	v := scaleCoord(lat)
	if v < -maxScaledLat || v > maxScaledLat {
		return 0, &RangeError{"latitude", lat}
	}
	return v, nil
}

// ScaleLong converts a longitude to the scaled integer representation.
func ScaleLong(long float64) (int64, error) {
	v := scaleCoord(long)
	if v < -maxScaledLong || v > maxScaledLong {
		return 0, &RangeError{"longitude", long}
	}
	return v, nil
}

// ScaleClamped converts a changeset extent coordinate without a range
// check. Extents are built from already validated node coordinates.
func ScaleClamped(deg float64) int64 {
	return scaleCoord(deg)
}

func scaleCoord(deg float64) int64 {
	return int64(math.Round(deg * CoordinateScale))
}

// TileForPoint returns the QuadTile index stored alongside each node.
// Latitude and longitude are scaled to 16 bit and their bits
// interleaved, longitude first.
func TileForPoint(lat, long float64) int64 {
	lonInt := uint32(math.Round((long + 180) * 65535 / 360))
	latInt := uint32(math.Round((lat + 90) * 65535 / 180))

	var tile uint32
	for i := 15; i >= 0; i-- {
		tile = (tile << 1) | ((lonInt >> uint(i)) & 1)
		tile = (tile << 1) | ((latInt >> uint(i)) & 1)
	}
	return int64(tile)
}

var copyEscaper = strings.NewReplacer(
	"\\", `\\`,
	"\b", `\b`,
	"\t", `\t`,
	"\n", `\n`,
	"\v", `\v`,
	"\f", `\f`,
	"\r", `\r`,
)

// EscapeString escapes a text value for a COPY data row. See
// https://www.postgresql.org/docs/current/sql-copy.html for the
// escape scheme.
func EscapeString(s string) string {
	return copyEscaper.Replace(s)
}

// UnescapeString reverses EscapeString. Unknown escapes keep the
// escaped character, like the COPY text format does.
func UnescapeString(s string) string {
	if !strings.ContainsRune(s, '\\') {
		return s
	}
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c != '\\' || i+1 >= len(s) {
			b.WriteByte(c)
			continue
		}
		i++
		switch s[i] {
		case 'b':
			b.WriteByte('\b')
		case 't':
			b.WriteByte('\t')
		case 'n':
			b.WriteByte('\n')
		case 'v':
			b.WriteByte('\v')
		case 'f':
			b.WriteByte('\f')
		case 'r':
			b.WriteByte('\r')
		default:
			b.WriteByte(s[i])
		}
	}
	return b.String()
}
