// Package geo contains the pure derivation functions applied to every trip:
// WKT point parsing, geohash bucketing and time-of-day bucketing.
package geo

import (
	"math"
	"regexp"
	"strconv"
	"strings"

	"github.com/mmcloughlin/geohash"

	"github.com/tripmill/tripmill/internal/common/triperrors"
)

// DefaultGeohashPrecision is the number of geohash characters derived for
// trip grouping. 5 characters is a cell of roughly 5km x 5km.
const DefaultGeohashPrecision = 5

var pointPattern = regexp.MustCompile(`^POINT \(([-\d.]+) ([-\d.]+)\)$`)

// ParsePoint converts a WKT 'POINT (lon lat)' string into a (lat, lon) pair.
// The pattern must match exactly; anything else is a malformed point.
func ParsePoint(text string) (float64, float64, error) {
	match := pointPattern.FindStringSubmatch(strings.TrimSpace(text))
	if match == nil {
		return 0, 0, &triperrors.ErrMalformedPoint{Value: text}
	}
	lon, err := strconv.ParseFloat(match[1], 64)
	if err != nil {
		return 0, 0, &triperrors.ErrMalformedPoint{Value: text}
	}
	lat, err := strconv.ParseFloat(match[2], 64)
	if err != nil {
		return 0, 0, &triperrors.ErrMalformedPoint{Value: text}
	}
	return lat, lon, nil
}

// Geohash encodes a coordinate pair into a geohash string at the given precision.
// Deterministic: equal inputs always produce equal hashes.
func Geohash(lat float64, lon float64, precision uint) (string, error) {
	if math.IsNaN(lat) || math.IsNaN(lon) || lat < -90 || lat > 90 || lon < -180 || lon > 180 {
		return "", &triperrors.ErrInvalidCoordinate{Lat: lat, Lon: lon}
	}
	return geohash.EncodeWithPrecision(lat, lon, precision), nil
}
