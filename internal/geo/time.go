package geo

import (
	"strings"
	"time"

	"github.com/tripmill/tripmill/internal/common/triperrors"
)

// Bucket is a coarse time-of-day grouping derived from the trip timestamp.
type Bucket string

const (
	BucketMorning   Bucket = "morning"
	BucketAfternoon Bucket = "afternoon"
	BucketEvening   Bucket = "evening"
	BucketNight     Bucket = "night"
)

// TimeBucket maps the hour of day onto a fixed bucket.
// Ranges are inclusive-low, exclusive-high: [6,12) morning, [12,18) afternoon,
// [18,24) evening, [0,6) night.
func TimeBucket(t time.Time) Bucket {
	hour := t.Hour()
	switch {
	case hour >= 6 && hour < 12:
		return BucketMorning
	case hour >= 12 && hour < 18:
		return BucketAfternoon
	case hour >= 18:
		return BucketEvening
	default:
		return BucketNight
	}
}

var timestampLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// ParseTimestamp parses the ISO-8601 datetime formats accepted for trip records.
func ParseTimestamp(value string) (time.Time, error) {
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, strings.TrimSpace(value)); err == nil {
			return t, nil
		}
	}
	return time.Time{}, &triperrors.ErrMalformedTimestamp{Value: value}
}
