package geo

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/tripmill/tripmill/internal/common/triperrors"
)

func TestTimeBucketBoundaries(t *testing.T) {
	cases := map[int]Bucket{
		0:  BucketNight,
		5:  BucketNight,
		6:  BucketMorning,
		11: BucketMorning,
		12: BucketAfternoon,
		17: BucketAfternoon,
		18: BucketEvening,
		23: BucketEvening,
	}
	for hour, expected := range cases {
		ts := time.Date(2018, 5, 1, hour, 30, 0, 0, time.UTC)
		assert.Equal(t, expected, TimeBucket(ts), fmt.Sprintf("hour %d", hour))
	}
}

func TestTimeBucketAllHoursDeterministic(t *testing.T) {
	for hour := 0; hour < 24; hour++ {
		ts := time.Date(2018, 5, 1, hour, 0, 0, 0, time.UTC)
		assert.Equal(t, TimeBucket(ts), TimeBucket(ts))
	}
}

func TestParseTimestamp(t *testing.T) {
	for _, value := range []string{
		"2018-05-28T09:03:40",
		"2018-05-28 09:03:40",
		"2018-05-28T09:03:40Z",
	} {
		ts, err := ParseTimestamp(value)
		assert.NoError(t, err, value)
		assert.Equal(t, 9, ts.Hour())
	}
}

func TestParseTimestampMalformed(t *testing.T) {
	_, err := ParseTimestamp("28/05/2018 09:03")
	var malformed *triperrors.ErrMalformedTimestamp
	assert.ErrorAs(t, err, &malformed)
}
