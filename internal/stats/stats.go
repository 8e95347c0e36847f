// Package stats answers analytics queries over the ingested trips table.
package stats

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/postgres"
	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/pkg/errors"
)

// BoundingBox is a lon/lat rectangle in WGS84.
type BoundingBox struct {
	MinLon float64
	MinLat float64
	MaxLon float64
	MaxLat float64
}

// Filter restricts a query to a named region, a bounding box, or both.
type Filter struct {
	Region string
	BBox   *BoundingBox
}

// WeeklyAverageRow is one calendar week's mean number of trips per active day.
type WeeklyAverageRow struct {
	Week           time.Time `json:"week"`
	AvgTripsPerDay float64   `json:"avg_trips_per_day"`
}

type Stats struct {
	db *pgxpool.Pool
}

func NewStats(db *pgxpool.Pool) *Stats {
	return &Stats{db: db}
}

// WeeklyAverage returns, for each calendar week with matching trips, the mean
// number of trips per day within that week. Only days that saw at least one
// trip contribute to a week's divisor. Weeks are ordered ascending; no
// matching trips yields an empty slice.
func (s *Stats) WeeklyAverage(ctx context.Context, filter Filter) ([]WeeklyAverageRow, error) {
	sql, args, err := weeklyAverageSql(filter)
	if err != nil {
		return nil, err
	}
	rows, err := s.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	defer rows.Close()

	results := make([]WeeklyAverageRow, 0)
	for rows.Next() {
		var row WeeklyAverageRow
		if err := rows.Scan(&row.Week, &row.AvgTripsPerDay); err != nil {
			return nil, errors.WithStack(err)
		}
		results = append(results, row)
	}
	return results, errors.WithStack(rows.Err())
}

func weeklyAverageSql(filter Filter) (string, []interface{}, error) {
	week := goqu.L("DATE_TRUNC('week', trip_datetime)")
	ds := goqu.Dialect("postgres").
		From("trips").
		Select(
			week.As("week"),
			goqu.L("COUNT(*)::float / COUNT(DISTINCT DATE_TRUNC('day', trip_datetime))").As("avg_trips_per_day"),
		).
		GroupBy(week).
		Order(week.Asc())

	if filter.Region != "" {
		ds = ds.Where(goqu.C("region").Eq(filter.Region))
	}
	if filter.BBox != nil {
		ds = ds.Where(goqu.L(
			"ST_Within(origin_coord, ST_MakeEnvelope(?, ?, ?, ?, 4326))",
			filter.BBox.MinLon, filter.BBox.MinLat, filter.BBox.MaxLon, filter.BBox.MaxLat,
		))
	}

	sql, args, err := ds.Prepared(true).ToSQL()
	return sql, args, errors.WithStack(err)
}

// ParseBBox parses "min_lon,min_lat,max_lon,max_lat".
func ParseBBox(value string) (*BoundingBox, error) {
	parts := strings.Split(value, ",")
	if len(parts) != 4 {
		return nil, errors.Errorf("bounding box must have four components, got %q", value)
	}
	coords := make([]float64, 4)
	for i, part := range parts {
		coord, err := strconv.ParseFloat(strings.TrimSpace(part), 64)
		if err != nil {
			return nil, errors.Errorf("invalid bounding box component %q", part)
		}
		coords[i] = coord
	}
	box := &BoundingBox{MinLon: coords[0], MinLat: coords[1], MaxLon: coords[2], MaxLat: coords[3]}
	if box.MinLon > box.MaxLon || box.MinLat > box.MaxLat {
		return nil, errors.Errorf("bounding box %q has min greater than max", value)
	}
	return box, nil
}
