// Package schema holds the versioned DDL for the trip store and job ledger.
package schema

import (
	"github.com/tripmill/tripmill/internal/common/database"
)

func Migrations() []database.Migration {
	return []database.Migration{
		{
			Id:   1,
			Name: "001_initial_schema",
			Sql: `
CREATE EXTENSION IF NOT EXISTS postgis;

CREATE TABLE ingestion_status (
  job_id          varchar(64) PRIMARY KEY,
  filename        varchar(512),
  submitted_at    timestamptz,
  started_at      timestamptz,
  finished_at     timestamptz,
  status          varchar(16) NOT NULL,
  total_expected  bigint,
  inserted_so_far bigint NOT NULL DEFAULT 0,
  last_message    text
);

CREATE TABLE trips (
  trip_id           bigserial PRIMARY KEY,
  region            varchar(256) NOT NULL,
  origin_coord      geometry(Point, 4326) NOT NULL,
  destination_coord geometry(Point, 4326) NOT NULL,
  trip_datetime     timestamp NOT NULL,
  datasource        varchar(256) NOT NULL,
  origin_geohash    varchar(12) NOT NULL,
  dest_geohash      varchar(12) NOT NULL,
  tod_bucket        varchar(16) NOT NULL,
  row_hash          varchar(64) NOT NULL
);

CREATE UNIQUE INDEX trips_row_hash_key ON trips (row_hash);
CREATE INDEX trips_origin_coord_gist ON trips USING GIST (origin_coord);
CREATE INDEX trips_region_idx ON trips (region);
`,
		},
	}
}
