// Package loader moves CSV trip files into the permanent store. The fast path
// streams parsed rows through the COPY protocol into a transaction-scoped
// staging table and merges with conflict-ignore semantics; a chunked multi-row
// insert path exists as a fallback for stores without COPY.
package loader

import (
	"context"
	"crypto/sha256"
	"encoding/csv"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/tripmill/tripmill/internal/common/database"
	"github.com/tripmill/tripmill/internal/common/triperrors"
	"github.com/tripmill/tripmill/internal/geo"
	"github.com/tripmill/tripmill/internal/ingester/metrics"
)

// Progress is invoked with the running row count as a load advances, once per
// chunk and once at the end of the transfer. It must not retain the call.
type Progress func(inserted int64)

// Record is one parsed trip row with its derived grouping fields.
type Record struct {
	Region        string
	OriginWkt     string
	DestWkt       string
	Datetime      time.Time
	Datasource    string
	OriginGeohash string
	DestGeohash   string
	TodBucket     geo.Bucket
	RowHash       string
}

var copyColumns = []string{
	"region", "origin_coord", "destination_coord", "trip_datetime",
	"datasource", "origin_geohash", "dest_geohash", "tod_bucket", "row_hash",
}

var requiredColumns = []string{"region", "origin_coord", "destination_coord", "datetime", "datasource"}

// Scalar inserts bind 9 parameters per row and Postgres caps a statement at
// 65535 bind parameters, so the fallback path clamps its chunks regardless of
// the configured chunk size.
const maxScalarChunk = 5000

type BulkLoader struct {
	db          *pgxpool.Pool
	metrics     *metrics.Metrics
	useCopy     bool
	maxAttempts int
	maxBackoff  time.Duration
}

func NewBulkLoader(db *pgxpool.Pool, m *metrics.Metrics, useCopy bool, maxAttempts int, maxBackoff time.Duration) *BulkLoader {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	return &BulkLoader{db: db, metrics: m, useCopy: useCopy, maxAttempts: maxAttempts, maxBackoff: maxBackoff}
}

// CountDataRows returns the number of data rows in the file, excluding the
// header. Computed before the transfer starts so progress can be reported as a
// fraction of a known total.
func (l *BulkLoader) CountDataRows(path string) (int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, errors.WithStack(err)
	}
	defer f.Close()

	reader := csv.NewReader(f)
	reader.FieldsPerRecord = -1
	var total int64
	for {
		_, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return 0, errors.WithStack(err)
		}
		total++
	}
	if total > 0 {
		total-- // header
	}
	return total, nil
}

// Load ingests every data row of the file at path under the given job id.
// Each attempt is a single transaction: either all rows become visible
// together on commit, or none do. Re-running the same file is idempotent
// because the merge ignores row-hash conflicts. Returns the number of rows
// loaded this attempt.
func (l *BulkLoader) Load(ctx context.Context, jobId string, path string, chunkSize int, progress Progress) (int64, error) {
	var inserted int64
	attempt := func() error {
		f, err := os.Open(path)
		if err != nil {
			return errors.WithStack(err)
		}
		defer f.Close()

		if l.useCopy {
			inserted, err = l.loadCopy(ctx, f, chunkSize, progress)
		} else {
			inserted, err = l.loadScalar(ctx, f, chunkSize, progress)
		}
		return err
	}

	if err := l.withRetry(attempt); err != nil {
		return 0, &triperrors.ErrIngestionFailure{JobId: jobId, Inner: err}
	}
	return inserted, nil
}

// loadCopy stages rows via the COPY wire protocol, then merges into the
// permanent table in the same transaction. The staging table is session-scoped
// and dropped on commit and rollback alike.
func (l *BulkLoader) loadCopy(ctx context.Context, f io.Reader, chunkSize int, progress Progress) (int64, error) {
	reader := csv.NewReader(f)
	index, err := readHeader(reader)
	if err != nil {
		return 0, err
	}

	var inserted int64
	err = l.db.BeginTxFunc(ctx, pgx.TxOptions{
		IsoLevel:       pgx.ReadCommitted,
		AccessMode:     pgx.ReadWrite,
		DeferrableMode: pgx.Deferrable,
	}, func(tx pgx.Tx) error {
		tmpTable := database.UniqueTableName("trips")

		_, err := tx.Exec(ctx, fmt.Sprintf(`
			CREATE TEMPORARY TABLE %s
			(
			  region            varchar(256),
			  origin_coord      text,
			  destination_coord text,
			  trip_datetime     timestamp,
			  datasource        varchar(256),
			  origin_geohash    varchar(12),
			  dest_geohash      varchar(12),
			  tod_bucket        varchar(16),
			  row_hash          varchar(64)
			) ON COMMIT DROP;`, tmpTable))
		if err != nil {
			l.metrics.RecordDBError(metrics.DBOperationCreateTempTable)
			return err
		}

		src := &csvCopySource{reader: reader, index: index, chunkSize: chunkSize, progress: progress}
		n, err := tx.CopyFrom(ctx, pgx.Identifier{tmpTable}, copyColumns, src)
		if src.err != nil {
			// a row failed to parse; the whole attempt is aborted
			return src.err
		}
		if err != nil {
			l.metrics.RecordDBError(metrics.DBOperationInsert)
			return err
		}

		_, err = tx.Exec(ctx, fmt.Sprintf(`
			INSERT INTO trips (region, origin_coord, destination_coord, trip_datetime,
			                   datasource, origin_geohash, dest_geohash, tod_bucket, row_hash)
			SELECT region, ST_GeomFromText(origin_coord, 4326), ST_GeomFromText(destination_coord, 4326),
			       trip_datetime, datasource, origin_geohash, dest_geohash, tod_bucket, row_hash
			FROM %s
			ON CONFLICT (row_hash) DO NOTHING`, tmpTable))
		if err != nil {
			l.metrics.RecordDBError(metrics.DBOperationInsert)
			return err
		}

		inserted = n
		return nil
	})
	if err != nil {
		return 0, err
	}
	if progress != nil {
		progress(inserted)
	}
	return inserted, nil
}

// loadScalar inserts parsed rows with chunked multi-row statements inside one
// transaction. Slower than COPY but portable.
func (l *BulkLoader) loadScalar(ctx context.Context, f io.Reader, chunkSize int, progress Progress) (int64, error) {
	reader := csv.NewReader(f)
	index, err := readHeader(reader)
	if err != nil {
		return 0, err
	}
	if chunkSize <= 0 || chunkSize > maxScalarChunk {
		chunkSize = maxScalarChunk
	}

	var inserted int64
	err = l.db.BeginTxFunc(ctx, pgx.TxOptions{
		IsoLevel:       pgx.ReadCommitted,
		AccessMode:     pgx.ReadWrite,
		DeferrableMode: pgx.Deferrable,
	}, func(tx pgx.Tx) error {
		chunk := make([]*Record, 0, chunkSize)
		flush := func() error {
			if len(chunk) == 0 {
				return nil
			}
			if err := insertChunk(ctx, tx, chunk); err != nil {
				l.metrics.RecordDBError(metrics.DBOperationInsert)
				return err
			}
			inserted += int64(len(chunk))
			chunk = chunk[:0]
			if progress != nil {
				progress(inserted)
			}
			return nil
		}

		for {
			row, err := reader.Read()
			if err == io.EOF {
				break
			}
			if err != nil {
				return errors.WithStack(err)
			}
			record, err := parseRow(index, row)
			if err != nil {
				return err
			}
			chunk = append(chunk, record)
			if len(chunk) == chunkSize {
				if err := flush(); err != nil {
					return err
				}
			}
		}
		return flush()
	})
	if err != nil {
		return 0, err
	}
	return inserted, nil
}

func insertChunk(ctx context.Context, tx pgx.Tx, chunk []*Record) error {
	values := make([]string, 0, len(chunk))
	args := make([]interface{}, 0, len(chunk)*9)
	for i, r := range chunk {
		base := i * 9
		values = append(values, fmt.Sprintf(
			"($%d, ST_GeomFromText($%d, 4326), ST_GeomFromText($%d, 4326), $%d, $%d, $%d, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5, base+6, base+7, base+8, base+9))
		args = append(args, r.Region, r.OriginWkt, r.DestWkt, r.Datetime,
			r.Datasource, r.OriginGeohash, r.DestGeohash, string(r.TodBucket), r.RowHash)
	}
	sql := fmt.Sprintf(`
		INSERT INTO trips (region, origin_coord, destination_coord, trip_datetime,
		                   datasource, origin_geohash, dest_geohash, tod_bucket, row_hash)
		VALUES %s
		ON CONFLICT (row_hash) DO NOTHING`, strings.Join(values, ", "))
	_, err := tx.Exec(ctx, sql, args...)
	return err
}

// withRetry re-runs the attempt on retryable network and Postgres errors, with
// doubling backoff. Anything else aborts immediately.
func (l *BulkLoader) withRetry(attempt func() error) error {
	backoff := time.Second
	var err error
	for i := 0; i < l.maxAttempts; i++ {
		err = attempt()
		if err == nil {
			return nil
		}
		if !triperrors.IsNetworkError(err) && !triperrors.IsRetryablePostgresError(err) {
			return err
		}
		log.WithError(err).Warnf("Retryable error during bulk load, waiting %s before retrying", backoff)
		time.Sleep(backoff)
		backoff *= 2
		if backoff > l.maxBackoff {
			backoff = l.maxBackoff
		}
	}
	return &triperrors.ErrMaxRetriesExceeded{
		Message:   fmt.Sprintf("gave up after %d attempts", l.maxAttempts),
		LastError: err,
	}
}

func readHeader(reader *csv.Reader) (map[string]int, error) {
	header, err := reader.Read()
	if err != nil {
		return nil, errors.WithMessage(err, "reading CSV header")
	}
	index := make(map[string]int, len(header))
	for i, name := range header {
		index[strings.TrimSpace(name)] = i
	}
	for _, name := range requiredColumns {
		if _, ok := index[name]; !ok {
			return nil, errors.Errorf("CSV header is missing required column %q", name)
		}
	}
	return index, nil
}

func parseRow(index map[string]int, row []string) (*Record, error) {
	field := func(name string) string {
		i := index[name]
		if i >= len(row) {
			return ""
		}
		return row[i]
	}

	originWkt := field("origin_coord")
	destWkt := field("destination_coord")
	rawDatetime := field("datetime")

	originLat, originLon, err := geo.ParsePoint(originWkt)
	if err != nil {
		return nil, err
	}
	destLat, destLon, err := geo.ParsePoint(destWkt)
	if err != nil {
		return nil, err
	}
	originGeohash, err := geo.Geohash(originLat, originLon, geo.DefaultGeohashPrecision)
	if err != nil {
		return nil, err
	}
	destGeohash, err := geo.Geohash(destLat, destLon, geo.DefaultGeohashPrecision)
	if err != nil {
		return nil, err
	}
	datetime, err := geo.ParseTimestamp(rawDatetime)
	if err != nil {
		return nil, err
	}

	return &Record{
		Region:        field("region"),
		OriginWkt:     originWkt,
		DestWkt:       destWkt,
		Datetime:      datetime,
		Datasource:    field("datasource"),
		OriginGeohash: originGeohash,
		DestGeohash:   destGeohash,
		TodBucket:     geo.TimeBucket(datetime),
		RowHash:       rowHash(field("region"), originWkt, destWkt, rawDatetime, field("datasource")),
	}, nil
}

// rowHash is a content hash over the job-independent trip fields. It is the
// conflict key that makes re-running a job after a partial failure idempotent.
func rowHash(fields ...string) string {
	h := sha256.New()
	for _, f := range fields {
		h.Write([]byte(f))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// csvCopySource adapts the CSV stream to pgx's CopyFromSource, parsing and
// deriving fields row by row as COPY pulls them.
type csvCopySource struct {
	reader    *csv.Reader
	index     map[string]int
	current   *Record
	err       error
	count     int64
	chunkSize int
	progress  Progress
}

func (s *csvCopySource) Next() bool {
	if s.err != nil {
		return false
	}
	row, err := s.reader.Read()
	if err == io.EOF {
		return false
	}
	if err != nil {
		s.err = errors.WithStack(err)
		return false
	}
	record, err := parseRow(s.index, row)
	if err != nil {
		s.err = err
		return false
	}
	s.current = record
	s.count++
	if s.progress != nil && s.chunkSize > 0 && s.count%int64(s.chunkSize) == 0 {
		s.progress(s.count)
	}
	return true
}

func (s *csvCopySource) Values() ([]interface{}, error) {
	r := s.current
	return []interface{}{
		r.Region, r.OriginWkt, r.DestWkt, r.Datetime, r.Datasource,
		r.OriginGeohash, r.DestGeohash, string(r.TodBucket), r.RowHash,
	}, nil
}

func (s *csvCopySource) Err() error {
	return s.err
}
