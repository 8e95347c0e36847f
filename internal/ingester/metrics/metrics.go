package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type DBOperation string

const (
	DBOperationRead            DBOperation = "read"
	DBOperationInsert          DBOperation = "insert"
	DBOperationUpdate          DBOperation = "update"
	DBOperationCreateTempTable DBOperation = "create_temp_table"
)

const TripmillIngesterMetricsPrefix = "tripmill_ingester_"

type Metrics struct {
	rowsIngested    prometheus.Counter
	jobsCompleted   prometheus.Counter
	jobsFailed      prometheus.Counter
	dbErrorsCounter *prometheus.CounterVec
}

func NewMetrics(prefix string) *Metrics {
	return &Metrics{
		rowsIngested: promauto.NewCounter(prometheus.CounterOpts{
			Name: prefix + "rows_ingested",
			Help: "Number of trip rows ingested into the permanent store",
		}),
		jobsCompleted: promauto.NewCounter(prometheus.CounterOpts{
			Name: prefix + "jobs_completed",
			Help: "Number of ingestion jobs that reached completed",
		}),
		jobsFailed: promauto.NewCounter(prometheus.CounterOpts{
			Name: prefix + "jobs_failed",
			Help: "Number of ingestion jobs that reached failed",
		}),
		dbErrorsCounter: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: prefix + "db_errors",
			Help: "Number of database errors grouped by database operation",
		}, []string{"operation"}),
	}
}

var m = NewMetrics(TripmillIngesterMetricsPrefix)

func Get() *Metrics {
	return m
}

func (m *Metrics) RecordRowsIngested(n int64) {
	m.rowsIngested.Add(float64(n))
}

func (m *Metrics) RecordJobCompleted() {
	m.jobsCompleted.Inc()
}

func (m *Metrics) RecordJobFailed() {
	m.jobsFailed.Inc()
}

func (m *Metrics) RecordDBError(operation DBOperation) {
	m.dbErrorsCounter.With(map[string]string{"operation": string(operation)}).Inc()
}
