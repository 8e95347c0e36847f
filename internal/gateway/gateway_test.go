package gateway

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tripmill/tripmill/internal/common/triperrors"
	"github.com/tripmill/tripmill/internal/ledger"
	"github.com/tripmill/tripmill/internal/progress"
)

const testJobId = "01h2xcejqv3b02nvqqeyrz1x8p"

func TestGetStatusUnknownJob(t *testing.T) {
	g := NewGateway(newMemoryLedger(), nil, time.Second)
	_, err := g.GetStatus(context.Background(), testJobId)
	var notFound *triperrors.ErrJobNotFound
	assert.ErrorAs(t, err, &notFound)
}

func TestStreamUnknownJobFailsBeforeSubscribing(t *testing.T) {
	g := NewGateway(newMemoryLedger(), nil, time.Second)
	_, err := g.Stream(context.Background(), testJobId)
	var notFound *triperrors.ErrJobNotFound
	assert.ErrorAs(t, err, &notFound)
}

func TestStreamDeliversSnapshotFirst(t *testing.T) {
	withGateway(t, func(g *Gateway, l *memoryLedger, publisher *progress.RedisProgress) {
		total := int64(100)
		l.put(ledger.JobRecord{JobId: testJobId, Status: ledger.StatusRunning, TotalExpected: &total, InsertedSoFar: 40})

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		stream, err := g.Stream(ctx, testJobId)
		require.NoError(t, err)

		first := receive(t, stream)
		assert.Equal(t, ledger.StatusRunning, first.Status)
		assert.Equal(t, int64(40), first.InsertedSoFar)
	})
}

func TestStreamAppliesEventsAndClosesOnTerminal(t *testing.T) {
	withGateway(t, func(g *Gateway, l *memoryLedger, publisher *progress.RedisProgress) {
		total := int64(3)
		l.put(ledger.JobRecord{JobId: testJobId, Status: ledger.StatusRunning, TotalExpected: &total})

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		stream, err := g.Stream(ctx, testJobId)
		require.NoError(t, err)
		receive(t, stream) // snapshot

		// ledger is written before each publish, as the worker does
		l.put(ledger.JobRecord{JobId: testJobId, Status: ledger.StatusRunning, TotalExpected: &total, InsertedSoFar: 2})
		require.NoError(t, publisher.Publish(progress.Event{JobId: testJobId, Status: ledger.StatusRunning, Inserted: 2}))
		update := receive(t, stream)
		assert.Equal(t, int64(2), update.InsertedSoFar)

		l.put(ledger.JobRecord{JobId: testJobId, Status: ledger.StatusCompleted, TotalExpected: &total, InsertedSoFar: 3})
		require.NoError(t, publisher.Publish(progress.Event{
			JobId:    testJobId,
			Status:   ledger.StatusCompleted,
			Inserted: 3,
			Message:  "Completed: inserted 3 rows from trips.csv",
		}))
		terminal := receive(t, stream)
		assert.Equal(t, ledger.StatusCompleted, terminal.Status)
		assert.Equal(t, int64(3), terminal.InsertedSoFar)

		_, open := <-stream
		assert.False(t, open)
	})
}

func TestStreamClosesImmediatelyForTerminalJob(t *testing.T) {
	withGateway(t, func(g *Gateway, l *memoryLedger, publisher *progress.RedisProgress) {
		l.put(ledger.JobRecord{JobId: testJobId, Status: ledger.StatusCompleted, InsertedSoFar: 3})

		stream, err := g.Stream(context.Background(), testJobId)
		require.NoError(t, err)

		terminal := receive(t, stream)
		assert.Equal(t, ledger.StatusCompleted, terminal.Status)
		_, open := <-stream
		assert.False(t, open)
	})
}

func TestStreamPollRecoversMissedTerminalEvent(t *testing.T) {
	withGateway(t, func(g *Gateway, l *memoryLedger, publisher *progress.RedisProgress) {
		l.put(ledger.JobRecord{JobId: testJobId, Status: ledger.StatusRunning})

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		stream, err := g.Stream(ctx, testJobId)
		require.NoError(t, err)
		receive(t, stream) // snapshot

		// nothing published; the ledger alone records completion
		l.put(ledger.JobRecord{JobId: testJobId, Status: ledger.StatusCompleted, InsertedSoFar: 3})

		terminal := receive(t, stream)
		assert.Equal(t, ledger.StatusCompleted, terminal.Status)
		_, open := <-stream
		assert.False(t, open)
	})
}

func TestStreamPollDeliversTotalAndMessageChanges(t *testing.T) {
	withGateway(t, func(g *Gateway, l *memoryLedger, publisher *progress.RedisProgress) {
		l.put(ledger.JobRecord{JobId: testJobId, Status: ledger.StatusRunning})

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		stream, err := g.Stream(ctx, testJobId)
		require.NoError(t, err)
		receive(t, stream) // snapshot

		// status and inserted count unchanged; only the total appears
		total := int64(100)
		l.put(ledger.JobRecord{JobId: testJobId, Status: ledger.StatusRunning, TotalExpected: &total})
		update := receive(t, stream)
		require.NotNil(t, update.TotalExpected)
		assert.Equal(t, int64(100), *update.TotalExpected)

		// now only the message changes
		l.put(ledger.JobRecord{JobId: testJobId, Status: ledger.StatusRunning, TotalExpected: &total, LastMessage: "still going"})
		update = receive(t, stream)
		assert.Equal(t, "still going", update.LastMessage)
	})
}

func TestStreamStopsOnContextCancel(t *testing.T) {
	withGateway(t, func(g *Gateway, l *memoryLedger, publisher *progress.RedisProgress) {
		l.put(ledger.JobRecord{JobId: testJobId, Status: ledger.StatusRunning})

		ctx, cancel := context.WithCancel(context.Background())
		stream, err := g.Stream(ctx, testJobId)
		require.NoError(t, err)
		receive(t, stream)

		cancel()
		select {
		case _, open := <-stream:
			assert.False(t, open)
		case <-time.After(5 * time.Second):
			t.Fatal("stream not closed after cancel")
		}
	})
}

func receive(t *testing.T, stream <-chan ledger.JobRecord) ledger.JobRecord {
	t.Helper()
	select {
	case record, open := <-stream:
		require.True(t, open, "stream closed unexpectedly")
		return record
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for status record")
		return ledger.JobRecord{}
	}
}

func withGateway(t *testing.T, action func(g *Gateway, l *memoryLedger, publisher *progress.RedisProgress)) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	l := newMemoryLedger()
	redisProgress := progress.NewRedisProgress(client)
	action(NewGateway(l, redisProgress, 50*time.Millisecond), l, redisProgress)
}

// memoryLedger is a map-backed JobLedger for tests.
type memoryLedger struct {
	mu      sync.Mutex
	records map[string]ledger.JobRecord
}

func newMemoryLedger() *memoryLedger {
	return &memoryLedger{records: map[string]ledger.JobRecord{}}
}

func (l *memoryLedger) put(record ledger.JobRecord) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.records[record.JobId] = record
}

func (l *memoryLedger) Get(ctx context.Context, jobId string) (*ledger.JobRecord, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	record, ok := l.records[jobId]
	if !ok {
		return nil, &triperrors.ErrJobNotFound{JobId: jobId}
	}
	copied := record
	return &copied, nil
}

func (l *memoryLedger) CreateOrReset(ctx context.Context, jobId string, filename string) error {
	l.put(ledger.JobRecord{JobId: jobId, Filename: filename, Status: ledger.StatusQueued})
	return nil
}

func (l *memoryLedger) MarkRunning(ctx context.Context, jobId string) error { return nil }

func (l *memoryLedger) SetExpectedTotal(ctx context.Context, jobId string, total int64) error {
	return nil
}

func (l *memoryLedger) RecordProgress(ctx context.Context, jobId string, inserted int64) error {
	return nil
}

func (l *memoryLedger) MarkCompleted(ctx context.Context, jobId string, inserted int64, message string) error {
	return nil
}

func (l *memoryLedger) MarkFailed(ctx context.Context, jobId string, message string) error {
	return nil
}
