//go:build integration

// These tests run against a real Postgres instance, since SKIP LOCKED,
// REPEATABLE READ conflict behavior, and row-count invariants cannot be
// faithfully exercised by an in-memory fake. Point QUEUE_TEST_DATABASE_URL
// at a scratch database before running (go test -tags=integration ./...);
// schema/schema.sql must already be applied there.
package postgres_test

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"

	"github.com/relqueue/relqueue/internal/gateway"
	"github.com/relqueue/relqueue/internal/queue/queuemodel"
	"github.com/relqueue/relqueue/internal/queue/store/postgres"
)

func newTestStore(t *testing.T) *postgres.Store {
	t.Helper()
	url := os.Getenv("QUEUE_TEST_DATABASE_URL")
	if url == "" {
		t.Skip("QUEUE_TEST_DATABASE_URL not set")
	}
	pool, err := pgxpool.New(context.Background(), url)
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	return postgres.New(gateway.New(pool))
}

func uniqueQueueName(t *testing.T) string {
	return fmt.Sprintf("%s_%d", t.Name(), time.Now().UnixNano())
}

// S1: throughput and no-loss under concurrent producers and consumers.
func TestStoreS1ThroughputNoLoss(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	queueName := uniqueQueueName(t)
	t.Cleanup(func() { _ = s.Flush(ctx, queueName) })

	const producers = 4
	const perProducer = 500
	total := producers * perProducer

	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			messages := make([]queuemodel.PushMessage, 0, perProducer)
			for n := 0; n < perProducer; n++ {
				messages = append(messages, queuemodel.PushMessage{
					MessageID: fmt.Sprintf("p%d-%d", p, n),
					Payload:   `{"a":"b"}`,
				})
			}
			require.NoError(t, s.PushBatch(ctx, queueName, messages))
		}(p)
	}
	wg.Wait()

	var mu sync.Mutex
	acked := make(map[string]int)

	const consumers = 4
	var cwg sync.WaitGroup
	for c := 0; c < consumers; c++ {
		cwg.Add(1)
		go func() {
			defer cwg.Done()
			empties := 0
			for empties < 5 {
				batch, ok, err := s.PopBatch(ctx, queueName, 10)
				require.NoError(t, err)
				if !ok || len(batch) == 0 {
					empties++
					time.Sleep(200 * time.Millisecond)
					continue
				}
				empties = 0
				for _, m := range batch {
					acked2, err := s.Ack(ctx, queueName, m.ID)
					require.NoError(t, err)
					require.True(t, acked2)
					mu.Lock()
					acked[m.ID]++
					mu.Unlock()
				}
			}
		}()
	}
	cwg.Wait()

	require.Len(t, acked, total)
	for id, count := range acked {
		require.Equalf(t, 1, count, "message %s acked %d times", id, count)
	}

	size, err := s.GetSize(ctx, queueName)
	require.NoError(t, err)
	require.Equal(t, int64(0), size)
}

// S2: priority ordering -- with distinct priorities, the highest is popped
// first.
func TestStoreS2PriorityOrdering(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	queueName := uniqueQueueName(t)
	t.Cleanup(func() { _ = s.Flush(ctx, queueName) })

	require.NoError(t, s.Push(ctx, queueName, "A", 1, 0))
	require.NoError(t, s.Push(ctx, queueName, "B", 5, 0))
	require.NoError(t, s.Push(ctx, queueName, "C", 3, 0))

	batch, ok, err := s.PopBatch(ctx, queueName, 3)
	require.NoError(t, err)
	require.True(t, ok)
	require.Len(t, batch, 3)

	ids := []string{batch[0].ID, batch[1].ID, batch[2].ID}
	require.Equal(t, []string{"B", "C", "A"}, ids)
}

// S3: delayed delivery -- invisible until the offset elapses.
func TestStoreS3Delay(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	queueName := uniqueQueueName(t)
	t.Cleanup(func() { _ = s.Flush(ctx, queueName) })

	require.NoError(t, s.Push(ctx, queueName, "D", 0, 2))

	batch, ok, err := s.PopBatch(ctx, queueName, 1)
	require.NoError(t, err)
	require.True(t, ok)
	require.Empty(t, batch)

	time.Sleep(3 * time.Second)

	batch, ok, err = s.PopBatch(ctx, queueName, 1)
	require.NoError(t, err)
	require.True(t, ok)
	require.Len(t, batch, 1)
	require.Equal(t, "D", batch[0].ID)
}

// S4: an unacked lease is reclaimed once the unack window elapses.
func TestStoreS4UnackReclaim(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	queueName := uniqueQueueName(t)
	t.Cleanup(func() { _ = s.Flush(ctx, queueName) })

	require.NoError(t, s.Push(ctx, queueName, "E", 0, 0))

	batch, ok, err := s.PopBatch(ctx, queueName, 1)
	require.NoError(t, err)
	require.True(t, ok)
	require.Len(t, batch, 1)

	size, err := s.GetSize(ctx, queueName)
	require.NoError(t, err)
	require.Equal(t, int64(1), size)

	// A zero-second unack window means any popped row is immediately
	// eligible for reclaim -- this test exercises reclaim logic without
	// waiting out a production-sized window.
	n, err := s.ProcessAllUnacks(ctx, 0)
	require.NoError(t, err)
	require.GreaterOrEqual(t, n, int64(1))

	batch, ok, err = s.PopBatch(ctx, queueName, 1)
	require.NoError(t, err)
	require.True(t, ok)
	require.Len(t, batch, 1)
	require.Equal(t, "E", batch[0].ID)
}

// S5: pushIfNotExists is exactly-once under concurrent callers.
func TestStoreS5PushIfNotExistsConcurrent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	queueName := uniqueQueueName(t)
	t.Cleanup(func() { _ = s.Flush(ctx, queueName) })

	const callers = 10
	results := make([]bool, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			pushed, err := s.PushIfNotExists(ctx, queueName, "X", 0, 0)
			require.NoError(t, err)
			results[i] = pushed
		}(i)
	}
	wg.Wait()

	trueCount := 0
	for _, r := range results {
		if r {
			trueCount++
		}
	}
	require.Equal(t, 1, trueCount)

	size, err := s.GetSize(ctx, queueName)
	require.NoError(t, err)
	require.Equal(t, int64(1), size)
}

// S6: flush clears a queue entirely.
func TestStoreS6Flush(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	queueName := uniqueQueueName(t)

	messages := make([]queuemodel.PushMessage, 0, 50)
	for i := 0; i < 50; i++ {
		messages = append(messages, queuemodel.PushMessage{MessageID: fmt.Sprintf("m%d", i)})
	}
	require.NoError(t, s.PushBatch(ctx, queueName, messages))

	require.NoError(t, s.Flush(ctx, queueName))

	size, err := s.GetSize(ctx, queueName)
	require.NoError(t, err)
	require.Equal(t, int64(0), size)

	detail, err := s.QueuesDetail(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(0), detail[queueName])
}
