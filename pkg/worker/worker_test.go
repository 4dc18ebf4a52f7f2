package worker_test

import (
	"context"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relqueue/relqueue/internal/api"
	"github.com/relqueue/relqueue/internal/queue"
	"github.com/relqueue/relqueue/internal/queue/store/storetest"
	"github.com/relqueue/relqueue/pkg/worker"
)

func TestWorkerAcksOnSuccess(t *testing.T) {
	fake := storetest.New()
	engine := queue.NewEngine(fake)
	httpSrv := api.NewServer(":0", engine)
	ts := httptest.NewServer(httpSrv.Handler)
	defer ts.Close()

	require.NoError(t, engine.Push(context.Background(), "q", "m1", 0, 0))

	w := worker.New(worker.Config{BaseURL: ts.URL, PollTimeout: 200 * time.Millisecond, BatchSize: 1})

	var mu sync.Mutex
	var processed []string
	w.Handle("q", func(ctx context.Context, msg queue.Message) error {
		mu.Lock()
		processed = append(processed, msg.ID)
		mu.Unlock()
		return nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_ = w.Run(ctx)

	mu.Lock()
	defer mu.Unlock()
	assert.Contains(t, processed, "m1")

	exists, err := engine.Exists(context.Background(), "q", "m1")
	require.NoError(t, err)
	assert.False(t, exists, "handled message should be acked and removed")
}

func TestWorkerLeavesMessageLeasedOnHandlerError(t *testing.T) {
	fake := storetest.New()
	engine := queue.NewEngine(fake)
	httpSrv := api.NewServer(":0", engine)
	ts := httptest.NewServer(httpSrv.Handler)
	defer ts.Close()

	require.NoError(t, engine.Push(context.Background(), "q", "m1", 0, 0))

	w := worker.New(worker.Config{BaseURL: ts.URL, PollTimeout: 200 * time.Millisecond, BatchSize: 1})
	w.Handle("q", func(ctx context.Context, msg queue.Message) error {
		return assertError{}
	})

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	_ = w.Run(ctx)

	exists, err := engine.Exists(context.Background(), "q", "m1")
	require.NoError(t, err)
	assert.True(t, exists, "failed message should remain in the queue, not be acked")
}

type assertError struct{}

func (assertError) Error() string { return "handler failed" }
