package queue_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relqueue/relqueue/internal/queue"
	"github.com/relqueue/relqueue/internal/queue/store/storetest"
)

func TestEnginePushAndPoll(t *testing.T) {
	fake := storetest.New()
	e := queue.NewEngine(fake)

	require.NoError(t, e.PushBatch(context.Background(), "q", []queue.PushMessage{
		{MessageID: "m1", Payload: "p1"},
	}))

	messages, err := e.PollMessages(context.Background(), "q", 1, 0)
	require.NoError(t, err)
	require.Len(t, messages, 1)
	assert.Equal(t, "m1", messages[0].ID)
	assert.Equal(t, "p1", messages[0].Payload)
}

func TestEnginePollHonorsPriority(t *testing.T) {
	fake := storetest.New()
	e := queue.NewEngine(fake)

	require.NoError(t, e.PushBatch(context.Background(), "q", []queue.PushMessage{
		{MessageID: "low", Priority: 0},
		{MessageID: "high", Priority: 10},
		{MessageID: "mid", Priority: 5},
	}))

	got, err := e.Pop(context.Background(), "q", 3, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"high", "mid", "low"}, got)
}

func TestEnginePollWaitsForCountWithinTimeout(t *testing.T) {
	fake := storetest.New()
	e := queue.NewEngine(fake, queue.WithPollBackoff(10*time.Millisecond))

	require.NoError(t, e.Push(context.Background(), "q", "m1", 0, 0))

	go func() {
		time.Sleep(30 * time.Millisecond)
		_ = e.Push(context.Background(), "q", "m2", 0, 0)
	}()

	messages, err := e.PollMessages(context.Background(), "q", 2, 500)
	require.NoError(t, err)
	assert.Len(t, messages, 2)
}

func TestEnginePollReturnsPartialBatchOnTimeout(t *testing.T) {
	fake := storetest.New()
	e := queue.NewEngine(fake, queue.WithPollBackoff(10*time.Millisecond))

	require.NoError(t, e.Push(context.Background(), "q", "m1", 0, 0))

	messages, err := e.PollMessages(context.Background(), "q", 5, 50)
	require.NoError(t, err)
	assert.Len(t, messages, 1)
}

func TestEnginePollSingleAttemptReturnsEmptyOnConflict(t *testing.T) {
	fake := storetest.New()
	fake.ConflictOnPop = true
	e := queue.NewEngine(fake)

	messages, err := e.PollMessages(context.Background(), "q", 5, 0)
	require.NoError(t, err)
	assert.Empty(t, messages)
}

func TestEnginePollRespectsContextCancellation(t *testing.T) {
	fake := storetest.New()
	e := queue.NewEngine(fake, queue.WithPollBackoff(200*time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	messages, err := e.PollMessages(ctx, "q", 5, 5000)
	require.NoError(t, err)
	assert.Empty(t, messages)
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}

func TestEngineAck(t *testing.T) {
	fake := storetest.New()
	e := queue.NewEngine(fake)

	require.NoError(t, e.Push(context.Background(), "q", "m1", 0, 0))
	ok, err := e.Ack(context.Background(), "q", "m1")
	require.NoError(t, err)
	assert.True(t, ok)

	exists, err := e.Exists(context.Background(), "q", "m1")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestEnginePushIfNotExists(t *testing.T) {
	fake := storetest.New()
	e := queue.NewEngine(fake)

	pushed, err := e.PushIfNotExists(context.Background(), "q", "m1", 0, 0)
	require.NoError(t, err)
	assert.True(t, pushed)

	pushed, err = e.PushIfNotExists(context.Background(), "q", "m1", 0, 0)
	require.NoError(t, err)
	assert.False(t, pushed)
}

func TestEngineStartStopLifecycle(t *testing.T) {
	fake := storetest.New()
	e := queue.NewEngine(fake, queue.WithUnackSweepInterval(10*time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		e.Start(ctx)
		close(done)
	}()

	time.Sleep(30 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Start did not return after context cancellation")
	}
}
