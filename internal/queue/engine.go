package queue

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/relqueue/relqueue/internal/metrics"
	"github.com/relqueue/relqueue/internal/queue/store"
	"github.com/relqueue/relqueue/internal/queue/sweeper"
)

const (
	// DefaultUnackWindow is W: a lease held longer than this past its
	// deliver_on is considered abandoned and recycled by the reclaimer.
	DefaultUnackWindow = 60 * time.Second

	// DefaultUnackSweepInterval is how often the background reclaimer
	// sweeps for expired leases. It has the same default as
	// DefaultUnackWindow; the two are set independently
	// (WithUnackSweepInterval / WithUnackWindow) and nothing checks that
	// they agree.
	DefaultUnackSweepInterval = 60 * time.Second

	// defaultPollBackoff is the uninterruptible-in-spirit (but context-aware)
	// sleep between polling attempts in PollMessages.
	defaultPollBackoff = 100 * time.Millisecond
)

// Engine is the leasing engine plus its polling loop: it wraps a
// Store with the push/pop/ack/introspection surface callers use, and owns
// the unack reclaimer's lifecycle via Start/Close so embedding processes and
// tests can deterministically quiesce it.
type Engine struct {
	store         store.Store
	unackWindow   time.Duration
	pollBackoff   time.Duration
	sweepInterval time.Duration

	sweeper *sweeper.Sweeper
}

// Option configures an Engine at construction.
type Option func(*Engine)

func WithUnackWindow(d time.Duration) Option {
	return func(e *Engine) { e.unackWindow = d }
}

func WithPollBackoff(d time.Duration) Option {
	return func(e *Engine) { e.pollBackoff = d }
}

func WithUnackSweepInterval(d time.Duration) Option {
	return func(e *Engine) { e.sweepInterval = d }
}

func NewEngine(s store.Store, opts ...Option) *Engine {
	e := &Engine{
		store:         s,
		unackWindow:   DefaultUnackWindow,
		pollBackoff:   defaultPollBackoff,
		sweepInterval: DefaultUnackSweepInterval,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.sweeper = sweeper.New(e, e.sweepInterval)
	return e
}

// Start begins the background unack reclaimer. It blocks until ctx is
// cancelled or Close is called, so callers run it in its own goroutine; the
// source this engine is modeled on starts an equivalent task unconditionally
// at construction with no shutdown hook, which makes tests and embedding
// processes unable to quiesce it deterministically.
func (e *Engine) Start(ctx context.Context) {
	e.sweeper.Start(ctx)
}

// Close stops the background reclaimer started by Start. Safe to call once.
func (e *Engine) Close() {
	e.sweeper.Stop()
}

// Push upserts a single, payload-less message; offsetSeconds of 0
// means visible immediately.
func (e *Engine) Push(ctx context.Context, queueName, messageID string, priority int, offsetSeconds int64) error {
	if err := e.store.Push(ctx, queueName, messageID, priority, offsetSeconds); err != nil {
		return err
	}
	metrics.MessagesPushed.WithLabelValues(queueName).Inc()
	return nil
}

// PushBatch upserts a batch of payload-bearing messages, each delivered
// immediately.
func (e *Engine) PushBatch(ctx context.Context, queueName string, messages []PushMessage) error {
	if err := e.store.PushBatch(ctx, queueName, messages); err != nil {
		return err
	}
	metrics.MessagesPushed.WithLabelValues(queueName).Add(float64(len(messages)))
	return nil
}

// PushIfNotExists pushes only if the (queue, messageID) pair is absent,
// reporting whether it did so.
func (e *Engine) PushIfNotExists(ctx context.Context, queueName, messageID string, priority int, offsetSeconds int64) (bool, error) {
	pushed, err := e.store.PushIfNotExists(ctx, queueName, messageID, priority, offsetSeconds)
	if err != nil {
		return false, err
	}
	if pushed {
		metrics.MessagesPushed.WithLabelValues(queueName).Inc()
	}
	return pushed, nil
}

// PollMessages is the polling loop: for timeoutMs < 1 it makes a single
// non-retried pop attempt, swallowing transient conflicts into an empty
// result. Otherwise it repeatedly pops until count is satisfied or
// timeoutMs has elapsed, sleeping pollBackoff between attempts and
// returning a partial batch (never a fault) on a transient conflict.
func (e *Engine) PollMessages(ctx context.Context, queueName string, count int, timeoutMs int64) ([]Message, error) {
	start := time.Now()
	defer func() {
		metrics.PollDuration.WithLabelValues(queueName).Observe(time.Since(start).Seconds())
	}()

	if timeoutMs < 1 {
		messages, ok, err := e.store.PopBatch(ctx, queueName, count)
		if err != nil {
			return nil, err
		}
		if !ok {
			return []Message{}, nil
		}
		if len(messages) > 0 {
			metrics.MessagesPolled.WithLabelValues(queueName).Add(float64(len(messages)))
		}
		return messages, nil
	}

	collected := make([]Message, 0, count)

	for {
		remaining := count - len(collected)
		batch, ok, err := e.store.PopBatch(ctx, queueName, remaining)
		if err != nil {
			return collected, err
		}
		if !ok {
			log.Warn().Str("queue", queueName).Int("count", count).Int("collected", len(collected)).
				Msg("unable to poll messages due to tx conflict, returning partial batch")
			return collected, nil
		}

		collected = append(collected, batch...)
		if len(batch) > 0 {
			metrics.MessagesPolled.WithLabelValues(queueName).Add(float64(len(batch)))
		}
		if len(collected) >= count {
			return collected, nil
		}
		if time.Since(start) > time.Duration(timeoutMs)*time.Millisecond {
			return collected, nil
		}

		timer := time.NewTimer(e.pollBackoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return collected, nil
		case <-timer.C:
		}
	}
}

// Pop is pop(queue, count, timeout): a projection of PollMessages onto
// message IDs.
func (e *Engine) Pop(ctx context.Context, queueName string, count int, timeoutMs int64) ([]string, error) {
	messages, err := e.PollMessages(ctx, queueName, count, timeoutMs)
	if err != nil {
		return nil, err
	}
	ids := make([]string, len(messages))
	for i, m := range messages {
		ids[i] = m.ID
	}
	return ids, nil
}

func (e *Engine) Ack(ctx context.Context, queueName, messageID string) (bool, error) {
	acked, err := e.store.Ack(ctx, queueName, messageID)
	if err != nil {
		return false, err
	}
	if acked {
		metrics.MessagesAcked.WithLabelValues(queueName).Inc()
	}
	return acked, nil
}

func (e *Engine) Exists(ctx context.Context, queueName, messageID string) (bool, error) {
	return e.store.Exists(ctx, queueName, messageID)
}

func (e *Engine) Remove(ctx context.Context, queueName, messageID string) error {
	return e.store.Remove(ctx, queueName, messageID)
}

func (e *Engine) Flush(ctx context.Context, queueName string) error {
	return e.store.Flush(ctx, queueName)
}

func (e *Engine) SetUnackTimeout(ctx context.Context, queueName, messageID string, unackMillis int64) (bool, error) {
	return e.store.SetUnackTimeout(ctx, queueName, messageID, unackMillis)
}

func (e *Engine) SetOffsetTime(ctx context.Context, queueName, messageID string, offsetSeconds int64) (bool, error) {
	return e.store.SetOffsetTime(ctx, queueName, messageID, offsetSeconds)
}

func (e *Engine) GetSize(ctx context.Context, queueName string) (int64, error) {
	return e.store.GetSize(ctx, queueName)
}

func (e *Engine) QueuesDetail(ctx context.Context) (map[string]int64, error) {
	return e.store.QueuesDetail(ctx)
}

func (e *Engine) QueuesDetailVerbose(ctx context.Context) (map[string]map[string]map[string]int64, error) {
	return e.store.QueuesDetailVerbose(ctx)
}

// ProcessAllUnacks reclaims every lease held longer than the unack window
// across all queues. It is exported so administrative callers can trigger
// an off-cycle sweep in addition to the scheduled one driven by Start.
func (e *Engine) ProcessAllUnacks(ctx context.Context) (int64, error) {
	n, err := e.store.ProcessAllUnacks(ctx, int64(e.unackWindow.Seconds()))
	if err != nil {
		log.Error().Err(err).Msg("processAllUnacks failed")
		return 0, err
	}
	return n, nil
}

// ProcessUnacks reclaims expired leases for a single queue, the
// user-callable per-queue variant of ProcessAllUnacks.
func (e *Engine) ProcessUnacks(ctx context.Context, queueName string) (int64, error) {
	return e.store.ProcessUnacks(ctx, queueName, int64(e.unackWindow.Seconds()))
}

// UnackWindow returns the configured W, mostly useful for tests and
// diagnostics.
func (e *Engine) UnackWindow() time.Duration {
	return e.unackWindow
}
