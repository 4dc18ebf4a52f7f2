// Package store defines the backend-agnostic persistence surface the
// leasing engine is built on: queue registration, message storage, the
// lock-and-update primitives behind popping and reclaiming, and queue
// introspection. The only implementation in this repository is Postgres
// (internal/queue/store/postgres); internal/queue/store/storetest provides
// an in-memory fake for deterministic engine/worker tests.
package store

import (
	"context"

	"github.com/relqueue/relqueue/internal/queue/queuemodel"
)

// Store is the DB-agnostic interface the leasing engine is built on.
type Store interface {
	// Push upserts a single message with no payload (per the original
	// source and spec.md's own signature, the single-message push path
	// never carries a payload -- only PushBatch does). priority defaults
	// to 0 at the caller's discretion; offsetSeconds of 0 means visible
	// immediately.
	Push(ctx context.Context, queueName, messageID string, priority int, offsetSeconds int64) error

	// PushBatch upserts a batch of payload-bearing messages, each
	// delivered immediately (offset 0), matching push(queue, []Message)
	// in the source.
	PushBatch(ctx context.Context, queueName string, messages []queuemodel.PushMessage) error

	// PushIfNotExists behaves like Push but is a no-op, returning false,
	// if the message already exists.
	PushIfNotExists(ctx context.Context, queueName, messageID string, priority int, offsetSeconds int64) (bool, error)

	// PopBatch is a single, non-retried attempt at peek-then-pop: it
	// selects up to count visible candidates (FOR UPDATE SKIP LOCKED,
	// priority DESC, deliver_on ASC, created_on ASC) and marks them
	// popped. ok is false when the attempt hit a transient conflict
	// (the caller should try again); err is non-nil only for faults that
	// are not transient conflicts, including BackendError when the pop
	// update count disagrees with the peek count.
	PopBatch(ctx context.Context, queueName string, count int) (messages []queuemodel.Message, ok bool, err error)

	// Ack deletes the row iff present; returns whether a row was removed.
	Ack(ctx context.Context, queueName, messageID string) (bool, error)

	// Exists is a shared-locked existence probe.
	Exists(ctx context.Context, queueName, messageID string) (bool, error)

	// Remove unconditionally deletes a message row.
	Remove(ctx context.Context, queueName, messageID string) error

	// Flush deletes every row for a queue.
	Flush(ctx context.Context, queueName string) error

	// SetUnackTimeout updates offset_time_seconds (derived from
	// unackMillis) and deliver_on := now + offset. Returns whether
	// exactly one row was updated.
	SetUnackTimeout(ctx context.Context, queueName, messageID string, unackMillis int64) (bool, error)

	// SetOffsetTime updates offset_time_seconds and deliver_on := now +
	// offsetSeconds under a queue-wide exclusive lock. Returns whether
	// exactly one row was updated.
	SetOffsetTime(ctx context.Context, queueName, messageID string, offsetSeconds int64) (bool, error)

	// GetSize returns the total row count (popped and unpopped) for a
	// queue.
	GetSize(ctx context.Context, queueName string) (int64, error)

	// QueuesDetail maps queue name to visible (popped = false) count.
	QueuesDetail(ctx context.Context) (map[string]int64, error)

	// QueuesDetailVerbose maps queue name to a single reserved shard
	// "a" holding {"size": visible count, "uacked": popped count}.
	QueuesDetailVerbose(ctx context.Context) (map[string]map[string]map[string]int64, error)

	// ProcessAllUnacks reclaims every expired lease across all queues,
	// returning the count reclaimed.
	ProcessAllUnacks(ctx context.Context, unackWindowSeconds int64) (int64, error)

	// ProcessUnacks reclaims expired leases for a single queue.
	ProcessUnacks(ctx context.Context, queueName string, unackWindowSeconds int64) (int64, error)
}
