// Package postgres is the only Store backend in this repository. It
// expresses the leasing engine's locking discipline directly in SQL --
// FOR UPDATE for push/remove/set-offset, FOR SHARE for size/existence,
// FOR UPDATE SKIP LOCKED for peek and reclaim -- running every
// multi-statement operation through internal/gateway's REPEATABLE READ
// transaction helpers.
package postgres

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog/log"

	"github.com/relqueue/relqueue/internal/gateway"
	"github.com/relqueue/relqueue/internal/queue/queuemodel"
	"github.com/relqueue/relqueue/internal/queue/store"
)

var _ store.Store = (*Store)(nil)

type Store struct {
	gw *gateway.Gateway
}

func New(gw *gateway.Gateway) *Store {
	return &Store{gw: gw}
}

const (
	lockQueueForUpdate = `SELECT queue_name FROM queue WHERE queue_name = $1 FOR UPDATE`

	lockMessageForUpdate = `SELECT 1 FROM queue_message WHERE queue_name = $1 AND message_id = $2 FOR UPDATE`

	lockAllMessagesForUpdate = `SELECT 1 FROM queue_message WHERE queue_name = $1 FOR UPDATE`

	createQueueIfNotExists = `INSERT INTO queue (queue_name) VALUES ($1) ON CONFLICT DO NOTHING`

	pushMessage = `
INSERT INTO queue_message (queue_name, message_id, priority, offset_time_seconds, deliver_on, payload)
VALUES ($1, $2, $3, $4, now() + make_interval(secs => $4), $5)
ON CONFLICT (queue_name, message_id) DO UPDATE SET payload = EXCLUDED.payload, deliver_on = EXCLUDED.deliver_on`

	existsMessage = `SELECT 1 FROM queue_message WHERE queue_name = $1 AND message_id = $2 FOR SHARE`

	peekMessages = `
SELECT message_id, priority, payload
FROM queue_message
WHERE queue_name = $1 AND popped = false AND deliver_on <= now() + interval '1 millisecond'
ORDER BY priority DESC, deliver_on ASC, created_on ASC
LIMIT $2
FOR UPDATE SKIP LOCKED`

	popMessages = `
UPDATE queue_message SET popped = true
WHERE queue_name = $1 AND message_id = ANY($2) AND popped = false`

	ackMessage = `DELETE FROM queue_message WHERE queue_name = $1 AND message_id = $2`

	removeMessage = `DELETE FROM queue_message WHERE queue_name = $1 AND message_id = $2`

	flushQueue = `DELETE FROM queue_message WHERE queue_name = $1`

	setUnackTimeout = `
UPDATE queue_message SET offset_time_seconds = $1, deliver_on = now() + make_interval(secs => $1)
WHERE queue_name = $2 AND message_id = $3`

	setOffsetTime = `
UPDATE queue_message SET offset_time_seconds = $1, deliver_on = now() + make_interval(secs => $1)
WHERE queue_name = $2 AND message_id = $3`

	getSizeLockQueue = `SELECT 1 FROM queue_message WHERE queue_name = $1 FOR SHARE`
	getSizeCount     = `SELECT count(*) FROM queue_message WHERE queue_name = $1`

	queuesDetail = `
SELECT q.queue_name, (SELECT count(*) FROM queue_message WHERE popped = false AND queue_name = q.queue_name) AS size
FROM queue q`

	queuesDetailVerbose = `
SELECT q.queue_name,
       (SELECT count(*) FROM queue_message WHERE popped = false AND queue_name = q.queue_name) AS size,
       (SELECT count(*) FROM queue_message WHERE popped = true AND queue_name = q.queue_name) AS uacked
FROM queue q`

	selectExpiredLeasesAllQueues = `
SELECT queue_name, message_id
FROM queue_message
WHERE popped = true AND deliver_on + make_interval(secs => $1) < now()
FOR UPDATE SKIP LOCKED`

	reclaimExpiredLeasesAllQueues = `
UPDATE queue_message qm
SET popped = false
FROM (SELECT unnest($1::text[]) AS queue_name, unnest($2::text[]) AS message_id) AS expired
WHERE qm.queue_name = expired.queue_name AND qm.message_id = expired.message_id`

	selectExpiredLeasesForQueue = `
SELECT message_id
FROM queue_message
WHERE queue_name = $1 AND popped = true AND deliver_on + make_interval(secs => $2) < now()
FOR UPDATE SKIP LOCKED`

	reclaimExpiredLeasesForQueue = `
UPDATE queue_message SET popped = false
WHERE queue_name = $1 AND message_id = ANY($2)`
)

func (s *Store) Push(ctx context.Context, queueName, messageID string, priority int, offsetSeconds int64) error {
	return s.gw.WithTransaction(ctx, func(ctx context.Context, tx pgx.Tx) error {
		return pushOne(ctx, tx, queueName, messageID, priority, offsetSeconds, nil)
	})
}

func (s *Store) PushBatch(ctx context.Context, queueName string, messages []queuemodel.PushMessage) error {
	return s.gw.WithTransaction(ctx, func(ctx context.Context, tx pgx.Tx) error {
		for _, m := range messages {
			payload := m.Payload
			if err := pushOne(ctx, tx, queueName, m.MessageID, m.Priority, 0, &payload); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Store) PushIfNotExists(ctx context.Context, queueName, messageID string, priority int, offsetSeconds int64) (bool, error) {
	return gateway.WithRetriedTransaction(ctx, s.gw, func(ctx context.Context, tx pgx.Tx) (bool, error) {
		if err := lockRows(ctx, tx, lockQueueForUpdate, queueName); err != nil {
			return false, err
		}
		if err := lockRows(ctx, tx, lockMessageForUpdate, queueName, messageID); err != nil {
			return false, err
		}
		exists, err := rowExists(ctx, tx, queueName, messageID)
		if err != nil {
			return false, err
		}
		if exists {
			return false, nil
		}
		if err := pushOne(ctx, tx, queueName, messageID, priority, offsetSeconds, nil); err != nil {
			return false, err
		}
		return true, nil
	})
}

func pushOne(ctx context.Context, tx pgx.Tx, queueName, messageID string, priority int, offsetSeconds int64, payload *string) error {
	if err := lockRows(ctx, tx, lockQueueForUpdate, queueName); err != nil {
		return err
	}
	if err := lockRows(ctx, tx, lockMessageForUpdate, queueName, messageID); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, createQueueIfNotExists, queueName); err != nil {
		return err
	}
	_, err := tx.Exec(ctx, pushMessage, queueName, messageID, priority, offsetSeconds, payload)
	return err
}

// lockRows runs a SELECT ... FOR UPDATE/FOR SHARE purely for its locking
// side effect, draining and discarding whatever rows it returns.
func lockRows(ctx context.Context, tx pgx.Tx, sql string, args ...any) error {
	rows, err := tx.Query(ctx, sql, args...)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
	}
	return rows.Err()
}

func rowExists(ctx context.Context, tx pgx.Tx, queueName, messageID string) (bool, error) {
	rows, err := tx.Query(ctx, existsMessage, queueName, messageID)
	if err != nil {
		return false, err
	}
	defer rows.Close()
	found := rows.Next()
	return found, rows.Err()
}

// PopBatch is the single-attempt peek-then-pop that both the non-retried
// pollMessages(timeout<1) path and each iteration of the engine's polling
// loop use. It is intentionally not retried: a transient conflict here means
// "try again", signalled by ok=false, not a fault.
func (s *Store) PopBatch(ctx context.Context, queueName string, count int) ([]queuemodel.Message, bool, error) {
	messages, ok, err := gateway.WithTransactionNoPropagation(ctx, s.gw, func(ctx context.Context, tx pgx.Tx) ([]queuemodel.Message, error) {
		return popBatch(ctx, tx, queueName, count)
	})
	if err != nil {
		return nil, false, err
	}
	if !ok {
		return nil, false, nil
	}
	return messages, true, nil
}

func popBatch(ctx context.Context, tx pgx.Tx, queueName string, count int) ([]queuemodel.Message, error) {
	if count < 1 {
		return nil, nil
	}

	rows, err := tx.Query(ctx, peekMessages, queueName, count)
	if err != nil {
		return nil, err
	}
	var candidates []queuemodel.Message
	for rows.Next() {
		var m queuemodel.Message
		var payload *string
		if err := rows.Scan(&m.ID, &m.Priority, &payload); err != nil {
			rows.Close()
			return nil, err
		}
		if payload != nil {
			m.Payload = *payload
		}
		candidates = append(candidates, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	rows.Close()

	if len(candidates) == 0 {
		return nil, nil
	}

	ids := make([]string, len(candidates))
	for i, m := range candidates {
		ids[i] = m.ID
	}

	tag, err := tx.Exec(ctx, popMessages, queueName, ids)
	if err != nil {
		return nil, err
	}
	if int(tag.RowsAffected()) != len(candidates) {
		return nil, queuemodel.NewBackendError("popMessages",
			"could not pop all messages for given ids: %v (%d messages were popped)", ids, tag.RowsAffected())
	}
	return candidates, nil
}

func (s *Store) Ack(ctx context.Context, queueName, messageID string) (bool, error) {
	return gateway.WithRetriedTransaction(ctx, s.gw, func(ctx context.Context, tx pgx.Tx) (bool, error) {
		tag, err := tx.Exec(ctx, ackMessage, queueName, messageID)
		if err != nil {
			return false, err
		}
		return tag.RowsAffected() > 0, nil
	})
}

func (s *Store) Exists(ctx context.Context, queueName, messageID string) (bool, error) {
	return gateway.WithRetriedTransaction(ctx, s.gw, func(ctx context.Context, tx pgx.Tx) (bool, error) {
		return rowExists(ctx, tx, queueName, messageID)
	})
}

func (s *Store) Remove(ctx context.Context, queueName, messageID string) error {
	return s.gw.WithTransaction(ctx, func(ctx context.Context, tx pgx.Tx) error {
		_, err := tx.Exec(ctx, removeMessage, queueName, messageID)
		return err
	})
}

func (s *Store) Flush(ctx context.Context, queueName string) error {
	return s.gw.WithTransaction(ctx, func(ctx context.Context, tx pgx.Tx) error {
		_, err := tx.Exec(ctx, flushQueue, queueName)
		return err
	})
}

func (s *Store) SetUnackTimeout(ctx context.Context, queueName, messageID string, unackMillis int64) (bool, error) {
	offsetSeconds := unackMillis / 1000
	return gateway.WithRetriedTransaction(ctx, s.gw, func(ctx context.Context, tx pgx.Tx) (bool, error) {
		tag, err := tx.Exec(ctx, setUnackTimeout, offsetSeconds, queueName, messageID)
		if err != nil {
			return false, err
		}
		return tag.RowsAffected() == 1, nil
	})
}

func (s *Store) SetOffsetTime(ctx context.Context, queueName, messageID string, offsetSeconds int64) (bool, error) {
	return gateway.WithRetriedTransaction(ctx, s.gw, func(ctx context.Context, tx pgx.Tx) (bool, error) {
		// Queue-wide exclusive lock: tighter contention than the default
		// per-row lock, used for targeted reschedules.
		if err := lockRows(ctx, tx, lockAllMessagesForUpdate, queueName); err != nil {
			return false, err
		}
		tag, err := tx.Exec(ctx, setOffsetTime, offsetSeconds, queueName, messageID)
		if err != nil {
			return false, err
		}
		return tag.RowsAffected() == 1, nil
	})
}

func (s *Store) GetSize(ctx context.Context, queueName string) (int64, error) {
	return gateway.WithRetriedTransaction(ctx, s.gw, func(ctx context.Context, tx pgx.Tx) (int64, error) {
		if err := lockRows(ctx, tx, getSizeLockQueue, queueName); err != nil {
			return 0, err
		}
		var count int64
		err := tx.QueryRow(ctx, getSizeCount, queueName).Scan(&count)
		return count, err
	})
}

func (s *Store) QueuesDetail(ctx context.Context) (map[string]int64, error) {
	return gateway.WithRetriedTransaction(ctx, s.gw, func(ctx context.Context, tx pgx.Tx) (map[string]int64, error) {
		rows, err := tx.Query(ctx, queuesDetail)
		if err != nil {
			return nil, err
		}
		defer rows.Close()

		detail := make(map[string]int64)
		for rows.Next() {
			var name string
			var size int64
			if err := rows.Scan(&name, &size); err != nil {
				return nil, err
			}
			detail[name] = size
		}
		return detail, rows.Err()
	})
}

func (s *Store) QueuesDetailVerbose(ctx context.Context) (map[string]map[string]map[string]int64, error) {
	return gateway.WithRetriedTransaction(ctx, s.gw, func(ctx context.Context, tx pgx.Tx) (map[string]map[string]map[string]int64, error) {
		rows, err := tx.Query(ctx, queuesDetailVerbose)
		if err != nil {
			return nil, err
		}
		defer rows.Close()

		result := make(map[string]map[string]map[string]int64)
		for rows.Next() {
			var name string
			var size, uacked int64
			if err := rows.Scan(&name, &size, &uacked); err != nil {
				return nil, err
			}
			// Sharding is not implemented; a single reserved shard "a"
			// carries all the info, leaving room for future sharding.
			result[name] = map[string]map[string]int64{
				"a": {"size": size, "uacked": uacked},
			}
		}
		return result, rows.Err()
	})
}

func (s *Store) ProcessAllUnacks(ctx context.Context, unackWindowSeconds int64) (int64, error) {
	return gateway.WithRetriedTransaction(ctx, s.gw, func(ctx context.Context, tx pgx.Tx) (int64, error) {
		rows, err := tx.Query(ctx, selectExpiredLeasesAllQueues, unackWindowSeconds)
		if err != nil {
			return 0, err
		}
		var queueNames, messageIDs []string
		for rows.Next() {
			var qn, mid string
			if err := rows.Scan(&qn, &mid); err != nil {
				rows.Close()
				return 0, err
			}
			queueNames = append(queueNames, qn)
			messageIDs = append(messageIDs, mid)
		}
		if err := rows.Err(); err != nil {
			return 0, err
		}
		rows.Close()

		if len(messageIDs) == 0 {
			return 0, nil
		}

		tag, err := tx.Exec(ctx, reclaimExpiredLeasesAllQueues, queueNames, messageIDs)
		if err != nil {
			return 0, err
		}
		n := tag.RowsAffected()
		if n > 0 {
			log.Debug().Int64("count", n).Strs("message_ids", messageIDs).Msg("unacked messages from all queues")
		}
		return n, nil
	})
}

func (s *Store) ProcessUnacks(ctx context.Context, queueName string, unackWindowSeconds int64) (int64, error) {
	return gateway.WithRetriedTransaction(ctx, s.gw, func(ctx context.Context, tx pgx.Tx) (int64, error) {
		rows, err := tx.Query(ctx, selectExpiredLeasesForQueue, queueName, unackWindowSeconds)
		if err != nil {
			return 0, err
		}
		var messageIDs []string
		for rows.Next() {
			var mid string
			if err := rows.Scan(&mid); err != nil {
				rows.Close()
				return 0, err
			}
			messageIDs = append(messageIDs, mid)
		}
		if err := rows.Err(); err != nil {
			return 0, err
		}
		rows.Close()

		if len(messageIDs) == 0 {
			return 0, nil
		}

		tag, err := tx.Exec(ctx, reclaimExpiredLeasesForQueue, queueName, messageIDs)
		if err != nil {
			return 0, err
		}
		n := tag.RowsAffected()
		if n > 0 {
			log.Debug().Int64("count", n).Str("queue", queueName).Strs("message_ids", messageIDs).Msg("unacked messages from queue")
		}
		return n, nil
	})
}
