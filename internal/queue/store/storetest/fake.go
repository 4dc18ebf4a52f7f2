// Package storetest provides an in-memory store.Store fake for deterministic
// tests of the engine's polling loop and the worker harness, without a real
// Postgres instance.
package storetest

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/relqueue/relqueue/internal/queue/queuemodel"
	"github.com/relqueue/relqueue/internal/queue/store"
)

type row struct {
	messageID string
	priority  int
	payload   *string
	deliverOn time.Time
	createdOn time.Time
	popped    bool
}

// Store is a single-process, mutex-guarded fake of the Postgres store. It
// reproduces the semantics PollMessages depends on (priority
// ordering, deliver_on gating, popped flag) without any locking subtlety --
// a single mutex stands in for FOR UPDATE SKIP LOCKED since there is no
// concurrent-transaction contention to model in-process.
type Store struct {
	mu sync.Mutex
	// ConflictOnPop, when true, makes the next PopBatch call return ok=false
	// to exercise the engine's transient-conflict handling path.
	ConflictOnPop bool

	queues map[string]map[string]*row
}

var _ store.Store = (*Store)(nil)

func New() *Store {
	return &Store{queues: make(map[string]map[string]*row)}
}

func (s *Store) queue(name string) map[string]*row {
	q, ok := s.queues[name]
	if !ok {
		q = make(map[string]*row)
		s.queues[name] = q
	}
	return q
}

func (s *Store) Push(ctx context.Context, queueName, messageID string, priority int, offsetSeconds int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	s.queue(queueName)[messageID] = &row{
		messageID: messageID,
		priority:  priority,
		deliverOn: now.Add(time.Duration(offsetSeconds) * time.Second),
		createdOn: now,
	}
	return nil
}

func (s *Store) PushBatch(ctx context.Context, queueName string, messages []queuemodel.PushMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	q := s.queue(queueName)
	for _, m := range messages {
		payload := m.Payload
		q[m.MessageID] = &row{
			messageID: m.MessageID,
			priority:  m.Priority,
			payload:   &payload,
			deliverOn: now,
			createdOn: now,
		}
	}
	return nil
}

func (s *Store) PushIfNotExists(ctx context.Context, queueName, messageID string, priority int, offsetSeconds int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	q := s.queue(queueName)
	if _, exists := q[messageID]; exists {
		return false, nil
	}
	now := time.Now()
	q[messageID] = &row{
		messageID: messageID,
		priority:  priority,
		deliverOn: now.Add(time.Duration(offsetSeconds) * time.Second),
		createdOn: now,
	}
	return true, nil
}

func (s *Store) PopBatch(ctx context.Context, queueName string, count int) ([]queuemodel.Message, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ConflictOnPop {
		s.ConflictOnPop = false
		return nil, false, nil
	}

	q := s.queue(queueName)
	now := time.Now()

	candidates := make([]*row, 0, len(q))
	for _, r := range q {
		if !r.popped && !r.deliverOn.After(now) {
			candidates = append(candidates, r)
		}
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].priority != candidates[j].priority {
			return candidates[i].priority > candidates[j].priority
		}
		if !candidates[i].deliverOn.Equal(candidates[j].deliverOn) {
			return candidates[i].deliverOn.Before(candidates[j].deliverOn)
		}
		return candidates[i].createdOn.Before(candidates[j].createdOn)
	})

	if count > len(candidates) {
		count = len(candidates)
	}
	if count < 0 {
		count = 0
	}

	messages := make([]queuemodel.Message, 0, count)
	for i := 0; i < count; i++ {
		r := candidates[i]
		r.popped = true
		payload := ""
		if r.payload != nil {
			payload = *r.payload
		}
		messages = append(messages, queuemodel.Message{ID: r.messageID, Priority: r.priority, Payload: payload})
	}
	return messages, true, nil
}

func (s *Store) Ack(ctx context.Context, queueName, messageID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	q := s.queue(queueName)
	if _, ok := q[messageID]; !ok {
		return false, nil
	}
	delete(q, messageID)
	return true, nil
}

func (s *Store) Exists(ctx context.Context, queueName, messageID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.queue(queueName)[messageID]
	return ok, nil
}

func (s *Store) Remove(ctx context.Context, queueName, messageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.queue(queueName), messageID)
	return nil
}

func (s *Store) Flush(ctx context.Context, queueName string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queues[queueName] = make(map[string]*row)
	return nil
}

func (s *Store) SetUnackTimeout(ctx context.Context, queueName, messageID string, unackMillis int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.queue(queueName)[messageID]
	if !ok {
		return false, nil
	}
	r.deliverOn = time.Now().Add(time.Duration(unackMillis) * time.Millisecond)
	return true, nil
}

func (s *Store) SetOffsetTime(ctx context.Context, queueName, messageID string, offsetSeconds int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.queue(queueName)[messageID]
	if !ok {
		return false, nil
	}
	r.deliverOn = time.Now().Add(time.Duration(offsetSeconds) * time.Second)
	return true, nil
}

func (s *Store) GetSize(ctx context.Context, queueName string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(len(s.queue(queueName))), nil
}

func (s *Store) QueuesDetail(ctx context.Context) (map[string]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]int64, len(s.queues))
	for name, q := range s.queues {
		var visible int64
		for _, r := range q {
			if !r.popped {
				visible++
			}
		}
		out[name] = visible
	}
	return out, nil
}

func (s *Store) QueuesDetailVerbose(ctx context.Context) (map[string]map[string]map[string]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]map[string]map[string]int64, len(s.queues))
	for name, q := range s.queues {
		var visible, unacked int64
		for _, r := range q {
			if r.popped {
				unacked++
			} else {
				visible++
			}
		}
		out[name] = map[string]map[string]int64{
			"a": {"size": visible, "uacked": unacked},
		}
	}
	return out, nil
}

// ProcessAllUnacks and ProcessUnacks are no-ops in this fake: a row marked
// popped by PopBatch stays popped until it is acked, removed or re-pushed.
// Reclaim is exercised against real Postgres in the build-tagged
// integration suite (TestStoreS4UnackReclaim) instead.
func (s *Store) ProcessAllUnacks(ctx context.Context, unackWindowSeconds int64) (int64, error) {
	return 0, nil
}

func (s *Store) ProcessUnacks(ctx context.Context, queueName string, unackWindowSeconds int64) (int64, error) {
	return 0, nil
}
