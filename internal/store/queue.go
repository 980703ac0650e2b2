package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stemsi/exam-relay/internal/config"
	"github.com/stemsi/exam-relay/internal/model"
)

// ErrQueueEmpty is returned by Peek/Dequeue on an empty queue.
var ErrQueueEmpty = errors.New("queue is empty")

// QueueStore is the durable write queue: an ordered, named Redis list of
// pending upstream mutations. Enqueue appends to the tail, Peek inspects
// the head without removal, Dequeue removes the head. The three are
// atomic with respect to each other under the assumed single consumer
// per queue name (no distributed lock — documented risk).
type QueueStore struct {
	rdb *redis.Client
	log zerolog.Logger
}

// NewQueueStore creates a QueueStore on the shared Redis handle.
func NewQueueStore(rdb *redis.Client, log zerolog.Logger) *QueueStore {
	return &QueueStore{
		rdb: rdb,
		log: log.With().Str("component", "queue_store").Logger(),
	}
}

// Enqueue appends an entry to the tail of the named queue. Errors are
// logged and returned, but callers on the request path treat enqueue as
// fire-and-forget and never surface the failure to the student.
func (s *QueueStore) Enqueue(ctx context.Context, queueName string, entry *model.QueueEntry) error {
	if entry.SchemaVersion == 0 {
		entry.SchemaVersion = model.QueueEntrySchemaVersion
	}
	if entry.EntryID == "" {
		entry.EntryID = uuid.New().String()
	}

	raw, err := json.Marshal(entry)
	if err != nil {
		s.log.Error().Err(err).Str("queue", queueName).Msg("Marshal queue entry failed")
		return fmt.Errorf("marshal queue entry: %w", err)
	}

	if err := s.rdb.RPush(ctx, queueName, raw).Err(); err != nil {
		s.log.Error().Err(err).Str("queue", queueName).Msg("Enqueue failed")
		return fmt.Errorf("enqueue %s: %w", queueName, err)
	}

	s.log.Debug().
		Str("queue", queueName).
		Str("entry_id", entry.EntryID).
		Str("uri", entry.TargetURI).
		Msg("Enqueued")
	return nil
}

// Peek returns the head entry without removing it, or ErrQueueEmpty.
func (s *QueueStore) Peek(ctx context.Context, queueName string) (*model.QueueEntry, error) {
	raw, err := s.rdb.LIndex(ctx, queueName, 0).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrQueueEmpty
		}
		return nil, fmt.Errorf("peek %s: %w", queueName, err)
	}
	return decodeEntry(raw)
}

// Dequeue removes and returns the head entry, or ErrQueueEmpty.
func (s *QueueStore) Dequeue(ctx context.Context, queueName string) (*model.QueueEntry, error) {
	raw, err := s.rdb.LPop(ctx, queueName).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrQueueEmpty
		}
		return nil, fmt.Errorf("dequeue %s: %w", queueName, err)
	}
	return decodeEntry(raw)
}

// DeadLetter removes the head of the named queue and appends it verbatim
// to the queue's dead-letter sibling for manual inspection. Dead-letter
// queues are never auto-consumed.
func (s *QueueStore) DeadLetter(ctx context.Context, queueName string) (*model.QueueEntry, error) {
	entry, err := s.Dequeue(ctx, queueName)
	if err != nil {
		return nil, err
	}

	dlq := config.CacheKey.DeadLetterQueue(queueName)
	raw, err := json.Marshal(entry)
	if err != nil {
		return nil, fmt.Errorf("marshal dead letter: %w", err)
	}
	if err := s.rdb.RPush(ctx, dlq, raw).Err(); err != nil {
		return nil, fmt.Errorf("dead letter %s: %w", dlq, err)
	}

	s.log.Warn().
		Str("queue", queueName).
		Str("dead_letter_queue", dlq).
		Str("entry_id", entry.EntryID).
		Str("uri", entry.TargetURI).
		Msg("Entry dead-lettered")
	return entry, nil
}

// Length returns the number of pending entries in the named queue.
func (s *QueueStore) Length(ctx context.Context, queueName string) (int64, error) {
	n, err := s.rdb.LLen(ctx, queueName).Result()
	if err != nil {
		return 0, fmt.Errorf("length %s: %w", queueName, err)
	}
	return n, nil
}

// Entries returns every entry of the named queue without consuming it.
// Used by the inspection endpoint for dead-letter review.
func (s *QueueStore) Entries(ctx context.Context, queueName string) ([]*model.QueueEntry, error) {
	raws, err := s.rdb.LRange(ctx, queueName, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("range %s: %w", queueName, err)
	}

	entries := make([]*model.QueueEntry, 0, len(raws))
	for _, raw := range raws {
		entry, err := decodeEntry(raw)
		if err != nil {
			s.log.Warn().Err(err).Str("queue", queueName).Msg("Skipping undecodable entry")
			continue
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// DrainInto moves every entry from the old queue onto the tail of the
// active queue, preserving order. Run once at startup before the replay
// engine starts and before any new writes are accepted, so old-generation
// entries keep their position ahead of everything new.
func (s *QueueStore) DrainInto(ctx context.Context, oldName, activeName string) (int, error) {
	moved := 0
	for {
		raw, err := s.rdb.LPop(ctx, oldName).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				break
			}
			return moved, fmt.Errorf("drain pop %s: %w", oldName, err)
		}
		if err := s.rdb.RPush(ctx, activeName, raw).Err(); err != nil {
			// Put the entry back at the head so nothing is lost.
			s.rdb.LPush(ctx, oldName, raw)
			return moved, fmt.Errorf("drain push %s: %w", activeName, err)
		}
		moved++
	}

	if moved > 0 {
		s.log.Info().
			Str("from", oldName).
			Str("to", activeName).
			Int("moved", moved).
			Msg("Legacy queue drained")
	}
	return moved, nil
}

func decodeEntry(raw string) (*model.QueueEntry, error) {
	var entry model.QueueEntry
	if err := json.Unmarshal([]byte(raw), &entry); err != nil {
		return nil, fmt.Errorf("unmarshal queue entry: %w", err)
	}
	if err := entry.Validate(); err != nil {
		return nil, err
	}
	return &entry, nil
}
