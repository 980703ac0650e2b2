// Package replay drains durable write queues against the upstream exam
// service. One engine instance per queue name; processing is strictly
// sequential within a queue, which is what the FIFO ordering guarantee
// rests on.
package replay

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/stemsi/exam-relay/internal/model"
	"github.com/stemsi/exam-relay/internal/store"
	"github.com/stemsi/exam-relay/internal/upstream"
)

// State is the engine's observable position in its processing cycle.
type State int32

const (
	// StateIdle: queue empty, sleeping a poll interval between checks.
	StateIdle State = iota
	// StateAttempting: head entry is being sent upstream.
	StateAttempting
	// StateBackoff: waiting before retrying the same head entry.
	StateBackoff
	// StateDeadLettered: head entry moved to the dead-letter queue,
	// ready to attempt the next one.
	StateDeadLettered
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateAttempting:
		return "ATTEMPTING"
	case StateBackoff:
		return "BACKOFF"
	case StateDeadLettered:
		return "DEAD_LETTERED"
	default:
		return "UNKNOWN"
	}
}

// Sender delivers one queue entry upstream. Implemented by
// upstream.Gateway; tests substitute fakes.
type Sender interface {
	Send(ctx context.Context, entry *model.QueueEntry) error
}

// Policy holds the engine's retry/backoff tuning. Connectivity-class
// failures wait ConnectivityDelay and retry forever without touching
// the budget; logic-class failures back off exponentially and are
// dead-lettered after MaxAttempts.
type Policy struct {
	PollInterval      time.Duration
	ConnectivityDelay time.Duration
	BackoffBase       time.Duration
	MaxAttempts       int
}

// Engine is the single consumer of one named queue.
type Engine struct {
	queueName string
	queue     *store.QueueStore
	sender    Sender
	policy    Policy
	log       zerolog.Logger
	state     atomic.Int32
}

// NewEngine creates an engine for the named queue.
func NewEngine(queueName string, queue *store.QueueStore, sender Sender, policy Policy, log zerolog.Logger) *Engine {
	return &Engine{
		queueName: queueName,
		queue:     queue,
		sender:    sender,
		policy:    policy,
		log: log.With().
			Str("component", "replay_engine").
			Str("queue", queueName).
			Logger(),
	}
}

// State returns the engine's current state.
func (e *Engine) State() State {
	return State(e.state.Load())
}

func (e *Engine) setState(s State) {
	e.state.Store(int32(s))
}

// Run processes the queue until ctx is cancelled. The in-flight attempt
// finishes before Run returns; an unresolved head entry simply stays at
// the head for the next start.
func (e *Engine) Run(ctx context.Context) {
	e.log.Info().Msg("Replay engine started")

	for {
		if ctx.Err() != nil {
			e.log.Info().Msg("Replay engine stopped")
			return
		}
		if !e.ProcessNext(ctx) {
			e.setState(StateIdle)
			if !sleep(ctx, e.policy.PollInterval) {
				e.log.Info().Msg("Replay engine stopped")
				return
			}
		}
	}
}

// ProcessNext resolves the head entry: confirmed upstream, dead-lettered,
// or left in place on cancellation. Returns false when the queue was
// empty (or unreadable) and the caller should idle.
func (e *Engine) ProcessNext(ctx context.Context) bool {
	entry, err := e.queue.Peek(ctx, e.queueName)
	if err != nil {
		if !errors.Is(err, store.ErrQueueEmpty) && ctx.Err() == nil {
			// Redis trouble or a poisoned head entry. Never skip: hold
			// position and let the idle sleep pace the retries.
			e.log.Error().Err(err).Msg("Peek failed")
		}
		return false
	}

	attempts := entry.Attempts

	for {
		e.setState(StateAttempting)
		err := e.sender.Send(ctx, entry)
		if err == nil {
			// Confirmed upstream. Remove the head and move on immediately.
			if _, err := e.queue.Dequeue(context.Background(), e.queueName); err != nil {
				e.log.Error().Err(err).Str("entry_id", entry.EntryID).Msg("Dequeue after success failed")
			}
			e.log.Info().
				Str("entry_id", entry.EntryID).
				Str("uri", entry.TargetURI).
				Int("attempts", attempts+1).
				Msg("Entry confirmed")
			return true
		}

		if ctx.Err() != nil {
			// Shutdown mid-attempt: leave the head untouched.
			return true
		}

		if upstream.IsConnectivity(err) {
			// The upstream is unreachable, which is exactly the outage the
			// queue exists to absorb. Fixed delay, unbounded retries, no
			// budget consumed, never dead-lettered for this reason.
			e.log.Warn().
				Err(err).
				Str("entry_id", entry.EntryID).
				Dur("retry_in", e.policy.ConnectivityDelay).
				Msg("Upstream unreachable, holding head entry")
			e.setState(StateBackoff)
			if !sleep(ctx, e.policy.ConnectivityDelay) {
				return true
			}
			continue
		}

		// Logic-class failure: remote 4xx/5xx, serialization, bad entry.
		// Assumed not to self-resolve; bounded so it cannot block the
		// queue forever.
		attempts++
		e.log.Error().
			Err(err).
			Str("entry_id", entry.EntryID).
			Str("uri", entry.TargetURI).
			Int("attempt", attempts).
			Int("budget", e.policy.MaxAttempts).
			Msg("Replay attempt failed")

		if attempts >= e.policy.MaxAttempts {
			e.setState(StateDeadLettered)
			if _, err := e.queue.DeadLetter(context.Background(), e.queueName); err != nil {
				e.log.Error().Err(err).Str("entry_id", entry.EntryID).Msg("Dead-letter failed")
				return false
			}
			return true
		}

		e.setState(StateBackoff)
		if !sleep(ctx, backoff(e.policy.BackoffBase, attempts)) {
			return true
		}
	}
}

// DrainLegacy moves every entry from a retired queue generation onto the
// active queue. Called once at startup, before Run and before any new
// writes are accepted, so the moved entries keep their global order.
func (e *Engine) DrainLegacy(ctx context.Context, legacyName string) error {
	if legacyName == "" || legacyName == e.queueName {
		return nil
	}
	moved, err := e.queue.DrainInto(ctx, legacyName, e.queueName)
	if err != nil {
		return err
	}
	if moved > 0 {
		e.log.Info().Str("legacy", legacyName).Int("moved", moved).Msg("Cut over from legacy queue")
	}
	return nil
}

// backoff returns 2^attempts * base, attempts counted from 1.
func backoff(base time.Duration, attempts int) time.Duration {
	return time.Duration(1<<uint(attempts)) * base
}

// sleep waits d or until ctx is done, reporting whether the full wait
// elapsed.
func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
