package control

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/santarrsgrotto/readarr-server/internal/catalog"
	"github.com/santarrsgrotto/readarr-server/internal/store"
)

var null = json.RawMessage("null")

// Store reads and writes typed control state.
type Store struct {
	kv store.KV
}

// New wraps kv.
func New(kv store.KV) *Store {
	return &Store{kv: kv}
}

// Load reads the watermark and all pending queues.
func (s *Store) Load(ctx context.Context) (State, error) {
	var st State
	if _, err := s.get(ctx, KeyWatermark, &st.Watermark); err != nil {
		return State{}, err
	}
	for _, kind := range catalog.Kinds {
		queue, err := s.Queue(ctx, kind)
		if err != nil {
			return State{}, err
		}
		st.Queues.Append(kind, queue...)
	}
	return st, nil
}

// Checkpoint atomically persists the watermark together with every queue.
func (s *Store) Checkpoint(ctx context.Context, st State) error {
	values := make(map[string]json.RawMessage, 1+len(catalog.Kinds))
	wm, err := encode(st.Watermark.UTC())
	if err != nil {
		return err
	}
	values[KeyWatermark] = wm
	for _, kind := range catalog.Kinds {
		raw, err := encode(nonNil(st.Queues.Get(kind)))
		if err != nil {
			return err
		}
		values[PendingKey(kind)] = raw
	}
	return s.write(ctx, values)
}

// Queue returns the pending keys of kind, head first.
func (s *Store) Queue(ctx context.Context, kind catalog.Kind) ([]string, error) {
	var queue []string
	if _, err := s.get(ctx, PendingKey(kind), &queue); err != nil {
		return nil, err
	}
	return queue, nil
}

// CompleteBatch removes the batch from the head of its queue and appends the
// failed keys at the tail in a single atomic update. With MaxAttempts set,
// keys reaching the bound move to the dead-letter list instead.
func (s *Store) CompleteBatch(ctx context.Context, res BatchResult) (BatchOutcome, error) {
	pending := PendingKey(res.Kind)
	keys := []string{pending}
	if res.MaxAttempts > 0 {
		keys = append(keys, AttemptsKey(res.Kind), DeadLetterKey(res.Kind))
	}
	var outcome BatchOutcome
	err := s.kv.Update(ctx, keys, func(current map[string]json.RawMessage) (map[string]json.RawMessage, error) {
		outcome = BatchOutcome{}
		var queue []string
		if _, err := decode(current[pending], &queue); err != nil {
			return nil, fmt.Errorf("%s: %w", pending, err)
		}
		taken := min(len(res.Batch), len(queue))
		queue = append([]string(nil), queue[taken:]...)

		out := make(map[string]json.RawMessage, len(keys))
		requeue := append([]string(nil), res.Failed...)
		if res.MaxAttempts > 0 {
			var err error
			requeue, err = applyAttempts(current, out, res, &outcome)
			if err != nil {
				return nil, err
			}
		}
		queue = append(queue, requeue...)
		raw, err := encode(nonNil(queue))
		if err != nil {
			return nil, err
		}
		out[pending] = raw
		outcome.Requeued = requeue
		outcome.Remaining = len(queue)
		return out, nil
	})
	if err != nil {
		return BatchOutcome{}, fmt.Errorf("complete %s batch: %w", res.Kind, err)
	}
	return outcome, nil
}

func applyAttempts(
	current map[string]json.RawMessage,
	out map[string]json.RawMessage,
	res BatchResult,
	outcome *BatchOutcome,
) ([]string, error) {
	attemptsKey := AttemptsKey(res.Kind)
	deadKey := DeadLetterKey(res.Kind)
	attempts := map[string]int{}
	if _, err := decode(current[attemptsKey], &attempts); err != nil {
		return nil, fmt.Errorf("%s: %w", attemptsKey, err)
	}
	var dead []string
	if _, err := decode(current[deadKey], &dead); err != nil {
		return nil, fmt.Errorf("%s: %w", deadKey, err)
	}

	failed := make(map[string]struct{}, len(res.Failed))
	for _, key := range res.Failed {
		failed[key] = struct{}{}
	}
	for _, key := range res.Batch {
		if _, ok := failed[key]; !ok {
			delete(attempts, key)
		}
	}
	var requeue []string
	for _, key := range res.Failed {
		attempts[key]++
		if attempts[key] >= res.MaxAttempts {
			delete(attempts, key)
			dead = append(dead, key)
			outcome.DeadLettered = append(outcome.DeadLettered, key)
			continue
		}
		requeue = append(requeue, key)
	}

	rawAttempts, err := encode(attempts)
	if err != nil {
		return nil, err
	}
	rawDead, err := encode(nonNil(dead))
	if err != nil {
		return nil, err
	}
	out[attemptsKey] = rawAttempts
	out[deadKey] = rawDead
	return requeue, nil
}

// BeginRun records a new run: its id and start time, clearing the finish time
// and any stored error.
func (s *Store) BeginRun(ctx context.Context, runID string, at time.Time) error {
	id, err := encode(runID)
	if err != nil {
		return err
	}
	start, err := encode(at.UTC())
	if err != nil {
		return err
	}
	return s.write(ctx, map[string]json.RawMessage{
		KeyRunID:          id,
		KeyRunStart:       start,
		KeyRunFinish:      null,
		KeyRunError:       null,
		KeyDiscoveryError: null,
	})
}

// SetPhase persists the current state machine phase.
func (s *Store) SetPhase(ctx context.Context, phase Phase) error {
	raw, err := encode(phase)
	if err != nil {
		return err
	}
	if err := s.kv.Set(ctx, KeyRunPhase, raw); err != nil {
		return fmt.Errorf("set %s: %w", KeyRunPhase, err)
	}
	return nil
}

// FinishRun records a clean finish.
func (s *Store) FinishRun(ctx context.Context, at time.Time) error {
	finish, err := encode(at.UTC())
	if err != nil {
		return err
	}
	phase, err := encode(PhaseFinished)
	if err != nil {
		return err
	}
	return s.write(ctx, map[string]json.RawMessage{
		KeyRunFinish: finish,
		KeyRunError:  null,
		KeyRunPhase:  phase,
	})
}

// FailRun records the failure cause and leaves the finish time unset.
func (s *Store) FailRun(ctx context.Context, cause string) error {
	msg, err := encode(cause)
	if err != nil {
		return err
	}
	phase, err := encode(PhaseFailed)
	if err != nil {
		return err
	}
	return s.write(ctx, map[string]json.RawMessage{
		KeyRunError: msg,
		KeyRunPhase: phase,
	})
}

// RecordDiscoveryError persists the detail of a failed discovery pass.
func (s *Store) RecordDiscoveryError(ctx context.Context, detail DiscoveryError) error {
	raw, err := encode(detail)
	if err != nil {
		return err
	}
	if err := s.kv.Set(ctx, KeyDiscoveryError, raw); err != nil {
		return fmt.Errorf("set %s: %w", KeyDiscoveryError, err)
	}
	return nil
}

// Status returns a monitoring snapshot.
func (s *Store) Status(ctx context.Context) (Status, error) {
	st := Status{
		Phase:        PhaseIdle,
		Pending:      make(map[catalog.Kind]int, len(catalog.Kinds)),
		DeadLettered: make(map[catalog.Kind]int, len(catalog.Kinds)),
	}
	if _, err := s.get(ctx, KeyRunID, &st.RunID); err != nil {
		return Status{}, err
	}
	if _, err := s.get(ctx, KeyRunPhase, &st.Phase); err != nil {
		return Status{}, err
	}
	fields := []struct {
		key string
		dst any
	}{
		{KeyWatermark, &st.Watermark},
		{KeyRunStart, &st.RunStart},
		{KeyRunFinish, &st.RunFinish},
		{KeyRunError, &st.RunError},
		{KeyDiscoveryError, &st.DiscoveryError},
	}
	for _, f := range fields {
		if _, err := s.get(ctx, f.key, f.dst); err != nil {
			return Status{}, err
		}
	}
	for _, kind := range catalog.Kinds {
		queue, err := s.Queue(ctx, kind)
		if err != nil {
			return Status{}, err
		}
		st.Pending[kind] = len(queue)
		var dead []string
		if _, err := s.get(ctx, DeadLetterKey(kind), &dead); err != nil {
			return Status{}, err
		}
		st.DeadLettered[kind] = len(dead)
	}
	return st, nil
}

func (s *Store) get(ctx context.Context, key string, dst any) (bool, error) {
	raw, err := s.kv.Get(ctx, key)
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("get %s: %w", key, err)
	}
	ok, err := decode(raw, dst)
	if err != nil {
		return false, fmt.Errorf("%s: %w", key, err)
	}
	return ok, nil
}

func (s *Store) write(ctx context.Context, values map[string]json.RawMessage) error {
	keys := make([]string, 0, len(values))
	for key := range values {
		keys = append(keys, key)
	}
	err := s.kv.Update(ctx, keys, func(map[string]json.RawMessage) (map[string]json.RawMessage, error) {
		return values, nil
	})
	if err != nil {
		return fmt.Errorf("write control state: %w", err)
	}
	return nil
}

func decode(raw json.RawMessage, dst any) (bool, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return false, nil
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return false, fmt.Errorf("decode: %w", err)
	}
	return true, nil
}

func encode(v any) (json.RawMessage, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode: %w", err)
	}
	return raw, nil
}

func nonNil(keys []string) []string {
	if keys == nil {
		return []string{}
	}
	return keys
}
