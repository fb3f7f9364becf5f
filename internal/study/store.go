package study

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/nugget/studybuddy/internal/opstate"
)

// Namespace is the opstate namespace holding study state, keyed by
// instance ID.
const Namespace = "study_state"

// KV is the key-value substrate behind a [StateStore]. [*opstate.Store]
// satisfies it; Get must return [opstate.ErrNotFound] for missing keys.
type KV interface {
	Get(ctx context.Context, namespace, key string) (string, error)
	Set(ctx context.Context, namespace, key, value string) error
}

// StoreError reports that the state substrate itself failed. Tool
// handlers return it so the orchestrator can tell an unavailable store
// (abort the turn) from an ordinary tool failure (report it to the
// model).
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("study state %s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

// Fatal marks store failures as turn-aborting.
func (e *StoreError) Fatal() bool { return true }

// StateStore persists one instance's [State]. All read-modify-write
// sequences through [StateStore.Update] are serialized, so concurrent
// tool calls for the same instance never lose each other's changes.
type StateStore struct {
	kv         KV
	instanceID string

	mu sync.Mutex
}

// NewStateStore returns the store for instanceID. Use one handle per
// instance; the serialization guarantee is per handle.
func NewStateStore(kv KV, instanceID string) *StateStore {
	return &StateStore{kv: kv, instanceID: instanceID}
}

// InstanceID returns the instance this store belongs to.
func (s *StateStore) InstanceID() string { return s.instanceID }

// Read returns the current state. A missing record reads as an empty
// state with a non-nil task list.
func (s *StateStore) Read(ctx context.Context) (*State, error) {
	return s.read(ctx)
}

// Replace overwrites the stored state.
func (s *StateStore) Replace(ctx context.Context, st *State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.write(ctx, st)
}

// Update reads the state, applies fn, and writes the result, all inside
// the instance's critical section. If fn returns an error nothing is
// written.
func (s *StateStore) Update(ctx context.Context, fn func(*State) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, err := s.read(ctx)
	if err != nil {
		return err
	}
	if err := fn(st); err != nil {
		return err
	}
	return s.write(ctx, st)
}

// Reset discards the stored state so the next read sees an empty one.
// The record is deleted when kv supports it and blanked otherwise.
func (s *StateStore) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	deleter, ok := s.kv.(interface {
		Delete(ctx context.Context, namespace, key string) error
	})
	if !ok {
		return s.write(ctx, &State{})
	}
	if err := deleter.Delete(ctx, Namespace, s.instanceID); err != nil {
		return &StoreError{Op: "delete", Err: err}
	}
	return nil
}

func (s *StateStore) read(ctx context.Context) (*State, error) {
	raw, err := s.kv.Get(ctx, Namespace, s.instanceID)
	if errors.Is(err, opstate.ErrNotFound) || (err == nil && raw == "") {
		return &State{Tasks: []Task{}}, nil
	}
	if err != nil {
		return nil, &StoreError{Op: "read", Err: err}
	}

	var st State
	if err := json.Unmarshal([]byte(raw), &st); err != nil {
		return nil, &StoreError{Op: "decode", Err: err}
	}
	st.normalize()
	return &st, nil
}

func (s *StateStore) write(ctx context.Context, st *State) error {
	st.normalize()
	data, err := json.Marshal(st)
	if err != nil {
		return &StoreError{Op: "encode", Err: err}
	}
	if err := s.kv.Set(ctx, Namespace, s.instanceID, string(data)); err != nil {
		return &StoreError{Op: "write", Err: err}
	}
	return nil
}

// Instances lists the instances that have stored study state. It
// returns nothing when kv cannot enumerate its keys.
func Instances(ctx context.Context, kv KV) ([]string, error) {
	lister, ok := kv.(interface {
		Keys(ctx context.Context, namespace string) ([]string, error)
	})
	if !ok {
		return nil, nil
	}
	ids, err := lister.Keys(ctx, Namespace)
	if err != nil {
		return nil, &StoreError{Op: "list", Err: err}
	}
	return ids, nil
}
