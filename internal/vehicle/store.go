// Package vehicle holds the authoritative vehicle state.
//
// The identifier set is fixed when the Store is built: pings can only update vehicles that
// were provisioned. Each vehicle has its own lock, so updates to different vehicles never
// contend while updates to one vehicle are serialized.
package vehicle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"bustrack/internal/geo"
)

var (
	ErrNotFound         = errors.New("vehicle not found")
	ErrStoreUnavailable = errors.New("vehicle store unavailable")
	ErrDuplicateID      = errors.New("duplicate vehicle id")
)

type entry struct {
	mu    sync.Mutex
	state State
}

// Store maps vehicle identifier to State.
type Store struct {
	// entries is never written after NewStore returns, so lookups need no lock.
	entries   map[string]*entry
	persister Persister
}

// StoreOption configures NewStore.
type StoreOption func(*storeOptions)

type storeOptions struct {
	eta func(pos geo.Point, speedKmh float64) int
}

// WithETA recomputes the ETA of every restored vehicle from its restored position and speed.
func WithETA(fn func(pos geo.Point, speedKmh float64) int) StoreOption {
	return func(o *storeOptions) { o.eta = fn }
}

// NewStore provisions the given vehicles and restores any state the persister already holds
// for them. Persisted records for unknown identifiers are ignored. Persisted ETAs are
// dropped: they are recomputed with WithETA, or left unknown without it.
func NewStore(ctx context.Context, provisioned []State, p Persister, opts ...StoreOption) (*Store, error) {
	var o storeOptions
	for _, opt := range opts {
		opt(&o)
	}
	if p == nil {
		p = NopPersister{}
	}
	s := &Store{entries: make(map[string]*entry, len(provisioned)), persister: p}
	for _, v := range provisioned {
		if v.ID == "" {
			return nil, fmt.Errorf("vehicle: empty id")
		}
		if _, ok := s.entries[v.ID]; ok {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateID, v.ID)
		}
		if v.Type == "" {
			v.Type = Ordinary
		}
		s.entries[v.ID] = &entry{state: v.clone()}
	}

	saved, err := p.LoadAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: restoring state: %w", ErrStoreUnavailable, err)
	}
	for _, st := range saved {
		e, ok := s.entries[st.ID]
		if !ok {
			slog.Warn("ignoring persisted state for unprovisioned vehicle", "vehicle", st.ID)
			continue
		}
		// Provisioning owns identity and metadata; only the live fields are restored.
		e.state.Position = st.Position
		e.state.Speed = st.Speed
		e.state.ETAMinutes = nil
		if o.eta != nil {
			e.state.SetETA(o.eta(st.Position, st.Speed))
		}
		e.state.LastUpdated = st.LastUpdated
		e.state.Seq = st.Seq
	}
	return s, nil
}

// Has reports whether id is provisioned.
func (s *Store) Has(id string) bool {
	_, ok := s.entries[id]
	return ok
}

func (s *Store) Len() int { return len(s.entries) }

func (s *Store) Get(id string) (State, error) {
	e, ok := s.entries[id]
	if !ok {
		return State{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state.clone(), nil
}

// Update runs fn on a copy of the vehicle's state while holding that vehicle's lock, persists
// the result and only then commits it. The sequence number is advanced on every commit.
// If fn or the persister fails the stored state is unchanged.
func (s *Store) Update(ctx context.Context, id string, fn func(*State) error) (State, error) {
	e, ok := s.entries[id]
	if !ok {
		return State{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	next := e.state.clone()
	if err := fn(&next); err != nil {
		return State{}, err
	}
	next.ID = e.state.ID
	next.Seq = e.state.Seq + 1
	next.ActiveObserverCount = 0

	if err := s.persister.Save(ctx, next); err != nil {
		return State{}, fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}
	e.state = next
	return next.clone(), nil
}

// UpdateLocation replaces position, speed and lastUpdated of a provisioned vehicle, leaving
// every other field untouched.
func (s *Store) UpdateLocation(ctx context.Context, id string, pos geo.Point, speed float64, ts time.Time) (State, error) {
	return s.Update(ctx, id, func(st *State) error {
		st.ApplyLocation(pos, speed, ts)
		return nil
	})
}

// List returns every vehicle ordered by id. Each entry is consistent on its own; the list as
// a whole is not a single point in time.
func (s *Store) List() []State {
	ids := make([]string, 0, len(s.entries))
	for id := range s.entries {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	out := make([]State, 0, len(ids))
	for _, id := range ids {
		e := s.entries[id]
		e.mu.Lock()
		out = append(out, e.state.clone())
		e.mu.Unlock()
	}
	return out
}
