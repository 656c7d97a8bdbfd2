// Package broadcast fans vehicle updates out to the connections subscribed to each vehicle.
//
// A Router is an explicit instance owned by the host process. Connections register a Sink,
// subscribe to vehicle identifiers, and are dropped on Disconnect. Delivery is best-effort:
// a failing sink is logged and skipped, and never fails Publish.
package broadcast

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

var (
	ErrClosed         = errors.New("broadcast: router closed")
	ErrUnknownConn    = errors.New("broadcast: unknown connection")
	ErrDuplicateConn  = errors.New("broadcast: connection already registered")
	ErrDeliveryFailed = errors.New("broadcast: delivery failed")
	// ErrSinkClosed tells the router the connection is gone; it is disconnected after the publish.
	ErrSinkClosed = errors.New("broadcast: sink closed")
)

// ConnID identifies a transport connection.
type ConnID string

// Event is one update for one vehicle. Seq orders events of the same vehicle; zero means
// unsequenced and is delivered only until a sequenced event has gone out to that connection.
type Event struct {
	VehicleID string
	Seq       uint64
	Payload   []byte
}

// Sink receives events for one connection. Deliver is called with the subscriber lock held
// and must not block.
type Sink interface {
	Deliver(ev Event) error
}

type subscriber struct {
	id   ConnID
	sink Sink

	mu     sync.Mutex
	closed bool
	// vehicles maps subscribed vehicle id to the last delivered seq.
	vehicles map[string]uint64
}

func (s *subscriber) deliver(ev Event) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, nil
	}
	last, ok := s.vehicles[ev.VehicleID]
	if !ok {
		return false, nil
	}
	if (ev.Seq == 0 && last > 0) || (ev.Seq != 0 && ev.Seq <= last) {
		// A newer update already went out on this connection.
		return false, nil
	}
	if err := s.sink.Deliver(ev); err != nil {
		return false, err
	}
	if ev.Seq != 0 {
		s.vehicles[ev.VehicleID] = ev.Seq
	}
	return true, nil
}

// Router holds the subscription registry.
type Router struct {
	mu        sync.RWMutex
	closed    bool
	conns     map[ConnID]*subscriber
	byVehicle map[string]map[ConnID]*subscriber
}

func NewRouter() *Router {
	return &Router{
		conns:     make(map[ConnID]*subscriber),
		byVehicle: make(map[string]map[ConnID]*subscriber),
	}
}

// Connect registers a connection with no subscriptions.
func (r *Router) Connect(id ConnID, sink Sink) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrClosed
	}
	if _, ok := r.conns[id]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateConn, id)
	}
	r.conns[id] = &subscriber{id: id, sink: sink, vehicles: make(map[string]uint64)}
	return nil
}

// Subscribe registers interest of a connection in a vehicle. Subscribing twice is a no-op.
func (r *Router) Subscribe(id ConnID, vehicleID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrClosed
	}
	sub, ok := r.conns[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownConn, id)
	}
	set, ok := r.byVehicle[vehicleID]
	if !ok {
		set = make(map[ConnID]*subscriber)
		r.byVehicle[vehicleID] = set
	}
	set[id] = sub

	sub.mu.Lock()
	if _, ok := sub.vehicles[vehicleID]; !ok {
		sub.vehicles[vehicleID] = 0
	}
	sub.mu.Unlock()
	return nil
}

// Unsubscribe removes every subscription of a connection. The connection stays registered.
// Unknown connections are ignored.
func (r *Router) Unsubscribe(id ConnID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sub, ok := r.conns[id]
	if !ok {
		return
	}
	r.dropSubscriptions(sub)
}

// Disconnect removes a connection and all its subscriptions. No event reaches the sink once
// Disconnect returns. Calling it again is a no-op.
func (r *Router) Disconnect(id ConnID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sub, ok := r.conns[id]
	if !ok {
		return
	}
	r.dropSubscriptions(sub)
	delete(r.conns, id)

	sub.mu.Lock()
	sub.closed = true
	sub.mu.Unlock()
}

// dropSubscriptions requires r.mu.
func (r *Router) dropSubscriptions(sub *subscriber) {
	sub.mu.Lock()
	defer sub.mu.Unlock()
	for v := range sub.vehicles {
		if set, ok := r.byVehicle[v]; ok {
			delete(set, sub.id)
			if len(set) == 0 {
				delete(r.byVehicle, v)
			}
		}
	}
	clear(sub.vehicles)
}

// Publish delivers payload to every connection subscribed to vehicleID and returns how many
// sinks accepted it. Per-connection failures are logged and never returned.
func (r *Router) Publish(vehicleID string, seq uint64, payload []byte) int {
	r.mu.RLock()
	if r.closed {
		r.mu.RUnlock()
		return 0
	}
	subs := make([]*subscriber, 0, len(r.byVehicle[vehicleID]))
	for _, s := range r.byVehicle[vehicleID] {
		subs = append(subs, s)
	}
	r.mu.RUnlock()

	ev := Event{VehicleID: vehicleID, Seq: seq, Payload: payload}
	delivered := 0
	var gone []ConnID
	for _, s := range subs {
		ok, err := s.deliver(ev)
		if err != nil {
			slog.Warn("delivery failed", "conn", s.id, "vehicle", vehicleID, "seq", seq, "err", err)
			if errors.Is(err, ErrSinkClosed) {
				gone = append(gone, s.id)
			}
			continue
		}
		if ok {
			delivered++
		}
	}
	for _, id := range gone {
		r.Disconnect(id)
	}
	return delivered
}

// Send delivers one event to a single connection, under the same per-vehicle ordering as
// Publish. It reports whether the event went out; a connection not subscribed to the vehicle,
// or one that already saw a newer seq, gets nothing.
func (r *Router) Send(id ConnID, vehicleID string, seq uint64, payload []byte) (bool, error) {
	r.mu.RLock()
	sub, ok := r.conns[id]
	closed := r.closed
	r.mu.RUnlock()
	if closed {
		return false, ErrClosed
	}
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrUnknownConn, id)
	}
	return sub.deliver(Event{VehicleID: vehicleID, Seq: seq, Payload: payload})
}

// Count returns the number of connections subscribed to vehicleID.
func (r *Router) Count(vehicleID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byVehicle[vehicleID])
}

// Connections returns the number of registered connections.
func (r *Router) Connections() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// Close releases every connection and subscription. Later calls to Connect and Subscribe
// fail with ErrClosed and Publish delivers nothing.
func (r *Router) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.closed = true
	for id, sub := range r.conns {
		sub.mu.Lock()
		sub.closed = true
		clear(sub.vehicles)
		sub.mu.Unlock()
		delete(r.conns, id)
	}
	clear(r.byVehicle)
}
