// Package ingest validates location pings and drives the update pipeline:
// store update, ETA recompute, then broadcast of the merged state.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"bustrack/internal/geo"
	"bustrack/internal/protocol"
	"bustrack/internal/vehicle"
)

var (
	ErrUnknownVehicle  = errors.New("unknown vehicle")
	ErrInvalidPosition = errors.New("invalid position")
	ErrInvalidSpeed    = errors.New("invalid speed")
)

// Outcome of a ping that was not rejected.
type Outcome int

const (
	// Accepted pings updated the state and were broadcast.
	Accepted Outcome = iota + 1
	// Ignored pings were below the speed gate: acknowledged, nothing changed.
	Ignored
)

func (o Outcome) String() string {
	switch o {
	case Accepted:
		return "accepted"
	case Ignored:
		return "ignored"
	default:
		return "unknown"
	}
}

// Result is returned for accepted and ignored pings. State is only set when Accepted.
type Result struct {
	Outcome Outcome
	State   vehicle.State
}

type Store interface {
	Has(id string) bool
	Update(ctx context.Context, id string, fn func(*vehicle.State) error) (vehicle.State, error)
}

type Estimator interface {
	Estimate(from geo.Point, liveSpeedKmh float64) int
}

type Publisher interface {
	Publish(vehicleID string, seq uint64, payload []byte) int
	Count(vehicleID string) int
}

type Handler struct {
	store    Store
	eta      Estimator
	router   Publisher
	minSpeed float64
	now      func() time.Time
}

type Option func(*Handler)

// WithMinSpeed enables the speed gate. Pings reporting less than kmh are acknowledged but
// not applied. Zero disables the gate.
func WithMinSpeed(kmh float64) Option {
	return func(h *Handler) { h.minSpeed = kmh }
}

func WithClock(now func() time.Time) Option {
	return func(h *Handler) { h.now = now }
}

func NewHandler(store Store, eta Estimator, router Publisher, opts ...Option) *Handler {
	h := &Handler{store: store, eta: eta, router: router, now: time.Now}
	for _, o := range opts {
		o(h)
	}
	return h
}

// HandlePing validates p and, when it passes, updates the vehicle and broadcasts the result.
// Rejections wrap ErrUnknownVehicle, ErrInvalidPosition, ErrInvalidSpeed or
// vehicle.ErrStoreUnavailable.
func (h *Handler) HandlePing(ctx context.Context, p protocol.Ping) (Result, error) {
	if !h.store.Has(p.VehicleID) {
		return h.reject(p, fmt.Errorf("%w: %q", ErrUnknownVehicle, p.VehicleID))
	}
	if !p.Position.Valid() {
		return h.reject(p, fmt.Errorf("%w: lat=%v lng=%v", ErrInvalidPosition, p.Position.Lat, p.Position.Lng))
	}
	speed := 0.0
	if p.Speed != nil {
		speed = *p.Speed
		if math.IsNaN(speed) || math.IsInf(speed, 0) || speed < 0 {
			return h.reject(p, fmt.Errorf("%w: %v", ErrInvalidSpeed, speed))
		}
	}
	if h.minSpeed > 0 && speed < h.minSpeed {
		slog.Debug("ping below speed gate", "vehicle", p.VehicleID, "speed", speed, "min", h.minSpeed)
		return Result{Outcome: Ignored}, nil
	}

	st, err := h.store.Update(ctx, p.VehicleID, func(st *vehicle.State) error {
		st.ApplyLocation(p.Position, speed, h.now())
		st.SetETA(h.eta.Estimate(st.Position, st.Speed))
		return nil
	})
	if err != nil {
		if errors.Is(err, vehicle.ErrNotFound) {
			err = fmt.Errorf("%w: %w", ErrUnknownVehicle, err)
		}
		return h.reject(p, err)
	}

	st.ActiveObserverCount = h.router.Count(st.ID)
	n := h.router.Publish(st.ID, st.Seq, protocol.VehicleUpdate(st))
	slog.Debug("vehicle updated", "vehicle", st.ID, "seq", st.Seq, "lat", st.Position.Lat,
		"lng", st.Position.Lng, "speed", st.Speed, "eta", *st.ETAMinutes, "delivered", n)
	return Result{Outcome: Accepted, State: st}, nil
}

func (h *Handler) reject(p protocol.Ping, err error) (Result, error) {
	slog.Warn("ping rejected", "vehicle", p.VehicleID, "err", err)
	return Result{}, err
}

// ErrorCode maps a HandlePing error to its protocol code.
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, ErrUnknownVehicle):
		return protocol.CodeUnknownVehicle
	case errors.Is(err, ErrInvalidPosition):
		return protocol.CodeInvalidPosition
	case errors.Is(err, ErrInvalidSpeed):
		return protocol.CodeInvalidSpeed
	case errors.Is(err, vehicle.ErrStoreUnavailable):
		return protocol.CodeStoreUnavailable
	default:
		return protocol.CodeBadRequest
	}
}
