package vehicle

import (
	"time"

	"bustrack/internal/geo"
)

// Type is the service class of a vehicle.
type Type string

const (
	Express  Type = "Express"
	Shuttle  Type = "Shuttle"
	Ordinary Type = "Ordinary"
)

// State is the authoritative record for one vehicle. It is also the broadcast payload,
// so its JSON names are the observer-facing schema.
type State struct {
	ID           string    `json:"vehicleId"`
	Route        string    `json:"route,omitempty"`
	Type         Type      `json:"type,omitempty"`
	Position     geo.Point `json:"position"`
	Speed        float64   `json:"speed"`
	NextStopName string    `json:"nextStopName,omitempty"`
	// ETAMinutes is nil while unknown.
	ETAMinutes  *int      `json:"etaMinutes"`
	LastUpdated time.Time `json:"lastUpdated"`
	// ActiveObserverCount is derived from the router when a state leaves the core.
	ActiveObserverCount int    `json:"activeObserverCount"`
	Seq                 uint64 `json:"seq"`
}

// ApplyLocation replaces position, speed and lastUpdated. lastUpdated never moves backwards.
func (s *State) ApplyLocation(pos geo.Point, speed float64, ts time.Time) {
	s.Position = pos
	s.Speed = speed
	if ts.After(s.LastUpdated) {
		s.LastUpdated = ts
	}
}

// SetETA stores an ETA in minutes.
func (s *State) SetETA(minutes int) {
	m := minutes
	s.ETAMinutes = &m
}

// clone returns a copy that shares no pointers with s.
func (s State) clone() State {
	if s.ETAMinutes != nil {
		m := *s.ETAMinutes
		s.ETAMinutes = &m
	}
	return s
}
