// Package protocol defines the JSON messages exchanged with drivers and observers.
//
// Producer-side field names are normalised here: the legacy driver form
// {"type":"updateLocation","busId":..,"location":{..}} decodes to the same Ping as
// {"type":"ping","vehicleId":..,"position":{..}}. Everything sent to observers uses the
// vehicle.State schema.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"bustrack/internal/geo"
	"bustrack/internal/vehicle"
)

// Inbound message types.
const (
	TypePing           = "ping"
	TypeUpdateLocation = "updateLocation"
	TypeSubscribe      = "subscribe"
	TypeUnsubscribe    = "unsubscribe"
)

// Outbound message types.
const (
	TypeAck        = "ack"
	TypeError      = "error"
	TypeSubscribed = "subscribed"
	TypeVehicle    = "vehicle"
)

// Error codes reported to producers.
const (
	CodeUnknownVehicle   = "unknown_vehicle"
	CodeInvalidPosition  = "invalid_position"
	CodeInvalidSpeed     = "invalid_speed"
	CodeStoreUnavailable = "store_unavailable"
	CodeBadRequest       = "bad_request"
)

var ErrMalformed = errors.New("protocol: malformed message")

// Ping is a normalised location report.
type Ping struct {
	VehicleID string    `json:"vehicleId"`
	Position  geo.Point `json:"position"`
	// Speed is nil when the producer did not report one.
	Speed *float64 `json:"speed,omitempty"`
}

// Inbound is a decoded client message. Ping is set for ping messages; VehicleID for
// subscribe.
type Inbound struct {
	Type      string
	VehicleID string
	Ping      *Ping
}

type rawInbound struct {
	Type      string     `json:"type"`
	VehicleID string     `json:"vehicleId"`
	BusID     string     `json:"busId"`
	Position  *geo.Point `json:"position"`
	Location  *geo.Point `json:"location"`
	Speed     *float64   `json:"speed"`
}

// Decode parses one client message.
func Decode(data []byte) (Inbound, error) {
	var raw rawInbound
	if err := json.Unmarshal(data, &raw); err != nil {
		return Inbound{}, fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	id := raw.VehicleID
	if id == "" {
		id = raw.BusID
	}

	switch raw.Type {
	case TypePing, TypeUpdateLocation:
		p, err := raw.ping(id)
		if err != nil {
			return Inbound{}, err
		}
		return Inbound{Type: TypePing, VehicleID: id, Ping: p}, nil
	case TypeSubscribe:
		if id == "" {
			return Inbound{}, fmt.Errorf("%w: subscribe without vehicleId", ErrMalformed)
		}
		return Inbound{Type: TypeSubscribe, VehicleID: id}, nil
	case TypeUnsubscribe:
		return Inbound{Type: TypeUnsubscribe}, nil
	default:
		return Inbound{}, fmt.Errorf("%w: unknown type %q", ErrMalformed, raw.Type)
	}
}

// DecodePing parses a bare ping body, as posted to the HTTP location endpoint.
func DecodePing(data []byte) (Ping, error) {
	var raw rawInbound
	if err := json.Unmarshal(data, &raw); err != nil {
		return Ping{}, fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	id := raw.VehicleID
	if id == "" {
		id = raw.BusID
	}
	p, err := raw.ping(id)
	if err != nil {
		return Ping{}, err
	}
	return *p, nil
}

func (r rawInbound) ping(id string) (*Ping, error) {
	pos := r.Position
	if pos == nil {
		pos = r.Location
	}
	if pos == nil {
		return nil, fmt.Errorf("%w: ping without position", ErrMalformed)
	}
	return &Ping{VehicleID: id, Position: *pos, Speed: r.Speed}, nil
}

// Outbound is a server message.
type Outbound struct {
	Type      string         `json:"type"`
	VehicleID string         `json:"vehicleId,omitempty"`
	Status    string         `json:"status,omitempty"`
	Code      string         `json:"code,omitempty"`
	Message   string         `json:"message,omitempty"`
	Vehicle   *vehicle.State `json:"vehicle,omitempty"`
}

func encode(m Outbound) []byte {
	// Outbound holds only plain data; Marshal cannot fail on it.
	b, _ := json.Marshal(m)
	return b
}

func VehicleUpdate(st vehicle.State) []byte {
	return encode(Outbound{Type: TypeVehicle, VehicleID: st.ID, Vehicle: &st})
}

func Ack(vehicleID, status string) []byte {
	return encode(Outbound{Type: TypeAck, VehicleID: vehicleID, Status: status})
}

func Error(vehicleID, code, msg string) []byte {
	return encode(Outbound{Type: TypeError, VehicleID: vehicleID, Code: code, Message: msg})
}

func Subscribed(vehicleID string) []byte {
	return encode(Outbound{Type: TypeSubscribed, VehicleID: vehicleID})
}
