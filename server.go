package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"bustrack/internal/broadcast"
	"bustrack/internal/export"
	"bustrack/internal/ingest"
	"bustrack/internal/protocol"
	"bustrack/internal/vehicle"
)

const maxPingBody = 64 << 10

// server wires the HTTP and websocket surface to the core. ctx outlives individual requests
// and bounds the work done for hijacked websocket connections.
type server struct {
	ctx           context.Context
	store         *vehicle.Store
	router        *broadcast.Router
	handler       pingHandler
	sendQueueSize int
	upgrader      websocket.Upgrader
	hub           *wsHub
	now           func() time.Time
}

func newServer(ctx context.Context, store *vehicle.Store, router *broadcast.Router, handler pingHandler, sendQueueSize int) *server {
	return &server{
		ctx:           ctx,
		store:         store,
		router:        router,
		handler:       handler,
		sendQueueSize: sendQueueSize,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		hub: newWSHub(),
		now: time.Now,
	}
}

func (s *server) registerRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/health", s.handleHealth)
	mux.HandleFunc("GET /api/vehicles", s.handleVehicles)
	mux.HandleFunc("GET /api/vehicles/{id}", s.handleVehicle)
	mux.HandleFunc("POST /api/vehicles/{id}/location", s.handleLocation)
	mux.HandleFunc("GET /api/vehicles.geojson", s.handleGeoJSON)
	mux.HandleFunc("GET /api/gtfsrt/vehicle-positions", s.handleGtfsRt)
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("GET /{$}", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = io.WriteString(w, "bustrack: live vehicle tracking\n")
	})
}

func withLogging(h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		h.ServeHTTP(w, r)
		slog.Debug("http request", "method", r.Method, "path", r.URL.Path, "took", time.Since(start))
	})
}

// snapshot lists every vehicle with its current observer count.
func (s *server) snapshot() []vehicle.State {
	list := s.store.List()
	for i := range list {
		list[i].ActiveObserverCount = s.router.Count(list[i].ID)
	}
	return list
}

func (s *server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":      "ok",
		"vehicles":    s.store.Len(),
		"connections": s.router.Connections(),
	})
}

func (s *server) handleVehicles(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.snapshot())
}

func (s *server) handleVehicle(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	st, err := s.store.Get(id)
	if err != nil {
		writeError(w, id, http.StatusNotFound, protocol.CodeUnknownVehicle, err)
		return
	}
	st.ActiveObserverCount = s.router.Count(id)
	writeJSON(w, http.StatusOK, st)
}

// handleLocation accepts a ping over HTTP. The path id wins over any id in the body.
func (s *server) handleLocation(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	body, err := io.ReadAll(io.LimitReader(r.Body, maxPingBody))
	if err != nil {
		writeError(w, id, http.StatusBadRequest, protocol.CodeBadRequest, err)
		return
	}
	ping, err := protocol.DecodePing(body)
	if err != nil {
		writeError(w, id, http.StatusBadRequest, protocol.CodeBadRequest, err)
		return
	}
	ping.VehicleID = id
	res, err := s.handler.HandlePing(r.Context(), ping)
	if err != nil {
		writeError(w, id, pingErrorStatus(err), ingest.ErrorCode(err), err)
		return
	}
	out := protocol.Outbound{Type: protocol.TypeAck, VehicleID: id, Status: res.Outcome.String()}
	if res.Outcome == ingest.Accepted {
		out.Vehicle = &res.State
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *server) handleGeoJSON(w http.ResponseWriter, r *http.Request) {
	data, err := export.GeoJSON(s.snapshot())
	if err != nil {
		slog.Error("geojson export failed", "err", err)
		http.Error(w, "export failed", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/geo+json")
	_, _ = w.Write(data)
}

func (s *server) handleGtfsRt(w http.ResponseWriter, r *http.Request) {
	asJSON := r.URL.Query().Get("format") == "json"
	data, err := export.MarshalVehiclePositions(s.snapshot(), s.now(), asJSON)
	if err != nil {
		slog.Error("gtfs-rt export failed", "err", err)
		http.Error(w, "export failed", http.StatusInternalServerError)
		return
	}
	if asJSON {
		w.Header().Set("Content-Type", "application/json")
	} else {
		w.Header().Set("Content-Type", "application/x-protobuf")
	}
	_, _ = w.Write(data)
}

func pingErrorStatus(err error) int {
	switch {
	case errors.Is(err, ingest.ErrUnknownVehicle):
		return http.StatusNotFound
	case errors.Is(err, ingest.ErrInvalidPosition), errors.Is(err, ingest.ErrInvalidSpeed):
		return http.StatusUnprocessableEntity
	case errors.Is(err, vehicle.ErrStoreUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("write response failed", "err", err)
	}
}

func writeError(w http.ResponseWriter, vehicleID string, status int, code string, err error) {
	writeJSON(w, status, protocol.Outbound{
		Type:      protocol.TypeError,
		VehicleID: vehicleID,
		Code:      code,
		Message:   err.Error(),
	})
}
