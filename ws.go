package main

import (
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"bustrack/internal/broadcast"
	"bustrack/internal/ingest"
	"bustrack/internal/protocol"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
)

// wsHub tracks the outbound queue of every open websocket so shutdown can close them.
type wsHub struct {
	mu     sync.Mutex
	closed bool
	sinks  map[broadcast.ConnID]*broadcast.QueueSink
}

func newWSHub() *wsHub {
	return &wsHub{sinks: make(map[broadcast.ConnID]*broadcast.QueueSink)}
}

// add registers q and reports false, closing q, once closeAll has run.
func (h *wsHub) add(id broadcast.ConnID, q *broadcast.QueueSink) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		q.Close()
		return false
	}
	h.sinks[id] = q
	return true
}

func (h *wsHub) remove(id broadcast.ConnID) {
	h.mu.Lock()
	delete(h.sinks, id)
	h.mu.Unlock()
}

// closeAll closes every queue; each write pump then sends a close frame and drops its socket.
func (h *wsHub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for id, q := range h.sinks {
		q.Close()
		delete(h.sinks, id)
	}
}

func (s *server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("ws upgrade failed", "remote", r.RemoteAddr, "err", err)
		return
	}
	id := broadcast.ConnID(uuid.NewString())
	sink := broadcast.NewQueueSink(s.sendQueueSize)
	if err := s.router.Connect(id, sink); err != nil {
		slog.Warn("ws connect refused", "conn", id, "err", err)
		_ = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "shutting down"))
		_ = conn.Close()
		return
	}
	if !s.hub.add(id, sink) {
		// Shutdown began after Connect; the closed queue makes the write pump send a close
		// frame and drop the socket.
		s.router.Disconnect(id)
		slog.Info("ws refused during shutdown", "conn", id)
	} else {
		slog.Info("ws connected", "conn", id, "remote", r.RemoteAddr)
	}

	go writePump(conn, sink)
	s.readPump(conn, id, sink)
}

// readPump owns the read side of conn and releases the connection when reading stops.
func (s *server) readPump(conn *websocket.Conn, id broadcast.ConnID, sink *broadcast.QueueSink) {
	defer func() {
		s.router.Disconnect(id)
		s.hub.remove(id)
		sink.Close()
		slog.Info("ws disconnected", "conn", id)
	}()
	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				slog.Warn("ws read failed", "conn", id, "err", err)
			}
			return
		}
		s.dispatch(id, sink, msg)
	}
}

func (s *server) dispatch(id broadcast.ConnID, sink *broadcast.QueueSink, msg []byte) {
	in, err := protocol.Decode(msg)
	if err != nil {
		reply(id, sink, protocol.Error("", protocol.CodeBadRequest, err.Error()))
		return
	}
	switch in.Type {
	case protocol.TypePing:
		res, err := s.handler.HandlePing(s.ctx, *in.Ping)
		if err != nil {
			reply(id, sink, protocol.Error(in.VehicleID, ingest.ErrorCode(err), err.Error()))
			return
		}
		reply(id, sink, protocol.Ack(in.VehicleID, res.Outcome.String()))
	case protocol.TypeSubscribe:
		if err := s.router.Subscribe(id, in.VehicleID); err != nil {
			reply(id, sink, protocol.Error(in.VehicleID, protocol.CodeBadRequest, err.Error()))
			return
		}
		reply(id, sink, protocol.Subscribed(in.VehicleID))
		s.sendCurrent(id, in.VehicleID)
	case protocol.TypeUnsubscribe:
		s.router.Unsubscribe(id)
	}
}

// sendCurrent gives a new subscriber the latest state without waiting for the next ping.
// Subscribing to a vehicle that is not provisioned is allowed and sends nothing.
func (s *server) sendCurrent(id broadcast.ConnID, vehicleID string) {
	st, err := s.store.Get(vehicleID)
	if err != nil {
		return
	}
	st.ActiveObserverCount = s.router.Count(vehicleID)
	if _, err := s.router.Send(id, st.ID, st.Seq, protocol.VehicleUpdate(st)); err != nil {
		slog.Warn("snapshot delivery failed", "conn", id, "vehicle", vehicleID, "err", err)
	}
}

func reply(id broadcast.ConnID, sink *broadcast.QueueSink, msg []byte) {
	if err := sink.Enqueue(msg); err != nil && !errors.Is(err, broadcast.ErrSinkClosed) {
		slog.Warn("reply dropped", "conn", id, "err", err)
	}
}

// writePump is the only writer of conn. It exits when the queue is closed or a write fails.
func writePump(conn *websocket.Conn, sink *broadcast.QueueSink) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = conn.Close()
	}()
	for {
		select {
		case msg, ok := <-sink.C():
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
