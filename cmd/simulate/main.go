// Command simulate drives one vehicle along a straight line by sending location pings over
// the websocket, the way a driver app would.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"bustrack/internal/geo"
	"bustrack/internal/protocol"
)

var (
	serverURL = flag.String("url", "ws://localhost:5000/ws", "Websocket endpoint")
	vehicleID = flag.String("vehicle", "KA-47-F-101", "Vehicle to drive")
	startLat  = flag.Float64("lat", 14.4231, "Start latitude")
	startLng  = flag.Float64("lng", 74.4022, "Start longitude")
	speed     = flag.Float64("speed", 40, "Reported speed in km/h")
	interval  = flag.Duration("interval", 3*time.Second, "Time between pings")
)

const (
	latStep = 0.001
	lngStep = -0.0005
)

func main() {
	flag.Parse()
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := simulate(ctx); err != nil {
		slog.Error("simulation failed", "err", err)
		os.Exit(1)
	}
}

func simulate(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, *serverURL, nil)
	if err != nil {
		return err
	}
	defer conn.Close()
	slog.Info("connected", "url", *serverURL, "vehicle", *vehicleID)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return readReplies(conn) })
	g.Go(func() error {
		err := drive(gctx, conn)
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		// bound the wait for the server's close frame
		_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		return err
	})
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// drive sends a ping every interval, stepping the position each time.
func drive(ctx context.Context, conn *websocket.Conn) error {
	pos := geo.Point{Lat: *startLat, Lng: *startLng}
	t := time.NewTicker(*interval)
	defer t.Stop()
	for {
		msg, err := json.Marshal(struct {
			Type string `json:"type"`
			protocol.Ping
		}{Type: protocol.TypePing, Ping: protocol.Ping{VehicleID: *vehicleID, Position: pos, Speed: speed}})
		if err != nil {
			return err
		}
		if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			return err
		}
		slog.Debug("ping sent", "lat", pos.Lat, "lng", pos.Lng)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
		pos.Lat += latStep
		pos.Lng += lngStep
	}
}

func readReplies(conn *websocket.Conn) error {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return err
		}
		var m protocol.Outbound
		if err := json.Unmarshal(data, &m); err != nil {
			slog.Warn("unreadable reply", "err", err)
			continue
		}
		switch m.Type {
		case protocol.TypeAck:
			slog.Info("ping acknowledged", "vehicle", m.VehicleID, "status", m.Status)
		case protocol.TypeError:
			slog.Warn("ping rejected", "vehicle", m.VehicleID, "code", m.Code, "message", m.Message)
		}
	}
}
