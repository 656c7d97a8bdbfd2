package main

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	gtfs "github.com/MobilityData/gtfs-realtime-bindings/golang/gtfs"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/proto"

	"bustrack/internal/broadcast"
	"bustrack/internal/eta"
	"bustrack/internal/geo"
	"bustrack/internal/ingest"
	"bustrack/internal/protocol"
	"bustrack/internal/vehicle"
)

type testEnv struct {
	srv    *server
	http   *httptest.Server
	store  *vehicle.Store
	router *broadcast.Router
}

func newTestEnv(t *testing.T, opts ...ingest.Option) *testEnv {
	t.Helper()
	store, err := vehicle.NewStore(context.Background(), []vehicle.State{
		{ID: "KA-47-F-101", Route: "Kumta - Gokarna", Type: vehicle.Express, NextStopName: "Gokarna",
			Position: geo.Point{Lat: 14.4231, Lng: 74.4022}},
		{ID: "KA-47-S-205", Route: "Kumta - Honnavar", Type: vehicle.Shuttle,
			Position: geo.Point{Lat: 14.2833, Lng: 74.45}},
	}, nil)
	require.NoError(t, err)
	est, err := eta.New(eta.Options{Landmark: geo.Point{Lat: 14.5428, Lng: 74.3183}, AverageSpeedKmh: 40})
	require.NoError(t, err)
	router := broadcast.NewRouter()
	handler := ingest.NewHandler(store, est, router, opts...)

	s := newServer(context.Background(), store, router, handler, 16)
	mux := http.NewServeMux()
	s.registerRoutes(mux)
	ts := httptest.NewServer(withLogging(mux))
	t.Cleanup(func() {
		router.Close()
		s.hub.closeAll()
		ts.Close()
	})
	return &testEnv{srv: s, http: ts, store: store, router: router}
}

func (e *testEnv) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(e.http.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func send(t *testing.T, c *websocket.Conn, msg string) {
	t.Helper()
	require.NoError(t, c.WriteMessage(websocket.TextMessage, []byte(msg)))
}

func recv(t *testing.T, c *websocket.Conn) protocol.Outbound {
	t.Helper()
	require.NoError(t, c.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := c.ReadMessage()
	require.NoError(t, err)
	var m protocol.Outbound
	require.NoError(t, json.Unmarshal(data, &m))
	return m
}

func subscribe(t *testing.T, c *websocket.Conn, id string) {
	t.Helper()
	send(t, c, `{"type":"subscribe","vehicleId":"`+id+`"}`)
	m := recv(t, c)
	require.Equal(t, protocol.TypeSubscribed, m.Type)
	require.Equal(t, id, m.VehicleID)
	// current state follows the confirmation
	m = recv(t, c)
	require.Equal(t, protocol.TypeVehicle, m.Type)
}

func TestWebSocket_PingReachesSubscribers(t *testing.T) {
	env := newTestEnv(t)
	observer := env.dial(t)
	subscribe(t, observer, "KA-47-F-101")
	bystander := env.dial(t)
	subscribe(t, bystander, "KA-47-S-205")

	driver := env.dial(t)
	send(t, driver, `{"type":"ping","vehicleId":"KA-47-F-101","position":{"lat":14.4241,"lng":74.4017},"speed":25}`)
	ack := recv(t, driver)
	assert.Equal(t, protocol.TypeAck, ack.Type)
	assert.Equal(t, "accepted", ack.Status)

	m := recv(t, observer)
	require.Equal(t, protocol.TypeVehicle, m.Type)
	require.NotNil(t, m.Vehicle)
	assert.Equal(t, "KA-47-F-101", m.Vehicle.ID)
	assert.Equal(t, geo.Point{Lat: 14.4241, Lng: 74.4017}, m.Vehicle.Position)
	assert.Equal(t, 24, *m.Vehicle.ETAMinutes)
	assert.Equal(t, 1, m.Vehicle.ActiveObserverCount)

	require.NoError(t, bystander.SetReadDeadline(time.Now().Add(200*time.Millisecond)))
	_, _, err := bystander.ReadMessage()
	assert.Error(t, err, "no update for a vehicle the connection did not subscribe to")
}

func TestWebSocket_LegacyUpdateLocation(t *testing.T) {
	env := newTestEnv(t)
	driver := env.dial(t)
	send(t, driver, `{"type":"updateLocation","busId":"KA-47-S-205","location":{"lat":14.29,"lng":74.44}}`)
	assert.Equal(t, "accepted", recv(t, driver).Status)

	st, err := env.store.Get("KA-47-S-205")
	require.NoError(t, err)
	assert.Equal(t, geo.Point{Lat: 14.29, Lng: 74.44}, st.Position)
}

func TestWebSocket_Errors(t *testing.T) {
	env := newTestEnv(t)
	c := env.dial(t)

	tests := []struct {
		name string
		msg  string
		code string
	}{
		{"unknown vehicle", `{"type":"ping","vehicleId":"ghost","position":{"lat":1,"lng":1}}`, protocol.CodeUnknownVehicle},
		{"invalid position", `{"type":"ping","vehicleId":"KA-47-F-101","position":{"lat":100,"lng":1}}`, protocol.CodeInvalidPosition},
		{"invalid speed", `{"type":"ping","vehicleId":"KA-47-F-101","position":{"lat":1,"lng":1},"speed":-3}`, protocol.CodeInvalidSpeed},
		{"malformed", `{"type":`, protocol.CodeBadRequest},
		{"unknown type", `{"type":"teleport"}`, protocol.CodeBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			send(t, c, tt.msg)
			m := recv(t, c)
			assert.Equal(t, protocol.TypeError, m.Type)
			assert.Equal(t, tt.code, m.Code)
		})
	}
	assert.False(t, env.store.Has("ghost"))
}

func TestWebSocket_SpeedGateAcksIgnored(t *testing.T) {
	env := newTestEnv(t, ingest.WithMinSpeed(10))
	observer := env.dial(t)
	subscribe(t, observer, "KA-47-F-101")

	driver := env.dial(t)
	send(t, driver, `{"type":"ping","vehicleId":"KA-47-F-101","position":{"lat":14.43,"lng":74.4},"speed":5}`)
	assert.Equal(t, "ignored", recv(t, driver).Status)

	require.NoError(t, observer.SetReadDeadline(time.Now().Add(200*time.Millisecond)))
	_, _, err := observer.ReadMessage()
	assert.Error(t, err)
}

func TestWebSocket_DisconnectReleasesSubscriptions(t *testing.T) {
	env := newTestEnv(t)
	observer := env.dial(t)
	subscribe(t, observer, "KA-47-F-101")
	assert.Equal(t, 1, env.router.Count("KA-47-F-101"))

	require.NoError(t, observer.Close())
	assert.Eventually(t, func() bool {
		return env.router.Count("KA-47-F-101") == 0 && env.router.Connections() == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestWebSocket_Unsubscribe(t *testing.T) {
	env := newTestEnv(t)
	observer := env.dial(t)
	subscribe(t, observer, "KA-47-F-101")
	send(t, observer, `{"type":"unsubscribe"}`)
	assert.Eventually(t, func() bool { return env.router.Count("KA-47-F-101") == 0 },
		2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, env.router.Connections())
}

func TestHTTP_Health(t *testing.T) {
	env := newTestEnv(t)
	resp, err := http.Get(env.http.URL + "/api/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "ok", body["status"])
	assert.EqualValues(t, 2, body["vehicles"])
}

func TestHTTP_Vehicles(t *testing.T) {
	env := newTestEnv(t)

	resp, err := http.Get(env.http.URL + "/api/vehicles")
	require.NoError(t, err)
	defer resp.Body.Close()
	var list []vehicle.State
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&list))
	require.Len(t, list, 2)
	assert.Equal(t, "KA-47-F-101", list[0].ID)
	assert.Nil(t, list[0].ETAMinutes)

	resp2, err := http.Get(env.http.URL + "/api/vehicles/KA-47-S-205")
	require.NoError(t, err)
	defer resp2.Body.Close()
	assert.Equal(t, http.StatusOK, resp2.StatusCode)

	resp3, err := http.Get(env.http.URL + "/api/vehicles/ghost")
	require.NoError(t, err)
	defer resp3.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp3.StatusCode)
}

func TestHTTP_Location(t *testing.T) {
	env := newTestEnv(t)

	tests := []struct {
		name   string
		id     string
		body   string
		status int
	}{
		{"accepted", "KA-47-F-101", `{"position":{"lat":14.4241,"lng":74.4017},"speed":25}`, http.StatusOK},
		{"legacy body", "KA-47-S-205", `{"location":{"lat":14.29,"lng":74.44}}`, http.StatusOK},
		{"unknown vehicle", "ghost", `{"position":{"lat":14.4,"lng":74.4}}`, http.StatusNotFound},
		{"invalid position", "KA-47-F-101", `{"position":{"lat":-91,"lng":74.4}}`, http.StatusUnprocessableEntity},
		{"invalid speed", "KA-47-F-101", `{"position":{"lat":14.4,"lng":74.4},"speed":-1}`, http.StatusUnprocessableEntity},
		{"missing position", "KA-47-F-101", `{"speed":10}`, http.StatusBadRequest},
		{"malformed", "KA-47-F-101", `not json`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := http.Post(env.http.URL+"/api/vehicles/"+tt.id+"/location", "application/json", strings.NewReader(tt.body))
			require.NoError(t, err)
			defer resp.Body.Close()
			assert.Equal(t, tt.status, resp.StatusCode)
		})
	}

	st, err := env.store.Get("KA-47-F-101")
	require.NoError(t, err)
	require.NotNil(t, st.ETAMinutes)
	assert.Equal(t, 24, *st.ETAMinutes)
}

func TestHTTP_GeoJSON(t *testing.T) {
	env := newTestEnv(t)
	resp, err := http.Get(env.http.URL + "/api/vehicles.geojson")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "application/geo+json", resp.Header.Get("Content-Type"))

	var fc struct {
		Type     string `json:"type"`
		Features []any  `json:"features"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&fc))
	assert.Equal(t, "FeatureCollection", fc.Type)
	assert.Len(t, fc.Features, 2)
}

func TestHTTP_GtfsRt(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.store.UpdateLocation(context.Background(), "KA-47-F-101",
		geo.Point{Lat: 14.4241, Lng: 74.4017}, 36, time.Now())
	require.NoError(t, err)

	resp, err := http.Get(env.http.URL + "/api/gtfsrt/vehicle-positions")
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	var feed gtfs.FeedMessage
	require.NoError(t, proto.Unmarshal(data, &feed))
	require.Len(t, feed.Entity, 1)
	assert.Equal(t, "KA-47-F-101", feed.Entity[0].GetVehicle().GetVehicle().GetId())

	resp2, err := http.Get(env.http.URL + "/api/gtfsrt/vehicle-positions?format=json")
	require.NoError(t, err)
	defer resp2.Body.Close()
	assert.Equal(t, "application/json", resp2.Header.Get("Content-Type"))
}

func TestShutdownClosesWebSockets(t *testing.T) {
	env := newTestEnv(t)
	c := env.dial(t)
	subscribe(t, c, "KA-47-F-101")

	env.router.Close()
	env.srv.hub.closeAll()

	require.NoError(t, c.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := c.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "got %v", err)
}

func TestWSHub_RefusesAfterClose(t *testing.T) {
	h := newWSHub()
	early := broadcast.NewQueueSink(1)
	require.True(t, h.add("early", early))

	h.closeAll()
	_, open := <-early.C()
	assert.False(t, open)

	late := broadcast.NewQueueSink(1)
	assert.False(t, h.add("late", late))
	_, open = <-late.C()
	assert.False(t, open, "a queue registered after closeAll is closed immediately")
	assert.ErrorIs(t, late.Enqueue([]byte("x")), broadcast.ErrSinkClosed)
}

func TestWebSocket_ConnectDuringShutdownIsClosed(t *testing.T) {
	env := newTestEnv(t)
	// router still open, hub already closed: the window between Connect and closeAll
	env.srv.hub.closeAll()

	c := env.dial(t)
	require.NoError(t, c.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := c.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "got %v", err)
	assert.Eventually(t, func() bool { return env.router.Connections() == 0 },
		2*time.Second, 10*time.Millisecond)
}
