package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	gtfs "github.com/MobilityData/gtfs-realtime-bindings/golang/gtfs"
	"google.golang.org/protobuf/proto"

	"bustrack/internal/geo"
	"bustrack/internal/protocol"
)

// FeedSource reads the current vehicle positions of an upstream AVL feed.
type FeedSource interface {
	Fetch(ctx context.Context) ([]protocol.Ping, error)
}

// fetch GETs url and returns the body of a 200 response.
func fetch(ctx context.Context, client *http.Client, url, kind string) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("%s http status: %d", kind, resp.StatusCode)
	}
	return resp.Body, nil
}

type GtfsRtFeedSource struct {
	url        string
	httpClient *http.Client
}

func NewGtfsRtFeedSource(url string, timeout time.Duration) *GtfsRtFeedSource {
	return &GtfsRtFeedSource{
		url:        url,
		httpClient: &http.Client{Timeout: timeout},
	}
}

func (s *GtfsRtFeedSource) Fetch(ctx context.Context) ([]protocol.Ping, error) {
	body, err := fetch(ctx, s.httpClient, s.url, "gtfs-rt")
	if err != nil {
		return nil, err
	}
	defer body.Close()
	b, err := io.ReadAll(body)
	if err != nil {
		return nil, err
	}
	return parseGtfsRt(b)
}

// parseGtfsRt extracts vehicle positions from a FeedMessage. GTFS-RT speed is m/s; pings
// carry km/h.
func parseGtfsRt(b []byte) ([]protocol.Ping, error) {
	var feed gtfs.FeedMessage
	if err := proto.Unmarshal(b, &feed); err != nil {
		return nil, err
	}
	pings := make([]protocol.Ping, 0, len(feed.Entity))
	for _, ent := range feed.Entity {
		vp := ent.GetVehicle()
		if vp == nil || vp.Position == nil {
			continue
		}
		id := vp.GetVehicle().GetId()
		if id == "" {
			continue
		}
		pos := vp.Position
		if pos.Latitude == nil || pos.Longitude == nil {
			continue
		}
		p := protocol.Ping{
			VehicleID: id,
			Position:  geo.Point{Lat: float64(*pos.Latitude), Lng: float64(*pos.Longitude)},
		}
		if pos.Speed != nil {
			kmh := float64(*pos.Speed) * 3.6
			p.Speed = &kmh
		}
		pings = append(pings, p)
	}
	return pings, nil
}
