package main

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"time"

	"bustrack/internal/geo"
	"bustrack/internal/protocol"
)

type SiriJSONFeedSource struct {
	url        string
	httpClient *http.Client
}

func NewSiriJSONFeedSource(url string, timeout time.Duration) *SiriJSONFeedSource {
	return &SiriJSONFeedSource{
		url:        url,
		httpClient: &http.Client{Timeout: timeout},
	}
}

func (s *SiriJSONFeedSource) Fetch(ctx context.Context) ([]protocol.Ping, error) {
	body, err := fetch(ctx, s.httpClient, s.url, "siri json")
	if err != nil {
		return nil, err
	}
	defer body.Close()
	b, err := io.ReadAll(body)
	if err != nil {
		return nil, err
	}
	return parseSiriJSON(b)
}

// parseSiriJSON walks Siri?.ServiceDelivery.VehicleMonitoringDelivery[].VehicleActivity[].
// SIRI-VM carries no speed, so pings have none.
func parseSiriJSON(b []byte) ([]protocol.Ping, error) {
	var root map[string]any
	if err := json.Unmarshal(b, &root); err != nil {
		return nil, err
	}
	if siri, ok := root["Siri"].(map[string]any); ok {
		root = siri
	}
	sd, _ := root["ServiceDelivery"].(map[string]any)
	deliveries, _ := sd["VehicleMonitoringDelivery"].([]any)
	var pings []protocol.Ping
	for _, d := range deliveries {
		vmd, _ := d.(map[string]any)
		activities, _ := vmd["VehicleActivity"].([]any)
		for _, a := range activities {
			va, _ := a.(map[string]any)
			mvj, _ := va["MonitoredVehicleJourney"].(map[string]any)
			if mvj == nil {
				continue
			}
			id := stringFrom(mvj["VehicleRef"])
			if id == "" {
				id = stringFromNested(mvj, "FramedVehicleJourneyRef", "DatedVehicleJourneyRef")
			}
			lat, latOK := floatFromNested(mvj, "VehicleLocation", "Latitude")
			lng, lngOK := floatFromNested(mvj, "VehicleLocation", "Longitude")
			// (0,0) is how many SIRI producers encode an unknown location.
			if id == "" || !latOK || !lngOK || (lat == 0 && lng == 0) {
				continue
			}
			pings = append(pings, protocol.Ping{VehicleID: id, Position: geo.Point{Lat: lat, Lng: lng}})
		}
	}
	return pings, nil
}

// stringFrom accepts a plain string or a SIRI {"value": ".."} wrapper.
func stringFrom(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case map[string]any:
		s, _ := t["value"].(string)
		return s
	default:
		return ""
	}
}

func stringFromNested(m map[string]any, k1, k2 string) string {
	m1, _ := m[k1].(map[string]any)
	return stringFrom(m1[k2])
}

func floatFromNested(m map[string]any, k1, k2 string) (float64, bool) {
	m1, _ := m[k1].(map[string]any)
	switch v := m1[k2].(type) {
	case float64:
		return v, true
	case string:
		f, err := strconv.ParseFloat(v, 64)
		return f, err == nil
	default:
		return 0, false
	}
}
