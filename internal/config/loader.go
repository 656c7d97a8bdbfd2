package config

import (
	"errors"
	"fmt"
	"os"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"bustrack/internal/geo"
	"bustrack/internal/vehicle"
)

const (
	DefaultPort              = 5000
	DefaultShutdownTimeoutMS = 5000
	DefaultSendQueueSize     = 64
	DefaultAverageSpeedKmh   = 40
	DefaultRefreshSeconds    = 30
	DefaultFeedTimeoutMS     = 10000
)

// DefaultLandmark is Gokarna bus stand.
var DefaultLandmark = geo.Point{Lat: 14.5428, Lng: 74.3183}

var ErrMultipleFeeds = errors.New("config: at most one of feed.gtfsrtURL, feed.siriJSONURL, feed.siriXMLURL may be set")

// Load reads, defaults and validates the configuration at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

// Default returns a configuration holding every default value and no vehicles.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Port:              DefaultPort,
			ShutdownTimeoutMS: DefaultShutdownTimeoutMS,
			SendQueueSize:     DefaultSendQueueSize,
		},
		ETA: ETAConfig{
			Landmark:        DefaultLandmark,
			AverageSpeedKmh: DefaultAverageSpeedKmh,
		},
		Feed: FeedConfig{
			RefreshSeconds: DefaultRefreshSeconds,
			TimeoutMS:      DefaultFeedTimeoutMS,
		},
	}
}

// Parse decodes YAML config data over Default and validates the result. Values set explicitly
// in the file, including zeros, are kept.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: decode: %w", err)
	}
	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if !cfg.ETA.Landmark.Valid() {
		return nil, fmt.Errorf("config: eta.landmark out of range: %+v", cfg.ETA.Landmark)
	}
	n := 0
	for _, u := range []string{cfg.Feed.GTFSRTURL, cfg.Feed.SIRIJSONURL, cfg.Feed.SIRIXMLURL} {
		if u != "" {
			n++
		}
	}
	if n > 1 {
		return nil, ErrMultipleFeeds
	}
	return &cfg, nil
}

// ProvisionedVehicles converts the vehicle list into initial store records.
func (c *Config) ProvisionedVehicles() []vehicle.State {
	out := make([]vehicle.State, 0, len(c.Vehicles))
	for _, v := range c.Vehicles {
		t := vehicle.Type(v.Type)
		if t == "" {
			t = vehicle.Ordinary
		}
		out = append(out, vehicle.State{
			ID:           v.ID,
			Route:        v.Route,
			Type:         t,
			NextStopName: v.NextStop,
			Position:     v.Position,
		})
	}
	return out
}
