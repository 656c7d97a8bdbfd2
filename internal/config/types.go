package config

import "bustrack/internal/geo"

// ServerConfig contains listener configuration
type ServerConfig struct {
	Port              int `yaml:"port" validate:"gt=0,lte=65535"`
	ShutdownTimeoutMS int `yaml:"shutdownTimeoutMS" validate:"gte=0"`
	SendQueueSize     int `yaml:"sendQueueSize" validate:"gte=0"`
}

// ETAConfig contains the destination landmark and speed policy
type ETAConfig struct {
	Landmark        geo.Point `yaml:"landmark"`
	AverageSpeedKmh float64   `yaml:"averageSpeedKmh" validate:"gt=0"`
	UseLiveSpeed    bool      `yaml:"useLiveSpeed"`
	MinLiveSpeedKmh float64   `yaml:"minLiveSpeedKmh" validate:"gte=0"`
}

// IngestConfig contains ping admission rules. MinSpeedKmh 0 disables the speed gate.
type IngestConfig struct {
	MinSpeedKmh float64 `yaml:"minSpeedKmh" validate:"gte=0"`
}

// StorageConfig selects the persistence backend. An empty Dir keeps state in memory only.
type StorageConfig struct {
	Dir string `yaml:"dir"`
}

// FeedConfig is the optional upstream AVL feed. At most one URL may be set.
type FeedConfig struct {
	GTFSRTURL      string `yaml:"gtfsrtURL" validate:"omitempty,url"`
	SIRIJSONURL    string `yaml:"siriJSONURL" validate:"omitempty,url"`
	SIRIXMLURL     string `yaml:"siriXMLURL" validate:"omitempty,url"`
	RefreshSeconds int    `yaml:"refreshSeconds" validate:"gte=0"`
	TimeoutMS      int    `yaml:"timeoutMS" validate:"gte=0"`
}

// Enabled reports whether an upstream feed is configured.
func (f FeedConfig) Enabled() bool {
	return f.GTFSRTURL != "" || f.SIRIJSONURL != "" || f.SIRIXMLURL != ""
}

// VehicleConfig provisions one vehicle
type VehicleConfig struct {
	ID       string    `yaml:"id" validate:"required"`
	Route    string    `yaml:"route"`
	Type     string    `yaml:"type" validate:"omitempty,oneof=Express Shuttle Ordinary"`
	NextStop string    `yaml:"nextStop"`
	Position geo.Point `yaml:"position"`
}

// Config is the root configuration structure
type Config struct {
	Server   ServerConfig    `yaml:"server"`
	ETA      ETAConfig       `yaml:"eta"`
	Ingest   IngestConfig    `yaml:"ingest"`
	Storage  StorageConfig   `yaml:"storage"`
	Feed     FeedConfig      `yaml:"feed"`
	Vehicles []VehicleConfig `yaml:"vehicles" validate:"required,min=1,unique=ID,dive"`
}
