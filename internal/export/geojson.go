// Package export renders vehicle snapshots in interchange formats: GeoJSON for map clients
// and GTFS-Realtime VehiclePositions for transit tooling.
package export

import (
	"time"

	geojson "github.com/paulmach/go.geojson"

	"bustrack/internal/vehicle"
)

// FeatureCollection returns one Point feature per vehicle. Coordinates are [lng, lat].
func FeatureCollection(states []vehicle.State) *geojson.FeatureCollection {
	fc := geojson.NewFeatureCollection()
	for _, st := range states {
		f := geojson.NewPointFeature([]float64{st.Position.Lng, st.Position.Lat})
		f.ID = st.ID
		f.SetProperty("vehicleId", st.ID)
		f.SetProperty("speed", st.Speed)
		f.SetProperty("activeObserverCount", st.ActiveObserverCount)
		if st.Route != "" {
			f.SetProperty("route", st.Route)
		}
		if st.Type != "" {
			f.SetProperty("type", string(st.Type))
		}
		if st.NextStopName != "" {
			f.SetProperty("nextStopName", st.NextStopName)
		}
		if st.ETAMinutes != nil {
			f.SetProperty("etaMinutes", *st.ETAMinutes)
		}
		if !st.LastUpdated.IsZero() {
			f.SetProperty("lastUpdated", st.LastUpdated.UTC().Format(time.RFC3339))
		}
		fc.AddFeature(f)
	}
	return fc
}

// GeoJSON encodes FeatureCollection(states).
func GeoJSON(states []vehicle.State) ([]byte, error) {
	return FeatureCollection(states).MarshalJSON()
}
