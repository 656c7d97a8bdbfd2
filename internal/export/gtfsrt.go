package export

import (
	"time"

	gtfs "github.com/MobilityData/gtfs-realtime-bindings/golang/gtfs"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"

	"bustrack/internal/vehicle"
)

const gtfsRealtimeVersion = "2.0"

// VehiclePositions builds a full-dataset GTFS-RT feed. Vehicles that have never reported are
// left out. Speeds are converted from km/h to m/s.
func VehiclePositions(states []vehicle.State, now time.Time) *gtfs.FeedMessage {
	feed := &gtfs.FeedMessage{
		Header: &gtfs.FeedHeader{
			GtfsRealtimeVersion: proto.String(gtfsRealtimeVersion),
			Incrementality:      gtfs.FeedHeader_FULL_DATASET.Enum(),
			Timestamp:           proto.Uint64(uint64(now.Unix())),
		},
	}
	for _, st := range states {
		if st.LastUpdated.IsZero() {
			continue
		}
		vp := &gtfs.VehiclePosition{
			Vehicle: &gtfs.VehicleDescriptor{
				Id:    proto.String(st.ID),
				Label: proto.String(st.ID),
			},
			Position: &gtfs.Position{
				Latitude:  proto.Float32(float32(st.Position.Lat)),
				Longitude: proto.Float32(float32(st.Position.Lng)),
				Speed:     proto.Float32(float32(st.Speed / 3.6)),
			},
			Timestamp: proto.Uint64(uint64(st.LastUpdated.Unix())),
		}
		if st.Route != "" {
			vp.Trip = &gtfs.TripDescriptor{RouteId: proto.String(st.Route)}
		}
		feed.Entity = append(feed.Entity, &gtfs.FeedEntity{
			Id:      proto.String(st.ID),
			Vehicle: vp,
		})
	}
	return feed
}

// MarshalVehiclePositions encodes the feed as protobuf, or as protojson when asJSON is set.
func MarshalVehiclePositions(states []vehicle.State, now time.Time, asJSON bool) ([]byte, error) {
	feed := VehiclePositions(states, now)
	if asJSON {
		return protojson.MarshalOptions{Multiline: true}.Marshal(feed)
	}
	return proto.Marshal(feed)
}
