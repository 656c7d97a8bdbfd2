package main

import (
	"context"
	"encoding/xml"
	"io"
	"net/http"
	"strconv"
	"time"

	"bustrack/internal/geo"
	"bustrack/internal/protocol"
)

type SiriXMLFeedSource struct {
	url        string
	httpClient *http.Client
}

func NewSiriXMLFeedSource(url string, timeout time.Duration) *SiriXMLFeedSource {
	return &SiriXMLFeedSource{
		url:        url,
		httpClient: &http.Client{Timeout: timeout},
	}
}

func (s *SiriXMLFeedSource) Fetch(ctx context.Context) ([]protocol.Ping, error) {
	body, err := fetch(ctx, s.httpClient, s.url, "siri xml")
	if err != nil {
		return nil, err
	}
	defer body.Close()
	return parseSiriXML(body)
}

// parseSiriXML streams a SIRI-VM document. Element names are matched on Name.Local so any
// namespace prefix is accepted.
func parseSiriXML(r io.Reader) ([]protocol.Ping, error) {
	dec := xml.NewDecoder(r)
	var (
		inVMD, inVA, inLoc bool
		id, lat, lng       string
		pings              []protocol.Ping
	)
	text := func(se *xml.StartElement) string {
		var v string
		if err := dec.DecodeElement(&v, se); err != nil {
			return ""
		}
		return v
	}
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			return pings, nil
		}
		if err != nil {
			return nil, err
		}
		switch se := tok.(type) {
		case xml.StartElement:
			switch se.Name.Local {
			case "VehicleMonitoringDelivery":
				inVMD = true
			case "VehicleActivity":
				if inVMD {
					inVA = true
					id, lat, lng = "", "", ""
				}
			case "VehicleLocation":
				inLoc = inVA
			case "VehicleRef":
				if inVA {
					id = text(&se)
				}
			case "Latitude":
				if inLoc {
					lat = text(&se)
				}
			case "Longitude":
				if inLoc {
					lng = text(&se)
				}
			}
		case xml.EndElement:
			switch se.Name.Local {
			case "VehicleLocation":
				inLoc = false
			case "VehicleActivity":
				if !inVA {
					continue
				}
				inVA = false
				if p, ok := parseLatLng(lat, lng); ok && id != "" {
					pings = append(pings, protocol.Ping{VehicleID: id, Position: p})
				}
			case "VehicleMonitoringDelivery":
				inVMD = false
			}
		}
	}
}

func parseLatLng(lat, lng string) (geo.Point, bool) {
	la, err := strconv.ParseFloat(lat, 64)
	if err != nil {
		return geo.Point{}, false
	}
	lo, err := strconv.ParseFloat(lng, 64)
	if err != nil {
		return geo.Point{}, false
	}
	return geo.Point{Lat: la, Lng: lo}, true
}
