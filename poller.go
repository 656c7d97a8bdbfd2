package main

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"bustrack/internal/geo"
	"bustrack/internal/ingest"
	"bustrack/internal/protocol"
)

// pingHandler is the ingestion entry point shared by the websocket, HTTP and feed paths.
type pingHandler interface {
	HandlePing(ctx context.Context, p protocol.Ping) (ingest.Result, error)
}

// poller fetches an upstream feed periodically and relays vehicles whose position changed
// since the previous fetch as pings.
type poller struct {
	feed       FeedSource
	handler    pingHandler
	minRefresh time.Duration
	timeout    time.Duration
	last       map[string]geo.Point
}

func newPoller(feed FeedSource, handler pingHandler, minRefresh, timeout time.Duration) *poller {
	return &poller{
		feed:       feed,
		handler:    handler,
		minRefresh: minRefresh,
		timeout:    timeout,
		last:       make(map[string]geo.Point),
	}
}

// run polls until ctx is cancelled. The next fetch is scheduled after
// max(elapsed/2, minRefresh) so a slow feed is not hammered.
func (p *poller) run(ctx context.Context) error {
	t := time.NewTimer(0)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			start := time.Now()
			p.tick(ctx)
			t.Reset(max(time.Since(start)/2, p.minRefresh))
		}
	}
}

func (p *poller) tick(ctx context.Context) {
	cctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	pings, err := p.feed.Fetch(cctx)
	if err != nil {
		slog.Warn("feed poll failed", "err", err)
		return
	}
	slog.Debug("feed fetched", "vehicles", len(pings))

	changed := p.detectChanges(pings)
	var accepted, ignored, rejected int
	for _, ping := range changed {
		res, err := p.handler.HandlePing(ctx, ping)
		switch {
		case errors.Is(err, ingest.ErrUnknownVehicle):
			// The upstream feed usually covers more vehicles than are provisioned here.
			rejected++
		case err != nil:
			rejected++
			delete(p.last, ping.VehicleID)
		case res.Outcome == ingest.Ignored:
			ignored++
		default:
			accepted++
		}
	}
	if len(changed) > 0 {
		slog.Info("feed relayed", "changed", len(changed), "accepted", accepted,
			"ignored", ignored, "rejected", rejected)
	}
}

// detectChanges returns the pings whose position differs from the previous fetch and
// remembers the new positions. Vehicles missing from the fetch are forgotten.
func (p *poller) detectChanges(in []protocol.Ping) []protocol.Ping {
	current := make(map[string]geo.Point, len(in))
	var out []protocol.Ping
	for _, ping := range in {
		if prev, ok := p.last[ping.VehicleID]; !ok || prev != ping.Position {
			out = append(out, ping)
		}
		current[ping.VehicleID] = ping.Position
	}
	p.last = current
	return out
}
