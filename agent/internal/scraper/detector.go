package scraper

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"time"

	"github.com/trafficiq/trafficiq/agent/internal/config"
	"github.com/trafficiq/trafficiq/pkg/types"
)

// detectorScraper reads a vehicle detector's /metrics endpoint. A detector
// exposes the vehicles it currently sees in one lane, usually split by class:
//
//	# TYPE trafficiq_detected_vehicles gauge
//	trafficiq_detected_vehicles{class="car",image_ref="static/north_0412.jpg"} 11
//	trafficiq_detected_vehicles{class="bus",image_ref="static/north_0412.jpg"} 1
type detectorScraper struct {
	src    config.Source
	lane   types.Direction
	client *http.Client
	now    func() time.Time
}

// Scrape sums the configured family into a vehicle count and attaches the
// image reference from the first labelled sample.
func (s *detectorScraper) Scrape(ctx context.Context) (*Reading, error) {
	mfs, err := fetchMetrics(ctx, s.client, s.src.Endpoint)
	if err != nil {
		slog.Warn("scraper: detector fetch failed", "source", s.src.ID, "err", err)
		return nil, fmt.Errorf("detector scrape %q: %w", s.src.ID, err)
	}

	mf, ok := mfs[s.src.Metric]
	if !ok {
		return nil, fmt.Errorf("detector scrape %q: %w: %s", s.src.ID, ErrMetricMissing, s.src.Metric)
	}

	total := sumFamily(mf)
	if math.IsNaN(total) || math.IsInf(total, 0) || total < 0 {
		return nil, fmt.Errorf("detector scrape %q: %s = %v is not a vehicle count",
			s.src.ID, s.src.Metric, total)
	}
	// The server rejects a whole batch over one bad count, so an implausible
	// reading must not reach the shipper.
	if total > types.MaxVehicleCount {
		return nil, fmt.Errorf("detector scrape %q: %w: %s = %v exceeds %d",
			s.src.ID, ErrImplausibleCount, s.src.Metric, total, types.MaxVehicleCount)
	}

	r := &Reading{
		SourceID: s.src.ID,
		Report: types.LaneReport{
			Direction:      s.lane,
			VehicleCount:   int(math.Round(total)),
			ImageReference: firstLabel(mf, s.src.ImageLabel),
		},
		ScrapedAt: s.now().UTC(),
	}
	slog.Debug("scraper: detector read",
		"source", s.src.ID,
		"direction", s.lane.String(),
		"vehicles", r.Report.VehicleCount,
		"image", r.Report.ImageReference,
	)
	return r, nil
}
