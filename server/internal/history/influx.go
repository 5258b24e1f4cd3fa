package history

import (
	"context"
	"fmt"
	"strings"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"

	"github.com/trafficiq/trafficiq/pkg/types"
)

// Measurement is the InfluxDB measurement observations are written to.
const Measurement = "traffic_observation"

// InfluxConfig locates an InfluxDB v2 bucket.
type InfluxConfig struct {
	URL    string
	Token  string
	Org    string
	Bucket string
}

// InfluxRecorder writes observations to InfluxDB as points tagged by
// direction. It does not serve queries.
type InfluxRecorder struct {
	client   influxdb2.Client
	writeAPI api.WriteAPIBlocking
	now      func() time.Time
}

// NewInfluxRecorder creates a recorder for cfg. No connection is made until
// the first write.
func NewInfluxRecorder(cfg InfluxConfig) *InfluxRecorder {
	client := influxdb2.NewClient(cfg.URL, cfg.Token)
	return &InfluxRecorder{
		client:   client,
		writeAPI: client.WriteAPIBlocking(cfg.Org, cfg.Bucket),
		now:      time.Now,
	}
}

// RecordObservation writes one point stamped with the current time.
func (r *InfluxRecorder) RecordObservation(ctx context.Context, d types.Direction, count int, refs ...string) error {
	return r.Write(ctx, NewObservation(d, count, r.now(), refs...))
}

// Write sends o as a single point.
func (r *InfluxRecorder) Write(ctx context.Context, o Observation) error {
	p := influxdb2.NewPoint(Measurement,
		map[string]string{"direction": o.Direction.String()},
		map[string]interface{}{
			"vehicle_count": o.VehicleCount,
			"image_refs":    strings.Join(o.ImageRefs, ","),
		},
		o.Timestamp,
	)
	if err := r.writeAPI.WritePoint(ctx, p); err != nil {
		return fmt.Errorf("history: influx write: %w", err)
	}
	return nil
}

// Close releases the client's HTTP resources.
func (r *InfluxRecorder) Close() error {
	r.client.Close()
	return nil
}
