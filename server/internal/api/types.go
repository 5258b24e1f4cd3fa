package api

import (
	"time"

	"github.com/trafficiq/trafficiq/pkg/types"
	"github.com/trafficiq/trafficiq/server/internal/alerts"
	"github.com/trafficiq/trafficiq/server/internal/controller"
	"github.com/trafficiq/trafficiq/server/internal/history"
)

// HealthResponse is the payload for GET /api/v1/health.
type HealthResponse struct {
	Status         string    `json:"status"`
	Version        string    `json:"version"`
	Controller     string    `json:"controller"`
	StorageBackend string    `json:"storage_backend"`
	Clients        int       `json:"clients"`
	AlertCount     int       `json:"alert_count"`
	Uptime         string    `json:"uptime"`
	Time           time.Time `json:"time"`
}

// laneReportRequest is one element of a POST /api/v1/lanes batch.
type laneReportRequest struct {
	Direction      string `json:"direction" validate:"required,oneof=north east south west"`
	VehicleCount   *int   `json:"vehicle_count" validate:"required,vehicle_count"`
	ImageReference string `json:"image_reference" validate:"max=1024"`
}

// lanesRequest is the body of POST /api/v1/lanes.
type lanesRequest struct {
	Reports []laneReportRequest `json:"reports" validate:"required,min=1,max=64,dive"`
}

// singleLaneRequest is the body of POST /api/v1/lanes/{direction}.
type singleLaneRequest struct {
	VehicleCount   *int   `json:"vehicle_count" validate:"required,vehicle_count"`
	ImageReference string `json:"image_reference" validate:"max=1024"`
}

// SignalResponse is the payload for GET /api/v1/signal.
type SignalResponse struct {
	controller.Status
	GreenSignal types.Direction `json:"green_signal"`
	Hints       []LaneHint      `json:"hints"`
}

// AlertsResponse is the payload for GET /api/v1/alerts.
type AlertsResponse struct {
	Alerts []*alerts.Alert `json:"alerts"`
	Count  int             `json:"count"`
}

// TrendsResponse is the payload for GET /api/v1/trends.
type TrendsResponse struct {
	Period history.Period       `json:"period"`
	Since  time.Time            `json:"since"`
	Points []history.TrendPoint `json:"points"`
}

// errorResponse is a generic JSON error body.
type errorResponse struct {
	Error string `json:"error"`
}
