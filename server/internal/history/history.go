package history

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/trafficiq/trafficiq/pkg/types"
)

// Paging limits for Query.
const (
	DefaultPerPage = 20
	MaxPerPage     = 100
)

// ErrInvalidPeriod is returned by ParsePeriod for unknown trend periods.
var ErrInvalidPeriod = errors.New("history: invalid period")

// Observation is one recorded lane update.
type Observation struct {
	ID           string          `json:"id"`
	Direction    types.Direction `json:"direction"`
	VehicleCount int             `json:"vehicle_count"`
	ImageRefs    []string        `json:"image_refs,omitempty"`
	Timestamp    time.Time       `json:"timestamp"`
}

// NewObservation stamps a new observation with a fresh ID.
func NewObservation(d types.Direction, count int, at time.Time, refs ...string) Observation {
	var kept []string
	for _, r := range refs {
		if r != "" {
			kept = append(kept, r)
		}
	}
	return Observation{
		ID:           uuid.NewString(),
		Direction:    d,
		VehicleCount: count,
		ImageRefs:    kept,
		Timestamp:    at.UTC(),
	}
}

// Recorder accepts observations from the update path.
type Recorder interface {
	RecordObservation(ctx context.Context, d types.Direction, count int, refs ...string) error
}

// Writer is a persistence backend.
type Writer interface {
	Write(ctx context.Context, o Observation) error
}

// Querier answers history queries. Only BadgerStore implements it.
type Querier interface {
	Query(ctx context.Context, q Query) (Page, error)
	Stats(ctx context.Context) (Stats, error)
	Trends(ctx context.Context, period Period, since time.Time) ([]TrendPoint, error)
}

// WriteError reports a failed backend write. It is logged and dropped.
type WriteError struct {
	Observation Observation
	Err         error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("history: write observation %s (%s): %v",
		e.Observation.ID, e.Observation.Direction, e.Err)
}

func (e *WriteError) Unwrap() error { return e.Err }

// Query selects a page of observations, newest first. Direction limits the
// result to one lane; set it to types.NoDirection for all lanes. Zero times
// are unbounded.
type Query struct {
	Direction types.Direction
	Since     time.Time
	Until     time.Time
	Page      int
	PerPage   int
}

func (q Query) normalize() Query {
	if q.Page < 1 {
		q.Page = 1
	}
	if q.PerPage < 1 {
		q.PerPage = DefaultPerPage
	}
	if q.PerPage > MaxPerPage {
		q.PerPage = MaxPerPage
	}
	return q
}

// Page is one page of query results.
type Page struct {
	Records []Observation `json:"records"`
	Total   int           `json:"total"`
	Page    int           `json:"page"`
	PerPage int           `json:"per_page"`
	Pages   int           `json:"pages"`
}

// DirectionStats aggregates the observations of one lane, or of all lanes.
type DirectionStats struct {
	Records       int       `json:"records"`
	TotalVehicles int       `json:"total_vehicles"`
	AvgVehicles   float64   `json:"avg_vehicles"`
	MaxVehicles   int       `json:"max_vehicles"`
	LastSeen      time.Time `json:"last_seen,omitzero"`
}

func (s *DirectionStats) add(o Observation) {
	s.Records++
	s.TotalVehicles += o.VehicleCount
	if o.VehicleCount > s.MaxVehicles {
		s.MaxVehicles = o.VehicleCount
	}
	if o.Timestamp.After(s.LastSeen) {
		s.LastSeen = o.Timestamp
	}
	s.AvgVehicles = float64(s.TotalVehicles) / float64(s.Records)
}

// Stats is the result of a Stats query.
type Stats struct {
	Overall    DirectionStats                     `json:"overall"`
	Directions map[types.Direction]DirectionStats `json:"directions"`
}

// Period is a trend bucket width.
type Period string

const (
	Hourly Period = "hourly"
	Daily  Period = "daily"
)

// ParsePeriod accepts "hourly" or "daily"; empty means hourly.
func ParsePeriod(s string) (Period, error) {
	switch p := Period(strings.ToLower(strings.TrimSpace(s))); p {
	case "":
		return Hourly, nil
	case Hourly, Daily:
		return p, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidPeriod, s)
}

// bucket truncates t to the start of its period, in UTC.
func (p Period) bucket(t time.Time) time.Time {
	t = t.UTC()
	if p == Daily {
		return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	}
	return t.Truncate(time.Hour)
}

// TrendPoint is the average vehicle count of one lane in one bucket.
type TrendPoint struct {
	Bucket      time.Time       `json:"bucket"`
	Direction   types.Direction `json:"direction"`
	AvgVehicles float64         `json:"avg_vehicles"`
	Samples     int             `json:"samples"`
}
