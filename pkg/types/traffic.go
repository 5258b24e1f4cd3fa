package types

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrInvalidDirection is returned when a direction is outside the four fixed
// approaches. Callers wrap it with context; test with errors.Is.
var ErrInvalidDirection = errors.New("invalid direction")

// ErrNegativeCount is returned when a lane update carries a negative count.
var ErrNegativeCount = errors.New("vehicle count must not be negative")

// MaxVehicleCount is the largest count the server accepts in a lane report.
// Detectors reporting more than this are treated as faulty.
const MaxVehicleCount = 10000

// Direction is one of the four traffic approaches. The numeric order is the
// default rotation and the tie-break order for lane selection.
type Direction int8

const (
	// NoDirection is the "no green signal" sentinel. It is never a lane.
	NoDirection Direction = -1

	North Direction = 0
	East  Direction = 1
	South Direction = 2
	West  Direction = 3
)

// NumDirections is the number of lanes at an installation.
const NumDirections = 4

var directionNames = [NumDirections]string{"north", "east", "south", "west"}

// Directions returns the four lanes in rotation order.
func Directions() []Direction {
	return []Direction{North, East, South, West}
}

// Valid reports whether d is one of the four lanes.
func (d Direction) Valid() bool {
	return d >= North && d <= West
}

func (d Direction) String() string {
	if d.Valid() {
		return directionNames[d]
	}
	if d == NoDirection {
		return ""
	}
	return fmt.Sprintf("Direction(%d)", int8(d))
}

// ParseDirection converts a lane name ("north", "East", ...) to a Direction.
func ParseDirection(s string) (Direction, error) {
	name := strings.ToLower(strings.TrimSpace(s))
	for i, n := range directionNames {
		if n == name {
			return Direction(i), nil
		}
	}
	return NoDirection, fmt.Errorf("%w: %q", ErrInvalidDirection, s)
}

// MarshalText encodes a lane as its name and NoDirection as "".
func (d Direction) MarshalText() ([]byte, error) {
	if d != NoDirection && !d.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrInvalidDirection, int8(d))
	}
	return []byte(d.String()), nil
}

// UnmarshalText accepts a lane name, or "" for NoDirection.
func (d *Direction) UnmarshalText(b []byte) error {
	if len(b) == 0 {
		*d = NoDirection
		return nil
	}
	parsed, err := ParseDirection(string(b))
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// LaneState is the observed congestion for one approach.
type LaneState struct {
	VehicleCount   int    `json:"vehicle_count"`
	ImageReference string `json:"image_reference"`
}

// Snapshot is an immutable copy of the traffic state at one instant.
// Lanes is indexed by Direction, so all four lanes are always present.
type Snapshot struct {
	Lanes       [NumDirections]LaneState
	GreenSignal Direction
	LastUpdated time.Time // zero until the first update or reset
}

// Lane returns the state of lane d. It returns the zero LaneState for an
// invalid direction.
func (s Snapshot) Lane(d Direction) LaneState {
	if !d.Valid() {
		return LaneState{}
	}
	return s.Lanes[d]
}

// TotalVehicles is the sum of all four lane counts.
func (s Snapshot) TotalVehicles() int {
	var n int
	for _, l := range s.Lanes {
		n += l.VehicleCount
	}
	return n
}

// MarshalJSON renders the snapshot with one key per lane, e.g.
//
//	{"north":{...},"east":{...},"south":{...},"west":{...},
//	 "green_signal":"north","last_updated":"2024-01-01T00:00:00Z"}
//
// last_updated is null before the first mutation.
func (s Snapshot) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, NumDirections+2)
	for _, d := range Directions() {
		out[d.String()] = s.Lanes[d]
	}
	out["green_signal"] = s.GreenSignal.String()
	if s.LastUpdated.IsZero() {
		out["last_updated"] = nil
	} else {
		out["last_updated"] = s.LastUpdated.UTC().Format(time.RFC3339Nano)
	}
	return json.Marshal(out)
}

// UnmarshalJSON is the inverse of MarshalJSON. Missing lanes decode as zero.
func (s *Snapshot) UnmarshalJSON(b []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	var snap Snapshot
	for _, d := range Directions() {
		if v, ok := raw[d.String()]; ok {
			if err := json.Unmarshal(v, &snap.Lanes[d]); err != nil {
				return fmt.Errorf("lane %s: %w", d, err)
			}
		}
	}
	snap.GreenSignal = NoDirection
	if v, ok := raw["green_signal"]; ok {
		if err := json.Unmarshal(v, &snap.GreenSignal); err != nil {
			return fmt.Errorf("green_signal: %w", err)
		}
	}
	if v, ok := raw["last_updated"]; ok && string(v) != "null" {
		var ts string
		if err := json.Unmarshal(v, &ts); err != nil {
			return fmt.Errorf("last_updated: %w", err)
		}
		t, err := time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			return fmt.Errorf("last_updated: %w", err)
		}
		snap.LastUpdated = t
	}
	*s = snap
	return nil
}

// LaneReport is one detection result for a single approach: the number of
// vehicles seen and a reference to the annotated image. It is the payload
// the agent ships to the server.
type LaneReport struct {
	Direction      Direction `json:"direction"`
	VehicleCount   int       `json:"vehicle_count"`
	ImageReference string    `json:"image_reference,omitempty"`
}

// Validate checks the report against the lane invariants.
func (r LaneReport) Validate() error {
	if !r.Direction.Valid() {
		return fmt.Errorf("%w: %s", ErrInvalidDirection, r.Direction)
	}
	if r.VehicleCount < 0 {
		return fmt.Errorf("%s: %w", r.Direction, ErrNegativeCount)
	}
	return nil
}
