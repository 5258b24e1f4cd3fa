package api

import (
	"fmt"
	"time"

	"github.com/trafficiq/trafficiq/pkg/types"
	"github.com/trafficiq/trafficiq/server/internal/controller"
)

// Thresholds for lane hints.
const (
	heavyTraffic   = 15 // count at which the green phase is capped at 3× base
	starvingTicks  = 3
	staleDetection = 5 * time.Minute
)

// LaneHint is one human-readable observation about a lane, shown next to
// the lane on the dashboard.
type LaneHint struct {
	// Direction is the lane, or empty for intersection-wide hints.
	Direction types.Direction `json:"direction"`
	// Key is a stable machine-readable identifier.
	Key string `json:"key"`
	// Level is "ok" | "info" | "warning" | "critical".
	Level  string `json:"level"`
	Title  string `json:"title"`
	Detail string `json:"detail"`
}

// computeHints derives lane hints from the snapshot and scheduler status.
// Intersection-wide hints come first, then lanes in fixed order.
func computeHints(snap types.Snapshot, st controller.Status, now time.Time) []LaneHint {
	hints := []LaneHint{}

	if snap.LastUpdated.IsZero() {
		hints = append(hints, LaneHint{
			Direction: types.NoDirection,
			Key:       "no_data",
			Level:     "info",
			Title:     "No detections yet",
			Detail: "No lane report has been received since startup or the last reset. " +
				"Every lane is treated as empty and north is served first.",
		})
	} else if age := now.Sub(snap.LastUpdated); age > staleDetection {
		hints = append(hints, LaneHint{
			Direction: types.NoDirection,
			Key:       "stale",
			Level:     "warning",
			Title:     "Detection stale",
			Detail: fmt.Sprintf("The last lane report arrived %s ago. "+
				"Signal timing is based on counts that may no longer be accurate; "+
				"check that the detection agent is running.", age.Round(time.Second)),
		})
	}

	for _, d := range types.Directions() {
		lane := snap.Lane(d)
		wait := st.WaitTicks[d]

		switch {
		case lane.VehicleCount >= heavyTraffic:
			hints = append(hints, LaneHint{
				Direction: d,
				Key:       "heavy",
				Level:     "critical",
				Title:     fmt.Sprintf("%d vehicles", lane.VehicleCount),
				Detail: fmt.Sprintf("The %s lane is at or above %d vehicles, so its green phase "+
					"is capped at %d units (3× base).", d, heavyTraffic,
					controller.SignalDuration(st.BaseDuration, lane.VehicleCount)),
			})
		case lane.VehicleCount > 5:
			hints = append(hints, LaneHint{
				Direction: d,
				Key:       "extended",
				Level:     "warning",
				Title:     "Extended green",
				Detail: fmt.Sprintf("With %d vehicles the %s lane earns %d units of green.",
					lane.VehicleCount, d, controller.SignalDuration(st.BaseDuration, lane.VehicleCount)),
			})
		}

		if lane.VehicleCount > 0 && wait >= starvingTicks {
			hints = append(hints, LaneHint{
				Direction: d,
				Key:       "waiting",
				Level:     "warning",
				Title:     fmt.Sprintf("Waiting %d cycles", wait),
				Detail: fmt.Sprintf("The %s lane has been passed over %d times. Its priority "+
					"grows every cycle until it is served.", d, wait),
			})
		}

		if d == snap.GreenSignal {
			hints = append(hints, LaneHint{
				Direction: d,
				Key:       "green",
				Level:     "ok",
				Title:     "Green",
				Detail:    fmt.Sprintf("The %s lane currently has the green signal.", d),
			})
		}
	}
	return hints
}
