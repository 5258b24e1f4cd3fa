package alerts

import (
	"strconv"
	"strings"

	"github.com/trafficiq/trafficiq/pkg/types"
)

// evalCondition evaluates a rule condition against one lane.
//
// Supported expressions (field operator value):
//
//	vehicle_count > 30
//	vehicle_count >= 25
//	vehicle_count == 0
//	vehicle_count != 0
//
// Returns (fires bool, triggering value float64).
// Returns (false, 0) if the expression cannot be parsed or the field is unknown.
func evalCondition(cond string, lane types.LaneState) (bool, float64) {
	parts := strings.Fields(cond)
	if len(parts) != 3 {
		return false, 0
	}
	field, op, rhs := parts[0], parts[1], parts[2]

	v, ok := numericField(field, lane)
	if !ok {
		return false, 0
	}
	threshold, err := strconv.ParseFloat(rhs, 64)
	if err != nil {
		return false, 0
	}
	return compareFloat(v, op, threshold), v
}

// numericField maps a field name to its value in the lane.
func numericField(field string, lane types.LaneState) (float64, bool) {
	switch field {
	case "vehicle_count":
		return float64(lane.VehicleCount), true
	default:
		return 0, false
	}
}

// compareFloat applies a comparison operator to two float64 values.
func compareFloat(v float64, op string, threshold float64) bool {
	switch op {
	case ">":
		return v > threshold
	case ">=":
		return v >= threshold
	case "<":
		return v < threshold
	case "<=":
		return v <= threshold
	case "==":
		return v == threshold
	case "!=":
		return v != threshold
	default:
		return false
	}
}
