package receiver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/trafficiq/trafficiq/pkg/types"
	"github.com/trafficiq/trafficiq/server/internal/history"
	"github.com/trafficiq/trafficiq/server/internal/metrics"
)

// ErrEmptyBatch is returned by Apply when no reports are given.
var ErrEmptyBatch = errors.New("receiver: empty batch")

// ReportError identifies the first invalid report of a rejected batch.
type ReportError struct {
	Index int
	Err   error
}

func (e *ReportError) Error() string {
	return fmt.Sprintf("receiver: report %d: %v", e.Index, e.Err)
}

func (e *ReportError) Unwrap() error { return e.Err }

// Store is the part of the traffic state store the receiver writes to.
type Store interface {
	Get() types.Snapshot
	UpdateLane(d types.Direction, count int, imageRef string) error
	Reset()
}

// Publisher is notified with the snapshot after every applied batch.
type Publisher interface {
	Publish(snap types.Snapshot)
}

// Alerter evaluates congestion rules.
type Alerter interface {
	Evaluate(d types.Direction, lane types.LaneState)
	ResolveAll()
}

// Receiver applies detection results. Optional collaborators may be nil.
type Receiver struct {
	store    Store
	pub      Publisher
	alerts   Alerter
	recorder history.Recorder
	metrics  *metrics.Metrics

	// mu serializes batches and resets so alert state is always evaluated
	// against the count the store ends up holding.
	mu sync.Mutex
}

// New creates a Receiver writing to st. pub, al, rec and m may be nil.
func New(st Store, pub Publisher, al Alerter, rec history.Recorder, m *metrics.Metrics) *Receiver {
	return &Receiver{store: st, pub: pub, alerts: al, recorder: rec, metrics: m}
}

// Apply validates and applies reports in order, then publishes once and
// returns the post-batch snapshot. Later reports for the same lane win.
func (r *Receiver) Apply(ctx context.Context, reports []types.LaneReport) (types.Snapshot, error) {
	if len(reports) == 0 {
		return types.Snapshot{}, ErrEmptyBatch
	}
	for i, rep := range reports {
		if err := rep.Validate(); err != nil {
			return types.Snapshot{}, &ReportError{Index: i, Err: err}
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for i, rep := range reports {
		if err := r.store.UpdateLane(rep.Direction, rep.VehicleCount, rep.ImageReference); err != nil {
			// Only reachable if the store's rules diverge from Validate.
			return types.Snapshot{}, &ReportError{Index: i, Err: err}
		}
		r.metrics.LaneUpdated(rep.Direction, rep.VehicleCount)
		if r.alerts != nil {
			r.alerts.Evaluate(rep.Direction, types.LaneState{
				VehicleCount:   rep.VehicleCount,
				ImageReference: rep.ImageReference,
			})
		}
		r.record(ctx, rep)

		slog.Debug("receiver: lane updated",
			"direction", rep.Direction.String(),
			"vehicles", rep.VehicleCount,
			"image", rep.ImageReference,
		)
	}

	snap := r.store.Get()
	r.publish(snap)
	return snap, nil
}

// Reset clears every lane and the green signal, resolves open alerts and
// publishes the cleared snapshot.
func (r *Receiver) Reset(ctx context.Context) types.Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.store.Reset()
	r.metrics.LanesReset()
	if r.alerts != nil {
		r.alerts.ResolveAll()
	}
	snap := r.store.Get()
	r.publish(snap)
	slog.Info("receiver: traffic data cleared")
	return snap
}

func (r *Receiver) record(ctx context.Context, rep types.LaneReport) {
	if r.recorder == nil {
		return
	}
	if err := r.recorder.RecordObservation(ctx, rep.Direction, rep.VehicleCount, rep.ImageReference); err != nil {
		r.metrics.PersistenceFailed()
		slog.Warn("receiver: history write failed (non-critical)",
			"direction", rep.Direction.String(), "err", err)
	}
}

func (r *Receiver) publish(snap types.Snapshot) {
	if r.pub != nil {
		r.pub.Publish(snap)
	}
}
