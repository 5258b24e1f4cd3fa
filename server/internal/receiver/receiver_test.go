package receiver

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trafficiq/trafficiq/pkg/types"
	"github.com/trafficiq/trafficiq/server/internal/store"
)

// --- fakes ------------------------------------------------------------------

type pubRecorder struct {
	mu    sync.Mutex
	snaps []types.Snapshot
}

func (p *pubRecorder) Publish(s types.Snapshot) {
	p.mu.Lock()
	p.snaps = append(p.snaps, s)
	p.mu.Unlock()
}

type alertSpy struct {
	evaluated []types.Direction
	resolved  int
}

func (a *alertSpy) Evaluate(d types.Direction, _ types.LaneState) { a.evaluated = append(a.evaluated, d) }
func (a *alertSpy) ResolveAll() { a.resolved++ }

// lastCount remembers the count of the latest evaluation per lane.
type lastCount struct {
	mu   sync.Mutex
	seen map[types.Direction]int
}

func (a *lastCount) Evaluate(d types.Direction, lane types.LaneState) {
	a.mu.Lock()
	a.seen[d] = lane.VehicleCount
	a.mu.Unlock()
}
func (a *lastCount) ResolveAll() {}

type recorderSpy struct {
	calls []string
	err   error
}

func (r *recorderSpy) RecordObservation(_ context.Context, d types.Direction, count int, refs ...string) error {
	r.calls = append(r.calls, d.String())
	return r.err
}

func newReceiver() (*Receiver, *store.Store, *pubRecorder, *alertSpy, *recorderSpy) {
	st := store.New()
	pub := &pubRecorder{}
	al := &alertSpy{}
	rec := &recorderSpy{}
	return New(st, pub, al, rec, nil), st, pub, al, rec
}

// --- tests ------------------------------------------------------------------

func TestApply_UpdatesPublishesOnce(t *testing.T) {
	r, st, pub, al, rec := newReceiver()

	snap, err := r.Apply(context.Background(), []types.LaneReport{
		{Direction: types.North, VehicleCount: 15, ImageReference: "n.jpg"},
		{Direction: types.West, VehicleCount: 2},
	})
	require.NoError(t, err)

	assert.Equal(t, 15, snap.Lane(types.North).VehicleCount)
	assert.Equal(t, "n.jpg", snap.Lane(types.North).ImageReference)
	assert.Equal(t, 2, snap.Lane(types.West).VehicleCount)
	assert.Equal(t, st.Get(), snap)

	require.Len(t, pub.snaps, 1)
	assert.Equal(t, snap, pub.snaps[0])
	assert.Equal(t, []types.Direction{types.North, types.West}, al.evaluated)
	assert.Equal(t, []string{"north", "west"}, rec.calls)
}

func TestApply_LaterReportWins(t *testing.T) {
	r, _, _, _, _ := newReceiver()
	snap, err := r.Apply(context.Background(), []types.LaneReport{
		{Direction: types.East, VehicleCount: 1},
		{Direction: types.East, VehicleCount: 9},
	})
	require.NoError(t, err)
	assert.Equal(t, 9, snap.Lane(types.East).VehicleCount)
}

func TestApply_InvalidReportRejectsWholeBatch(t *testing.T) {
	r, st, pub, al, rec := newReceiver()

	_, err := r.Apply(context.Background(), []types.LaneReport{
		{Direction: types.North, VehicleCount: 4},
		{Direction: types.Direction(9), VehicleCount: 1},
	})
	var re *ReportError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, 1, re.Index)
	assert.ErrorIs(t, err, types.ErrInvalidDirection)

	assert.Zero(t, st.Get().TotalVehicles(), "store untouched")
	assert.True(t, st.Get().LastUpdated.IsZero())
	assert.Empty(t, pub.snaps)
	assert.Empty(t, al.evaluated)
	assert.Empty(t, rec.calls)
}

func TestApply_NegativeCount(t *testing.T) {
	r, _, _, _, _ := newReceiver()
	_, err := r.Apply(context.Background(), []types.LaneReport{{Direction: types.South, VehicleCount: -2}})
	assert.ErrorIs(t, err, types.ErrNegativeCount)
}

func TestApply_EmptyBatch(t *testing.T) {
	r, _, pub, _, _ := newReceiver()
	_, err := r.Apply(context.Background(), nil)
	assert.ErrorIs(t, err, ErrEmptyBatch)
	assert.Empty(t, pub.snaps)
}

func TestApply_RecorderFailureIsNonCritical(t *testing.T) {
	r, _, pub, _, rec := newReceiver()
	rec.err = errors.New("db down")

	snap, err := r.Apply(context.Background(), []types.LaneReport{{Direction: types.North, VehicleCount: 3}})
	require.NoError(t, err)
	assert.Equal(t, 3, snap.Lane(types.North).VehicleCount)
	assert.Len(t, pub.snaps, 1)
}

func TestApply_NilCollaborators(t *testing.T) {
	st := store.New()
	r := New(st, nil, nil, nil, nil)
	_, err := r.Apply(context.Background(), []types.LaneReport{{Direction: types.West, VehicleCount: 1}})
	require.NoError(t, err)
	r.Reset(context.Background())
	assert.Zero(t, st.Get().TotalVehicles())
}

func TestReset(t *testing.T) {
	r, st, pub, al, _ := newReceiver()
	_, err := r.Apply(context.Background(), []types.LaneReport{{Direction: types.North, VehicleCount: 8}})
	require.NoError(t, err)
	require.NoError(t, st.SetGreenSignal(types.North))

	snap := r.Reset(context.Background())

	assert.Zero(t, snap.TotalVehicles())
	assert.Equal(t, types.NoDirection, snap.GreenSignal)
	assert.Equal(t, 1, al.resolved)
	require.Len(t, pub.snaps, 2)
	assert.Equal(t, snap, pub.snaps[1])
}

func TestApply_ConcurrentBatchesAlertsFollowStore(t *testing.T) {
	st := store.New()
	al := &lastCount{seen: map[types.Direction]int{}}
	r := New(st, nil, al, nil, nil)

	var wg sync.WaitGroup
	for i := 1; i <= 64; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			_, err := r.Apply(context.Background(), []types.LaneReport{{Direction: types.North, VehicleCount: n}})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	al.mu.Lock()
	defer al.mu.Unlock()
	assert.Equal(t, st.Get().Lane(types.North).VehicleCount, al.seen[types.North])
}
