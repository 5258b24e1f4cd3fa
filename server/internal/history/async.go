package history

import (
	"context"
	"log/slog"
	"time"

	"github.com/trafficiq/trafficiq/pkg/types"
	"github.com/trafficiq/trafficiq/server/internal/metrics"
)

// Defaults for NewAsyncRecorder.
const (
	DefaultBufferSize   = 256
	DefaultWriteTimeout = 5 * time.Second
)

// AsyncRecorder queues observations and writes them to a backend on its own
// goroutine. RecordObservation never blocks and never fails for backend
// reasons; when the buffer is full the oldest observation is evicted.
// Run must be called to drain the buffer.
type AsyncRecorder struct {
	w            Writer
	buf          chan Observation
	writeTimeout time.Duration
	metrics      *metrics.Metrics
	now          func() time.Time

	// onError observes every failed write. Tests hook it.
	onError func(*WriteError)
}

// NewAsyncRecorder wraps w. Non-positive sizes and timeouts use the defaults.
// m may be nil.
func NewAsyncRecorder(w Writer, bufferSize int, writeTimeout time.Duration, m *metrics.Metrics) *AsyncRecorder {
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	if writeTimeout <= 0 {
		writeTimeout = DefaultWriteTimeout
	}
	return &AsyncRecorder{
		w:            w,
		buf:          make(chan Observation, bufferSize),
		writeTimeout: writeTimeout,
		metrics:      m,
		now:          time.Now,
	}
}

// RecordObservation stamps and enqueues an observation. The returned error
// is always nil.
func (a *AsyncRecorder) RecordObservation(_ context.Context, d types.Direction, count int, refs ...string) error {
	a.enqueue(NewObservation(d, count, a.now(), refs...))
	return nil
}

func (a *AsyncRecorder) enqueue(o Observation) {
	select {
	case a.buf <- o:
		return
	default:
	}
	// Buffer full: drop the oldest observation, keep the newest.
	select {
	case old := <-a.buf:
		a.metrics.PersistenceFailed()
		slog.Warn("history: buffer full, evicted oldest observation",
			"direction", old.Direction.String(), "buffer_cap", cap(a.buf))
	default:
	}
	select {
	case a.buf <- o:
	default:
		a.metrics.PersistenceFailed()
		slog.Warn("history: buffer full, dropped observation",
			"direction", o.Direction.String())
	}
}

// Pending returns the number of queued observations.
func (a *AsyncRecorder) Pending() int { return len(a.buf) }

// Run writes queued observations until ctx is cancelled, then flushes what
// is left. Each write is bounded by the write timeout, not by ctx, so the
// final flush completes during shutdown.
func (a *AsyncRecorder) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			a.flush()
			return
		case o := <-a.buf:
			a.write(o)
		}
	}
}

func (a *AsyncRecorder) flush() {
	for {
		select {
		case o := <-a.buf:
			a.write(o)
		default:
			return
		}
	}
}

func (a *AsyncRecorder) write(o Observation) {
	wctx, cancel := context.WithTimeout(context.Background(), a.writeTimeout)
	err := a.w.Write(wctx, o)
	cancel()
	if err == nil {
		slog.Debug("history: observation stored", "direction", o.Direction.String(), "id", o.ID)
		return
	}

	we := &WriteError{Observation: o, Err: err}
	a.metrics.PersistenceFailed()
	slog.Warn("history: write failed (non-critical)", "err", we)
	if a.onError != nil {
		a.onError(we)
	}
}
