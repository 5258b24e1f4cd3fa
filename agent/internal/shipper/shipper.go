package shipper

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net/http"
	"strings"
	"time"

	"github.com/trafficiq/trafficiq/agent/internal/config"
	"github.com/trafficiq/trafficiq/pkg/types"
)

const (
	backoffInitial    = 1 * time.Second
	backoffMax        = 60 * time.Second
	backoffMultiplier = 2.0
	sendTimeout       = 10 * time.Second
	flushTimeout      = 2 * time.Second

	// maxBatch matches the server's per-request report limit.
	maxBatch = 64

	lanesPath = "/api/v1/lanes"
)

// StatusError is a non-2xx response from the server.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("server returned %d: %s", e.Code, e.Message)
}

// Permanent reports whether resending the same batch cannot succeed.
// Everything in 4xx except 408 and 429 is permanent.
func (e *StatusError) Permanent() bool {
	return e.Code >= 400 && e.Code < 500 &&
		e.Code != http.StatusRequestTimeout && e.Code != http.StatusTooManyRequests
}

// Shipper buffers lane reports and POSTs them to trafficiq-server in batches.
// Ship() is non-blocking; when the buffer is full the oldest report is evicted.
// Run() must be called in a goroutine to drain the buffer.
type Shipper struct {
	cfg      config.AgentConfig
	endpoint string
	buf      chan types.LaneReport
	client   *http.Client

	// backoff bounds, shortened by tests
	boInitial time.Duration
	boMax     time.Duration
}

// New creates a Shipper using the given agent config.
func New(cfg config.AgentConfig) *Shipper {
	size := cfg.BufferSize
	if size <= 0 {
		size = config.DefaultBufferSize
	}
	return &Shipper{
		cfg:       cfg,
		endpoint:  strings.TrimRight(cfg.ServerURL, "/") + lanesPath,
		buf:       make(chan types.LaneReport, size),
		client:    &http.Client{Timeout: sendTimeout},
		boInitial: backoffInitial,
		boMax:     backoffMax,
	}
}

// Ship enqueues a report. If the buffer is full the oldest entry is evicted
// to make room.
func (s *Shipper) Ship(r types.LaneReport) {
	select {
	case s.buf <- r:
	default:
		select {
		case old := <-s.buf:
			slog.Warn("shipper: buffer full, evicted oldest report",
				"direction", old.Direction.String(), "buffer_cap", cap(s.buf))
		default:
		}
		select {
		case s.buf <- r:
		default:
		}
	}
}

// Pending returns the number of buffered reports.
func (s *Shipper) Pending() int { return len(s.buf) }

// Run sends buffered reports every ShipInterval until ctx is cancelled.
// A failed batch is retried with exponential backoff; batches rejected with
// a permanent error are discarded. On cancellation the buffer is flushed once.
func (s *Shipper) Run(ctx context.Context) {
	interval := s.cfg.ShipInterval
	if interval <= 0 {
		interval = config.DefaultShipInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	bo := newBackoff(s.boInitial, s.boMax)
	var batch []types.LaneReport

	for {
		select {
		case <-ctx.Done():
			s.flush(batch)
			return
		case <-ticker.C:
		}

		if len(batch) == 0 {
			batch = s.take(maxBatch)
		}
		if len(batch) == 0 {
			continue
		}

		err := s.send(ctx, batch)
		switch {
		case err == nil:
			slog.Debug("shipper: batch delivered", "reports", len(batch))
			bo.reset()
			batch = nil

		case isPermanent(err) && len(batch) > 1:
			slog.Warn("shipper: batch rejected, resending reports one at a time",
				"reports", len(batch), "err", err)
			batch = s.sendEach(ctx, batch)

		case isPermanent(err):
			slog.Error("shipper: permanent send error, discarding report",
				"direction", batch[0].Direction.String(), "err", err)
			batch = nil

		default:
			wait := bo.next()
			slog.Warn("shipper: send failed, will retry",
				"endpoint", s.endpoint,
				"reports", len(batch),
				"err", err,
				"retry_in", wait)
			select {
			case <-ctx.Done():
				s.flush(batch)
				return
			case <-time.After(wait):
			}
		}
	}
}

// sendEach posts every report in its own request, so one report the server
// refuses cannot take the rest of its batch down with it. Reports that fail
// for transient reasons are returned for the next attempt.
func (s *Shipper) sendEach(ctx context.Context, batch []types.LaneReport) []types.LaneReport {
	var retry []types.LaneReport
	for _, r := range batch {
		err := s.send(ctx, []types.LaneReport{r})
		switch {
		case err == nil:
		case isPermanent(err):
			slog.Error("shipper: report rejected, discarding",
				"direction", r.Direction.String(), "vehicles", r.VehicleCount, "err", err)
		default:
			retry = append(retry, r)
		}
	}
	return retry
}

// take removes up to n reports from the buffer without blocking.
func (s *Shipper) take(n int) []types.LaneReport {
	var out []types.LaneReport
	for len(out) < n {
		select {
		case r := <-s.buf:
			out = append(out, r)
		default:
			return out
		}
	}
	return out
}

// flush makes one bounded attempt to deliver batch plus whatever is buffered.
func (s *Shipper) flush(batch []types.LaneReport) {
	ctx, cancel := context.WithTimeout(context.Background(), flushTimeout)
	defer cancel()

	for {
		batch = append(batch, s.take(maxBatch-len(batch))...)
		if len(batch) == 0 {
			return
		}
		if err := s.send(ctx, batch); err != nil {
			slog.Warn("shipper: final flush failed, reports lost",
				"reports", len(batch)+s.Pending(), "err", err)
			return
		}
		batch = nil
	}
}

type lanesBody struct {
	Reports []reportBody `json:"reports"`
}

type reportBody struct {
	Direction      types.Direction `json:"direction"`
	VehicleCount   int             `json:"vehicle_count"`
	ImageReference string          `json:"image_reference,omitempty"`
}

// send POSTs one batch.
func (s *Shipper) send(ctx context.Context, batch []types.LaneReport) error {
	body := lanesBody{Reports: make([]reportBody, len(batch))}
	for i, r := range batch {
		body.Reports[i] = reportBody{
			Direction:      r.Direction,
			VehicleCount:   r.VehicleCount,
			ImageReference: r.ImageReference,
		}
	}
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if a := s.cfg.ServerAuth; a.Mode == "apikey" && a.KeyEnv != "" {
		req.Header.Set(a.EffectiveHeader(), a.Key())
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("post: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 == 2 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	var e struct {
		Error string `json:"error"`
	}
	_ = json.NewDecoder(io.LimitReader(resp.Body, 4096)).Decode(&e)
	return &StatusError{Code: resp.StatusCode, Message: e.Error}
}

// isPermanent returns true for errors that indicate the batch itself is
// unacceptable and should not be retried.
func isPermanent(err error) bool {
	var se *StatusError
	return errors.As(err, &se) && se.Permanent()
}

// backoff implements truncated exponential backoff with jitter.
type backoff struct {
	initial time.Duration
	max     time.Duration
	current time.Duration
}

func newBackoff(initial, ceiling time.Duration) *backoff {
	return &backoff{initial: initial, max: ceiling, current: initial}
}

// next returns the current backoff duration and advances the internal state.
func (b *backoff) next() time.Duration {
	d := b.current
	// Apply ±25 % jitter.
	jitter := time.Duration(float64(b.current) * 0.25 * (rand.Float64()*2 - 1)) //nolint:gosec // not crypto
	d += jitter
	if d < 0 {
		d = 0
	}

	b.current = time.Duration(float64(b.current) * backoffMultiplier)
	if b.current > b.max {
		b.current = b.max
	}
	return d
}

func (b *backoff) reset() {
	b.current = b.initial
}
