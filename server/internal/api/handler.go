package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"path"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"golang.org/x/time/rate"

	"github.com/trafficiq/trafficiq/pkg/types"
	"github.com/trafficiq/trafficiq/server/internal/alerts"
	"github.com/trafficiq/trafficiq/server/internal/controller"
	"github.com/trafficiq/trafficiq/server/internal/history"
	"github.com/trafficiq/trafficiq/server/internal/receiver"
)

const (
	maxBodyBytes     = 64 << 10
	defaultTrendDays = 7
	maxTrendDays     = 90
)

// Store is the read side of the traffic state store.
type Store interface {
	Get() types.Snapshot
}

// Intake applies detection results.
type Intake interface {
	Apply(ctx context.Context, reports []types.LaneReport) (types.Snapshot, error)
	Reset(ctx context.Context) types.Snapshot
}

// Scheduler reports the controller status.
type Scheduler interface {
	Status() controller.Status
}

// AlertSource lists firing and recently resolved alerts.
type AlertSource interface {
	Active() []*alerts.Alert
}

// Deps wires the handler. Store, Intake and Scheduler are required; the
// rest may be left zero.
type Deps struct {
	Store     Store
	Intake    Intake
	Scheduler Scheduler
	History   history.Querier
	Alerts    AlertSource

	// Auth wraps every mutating route. Nil means no authentication.
	Auth func(http.Handler) http.Handler

	// Limiter throttles lane reports. Nil means unlimited.
	Limiter *rate.Limiter

	// Clients reports connected WebSocket clients for /health.
	Clients func() int

	// ImageDir is where detector frames live; image references resolve
	// relative to it. Empty disables /api/v1/images/.
	ImageDir string

	Version        string
	StorageBackend string
}

// Handler is the HTTP handler for all /api/v1/* endpoints.
type Handler struct {
	deps     Deps
	mux      *http.ServeMux
	validate *validator.Validate
	started  time.Time
	now      func() time.Time
}

// New creates a Handler and registers all routes.
func New(deps Deps) http.Handler {
	if deps.Auth == nil {
		deps.Auth = func(next http.Handler) http.Handler { return next }
	}
	h := &Handler{
		deps:     deps,
		mux:      http.NewServeMux(),
		validate: newValidator(),
		started:  time.Now(),
		now:      time.Now,
	}

	h.mux.HandleFunc("/api/v1/health", h.health)
	h.mux.HandleFunc("/api/v1/traffic", h.traffic)
	h.mux.Handle("/api/v1/lanes", deps.Auth(http.HandlerFunc(h.postLanes)))
	h.mux.Handle("/api/v1/lanes/", deps.Auth(http.HandlerFunc(h.postLane))) // subtree, extracts {direction}
	h.mux.Handle("/api/v1/reset", deps.Auth(http.HandlerFunc(h.reset)))
	h.mux.HandleFunc("/api/v1/signal", h.signal)
	h.mux.HandleFunc("/api/v1/history", h.history)
	h.mux.HandleFunc("/api/v1/stats", h.stats)
	h.mux.HandleFunc("/api/v1/trends", h.trends)
	h.mux.HandleFunc("/api/v1/alerts", h.alerts)
	h.mux.HandleFunc("/api/v1/images/", h.image)

	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

// --- route handlers ---------------------------------------------------------

// health returns GET /api/v1/health.
func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodGet) {
		return
	}
	resp := HealthResponse{
		Status:         "ok",
		Version:        h.deps.Version,
		Controller:     h.deps.Scheduler.Status().State.String(),
		StorageBackend: h.deps.StorageBackend,
		Uptime:         time.Since(h.started).Round(time.Second).String(),
		Time:           h.now().UTC(),
	}
	if resp.StorageBackend == "" {
		resp.StorageBackend = "none"
	}
	if h.deps.Clients != nil {
		resp.Clients = h.deps.Clients()
	}
	if h.deps.Alerts != nil {
		for _, a := range h.deps.Alerts.Active() {
			if a.State == alerts.StateFiring {
				resp.AlertCount++
			}
		}
	}
	jsonResp(w, http.StatusOK, resp)
}

// traffic returns GET /api/v1/traffic, the current snapshot.
func (h *Handler) traffic(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodGet) {
		return
	}
	jsonResp(w, http.StatusOK, h.deps.Store.Get())
}

// postLanes handles POST /api/v1/lanes with a batch of reports.
func (h *Handler) postLanes(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodPost) || !h.admit(w) {
		return
	}
	var req lanesRequest
	if !h.decode(w, r, &req) {
		return
	}

	reports := make([]types.LaneReport, 0, len(req.Reports))
	for _, rr := range req.Reports {
		d, err := types.ParseDirection(rr.Direction)
		if err != nil {
			jsonErr(w, http.StatusBadRequest, err.Error())
			return
		}
		reports = append(reports, types.LaneReport{
			Direction:      d,
			VehicleCount:   *rr.VehicleCount,
			ImageReference: rr.ImageReference,
		})
	}
	h.apply(w, r, reports)
}

// postLane handles POST /api/v1/lanes/{direction}.
func (h *Handler) postLane(w http.ResponseWriter, r *http.Request) {
	name := strings.TrimPrefix(r.URL.Path, "/api/v1/lanes/")
	if name == "" {
		h.postLanes(w, r)
		return
	}
	if !allow(w, r, http.MethodPost) {
		return
	}
	d, err := types.ParseDirection(name)
	if err != nil {
		jsonErr(w, http.StatusNotFound, err.Error())
		return
	}
	if !h.admit(w) {
		return
	}
	var req singleLaneRequest
	if !h.decode(w, r, &req) {
		return
	}
	h.apply(w, r, []types.LaneReport{{
		Direction:      d,
		VehicleCount:   *req.VehicleCount,
		ImageReference: req.ImageReference,
	}})
}

func (h *Handler) apply(w http.ResponseWriter, r *http.Request, reports []types.LaneReport) {
	snap, err := h.deps.Intake.Apply(r.Context(), reports)
	switch {
	case err == nil:
		jsonResp(w, http.StatusOK, snap)
	case errors.Is(err, types.ErrInvalidDirection),
		errors.Is(err, types.ErrNegativeCount),
		errors.Is(err, receiver.ErrEmptyBatch):
		jsonErr(w, http.StatusBadRequest, err.Error())
	default:
		jsonErr(w, http.StatusInternalServerError, err.Error())
	}
}

// reset handles POST /api/v1/reset.
func (h *Handler) reset(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodPost) {
		return
	}
	jsonResp(w, http.StatusOK, h.deps.Intake.Reset(r.Context()))
}

// signal returns GET /api/v1/signal, the scheduler status with lane hints.
func (h *Handler) signal(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodGet) {
		return
	}
	st := h.deps.Scheduler.Status()
	snap := h.deps.Store.Get()
	jsonResp(w, http.StatusOK, SignalResponse{
		Status:      st,
		GreenSignal: snap.GreenSignal,
		Hints:       computeHints(snap, st, h.now()),
	})
}

// history returns GET /api/v1/history?direction=&page=&per_page=&since=&until=.
func (h *Handler) history(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodGet) || !h.queryable(w) {
		return
	}
	q, err := parseHistoryQuery(r)
	if err != nil {
		jsonErr(w, http.StatusBadRequest, err.Error())
		return
	}
	page, err := h.deps.History.Query(r.Context(), q)
	if err != nil {
		jsonErr(w, http.StatusInternalServerError, err.Error())
		return
	}
	jsonResp(w, http.StatusOK, page)
}

// stats returns GET /api/v1/stats.
func (h *Handler) stats(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodGet) || !h.queryable(w) {
		return
	}
	st, err := h.deps.History.Stats(r.Context())
	if err != nil {
		jsonErr(w, http.StatusInternalServerError, err.Error())
		return
	}
	jsonResp(w, http.StatusOK, st)
}

// trends returns GET /api/v1/trends?period=hourly|daily&days=N.
func (h *Handler) trends(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodGet) || !h.queryable(w) {
		return
	}
	q := r.URL.Query()
	period, err := history.ParsePeriod(q.Get("period"))
	if err != nil {
		jsonErr(w, http.StatusBadRequest, err.Error())
		return
	}
	days := defaultTrendDays
	if v := q.Get("days"); v != "" {
		days, err = strconv.Atoi(v)
		if err != nil || days < 1 || days > maxTrendDays {
			jsonErr(w, http.StatusBadRequest, fmt.Sprintf("days must be an integer in [1, %d]", maxTrendDays))
			return
		}
	}
	since := h.now().UTC().Add(-time.Duration(days) * 24 * time.Hour)
	points, err := h.deps.History.Trends(r.Context(), period, since)
	if err != nil {
		jsonErr(w, http.StatusInternalServerError, err.Error())
		return
	}
	jsonResp(w, http.StatusOK, TrendsResponse{Period: period, Since: since, Points: points})
}

// alerts returns GET /api/v1/alerts.
func (h *Handler) alerts(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodGet) {
		return
	}
	list := []*alerts.Alert{}
	if h.deps.Alerts != nil {
		list = h.deps.Alerts.Active()
	}
	jsonResp(w, http.StatusOK, AlertsResponse{Alerts: list, Count: len(list)})
}

// --- helpers ----------------------------------------------------------------

// image returns GET /api/v1/images/{ref}, the frame a lane report pointed at.
func (h *Handler) image(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodGet) {
		return
	}
	if h.deps.ImageDir == "" {
		jsonErr(w, http.StatusNotFound, "image serving is not configured")
		return
	}

	ref := strings.TrimPrefix(r.URL.Path, "/api/v1/images/")
	// http.Dir rejects paths that escape the root once cleaned.
	f, err := http.Dir(h.deps.ImageDir).Open(path.Clean("/" + ref))
	if err != nil {
		jsonErr(w, http.StatusNotFound, "image not found")
		return
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil || st.IsDir() {
		jsonErr(w, http.StatusNotFound, "image not found")
		return
	}
	http.ServeContent(w, r, st.Name(), st.ModTime(), f)
}

// allow writes 405 and returns false unless r uses method.
func allow(w http.ResponseWriter, r *http.Request, method string) bool {
	if r.Method != method {
		w.Header().Set("Allow", method)
		jsonErr(w, http.StatusMethodNotAllowed, "method not allowed")
		return false
	}
	return true
}

// admit applies the lane report rate limit.
func (h *Handler) admit(w http.ResponseWriter) bool {
	if h.deps.Limiter != nil && !h.deps.Limiter.Allow() {
		w.Header().Set("Retry-After", "1")
		jsonErr(w, http.StatusTooManyRequests, "rate limit exceeded")
		return false
	}
	return true
}

// queryable writes 503 when no history backend can answer queries.
func (h *Handler) queryable(w http.ResponseWriter) bool {
	if h.deps.History == nil {
		jsonErr(w, http.StatusServiceUnavailable, "history queries need the badger storage backend")
		return false
	}
	return true
}

// decode reads a JSON body into v and validates it. On failure it writes a
// 400 response and returns false.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		jsonErr(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return false
	}
	if err := h.validate.Struct(v); err != nil {
		jsonErr(w, http.StatusBadRequest, validationMessage(err))
		return false
	}
	return true
}

// newValidator reports fields by their JSON names. The vehicle_count alias
// bounds counts by types.MaxVehicleCount, the same ceiling the agent applies.
func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterAlias("vehicle_count", fmt.Sprintf("gte=0,lte=%d", types.MaxVehicleCount))
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// validationMessage turns validator errors into a short client message.
func validationMessage(err error) string {
	var ve validator.ValidationErrors
	if !errors.As(err, &ve) || len(ve) == 0 {
		return err.Error()
	}
	fe := ve[0]
	// Drop the request type name: "lanesRequest.reports[0].direction".
	_, field, _ := strings.Cut(fe.Namespace(), ".")
	switch fe.ActualTag() {
	case "required":
		return fmt.Sprintf("%s is required", field)
	case "oneof":
		return fmt.Sprintf("%s must be one of: %s", field, fe.Param())
	case "gte", "min":
		return fmt.Sprintf("%s must be at least %s", field, fe.Param())
	case "lte", "max":
		return fmt.Sprintf("%s must be at most %s", field, fe.Param())
	default:
		return fmt.Sprintf("%s failed %s validation", field, fe.ActualTag())
	}
}

func parseHistoryQuery(r *http.Request) (history.Query, error) {
	v := r.URL.Query()
	q := history.Query{Direction: types.NoDirection}

	if s := v.Get("direction"); s != "" {
		d, err := types.ParseDirection(s)
		if err != nil {
			return q, err
		}
		q.Direction = d
	}
	for name, dst := range map[string]*int{"page": &q.Page, "per_page": &q.PerPage} {
		if s := v.Get(name); s != "" {
			n, err := strconv.Atoi(s)
			if err != nil || n < 1 {
				return q, fmt.Errorf("%s must be a positive integer", name)
			}
			*dst = n
		}
	}
	for name, dst := range map[string]*time.Time{"since": &q.Since, "until": &q.Until} {
		if s := v.Get(name); s != "" {
			t, err := time.Parse(time.RFC3339, s)
			if err != nil {
				return q, fmt.Errorf("%s must be an RFC3339 timestamp", name)
			}
			*dst = t
		}
	}
	return q, nil
}

func jsonResp(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}

func jsonErr(w http.ResponseWriter, code int, msg string) {
	jsonResp(w, code, errorResponse{Error: msg})
}
