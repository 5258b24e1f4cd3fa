package api_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"golang.org/x/time/rate"

	"github.com/trafficiq/trafficiq/pkg/types"
	"github.com/trafficiq/trafficiq/server/internal/alerts"
	"github.com/trafficiq/trafficiq/server/internal/api"
	"github.com/trafficiq/trafficiq/server/internal/auth"
	"github.com/trafficiq/trafficiq/server/internal/config"
	"github.com/trafficiq/trafficiq/server/internal/controller"
	"github.com/trafficiq/trafficiq/server/internal/history"
	"github.com/trafficiq/trafficiq/server/internal/receiver"
	"github.com/trafficiq/trafficiq/server/internal/store"
)

// --- test helpers -----------------------------------------------------------

type fixture struct {
	store   *store.Store
	ctrl    *controller.Controller
	history *history.BadgerStore
	alerts  *alerts.Engine
	deps    api.Deps
}

// newFixture wires a handler over real components. History writes are
// synchronous so queries see them immediately.
func newFixture(t *testing.T, withHistory bool) *fixture {
	t.Helper()
	f := &fixture{store: store.New()}
	f.ctrl = controller.New(f.store, nil, controller.DefaultConfig(), nil)
	f.alerts = alerts.New(config.AlertsConfig{Rules: []config.AlertRule{
		{Name: "jam", Condition: "vehicle_count > 20", Severity: "critical"},
	}})

	var rec history.Recorder
	if withHistory {
		hs, err := history.OpenBadger(history.InMemoryBadgerConfig())
		if err != nil {
			t.Fatalf("open badger: %v", err)
		}
		t.Cleanup(func() { hs.Close() })
		f.history = hs
		rec = hs
	}

	f.deps = api.Deps{
		Store:          f.store,
		Intake:         receiver.New(f.store, nil, f.alerts, rec, nil),
		Scheduler:      f.ctrl,
		Alerts:         f.alerts,
		Clients:        func() int { return 2 },
		Version:        "test",
		StorageBackend: "badger",
	}
	if withHistory {
		f.deps.History = f.history
	}
	return f
}

func (f *fixture) handler() http.Handler { return api.New(f.deps) }

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, path, nil))
	return rr
}

func post(t *testing.T, h http.Handler, path, body string, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func decode(t *testing.T, rr *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	if err := json.NewDecoder(rr.Body).Decode(v); err != nil {
		t.Fatalf("decode JSON: %v (body: %s)", err, rr.Body.String())
	}
}

func errorOf(t *testing.T, rr *httptest.ResponseRecorder) string {
	t.Helper()
	var body struct {
		Error string `json:"error"`
	}
	decode(t, rr, &body)
	return body.Error
}

func assertStatus(t *testing.T, rr *httptest.ResponseRecorder, want int) {
	t.Helper()
	if rr.Code != want {
		t.Fatalf("status: got %d, want %d (body: %s)", rr.Code, want, rr.Body.String())
	}
	if ct := rr.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type: got %q, want application/json", ct)
	}
}

// --- health / traffic -------------------------------------------------------

func TestHealth(t *testing.T) {
	h := newFixture(t, false).handler()
	rr := get(t, h, "/api/v1/health")
	assertStatus(t, rr, http.StatusOK)

	var resp api.HealthResponse
	decode(t, rr, &resp)
	if resp.Status != "ok" || resp.Version != "test" {
		t.Errorf("health: got %+v", resp)
	}
	if resp.Controller != "idle" {
		t.Errorf("controller: got %q, want idle", resp.Controller)
	}
	if resp.Clients != 2 || resp.StorageBackend != "badger" {
		t.Errorf("clients/backend: got %d/%q", resp.Clients, resp.StorageBackend)
	}
}

func TestMethodNotAllowed(t *testing.T) {
	h := newFixture(t, false).handler()
	cases := []struct{ method, path string }{
		{http.MethodPost, "/api/v1/health"},
		{http.MethodDelete, "/api/v1/traffic"},
		{http.MethodGet, "/api/v1/lanes"},
		{http.MethodGet, "/api/v1/lanes/north"},
		{http.MethodGet, "/api/v1/reset"},
		{http.MethodPut, "/api/v1/signal"},
		{http.MethodPost, "/api/v1/alerts"},
	}
	for _, tc := range cases {
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, httptest.NewRequest(tc.method, tc.path, nil))
		if rr.Code != http.StatusMethodNotAllowed {
			t.Errorf("%s %s: got %d, want 405", tc.method, tc.path, rr.Code)
		}
	}
}

func TestTraffic_Initial(t *testing.T) {
	h := newFixture(t, false).handler()
	rr := get(t, h, "/api/v1/traffic")
	assertStatus(t, rr, http.StatusOK)

	var m map[string]interface{}
	decode(t, rr, &m)
	for _, k := range []string{"north", "east", "south", "west"} {
		lane, ok := m[k].(map[string]interface{})
		if !ok {
			t.Fatalf("%s: missing", k)
		}
		if lane["vehicle_count"].(float64) != 0 {
			t.Errorf("%s: got %v vehicles", k, lane["vehicle_count"])
		}
	}
	if m["green_signal"] != "" || m["last_updated"] != nil {
		t.Errorf("initial signal/timestamp: got %v / %v", m["green_signal"], m["last_updated"])
	}
}

// --- lane reports -----------------------------------------------------------

func TestPostLanes_Batch(t *testing.T) {
	f := newFixture(t, false)
	h := f.handler()

	rr := post(t, h, "/api/v1/lanes", `{"reports":[
		{"direction":"north","vehicle_count":15,"image_reference":"static/n.jpg"},
		{"direction":"east","vehicle_count":0}
	]}`)
	assertStatus(t, rr, http.StatusOK)

	var snap types.Snapshot
	decode(t, rr, &snap)
	if snap.Lane(types.North).VehicleCount != 15 || snap.Lane(types.North).ImageReference != "static/n.jpg" {
		t.Errorf("north: got %+v", snap.Lane(types.North))
	}
	if got := f.store.Get().Lane(types.North).VehicleCount; got != 15 {
		t.Errorf("store north: got %d, want 15", got)
	}
}

func TestPostLanes_Invalid(t *testing.T) {
	cases := []struct {
		name, body, wantErr string
	}{
		{"bad direction", `{"reports":[{"direction":"up","vehicle_count":1}]}`, "reports[0].direction must be one of"},
		{"missing count", `{"reports":[{"direction":"north"}]}`, "reports[0].vehicle_count is required"},
		{"negative count", `{"reports":[{"direction":"north","vehicle_count":-1}]}`, "reports[0].vehicle_count must be at least 0"},
		{"count above cap", `{"reports":[{"direction":"north","vehicle_count":10001}]}`, "reports[0].vehicle_count must be at most 10000"},
		{"empty batch", `{"reports":[]}`, "reports must be at least 1"},
		{"no reports", `{}`, "reports is required"},
		{"bad json", `{"reports":`, "invalid JSON body"},
		{"unknown field", `{"reports":[],"extra":1}`, "invalid JSON body"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t, false)
			rr := post(t, f.handler(), "/api/v1/lanes", tc.body)
			assertStatus(t, rr, http.StatusBadRequest)
			if msg := errorOf(t, rr); !strings.Contains(msg, tc.wantErr) {
				t.Errorf("error: got %q, want it to contain %q", msg, tc.wantErr)
			}
			if !f.store.Get().LastUpdated.IsZero() {
				t.Error("store mutated by rejected request")
			}
		})
	}
}

func TestPostLanes_OneBadReportRejectsBatch(t *testing.T) {
	f := newFixture(t, false)
	rr := post(t, f.handler(), "/api/v1/lanes",
		`{"reports":[{"direction":"north","vehicle_count":3},{"direction":"west","vehicle_count":-4}]}`)
	assertStatus(t, rr, http.StatusBadRequest)
	if f.store.Get().Lane(types.North).VehicleCount != 0 {
		t.Error("valid report in a rejected batch was applied")
	}
}

func TestPostLane_Single(t *testing.T) {
	f := newFixture(t, false)
	h := f.handler()

	rr := post(t, h, "/api/v1/lanes/West", `{"vehicle_count":7,"image_reference":"w.jpg"}`)
	assertStatus(t, rr, http.StatusOK)
	if got := f.store.Get().Lane(types.West); got.VehicleCount != 7 || got.ImageReference != "w.jpg" {
		t.Errorf("west: got %+v", got)
	}

	rr = post(t, h, "/api/v1/lanes/up", `{"vehicle_count":1}`)
	assertStatus(t, rr, http.StatusNotFound)

	rr = post(t, h, "/api/v1/lanes/south", `{}`)
	assertStatus(t, rr, http.StatusBadRequest)
}

func TestPostLanes_RateLimited(t *testing.T) {
	f := newFixture(t, false)
	f.deps.Limiter = rate.NewLimiter(rate.Every(time.Hour), 1)
	h := f.handler()

	body := `{"reports":[{"direction":"south","vehicle_count":1}]}`
	assertStatus(t, post(t, h, "/api/v1/lanes", body), http.StatusOK)

	rr := post(t, h, "/api/v1/lanes", body)
	assertStatus(t, rr, http.StatusTooManyRequests)
	if rr.Header().Get("Retry-After") == "" {
		t.Error("Retry-After header missing")
	}
}

func TestMutatingRoutesRequireKey(t *testing.T) {
	f := newFixture(t, false)
	f.deps.Auth = auth.APIKey("apikey", "x-api-key", "secret")
	h := f.handler()

	body := `{"reports":[{"direction":"north","vehicle_count":2}]}`
	if rr := post(t, h, "/api/v1/lanes", body); rr.Code != http.StatusUnauthorized {
		t.Errorf("lanes without key: got %d, want 401", rr.Code)
	}
	if rr := post(t, h, "/api/v1/reset", ""); rr.Code != http.StatusUnauthorized {
		t.Errorf("reset without key: got %d, want 401", rr.Code)
	}
	assertStatus(t, post(t, h, "/api/v1/lanes", body, "x-api-key", "secret"), http.StatusOK)

	// Reads stay open.
	assertStatus(t, get(t, h, "/api/v1/traffic"), http.StatusOK)
}

func TestReset(t *testing.T) {
	f := newFixture(t, false)
	h := f.handler()
	post(t, h, "/api/v1/lanes", `{"reports":[{"direction":"north","vehicle_count":9}]}`)
	f.store.SetGreenSignal(types.North) //nolint:errcheck

	rr := post(t, h, "/api/v1/reset", "")
	assertStatus(t, rr, http.StatusOK)

	var snap types.Snapshot
	decode(t, rr, &snap)
	if snap.TotalVehicles() != 0 || snap.GreenSignal != types.NoDirection {
		t.Errorf("after reset: got %+v", snap)
	}
}

// --- signal -----------------------------------------------------------------

func TestSignal(t *testing.T) {
	f := newFixture(t, false)
	h := f.handler()
	post(t, h, "/api/v1/lanes", `{"reports":[{"direction":"north","vehicle_count":15},{"direction":"east","vehicle_count":2}]}`)
	lane := f.ctrl.SelectNextLane()
	f.store.SetGreenSignal(lane) //nolint:errcheck

	rr := get(t, h, "/api/v1/signal")
	assertStatus(t, rr, http.StatusOK)

	var resp struct {
		State        string         `json:"state"`
		GreenSignal  string         `json:"green_signal"`
		BaseDuration int            `json:"base_duration"`
		WaitTicks    map[string]int `json:"wait_ticks"`
		Hints        []api.LaneHint `json:"hints"`
	}
	decode(t, rr, &resp)
	if resp.State != "idle" || resp.GreenSignal != "north" || resp.BaseDuration != 20 {
		t.Errorf("signal: got %+v", resp)
	}
	want := map[string]int{"north": 0, "east": 1, "south": 1, "west": 1}
	for k, v := range want {
		if resp.WaitTicks[k] != v {
			t.Errorf("wait_ticks[%s]: got %d, want %d", k, resp.WaitTicks[k], v)
		}
	}

	keys := map[string]bool{}
	for _, hint := range resp.Hints {
		keys[hint.Direction.String()+"/"+hint.Key] = true
	}
	if !keys["north/heavy"] || !keys["north/green"] {
		t.Errorf("hints: got %v", keys)
	}
}

// --- history ----------------------------------------------------------------

func TestHistory_UnavailableWithoutBackend(t *testing.T) {
	h := newFixture(t, false).handler()
	for _, p := range []string{"/api/v1/history", "/api/v1/stats", "/api/v1/trends"} {
		assertStatus(t, get(t, h, p), http.StatusServiceUnavailable)
	}
}

func TestHistory_QueryStatsTrends(t *testing.T) {
	f := newFixture(t, true)
	h := f.handler()
	post(t, h, "/api/v1/lanes", `{"reports":[{"direction":"north","vehicle_count":4},{"direction":"south","vehicle_count":10}]}`)
	post(t, h, "/api/v1/lanes/north", `{"vehicle_count":8}`)

	rr := get(t, h, "/api/v1/history?direction=north&per_page=10")
	assertStatus(t, rr, http.StatusOK)
	var page history.Page
	decode(t, rr, &page)
	if page.Total != 2 || len(page.Records) != 2 {
		t.Fatalf("north history: got %+v", page)
	}
	if page.Records[0].VehicleCount != 8 {
		t.Errorf("newest first: got %d, want 8", page.Records[0].VehicleCount)
	}

	rr = get(t, h, "/api/v1/stats")
	assertStatus(t, rr, http.StatusOK)
	var st history.Stats
	decode(t, rr, &st)
	if st.Overall.Records != 3 || st.Directions[types.North].MaxVehicles != 8 {
		t.Errorf("stats: got %+v", st)
	}

	rr = get(t, h, "/api/v1/trends?period=daily&days=1")
	assertStatus(t, rr, http.StatusOK)
	var tr api.TrendsResponse
	decode(t, rr, &tr)
	if tr.Period != history.Daily || len(tr.Points) == 0 {
		t.Errorf("trends: got %+v", tr)
	}
}

func TestHistory_BadParams(t *testing.T) {
	h := newFixture(t, true).handler()
	for _, p := range []string{
		"/api/v1/history?direction=up",
		"/api/v1/history?page=0",
		"/api/v1/history?since=yesterday",
		"/api/v1/trends?period=weekly",
		"/api/v1/trends?days=1000",
	} {
		assertStatus(t, get(t, h, p), http.StatusBadRequest)
	}
}

// --- alerts -----------------------------------------------------------------

func TestAlerts(t *testing.T) {
	f := newFixture(t, false)
	h := f.handler()

	rr := get(t, h, "/api/v1/alerts")
	assertStatus(t, rr, http.StatusOK)
	var empty api.AlertsResponse
	decode(t, rr, &empty)
	if empty.Count != 0 || empty.Alerts == nil {
		t.Errorf("empty alerts: got %+v", empty)
	}

	post(t, h, "/api/v1/lanes/east", `{"vehicle_count":25}`)

	rr = get(t, h, "/api/v1/alerts")
	var resp api.AlertsResponse
	decode(t, rr, &resp)
	if resp.Count != 1 || resp.Alerts[0].Direction != types.East || resp.Alerts[0].State != alerts.StateFiring {
		t.Errorf("alerts: got %+v", resp)
	}

	var health api.HealthResponse
	decode(t, get(t, h, "/api/v1/health"), &health)
	if health.AlertCount != 1 {
		t.Errorf("health.alert_count: got %d, want 1", health.AlertCount)
	}
}

func TestImage(t *testing.T) {
	dir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(dir, "static"), 0o755); err != nil {
		t.Fatal(err)
	}
	frame := []byte("\xff\xd8\xff\xe0jpeg")
	if err := os.WriteFile(filepath.Join(dir, "static", "north_0412.jpg"), frame, 0o600); err != nil {
		t.Fatal(err)
	}
	f := newFixture(t, false)
	f.deps.ImageDir = dir
	h := f.handler()

	rr := get(t, h, "/api/v1/images/static/north_0412.jpg")
	assertStatus(t, rr, http.StatusOK)
	if !bytes.Equal(rr.Body.Bytes(), frame) {
		t.Errorf("body: got %q, want the stored frame", rr.Body.Bytes())
	}
	if ct := rr.Header().Get("Content-Type"); ct != "image/jpeg" {
		t.Errorf("Content-Type: got %q, want image/jpeg", ct)
	}

	for _, p := range []string{
		"/api/v1/images/static/missing.jpg",
		"/api/v1/images/static",
		"/api/v1/images/",
	} {
		rr := get(t, h, p)
		if rr.Code != http.StatusNotFound {
			t.Errorf("GET %s: got %d, want 404", p, rr.Code)
		}
	}

	rr = post(t, h, "/api/v1/images/static/north_0412.jpg", "")
	assertStatus(t, rr, http.StatusMethodNotAllowed)
}

func TestImage_NotConfigured(t *testing.T) {
	f := newFixture(t, false)
	rr := get(t, f.handler(), "/api/v1/images/static/north_0412.jpg")
	assertStatus(t, rr, http.StatusNotFound)
	if msg := errorOf(t, rr); !strings.Contains(msg, "not configured") {
		t.Errorf("error: got %q", msg)
	}
}
