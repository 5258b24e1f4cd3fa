package alerts

import (
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/trafficiq/trafficiq/pkg/types"
	"github.com/trafficiq/trafficiq/server/internal/config"
)

const (
	defaultCooldown = 15 * time.Minute
	maxHistoryLen   = 200
	recentWindow    = time.Hour
)

// Alert states.
const (
	StateFiring   = "firing"
	StateResolved = "resolved"
)

// Alert represents a single alert event produced by the rule engine.
type Alert struct {
	ID         string          `json:"id"`
	RuleName   string          `json:"rule_name"`
	Direction  types.Direction `json:"direction"`
	Severity   string          `json:"severity"`
	Message    string          `json:"message"`
	Value      float64         `json:"value"`
	FiredAt    time.Time       `json:"fired_at"`
	ResolvedAt *time.Time      `json:"resolved_at,omitempty"`
	State      string          `json:"state"`
}

// rule is a config.AlertRule with its direction filter parsed.
type rule struct {
	config.AlertRule
	dir types.Direction // NoDirection matches every lane
}

// Engine evaluates alert rules against lane updates and delivers webhook
// notifications when rules fire or resolve.
//
// Engine is safe for concurrent use.
type Engine struct {
	rules    []rule
	webhooks []config.WebhookConfig
	now      func() time.Time

	mu       sync.Mutex
	active   map[string]*Alert    // key: "ruleName:direction"
	lastFire map[string]time.Time // last fire time per key, for cooldown
	history  []*Alert             // recently resolved alerts
	client   *http.Client

	// deliverFn is swapped by tests to observe deliveries synchronously.
	deliverFn func(*Alert)
}

// New creates an Engine from the server alert configuration. Rules with an
// unparseable direction are skipped with a warning; config.Load rejects them
// earlier. An Engine with no rules is valid and Evaluate becomes a no-op.
func New(cfg config.AlertsConfig) *Engine {
	e := &Engine{
		webhooks: cfg.Webhooks,
		now:      time.Now,
		active:   make(map[string]*Alert),
		lastFire: make(map[string]time.Time),
		client:   &http.Client{Timeout: 10 * time.Second},
	}
	for _, r := range cfg.Rules {
		d := types.NoDirection
		if r.Direction != "" {
			parsed, err := types.ParseDirection(r.Direction)
			if err != nil {
				slog.Warn("alerts: skipping rule", "rule", r.Name, "err", err)
				continue
			}
			d = parsed
		}
		e.rules = append(e.rules, rule{AlertRule: r, dir: d})
	}
	e.deliverFn = func(a *Alert) { go e.deliver(a) }
	return e
}

// Evaluate tests all rules that apply to lane d against its new state.
// Firing alerts are stored and delivered asynchronously; alerts whose
// condition no longer holds are resolved.
func (e *Engine) Evaluate(d types.Direction, lane types.LaneState) {
	if len(e.rules) == 0 {
		return
	}

	now := e.now()
	for _, r := range e.rules {
		if r.dir != types.NoDirection && r.dir != d {
			continue
		}
		key := r.Name + ":" + d.String()
		fires, value := evalCondition(r.Condition, lane)

		e.mu.Lock()
		if fires {
			e.fire(r, d, key, value, now)
		} else {
			e.resolve(r, d, key, now)
		}
	}
}

// fire records a firing alert unless one is active or cooling down.
// Called with e.mu held; releases it.
func (e *Engine) fire(r rule, d types.Direction, key string, value float64, now time.Time) {
	if _, ok := e.active[key]; ok {
		e.mu.Unlock()
		return
	}
	cooldown := r.Cooldown
	if cooldown <= 0 {
		cooldown = defaultCooldown
	}
	if last, ok := e.lastFire[key]; ok && now.Sub(last) <= cooldown {
		e.mu.Unlock()
		return
	}

	sev := r.Severity
	if sev == "" {
		sev = "warning"
	}
	a := &Alert{
		ID:        uuid.NewString(),
		RuleName:  r.Name,
		Direction: d,
		Severity:  sev,
		Value:     value,
		Message: fmt.Sprintf("[%s] %s fired on %s lane: %s = %.0f",
			sev, r.Name, d, strings.Fields(r.Condition)[0], value),
		FiredAt: now,
		State:   StateFiring,
	}
	e.active[key] = a
	e.lastFire[key] = now
	alertCopy := *a
	e.mu.Unlock()

	slog.Warn("alerts: alert fired",
		"rule", r.Name,
		"direction", d.String(),
		"value", value,
		"severity", sev,
	)
	e.deliverFn(&alertCopy)
}

// resolve closes the active alert for key, if any.
// Called with e.mu held; releases it.
func (e *Engine) resolve(r rule, d types.Direction, key string, now time.Time) {
	a, ok := e.active[key]
	if !ok {
		e.mu.Unlock()
		return
	}
	resolved := now
	a.State = StateResolved
	a.ResolvedAt = &resolved
	delete(e.active, key)

	e.history = append(e.history, a)
	if len(e.history) > maxHistoryLen {
		e.history = e.history[len(e.history)-maxHistoryLen:]
	}
	alertCopy := *a
	e.mu.Unlock()

	slog.Info("alerts: alert resolved", "rule", r.Name, "direction", d.String())
	e.deliverFn(&alertCopy)
}

// ResolveAll resolves every active alert, as after a lane reset.
func (e *Engine) ResolveAll() {
	e.mu.Lock()
	keys := make([]string, 0, len(e.active))
	for k := range e.active {
		keys = append(keys, k)
	}
	e.mu.Unlock()

	now := e.now()
	for _, k := range keys {
		e.mu.Lock()
		a, ok := e.active[k]
		if !ok {
			e.mu.Unlock()
			continue
		}
		e.resolve(rule{AlertRule: config.AlertRule{Name: a.RuleName}}, a.Direction, k, now)
	}
}

// Active returns copies of all currently firing alerts plus any alerts
// resolved within the past hour, sorted newest first.
func (e *Engine) Active() []*Alert {
	e.mu.Lock()
	defer e.mu.Unlock()

	cutoff := e.now().Add(-recentWindow)
	out := make([]*Alert, 0, len(e.active))

	for _, a := range e.active {
		cp := *a
		out = append(out, &cp)
	}
	for _, a := range e.history {
		if a.ResolvedAt != nil && a.ResolvedAt.After(cutoff) {
			cp := *a
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FiredAt.After(out[j].FiredAt) })
	return out
}
