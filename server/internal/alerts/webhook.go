package alerts

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

const deliverTimeout = 10 * time.Second

// httpPayload is the body posted to generic "http" webhooks.
type httpPayload struct {
	Source string `json:"source"`
	Alert  *Alert `json:"alert"`
}

// deliver posts a to every configured webhook. Failures are logged and
// never reach the update path.
func (e *Engine) deliver(a *Alert) {
	ctx, cancel := context.WithTimeout(context.Background(), deliverTimeout)
	defer cancel()

	for _, wh := range e.webhooks {
		url := wh.URL()
		if url == "" {
			continue
		}

		body, err := encodeWebhook(wh.Type, a)
		if err != nil {
			slog.Warn("alerts: skipping webhook", "type", wh.Type, "err", err)
			continue
		}
		if err := e.post(ctx, url, body); err != nil {
			slog.Error("alerts: webhook delivery failed",
				"type", wh.Type, "rule", a.RuleName, "err", err)
			continue
		}
		slog.Debug("alerts: webhook delivered",
			"type", wh.Type, "rule", a.RuleName, "state", a.State)
	}
}

// encodeWebhook renders a in the format expected by the target type.
func encodeWebhook(kind string, a *Alert) ([]byte, error) {
	switch kind {
	case "slack":
		return json.Marshal(map[string]string{
			"text": fmt.Sprintf("*%s %s* %s", severityLabel(a.Severity), stateLabel(a.State), a.Message),
		})
	case "teams":
		return json.Marshal(map[string]interface{}{
			"@type":      "MessageCard",
			"@context":   "http://schema.org/extensions",
			"themeColor": severityColor(a.Severity, a.State),
			"summary":    a.RuleName,
			"title":      fmt.Sprintf("Traffic alert %s: %s", stateLabel(a.State), a.RuleName),
			"text":       a.Message,
			"sections": []map[string]interface{}{{
				"facts": []map[string]string{
					{"name": "Lane", "value": a.Direction.String()},
					{"name": "Vehicles", "value": fmt.Sprintf("%.0f", a.Value)},
					{"name": "Fired", "value": a.FiredAt.UTC().Format(time.RFC3339)},
				},
			}},
		})
	case "http":
		return json.Marshal(httpPayload{Source: "trafficiq", Alert: a})
	default:
		return nil, fmt.Errorf("unknown webhook type %q", kind)
	}
}

func (e *Engine) post(ctx context.Context, url string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return fmt.Errorf("http post: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("webhook returned HTTP %d", resp.StatusCode)
	}
	return nil
}

func stateLabel(state string) string {
	if state == StateResolved {
		return "RESOLVED"
	}
	return "FIRING"
}

func severityLabel(s string) string {
	switch s {
	case "critical":
		return "[CRITICAL]"
	case "warning":
		return "[WARNING]"
	default:
		return "[INFO]"
	}
}

// severityColor is the Teams card accent. Resolved alerts are green.
func severityColor(s, state string) string {
	if state == StateResolved {
		return "2EB67D"
	}
	switch s {
	case "critical":
		return "E01E5A"
	case "warning":
		return "ECB22E"
	default:
		return "36C5F0"
	}
}
