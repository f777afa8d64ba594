// Package edrconsole implements adapters.EDRConsole against EDR vendor
// consoles. CrowdStrikeConsole follows the originating implementation's
// CrowdStrike Falcon integration: OAuth2 client-credentials auth, then
// query-detects (filtered by hostname and time range) followed by
// detect-summaries for the full detection payload.
package edrconsole

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2/clientcredentials"

	"github.com/oriys/cdrguard/internal/adapters"
	"github.com/oriys/cdrguard/internal/circuitbreaker"
)

// CrowdStrikeConfig is the Falcon API connection configuration.
type CrowdStrikeConfig struct {
	BaseURL      string
	ClientID     string
	ClientSecret string
}

// CrowdStrikeConsole is an adapters.EDRConsole backed by the Falcon API.
type CrowdStrikeConsole struct {
	cfg     CrowdStrikeConfig
	client  *http.Client
	breaker *circuitbreaker.Breaker
}

func NewCrowdStrikeConsole(cfg CrowdStrikeConfig) *CrowdStrikeConsole {
	oauthCfg := clientcredentials.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		TokenURL:     cfg.BaseURL + "/oauth2/token",
	}
	return &CrowdStrikeConsole{cfg: cfg, client: oauthCfg.Client(context.Background())}
}

// SetBreaker installs a circuit breaker guarding GetAlerts calls. A nil
// breaker (the default) leaves calls unguarded.
func (c *CrowdStrikeConsole) SetBreaker(b *circuitbreaker.Breaker) { c.breaker = b }

func (c *CrowdStrikeConsole) Name() string { return "crowdstrike" }

type queryDetectsResponse struct {
	Resources []string `json:"resources"`
}

type detectSummariesResponse struct {
	Resources []detection `json:"resources"`
}

type detection struct {
	DetectionID        string     `json:"detection_id"`
	FirstBehavior      string     `json:"first_behavior"`
	MaxSeverityDisplay string     `json:"max_severity_displayname"`
	Behaviors          []behavior `json:"behaviors"`
}

type behavior struct {
	Tactic   string `json:"tactic"`
	Scenario string `json:"scenario"`
}

// GetAlerts queries detections for host within [from, to] and returns them
// as adapters.Alert entries.
func (c *CrowdStrikeConsole) GetAlerts(ctx context.Context, host string, from, to time.Time) ([]adapters.Alert, error) {
	if c.breaker == nil {
		return c.getAlerts(ctx, host, from, to)
	}
	permit, ok := c.breaker.Allow()
	if !ok {
		return nil, circuitbreaker.ErrOpen
	}
	alerts, err := c.getAlerts(ctx, host, from, to)
	if err != nil {
		permit.Failure()
	} else {
		permit.Success()
	}
	return alerts, err
}

func (c *CrowdStrikeConsole) getAlerts(ctx context.Context, host string, from, to time.Time) ([]adapters.Alert, error) {
	ids, err := c.queryDetects(ctx, host, from, to)
	if err != nil {
		return nil, fmt.Errorf("query detects: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	detections, err := c.detectSummaries(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("detect summaries: %w", err)
	}

	alerts := make([]adapters.Alert, 0, len(detections))
	for _, d := range detections {
		alerts = append(alerts, toAlert(d))
	}
	return alerts, nil
}

func (c *CrowdStrikeConsole) queryDetects(ctx context.Context, host string, from, to time.Time) ([]string, error) {
	filters := []string{
		fmt.Sprintf("device.hostname:'%s'", host),
		fmt.Sprintf("first_behavior:>='%s'", from.UTC().Format(time.RFC3339)),
		fmt.Sprintf("first_behavior:<='%s'", to.UTC().Format(time.RFC3339)),
	}
	q := url.Values{}
	q.Set("filter", strings.Join(filters, "+"))
	q.Set("limit", "500")

	var out queryDetectsResponse
	if err := c.get(ctx, "/detects/queries/detects/v1?"+q.Encode(), &out); err != nil {
		return nil, err
	}
	return out.Resources, nil
}

func (c *CrowdStrikeConsole) detectSummaries(ctx context.Context, ids []string) ([]detection, error) {
	body, err := json.Marshal(map[string]any{"ids": ids})
	if err != nil {
		return nil, err
	}
	var out detectSummariesResponse
	if err := c.post(ctx, "/detects/entities/summaries/GET/v1", body, &out); err != nil {
		return nil, err
	}
	return out.Resources, nil
}

func (c *CrowdStrikeConsole) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+path, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *CrowdStrikeConsole) post(ctx context.Context, path string, body []byte, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+path, strings.NewReader(string(body)))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *CrowdStrikeConsole) do(req *http.Request, out any) error {
	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("falcon api %s: status %d", req.URL.Path, resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func toAlert(d detection) adapters.Alert {
	var b behavior
	if len(d.Behaviors) > 0 {
		b = d.Behaviors[0]
	}
	ts, err := time.Parse(time.RFC3339, d.FirstBehavior)
	if err != nil {
		ts = time.Now()
	}
	return adapters.Alert{
		ID:         d.DetectionID,
		Severity:   normalizeSeverity(d.MaxSeverityDisplay),
		ThreatType: valueOr(b.Tactic, "unknown"),
		Detail:     valueOr(b.Scenario, "crowdstrike detection"),
		Timestamp:  ts,
	}
}

func normalizeSeverity(csSeverity string) string {
	switch csSeverity {
	case "Critical":
		return "critical"
	case "High":
		return "high"
	case "Medium":
		return "medium"
	case "Low":
		return "low"
	case "Informational":
		return "info"
	default:
		return "medium"
	}
}

func valueOr(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}

var _ adapters.EDRConsole = (*CrowdStrikeConsole)(nil)
