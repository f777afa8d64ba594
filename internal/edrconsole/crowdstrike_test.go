package edrconsole

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func newFakeFalconServer(t *testing.T, detectionIDs []string, detections []detection) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/oauth2/token", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"access_token": "test-token",
			"token_type":   "bearer",
			"expires_in":   3600,
		})
	})
	mux.HandleFunc("/detects/queries/detects/v1", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(queryDetectsResponse{Resources: detectionIDs})
	})
	mux.HandleFunc("/detects/entities/summaries/GET/v1", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(detectSummariesResponse{Resources: detections})
	})
	return httptest.NewServer(mux)
}

func TestGetAlertsReturnsEmptyWhenNoDetections(t *testing.T) {
	srv := newFakeFalconServer(t, nil, nil)
	defer srv.Close()

	console := NewCrowdStrikeConsole(CrowdStrikeConfig{BaseURL: srv.URL, ClientID: "id", ClientSecret: "secret"})
	alerts, err := console.GetAlerts(context.Background(), "vm-1", time.Now().Add(-time.Hour), time.Now())
	if err != nil {
		t.Fatalf("GetAlerts: %v", err)
	}
	if len(alerts) != 0 {
		t.Fatalf("expected no alerts, got %d", len(alerts))
	}
}

func TestGetAlertsConvertsDetectionsToAlerts(t *testing.T) {
	srv := newFakeFalconServer(t, []string{"d1"}, []detection{
		{
			DetectionID:        "d1",
			FirstBehavior:      "2026-07-30T10:00:00Z",
			MaxSeverityDisplay: "High",
			Behaviors:          []behavior{{Tactic: "Execution", Scenario: "suspicious process"}},
		},
	})
	defer srv.Close()

	console := NewCrowdStrikeConsole(CrowdStrikeConfig{BaseURL: srv.URL, ClientID: "id", ClientSecret: "secret"})
	alerts, err := console.GetAlerts(context.Background(), "vm-1", time.Now().Add(-time.Hour), time.Now())
	if err != nil {
		t.Fatalf("GetAlerts: %v", err)
	}
	if len(alerts) != 1 {
		t.Fatalf("expected 1 alert, got %d", len(alerts))
	}
	if alerts[0].Severity != "high" {
		t.Fatalf("Severity = %q, want high", alerts[0].Severity)
	}
	if alerts[0].ThreatType != "Execution" {
		t.Fatalf("ThreatType = %q, want Execution", alerts[0].ThreatType)
	}
}

func TestNormalizeSeverityDefaultsToMedium(t *testing.T) {
	if got := normalizeSeverity("Unmapped"); got != "medium" {
		t.Fatalf("normalizeSeverity(Unmapped) = %q, want medium", got)
	}
}
