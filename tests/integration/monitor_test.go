//go:build integration
// +build integration

// Package integration provides end-to-end tests for the Kestrel safety
// monitoring core.
//
// These tests verify the complete pipeline:
//
//	Location fix → geofence evaluation → safety score → alert lifecycle
//
// Run against a live instance (sync ingestion, fresh database):
//
//	go run cmd/kestrel/main.go &
//	KESTREL_TEST_URL=http://localhost:8080 go test -tags=integration -v ./tests/integration/...
//
// Each test registers its own tourists and zones, so tests are
// independent, but the instance should start from an empty database to
// keep score assertions exact.
package integration

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"testing"
	"time"
)

type TestConfig struct {
	BaseURL string
}

func getTestConfig() TestConfig {
	baseURL := os.Getenv("KESTREL_TEST_URL")
	if baseURL == "" {
		baseURL = "http://localhost:8080"
	}
	return TestConfig{BaseURL: baseURL}
}

type Tourist struct {
	ID          string `json:"id"`
	SafetyScore int    `json:"safetyScore"`
	Active      bool   `json:"active"`
}

type Alert struct {
	ID              int64    `json:"alertId"`
	TouristID       string   `json:"touristId"`
	Type            string   `json:"alertType"`
	Priority        string   `json:"priority"`
	Status          string   `json:"status"`
	EscalationLevel int      `json:"escalationLevel"`
	ResolvedBy      string   `json:"resolvedBy,omitempty"`
	ResponseTimeMs  *int64   `json:"responseTimeMs,omitempty"`
	Lat             *float64 `json:"lat,omitempty"`
}

type IngestResponse struct {
	TouristID string  `json:"touristId"`
	Alerts    []Alert `json:"alerts"`
	Count     int     `json:"count"`
}

func postJSON(t *testing.T, config TestConfig, path string, payload any, expectStatus int, out any) {
	t.Helper()

	body, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("Failed to marshal request: %v", err)
	}

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Post(config.BaseURL+path, "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("POST %s failed: %v", path, err)
	}
	defer resp.Body.Close()

	var buf bytes.Buffer
	buf.ReadFrom(resp.Body)

	if resp.StatusCode != expectStatus {
		t.Fatalf("POST %s: expected status %d, got %d: %s", path, expectStatus, resp.StatusCode, buf.String())
	}
	if out != nil {
		if err := json.Unmarshal(buf.Bytes(), out); err != nil {
			t.Fatalf("Failed to unmarshal response: %v (body: %s)", err, buf.String())
		}
	}
}

func getJSON(t *testing.T, config TestConfig, path string, out any) {
	t.Helper()

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Get(config.BaseURL + path)
	if err != nil {
		t.Fatalf("GET %s failed: %v", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GET %s: expected status 200, got %d", path, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
}

func registerTourist(t *testing.T, config TestConfig, id string) {
	t.Helper()
	postJSON(t, config, "/tourists", map[string]string{"id": id, "name": "Integration " + id}, http.StatusCreated, nil)
}

func sendFix(t *testing.T, config TestConfig, touristID string, lat, lng float64) IngestResponse {
	t.Helper()

	var resp IngestResponse
	postJSON(t, config, "/locations", map[string]any{
		"touristId": touristID,
		"lat":       lat,
		"lng":       lng,
	}, http.StatusOK, &resp)
	return resp
}

func TestZoneEntry_AlertAndScoreDrop(t *testing.T) {
	/*
	   SCENARIO: A tourist walks into a freshly declared CRITICAL zone.

	   EXPECTED:
	   - One RISK_ZONE alert with CRITICAL priority on the entering fix
	   - Safety score drops from 100 to 75 (CRITICAL penalty 25)
	   - A second fix inside the same zone raises no further alert
	     (entry is edge-triggered)
	*/
	config := getTestConfig()
	id := fmt.Sprintf("it-zone-%d", time.Now().UnixNano())
	registerTourist(t, config, id)

	postJSON(t, config, "/zones", map[string]any{
		"name":         "integration critical zone " + id,
		"centerLat":    26.10,
		"centerLng":    91.70,
		"radiusMeters": 500,
		"riskLevel":    "CRITICAL",
	}, http.StatusCreated, nil)

	resp := sendFix(t, config, id, 26.10, 91.70)
	if resp.Count != 1 {
		t.Fatalf("Expected 1 alert on zone entry, got %d", resp.Count)
	}
	if resp.Alerts[0].Type != "RISK_ZONE" || resp.Alerts[0].Priority != "CRITICAL" {
		t.Errorf("Expected CRITICAL RISK_ZONE alert, got %s/%s", resp.Alerts[0].Type, resp.Alerts[0].Priority)
	}

	var tourist Tourist
	getJSON(t, config, "/tourists/"+id, &tourist)
	if tourist.SafetyScore != 75 {
		t.Errorf("Expected safety score 75 after CRITICAL entry, got %d", tourist.SafetyScore)
	}

	resp = sendFix(t, config, id, 26.1001, 91.7001)
	if resp.Count != 0 {
		t.Errorf("Expected no alert while staying inside the zone, got %d", resp.Count)
	}

	t.Logf("Zone entry verified: score=%d", tourist.SafetyScore)
}

func TestSOSLifecycle_RoundTrip(t *testing.T) {
	/*
	   SCENARIO: SOS pressed, operator acknowledges, then resolves.

	   EXPECTED:
	   - SOS opens CRITICAL at escalation 3
	   - OPEN → ACKNOWLEDGED → RESOLVED transitions succeed
	   - RESOLVED stamps resolvedBy and responseTimeMs
	   - A further transition on the resolved alert is rejected with 409
	*/
	config := getTestConfig()
	id := fmt.Sprintf("it-sos-%d", time.Now().UnixNano())
	registerTourist(t, config, id)

	var a Alert
	postJSON(t, config, "/sos", map[string]any{
		"touristId": id,
		"lat":       26.2,
		"lng":       91.8,
	}, http.StatusCreated, &a)

	if a.Priority != "CRITICAL" || a.EscalationLevel != 3 || a.Status != "OPEN" {
		t.Fatalf("Unexpected SOS alert: %+v", a)
	}

	path := fmt.Sprintf("/alerts/%d/status", a.ID)
	putJSON(t, config, path, map[string]string{"status": "ACKNOWLEDGED"}, http.StatusOK, &a)
	putJSON(t, config, path, map[string]string{"status": "RESOLVED", "resolvedBy": "operator-it"}, http.StatusOK, &a)

	if a.ResolvedBy != "operator-it" || a.ResponseTimeMs == nil {
		t.Errorf("Expected resolution stamps, got %+v", a)
	}

	putJSON(t, config, path, map[string]string{"status": "ACKNOWLEDGED"}, http.StatusConflict, nil)

	t.Logf("SOS lifecycle verified: alert %d resolved in %dms", a.ID, *a.ResponseTimeMs)
}

func TestPreAlert_EscalatesInsideWindow(t *testing.T) {
	/*
	   SCENARIO: Three pre-alerts from the same tourist inside the
	   escalation window.

	   EXPECTED:
	   - Each pre-alert opens PENDING
	   - The third one comes back escalated above level 1
	*/
	config := getTestConfig()
	id := fmt.Sprintf("it-pre-%d", time.Now().UnixNano())
	registerTourist(t, config, id)

	var last struct {
		Alert         Alert `json:"alert"`
		PreAlertCount int64 `json:"preAlertCount"`
	}
	for i := 0; i < 3; i++ {
		postJSON(t, config, "/pre-alerts", map[string]string{"touristId": id}, http.StatusCreated, &last)
	}

	if last.Alert.Status != "PENDING" {
		t.Errorf("Expected PENDING pre-alert, got %s", last.Alert.Status)
	}
	if last.Alert.EscalationLevel <= 1 {
		t.Errorf("Expected escalation above 1 after 3 pre-alerts, got %d", last.Alert.EscalationLevel)
	}

	t.Logf("Pre-alert escalation verified: count=%d level=%d", last.PreAlertCount, last.Alert.EscalationLevel)
}

func TestMalformedFix_AcceptedWithoutAlerts(t *testing.T) {
	/*
	   SCENARIO: An out-of-range fix for a known tourist.

	   EXPECTED: 200 with zero alerts; malformed fixes are routine and
	   never a hard failure.
	*/
	config := getTestConfig()
	id := fmt.Sprintf("it-bad-%d", time.Now().UnixNano())
	registerTourist(t, config, id)

	resp := sendFix(t, config, id, 120.0, 91.70)
	if resp.Count != 0 {
		t.Errorf("Expected no alerts for malformed fix, got %d", resp.Count)
	}
}

func TestValidation_Errors(t *testing.T) {
	config := getTestConfig()

	t.Run("UnknownTourist", func(t *testing.T) {
		postJSON(t, config, "/locations", map[string]any{
			"touristId": "it-ghost", "lat": 1.0, "lng": 1.0,
		}, http.StatusNotFound, nil)
	})

	t.Run("MissingTouristID", func(t *testing.T) {
		postJSON(t, config, "/locations", map[string]any{"lat": 1.0, "lng": 1.0}, http.StatusBadRequest, nil)
	})

	t.Run("BadZoneRadius", func(t *testing.T) {
		postJSON(t, config, "/zones", map[string]any{
			"name": "bad", "centerLat": 1.0, "centerLng": 1.0, "radiusMeters": 0, "riskLevel": "LOW",
		}, http.StatusBadRequest, nil)
	})
}

func putJSON(t *testing.T, config TestConfig, path string, payload any, expectStatus int, out any) {
	t.Helper()

	body, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("Failed to marshal request: %v", err)
	}

	req, err := http.NewRequest(http.MethodPut, config.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		t.Fatalf("Failed to create request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("PUT %s failed: %v", path, err)
	}
	defer resp.Body.Close()

	var buf bytes.Buffer
	buf.ReadFrom(resp.Body)

	if resp.StatusCode != expectStatus {
		t.Fatalf("PUT %s: expected status %d, got %d: %s", path, expectStatus, resp.StatusCode, buf.String())
	}
	if out != nil && expectStatus < 300 {
		if err := json.Unmarshal(buf.Bytes(), out); err != nil {
			t.Fatalf("Failed to unmarshal response: %v (body: %s)", err, buf.String())
		}
	}
}
