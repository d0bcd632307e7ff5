package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/opensafety/kestrel/internal/alert"
	"github.com/opensafety/kestrel/internal/cache"
	"github.com/opensafety/kestrel/internal/domain"
	"github.com/opensafety/kestrel/internal/evaluator"
	"github.com/opensafety/kestrel/internal/fanout"
	"github.com/opensafety/kestrel/internal/membership"
	"github.com/opensafety/kestrel/internal/repository"
	"github.com/opensafety/kestrel/internal/responder"
	"github.com/opensafety/kestrel/internal/rules"
)

// newTestServer wires a full synchronous stack on sqlite, an in-process
// LRU cache and the channel fanout.
func newTestServer(t *testing.T) *Server {
	t.Helper()

	repo, err := repository.New(domain.RepositoryConfig{
		Driver:     "sqlite",
		SQLitePath: filepath.Join(t.TempDir(), "api.db"),
	})
	if err != nil {
		t.Fatalf("failed to create repository: %v", err)
	}
	t.Cleanup(func() { repo.Close() })

	c := cache.NewLRUCache(128)
	hub := fanout.NewChannelFanout(64)
	t.Cleanup(func() { hub.Close() })

	monitor := domain.DefaultConfig().Monitor

	lc := alert.NewLifecycle(repo, responder.NewDirectory(repo), hub, monitor)

	engine, err := rules.NewEngine(4)
	if err != nil {
		t.Fatalf("failed to create rule engine: %v", err)
	}
	t.Cleanup(func() { engine.Close() })

	eval := evaluator.New(repo, repo, c, membership.NewTracker(), lc, nil, engine, hub, monitor)

	cfg := domain.ServerConfig{
		Host:         "localhost",
		Port:         8080,
		ReadTimeout:  30,
		WriteTimeout: 30,
	}
	return NewServer(cfg, repo, c, hub, lc, eval, engine, monitor, "test-v1", false)
}

func doJSON(t *testing.T, server *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("failed to encode request body: %v", err)
		}
	}

	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")

	rr := httptest.NewRecorder()
	server.Router().ServeHTTP(rr, req)
	return rr
}

func decodeBody(t *testing.T, rr *httptest.ResponseRecorder, dst any) {
	t.Helper()
	if err := json.Unmarshal(rr.Body.Bytes(), dst); err != nil {
		t.Fatalf("failed to parse response %q: %v", rr.Body.String(), err)
	}
}

func registerTourist(t *testing.T, server *Server, id string) {
	t.Helper()
	rr := doJSON(t, server, http.MethodPost, "/tourists", CreateTouristRequest{ID: id, Name: "Test Tourist " + id})
	if rr.Code != http.StatusCreated {
		t.Fatalf("failed to register tourist: %d %s", rr.Code, rr.Body.String())
	}
}

func TestHealthEndpoints(t *testing.T) {
	server := newTestServer(t)

	t.Run("HealthCheck", func(t *testing.T) {
		rr := doJSON(t, server, http.MethodGet, "/health", nil)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", rr.Code)
		}

		var resp map[string]string
		decodeBody(t, rr, &resp)
		if resp["status"] != "healthy" {
			t.Errorf("expected status 'healthy', got %q", resp["status"])
		}
		if resp["version"] != "test-v1" {
			t.Errorf("expected version 'test-v1', got %q", resp["version"])
		}
	})

	t.Run("ReadyCheck", func(t *testing.T) {
		rr := doJSON(t, server, http.MethodGet, "/ready", nil)
		if rr.Code != http.StatusOK {
			t.Errorf("expected status 200, got %d", rr.Code)
		}
	})

	t.Run("ResponseHeaders", func(t *testing.T) {
		rr := doJSON(t, server, http.MethodGet, "/health", nil)
		if rr.Header().Get("X-Request-ID") == "" {
			t.Error("expected X-Request-ID header in response")
		}
		if rr.Header().Get("X-Trace-ID") == "" {
			t.Error("expected X-Trace-ID header in response")
		}
	})
}

func TestLocationIngestion(t *testing.T) {
	lat := 26.10
	lng := 91.70

	t.Run("InvalidJSON", func(t *testing.T) {
		server := newTestServer(t)
		req := httptest.NewRequest(http.MethodPost, "/locations", strings.NewReader("not-json"))
		rr := httptest.NewRecorder()
		server.Router().ServeHTTP(rr, req)
		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rr.Code)
		}
	})

	t.Run("MissingTouristID", func(t *testing.T) {
		server := newTestServer(t)
		rr := doJSON(t, server, http.MethodPost, "/locations", LocationRequest{Lat: &lat, Lng: &lng})
		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rr.Code)
		}
	})

	t.Run("MissingCoordinates", func(t *testing.T) {
		server := newTestServer(t)
		rr := doJSON(t, server, http.MethodPost, "/locations", LocationRequest{TouristID: "t1"})
		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rr.Code)
		}
	})

	t.Run("UnknownTourist", func(t *testing.T) {
		server := newTestServer(t)
		rr := doJSON(t, server, http.MethodPost, "/locations", LocationRequest{TouristID: "ghost", Lat: &lat, Lng: &lng})
		if rr.Code != http.StatusNotFound {
			t.Errorf("expected status 404, got %d: %s", rr.Code, rr.Body.String())
		}
	})

	t.Run("ZoneEntryRaisesAlert", func(t *testing.T) {
		server := newTestServer(t)
		registerTourist(t, server, "t1")

		rr := doJSON(t, server, http.MethodPost, "/zones", CreateZoneRequest{
			Name:         "flood area",
			CenterLat:    lat,
			CenterLng:    lng,
			RadiusMeters: 500,
			RiskLevel:    "CRITICAL",
		})
		if rr.Code != http.StatusCreated {
			t.Fatalf("failed to create zone: %d %s", rr.Code, rr.Body.String())
		}

		rr = doJSON(t, server, http.MethodPost, "/locations", LocationRequest{TouristID: "t1", Lat: &lat, Lng: &lng})
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
		}

		var resp struct {
			Alerts []domain.Alert `json:"alerts"`
			Count  int            `json:"count"`
		}
		decodeBody(t, rr, &resp)
		if resp.Count != 1 {
			t.Fatalf("expected 1 alert, got %d", resp.Count)
		}
		if resp.Alerts[0].Type != domain.AlertRiskZone {
			t.Errorf("expected RISK_ZONE alert, got %s", resp.Alerts[0].Type)
		}
		if resp.Alerts[0].Priority != domain.PriorityCritical {
			t.Errorf("expected CRITICAL priority, got %s", resp.Alerts[0].Priority)
		}

		rr = doJSON(t, server, http.MethodGet, "/tourists/t1", nil)
		var tourist domain.Tourist
		decodeBody(t, rr, &tourist)
		if tourist.SafetyScore != 75 {
			t.Errorf("expected safety score 75 after critical zone entry, got %d", tourist.SafetyScore)
		}
	})

	t.Run("OutOfRangeCoordinatesAccepted", func(t *testing.T) {
		server := newTestServer(t)
		registerTourist(t, server, "t1")

		badLat := 120.0
		rr := doJSON(t, server, http.MethodPost, "/locations", LocationRequest{TouristID: "t1", Lat: &badLat, Lng: &lng})
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
		}

		var resp struct {
			Count int `json:"count"`
		}
		decodeBody(t, rr, &resp)
		if resp.Count != 0 {
			t.Errorf("expected no alerts for a malformed fix, got %d", resp.Count)
		}
	})
}

func TestSOSEndpoint(t *testing.T) {
	server := newTestServer(t)
	registerTourist(t, server, "t1")

	t.Run("UnknownTourist", func(t *testing.T) {
		rr := doJSON(t, server, http.MethodPost, "/sos", PanicRequest{TouristID: "ghost"})
		if rr.Code != http.StatusNotFound {
			t.Errorf("expected status 404, got %d", rr.Code)
		}
	})

	t.Run("CreatesCriticalAlert", func(t *testing.T) {
		lat, lng := 26.10, 91.70
		rr := doJSON(t, server, http.MethodPost, "/sos", PanicRequest{TouristID: "t1", Lat: &lat, Lng: &lng})
		if rr.Code != http.StatusCreated {
			t.Fatalf("expected status 201, got %d: %s", rr.Code, rr.Body.String())
		}

		var a domain.Alert
		decodeBody(t, rr, &a)
		if a.Type != domain.AlertSOS {
			t.Errorf("expected SOS alert, got %s", a.Type)
		}
		if a.Priority != domain.PriorityCritical {
			t.Errorf("expected CRITICAL priority, got %s", a.Priority)
		}
		if a.Status != domain.StatusOpen {
			t.Errorf("expected OPEN status, got %s", a.Status)
		}
		if a.EscalationLevel != domain.EscalationMax {
			t.Errorf("expected escalation %d, got %d", domain.EscalationMax, a.EscalationLevel)
		}
	})
}

func TestPreAlertEscalation(t *testing.T) {
	server := newTestServer(t)
	registerTourist(t, server, "t1")

	type preAlertResponse struct {
		Alert         domain.Alert `json:"alert"`
		PreAlertCount int64        `json:"preAlertCount"`
	}

	var last preAlertResponse
	for i := 0; i < 3; i++ {
		rr := doJSON(t, server, http.MethodPost, "/pre-alerts", PanicRequest{TouristID: "t1"})
		if rr.Code != http.StatusCreated {
			t.Fatalf("pre-alert %d: expected status 201, got %d: %s", i+1, rr.Code, rr.Body.String())
		}
		decodeBody(t, rr, &last)
	}

	if last.PreAlertCount != 3 {
		t.Errorf("expected pre-alert count 3, got %d", last.PreAlertCount)
	}
	if last.Alert.Status != domain.StatusPending {
		t.Errorf("expected PENDING status, got %s", last.Alert.Status)
	}
	if last.Alert.EscalationLevel != 2 {
		t.Errorf("expected escalation 2 after repeated pre-alerts, got %d", last.Alert.EscalationLevel)
	}
	if !last.Alert.PreAlertTriggered {
		t.Error("expected preAlertTriggered to be set")
	}
}

func TestAlertLifecycleEndpoints(t *testing.T) {
	server := newTestServer(t)
	registerTourist(t, server, "t1")

	createSOS := func(t *testing.T) int64 {
		rr := doJSON(t, server, http.MethodPost, "/sos", PanicRequest{TouristID: "t1"})
		if rr.Code != http.StatusCreated {
			t.Fatalf("failed to create alert: %d %s", rr.Code, rr.Body.String())
		}
		var a domain.Alert
		decodeBody(t, rr, &a)
		return a.ID
	}

	t.Run("AcknowledgeAndResolve", func(t *testing.T) {
		id := createSOS(t)

		rr := doJSON(t, server, http.MethodPut, alertPath(id, "status"), UpdateAlertStatusRequest{Status: domain.StatusAcknowledged})
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
		}

		rr = doJSON(t, server, http.MethodPut, alertPath(id, "status"), UpdateAlertStatusRequest{Status: domain.StatusResolved, ResolvedBy: "operator-7"})
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
		}

		var a domain.Alert
		decodeBody(t, rr, &a)
		if a.ResolvedBy != "operator-7" {
			t.Errorf("expected resolvedBy operator-7, got %q", a.ResolvedBy)
		}
		if a.ResolvedAt == nil || a.ResponseTimeMs == nil {
			t.Error("expected resolvedAt and responseTimeMs to be stamped")
		}

		// Terminal states reject further transitions
		rr = doJSON(t, server, http.MethodPut, alertPath(id, "status"), UpdateAlertStatusRequest{Status: domain.StatusAcknowledged})
		if rr.Code != http.StatusConflict {
			t.Errorf("expected status 409 on terminal alert, got %d", rr.Code)
		}
	})

	t.Run("CancelIsIdempotent", func(t *testing.T) {
		id := createSOS(t)

		rr := doJSON(t, server, http.MethodPost, alertPath(id, "cancel"), nil)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", rr.Code)
		}

		rr = doJSON(t, server, http.MethodPost, alertPath(id, "cancel"), nil)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200 on repeat cancel, got %d", rr.Code)
		}
		var a domain.Alert
		decodeBody(t, rr, &a)
		if a.Status != domain.StatusCancelled {
			t.Errorf("expected CANCELLED, got %s", a.Status)
		}
	})

	t.Run("EscalateBounds", func(t *testing.T) {
		id := createSOS(t)

		rr := doJSON(t, server, http.MethodPost, alertPath(id, "escalate"), EscalateAlertRequest{Level: 5})
		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400 for level 5, got %d", rr.Code)
		}
	})

	t.Run("BadAndUnknownIDs", func(t *testing.T) {
		rr := doJSON(t, server, http.MethodGet, "/alerts/abc", nil)
		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400 for non-numeric id, got %d", rr.Code)
		}

		rr = doJSON(t, server, http.MethodGet, "/alerts/99999", nil)
		if rr.Code != http.StatusNotFound {
			t.Errorf("expected status 404 for unknown id, got %d", rr.Code)
		}
	})

	t.Run("ListWithFilters", func(t *testing.T) {
		rr := doJSON(t, server, http.MethodGet, "/alerts?touristId=t1&type=SOS", nil)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", rr.Code)
		}
		var resp struct {
			Count int `json:"count"`
		}
		decodeBody(t, rr, &resp)
		if resp.Count == 0 {
			t.Error("expected at least one SOS alert in listing")
		}

		rr = doJSON(t, server, http.MethodGet, "/alerts?status=NOPE", nil)
		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400 for unknown status filter, got %d", rr.Code)
		}
	})
}

func alertPath(id int64, action string) string {
	return "/alerts/" + strconv.FormatInt(id, 10) + "/" + action
}

func TestZoneEndpoints(t *testing.T) {
	server := newTestServer(t)

	t.Run("RejectsUnknownRisk", func(t *testing.T) {
		rr := doJSON(t, server, http.MethodPost, "/zones", CreateZoneRequest{
			Name: "z", CenterLat: 1, CenterLng: 1, RadiusMeters: 100, RiskLevel: "EXTREME",
		})
		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rr.Code)
		}
	})

	t.Run("RejectsInvalidGeometry", func(t *testing.T) {
		rr := doJSON(t, server, http.MethodPost, "/zones", CreateZoneRequest{
			Name: "z", CenterLat: 1, CenterLng: 1, RadiusMeters: -5, RiskLevel: "LOW",
		})
		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rr.Code)
		}
	})

	t.Run("CreateGetDeactivate", func(t *testing.T) {
		rr := doJSON(t, server, http.MethodPost, "/zones", CreateZoneRequest{
			Name: "restricted forest", CenterLat: 26.5, CenterLng: 92.1, RadiusMeters: 1500, RiskLevel: "HIGH",
		})
		if rr.Code != http.StatusCreated {
			t.Fatalf("expected status 201, got %d: %s", rr.Code, rr.Body.String())
		}

		var z domain.DangerZone
		decodeBody(t, rr, &z)
		if z.ID == "" {
			t.Fatal("expected generated zone id")
		}
		if !z.Active {
			t.Error("expected new zone to be active")
		}

		rr = doJSON(t, server, http.MethodGet, "/zones/"+z.ID, nil)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", rr.Code)
		}

		rr = doJSON(t, server, http.MethodDelete, "/zones/"+z.ID, nil)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
		}

		// Soft delete: still readable, no longer active
		rr = doJSON(t, server, http.MethodGet, "/zones/"+z.ID, nil)
		decodeBody(t, rr, &z)
		if z.Active {
			t.Error("expected zone to be inactive after delete")
		}
	})

	t.Run("DeleteUnknown", func(t *testing.T) {
		rr := doJSON(t, server, http.MethodDelete, "/zones/ghost", nil)
		if rr.Code != http.StatusNotFound {
			t.Errorf("expected status 404, got %d", rr.Code)
		}
	})
}

func TestRuleEndpoints(t *testing.T) {
	server := newTestServer(t)

	t.Run("RejectsInvalidExpression", func(t *testing.T) {
		rr := doJSON(t, server, http.MethodPost, "/rules", CreateRuleRequest{
			ID: "r-bad", Name: "broken", Expression: "speed >>> 10", Enabled: true,
		})
		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d: %s", rr.Code, rr.Body.String())
		}
	})

	t.Run("CreateReloadList", func(t *testing.T) {
		rr := doJSON(t, server, http.MethodPost, "/rules", CreateRuleRequest{
			ID:         "r-speed",
			Name:       "implausible speed",
			Expression: "speed > 150.0",
			Priority:   domain.PriorityHigh,
			Enabled:    true,
		})
		if rr.Code != http.StatusCreated {
			t.Fatalf("expected status 201, got %d: %s", rr.Code, rr.Body.String())
		}

		// Not loaded until reload
		rr = doJSON(t, server, http.MethodGet, "/rules/r-speed", nil)
		if rr.Code != http.StatusNotFound {
			t.Errorf("expected status 404 before reload, got %d", rr.Code)
		}

		rr = doJSON(t, server, http.MethodPost, "/rules/reload", nil)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
		}

		rr = doJSON(t, server, http.MethodGet, "/rules/r-speed", nil)
		if rr.Code != http.StatusOK {
			t.Errorf("expected status 200 after reload, got %d", rr.Code)
		}
	})

	t.Run("DeleteDisablesAndReloads", func(t *testing.T) {
		rr := doJSON(t, server, http.MethodDelete, "/rules/r-speed", nil)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
		}

		rr = doJSON(t, server, http.MethodGet, "/rules/r-speed", nil)
		if rr.Code != http.StatusNotFound {
			t.Errorf("expected status 404 after delete, got %d", rr.Code)
		}
	})

	t.Run("DeleteUnknown", func(t *testing.T) {
		rr := doJSON(t, server, http.MethodDelete, "/rules/ghost", nil)
		if rr.Code != http.StatusNotFound {
			t.Errorf("expected status 404, got %d", rr.Code)
		}
	})
}

func TestResponderEnrichment(t *testing.T) {
	server := newTestServer(t)
	registerTourist(t, server, "t1")

	rr := doJSON(t, server, http.MethodPost, "/responders", CreateResponderRequest{
		ID: "resp-1", Name: "City Police", Kind: "police", Lat: 26.10, Lng: 91.70, Available: true,
	})
	if rr.Code != http.StatusCreated {
		t.Fatalf("expected status 201, got %d: %s", rr.Code, rr.Body.String())
	}

	lat, lng := 26.101, 91.701
	rr = doJSON(t, server, http.MethodPost, "/sos", PanicRequest{TouristID: "t1", Lat: &lat, Lng: &lng})
	if rr.Code != http.StatusCreated {
		t.Fatalf("expected status 201, got %d: %s", rr.Code, rr.Body.String())
	}

	var a domain.Alert
	decodeBody(t, rr, &a)
	if a.NearestResponderID != "resp-1" {
		t.Errorf("expected nearest responder resp-1, got %q", a.NearestResponderID)
	}

	t.Run("MissingKind", func(t *testing.T) {
		rr := doJSON(t, server, http.MethodPost, "/responders", CreateResponderRequest{Name: "nameless", Lat: 0, Lng: 0})
		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rr.Code)
		}
	})
}

func TestEventStream(t *testing.T) {
	server := newTestServer(t)
	registerTourist(t, server, "t1")

	ts := httptest.NewServer(server.Router())
	defer ts.Close()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/events?topic=all"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("failed to dial event stream: %v", err)
	}
	defer conn.Close()

	rr := doJSON(t, server, http.MethodPost, "/sos", PanicRequest{TouristID: "t1"})
	if rr.Code != http.StatusCreated {
		t.Fatalf("failed to create alert: %d %s", rr.Code, rr.Body.String())
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var ev domain.Event
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatalf("failed to read event: %v", err)
	}
	if ev.Kind != domain.EventAlertCreated {
		t.Errorf("expected %s event, got %s", domain.EventAlertCreated, ev.Kind)
	}
	if ev.Alert == nil || ev.Alert.Alert.TouristID != "t1" {
		t.Error("expected alert payload for t1")
	}
}

func TestPanicRecovery(t *testing.T) {
	handler := RecoverMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusInternalServerError {
		t.Errorf("expected status 500, got %d", rr.Code)
	}
}
