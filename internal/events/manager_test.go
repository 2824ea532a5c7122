package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

// helper: create a Manager with in-memory store and optional http client override.
func newTestManager(client *http.Client) *Manager {
	store := NewInMemoryEndpointStore()
	opts := []ManagerOption{}
	if client != nil {
		opts = append(opts, WithHTTPClient(client))
	}
	return NewManager(store, zerolog.Nop(), opts...)
}

// helper: create an active endpoint in the manager.
func mustRegisterEndpoint(t *testing.T, m *Manager, url string, eventTypes []string) *Endpoint {
	t.Helper()
	ep, err := m.RegisterEndpoint(context.Background(), url, "test-secret-key", "", eventTypes)
	if err != nil {
		t.Fatalf("failed to register endpoint: %v", err)
	}
	return ep
}

func testEvent(id, eventType string) Event {
	return Event{
		ID:         id,
		Type:       eventType,
		ResourceID: "p-123",
		Payload:    json.RawMessage(`{"id":"p-123"}`),
		Timestamp:  time.Now(),
	}
}

func TestManager_RegisterEndpoint(t *testing.T) {
	m := newTestManager(nil)
	ep, err := m.RegisterEndpoint(context.Background(), "https://example.com/hook", "my-secret", "clinic integration", []string{"patient.created"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ep.ID == "" {
		t.Error("expected ID to be set")
	}
	if ep.URL != "https://example.com/hook" {
		t.Errorf("expected URL 'https://example.com/hook', got %q", ep.URL)
	}
	if ep.Secret != "my-secret" {
		t.Errorf("expected secret 'my-secret', got %q", ep.Secret)
	}
	if ep.Status != StatusActive {
		t.Errorf("expected status 'active', got %q", ep.Status)
	}
	if len(ep.Events) != 1 || ep.Events[0] != "patient.created" {
		t.Errorf("unexpected events: %v", ep.Events)
	}
	if ep.CreatedAt.IsZero() {
		t.Error("expected CreatedAt to be set")
	}
}

func TestManager_RegisterEndpoint_GeneratesSecret(t *testing.T) {
	m := newTestManager(nil)
	ep, err := m.RegisterEndpoint(context.Background(), "https://example.com/hook", "", "", []string{"patient.created"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ep.Secret == "" {
		t.Error("expected auto-generated secret")
	}
	if len(ep.Secret) < 32 {
		t.Errorf("expected secret at least 32 chars, got %d", len(ep.Secret))
	}
}

func TestManager_RegisterEndpoint_DefaultSecret(t *testing.T) {
	store := NewInMemoryEndpointStore()
	m := NewManager(store, zerolog.Nop(), WithDefaultSecret("shared-secret"))
	ep, err := m.RegisterEndpoint(context.Background(), "https://example.com/hook", "", "", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ep.Secret != "shared-secret" {
		t.Errorf("expected shared default secret, got %q", ep.Secret)
	}
	if len(ep.Events) != 1 || ep.Events[0] != "*" {
		t.Errorf("expected wildcard subscription by default, got %v", ep.Events)
	}
}

func TestManager_RegisterEndpoint_ValidatesURL(t *testing.T) {
	m := newTestManager(nil)
	tests := []struct {
		name string
		url  string
	}{
		{"empty", ""},
		{"no scheme", "example.com/hook"},
		{"ftp scheme", "ftp://example.com/hook"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := m.RegisterEndpoint(context.Background(), tt.url, "secret", "", []string{"patient.created"})
			if err == nil {
				t.Errorf("expected error for URL %q", tt.url)
			}
		})
	}
}

func TestManager_PauseResumeEndpoint(t *testing.T) {
	m := newTestManager(nil)
	ep := mustRegisterEndpoint(t, m, "https://example.com/hook", []string{"patient.created"})

	if err := m.PauseEndpoint(context.Background(), ep.ID); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got, _ := m.store.GetEndpoint(context.Background(), ep.ID)
	if got.Status != StatusPaused {
		t.Errorf("expected status 'paused', got %q", got.Status)
	}

	if err := m.ResumeEndpoint(context.Background(), ep.ID); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got, _ = m.store.GetEndpoint(context.Background(), ep.ID)
	if got.Status != StatusActive {
		t.Errorf("expected status 'active', got %q", got.Status)
	}
}

func TestManager_DeleteEndpoint(t *testing.T) {
	m := newTestManager(nil)
	ep := mustRegisterEndpoint(t, m, "https://example.com/hook", []string{"patient.created"})

	if err := m.store.DeleteEndpoint(context.Background(), ep.ID); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	_, err := m.store.GetEndpoint(context.Background(), ep.ID)
	if !errors.Is(err, ErrEndpointNotFound) {
		t.Errorf("expected ErrEndpointNotFound after delete, got %v", err)
	}
}

func TestSignPayload(t *testing.T) {
	payload := []byte(`{"type":"patient.created","id":"123"}`)
	sig1 := SignPayload(payload, "secret-key")
	sig2 := SignPayload(payload, "secret-key")
	if sig1 != sig2 {
		t.Error("expected deterministic signatures")
	}
	if sig1 == "" {
		t.Error("expected non-empty signature")
	}
}

func TestVerifySignature(t *testing.T) {
	payload := []byte(`{"type":"patient.created","id":"123"}`)
	sig := SignPayload(payload, "secret-key")
	if !VerifySignature(payload, "secret-key", sig) {
		t.Error("expected valid signature to verify")
	}
	if VerifySignature(payload, "secret-key", "invalid-sig") {
		t.Error("expected invalid signature to fail verification")
	}
	if VerifySignature(payload, "wrong-secret", sig) {
		t.Error("expected wrong secret to fail verification")
	}
}

func TestManager_Publish(t *testing.T) {
	var receivedBody []byte
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		receivedBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"ok":true}`))
	}))
	defer ts.Close()

	m := newTestManager(ts.Client())
	mustRegisterEndpoint(t, m, ts.URL+"/hook", []string{"patient.created"})

	results, err := m.Publish(context.Background(), testEvent("evt-1", "patient.created"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("expected 1 result, got %d", len(results))
	}
	if !results[0].Success {
		t.Errorf("expected success, got error: %s", results[0].Error)
	}
	if results[0].StatusCode != http.StatusOK {
		t.Errorf("expected 200, got %d", results[0].StatusCode)
	}
	if len(receivedBody) == 0 {
		t.Error("expected server to receive payload")
	}
}

func TestManager_Publish_NoSubscribers(t *testing.T) {
	m := newTestManager(nil)
	results, err := m.Publish(context.Background(), testEvent("evt-1", "patient.created"))
	if err != nil {
		t.Fatalf("expected no-op success with zero subscribers, got %v", err)
	}
	if len(results) != 0 {
		t.Errorf("expected 0 results, got %d", len(results))
	}
}

func TestManager_Publish_EventFiltering(t *testing.T) {
	callCount := 0
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		callCount++
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	m := newTestManager(ts.Client())
	mustRegisterEndpoint(t, m, ts.URL+"/hook", []string{"patient.created"})

	results, err := m.Publish(context.Background(), testEvent("evt-1", "patient.updated"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(results) != 0 {
		t.Errorf("expected 0 results (no matching endpoints), got %d", len(results))
	}
	if callCount != 0 {
		t.Errorf("expected 0 calls, got %d", callCount)
	}
}

func TestManager_Publish_Wildcards(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	m := newTestManager(ts.Client())
	mustRegisterEndpoint(t, m, ts.URL+"/hook", []string{"patient.*"})

	for _, eventType := range []string{"patient.created", "patient.updated", "patient.deleted"} {
		results, err := m.Publish(context.Background(), testEvent("evt-"+eventType, eventType))
		if err != nil {
			t.Fatalf("unexpected error for %s: %v", eventType, err)
		}
		if len(results) != 1 || !results[0].Success {
			t.Errorf("expected patient.* to match %s", eventType)
		}
	}

	results, _ := m.Publish(context.Background(), testEvent("evt-x", "endpoint.test"))
	if len(results) != 0 {
		t.Error("expected patient.* NOT to match endpoint.test")
	}
}

func TestManager_Publish_PausedSkipped(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	m := newTestManager(ts.Client())
	ep := mustRegisterEndpoint(t, m, ts.URL+"/hook", []string{"patient.created"})
	m.PauseEndpoint(context.Background(), ep.ID)

	results, err := m.Publish(context.Background(), testEvent("evt-1", "patient.created"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(results) != 0 {
		t.Errorf("expected 0 results for paused endpoint, got %d", len(results))
	}
}

func TestManager_Publish_AllFailed(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer ts.Close()

	m := newTestManager(ts.Client())
	mustRegisterEndpoint(t, m, ts.URL+"/hook", []string{"patient.created"})

	results, err := m.Publish(context.Background(), testEvent("evt-1", "patient.created"))
	if err == nil {
		t.Error("expected error when every matching delivery failed")
	}
	if len(results) != 1 || results[0].Success {
		t.Errorf("expected one failed result, got %+v", results)
	}
}

func TestManager_Publish_PartialDeliveryCounts(t *testing.T) {
	okServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer okServer.Close()
	badServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer badServer.Close()

	m := newTestManager(okServer.Client())
	mustRegisterEndpoint(t, m, okServer.URL+"/hook", []string{"patient.created"})
	mustRegisterEndpoint(t, m, badServer.URL+"/hook", []string{"patient.created"})

	results, err := m.Publish(context.Background(), testEvent("evt-1", "patient.created"))
	if err != nil {
		t.Fatalf("expected publish to succeed when one endpoint accepted, got %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}
}

func TestManager_Publish_SignatureHeader(t *testing.T) {
	var sigHeader string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sigHeader = r.Header.Get("X-Event-Signature")
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	m := newTestManager(ts.Client())
	ep := mustRegisterEndpoint(t, m, ts.URL+"/hook", []string{"patient.created"})

	m.Publish(context.Background(), testEvent("evt-1", "patient.created"))

	if sigHeader == "" {
		t.Fatal("expected X-Event-Signature header to be set")
	}
	if !strings.HasPrefix(sigHeader, "sha256=") {
		t.Errorf("expected signature to start with 'sha256=', got %q", sigHeader)
	}

	deliveries, _, _ := m.GetDeliveryLogs(context.Background(), ep.ID, 10, 0)
	if len(deliveries) == 0 {
		t.Fatal("expected at least one delivery")
	}
	expectedSig := SignPayload(deliveries[0].Payload, ep.Secret)
	if sigHeader != "sha256="+expectedSig {
		t.Errorf("signature mismatch: header=%q, expected sha256=%s", sigHeader, expectedSig)
	}
}

func TestManager_Publish_RecordsFailedAttempt(t *testing.T) {
	// Use a URL that will definitely fail to connect
	m := newTestManager(&http.Client{Timeout: 100 * time.Millisecond})
	ep := mustRegisterEndpoint(t, m, "http://192.0.2.1:1/hook", []string{"patient.created"})

	m.Publish(context.Background(), testEvent("evt-1", "patient.created"))

	deliveries, _, _ := m.GetDeliveryLogs(context.Background(), ep.ID, 10, 0)
	if len(deliveries) == 0 {
		t.Fatal("expected delivery to be recorded")
	}
	if deliveries[0].Status != DeliveryFailed {
		t.Errorf("expected status 'failed', got %q", deliveries[0].Status)
	}
	if deliveries[0].StatusCode != 0 {
		t.Errorf("expected status code 0 for connection failure, got %d", deliveries[0].StatusCode)
	}
	if deliveries[0].Error == "" {
		t.Error("expected error message on failed attempt")
	}
}

func TestManager_RetryDelivery(t *testing.T) {
	callCount := 0
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		callCount++
		if callCount == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	m := newTestManager(ts.Client())
	ep := mustRegisterEndpoint(t, m, ts.URL+"/hook", []string{"patient.created"})

	m.Publish(context.Background(), testEvent("evt-1", "patient.created"))

	deliveries, _, _ := m.GetDeliveryLogs(context.Background(), ep.ID, 10, 0)
	if len(deliveries) == 0 {
		t.Fatal("expected delivery to be recorded")
	}

	retryAttempt, err := m.RetryDelivery(context.Background(), deliveries[0].ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if retryAttempt.Status != DeliverySuccess {
		t.Errorf("expected retry to succeed, got status %q", retryAttempt.Status)
	}
	if retryAttempt.Attempt != 2 {
		t.Errorf("expected attempt 2, got %d", retryAttempt.Attempt)
	}
}

func TestManager_RetryDelivery_NotFound(t *testing.T) {
	m := newTestManager(nil)
	_, err := m.RetryDelivery(context.Background(), "nonexistent-id")
	if !errors.Is(err, ErrDeliveryNotFound) {
		t.Errorf("expected ErrDeliveryNotFound, got %v", err)
	}
}

func TestManager_TestEndpoint(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("pong"))
	}))
	defer ts.Close()

	m := newTestManager(ts.Client())
	ep := mustRegisterEndpoint(t, m, ts.URL+"/hook", []string{"patient.created"})

	attempt, err := m.TestEndpoint(context.Background(), ep.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if attempt.Status != DeliverySuccess {
		t.Errorf("expected status 'success', got %q", attempt.Status)
	}
	if attempt.EventType != "endpoint.test" {
		t.Errorf("expected event type 'endpoint.test', got %q", attempt.EventType)
	}
}

func TestManager_GetDeliveryLogs_Paginated(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	m := newTestManager(ts.Client())
	ep := mustRegisterEndpoint(t, m, ts.URL+"/hook", []string{"patient.created"})

	for i := 0; i < 5; i++ {
		m.Publish(context.Background(), testEvent(fmt.Sprintf("evt-%d", i), "patient.created"))
	}

	logs, total, err := m.GetDeliveryLogs(context.Background(), ep.ID, 3, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if total != 5 {
		t.Errorf("expected total 5, got %d", total)
	}
	if len(logs) != 3 {
		t.Errorf("expected 3 logs (limit), got %d", len(logs))
	}
}

func TestManager_ConcurrentPublish(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	m := newTestManager(ts.Client())
	mustRegisterEndpoint(t, m, ts.URL+"/hook", []string{"patient.created"})

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			results, err := m.Publish(context.Background(), testEvent(fmt.Sprintf("evt-%d", idx), "patient.created"))
			if err != nil {
				t.Errorf("goroutine %d: unexpected error: %v", idx, err)
			}
			if len(results) != 1 {
				t.Errorf("goroutine %d: expected 1 result, got %d", idx, len(results))
			}
		}(i)
	}
	wg.Wait()
}

func newTestEchoHandler(client *http.Client) (*Handler, *echo.Echo) {
	m := newTestManager(client)
	h := NewHandler(m)
	e := echo.New()
	return h, e
}

func TestHandler_RegisterEndpoint(t *testing.T) {
	h, e := newTestEchoHandler(nil)
	body := `{"url":"https://example.com/hook","secret":"my-secret","events":["patient.created"]}`
	req := httptest.NewRequest(http.MethodPost, "/event-endpoints", strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if err := h.RegisterEndpoint(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusCreated {
		t.Errorf("expected 201, got %d", rec.Code)
	}
	var result map[string]interface{}
	json.Unmarshal(rec.Body.Bytes(), &result)
	if result["id"] == nil || result["id"] == "" {
		t.Error("expected 'id' in response")
	}
	if result["url"] != "https://example.com/hook" {
		t.Errorf("unexpected URL: %v", result["url"])
	}
}

func TestHandler_ListEndpoints(t *testing.T) {
	h, e := newTestEchoHandler(nil)

	ctx := context.Background()
	h.manager.RegisterEndpoint(ctx, "https://example.com/hook1", "s1", "", []string{"patient.created"})
	h.manager.RegisterEndpoint(ctx, "https://example.com/hook2", "s2", "", []string{"patient.updated"})

	req := httptest.NewRequest(http.MethodGet, "/event-endpoints", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if err := h.ListEndpoints(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
	var result map[string]interface{}
	json.Unmarshal(rec.Body.Bytes(), &result)
	data, ok := result["data"].([]interface{})
	if !ok {
		t.Fatal("expected 'data' array in response")
	}
	if len(data) != 2 {
		t.Errorf("expected 2 endpoints, got %d", len(data))
	}
}

func TestHandler_GetEndpoint_NotFound(t *testing.T) {
	h, e := newTestEchoHandler(nil)

	req := httptest.NewRequest(http.MethodGet, "/event-endpoints/unknown", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("id")
	c.SetParamValues("unknown")

	err := h.GetEndpoint(c)
	httpErr, ok := err.(*echo.HTTPError)
	if !ok || httpErr.Code != http.StatusNotFound {
		t.Errorf("expected 404 HTTPError, got %v", err)
	}
}

func TestHandler_RetryDelivery(t *testing.T) {
	callCount := 0
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		callCount++
		if callCount == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	h, e := newTestEchoHandler(ts.Client())
	ep, _ := h.manager.RegisterEndpoint(context.Background(), ts.URL+"/hook", "s1", "", []string{"patient.created"})

	h.manager.Publish(context.Background(), testEvent("evt-1", "patient.created"))

	deliveries, _, _ := h.manager.GetDeliveryLogs(context.Background(), ep.ID, 10, 0)
	if len(deliveries) == 0 {
		t.Fatal("expected at least one delivery")
	}

	req := httptest.NewRequest(http.MethodPost, "/event-endpoints/deliveries/"+deliveries[0].ID+"/retry", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("id")
	c.SetParamValues(deliveries[0].ID)

	if err := h.RetryDelivery(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
}
