package events

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// SignPayload computes an HMAC-SHA256 signature of the payload using the given
// secret, returning the hex-encoded result.
func SignPayload(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature returns true when the hex-encoded signature matches the
// HMAC-SHA256 of payload under the given secret.
func VerifySignature(payload []byte, secret, signature string) bool {
	expected := SignPayload(payload, secret)
	return hmac.Equal([]byte(expected), []byte(signature))
}

// generateSecret produces a cryptographically random 32-byte hex string.
func generateSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// validateEndpointURL checks that the URL is non-empty and uses http or https.
func validateEndpointURL(rawURL string) error {
	if rawURL == "" {
		return fmt.Errorf("url is required")
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid url: %w", err)
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return fmt.Errorf("url scheme must be http or https, got %q", u.Scheme)
	}
	return nil
}

// eventMatches returns true if the event type matches a subscription pattern.
// Patterns can be exact ("patient.created"), suffix wildcards ("patient.*"),
// prefix wildcards ("*.created"), or "*" for everything.
func eventMatches(pattern, eventType string) bool {
	if pattern == "*" || pattern == eventType {
		return true
	}
	if strings.HasPrefix(pattern, "*.") {
		return strings.HasSuffix(eventType, pattern[1:])
	}
	if strings.HasSuffix(pattern, ".*") {
		return strings.HasPrefix(eventType, pattern[:len(pattern)-1])
	}
	return false
}

func endpointMatchesEvent(ep *Endpoint, eventType string) bool {
	for _, pat := range ep.Events {
		if eventMatches(pat, eventType) {
			return true
		}
	}
	return false
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithHTTPClient overrides the default HTTP client used for deliveries.
func WithHTTPClient(c *http.Client) ManagerOption {
	return func(m *Manager) { m.httpClient = c }
}

// WithDefaultSecret sets the signing secret applied to endpoints registered
// without one of their own.
func WithDefaultSecret(secret string) ManagerOption {
	return func(m *Manager) { m.defaultSecret = secret }
}

// Manager fans events out to subscribed endpoints and keeps the delivery log.
// A publish succeeds when at least one matching endpoint accepted the event,
// or trivially when nothing subscribes to it; it fails only when every
// matching delivery failed, so a single broken subscriber cannot poison the
// rest.
type Manager struct {
	store         EndpointStore
	httpClient    *http.Client
	defaultSecret string
	logger        zerolog.Logger
}

// NewManager creates a Manager with sensible defaults.
func NewManager(store EndpointStore, logger zerolog.Logger, opts ...ManagerOption) *Manager {
	m := &Manager{
		store: store,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
		logger: logger,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// RegisterEndpoint validates and persists a new subscriber endpoint. If secret
// is empty, the manager's default secret is used; if that too is empty, a
// cryptographically random one is generated.
func (m *Manager) RegisterEndpoint(ctx context.Context, rawURL, secret, description string, eventTypes []string) (*Endpoint, error) {
	if err := validateEndpointURL(rawURL); err != nil {
		return nil, err
	}
	if len(eventTypes) == 0 {
		eventTypes = []string{"*"}
	}
	if secret == "" {
		secret = m.defaultSecret
	}
	if secret == "" {
		s, err := generateSecret()
		if err != nil {
			return nil, fmt.Errorf("generate secret: %w", err)
		}
		secret = s
	}

	ep := &Endpoint{
		ID:          uuid.New().String(),
		URL:         rawURL,
		Secret:      secret,
		Events:      eventTypes,
		Description: description,
		Status:      StatusActive,
		CreatedAt:   time.Now(),
	}
	if err := m.store.CreateEndpoint(ctx, ep); err != nil {
		return nil, err
	}
	return ep, nil
}

// PauseEndpoint sets the endpoint status to "paused".
func (m *Manager) PauseEndpoint(ctx context.Context, id string) error {
	return m.setStatus(ctx, id, StatusPaused)
}

// ResumeEndpoint sets the endpoint status to "active".
func (m *Manager) ResumeEndpoint(ctx context.Context, id string) error {
	return m.setStatus(ctx, id, StatusActive)
}

func (m *Manager) setStatus(ctx context.Context, id, status string) error {
	ep, err := m.store.GetEndpoint(ctx, id)
	if err != nil {
		return err
	}
	ep.Status = status
	return m.store.UpdateEndpoint(ctx, ep)
}

// Publish delivers the event to every matching active endpoint. It returns an
// error only when matching endpoints existed and none of them accepted the
// event; with no subscribers the publish is a no-op success.
func (m *Manager) Publish(ctx context.Context, event Event) ([]DeliveryResult, error) {
	endpoints, _, err := m.store.ListEndpoints(ctx, 1000, 0)
	if err != nil {
		return nil, fmt.Errorf("list endpoints: %w", err)
	}

	var results []DeliveryResult
	delivered := false
	for _, ep := range endpoints {
		if ep.Status != StatusActive {
			continue
		}
		if !endpointMatchesEvent(ep, event.Type) {
			continue
		}
		attempt := m.DeliverToEndpoint(ctx, ep, event)
		if attempt.Status == DeliverySuccess {
			delivered = true
		}
		results = append(results, DeliveryResult{
			EndpointID: ep.ID,
			Success:    attempt.Status == DeliverySuccess,
			StatusCode: attempt.StatusCode,
			Error:      attempt.Error,
		})
	}

	if len(results) > 0 && !delivered {
		return results, fmt.Errorf("event %s reached none of %d matching endpoints", event.ID, len(results))
	}
	return results, nil
}

// DeliverToEndpoint signs the payload and POSTs it to the endpoint, recording
// the attempt in the delivery log regardless of outcome.
func (m *Manager) DeliverToEndpoint(ctx context.Context, ep *Endpoint, event Event) *DeliveryAttempt {
	payload, _ := json.Marshal(event)
	sig := SignPayload(payload, ep.Secret)
	now := time.Now()

	attempt := &DeliveryAttempt{
		ID:         uuid.New().String(),
		EndpointID: ep.ID,
		EventType:  event.Type,
		EventID:    event.ID,
		Payload:    payload,
		Signature:  sig,
		Attempt:    1,
		Status:     DeliveryPending,
		CreatedAt:  now,
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ep.URL, bytes.NewReader(payload))
	if err != nil {
		attempt.Status = DeliveryFailed
		attempt.Error = err.Error()
		m.store.RecordDelivery(ctx, attempt)
		return attempt
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Event-Signature", "sha256="+sig)
	req.Header.Set("X-Event-ID", event.ID)
	req.Header.Set("X-Event-Timestamp", now.UTC().Format(time.RFC3339))

	start := time.Now()
	resp, err := m.httpClient.Do(req)
	attempt.Duration = time.Since(start)

	if err != nil {
		attempt.Status = DeliveryFailed
		attempt.Error = err.Error()
		m.store.RecordDelivery(ctx, attempt)
		m.logger.Warn().Err(err).Str("endpoint_id", ep.ID).Str("event_id", event.ID).Msg("event delivery failed")
		return attempt
	}
	defer resp.Body.Close()

	attempt.StatusCode = resp.StatusCode

	// Read at most 1KB of response body.
	bodyBytes, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	attempt.ResponseBody = string(bodyBytes)

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		attempt.Status = DeliverySuccess
	} else {
		attempt.Status = DeliveryFailed
		attempt.Error = fmt.Sprintf("non-2xx response: %d", resp.StatusCode)
		m.logger.Warn().Int("status", resp.StatusCode).Str("endpoint_id", ep.ID).Str("event_id", event.ID).Msg("event delivery rejected")
	}

	m.store.RecordDelivery(ctx, attempt)
	return attempt
}

// RetryDelivery re-delivers a previously failed attempt, incrementing the
// attempt counter. This is the manual reconciliation path for events that
// never reached a subscriber.
func (m *Manager) RetryDelivery(ctx context.Context, deliveryID string) (*DeliveryAttempt, error) {
	original, err := m.store.GetDelivery(ctx, deliveryID)
	if err != nil {
		return nil, err
	}

	ep, err := m.store.GetEndpoint(ctx, original.EndpointID)
	if err != nil {
		return nil, err
	}

	// Reconstruct the event from the original delivery payload.
	var event Event
	if err := json.Unmarshal(original.Payload, &event); err != nil {
		return nil, fmt.Errorf("unmarshal original payload: %w", err)
	}

	attempt := m.DeliverToEndpoint(ctx, ep, event)
	attempt.Attempt = original.Attempt + 1
	m.store.RecordDelivery(ctx, attempt)

	return attempt, nil
}

// TestEndpoint sends a synthetic test event to verify endpoint connectivity.
func (m *Manager) TestEndpoint(ctx context.Context, endpointID string) (*DeliveryAttempt, error) {
	ep, err := m.store.GetEndpoint(ctx, endpointID)
	if err != nil {
		return nil, err
	}

	testEvent := Event{
		ID:         uuid.New().String(),
		Type:       "endpoint.test",
		ResourceID: ep.ID,
		Payload:    json.RawMessage(`{"test":true}`),
		Timestamp:  time.Now(),
	}
	return m.DeliverToEndpoint(ctx, ep, testEvent), nil
}

// GetDeliveryLogs returns paginated delivery attempts for an endpoint.
func (m *Manager) GetDeliveryLogs(ctx context.Context, endpointID string, limit, offset int) ([]*DeliveryAttempt, int, error) {
	return m.store.ListDeliveries(ctx, endpointID, limit, offset)
}
