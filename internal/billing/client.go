// Package billing talks to the external billing service. Account creation is
// a post-commit side effect of patient registration; the client reports
// failures but never decides whether a patient exists.
package billing

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// AccountRequest is the payload sent to the billing service when a patient
// account should be opened.
type AccountRequest struct {
	PatientID string `json:"patientId"`
	Name      string `json:"name"`
	Email     string `json:"email"`
}

// StatusError reports a non-success HTTP response from the billing service.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("billing service returned status %d: %s", e.StatusCode, e.Body)
}

// Client is an HTTP client for the billing service's account API.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
	logger  zerolog.Logger
}

// NewClient creates a billing client. The timeout bounds each request
// end to end, independent of the caller's context deadline.
func NewClient(baseURL, apiKey string, timeout time.Duration, logger zerolog.Logger) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		http:    &http.Client{Timeout: timeout},
		logger:  logger,
	}
}

// CreateAccount opens a billing account for a committed patient. Any error is
// a delivery failure to be retried or reconciled by the caller, never a
// rollback signal.
func (c *Client) CreateAccount(ctx context.Context, patientID, name, email string) error {
	body, err := json.Marshal(AccountRequest{PatientID: patientID, Name: name, Email: email})
	if err != nil {
		return fmt.Errorf("encode account request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/accounts", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build account request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("call billing service: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		// Keep a short excerpt of the body for the error; billing
		// responses are small but untrusted.
		excerpt, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(excerpt))}
	}

	c.logger.Debug().
		Str("patient_id", patientID).
		Int("status", resp.StatusCode).
		Dur("duration", time.Since(start)).
		Msg("billing account created")
	return nil
}
