package billing

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

const rejectBodyPreview = 240

// VerificationPayload is the body posted to the billing backend.
type VerificationPayload struct {
	ProfileID      string  `json:"profile_id"`
	ExpectedTier   Tier    `json:"expected_tier"`
	ReceiptPayload string  `json:"receipt_payload"`
	Platform       *string `json:"platform"`
}

// VerificationResponse is the backend's verdict on a receipt.
type VerificationResponse struct {
	Valid         bool       `json:"valid"`
	Tier          *Tier      `json:"tier,omitempty"`
	Status        *Status    `json:"status,omitempty"`
	AccountID     *string    `json:"account_id,omitempty"`
	EntitlementID *string    `json:"entitlement_id,omitempty"`
	ReceiptID     *string    `json:"receipt_id,omitempty"`
	ExpiresAt     *time.Time `json:"expires_at,omitempty"`
	Reason        *string    `json:"reason,omitempty"`
}

// BackendRequest is one verification call.
type BackendRequest struct {
	Endpoint    string
	BearerToken string
	Payload     VerificationPayload
}

// Backend verifies receipts.
type Backend interface {
	Verify(ctx context.Context, req BackendRequest) (VerificationResponse, error)
}

// RejectedError is returned when the backend answers with a non-2xx status.
type RejectedError struct {
	Status int
	Body   string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("billing backend rejected request: status=%d body=%s", e.Status, e.Body)
}

// HTTPBackend posts verification requests as JSON.
type HTTPBackend struct {
	client *http.Client
}

// NewHTTPBackend builds a backend client with the given timeout.
func NewHTTPBackend(timeout time.Duration) *HTTPBackend {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &HTTPBackend{client: &http.Client{Timeout: timeout}}
}

// NewHTTPBackendWithClient uses client for every call.
func NewHTTPBackendWithClient(client *http.Client) *HTTPBackend {
	return &HTTPBackend{client: client}
}

// Verify implements Backend.
func (b *HTTPBackend) Verify(ctx context.Context, r BackendRequest) (VerificationResponse, error) {
	body, err := json.Marshal(r.Payload)
	if err != nil {
		return VerificationResponse{}, fmt.Errorf("marshal billing verification payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.Endpoint, bytes.NewReader(body))
	if err != nil {
		return VerificationResponse{}, fmt.Errorf("build billing verification request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if r.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+r.BearerToken)
	}

	resp, err := b.client.Do(req)
	if err != nil {
		return VerificationResponse{}, fmt.Errorf("call billing verification backend: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		preview, readErr := io.ReadAll(io.LimitReader(resp.Body, 4096))
		text := string(preview)
		if readErr != nil {
			text = "<failed to read response body>"
		}
		return VerificationResponse{}, &RejectedError{Status: resp.StatusCode, Body: truncate(text, rejectBodyPreview)}
	}

	var out VerificationResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&out); err != nil {
		return VerificationResponse{}, fmt.Errorf("parse billing verification response: %w", err)
	}
	return out, nil
}

func truncate(s string, max int) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max]) + "..."
}
