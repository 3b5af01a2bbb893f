package audit

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

const rejectBodyPreview = 240

// RejectedError is returned when the remote endpoint answers with a non-2xx status.
type RejectedError struct {
	Status int
	Body   string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("remote sink rejected request: status=%d body=%s", e.Status, e.Body)
}

// HTTPTransport posts batches as JSON.
type HTTPTransport struct {
	strict   *http.Client
	insecure *http.Client
}

// NewHTTPTransport builds a transport with the given per-request timeout.
func NewHTTPTransport(timeout time.Duration) *HTTPTransport {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	insecure := http.DefaultTransport.(*http.Transport).Clone()
	insecure.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec // operator opted out via verify_tls=false
	return &HTTPTransport{
		strict:   &http.Client{Timeout: timeout},
		insecure: &http.Client{Timeout: timeout, Transport: insecure},
	}
}

// Deliver implements Transport.
func (t *HTTPTransport) Deliver(ctx context.Context, d Delivery) error {
	body, err := json.Marshal(d.Batch)
	if err != nil {
		return fmt.Errorf("marshal remote audit batch: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.Endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build remote audit request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if d.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+d.BearerToken)
	}

	client := t.strict
	if !d.VerifyTLS {
		client = t.insecure
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("sync remote audit events: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		preview, readErr := io.ReadAll(io.LimitReader(resp.Body, 4096))
		text := string(preview)
		if readErr != nil {
			text = "<failed to read response body>"
		}
		return &RejectedError{Status: resp.StatusCode, Body: truncate(text, rejectBodyPreview)}
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

func truncate(s string, max int) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max]) + "..."
}
