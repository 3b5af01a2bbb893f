// Package api exposes the control plane over HTTP with RFC 7807 Problem
// Detail error responses.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/Mindburn-Labs/helm-ops/pkg/fault"
	"github.com/Mindburn-Labs/helm-ops/pkg/limiter"
)

// ProblemDetail implements RFC 7807 (Problem Details for HTTP APIs).
// All API error responses use this format.
type ProblemDetail struct {
	// Type is a URI reference that identifies the problem type.
	Type string `json:"type"`
	// Title is a short, human-readable summary of the problem type.
	Title string `json:"title"`
	// Status is the HTTP status code.
	Status int `json:"status"`
	// Detail is a human-readable explanation specific to this occurrence.
	Detail string `json:"detail,omitempty"`
	// Instance is a URI reference identifying the specific occurrence.
	Instance string `json:"instance,omitempty"`
	// TraceID links to the request id of this occurrence.
	TraceID string `json:"trace_id,omitempty"`

	// Kind is the fault kind for control-plane errors.
	Kind string `json:"kind,omitempty"`
	// ApprovalID is set on 202 responses so the caller can replay once resolved.
	ApprovalID string `json:"approval_id,omitempty"`
	// Fields carries the structured fields of the fault.
	Fields map[string]string `json:"fields,omitempty"`
}

// Error implements the error interface.
func (p *ProblemDetail) Error() string {
	return fmt.Sprintf("%s: %s", p.Title, p.Detail)
}

func problemType(status int) string {
	return fmt.Sprintf("urn:helm-ops:problem:%d", status)
}

func writeProblem(w http.ResponseWriter, p *ProblemDetail) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(p.Status)
	_ = json.NewEncoder(w).Encode(p)
}

// WriteError writes an RFC 7807 Problem Detail JSON response.
func WriteError(w http.ResponseWriter, status int, title, detail string) {
	writeProblem(w, &ProblemDetail{
		Type:   problemType(status),
		Title:  title,
		Status: status,
		Detail: detail,
	})
}

// WriteErrorR writes an RFC 7807 response enriched with request context
// (trace_id from X-Request-ID, instance from request URI).
func WriteErrorR(w http.ResponseWriter, r *http.Request, status int, title, detail string) {
	writeProblem(w, &ProblemDetail{
		Type:     problemType(status),
		Title:    title,
		Status:   status,
		Detail:   detail,
		Instance: r.URL.Path,
		TraceID:  w.Header().Get("X-Request-ID"),
	})
}

// WriteBadRequest writes a 400 error response.
func WriteBadRequest(w http.ResponseWriter, detail string) {
	WriteError(w, http.StatusBadRequest, "Bad Request", detail)
}

// WriteUnauthorized writes a 401 error response.
func WriteUnauthorized(w http.ResponseWriter, detail string) {
	if detail == "" {
		detail = "Authentication required"
	}
	w.Header().Set("WWW-Authenticate", `Bearer realm="helm-ops"`)
	WriteError(w, http.StatusUnauthorized, "Unauthorized", detail)
}

// WriteForbidden writes a 403 error response.
func WriteForbidden(w http.ResponseWriter, detail string) {
	if detail == "" {
		detail = "Insufficient permissions"
	}
	WriteError(w, http.StatusForbidden, "Forbidden", detail)
}

// WriteNotFound writes a 404 error response.
func WriteNotFound(w http.ResponseWriter, detail string) {
	WriteError(w, http.StatusNotFound, "Not Found", detail)
}

// WriteTooManyRequests writes a 429 error response with Retry-After header.
func WriteTooManyRequests(w http.ResponseWriter, retryAfterSecs int) {
	w.Header().Set("Retry-After", fmt.Sprintf("%d", retryAfterSecs))
	WriteError(w, http.StatusTooManyRequests, "Too Many Requests", "Rate limit exceeded. Retry after the specified interval.")
}

// WriteInternal writes a 500 error response.
// The err parameter is logged but never exposed to the client.
func WriteInternal(w http.ResponseWriter, err error) {
	slog.Error("internal server error", "error", err)
	WriteError(w, http.StatusInternalServerError, "Internal Server Error", "An unexpected error occurred. Please try again later.")
}

// StatusFor maps a fault kind onto its HTTP status.
func StatusFor(kind fault.Kind) int {
	switch kind {
	case fault.KindValidation:
		return http.StatusBadRequest
	case fault.KindNotFound:
		return http.StatusNotFound
	case fault.KindPolicyDenied:
		return http.StatusForbidden
	case fault.KindApprovalPending:
		return http.StatusAccepted
	case fault.KindSignature:
		return http.StatusUnprocessableEntity
	case fault.KindChainIntegrity:
		return http.StatusConflict
	case fault.KindSinkUnavailable:
		return http.StatusBadGateway
	case fault.KindTierGate:
		return http.StatusPaymentRequired
	default:
		return http.StatusInternalServerError
	}
}

// WriteFault writes err as a problem detail. Classified faults keep their
// message and fields; anything else is logged and reported as a 500.
func WriteFault(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, limiter.ErrRateLimited) {
		slog.Warn("mutation budget exhausted", "path", r.URL.Path, "error", err)
		WriteTooManyRequests(w, 1)
		return
	}
	fe, ok := fault.As(err)
	if !ok || fe.Kind == fault.KindInternal {
		WriteInternal(w, err)
		return
	}
	status := StatusFor(fe.Kind)
	if status >= http.StatusInternalServerError {
		slog.Error("request failed", "path", r.URL.Path, "kind", fe.Kind, "error", err)
	}
	writeProblem(w, &ProblemDetail{
		Type:       problemType(status),
		Title:      titleFor(fe.Kind),
		Status:     status,
		Detail:     fe.Error(),
		Instance:   r.URL.Path,
		TraceID:    w.Header().Get("X-Request-ID"),
		Kind:       string(fe.Kind),
		ApprovalID: fe.Field(fault.FieldApprovalID),
		Fields:     fe.Fields,
	})
}

func titleFor(kind fault.Kind) string {
	return cases.Title(language.English).String(strings.ReplaceAll(strings.ToLower(string(kind)), "_", " "))
}
