// Package fault is the error taxonomy shared by every control-plane component.
//
// Each failure is classified by Kind and carries the structured fields a
// caller needs to act on it (approval_id, receipt_id, event_id, signer hint,
// tier names) without reading internal state.
package fault

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Kind classifies control-plane errors consistently.
type Kind string

const (
	KindValidation      Kind = "VALIDATION"       // Malformed input
	KindNotFound        Kind = "NOT_FOUND"        // Unknown approval/task/release/user
	KindPolicyDenied    Kind = "POLICY_DENIED"    // Role or policy rejected the action
	KindApprovalPending Kind = "APPROVAL_PENDING" // Caller must wait for a resolver
	KindSignature       Kind = "SIGNATURE"        // Rollout signer/signature failure
	KindChainIntegrity  Kind = "CHAIN_INTEGRITY"  // Audit chain verification failed
	KindSinkUnavailable Kind = "SINK_UNAVAILABLE" // Remote audit or billing backend failed
	KindTierGate        Kind = "TIER_GATE"        // Entitlement tier too low
	KindInternal        Kind = "INTERNAL"
)

// Field names used across the taxonomy.
const (
	FieldApprovalID   = "approval_id"
	FieldReceiptID    = "receipt_id"
	FieldEventID      = "event_id"
	FieldSignerHint   = "signer_hint"
	FieldFeature      = "feature"
	FieldRequiredTier = "required_tier"
	FieldCurrentTier  = "current_tier"
	FieldResource     = "resource"
	FieldID           = "id"
	FieldTarget       = "target"
)

// Error is a classified control-plane failure.
type Error struct {
	Kind    Kind              `json:"kind"`
	Message string            `json:"message"`
	Fields  map[string]string `json:"fields,omitempty"`
	Err     error             `json:"-"`
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// Field returns a structured field or "".
func (e *Error) Field(name string) string {
	if e.Fields == nil {
		return ""
	}
	return e.Fields[name]
}

// With sets a structured field and returns e.
func (e *Error) With(name, value string) *Error {
	if value == "" {
		return e
	}
	if e.Fields == nil {
		e.Fields = make(map[string]string)
	}
	e.Fields[name] = value
	return e
}

// Detail renders the message followed by its fields in stable order,
// e.g. "approval is still pending (approval_id=a-1, receipt_id=r-2)".
func (e *Error) Detail() string {
	if len(e.Fields) == 0 {
		return e.Error()
	}
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+e.Fields[k])
	}
	return e.Error() + " (" + strings.Join(parts, ", ") + ")"
}

// New builds an error of the given kind.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap classifies err under kind with a message prefix.
func Wrap(kind Kind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

// Validation reports malformed input.
func Validation(format string, args ...any) *Error {
	return New(KindValidation, format, args...)
}

// NotFound reports an unknown entity, e.g. NotFound("approval", "a-1").
func NotFound(resource, id string) *Error {
	return New(KindNotFound, "%s '%s' not found", resource, id).
		With(FieldResource, resource).
		With(FieldID, id)
}

// PolicyDenied reports a policy rejection tied to the receipt that recorded it.
func PolicyDenied(reason, receiptID string) *Error {
	return New(KindPolicyDenied, "policy denied: %s", reason).With(FieldReceiptID, receiptID)
}

// ApprovalPending tells the caller to wait for approvalID to be resolved.
func ApprovalPending(approvalID, receiptID string) *Error {
	return New(KindApprovalPending, "approval required").
		With(FieldApprovalID, approvalID).
		With(FieldReceiptID, receiptID)
}

// Signature reports a fail-closed rollout verification failure.
func Signature(message, signerHint string) *Error {
	return New(KindSignature, "%s", message).With(FieldSignerHint, signerHint)
}

// ChainIntegrity reports an audit chain break at eventID.
func ChainIntegrity(message, eventID string) *Error {
	return New(KindChainIntegrity, "%s", message).With(FieldEventID, eventID)
}

// SinkUnavailable reports a failed call to an external backend.
func SinkUnavailable(target string, err error) *Error {
	return Wrap(KindSinkUnavailable, err, "%s unavailable", target).With(FieldTarget, target)
}

// TierGate reports a feature blocked by the entitlement tier.
func TierGate(feature, required, current string) *Error {
	return New(KindTierGate, "feature '%s' requires '%s' tier (current: '%s')", feature, required, current).
		With(FieldFeature, feature).
		With(FieldRequiredTier, required).
		With(FieldCurrentTier, current)
}

// As extracts the first *Error in err's chain.
func As(err error) (*Error, bool) {
	var fe *Error
	if errors.As(err, &fe) {
		return fe, true
	}
	return nil, false
}

// KindOf returns the kind of err, KindInternal for unclassified errors
// and "" for nil.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	if fe, ok := As(err); ok {
		return fe.Kind
	}
	return KindInternal
}

// Is reports whether err is classified as kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}
