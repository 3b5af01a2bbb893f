package billing

import (
	"context"
	"errors"
	neturl "net/url"
	"strings"
	"sync"
	"time"

	"github.com/Mindburn-Labs/helm-ops/pkg/fault"
)

// Status of an entitlement.
type Status string

const (
	StatusActive     Status = "active"
	StatusGrace      Status = "grace"
	StatusExpired    Status = "expired"
	StatusUnverified Status = "unverified"
)

// Entitlement sources.
const (
	SourceSetup   = "setup"
	SourceBackend = "backend"
)

const stateVersion = 1

// MsgVerificationFailed is recorded when the backend rejects a receipt
// without a reason.
const MsgVerificationFailed = "billing receipt verification failed"

var (
	ErrBackendNotConfigured = errors.New("billing backend_url is not configured")
	ErrPayloadRequired      = errors.New("receipt_payload is required")
)

// Entitlement binds a workspace to a subscription tier. While Verified is
// false, Tier mirrors the workspace's declared setup tier.
type Entitlement struct {
	Tier           Tier       `json:"tier"`
	Status         Status     `json:"status"`
	Verified       bool       `json:"verified"`
	Source         string     `json:"source"`
	AccountID      *string    `json:"account_id"`
	EntitlementID  *string    `json:"entitlement_id"`
	ReceiptID      *string    `json:"receipt_id"`
	ExpiresAt      *time.Time `json:"expires_at"`
	LastVerifiedAt *time.Time `json:"last_verified_at"`
	LastError      *string    `json:"last_error"`
}

// State is the persisted billing configuration and entitlement.
type State struct {
	Version             int         `json:"version"`
	BackendURL          *string     `json:"backend_url"`
	AuthSecretID        *string     `json:"auth_secret_id"`
	EnforceVerification bool        `json:"enforce_verification"`
	Entitlement         Entitlement `json:"entitlement"`
	UpdatedAt           time.Time   `json:"updated_at"`
}

// Config is the input to Configure.
type Config struct {
	BackendURL          string `json:"backend_url"`
	AuthSecretID        string `json:"auth_secret_id"`
	EnforceVerification bool   `json:"enforce_verification"`
}

// VerifyRequest is the input to Verify.
type VerifyRequest struct {
	ReceiptPayload string `json:"receipt_payload"`
	Platform       string `json:"platform,omitempty"`
}

// SecretResolver resolves auth_secret_id references.
type SecretResolver interface {
	Resolve(ctx context.Context, workspaceID, secretID string) (string, error)
}

// Verifier owns the billing state of one workspace.
type Verifier struct {
	mu        sync.Mutex
	state     State
	setupTier Tier
	backend   Backend
	secrets   SecretResolver
	clock     func() time.Time
}

// NewVerifier creates an unverified entitlement mirroring setupTier.
func NewVerifier(setupTier Tier, backend Backend, secrets SecretResolver) *Verifier {
	if setupTier.Rank() == 0 {
		setupTier = DefaultTier
	}
	return &Verifier{
		state: State{
			Version: stateVersion,
			Entitlement: Entitlement{
				Tier:   setupTier,
				Status: StatusUnverified,
				Source: SourceSetup,
			},
		},
		setupTier: setupTier,
		backend:   backend,
		secrets:   secrets,
		clock:     time.Now,
	}
}

// WithClock overrides the clock for deterministic testing.
func (v *Verifier) WithClock(clock func() time.Time) *Verifier {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.clock = clock
	return v
}

// State returns a copy of the billing state.
func (v *Verifier) State() State {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.state
}

// Restore replaces the state with a persisted value.
func (v *Verifier) Restore(st State) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if st.Version == 0 {
		st.Version = stateVersion
	}
	if st.Entitlement.Tier.Rank() == 0 {
		st.Entitlement.Tier = v.setupTier
	}
	v.state = st
	v.mirrorLocked()
}

// SetupTier returns the declared tier of the workspace.
func (v *Verifier) SetupTier() Tier {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.setupTier
}

// SetSetupTier records a new declared tier. An unverified entitlement follows it.
func (v *Verifier) SetSetupTier(t Tier) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if t.Rank() == 0 {
		return
	}
	v.setupTier = t
	v.mirrorLocked()
	v.state.UpdatedAt = v.clock().UTC()
}

// EffectiveTier is the verified tier when verified, else the setup tier.
func (v *Verifier) EffectiveTier() Tier {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.state.Entitlement.Tier
}

// Configure sets the backend and the enforcement flag.
func (v *Verifier) Configure(c Config) (State, error) {
	url := strings.TrimSpace(c.BackendURL)
	if url != "" && !allowedBackendURL(url) {
		return State{}, fault.Validation("billing backend url must use https:// (or http://127.0.0.1 for local dev)")
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	v.state.BackendURL = optional(url)
	v.state.AuthSecretID = optional(c.AuthSecretID)
	v.state.EnforceVerification = c.EnforceVerification
	v.state.UpdatedAt = v.clock().UTC()
	return v.state, nil
}

// RequireVerification turns enforcement on and keeps the backend settings.
func (v *Verifier) RequireVerification() State {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.state.EnforceVerification = true
	v.state.UpdatedAt = v.clock().UTC()
	return v.state
}

// Verify sends the receipt to the backend and records the outcome. A
// transport failure or non-2xx answer returns a SinkUnavailable fault after
// recording last_error. Only a non-2xx answer downgrades the entitlement; a
// transport failure leaves it untouched. An invalid receipt is recorded
// without an error.
func (v *Verifier) Verify(ctx context.Context, workspaceID string, req VerifyRequest) (State, error) {
	v.mu.Lock()
	backendURL := v.state.BackendURL
	secretID := v.state.AuthSecretID
	expected := v.setupTier
	v.mu.Unlock()

	if backendURL == nil {
		return State{}, fault.Wrap(fault.KindSinkUnavailable, ErrBackendNotConfigured, "billing backend unavailable").
			With(fault.FieldTarget, "billing backend")
	}
	if strings.TrimSpace(req.ReceiptPayload) == "" {
		return State{}, fault.Wrap(fault.KindValidation, ErrPayloadRequired, "invalid receipt")
	}

	var token string
	if secretID != nil {
		var err error
		token, err = v.secrets.Resolve(ctx, workspaceID, *secretID)
		if err != nil {
			return State{}, fault.SinkUnavailable("billing backend", err).With("secret_id", *secretID)
		}
	}

	resp, callErr := v.backend.Verify(ctx, BackendRequest{
		Endpoint:    *backendURL,
		BearerToken: token,
		Payload: VerificationPayload{
			ProfileID:      workspaceID,
			ExpectedTier:   expected,
			ReceiptPayload: req.ReceiptPayload,
			Platform:       optional(req.Platform),
		},
	})

	v.mu.Lock()
	defer v.mu.Unlock()
	now := v.clock().UTC()
	ent := &v.state.Entitlement
	v.state.UpdatedAt = now

	if callErr != nil {
		msg := callErr.Error()
		ent.LastError = &msg
		var rejected *RejectedError
		if !errors.As(callErr, &rejected) {
			// Transport failures keep the previous entitlement.
			return v.state, fault.SinkUnavailable("billing backend", callErr)
		}
		ent.LastVerifiedAt = &now
		ent.Verified = false
		ent.Status = StatusUnverified
		v.mirrorLocked()
		return v.state, fault.SinkUnavailable("billing backend", callErr)
	}

	ent.LastVerifiedAt = &now
	if resp.Valid {
		ent.Verified = true
		ent.Source = SourceBackend
		ent.Tier = expected
		if resp.Tier != nil {
			ent.Tier = *resp.Tier
		}
		ent.Status = StatusActive
		if resp.Status != nil {
			ent.Status = *resp.Status
		}
		ent.AccountID = resp.AccountID
		ent.EntitlementID = resp.EntitlementID
		ent.ReceiptID = resp.ReceiptID
		ent.ExpiresAt = resp.ExpiresAt
		ent.LastError = nil
		return v.state, nil
	}

	reason := MsgVerificationFailed
	if resp.Reason != nil && strings.TrimSpace(*resp.Reason) != "" {
		reason = *resp.Reason
	}
	ent.Verified = false
	ent.Status = StatusUnverified
	if resp.Status != nil {
		ent.Status = *resp.Status
	}
	ent.LastError = &reason
	v.mirrorLocked()
	return v.state, nil
}

// EnsureFeature fails with a TierGate fault when the entitlement does not
// unlock feature at minimum.
func (v *Verifier) EnsureFeature(feature string, minimum Tier) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	ent := v.state.Entitlement
	if v.state.EnforceVerification && (!ent.Verified || ent.Status == StatusUnverified || ent.expired(v.clock())) {
		return fault.TierGate(feature, string(minimum), string(ent.Tier)).With("status", string(ent.Status))
	}
	if !ent.Tier.AtLeast(minimum) {
		return fault.TierGate(feature, string(minimum), string(ent.Tier))
	}
	return nil
}

func (e Entitlement) expired(now time.Time) bool {
	if e.Status == StatusExpired {
		return true
	}
	return e.ExpiresAt != nil && now.After(*e.ExpiresAt)
}

func (v *Verifier) mirrorLocked() {
	if v.state.Entitlement.Verified {
		return
	}
	v.state.Entitlement.Tier = v.setupTier
}

func allowedBackendURL(raw string) bool {
	u, err := neturl.Parse(raw)
	if err != nil || u.Host == "" {
		return false
	}
	switch u.Scheme {
	case "https":
		return true
	case "http":
		return u.Hostname() == "127.0.0.1"
	}
	return false
}

func optional(s string) *string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	return &s
}
