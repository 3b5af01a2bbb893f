// Package rollout manages the staged, current and previous release of a
// workspace and promotes releases through the pilot, group and all rings.
//
// Promotion of a staged release is fail-closed when the signing policy
// requires a signature: the staged release stays in place and the failure is
// recorded on the state.
package rollout

import (
	"strings"
	"sync"
	"time"

	"github.com/Masterminds/semver/v3"

	"github.com/Mindburn-Labs/helm-ops/pkg/fault"
)

// Ring is a rollout audience.
type Ring string

const (
	RingPilot Ring = "pilot"
	RingGroup Ring = "group"
	RingAll   Ring = "all"
)

// ParseRing normalizes a ring name. The empty string maps to pilot.
func ParseRing(raw string) (Ring, error) {
	switch r := Ring(strings.ToLower(strings.TrimSpace(raw))); r {
	case "":
		return RingPilot, nil
	case RingPilot, RingGroup, RingAll:
		return r, nil
	default:
		return "", fault.Validation("unknown rollout ring %q", raw)
	}
}

// Next returns the following ring. All is terminal.
func (r Ring) Next() Ring {
	switch r {
	case RingPilot:
		return RingGroup
	default:
		return RingAll
	}
}

// Release describes one build moving through the rings.
type Release struct {
	ReleaseID          string    `json:"release_id"`
	Version            string    `json:"version"`
	ChecksumSHA256     string    `json:"checksum_sha256"`
	Signature          *string   `json:"signature,omitempty"`
	SBOMChecksumSHA256 *string   `json:"sbom_checksum_sha256,omitempty"`
	Ring               Ring      `json:"ring"`
	StagedAt           time.Time `json:"staged_at"`
}

// State is the rollout state of one workspace.
type State struct {
	CurrentRelease        *Release   `json:"current_release"`
	PreviousRelease       *Release   `json:"previous_release"`
	StagedRelease         *Release   `json:"staged_release"`
	SignatureRequired     bool       `json:"signature_required"`
	TrustedSigners        []string   `json:"trusted_signers"`
	LastVerifiedSigner    *string    `json:"last_verified_signer"`
	LastPromotedAt        *time.Time `json:"last_promoted_at"`
	LastVerificationError *string    `json:"last_verification_error"`
	UpdatedAt             time.Time  `json:"updated_at"`
}

// StageRequest is the input to Stage.
type StageRequest struct {
	ReleaseID          string `json:"release_id"`
	Version            string `json:"version"`
	ChecksumSHA256     string `json:"checksum_sha256"`
	Signature          string `json:"signature,omitempty"`
	SBOMChecksumSHA256 string `json:"sbom_checksum_sha256,omitempty"`
	Ring               string `json:"ring,omitempty"`
}

// SigningPolicy is the input to SetSigningPolicy.
type SigningPolicy struct {
	SignatureRequired bool     `json:"signature_required"`
	TrustedSigners    []string `json:"trusted_signers"`
}

// Manager owns the rollout state and its release history.
type Manager struct {
	mu      sync.Mutex
	state   State
	history *History
	clock   func() time.Time
}

// NewManager creates a manager with nothing staged and no signing policy.
func NewManager() *Manager {
	return &Manager{
		state:   State{TrustedSigners: []string{}},
		history: NewHistory(),
		clock:   time.Now,
	}
}

// WithClock overrides the clock for deterministic testing.
func (m *Manager) WithClock(clock func() time.Time) *Manager {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.clock = clock
	m.history.WithClock(clock)
	return m
}

// State returns a copy of the current state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.clone()
}

// History returns the release history chain.
func (m *Manager) History() *History {
	return m.history
}

// Restore replaces the state and history with persisted values.
func (m *Manager) Restore(st State, records []HistoryRecord) error {
	if err := m.history.Restore(records); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if st.TrustedSigners == nil {
		st.TrustedSigners = []string{}
	}
	m.state = st.clone()
	return nil
}

// SetSigningPolicy replaces the signing policy and clears the last
// verification error.
func (m *Manager) SetSigningPolicy(p SigningPolicy) (State, error) {
	signers := make([]string, 0, len(p.TrustedSigners))
	for _, s := range p.TrustedSigners {
		if s = strings.TrimSpace(s); s != "" {
			signers = append(signers, s)
		}
	}
	if p.SignatureRequired && len(signers) == 0 {
		return State{}, fault.Validation("signature_required=true requires at least one trusted signer")
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.state.SignatureRequired = p.SignatureRequired
	m.state.TrustedSigners = signers
	m.state.LastVerificationError = nil
	m.state.UpdatedAt = m.clock().UTC()
	return m.state.clone(), nil
}

// RequireSignatures turns the signature requirement on without touching the
// signer list. When no signers are configured, missingSigners is recorded as
// the verification error.
func (m *Manager) RequireSignatures(missingSigners string) State {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state.SignatureRequired = true
	if len(m.state.TrustedSigners) == 0 && missingSigners != "" {
		m.state.LastVerificationError = &missingSigners
	}
	m.state.UpdatedAt = m.clock().UTC()
	return m.state.clone()
}

// Stage overwrites the staged slot with a new release.
func (m *Manager) Stage(req StageRequest) (State, error) {
	id := strings.TrimSpace(req.ReleaseID)
	if id == "" {
		return State{}, fault.Validation("release_id is required")
	}
	version := strings.TrimSpace(req.Version)
	if _, err := semver.NewVersion(version); err != nil {
		return State{}, fault.Wrap(fault.KindValidation, err, "version %q is not a semantic version", req.Version)
	}
	checksum := strings.TrimSpace(req.ChecksumSHA256)
	if checksum == "" {
		return State{}, fault.Validation("checksum_sha256 is required")
	}
	ring, err := ParseRing(req.Ring)
	if err != nil {
		return State{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.clock().UTC()
	m.state.StagedRelease = &Release{
		ReleaseID:          id,
		Version:            version,
		ChecksumSHA256:     checksum,
		Signature:          optional(req.Signature),
		SBOMChecksumSHA256: optional(req.SBOMChecksumSHA256),
		Ring:               ring,
		StagedAt:           now,
	}
	m.state.UpdatedAt = now
	return m.state.clone(), nil
}

// Promote moves the staged release to current, or advances the ring of the
// current release when nothing is staged.
func (m *Manager) Promote() (State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.clock().UTC()

	var signer string
	switch {
	case m.state.StagedRelease != nil:
		staged := m.state.StagedRelease
		if m.state.SignatureRequired {
			v, err := VerifyRelease(m.state.TrustedSigners, *staged)
			if err != nil {
				msg := err.Error()
				m.state.LastVerificationError = &msg
				m.state.UpdatedAt = now
				return m.state.clone(), err
			}
			signer = v.Signer
		} else {
			signer = SignerNotRequired
		}
		m.state.LastVerifiedSigner = &signer
		m.state.LastVerificationError = nil
		m.state.PreviousRelease = m.state.CurrentRelease
		m.state.CurrentRelease = staged
		m.state.StagedRelease = nil
	case m.state.CurrentRelease != nil:
		m.state.CurrentRelease.Ring = m.state.CurrentRelease.Ring.Next()
	default:
		return State{}, fault.Validation("nothing to promote")
	}

	if _, err := m.history.Append(EventPromote, *m.state.CurrentRelease, signer); err != nil {
		return State{}, err
	}
	m.state.LastPromotedAt = &now
	m.state.UpdatedAt = now
	return m.state.clone(), nil
}

// Rollback restores the previous release and re-stages the current one.
// Rolling back twice repeats the same swap.
func (m *Manager) Rollback() (State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state.PreviousRelease == nil {
		return State{}, fault.Validation("no previous release")
	}
	prev := *m.state.PreviousRelease
	m.state.StagedRelease = m.state.CurrentRelease
	m.state.CurrentRelease = &prev

	if _, err := m.history.Append(EventRollback, prev, ""); err != nil {
		return State{}, err
	}
	m.state.UpdatedAt = m.clock().UTC()
	return m.state.clone(), nil
}

func (s State) clone() State {
	out := s
	out.CurrentRelease = s.CurrentRelease.clone()
	out.PreviousRelease = s.PreviousRelease.clone()
	out.StagedRelease = s.StagedRelease.clone()
	out.TrustedSigners = append([]string{}, s.TrustedSigners...)
	if s.LastVerifiedSigner != nil {
		v := *s.LastVerifiedSigner
		out.LastVerifiedSigner = &v
	}
	if s.LastPromotedAt != nil {
		v := *s.LastPromotedAt
		out.LastPromotedAt = &v
	}
	if s.LastVerificationError != nil {
		v := *s.LastVerificationError
		out.LastVerificationError = &v
	}
	return out
}

func (r *Release) clone() *Release {
	if r == nil {
		return nil
	}
	out := *r
	if r.Signature != nil {
		v := *r.Signature
		out.Signature = &v
	}
	if r.SBOMChecksumSHA256 != nil {
		v := *r.SBOMChecksumSHA256
		out.SBOMChecksumSHA256 = &v
	}
	return &out
}

func optional(s string) *string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	return &s
}
