package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/Mindburn-Labs/helm-ops/pkg/billing"
)

// DefaultSensitiveActions are the control-plane actions that require an
// approval for users and managers in every deployment.
var DefaultSensitiveActions = []string{
	"release.promote",
	"release.rollback",
	"release.signing_policy",
	"rbac.manage",
	"compliance.apply",
	"policy.apply",
	"billing.configure",
	"audit.remote.configure",
}

// MutationBudget is the per-actor token bucket applied to governed mutations.
type MutationBudget struct {
	PerMinute int `yaml:"per_minute" json:"per_minute"`
	Burst     int `yaml:"burst" json:"burst"`
}

// WorkspaceSpec is the declared setup of one workspace.
type WorkspaceSpec struct {
	Tier string `yaml:"tier" json:"tier"`
}

// Deployment is the operator-supplied deployment file.
type Deployment struct {
	SensitiveActions []string                 `yaml:"sensitive_actions" json:"sensitive_actions"`
	SensitiveRules   []string                 `yaml:"sensitive_rules" json:"sensitive_rules"`
	MutationBudget   MutationBudget           `yaml:"mutation_budget" json:"mutation_budget"`
	Workspaces       map[string]WorkspaceSpec `yaml:"workspaces" json:"workspaces"`
}

// DefaultDeployment returns the deployment used when no file is configured.
func DefaultDeployment() *Deployment {
	return &Deployment{
		SensitiveActions: append([]string(nil), DefaultSensitiveActions...),
		MutationBudget:   MutationBudget{PerMinute: 60, Burst: 30},
		Workspaces:       map[string]WorkspaceSpec{},
	}
}

// LoadDeployment reads a YAML deployment file. An empty path yields the
// defaults. Listed sensitive actions extend the defaults.
func LoadDeployment(path string) (*Deployment, error) {
	if path == "" {
		return DefaultDeployment(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load deployment %q: %w", path, err)
	}
	return ParseDeployment(data)
}

// ParseDeployment decodes and validates a deployment document.
func ParseDeployment(data []byte) (*Deployment, error) {
	var raw Deployment
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&raw); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parse deployment: %w", err)
	}

	d := DefaultDeployment()
	d.SensitiveActions = mergeActions(d.SensitiveActions, raw.SensitiveActions)
	for _, r := range raw.SensitiveRules {
		if r = strings.TrimSpace(r); r != "" {
			d.SensitiveRules = append(d.SensitiveRules, r)
		}
	}
	if raw.MutationBudget.PerMinute < 0 || raw.MutationBudget.Burst < 0 {
		return nil, fmt.Errorf("parse deployment: mutation_budget values must not be negative")
	}
	if raw.MutationBudget.PerMinute > 0 {
		d.MutationBudget.PerMinute = raw.MutationBudget.PerMinute
	}
	if raw.MutationBudget.Burst > 0 {
		d.MutationBudget.Burst = raw.MutationBudget.Burst
	}
	for id, ws := range raw.Workspaces {
		id = strings.TrimSpace(id)
		if id == "" {
			return nil, fmt.Errorf("parse deployment: empty workspace id")
		}
		if ws.Tier != "" {
			tier, err := billing.ParseTier(ws.Tier)
			if err != nil {
				return nil, fmt.Errorf("parse deployment: workspace %s: %w", id, err)
			}
			ws.Tier = string(tier)
		}
		d.Workspaces[id] = ws
	}
	return d, nil
}

// DeclaredTier returns the tier declared for a workspace, or fallback.
func (d *Deployment) DeclaredTier(workspaceID string, fallback billing.Tier) billing.Tier {
	if ws, ok := d.Workspaces[workspaceID]; ok && ws.Tier != "" {
		return billing.Tier(ws.Tier)
	}
	return fallback
}

func mergeActions(base, extra []string) []string {
	seen := make(map[string]struct{}, len(base)+len(extra))
	out := make([]string, 0, len(base)+len(extra))
	for _, a := range append(append([]string(nil), base...), extra...) {
		a = strings.ToLower(strings.TrimSpace(a))
		if a == "" {
			continue
		}
		if _, dup := seen[a]; dup {
			continue
		}
		seen[a] = struct{}{}
		out = append(out, a)
	}
	sort.Strings(out)
	return out
}
