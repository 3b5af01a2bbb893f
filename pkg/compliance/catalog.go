// Package compliance evaluates the compliance posture of a workspace and
// applies compliance templates that tighten sibling subsystems.
//
// The template and policy profile catalogs ship as embedded YAML and are
// validated against an embedded JSON Schema when first loaded.
package compliance

import (
	"bytes"
	"embed"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"

	"github.com/Mindburn-Labs/helm-ops/pkg/billing"
	"github.com/Mindburn-Labs/helm-ops/pkg/fault"
)

//go:embed catalog/templates.yaml catalog/policy_profiles.yaml catalog/catalog.schema.json
var catalogFS embed.FS

const catalogSchemaURL = "https://helm-ops.schemas.local/compliance/catalog.schema.json"

// Template is a compliance profile template.
type Template struct {
	TemplateID                 string       `yaml:"template_id" json:"template_id"`
	DisplayName                string       `yaml:"display_name" json:"display_name"`
	Description                string       `yaml:"description" json:"description"`
	Industry                   string       `yaml:"industry" json:"industry"`
	Standards                  []string     `yaml:"standards" json:"standards"`
	RecommendedPolicyTemplate  *string      `yaml:"recommended_policy_template" json:"recommended_policy_template"`
	MinimumTier                billing.Tier `yaml:"minimum_tier" json:"minimum_tier"`
	RequireSignedRelease       bool         `yaml:"require_signed_release" json:"require_signed_release"`
	RequireRemoteAudit         bool         `yaml:"require_remote_audit" json:"require_remote_audit"`
	RequireBillingVerification bool         `yaml:"require_billing_verification" json:"require_billing_verification"`
	RequirePairing             bool         `yaml:"require_pairing" json:"require_pairing"`
}

// PolicyProfileTemplate is a network and provider policy preset.
type PolicyProfileTemplate struct {
	TemplateID        string   `yaml:"template_id" json:"template_id"`
	DisplayName       string   `yaml:"display_name" json:"display_name"`
	Description       string   `yaml:"description" json:"description"`
	AllowedProviders  []string `yaml:"allowed_providers" json:"allowed_providers"`
	AllowedTransports []string `yaml:"allowed_transports" json:"allowed_transports"`
	AllowPublicBind   bool     `yaml:"allow_public_bind" json:"allow_public_bind"`
	RequirePairing    bool     `yaml:"require_pairing" json:"require_pairing"`
}

// Catalog holds the templates and policy profiles.
type Catalog struct {
	templates []Template
	profiles  []PolicyProfileTemplate
}

var (
	defaultOnce    sync.Once
	defaultCatalog *Catalog
	defaultErr     error
)

// DefaultCatalog returns the embedded catalog.
func DefaultCatalog() (*Catalog, error) {
	defaultOnce.Do(func() {
		templates, err := catalogFS.ReadFile("catalog/templates.yaml")
		if err != nil {
			defaultErr = err
			return
		}
		profiles, err := catalogFS.ReadFile("catalog/policy_profiles.yaml")
		if err != nil {
			defaultErr = err
			return
		}
		defaultCatalog, defaultErr = ParseCatalog(templates, profiles)
	})
	return defaultCatalog, defaultErr
}

// ParseCatalog validates and decodes the two catalog documents.
func ParseCatalog(templatesDoc, profilesDoc []byte) (*Catalog, error) {
	schema, err := compileCatalogSchema()
	if err != nil {
		return nil, err
	}
	for name, doc := range map[string][]byte{"templates": templatesDoc, "policy profiles": profilesDoc} {
		if err := validateYAML(schema, doc); err != nil {
			return nil, fmt.Errorf("compliance catalog: %s: %w", name, err)
		}
	}

	var t struct {
		Templates []Template `yaml:"templates"`
	}
	if err := yaml.Unmarshal(templatesDoc, &t); err != nil {
		return nil, fmt.Errorf("compliance catalog: decode templates: %w", err)
	}
	var p struct {
		PolicyProfiles []PolicyProfileTemplate `yaml:"policy_profiles"`
	}
	if err := yaml.Unmarshal(profilesDoc, &p); err != nil {
		return nil, fmt.Errorf("compliance catalog: decode policy profiles: %w", err)
	}

	c := &Catalog{templates: t.Templates, profiles: p.PolicyProfiles}
	for i := range c.templates {
		tmpl := &c.templates[i]
		tier, err := billing.ParseTier(string(tmpl.MinimumTier))
		if err != nil {
			return nil, fmt.Errorf("compliance catalog: template %s: %w", tmpl.TemplateID, err)
		}
		tmpl.MinimumTier = tier
		if ref := tmpl.RecommendedPolicyTemplate; ref != nil {
			if _, err := c.PolicyProfile(*ref); err != nil {
				return nil, fmt.Errorf("compliance catalog: template %s: %w", tmpl.TemplateID, err)
			}
		}
	}
	return c, nil
}

// Templates returns every template in catalog order.
func (c *Catalog) Templates() []Template {
	out := make([]Template, len(c.templates))
	for i, t := range c.templates {
		out[i] = t.clone()
	}
	return out
}

// Template looks up a template by id.
func (c *Catalog) Template(id string) (Template, error) {
	for _, t := range c.templates {
		if t.TemplateID == id {
			return t.clone(), nil
		}
	}
	return Template{}, fault.NotFound("compliance template", id)
}

// PolicyProfiles returns every policy profile template in catalog order.
func (c *Catalog) PolicyProfiles() []PolicyProfileTemplate {
	out := make([]PolicyProfileTemplate, len(c.profiles))
	for i, p := range c.profiles {
		out[i] = p.clone()
	}
	return out
}

// PolicyProfile looks up a policy profile template by id.
func (c *Catalog) PolicyProfile(id string) (PolicyProfileTemplate, error) {
	for _, p := range c.profiles {
		if p.TemplateID == id {
			return p.clone(), nil
		}
	}
	return PolicyProfileTemplate{}, fault.NotFound("policy profile", id)
}

func compileCatalogSchema() (*jsonschema.Schema, error) {
	raw, err := catalogFS.ReadFile("catalog/catalog.schema.json")
	if err != nil {
		return nil, err
	}
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	if err := c.AddResource(catalogSchemaURL, bytes.NewReader(raw)); err != nil {
		return nil, fmt.Errorf("compliance catalog schema load failed: %w", err)
	}
	schema, err := c.Compile(catalogSchemaURL)
	if err != nil {
		return nil, fmt.Errorf("compliance catalog schema compile failed: %w", err)
	}
	return schema, nil
}

// validateYAML converts doc to its JSON data model before validating.
func validateYAML(schema *jsonschema.Schema, doc []byte) error {
	var v any
	if err := yaml.Unmarshal(doc, &v); err != nil {
		return err
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return err
	}
	return schema.Validate(generic)
}

func (t Template) clone() Template {
	t.Standards = append([]string{}, t.Standards...)
	if t.RecommendedPolicyTemplate != nil {
		v := *t.RecommendedPolicyTemplate
		t.RecommendedPolicyTemplate = &v
	}
	return t
}

func (p PolicyProfileTemplate) clone() PolicyProfileTemplate {
	p.AllowedProviders = append([]string{}, p.AllowedProviders...)
	p.AllowedTransports = append([]string{}, p.AllowedTransports...)
	return p
}
