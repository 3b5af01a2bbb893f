package api

import (
	"bytes"
	"embed"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/Mindburn-Labs/helm-ops/pkg/fault"
)

//go:embed schemas/requests.schema.json
var schemaFS embed.FS

const requestsSchemaURL = "https://schemas.helm-ops.local/api/requests.schema.json"

// maxBodyBytes caps request bodies.
const maxBodyBytes = 1 << 20

// Request body schemas, one per $defs entry.
const (
	schemaRBACUpsert           = "rbac_upsert"
	schemaPolicyEvaluate       = "policy_evaluate"
	schemaApprovalResolve      = "approval_resolve"
	schemaRetentionSet         = "retention_set"
	schemaAuditRemoteConfigure = "audit_remote_configure"
	schemaAuditRemoteSync      = "audit_remote_sync"
	schemaStageRelease         = "stage_release"
	schemaSigningPolicy        = "signing_policy"
	schemaBillingConfigure     = "billing_configure"
	schemaBillingVerify        = "billing_verify"
	schemaProfileApply         = "profile_apply"
	schemaTaskUpsert           = "task_upsert"
	schemaTaskMove             = "task_move"
	schemaOutcomeRecord        = "outcome_record"
	schemaEvidenceExport       = "evidence_export"
)

var schemaNames = []string{
	schemaRBACUpsert, schemaPolicyEvaluate, schemaApprovalResolve, schemaRetentionSet,
	schemaAuditRemoteConfigure, schemaAuditRemoteSync, schemaStageRelease, schemaSigningPolicy,
	schemaBillingConfigure, schemaBillingVerify, schemaProfileApply, schemaTaskUpsert,
	schemaTaskMove, schemaOutcomeRecord, schemaEvidenceExport,
}

// Validator checks request bodies against the embedded schemas.
type Validator struct {
	schemas map[string]*jsonschema.Schema
}

// NewValidator compiles every request schema.
func NewValidator() (*Validator, error) {
	raw, err := schemaFS.ReadFile("schemas/requests.schema.json")
	if err != nil {
		return nil, err
	}
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	if err := c.AddResource(requestsSchemaURL, bytes.NewReader(raw)); err != nil {
		return nil, fmt.Errorf("request schema load failed: %w", err)
	}
	v := &Validator{schemas: make(map[string]*jsonschema.Schema, len(schemaNames))}
	for _, name := range schemaNames {
		s, err := c.Compile(requestsSchemaURL + "#/$defs/" + name)
		if err != nil {
			return nil, fmt.Errorf("request schema %s compile failed: %w", name, err)
		}
		v.schemas[name] = s
	}
	return v, nil
}

// Decode reads the body of r, validates it against schema and decodes it
// into dst. An empty body is treated as {}.
func (v *Validator) Decode(w http.ResponseWriter, r *http.Request, schema string, dst any) error {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		return fault.Wrap(fault.KindValidation, err, "request body unreadable")
	}
	if len(bytes.TrimSpace(body)) == 0 {
		body = []byte("{}")
	}
	var generic any
	if err := json.Unmarshal(body, &generic); err != nil {
		return fault.Wrap(fault.KindValidation, err, "request body is not valid JSON")
	}
	s, ok := v.schemas[schema]
	if !ok {
		return fmt.Errorf("unknown request schema %q", schema)
	}
	if err := s.Validate(generic); err != nil {
		return fault.Validation("request body does not match %s: %s", schema, schemaMessage(err))
	}
	if err := json.Unmarshal(body, dst); err != nil {
		return fault.Wrap(fault.KindValidation, err, "request body")
	}
	return nil
}

// schemaMessage flattens a validation error to its innermost causes.
func schemaMessage(err error) string {
	ve, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return err.Error()
	}
	leaf := ve
	for len(leaf.Causes) > 0 {
		leaf = leaf.Causes[0]
	}
	loc := leaf.InstanceLocation
	if loc == "" {
		loc = "/"
	}
	return loc + ": " + leaf.Message
}
