package fault_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/helm-ops/pkg/fault"
)

func TestKindOfWrapped(t *testing.T) {
	base := fault.ApprovalPending("a-1", "r-1")
	wrapped := fmt.Errorf("release.promote: %w", base)

	assert.Equal(t, fault.KindApprovalPending, fault.KindOf(wrapped))
	assert.True(t, fault.Is(wrapped, fault.KindApprovalPending))
	assert.False(t, fault.Is(wrapped, fault.KindPolicyDenied))

	fe, ok := fault.As(wrapped)
	require.True(t, ok)
	assert.Equal(t, "a-1", fe.Field(fault.FieldApprovalID))
	assert.Equal(t, "r-1", fe.Field(fault.FieldReceiptID))
}

func TestKindOfUnclassified(t *testing.T) {
	assert.Equal(t, fault.KindInternal, fault.KindOf(errors.New("boom")))
	assert.Equal(t, fault.Kind(""), fault.KindOf(nil))
	assert.False(t, fault.Is(nil, fault.KindInternal))
}

func TestTierGateMessage(t *testing.T) {
	err := fault.TierGate("evidence.export", "enterprise", "professional")
	assert.Equal(t, "feature 'evidence.export' requires 'enterprise' tier (current: 'professional')", err.Error())
	assert.Equal(t, "enterprise", err.Field(fault.FieldRequiredTier))
}

func TestSinkUnavailableUnwraps(t *testing.T) {
	cause := errors.New("connection refused")
	err := fault.SinkUnavailable("remote audit sink", cause)
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, "remote audit sink unavailable: connection refused", err.Error())
}

func TestDetailOrdersFields(t *testing.T) {
	err := fault.ApprovalPending("a-1", "r-2")
	assert.Equal(t, "approval required (approval_id=a-1, receipt_id=r-2)", err.Detail())
}

func TestWithIgnoresEmpty(t *testing.T) {
	err := fault.Signature("signature required but missing", "")
	assert.Empty(t, err.Fields)
	assert.Equal(t, "signature required but missing", err.Detail())
}

func TestNotFound(t *testing.T) {
	err := fault.NotFound("task", "task-9")
	assert.Equal(t, "task 'task-9' not found", err.Error())
	assert.Equal(t, fault.KindNotFound, err.Kind)
}
