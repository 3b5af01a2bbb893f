package observability

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/helm-ops/pkg/fault"
)

func disabled(t *testing.T) *Provider {
	t.Helper()
	p, err := New(context.Background(), &Config{ServiceName: "helm-ops-test"})
	require.NoError(t, err)
	return p
}

func TestDefaultConfig(t *testing.T) {
	config := DefaultConfig()
	require.Equal(t, "helm-ops", config.ServiceName)
	require.Equal(t, "localhost:4317", config.OTLPEndpoint)
	require.Equal(t, 1.0, config.SampleRate)
	require.False(t, config.Enabled)
}

func TestNewProviderDisabled(t *testing.T) {
	p := disabled(t)
	require.NotNil(t, p.Tracer())
	require.NotNil(t, p.Meter())
	require.Len(t, p.SLO().Statuses(), len(DefaultSLOTargets()))
	require.NoError(t, p.Shutdown(context.Background()))
}

func TestNewProviderNilConfig(t *testing.T) {
	p, err := New(context.Background(), nil)
	require.NoError(t, err)
	require.NotNil(t, p)
}

func TestTrackOperationFeedsSLO(t *testing.T) {
	p := disabled(t)
	ctx := context.Background()

	newCtx, finish := p.TrackOperation(ctx, "audit_remote_sync", CommandAttrs("ws", "local-user", "admin")...)
	require.NotNil(t, newCtx)
	finish(nil)

	_, finish = p.TrackOperation(ctx, "audit_remote_sync")
	finish(fault.SinkUnavailable("remote audit sink", errors.New("boom")))

	status, err := p.SLO().Status("audit_remote_sync")
	require.NoError(t, err)
	require.Equal(t, 2, status.ObservationCount)
	require.Equal(t, 0.5, status.CurrentSuccess)
}

func TestRecordersDoNotPanic(t *testing.T) {
	p := disabled(t)
	ctx := context.Background()
	p.RecordDecision(ctx, "ws", "allowed")
	p.RecordAuditAppend(ctx, "ws")
	p.RecordRemoteSent(ctx, "ws", 3)
	p.RecordRemoteSent(ctx, "ws", 0)
	AddSpanEvent(ctx, "noop")
}

func TestErrorKind(t *testing.T) {
	require.Equal(t, "TIER_GATE", ErrorKind(fault.TierGate("evidence_export", "enterprise", "basic")))
	require.Equal(t, "INTERNAL", ErrorKind(errors.New("plain")))
}
