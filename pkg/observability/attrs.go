package observability

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/Mindburn-Labs/helm-ops/pkg/fault"
)

// Control-plane attribute keys.
var (
	AttrWorkspace = attribute.Key("helm_ops.workspace")
	AttrCommand   = attribute.Key("helm_ops.command")
	AttrActorID   = attribute.Key("helm_ops.actor.id")
	AttrActorRole = attribute.Key("helm_ops.actor.role")
	AttrAction    = attribute.Key("helm_ops.policy.action")
	AttrDecision  = attribute.Key("helm_ops.policy.decision")
	AttrErrorKind = attribute.Key("helm_ops.error.kind")
)

// CommandAttrs are the attributes attached to every command span.
func CommandAttrs(workspace, actorID, actorRole string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrWorkspace.String(workspace),
		AttrActorID.String(actorID),
		AttrActorRole.String(actorRole),
	}
}

// ErrorKind names the fault kind of err for metric attributes.
func ErrorKind(err error) string {
	return string(fault.KindOf(err))
}

// AddSpanEvent adds an event to the current span.
func AddSpanEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	trace.SpanFromContext(ctx).AddEvent(name, trace.WithAttributes(attrs...))
}
