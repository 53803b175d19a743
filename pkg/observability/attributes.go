package observability

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Governance attribute keys.
var (
	AttrOperation     = attribute.Key("oversight.operation")
	AttrCaller        = attribute.Key("oversight.caller")
	AttrOperationKind = attribute.Key("oversight.operation.kind")
	AttrTicketID      = attribute.Key("oversight.ticket.id")
	AttrTicketState   = attribute.Key("oversight.ticket.state")
	AttrSafetyLevel   = attribute.Key("oversight.safety.level")
	AttrAuthzDecision = attribute.Key("oversight.authz.decision")
	AttrRequestID     = attribute.Key("oversight.authz.request_id")
	AttrRollbackOK    = attribute.Key("oversight.rollback.ok")
)

// Admission creates attributes for an admitted ticket.
func Admission(caller, level, state string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrCaller.String(caller),
		AttrSafetyLevel.String(level),
		AttrTicketState.String(state),
	}
}

// TicketOperation creates span attributes for an operation on a ticket.
func TicketOperation(ticketID, kind string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrTicketID.String(ticketID),
		AttrOperationKind.String(kind),
	}
}

// AddSpanEvent adds an event to the current span.
func AddSpanEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	trace.SpanFromContext(ctx).AddEvent(name, trace.WithAttributes(attrs...))
}
