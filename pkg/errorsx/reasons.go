package errorsx

// ReasonCode is a short machine-readable error reason.
type ReasonCode string

const (
	ReasonUnknown ReasonCode = "unknown"

	ReasonUpstreamConnect   ReasonCode = "upstream_connect"
	ReasonUpstreamSend      ReasonCode = "upstream_send"
	ReasonUpstreamClosed    ReasonCode = "upstream_closed"
	ReasonUpstreamRateLimit ReasonCode = "upstream_rate_limit"

	ReasonTelephonySend   ReasonCode = "telephony_send"
	ReasonTelephonyClosed ReasonCode = "telephony_closed"

	ReasonMalformedEvent ReasonCode = "malformed_event"

	ReasonToolInvocation  ReasonCode = "tool_invocation"
	ReasonToolNotFound    ReasonCode = "tool_not_found"
	ReasonToolNoResults   ReasonCode = "tool_no_results"
	ReasonToolCircuitOpen ReasonCode = "tool_circuit_open"

	ReasonNotification ReasonCode = "notification"

	ReasonConfiguration ReasonCode = "configuration"

	ReasonTransportInvalidSignature ReasonCode = "webhook_invalid_signature"
)
