package tracing

// Span attribute keys used across the broker. Keeping these in one place
// makes traces queryable by consistent names.
const (
	// AttrSessionID is the session identifier attribute.
	AttrSessionID = "session.id"

	// AttrCommandName is the engine command name attribute.
	AttrCommandName = "command.name"

	// AttrWorkerPort is the worker's loopback port attribute.
	AttrWorkerPort = "worker.port"

	// AttrRPCSuccess records whether the worker reported success.
	AttrRPCSuccess = "rpc.success"

	// AttrReason is the session termination reason attribute.
	AttrReason = "session.reason"
)

// Span names for broker operations.
const (
	// SpanSessionCreate covers worker spawn plus readiness probe.
	SpanSessionCreate = "session.create"

	// SpanSessionEnd covers worker termination.
	SpanSessionEnd = "session.end"

	// SpanRPCSend covers a single request/reply exchange with a worker.
	SpanRPCSend = "rpc.send"

	// SpanPrefixHTTP prefixes HTTP server spans, e.g. "http./send/{id}".
	SpanPrefixHTTP = "http."
)
