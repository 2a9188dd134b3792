package errors

import (
	"errors"
	"fmt"
)

// Kind is the taxonomy of failure categories the gateway surfaces to
// callers. Component boundaries translate implementation-level failures
// (a broken pipe, a context deadline, an HTTP 503) into one of these; no
// caller outside pkg/errors ever inspects a raw transport error type.
type Kind string

const (
	KindConfiguration     Kind = "CONFIGURATION"      // bad JSON, missing field, unknown server — fatal at startup
	KindSpawn             Kind = "SPAWN"              // child process failed to start
	KindHandshake         Kind = "HANDSHAKE"          // initialize handshake failed or timed out
	KindTransport         Kind = "TRANSPORT"          // broken pipe, malformed frame, unknown id — session-fatal
	KindProtocol          Kind = "PROTOCOL"           // JSON-RPC error response — session stays healthy
	KindTimeout           Kind = "TIMEOUT"            // deadline exceeded
	KindBackpressure      Kind = "BACKPRESSURE"       // writer queue full
	KindRateLimit         Kind = "RATE_LIMIT"         // token bucket empty
	KindCircuitOpen       Kind = "CIRCUIT_OPEN"       // endpoint tripped
	KindResourceExhausted Kind = "RESOURCE_EXHAUSTED" // bulkhead full under deadline
	KindLLMUnavailable    Kind = "LLM_UNAVAILABLE"    // inference service unreachable
	KindCancellation      Kind = "CANCELLATION"       // shutdown in progress
	KindNotFound          Kind = "NOT_FOUND"
	KindInternal          Kind = "INTERNAL"
)

// GatewayError is the one error type every component returns across its
// public boundary. Message is safe to show a user; Err (if present) carries
// diagnostic detail destined for logs only.
type GatewayError struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *GatewayError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Kind, e.Message)
}

func (e *GatewayError) Unwrap() error { return e.Err }

// New builds a GatewayError carrying the given kind and message.
func New(kind Kind, message string) *GatewayError {
	return &GatewayError{Kind: kind, Message: message}
}

// Wrap attaches a diagnostic cause to a newly classified error.
func Wrap(kind Kind, message string, cause error) *GatewayError {
	return &GatewayError{Kind: kind, Message: message, Err: cause}
}

// KindOf extracts the Kind of err, or KindInternal if err is not a
// *GatewayError.
func KindOf(err error) Kind {
	var ge *GatewayError
	if errors.As(err, &ge) {
		return ge.Kind
	}
	return KindInternal
}

// Is reports whether err is a *GatewayError of the given kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// retryableKinds lists the kinds that middleware.Retry will re-attempt by
// default; everything else is rethrown immediately. The same set applies to
// every endpoint; there is no per-endpoint retry policy.
var retryableKinds = map[Kind]bool{
	KindTimeout:        true,
	KindTransport:      true,
	KindProtocol:       true,
	KindLLMUnavailable: true,
}

// IsRetryable reports whether an error of this kind should be retried by
// the Resilience Middleware's Retry primitive.
func IsRetryable(err error) bool {
	return retryableKinds[KindOf(err)]
}
