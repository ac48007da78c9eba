package proxy

import (
	"context"
	"errors"
	"net"

	"github.com/nghyane/dreamina-mux/internal/resilience"
)

// Outcome is the explicit classification of one upstream attempt. The
// dispatcher's retry loop consumes it instead of re-deriving semantics from
// raw errors at every call site.
type Outcome int

const (
	// OutcomeSuccess covers 2xx/3xx responses: usage is counted and the
	// response relayed.
	OutcomeSuccess Outcome = iota
	// OutcomeTransient covers 429/500/524 and transport failures: the serving
	// account is banned and the request retried on another account.
	OutcomeTransient
	// OutcomePermanent covers every other upstream status: relayed verbatim
	// without penalizing the account.
	OutcomePermanent
)

// classifyStatus maps an upstream HTTP status to an outcome.
func classifyStatus(status int) Outcome {
	switch {
	case status < 400:
		return OutcomeSuccess
	case resilience.IsTransientStatus(status):
		return OutcomeTransient
	default:
		return OutcomePermanent
	}
}

// isTransportFailure reports whether the round-trip error is a network or
// timeout failure, which counts against the account like a transient status.
func isTransportFailure(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	// url.Error wraps transport failures; at this point anything that is not
	// a context cancellation came from the wire.
	return !errors.Is(err, context.Canceled)
}
