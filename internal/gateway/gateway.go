// Package gateway defines the interface for user-facing entry points.
package gateway

import "context"

// Gateway is one serving surface for the orchestrator. The okapi HTTP API
// is the only implementation today; the serve loop depends on this
// interface so further surfaces can be added without touching it.
type Gateway interface {
	// Start runs the gateway until it fails or ctx is canceled.
	// A clean ctx-driven exit returns nil.
	Start(ctx context.Context) error

	// Stop drains in-flight requests within the deadline carried by ctx.
	Stop(ctx context.Context) error
}
