// Package gateway submits routed orders to a venue and reports back
// execution state, per spec.md §4.5. Two implementations share the Gateway
// contract: a mock venue for local development and a signed REST/WS
// exchange gateway.
package gateway

import (
	"context"

	"tradecore/internal/bus"
	"tradecore/internal/domain"
)

// Gateway consumes orders routed to one venue and emits ExecReports for
// them until ctx is canceled.
type Gateway interface {
	Venue() string
	Run(ctx context.Context, in *bus.TimedBlock[domain.Order], execBus *bus.Blocking[domain.ExecReport]) error
}
