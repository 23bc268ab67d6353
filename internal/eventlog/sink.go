package eventlog

import (
	"context"

	"github.com/JakeFAU/siteboost/internal/analysis"
)

// Sink consumes batches of events. Implementations must be safe for
// repeated calls and honor ctx deadlines.
type Sink interface {
	Consume(ctx context.Context, batch []analysis.Event) error
	Close(ctx context.Context) error
}
