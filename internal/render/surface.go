package render

import (
	"context"

	"github.com/certforge/certforge-backend/internal/scene"
)

// Surface is the shared, stateful drawing target one batch renders against.
// A surface is reused row after row rather than reallocated, so callers must
// serialize access to it; the orchestrator renders one row at a time for
// exactly that reason. Render honors ctx cancellation between elements, which
// is how callers enforce per-row timeouts.
type Surface interface {
	Reset(width, height int)
	Render(ctx context.Context, g *scene.Graph) ([]byte, error)
}
