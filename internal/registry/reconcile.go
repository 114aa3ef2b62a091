package registry

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// ReconcileAll reconciles every registered provider's tool catalog
// concurrently, returning the first error encountered (if any) after all
// providers have been attempted. Grounded on the errgroup fan-out pattern
// used for parallel tool-suite validation elsewhere in the retrieval pack.
func (m *Manager) ReconcileAll(ctx context.Context) error {
	names := m.List()
	g, ctx := errgroup.WithContext(ctx)
	for _, name := range names {
		name := name
		g.Go(func() error {
			return m.Reconcile(ctx, name)
		})
	}
	return g.Wait()
}
