package loader

import (
	"context"

	"golang.org/x/sync/errgroup"

	"codeberg.org/depot-center/depot/internal/app"
	"codeberg.org/depot-center/depot/internal/plugin"
)

// refineList asks every refining plugin, in dependency order, to fill in
// the requested data categories. Apps within one plugin pass are
// independent and refined concurrently; plugin passes stay sequenced so
// ordering constraints hold.
//
// A per-app failure classified as no-network is best-effort enrichment
// and only logged. Anything else aborts the batch, tagged with the app
// and operation it came from.
func (l *Loader) refineList(ctx context.Context, list *app.List, flags plugin.RefineFlags) error {
	if flags == 0 || list.Len() == 0 {
		return nil
	}

	for _, p := range l.registry.Ordered() {
		r, ok := p.(plugin.Refiner)
		if !ok {
			continue
		}
		name := p.Descriptor().Name

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(l.workers)
		for _, a := range list.Apps() {
			a := a
			g.Go(func() error {
				err := r.Refine(gctx, a, flags)
				if err == nil {
					return nil
				}
				if plugin.IsCode(err, plugin.CodeNoNetwork) {
					l.logger.Debug("ignoring network failure during refine",
						"plugin", name, "app", a.UniqueID(), "error", err)
					return nil
				}
				return &plugin.Error{
					Code: plugin.CodeOf(err),
					App:  a.UniqueID(),
					Op:   "refine[" + name + "]",
					Err:  err,
				}
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}
	}
	return nil
}
