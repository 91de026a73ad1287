package lifecycle

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/sync/singleflight"

	"github.com/kalambet/kosmoi/internal/schema"
	"github.com/kalambet/kosmoi/internal/storage"
)

// Provisioner attaches every registered collection to a handle. Concurrent
// calls for the same handle share one attach operation.
type Provisioner struct {
	registry *schema.Registry
	logger   *slog.Logger
	group    singleflight.Group
}

func NewProvisioner(reg *schema.Registry, logger *slog.Logger) *Provisioner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Provisioner{registry: reg, logger: logger}
}

func (p *Provisioner) Registry() *schema.Registry { return p.registry }

// Ensure attaches the collections missing from h in a single AddCollections
// call. It is a no-op when nothing is missing or h is a fallback handle.
func (p *Provisioner) Ensure(ctx context.Context, h storage.Handle) error {
	if h == nil || h.Fallback() {
		return nil
	}
	_, err, _ := p.group.Do(h.ID(), func() (any, error) {
		missing := p.registry.Missing(h.CollectionNames())
		if len(missing) == 0 {
			return nil, nil
		}
		names := make([]string, len(missing))
		for i, c := range missing {
			names[i] = c.Name
		}
		p.logger.Debug("attaching collections", "store", h.Name(), "collections", names)
		if err := h.AddCollections(ctx, missing); err != nil {
			return nil, fmt.Errorf("attaching collections %v: %w", names, err)
		}
		return nil, nil
	})
	return err
}
