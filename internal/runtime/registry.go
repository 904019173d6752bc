package runtime

import (
	"context"

	"github.com/open-fiscus/fiscus/config"
	"github.com/open-fiscus/fiscus/internal/queue/streams"
	"github.com/open-fiscus/fiscus/internal/store"
)

// InitEventRegistry opens the store and compiles the event schema registry
// used on both ends of the queue. Event contracts ship with the binary, so
// the registry is seeded in code rather than from a schema table.
func InitEventRegistry(ctx context.Context, cfg *config.Config) (*store.Store, *streams.SchemaRegistry, error) {
	st, err := OpenStore(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}
	reg := streams.NewSchemaRegistry()
	if err := streams.RegisterBaseSchemas(reg); err != nil {
		return nil, nil, err
	}
	return st, reg, nil
}
