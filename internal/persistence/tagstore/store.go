// Package tagstore persists each container's namespaced tag set outside the snapshot, so
// configuration edits survive a crash between snapshots.
package tagstore

import (
	"context"
	"log"

	"stashcraft.ai/internal/sim/world"
)

// Store keeps one string map per container id. Save replaces the whole set.
type Store interface {
	Load(ctx context.Context) (map[string]map[string]string, error)
	Save(ctx context.Context, containerID string, tags map[string]string) error
	Delete(ctx context.Context, containerID string) error
	Close() error
}

// Pump writes tag updates from the world until updates is closed or ctx ends. Failed writes are
// logged and skipped; the next snapshot still carries the tags.
func Pump(ctx context.Context, s Store, updates <-chan world.TagUpdate, logger *log.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case up, ok := <-updates:
			if !ok {
				return
			}
			var err error
			if up.Removed {
				err = s.Delete(ctx, up.ContainerID)
			} else {
				err = s.Save(ctx, up.ContainerID, up.Tags)
			}
			if err != nil && logger != nil {
				logger.Printf("tagstore: write %s: %v", up.ContainerID, err)
			}
		}
	}
}
