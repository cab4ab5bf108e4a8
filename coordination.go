package storemaster

import (
	"context"
	"errors"
	"fmt"

	"github.com/nats-io/nats.go/jetstream"
)

// Coordinator abstracts the coordination-service operations the election
// protocol needs: atomic conditional creation, strongly consistent reads,
// idempotent deletion and deletion watches. The service itself (NATS
// JetStream KV) is external; this is the client surface.
type Coordinator interface {
	// CreateIfAbsent atomically creates the node iff it does not exist and
	// returns its revision. Returns ErrNodeExists when another candidate got
	// there first.
	CreateIfAbsent(ctx context.Context, key string, value []byte) (uint64, error)

	// Read returns the node payload and revision, or ErrNodeMissing.
	Read(ctx context.Context, key string) ([]byte, uint64, error)

	// Update replaces the node payload iff the revision still matches.
	// Returns ErrCASFailed when a concurrent writer won.
	Update(ctx context.Context, key string, value []byte, revision uint64) (uint64, error)

	// Delete removes the node. Deleting an absent node is not an error.
	Delete(ctx context.Context, key string) error

	// Exists reports whether the node currently exists.
	Exists(ctx context.Context, key string) (bool, error)

	// WatchForDeletion invokes onDeleted exactly once when the node is
	// removed. If the node is already absent at registration time the
	// callback fires immediately; a candidate can therefore never block on a
	// deletion that already happened.
	WatchForDeletion(ctx context.Context, key string, onDeleted func()) error
}

// kvCoordinator implements Coordinator over a JetStream KV bucket.
type kvCoordinator struct {
	kv jetstream.KeyValue
}

// NewKVCoordinator wraps a JetStream KV bucket as a Coordinator.
func NewKVCoordinator(kv jetstream.KeyValue) Coordinator {
	return &kvCoordinator{kv: kv}
}

func (c *kvCoordinator) CreateIfAbsent(ctx context.Context, key string, value []byte) (uint64, error) {
	rev, err := c.kv.Create(ctx, key, value)
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyExists) {
			return 0, fmt.Errorf("%w: %s", ErrNodeExists, key)
		}
		return 0, fmt.Errorf("failed to create node %s: %w", key, err)
	}
	return rev, nil
}

func (c *kvCoordinator) Read(ctx context.Context, key string) ([]byte, uint64, error) {
	entry, err := c.kv.Get(ctx, key)
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return nil, 0, fmt.Errorf("%w: %s", ErrNodeMissing, key)
		}
		return nil, 0, fmt.Errorf("failed to read node %s: %w", key, err)
	}
	return entry.Value(), entry.Revision(), nil
}

func (c *kvCoordinator) Update(ctx context.Context, key string, value []byte, revision uint64) (uint64, error) {
	rev, err := c.kv.Update(ctx, key, value, revision)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrCASFailed, err)
	}
	return rev, nil
}

func (c *kvCoordinator) Delete(ctx context.Context, key string) error {
	err := c.kv.Delete(ctx, key)
	if err != nil && !errors.Is(err, jetstream.ErrKeyNotFound) {
		return fmt.Errorf("failed to delete node %s: %w", key, err)
	}
	return nil
}

func (c *kvCoordinator) Exists(ctx context.Context, key string) (bool, error) {
	_, err := c.kv.Get(ctx, key)
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("failed to check node %s: %w", key, err)
	}
	return true, nil
}

func (c *kvCoordinator) WatchForDeletion(ctx context.Context, key string, onDeleted func()) error {
	watcher, err := c.kv.Watch(ctx, key)
	if err != nil {
		return fmt.Errorf("failed to watch node %s: %w", key, err)
	}

	go func() {
		defer watcher.Stop()

		// The watcher replays the current entry (if any) before a nil marker.
		// No entry seen by the marker means the node was already gone when
		// the watch was registered.
		sawValue := false
		for {
			select {
			case <-ctx.Done():
				return
			case entry := <-watcher.Updates():
				if entry == nil {
					if !sawValue {
						onDeleted()
						return
					}
					continue
				}
				switch entry.Operation() {
				case jetstream.KeyValuePut:
					sawValue = true
				case jetstream.KeyValueDelete, jetstream.KeyValuePurge:
					onDeleted()
					return
				}
			}
		}
	}()

	return nil
}
