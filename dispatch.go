package storemaster

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/nats-io/nats.go/jetstream"
)

// NodeEventListener receives coordination-node change notifications from an
// EventDispatcher. Handlers run concurrently and in no particular order, so
// every listener must be idempotent and re-validate current state against the
// coordination service rather than trusting that another listener already
// acted.
type NodeEventListener interface {
	NodeCreated(key string)
	NodeDeleted(key string)
}

// EventDispatcher owns a single KV watcher per process and fans node change
// notifications out to registered listeners. It decouples the transport
// callback path from protocol logic: the elector never touches the watcher
// directly.
type EventDispatcher struct {
	kv  jetstream.KeyValue
	log *slog.Logger

	mu        sync.RWMutex
	listeners []NodeEventListener

	watcher jetstream.KeyWatcher
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewEventDispatcher creates a dispatcher for the given coordination bucket.
func NewEventDispatcher(kv jetstream.KeyValue, log *slog.Logger) *EventDispatcher {
	if log == nil {
		log = slog.Default()
	}
	return &EventDispatcher{kv: kv, log: log}
}

// Listen registers a listener. Registration is idempotent: a listener already
// present is not added twice.
func (d *EventDispatcher) Listen(l NodeEventListener) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, existing := range d.listeners {
		if existing == l {
			return
		}
	}
	d.listeners = append(d.listeners, l)
}

// Start begins watching the bucket and dispatching notifications.
func (d *EventDispatcher) Start(ctx context.Context) error {
	ctx, d.cancel = context.WithCancel(ctx)

	watcher, err := d.kv.WatchAll(ctx)
	if err != nil {
		d.cancel()
		return fmt.Errorf("failed to create node watcher: %w", err)
	}
	d.watcher = watcher

	d.wg.Add(1)
	go d.run(ctx)
	return nil
}

// Stop stops the watcher and waits for the dispatch loop to exit.
func (d *EventDispatcher) Stop() {
	if d.cancel != nil {
		d.cancel()
	}
	d.wg.Wait()
	if d.watcher != nil {
		d.watcher.Stop()
	}
}

func (d *EventDispatcher) run(ctx context.Context) {
	defer d.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case entry := <-d.watcher.Updates():
			if entry == nil {
				// Initial replay complete.
				continue
			}
			d.dispatch(entry)
		}
	}
}

func (d *EventDispatcher) dispatch(entry jetstream.KeyValueEntry) {
	d.mu.RLock()
	listeners := make([]NodeEventListener, len(d.listeners))
	copy(listeners, d.listeners)
	d.mu.RUnlock()

	key := entry.Key()
	switch entry.Operation() {
	case jetstream.KeyValuePut:
		for _, l := range listeners {
			go l.NodeCreated(key)
		}
	case jetstream.KeyValueDelete, jetstream.KeyValuePurge:
		d.log.Debug("node deleted", "key", key)
		for _, l := range listeners {
			go l.NodeDeleted(key)
		}
	}
}
