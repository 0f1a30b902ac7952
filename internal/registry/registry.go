package registry

import (
	"context"
	"errors"
	"path"
	"sort"
	"sync"
	"time"

	"engineroom/internal/coordination"
	"engineroom/internal/engine"
	"engineroom/pkg/logging"
)

// resyncInterval bounds how stale the cache can get if individual watch
// events were dropped. Watch events normally keep it current well below this.
const resyncInterval = time.Minute

// Registry is the in-memory projection of engine records. The coordination
// store is the source of truth; the registry is a read-through cache rebuilt
// on startup and kept current by a watch subscription. It never writes.
type Registry struct {
	store coordination.Store
	root  string

	mu      sync.RWMutex
	records map[string]*engine.Record

	ctx        context.Context
	cancelFunc context.CancelFunc
	running    bool
}

// New creates a registry over the store namespace rooted at root.
func New(store coordination.Store, root string) *Registry {
	return &Registry{
		store:   store,
		root:    root,
		records: make(map[string]*engine.Record),
	}
}

// Start performs the initial resynchronization and launches the watch loop.
func (r *Registry) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return nil
	}
	r.ctx, r.cancelFunc = context.WithCancel(ctx)
	r.running = true
	r.mu.Unlock()

	if err := r.store.EnsurePath(coordination.EnginesPath(r.root)); err != nil {
		return err
	}
	if err := r.resync(); err != nil {
		return err
	}

	go r.watchLoop()
	return nil
}

// Stop terminates the watch loop.
func (r *Registry) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancelFunc != nil {
		r.cancelFunc()
	}
	r.running = false
}

// Get returns the cached record for an engine. The boolean is false when the
// engine is absent.
func (r *Registry) Get(engineID string) (*engine.Record, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.records[engineID]
	if !ok {
		return nil, false
	}
	copied := *rec
	return &copied, true
}

// ListActive returns all cached records, ordered by engine id. Records only
// exist in the store while an engine is non-absent, so no state filter is
// needed beyond presence.
func (r *Registry) ListActive() []*engine.Record {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]*engine.Record, 0, len(r.records))
	for _, rec := range r.records {
		copied := *rec
		result = append(result, &copied)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].EngineID < result[j].EngineID })
	return result
}

// watchLoop keeps the cache current. Each pass subscribes, resyncs to close
// the gap between the last event and the new subscription, then applies
// events until the subscription dies. Session expiry invalidates all watch
// state, so the loop starts over with a full resync rather than assuming a
// bounded gap.
func (r *Registry) watchLoop() {
	for {
		if r.ctx.Err() != nil {
			return
		}

		events, err := r.store.Watch(r.ctx, coordination.EnginesPath(r.root))
		if err != nil {
			logging.Warn("Registry", "failed to subscribe to engine namespace, retrying: %v", err)
			if !r.sleep(time.Second) {
				return
			}
			continue
		}

		if err := r.resync(); err != nil {
			logging.Warn("Registry", "resync failed: %v", err)
		}

		r.consume(events)
	}
}

// consume applies events until the subscription ends.
func (r *Registry) consume(events <-chan coordination.Event) {
	ticker := time.NewTicker(resyncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.ctx.Done():
			return
		case <-ticker.C:
			if err := r.resync(); err != nil {
				logging.Warn("Registry", "periodic resync failed: %v", err)
			}
		case ev, ok := <-events:
			if !ok {
				return
			}
			switch ev.Type {
			case coordination.EventSessionExpired:
				logging.Warn("Registry", "coordination session expired, performing full resynchronization")
				return
			case coordination.EventNodeChanged:
				r.refreshNode(ev.Path)
			case coordination.EventChildrenChanged:
				if err := r.resync(); err != nil {
					logging.Warn("Registry", "resync after child change failed: %v", err)
				}
			}
		}
	}
}

// resync rebuilds the whole cache from the store.
func (r *Registry) resync() error {
	enginesPath := coordination.EnginesPath(r.root)
	children, err := r.store.Children(enginesPath)
	if err != nil {
		return err
	}

	fresh := make(map[string]*engine.Record, len(children))
	for _, child := range children {
		data, _, err := r.store.Get(path.Join(enginesPath, child))
		if err != nil {
			if errors.Is(err, coordination.ErrNoNode) {
				continue // deleted between list and read
			}
			return err
		}
		rec, err := engine.Unmarshal(data)
		if err != nil {
			logging.Warn("Registry", "skipping undecodable record for engine %s: %v", child, err)
			continue
		}
		fresh[rec.EngineID] = rec
	}

	r.mu.Lock()
	r.records = fresh
	r.mu.Unlock()

	logging.Debug("Registry", "resynchronized %d engine records", len(fresh))
	return nil
}

// refreshNode re-reads a single engine node after a data-change event.
func (r *Registry) refreshNode(nodePath string) {
	engineID := path.Base(nodePath)

	data, _, err := r.store.Get(nodePath)
	if errors.Is(err, coordination.ErrNoNode) {
		r.mu.Lock()
		delete(r.records, engineID)
		r.mu.Unlock()
		return
	}
	if err != nil {
		logging.Warn("Registry", "failed to refresh engine %s: %v", engineID, err)
		return
	}

	rec, err := engine.Unmarshal(data)
	if err != nil {
		logging.Warn("Registry", "undecodable record for engine %s: %v", engineID, err)
		return
	}

	r.mu.Lock()
	r.records[rec.EngineID] = rec
	r.mu.Unlock()
}

func (r *Registry) sleep(d time.Duration) bool {
	select {
	case <-r.ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}
