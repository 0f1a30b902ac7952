package coordination

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// memoryNode is a stored value plus its CAS version.
type memoryNode struct {
	data    []byte
	version int32
}

// MemoryStore is a process-local Store. It backs standalone mode, where no
// coordination service is available, and the test suites. Semantics mirror
// the ZooKeeper store: versioned CAS writes, named locks, coarse watch
// events, and an explicit session-expiry trigger.
type MemoryStore struct {
	mu       sync.Mutex
	nodes    map[string]*memoryNode
	locks    map[string]chan struct{}
	watchers []*memoryWatcher
}

type memoryWatcher struct {
	prefix string
	ch     chan Event
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		nodes: make(map[string]*memoryNode),
		locks: make(map[string]chan struct{}),
	}
}

var _ Store = (*MemoryStore)(nil)

func (m *MemoryStore) Create(path string, data []byte) error {
	m.mu.Lock()
	if _, ok := m.nodes[path]; ok {
		m.mu.Unlock()
		return fmt.Errorf("create %s: %w", path, ErrNodeExists)
	}
	m.nodes[path] = &memoryNode{data: append([]byte(nil), data...)}
	m.mu.Unlock()

	m.notify(path, EventNodeChanged)
	m.notify(parentPath(path), EventChildrenChanged)
	return nil
}

func (m *MemoryStore) Get(path string) ([]byte, int32, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	node, ok := m.nodes[path]
	if !ok {
		return nil, 0, fmt.Errorf("get %s: %w", path, ErrNoNode)
	}
	return append([]byte(nil), node.data...), node.version, nil
}

func (m *MemoryStore) Set(path string, data []byte, version int32) error {
	m.mu.Lock()
	node, ok := m.nodes[path]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("set %s: %w", path, ErrNoNode)
	}
	if node.version != version {
		m.mu.Unlock()
		return fmt.Errorf("set %s: %w", path, ErrVersionConflict)
	}
	node.data = append([]byte(nil), data...)
	node.version++
	m.mu.Unlock()

	m.notify(path, EventNodeChanged)
	return nil
}

func (m *MemoryStore) Delete(path string, version int32) error {
	m.mu.Lock()
	node, ok := m.nodes[path]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("delete %s: %w", path, ErrNoNode)
	}
	if version >= 0 && node.version != version {
		m.mu.Unlock()
		return fmt.Errorf("delete %s: %w", path, ErrVersionConflict)
	}
	delete(m.nodes, path)
	m.mu.Unlock()

	m.notify(path, EventNodeChanged)
	m.notify(parentPath(path), EventChildrenChanged)
	return nil
}

func (m *MemoryStore) Children(path string) ([]string, error) {
	prefix := strings.TrimSuffix(path, "/") + "/"

	m.mu.Lock()
	defer m.mu.Unlock()

	var children []string
	for p := range m.nodes {
		if !strings.HasPrefix(p, prefix) {
			continue
		}
		rest := strings.TrimPrefix(p, prefix)
		if !strings.Contains(rest, "/") {
			children = append(children, rest)
		}
	}
	sort.Strings(children)
	return children, nil
}

func (m *MemoryStore) EnsurePath(path string) error {
	segments := strings.Split(strings.Trim(path, "/"), "/")
	current := ""

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, seg := range segments {
		if seg == "" {
			continue
		}
		current += "/" + seg
		if _, ok := m.nodes[current]; !ok {
			m.nodes[current] = &memoryNode{}
		}
	}
	return nil
}

// memoryLock releases the token channel once.
type memoryLock struct {
	release func() error
	once    sync.Once
}

func (l *memoryLock) Release() error {
	var err error
	l.once.Do(func() { err = l.release() })
	return err
}

func (m *MemoryStore) AcquireLock(ctx context.Context, name string, timeout time.Duration) (Lock, error) {
	m.mu.Lock()
	token, ok := m.locks[name]
	if !ok {
		token = make(chan struct{}, 1)
		token <- struct{}{}
		m.locks[name] = token
	}
	m.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-token:
		return &memoryLock{release: func() error {
			token <- struct{}{}
			return nil
		}}, nil
	case <-timer.C:
		return nil, fmt.Errorf("acquire lock %s: %w", name, ErrLockTimeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (m *MemoryStore) Watch(ctx context.Context, path string) (<-chan Event, error) {
	w := &memoryWatcher{
		prefix: strings.TrimSuffix(path, "/"),
		ch:     make(chan Event, watchBufferSize),
	}

	m.mu.Lock()
	m.watchers = append(m.watchers, w)
	m.mu.Unlock()

	go func() {
		<-ctx.Done()
		m.dropWatcher(w)
	}()

	return w.ch, nil
}

func (m *MemoryStore) dropWatcher(w *memoryWatcher) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, existing := range m.watchers {
		if existing == w {
			m.watchers = append(m.watchers[:i], m.watchers[i+1:]...)
			close(w.ch)
			return
		}
	}
}

// notify sends to every watcher whose prefix covers path. Sends and channel
// closes both happen under the store mutex, so a channel is never closed with
// a send in flight; the non-blocking send keeps slow consumers from stalling
// writers.
func (m *MemoryStore) notify(path string, eventType EventType) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, w := range m.watchers {
		if !strings.HasPrefix(path, w.prefix) {
			continue
		}
		select {
		case w.ch <- Event{Type: eventType, Path: path}:
		default:
		}
	}
}

// ExpireSession simulates a coordination session expiry: every watcher gets
// one EventSessionExpired and its channel is closed, and all held locks are
// released the way ephemeral lock nodes vanish with their session.
func (m *MemoryStore) ExpireSession() {
	m.mu.Lock()
	for _, w := range m.watchers {
		select {
		case w.ch <- Event{Type: EventSessionExpired, Path: w.prefix}:
		default:
		}
		close(w.ch)
	}
	m.watchers = nil
	locks := m.locks
	m.locks = make(map[string]chan struct{})
	m.mu.Unlock()

	// Refill abandoned tokens so stale Release calls cannot poison new locks.
	for _, token := range locks {
		select {
		case token <- struct{}{}:
		default:
		}
	}
}

func (m *MemoryStore) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, w := range m.watchers {
		close(w.ch)
	}
	m.watchers = nil
}
