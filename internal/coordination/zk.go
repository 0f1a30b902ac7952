package coordination

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-zookeeper/zk"

	"engineroom/pkg/logging"
)

// watchBufferSize bounds the per-subscription event channel. Subscribers
// treat events as resync hints, so a dropped event is recovered by the next
// one or by the subscriber's periodic resync.
const watchBufferSize = 64

// zkStore implements Store against a ZooKeeper ensemble.
type zkStore struct {
	conn *zk.Conn
	acl  []zk.ACL

	mu      sync.Mutex
	expiry  []chan struct{}
	closed  bool
	closeCh chan struct{}
}

// NewZooKeeperStore connects to the given ensemble and returns a Store backed
// by it. The session timeout governs how long a crashed holder's ephemeral
// locks survive.
func NewZooKeeperStore(servers []string, sessionTimeout time.Duration) (Store, error) {
	conn, events, err := zk.Connect(servers, sessionTimeout)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to coordination store at %s: %w", strings.Join(servers, ","), err)
	}

	s := &zkStore{
		conn:    conn,
		acl:     zk.WorldACL(zk.PermAll),
		closeCh: make(chan struct{}),
	}
	go s.monitorSession(events)
	return s, nil
}

// monitorSession fans session expiry out to all watch subscriptions. After
// expiry, ZooKeeper watches registered on the old session never fire again,
// so every subscriber has to re-subscribe and resynchronize.
func (s *zkStore) monitorSession(events <-chan zk.Event) {
	for {
		select {
		case <-s.closeCh:
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if ev.Type == zk.EventSession && ev.State == zk.StateExpired {
				logging.Warn("Coordination", "ZooKeeper session expired, notifying %d watch subscriptions", len(s.expiry))
				s.mu.Lock()
				for _, ch := range s.expiry {
					close(ch)
				}
				s.expiry = nil
				s.mu.Unlock()
			}
		}
	}
}

func (s *zkStore) subscribeExpiry() chan struct{} {
	ch := make(chan struct{})
	s.mu.Lock()
	s.expiry = append(s.expiry, ch)
	s.mu.Unlock()
	return ch
}

func (s *zkStore) Create(path string, data []byte) error {
	_, err := s.conn.Create(path, data, 0, s.acl)
	switch {
	case errors.Is(err, zk.ErrNodeExists):
		return fmt.Errorf("create %s: %w", path, ErrNodeExists)
	case errors.Is(err, zk.ErrNoNode):
		// Parent missing; create it and retry once.
		if err := s.EnsurePath(parentPath(path)); err != nil {
			return err
		}
		if _, err := s.conn.Create(path, data, 0, s.acl); err != nil {
			if errors.Is(err, zk.ErrNodeExists) {
				return fmt.Errorf("create %s: %w", path, ErrNodeExists)
			}
			return fmt.Errorf("create %s: %w", path, err)
		}
		return nil
	case err != nil:
		return fmt.Errorf("create %s: %w", path, err)
	}
	return nil
}

func (s *zkStore) Get(path string) ([]byte, int32, error) {
	data, stat, err := s.conn.Get(path)
	if errors.Is(err, zk.ErrNoNode) {
		return nil, 0, fmt.Errorf("get %s: %w", path, ErrNoNode)
	}
	if err != nil {
		return nil, 0, fmt.Errorf("get %s: %w", path, err)
	}
	return data, stat.Version, nil
}

func (s *zkStore) Set(path string, data []byte, version int32) error {
	_, err := s.conn.Set(path, data, version)
	switch {
	case errors.Is(err, zk.ErrBadVersion):
		return fmt.Errorf("set %s: %w", path, ErrVersionConflict)
	case errors.Is(err, zk.ErrNoNode):
		return fmt.Errorf("set %s: %w", path, ErrNoNode)
	case err != nil:
		return fmt.Errorf("set %s: %w", path, err)
	}
	return nil
}

func (s *zkStore) Delete(path string, version int32) error {
	err := s.conn.Delete(path, version)
	switch {
	case errors.Is(err, zk.ErrNoNode):
		return fmt.Errorf("delete %s: %w", path, ErrNoNode)
	case errors.Is(err, zk.ErrBadVersion):
		return fmt.Errorf("delete %s: %w", path, ErrVersionConflict)
	case err != nil:
		return fmt.Errorf("delete %s: %w", path, err)
	}
	return nil
}

func (s *zkStore) Children(path string) ([]string, error) {
	children, _, err := s.conn.Children(path)
	if errors.Is(err, zk.ErrNoNode) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("children %s: %w", path, err)
	}
	return children, nil
}

func (s *zkStore) EnsurePath(path string) error {
	segments := strings.Split(strings.Trim(path, "/"), "/")
	current := ""
	for _, seg := range segments {
		if seg == "" {
			continue
		}
		current += "/" + seg
		_, err := s.conn.Create(current, nil, 0, s.acl)
		if err != nil && !errors.Is(err, zk.ErrNodeExists) {
			return fmt.Errorf("ensure path %s: %w", current, err)
		}
	}
	return nil
}

// zkLock adapts zk.Lock to the Lock interface.
type zkLock struct {
	inner *zk.Lock
}

func (l *zkLock) Release() error {
	return l.inner.Unlock()
}

func (s *zkStore) AcquireLock(ctx context.Context, name string, timeout time.Duration) (Lock, error) {
	inner := zk.NewLock(s.conn, name, s.acl)

	acquired := make(chan error, 1)
	go func() {
		acquired <- inner.Lock()
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case err := <-acquired:
		if err != nil {
			return nil, fmt.Errorf("acquire lock %s: %w", name, err)
		}
		return &zkLock{inner: inner}, nil
	case <-timer.C:
	case <-ctx.Done():
		go releaseLateLock(name, inner, acquired)
		return nil, ctx.Err()
	}

	// Timed out. The acquisition attempt may still succeed later; make sure
	// a late grab is released immediately so the lock cannot leak.
	go releaseLateLock(name, inner, acquired)
	return nil, fmt.Errorf("acquire lock %s: %w", name, ErrLockTimeout)
}

func releaseLateLock(name string, inner *zk.Lock, acquired <-chan error) {
	if err := <-acquired; err == nil {
		if uerr := inner.Unlock(); uerr != nil {
			logging.Warn("Coordination", "failed to release late-acquired lock %s: %v", name, uerr)
		}
	}
}

func (s *zkStore) Watch(ctx context.Context, path string) (<-chan Event, error) {
	if err := s.EnsurePath(path); err != nil {
		return nil, err
	}
	out := make(chan Event, watchBufferSize)
	expired := s.subscribeExpiry()
	go s.watchChildren(ctx, path, out, expired)
	return out, nil
}

// watchChildren re-arms a children watch on path and keeps one data watch per
// child alive. All notifications are funneled into out. The node watchers
// send into out too, so they are cancelled and joined before out is closed.
func (s *zkStore) watchChildren(ctx context.Context, path string, out chan<- Event, expired <-chan struct{}) {
	var wg sync.WaitGroup
	nodeWatches := make(map[string]context.CancelFunc)
	defer func() {
		for _, cancel := range nodeWatches {
			cancel()
		}
		wg.Wait()
		close(out)
	}()

	for {
		children, _, childCh, err := s.conn.ChildrenW(path)
		if err != nil {
			logging.Warn("Coordination", "children watch on %s failed, retrying: %v", path, err)
			select {
			case <-ctx.Done():
				return
			case <-expired:
				s.emit(ctx, out, Event{Type: EventSessionExpired, Path: path})
				return
			case <-time.After(time.Second):
				continue
			}
		}

		current := make(map[string]bool, len(children))
		for _, child := range children {
			current[child] = true
			if _, ok := nodeWatches[child]; !ok {
				nodeCtx, cancel := context.WithCancel(ctx)
				nodeWatches[child] = cancel
				wg.Add(1)
				go func(nodePath string) {
					defer wg.Done()
					s.watchNode(nodeCtx, nodePath, out)
				}(path + "/" + child)
			}
		}
		for child, cancel := range nodeWatches {
			if !current[child] {
				cancel()
				delete(nodeWatches, child)
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-expired:
			s.emit(ctx, out, Event{Type: EventSessionExpired, Path: path})
			return
		case <-childCh:
			s.emit(ctx, out, Event{Type: EventChildrenChanged, Path: path})
		}
	}
}

// watchNode re-arms a data watch on a single node until it is deleted or the
// context ends.
func (s *zkStore) watchNode(ctx context.Context, path string, out chan<- Event) {
	for {
		_, _, evCh, err := s.conn.GetW(path)
		if err != nil {
			if errors.Is(err, zk.ErrNoNode) {
				return
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
				continue
			}
		}

		select {
		case <-ctx.Done():
			return
		case ev := <-evCh:
			s.emit(ctx, out, Event{Type: EventNodeChanged, Path: path})
			if ev.Type == zk.EventNodeDeleted {
				return
			}
		}
	}
}

func (s *zkStore) emit(ctx context.Context, out chan<- Event, ev Event) {
	select {
	case out <- ev:
	case <-ctx.Done():
	default:
		logging.Debug("Coordination", "watch channel full, dropping event for %s", ev.Path)
	}
}

func (s *zkStore) Close() {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		close(s.closeCh)
	}
	s.mu.Unlock()
	s.conn.Close()
}

func parentPath(path string) string {
	idx := strings.LastIndex(path, "/")
	if idx <= 0 {
		return "/"
	}
	return path[:idx]
}
