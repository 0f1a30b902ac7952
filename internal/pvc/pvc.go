package pvc

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"

	"engineroom/pkg/logging"
)

// ErrModelNotFound indicates the named model directory does not exist under
// the volume.
var ErrModelNotFound = errors.New("model not found")

// ErrModelExists indicates a download target directory is already present.
var ErrModelExists = errors.New("model already exists")

// Model describes one model directory on the shared volume.
type Model struct {
	Name      string `json:"name"`
	Size      string `json:"size"`
	SizeBytes int64  `json:"sizeBytes"`
	Path      string `json:"path"`
}

// Manager serves model files from a shared volume (a mounted PVC in cluster
// mode, any directory in standalone mode). Listings are cached and the cache
// is invalidated by filesystem notifications, so repeated list calls do not
// re-walk multi-gigabyte model trees.
type Manager struct {
	basePath   string
	downloader *downloader

	mu      sync.Mutex
	cache   []Model
	cached  bool
	watcher *fsnotify.Watcher
}

// NewManager creates a manager over the volume mounted at basePath.
func NewManager(basePath string) *Manager {
	return &Manager{
		basePath:   basePath,
		downloader: newDownloader(),
	}
}

// Start begins watching the volume for changes. Watch failure is not fatal:
// the manager falls back to walking the tree on every listing.
func (m *Manager) Start(ctx context.Context) error {
	if _, err := os.Stat(m.basePath); err != nil {
		return fmt.Errorf("model base path %s: %w", m.basePath, err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		logging.Warn("PVC", "filesystem watch unavailable, listings will not be cached: %v", err)
		return nil
	}
	if err := watcher.Add(m.basePath); err != nil {
		logging.Warn("PVC", "cannot watch %s, listings will not be cached: %v", m.basePath, err)
		_ = watcher.Close()
		return nil
	}

	m.mu.Lock()
	m.watcher = watcher
	m.mu.Unlock()

	go m.watchLoop(ctx, watcher)
	return nil
}

// Close stops the filesystem watch.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.watcher != nil {
		_ = m.watcher.Close()
		m.watcher = nil
	}
}

func (m *Manager) watchLoop(ctx context.Context, watcher *fsnotify.Watcher) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-watcher.Events:
			if !ok {
				return
			}
			logging.Debug("PVC", "volume changed (%s), invalidating model cache", ev.Name)
			m.invalidate()
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			logging.Warn("PVC", "filesystem watch error: %v", err)
			m.invalidate()
		}
	}
}

func (m *Manager) invalidate() {
	m.mu.Lock()
	m.cached = false
	m.mu.Unlock()
}

// ListModels returns the model directories on the volume, ordered by name.
func (m *Manager) ListModels() ([]Model, error) {
	m.mu.Lock()
	if m.cached && m.watcher != nil {
		models := append([]Model(nil), m.cache...)
		m.mu.Unlock()
		return models, nil
	}
	m.mu.Unlock()

	models, err := m.scan()
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.cache = models
	m.cached = true
	m.mu.Unlock()

	return append([]Model(nil), models...), nil
}

func (m *Manager) scan() ([]Model, error) {
	root, err := m.modelRoot()
	if err != nil {
		return nil, err
	}

	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, fmt.Errorf("failed to read model directory %s: %w", root, err)
	}

	models := make([]Model, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		dir := filepath.Join(root, entry.Name())
		size := dirSize(dir)
		models = append(models, Model{
			Name:      entry.Name(),
			Size:      FormatSize(size),
			SizeBytes: size,
			Path:      dir,
		})
	}
	sort.Slice(models, func(i, j int) bool { return models[i].Name < models[j].Name })
	return models, nil
}

// modelRoot resolves the directory holding model subdirectories. Some volume
// layouts nest models under a snapshot directory; when one exists it becomes
// the root.
func (m *Manager) modelRoot() (string, error) {
	entries, err := os.ReadDir(m.basePath)
	if err != nil {
		return "", fmt.Errorf("failed to read model base path %s: %w", m.basePath, err)
	}
	for _, entry := range entries {
		if entry.IsDir() && strings.Contains(strings.ToLower(entry.Name()), "snapshot") {
			return filepath.Join(m.basePath, entry.Name()), nil
		}
	}
	return m.basePath, nil
}

// Exists reports whether a model directory is present on the volume.
func (m *Manager) Exists(name string) (bool, error) {
	dir, err := m.modelDir(name)
	if err != nil {
		return false, err
	}
	info, err := os.Stat(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return info.IsDir(), nil
}

// Download fetches a model repository onto the volume. Returns ErrModelExists
// if the target directory is already present.
func (m *Manager) Download(ctx context.Context, repoID, name string) error {
	dir, err := m.modelDir(name)
	if err != nil {
		return err
	}
	if _, err := os.Stat(dir); err == nil {
		return fmt.Errorf("model %s: %w", name, ErrModelExists)
	}

	logging.Info("PVC", "downloading model %s from repository %s", name, repoID)
	if err := m.downloader.fetch(ctx, repoID, dir); err != nil {
		// Leave no partial model behind.
		_ = os.RemoveAll(dir)
		return fmt.Errorf("failed to download model %s: %w", name, err)
	}

	m.invalidate()
	logging.Info("PVC", "model %s downloaded to %s", name, dir)
	return nil
}

// EnsureModel downloads the model unless it is already on the volume.
func (m *Manager) EnsureModel(ctx context.Context, repoID, name string) error {
	exists, err := m.Exists(name)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	return m.Download(ctx, repoID, name)
}

// Remove deletes a model directory from the volume.
func (m *Manager) Remove(name string) error {
	dir, err := m.modelDir(name)
	if err != nil {
		return err
	}
	if _, err := os.Stat(dir); errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("model %s: %w", name, ErrModelNotFound)
	}
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("failed to remove model %s: %w", name, err)
	}

	m.invalidate()
	logging.Info("PVC", "removed model %s", name)
	return nil
}

// modelDir maps a model name to its directory, rejecting names that would
// escape the volume.
func (m *Manager) modelDir(name string) (string, error) {
	if name == "" || name == "." || name == ".." || strings.ContainsAny(name, `/\`) {
		return "", fmt.Errorf("invalid model name %q", name)
	}
	root, err := m.modelRoot()
	if err != nil {
		return "", err
	}
	return filepath.Join(root, name), nil
}

// dirSize sums the file sizes under dir. Unreadable entries are skipped, the
// listing is best effort.
func dirSize(dir string) int64 {
	var total int64
	_ = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		if info, infoErr := d.Info(); infoErr == nil {
			total += info.Size()
		}
		return nil
	})
	return total
}

// FormatSize renders a byte count in MB, or GB from one gigabyte up.
func FormatSize(sizeBytes int64) string {
	mb := float64(sizeBytes) / (1024 * 1024)
	if mb >= 1024 {
		return fmt.Sprintf("%.2f gbs", mb/1024)
	}
	return fmt.Sprintf("%.2f mbs", mb)
}
