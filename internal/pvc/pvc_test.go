package pvc

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeModel(t *testing.T, root, name string, fileSizes map[string]int) {
	t.Helper()
	dir := filepath.Join(root, name)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	for file, size := range fileSizes {
		require.NoError(t, os.WriteFile(filepath.Join(dir, file), make([]byte, size), 0o644))
	}
}

func TestListModels(t *testing.T) {
	root := t.TempDir()
	writeModel(t, root, "llama-7b", map[string]int{"model.safetensors": 4096, "config.json": 128})
	writeModel(t, root, "bert-base", map[string]int{"model.bin": 2048})
	// Stray files at the top level are not models.
	require.NoError(t, os.WriteFile(filepath.Join(root, "README.md"), []byte("x"), 0o644))

	m := NewManager(root)
	models, err := m.ListModels()
	require.NoError(t, err)
	require.Len(t, models, 2)

	assert.Equal(t, "bert-base", models[0].Name)
	assert.Equal(t, "llama-7b", models[1].Name)
	assert.Equal(t, int64(4224), models[1].SizeBytes)
	assert.Equal(t, filepath.Join(root, "llama-7b"), models[1].Path)
}

func TestListModelsResolvesSnapshotDirectory(t *testing.T) {
	root := t.TempDir()
	snapshots := filepath.Join(root, "snapshots")
	require.NoError(t, os.MkdirAll(snapshots, 0o755))
	writeModel(t, snapshots, "llama-7b", map[string]int{"model.safetensors": 1024})

	m := NewManager(root)
	models, err := m.ListModels()
	require.NoError(t, err)
	require.Len(t, models, 1)
	assert.Equal(t, "llama-7b", models[0].Name)
	assert.Equal(t, filepath.Join(snapshots, "llama-7b"), models[0].Path)
}

func TestExistsAndRemove(t *testing.T) {
	root := t.TempDir()
	writeModel(t, root, "llama-7b", map[string]int{"model.bin": 64})

	m := NewManager(root)

	exists, err := m.Exists("llama-7b")
	require.NoError(t, err)
	assert.True(t, exists)

	require.NoError(t, m.Remove("llama-7b"))

	exists, err = m.Exists("llama-7b")
	require.NoError(t, err)
	assert.False(t, exists)

	err = m.Remove("llama-7b")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrModelNotFound))
}

func TestModelNameValidation(t *testing.T) {
	m := NewManager(t.TempDir())

	for _, name := range []string{"", ".", "..", "a/b", `a\b`} {
		_, err := m.Exists(name)
		assert.Error(t, err, "name %q must be rejected", name)
	}
}

func TestDownloadRefusesExistingModel(t *testing.T) {
	root := t.TempDir()
	writeModel(t, root, "llama-7b", map[string]int{"model.bin": 64})

	m := NewManager(root)
	err := m.Download(context.Background(), "org/llama-7b", "llama-7b")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrModelExists))
}

func TestDownloadRunsGitStepsAndVerifies(t *testing.T) {
	root := t.TempDir()
	m := NewManager(root)

	var invocations [][]string
	m.downloader.run = func(ctx context.Context, dir string, args ...string) error {
		invocations = append(invocations, args)
		if args[0] == "clone" {
			// Simulate a completed clone with real content.
			require.NoError(t, os.WriteFile(filepath.Join(dir, "model.safetensors"), make([]byte, 200*1024), 0o644))
			require.NoError(t, os.WriteFile(filepath.Join(dir, "config.json"), []byte("{}"), 0o644))
		}
		return nil
	}

	require.NoError(t, m.Download(context.Background(), "org/llama-7b", "llama-7b"))

	require.Len(t, invocations, 5)
	assert.Equal(t, "clone", invocations[0][0])
	assert.Contains(t, invocations[0], "https://huggingface.co/org/llama-7b")
	assert.Equal(t, []string{"lfs", "checkout"}, invocations[4])

	exists, err := m.Exists("llama-7b")
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestDownloadCleansUpOnFailure(t *testing.T) {
	root := t.TempDir()
	m := NewManager(root)
	m.downloader.run = func(ctx context.Context, dir string, args ...string) error {
		return errors.New("remote hung up")
	}

	err := m.Download(context.Background(), "org/llama-7b", "llama-7b")
	require.Error(t, err)

	// The partial directory must be gone so a retry starts clean.
	exists, err := m.Exists("llama-7b")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestDownloadVerificationFailure(t *testing.T) {
	root := t.TempDir()
	m := NewManager(root)
	m.downloader.run = func(ctx context.Context, dir string, args ...string) error {
		if args[0] == "clone" {
			// Only an LFS pointer stub, no real weights.
			require.NoError(t, os.WriteFile(filepath.Join(dir, "model.safetensors"), []byte("version https://git-lfs"), 0o644))
			require.NoError(t, os.WriteFile(filepath.Join(dir, "config.json"), []byte("{}"), 0o644))
		}
		return nil
	}

	err := m.Download(context.Background(), "org/llama-7b", "llama-7b")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrVerificationFailed))
}

func TestEnsureModelSkipsExisting(t *testing.T) {
	root := t.TempDir()
	writeModel(t, root, "llama-7b", map[string]int{"model.bin": 64})

	m := NewManager(root)
	m.downloader.run = func(ctx context.Context, dir string, args ...string) error {
		t.Fatal("git must not run for a model that is already present")
		return nil
	}

	require.NoError(t, m.EnsureModel(context.Background(), "org/llama-7b", "llama-7b"))
}

func TestWatchInvalidatesCache(t *testing.T) {
	root := t.TempDir()
	writeModel(t, root, "llama-7b", map[string]int{"model.bin": 64})

	m := NewManager(root)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, m.Start(ctx))
	defer m.Close()

	models, err := m.ListModels()
	require.NoError(t, err)
	require.Len(t, models, 1)

	writeModel(t, root, "bert-base", map[string]int{"model.bin": 32})

	assert.Eventually(t, func() bool {
		models, err := m.ListModels()
		return err == nil && len(models) == 2
	}, 2*time.Second, 20*time.Millisecond, "new model never appeared in the listing")
}

func TestFormatSize(t *testing.T) {
	assert.Equal(t, "0.00 mbs", FormatSize(0))
	assert.Equal(t, "1.00 mbs", FormatSize(1024*1024))
	assert.Equal(t, "2.50 gbs", FormatSize(int64(2.5*1024*1024*1024)))
}
