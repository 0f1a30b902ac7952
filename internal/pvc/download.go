package pvc

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"engineroom/pkg/logging"
)

// ErrVerificationFailed indicates a downloaded model tree is missing the
// files a usable model must have.
var ErrVerificationFailed = errors.New("model verification failed")

const modelHubURL = "https://huggingface.co"

// minRealFileSize is the smallest size a genuine weight file can have; a tree
// with nothing this large means the LFS objects never materialized.
const minRealFileSize = 100 * 1024

var modelFileExtensions = []string{".safetensors", ".bin", ".model", ".onnx", ".pth"}
var configFileExtensions = []string{".json", ".txt", ".md"}

// downloader clones model repositories with git. Weights live in LFS, so the
// clone skips smudging and the LFS objects are fetched and checked out as
// explicit steps afterwards.
type downloader struct {
	// run executes one git invocation in dir. Swapped out in tests.
	run func(ctx context.Context, dir string, args ...string) error
}

func newDownloader() *downloader {
	return &downloader{run: runGit}
}

func (d *downloader) fetch(ctx context.Context, repoID, dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create model directory: %w", err)
	}

	url := fmt.Sprintf("%s/%s", modelHubURL, repoID)
	steps := [][]string{
		{"clone", "--depth", "1", "--single-branch", "--no-checkout", url, "."},
		{"lfs", "install", "--local"},
		{"checkout", "HEAD"},
		{"lfs", "fetch", "--all"},
		{"lfs", "checkout"},
	}
	for _, args := range steps {
		if err := d.run(ctx, dir, args...); err != nil {
			return fmt.Errorf("git %s: %w", strings.Join(args, " "), err)
		}
	}

	return verifyModelTree(dir)
}

func runGit(ctx context.Context, dir string, args ...string) error {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(),
		"GIT_LFS_SKIP_SMUDGE=1",
		"GIT_TERMINAL_PROMPT=0",
	)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("%w: %s", err, strings.TrimSpace(string(output)))
	}
	logging.Debug("PVC", "git %s: %s", strings.Join(args, " "), strings.TrimSpace(string(output)))
	return nil
}

// verifyModelTree checks that the downloaded tree looks like a complete
// model: at least one weight file, at least one config/doc file, and at least
// one file large enough to be real data rather than an LFS pointer stub.
func verifyModelTree(dir string) error {
	var hasModelFile, hasConfigFile, hasLargeFile bool

	err := filepath.WalkDir(dir, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if entry.IsDir() {
			if entry.Name() == ".git" {
				return filepath.SkipDir
			}
			return nil
		}
		ext := strings.ToLower(filepath.Ext(path))
		if hasExtension(ext, modelFileExtensions) {
			hasModelFile = true
		}
		if hasExtension(ext, configFileExtensions) {
			hasConfigFile = true
		}
		if info, infoErr := entry.Info(); infoErr == nil && info.Size() >= minRealFileSize {
			hasLargeFile = true
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to verify model tree: %w", err)
	}

	switch {
	case !hasModelFile:
		return fmt.Errorf("%w: no weight files in %s", ErrVerificationFailed, dir)
	case !hasConfigFile:
		return fmt.Errorf("%w: no configuration files in %s", ErrVerificationFailed, dir)
	case !hasLargeFile:
		return fmt.Errorf("%w: no file over %d bytes, download looks incomplete", ErrVerificationFailed, minRealFileSize)
	}
	return nil
}

func hasExtension(ext string, extensions []string) bool {
	for _, candidate := range extensions {
		if ext == candidate {
			return true
		}
	}
	return false
}
