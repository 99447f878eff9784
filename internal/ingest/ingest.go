package ingest

import (
	"bytes"
	"context"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// Ingester turns a repository URL into its text content. Implementations
// block; they run inside worker pools only.
type Ingester interface {
	Fetch(ctx context.Context, url string, progress func(string)) ([]byte, error)
}

// GitIngester shallow-clones a repository and collects its source text.
type GitIngester struct {
	WorkDir  string // temp clones live here
	MaxBytes int64  // cap on collected text
}

func NewGitIngester(workDir string, maxBytes int64) *GitIngester {
	if maxBytes <= 0 {
		maxBytes = 2 * 1024 * 1024
	}
	return &GitIngester{WorkDir: workDir, MaxBytes: maxBytes}
}

func (g *GitIngester) Fetch(ctx context.Context, url string, progress func(string)) ([]byte, error) {
	dir, err := os.MkdirTemp(g.WorkDir, "clone-")
	if err != nil {
		return nil, err
	}
	defer os.RemoveAll(dir)

	progress("cloning repository")
	cmd := exec.CommandContext(ctx, "git", "clone", "--depth", "1", url, dir)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("git clone: %v: %s", err, strings.TrimSpace(stderr.String()))
	}

	progress("collecting source text")
	text, err := CollectText(dir, g.MaxBytes)
	if err != nil {
		return nil, err
	}
	progress(fmt.Sprintf("collected %d bytes", len(text)))
	return text, nil
}

// skipDirs are directories never worth reading.
var skipDirs = map[string]bool{
	".git":         true,
	"node_modules": true,
	"vendor":       true,
	"dist":         true,
	"build":        true,
}

// textExts whitelists file types treated as source text.
var textExts = map[string]bool{
	".go": true, ".py": true, ".js": true, ".ts": true, ".rs": true,
	".java": true, ".rb": true, ".c": true, ".h": true, ".cpp": true,
	".md": true, ".txt": true, ".yaml": true, ".yml": true, ".json": true,
	".toml": true, ".sh": true, ".sql": true, ".html": true, ".css": true,
}

// CollectText walks root and concatenates source files, newest path order,
// stopping at maxBytes. Each file is prefixed with a path header so the
// generation prompt keeps file boundaries.
func CollectText(root string, maxBytes int64) ([]byte, error) {
	var buf bytes.Buffer

	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if skipDirs[d.Name()] {
				return filepath.SkipDir
			}
			return nil
		}
		if !textExts[strings.ToLower(filepath.Ext(path))] {
			return nil
		}
		if int64(buf.Len()) >= maxBytes {
			return filepath.SkipAll
		}

		data, err := os.ReadFile(path)
		if err != nil {
			return nil // unreadable file, move on
		}

		rel, _ := filepath.Rel(root, path)
		fmt.Fprintf(&buf, "===== %s =====\n", rel)
		remaining := maxBytes - int64(buf.Len())
		if remaining <= 0 {
			return filepath.SkipAll
		}
		if int64(len(data)) > remaining {
			data = data[:remaining]
		}
		buf.Write(data)
		buf.WriteByte('\n')
		return nil
	})
	if err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
