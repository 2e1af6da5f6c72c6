// Package source reads repository files from the local filesystem.
package source

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"
	"unicode/utf8"

	gitignore "github.com/sabhiram/go-gitignore"

	"github.com/efebarandurmaz/coderag/internal/chunk"
	"github.com/efebarandurmaz/coderag/internal/faults"
)

// DefaultMaxFileBytes skips files larger than 1 MiB.
const DefaultMaxFileBytes = 1 << 20

// ErrRepositoryNotFound is returned when no directory exists for a
// repository id.
var ErrRepositoryNotFound = errors.New("repository not found")

// DefaultIgnorePatterns are skipped in every repository.
var DefaultIgnorePatterns = []string{
	".git",
	"node_modules",
	"vendor",
	"dist",
	"build",
	"__pycache__",
	".next",
	".cache",
	"target",
	".idea",
	".vscode",
	".DS_Store",
}

// Snapshot is the result of a fetch.
type Snapshot struct {
	Files []chunk.FileRecord
	// Missing lists requested paths that no longer exist or are now
	// ignored. Only set for path-subset fetches.
	Missing []string
	// Skipped counts binary, oversized and unreadable files.
	Skipped int
}

// Source lists the files of a repository.
type Source interface {
	// Fetch returns all indexable files of the repository, or only the
	// given slash-separated paths when paths is non-empty.
	Fetch(ctx context.Context, repositoryID string, paths []string) (*Snapshot, error)
}

// Local serves repositories from directories under a root.
type Local struct {
	root         string
	dirs         map[string]string
	maxFileBytes int64
	log          *slog.Logger
}

// LocalOption configures a Local source.
type LocalOption func(*Local)

// WithDirectory maps a repository id to an explicit directory.
func WithDirectory(repositoryID, dir string) LocalOption {
	return func(l *Local) { l.dirs[repositoryID] = dir }
}

// WithMaxFileBytes overrides DefaultMaxFileBytes.
func WithMaxFileBytes(n int64) LocalOption {
	return func(l *Local) {
		if n > 0 {
			l.maxFileBytes = n
		}
	}
}

// WithLogger sets the logger.
func WithLogger(log *slog.Logger) LocalOption {
	return func(l *Local) { l.log = log }
}

// NewLocal creates a source resolving repository ids to <root>/<id>.
func NewLocal(root string, opts ...LocalOption) *Local {
	l := &Local{
		root:         root,
		dirs:         make(map[string]string),
		maxFileBytes: DefaultMaxFileBytes,
		log:          slog.Default(),
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// Dir returns the directory backing a repository.
func (l *Local) Dir(repositoryID string) (string, error) {
	if dir, ok := l.dirs[repositoryID]; ok {
		return dir, nil
	}
	if repositoryID == "" || repositoryID == "." || repositoryID == ".." ||
		strings.ContainsAny(repositoryID, `/\`) {
		return "", fmt.Errorf("invalid repository id %q", repositoryID)
	}
	if l.root == "" {
		return "", fmt.Errorf("%w: %s (no source root configured)", ErrRepositoryNotFound, repositoryID)
	}
	return filepath.Join(l.root, repositoryID), nil
}

func (l *Local) Fetch(ctx context.Context, repositoryID string, paths []string) (*Snapshot, error) {
	dir, err := l.Dir(repositoryID)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(dir)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return nil, fmt.Errorf("%w: %s", ErrRepositoryNotFound, repositoryID)
	case errors.Is(err, fs.ErrPermission):
		return nil, faults.Unauthorized(err)
	case err != nil:
		return nil, fmt.Errorf("stat %s: %w", dir, err)
	case !info.IsDir():
		return nil, fmt.Errorf("%s is not a directory", dir)
	}

	matcher := LoadIgnore(dir)
	if len(paths) > 0 {
		return l.fetchPaths(ctx, dir, matcher, paths)
	}
	return l.walk(ctx, dir, matcher)
}

func (l *Local) walk(ctx context.Context, dir string, matcher *gitignore.GitIgnore) (*Snapshot, error) {
	snap := &Snapshot{}
	err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if err != nil {
			if errors.Is(err, fs.ErrPermission) {
				return faults.Unauthorized(err)
			}
			return err
		}
		rel, err := filepath.Rel(dir, p)
		if err != nil || rel == "." {
			return nil
		}
		rel = filepath.ToSlash(rel)
		if matcher.MatchesPath(rel) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() || !d.Type().IsRegular() {
			return nil
		}

		content, ok, err := l.read(p)
		if err != nil {
			return err
		}
		if !ok {
			snap.Skipped++
			return nil
		}
		snap.Files = append(snap.Files, chunk.FileRecord{Path: rel, Content: content})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk %s: %w", dir, err)
	}
	return snap, nil
}

func (l *Local) fetchPaths(ctx context.Context, dir string, matcher *gitignore.GitIgnore, paths []string) (*Snapshot, error) {
	snap := &Snapshot{}
	seen := make(map[string]bool, len(paths))
	for _, raw := range paths {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		rel := path.Clean(filepath.ToSlash(raw))
		if rel == "." || rel == ".." || strings.HasPrefix(rel, "../") || path.IsAbs(rel) {
			return nil, fmt.Errorf("path %q escapes the repository", raw)
		}
		if seen[rel] {
			continue
		}
		seen[rel] = true

		if matcher.MatchesPath(rel) {
			snap.Missing = append(snap.Missing, rel)
			continue
		}
		full := filepath.Join(dir, filepath.FromSlash(rel))
		info, err := os.Lstat(full)
		if errors.Is(err, fs.ErrNotExist) {
			snap.Missing = append(snap.Missing, rel)
			continue
		}
		if err != nil {
			if errors.Is(err, fs.ErrPermission) {
				return nil, faults.Unauthorized(err)
			}
			return nil, err
		}
		if !info.Mode().IsRegular() {
			continue
		}
		content, ok, err := l.read(full)
		if err != nil {
			return nil, err
		}
		if !ok {
			snap.Skipped++
			continue
		}
		snap.Files = append(snap.Files, chunk.FileRecord{Path: rel, Content: content})
	}
	return snap, nil
}

// read returns the file content, or ok=false when the file is skipped.
func (l *Local) read(p string) (string, bool, error) {
	info, err := os.Stat(p)
	if err != nil {
		return "", false, l.readErr(p, err)
	}
	if info.Size() > l.maxFileBytes {
		l.log.Debug("skipping large file", "path", p, "bytes", info.Size())
		return "", false, nil
	}
	data, err := os.ReadFile(p)
	if err != nil {
		return "", false, l.readErr(p, err)
	}
	if IsBinary(data) {
		return "", false, nil
	}
	return string(data), true, nil
}

func (l *Local) readErr(p string, err error) error {
	if errors.Is(err, fs.ErrPermission) {
		return faults.Unauthorized(err)
	}
	return fmt.Errorf("read %s: %w", p, err)
}

// IsBinary reports whether data looks like a binary file: a NUL byte in
// the first 8000 bytes, or invalid UTF-8.
func IsBinary(data []byte) bool {
	head := data
	if len(head) > 8000 {
		head = head[:8000]
	}
	if bytes.IndexByte(head, 0) >= 0 {
		return true
	}
	return !utf8.Valid(data)
}

// LoadIgnore compiles DefaultIgnorePatterns plus the root .gitignore of dir.
func LoadIgnore(dir string) *gitignore.GitIgnore {
	lines := append([]string(nil), DefaultIgnorePatterns...)
	if f, err := os.Open(filepath.Join(dir, ".gitignore")); err == nil {
		scanner := bufio.NewScanner(f)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "" || strings.HasPrefix(line, "#") {
				continue
			}
			lines = append(lines, line)
		}
		f.Close()
	}
	return gitignore.CompileIgnoreLines(lines...)
}
