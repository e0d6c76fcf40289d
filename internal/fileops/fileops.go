// Package fileops applies model file actions inside a workspace root.
package fileops

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"

	"mimir/internal/apperr"
)

var ErrOutsideRoot = fmt.Errorf("%w: path escapes workspace root", apperr.ErrConfiguration)

// Executor resolves every path against Root and refuses anything that
// would land outside it.
type Executor struct {
	root string
	log  zerolog.Logger
}

func New(root string, log zerolog.Logger) (*Executor, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve workspace root: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create workspace root: %w", err)
	}
	if abs, err = filepath.EvalSymlinks(abs); err != nil {
		return nil, fmt.Errorf("resolve workspace root: %w", err)
	}
	return &Executor{root: abs, log: log.With().Str("component", "fileops").Logger()}, nil
}

func (e *Executor) Root() string { return e.root }

func (e *Executor) ApplyWrite(ctx context.Context, path, content string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	full, err := e.resolve(path)
	if err != nil {
		return err
	}
	if err := WriteFileAtomic(full, []byte(content), 0o644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	e.log.Debug().Str("path", path).Int("bytes", len(content)).Msg("file written")
	return nil
}

func (e *Executor) ApplyRename(ctx context.Context, from, to string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	src, err := e.resolve(from)
	if err != nil {
		return err
	}
	dst, err := e.resolve(to)
	if err != nil {
		return err
	}
	if _, err := os.Stat(src); err != nil {
		return fmt.Errorf("rename %s: %w", from, err)
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return fmt.Errorf("rename %s: %w", from, err)
	}
	if err := os.Rename(src, dst); err != nil {
		return fmt.Errorf("rename %s: %w", from, err)
	}
	e.log.Debug().Str("from", from).Str("to", to).Msg("file renamed")
	return nil
}

func (e *Executor) ApplyDelete(ctx context.Context, path string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	full, err := e.resolve(path)
	if err != nil {
		return err
	}
	if full == e.root {
		return ErrOutsideRoot
	}
	if err := os.Remove(full); err != nil {
		return fmt.Errorf("delete %s: %w", path, err)
	}
	e.log.Debug().Str("path", path).Msg("file deleted")
	return nil
}

func (e *Executor) resolve(p string) (string, error) {
	if strings.TrimSpace(p) == "" {
		return "", fmt.Errorf("%w: empty path", apperr.ErrConfiguration)
	}
	full := p
	if !filepath.IsAbs(p) {
		full = filepath.Join(e.root, p)
	}
	full = filepath.Clean(full)
	if !e.inside(full) {
		return "", fmt.Errorf("%w: %s", ErrOutsideRoot, p)
	}
	// a symlinked directory inside the root may still point out of it
	dir, err := realDir(filepath.Dir(full))
	if err != nil {
		return "", fmt.Errorf("resolve %s: %w", p, err)
	}
	if !e.inside(dir) {
		return "", fmt.Errorf("%w: %s", ErrOutsideRoot, p)
	}
	return full, nil
}

func (e *Executor) inside(path string) bool {
	rel, err := filepath.Rel(e.root, path)
	return err == nil && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// realDir resolves symlinks in the longest existing prefix of dir. The part
// that does not exist yet is appended unchanged.
func realDir(dir string) (string, error) {
	rest := ""
	for {
		r, err := filepath.EvalSymlinks(dir)
		if err == nil {
			return filepath.Join(r, rest), nil
		}
		parent := filepath.Dir(dir)
		if !errors.Is(err, fs.ErrNotExist) || parent == dir {
			return "", err
		}
		rest = filepath.Join(filepath.Base(dir), rest)
		dir = parent
	}
}

// WriteFileAtomic writes data to a temp file next to path and renames it
// into place, so readers never see a partial file.
func WriteFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	f, err := os.CreateTemp(dir, ".tmp-")
	if err != nil {
		return err
	}
	tmp := f.Name()
	ok := false
	defer func() {
		if !ok {
			_ = f.Close()
			_ = os.Remove(tmp)
		}
	}()
	if _, err := f.Write(data); err != nil {
		return err
	}
	if err := f.Sync(); err != nil {
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmp, perm); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		return err
	}
	ok = true
	return nil
}
