package fileops

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"

	"mimir/internal/actions"
	"mimir/internal/response"
)

func newExecutor(t *testing.T) *Executor {
	t.Helper()
	ex, err := New(t.TempDir(), zerolog.Nop())
	if err != nil {
		t.Fatalf("new executor: %v", err)
	}
	return ex
}

func TestWriteRenameDelete(t *testing.T) {
	ex := newExecutor(t)
	ctx := context.Background()

	if err := ex.ApplyWrite(ctx, "src/a.js", "console.log(1)"); err != nil {
		t.Fatalf("write: %v", err)
	}
	b, err := os.ReadFile(filepath.Join(ex.Root(), "src", "a.js"))
	if err != nil || string(b) != "console.log(1)" {
		t.Fatalf("unexpected file %q: %v", b, err)
	}

	if err := ex.ApplyRename(ctx, "src/a.js", "lib/b.js"); err != nil {
		t.Fatalf("rename: %v", err)
	}
	if _, err := os.Stat(filepath.Join(ex.Root(), "lib", "b.js")); err != nil {
		t.Fatalf("renamed file missing: %v", err)
	}

	if err := ex.ApplyDelete(ctx, "lib/b.js"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := os.Stat(filepath.Join(ex.Root(), "lib", "b.js")); !os.IsNotExist(err) {
		t.Fatalf("expected file gone, got %v", err)
	}
}

func TestRejectsEscapingPaths(t *testing.T) {
	ex := newExecutor(t)
	ctx := context.Background()
	for _, p := range []string{"../evil.txt", "a/../../evil.txt", "/etc/passwd"} {
		if err := ex.ApplyWrite(ctx, p, "x"); !errors.Is(err, ErrOutsideRoot) {
			t.Fatalf("expected %q to be rejected, got %v", p, err)
		}
	}
	if err := ex.ApplyDelete(ctx, "."); !errors.Is(err, ErrOutsideRoot) {
		t.Fatalf("deleting the root must be rejected, got %v", err)
	}
}

func TestRejectsSymlinkOutOfRoot(t *testing.T) {
	ex := newExecutor(t)
	ctx := context.Background()
	outside := t.TempDir()
	if err := os.WriteFile(filepath.Join(outside, "keep.txt"), []byte("keep"), 0o600); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if err := os.Symlink(outside, filepath.Join(ex.Root(), "link")); err != nil {
		t.Fatalf("symlink: %v", err)
	}

	if err := ex.ApplyWrite(ctx, "link/new/x.txt", "x"); !errors.Is(err, ErrOutsideRoot) {
		t.Fatalf("write through symlink must be rejected, got %v", err)
	}
	if _, err := os.Stat(filepath.Join(outside, "new")); !os.IsNotExist(err) {
		t.Fatalf("nothing may be created outside the root, got %v", err)
	}
	if err := ex.ApplyDelete(ctx, "link/keep.txt"); !errors.Is(err, ErrOutsideRoot) {
		t.Fatalf("delete through symlink must be rejected, got %v", err)
	}
	if err := ex.ApplyWrite(ctx, "inside/ok.txt", "ok"); err != nil {
		t.Fatalf("write inside root: %v", err)
	}
}

func TestRenameMissingSource(t *testing.T) {
	ex := newExecutor(t)
	if err := ex.ApplyRename(context.Background(), "nope.js", "yes.js"); err == nil {
		t.Fatalf("expected error for missing source")
	}
}

func TestProcessFileOperationsAgainstDisk(t *testing.T) {
	ex := newExecutor(t)
	set := actions.Set{
		Write:  []actions.Write{{Path: "ok.txt", Content: "hi"}, {Path: "../bad.txt", Content: "no"}},
		Delete: []actions.Delete{{Path: "missing.txt"}},
	}
	res := response.ProcessFileOperations(context.Background(), ex, set)
	if !res.Write[0].Success || res.Write[1].Success || res.Delete[0].Success {
		t.Fatalf("unexpected results %+v", res)
	}
	if res.Failed() != 2 {
		t.Fatalf("expected 2 failures, got %d", res.Failed())
	}
}
