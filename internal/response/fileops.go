package response

import (
	"context"

	"mimir/internal/actions"
)

// Executor applies file actions. Paths are taken as the model wrote them;
// resolving them against a workspace is the executor's business.
type Executor interface {
	ApplyWrite(ctx context.Context, path, content string) error
	ApplyRename(ctx context.Context, from, to string) error
	ApplyDelete(ctx context.Context, path string) error
}

type OpResult struct {
	Path    string `json:"path,omitempty"`
	From    string `json:"from,omitempty"`
	To      string `json:"to,omitempty"`
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

type DependencyResult struct {
	Name    string `json:"name"`
	Version string `json:"version"`
	IsDev   bool   `json:"isDev"`
	Status  string `json:"status"`
}

const DependencyPending = "pending"

type FileResults struct {
	Write      []OpResult         `json:"write"`
	Rename     []OpResult         `json:"rename"`
	Delete     []OpResult         `json:"delete"`
	Dependency []DependencyResult `json:"dependency"`
}

// Failed counts the file operations that did not succeed.
func (r FileResults) Failed() int {
	n := 0
	for _, group := range [][]OpResult{r.Write, r.Rename, r.Delete} {
		for _, op := range group {
			if !op.Success {
				n++
			}
		}
	}
	return n
}

// ProcessFileOperations runs writes, then renames, then deletes. Every item
// is attempted even when an earlier one failed. Dependencies are only
// reported as pending.
func ProcessFileOperations(ctx context.Context, ex Executor, set actions.Set) FileResults {
	res := FileResults{
		Write:      []OpResult{},
		Rename:     []OpResult{},
		Delete:     []OpResult{},
		Dependency: []DependencyResult{},
	}
	for _, w := range set.Write {
		res.Write = append(res.Write, outcome(OpResult{Path: w.Path}, ex.ApplyWrite(ctx, w.Path, w.Content)))
	}
	for _, r := range set.Rename {
		res.Rename = append(res.Rename, outcome(OpResult{From: r.From, To: r.To}, ex.ApplyRename(ctx, r.From, r.To)))
	}
	for _, d := range set.Delete {
		res.Delete = append(res.Delete, outcome(OpResult{Path: d.Path}, ex.ApplyDelete(ctx, d.Path)))
	}
	for _, d := range set.AddDependency {
		res.Dependency = append(res.Dependency, DependencyResult{Name: d.Name, Version: d.Version, IsDev: d.IsDev, Status: DependencyPending})
	}
	return res
}

func outcome(r OpResult, err error) OpResult {
	if err != nil {
		r.Error = err.Error()
		return r
	}
	r.Success = true
	return r
}
