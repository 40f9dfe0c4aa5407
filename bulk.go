package drivekit

import (
	"context"
	"io"
	"sort"

	"go.uber.org/zap"
)

// deleteRecursive removes an entire subtree with best-effort bulk
// semantics: every entry is attempted, individual failures are collected,
// and the result is a *BulkError naming each failed path with its cause.
// A partial failure never aborts the remaining deletes and is never
// escalated to a hard failure that hides what succeeded.
//
// The listing is paged through the tree walker, so an unbounded tree
// never sits in memory. Concurrent writers may add keys mid-deletion on
// eventually-listing backends; those keys survive the pass, which is the
// documented best-effort caveat, not a bug.
func (s *Service) deleteRecursive(ctx context.Context, h *BackendHandle, root Path) error {
	var (
		failures  []Failure
		succeeded int
		dirs      []Path
	)

	walker := newTreeWalker(h, root, s.pageSize, true, s.retry)
	for walker.HasMore() {
		if err := ctx.Err(); err != nil {
			return normalizeCtxErr(err)
		}
		entries, err := walker.Next(ctx)
		if err != nil {
			if err == io.EOF {
				break
			}
			return err
		}
		for _, entry := range entries {
			if entry.IsDir() {
				dirs = append(dirs, entry.Path)
				continue
			}
			if err := h.Backend.Delete(ctx, entry.Path, false); err != nil {
				failures = append(failures, Failure{Path: entry.Path.String(), Err: err})
				s.log.Warn("recursive delete: entry failed",
					zap.String("backend", h.ID),
					zap.String("path", entry.Path.String()),
					zap.Error(err))
				continue
			}
			succeeded++
		}
	}

	// Directories go deepest-first so children are gone before their
	// parents. A directory that still shelters a failed entry cannot be
	// removed; skip it without recording a second failure for the same
	// root cause.
	dirs = append(dirs, root)
	sort.Slice(dirs, func(i, j int) bool {
		return dirs[i].Depth() > dirs[j].Depth()
	})
	for _, dir := range dirs {
		if shelteredFailure(dir, failures) {
			continue
		}
		if err := h.Backend.Delete(ctx, dir, false); err != nil && !IsNotFound(err) {
			failures = append(failures, Failure{Path: dir.String(), Err: err})
			continue
		}
		succeeded++
	}

	if len(failures) > 0 {
		return &BulkError{Op: "delete", Succeeded: succeeded, Failures: failures}
	}
	return nil
}

func shelteredFailure(dir Path, failures []Failure) bool {
	for _, f := range failures {
		p, err := ParsePath(f.Path)
		if err != nil {
			continue
		}
		if dir.IsAncestorOf(p) || dir.Equal(p) {
			return true
		}
	}
	return false
}
