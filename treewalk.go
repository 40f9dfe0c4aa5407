package drivekit

import (
	"context"
	"fmt"
	"io"
	"strings"
)

// TreeWalker lazily pages through an entire subtree, one directory page
// per Next call, in breadth-first order. It never materializes the tree:
// memory is bounded by the pending-directory queue plus a single page.
//
// A walker is restartable: Cursor seals its position (pending queue plus
// the in-directory continuation token) into an opaque Cursor, and
// ResumeTreeWalk continues from it. Within one walker there is no rewind.
//
// Walkers are single-goroutine; concurrent walks use separate walkers.
type TreeWalker struct {
	handle        *BackendHandle
	root          Path
	pageSize      int
	includeHidden bool
	retry         RetryConfig

	// maxDepth caps descent below root; 0 means unbounded. Directories
	// at the cap are yielded but never queued, so bounded walks list
	// nothing beyond it.
	maxDepth int

	current *Path
	token   string
	pending []Path
	done    bool
}

const treeTokenVersion = "t1"

func newTreeWalker(h *BackendHandle, root Path, pageSize int, includeHidden bool, retry RetryConfig) *TreeWalker {
	cur := root
	return &TreeWalker{
		handle:        h,
		root:          root,
		pageSize:      pageSize,
		includeHidden: includeHidden,
		retry:         retry,
		current:       &cur,
	}
}

// resumeTreeWalker rebuilds a walker from a previously issued tree token.
func resumeTreeWalker(h *BackendHandle, root Path, pageSize int, includeHidden bool, retry RetryConfig, treeToken string) (*TreeWalker, error) {
	fields := strings.Split(treeToken, "\x00")
	if len(fields) < 3 || fields[0] != treeTokenVersion {
		return nil, fmt.Errorf("%w: bad tree token", ErrInvalidCursor)
	}
	cur, err := ParsePath(fields[1])
	if err != nil {
		return nil, fmt.Errorf("%w: bad tree token path", ErrInvalidCursor)
	}
	w := &TreeWalker{
		handle:        h,
		root:          root,
		pageSize:      pageSize,
		includeHidden: includeHidden,
		retry:         retry,
		current:       &cur,
		token:         fields[2],
	}
	for _, raw := range fields[3:] {
		p, err := ParsePath(raw)
		if err != nil {
			return nil, fmt.Errorf("%w: bad tree token path", ErrInvalidCursor)
		}
		w.pending = append(w.pending, p)
	}
	return w, nil
}

// HasMore reports whether another Next call can yield entries.
func (w *TreeWalker) HasMore() bool {
	return !w.done
}

// Next fetches the next page of the walk. Directories are yielded as
// entries and queued for later descent. Calling Next on an exhausted
// walker returns io.EOF.
func (w *TreeWalker) Next(ctx context.Context) ([]FileEntry, error) {
	if w.done {
		return nil, io.EOF
	}

	// Move to the next pending directory when the current one is
	// finished.
	if w.current == nil {
		if len(w.pending) == 0 {
			w.done = true
			return nil, io.EOF
		}
		next := w.pending[0]
		w.pending = w.pending[1:]
		w.current = &next
		w.token = ""
	}

	dir := *w.current
	page, err := retryIdempotent(ctx, w.retry, func() (*Page, error) {
		return w.handle.Backend.List(ctx, dir, ListOptions{
			PageSize:      w.pageSize,
			PageToken:     w.token,
			IncludeHidden: w.includeHidden,
		})
	})
	if err != nil {
		return nil, normalizeCtxErr(err)
	}

	for _, entry := range page.Entries {
		if entry.IsDir() && (w.maxDepth <= 0 || entry.Path.Depth()-w.root.Depth() < w.maxDepth) {
			w.pending = append(w.pending, entry.Path)
		}
	}

	if page.NextToken != "" {
		w.token = page.NextToken
	} else {
		w.current = nil
		w.token = ""
		if len(w.pending) == 0 {
			w.done = true
		}
	}

	return page.Entries, nil
}

// Skip abandons the directory currently being paged and moves on to the
// next pending one. Callers use it to step over unreadable branches.
func (w *TreeWalker) Skip() {
	w.current = nil
	w.token = ""
	if len(w.pending) == 0 {
		w.done = true
	}
}

// Cursor seals the walker's resume point. An exhausted walker returns the
// zero Cursor. The cursor is bound to the walker's backend and root path
// like any listing cursor.
func (w *TreeWalker) Cursor() Cursor {
	if w.done {
		return ""
	}

	cur := w.current
	pending := w.pending
	if cur == nil {
		if len(pending) == 0 {
			return ""
		}
		cur = &pending[0]
		pending = pending[1:]
	}

	fields := make([]string, 0, 3+len(pending))
	fields = append(fields, treeTokenVersion, cur.String(), w.token)
	for _, p := range pending {
		fields = append(fields, p.String())
	}
	return EncodeCursor(w.handle.ID, w.root, strings.Join(fields, "\x00"))
}
