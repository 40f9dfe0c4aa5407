package drivekit

import (
	"context"
	"io"
	"strings"

	"github.com/gobwas/glob"
)

// Search limits applied when the caller does not set its own.
const (
	DefaultSearchDepth   = 5
	DefaultSearchResults = 2000
)

// SearchOptions controls a bounded subtree search.
type SearchOptions struct {
	// Query is a substring to look for in entry names, or a glob
	// pattern when Glob is true.
	Query string
	Glob  bool

	// CaseFold matches case-insensitively.
	CaseFold bool

	// FilesOnly excludes directories from the results.
	FilesOnly bool

	// MaxDepth bounds descent below the search root (default 5).
	// MaxResults bounds the result count (default 2000).
	MaxDepth   int
	MaxResults int
}

// Search walks the subtree under path breadth-first and returns entries
// whose names match the query. The walk is bounded by depth and result
// count so a pathological tree cannot balloon the response; it never
// materializes the subtree.
func (s *Service) Search(ctx context.Context, backendID, rawPath string, opts SearchOptions) ([]FileEntry, error) {
	h, root, err := s.resolve(backendID, rawPath)
	if err != nil {
		return nil, err
	}

	maxDepth := opts.MaxDepth
	if maxDepth <= 0 {
		maxDepth = DefaultSearchDepth
	}
	maxResults := opts.MaxResults
	if maxResults <= 0 {
		maxResults = DefaultSearchResults
	}

	match, err := s.compileMatcher(opts)
	if err != nil {
		return nil, err
	}

	var results []FileEntry
	walker := newTreeWalker(h, root, s.pageSize, false, s.retry)
	walker.maxDepth = maxDepth
	for walker.HasMore() && len(results) < maxResults {
		entries, err := walker.Next(ctx)
		if err != nil {
			if err == io.EOF {
				break
			}
			observeOperation("search", h.ID, err)
			return nil, err
		}
		for _, entry := range entries {
			if opts.FilesOnly && entry.IsDir() {
				continue
			}
			if match(entry.Name) {
				results = append(results, entry)
				if len(results) >= maxResults {
					break
				}
			}
		}
	}

	observeOperation("search", h.ID, nil)
	return results, nil
}

func (s *Service) compileMatcher(opts SearchOptions) (func(string) bool, error) {
	query := opts.Query
	if opts.CaseFold {
		query = strings.ToLower(query)
	}

	if opts.Glob {
		g, err := glob.Compile(query)
		if err != nil {
			return nil, NewPathError("search", opts.Query, ErrInvalidPath)
		}
		return func(name string) bool {
			if opts.CaseFold {
				name = strings.ToLower(name)
			}
			return g.Match(name)
		}, nil
	}

	return func(name string) bool {
		if opts.CaseFold {
			name = strings.ToLower(name)
		}
		return strings.Contains(name, query)
	}, nil
}

// TreeSize totals the bytes of every file under path. Unreadable branches
// are skipped rather than failing the whole computation, so the total is a
// lower bound when parts of the tree are inaccessible.
func (s *Service) TreeSize(ctx context.Context, backendID, rawPath string) (int64, error) {
	h, root, err := s.resolve(backendID, rawPath)
	if err != nil {
		return 0, err
	}

	entry, err := retryIdempotent(ctx, s.retry, func() (*FileEntry, error) {
		return h.Backend.Stat(ctx, root)
	})
	if err != nil {
		observeOperation("tree_size", h.ID, err)
		return 0, err
	}
	if !entry.IsDir() {
		return entry.Size, nil
	}

	var total int64
	walker := newTreeWalker(h, root, s.pageSize, true, s.retry)
	for walker.HasMore() {
		entries, err := walker.Next(ctx)
		if err != nil {
			if err == io.EOF {
				break
			}
			if IsCancelled(err) {
				return total, err
			}
			// Unreadable branch, step over it and keep going.
			walker.Skip()
			continue
		}
		for _, e := range entries {
			if !e.IsDir() {
				total += e.Size
			}
		}
	}

	observeOperation("tree_size", h.ID, nil)
	return total, nil
}
