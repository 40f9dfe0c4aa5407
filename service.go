package drivekit

import (
	"context"
	"fmt"
	"io"

	"go.uber.org/zap"
)

// Service is the operation coordinator: the single entry point the
// routing/UI layer calls. It sequences multi-step operations over the
// configured backends, translates every failure into the shared error
// taxonomy, and emits an Event for each mutating operation so the caller
// can persist audit records.
//
// A Service is safe for concurrent use. It holds no per-request state;
// each logical request is an independent task.
type Service struct {
	registry *Registry
	engine   *Engine
	log      *zap.Logger
	events   *Broadcaster
	retry    RetryConfig

	pageSize        int
	verifyChecksums bool
}

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithLogger sets the service logger. Defaults to a no-op logger.
func WithLogger(log *zap.Logger) ServiceOption {
	return func(s *Service) {
		if log != nil {
			s.log = log
		}
	}
}

// WithEngine replaces the default transfer engine.
func WithEngine(e *Engine) ServiceOption {
	return func(s *Service) {
		if e != nil {
			s.engine = e
		}
	}
}

// WithRetry sets the retry policy for idempotent backend calls.
func WithRetry(cfg RetryConfig) ServiceOption {
	return func(s *Service) { s.retry = cfg }
}

// WithPageSize sets the default listing page size.
func WithPageSize(n int) ServiceOption {
	return func(s *Service) {
		if n > 0 {
			s.pageSize = n
		}
	}
}

// WithChecksumVerification makes Move verify copies by streamed SHA-256 in
// addition to the size check. Costs one extra read of source and
// destination per copied file.
func WithChecksumVerification() ServiceOption {
	return func(s *Service) { s.verifyChecksums = true }
}

// NewService creates the coordinator over an immutable backend registry.
func NewService(registry *Registry, opts ...ServiceOption) *Service {
	s := &Service{
		registry: registry,
		log:      zap.NewNop(),
		events:   NewBroadcaster(),
		retry:    DefaultRetryConfig(),
		pageSize: 1000,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.engine == nil {
		s.engine = NewEngine(WithEngineLogger(s.log))
	}
	return s
}

// Events returns the broadcaster carrying one Event per completed
// mutating operation.
func (s *Service) Events() *Broadcaster {
	return s.events
}

// Engine exposes the transfer engine, mainly so callers can observe
// in-flight sessions.
func (s *Service) Engine() *Engine {
	return s.engine
}

// Backends returns the configured backend identifiers.
func (s *Service) Backends() []string {
	return s.registry.IDs()
}

func (s *Service) resolve(backendID, rawPath string) (*BackendHandle, Path, error) {
	h, err := s.registry.Lookup(backendID)
	if err != nil {
		return nil, Path{}, err
	}
	p, err := ParsePath(rawPath)
	if err != nil {
		return nil, Path{}, err
	}
	return h, p, nil
}

func (s *Service) publish(op, backendID string, path Path, dest string, bytes int64, err error) {
	ev := Event{Op: op, BackendID: backendID, Path: path.String(), Dest: dest, Bytes: bytes}
	if err != nil {
		ev.Err = err.Error()
	}
	s.events.Publish(ev)
}

// ============================================================================
// Listing and metadata
// ============================================================================

// ListRequest parameterizes one ListDirectory page.
type ListRequest struct {
	// PageSize caps entries per page; zero uses the service default.
	PageSize int

	// Cursor resumes a previous listing. Must have been issued for the
	// same backend and path, else ErrInvalidCursor.
	Cursor Cursor

	IncludeHidden bool
}

// Listing is one page of directory entries plus the cursor for the next
// page. NextCursor is zero when the listing is exhausted.
type Listing struct {
	Entries    []FileEntry
	NextCursor Cursor
}

// ListDirectory returns one page of the immediate children of a
// directory. Repeated calls threading NextCursor yield every entry exactly
// once, in name order, regardless of page size.
func (s *Service) ListDirectory(ctx context.Context, backendID, rawPath string, req ListRequest) (*Listing, error) {
	h, p, err := s.resolve(backendID, rawPath)
	if err != nil {
		return nil, err
	}

	token, err := ResolveCursor(req.Cursor, h.ID, p)
	if err != nil {
		return nil, err
	}

	pageSize := req.PageSize
	if pageSize <= 0 {
		pageSize = s.pageSize
	}

	page, err := retryIdempotent(ctx, s.retry, func() (*Page, error) {
		return h.Backend.List(ctx, p, ListOptions{
			PageSize:      pageSize,
			PageToken:     token,
			IncludeHidden: req.IncludeHidden,
		})
	})
	observeOperation("list", h.ID, err)
	if err != nil {
		return nil, normalizeCtxErr(err)
	}

	return &Listing{
		Entries:    page.Entries,
		NextCursor: EncodeCursor(h.ID, p, page.NextToken),
	}, nil
}

// ListTree returns one page of a lazy, breadth-first walk of the whole
// subtree. The returned cursor restarts the walk from exactly this point;
// a single walk is finite and cannot be rewound.
func (s *Service) ListTree(ctx context.Context, backendID, rawPath string, req ListRequest) (*Listing, error) {
	h, p, err := s.resolve(backendID, rawPath)
	if err != nil {
		return nil, err
	}

	pageSize := req.PageSize
	if pageSize <= 0 {
		pageSize = s.pageSize
	}

	var walker *TreeWalker
	if req.Cursor.IsZero() {
		walker = newTreeWalker(h, p, pageSize, req.IncludeHidden, s.retry)
	} else {
		token, err := ResolveCursor(req.Cursor, h.ID, p)
		if err != nil {
			return nil, err
		}
		walker, err = resumeTreeWalker(h, p, pageSize, req.IncludeHidden, s.retry, token)
		if err != nil {
			return nil, err
		}
	}

	entries, err := walker.Next(ctx)
	observeOperation("list_tree", h.ID, err)
	if err != nil {
		if err == io.EOF {
			return &Listing{}, nil
		}
		return nil, err
	}

	return &Listing{Entries: entries, NextCursor: walker.Cursor()}, nil
}

// Walk returns a tree walker for callers that drive the lazy traversal
// themselves (recursive operations inside a single task).
func (s *Service) Walk(backendID, rawPath string, pageSize int, includeHidden bool) (*TreeWalker, error) {
	h, p, err := s.resolve(backendID, rawPath)
	if err != nil {
		return nil, err
	}
	if pageSize <= 0 {
		pageSize = s.pageSize
	}
	return newTreeWalker(h, p, pageSize, includeHidden, s.retry), nil
}

// StatEntry returns metadata for a single entry.
func (s *Service) StatEntry(ctx context.Context, backendID, rawPath string) (*FileEntry, error) {
	h, p, err := s.resolve(backendID, rawPath)
	if err != nil {
		return nil, err
	}
	entry, err := retryIdempotent(ctx, s.retry, func() (*FileEntry, error) {
		return h.Backend.Stat(ctx, p)
	})
	observeOperation("stat", h.ID, err)
	if err != nil {
		return nil, normalizeCtxErr(err)
	}
	return entry, nil
}

// ============================================================================
// Transfers
// ============================================================================

// Upload streams src into the backend at path. size is the expected total,
// -1 if unknown. The returned session exposes the final byte count and
// state; poll it from another goroutine for live progress.
func (s *Service) Upload(ctx context.Context, backendID, rawPath string, src io.Reader, size int64, opts *TransferOptions) (*TransferSession, error) {
	h, p, err := s.resolve(backendID, rawPath)
	if err != nil {
		return nil, err
	}
	if p.IsRoot() {
		return nil, fmt.Errorf("%w: cannot upload to a backend root", ErrInvalidPath)
	}

	session, err := s.engine.Upload(ctx, h, p, src, size, opts)
	observeOperation("upload", h.ID, err)
	var bytes int64
	if session != nil {
		bytes = session.BytesTransferred()
	}
	s.publish("upload", h.ID, p, "", bytes, err)
	return session, err
}

// Download opens the file at path for streaming read. The caller owns the
// returned stream and must close it; transport-level failures while
// opening are translated to the taxonomy.
func (s *Service) Download(ctx context.Context, backendID, rawPath string) (io.ReadCloser, error) {
	h, p, err := s.resolve(backendID, rawPath)
	if err != nil {
		return nil, err
	}
	rc, err := retryIdempotent(ctx, s.retry, func() (io.ReadCloser, error) {
		return h.Backend.OpenRead(ctx, p)
	})
	observeOperation("download", h.ID, err)
	if err != nil {
		return nil, normalizeCtxErr(err)
	}
	return rc, nil
}

// DownloadTo streams the file at path into dst through the transfer
// engine, with chunked progress and cancellation.
func (s *Service) DownloadTo(ctx context.Context, backendID, rawPath string, dst io.Writer, opts *TransferOptions) (*TransferSession, error) {
	h, p, err := s.resolve(backendID, rawPath)
	if err != nil {
		return nil, err
	}
	session, err := s.engine.Download(ctx, h, p, dst, opts)
	observeOperation("download", h.ID, err)
	return session, err
}

// ============================================================================
// Mutations
// ============================================================================

// Mkdir creates a directory.
func (s *Service) Mkdir(ctx context.Context, backendID, rawPath string) error {
	h, p, err := s.resolve(backendID, rawPath)
	if err != nil {
		return err
	}
	if p.IsRoot() {
		return fmt.Errorf("%w: backend root already exists", ErrExist)
	}
	err = h.Backend.Mkdir(ctx, p)
	observeOperation("mkdir", h.ID, err)
	s.publish("mkdir", h.ID, p, "", 0, err)
	return normalizeCtxErr(err)
}

// Delete removes the entry at path. With recursive=false a non-empty
// directory fails with ErrNotEmpty. With recursive=true the whole subtree
// is removed best-effort: individual failures are collected into a
// *BulkError naming every failed path, while everything else is deleted.
func (s *Service) Delete(ctx context.Context, backendID, rawPath string, recursive bool) error {
	h, p, err := s.resolve(backendID, rawPath)
	if err != nil {
		return err
	}
	if p.IsRoot() && !recursive {
		return fmt.Errorf("%w: refusing to delete a backend root non-recursively", ErrInvalidPath)
	}

	if !recursive {
		err = h.Backend.Delete(ctx, p, false)
		observeOperation("delete", h.ID, err)
		s.publish("delete", h.ID, p, "", 0, err)
		return normalizeCtxErr(err)
	}

	entry, err := retryIdempotent(ctx, s.retry, func() (*FileEntry, error) {
		return h.Backend.Stat(ctx, p)
	})
	if err != nil {
		observeOperation("delete", h.ID, err)
		return normalizeCtxErr(err)
	}

	if !entry.IsDir() {
		err = h.Backend.Delete(ctx, p, false)
	} else {
		err = s.deleteRecursive(ctx, h, p)
	}
	observeOperation("delete", h.ID, err)
	s.publish("delete", h.ID, p, "", 0, err)
	return err
}

// Copy duplicates a single file, server-side when the backend supports it
// and streamed otherwise. Directories are not copied; use Move semantics
// or walk the tree.
func (s *Service) Copy(ctx context.Context, srcBackendID, srcPath, dstBackendID, dstPath string) error {
	srcH, src, err := s.resolve(srcBackendID, srcPath)
	if err != nil {
		return err
	}
	dstH, dst, err := s.resolve(dstBackendID, dstPath)
	if err != nil {
		return err
	}

	entry, err := retryIdempotent(ctx, s.retry, func() (*FileEntry, error) {
		return srcH.Backend.Stat(ctx, src)
	})
	if err != nil {
		observeOperation("copy", srcH.ID, err)
		return normalizeCtxErr(err)
	}
	if entry.IsDir() {
		return &PathError{Op: "copy", Backend: srcH.ID, Path: src.String(), Err: ErrIsDir}
	}

	bytes, err := s.copyFile(ctx, srcH, entry, dstH, dst)
	observeOperation("copy", srcH.ID, err)
	s.publish("copy", srcH.ID, src, dst.String(), bytes, err)
	return err
}

// WatchDirectory returns a change token for the directory, when the
// backend can watch at all; otherwise ErrUnsupported.
func (s *Service) WatchDirectory(ctx context.Context, backendID, rawPath, pattern string) (ChangeToken, error) {
	h, p, err := s.resolve(backendID, rawPath)
	if err != nil {
		return nil, err
	}
	watcher, ok := h.Backend.(Watcher)
	if !ok {
		return nil, &PathError{Op: "watch", Backend: h.ID, Path: p.String(), Err: ErrUnsupported}
	}
	return watcher.Watch(ctx, p, pattern)
}
