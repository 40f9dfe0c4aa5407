package drivekit

import (
	"context"
	"io"
	"time"
)

// EntryKind distinguishes files from directories in listing results.
type EntryKind string

const (
	KindFile EntryKind = "file"
	KindDir  EntryKind = "dir"
)

// FileEntry represents one file or directory as reported by a backend.
// Entries are produced transiently by Stat and List; this layer never
// persists them.
type FileEntry struct {
	Name    string
	Path    Path
	Kind    EntryKind
	Size    int64 // files only; directories carry no aggregate size
	ModTime time.Time

	// ETag is a backend-opaque version token for the entry, used for
	// optimistic-concurrency checks on overwrite. Empty when the backend
	// cannot provide one.
	ETag string

	ContentType string
	Metadata    map[string]string
}

// IsDir reports whether the entry is a directory.
func (e *FileEntry) IsDir() bool {
	return e.Kind == KindDir
}

// ListOptions controls a single List call.
type ListOptions struct {
	// PageSize caps the number of entries per page. Zero means the
	// backend's default.
	PageSize int

	// PageToken resumes a listing from a backend-native continuation
	// token. Callers outside the drivers never see native tokens; they
	// hold wrapped Cursors instead (see cursor.go).
	PageToken string

	// IncludeHidden includes dotfiles in the listing.
	IncludeHidden bool
}

// Page is one page of a directory listing. NextToken is the backend-native
// continuation token, empty when the listing is exhausted.
type Page struct {
	Entries   []FileEntry
	NextToken string
}

// WriteOptions controls an OpenWrite call.
type WriteOptions struct {
	// ExpectedSize is the total payload size if known, -1 otherwise.
	// Backends that can stream with a known content length use it.
	ExpectedSize int64

	ContentType string
	Metadata    map[string]string
}

// ============================================================================
// Backend contract
// ============================================================================

// Backend is the capability contract every storage driver implements. The
// rest of the system depends only on this interface, never on a concrete
// driver type. Capabilities a backend cannot provide return ErrUnsupported
// rather than being modeled as separate interface types; callers branch on
// the result, not on the backend kind.
//
// Implementations must be safe for concurrent use: a Backend holds only
// immutable configuration, never per-call state.
type Backend interface {
	// Kind identifies the driver ("local", "s3", "memory").
	Kind() string

	// Stat returns metadata for the file or directory at path.
	Stat(ctx context.Context, path Path) (*FileEntry, error)

	// List returns one page of the immediate children of a directory,
	// sorted by name ascending. Listing a file returns ErrNotDir.
	List(ctx context.Context, path Path, opts ListOptions) (*Page, error)

	// OpenRead opens the file at path for streaming read.
	OpenRead(ctx context.Context, path Path) (io.ReadCloser, error)

	// OpenWrite opens the file at path for streaming write, creating
	// parent directories as needed. The write is visible after Close.
	OpenWrite(ctx context.Context, path Path, opts WriteOptions) (io.WriteCloser, error)

	// Delete removes the entry at path. Deleting a non-empty directory
	// with recursive=false returns ErrNotEmpty.
	Delete(ctx context.Context, path Path, recursive bool) error

	// Mkdir creates a directory at path. Existing entry returns ErrExist.
	Mkdir(ctx context.Context, path Path) error

	// Rename atomically moves src to dst within the backend. Backends
	// without an atomic rename return ErrUnsupported, forcing the
	// coordinator to fall back to copy+delete.
	Rename(ctx context.Context, src, dst Path) error

	// Copy duplicates a single file server-side. Backends without a
	// native copy return ErrUnsupported; the coordinator then streams.
	Copy(ctx context.Context, src, dst Path) error
}

// ============================================================================
// Optional capability interfaces
// ============================================================================
// Probed by type assertion; only infrastructure inside this module does so
// (the Transfer Engine for chunked uploads, the watch plumbing). Logical
// operations never branch on these.

// ChunkedUploader is implemented by backends that support multi-part
// uploads with out-of-band completion. The Transfer Engine uses it for
// known-size payloads above its chunk threshold.
type ChunkedUploader interface {
	// InitiateUpload starts a chunked upload and returns an upload ID.
	// The write options carry the same content type and metadata a
	// single-shot OpenWrite would store.
	InitiateUpload(ctx context.Context, path Path, opts WriteOptions) (string, error)

	// UploadPart uploads one part. Part numbers start at 1 and are
	// strictly increasing within an upload.
	UploadPart(ctx context.Context, uploadID string, partNumber int, data []byte) error

	// CompleteUpload finalizes a chunked upload, making the object
	// visible.
	CompleteUpload(ctx context.Context, uploadID string) error

	// AbortUpload cancels a chunked upload and discards uploaded parts.
	AbortUpload(ctx context.Context, uploadID string) error
}

// AbortWriter is implemented by write sinks that can discard everything
// written so far, leaving no partial object behind. The Transfer Engine
// calls Abort instead of Close on cancellation; sinks without it leave a
// partial file that is reported as ErrIncomplete, never silently deleted.
type AbortWriter interface {
	Abort() error
}

// Watcher is implemented by backends that can signal changes under a
// directory, either from native filesystem events or by polling.
type Watcher interface {
	// Watch creates a change token for entries under dir whose names
	// match pattern (glob syntax, "" matches everything).
	Watch(ctx context.Context, dir Path, pattern string) (ChangeToken, error)
}

// ============================================================================
// Backend registry
// ============================================================================

// BackendHandle is a live, configured binding to one storage backend:
// identifier, driver kind, and the driver itself. Handles are immutable
// after construction and shared by all operations against that backend.
type BackendHandle struct {
	ID      string
	Kind    string
	Backend Backend
}

// NewBackendHandle binds a backend under an identifier.
func NewBackendHandle(id string, b Backend) *BackendHandle {
	return &BackendHandle{ID: id, Kind: b.Kind(), Backend: b}
}
