// Package drivekit is the storage backend abstraction layer of a
// cloud-drive application: one backend-agnostic file-management contract
// over interchangeable storage drivers, from hierarchical filesystems to
// flat-namespace object stores with continuation-token pagination.
//
// The package reconciles the backends' divergent path semantics,
// pagination protocols, consistency models, and partial-failure behavior
// behind a single [Backend] interface, and coordinates multi-step logical
// operations (move as copy+verify+delete, best-effort recursive delete,
// lazy recursive listing) through [Service].
//
// # Storage drivers
//
//   - Local filesystem (github.com/gobeaver/drivekit/driver/local)
//   - S3-compatible object storage (github.com/gobeaver/drivekit/driver/s3)
//   - In-memory (github.com/gobeaver/drivekit/driver/memory)
//
// Every driver implements the full [Backend] contract; capabilities a
// backend cannot provide (atomic rename on an object store, for one)
// return [ErrUnsupported] and the coordinator falls back. Callers branch
// on results, never on driver types.
//
// # Basic usage
//
//	import (
//	    "github.com/gobeaver/drivekit"
//	    "github.com/gobeaver/drivekit/driver/local"
//	)
//
//	backend, err := local.New("./storage")
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	registry, err := drivekit.NewRegistry(drivekit.NewBackendHandle("files", backend))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	svc := drivekit.NewService(registry)
//
//	ctx := context.Background()
//
//	// Upload a file
//	_, err = svc.Upload(ctx, "files", "docs/hello.txt", strings.NewReader("Hello!"), 6, nil)
//
//	// Page through a directory
//	page, err := svc.ListDirectory(ctx, "files", "docs", drivekit.ListRequest{PageSize: 100})
//	for !page.NextCursor.IsZero() {
//	    page, err = svc.ListDirectory(ctx, "files", "docs",
//	        drivekit.ListRequest{PageSize: 100, Cursor: page.NextCursor})
//	}
//
// # Pagination cursors
//
// Every listing returns an opaque [Cursor] wrapping the backend-native
// continuation token together with the issuing backend and path. A cursor
// presented against any other backend or path fails with
// [ErrInvalidCursor]; cross-backend cursor reuse is impossible by
// construction.
//
// # Error taxonomy
//
// Drivers translate their native errors at the boundary into the shared
// sentinels ([ErrNotFound], [ErrExist], [ErrAccessDenied], ...). Transient
// [ErrUnavailable] failures on idempotent calls are retried internally
// with bounded exponential backoff; writes, deletes, and renames are never
// silently retried. Bulk operations report mixed outcomes as a
// [*BulkError] listing every failed path instead of aborting.
//
// # Configuration
//
// Backends are constructed once at the application's configuration
// boundary, from environment variables via [GetConfig]/[OpenBackend] or
// directly, and collected into an immutable [Registry]. The core never
// re-reads configuration mid-operation; reconfiguration means a new
// Registry and a new Service.
package drivekit
