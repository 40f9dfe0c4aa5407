// Package local implements the drivekit backend contract over a
// hierarchical filesystem rooted at a configured directory.
package local

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"

	"github.com/cespare/xxhash/v2"

	"github.com/gobeaver/drivekit"
)

// Adapter provides a local filesystem implementation of drivekit.Backend.
// Virtual path segments map directly to filesystem components under the
// configured root; symlinks are resolved but must not escape the root.
type Adapter struct {
	root string

	uploads struct {
		sync.Mutex
		m map[string]*uploadInfo
	}
}

// New creates a local backend rooted at root, creating the directory if
// needed.
func New(root string) (*Adapter, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(absRoot, 0o755); err != nil {
		return nil, err
	}
	// Resolve the root itself so escape checks compare like with like.
	resolved, err := filepath.EvalSymlinks(absRoot)
	if err != nil {
		return nil, err
	}

	a := &Adapter{root: resolved}
	a.uploads.m = make(map[string]*uploadInfo)
	return a, nil
}

// Kind implements drivekit.Backend
func (a *Adapter) Kind() string { return "local" }

// resolve maps a virtual path to an absolute filesystem path, verifying
// that symlink resolution keeps it under the root. An escape surfaces as
// ErrAccessDenied.
func (a *Adapter) resolve(op string, p drivekit.Path) (string, error) {
	full := filepath.Join(a.root, filepath.FromSlash(p.String()))

	// Resolve the deepest existing ancestor; the tail of a path being
	// created cannot be a symlink yet.
	probe := full
	var tail []string
	for {
		resolved, err := filepath.EvalSymlinks(probe)
		if err == nil {
			probe = resolved
			break
		}
		if !os.IsNotExist(err) {
			return "", a.pathError(op, p, err)
		}
		tail = append(tail, filepath.Base(probe))
		parent := filepath.Dir(probe)
		if parent == probe {
			break
		}
		probe = parent
	}
	for i := len(tail) - 1; i >= 0; i-- {
		probe = filepath.Join(probe, tail[i])
	}

	if probe != a.root && !strings.HasPrefix(probe, a.root+string(filepath.Separator)) {
		return "", &drivekit.PathError{Op: op, Path: p.String(), Err: drivekit.ErrAccessDenied}
	}
	return probe, nil
}

func (a *Adapter) pathError(op string, p drivekit.Path, err error) error {
	return &drivekit.PathError{Op: op, Path: p.String(), Err: mapOSError(err)}
}

// mapOSError translates OS-level errors into the drivekit taxonomy.
// Errno-specific cases live in the platform files.
func mapOSError(err error) error {
	// ENOTEMPTY and ENOTDIR must be checked before os.IsExist: on Linux
	// os.IsExist matches ENOTEMPTY too.
	switch {
	case err == nil:
		return nil
	case errors.Is(err, syscall.ENOTEMPTY):
		return drivekit.ErrNotEmpty
	case errors.Is(err, syscall.ENOTDIR):
		return drivekit.ErrNotDir
	case os.IsNotExist(err):
		return drivekit.ErrNotFound
	case os.IsExist(err):
		return drivekit.ErrExist
	case os.IsPermission(err):
		return drivekit.ErrAccessDenied
	}
	if mapped := mapErrno(err); mapped != nil {
		return mapped
	}
	return err
}

// entryETag derives the optimistic-concurrency token for a local file from
// its size and modification time. Cheap, and changes whenever the content
// plausibly did.
func entryETag(info fs.FileInfo) string {
	h := xxhash.New()
	fmt.Fprintf(h, "%d|%d", info.Size(), info.ModTime().UnixNano())
	return hex.EncodeToString(h.Sum(nil))
}

func (a *Adapter) entry(p drivekit.Path, info fs.FileInfo) drivekit.FileEntry {
	e := drivekit.FileEntry{
		Name:    p.Name(),
		Path:    p,
		Kind:    drivekit.KindFile,
		ModTime: info.ModTime(),
	}
	if info.IsDir() {
		e.Kind = drivekit.KindDir
		return e
	}
	e.Size = info.Size()
	e.ETag = entryETag(info)
	e.ContentType = drivekit.GuessContentType(p.Name(), nil)
	return e
}

// Stat implements drivekit.Backend
func (a *Adapter) Stat(ctx context.Context, p drivekit.Path) (*drivekit.FileEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	full, err := a.resolve("stat", p)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(full)
	if err != nil {
		return nil, a.pathError("stat", p, err)
	}
	e := a.entry(p, info)
	return &e, nil
}

// List implements drivekit.Backend. One directory read, sorted by name
// ascending; the continuation token is the numeric offset into the sorted
// (and hidden-filtered) listing, so repeated pages are deterministic for
// any page size.
func (a *Adapter) List(ctx context.Context, p drivekit.Path, opts drivekit.ListOptions) (*drivekit.Page, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	full, err := a.resolve("list", p)
	if err != nil {
		return nil, err
	}

	info, err := os.Stat(full)
	if err != nil {
		return nil, a.pathError("list", p, err)
	}
	if !info.IsDir() {
		return nil, &drivekit.PathError{Op: "list", Path: p.String(), Err: drivekit.ErrNotDir}
	}

	dirEntries, err := os.ReadDir(full) // already sorted by name
	if err != nil {
		return nil, a.pathError("list", p, err)
	}

	filtered := dirEntries[:0]
	for _, de := range dirEntries {
		if !opts.IncludeHidden && strings.HasPrefix(de.Name(), ".") {
			continue
		}
		filtered = append(filtered, de)
	}

	offset := 0
	if opts.PageToken != "" {
		offset, err = strconv.Atoi(opts.PageToken)
		if err != nil || offset < 0 {
			return nil, &drivekit.PathError{Op: "list", Path: p.String(), Err: drivekit.ErrInvalidCursor}
		}
	}
	if offset > len(filtered) {
		offset = len(filtered)
	}

	end := len(filtered)
	if opts.PageSize > 0 && offset+opts.PageSize < end {
		end = offset + opts.PageSize
	}

	page := &drivekit.Page{}
	for _, de := range filtered[offset:end] {
		child, err := p.Child(de.Name())
		if err != nil {
			continue // name not representable as a virtual path
		}
		info, err := de.Info()
		if err != nil {
			continue // raced with a concurrent delete
		}
		page.Entries = append(page.Entries, a.entry(child, info))
	}
	if end < len(filtered) {
		page.NextToken = strconv.Itoa(end)
	}
	return page, nil
}

// OpenRead implements drivekit.Backend
func (a *Adapter) OpenRead(ctx context.Context, p drivekit.Path) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	full, err := a.resolve("read", p)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(full)
	if err != nil {
		return nil, a.pathError("read", p, err)
	}
	if info.IsDir() {
		return nil, &drivekit.PathError{Op: "read", Path: p.String(), Err: drivekit.ErrIsDir}
	}
	f, err := os.Open(full)
	if err != nil {
		return nil, a.pathError("read", p, err)
	}
	return f, nil
}

// OpenWrite implements drivekit.Backend. The sink writes through to the
// final name; an interrupted write therefore leaves a partial file, which
// the transfer engine reports as incomplete rather than deleting.
func (a *Adapter) OpenWrite(ctx context.Context, p drivekit.Path, opts drivekit.WriteOptions) (io.WriteCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	full, err := a.resolve("write", p)
	if err != nil {
		return nil, err
	}
	if info, err := os.Stat(full); err == nil && info.IsDir() {
		return nil, &drivekit.PathError{Op: "write", Path: p.String(), Err: drivekit.ErrIsDir}
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return nil, a.pathError("write", p, err)
	}
	f, err := os.Create(full)
	if err != nil {
		return nil, a.pathError("write", p, err)
	}
	return f, nil
}

// Delete implements drivekit.Backend
func (a *Adapter) Delete(ctx context.Context, p drivekit.Path, recursive bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	full, err := a.resolve("delete", p)
	if err != nil {
		return err
	}

	info, err := os.Stat(full)
	if err != nil {
		return a.pathError("delete", p, err)
	}

	if info.IsDir() && recursive {
		if err := os.RemoveAll(full); err != nil {
			return a.pathError("delete", p, err)
		}
		return nil
	}
	if err := os.Remove(full); err != nil {
		return a.pathError("delete", p, err)
	}
	return nil
}

// Mkdir implements drivekit.Backend
func (a *Adapter) Mkdir(ctx context.Context, p drivekit.Path) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	full, err := a.resolve("mkdir", p)
	if err != nil {
		return err
	}
	if _, err := os.Stat(full); err == nil {
		return &drivekit.PathError{Op: "mkdir", Path: p.String(), Err: drivekit.ErrExist}
	}
	if err := os.MkdirAll(full, 0o755); err != nil {
		return a.pathError("mkdir", p, err)
	}
	return nil
}

// Rename implements drivekit.Backend using the filesystem's native atomic
// rename; source and destination always share the configured root, so the
// operation never crosses devices under normal layouts.
func (a *Adapter) Rename(ctx context.Context, src, dst drivekit.Path) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	srcFull, err := a.resolve("rename", src)
	if err != nil {
		return err
	}
	dstFull, err := a.resolve("rename", dst)
	if err != nil {
		return err
	}

	if _, err := os.Stat(srcFull); err != nil {
		return a.pathError("rename", src, err)
	}
	if _, err := os.Stat(dstFull); err == nil {
		return &drivekit.PathError{Op: "rename", Path: dst.String(), Err: drivekit.ErrExist}
	}
	if err := os.MkdirAll(filepath.Dir(dstFull), 0o755); err != nil {
		return a.pathError("rename", dst, err)
	}
	if err := os.Rename(srcFull, dstFull); err != nil {
		if errors.Is(err, syscall.EXDEV) {
			// Crossed a mount inside the root; not atomic here.
			return &drivekit.PathError{Op: "rename", Path: src.String(), Err: drivekit.ErrUnsupported}
		}
		return a.pathError("rename", src, err)
	}
	return nil
}

// Copy implements drivekit.Backend
func (a *Adapter) Copy(ctx context.Context, src, dst drivekit.Path) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	srcFull, err := a.resolve("copy", src)
	if err != nil {
		return err
	}
	dstFull, err := a.resolve("copy", dst)
	if err != nil {
		return err
	}

	in, err := os.Open(srcFull)
	if err != nil {
		return a.pathError("copy", src, err)
	}
	defer in.Close()

	if info, err := in.Stat(); err == nil && info.IsDir() {
		return &drivekit.PathError{Op: "copy", Path: src.String(), Err: drivekit.ErrIsDir}
	}

	if err := os.MkdirAll(filepath.Dir(dstFull), 0o755); err != nil {
		return a.pathError("copy", dst, err)
	}
	out, err := os.Create(dstFull)
	if err != nil {
		return a.pathError("copy", dst, err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(dstFull)
		return a.pathError("copy", dst, err)
	}
	if err := out.Close(); err != nil {
		return a.pathError("copy", dst, err)
	}
	return nil
}

// ============================================================================
// Chunked uploads (part spool)
// ============================================================================

// uploadInfo tracks one in-progress chunked upload: parts are spooled into
// a temporary directory and concatenated on completion, so the final name
// appears atomically.
type uploadInfo struct {
	path     drivekit.Path
	partsDir string
	parts    []int
}

func generateUploadID() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// InitiateUpload implements drivekit.ChunkedUploader. The local adapter
// keeps no per-object content type or metadata; the options only matter
// to flat stores.
func (a *Adapter) InitiateUpload(ctx context.Context, p drivekit.Path, _ drivekit.WriteOptions) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if _, err := a.resolve("initiate-upload", p); err != nil {
		return "", err
	}

	uploadID, err := generateUploadID()
	if err != nil {
		return "", a.pathError("initiate-upload", p, err)
	}
	partsDir, err := os.MkdirTemp("", "drivekit-upload-"+uploadID+"-")
	if err != nil {
		return "", a.pathError("initiate-upload", p, err)
	}

	a.uploads.Lock()
	a.uploads.m[uploadID] = &uploadInfo{path: p, partsDir: partsDir}
	a.uploads.Unlock()
	return uploadID, nil
}

// UploadPart implements drivekit.ChunkedUploader
func (a *Adapter) UploadPart(ctx context.Context, uploadID string, partNumber int, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	a.uploads.Lock()
	info, ok := a.uploads.m[uploadID]
	if ok {
		info.parts = append(info.parts, partNumber)
	}
	a.uploads.Unlock()
	if !ok {
		return fmt.Errorf("upload %s: %w", uploadID, drivekit.ErrNotFound)
	}

	partPath := filepath.Join(info.partsDir, fmt.Sprintf("part-%06d", partNumber))
	if err := os.WriteFile(partPath, data, 0o644); err != nil {
		return a.pathError("upload-part", info.path, err)
	}
	return nil
}

// CompleteUpload implements drivekit.ChunkedUploader
func (a *Adapter) CompleteUpload(ctx context.Context, uploadID string) error {
	a.uploads.Lock()
	info, ok := a.uploads.m[uploadID]
	delete(a.uploads.m, uploadID)
	a.uploads.Unlock()
	if !ok {
		return fmt.Errorf("upload %s: %w", uploadID, drivekit.ErrNotFound)
	}
	defer os.RemoveAll(info.partsDir)

	if err := ctx.Err(); err != nil {
		return err
	}

	full, err := a.resolve("complete-upload", info.path)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return a.pathError("complete-upload", info.path, err)
	}

	// Assemble in a temp file next to the target, then rename into place.
	tmp, err := os.CreateTemp(filepath.Dir(full), ".drivekit-assemble-*")
	if err != nil {
		return a.pathError("complete-upload", info.path, err)
	}
	tmpName := tmp.Name()

	parts, err := os.ReadDir(info.partsDir) // sorted, zero-padded part names
	if err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return a.pathError("complete-upload", info.path, err)
	}
	for _, part := range parts {
		f, err := os.Open(filepath.Join(info.partsDir, part.Name()))
		if err == nil {
			_, err = io.Copy(tmp, f)
			f.Close()
		}
		if err != nil {
			tmp.Close()
			os.Remove(tmpName)
			return a.pathError("complete-upload", info.path, err)
		}
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return a.pathError("complete-upload", info.path, err)
	}
	if err := os.Rename(tmpName, full); err != nil {
		os.Remove(tmpName)
		return a.pathError("complete-upload", info.path, err)
	}
	return nil
}

// AbortUpload implements drivekit.ChunkedUploader
func (a *Adapter) AbortUpload(ctx context.Context, uploadID string) error {
	a.uploads.Lock()
	info, ok := a.uploads.m[uploadID]
	delete(a.uploads.m, uploadID)
	a.uploads.Unlock()
	if !ok {
		return fmt.Errorf("upload %s: %w", uploadID, drivekit.ErrNotFound)
	}
	return os.RemoveAll(info.partsDir)
}
