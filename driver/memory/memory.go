// Package memory implements the drivekit backend contract over an
// in-memory object table. It serves unit tests and ephemeral fixtures;
// it honors the same paging contract as the real drivers so pagination
// properties can be exercised without disk or network.
package memory

import (
	"bytes"
	"context"
	"io"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gobwas/glob"

	"github.com/gobeaver/drivekit"
)

type memObject struct {
	data        []byte
	modTime     time.Time
	contentType string
	metadata    map[string]string
	dir         bool
}

type watchEntry struct {
	dir     string
	matcher glob.Glob
	token   *drivekit.CallbackChangeToken
}

// Adapter provides an in-memory implementation of drivekit.Backend.
// Safe for concurrent use.
type Adapter struct {
	mu      sync.RWMutex
	objects map[string]*memObject
	watches []*watchEntry
}

// New creates an empty in-memory backend.
func New() *Adapter {
	return &Adapter{objects: make(map[string]*memObject)}
}

// Kind implements drivekit.Backend
func (a *Adapter) Kind() string { return "memory" }

func (a *Adapter) notifyLocked(p drivekit.Path) {
	name := p.Name()
	dir := p.Parent().String()
	kept := a.watches[:0]
	for _, w := range a.watches {
		fired := w.dir == dir && (w.matcher == nil || w.matcher.Match(name))
		if fired {
			// Signal outside the lock; the token fans out callbacks.
			go w.token.SignalChange()
			continue
		}
		kept = append(kept, w)
	}
	a.watches = kept
}

func (a *Adapter) entryLocked(p drivekit.Path, obj *memObject) drivekit.FileEntry {
	e := drivekit.FileEntry{
		Name:    p.Name(),
		Path:    p,
		Kind:    drivekit.KindFile,
		ModTime: obj.modTime,
	}
	if obj.dir {
		e.Kind = drivekit.KindDir
		return e
	}
	e.Size = int64(len(obj.data))
	e.ETag = strconv.FormatInt(obj.modTime.UnixNano(), 16)
	e.ContentType = obj.contentType
	e.Metadata = obj.metadata
	return e
}

// Stat implements drivekit.Backend
func (a *Adapter) Stat(ctx context.Context, p drivekit.Path) (*drivekit.FileEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	a.mu.RLock()
	defer a.mu.RUnlock()

	if p.IsRoot() {
		return &drivekit.FileEntry{Path: p, Kind: drivekit.KindDir}, nil
	}
	obj, ok := a.objects[p.String()]
	if !ok {
		// Implicit directory: anything stored below the path.
		if a.hasChildrenLocked(p) {
			return &drivekit.FileEntry{Name: p.Name(), Path: p, Kind: drivekit.KindDir}, nil
		}
		return nil, &drivekit.PathError{Op: "stat", Path: p.String(), Err: drivekit.ErrNotFound}
	}
	e := a.entryLocked(p, obj)
	return &e, nil
}

func (a *Adapter) hasChildrenLocked(p drivekit.Path) bool {
	prefix := p.String() + "/"
	for key := range a.objects {
		if strings.HasPrefix(key, prefix) {
			return true
		}
	}
	return false
}

// List implements drivekit.Backend with the same offset-token paging
// contract as the local driver: sorted names, decimal offset cursor.
func (a *Adapter) List(ctx context.Context, p drivekit.Path, opts drivekit.ListOptions) (*drivekit.Page, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	a.mu.RLock()
	defer a.mu.RUnlock()

	if !p.IsRoot() {
		obj, ok := a.objects[p.String()]
		switch {
		case ok && !obj.dir:
			return nil, &drivekit.PathError{Op: "list", Path: p.String(), Err: drivekit.ErrNotDir}
		case !ok && !a.hasChildrenLocked(p):
			return nil, &drivekit.PathError{Op: "list", Path: p.String(), Err: drivekit.ErrNotFound}
		}
	}

	prefix := ""
	if !p.IsRoot() {
		prefix = p.String() + "/"
	}

	// Immediate children only; grandchildren imply synthetic directories.
	type childInfo struct {
		obj *memObject // nil for implicit directories
	}
	children := make(map[string]childInfo)
	for key, obj := range a.objects {
		if !strings.HasPrefix(key, prefix) || key == p.String() {
			continue
		}
		rest := key[len(prefix):]
		if i := strings.IndexByte(rest, '/'); i >= 0 {
			name := rest[:i]
			if _, exists := children[name]; !exists {
				children[name] = childInfo{}
			}
			continue
		}
		children[rest] = childInfo{obj: obj}
	}

	names := make([]string, 0, len(children))
	for name := range children {
		if !opts.IncludeHidden && strings.HasPrefix(name, ".") {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)

	offset := 0
	if opts.PageToken != "" {
		var err error
		offset, err = strconv.Atoi(opts.PageToken)
		if err != nil || offset < 0 {
			return nil, &drivekit.PathError{Op: "list", Path: p.String(), Err: drivekit.ErrInvalidCursor}
		}
	}
	if offset > len(names) {
		offset = len(names)
	}
	end := len(names)
	if opts.PageSize > 0 && offset+opts.PageSize < end {
		end = offset + opts.PageSize
	}

	page := &drivekit.Page{}
	for _, name := range names[offset:end] {
		child, err := p.Child(name)
		if err != nil {
			continue
		}
		info := children[name]
		if info.obj == nil {
			page.Entries = append(page.Entries, drivekit.FileEntry{
				Name: name, Path: child, Kind: drivekit.KindDir,
			})
			continue
		}
		page.Entries = append(page.Entries, a.entryLocked(child, info.obj))
	}
	if end < len(names) {
		page.NextToken = strconv.Itoa(end)
	}
	return page, nil
}

// OpenRead implements drivekit.Backend
func (a *Adapter) OpenRead(ctx context.Context, p drivekit.Path) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	a.mu.RLock()
	defer a.mu.RUnlock()

	obj, ok := a.objects[p.String()]
	if !ok {
		return nil, &drivekit.PathError{Op: "read", Path: p.String(), Err: drivekit.ErrNotFound}
	}
	if obj.dir {
		return nil, &drivekit.PathError{Op: "read", Path: p.String(), Err: drivekit.ErrIsDir}
	}
	return io.NopCloser(bytes.NewReader(obj.data)), nil
}

// OpenWrite implements drivekit.Backend. The object becomes visible
// atomically on Close.
func (a *Adapter) OpenWrite(ctx context.Context, p drivekit.Path, opts drivekit.WriteOptions) (io.WriteCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	a.mu.RLock()
	obj, exists := a.objects[p.String()]
	a.mu.RUnlock()
	if exists && obj.dir {
		return nil, &drivekit.PathError{Op: "write", Path: p.String(), Err: drivekit.ErrIsDir}
	}

	return &memSink{adapter: a, path: p, opts: opts}, nil
}

// memSink buffers a write and commits it on Close. Abort discards the
// buffer, so nothing partial ever lands in the table.
type memSink struct {
	adapter *Adapter
	path    drivekit.Path
	opts    drivekit.WriteOptions
	buf     bytes.Buffer
	closed  bool
}

func (s *memSink) Write(b []byte) (int, error) {
	if s.closed {
		return 0, drivekit.ErrClosed
	}
	return s.buf.Write(b)
}

func (s *memSink) Close() error {
	if s.closed {
		return drivekit.ErrClosed
	}
	s.closed = true

	a := s.adapter
	a.mu.Lock()
	a.objects[s.path.String()] = &memObject{
		data:        append([]byte(nil), s.buf.Bytes()...),
		modTime:     time.Now(),
		contentType: s.opts.ContentType,
		metadata:    s.opts.Metadata,
	}
	a.notifyLocked(s.path)
	a.mu.Unlock()
	return nil
}

// Abort implements drivekit.AbortWriter
func (s *memSink) Abort() error {
	s.closed = true
	return nil
}

// Delete implements drivekit.Backend
func (a *Adapter) Delete(ctx context.Context, p drivekit.Path, recursive bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	key := p.String()
	obj, ok := a.objects[key]
	implicitDir := !ok && a.hasChildrenLocked(p)
	if !ok && !implicitDir {
		return &drivekit.PathError{Op: "delete", Path: key, Err: drivekit.ErrNotFound}
	}

	isDir := implicitDir || (ok && obj.dir)
	if isDir && a.hasChildrenLocked(p) {
		if !recursive {
			return &drivekit.PathError{Op: "delete", Path: key, Err: drivekit.ErrNotEmpty}
		}
		prefix := key + "/"
		for k := range a.objects {
			if strings.HasPrefix(k, prefix) {
				delete(a.objects, k)
			}
		}
	}
	delete(a.objects, key)
	a.notifyLocked(p)
	return nil
}

// Mkdir implements drivekit.Backend
func (a *Adapter) Mkdir(ctx context.Context, p drivekit.Path) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	key := p.String()
	if _, ok := a.objects[key]; ok || a.hasChildrenLocked(p) || p.IsRoot() {
		return &drivekit.PathError{Op: "mkdir", Path: key, Err: drivekit.ErrExist}
	}
	a.objects[key] = &memObject{dir: true, modTime: time.Now()}
	a.notifyLocked(p)
	return nil
}

// Rename implements drivekit.Backend by re-keying the entry and, for
// directories, its whole subtree. Atomic under the adapter lock.
func (a *Adapter) Rename(ctx context.Context, src, dst drivekit.Path) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	srcKey, dstKey := src.String(), dst.String()
	obj, ok := a.objects[srcKey]
	implicitDir := !ok && a.hasChildrenLocked(src)
	if !ok && !implicitDir {
		return &drivekit.PathError{Op: "rename", Path: srcKey, Err: drivekit.ErrNotFound}
	}
	if _, exists := a.objects[dstKey]; exists || a.hasChildrenLocked(dst) {
		return &drivekit.PathError{Op: "rename", Path: dstKey, Err: drivekit.ErrExist}
	}

	if ok {
		delete(a.objects, srcKey)
		a.objects[dstKey] = obj
	}
	srcPrefix := srcKey + "/"
	for k, v := range a.objects {
		if strings.HasPrefix(k, srcPrefix) {
			delete(a.objects, k)
			a.objects[dstKey+"/"+k[len(srcPrefix):]] = v
		}
	}
	a.notifyLocked(src)
	a.notifyLocked(dst)
	return nil
}

// Copy implements drivekit.Backend
func (a *Adapter) Copy(ctx context.Context, src, dst drivekit.Path) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	obj, ok := a.objects[src.String()]
	if !ok {
		return &drivekit.PathError{Op: "copy", Path: src.String(), Err: drivekit.ErrNotFound}
	}
	if obj.dir {
		return &drivekit.PathError{Op: "copy", Path: src.String(), Err: drivekit.ErrIsDir}
	}

	a.objects[dst.String()] = &memObject{
		data:        append([]byte(nil), obj.data...),
		modTime:     time.Now(),
		contentType: obj.contentType,
		metadata:    obj.metadata,
	}
	a.notifyLocked(dst)
	return nil
}

// Watch implements drivekit.Watcher with direct in-process signaling.
func (a *Adapter) Watch(ctx context.Context, dir drivekit.Path, pattern string) (drivekit.ChangeToken, error) {
	var matcher glob.Glob
	if pattern != "" {
		var err error
		matcher, err = glob.Compile(pattern)
		if err != nil {
			return nil, &drivekit.PathError{Op: "watch", Path: dir.String(), Err: drivekit.ErrInvalidPath}
		}
	}

	token := drivekit.NewCallbackChangeToken()
	a.mu.Lock()
	a.watches = append(a.watches, &watchEntry{dir: dir.String(), matcher: matcher, token: token})
	a.mu.Unlock()
	return token, nil
}
