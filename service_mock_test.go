package drivekit

import (
	"bytes"
	"context"
	"io"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

// fakeBackend is a map-backed Backend with failure-injection hooks, used
// by the coordinator and transfer tests. Paging follows the same contract
// as the real drivers: sorted names, decimal offset token.
type fakeBackend struct {
	mu    sync.Mutex
	files map[string][]byte
	dirs  map[string]bool

	renameSupported bool
	copySupported   bool
	atomicWrites    bool

	failDelete map[string]error
	failList   map[string]error

	// statSize overrides the size Stat reports for a path, so copy
	// verification can be forced to fail.
	statSize map[string]int64

	// corruptReads flips the first byte of every read, emulating a store
	// that returns damaged content of the right length.
	corruptReads bool

	// unavailableLists makes the first N List calls fail transiently.
	unavailableLists int
	listCalls        int

	// listLog records the path of every List call, in order.
	listLog []string
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		files:      make(map[string][]byte),
		dirs:       make(map[string]bool),
		failDelete: make(map[string]error),
		failList:   make(map[string]error),
		statSize:   make(map[string]int64),
	}
}

func (f *fakeBackend) addFile(path string, data []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.files[path] = data
	p := MustPath(path)
	for parent := p.Parent(); !parent.IsRoot(); parent = parent.Parent() {
		f.dirs[parent.String()] = true
	}
}

func (f *fakeBackend) addDir(path string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dirs[path] = true
}

func (f *fakeBackend) hasFile(path string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.files[path]
	return ok
}

func (f *fakeBackend) Kind() string { return "fake" }

func (f *fakeBackend) Stat(ctx context.Context, p Path) (*FileEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if p.IsRoot() {
		return &FileEntry{Path: p, Kind: KindDir}, nil
	}
	key := p.String()
	if data, ok := f.files[key]; ok {
		size := int64(len(data))
		if override, ok := f.statSize[key]; ok {
			size = override
		}
		return &FileEntry{
			Name: p.Name(), Path: p, Kind: KindFile,
			Size: size, ModTime: time.Unix(0, 0),
		}, nil
	}
	if f.dirs[key] {
		return &FileEntry{Name: p.Name(), Path: p, Kind: KindDir}, nil
	}
	return nil, &PathError{Op: "stat", Path: key, Err: ErrNotFound}
}

func (f *fakeBackend) children(p Path) []FileEntry {
	prefix := ""
	if !p.IsRoot() {
		prefix = p.String() + "/"
	}
	seen := make(map[string]EntryKind)
	for key := range f.files {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		rest := key[len(prefix):]
		if i := strings.IndexByte(rest, '/'); i >= 0 {
			seen[rest[:i]] = KindDir
		} else {
			seen[rest] = KindFile
		}
	}
	for key := range f.dirs {
		if !strings.HasPrefix(key, prefix) || key == p.String() {
			continue
		}
		rest := key[len(prefix):]
		if i := strings.IndexByte(rest, '/'); i >= 0 {
			rest = rest[:i]
		}
		seen[rest] = KindDir
	}

	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	sort.Strings(names)

	entries := make([]FileEntry, 0, len(names))
	for _, name := range names {
		child, _ := p.Child(name)
		e := FileEntry{Name: name, Path: child, Kind: seen[name]}
		if e.Kind == KindFile {
			e.Size = int64(len(f.files[child.String()]))
			if override, ok := f.statSize[child.String()]; ok {
				e.Size = override
			}
		}
		entries = append(entries, e)
	}
	return entries
}

func (f *fakeBackend) List(ctx context.Context, p Path, opts ListOptions) (*Page, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.listCalls++
	f.listLog = append(f.listLog, p.String())
	if f.unavailableLists > 0 {
		f.unavailableLists--
		return nil, &PathError{Op: "list", Path: p.String(), Err: ErrUnavailable}
	}
	if err, ok := f.failList[p.String()]; ok {
		return nil, &PathError{Op: "list", Path: p.String(), Err: err}
	}
	if _, ok := f.files[p.String()]; ok {
		return nil, &PathError{Op: "list", Path: p.String(), Err: ErrNotDir}
	}

	all := f.children(p)
	if !opts.IncludeHidden {
		visible := all[:0]
		for _, e := range all {
			if !strings.HasPrefix(e.Name, ".") {
				visible = append(visible, e)
			}
		}
		all = visible
	}

	offset := 0
	if opts.PageToken != "" {
		var err error
		offset, err = strconv.Atoi(opts.PageToken)
		if err != nil || offset < 0 {
			return nil, &PathError{Op: "list", Path: p.String(), Err: ErrInvalidCursor}
		}
	}
	if offset > len(all) {
		offset = len(all)
	}
	end := len(all)
	if opts.PageSize > 0 && offset+opts.PageSize < end {
		end = offset + opts.PageSize
	}

	page := &Page{Entries: all[offset:end]}
	if end < len(all) {
		page.NextToken = strconv.Itoa(end)
	}
	return page, nil
}

func (f *fakeBackend) OpenRead(ctx context.Context, p Path) (io.ReadCloser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	data, ok := f.files[p.String()]
	if !ok {
		if f.dirs[p.String()] {
			return nil, &PathError{Op: "read", Path: p.String(), Err: ErrIsDir}
		}
		return nil, &PathError{Op: "read", Path: p.String(), Err: ErrNotFound}
	}
	if f.corruptReads && len(data) > 0 {
		data = append([]byte(nil), data...)
		data[0] ^= 0x01
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (f *fakeBackend) OpenWrite(ctx context.Context, p Path, opts WriteOptions) (io.WriteCloser, error) {
	if f.atomicWrites {
		return &fakeAtomicSink{backend: f, path: p}, nil
	}
	return &fakePlainSink{backend: f, path: p}, nil
}

// fakeAtomicSink commits on Close and discards on Abort.
type fakeAtomicSink struct {
	backend *fakeBackend
	path    Path
	buf     bytes.Buffer
}

func (s *fakeAtomicSink) Write(b []byte) (int, error) { return s.buf.Write(b) }

func (s *fakeAtomicSink) Close() error {
	s.backend.addFile(s.path.String(), append([]byte(nil), s.buf.Bytes()...))
	return nil
}

func (s *fakeAtomicSink) Abort() error { return nil }

// fakePlainSink models a write-through sink: whatever was written before
// Close stays behind as a partial file.
type fakePlainSink struct {
	backend *fakeBackend
	path    Path
	buf     bytes.Buffer
}

func (s *fakePlainSink) Write(b []byte) (int, error) { return s.buf.Write(b) }

func (s *fakePlainSink) Close() error {
	s.backend.addFile(s.path.String(), append([]byte(nil), s.buf.Bytes()...))
	return nil
}

func (f *fakeBackend) Delete(ctx context.Context, p Path, recursive bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	key := p.String()
	if err, ok := f.failDelete[key]; ok {
		return &PathError{Op: "delete", Path: key, Err: err}
	}
	if _, ok := f.files[key]; ok {
		delete(f.files, key)
		return nil
	}
	if !f.dirs[key] && !p.IsRoot() {
		return &PathError{Op: "delete", Path: key, Err: ErrNotFound}
	}

	if len(f.children(p)) > 0 {
		if !recursive {
			return &PathError{Op: "delete", Path: key, Err: ErrNotEmpty}
		}
		prefix := key + "/"
		for k := range f.files {
			if strings.HasPrefix(k, prefix) {
				delete(f.files, k)
			}
		}
		for k := range f.dirs {
			if strings.HasPrefix(k, prefix) {
				delete(f.dirs, k)
			}
		}
	}
	delete(f.dirs, key)
	return nil
}

func (f *fakeBackend) Mkdir(ctx context.Context, p Path) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	key := p.String()
	if f.dirs[key] {
		return &PathError{Op: "mkdir", Path: key, Err: ErrExist}
	}
	if _, ok := f.files[key]; ok {
		return &PathError{Op: "mkdir", Path: key, Err: ErrExist}
	}
	f.dirs[key] = true
	return nil
}

func (f *fakeBackend) Rename(ctx context.Context, src, dst Path) error {
	if !f.renameSupported {
		return &PathError{Op: "rename", Path: src.String(), Err: ErrUnsupported}
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	srcKey, dstKey := src.String(), dst.String()
	if data, ok := f.files[srcKey]; ok {
		delete(f.files, srcKey)
		f.files[dstKey] = data
		return nil
	}
	if f.dirs[srcKey] {
		delete(f.dirs, srcKey)
		f.dirs[dstKey] = true
		prefix := srcKey + "/"
		for k, v := range f.files {
			if strings.HasPrefix(k, prefix) {
				delete(f.files, k)
				f.files[dstKey+"/"+k[len(prefix):]] = v
			}
		}
		for k := range f.dirs {
			if strings.HasPrefix(k, prefix) {
				delete(f.dirs, k)
				f.dirs[dstKey+"/"+k[len(prefix):]] = true
			}
		}
		return nil
	}
	return &PathError{Op: "rename", Path: srcKey, Err: ErrNotFound}
}

func (f *fakeBackend) Copy(ctx context.Context, src, dst Path) error {
	if !f.copySupported {
		return &PathError{Op: "copy", Path: src.String(), Err: ErrUnsupported}
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	data, ok := f.files[src.String()]
	if !ok {
		return &PathError{Op: "copy", Path: src.String(), Err: ErrNotFound}
	}
	f.files[dst.String()] = append([]byte(nil), data...)
	return nil
}

// chunkedFake layers a part-tracking ChunkedUploader over fakeBackend.
type chunkedFake struct {
	*fakeBackend

	chunkMu   sync.Mutex
	parts     map[string][][]byte
	paths     map[string]Path
	writeOpts map[string]WriteOptions
	partSizes []int
	completed []string
	aborted   []string
}

func newChunkedFake() *chunkedFake {
	return &chunkedFake{
		fakeBackend: newFakeBackend(),
		parts:       make(map[string][][]byte),
		paths:       make(map[string]Path),
		writeOpts:   make(map[string]WriteOptions),
	}
}

func (c *chunkedFake) InitiateUpload(ctx context.Context, p Path, opts WriteOptions) (string, error) {
	c.chunkMu.Lock()
	defer c.chunkMu.Unlock()
	id := "upload-" + strconv.Itoa(len(c.paths)+1)
	c.paths[id] = p
	c.writeOpts[id] = opts
	return id, nil
}

func (c *chunkedFake) UploadPart(ctx context.Context, uploadID string, partNumber int, data []byte) error {
	c.chunkMu.Lock()
	defer c.chunkMu.Unlock()
	if _, ok := c.paths[uploadID]; !ok {
		return ErrNotFound
	}
	c.parts[uploadID] = append(c.parts[uploadID], append([]byte(nil), data...))
	c.partSizes = append(c.partSizes, len(data))
	return nil
}

func (c *chunkedFake) CompleteUpload(ctx context.Context, uploadID string) error {
	c.chunkMu.Lock()
	defer c.chunkMu.Unlock()
	p, ok := c.paths[uploadID]
	if !ok {
		return ErrNotFound
	}
	var assembled []byte
	for _, part := range c.parts[uploadID] {
		assembled = append(assembled, part...)
	}
	c.completed = append(c.completed, uploadID)
	delete(c.paths, uploadID)
	delete(c.parts, uploadID)
	c.addFile(p.String(), assembled)
	return nil
}

func (c *chunkedFake) AbortUpload(ctx context.Context, uploadID string) error {
	c.chunkMu.Lock()
	defer c.chunkMu.Unlock()
	c.aborted = append(c.aborted, uploadID)
	delete(c.paths, uploadID)
	delete(c.parts, uploadID)
	return nil
}

// newTestService wires a Service over one fake backend.
func newTestService(id string, b Backend, opts ...ServiceOption) *Service {
	reg, err := NewRegistry(NewBackendHandle(id, b))
	if err != nil {
		panic(err)
	}
	return NewService(reg, opts...)
}
