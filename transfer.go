package drivekit

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// DefaultChunkSize is the transfer engine's chunk size when none is
// configured.
const DefaultChunkSize int64 = 4 * 1024 * 1024 // 4 MiB

// DefaultMultipartChunkSize is the part size for multipart uploads.
// Object stores reject non-final parts below 5 MiB, so it is larger than
// the plain streaming chunk size.
const DefaultMultipartChunkSize int64 = 5 * 1024 * 1024 // 5 MiB

// sniffLen is how many leading bytes are buffered for content-type
// detection before a byte reaches the backend.
const sniffLen = 512

// TransferState describes where a session is in its lifecycle.
type TransferState string

const (
	TransferActive    TransferState = "active"
	TransferDone      TransferState = "done"
	TransferCancelled TransferState = "cancelled"
	TransferFailed    TransferState = "failed"
)

// ProgressFunc is invoked once per chunk with the running byte count and
// the expected total (-1 if unknown). It runs on the transfer goroutine
// and must not block.
type ProgressFunc func(bytesTransferred int64, totalBytes int64)

// TransferSession is the stateful record of one in-flight upload or
// download. It is owned by the Engine for its duration and pruned from the
// session table on completion; callers may keep the returned pointer to
// inspect the final state. BytesTransferred is safe to poll concurrently.
type TransferSession struct {
	id        string
	direction string
	backendID string
	path      Path
	expected  int64

	bytes atomic.Int64

	mu         sync.Mutex
	state      TransferState
	incomplete bool
	err        error
}

// ID returns the session's unique identifier.
func (s *TransferSession) ID() string { return s.id }

// BackendID returns the backend the session targets.
func (s *TransferSession) BackendID() string { return s.backendID }

// Path returns the virtual path being transferred.
func (s *TransferSession) Path() Path { return s.path }

// ExpectedSize returns the declared total size, -1 if unknown.
func (s *TransferSession) ExpectedSize() int64 { return s.expected }

// BytesTransferred returns the running byte count. Safe for concurrent
// polling while the transfer runs.
func (s *TransferSession) BytesTransferred() int64 { return s.bytes.Load() }

// State returns the session's current lifecycle state.
func (s *TransferSession) State() TransferState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Incomplete reports whether a stopped transfer left partial data at the
// destination. Such data is deliberately preserved, never silently
// deleted; the caller decides remediation.
func (s *TransferSession) Incomplete() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.incomplete
}

// Err returns the terminal error, nil for a completed transfer.
func (s *TransferSession) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *TransferSession) finish(state TransferState, incomplete bool, err error) {
	s.mu.Lock()
	s.state = state
	s.incomplete = incomplete
	s.err = err
	s.mu.Unlock()
}

// TransferOptions tunes a single transfer.
type TransferOptions struct {
	// ChunkSize overrides the engine's chunk size.
	ChunkSize int64

	// Progress is invoked once per chunk.
	Progress ProgressFunc

	// ContentType to store with the upload. Empty means sniff from the
	// first bytes.
	ContentType string

	// Metadata to store with the upload.
	Metadata map[string]string
}

// Engine streams uploads and downloads in fixed-size chunks with progress
// reporting and prompt cancellation. Chunks within one session are written
// strictly in stream order. Safe for concurrent use; each call owns its
// session exclusively.
type Engine struct {
	chunkSize          int64
	multipartChunkSize int64
	constraints        UploadConstraints
	log                *zap.Logger

	mu       sync.RWMutex
	sessions map[string]*TransferSession
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithChunkSize sets the default chunk size.
func WithChunkSize(n int64) EngineOption {
	return func(e *Engine) {
		if n > 0 {
			e.chunkSize = n
		}
	}
}

// WithMultipartChunkSize sets the part size for multipart uploads. Parts
// below the store's minimum (5 MiB on S3) fail at completion, so lower
// values are only useful against backends without that limit.
func WithMultipartChunkSize(n int64) EngineOption {
	return func(e *Engine) {
		if n > 0 {
			e.multipartChunkSize = n
		}
	}
}

// WithConstraints sets upload validation constraints. Rejected uploads
// never reach a backend.
func WithConstraints(c UploadConstraints) EngineOption {
	return func(e *Engine) { e.constraints = c }
}

// WithEngineLogger sets the engine's logger.
func WithEngineLogger(log *zap.Logger) EngineOption {
	return func(e *Engine) {
		if log != nil {
			e.log = log
		}
	}
}

// NewEngine creates a transfer engine.
func NewEngine(opts ...EngineOption) *Engine {
	e := &Engine{
		chunkSize:          DefaultChunkSize,
		multipartChunkSize: DefaultMultipartChunkSize,
		log:                zap.NewNop(),
		sessions:           make(map[string]*TransferSession),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Session returns the in-flight session with the given id, if any.
// Completed sessions are pruned and no longer found here.
func (e *Engine) Session(id string) (*TransferSession, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	s, ok := e.sessions[id]
	return s, ok
}

// Sessions returns all in-flight sessions.
func (e *Engine) Sessions() []*TransferSession {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]*TransferSession, 0, len(e.sessions))
	for _, s := range e.sessions {
		out = append(out, s)
	}
	return out
}

func (e *Engine) track(s *TransferSession) {
	e.mu.Lock()
	e.sessions[s.id] = s
	e.mu.Unlock()
	activeTransfers.Inc()
}

func (e *Engine) untrack(s *TransferSession) {
	e.mu.Lock()
	delete(e.sessions, s.id)
	e.mu.Unlock()
	activeTransfers.Dec()
	transfersTotal.WithLabelValues(s.direction, string(s.State())).Inc()
}

// Upload streams src to the backend at path, reading in fixed-size chunks
// and checking for cancellation between chunks. expectedSize is the total
// payload size, -1 if unknown.
//
// Cancellation stops writing promptly. If the backend's write sink is
// atomic (AbortWriter), the partial object is discarded; otherwise the
// partial file is left in place and the returned error carries
// ErrIncomplete so the caller can decide remediation.
func (e *Engine) Upload(ctx context.Context, h *BackendHandle, path Path, src io.Reader, expectedSize int64, opts *TransferOptions) (*TransferSession, error) {
	if opts == nil {
		opts = &TransferOptions{}
	}

	if err := e.constraints.CheckName(path.Name(), expectedSize); err != nil {
		return nil, &PathError{Op: "upload", Backend: h.ID, Path: path.String(), Err: err}
	}

	session := &TransferSession{
		id:        newSessionID(),
		direction: "upload",
		backendID: h.ID,
		path:      path,
		expected:  expectedSize,
		state:     TransferActive,
	}
	e.track(session)
	defer e.untrack(session)

	err := e.runUpload(ctx, h, path, src, session, opts)
	if err != nil {
		e.log.Warn("upload finished with error",
			zap.String("backend", h.ID),
			zap.String("path", path.String()),
			zap.Int64("bytes", session.BytesTransferred()),
			zap.Error(err))
		return session, err
	}
	return session, nil
}

func (e *Engine) runUpload(ctx context.Context, h *BackendHandle, path Path, src io.Reader, session *TransferSession, opts *TransferOptions) error {
	fail := func(err error) error {
		err = normalizeCtxErr(err)
		state := TransferFailed
		if IsCancelled(err) {
			state = TransferCancelled
		}
		session.finish(state, false, err)
		return &PathError{Op: "upload", Backend: h.ID, Path: path.String(), Err: err}
	}

	// Sniff the leading bytes before anything reaches the backend, both
	// for content-type detection and for MIME validation.
	contentType := opts.ContentType
	head := make([]byte, sniffLen)
	n, rerr := io.ReadFull(src, head)
	if rerr != nil && rerr != io.EOF && rerr != io.ErrUnexpectedEOF {
		return fail(rerr)
	}
	head = head[:n]
	if contentType == "" {
		contentType = GuessContentType(path.Name(), head)
	}
	if err := e.constraints.CheckContent(contentType); err != nil {
		session.finish(TransferFailed, false, err)
		return &PathError{Op: "upload", Backend: h.ID, Path: path.String(), Err: err}
	}
	body := io.MultiReader(newByteReader(head), src)

	chunkSize := opts.ChunkSize
	if chunkSize <= 0 {
		chunkSize = e.chunkSize
	}

	// Known-size payloads above one multipart part go through the
	// backend's multipart path when it has one. The part size is the
	// larger multipart default, not the streaming chunk size: stores
	// reject undersized non-final parts.
	partSize := opts.ChunkSize
	if partSize <= 0 {
		partSize = e.multipartChunkSize
	}
	writeOpts := WriteOptions{
		ExpectedSize: session.expected,
		ContentType:  contentType,
		Metadata:     opts.Metadata,
	}
	if cu, ok := h.Backend.(ChunkedUploader); ok &&
		session.expected > partSize {
		return e.runChunkedUpload(ctx, cu, h, path, body, session, partSize, writeOpts, opts.Progress, fail)
	}

	sink, err := h.Backend.OpenWrite(ctx, path, writeOpts)
	if err != nil {
		return fail(err)
	}

	buf := make([]byte, chunkSize)
	for {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return e.stopSink(h, path, sink, session, normalizeCtxErr(ctxErr))
		}

		n, rerr := io.ReadFull(body, buf)
		if n > 0 {
			if _, werr := sink.Write(buf[:n]); werr != nil {
				return e.stopSink(h, path, sink, session, werr)
			}
			total := session.bytes.Add(int64(n))
			transferBytesTotal.WithLabelValues("upload").Add(float64(n))
			if opts.Progress != nil {
				opts.Progress(total, session.expected)
			}
			if e.constraints.MaxSize > 0 && total > e.constraints.MaxSize {
				return e.stopSink(h, path, sink, session,
					fmt.Errorf("%w: size exceeds maximum %d", ErrValidation, e.constraints.MaxSize))
			}
		}
		if rerr == io.EOF || rerr == io.ErrUnexpectedEOF {
			break
		}
		if rerr != nil {
			return e.stopSink(h, path, sink, session, rerr)
		}
	}

	if err := sink.Close(); err != nil {
		session.finish(TransferFailed, false, err)
		return &PathError{Op: "upload", Backend: h.ID, Path: path.String(), Err: err}
	}
	session.finish(TransferDone, false, nil)
	return nil
}

// stopSink tears down a write sink after cancellation or a mid-stream
// error. Atomic sinks are aborted and leave nothing behind; plain sinks
// are closed and the partial data they already hold is reported via
// ErrIncomplete rather than deleted.
func (e *Engine) stopSink(h *BackendHandle, path Path, sink io.WriteCloser, session *TransferSession, cause error) error {
	cause = normalizeCtxErr(cause)
	state := TransferFailed
	if IsCancelled(cause) {
		state = TransferCancelled
	}

	if aborter, ok := sink.(AbortWriter); ok {
		if aerr := aborter.Abort(); aerr != nil {
			e.log.Warn("abort after failed upload", zap.String("path", path.String()), zap.Error(aerr))
		}
		session.finish(state, false, cause)
		return &PathError{Op: "upload", Backend: h.ID, Path: path.String(), Err: cause}
	}

	_ = sink.Close()
	incomplete := session.bytes.Load() > 0
	err := cause
	if incomplete {
		err = fmt.Errorf("%w: %w", ErrIncomplete, cause)
	}
	session.finish(state, incomplete, err)
	return &PathError{Op: "upload", Backend: h.ID, Path: path.String(), Err: err}
}

func (e *Engine) runChunkedUpload(ctx context.Context, cu ChunkedUploader, h *BackendHandle, path Path, body io.Reader, session *TransferSession, chunkSize int64, writeOpts WriteOptions, progress ProgressFunc, fail func(error) error) error {
	uploadID, err := cu.InitiateUpload(ctx, path, writeOpts)
	if err != nil {
		return fail(err)
	}

	abort := func(cause error) error {
		// Multipart aborts discard all parts; use a fresh context so the
		// abort still runs after cancellation.
		if aerr := cu.AbortUpload(context.WithoutCancel(ctx), uploadID); aerr != nil {
			e.log.Warn("abort multipart upload", zap.String("path", path.String()), zap.Error(aerr))
		}
		return fail(cause)
	}

	buf := make([]byte, chunkSize)
	partNumber := 1
	for {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return abort(ctxErr)
		}

		n, rerr := io.ReadFull(body, buf)
		if n > 0 {
			if err := cu.UploadPart(ctx, uploadID, partNumber, buf[:n]); err != nil {
				return abort(err)
			}
			partNumber++
			total := session.bytes.Add(int64(n))
			transferBytesTotal.WithLabelValues("upload").Add(float64(n))
			if progress != nil {
				progress(total, session.expected)
			}
		}
		if rerr == io.EOF || rerr == io.ErrUnexpectedEOF {
			break
		}
		if rerr != nil {
			return abort(rerr)
		}
	}

	if err := cu.CompleteUpload(ctx, uploadID); err != nil {
		return abort(err)
	}
	session.finish(TransferDone, false, nil)
	return nil
}

// Download streams the file at path from the backend into dst, in chunks,
// with the same progress and cancellation contract as Upload.
func (e *Engine) Download(ctx context.Context, h *BackendHandle, path Path, dst io.Writer, opts *TransferOptions) (*TransferSession, error) {
	if opts == nil {
		opts = &TransferOptions{}
	}

	expected := int64(-1)
	if entry, err := h.Backend.Stat(ctx, path); err == nil && !entry.IsDir() {
		expected = entry.Size
	}

	session := &TransferSession{
		id:        newSessionID(),
		direction: "download",
		backendID: h.ID,
		path:      path,
		expected:  expected,
		state:     TransferActive,
	}
	e.track(session)
	defer e.untrack(session)

	fail := func(err error) (*TransferSession, error) {
		err = normalizeCtxErr(err)
		state := TransferFailed
		if IsCancelled(err) {
			state = TransferCancelled
		}
		session.finish(state, session.bytes.Load() > 0, err)
		return session, &PathError{Op: "download", Backend: h.ID, Path: path.String(), Err: err}
	}

	src, err := h.Backend.OpenRead(ctx, path)
	if err != nil {
		return fail(err)
	}
	defer src.Close()

	chunkSize := opts.ChunkSize
	if chunkSize <= 0 {
		chunkSize = e.chunkSize
	}

	buf := make([]byte, chunkSize)
	for {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return fail(ctxErr)
		}

		n, rerr := io.ReadFull(src, buf)
		if n > 0 {
			if _, werr := dst.Write(buf[:n]); werr != nil {
				return fail(werr)
			}
			total := session.bytes.Add(int64(n))
			transferBytesTotal.WithLabelValues("download").Add(float64(n))
			if opts.Progress != nil {
				opts.Progress(total, session.expected)
			}
		}
		if rerr == io.EOF || rerr == io.ErrUnexpectedEOF {
			break
		}
		if rerr != nil {
			return fail(rerr)
		}
	}

	session.finish(TransferDone, false, nil)
	return session, nil
}

func newSessionID() string {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		// crypto/rand failure is unrecoverable for ID generation
		panic(err)
	}
	return hex.EncodeToString(b)
}

// byteReader avoids bytes.NewReader's non-zero Len reporting confusing
// size probes in drivers: it is a plain Reader over a slice.
type byteReader struct {
	data []byte
	off  int
}

func newByteReader(b []byte) *byteReader {
	return &byteReader{data: b}
}

func (r *byteReader) Read(p []byte) (int, error) {
	if r.off >= len(r.data) {
		return 0, io.EOF
	}
	n := copy(p, r.data[r.off:])
	r.off += n
	return n, nil
}
