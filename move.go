package drivekit

import (
	"context"
	"fmt"
	"io"

	"go.uber.org/zap"
)

// MoveState is the step a move finished in. The move state machine is
// Planning → Copying → Verifying → DeletingSource → Done, collapsing to a
// single atomic step when the backend has a native rename.
type MoveState string

const (
	MovePlanning       MoveState = "planning"
	MoveCopying        MoveState = "copying"
	MoveVerifying      MoveState = "verifying"
	MoveDeletingSource MoveState = "deleting_source"
	MoveDone           MoveState = "done"
	MoveFailed         MoveState = "failed"
)

// MoveResult reports how a move completed.
type MoveResult struct {
	State MoveState

	// Renamed is true when the backend performed a single atomic rename.
	Renamed bool

	// BytesCopied counts payload bytes moved by the copy fallback.
	BytesCopied int64

	// CopyRetained is true when verification failed: the source is
	// intact and the unverified copy is left at the destination for
	// inspection. No data was lost.
	CopyRetained bool
}

// Move relocates an entry, possibly across backends. Same-backend moves
// use the native rename when the driver supports it; otherwise (and for
// all cross-backend moves) the coordinator copies, verifies the copy
// against the source, and only then deletes the source.
//
// Verification failure preserves the source; the copy is retained at the
// destination and the error carries ErrIncomplete. An unverified copy is
// never completed by deleting its source.
func (s *Service) Move(ctx context.Context, srcBackendID, srcPath, dstBackendID, dstPath string) (*MoveResult, error) {
	res := &MoveResult{State: MovePlanning}

	srcH, src, err := s.resolve(srcBackendID, srcPath)
	if err != nil {
		return res, err
	}
	dstH, dst, err := s.resolve(dstBackendID, dstPath)
	if err != nil {
		return res, err
	}
	if src.IsRoot() || dst.IsRoot() {
		return res, fmt.Errorf("%w: cannot move a backend root", ErrInvalidPath)
	}
	if srcH.ID == dstH.ID {
		if src.Equal(dst) {
			return res, fmt.Errorf("%w: source and destination are the same", ErrInvalidPath)
		}
		if src.IsAncestorOf(dst) {
			return res, fmt.Errorf("%w: cannot move %q into its own descendant %q", ErrInvalidPath, src, dst)
		}
	}

	err = s.move(ctx, srcH, src, dstH, dst, res)
	observeOperation("move", srcH.ID, err)
	s.publish("move", srcH.ID, src, dst.String(), res.BytesCopied, err)
	if err != nil {
		s.log.Warn("move failed",
			zap.String("src", srcH.ID+":"+src.String()),
			zap.String("dst", dstH.ID+":"+dst.String()),
			zap.String("state", string(res.State)),
			zap.Error(err))
	}
	return res, err
}

func (s *Service) move(ctx context.Context, srcH *BackendHandle, src Path, dstH *BackendHandle, dst Path, res *MoveResult) error {
	srcEntry, err := retryIdempotent(ctx, s.retry, func() (*FileEntry, error) {
		return srcH.Backend.Stat(ctx, src)
	})
	if err != nil {
		res.State = MoveFailed
		return err
	}

	// Destination must not already hold an entry; moves do not clobber.
	if _, err := dstH.Backend.Stat(ctx, dst); err == nil {
		res.State = MoveFailed
		return &PathError{Op: "move", Backend: dstH.ID, Path: dst.String(), Err: ErrExist}
	} else if !IsNotFound(err) {
		res.State = MoveFailed
		return err
	}

	// One atomic step when the backend renames natively.
	if srcH.ID == dstH.ID {
		err := srcH.Backend.Rename(ctx, src, dst)
		switch {
		case err == nil:
			res.State = MoveDone
			res.Renamed = true
			return nil
		case !IsUnsupported(err):
			res.State = MoveFailed
			return err
		}
	}

	if srcEntry.IsDir() {
		return s.moveDirectory(ctx, srcH, src, dstH, dst, res)
	}
	return s.moveFile(ctx, srcH, srcEntry, dstH, dst, res)
}

func (s *Service) moveFile(ctx context.Context, srcH *BackendHandle, srcEntry *FileEntry, dstH *BackendHandle, dst Path, res *MoveResult) error {
	src := srcEntry.Path

	res.State = MoveCopying
	copied, err := s.copyFile(ctx, srcH, srcEntry, dstH, dst)
	if err != nil {
		res.State = MoveFailed
		return err
	}
	res.BytesCopied += copied

	res.State = MoveVerifying
	if err := s.verifyCopy(ctx, srcH, srcEntry, dstH, dst); err != nil {
		// Source preserved, copy left in place for inspection.
		res.State = MoveFailed
		res.CopyRetained = true
		return &PathError{Op: "move", Backend: dstH.ID, Path: dst.String(),
			Err: fmt.Errorf("%w: %w", ErrIncomplete, err)}
	}

	res.State = MoveDeletingSource
	if err := srcH.Backend.Delete(ctx, src, false); err != nil {
		res.State = MoveFailed
		res.CopyRetained = true
		return err
	}

	res.State = MoveDone
	return nil
}

// moveDirectory streams a subtree across the rename-less path: mkdir and
// copy everything under dst, verify file sizes as it goes, then delete the
// source tree only after the whole copy succeeded.
func (s *Service) moveDirectory(ctx context.Context, srcH *BackendHandle, src Path, dstH *BackendHandle, dst Path, res *MoveResult) error {
	res.State = MoveCopying
	if err := dstH.Backend.Mkdir(ctx, dst); err != nil && !IsExist(err) {
		res.State = MoveFailed
		return err
	}

	walker := newTreeWalker(srcH, src, s.pageSize, true, s.retry)
	for walker.HasMore() {
		entries, err := walker.Next(ctx)
		if err != nil {
			if err == io.EOF {
				break
			}
			res.State = MoveFailed
			return err
		}
		for _, entry := range entries {
			rel, ok := relativeTo(src, entry.Path)
			if !ok {
				continue
			}
			target, err := dst.Join(rel)
			if err != nil {
				res.State = MoveFailed
				return err
			}
			if entry.IsDir() {
				if err := dstH.Backend.Mkdir(ctx, target); err != nil && !IsExist(err) {
					res.State = MoveFailed
					return err
				}
				continue
			}
			entry := entry
			copied, err := s.copyFile(ctx, srcH, &entry, dstH, target)
			if err != nil {
				res.State = MoveFailed
				return err
			}
			res.BytesCopied += copied

			res.State = MoveVerifying
			if err := s.verifyCopy(ctx, srcH, &entry, dstH, target); err != nil {
				res.State = MoveFailed
				res.CopyRetained = true
				return &PathError{Op: "move", Backend: dstH.ID, Path: target.String(),
					Err: fmt.Errorf("%w: %w", ErrIncomplete, err)}
			}
			res.State = MoveCopying
		}
	}

	res.State = MoveDeletingSource
	if err := s.deleteRecursive(ctx, srcH, src); err != nil {
		res.State = MoveFailed
		res.CopyRetained = true
		return err
	}

	res.State = MoveDone
	return nil
}

// copyFile duplicates one file, preferring the backend's server-side copy
// for same-backend moves and falling back to a streamed transfer.
func (s *Service) copyFile(ctx context.Context, srcH *BackendHandle, srcEntry *FileEntry, dstH *BackendHandle, dst Path) (int64, error) {
	src := srcEntry.Path

	if srcH.ID == dstH.ID {
		err := srcH.Backend.Copy(ctx, src, dst)
		if err == nil {
			return srcEntry.Size, nil
		}
		if !IsUnsupported(err) {
			return 0, err
		}
	}

	reader, err := retryIdempotent(ctx, s.retry, func() (io.ReadCloser, error) {
		return srcH.Backend.OpenRead(ctx, src)
	})
	if err != nil {
		return 0, err
	}
	defer reader.Close()

	session, err := s.engine.Upload(ctx, dstH, dst, reader, srcEntry.Size, &TransferOptions{
		ContentType: srcEntry.ContentType,
		Metadata:    srcEntry.Metadata,
	})
	if err != nil {
		return 0, err
	}
	return session.BytesTransferred(), nil
}

// verifyCopy re-stats the destination and compares it against the source
// entry. Size must match; when both sides carry a version token from the
// same backend kind the tokens are compared too. Incomparable tokens fall
// back to a streamed checksum comparison.
func (s *Service) verifyCopy(ctx context.Context, srcH *BackendHandle, srcEntry *FileEntry, dstH *BackendHandle, dst Path) error {
	dstEntry, err := retryIdempotent(ctx, s.retry, func() (*FileEntry, error) {
		return dstH.Backend.Stat(ctx, dst)
	})
	if err != nil {
		return fmt.Errorf("verify: %w", err)
	}
	if dstEntry.IsDir() {
		return fmt.Errorf("verify: destination is a directory")
	}
	if dstEntry.Size != srcEntry.Size {
		return fmt.Errorf("verify: size mismatch: source %d, destination %d",
			srcEntry.Size, dstEntry.Size)
	}

	if !s.verifyChecksums {
		return nil
	}
	srcSum, err := BackendChecksum(ctx, srcH.Backend, srcEntry.Path, ChecksumSHA256)
	if err != nil {
		return fmt.Errorf("verify: %w", err)
	}
	dstSum, err := BackendChecksum(ctx, dstH.Backend, dst, ChecksumSHA256)
	if err != nil {
		return fmt.Errorf("verify: %w", err)
	}
	if srcSum != dstSum {
		return fmt.Errorf("verify: checksum mismatch")
	}
	return nil
}

// relativeTo strips ancestor from p, returning the remainder as a raw
// path string.
func relativeTo(ancestor, p Path) (string, bool) {
	if !ancestor.IsAncestorOf(p) {
		return "", false
	}
	segs := p.Segments()[ancestor.Depth():]
	return Path{segs: segs}.String(), true
}
