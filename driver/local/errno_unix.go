//go:build !windows

package local

import (
	"errors"
	"syscall"

	"github.com/gobeaver/drivekit"
)

// mapErrno covers the errno values that differ per platform. Returns nil
// when no taxonomy error applies.
func mapErrno(err error) error {
	switch {
	case errors.Is(err, syscall.ENOSPC), errors.Is(err, syscall.EDQUOT):
		return drivekit.ErrQuotaExceeded
	case errors.Is(err, syscall.EISDIR):
		return drivekit.ErrIsDir
	}
	return nil
}
