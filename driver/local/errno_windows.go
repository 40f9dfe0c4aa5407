//go:build windows

package local

import (
	"errors"
	"syscall"

	"github.com/gobeaver/drivekit"
)

// mapErrno covers the errno values that differ per platform. Returns nil
// when no taxonomy error applies.
func mapErrno(err error) error {
	const errDiskFull = syscall.Errno(112) // ERROR_DISK_FULL
	if errors.Is(err, errDiskFull) {
		return drivekit.ErrQuotaExceeded
	}
	return nil
}
