//go:build linux || darwin

package backend

import (
	"fmt"
	"syscall"

	"golang.org/x/sys/unix"
)

// dialControl sets SO_REUSEADDR so rapid reconnects do not trip over sockets in TIME_WAIT.
func dialControl(_, _ string, c syscall.RawConn) error {
	var ctrlErr error
	err := c.Control(func(fd uintptr) {
		if err := unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
			ctrlErr = fmt.Errorf("failed to set SO_REUSEADDR: %w", err)
			logger.Error(ctrlErr, "Failed to set SO_REUSEADDR")
		}
	})
	if err != nil {
		return err
	}
	return ctrlErr
}
