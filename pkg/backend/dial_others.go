//go:build !linux && !darwin

package backend

import "syscall"

var dialControl func(network, address string, c syscall.RawConn) error
