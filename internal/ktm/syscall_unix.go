//go:build unix

package ktm

import "golang.org/x/sys/unix"

var syscallENOTDIR error = unix.ENOTDIR
