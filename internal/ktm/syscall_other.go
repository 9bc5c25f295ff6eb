//go:build !unix

package ktm

import "errors"

var syscallENOTDIR = errors.New("not a directory")
