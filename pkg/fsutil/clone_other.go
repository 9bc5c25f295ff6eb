//go:build !linux

package fsutil

import (
	"errors"
	"os"
)

var errNoReflink = errors.New("reflink not supported on this platform")

func reflink(_, _ *os.File) error { return errNoReflink }
