//go:build !(darwin || dragonfly || freebsd || linux || netbsd || openbsd || solaris || windows)

package recovery

import (
	"errors"
	"os"
)

func lockFile(*os.File) error { return errors.ErrUnsupported }

func unlockFile(*os.File) error { return errors.ErrUnsupported }
