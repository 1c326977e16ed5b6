//go:build !(linux || darwin || freebsd || openbsd || netbsd || dragonfly)

package proxy

import "errors"

func setReusePort(uintptr) error {
	return errors.New("SO_REUSEPORT is not supported on this platform")
}
