//go:build !linux && !freebsd

package conn

import "errors"

var errFwmarkUnsupported = errors.New("fwmark is not supported on this platform")

func setFwmark(fd, fwmark int) error {
	return errFwmarkUnsupported
}
