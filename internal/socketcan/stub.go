//go:build !linux

package socketcan

import "errors"

// Open is unavailable off Linux.
func Open(iface string) (Dev, error) {
	return nil, errors.New("socketcan unsupported on this platform")
}
