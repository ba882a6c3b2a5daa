package transport

import "golang.org/x/sys/unix"

// setReusePort sets SO_REUSEPORT on fd. The file has no build
// constraint, so it builds only on platforms where golang.org/x/sys/unix
// defines the constant; callers treat a runtime failure here as
// best-effort, matching §4.2's "port-reuse where available".
func setReusePort(fd int) error {
	return unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEPORT, 1)
}
