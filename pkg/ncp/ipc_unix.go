//go:build !windows

package ncp

import (
	"fmt"
	"net"
	"os"

	"golang.org/x/sys/unix"
)

// ListenAppSocket creates the UNIX datagram socket applications use to
// reach ncpd (spec.md §4.6). Any stale file at path is removed first. The
// socket is world read/writable, matching the original Host/Host ICP
// facility being reachable from any local process, not just a privileged
// one.
func ListenAppSocket(path string) (*net.UnixConn, error) {
	_ = os.Remove(path)

	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_DGRAM, 0)
	if err != nil {
		return nil, fmt.Errorf("ncp: create app socket: %w", err)
	}
	if err := unix.Bind(fd, &unix.SockaddrUnix{Name: path}); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("ncp: bind app socket %q: %w", path, err)
	}
	if err := os.Chmod(path, 0666); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("ncp: chmod app socket %q: %w", path, err)
	}

	f := os.NewFile(uintptr(fd), path)
	defer f.Close()

	conn, err := net.FileConn(f)
	if err != nil {
		return nil, fmt.Errorf("ncp: wrap app socket %q: %w", path, err)
	}
	uc, ok := conn.(*net.UnixConn)
	if !ok {
		conn.Close()
		return nil, fmt.Errorf("ncp: app socket %q: unexpected conn type %T", path, conn)
	}
	return uc, nil
}
