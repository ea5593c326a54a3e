//go:build unix

package cryptosocket

import (
	"syscall"

	"golang.org/x/sys/unix"
)

// syscallConn is the capability net.TCPConn and net.UnixConn expose to
// reach into the raw file descriptor without taking ownership of it.
type syscallConn interface {
	SyscallConn() (syscall.RawConn, error)
}

// TuneSocket applies the buffer-size and Nagle-disabling tuning a
// reactor typically wants on the raw file descriptor backing sock,
// mirroring the SetNoDelay call github.com/brickingsoft/rio makes right
// after accepting or dialing a TCP connection. It is a no-op (returning
// nil) for a Socket that doesn't expose a raw file descriptor, e.g. an
// in-memory pipe used in tests.
func TuneSocket(sock Socket, sendBuf, recvBuf int) error {
	sc, ok := sock.(syscallConn)
	if !ok {
		return nil
	}
	raw, err := sc.SyscallConn()
	if err != nil {
		return err
	}

	var opErr error
	err = raw.Control(func(fd uintptr) {
		if opErr = unix.SetsockoptInt(int(fd), unix.IPPROTO_TCP, unix.TCP_NODELAY, 1); opErr != nil {
			return
		}
		if sendBuf > 0 {
			if opErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_SNDBUF, sendBuf); opErr != nil {
				return
			}
		}
		if recvBuf > 0 {
			opErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_RCVBUF, recvBuf)
		}
	})
	if err != nil {
		return err
	}
	return opErr
}
