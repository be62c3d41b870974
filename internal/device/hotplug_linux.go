//go:build linux

package device

import (
	"errors"
	"fmt"
	"time"

	"golang.org/x/sys/unix"
)

const ueventBufferSize = 64 * 1024

// Netlink receives kernel uevents from a NETLINK_KOBJECT_UEVENT socket
type Netlink struct {
	fd  int
	buf []byte
}

// OpenNetlink subscribes to the kernel uevent multicast group
func OpenNetlink() (*Netlink, error) {
	fd, err := unix.Socket(unix.AF_NETLINK, unix.SOCK_RAW|unix.SOCK_CLOEXEC, unix.NETLINK_KOBJECT_UEVENT)
	if err != nil {
		return nil, fmt.Errorf("failed to open uevent socket: %w", err)
	}

	addr := &unix.SockaddrNetlink{Family: unix.AF_NETLINK, Groups: 1}
	if err := unix.Bind(fd, addr); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("failed to bind uevent socket: %w", err)
	}

	return &Netlink{fd: fd, buf: make([]byte, ueventBufferSize)}, nil
}

// Receive waits up to timeout for one uevent datagram
func (n *Netlink) Receive(timeout time.Duration) ([]Event, error) {
	fds := []unix.PollFd{{Fd: int32(n.fd), Events: unix.POLLIN}}
	ready, err := unix.Poll(fds, int(timeout/time.Millisecond))
	if err != nil {
		if errors.Is(err, unix.EINTR) {
			return nil, fmt.Errorf("%w: %v", ErrTransient, err)
		}
		return nil, fmt.Errorf("failed to poll uevent socket: %w", err)
	}
	if ready == 0 {
		return nil, nil
	}

	nr, _, err := unix.Recvfrom(n.fd, n.buf, 0)
	if err != nil {
		switch {
		case errors.Is(err, unix.EINTR), errors.Is(err, unix.EAGAIN), errors.Is(err, unix.ENOBUFS):
			return nil, fmt.Errorf("%w: %v", ErrTransient, err)
		}
		return nil, fmt.Errorf("failed to read uevent: %w", err)
	}

	ev, ok := ParseUevent(n.buf[:nr])
	if !ok {
		return nil, nil
	}
	return []Event{ev}, nil
}

// Close releases the socket
func (n *Netlink) Close() error {
	return unix.Close(n.fd)
}
