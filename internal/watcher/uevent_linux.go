//go:build linux

package watcher

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"time"

	"golang.org/x/sys/unix"
)

const ueventMsgLen = 2048

// netlinkConn is a netlink socket paired with an eventfd used for Wake
type netlinkConn struct {
	sock   int
	wakeFd int
}

func newNetlinkConn(sock int) (netlinkConn, error) {
	wakeFd, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	if err != nil {
		return netlinkConn{}, fmt.Errorf("open wake eventfd: %w", err)
	}
	return netlinkConn{sock: sock, wakeFd: wakeFd}, nil
}

func pollTimeout(d time.Duration) int {
	ms := d.Milliseconds()
	if ms > math.MaxInt32 {
		return -1
	}
	if ms < 0 {
		return 0
	}
	return int(ms)
}

// wait polls the socket and the wake eventfd. It reports whether the socket
// has messages to read.
func (c netlinkConn) wait(timeout time.Duration) (bool, error) {
	fds := []unix.PollFd{
		{Fd: int32(c.sock), Events: unix.POLLIN},
		{Fd: int32(c.wakeFd), Events: unix.POLLIN},
	}
	n, err := unix.Poll(fds, pollTimeout(timeout))
	if err != nil {
		if errors.Is(err, unix.EINTR) {
			return false, nil
		}
		return false, fmt.Errorf("poll netlink socket: %w", err)
	}
	if n == 0 {
		return false, nil
	}
	if fds[1].Revents&unix.POLLIN != 0 {
		var v [8]byte
		_, _ = unix.Read(c.wakeFd, v[:])
		return false, nil
	}
	return fds[0].Revents&unix.POLLIN != 0, nil
}

// drain reads every pending kernel message shorter than size
func (c netlinkConn) drain(buf []byte, size int) [][]byte {
	var msgs [][]byte
	for {
		n, from, err := unix.Recvfrom(c.sock, buf[:size], 0)
		if err != nil || n <= 0 {
			return msgs
		}
		if n >= size {
			continue
		}
		if sa, ok := from.(*unix.SockaddrNetlink); !ok || sa.Pid != 0 {
			continue
		}
		msg := make([]byte, n)
		copy(msg, buf[:n])
		msgs = append(msgs, msg)
	}
}

// Wake signals the eventfd
func (c netlinkConn) Wake() {
	var v [8]byte
	binary.NativeEndian.PutUint64(v[:], 1)
	_, _ = unix.Write(c.wakeFd, v[:])
}

// Close releases the socket and eventfd
func (c netlinkConn) Close() error {
	return errors.Join(unix.Close(c.sock), unix.Close(c.wakeFd))
}

// UeventSource listens on the kernel object uevent netlink socket
type UeventSource struct {
	netlinkConn
	buf []byte
}

// NewUeventSource opens the kernel uevent socket
func NewUeventSource() (*UeventSource, error) {
	sock, err := unix.Socket(unix.AF_NETLINK, unix.SOCK_DGRAM|unix.SOCK_CLOEXEC|unix.SOCK_NONBLOCK, unix.NETLINK_KOBJECT_UEVENT)
	if err != nil {
		return nil, fmt.Errorf("open uevent socket: %w", err)
	}
	if err := unix.SetsockoptInt(sock, unix.SOL_SOCKET, unix.SO_RCVBUF, 64*1024); err != nil {
		unix.Close(sock)
		return nil, fmt.Errorf("size uevent socket: %w", err)
	}
	if err := unix.Bind(sock, &unix.SockaddrNetlink{Family: unix.AF_NETLINK, Groups: 1}); err != nil {
		unix.Close(sock)
		return nil, fmt.Errorf("bind uevent socket: %w", err)
	}
	conn, err := newNetlinkConn(sock)
	if err != nil {
		unix.Close(sock)
		return nil, err
	}
	return &UeventSource{netlinkConn: conn, buf: make([]byte, ueventMsgLen+2)}, nil
}

// Wait polls the uevent socket and the wake eventfd
func (s *UeventSource) Wait(timeout time.Duration) ([][]byte, bool, error) {
	ready, err := s.wait(timeout)
	if err != nil || !ready {
		return nil, false, err
	}
	return s.drain(s.buf, ueventMsgLen), true, nil
}
