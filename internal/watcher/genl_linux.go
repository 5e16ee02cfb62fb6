//go:build linux

package watcher

import (
	"fmt"
	"time"

	"golang.org/x/sys/unix"
)

const genlMsgLen = 8192

// GenlSource listens on the "event" multicast group of the thermal generic
// netlink family
type GenlSource struct {
	netlinkConn
	family  uint16
	resolve ZoneResolver
	buf     []byte
}

// NewGenlSource subscribes to thermal zone events. resolve maps the zone id
// carried by each event onto a sensor name.
func NewGenlSource(resolve ZoneResolver) (*GenlSource, error) {
	sock, err := unix.Socket(unix.AF_NETLINK, unix.SOCK_RAW|unix.SOCK_CLOEXEC, unix.NETLINK_GENERIC)
	if err != nil {
		return nil, fmt.Errorf("open generic netlink socket: %w", err)
	}
	s, err := subscribeThermal(sock, resolve)
	if err != nil {
		unix.Close(sock)
		return nil, err
	}
	return s, nil
}

func subscribeThermal(sock int, resolve ZoneResolver) (*GenlSource, error) {
	if err := unix.Bind(sock, &unix.SockaddrNetlink{Family: unix.AF_NETLINK}); err != nil {
		return nil, fmt.Errorf("bind generic netlink socket: %w", err)
	}
	if err := unix.Sendto(sock, familyRequest(thermalFamily, 1), 0, &unix.SockaddrNetlink{Family: unix.AF_NETLINK}); err != nil {
		return nil, fmt.Errorf("request %s family: %w", thermalFamily, err)
	}
	buf := make([]byte, genlMsgLen)
	n, _, err := unix.Recvfrom(sock, buf, 0)
	if err != nil {
		return nil, fmt.Errorf("read %s family: %w", thermalFamily, err)
	}
	family, groups, err := parseFamily(buf[:n])
	if err != nil {
		return nil, err
	}
	group, ok := groups[thermalGroup]
	if !ok {
		return nil, fmt.Errorf("family %s has no %s group", thermalFamily, thermalGroup)
	}
	if err := unix.SetsockoptInt(sock, unix.SOL_NETLINK, unix.NETLINK_ADD_MEMBERSHIP, int(group)); err != nil {
		return nil, fmt.Errorf("join %s group: %w", thermalGroup, err)
	}
	if err := unix.SetNonblock(sock, true); err != nil {
		return nil, fmt.Errorf("set generic netlink socket non-blocking: %w", err)
	}
	conn, err := newNetlinkConn(sock)
	if err != nil {
		return nil, err
	}
	return &GenlSource{netlinkConn: conn, family: family, resolve: resolve, buf: buf}, nil
}

// Wait polls the generic netlink socket and the wake eventfd
func (s *GenlSource) Wait(timeout time.Duration) ([][]byte, bool, error) {
	ready, err := s.wait(timeout)
	if err != nil || !ready {
		return nil, false, err
	}
	return s.drain(s.buf, genlMsgLen), true, nil
}

// Parse maps a thermal event onto the monitored sensor of its zone
func (s *GenlSource) Parse(msg []byte, monitored func(string) bool) []string {
	return ParseGenl(msg, s.family, s.resolve, monitored)
}
