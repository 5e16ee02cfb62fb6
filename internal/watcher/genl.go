package watcher

import (
	"encoding/binary"
	"errors"
	"fmt"
	"syscall"
)

// Netlink framing, mirrored here so parsing builds on every platform
const (
	nlmsgHdrLen = 16
	genlHdrLen  = 4
	nlaHdrLen   = 4
	nlaTypeMask = 0x3fff

	nlmsgError  = 0x2
	nlmRequest  = 0x1
	genlIDCtrl  = 0x10
	ctrlVersion = 1

	ctrlCmdGetFamily   = 3
	ctrlAttrFamilyID   = 1
	ctrlAttrFamilyName = 2
	ctrlAttrMcastGrps  = 7
	ctrlAttrGrpName    = 1
	ctrlAttrGrpID      = 2
)

// Thermal generic netlink family
const (
	thermalFamily = "thermal"
	thermalGroup  = "event"

	thermalAttrTzID = 2

	thermalEventTzCreate     = 1
	thermalEventTzDelete     = 2
	thermalEventTzDisable    = 3
	thermalEventTzEnable     = 4
	thermalEventTzTripUp     = 5
	thermalEventTzTripDown   = 6
	thermalEventTzTripChange = 7
	thermalEventTzTripDelete = 9
	thermalEventTzGovChange  = 13
)

// zoneEvents are the thermal events that carry a zone id
var zoneEvents = map[uint8]bool{
	thermalEventTzCreate:     true,
	thermalEventTzDelete:     true,
	thermalEventTzDisable:    true,
	thermalEventTzEnable:     true,
	thermalEventTzTripUp:     true,
	thermalEventTzTripDown:   true,
	thermalEventTzTripChange: true,
	thermalEventTzTripDelete: true,
	thermalEventTzGovChange:  true,
}

// ZoneResolver maps a kernel thermal zone id onto a sensor name
type ZoneResolver func(id int) (string, bool)

type netlinkMsg struct {
	typ     uint16
	flags   uint16
	seq     uint32
	pid     uint32
	payload []byte
}

type netlinkAttr struct {
	typ  uint16
	data []byte
}

func align4(n int) int {
	return (n + 3) &^ 3
}

func appendAttr(b []byte, typ uint16, data []byte) []byte {
	var hdr [nlaHdrLen]byte
	binary.NativeEndian.PutUint16(hdr[0:2], uint16(nlaHdrLen+len(data)))
	binary.NativeEndian.PutUint16(hdr[2:4], typ)
	b = append(b, hdr[:]...)
	b = append(b, data...)
	for len(b)%4 != 0 {
		b = append(b, 0)
	}
	return b
}

// familyRequest builds a CTRL_CMD_GETFAMILY request for family
func familyRequest(family string, seq uint32) []byte {
	name := append([]byte(family), 0)
	b := make([]byte, nlmsgHdrLen+genlHdrLen, nlmsgHdrLen+genlHdrLen+nlaHdrLen+align4(len(name)))
	b[nlmsgHdrLen] = ctrlCmdGetFamily
	b[nlmsgHdrLen+1] = ctrlVersion
	b = appendAttr(b, ctrlAttrFamilyName, name)
	binary.NativeEndian.PutUint32(b[0:4], uint32(len(b)))
	binary.NativeEndian.PutUint16(b[4:6], genlIDCtrl)
	binary.NativeEndian.PutUint16(b[6:8], nlmRequest)
	binary.NativeEndian.PutUint32(b[8:12], seq)
	return b
}

// splitMessages walks a datagram holding one or more netlink messages
func splitMessages(b []byte) ([]netlinkMsg, error) {
	var msgs []netlinkMsg
	for len(b) >= nlmsgHdrLen {
		n := int(binary.NativeEndian.Uint32(b[0:4]))
		if n < nlmsgHdrLen || n > len(b) {
			return msgs, fmt.Errorf("netlink message length %d out of range", n)
		}
		msgs = append(msgs, netlinkMsg{
			typ:     binary.NativeEndian.Uint16(b[4:6]),
			flags:   binary.NativeEndian.Uint16(b[6:8]),
			seq:     binary.NativeEndian.Uint32(b[8:12]),
			pid:     binary.NativeEndian.Uint32(b[12:16]),
			payload: b[nlmsgHdrLen:n],
		})
		b = b[min(align4(n), len(b)):]
	}
	return msgs, nil
}

func parseAttrs(b []byte) ([]netlinkAttr, error) {
	var attrs []netlinkAttr
	for len(b) >= nlaHdrLen {
		n := int(binary.NativeEndian.Uint16(b[0:2]))
		if n < nlaHdrLen || n > len(b) {
			return attrs, fmt.Errorf("netlink attribute length %d out of range", n)
		}
		attrs = append(attrs, netlinkAttr{
			typ:  binary.NativeEndian.Uint16(b[2:4]) & nlaTypeMask,
			data: b[nlaHdrLen:n],
		})
		b = b[min(align4(n), len(b)):]
	}
	return attrs, nil
}

func attrString(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}

// parseFamily reads the reply to a family request: the family id and its
// multicast groups by name
func parseFamily(b []byte) (uint16, map[string]uint32, error) {
	msgs, err := splitMessages(b)
	if err != nil {
		return 0, nil, err
	}
	for _, m := range msgs {
		if m.typ == nlmsgError {
			if len(m.payload) < 4 {
				return 0, nil, errors.New("short netlink error message")
			}
			if code := int32(binary.NativeEndian.Uint32(m.payload[0:4])); code != 0 {
				return 0, nil, fmt.Errorf("resolve generic netlink family: %w", syscall.Errno(-code))
			}
			continue
		}
		if m.typ != genlIDCtrl || len(m.payload) < genlHdrLen {
			continue
		}
		attrs, err := parseAttrs(m.payload[genlHdrLen:])
		if err != nil {
			return 0, nil, err
		}
		var family uint16
		groups := make(map[string]uint32)
		for _, a := range attrs {
			switch a.typ {
			case ctrlAttrFamilyID:
				if len(a.data) >= 2 {
					family = binary.NativeEndian.Uint16(a.data)
				}
			case ctrlAttrMcastGrps:
				entries, err := parseAttrs(a.data)
				if err != nil {
					return 0, nil, err
				}
				for _, e := range entries {
					fields, err := parseAttrs(e.data)
					if err != nil {
						return 0, nil, err
					}
					var (
						name string
						id   uint32
					)
					for _, f := range fields {
						switch {
						case f.typ == ctrlAttrGrpName:
							name = attrString(f.data)
						case f.typ == ctrlAttrGrpID && len(f.data) >= 4:
							id = binary.NativeEndian.Uint32(f.data)
						}
					}
					if name != "" {
						groups[name] = id
					}
				}
			}
		}
		if family == 0 {
			return 0, nil, errors.New("family reply without an id")
		}
		return family, groups, nil
	}
	return 0, nil, errors.New("no generic netlink family reply")
}

// ParseGenl extracts the monitored sensors of a thermal generic netlink
// datagram. Only zone events of family are considered and the zone id is
// mapped onto a sensor by resolve.
func ParseGenl(b []byte, family uint16, resolve ZoneResolver, monitored func(string) bool) []string {
	msgs, _ := splitMessages(b)
	var names []string
	for _, m := range msgs {
		if m.typ != family || len(m.payload) < genlHdrLen || !zoneEvents[m.payload[0]] {
			continue
		}
		attrs, _ := parseAttrs(m.payload[genlHdrLen:])
		for _, a := range attrs {
			if a.typ != thermalAttrTzID || len(a.data) < 4 {
				continue
			}
			id := int(binary.NativeEndian.Uint32(a.data))
			if name, ok := resolve(id); ok && monitored(name) {
				names = append(names, name)
			}
			break
		}
	}
	return names
}
