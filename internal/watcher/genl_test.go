package watcher

import (
	"encoding/binary"
	"errors"
	"slices"
	"syscall"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

const testFamily = 0x1a

func u32(v uint32) []byte {
	return binary.NativeEndian.AppendUint32(nil, v)
}

// genlMessage frames a generic netlink message of type typ with cmd and attrs
func genlMessage(typ uint16, cmd uint8, attrs ...netlinkAttr) []byte {
	b := make([]byte, nlmsgHdrLen+genlHdrLen)
	b[nlmsgHdrLen] = cmd
	for _, a := range attrs {
		b = appendAttr(b, a.typ, a.data)
	}
	binary.NativeEndian.PutUint32(b[0:4], uint32(len(b)))
	binary.NativeEndian.PutUint16(b[4:6], typ)
	return b
}

func nested(attrs ...netlinkAttr) []byte {
	var b []byte
	for _, a := range attrs {
		b = appendAttr(b, a.typ, a.data)
	}
	return b
}

func zones(id int) (string, bool) {
	switch id {
	case 0:
		return "cpu0", true
	case 1:
		return "gpu0", true
	}
	return "", false
}

func TestParseGenl(t *testing.T) {
	monitored := func(n string) bool { return n == "cpu0" }
	tzID := func(id uint32) netlinkAttr { return netlinkAttr{typ: thermalAttrTzID, data: u32(id)} }
	tests := []struct {
		name string
		msg  []byte
		want []string
	}{
		{"trip up", genlMessage(testFamily, thermalEventTzTripUp, tzID(0)), []string{"cpu0"}},
		{"governor change", genlMessage(testFamily, thermalEventTzGovChange, tzID(0)), []string{"cpu0"}},
		{"unmonitored zone", genlMessage(testFamily, thermalEventTzTripDown, tzID(1)), nil},
		{"unknown zone", genlMessage(testFamily, thermalEventTzTripDown, tzID(7)), nil},
		{"other family", genlMessage(testFamily+1, thermalEventTzTripUp, tzID(0)), nil},
		{"cdev event", genlMessage(testFamily, 11, tzID(0)), nil},
		{"trip add", genlMessage(testFamily, 8, tzID(0)), nil},
		{"no zone id", genlMessage(testFamily, thermalEventTzTripUp, netlinkAttr{typ: 3, data: u32(0)}), nil},
		{"zone id after trip id", genlMessage(testFamily, thermalEventTzTripChange, netlinkAttr{typ: 3, data: u32(1)}, tzID(0)), []string{"cpu0"}},
		{"two messages", append(genlMessage(testFamily, thermalEventTzEnable, tzID(1)), genlMessage(testFamily, thermalEventTzDisable, tzID(0))...), []string{"cpu0"}},
		{"truncated", genlMessage(testFamily, thermalEventTzTripUp, tzID(0))[:nlmsgHdrLen+2], nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ParseGenl(tt.msg, testFamily, zones, monitored); !slices.Equal(got, tt.want) {
				t.Errorf("got %v, want %v", got, tt.want)
			}
		})
	}
}

func TestFamilyRequest(t *testing.T) {
	b := familyRequest(thermalFamily, 7)
	msgs, err := splitMessages(b)
	if err != nil || len(msgs) != 1 {
		t.Fatalf("splitMessages = %v, %v", msgs, err)
	}
	m := msgs[0]
	if m.typ != genlIDCtrl || m.flags != nlmRequest || m.seq != 7 || m.payload[0] != ctrlCmdGetFamily {
		t.Errorf("header = %+v", m)
	}
	attrs, err := parseAttrs(m.payload[genlHdrLen:])
	if err != nil || len(attrs) != 1 || attrs[0].typ != ctrlAttrFamilyName || attrString(attrs[0].data) != "thermal" {
		t.Errorf("attrs = %+v, %v", attrs, err)
	}
	if len(b)%4 != 0 {
		t.Errorf("request length %d is not aligned", len(b))
	}
}

func TestParseFamily(t *testing.T) {
	group := func(name string, id uint32) netlinkAttr {
		return netlinkAttr{typ: 1, data: nested(
			netlinkAttr{typ: ctrlAttrGrpName, data: append([]byte(name), 0)},
			netlinkAttr{typ: ctrlAttrGrpID, data: u32(id)},
		)}
	}
	reply := genlMessage(genlIDCtrl, 1,
		netlinkAttr{typ: ctrlAttrFamilyID, data: binary.NativeEndian.AppendUint16(nil, testFamily)},
		netlinkAttr{typ: ctrlAttrFamilyName, data: []byte("thermal\x00")},
		netlinkAttr{typ: ctrlAttrMcastGrps, data: nested(group("sampling", 4), group("event", 5))},
	)
	family, groups, err := parseFamily(reply)
	if err != nil {
		t.Fatalf("parseFamily: %v", err)
	}
	if family != testFamily || groups["event"] != 5 || groups["sampling"] != 4 {
		t.Errorf("family = %#x, groups = %v", family, groups)
	}

	errMsg := make([]byte, nlmsgHdrLen+4+nlmsgHdrLen)
	binary.NativeEndian.PutUint32(errMsg[0:4], uint32(len(errMsg)))
	binary.NativeEndian.PutUint16(errMsg[4:6], nlmsgError)
	binary.NativeEndian.PutUint32(errMsg[nlmsgHdrLen:], uint32(0xfffffffe)) // -ENOENT
	if _, _, err := parseFamily(errMsg); !errors.Is(err, syscall.Errno(2)) {
		t.Errorf("error reply = %v, want ENOENT", err)
	}

	if _, _, err := parseFamily(genlMessage(genlIDCtrl, 1)); err == nil {
		t.Error("reply without a family id should fail")
	}
}

type genlFakeSource struct {
	fakeSource
}

func (s *genlFakeSource) Parse(msg []byte, monitored func(string) bool) []string {
	return ParseGenl(msg, testFamily, zones, monitored)
}

func TestWatcherUsesSourceParser(t *testing.T) {
	src := &genlFakeSource{}
	var calls []map[string]bool
	w := New(zerolog.Nop(), src, func(changed map[string]bool) time.Duration {
		calls = append(calls, changed)
		return time.Minute
	})
	w.Monitor("cpu0")
	w.step()

	msg := genlMessage(testFamily, thermalEventTzTripUp, netlinkAttr{typ: thermalAttrTzID, data: u32(0)})
	src.results = []waitResult{{msgs: [][]byte{msg}, kernel: true}}
	w.step()
	if len(calls) != 2 || !calls[1]["cpu0"] {
		t.Errorf("calls = %v", calls)
	}
}
