package protocol

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/cmsfed/cmsd/mask"
)

// SelectRequest is the ephemeral record carrying one select/locate/statfs
// ask through the dispatcher (spec §3 SelectRequest).
type SelectRequest struct {
	StreamID  uint16
	Path      string
	Path2     string
	Mode      string
	Refresh   bool
	Write     bool
	Trunc     bool
	NewFile   bool
	Asap      bool
	Online    bool
	NoBind    bool
	Peers     bool
	Defer     bool
	Pending   bool
	Advisory  bool
	AvoidMask mask.Mask // nmask: subscribers to avoid
}

// FromFrame decodes the common path/path2/mode fields and modifier bits of
// a select/locate/statfs/state frame. The data payload layout is
// "path\x00[path2\x00[mode\x00]]".
func FromFrame(f *Frame) *SelectRequest {
	parts := bytes.SplitN(f.Data, []byte{0}, 3)
	req := &SelectRequest{
		StreamID: f.StreamID,
		Refresh:  f.Modifier.Has(ModRefresh),
		Write:    f.Modifier.Has(ModWrite),
		Trunc:    f.Modifier.Has(ModTrunc),
		NewFile:  f.Modifier.Has(ModCreate),
		Asap:     f.Modifier.Has(ModAsap),
		Online:   f.Modifier.Has(ModOnline),
	}
	if len(parts) > 0 {
		req.Path = string(parts[0])
	}
	if len(parts) > 1 {
		req.Path2 = string(parts[1])
	}
	if len(parts) > 2 {
		req.Mode = string(bytes.TrimRight(parts[2], "\x00"))
	}
	return req
}

// RedirectResponse builds the wire {port:u32-net, host-data[]} select
// response (spec §6 "Select response").
func RedirectResponse(host string, port uint32) *Frame {
	buf := make([]byte, 4+len(host))
	binary.BigEndian.PutUint32(buf[0:4], port)
	copy(buf[4:], host)
	return &Frame{RRCode: CodeRedirect, Data: buf}
}

// WaitResponse builds the wire wait{seconds:u32-net} response.
func WaitResponse(seconds uint32) *Frame {
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, seconds)
	return &Frame{RRCode: CodeWait, Data: buf}
}

// ErrorResponse builds the wire error{errno:u32-net, message[]} response.
func ErrorResponse(errno uint32, message string) *Frame {
	buf := make([]byte, 4+len(message))
	binary.BigEndian.PutUint32(buf[0:4], errno)
	copy(buf[4:], message)
	return &Frame{RRCode: CodeError, Data: buf}
}

// LocateEntry is one surviving candidate in a locate response.
type LocateEntry struct {
	IsManager bool
	Online    bool // false => pending
	CanWrite  bool
	Host      string
	Port      int
}

// Format renders "XY[ipv6]:port" per spec §6 Locate response: X in
// {M,S,m,s} (upper=online, lower=pending; M/m=manager), Y in {r,w}.
func (e LocateEntry) Format() string {
	x := byte('S')
	if e.IsManager {
		x = 'M'
	}
	if !e.Online {
		x += 'a' - 'A' // lowercase
	}
	y := byte('r')
	if e.CanWrite {
		y = 'w'
	}
	return fmt.Sprintf("%c%c[%s]:%d", x, y, e.Host, e.Port)
}

// FormatLocate joins entries space-separated, NUL-terminated, per spec §6.
func FormatLocate(entries []LocateEntry) []byte {
	parts := make([]string, len(entries))
	for i, e := range entries {
		parts[i] = e.Format()
	}
	line := strings.Join(parts, " ")
	return append([]byte(line), 0)
}

// FormatStatfs renders "wNum wFreeKB wUtil sNum sFreeKB sUtil" or the
// all-(-1) unknown-path line, per spec §6.
func FormatStatfs(wNum int, wFreeKB int64, wUtil int, sNum int, sFreeKB int64, sUtil int) string {
	return fmt.Sprintf("%d %d %d %d %d %d", wNum, wFreeKB, wUtil, sNum, sFreeKB, sUtil)
}

// UnknownStatfs is the fixed "-1 -1 -1 -1 -1 -1" line for unknown paths.
const UnknownStatfs = "-1 -1 -1 -1 -1 -1"
