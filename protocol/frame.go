// Package protocol implements the CMS wire protocol (spec §6): a framed
// request/response envelope, the request code enum, and the modifier option
// bits each request family defines. The low-level byte transport (dial,
// reconnect, TLS) is an external collaborator (spec §1 Out of scope); this
// package owns only the frame layout and is what the external transport is
// expected to read/write.
/*
 * Copyright (c) 2024, CMS Federation contributors. All rights reserved.
 */
package protocol

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Code is the request/response opcode (rrCode).
type Code uint8

const (
	CodeLogin Code = iota + 1
	CodePing
	CodePong
	CodeLoad
	CodeSpace
	CodeAvail
	CodeStatus
	CodeTry
	CodeDisc
	CodeHave
	CodeGone
	CodeState
	CodeStatfs
	CodeLocate
	CodeSelect
	CodePrepAdd
	CodePrepDel
	CodeChmod
	CodeMkdir
	CodeMkpath
	CodeMv
	CodeRm
	CodeRmdir
	CodeUpdate
	CodeUsage
	CodeStats
	CodeWait
	CodeError
	CodeRedirect
	CodeData
)

var codeNames = map[Code]string{
	CodeLogin: "login", CodePing: "ping", CodePong: "pong", CodeLoad: "load",
	CodeSpace: "space", CodeAvail: "avail", CodeStatus: "status", CodeTry: "try",
	CodeDisc: "disc", CodeHave: "have", CodeGone: "gone", CodeState: "state",
	CodeStatfs: "statfs", CodeLocate: "locate", CodeSelect: "select",
	CodePrepAdd: "prepadd", CodePrepDel: "prepdel", CodeChmod: "chmod",
	CodeMkdir: "mkdir", CodeMkpath: "mkpath", CodeMv: "mv", CodeRm: "rm",
	CodeRmdir: "rmdir", CodeUpdate: "update", CodeUsage: "usage",
	CodeStats: "stats", CodeWait: "wait", CodeError: "error",
	CodeRedirect: "redirect", CodeData: "data",
}

func (c Code) String() string {
	if n, ok := codeNames[c]; ok {
		return n
	}
	return fmt.Sprintf("code(%d)", uint8(c))
}

// Modifier bit flags, request-specific (spec §6).
type Modifier uint8

const (
	ModRefresh Modifier = 1 << iota
	ModWrite
	ModCreate
	ModTrunc
	ModAsap
	ModOnline
	ModStat
	ModStage
)

func (m Modifier) Has(bit Modifier) bool { return m&bit != 0 }

// MaxDataLen bounds a single frame's payload (datalen is a network-order
// u16, so this is the protocol's own ceiling).
const MaxDataLen = 1<<16 - 1

// Frame is one wire message: {streamid:u16, rrCode:u8, modifier:u8,
// datalen:u16(net order), data[datalen]}.
type Frame struct {
	StreamID uint16
	RRCode   Code
	Modifier Modifier
	Data     []byte
}

// Encode serializes f onto w.
func (f *Frame) Encode(w io.Writer) error {
	if len(f.Data) > MaxDataLen {
		return fmt.Errorf("protocol: frame payload %d exceeds max %d", len(f.Data), MaxDataLen)
	}
	hdr := make([]byte, 6)
	binary.BigEndian.PutUint16(hdr[0:2], f.StreamID)
	hdr[2] = byte(f.RRCode)
	hdr[3] = byte(f.Modifier)
	binary.BigEndian.PutUint16(hdr[4:6], uint16(len(f.Data)))
	if _, err := w.Write(hdr); err != nil {
		return err
	}
	if len(f.Data) == 0 {
		return nil
	}
	_, err := w.Write(f.Data)
	return err
}

// Decode reads one frame from r.
func Decode(r io.Reader) (*Frame, error) {
	hdr := make([]byte, 6)
	if _, err := io.ReadFull(r, hdr); err != nil {
		return nil, err
	}
	f := &Frame{
		StreamID: binary.BigEndian.Uint16(hdr[0:2]),
		RRCode:   Code(hdr[2]),
		Modifier: Modifier(hdr[3]),
	}
	datalen := binary.BigEndian.Uint16(hdr[4:6])
	if datalen > 0 {
		f.Data = make([]byte, datalen)
		if _, err := io.ReadFull(r, f.Data); err != nil {
			return nil, err
		}
	}
	return f, nil
}
