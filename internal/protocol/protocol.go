// Package protocol implements the compositor client wire codec: a
// length-prefixed request/response header followed by a fixed-shape
// payload, and the [5]uint32 event packet format delivered through
// poll_event.
//
// The compositor talks to clients over anyOS's own pipe/eventchan
// primitives rather than a host socket, so the codec works on byte slices
// with encoding/binary instead of connection reads.
package protocol

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"anyos/internal/compositor/layout"
)

// MsgType identifies a client request or the compositor's response/event
// kind.
type MsgType uint16

const (
	MsgInit MsgType = iota + 1
	MsgCreateWindow
	MsgDestroyWindow
	MsgPresent
	MsgResizeShm
	MsgPollEvent
	MsgSetTitle
	MsgScreenSize
	MsgSetWallpaper
	MsgMoveWindow
	MsgSetMenu
	MsgAddStatusIcon
	MsgRemoveStatusIcon
	MsgUpdateMenuItem
	MsgTrayPollEvent
	MsgSetBlurBehind
	MsgKbdGetLayout
	MsgKbdSetLayout
	MsgKbdListLayouts
	MsgResponse
	MsgError
	MsgEvent
)

// Header is the fixed-size envelope preceding every request/response
// payload: a type tag and the payload's byte length.
type Header struct {
	Type   MsgType
	Length uint32
}

const headerSize = 2 + 4 // uint16 + uint32

// WriteHeader encodes h in big-endian order to buf.
func WriteHeader(buf *bytes.Buffer, h Header) {
	var tmp [headerSize]byte
	binary.BigEndian.PutUint16(tmp[0:2], uint16(h.Type))
	binary.BigEndian.PutUint32(tmp[2:6], h.Length)
	buf.Write(tmp[:])
}

// AppendHeader appends h's wire bytes to buf and returns the result, for
// callers assembling a frame in a plain byte slice.
func AppendHeader(buf []byte, h Header) []byte {
	var tmp [headerSize]byte
	binary.BigEndian.PutUint16(tmp[0:2], uint16(h.Type))
	binary.BigEndian.PutUint32(tmp[2:6], h.Length)
	return append(buf, tmp[:]...)
}

// ReadHeader decodes a Header from the front of b, returning the header and
// the number of bytes consumed.
func ReadHeader(b []byte) (Header, int, error) {
	if len(b) < headerSize {
		return Header{}, 0, fmt.Errorf("protocol: short header (%d bytes)", len(b))
	}
	return Header{
		Type:   MsgType(binary.BigEndian.Uint16(b[0:2])),
		Length: binary.BigEndian.Uint32(b[2:6]),
	}, headerSize, nil
}

// CreateWindowRequest is the payload for MsgCreateWindow.
type CreateWindowRequest struct {
	Width, Height uint32
	Flags         uint32
	ShmID         uint64
	TitleLen      uint16
	Title         string
}

// EncodeCreateWindowRequest serializes a CreateWindowRequest.
func EncodeCreateWindowRequest(r CreateWindowRequest) []byte {
	title := []byte(r.Title)
	buf := make([]byte, 4+4+4+8+2+len(title))
	binary.BigEndian.PutUint32(buf[0:4], r.Width)
	binary.BigEndian.PutUint32(buf[4:8], r.Height)
	binary.BigEndian.PutUint32(buf[8:12], r.Flags)
	binary.BigEndian.PutUint64(buf[12:20], r.ShmID)
	binary.BigEndian.PutUint16(buf[20:22], uint16(len(title)))
	copy(buf[22:], title)
	return buf
}

// DecodeCreateWindowRequest parses the payload written by
// EncodeCreateWindowRequest.
func DecodeCreateWindowRequest(b []byte) (CreateWindowRequest, error) {
	if len(b) < 22 {
		return CreateWindowRequest{}, fmt.Errorf("protocol: short create_window payload")
	}
	titleLen := binary.BigEndian.Uint16(b[20:22])
	if len(b) < 22+int(titleLen) {
		return CreateWindowRequest{}, fmt.Errorf("protocol: truncated title")
	}
	return CreateWindowRequest{
		Width:    binary.BigEndian.Uint32(b[0:4]),
		Height:   binary.BigEndian.Uint32(b[4:8]),
		Flags:    binary.BigEndian.Uint32(b[8:12]),
		ShmID:    binary.BigEndian.Uint64(b[12:20]),
		TitleLen: titleLen,
		Title:    string(b[22 : 22+titleLen]),
	}, nil
}

// EventPacket is the fixed [5]uint32 shape delivered through poll_event:
// kind, then up to four kind-specific fields.
type EventPacket [5]uint32

// EventKind values occupying EventPacket[0].
const (
	EvKeyDown uint32 = iota
	EvKeyUp
	EvMouseMove
	EvMouseButtonDown
	EvMouseButtonUp
	EvFocusLost
	EvFocusGained
	EvWindowClose
	EvWindowResize
	EvProcessSpawned
	EvProcessExited
	EvThemeChanged
	EvMultimediaKey
	EvTrayIconClick
)

// EncodeKeyEvent packs a keyboard event into the wire's fixed shape.
func EncodeKeyEvent(down bool, key layout.Keycode, surfaceID uint64) EventPacket {
	kind := EvKeyUp
	if down {
		kind = EvKeyDown
	}
	return EventPacket{kind, uint32(key), uint32(surfaceID), uint32(surfaceID >> 32), 0}
}

// EncodeMouseMoveEvent packs a mouse-move event.
func EncodeMouseMoveEvent(x, y int, surfaceID uint64) EventPacket {
	return EventPacket{EvMouseMove, uint32(int32(x)), uint32(int32(y)), uint32(surfaceID), uint32(surfaceID >> 32)}
}

// EncodeMouseButtonEvent packs a mouse button press/release.
func EncodeMouseButtonEvent(down bool, button int, x, y int) EventPacket {
	kind := EvMouseButtonUp
	if down {
		kind = EvMouseButtonDown
	}
	return EventPacket{kind, uint32(button), uint32(int32(x)), uint32(int32(y)), 0}
}

// EncodeFocusEvent packs a focus transition.
func EncodeFocusEvent(gained bool, surfaceID uint64) EventPacket {
	kind := EvFocusLost
	if gained {
		kind = EvFocusGained
	}
	return EventPacket{kind, uint32(surfaceID), uint32(surfaceID >> 32), 0, 0}
}

// Marshal serializes an EventPacket to its big-endian wire bytes.
func (e EventPacket) Marshal() []byte {
	buf := make([]byte, 20)
	for i, v := range e {
		binary.BigEndian.PutUint32(buf[i*4:i*4+4], v)
	}
	return buf
}

// UnmarshalEventPacket parses 20 bytes into an EventPacket.
func UnmarshalEventPacket(b []byte) (EventPacket, error) {
	if len(b) < 20 {
		return EventPacket{}, fmt.Errorf("protocol: short event packet (%d bytes)", len(b))
	}
	var e EventPacket
	for i := range e {
		e[i] = binary.BigEndian.Uint32(b[i*4 : i*4+4])
	}
	return e, nil
}

// MoveWindowRequest is the payload for MsgMoveWindow.
type MoveWindowRequest struct {
	WindowID uint64
	X, Y     int32
}

// EncodeMoveWindowRequest serializes a MoveWindowRequest.
func EncodeMoveWindowRequest(r MoveWindowRequest) []byte {
	buf := make([]byte, 16)
	binary.BigEndian.PutUint64(buf[0:8], r.WindowID)
	binary.BigEndian.PutUint32(buf[8:12], uint32(r.X))
	binary.BigEndian.PutUint32(buf[12:16], uint32(r.Y))
	return buf
}

// DecodeMoveWindowRequest parses the payload written by
// EncodeMoveWindowRequest.
func DecodeMoveWindowRequest(b []byte) (MoveWindowRequest, error) {
	if len(b) < 16 {
		return MoveWindowRequest{}, fmt.Errorf("protocol: short move_window payload")
	}
	return MoveWindowRequest{
		WindowID: binary.BigEndian.Uint64(b[0:8]),
		X:        int32(binary.BigEndian.Uint32(b[8:12])),
		Y:        int32(binary.BigEndian.Uint32(b[12:16])),
	}, nil
}

// EncodeWindowEvent packs a window lifecycle event (close, resize) for a
// surface.
func EncodeWindowEvent(kind uint32, surfaceID uint64) EventPacket {
	return EventPacket{kind, uint32(surfaceID), uint32(surfaceID >> 32), 0, 0}
}

// EncodeTrayEvent packs an icon-click into the event packet shape
// (tray_poll_event's response).
func EncodeTrayEvent(iconID uint64, button int) EventPacket {
	return EventPacket{EvTrayIconClick, uint32(iconID), uint32(iconID >> 32), uint32(button), 0}
}
