// Package rfb implements an RFB (VNC) client: the version/security
// handshake, the C2S/S2C message framing, and the ZRLE tile decoder.
// It is deliberately a client, not a server: the wire types below mirror
// the server-side ones the protocol defines, just read and written from
// the opposite end of the connection.
package rfb

import (
	"encoding/binary"
	"io"
)

// Protocol version strings exchanged during the handshake's first line.
const (
	version33 = "RFB 003.003\n"
	version37 = "RFB 003.007\n"
	version38 = "RFB 003.008\n"
)

// SecurityType identifies one of the authentication schemes a server may
// offer in its security-type list.
type SecurityType byte

const (
	SecurityInvalid           SecurityType = 0
	SecurityNone              SecurityType = 1
	SecurityVNCAuthentication SecurityType = 2
	SecurityAppleRemoteDesktop SecurityType = 30
)

// SecurityResult is the server's verdict after authentication completes.
type SecurityResult uint32

const (
	SecurityResultOK     SecurityResult = 0
	SecurityResultFailed SecurityResult = 1
)

// PixelFormat describes how pixel values are encoded on the wire, per
// RFC 6143 §7.4. BigEndian and TrueColour flags are stored as the raw wire
// byte (0 or non-zero) rather than bool, matching the protocol's own
// layout so read/write stays a straight binary.Read/Write.
type PixelFormat struct {
	BitsPerPixel uint8
	Depth        uint8
	BigEndian    uint8
	TrueColour   uint8
	RedMax       uint16
	GreenMax     uint16
	BlueMax      uint16
	RedShift     uint8
	GreenShift   uint8
	BlueShift    uint8
	_            [3]byte // padding
}

func readBinary(r io.Reader, v interface{}) error {
	return binary.Read(r, binary.BigEndian, v)
}

func readPixelFormat(r io.Reader) (PixelFormat, error) {
	var pf PixelFormat
	if err := binary.Read(r, binary.BigEndian, &pf); err != nil {
		return PixelFormat{}, err
	}
	return pf, nil
}

func writePixelFormat(w io.Writer, pf PixelFormat) error {
	return binary.Write(w, binary.BigEndian, &pf)
}

// ServerInit is the fixed-width header of the server's ServerInit
// message; FramebufferName follows it as a variable-length Latin-1
// string.
type ServerInit struct {
	FramebufferWidth  uint16
	FramebufferHeight uint16
	PixelFormat       PixelFormat
	FramebufferName   string
}

func readServerInit(r io.Reader) (ServerInit, error) {
	var si ServerInit
	var fixed struct {
		Width, Height uint16
		PixelFormat   PixelFormat
		NameLength    uint32
	}
	if err := binary.Read(r, binary.BigEndian, &fixed); err != nil {
		return ServerInit{}, err
	}
	name, err := readLatin1(r, int(fixed.NameLength))
	if err != nil {
		return ServerInit{}, err
	}
	si.FramebufferWidth = fixed.Width
	si.FramebufferHeight = fixed.Height
	si.PixelFormat = fixed.PixelFormat
	si.FramebufferName = name
	return si, nil
}

func readLatin1(r io.Reader, n int) (string, error) {
	if n == 0 {
		return "", nil
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	runes := make([]rune, n)
	for i, b := range buf {
		runes[i] = rune(b)
	}
	return string(runes), nil
}

func writeLatin1(w io.Writer, s string) error {
	buf := make([]byte, 0, len(s))
	for _, r := range s {
		buf = append(buf, byte(r))
	}
	_, err := w.Write(buf)
	return err
}

// writeClientInit writes the ClientInit message: a single shared-flag
// byte, non-zero to request a shared desktop session.
func writeClientInit(w io.Writer, shared bool) error {
	var b byte
	if shared {
		b = 1
	}
	_, err := w.Write([]byte{b})
	return err
}

// Encoding identifies a rectangle encoding type, per RFC 6143 §7.7.
type Encoding int32

const (
	EncodingRaw      Encoding = 0
	EncodingCopyRect Encoding = 1
	EncodingZRLE     Encoding = 16
	EncodingCursor   Encoding = -239
	EncodingDesktopSize Encoding = -223
)

// Rectangle is a FramebufferUpdate rectangle header: position, size,
// and the encoding its payload uses.
type Rectangle struct {
	X, Y, Width, Height uint16
	EncodingType        Encoding
}

func readRectangleHeader(r io.Reader) (Rectangle, error) {
	var raw struct {
		X, Y, Width, Height uint16
		EncodingType        int32
	}
	if err := binary.Read(r, binary.BigEndian, &raw); err != nil {
		return Rectangle{}, err
	}
	return Rectangle{
		X: raw.X, Y: raw.Y, Width: raw.Width, Height: raw.Height,
		EncodingType: Encoding(raw.EncodingType),
	}, nil
}

// CopyRectPayload is the body of a CopyRect-encoded rectangle: the
// top-left source position the destination rectangle is copied from.
type CopyRectPayload struct {
	SrcX, SrcY uint16
}

func readCopyRectPayload(r io.Reader) (CopyRectPayload, error) {
	var p CopyRectPayload
	if err := binary.Read(r, binary.BigEndian, &p); err != nil {
		return CopyRectPayload{}, err
	}
	return p, nil
}

// Client-to-server message type bytes.
const (
	msgSetPixelFormat           = 0
	msgSetEncodings             = 2
	msgFramebufferUpdateRequest = 3
	msgKeyEvent                 = 4
	msgPointerEvent             = 5
	msgClientCutText            = 6
)

// Server-to-client message type bytes.
const (
	msgFramebufferUpdate  = 0
	msgSetColourMapEntries = 1
	msgBell                = 2
	msgServerCutText       = 3
)

// writeSetPixelFormat sends the SetPixelFormat client message, telling
// the server which pixel encoding subsequent FramebufferUpdates should
// use.
func writeSetPixelFormat(w io.Writer, pf PixelFormat) error {
	if err := binary.Write(w, binary.BigEndian, uint8(msgSetPixelFormat)); err != nil {
		return err
	}
	if _, err := w.Write(make([]byte, 3)); err != nil {
		return err
	}
	return writePixelFormat(w, pf)
}

// writeSetEncodings sends the SetEncodings client message advertising
// which rectangle encodings the client is willing to accept, in
// preference order.
func writeSetEncodings(w io.Writer, encodings []Encoding) error {
	if err := binary.Write(w, binary.BigEndian, uint8(msgSetEncodings)); err != nil {
		return err
	}
	if _, err := w.Write([]byte{0}); err != nil {
		return err
	}
	if err := binary.Write(w, binary.BigEndian, uint16(len(encodings))); err != nil {
		return err
	}
	for _, e := range encodings {
		if err := binary.Write(w, binary.BigEndian, int32(e)); err != nil {
			return err
		}
	}
	return nil
}

// writeFramebufferUpdateRequest sends a FramebufferUpdateRequest; a
// non-incremental request forces the server to resend the full
// rectangle regardless of whether its contents changed.
func writeFramebufferUpdateRequest(w io.Writer, incremental bool, x, y, width, height uint16) error {
	var incFlag uint8
	if incremental {
		incFlag = 1
	}
	fields := []interface{}{uint8(msgFramebufferUpdateRequest), incFlag, x, y, width, height}
	for _, f := range fields {
		if err := binary.Write(w, binary.BigEndian, f); err != nil {
			return err
		}
	}
	return nil
}

// writeKeyEvent sends a KeyEvent message; keysym is an X11 keysym value.
func writeKeyEvent(w io.Writer, down bool, keysym uint32) error {
	var downFlag uint8
	if down {
		downFlag = 1
	}
	if err := binary.Write(w, binary.BigEndian, uint8(msgKeyEvent)); err != nil {
		return err
	}
	if err := binary.Write(w, binary.BigEndian, downFlag); err != nil {
		return err
	}
	if _, err := w.Write(make([]byte, 2)); err != nil {
		return err
	}
	return binary.Write(w, binary.BigEndian, keysym)
}

// writePointerEvent sends a PointerEvent message; buttonMask is a
// bitmask of currently-pressed buttons, LSB first.
func writePointerEvent(w io.Writer, buttonMask uint8, x, y uint16) error {
	fields := []interface{}{uint8(msgPointerEvent), buttonMask, x, y}
	for _, f := range fields {
		if err := binary.Write(w, binary.BigEndian, f); err != nil {
			return err
		}
	}
	return nil
}

// writeClientCutText sends the client's clipboard contents to the
// server, Latin-1 encoded per RFC 6143 §7.5.6.
func writeClientCutText(w io.Writer, text string) error {
	if err := binary.Write(w, binary.BigEndian, uint8(msgClientCutText)); err != nil {
		return err
	}
	if _, err := w.Write(make([]byte, 3)); err != nil {
		return err
	}
	if err := binary.Write(w, binary.BigEndian, uint32(len([]rune(text)))); err != nil {
		return err
	}
	return writeLatin1(w, text)
}

// readServerCutText reads the variable-length payload of a
// ServerCutText message (the 3 padding bytes and length field have
// already been consumed by the caller... see client.go).
func readServerCutText(r io.Reader, length int) (string, error) {
	return readLatin1(r, length)
}
