package rfb

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"strings"

	"github.com/everydayanchovies/eink-vnc-go/internal/security"
	"github.com/sirupsen/logrus"
)

// Credentials supplies whatever an authentication method needs. VNC
// Authentication only reads Password; Apple Remote Desktop reads both.
type Credentials struct {
	Username string
	Password string
}

// EventKind distinguishes the values delivered on a Client's event
// channel.
type EventKind int

const (
	EventFramebufferUpdate EventKind = iota
	EventBell
	EventServerCutText
	EventDisconnected
)

// RectangleUpdate is one decoded rectangle of a FramebufferUpdate: X/Y/
// Width/Height describe where it lands, and Pixels holds BytesPerPixel
// bytes per pixel in the server's pixel format, in row-major order,
// already decoded from whatever wire encoding the server used. A
// CopyRect update instead carries its source X,Y as two big-endian
// uint16s in Pixels, with BytesPerPixel 0.
//
// IsCursor and IsDesktopSize mark the two pseudo-encodings that don't
// carry ordinary framebuffer content: a cursor update's Pixels/
// CursorMask describe the cursor image itself (hotspot is X,Y; size is
// Width,Height), and a DesktopSize update's Width/Height are the new
// framebuffer dimensions, with no pixel payload at all.
type RectangleUpdate struct {
	X, Y, Width, Height uint16
	Pixels              []byte
	BytesPerPixel       int

	IsCursor      bool
	CursorMask    []byte
	IsDesktopSize bool
}

// Event is a single item delivered on Client.Events(): a rectangle
// update, a bell, clipboard text from the server, or a disconnect
// notice.
type Event struct {
	Kind       EventKind
	Rectangles []RectangleUpdate
	Text       string
	Err        error
}

// Client is a connected, authenticated RFB session. Its pump goroutine
// reads S2C messages off the wire and publishes decoded Events on a
// single buffered channel; the frame loop on the other end is the only
// other goroutine meant to touch the connection.
type Client struct {
	conn   net.Conn
	r      *bufio.Reader
	w      *bufio.Writer
	log    *logrus.Entry
	events chan Event

	ServerInit ServerInit

	zrle *zrleDecoder
}

// DialOptions configures the handshake.
type DialOptions struct {
	Shared      bool
	Credentials Credentials
	Logger      *logrus.Entry
}

// Dial connects to addr, completes the RFB version/security/init
// handshake, and returns a ready Client. The caller must still call
// SetEncodings before requesting frames, and must call Run (or pump the
// connection some other way) to receive Events.
func Dial(addr string, opts DialOptions) (*Client, error) {
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, errIO(err)
	}
	c, err := newClient(conn, opts)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return c, nil
}

func newClient(conn net.Conn, opts DialOptions) (*Client, error) {
	log := opts.Logger
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	c := &Client{
		conn:   conn,
		r:      bufio.NewReader(conn),
		w:      bufio.NewWriter(conn),
		log:    log,
		events: make(chan Event, 64),
	}

	if err := c.negotiateVersion(); err != nil {
		return nil, err
	}
	if err := c.negotiateSecurity(opts.Credentials); err != nil {
		return nil, err
	}
	if err := writeClientInit(c.w, opts.Shared); err != nil {
		return nil, errIO(err)
	}
	if err := c.w.Flush(); err != nil {
		return nil, errIO(err)
	}

	si, err := readServerInit(c.r)
	if err != nil {
		return nil, errIO(err)
	}
	c.ServerInit = si
	c.zrle = newZRLEDecoder()

	c.log.WithFields(logrus.Fields{
		"width":  si.FramebufferWidth,
		"height": si.FramebufferHeight,
		"name":   si.FramebufferName,
	}).Info("rfb: handshake complete")

	return c, nil
}

func (c *Client) negotiateVersion() error {
	line, err := c.r.ReadString('\n')
	if err != nil {
		return errIO(err)
	}
	switch line {
	case version33, version37, version38:
	default:
		return errUnexpected(fmt.Sprintf("protocol version %q", strings.TrimSpace(line)))
	}
	if _, err := c.w.WriteString(line); err != nil {
		return errIO(err)
	}
	return errIO(c.w.Flush())
}

func (c *Client) negotiateSecurity(creds Credentials) error {
	countByte, err := c.r.ReadByte()
	if err != nil {
		return errIO(err)
	}
	count := int(countByte)
	if count == 0 {
		reason, err := c.readFailureReason()
		if err != nil {
			return err
		}
		return errServer(reason)
	}

	types := make([]SecurityType, count)
	for i := range types {
		b, err := c.r.ReadByte()
		if err != nil {
			return errIO(err)
		}
		types[i] = SecurityType(b)
	}

	chosen, ok := chooseSecurityType(types)
	if !ok {
		return errAuthUnavailable()
	}
	if err := c.w.WriteByte(byte(chosen)); err != nil {
		return errIO(err)
	}
	if err := c.w.Flush(); err != nil {
		return errIO(err)
	}

	switch chosen {
	case SecurityNone:
		// no further exchange
	case SecurityVNCAuthentication:
		if err := c.performVNCAuthentication(creds.Password); err != nil {
			return err
		}
	case SecurityAppleRemoteDesktop:
		if err := c.performAppleRemoteDesktopAuthentication(creds); err != nil {
			return err
		}
	}

	return c.readSecurityResult()
}

// chooseSecurityType prefers the strongest scheme this client
// implements: Apple Remote Desktop over VNC Authentication over None.
func chooseSecurityType(offered []SecurityType) (SecurityType, bool) {
	preference := []SecurityType{SecurityAppleRemoteDesktop, SecurityVNCAuthentication, SecurityNone}
	for _, want := range preference {
		for _, have := range offered {
			if have == want {
				return want, true
			}
		}
	}
	return SecurityInvalid, false
}

func (c *Client) performVNCAuthentication(password string) error {
	var challenge [16]byte
	if _, err := io.ReadFull(c.r, challenge[:]); err != nil {
		return errIO(err)
	}
	key := security.DESKeyFromPassword(password)
	response, err := security.EncryptChallenge(challenge, key)
	if err != nil {
		return errAuthFailure(err.Error())
	}
	if _, err := c.w.Write(response[:]); err != nil {
		return errIO(err)
	}
	return errIO(c.w.Flush())
}

func (c *Client) performAppleRemoteDesktopAuthentication(creds Credentials) error {
	var header struct {
		Generator uint16
		KeyLength uint16
	}
	if err := readBinary(c.r, &header); err != nil {
		return errIO(err)
	}
	prime := make([]byte, header.KeyLength)
	if _, err := io.ReadFull(c.r, prime); err != nil {
		return errIO(err)
	}
	peerKey := make([]byte, header.KeyLength)
	if _, err := io.ReadFull(c.r, peerKey); err != nil {
		return errIO(err)
	}

	resp, err := security.ComputeAppleAuth(creds.Username, creds.Password, security.AppleAuthHandshake{
		Generator: header.Generator,
		Prime:     prime,
		PeerKey:   peerKey,
	})
	if err != nil {
		return errAuthFailure(err.Error())
	}
	if _, err := c.w.Write(resp.Ciphertext[:]); err != nil {
		return errIO(err)
	}
	if _, err := c.w.Write(resp.PublicKey); err != nil {
		return errIO(err)
	}
	return errIO(c.w.Flush())
}

func (c *Client) readSecurityResult() error {
	var result uint32
	if err := readBinary(c.r, &result); err != nil {
		return errIO(err)
	}
	if SecurityResult(result) != SecurityResultOK {
		reason, err := c.readFailureReason()
		if err != nil {
			return err
		}
		return errAuthFailure(reason)
	}
	return nil
}

func (c *Client) readFailureReason() (string, error) {
	var length uint32
	if err := readBinary(c.r, &length); err != nil {
		return "", errIO(err)
	}
	reason, err := readLatin1(c.r, int(length))
	if err != nil {
		return "", errIO(err)
	}
	return reason, nil
}

// Events returns the channel Events are delivered on. It is closed
// after an EventDisconnected event is sent.
func (c *Client) Events() <-chan Event {
	return c.events
}

// SetEncodings advertises which rectangle encodings the client accepts,
// in preference order; call this once, before the first
// RequestFramebufferUpdate.
func (c *Client) SetEncodings(encodings []Encoding) error {
	if err := writeSetEncodings(c.w, encodings); err != nil {
		return errIO(err)
	}
	return errIO(c.w.Flush())
}

// RequestFramebufferUpdate asks the server to send an update for the
// given rectangle; incremental requests only the pixels the server
// knows have changed since the last update it sent.
func (c *Client) RequestFramebufferUpdate(incremental bool, x, y, width, height uint16) error {
	if err := writeFramebufferUpdateRequest(c.w, incremental, x, y, width, height); err != nil {
		return errIO(err)
	}
	return errIO(c.w.Flush())
}

// SendKeyEvent forwards a key press or release to the server, keysym
// being an X11 keysym.
func (c *Client) SendKeyEvent(down bool, keysym uint32) error {
	if err := writeKeyEvent(c.w, down, keysym); err != nil {
		return errIO(err)
	}
	return errIO(c.w.Flush())
}

// SendPointerEvent forwards a pointer movement/button-state change.
func (c *Client) SendPointerEvent(buttonMask uint8, x, y uint16) error {
	if err := writePointerEvent(c.w, buttonMask, x, y); err != nil {
		return errIO(err)
	}
	return errIO(c.w.Flush())
}

// UpdateClipboard sends the local clipboard's text contents to the
// server.
func (c *Client) UpdateClipboard(text string) error {
	if err := writeClientCutText(c.w, text); err != nil {
		return errIO(err)
	}
	return errIO(c.w.Flush())
}

// Disconnect closes the underlying connection; the pump goroutine will
// observe the resulting read error and publish EventDisconnected.
func (c *Client) Disconnect() error {
	return c.conn.Close()
}

// Run is the pump goroutine body: it reads S2C messages until the
// connection fails or is closed, publishing a decoded Event for each
// one. Callers run this in its own goroutine and read Events() from
// another.
func (c *Client) Run() {
	defer close(c.events)
	for {
		msgType, err := c.r.ReadByte()
		if err == io.EOF {
			c.events <- Event{Kind: EventDisconnected}
			return
		}
		if err != nil {
			c.events <- Event{Kind: EventDisconnected, Err: errIO(err)}
			return
		}
		switch msgType {
		case msgFramebufferUpdate:
			if err := c.handleFramebufferUpdate(); err != nil {
				c.events <- Event{Kind: EventDisconnected, Err: err}
				return
			}
		case msgSetColourMapEntries:
			if err := c.skipSetColourMapEntries(); err != nil {
				c.events <- Event{Kind: EventDisconnected, Err: err}
				return
			}
		case msgBell:
			c.events <- Event{Kind: EventBell}
		case msgServerCutText:
			text, err := c.handleServerCutText()
			if err != nil {
				c.events <- Event{Kind: EventDisconnected, Err: err}
				return
			}
			c.events <- Event{Kind: EventServerCutText, Text: text}
		default:
			c.events <- Event{Kind: EventDisconnected, Err: errUnexpected(fmt.Sprintf("server message type %d", msgType))}
			return
		}
	}
}

func (c *Client) handleFramebufferUpdate() error {
	if _, err := c.r.ReadByte(); err != nil { // padding
		return errIO(err)
	}
	var numRects uint16
	if err := readBinary(c.r, &numRects); err != nil {
		return errIO(err)
	}

	updates := make([]RectangleUpdate, 0, numRects)
	for i := 0; i < int(numRects); i++ {
		rect, err := readRectangleHeader(c.r)
		if err != nil {
			return errIO(err)
		}
		update, err := c.decodeRectangle(rect)
		if err != nil {
			return err
		}
		updates = append(updates, update)
	}

	c.events <- Event{Kind: EventFramebufferUpdate, Rectangles: updates}
	return nil
}

func (c *Client) decodeRectangle(rect Rectangle) (RectangleUpdate, error) {
	bpp := int(c.ServerInit.PixelFormat.BitsPerPixel) / 8

	switch rect.EncodingType {
	case EncodingRaw:
		n := int(rect.Width) * int(rect.Height) * bpp
		buf := make([]byte, n)
		if _, err := io.ReadFull(c.r, buf); err != nil {
			return RectangleUpdate{}, errIO(err)
		}
		return RectangleUpdate{X: rect.X, Y: rect.Y, Width: rect.Width, Height: rect.Height, Pixels: buf, BytesPerPixel: bpp}, nil

	case EncodingCopyRect:
		payload, err := readCopyRectPayload(c.r)
		if err != nil {
			return RectangleUpdate{}, errIO(err)
		}
		// The frame loop resolves CopyRect against its own
		// framebuffer; we surface the source position by packing it
		// into Pixels as two big-endian uint16s and leaving
		// BytesPerPixel at 0 as a CopyRect marker.
		packed := []byte{byte(payload.SrcX >> 8), byte(payload.SrcX), byte(payload.SrcY >> 8), byte(payload.SrcY)}
		return RectangleUpdate{X: rect.X, Y: rect.Y, Width: rect.Width, Height: rect.Height, Pixels: packed, BytesPerPixel: 0}, nil

	case EncodingZRLE:
		bigEndian := c.ServerInit.PixelFormat.BigEndian != 0
		pixels, err := c.zrle.Decode(c.r, int(rect.Width), int(rect.Height), bpp, bigEndian)
		if err != nil {
			return RectangleUpdate{}, errIO(err)
		}
		return RectangleUpdate{X: rect.X, Y: rect.Y, Width: rect.Width, Height: rect.Height, Pixels: pixels, BytesPerPixel: bpp}, nil

	case EncodingDesktopSize:
		return RectangleUpdate{X: rect.X, Y: rect.Y, Width: rect.Width, Height: rect.Height, IsDesktopSize: true}, nil

	case EncodingCursor:
		pixels := make([]byte, int(rect.Width)*int(rect.Height)*bpp)
		if _, err := io.ReadFull(c.r, pixels); err != nil {
			return RectangleUpdate{}, errIO(err)
		}
		mask := make([]byte, (int(rect.Width)+7)/8*int(rect.Height))
		if _, err := io.ReadFull(c.r, mask); err != nil {
			return RectangleUpdate{}, errIO(err)
		}
		return RectangleUpdate{X: rect.X, Y: rect.Y, Width: rect.Width, Height: rect.Height, Pixels: pixels, BytesPerPixel: bpp, IsCursor: true, CursorMask: mask}, nil

	default:
		return RectangleUpdate{}, errUnexpected(fmt.Sprintf("rectangle encoding %d", rect.EncodingType))
	}
}

func (c *Client) skipSetColourMapEntries() error {
	if _, err := c.r.ReadByte(); err != nil { // padding
		return errIO(err)
	}
	var header struct {
		FirstColour uint16
		NumColours  uint16
	}
	if err := readBinary(c.r, &header); err != nil {
		return errIO(err)
	}
	buf := make([]byte, int(header.NumColours)*6)
	if _, err := io.ReadFull(c.r, buf); err != nil {
		return errIO(err)
	}
	return nil
}

func (c *Client) handleServerCutText() (string, error) {
	if _, err := io.ReadFull(c.r, make([]byte, 3)); err != nil { // padding
		return "", errIO(err)
	}
	var length uint32
	if err := readBinary(c.r, &length); err != nil {
		return "", errIO(err)
	}
	text, err := readServerCutText(c.r, int(length))
	if err != nil {
		return "", errIO(err)
	}
	return text, nil
}
