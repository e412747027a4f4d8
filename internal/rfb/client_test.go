package rfb

import (
	"bufio"
	"encoding/binary"
	"net"
	"testing"
	"time"
)

// fakeServer drives the handshake half of a net.Pipe the way a minimal
// RFB server would, to exercise Client.Dial without a real socket.
func fakeServer(t *testing.T, conn net.Conn) {
	t.Helper()
	r := bufio.NewReader(conn)
	w := bufio.NewWriter(conn)

	w.WriteString(version38)
	w.Flush()

	if _, err := r.ReadString('\n'); err != nil {
		t.Errorf("server: reading version: %v", err)
		return
	}

	w.WriteByte(1) // one security type
	w.WriteByte(byte(SecurityNone))
	w.Flush()

	chosen, err := r.ReadByte()
	if err != nil || SecurityType(chosen) != SecurityNone {
		t.Errorf("server: unexpected security choice %d, err %v", chosen, err)
		return
	}

	binary.Write(w, binary.BigEndian, uint32(SecurityResultOK))
	w.Flush()

	if _, err := r.ReadByte(); err != nil { // ClientInit shared flag
		t.Errorf("server: reading client init: %v", err)
		return
	}

	binary.Write(w, binary.BigEndian, uint16(320)) // width
	binary.Write(w, binary.BigEndian, uint16(240)) // height
	pf := PixelFormat{BitsPerPixel: 32, Depth: 24, TrueColour: 1, RedMax: 255, GreenMax: 255, BlueMax: 255, RedShift: 16, GreenShift: 8, BlueShift: 0}
	writePixelFormat(w, pf)
	name := "test"
	binary.Write(w, binary.BigEndian, uint32(len(name)))
	w.WriteString(name)
	w.Flush()

	conn.Close()
}

func TestDialCompletesHandshakeOverSecurityNone(t *testing.T) {
	serverConn, clientConn := net.Pipe()
	go fakeServer(t, serverConn)

	done := make(chan struct{})
	var client *Client
	var err error
	go func() {
		client, err = newClient(clientConn, DialOptions{Shared: true})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("handshake did not complete in time")
	}
	if err != nil {
		t.Fatalf("newClient: %v", err)
	}
	if client.ServerInit.FramebufferWidth != 320 || client.ServerInit.FramebufferHeight != 240 {
		t.Fatalf("unexpected ServerInit dimensions: %+v", client.ServerInit)
	}
	if client.ServerInit.FramebufferName != "test" {
		t.Fatalf("unexpected framebuffer name: %q", client.ServerInit.FramebufferName)
	}
}

func TestChooseSecurityTypePrefersStrongest(t *testing.T) {
	got, ok := chooseSecurityType([]SecurityType{SecurityNone, SecurityVNCAuthentication})
	if !ok || got != SecurityVNCAuthentication {
		t.Fatalf("got %v, %v; want SecurityVNCAuthentication", got, ok)
	}
}

func TestChooseSecurityTypeNoneAvailable(t *testing.T) {
	_, ok := chooseSecurityType(nil)
	if ok {
		t.Fatalf("expected no common security type")
	}
}
