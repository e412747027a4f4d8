// Package proxy implements a listening RFB proxy: it sits between a
// real VNC server and a real VNC client, relaying bytes unmodified in
// both directions. It is explicitly out of scope for eink-vnc-go's CLI
// (the module is a client, not a relay) and is kept as adapted
// reference infrastructure rather than deleted; nothing in cmd/einkvnc
// constructs one.
package proxy

import (
	"io"
	"net"
)

// Proxy joins a server connection and a client connection, copying
// bytes between them until either side closes.
type Proxy struct {
	server net.Conn
	client net.Conn
}

// NewProxy pairs an already-connected server-facing and client-facing
// connection.
func NewProxy(serverConn, clientConn net.Conn) (*Proxy, error) {
	if serverConn == nil || clientConn == nil {
		return nil, io.ErrClosedPipe
	}
	return &Proxy{server: serverConn, client: clientConn}, nil
}

// Join relays bytes between the two connections until one side closes
// or errors, then closes both and returns the first error observed.
func (p *Proxy) Join() error {
	errc := make(chan error, 2)
	go func() {
		_, err := io.Copy(p.client, p.server)
		errc <- err
	}()
	go func() {
		_, err := io.Copy(p.server, p.client)
		errc <- err
	}()

	err := <-errc
	p.server.Close()
	p.client.Close()
	<-errc
	return err
}
