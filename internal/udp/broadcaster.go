package udp

import (
	"fmt"
	"net"
)

type udpConn interface {
	Write(p []byte) (int, error)
	Close() error
}

type resolveFunc func(network, address string) (*net.UDPAddr, error)
type dialFunc func(network string, raddr *net.UDPAddr) (udpConn, error)

// Broadcaster sends datagrams to a single destination over a connected
// UDP socket.
type Broadcaster struct {
	dest string
	conn udpConn
}

func NewBroadcaster(dest string) (*Broadcaster, error) {
	return newBroadcaster(dest, net.ResolveUDPAddr, dialReuse)
}

func newBroadcaster(dest string, resolve resolveFunc, dial dialFunc) (*Broadcaster, error) {
	addr, err := resolve("udp", dest)
	if err != nil {
		return nil, fmt.Errorf("resolve dest: %w", err)
	}

	// The kernel selects a suitable local address.
	conn, err := dial("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial udp: %w", err)
	}

	return &Broadcaster{
		dest: dest,
		conn: conn,
	}, nil
}

func dialReuse(network string, raddr *net.UDPAddr) (udpConn, error) {
	d := net.Dialer{Control: reuseAddrControl}
	c, err := d.Dial(network, raddr.String())
	if err != nil {
		return nil, err
	}
	return c, nil
}

// Dest is the configured destination.
func (b *Broadcaster) Dest() string {
	return b.dest
}

// Send writes payload as one datagram. Empty payloads are ignored.
func (b *Broadcaster) Send(payload []byte) error {
	if len(payload) == 0 {
		return nil
	}
	_, err := b.conn.Write(payload)
	return err
}

func (b *Broadcaster) Close() error {
	if b.conn == nil {
		return nil
	}
	return b.conn.Close()
}
