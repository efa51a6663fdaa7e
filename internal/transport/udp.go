package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"scalestack/pkg/logging"
)

// Compile-time interface check.
var _ Transport = (*UDPTransport)(nil)

// UDPTransport is a Transport over a single UDP socket.
type UDPTransport struct {
	conn *net.UDPConn
	recv chan Packet

	mu        sync.Mutex
	addrCache map[string]*net.UDPAddr
	closed    bool
	done      chan struct{}
}

// ListenUDP binds a UDP socket on address (e.g. ":7946"; ":0" picks a free
// port).
func ListenUDP(address string) (*UDPTransport, error) {
	laddr, err := net.ResolveUDPAddr("udp", address)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidAddr, address, err)
	}
	conn, err := net.ListenUDP("udp", laddr)
	if err != nil {
		return nil, fmt.Errorf("listen udp %s: %w", address, err)
	}
	t := &UDPTransport{
		conn:      conn,
		recv:      make(chan Packet, DefaultReceiveBuffer),
		addrCache: make(map[string]*net.UDPAddr),
		done:      make(chan struct{}),
	}
	go t.readLoop()
	logging.Debug("Transport", "Listening on udp %s", t.LocalAddr())
	return t, nil
}

func (t *UDPTransport) readLoop() {
	defer close(t.done)
	defer close(t.recv)

	buf := make([]byte, MaxDatagramSize)
	for {
		n, from, err := t.conn.ReadFromUDP(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			logging.Warn("Transport", "UDP read error: %v", err)
			continue
		}
		data := make([]byte, n)
		copy(data, buf[:n])
		select {
		case t.recv <- Packet{From: from.String(), Data: data}:
		default:
			logging.Warn("Transport", "Receive buffer full, dropping datagram from %s", from)
		}
	}
}

// Send writes one datagram to addr.
func (t *UDPTransport) Send(ctx context.Context, addr string, data []byte) error {
	if len(data) > MaxDatagramSize {
		return fmt.Errorf("%w: %d bytes", ErrTooLarge, len(data))
	}
	raddr, err := t.resolve(addr)
	if err != nil {
		return err
	}
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(time.Second)
	}
	if err := t.conn.SetWriteDeadline(deadline); err != nil {
		return t.wrapClosed(err)
	}
	if _, err := t.conn.WriteToUDP(data, raddr); err != nil {
		return t.wrapClosed(err)
	}
	return nil
}

func (t *UDPTransport) resolve(addr string) (*net.UDPAddr, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, ErrClosed
	}
	if a, ok := t.addrCache[addr]; ok {
		return a, nil
	}
	a, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidAddr, addr, err)
	}
	t.addrCache[addr] = a
	return a, nil
}

func (t *UDPTransport) wrapClosed(err error) error {
	if errors.Is(err, net.ErrClosed) {
		return ErrClosed
	}
	return err
}

// Receive returns inbound datagrams.
func (t *UDPTransport) Receive() <-chan Packet {
	return t.recv
}

// LocalAddr returns the bound address in host:port form.
func (t *UDPTransport) LocalAddr() string {
	return t.conn.LocalAddr().String()
}

// Close closes the socket and waits for the read loop to exit.
func (t *UDPTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.mu.Unlock()

	err := t.conn.Close()
	<-t.done
	return err
}
