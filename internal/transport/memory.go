package transport

import (
	"context"
	"fmt"
	"sync"

	"k8s.io/apimachinery/pkg/util/sets"
)

// Compile-time interface check.
var _ Transport = (*MemoryTransport)(nil)

// Network is an in-process datagram network. Transports attached to the
// same Network can reach each other by address. Partition and Heal cut and
// restore links between groups of addresses.
type Network struct {
	mu        sync.Mutex
	endpoints map[string]*MemoryTransport
	// blocked holds "a|b" pairs (both directions are stored).
	blocked sets.Set[string]
}

// NewNetwork creates an empty network.
func NewNetwork() *Network {
	return &Network{
		endpoints: make(map[string]*MemoryTransport),
		blocked:   sets.New[string](),
	}
}

// Listen attaches a transport with the given address.
func (n *Network) Listen(addr string) (*MemoryTransport, error) {
	if addr == "" {
		return nil, fmt.Errorf("%w: empty address", ErrInvalidAddr)
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, exists := n.endpoints[addr]; exists {
		return nil, fmt.Errorf("%w: %s", ErrAddrInUse, addr)
	}
	t := &MemoryTransport{
		network: n,
		addr:    addr,
		recv:    make(chan Packet, DefaultReceiveBuffer),
	}
	n.endpoints[addr] = t
	return t, nil
}

// Partition blocks traffic between every address of a and every address of
// b, in both directions.
func (n *Network) Partition(a, b []string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, x := range a {
		for _, y := range b {
			n.blocked.Insert(linkKey(x, y), linkKey(y, x))
		}
	}
}

// Heal removes all partitions.
func (n *Network) Heal() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.blocked = sets.New[string]()
}

func (n *Network) deliver(from, to string, data []byte) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	src, ok := n.endpoints[from]
	if !ok || src.closed {
		return ErrClosed
	}
	dst, ok := n.endpoints[to]
	if !ok || dst.closed || n.blocked.Has(linkKey(from, to)) {
		// Lost, like an unanswered datagram.
		return nil
	}
	buf := make([]byte, len(data))
	copy(buf, data)
	select {
	case dst.recv <- Packet{From: from, Data: buf}:
	default:
	}
	return nil
}

func (n *Network) detach(t *MemoryTransport) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if t.closed {
		return
	}
	t.closed = true
	delete(n.endpoints, t.addr)
	close(t.recv)
}

func linkKey(a, b string) string { return a + "|" + b }

// MemoryTransport is one endpoint of a Network.
type MemoryTransport struct {
	network *Network
	addr    string
	recv    chan Packet
	// closed is guarded by network.mu.
	closed bool
}

func (t *MemoryTransport) Send(ctx context.Context, addr string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(data) > MaxDatagramSize {
		return fmt.Errorf("%w: %d bytes", ErrTooLarge, len(data))
	}
	return t.network.deliver(t.addr, addr, data)
}

func (t *MemoryTransport) Receive() <-chan Packet { return t.recv }

func (t *MemoryTransport) LocalAddr() string { return t.addr }

func (t *MemoryTransport) Close() error {
	t.network.detach(t)
	return nil
}
