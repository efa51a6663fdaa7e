// Package transport moves peer-coordination datagrams between instances.
//
// Delivery is best effort: datagrams may be lost, duplicated or reordered,
// and the peer protocol is built to tolerate that. Two implementations are
// provided: UDP for real deployments and an in-process Network for tests,
// which can also simulate partitions.
package transport

import (
	"context"
	"errors"
)

// MaxDatagramSize bounds a single datagram.
const MaxDatagramSize = 64 * 1024

// DefaultReceiveBuffer is the number of received datagrams buffered before
// new ones are dropped.
const DefaultReceiveBuffer = 1024

var (
	ErrClosed      = errors.New("transport closed")
	ErrTooLarge    = errors.New("datagram too large")
	ErrAddrInUse   = errors.New("address already in use")
	ErrInvalidAddr = errors.New("invalid address")
)

// Packet is one received datagram.
type Packet struct {
	From string
	Data []byte
}

// Transport sends and receives datagrams.
type Transport interface {
	// Send transmits data to addr. A nil error does not mean the datagram
	// arrived.
	Send(ctx context.Context, addr string, data []byte) error

	// Receive returns the channel of inbound datagrams. It is closed by
	// Close.
	Receive() <-chan Packet

	// LocalAddr is the address peers use to reach this transport.
	LocalAddr() string

	Close() error
}
