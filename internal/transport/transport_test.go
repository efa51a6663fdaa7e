package transport

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func receiveWithin(t *testing.T, tr Transport, d time.Duration) (Packet, bool) {
	t.Helper()
	select {
	case p, ok := <-tr.Receive():
		return p, ok
	case <-time.After(d):
		return Packet{}, false
	}
}

func TestMemoryNetwork_SendReceive(t *testing.T) {
	n := NewNetwork()
	a, err := n.Listen("a")
	require.NoError(t, err)
	b, err := n.Listen("b")
	require.NoError(t, err)

	payload := []byte("hello")
	require.NoError(t, a.Send(context.Background(), "b", payload))
	payload[0] = 'X'

	p, ok := receiveWithin(t, b, time.Second)
	require.True(t, ok)
	assert.Equal(t, "a", p.From)
	assert.Equal(t, []byte("hello"), p.Data)
}

func TestMemoryNetwork_AddrInUse(t *testing.T) {
	n := NewNetwork()
	a, err := n.Listen("a")
	require.NoError(t, err)
	_, err = n.Listen("a")
	assert.ErrorIs(t, err, ErrAddrInUse)

	require.NoError(t, a.Close())
	_, err = n.Listen("a")
	assert.NoError(t, err)
}

func TestMemoryNetwork_UnknownAddressIsLost(t *testing.T) {
	n := NewNetwork()
	a, _ := n.Listen("a")
	assert.NoError(t, a.Send(context.Background(), "nowhere", []byte("x")))
}

func TestMemoryNetwork_PartitionAndHeal(t *testing.T) {
	n := NewNetwork()
	a, _ := n.Listen("a")
	b, _ := n.Listen("b")
	c, _ := n.Listen("c")

	n.Partition([]string{"a"}, []string{"b"})
	require.NoError(t, a.Send(context.Background(), "b", []byte("1")))
	require.NoError(t, b.Send(context.Background(), "a", []byte("2")))
	require.NoError(t, a.Send(context.Background(), "c", []byte("3")))

	_, ok := receiveWithin(t, b, 20*time.Millisecond)
	assert.False(t, ok)
	_, ok = receiveWithin(t, a, 20*time.Millisecond)
	assert.False(t, ok)
	p, ok := receiveWithin(t, c, time.Second)
	require.True(t, ok)
	assert.Equal(t, []byte("3"), p.Data)

	n.Heal()
	require.NoError(t, a.Send(context.Background(), "b", []byte("4")))
	p, ok = receiveWithin(t, b, time.Second)
	require.True(t, ok)
	assert.Equal(t, []byte("4"), p.Data)
}

func TestMemoryTransport_Close(t *testing.T) {
	n := NewNetwork()
	a, _ := n.Listen("a")
	require.NoError(t, a.Close())
	require.NoError(t, a.Close())

	_, ok := <-a.Receive()
	assert.False(t, ok)
	assert.ErrorIs(t, a.Send(context.Background(), "b", nil), ErrClosed)
}

func TestMemoryTransport_TooLarge(t *testing.T) {
	n := NewNetwork()
	a, _ := n.Listen("a")
	err := a.Send(context.Background(), "a", make([]byte, MaxDatagramSize+1))
	assert.ErrorIs(t, err, ErrTooLarge)
}

func TestUDPTransport_RoundTrip(t *testing.T) {
	a, err := ListenUDP("127.0.0.1:0")
	require.NoError(t, err)
	defer a.Close()
	b, err := ListenUDP("127.0.0.1:0")
	require.NoError(t, err)
	defer b.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, a.Send(ctx, b.LocalAddr(), []byte("ping")))

	p, ok := receiveWithin(t, b, 2*time.Second)
	require.True(t, ok)
	assert.Equal(t, []byte("ping"), p.Data)
	assert.Equal(t, a.LocalAddr(), p.From)
}

func TestUDPTransport_Close(t *testing.T) {
	a, err := ListenUDP("127.0.0.1:0")
	require.NoError(t, err)
	require.NoError(t, a.Close())
	require.NoError(t, a.Close())

	_, ok := <-a.Receive()
	assert.False(t, ok)
	assert.ErrorIs(t, a.Send(context.Background(), "127.0.0.1:9", []byte("x")), ErrClosed)
}

func TestUDPTransport_InvalidAddr(t *testing.T) {
	_, err := ListenUDP("not-an-addr:::")
	assert.ErrorIs(t, err, ErrInvalidAddr)
}
