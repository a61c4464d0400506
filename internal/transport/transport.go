// ABOUTME: Transport capability consumed by peer links
// ABOUTME: An ordered reliable bidirectional frame channel
package transport

import (
	"errors"
	"sync"
)

// ErrClosed is returned once a transport has been closed from either side.
var ErrClosed = errors.New("transport closed")

// Transport is the capability a peer link holds on its channel: send a
// frame, block for the next inbound frame, close. Frames are delivered
// in the order sent for as long as the transport stays connected.
type Transport interface {
	Send(data []byte) error
	Receive() ([]byte, error)
	Close() error
}

// pipeEnd is one side of an in-memory transport pair.
type pipeEnd struct {
	in  chan []byte
	out chan []byte

	mu     sync.Mutex
	closed chan struct{}
	once   *sync.Once
}

// Pipe returns two connected in-memory transports. Frames written on
// one side are received on the other, in order. Used for loopback
// links and tests.
func Pipe() (Transport, Transport) {
	a := make(chan []byte, 64)
	b := make(chan []byte, 64)
	closed := make(chan struct{})
	once := &sync.Once{}

	return &pipeEnd{in: a, out: b, closed: closed, once: once},
		&pipeEnd{in: b, out: a, closed: closed, once: once}
}

func (p *pipeEnd) Send(data []byte) error {
	frame := make([]byte, len(data))
	copy(frame, data)

	select {
	case <-p.closed:
		return ErrClosed
	case p.out <- frame:
		return nil
	}
}

func (p *pipeEnd) Receive() ([]byte, error) {
	select {
	case <-p.closed:
		return nil, ErrClosed
	case data := <-p.in:
		return data, nil
	}
}

func (p *pipeEnd) Close() error {
	p.once.Do(func() { close(p.closed) })
	return nil
}
