package transport

import (
	"sync"

	czmq "github.com/zeromq/goczmq/v4"
)

// PubSocket adapts a bound ZeroMQ PUB socket to broadcast.Publisher
// (spec.md #4.5): every call sends a two-frame [topic, body] message,
// matching the wire frame shape a SUB-socket subscriber filters on by
// prefix.
type PubSocket struct {
	mu   sync.Mutex
	sock *czmq.Sock
}

// NewPubSocket binds a PUB socket at addr.
func NewPubSocket(addr string) (*PubSocket, error) {
	sock, err := czmq.NewPub(addr)
	if err != nil {
		return nil, err
	}
	return &PubSocket{sock: sock}, nil
}

// Publish implements broadcast.Publisher. Emit is called concurrently from
// the dispatcher's worker pool, and a czmq.Sock is not safe for concurrent
// use, so the send syscall is guarded by a short internal critical section
// (spec.md #5).
func (p *PubSocket) Publish(topic string, body []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sock.SendMessage([][]byte{[]byte(topic), body})
}

// Close destroys the underlying socket.
func (p *PubSocket) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sock.Destroy()
	return nil
}
