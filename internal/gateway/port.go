package gateway

import "sync"

// MessageType identifies a port message.
type MessageType string

const (
	// MessageRegisterSync is posted by clients to register a sync tag.
	MessageRegisterSync MessageType = "register-sync"
	// MessageSync is broadcast by the gateway once the upstream recovers.
	MessageSync MessageType = "sync"
)

// Message is the only thing exchanged between the gateway and its clients.
type Message struct {
	Type MessageType `json:"type"`
	Tag  string      `json:"tag"`
}

const portBuffer = 16

// Port is one client's connection to the gateway.
type Port struct {
	gw       *Gateway
	messages chan Message

	once   sync.Once
	closed chan struct{}
}

// Post delivers msg to the gateway. It never blocks; messages posted after
// the gateway stopped are dropped.
func (p *Port) Post(msg Message) {
	select {
	case <-p.closed:
		return
	default:
	}
	select {
	case p.gw.inbox <- msg:
	case <-p.gw.done:
	}
}

// Messages returns broadcasts addressed to this port.
func (p *Port) Messages() <-chan Message {
	return p.messages
}

// Close detaches the port.
func (p *Port) Close() {
	p.once.Do(func() {
		close(p.closed)
		p.gw.detach(p)
	})
}

func (p *Port) deliver(msg Message) bool {
	select {
	case <-p.closed:
		return true
	default:
	}
	select {
	case p.messages <- msg:
		return true
	default:
		return false
	}
}
