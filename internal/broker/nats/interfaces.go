package nats

import (
	"github.com/nats-io/nats.go"
)

// Conn is the part of a NATS connection the source and publisher use.
// *Connection implements it.
type Conn interface {
	Subscribe(subject string, cb nats.MsgHandler) (*nats.Subscription, error)
	Publish(subject string, data []byte) error
	IsConnected() bool
}
