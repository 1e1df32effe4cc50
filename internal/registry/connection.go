package registry

import (
	"time"

	"github.com/google/uuid"
)

// Connection is the server side of one attached extension socket.
// Senders push onto its outbox; the transport writer drains it.
type Connection struct {
	ID          string
	ConnectedAt time.Time

	outbox *Outbox
}

// NewConnection creates a connection with a fresh id and empty outbox.
func NewConnection() *Connection {
	return &Connection{
		ID:          uuid.New().String(),
		ConnectedAt: time.Now(),
		outbox:      NewOutbox(),
	}
}

// Send enqueues a text frame without blocking.
func (c *Connection) Send(text string) error {
	return c.outbox.Push(text)
}

// Outbound returns the queue the transport writer drains.
func (c *Connection) Outbound() *Outbox {
	return c.outbox
}
