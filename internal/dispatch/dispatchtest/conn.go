// Package dispatchtest provides a recording Conn for tests.
package dispatchtest

import (
	"errors"
	"sync"
)

type Frame struct {
	Event   string
	Payload any
}

// Conn records every frame sent to it. Set Fail to make sends error.
type Conn struct {
	id     string
	mu     sync.Mutex
	frames []Frame
	Fail   bool
}

func NewConn(id string) *Conn { return &Conn{id: id} }

func (c *Conn) ID() string { return c.id }

func (c *Conn) Send(event string, payload any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.Fail {
		return errors.New("send failed")
	}
	c.frames = append(c.frames, Frame{Event: event, Payload: payload})
	return nil
}

func (c *Conn) Frames() []Frame {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Frame(nil), c.frames...)
}

// Events returns the payloads sent under event, in order.
func (c *Conn) Events(event string) []any {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []any
	for _, f := range c.frames {
		if f.Event == event {
			out = append(out, f.Payload)
		}
	}
	return out
}

func (c *Conn) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frames = nil
}
