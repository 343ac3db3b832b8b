package dispatch

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const writeWait = 10 * time.Second

// Frame is the wire envelope for every message in both directions.
type Frame struct {
	Event string `json:"event"`
	Data  any    `json:"data,omitempty"`
}

// WSConn is a websocket-backed Conn. Writes are serialized because gorilla
// connections support one concurrent writer.
type WSConn struct {
	id   string
	conn *websocket.Conn
	mu   sync.Mutex
}

func NewWSConn(id string, conn *websocket.Conn) *WSConn {
	return &WSConn{id: id, conn: conn}
}

func (s *WSConn) ID() string { return s.id }

func (s *WSConn) Send(event string, payload any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return s.conn.WriteJSON(Frame{Event: event, Data: payload})
}

func (s *WSConn) Ping() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
}

func (s *WSConn) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.Close()
}
