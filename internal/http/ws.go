package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/observability"
)

const (
	pongWait       = 60 * time.Second
	pingPeriod     = 30 * time.Second
	maxMessageSize = 8192
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

type inboundFrame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// handleWS upgrades the request and pumps inbound frames into the hub until
// the peer goes away. Identity is established by the events themselves
// (driverOnline, riderOnline), not at upgrade time.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	conn := dispatch.NewWSConn(uuid.NewString(), ws)
	s.hub.Connect(conn)

	ctx, cancel := context.WithCancel(context.WithoutCancel(r.Context()))
	defer func() {
		cancel()
		s.hub.Disconnect(context.Background(), conn.ID())
		_ = conn.Close()
	}()
	go s.pingLoop(ctx, conn)

	ws.SetReadLimit(maxMessageSize)
	_ = ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error { return ws.SetReadDeadline(time.Now().Add(pongWait)) })

	for {
		_, raw, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Info("websocket closed", "conn_id", conn.ID(), "error", err)
			}
			return
		}
		var f inboundFrame
		if err := json.Unmarshal(raw, &f); err != nil || f.Event == "" {
			observability.DroppedMessages.WithLabelValues("unparsed").Inc()
			continue
		}
		s.hub.Handle(ctx, conn.ID(), f.Event, f.Data)
	}
}

func (s *Server) pingLoop(ctx context.Context, conn *dispatch.WSConn) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := conn.Ping(); err != nil {
				return
			}
		}
	}
}
