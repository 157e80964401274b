package api

import (
	"context"
	"net/http"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gorilla/websocket"

	"realtime-service/domain"
)

const (
	wsWriteWait    = 10 * time.Second
	wsMaxReadBytes = 512
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// origins are enforced by the CORS layer and the bearer token
	CheckOrigin: func(*http.Request) bool { return true },
}

type wsWriter struct {
	conn *websocket.Conn
}

func (w wsWriter) WriteEvent(ev domain.ChangeEvent) error {
	data, err := sonic.ConfigStd.Marshal(ev)
	if err != nil {
		return err
	}
	if err := w.conn.SetWriteDeadline(time.Now().Add(wsWriteWait)); err != nil {
		return err
	}
	return w.conn.WriteMessage(websocket.TextMessage, data)
}

func (w wsWriter) WriteKeepAlive() error {
	return w.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait))
}

// discardInbound reads and drops client messages so control frames are
// processed; cancel is called once the peer goes away.
func discardInbound(conn *websocket.Conn, cancel context.CancelFunc) {
	defer cancel()
	conn.SetReadLimit(wsMaxReadBytes)
	for {
		if _, _, err := conn.NextReader(); err != nil {
			return
		}
	}
}
