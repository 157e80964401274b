package client

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"realtime-service/domain"
)

// WSDialer opens the WebSocket endpoint. Server pings count as keep-alives.
type WSDialer struct {
	// URL of the endpoint; http(s) schemes are rewritten to ws(s).
	URL    string
	Token  string
	Dialer *websocket.Dialer
}

func (d *WSDialer) Dial(ctx context.Context, channels domain.ChannelSet) (Stream, error) {
	target, err := streamURL(d.URL, channels)
	if err != nil {
		return nil, err
	}
	if rest, ok := strings.CutPrefix(target, "http"); ok {
		target = "ws" + rest
	}
	header := http.Header{}
	if d.Token != "" {
		header.Set(echo.HeaderAuthorization, "Bearer "+d.Token)
	}
	dialer := d.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	conn, resp, err := dialer.DialContext(ctx, target, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("websocket handshake: %s: %w", resp.Status, err)
		}
		return nil, err
	}
	s := &wsStream{conn: conn, results: make(chan readResult), closed: make(chan struct{})}
	conn.SetPingHandler(s.onPing)
	go s.read()
	return s, nil
}

type wsStream struct {
	conn      *websocket.Conn
	results   chan readResult
	closed    chan struct{}
	closeOnce sync.Once
	err       error
}

func (s *wsStream) onPing(data string) error {
	s.deliver(readResult{frame: Frame{KeepAlive: true}})
	err := s.conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(time.Second))
	if err == websocket.ErrCloseSent {
		return nil
	}
	return err
}

func (s *wsStream) deliver(r readResult) bool {
	select {
	case s.results <- r:
		return true
	case <-s.closed:
		return false
	}
}

func (s *wsStream) read() {
	defer close(s.results)
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			s.err = err
			return
		}
		var r readResult
		if err := sonic.ConfigStd.Unmarshal(data, &r.frame.Event); err != nil {
			r.err = fmt.Errorf("%w: %v", ErrMalformedFrame, err)
		}
		if !s.deliver(r) {
			s.err = net.ErrClosed
			return
		}
	}
}

func (s *wsStream) Next() (Frame, error) {
	r, ok := <-s.results
	if !ok {
		if s.err == nil {
			return Frame{}, io.EOF
		}
		return Frame{}, s.err
	}
	return r.frame, r.err
}

func (s *wsStream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.closed)
		err = s.conn.Close()
	})
	return err
}
