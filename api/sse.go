package api

import (
	"io"
	"net/http"
	"strconv"

	"github.com/bytedance/sonic"

	"realtime-service/domain"
	"realtime-service/internal/consts"
)

type sseWriter struct {
	w       io.Writer
	flusher http.Flusher
	buf     []byte
}

func newSSEWriter(w io.Writer, flusher http.Flusher) *sseWriter {
	return &sseWriter{w: w, flusher: flusher, buf: make([]byte, 0, 512)}
}

// WriteEvent writes
//
//	id: <sequence>
//	event: <channel>
//	data: <event json>
func (s *sseWriter) WriteEvent(ev domain.ChangeEvent) error {
	data, err := sonic.ConfigStd.Marshal(ev)
	if err != nil {
		return err
	}
	b := s.buf[:0]
	b = append(b, consts.SSEIDPrefix...)
	b = strconv.AppendUint(b, ev.Sequence, 10)
	b = append(b, '\n')
	b = append(b, consts.SSEEventPrefix...)
	b = append(b, string(ev.Channel)...)
	b = append(b, '\n')
	b = append(b, consts.SSEDataPrefix...)
	b = append(b, data...)
	b = append(b, '\n', '\n')
	s.buf = b
	return s.write(b)
}

func (s *sseWriter) WriteKeepAlive() error {
	return s.write([]byte(consts.SSEKeepAlive))
}

func (s *sseWriter) writeComment(c string) error {
	return s.write([]byte(c))
}

func (s *sseWriter) write(b []byte) error {
	if _, err := s.w.Write(b); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}
