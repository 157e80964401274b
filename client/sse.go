package client

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/bytedance/sonic"
	"github.com/labstack/echo/v4"

	"realtime-service/domain"
	"realtime-service/internal/consts"
)

// SSEDialer opens the event-stream endpoint over plain HTTP.
type SSEDialer struct {
	// URL of the realtime endpoint, e.g. https://host/api/realtime.
	URL string
	// Token is sent as a bearer token.
	Token  string
	Client *http.Client
}

func (d *SSEDialer) Dial(ctx context.Context, channels domain.ChannelSet) (Stream, error) {
	target, err := streamURL(d.URL, channels)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set(echo.HeaderAccept, "text/event-stream")
	if d.Token != "" {
		req.Header.Set(echo.HeaderAuthorization, "Bearer "+d.Token)
	}
	client := d.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("unexpected status %s", resp.Status)
	}
	return &sseStream{body: resp.Body, r: bufio.NewReader(resp.Body)}, nil
}

func streamURL(base string, channels domain.ChannelSet) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("invalid stream url: %w", err)
	}
	if channels != 0 && channels != domain.AllChannels {
		q := u.Query()
		q.Set(consts.ChannelsQueryParam, channels.String())
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

type sseStream struct {
	body io.ReadCloser
	r    *bufio.Reader
}

var (
	dataField = []byte("data:")
	comment   = []byte(":")
)

// Next reads up to the next blank line. A block made only of comments is a
// keep-alive.
func (s *sseStream) Next() (Frame, error) {
	var data []byte
	sawComment := false
	for {
		line, err := s.r.ReadBytes('\n')
		if err != nil {
			return Frame{}, err
		}
		line = bytes.TrimRight(line, "\r\n")
		switch {
		case len(line) == 0:
			if data != nil {
				var ev domain.ChangeEvent
				if err := sonic.ConfigStd.Unmarshal(data, &ev); err != nil {
					return Frame{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
				}
				return Frame{Event: ev}, nil
			}
			if sawComment {
				return Frame{KeepAlive: true}, nil
			}
		case bytes.HasPrefix(line, comment):
			sawComment = true
		case bytes.HasPrefix(line, dataField):
			value := bytes.TrimPrefix(line[len(dataField):], []byte(" "))
			if data != nil {
				data = append(data, '\n')
			}
			data = append(data, value...)
		}
	}
}

func (s *sseStream) Close() error {
	return s.body.Close()
}
