package stream

import (
	"context"
	"net/http"
	"net/url"
	"strings"

	"github.com/pkg/errors"
	"nhooyr.io/websocket"
)

const defaultReadLimit = 1 << 20

// WebsocketDialer opens push connections with nhooyr.io/websocket. The channel
// key travels as the "channel" query parameter.
type WebsocketDialer struct {
	URL        string
	Token      func() string
	HTTPClient *http.Client
	ReadLimit  int64
}

func (d *WebsocketDialer) Dial(ctx context.Context, key string) (Conn, error) {
	target, err := url.Parse(strings.TrimSpace(d.URL))
	if err != nil {
		return nil, errors.Wrap(err, "parse stream url")
	}
	q := target.Query()
	q.Set("channel", key)
	target.RawQuery = q.Encode()

	header := http.Header{}
	if d.Token != nil {
		if token := strings.TrimSpace(d.Token()); token != "" {
			header.Set("Authorization", "Bearer "+token)
		}
	}
	conn, _, err := websocket.Dial(ctx, target.String(), &websocket.DialOptions{
		HTTPClient: d.HTTPClient,
		HTTPHeader: header,
	})
	if err != nil {
		return nil, errors.Wrap(err, "dial stream")
	}
	limit := d.ReadLimit
	if limit <= 0 {
		limit = defaultReadLimit
	}
	conn.SetReadLimit(limit)
	return &websocketConn{conn: conn}, nil
}

type websocketConn struct {
	conn *websocket.Conn
}

func (c *websocketConn) Read(ctx context.Context) ([]byte, error) {
	_, data, err := c.conn.Read(ctx)
	return data, err
}

func (c *websocketConn) Close() error {
	return c.conn.Close(websocket.StatusNormalClosure, "")
}
