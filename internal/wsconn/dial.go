package wsconn

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	"github.com/gorilla/websocket"
)

// Dial opens an outbound WebSocket connection and wraps it in a Conn. The
// teacher only shows inbound (accepted) WebSocket connections; this is the
// same Conn/read-write-pump idiom generalized to the dial side, which the
// coordinator needs for its push socket (C8) and server-backed transport
// link (C6).
func Dial(ctx context.Context, rawURL string, header http.Header) (*Conn, *http.Response, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, nil, fmt.Errorf("parse websocket url: %w", err)
	}

	ws, resp, err := websocket.DefaultDialer.DialContext(ctx, u.String(), header)
	if err != nil {
		return nil, resp, fmt.Errorf("dial %s: %w", u.Redacted(), err)
	}

	return New(ws), resp, nil
}
