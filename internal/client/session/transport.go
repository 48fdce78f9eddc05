package session

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/coder/websocket"
)

// Transport is an open duplex connection carrying text envelopes.
type Transport interface {
	Read(ctx context.Context) ([]byte, error)
	Write(ctx context.Context, data []byte) error
	Close(reason string) error
}

// Dialer opens a Transport.
type Dialer interface {
	Dial(ctx context.Context, url string) (Transport, error)
}

// WebsocketDialer dials the live endpoint with coder/websocket.
type WebsocketDialer struct {
	Header    http.Header
	ReadLimit int64
}

// Dial implements Dialer.
func (d WebsocketDialer) Dial(ctx context.Context, url string) (Transport, error) {
	conn, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{HTTPHeader: d.Header})
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", redact(url), err)
	}
	limit := d.ReadLimit
	if limit <= 0 {
		limit = 4 << 20
	}
	conn.SetReadLimit(limit)
	return &wsTransport{conn: conn}, nil
}

type wsTransport struct {
	conn *websocket.Conn
}

func (t *wsTransport) Read(ctx context.Context) ([]byte, error) {
	for {
		typ, data, err := t.conn.Read(ctx)
		if err != nil {
			return nil, err
		}
		if typ == websocket.MessageText {
			return data, nil
		}
	}
}

func (t *wsTransport) Write(ctx context.Context, data []byte) error {
	return t.conn.Write(ctx, websocket.MessageText, data)
}

func (t *wsTransport) Close(reason string) error {
	return t.conn.Close(websocket.StatusNormalClosure, reason)
}

// redact drops the query string, which carries the token.
func redact(url string) string {
	base, _, _ := strings.Cut(url, "?")
	return base
}
