package network

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// WebSocketPath is the HTTP path the server upgrades.
const WebSocketPath = "/netplay"

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true // peers are game clients, not browsers
	},
}

// wsConn presents a WebSocket as a byte stream. Each Write is sent as one
// binary message; reads concatenate incoming messages.
type wsConn struct {
	ws *websocket.Conn

	readMu sync.Mutex
	cur    io.Reader

	writeMu sync.Mutex
}

// NewWebSocketConn adapts a WebSocket connection to net.Conn.
func NewWebSocketConn(ws *websocket.Conn) net.Conn {
	return &wsConn{ws: ws}
}

func (c *wsConn) Read(p []byte) (int, error) {
	c.readMu.Lock()
	defer c.readMu.Unlock()

	for {
		if c.cur == nil {
			messageType, r, err := c.ws.NextReader()
			if err != nil {
				var closeErr *websocket.CloseError
				if errors.As(err, &closeErr) {
					return 0, io.EOF
				}
				return 0, err
			}
			if messageType != websocket.BinaryMessage {
				continue
			}
			c.cur = r
		}
		n, err := c.cur.Read(p)
		if errors.Is(err, io.EOF) {
			c.cur = nil
			if n == 0 {
				continue
			}
			err = nil
		}
		return n, err
	}
}

func (c *wsConn) Write(p []byte) (int, error) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.ws.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (c *wsConn) Close() error {
	c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	return c.ws.Close()
}

func (c *wsConn) LocalAddr() net.Addr  { return c.ws.LocalAddr() }
func (c *wsConn) RemoteAddr() net.Addr { return c.ws.RemoteAddr() }

func (c *wsConn) SetDeadline(t time.Time) error {
	if err := c.ws.SetReadDeadline(t); err != nil {
		return err
	}
	return c.ws.SetWriteDeadline(t)
}

func (c *wsConn) SetReadDeadline(t time.Time) error  { return c.ws.SetReadDeadline(t) }
func (c *wsConn) SetWriteDeadline(t time.Time) error { return c.ws.SetWriteDeadline(t) }

// AcceptWebSocket serves WebSocketPath on port until one peer upgrades, then
// stops serving and returns that peer's stream.
func AcceptWebSocket(ctx context.Context, port int) (net.Conn, error) {
	addr := net.JoinHostPort("", strconv.Itoa(port))
	lc := ReuseAddrListenConfig()
	listener, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	return serveOneWebSocket(ctx, listener)
}

func serveOneWebSocket(ctx context.Context, listener net.Listener) (net.Conn, error) {
	accepted := make(chan net.Conn, 1)
	var once sync.Once

	mux := http.NewServeMux()
	mux.HandleFunc(WebSocketPath, func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Warn().Err(err).Msg("websocket upgrade failed")
			return
		}
		taken := false
		once.Do(func() {
			taken = true
			accepted <- NewWebSocketConn(ws)
		})
		if !taken {
			ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "match already has a peer"),
				time.Now().Add(time.Second))
			ws.Close()
		}
	})

	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	serveErr := make(chan error, 1)
	go func() {
		serveErr <- srv.Serve(listener)
	}()
	log.Info().Str("addr", listener.Addr().String()).Str("path", WebSocketPath).Msg("waiting for a websocket connection")

	// Hijacked connections survive Close, so closing the server only stops
	// further upgrades.
	defer srv.Close()

	select {
	case conn := <-accepted:
		log.Info().Str("remote", conn.RemoteAddr().String()).Msg("got a websocket connection")
		return conn, nil
	case err := <-serveErr:
		return nil, fmt.Errorf("websocket server stopped: %w", err)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// DialWebSocket connects to ws://host:port/netplay, retrying with a fixed backoff.
func DialWebSocket(ctx context.Context, host string, port int, opts DialOptions) (net.Conn, error) {
	url := "ws://" + net.JoinHostPort(host, strconv.Itoa(port)) + WebSocketPath
	return dialWithRetry(ctx, url, opts, func(ctx context.Context) (net.Conn, error) {
		ws, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
		if err != nil {
			return nil, err
		}
		return NewWebSocketConn(ws), nil
	})
}
