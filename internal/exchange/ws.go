package exchange

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const (
	wsHandshakeTimeout = 30 * time.Second
	wsPingInterval     = 20 * time.Second
	wsWriteTimeout     = 10 * time.Second
	wsReadLimit        = 1 << 22 // 4 MiB, deep books are large
)

// wsConn wraps a gorilla websocket connection with a ping loop and
// serialized writes. One wsConn serves one live connection; the feed
// worker owns reconnection and builds a fresh wsConn each attempt.
type wsConn struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
	closed  chan struct{}
	once    sync.Once
}

// dialWS opens a websocket connection and starts the ping loop.
func dialWS(ctx context.Context, url string) (*wsConn, error) {
	dialer := *websocket.DefaultDialer
	dialer.HandshakeTimeout = wsHandshakeTimeout

	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("websocket dial %s: %w", url, err)
	}
	conn.SetReadLimit(wsReadLimit)

	ws := &wsConn{conn: conn, closed: make(chan struct{})}
	go ws.pingLoop(ctx)
	log.Debug().Str("url", url).Msg("websocket connected")
	return ws, nil
}

func (ws *wsConn) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			ws.writeMu.Lock()
			err := ws.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteTimeout))
			ws.writeMu.Unlock()
			if err != nil {
				log.Debug().Err(err).Msg("websocket ping failed")
				ws.close()
				return
			}
		case <-ctx.Done():
			ws.close()
			return
		case <-ws.closed:
			return
		}
	}
}

// readMessage blocks for the next text/binary frame.
func (ws *wsConn) readMessage() ([]byte, error) {
	_, data, err := ws.conn.ReadMessage()
	return data, err
}

func (ws *wsConn) close() {
	ws.once.Do(func() {
		close(ws.closed)
		ws.conn.Close()
	})
}
