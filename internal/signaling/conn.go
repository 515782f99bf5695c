package signaling

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const wsWriteWait = 1 * time.Second

// wsConn adapts a gorilla WebSocket to peer.Conn.
//
// Send only enqueues. A single writer goroutine owns every data write so the
// registry and router never block on a slow socket.
type wsConn struct {
	id         string
	remoteAddr string
	ws         *websocket.Conn
	logger     *slog.Logger

	queue        chan []byte
	pingInterval time.Duration

	closeOnce   sync.Once
	done        chan struct{}
	writerDone  chan struct{}
	graceful    bool
	closeCode   int
	closeReason string
}

func newWSConn(ws *websocket.Conn, remoteAddr string, queueLength int, pingInterval time.Duration, logger *slog.Logger) *wsConn {
	if queueLength <= 0 {
		queueLength = 1
	}
	return &wsConn{
		id:           uuid.NewString(),
		remoteAddr:   remoteAddr,
		ws:           ws,
		logger:       logger,
		queue:        make(chan []byte, queueLength),
		pingInterval: pingInterval,
		done:         make(chan struct{}),
		writerDone:   make(chan struct{}),
	}
}

func (c *wsConn) ID() string         { return c.id }
func (c *wsConn) RemoteAddr() string { return c.remoteAddr }

// Send enqueues frame. It reports false when the queue is full or the
// connection is closing.
func (c *wsConn) Send(frame []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.queue <- frame:
		return true
	default:
		return false
	}
}

// Close asks the writer to shut the socket down. A graceful close flushes
// frames that are already queued before the close frame goes out.
func (c *wsConn) Close(graceful bool) {
	c.closeWith(websocket.CloseNormalClosure, "", graceful)
}

func (c *wsConn) closeWith(code int, reason string, graceful bool) {
	c.closeOnce.Do(func() {
		c.graceful = graceful
		c.closeCode = code
		c.closeReason = reason
		close(c.done)
	})
}

// Done is closed once Close has been called.
func (c *wsConn) Done() <-chan struct{} { return c.done }

func (c *wsConn) writeLoop() {
	defer close(c.writerDone)
	defer c.ws.Close()

	var ping <-chan time.Time
	if c.pingInterval > 0 {
		ticker := time.NewTicker(c.pingInterval)
		defer ticker.Stop()
		ping = ticker.C
	}

	for {
		select {
		case frame := <-c.queue:
			if err := c.write(frame); err != nil {
				c.logger.Debug("websocket write failed", "conn_id", c.id, "err", err)
				c.closeWith(websocket.CloseAbnormalClosure, "", false)
				return
			}
		case <-ping:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				c.closeWith(websocket.CloseAbnormalClosure, "", false)
				return
			}
		case <-c.done:
			if c.graceful {
				c.drain()
			}
			if c.closeCode != websocket.CloseAbnormalClosure {
				_ = c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(c.closeCode, c.closeReason), time.Now().Add(wsWriteWait))
			}
			return
		}
	}
}

func (c *wsConn) drain() {
	for {
		select {
		case frame := <-c.queue:
			if err := c.write(frame); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (c *wsConn) write(frame []byte) error {
	_ = c.ws.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return c.ws.WriteMessage(websocket.TextMessage, frame)
}

// wait blocks until the writer goroutine has exited.
func (c *wsConn) wait() {
	<-c.writerDone
}
