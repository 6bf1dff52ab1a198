package realtime

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"chatclient/internal/metrics"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const (
	writeWait    = 10 * time.Second
	pingInterval = 30 * time.Second
	maxFrameSize = 1 << 20 // 1MB
)

var ErrConnClosed = errors.New("connection closed")

// Conn 是承载 STOMP 帧的双向连接。ReadFrame 只允许一个 goroutine 调用。
type Conn interface {
	WriteFrame(f Frame) error
	ReadFrame() (Frame, error)
	Close() error
}

// Dialer 建立到消息后端的连接。
type Dialer interface {
	Dial(ctx context.Context, url string, header http.Header) (Conn, error)
}

// WSDialer 通过 gorilla/websocket 建立连接，每条 websocket 文本消息承载一个帧。
type WSDialer struct {
	Dialer       *websocket.Dialer
	PingInterval time.Duration
}

func (d WSDialer) Dial(ctx context.Context, url string, header http.Header) (Conn, error) {
	dialer := d.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	ws, resp, err := dialer.DialContext(ctx, url, header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, err
	}
	every := d.PingInterval
	if every <= 0 {
		every = pingInterval
	}
	return newWSConn(ws, every), nil
}

type wsConn struct {
	conn      *websocket.Conn
	send      chan []byte
	closing   chan struct{}
	stopped   chan struct{}
	closeOnce sync.Once
	ping      time.Duration
}

func newWSConn(ws *websocket.Conn, ping time.Duration) *wsConn {
	c := &wsConn{
		conn:    ws,
		send:    make(chan []byte, 256),
		closing: make(chan struct{}),
		stopped: make(chan struct{}),
		ping:    ping,
	}
	ws.SetReadLimit(maxFrameSize)
	ws.SetReadDeadline(time.Now().Add(2 * ping))
	ws.SetPongHandler(func(string) error {
		ws.SetReadDeadline(time.Now().Add(2 * ping))
		return nil
	})
	go c.writePump()
	return c
}

func (c *wsConn) WriteFrame(f Frame) error {
	select {
	case <-c.closing:
		return ErrConnClosed
	case <-c.stopped:
		return ErrConnClosed
	default:
	}
	data, err := f.Encode()
	if err != nil {
		return err
	}
	select {
	case c.send <- data:
		return nil
	case <-c.closing:
		return ErrConnClosed
	case <-c.stopped:
		return ErrConnClosed
	}
}

// ReadFrame 阻塞读取下一个帧，跳过心跳与无法解析的帧。任何入站数据都会延长读超时。
func (c *wsConn) ReadFrame() (Frame, error) {
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return Frame{}, err
		}
		c.conn.SetReadDeadline(time.Now().Add(2 * c.ping))
		f, err := Decode(data)
		if errors.Is(err, ErrEmptyFrame) {
			continue
		}
		if err != nil {
			log.Warn().Err(err).Int("size", len(data)).Msg("drop malformed frame")
			metrics.DroppedEventsTotal.WithLabelValues("malformed_frame").Inc()
			continue
		}
		return f, nil
	}
}

// Close 先把已排队的帧写完再关闭底层连接，最多等待 writeWait。
func (c *wsConn) Close() error {
	c.closeOnce.Do(func() { close(c.closing) })
	select {
	case <-c.stopped:
	case <-time.After(writeWait):
	}
	return c.conn.Close()
}

func (c *wsConn) writePump() {
	ticker := time.NewTicker(c.ping)
	defer func() {
		ticker.Stop()
		close(c.stopped)
	}()
	for {
		select {
		case msg := <-c.send:
			if err := c.write(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			if err := c.write(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.closing:
			for {
				select {
				case msg := <-c.send:
					if err := c.write(websocket.TextMessage, msg); err != nil {
						return
					}
				default:
					_ = c.write(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
					return
				}
			}
		}
	}
}

func (c *wsConn) write(kind int, data []byte) error {
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(kind, data)
}
