package hub

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

// Client 代表一个 WebSocket 连接。写操作只在 WritePump 中进行，
// 其他 goroutine 通过带缓冲的 send 通道投递消息。
type Client struct {
	conn *websocket.Conn
	opts Options
	log  *logrus.Entry

	send     chan []byte
	done     chan struct{} // 关闭后不再接受消息，WritePump 发送关闭帧后退出
	pumpDone chan struct{}

	closeOnce   sync.Once
	closeCode   int
	closeReason string
}

// NewClient 创建一个新的 Client 实例
func NewClient(conn *websocket.Conn, opts Options, log *logrus.Entry) *Client {
	opts = opts.withDefaults()
	return &Client{
		conn:     conn,
		opts:     opts,
		log:      log,
		send:     make(chan []byte, opts.SendBuffer),
		done:     make(chan struct{}),
		pumpDone: make(chan struct{}),
	}
}

// Send 非阻塞地把消息放入发送队列。队列已满或连接已关闭时返回 false。
func (c *Client) Send(payload []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- payload:
		return true
	default:
		return false
	}
}

// Close 请求以指定关闭码关闭连接，只有第一次调用生效
func (c *Client) Close(code int, reason string) {
	c.closeOnce.Do(func() {
		c.closeCode = code
		c.closeReason = reason
		close(c.done)
	})
}

// Wait 等待 WritePump 退出 (此时底层连接已关闭)
func (c *Client) Wait() {
	<-c.pumpDone
}

// ReadLoop 按到达顺序读取文本消息并同步交给 handle，连接出错或关闭时返回
func (c *Client) ReadLoop(handle func(message []byte)) {
	c.conn.SetReadLimit(c.opts.MaxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(c.opts.PongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(c.opts.PongWait))
	})

	for {
		messageType, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				c.log.WithError(err).Warn("WebSocket read error (unexpected close)")
			} else {
				c.log.Debug("WebSocket connection closed")
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(c.opts.PongWait))

		if messageType != websocket.TextMessage {
			c.log.Debugf("Ignoring non-text message type: %d", messageType)
			continue
		}
		handle(message)
	}
}

// WritePump 把 send 通道中的消息写入连接，并定期发送 Ping。
// 它在自己的 goroutine 中运行，退出时关闭底层连接。
func (c *Client) WritePump() {
	ticker := time.NewTicker(c.opts.PingPeriod)
	defer func() {
		ticker.Stop()
		c.Close(websocket.CloseAbnormalClosure, "")
		_ = c.conn.Close()
		close(c.pumpDone)
		c.log.Debug("writePump exited")
	}()

	for {
		select {
		case message := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.opts.WriteWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.log.WithError(err).Warn("Failed to write message to websocket")
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.opts.WriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.log.WithError(err).Debug("Failed to send ping message")
				return
			}

		case <-c.done:
			c.flush()
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(c.closeCode, c.closeReason),
				time.Now().Add(c.opts.WriteWait))
			return
		}
	}
}

// flush 关闭前尽量写出已排队的消息
func (c *Client) flush() {
	for {
		select {
		case message := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.opts.WriteWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		default:
			return
		}
	}
}

// RejectConn 在会话建立之前用关闭码拒绝连接 (例如令牌无效)
func RejectConn(conn *websocket.Conn, code int, reason string, wait time.Duration) {
	if wait <= 0 {
		wait = writeWait
	}
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason),
		time.Now().Add(wait))
	_ = conn.Close()
}
