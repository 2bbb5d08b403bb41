package channel

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"relaybot/internal/domain"
)

const (
	wsWriteWait    = 10 * time.Second
	wsPongWait     = 60 * time.Second
	wsPingPeriod   = wsPongWait * 9 / 10
	wsMaxFrame     = 64 << 10
	wsOutboxFrames = 32
)

type WSConfig struct {
	Listen         string
	Path           string   // default /ws
	AllowedOrigins []string // browser origins; empty allows any
	Logger         *slog.Logger
}

// WebSocketChannel serves JSON frames over websocket connections. A
// connection joins the thread named by its "thread" query parameter, or a
// freshly minted one; replies go only to the connection that asked.
type WebSocketChannel struct {
	listen   string
	path     string
	origins  map[string]bool
	bus      domain.MessageBus
	logger   *slog.Logger
	upgrader websocket.Upgrader

	mu    sync.RWMutex
	conns map[string]*wsConn // by connection id, used as ChatID
}

// WSMessage is the frame exchanged with clients. Type is one of message,
// error, status, ping or pong.
type WSMessage struct {
	Type       string `json:"type"`
	Content    string `json:"content,omitempty"`
	Thread     string `json:"thread,omitempty"`
	UserID     string `json:"user_id,omitempty"`
	Incomplete bool   `json:"incomplete,omitempty"`
	Kind       string `json:"kind,omitempty"`
}

type wsConn struct {
	id     string
	thread string
	conn   *websocket.Conn
	out    chan WSMessage
	done   chan struct{}
}

func NewWebSocketChannel(cfg WSConfig) *WebSocketChannel {
	ws := &WebSocketChannel{
		listen:  cfg.Listen,
		path:    cfg.Path,
		origins: make(map[string]bool, len(cfg.AllowedOrigins)),
		logger:  cfg.Logger,
		conns:   make(map[string]*wsConn),
	}
	if ws.listen == "" {
		ws.listen = ":8081"
	}
	if ws.path == "" {
		ws.path = "/ws"
	}
	if ws.logger == nil {
		ws.logger = slog.Default()
	}
	for _, o := range cfg.AllowedOrigins {
		ws.origins[o] = true
	}
	ws.upgrader = websocket.Upgrader{CheckOrigin: ws.originAllowed}
	return ws
}

func (ws *WebSocketChannel) originAllowed(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	return len(ws.origins) == 0 || origin == "" || ws.origins[origin]
}

func (ws *WebSocketChannel) Name() string { return "websocket" }

func (ws *WebSocketChannel) Start(ctx context.Context, bus domain.MessageBus) error {
	ws.attach(bus)
	srv := &http.Server{Addr: ws.listen, Handler: ws.Handler(), ReadHeaderTimeout: 10 * time.Second}
	ws.logger.Info("websocket server starting", "addr", ws.listen, "path", ws.path)
	defer ws.disconnectAll()
	return serveUntilDone(ctx, srv, ws.logger)
}

func (ws *WebSocketChannel) attach(bus domain.MessageBus) {
	ws.bus = bus
	bus.OnOutbound(ws.Name(), ws.deliver)
}

func (ws *WebSocketChannel) deliver(msg domain.OutboundMessage) {
	ws.mu.RLock()
	c := ws.conns[msg.ChatID]
	ws.mu.RUnlock()
	if c == nil {
		ws.logger.Debug("reply for a closed connection", "chat_id", msg.ChatID)
		return
	}
	frame := WSMessage{Type: "message", Content: msg.Content, Thread: c.thread, Incomplete: msg.Incomplete}
	if msg.Kind != "" {
		frame.Type, frame.Kind = "error", string(msg.Kind)
	}
	c.push(frame, ws.logger)
}

func (ws *WebSocketChannel) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(ws.path, ws.serveConn)
	return mux
}

func (ws *WebSocketChannel) serveConn(w http.ResponseWriter, r *http.Request) {
	conn, err := ws.upgrader.Upgrade(w, r, nil)
	if err != nil {
		ws.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	c := &wsConn{
		id:     uuid.NewString(),
		thread: r.URL.Query().Get("thread"),
		conn:   conn,
		out:    make(chan WSMessage, wsOutboxFrames),
		done:   make(chan struct{}),
	}
	if c.thread == "" {
		c.thread = "ws:" + uuid.NewString()
	}

	ws.mu.Lock()
	ws.conns[c.id] = c
	ws.mu.Unlock()
	ws.logger.Info("websocket client connected", "conn", c.id, "thread", c.thread)
	defer func() {
		ws.mu.Lock()
		delete(ws.conns, c.id)
		ws.mu.Unlock()
		close(c.done)
		conn.Close()
		ws.logger.Info("websocket client disconnected", "conn", c.id)
	}()

	go c.writeLoop(ws.logger)
	c.push(WSMessage{Type: "status", Content: "connected", Thread: c.thread}, ws.logger)
	ws.readLoop(r.Context(), c)
}

func (ws *WebSocketChannel) readLoop(ctx context.Context, c *wsConn) {
	c.conn.SetReadLimit(wsMaxFrame)
	c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})
	for {
		var frame WSMessage
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				ws.logger.Warn("websocket read failed", "conn", c.id, "error", err)
			}
			return
		}
		if json.Unmarshal(data, &frame) != nil {
			c.push(WSMessage{Type: "error", Content: "invalid JSON frame", Kind: string(domain.KindSchemaViolation)}, ws.logger)
			continue
		}
		switch frame.Type {
		case "ping":
			c.push(WSMessage{Type: "pong", Thread: c.thread}, ws.logger)
		case "message":
			in := domain.InboundMessage{Channel: ws.Name(), ChatID: c.id, SenderID: frame.UserID, Thread: c.thread, Content: frame.Content}
			if err := ws.bus.Publish(ctx, in); err != nil {
				ws.logger.Error("websocket publish failed", "error", err)
				c.push(WSMessage{Type: "error", Content: "gateway unavailable"}, ws.logger)
			}
		default:
			ws.logger.Debug("ignored websocket frame", "type", frame.Type)
		}
	}
}

// push queues a frame for the writer; a connection that stopped reading
// loses frames rather than stalling the bus.
func (c *wsConn) push(m WSMessage, logger *slog.Logger) {
	select {
	case c.out <- m:
	case <-c.done:
	default:
		logger.Warn("websocket outbox full, frame dropped", "conn", c.id, "type", m.Type)
	}
}

// writeLoop is the only writer on the connection.
func (c *wsConn) writeLoop(logger *slog.Logger) {
	ping := time.NewTicker(wsPingPeriod)
	defer ping.Stop()
	for {
		var err error
		select {
		case <-c.done:
			return
		case m := <-c.out:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			err = c.conn.WriteJSON(m)
		case <-ping.C:
			err = c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait))
		}
		if err != nil {
			logger.Debug("websocket write failed", "conn", c.id, "error", err)
			c.conn.Close()
			return
		}
	}
}

func (ws *WebSocketChannel) disconnectAll() {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	for _, c := range ws.conns {
		c.conn.Close()
	}
}
