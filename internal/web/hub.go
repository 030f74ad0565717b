package web

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"PortLens/internal/model"
	"PortLens/internal/session"
	"PortLens/internal/utils"
)

const (
	writeWait   = 5 * time.Second
	clientQueue = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		u, err := url.Parse(origin)
		return err == nil && u.Host == r.Host
	},
}

// WSMessage 推送给浏览器的消息
type WSMessage struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload"`
}

// Hub 消费扫描事件：保存最近一轮的结果快照，并广播给所有 WebSocket 客户端
type Hub struct {
	runner *session.Runner
	target string
	logger *utils.Logger

	mu        sync.Mutex
	clients   map[*websocket.Conn]*client
	round     int
	sessionID string
	snapshot  []model.EnrichedPort
	summary   *model.ScanSummary
}

func NewHub(runner *session.Runner, target string) *Hub {
	return &Hub{
		runner:  runner,
		target:  target,
		logger:  utils.NewLogger("web-hub"),
		clients: make(map[*websocket.Conn]*client),
	}
}

// StartScan 开始新一轮扫描并清空上一轮快照，扫描中返回 session.ErrScanInProgress
func (h *Hub) StartScan(ctx context.Context) error {
	events, err := h.runner.Start(ctx, h.target)
	if err != nil {
		return err
	}

	h.mu.Lock()
	h.round++
	round := h.round
	h.sessionID = ""
	h.snapshot = nil
	h.summary = nil
	h.mu.Unlock()

	go h.consume(round, events)
	return nil
}

// StopScan 停止当前扫描
func (h *Hub) StopScan() {
	h.runner.Stop()
}

// consume 只有当前一轮的事件才会写入快照
func (h *Hub) consume(round int, events <-chan model.Event) {
	for e := range events {
		h.mu.Lock()
		if round != h.round {
			h.mu.Unlock()
			continue
		}
		if h.sessionID == "" {
			h.sessionID = e.SessionID
		}
		switch e.Type {
		case model.EventResult:
			if e.Result != nil {
				h.snapshot = append(h.snapshot, e.Result.Clone())
			}
		case model.EventFinished:
			h.summary = e.Summary
		}
		h.mu.Unlock()

		if e.Type != model.EventResult {
			h.logger.Log(e.Level, "%s", e.Message)
		}
		h.broadcast(WSMessage{Type: string(e.Type), Payload: e})
	}
}

// Status 扫描状态
type Status struct {
	Running   bool               `json:"running"`
	Target    string             `json:"target"`
	SessionID string             `json:"session_id,omitempty"`
	Results   int                `json:"results"`
	Summary   *model.ScanSummary `json:"summary,omitempty"`
}

func (h *Hub) Status() Status {
	h.mu.Lock()
	defer h.mu.Unlock()
	return Status{
		Running:   h.runner.Running(),
		Target:    h.target,
		SessionID: h.sessionID,
		Results:   len(h.snapshot),
		Summary:   h.summary,
	}
}

// Snapshot 当前结果快照按 criterion 排序后的副本
func (h *Hub) Snapshot(criterion model.SortCriterion) []model.EnrichedPort {
	h.mu.Lock()
	defer h.mu.Unlock()
	return model.SortBy(h.snapshot, criterion)
}

func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("WebSocket升级失败: %v", err)
		return
	}

	c := &client{conn: conn, send: make(chan []byte, clientQueue)}
	h.mu.Lock()
	h.clients[conn] = c
	h.mu.Unlock()
	h.logger.Debug("WebSocket连接: %s", r.RemoteAddr)

	go c.writeLoop()
	go func() {
		defer func() {
			h.remove(conn)
			conn.Close()
			h.logger.Debug("WebSocket断开: %s", r.RemoteAddr)
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

// Clients 当前连接数
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func (h *Hub) remove(conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if c, ok := h.clients[conn]; ok {
		delete(h.clients, conn)
		close(c.send)
	}
}

// broadcast 只做入队，队列满的客户端被断开
func (h *Hub) broadcast(msg WSMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("JSON编码失败: %v", err)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for conn, c := range h.clients {
		select {
		case c.send <- data:
		default:
			h.logger.Warn("WebSocket客户端过慢，断开: %s", conn.RemoteAddr())
			delete(h.clients, conn)
			close(c.send)
			conn.Close()
		}
	}
}

// client 每个连接一个发送队列，由 writeLoop 独占写入
type client struct {
	conn *websocket.Conn
	send chan []byte
}

func (c *client) writeLoop() {
	failed := false
	for data := range c.send {
		if failed {
			continue
		}
		c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
			failed = true
			c.conn.Close()
		}
	}
}
