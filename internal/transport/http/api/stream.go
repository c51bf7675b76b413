package apihttp

import (
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"arbiter/internal/decision"
	"arbiter/internal/logger"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

// 中文说明：
// /stream/:accountID WebSocket 推送：客户端可发 subscribe 限定币种、ping 保活，
// 服务端把该账户新生成的决策实时推给全部订阅者。

const (
	streamWriteWait  = 10 * time.Second
	streamSendBuffer = 16
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// 决策流只读不写账户资产，放开同源限制交给反向代理控制。
	CheckOrigin: func(*http.Request) bool { return true },
}

type streamClient struct {
	conn    *websocket.Conn
	send    chan decision.Result
	mu      sync.Mutex
	symbols map[string]struct{} // 空表示订阅全部
}

func (sc *streamClient) wants(res decision.Result) bool {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	if len(sc.symbols) == 0 {
		return true
	}
	for _, sym := range res.Context.Symbols {
		if _, ok := sc.symbols[strings.ToUpper(sym)]; ok {
			return true
		}
	}
	return false
}

type streamHub struct {
	mu      sync.Mutex
	clients map[int64]map[*streamClient]struct{}
}

func newStreamHub() *streamHub {
	return &streamHub{clients: make(map[int64]map[*streamClient]struct{})}
}

func (h *streamHub) add(accountID int64, c *streamClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.clients[accountID] == nil {
		h.clients[accountID] = make(map[*streamClient]struct{})
	}
	h.clients[accountID][c] = struct{}{}
}

func (h *streamHub) remove(accountID int64, c *streamClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if set, ok := h.clients[accountID]; ok {
		delete(set, c)
		if len(set) == 0 {
			delete(h.clients, accountID)
		}
	}
}

// broadcast 把新决策推给账户的全部订阅者。慢客户端丢弃而不阻塞。
func (h *streamHub) broadcast(accountID int64, res decision.Result) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients[accountID] {
		if !c.wants(res) {
			continue
		}
		select {
		case c.send <- res:
		default:
			logger.Warnf("[stream] slow subscriber account=%d, dropping decision %s", accountID, res.ID)
		}
	}
}

type streamInbound struct {
	Type    string   `json:"type"` // subscribe | ping
	Symbols []string `json:"symbols,omitempty"`
}

func (r *Router) handleStream(c *gin.Context) {
	accountID, _ := strconv.ParseInt(c.Param("accountID"), 10, 64)
	if accountID <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid account id"})
		return
	}
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.Warnf("[stream] upgrade failed ip=%s err=%v", c.ClientIP(), err)
		return
	}
	client := &streamClient{conn: conn, send: make(chan decision.Result, streamSendBuffer)}
	r.hub.add(accountID, client)
	logger.Infof("[stream] subscriber connected account=%d ip=%s", accountID, c.ClientIP())

	done := make(chan struct{})
	go writePump(client, done)
	readPump(client, accountID)
	close(done)
	r.hub.remove(accountID, client)
	_ = conn.Close()
	logger.Infof("[stream] subscriber disconnected account=%d ip=%s", accountID, c.ClientIP())
}

func readPump(client *streamClient, accountID int64) {
	for {
		var msg streamInbound
		if err := client.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Debugf("[stream] read account=%d err=%v", accountID, err)
			}
			return
		}
		switch strings.ToLower(msg.Type) {
		case "subscribe":
			symbols := make(map[string]struct{}, len(msg.Symbols))
			for _, s := range msg.Symbols {
				if s = strings.ToUpper(strings.TrimSpace(s)); s != "" {
					symbols[s] = struct{}{}
				}
			}
			client.mu.Lock()
			client.symbols = symbols
			client.mu.Unlock()
			_ = writeJSON(client, gin.H{"type": "subscribed", "symbols": msg.Symbols})
		case "ping":
			_ = writeJSON(client, gin.H{"type": "pong", "ts": time.Now().Unix()})
		default:
			_ = writeJSON(client, gin.H{"type": "error", "error": "unknown message type: " + msg.Type})
		}
	}
}

func writePump(client *streamClient, done <-chan struct{}) {
	for {
		select {
		case res := <-client.send:
			if err := writeJSON(client, gin.H{"type": "decision", "decision": res}); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}

// writeJSON 串行化并发写（读循环的应答与推送循环共用连接）。
func writeJSON(client *streamClient, v any) error {
	client.mu.Lock()
	defer client.mu.Unlock()
	_ = client.conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
	return client.conn.WriteJSON(v)
}
