package ws

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/BMABHINAV/Legal-Platform/internal/auth"
	"github.com/BMABHINAV/Legal-Platform/internal/config"
	"github.com/BMABHINAV/Legal-Platform/internal/metrics"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// errCloseRequested 由 leave 帧触发,结束读循环。
var errCloseRequested = errors.New("client requested close")

// EmergencyHandler 处理 emergency.alert 帧。求助的持久化与广播
// 由 emergency 包负责,通过回调注入避免反向依赖。
type EmergencyHandler func(userID uint, name string, p EmergencyPayload) error

// Gateway 把 WebSocket 连接接入注册表与路由,
// 每种帧对应分发表中的一个处理函数。
type Gateway struct {
	reg         *Registry
	cfg         config.Config
	onEmergency EmergencyHandler
	handlers    map[string]func(c *Client, f Frame) error
}

func NewGateway(reg *Registry, cfg config.Config) *Gateway {
	g := &Gateway{reg: reg, cfg: cfg}
	g.handlers = map[string]func(c *Client, f Frame) error{
		string(KindChatMessage):     g.publishFrame(KindChatMessage),
		string(KindTyping):          g.publishFrame(KindTyping),
		string(KindReadReceipt):     g.publishFrame(KindReadReceipt),
		string(KindSignalOffer):     g.publishFrame(KindSignalOffer),
		string(KindSignalAnswer):    g.publishFrame(KindSignalAnswer),
		string(KindSignalCandidate): g.publishFrame(KindSignalCandidate),
		"replay":                    g.handleReplay,
		"emergency.alert":           g.handleEmergency,
		"leave":                     func(*Client, Frame) error { return errCloseRequested },
	}
	return g
}

// OnEmergency 注册紧急求助帧的处理回调。
func (g *Gateway) OnEmergency(fn EmergencyHandler) { g.onEmergency = fn }

type Client struct {
	gw     *Gateway
	conn   *websocket.Conn
	send   chan []byte
	roomID string
	userID uint
	name   string
}

// Deliver 实现 Recipient:非阻塞投递,慢消费者丢帧由 replay 兜底。
func (c *Client) Deliver(b []byte) bool {
	select {
	case c.send <- b:
		return true
	default:
		return false
	}
}

// Serve 处理 WebSocket 升级:鉴权、入房,然后进入帧循环。
func (g *Gateway) Serve() gin.HandlerFunc {
	return func(c *gin.Context) {
		roomID := c.Query("room_id")
		if roomID == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid room_id"})
			return
		}
		kind, ok := ParseRoomKind(c.DefaultQuery("kind", string(RoomChat)))
		if !ok {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid room kind"})
			return
		}

		token := auth.TokenFromRequest(c)
		if token == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "missing token"})
			return
		}
		claims, err := auth.ParseAccessToken(token, g.cfg.JWTSecret)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}

		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			return
		}
		client := &Client{
			gw:     g,
			conn:   conn,
			send:   make(chan []byte, 256),
			roomID: roomID,
			userID: claims.UserID,
			name:   claims.Name,
		}
		if _, err := g.reg.Join(roomID, kind, Participant{UserID: claims.UserID, Name: claims.Name}, client); err != nil {
			// 写泵尚未启动,拒绝原因直接写回连接
			_ = conn.WriteMessage(websocket.TextMessage, mustJSON(map[string]string{"type": "error", "error": err.Error()}))
			_ = conn.Close()
			return
		}
		metrics.WsConnections.Inc()

		go client.writePump(g.cfg.HeartbeatTimeout)
		client.readPump(g.cfg.HeartbeatTimeout)
	}
}

func (c *Client) readPump(heartbeat time.Duration) {
	defer func() {
		c.gw.reg.LeaveSession(c.roomID, c.userID, c)
		metrics.WsConnections.Dec()
		close(c.send)
		_ = c.conn.Close()
	}()
	c.conn.SetReadLimit(1 << 20) // 1MB
	_ = c.conn.SetReadDeadline(time.Now().Add(heartbeat))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(heartbeat))
		c.gw.reg.Heartbeat(c.userID)
		return nil
	})
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			break
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(heartbeat))
		c.gw.reg.Heartbeat(c.userID)

		var f Frame
		if err := json.Unmarshal(data, &f); err != nil {
			c.writeError(errors.New("malformed frame"))
			continue
		}
		if f.RoomID != "" && f.RoomID != c.roomID {
			c.writeError(ErrRoomNotFound)
			continue
		}
		handler, ok := c.gw.handlers[f.Type]
		if !ok {
			c.writeError(ErrInvalidMessageKind)
			continue
		}
		if err := handler(c, f); err != nil {
			if errors.Is(err, errCloseRequested) {
				return
			}
			// 校验类错误回给发送方,不自动重试
			c.writeError(err)
		}
	}
}

func (c *Client) writePump(heartbeat time.Duration) {
	ticker := time.NewTicker(heartbeat / 2)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()
	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			_, _ = w.Write(message)
			_ = w.Close()
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Client) writeError(err error) {
	b := mustJSON(map[string]string{"type": "error", "error": err.Error()})
	c.Deliver(b)
}

func (g *Gateway) publishFrame(kind MessageKind) func(c *Client, f Frame) error {
	return func(c *Client, f Frame) error {
		if err := ValidatePayload(kind, f.Payload); err != nil {
			return err
		}
		_, err := g.reg.Publish(c.roomID, c.userID, c.name, kind, f.Payload)
		return err
	}
}

// errReplayStalled 表示重放期间对端长时间不消费,放弃本次补齐。
var errReplayStalled = errors.New("replay stalled: slow consumer")

// deliverBlocking 带背压投递:写泵持续排空 send,这里等待空位
// 而不是丢帧。超时说明对端已经不再消费。
func (c *Client) deliverBlocking(b []byte, timeout time.Duration) bool {
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case c.send <- b:
		return true
	case <-t.C:
		return false
	}
}

// handleReplay 把留存消息按原顺序送回请求方连接。补齐流走阻塞投递:
// 实时扇出可以丢帧靠重放兜底,重放本身不能再丢。
func (g *Gateway) handleReplay(c *Client, f Frame) error {
	var req ReplayRequest
	if len(f.Payload) > 0 {
		if err := json.Unmarshal(f.Payload, &req); err != nil {
			return err
		}
	}
	msgs, err := g.reg.Replay(c.roomID, req.SinceSeq)
	if err != nil {
		return err
	}
	for _, m := range msgs {
		if !c.deliverBlocking(mustJSON(m), 10*time.Second) {
			return errReplayStalled
		}
	}
	return nil
}

func (g *Gateway) handleEmergency(c *Client, f Frame) error {
	if g.onEmergency == nil {
		return ErrInvalidMessageKind
	}
	var p EmergencyPayload
	if err := json.Unmarshal(f.Payload, &p); err != nil {
		return err
	}
	return g.onEmergency(c.userID, c.name, p)
}
