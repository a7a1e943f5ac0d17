package ws

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/BMABHINAV/Legal-Platform/internal/config"
	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog/log"
)

// Registry 是进程级的会话注册表:管理房间生命周期、成员归属与在线状态。
// 房间在首次 join 时懒创建;最后一人离开并超过宽限期后由清扫器销毁。
type Registry struct {
	mu     sync.RWMutex
	rooms  map[string]*Room
	byUser map[uint]string

	clk              clock.Clock
	retain           int
	signalingLimit   int
	heartbeatTimeout time.Duration
	sweepEvery       time.Duration
	grace            time.Duration

	stop chan struct{}
	done chan struct{}
}

func NewRegistry(clk clock.Clock, cfg config.Config) *Registry {
	return &Registry{
		rooms:            make(map[string]*Room),
		byUser:           make(map[uint]string),
		clk:              clk,
		retain:           cfg.ReplayRetention,
		signalingLimit:   cfg.SignalingRoomLimit,
		heartbeatTimeout: cfg.HeartbeatTimeout,
		sweepEvery:       cfg.PresenceSweepEvery,
		grace:            cfg.RoomGracePeriod,
		stop:             make(chan struct{}),
		done:             make(chan struct{}),
	}
}

// EnsureRoom 返回指定房间,不存在则按给定类型懒创建。
// 已存在但类型不同时拒绝,避免信令载荷混入聊天房。
func (g *Registry) EnsureRoom(roomID string, kind RoomKind) (*Room, error) {
	g.mu.RLock()
	room := g.rooms[roomID]
	g.mu.RUnlock()
	if room != nil {
		if room.Kind != kind {
			return nil, ErrRoomKindMismatch
		}
		return room, nil
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	room = g.rooms[roomID]
	if room != nil {
		if room.Kind != kind {
			return nil, ErrRoomKindMismatch
		}
		return room, nil
	}
	limit := 0
	if kind == RoomSignaling {
		limit = g.signalingLimit
	}
	room = newRoom(roomID, kind, g.retain, limit, g.clk.Now())
	g.rooms[roomID] = room
	return room, nil
}

// Join 把参与者加入房间。参与者同一时刻只属于一个房间,
// 再次加入别的房间会先退出原房间。
func (g *Registry) Join(roomID string, kind RoomKind, p Participant, sink Recipient) (*Room, error) {
	room, err := g.EnsureRoom(roomID, kind)
	if err != nil {
		return nil, err
	}
	now := g.clk.Now()

	g.mu.Lock()
	prevID, hadPrev := g.byUser[p.UserID]
	g.mu.Unlock()
	if hadPrev && prevID != roomID {
		g.Leave(prevID, p.UserID)
	}

	if err := room.join(p, sink, now); err != nil {
		return nil, err
	}
	g.mu.Lock()
	g.byUser[p.UserID] = roomID
	g.mu.Unlock()
	return room, nil
}

// Leave 无条件移除成员,主动退房与换房时使用。
func (g *Registry) Leave(roomID string, userID uint) {
	g.leave(roomID, userID, nil)
}

// LeaveSession 仅当成员当前的投递端仍是 sink 时移除。
// 连接断开走这里:重连后旧连接的延迟清理对新会话是 no-op。
func (g *Registry) LeaveSession(roomID string, userID uint, sink Recipient) {
	g.leave(roomID, userID, sink)
}

func (g *Registry) leave(roomID string, userID uint, sink Recipient) {
	g.mu.RLock()
	room := g.rooms[roomID]
	g.mu.RUnlock()
	if room == nil {
		return
	}
	if room.leave(userID, sink, "leave", g.clk.Now()) {
		g.mu.Lock()
		if g.byUser[userID] == roomID {
			delete(g.byUser, userID)
		}
		g.mu.Unlock()
	}
}

// Heartbeat 刷新参与者的心跳时间,由传输层在收到 pong 或任意入站帧时调用。
func (g *Registry) Heartbeat(userID uint) {
	g.mu.RLock()
	roomID, ok := g.byUser[userID]
	room := g.rooms[roomID]
	g.mu.RUnlock()
	if !ok || room == nil {
		return
	}
	room.heartbeat(userID, g.clk.Now())
}

func (g *Registry) Participants(roomID string) ([]Participant, error) {
	g.mu.RLock()
	room := g.rooms[roomID]
	g.mu.RUnlock()
	if room == nil {
		return nil, ErrRoomNotFound
	}
	return room.participants(), nil
}

func (g *Registry) Online(roomID string) int {
	g.mu.RLock()
	room := g.rooms[roomID]
	g.mu.RUnlock()
	if room == nil {
		return 0
	}
	return room.online()
}

// Publish 路由一条消息:按房间校验种类、分配序列号并扇出。
func (g *Registry) Publish(roomID string, senderID uint, senderName string, kind MessageKind, payload json.RawMessage) (Message, error) {
	g.mu.RLock()
	room := g.rooms[roomID]
	g.mu.RUnlock()
	if room == nil {
		return Message{}, ErrRoomNotFound
	}
	return room.publish(senderID, senderName, kind, payload, g.clk.Now())
}

// Replay 返回序列号大于 sinceSeq 的留存消息,供断线重连补齐。
func (g *Registry) Replay(roomID string, sinceSeq uint64) ([]Message, error) {
	g.mu.RLock()
	room := g.rooms[roomID]
	g.mu.RUnlock()
	if room == nil {
		return nil, ErrRoomNotFound
	}
	return room.replay(sinceSeq), nil
}

// Start 启动在线状态清扫器。
func (g *Registry) Start() {
	go g.sweepLoop()
}

// Stop 停止清扫器并等待退出,用于优雅停服。
func (g *Registry) Stop() {
	close(g.stop)
	<-g.done
}

func (g *Registry) sweepLoop() {
	defer close(g.done)
	ticker := g.clk.Ticker(g.sweepEvery)
	defer ticker.Stop()
	for {
		select {
		case <-g.stop:
			return
		case <-ticker.C:
			g.SweepOnce()
		}
	}
}

// SweepOnce 执行一轮在线状态检查:心跳超时的参与者被强制移除,
// 空置超过宽限期的房间被销毁。独立导出便于确定性测试。
func (g *Registry) SweepOnce() {
	now := g.clk.Now()

	g.mu.RLock()
	rooms := make([]*Room, 0, len(g.rooms))
	for _, r := range g.rooms {
		rooms = append(rooms, r)
	}
	g.mu.RUnlock()

	for _, room := range rooms {
		departed := room.sweep(now, g.heartbeatTimeout)
		if len(departed) == 0 {
			continue
		}
		g.mu.Lock()
		for _, p := range departed {
			if g.byUser[p.UserID] == room.ID {
				delete(g.byUser, p.UserID)
			}
		}
		g.mu.Unlock()
		for _, p := range departed {
			log.Info().Str("room", room.ID).Uint("user_id", p.UserID).Msg("presence timeout, force leave")
		}
	}

	g.mu.Lock()
	for id, room := range g.rooms {
		if room.expired(now, g.grace) {
			delete(g.rooms, id)
			log.Info().Str("room", id).Msg("room expired, destroyed")
		}
	}
	g.mu.Unlock()
}
