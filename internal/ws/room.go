package ws

import (
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/BMABHINAV/Legal-Platform/internal/metrics"
)

// Recipient 是投递端的弱引用。Deliver 必须立即返回,
// false 表示该消息被传输层丢弃(慢消费者或已断开)。
type Recipient interface {
	Deliver(b []byte) bool
}

type Participant struct {
	UserID   uint      `json:"user_id"`
	Name     string    `json:"name"`
	Typing   bool      `json:"typing"`
	LastBeat time.Time `json:"last_beat"`
}

type member struct {
	p    Participant
	sink Recipient
}

// Room 持有参与者集合、序列号计数与重放缓冲。所有可变状态只通过
// 带锁的方法修改:单房间内 join/leave/publish/replay 串行,
// 不同房间互不阻塞。
type Room struct {
	ID        string
	Kind      RoomKind
	CreatedAt time.Time

	mu         sync.Mutex
	members    map[uint]*member
	nextSeq    uint64
	ring       []Message
	retain     int
	limit      int // 0 表示不限人数
	emptySince time.Time
}

func newRoom(id string, kind RoomKind, retain, limit int, now time.Time) *Room {
	return &Room{
		ID:        id,
		Kind:      kind,
		CreatedAt: now,
		members:   make(map[uint]*member),
		nextSeq:   1,
		retain:    retain,
		limit:     limit,
	}
}

func (r *Room) join(p Participant, sink Recipient, now time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.limit > 0 && len(r.members) >= r.limit {
		if _, rejoin := r.members[p.UserID]; !rejoin {
			return ErrRoomCapacityExceeded
		}
	}
	p.LastBeat = now
	r.members[p.UserID] = &member{p: p, sink: sink}
	r.emptySince = time.Time{}
	// 入房公告是在线状态更新,不占用序列号,也不进重放缓冲
	r.fanoutLocked(presenceFrame(r.ID, SystemEvent{
		Event: "participant_joined", UserID: p.UserID, Username: p.Name, Online: len(r.members),
	}), 0)
	return nil
}

// leave 移除成员。sink 非 nil 时仅当成员当前的投递端仍是该 sink
// 才生效:同一用户重连后,旧连接的清理不会误伤新会话。
func (r *Room) leave(userID uint, sink Recipient, reason string, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.members[userID]
	if !ok {
		return false
	}
	if sink != nil && m.sink != sink {
		return false
	}
	return r.leaveLocked(userID, reason, now)
}

func (r *Room) leaveLocked(userID uint, reason string, now time.Time) bool {
	m, ok := r.members[userID]
	if !ok {
		return false
	}
	delete(r.members, userID)
	if len(r.members) == 0 {
		// 最后一人离开,启动房间过期计时
		r.emptySince = now
	}
	r.publishLocked(0, "", KindSystemEvent, mustJSON(SystemEvent{
		Event: "participant_left", UserID: userID, Username: m.p.Name, Reason: reason, Online: len(r.members),
	}), now)
	return true
}

// publish 校验消息种类、分配序列号并向除发送者外的成员扇出。
// senderID 为 0 表示服务端系统消息,跳过成员校验。
func (r *Room) publish(senderID uint, senderName string, kind MessageKind, payload []byte, now time.Time) (Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !allowedKinds[r.Kind][kind] {
		return Message{}, ErrInvalidMessageKind
	}
	if senderID != 0 {
		m, ok := r.members[senderID]
		if !ok {
			return Message{}, ErrNotMember
		}
		m.p.LastBeat = now
		if kind == KindTyping {
			var tp TypingPayload
			if err := json.Unmarshal(payload, &tp); err == nil {
				m.p.Typing = tp.IsTyping
			}
		}
	}
	return r.publishLocked(senderID, senderName, kind, payload, now), nil
}

func (r *Room) publishLocked(senderID uint, senderName string, kind MessageKind, payload []byte, now time.Time) Message {
	msg := Message{
		Seq:        r.nextSeq,
		RoomID:     r.ID,
		SenderID:   senderID,
		SenderName: senderName,
		Kind:       kind,
		Payload:    payload,
		TS:         now,
	}
	r.nextSeq++
	r.ring = append(r.ring, msg)
	if len(r.ring) > r.retain {
		r.ring = r.ring[len(r.ring)-r.retain:]
	}
	r.fanoutLocked(mustJSON(msg), senderID)
	metrics.MessagesRouted.WithLabelValues(string(kind)).Inc()
	return msg
}

func (r *Room) fanoutLocked(b []byte, exclude uint) {
	for id, m := range r.members {
		if id == exclude && exclude != 0 {
			continue
		}
		// 投递不阻塞:慢消费者丢帧,靠 replay 补齐
		m.sink.Deliver(b)
	}
}

// replay 返回序列号大于 since 的留存消息副本,顺序与发布一致。
func (r *Room) replay(since uint64) []Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Message, 0, len(r.ring))
	for _, m := range r.ring {
		if m.Seq > since {
			out = append(out, m)
		}
	}
	return out
}

func (r *Room) heartbeat(userID uint, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.members[userID]
	if !ok {
		return false
	}
	m.p.LastBeat = now
	return true
}

// sweep 强制移除心跳超时的参与者,并在房间内广播离开事件。
func (r *Room) sweep(now time.Time, timeout time.Duration) []Participant {
	r.mu.Lock()
	defer r.mu.Unlock()
	var departed []Participant
	for id, m := range r.members {
		if now.Sub(m.p.LastBeat) > timeout {
			departed = append(departed, m.p)
			r.leaveLocked(id, "timeout", now)
		}
	}
	return departed
}

// expired 报告房间是否已空置超过宽限期,可以销毁。
func (r *Room) expired(now time.Time, grace time.Duration) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.members) == 0 && !r.emptySince.IsZero() && now.Sub(r.emptySince) > grace
}

func (r *Room) participants() []Participant {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Participant, 0, len(r.members))
	for _, m := range r.members {
		out = append(out, m.p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

func (r *Room) online() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.members)
}
