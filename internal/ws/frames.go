package ws

import (
	"encoding/json"
	"time"
)

type RoomKind string

const (
	RoomChat      RoomKind = "chat"
	RoomSignaling RoomKind = "signaling"
	RoomEmergency RoomKind = "emergency"
)

func ParseRoomKind(s string) (RoomKind, bool) {
	switch RoomKind(s) {
	case RoomChat, RoomSignaling, RoomEmergency:
		return RoomKind(s), true
	}
	return "", false
}

type MessageKind string

const (
	KindChatMessage     MessageKind = "chat.message"
	KindTyping          MessageKind = "typing"
	KindReadReceipt     MessageKind = "read_receipt"
	KindSignalOffer     MessageKind = "signal.offer"
	KindSignalAnswer    MessageKind = "signal.answer"
	KindSignalCandidate MessageKind = "signal.candidate"
	KindSystemEvent     MessageKind = "system.event"
)

// 各房间类型允许的消息种类。信令载荷只能出现在信令房间,
// system.event 由服务端产生,各类房间都可能收到。
var allowedKinds = map[RoomKind]map[MessageKind]bool{
	RoomChat: {
		KindChatMessage: true, KindTyping: true, KindReadReceipt: true, KindSystemEvent: true,
	},
	RoomSignaling: {
		KindSignalOffer: true, KindSignalAnswer: true, KindSignalCandidate: true, KindSystemEvent: true,
	},
	RoomEmergency: {
		KindChatMessage: true, KindSystemEvent: true,
	},
}

// Message 是路由后的消息。Seq 由房间在发布时分配,单房间内严格递增且无空洞。
type Message struct {
	Seq        uint64          `json:"seq"`
	RoomID     string          `json:"room_id"`
	SenderID   uint            `json:"sender_id"`
	SenderName string          `json:"sender_name,omitempty"`
	Kind       MessageKind     `json:"kind"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	TS         time.Time       `json:"ts"`
}

// Frame 是连接上的原始帧,Payload 按 Type 做判别式解码。
type Frame struct {
	Type    string          `json:"type"`
	RoomID  string          `json:"room_id,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type ChatPayload struct {
	Text        string `json:"text"`
	ClientMsgID string `json:"client_msg_id,omitempty"`
}

type TypingPayload struct {
	IsTyping bool `json:"is_typing"`
}

type ReadReceiptPayload struct {
	UpToSeq uint64 `json:"up_to_seq"`
}

type SignalPayload struct {
	SDP       string          `json:"sdp,omitempty"`
	Candidate json.RawMessage `json:"candidate,omitempty"`
}

type EmergencyPayload struct {
	Latitude    float64 `json:"latitude"`
	Longitude   float64 `json:"longitude"`
	Description string  `json:"description,omitempty"`
}

type ReplayRequest struct {
	SinceSeq uint64 `json:"since_seq"`
}

type SystemEvent struct {
	Event    string `json:"event"`
	UserID   uint   `json:"user_id,omitempty"`
	Username string `json:"username,omitempty"`
	Reason   string `json:"reason,omitempty"`
	Online   int    `json:"online"`
	Detail   string `json:"detail,omitempty"`
}

// 进入路由前的载荷校验表,未知种类在这里被拒绝。
var payloadValidators = map[MessageKind]func(json.RawMessage) error{
	KindChatMessage: func(raw json.RawMessage) error {
		var p ChatPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return err
		}
		if p.Text == "" {
			return ErrInvalidMessageKind
		}
		return nil
	},
	KindTyping: func(raw json.RawMessage) error {
		var p TypingPayload
		return json.Unmarshal(raw, &p)
	},
	KindReadReceipt: func(raw json.RawMessage) error {
		var p ReadReceiptPayload
		return json.Unmarshal(raw, &p)
	},
	KindSignalOffer:  validateSignal(true),
	KindSignalAnswer: validateSignal(true),
	KindSignalCandidate: func(raw json.RawMessage) error {
		var p SignalPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return err
		}
		if len(p.Candidate) == 0 {
			return ErrInvalidMessageKind
		}
		return nil
	},
	KindSystemEvent: func(raw json.RawMessage) error {
		var p SystemEvent
		return json.Unmarshal(raw, &p)
	},
}

func validateSignal(needSDP bool) func(json.RawMessage) error {
	return func(raw json.RawMessage) error {
		var p SignalPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return err
		}
		if needSDP && p.SDP == "" {
			return ErrInvalidMessageKind
		}
		return nil
	}
}

// ValidatePayload 在边界上校验载荷形状;通过后载荷对路由层保持不透明。
func ValidatePayload(kind MessageKind, raw json.RawMessage) error {
	v, ok := payloadValidators[kind]
	if !ok {
		return ErrInvalidMessageKind
	}
	if len(raw) == 0 {
		raw = []byte("{}")
	}
	return v(raw)
}

// presenceFrame 构造不带序列号的在线状态帧,入房公告走这里。
func presenceFrame(roomID string, ev SystemEvent) []byte {
	return mustJSON(map[string]any{
		"type":    "presence",
		"room_id": roomID,
		"payload": ev,
	})
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage("{}")
	}
	return b
}
