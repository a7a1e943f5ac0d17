package ws

import "errors"

// 实时层通用错误,handler 可根据错误类型映射到合适的响应。
var (
	ErrRoomNotFound         = errors.New("room not found")
	ErrRoomCapacityExceeded = errors.New("room capacity exceeded")
	ErrRoomKindMismatch     = errors.New("room exists with a different kind")
	ErrInvalidMessageKind   = errors.New("message kind not allowed for this room")
	ErrNotMember            = errors.New("sender is not in the room")
)
