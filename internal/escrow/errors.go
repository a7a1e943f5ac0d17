package escrow

import "errors"

// 状态机对外错误。ErrStaleTransition 只在内部重试路径出现,
// 对调用方表现为重读后的 ErrIllegalTransition 或静默 no-op。
var (
	ErrNotFound          = errors.New("escrow account not found")
	ErrAlreadyExists     = errors.New("escrow account already exists for booking")
	ErrIllegalTransition = errors.New("illegal escrow transition")
	ErrStaleTransition   = errors.New("stale escrow transition attempt")
	ErrForbidden         = errors.New("actor not allowed for this transition")
)
