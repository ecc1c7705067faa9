package chat

import (
	"context"
	"strings"

	"PPChat/tools/errs"
)

// RoomAuthorizer 房间准入。会话成员关系由外部系统维护。
type RoomAuthorizer interface {
	CanJoin(ctx context.Context, actorID, room string) error
}

// Rooms 房间命名：thread:<id> / user:<id>
type Rooms struct {
	ThreadPrefix string
	UserPrefix   string
}

func (r *Rooms) norm() {
	if r.ThreadPrefix == "" {
		r.ThreadPrefix = "thread:"
	}
	if r.UserPrefix == "" {
		r.UserPrefix = "user:"
	}
}

func (r Rooms) Thread(threadID string) string { return r.ThreadPrefix + threadID }

func (r Rooms) User(actorID string) string { return r.UserPrefix + actorID }

// ThreadID 从房间名取会话 id；不是会话房间返回 false
func (r Rooms) ThreadID(room string) (string, bool) {
	id, ok := strings.CutPrefix(room, r.ThreadPrefix)
	return id, ok && id != ""
}

// CanJoin 默认策略：user 房间只允许本人，thread 房间放行，其余拒绝。
func (r Rooms) CanJoin(_ context.Context, actorID, room string) error {
	if id, ok := strings.CutPrefix(room, r.UserPrefix); ok {
		if id == "" || id != actorID {
			return errs.ErrForbidden.WrapMsg("not your user room", "room", room)
		}
		return nil
	}
	if _, ok := r.ThreadID(room); ok {
		return nil
	}
	return errs.ErrValidation.WrapMsg("unknown room scheme", "room", room)
}
