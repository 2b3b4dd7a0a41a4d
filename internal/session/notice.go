package session

import (
	"context"
	"fmt"
)

type NoticeKind int

const (
	NoticeMarkReadFailed NoticeKind = iota + 1
	NoticeSendFailed
	NoticeCreateRoomFailed
	NoticeRoomUnavailable
	NoticeHistoryUnavailable
)

func (k NoticeKind) String() string {
	switch k {
	case NoticeMarkReadFailed:
		return "mark_read_failed"
	case NoticeSendFailed:
		return "send_failed"
	case NoticeCreateRoomFailed:
		return "create_room_failed"
	case NoticeRoomUnavailable:
		return "room_unavailable"
	case NoticeHistoryUnavailable:
		return "history_unavailable"
	default:
		return "unknown"
	}
}

// Notice is a transient, user-visible failure. The local state it concerns
// has already been restored when it is delivered.
type Notice struct {
	Kind           NoticeKind
	RoomID         string
	NotificationID string
	Err            error
	// Retry repeats the failed action.
	Retry func(ctx context.Context) error
}

func (n Notice) String() string {
	switch {
	case n.NotificationID != "":
		return fmt.Sprintf("%s notification=%s: %v", n.Kind, n.NotificationID, n.Err)
	case n.RoomID != "":
		return fmt.Sprintf("%s room=%s: %v", n.Kind, n.RoomID, n.Err)
	default:
		return fmt.Sprintf("%s: %v", n.Kind, n.Err)
	}
}
