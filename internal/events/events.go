// Package events 是房间事件的旁路通道。事件在请求完成后异步投递，
// 投递失败只记录日志，不影响请求结果。
package events

import (
	"context"
	"errors"
)

const (
	TypeRead     = "message_read"
	TypeReaction = "message_reaction"
)

const (
	ActionAdded   = "added"
	ActionRemoved = "removed"
)

type Event interface {
	Type() string
}

// ReadEvent 在消息被标记已读后发出，ReadBy 为更新后的完整已读集合。
type ReadEvent struct {
	MessageID string   `json:"messageId"`
	UserID    string   `json:"userId"`
	ReadBy    []string `json:"readBy"`
}

func (ReadEvent) Type() string { return TypeRead }

// ReactionEvent 在回应切换后发出，Reactions 为更新后的完整映射。
type ReactionEvent struct {
	MessageID string              `json:"messageId"`
	UserID    string              `json:"userId"`
	Emoji     string              `json:"emoji"`
	Action    string              `json:"action"`
	Reactions map[string][]string `json:"reactions"`
}

func (ReactionEvent) Type() string { return TypeReaction }

// Envelope 是事件在 websocket 和 Redis 上的线上格式。
type Envelope struct {
	Type   string `json:"type"`
	RoomID string `json:"room_id"`
	Data   Event  `json:"data"`
}

func Wrap(roomID string, ev Event) Envelope {
	return Envelope{Type: ev.Type(), RoomID: roomID, Data: ev}
}

type Publisher interface {
	Publish(ctx context.Context, roomID string, ev Event) error
}

// Multi 依次投递到所有 Publisher，汇总错误。
type Multi []Publisher

func (m Multi) Publish(ctx context.Context, roomID string, ev Event) error {
	var errs []error
	for _, p := range m {
		if err := p.Publish(ctx, roomID, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

type Nop struct{}

func (Nop) Publish(context.Context, string, Event) error { return nil }
