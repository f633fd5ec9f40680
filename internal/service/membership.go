package service

import (
	"context"
	"time"

	"github.com/K9Crypt/website/internal/models"
	"github.com/K9Crypt/website/internal/store"
)

// MembershipTracker 维护房间成员集合，并持有所有服务共享的按房间/按消息锁。
type MembershipTracker struct {
	store *store.Store
	locks *lockSet
	now   func() time.Time
}

func NewMembershipTracker(st *store.Store) *MembershipTracker {
	return &MembershipTracker{store: st, locks: newLockSet(), now: time.Now}
}

func (t *MembershipTracker) IsMember(ctx context.Context, roomID, userID string) (bool, error) {
	ok, err := t.store.IsMember(ctx, roomID, userID)
	if err != nil {
		return false, storageErr("is_member", err)
	}
	return ok, nil
}

// Add 把用户加入房间，已是成员时不做任何事。
func (t *MembershipTracker) Add(ctx context.Context, roomID, userID string) error {
	defer t.locks.Lock(roomKey(roomID))()
	return t.add(ctx, roomID, userID)
}

// Remove 移除成员关系，返回是否确实移除了。
func (t *MembershipTracker) Remove(ctx context.Context, roomID, userID string) (bool, error) {
	defer t.locks.Lock(roomKey(roomID))()
	return t.remove(ctx, roomID, userID)
}

func (t *MembershipTracker) Members(ctx context.Context, roomID string) ([]string, error) {
	ids, err := t.store.Members(ctx, roomID)
	if err != nil {
		return nil, storageErr("members", err)
	}
	if ids == nil {
		ids = []string{}
	}
	return ids, nil
}

// add/remove 供已持有房间锁的调用方使用。
func (t *MembershipTracker) add(ctx context.Context, roomID, userID string) error {
	err := t.store.AddMember(ctx, models.Membership{RoomID: roomID, UserID: userID, JoinedAt: t.now().UTC()})
	return storageErr("add_member", err)
}

func (t *MembershipTracker) remove(ctx context.Context, roomID, userID string) (bool, error) {
	removed, err := t.store.RemoveMember(ctx, roomID, userID)
	if err != nil {
		return false, storageErr("remove_member", err)
	}
	return removed, nil
}
