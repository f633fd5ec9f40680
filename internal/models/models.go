package models

import "time"

type RoomType string

const (
	RoomPublic  RoomType = "public"
	RoomPrivate RoomType = "private"
)

type Lifetime string

const (
	LifetimeDay       Lifetime = "day"
	LifetimeMonth     Lifetime = "month"
	LifetimeYear      Lifetime = "year"
	LifetimePermanent Lifetime = "permanent"
)

// ExpiresAt 根据创建时间计算过期时间，永久房间返回 nil。
func (l Lifetime) ExpiresAt(createdAt time.Time) (*time.Time, bool) {
	var t time.Time
	switch l {
	case LifetimeDay:
		t = createdAt.Add(24 * time.Hour)
	case LifetimeMonth:
		t = createdAt.AddDate(0, 1, 0)
	case LifetimeYear:
		t = createdAt.AddDate(1, 0, 0)
	case LifetimePermanent:
		return nil, true
	default:
		return nil, false
	}
	return &t, true
}

type Room struct {
	ID           string     `gorm:"primaryKey;size:36"`
	Type         RoomType   `gorm:"size:16;index;not null"`
	PasswordHash string     `gorm:"size:100"`
	Name         string     `gorm:"size:128"`
	Category     string     `gorm:"size:64;index"`
	Lifetime     Lifetime   `gorm:"size:16;not null"`
	CreatedBy    string     `gorm:"size:64;not null"`
	CreatedAt    time.Time  `gorm:"not null"`
	ExpiresAt    *time.Time `gorm:"index"`
}

// ActiveAt 判断房间在给定时刻是否仍然有效（未过期）。
func (r *Room) ActiveAt(now time.Time) bool {
	return r.ExpiresAt == nil || now.Before(*r.ExpiresAt)
}

type Membership struct {
	RoomID   string `gorm:"primaryKey;size:36"`
	UserID   string `gorm:"primaryKey;size:64"`
	JoinedAt time.Time
}

type Message struct {
	ID         string    `gorm:"primaryKey;size:26"`
	RoomID     string    `gorm:"index:idx_msg_room_id;size:36;not null"`
	Sender     string    `gorm:"size:64;not null"`
	Ciphertext string    `gorm:"type:text;not null"`
	CreatedAt  time.Time `gorm:"not null"`
}

type ReadReceipt struct {
	MessageID string `gorm:"primaryKey;size:26"`
	UserID    string `gorm:"primaryKey;size:64"`
	RoomID    string `gorm:"index;size:36;not null"`
	ReadAt    time.Time
}

type Reaction struct {
	MessageID string `gorm:"primaryKey;size:26"`
	Emoji     string `gorm:"primaryKey;size:32"`
	UserID    string `gorm:"primaryKey;size:64"`
	RoomID    string `gorm:"index;size:36;not null"`
	CreatedAt time.Time
}
