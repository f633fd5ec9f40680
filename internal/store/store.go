// Package store 是房间、成员、消息、已读回执和表情回应的唯一持久化入口。
// 所有方法都接受 context，调用方通过 context 控制超时；数据库中只保存密文。
package store

import (
	"context"
	"errors"
	"time"

	"github.com/K9Crypt/website/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrNotFound 表示记录不存在，其余错误均为底层存储错误。
var ErrNotFound = errors.New("record not found")

type Store struct {
	db *gorm.DB
}

func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// RoomQuery 描述房间列表的服务端过滤条件。
type RoomQuery struct {
	Category string
	Type     models.RoomType
	ActiveAt time.Time
	Limit    int
}

func notFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return err
}

// CreateRoom 在同一事务中创建房间和创建者的成员关系。
func (s *Store) CreateRoom(ctx context.Context, room *models.Room, creator models.Membership) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(room).Error; err != nil {
			return err
		}
		return tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&creator).Error
	})
}

func (s *Store) GetRoom(ctx context.Context, id string) (*models.Room, error) {
	var room models.Room
	if err := s.db.WithContext(ctx).Where("id = ?", id).First(&room).Error; err != nil {
		return nil, notFound(err)
	}
	return &room, nil
}

// ListRooms 返回未过期的房间，按创建时间倒序。
func (s *Store) ListRooms(ctx context.Context, q RoomQuery) ([]models.Room, error) {
	tx := s.db.WithContext(ctx).
		Where("expires_at IS NULL OR expires_at > ?", q.ActiveAt)
	if q.Category != "" {
		tx = tx.Where("category = ?", q.Category)
	}
	if q.Type != "" {
		tx = tx.Where("type = ?", q.Type)
	}
	var rooms []models.Room
	if err := tx.Order("created_at desc").Order("id desc").Limit(q.Limit).Find(&rooms).Error; err != nil {
		return nil, err
	}
	return rooms, nil
}

// ExpiredRoomIDs 返回在 now 时刻已经过期、但尚未物理删除的房间。
func (s *Store) ExpiredRoomIDs(ctx context.Context, now time.Time) ([]string, error) {
	var ids []string
	err := s.db.WithContext(ctx).Model(&models.Room{}).
		Where("expires_at IS NOT NULL AND expires_at <= ?", now).
		Pluck("id", &ids).Error
	return ids, err
}

// DeleteRoom 级联删除房间的消息、回执、回应和成员关系。
func (s *Store) DeleteRoom(ctx context.Context, id string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("room_id = ?", id).Delete(&models.Reaction{}).Error; err != nil {
			return err
		}
		if err := tx.Where("room_id = ?", id).Delete(&models.ReadReceipt{}).Error; err != nil {
			return err
		}
		if err := tx.Where("room_id = ?", id).Delete(&models.Message{}).Error; err != nil {
			return err
		}
		if err := tx.Where("room_id = ?", id).Delete(&models.Membership{}).Error; err != nil {
			return err
		}
		return tx.Where("id = ?", id).Delete(&models.Room{}).Error
	})
}

func (s *Store) AddMember(ctx context.Context, m models.Membership) error {
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&m).Error
}

// RemoveMember 删除成员关系，返回是否真的删除了记录。
func (s *Store) RemoveMember(ctx context.Context, roomID, userID string) (bool, error) {
	res := s.db.WithContext(ctx).
		Where("room_id = ? AND user_id = ?", roomID, userID).
		Delete(&models.Membership{})
	return res.RowsAffected > 0, res.Error
}

func (s *Store) IsMember(ctx context.Context, roomID, userID string) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&models.Membership{}).
		Where("room_id = ? AND user_id = ?", roomID, userID).
		Count(&count).Error
	return count > 0, err
}

func (s *Store) Members(ctx context.Context, roomID string) ([]string, error) {
	var ids []string
	err := s.db.WithContext(ctx).Model(&models.Membership{}).
		Where("room_id = ?", roomID).
		Order("joined_at asc").Order("user_id asc").
		Pluck("user_id", &ids).Error
	return ids, err
}

// MemberCounts 批量统计房间成员数。
func (s *Store) MemberCounts(ctx context.Context, roomIDs []string) (map[string]int, error) {
	out := make(map[string]int, len(roomIDs))
	if len(roomIDs) == 0 {
		return out, nil
	}
	var rows []struct {
		RoomID string
		N      int
	}
	err := s.db.WithContext(ctx).Model(&models.Membership{}).
		Select("room_id, count(*) as n").
		Where("room_id IN ?", roomIDs).
		Group("room_id").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	for _, r := range rows {
		out[r.RoomID] = r.N
	}
	return out, nil
}

func (s *Store) AppendMessage(ctx context.Context, msg *models.Message) error {
	return s.db.WithContext(ctx).Create(msg).Error
}

// GetMessage 只在消息属于指定房间时返回。
func (s *Store) GetMessage(ctx context.Context, roomID, messageID string) (*models.Message, error) {
	var msg models.Message
	err := s.db.WithContext(ctx).
		Where("id = ? AND room_id = ?", messageID, roomID).
		First(&msg).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &msg, nil
}

// ListMessages 按到达顺序（ULID 升序）返回房间的完整密文日志。
func (s *Store) ListMessages(ctx context.Context, roomID string) ([]models.Message, error) {
	var msgs []models.Message
	err := s.db.WithContext(ctx).
		Where("room_id = ?", roomID).
		Order("id asc").
		Find(&msgs).Error
	return msgs, err
}

// AddReadReceipt 幂等写入已读回执，重复写入不报错。
func (s *Store) AddReadReceipt(ctx context.Context, r models.ReadReceipt) error {
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&r).Error
}

func (s *Store) ReadBy(ctx context.Context, messageID string) ([]string, error) {
	m, err := s.ReadByMany(ctx, []string{messageID})
	if err != nil {
		return nil, err
	}
	return m[messageID], nil
}

func (s *Store) ReadByMany(ctx context.Context, messageIDs []string) (map[string][]string, error) {
	out := make(map[string][]string, len(messageIDs))
	if len(messageIDs) == 0 {
		return out, nil
	}
	var rows []models.ReadReceipt
	err := s.db.WithContext(ctx).
		Where("message_id IN ?", messageIDs).
		Order("read_at asc").Order("user_id asc").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	for _, r := range rows {
		out[r.MessageID] = append(out[r.MessageID], r.UserID)
	}
	return out, nil
}

// ToggleReaction 已存在则删除，不存在则添加，返回操作后是否处于添加状态。
func (s *Store) ToggleReaction(ctx context.Context, r models.Reaction) (bool, error) {
	added := false
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Where("message_id = ? AND emoji = ? AND user_id = ?", r.MessageID, r.Emoji, r.UserID).
			Delete(&models.Reaction{})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected > 0 {
			return nil
		}
		added = true
		return tx.Create(&r).Error
	})
	return added, err
}

func (s *Store) Reactions(ctx context.Context, messageID string) (map[string][]string, error) {
	m, err := s.ReactionsMany(ctx, []string{messageID})
	if err != nil {
		return nil, err
	}
	if r, ok := m[messageID]; ok {
		return r, nil
	}
	return map[string][]string{}, nil
}

func (s *Store) ReactionsMany(ctx context.Context, messageIDs []string) (map[string]map[string][]string, error) {
	out := make(map[string]map[string][]string, len(messageIDs))
	if len(messageIDs) == 0 {
		return out, nil
	}
	var rows []models.Reaction
	err := s.db.WithContext(ctx).
		Where("message_id IN ?", messageIDs).
		Order("created_at asc").Order("user_id asc").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	for _, r := range rows {
		byEmoji, ok := out[r.MessageID]
		if !ok {
			byEmoji = make(map[string][]string)
			out[r.MessageID] = byEmoji
		}
		byEmoji[r.Emoji] = append(byEmoji[r.Emoji], r.UserID)
	}
	return out, nil
}
