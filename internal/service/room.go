package service

import (
	"context"
	"errors"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/K9Crypt/website/internal/auth"
	"github.com/K9Crypt/website/internal/config"
	"github.com/K9Crypt/website/internal/metrics"
	"github.com/K9Crypt/website/internal/models"
	"github.com/K9Crypt/website/internal/store"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

const (
	maxRoomNameLen = 128
	maxCategoryLen = 64
)

// Subscribers 是房间事件的订阅注册表（websocket hub）。成员离开或房间被删除后，
// 对应的订阅必须立即收回。
type Subscribers interface {
	Kick(roomID, userID string)
	Close(roomID string)
}

type noSubscribers struct{}

func (noSubscribers) Kick(string, string) {}
func (noSubscribers) Close(string)        {}

// RoomService 封装房间生命周期与访问控制。
type RoomService struct {
	store   *store.Store
	tracker *MembershipTracker
	subs    Subscribers
	cfg     config.Config
}

func NewRoomService(st *store.Store, tracker *MembershipTracker, subs Subscribers, cfg config.Config) *RoomService {
	if subs == nil {
		subs = noSubscribers{}
	}
	return &RoomService{store: st, tracker: tracker, subs: subs, cfg: cfg}
}

type CreateRoomInput struct {
	UserID   string
	Type     string
	Password string
	Name     string
	Lifetime string
	Category string
}

type CreatedRoom struct {
	RoomID    string          `json:"room_id"`
	Type      models.RoomType `json:"type"`
	ExpiresAt *time.Time      `json:"expires_at"`
	Category  string          `json:"category"`
}

// RoomCheck 是 Check 的结果，不暴露密码哈希。
type RoomCheck struct {
	Type        models.RoomType `json:"type"`
	MemberCount int             `json:"member_count"`
	Members     []string        `json:"members"`
}

type RoomFilter struct {
	Category string
	Type     string
	Limit    int
}

// RoomSummary 是房间列表中的条目，Online 由网关根据 websocket 订阅数填充。
type RoomSummary struct {
	ID          string          `json:"id"`
	Type        models.RoomType `json:"type"`
	Name        string          `json:"name"`
	Category    string          `json:"category"`
	Lifetime    models.Lifetime `json:"lifetime"`
	CreatedAt   time.Time       `json:"created_at"`
	ExpiresAt   *time.Time      `json:"expires_at"`
	MemberCount int             `json:"member_count"`
	Online      int             `json:"online"`
}

func withTimeout(ctx context.Context, cfg config.Config) (context.Context, context.CancelFunc) {
	d := cfg.RequestTimeout
	if d <= 0 {
		d = 5 * time.Second
	}
	return context.WithTimeout(ctx, d)
}

func parseRoomType(s string) (models.RoomType, bool) {
	switch models.RoomType(s) {
	case "", models.RoomPublic:
		return models.RoomPublic, true
	case models.RoomPrivate:
		return models.RoomPrivate, true
	}
	return "", false
}

// loadActiveRoom 读取房间，已过期的房间视为不存在。
func loadActiveRoom(ctx context.Context, st *store.Store, roomID string, now time.Time) (*models.Room, error) {
	room, err := st.GetRoom(ctx, roomID)
	if err != nil {
		return nil, storageErr("get_room", err)
	}
	if !room.ActiveAt(now) {
		return nil, ErrNotFound
	}
	return room, nil
}

// Create 创建房间，并在同一事务中让创建者成为成员。
func (s *RoomService) Create(ctx context.Context, in CreateRoomInput) (*CreatedRoom, error) {
	ctx, cancel := withTimeout(ctx, s.cfg)
	defer cancel()

	if strings.TrimSpace(in.UserID) == "" {
		return nil, invalid("user id is required")
	}
	if len(in.UserID) > MaxUserIDLen {
		return nil, invalid("user id longer than %d bytes", MaxUserIDLen)
	}
	typ, ok := parseRoomType(in.Type)
	if !ok {
		return nil, invalid("unknown room type %q", in.Type)
	}
	lifetime := models.Lifetime(in.Lifetime)
	if lifetime == "" {
		lifetime = models.LifetimeDay
	}
	if utf8.RuneCountInString(in.Name) > maxRoomNameLen {
		return nil, invalid("name longer than %d characters", maxRoomNameLen)
	}
	if utf8.RuneCountInString(in.Category) > maxCategoryLen {
		return nil, invalid("category longer than %d characters", maxCategoryLen)
	}

	var hash string
	if typ == models.RoomPrivate {
		if in.Password == "" {
			return nil, invalid("private room requires a password")
		}
		h, err := auth.HashPassword(in.Password)
		if err != nil {
			return nil, invalid("password not usable: %v", err)
		}
		hash = h
	}

	now := s.tracker.now().UTC()
	expiresAt, ok := lifetime.ExpiresAt(now)
	if !ok {
		return nil, invalid("unknown lifetime %q", in.Lifetime)
	}
	id, err := uuid.NewV7()
	if err != nil {
		return nil, &StorageError{Op: "room_id", Err: err}
	}

	room := models.Room{
		ID:           id.String(),
		Type:         typ,
		PasswordHash: hash,
		Name:         in.Name,
		Category:     in.Category,
		Lifetime:     lifetime,
		CreatedBy:    in.UserID,
		CreatedAt:    now,
		ExpiresAt:    expiresAt,
	}
	creator := models.Membership{RoomID: room.ID, UserID: in.UserID, JoinedAt: now}
	if err := s.store.CreateRoom(ctx, &room, creator); err != nil {
		return nil, storageErr("create_room", err)
	}
	log.Info().Str("room_id", room.ID).Str("type", string(typ)).Str("lifetime", string(lifetime)).Msg("room created")
	return &CreatedRoom{RoomID: room.ID, Type: typ, ExpiresAt: expiresAt, Category: room.Category}, nil
}

// Join 校验密码并加入房间。提供了密码但房间不存在时返回 ErrUnauthorized，
// 并执行一次等价的 bcrypt 比较，不泄露房间是否存在。
func (s *RoomService) Join(ctx context.Context, roomID, userID, password string) (string, error) {
	ctx, cancel := withTimeout(ctx, s.cfg)
	defer cancel()

	if err := requireIDs(roomID, userID); err != nil {
		return "", err
	}
	room, err := loadActiveRoom(ctx, s.store, roomID, s.tracker.now())
	if err != nil {
		if errors.Is(err, ErrNotFound) && password != "" {
			auth.DummyVerify(password)
			return "", ErrUnauthorized
		}
		return "", err
	}
	if room.Type == models.RoomPrivate {
		// 已是成员时不再校验密码。
		member, err := s.tracker.IsMember(ctx, roomID, userID)
		if err != nil {
			return "", err
		}
		if member {
			return "joined room", nil
		}
		if !auth.VerifyPassword(room.PasswordHash, password) {
			return "", ErrUnauthorized
		}
	}

	defer s.tracker.locks.Lock(roomKey(roomID))()
	// 校验密码期间房间可能已过期或被回收。
	if _, err := loadActiveRoom(ctx, s.store, roomID, s.tracker.now()); err != nil {
		return "", err
	}
	if err := s.tracker.add(ctx, roomID, userID); err != nil {
		return "", err
	}
	return "joined room", nil
}

// Check 返回房间类型和成员。任何失败都返回 {public, 0, []}，
// 调用方无法据此区分房间不存在、已过期或存储故障。
func (s *RoomService) Check(ctx context.Context, roomID string) RoomCheck {
	ctx, cancel := withTimeout(ctx, s.cfg)
	defer cancel()

	neutral := RoomCheck{Type: models.RoomPublic, Members: []string{}}
	room, err := loadActiveRoom(ctx, s.store, roomID, s.tracker.now())
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			log.Warn().Err(err).Str("room_id", roomID).Msg("check room degraded")
		}
		return neutral
	}
	members, err := s.tracker.Members(ctx, roomID)
	if err != nil {
		log.Warn().Err(err).Str("room_id", roomID).Msg("check room degraded")
		return neutral
	}
	return RoomCheck{Type: room.Type, MemberCount: len(members), Members: members}
}

// Leave 离开房间，非成员或房间不存在时同样返回成功。
// 该用户在房间上的 websocket 订阅随之关闭。
func (s *RoomService) Leave(ctx context.Context, roomID, userID string) (string, error) {
	ctx, cancel := withTimeout(ctx, s.cfg)
	defer cancel()

	if err := requireIDs(roomID, userID); err != nil {
		return "", err
	}
	defer s.tracker.locks.Lock(roomKey(roomID))()
	if _, err := s.tracker.remove(ctx, roomID, userID); err != nil {
		return "", err
	}
	s.subs.Kick(roomID, userID)
	return "left room", nil
}

// List 返回未过期的房间，支持按分类和类型过滤。
func (s *RoomService) List(ctx context.Context, f RoomFilter) ([]RoomSummary, error) {
	ctx, cancel := withTimeout(ctx, s.cfg)
	defer cancel()

	q := store.RoomQuery{Category: f.Category, Limit: f.Limit}
	if f.Type != "" {
		typ, ok := parseRoomType(f.Type)
		if !ok {
			return nil, invalid("unknown room type %q", f.Type)
		}
		q.Type = typ
	}
	maxLimit := s.cfg.ListLimit
	if maxLimit <= 0 {
		maxLimit = 100
	}
	if q.Limit <= 0 || q.Limit > maxLimit {
		q.Limit = maxLimit
	}
	now := s.tracker.now().UTC()
	q.ActiveAt = now

	rooms, err := s.store.ListRooms(ctx, q)
	if err != nil {
		return nil, storageErr("list_rooms", err)
	}
	ids := make([]string, 0, len(rooms))
	for _, r := range rooms {
		ids = append(ids, r.ID)
	}
	counts, err := s.store.MemberCounts(ctx, ids)
	if err != nil {
		return nil, storageErr("member_counts", err)
	}

	out := make([]RoomSummary, 0, len(rooms))
	for i := range rooms {
		r := &rooms[i]
		if !r.ActiveAt(now) {
			continue
		}
		out = append(out, RoomSummary{
			ID:          r.ID,
			Type:        r.Type,
			Name:        r.Name,
			Category:    r.Category,
			Lifetime:    r.Lifetime,
			CreatedAt:   r.CreatedAt,
			ExpiresAt:   r.ExpiresAt,
			MemberCount: counts[r.ID],
		})
	}
	return out, nil
}

// CheckPassword 只校验密码，不创建成员关系。任何失败都返回 false。
func (s *RoomService) CheckPassword(ctx context.Context, roomID, password string) bool {
	ctx, cancel := withTimeout(ctx, s.cfg)
	defer cancel()

	room, err := loadActiveRoom(ctx, s.store, roomID, s.tracker.now())
	if err != nil || room.Type != models.RoomPrivate {
		return auth.DummyVerify(password)
	}
	return auth.VerifyPassword(room.PasswordHash, password)
}

// Delete 立即删除房间及其全部消息、回执、回应和成员关系。
func (s *RoomService) Delete(ctx context.Context, roomID string) error {
	ctx, cancel := withTimeout(ctx, s.cfg)
	defer cancel()

	defer s.tracker.locks.Lock(roomKey(roomID))()
	if _, err := s.store.GetRoom(ctx, roomID); err != nil {
		return storageErr("get_room", err)
	}
	if err := s.store.DeleteRoom(ctx, roomID); err != nil {
		return storageErr("delete_room", err)
	}
	s.subs.Close(roomID)
	return nil
}

// ReapExpired 物理删除所有已过期的房间，返回删除数量。
// 单个房间删除失败不会中断其余房间。
func (s *RoomService) ReapExpired(ctx context.Context) (int, error) {
	ids, err := s.store.ExpiredRoomIDs(ctx, s.tracker.now().UTC())
	if err != nil {
		return 0, storageErr("expired_rooms", err)
	}
	var (
		n    int
		errs []error
	)
	for _, id := range ids {
		if err := s.reapOne(ctx, id); err != nil {
			log.Error().Err(err).Str("room_id", id).Msg("reap room failed")
			errs = append(errs, err)
			continue
		}
		n++
	}
	metrics.RoomsReaped.Add(float64(n))
	return n, errors.Join(errs...)
}

func (s *RoomService) reapOne(ctx context.Context, roomID string) error {
	ctx, cancel := withTimeout(ctx, s.cfg)
	defer cancel()
	defer s.tracker.locks.Lock(roomKey(roomID))()
	if err := s.store.DeleteRoom(ctx, roomID); err != nil {
		return storageErr("delete_room", err)
	}
	s.subs.Close(roomID)
	return nil
}
