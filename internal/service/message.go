package service

import (
	"context"
	"crypto/rand"
	"sync"
	"time"

	"github.com/K9Crypt/website/internal/config"
	"github.com/K9Crypt/website/internal/crypto"
	"github.com/K9Crypt/website/internal/events"
	"github.com/K9Crypt/website/internal/metrics"
	"github.com/K9Crypt/website/internal/models"
	"github.com/K9Crypt/website/internal/store"
	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

const (
	// DecryptBatchSize 是一次解密调用处理的最大消息数。
	DecryptBatchSize = 10
	MaxMessageBytes  = 16 << 10
	maxEmojiBytes    = 32
	eventTimeout     = 2 * time.Second
)

// MessageService 负责消息的加密写入、分批解密读取、已读和表情回应。
type MessageService struct {
	store   *store.Store
	box     *crypto.Boundary
	tracker *MembershipTracker
	pub     events.Publisher
	cfg     config.Config
	ids     *idGenerator
}

func NewMessageService(st *store.Store, box *crypto.Boundary, tracker *MembershipTracker, pub events.Publisher, cfg config.Config) *MessageService {
	if pub == nil {
		pub = events.Nop{}
	}
	return &MessageService{
		store:   st,
		box:     box,
		tracker: tracker,
		pub:     pub,
		cfg:     cfg,
		ids:     newIDGenerator(),
	}
}

// SentMessage 是发送者看到的消息，Message 为明文回显，库中只有密文。
type SentMessage struct {
	ID        string    `json:"id"`
	RoomID    string    `json:"room_id"`
	Sender    string    `json:"sender"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"created_at"`
}

type DecryptedMessage struct {
	ID        string              `json:"id"`
	Sender    string              `json:"sender"`
	Message   string              `json:"message"`
	CreatedAt time.Time           `json:"created_at"`
	ReadBy    []string            `json:"read_by"`
	Reactions map[string][]string `json:"reactions"`
}

// idGenerator 生成单调递增的 ULID。时钟回拨时沿用上一次的时间戳。
type idGenerator struct {
	mu      sync.Mutex
	last    uint64
	entropy *ulid.MonotonicEntropy
}

func newIDGenerator() *idGenerator {
	return &idGenerator{entropy: ulid.Monotonic(rand.Reader, 0)}
}

func (g *idGenerator) next(t time.Time) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	ms := ulid.Timestamp(t)
	if ms < g.last {
		ms = g.last
	}
	id, err := ulid.New(ms, g.entropy)
	if err != nil {
		return "", err
	}
	g.last = ms
	return id.String(), nil
}

// authorize 私有房间（或开启 STRICT_MEMBERSHIP 时的所有房间）要求调用者是成员。
func (s *MessageService) authorize(ctx context.Context, room *models.Room, userID string) error {
	if room.Type != models.RoomPrivate && !s.cfg.StrictMembership {
		return nil
	}
	ok, err := s.tracker.IsMember(ctx, room.ID, userID)
	if err != nil {
		return err
	}
	if !ok {
		return ErrUnauthorized
	}
	return nil
}

func (s *MessageService) activeRoom(ctx context.Context, roomID, userID string) (*models.Room, error) {
	room, err := loadActiveRoom(ctx, s.store, roomID, s.tracker.now())
	if err != nil {
		return nil, err
	}
	if err := s.authorize(ctx, room, userID); err != nil {
		return nil, err
	}
	return room, nil
}

// Send 加密并追加消息。加密失败时不写入任何内容。
func (s *MessageService) Send(ctx context.Context, roomID, userID, plaintext string) (*SentMessage, error) {
	ctx, cancel := withTimeout(ctx, s.cfg)
	defer cancel()

	if err := requireIDs(roomID, userID); err != nil {
		return nil, err
	}
	if plaintext == "" {
		return nil, invalid("message is empty")
	}
	if len(plaintext) > MaxMessageBytes {
		return nil, invalid("message longer than %d bytes", MaxMessageBytes)
	}
	if _, err := s.activeRoom(ctx, roomID, userID); err != nil {
		return nil, err
	}

	ciphertext, err := s.box.Encrypt(ctx, plaintext)
	if err != nil {
		log.Error().Err(err).Str("room_id", roomID).Msg("encrypt message failed")
		return nil, err
	}

	defer s.tracker.locks.Lock(roomKey(roomID))()
	room, err := s.activeRoom(ctx, roomID, userID)
	if err != nil {
		return nil, err
	}
	now := s.tracker.now().UTC()
	id, err := s.ids.next(now)
	if err != nil {
		return nil, &StorageError{Op: "message_id", Err: err}
	}
	msg := models.Message{ID: id, RoomID: roomID, Sender: userID, Ciphertext: ciphertext, CreatedAt: now}
	if err := s.store.AppendMessage(ctx, &msg); err != nil {
		return nil, storageErr("append_message", err)
	}
	metrics.MessagesSent.WithLabelValues(string(room.Type)).Inc()
	return &SentMessage{ID: id, RoomID: roomID, Sender: userID, Message: plaintext, CreatedAt: now}, nil
}

// List 按到达顺序返回房间全部消息的明文。
// 任意一批解密失败时返回 *DecryptionError，不返回部分结果。
func (s *MessageService) List(ctx context.Context, roomID, requesterID string) ([]DecryptedMessage, error) {
	ctx, cancel := withTimeout(ctx, s.cfg)
	defer cancel()

	if err := requireIDs(roomID, requesterID); err != nil {
		return nil, err
	}
	if _, err := s.activeRoom(ctx, roomID, requesterID); err != nil {
		return nil, err
	}
	msgs, err := s.store.ListMessages(ctx, roomID)
	if err != nil {
		return nil, storageErr("list_messages", err)
	}

	ids := make([]string, len(msgs))
	ciphertexts := make([]string, len(msgs))
	for i, m := range msgs {
		ids[i] = m.ID
		ciphertexts[i] = m.Ciphertext
	}
	readBy, err := s.store.ReadByMany(ctx, ids)
	if err != nil {
		return nil, storageErr("read_by", err)
	}
	reactions, err := s.store.ReactionsMany(ctx, ids)
	if err != nil {
		return nil, storageErr("reactions", err)
	}

	plain, err := s.decryptAll(ctx, ciphertexts)
	if err != nil {
		log.Error().Err(err).Str("room_id", roomID).Msg("decrypt messages failed")
		return nil, err
	}

	out := make([]DecryptedMessage, len(msgs))
	for i, m := range msgs {
		rb := readBy[m.ID]
		if rb == nil {
			rb = []string{}
		}
		rx := reactions[m.ID]
		if rx == nil {
			rx = map[string][]string{}
		}
		out[i] = DecryptedMessage{
			ID:        m.ID,
			Sender:    m.Sender,
			Message:   plain[i],
			CreatedAt: m.CreatedAt,
			ReadBy:    rb,
			Reactions: rx,
		}
	}
	return out, nil
}

// decryptAll 把密文按 DecryptBatchSize 分批并发解密，按批次下标回填结果。
func (s *MessageService) decryptAll(ctx context.Context, ciphertexts []string) ([]string, error) {
	if len(ciphertexts) == 0 {
		return []string{}, nil
	}
	n := (len(ciphertexts) + DecryptBatchSize - 1) / DecryptBatchSize
	slots := make([][]string, n)

	workers := s.cfg.DecryptWorkers
	if workers <= 0 {
		workers = 1
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i := 0; i < n; i++ {
		lo := i * DecryptBatchSize
		hi := min(lo+DecryptBatchSize, len(ciphertexts))
		g.Go(func() error {
			out, err := s.box.DecryptBatch(gctx, ciphertexts[lo:hi])
			if err != nil {
				metrics.DecryptBatches.WithLabelValues("failed").Inc()
				return &DecryptionError{Batch: i, Err: err}
			}
			metrics.DecryptBatches.WithLabelValues("ok").Inc()
			slots[i] = out
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, &DecryptionError{Batch: -1, Err: &crypto.CryptoError{Op: "decrypt_batch", Err: err}}
	}

	plain := make([]string, 0, len(ciphertexts))
	for _, batch := range slots {
		plain = append(plain, batch...)
	}
	return plain, nil
}

func (s *MessageService) loadMessage(ctx context.Context, roomID, userID, messageID string) error {
	if _, err := s.activeRoom(ctx, roomID, userID); err != nil {
		return err
	}
	if _, err := s.store.GetMessage(ctx, roomID, messageID); err != nil {
		return storageErr("get_message", err)
	}
	return nil
}

// MarkRead 把用户加入消息的已读集合，重复调用是幂等的。
func (s *MessageService) MarkRead(ctx context.Context, roomID, userID, messageID string) (*events.ReadEvent, error) {
	ctx, cancel := withTimeout(ctx, s.cfg)
	defer cancel()

	if err := requireIDs(roomID, userID); err != nil {
		return nil, err
	}
	if messageID == "" {
		return nil, invalid("message id is required")
	}
	defer s.tracker.locks.RLock(roomKey(roomID))()
	defer s.tracker.locks.Lock(messageKey(messageID))()

	if err := s.loadMessage(ctx, roomID, userID, messageID); err != nil {
		return nil, err
	}
	receipt := models.ReadReceipt{MessageID: messageID, UserID: userID, RoomID: roomID, ReadAt: s.tracker.now().UTC()}
	if err := s.store.AddReadReceipt(ctx, receipt); err != nil {
		return nil, storageErr("add_read_receipt", err)
	}
	readBy, err := s.store.ReadBy(ctx, messageID)
	if err != nil {
		return nil, storageErr("read_by", err)
	}
	ev := events.ReadEvent{MessageID: messageID, UserID: userID, ReadBy: readBy}
	s.emit(roomID, ev)
	return &ev, nil
}

// React 切换用户在消息上的某个表情：已存在则移除，否则添加。
// 事件携带更新后的完整回应映射。
func (s *MessageService) React(ctx context.Context, roomID, userID, messageID, emoji string) (*events.ReactionEvent, error) {
	ctx, cancel := withTimeout(ctx, s.cfg)
	defer cancel()

	if err := requireIDs(roomID, userID); err != nil {
		return nil, err
	}
	if messageID == "" {
		return nil, invalid("message id is required")
	}
	if emoji == "" || len(emoji) > maxEmojiBytes {
		return nil, invalid("emoji must be 1 to %d bytes", maxEmojiBytes)
	}
	defer s.tracker.locks.RLock(roomKey(roomID))()
	defer s.tracker.locks.Lock(messageKey(messageID))()

	if err := s.loadMessage(ctx, roomID, userID, messageID); err != nil {
		return nil, err
	}
	added, err := s.store.ToggleReaction(ctx, models.Reaction{
		MessageID: messageID, Emoji: emoji, UserID: userID, RoomID: roomID, CreatedAt: s.tracker.now().UTC(),
	})
	if err != nil {
		return nil, storageErr("toggle_reaction", err)
	}
	reactions, err := s.store.Reactions(ctx, messageID)
	if err != nil {
		return nil, storageErr("reactions", err)
	}
	action := events.ActionRemoved
	if added {
		action = events.ActionAdded
	}
	ev := events.ReactionEvent{MessageID: messageID, UserID: userID, Emoji: emoji, Action: action, Reactions: reactions}
	s.emit(roomID, ev)
	return &ev, nil
}

// emit 异步投递事件，不阻塞也不影响请求结果。
func (s *MessageService) emit(roomID string, ev events.Event) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), eventTimeout)
		defer cancel()
		if err := s.pub.Publish(ctx, roomID, ev); err != nil {
			log.Warn().Err(err).Str("room_id", roomID).Str("type", ev.Type()).Msg("publish event failed")
			return
		}
		metrics.EventsPublished.WithLabelValues(ev.Type()).Inc()
	}()
}

// CanAccess 检查用户能否读取房间消息，websocket 订阅前调用。
func (s *MessageService) CanAccess(ctx context.Context, roomID, userID string) error {
	ctx, cancel := withTimeout(ctx, s.cfg)
	defer cancel()
	if err := requireIDs(roomID, userID); err != nil {
		return err
	}
	_, err := s.activeRoom(ctx, roomID, userID)
	return err
}
