package service

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/K9Crypt/website/internal/config"
	"github.com/K9Crypt/website/internal/crypto"
	"github.com/K9Crypt/website/internal/db"
	"github.com/K9Crypt/website/internal/events"
	"github.com/K9Crypt/website/internal/store"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type recordingPublisher struct {
	ch chan events.Event
}

func (p *recordingPublisher) Publish(_ context.Context, _ string, ev events.Event) error {
	p.ch <- ev
	return nil
}

func (p *recordingPublisher) next(t *testing.T) events.Event {
	t.Helper()
	select {
	case ev := <-p.ch:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("no event published")
		return nil
	}
}

// recordingSubscribers records evictions requested by the room service.
type recordingSubscribers struct {
	mu     sync.Mutex
	kicked []string
	closed []string
}

func (r *recordingSubscribers) Kick(roomID, userID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.kicked = append(r.kicked, roomID+"/"+userID)
}

func (r *recordingSubscribers) Close(roomID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = append(r.closed, roomID)
}

func (r *recordingSubscribers) snapshot() (kicked, closed []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.kicked...), append([]string(nil), r.closed...)
}

// prefixEncryptor is a reversible fake: ciphertext is "enc:" + plaintext.
type prefixEncryptor struct{}

func (prefixEncryptor) Encrypt(_ context.Context, p string) (string, error) { return "enc:" + p, nil }
func (prefixEncryptor) Decrypt(_ context.Context, c string) (string, error) {
	if !strings.HasPrefix(c, "enc:") {
		return "", fmt.Errorf("not a ciphertext")
	}
	return strings.TrimPrefix(c, "enc:"), nil
}

type testEnv struct {
	db      *gorm.DB
	store   *store.Store
	tracker *MembershipTracker
	rooms   *RoomService
	msgs    *MessageService
	clock   *fakeClock
	pub     *recordingPublisher
	subs    *recordingSubscribers
	cfg     config.Config
}

func testConfig() config.Config {
	return config.Config{
		RequestTimeout: 5 * time.Second,
		CryptoTimeout:  2 * time.Second,
		DecryptWorkers: 4,
		ListLimit:      100,
	}
}

func newTestEnv(t *testing.T, enc crypto.Encryptor, tweak ...func(*config.Config)) *testEnv {
	t.Helper()
	cfg := testConfig()
	for _, f := range tweak {
		f(&cfg)
	}
	if enc == nil {
		enc = prefixEncryptor{}
	}

	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	gdb, err := db.ConnectSQLite(fmt.Sprintf("file:%s?mode=memory&cache=shared", name))
	require.NoError(t, err)
	require.NoError(t, db.Migrate(gdb))
	t.Cleanup(func() {
		if sqlDB, err := gdb.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})

	st := store.New(gdb)
	clock := &fakeClock{t: time.Date(2026, 5, 10, 8, 0, 0, 0, time.UTC)}
	tracker := NewMembershipTracker(st)
	tracker.now = clock.Now
	pub := &recordingPublisher{ch: make(chan events.Event, 64)}
	subs := &recordingSubscribers{}
	return &testEnv{
		db:      gdb,
		store:   st,
		tracker: tracker,
		rooms:   NewRoomService(st, tracker, subs, cfg),
		msgs:    NewMessageService(st, crypto.NewBoundary(enc, cfg.CryptoTimeout), tracker, pub, cfg),
		clock:   clock,
		pub:     pub,
		subs:    subs,
		cfg:     cfg,
	}
}

func (e *testEnv) createRoom(t *testing.T, in CreateRoomInput) string {
	t.Helper()
	if in.UserID == "" {
		in.UserID = "owner"
	}
	created, err := e.rooms.Create(context.Background(), in)
	require.NoError(t, err)
	return created.RoomID
}

func (e *testEnv) closeDB(t *testing.T) {
	t.Helper()
	sqlDB, err := e.db.DB()
	require.NoError(t, err)
	require.NoError(t, sqlDB.Close())
}
