package ws

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"

	"github.com/K9Crypt/website/internal/events"
	"github.com/K9Crypt/website/internal/metrics"
)

// Hub 管理房间级别的子 Hub，实现延迟创建与并发安全。
// Hub 同时实现 events.Publisher，把房间事件推送给该房间的订阅者。
type Hub struct {
	mu    sync.RWMutex
	rooms map[string]*RoomHub
}

func NewHub() *Hub { return &Hub{rooms: make(map[string]*RoomHub)} }

// GetRoom 若房间未初始化则懒加载一个 RoomHub。最后一个客户端离开后
// RoomHub 会自行退出并从 Hub 中移除。
func (h *Hub) GetRoom(roomID string) *RoomHub {
	h.mu.RLock()
	room := h.rooms[roomID]
	h.mu.RUnlock()
	if room != nil {
		return room
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	room = h.rooms[roomID]
	if room != nil {
		return room
	}
	room = NewRoomHub(roomID)
	room.release = h.release
	h.rooms[roomID] = room
	go room.run()
	return room
}

// attach 把客户端注册到房间。拿到的 RoomHub 恰好已退出时换一个新的重试。
func (h *Hub) attach(roomID string, c *Client) {
	for {
		rh := h.GetRoom(roomID)
		c.room = rh
		if rh.join(c) {
			return
		}
	}
}

// release 只移除仍指向 rh 的条目，同名房间可能已经重建。
func (h *Hub) release(rh *RoomHub) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.rooms[rh.roomID] == rh {
		delete(h.rooms, rh.roomID)
	}
}

func (h *Hub) lookup(roomID string) *RoomHub {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.rooms[roomID]
}

func (h *Hub) Online(roomID string) int {
	room := h.lookup(roomID)
	if room == nil {
		return 0
	}
	return room.Online()
}

// Kick 断开用户在房间上的全部连接，返回时这些连接已不会再收到任何事件。
func (h *Hub) Kick(roomID, userID string) {
	if room := h.lookup(roomID); room != nil {
		room.kickUser(userID)
	}
}

// Close 断开房间的所有连接并回收 RoomHub。
func (h *Hub) Close(roomID string) {
	h.mu.Lock()
	room := h.rooms[roomID]
	delete(h.rooms, roomID)
	h.mu.Unlock()
	if room != nil {
		room.stop()
	}
}

// Publish 把事件投递到房间的广播队列。没有订阅者的房间直接忽略，
// 队列满时丢弃事件，不阻塞调用方。
func (h *Hub) Publish(_ context.Context, roomID string, ev events.Event) error {
	room := h.lookup(roomID)
	if room == nil {
		return nil
	}
	b, err := json.Marshal(events.Wrap(roomID, ev))
	if err != nil {
		return err
	}
	room.tryBroadcast(b)
	return nil
}

type RoomHub struct {
	roomID     string
	clients    map[*Client]bool
	register   chan *Client
	unregister chan *Client
	kick       chan string
	broadcast  chan []byte
	online     int32

	done     chan struct{}
	stopOnce sync.Once
	// release 非空时，房间空闲后 run 退出并调用它。
	release func(*RoomHub)
}

func NewRoomHub(roomID string) *RoomHub {
	return &RoomHub{
		roomID:     roomID,
		clients:    make(map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		kick:       make(chan string),
		broadcast:  make(chan []byte, 256),
		done:       make(chan struct{}),
	}
}

func (rh *RoomHub) tryBroadcast(b []byte) bool {
	select {
	case rh.broadcast <- b:
		return true
	default:
		return false
	}
}

// join 注册客户端，RoomHub 已退出时返回 false。
func (rh *RoomHub) join(c *Client) bool {
	select {
	case rh.register <- c:
		return true
	case <-rh.done:
		return false
	}
}

func (rh *RoomHub) leave(c *Client) {
	select {
	case rh.unregister <- c:
	case <-rh.done:
	}
}

func (rh *RoomHub) kickUser(userID string) {
	select {
	case rh.kick <- userID:
	case <-rh.done:
	}
}

func (rh *RoomHub) stop() {
	rh.stopOnce.Do(func() { close(rh.done) })
}

// presence 生成上下线通知，只携带用户标识和在线人数。
func (rh *RoomHub) presence(typ, userID string) []byte {
	evt := map[string]interface{}{"type": typ, "room_id": rh.roomID, "user_id": userID, "online": int(atomic.LoadInt32(&rh.online))}
	b, _ := json.Marshal(evt)
	return b
}

// drop 移除客户端并关闭其发送队列，writePump 随后关闭连接。
func (rh *RoomHub) drop(c *Client) {
	delete(rh.clients, c)
	close(c.send)
	metrics.WsConnections.Dec()
	atomic.StoreInt32(&rh.online, int32(len(rh.clients)))
}

func (rh *RoomHub) fanout(msg []byte) {
	for c := range rh.clients {
		select {
		case c.send <- msg:
		default:
			rh.drop(c)
		}
	}
}

func (rh *RoomHub) idle() bool {
	return len(rh.clients) == 0 && rh.release != nil
}

func (rh *RoomHub) run() {
	defer func() {
		for c := range rh.clients {
			rh.drop(c)
		}
		// 先从 Hub 移除再关闭 done，重试的 attach 不会再拿到这个 RoomHub。
		if rh.release != nil {
			rh.release(rh)
		}
		rh.stop()
	}()
	for {
		select {
		case c := <-rh.register:
			rh.clients[c] = true
			atomic.StoreInt32(&rh.online, int32(len(rh.clients)))
			metrics.WsConnections.Inc()
			rh.fanout(rh.presence("join", c.userID))
		case c := <-rh.unregister:
			if _, ok := rh.clients[c]; ok {
				rh.drop(c)
				rh.fanout(rh.presence("leave", c.userID))
			}
		case userID := <-rh.kick:
			var kicked bool
			for c := range rh.clients {
				if c.userID == userID {
					rh.drop(c)
					kicked = true
				}
			}
			if kicked {
				rh.fanout(rh.presence("leave", userID))
			}
		case msg := <-rh.broadcast:
			rh.fanout(msg)
		case <-rh.done:
			return
		}
		if rh.idle() {
			return
		}
	}
}

// Online 返回房间在线客户端数量，供 REST 接口复用。
func (rh *RoomHub) Online() int { return int(atomic.LoadInt32(&rh.online)) }
