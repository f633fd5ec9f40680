package ws

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/K9Crypt/website/internal/events"
)

func newTestClient(rh *RoomHub, userID string) *Client {
	return &Client{room: rh, userID: userID, send: make(chan []byte, 256)}
}

// drain reads until a message of the given type arrives or the timeout fires.
func drain(t *testing.T, c *Client, typ string) map[string]interface{} {
	t.Helper()
	deadline := time.After(500 * time.Millisecond)
	for {
		select {
		case b := <-c.send:
			var m map[string]interface{}
			if err := json.Unmarshal(b, &m); err != nil {
				t.Fatalf("bad json %s: %v", b, err)
			}
			if m["type"] == typ {
				return m
			}
		case <-deadline:
			t.Fatalf("no %q message received", typ)
			return nil
		}
	}
}

func TestHub_Online_NonExistentRoom(t *testing.T) {
	hub := NewHub()
	if online := hub.Online("missing"); online != 0 {
		t.Errorf("Online() for non-existent room = %d, want 0", online)
	}
}

func TestRoomHub_RegisterUnregister(t *testing.T) {
	rh := NewRoomHub("r1")
	go rh.run()

	a := newTestClient(rh, "a")
	b := newTestClient(rh, "b")
	rh.register <- a
	rh.register <- b
	time.Sleep(20 * time.Millisecond)
	if rh.Online() != 2 {
		t.Fatalf("Online() after register = %d, want 2", rh.Online())
	}

	rh.unregister <- b
	time.Sleep(20 * time.Millisecond)
	if rh.Online() != 1 {
		t.Errorf("Online() after unregister = %d, want 1", rh.Online())
	}
	leave := drain(t, a, "leave")
	if leave["user_id"] != "b" {
		t.Errorf("leave user_id = %v, want b", leave["user_id"])
	}
}

func TestHub_PublishReachesSubscribers(t *testing.T) {
	hub := NewHub()
	r1 := hub.GetRoom("r1")
	r2 := hub.GetRoom("r2")
	c1 := newTestClient(r1, "u1")
	c2 := newTestClient(r2, "u2")
	r1.register <- c1
	r2.register <- c2
	time.Sleep(20 * time.Millisecond)

	ev := events.ReadEvent{MessageID: "m1", UserID: "u1", ReadBy: []string{"u1"}}
	if err := hub.Publish(context.Background(), "r1", ev); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	got := drain(t, c1, events.TypeRead)
	data, _ := got["data"].(map[string]interface{})
	if data["messageId"] != "m1" {
		t.Errorf("data.messageId = %v, want m1", data["messageId"])
	}

	select {
	case b := <-c2.send:
		var m map[string]interface{}
		_ = json.Unmarshal(b, &m)
		if m["type"] == events.TypeRead {
			t.Error("event leaked into another room")
		}
	case <-time.After(50 * time.Millisecond):
	}
}

func TestHub_PublishWithoutSubscribersIsNoop(t *testing.T) {
	hub := NewHub()
	if err := hub.Publish(context.Background(), "nobody", events.ReadEvent{}); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	if hub.lookup("nobody") != nil {
		t.Error("Publish() must not create a room hub")
	}
}

func TestRoomHub_TryBroadcastDoesNotBlock(t *testing.T) {
	rh := NewRoomHub("r1") // not running, nobody drains the queue
	for i := 0; i < cap(rh.broadcast); i++ {
		if !rh.tryBroadcast([]byte("x")) {
			t.Fatalf("tryBroadcast() failed before queue full at %d", i)
		}
	}
	if rh.tryBroadcast([]byte("x")) {
		t.Error("tryBroadcast() on a full queue should drop")
	}
}

func TestRoomHub_Concurrent(t *testing.T) {
	rh := NewRoomHub("r1")
	go rh.run()

	var wg sync.WaitGroup
	numClients := 10

	// Concurrently register clients
	for i := 0; i < numClients; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			rh.register <- newTestClient(rh, "user")
		}(i)
	}

	wg.Wait()
	time.Sleep(50 * time.Millisecond)

	if rh.Online() != numClients {
		t.Errorf("Online() after concurrent register = %d, want %d", rh.Online(), numClients)
	}
}

// collect reads a client's queue until the hub closes it.
func collect(t *testing.T, c *Client) []map[string]interface{} {
	t.Helper()
	var out []map[string]interface{}
	deadline := time.After(time.Second)
	for {
		select {
		case b, ok := <-c.send:
			if !ok {
				return out
			}
			var m map[string]interface{}
			if err := json.Unmarshal(b, &m); err != nil {
				t.Fatalf("bad json %s: %v", b, err)
			}
			out = append(out, m)
		case <-deadline:
			t.Fatal("client queue was not closed")
			return nil
		}
	}
}

func TestHub_KickStopsDelivery(t *testing.T) {
	hub := NewHub()
	owner := newTestClient(nil, "owner")
	bob := newTestClient(nil, "bob")
	hub.attach("r1", owner)
	hub.attach("r1", bob)

	hub.Kick("r1", "bob")
	ev := events.ReactionEvent{MessageID: "m1", UserID: "owner", Emoji: "x", Action: events.ActionAdded}
	if err := hub.Publish(context.Background(), "r1", ev); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}

	for _, m := range collect(t, bob) {
		if m["type"] == events.TypeReaction {
			t.Fatal("kicked client received a reaction event")
		}
	}
	leave := drain(t, owner, "leave")
	if leave["user_id"] != "bob" {
		t.Errorf("leave user_id = %v, want bob", leave["user_id"])
	}
	drain(t, owner, events.TypeReaction)
	if got := hub.Online("r1"); got != 1 {
		t.Errorf("Online() after kick = %d, want 1", got)
	}
}

func TestHub_KickUnknownRoomIsNoop(t *testing.T) {
	hub := NewHub()
	hub.Kick("missing", "bob")
	if hub.lookup("missing") != nil {
		t.Error("Kick() must not create a room hub")
	}
}

func TestHub_CloseDisconnectsRoom(t *testing.T) {
	hub := NewHub()
	a := newTestClient(nil, "a")
	b := newTestClient(nil, "b")
	hub.attach("r1", a)
	hub.attach("r1", b)
	old := a.room

	hub.Close("r1")
	collect(t, a)
	collect(t, b)
	if hub.lookup("r1") != nil {
		t.Error("Close() left the room hub registered")
	}
	if err := hub.Publish(context.Background(), "r1", events.ReadEvent{}); err != nil {
		t.Fatalf("Publish() after Close error = %v", err)
	}

	// A new subscriber gets a fresh hub, never the stopped one.
	c := newTestClient(nil, "c")
	hub.attach("r1", c)
	if c.room == old {
		t.Error("attach() reused a stopped room hub")
	}
	time.Sleep(20 * time.Millisecond)
	if got := hub.Online("r1"); got != 1 {
		t.Errorf("Online() = %d, want 1", got)
	}
}

func TestHub_IdleRoomIsReleased(t *testing.T) {
	hub := NewHub()
	a := newTestClient(nil, "a")
	hub.attach("r1", a)
	a.room.leave(a)
	collect(t, a)

	select {
	case <-a.room.done:
	case <-time.After(time.Second):
		t.Fatal("idle room hub is still running")
	}
	if hub.lookup("r1") != nil {
		t.Error("idle room hub was not released")
	}
}
