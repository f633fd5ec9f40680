package ws

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/K9Crypt/website/internal/auth"
	"github.com/K9Crypt/website/internal/config"
	"github.com/K9Crypt/website/internal/service"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// Gate 判断用户能否订阅某个房间的事件，通常由消息服务实现。
type Gate interface {
	CanAccess(ctx context.Context, roomID, userID string) error
}

type Client struct {
	room   *RoomHub
	conn   *websocket.Conn
	send   chan []byte
	userID string
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// InboundMessage 是客户端可以发送的信令，目前只有 typing，不落库。
type InboundMessage struct {
	Type     string `json:"type"`
	IsTyping bool   `json:"is_typing"`
}

// Serve 建立房间事件订阅。消息发送走 REST 接口，websocket 只推送
// 已读、回应、上下线和 typing 事件。
func Serve(h *Hub, gate Gate, cfg config.Config) gin.HandlerFunc {
	return func(c *gin.Context) {
		roomID := c.Query("room_id")
		if roomID == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid room_id"})
			return
		}

		// Token via Authorization header or token query param for WS
		authz := c.GetHeader("Authorization")
		token := c.Query("token")
		if token == "" && len(authz) > 7 && strings.EqualFold(authz[:7], "bearer ") {
			token = authz[7:]
		}
		if token == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "missing token"})
			return
		}
		claims, err := auth.ParseAccessToken(token, cfg.JWTSecret)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}
		if err := gate.CanAccess(c.Request.Context(), roomID, claims.UserID); err != nil {
			switch {
			case errors.Is(err, service.ErrUnauthorized):
				c.JSON(http.StatusForbidden, gin.H{"error": "unauthorized"})
			case errors.Is(err, service.ErrNotFound), errors.Is(err, service.ErrInvalidArgument):
				c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
			default:
				c.JSON(http.StatusServiceUnavailable, gin.H{"error": "storage_error"})
			}
			return
		}

		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			log.Debug().Err(err).Str("room_id", roomID).Msg("ws upgrade failed")
			return
		}
		client := &Client{conn: conn, send: make(chan []byte, 256), userID: claims.UserID}
		h.attach(roomID, client)
		// 校验与注册之间用户可能已离开或房间已删除，注册后再确认一次。
		if err := gate.CanAccess(c.Request.Context(), roomID, claims.UserID); err != nil {
			h.Kick(roomID, claims.UserID)
		}

		go client.writePump()
		client.readPump()
	}
}

func (c *Client) readPump() {
	defer func() {
		c.room.leave(c)
		_ = c.conn.Close()
	}()
	c.conn.SetReadLimit(4 << 10)
	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			break
		}
		var in InboundMessage
		if err := json.Unmarshal(data, &in); err != nil || in.Type != "typing" {
			continue
		}
		// typing signal (not persisted)
		evt := map[string]interface{}{"type": "typing", "room_id": c.room.roomID, "user_id": c.userID, "is_typing": in.IsTyping}
		if b, err := json.Marshal(evt); err == nil {
			c.room.tryBroadcast(b)
		}
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()
	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			_, _ = w.Write(message)
			_ = w.Close()
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
