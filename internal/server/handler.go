package server

import (
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/K9Crypt/website/internal/auth"
	"github.com/K9Crypt/website/internal/config"
	"github.com/K9Crypt/website/internal/service"
	"github.com/K9Crypt/website/internal/ws"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

// Handler 聚合所有 HTTP handler，依赖注入 service 层。
type Handler struct {
	cfg     config.Config
	roomSvc *service.RoomService
	msgSvc  *service.MessageService
	hub     *ws.Hub
}

func NewHandler(cfg config.Config, roomSvc *service.RoomService, msgSvc *service.MessageService, hub *ws.Hub) *Handler {
	return &Handler{cfg: cfg, roomSvc: roomSvc, msgSvc: msgSvc, hub: hub}
}

// errorStatus 把业务错误映射到 HTTP 状态码和对外的错误类别，不暴露内部原因。
func errorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, service.ErrInvalidArgument):
		return http.StatusBadRequest, "invalid_argument"
	case errors.Is(err, service.ErrUnauthorized):
		return http.StatusForbidden, "unauthorized"
	case errors.Is(err, service.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, service.ErrDecryption):
		return http.StatusBadGateway, "decryption_error"
	case errors.Is(err, service.ErrCrypto):
		return http.StatusBadGateway, "crypto_error"
	case errors.Is(err, service.ErrStorage):
		return http.StatusServiceUnavailable, "storage_error"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

func writeError(c *gin.Context, op string, err error) {
	status, kind := errorStatus(err)
	ev := log.Warn()
	if status >= http.StatusInternalServerError {
		ev = log.Error()
	}
	ev.Err(err).Str("op", op).Str("room_id", c.Param("id")).Str("user_id", auth.GetUserID(c)).Msg("request failed")
	c.JSON(status, gin.H{"error": kind, "retryable": service.Retryable(err)})
}

// bindOptional 解析可选的 JSON body，空 body 视为零值。
func bindOptional(c *gin.Context, v any) bool {
	if err := c.ShouldBindJSON(v); err != nil && !errors.Is(err, io.EOF) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_argument", "retryable": false})
		return false
	}
	return true
}

// CreateSession 签发匿名会话：新的用户标识和对应的 access token。
func (h *Handler) CreateSession(c *gin.Context) {
	userID := auth.NewUserID()
	token, err := auth.GenerateAccessToken(userID, h.cfg.JWTSecret, h.cfg.AccessTokenTTLMinutes)
	if err != nil {
		log.Error().Err(err).Msg("issue session token")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal", "retryable": true})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"user_id":      userID,
		"access_token": token,
		"expires_in":   h.cfg.AccessTokenTTLMinutes * 60,
	})
}

// CreateRoom 处理创建房间请求。
func (h *Handler) CreateRoom(c *gin.Context) {
	var req struct {
		Type     string `json:"type"`
		Password string `json:"password"`
		Name     string `json:"name"`
		Lifetime string `json:"lifetime"`
		Category string `json:"category"`
	}
	if !bindOptional(c, &req) {
		return
	}
	room, err := h.roomSvc.Create(c.Request.Context(), service.CreateRoomInput{
		UserID:   auth.GetUserID(c),
		Type:     req.Type,
		Password: req.Password,
		Name:     req.Name,
		Lifetime: req.Lifetime,
		Category: req.Category,
	})
	if err != nil {
		writeError(c, "create_room", err)
		return
	}
	c.JSON(http.StatusCreated, room)
}

// ListRooms 处理获取房间列表请求，附带各房间的在线人数。
func (h *Handler) ListRooms(c *gin.Context) {
	limit, _ := strconv.Atoi(c.Query("limit"))
	rooms, err := h.roomSvc.List(c.Request.Context(), service.RoomFilter{
		Category: c.Query("category"),
		Type:     c.Query("type"),
		Limit:    limit,
	})
	if err != nil {
		writeError(c, "list_rooms", err)
		return
	}
	for i := range rooms {
		rooms[i].Online = h.hub.Online(rooms[i].ID)
	}
	c.JSON(http.StatusOK, gin.H{"rooms": rooms})
}

// CheckRoom 返回房间类型与成员，不存在时返回中性默认值而不是 404。
func (h *Handler) CheckRoom(c *gin.Context) {
	c.JSON(http.StatusOK, h.roomSvc.Check(c.Request.Context(), c.Param("id")))
}

func (h *Handler) JoinRoom(c *gin.Context) {
	var req struct {
		Password string `json:"password"`
	}
	if !bindOptional(c, &req) {
		return
	}
	msg, err := h.roomSvc.Join(c.Request.Context(), c.Param("id"), auth.GetUserID(c), req.Password)
	if err != nil {
		writeError(c, "join_room", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": msg})
}

func (h *Handler) LeaveRoom(c *gin.Context) {
	msg, err := h.roomSvc.Leave(c.Request.Context(), c.Param("id"), auth.GetUserID(c))
	if err != nil {
		writeError(c, "leave_room", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": msg})
}

// CheckPassword 只校验密码，不加入房间。
func (h *Handler) CheckPassword(c *gin.Context) {
	var req struct {
		Password string `json:"password"`
	}
	if !bindOptional(c, &req) {
		return
	}
	c.JSON(http.StatusOK, gin.H{"valid": h.roomSvc.CheckPassword(c.Request.Context(), c.Param("id"), req.Password)})
}

func (h *Handler) SendMessage(c *gin.Context) {
	var req struct {
		Message string `json:"message"`
	}
	if !bindOptional(c, &req) {
		return
	}
	msg, err := h.msgSvc.Send(c.Request.Context(), c.Param("id"), auth.GetUserID(c), req.Message)
	if err != nil {
		writeError(c, "send_message", err)
		return
	}
	c.JSON(http.StatusCreated, msg)
}

// ListMessages 返回房间全部消息的明文，按到达顺序排列。
func (h *Handler) ListMessages(c *gin.Context) {
	msgs, err := h.msgSvc.List(c.Request.Context(), c.Param("id"), auth.GetUserID(c))
	if err != nil {
		writeError(c, "list_messages", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": msgs})
}

func (h *Handler) MarkRead(c *gin.Context) {
	ev, err := h.msgSvc.MarkRead(c.Request.Context(), c.Param("id"), auth.GetUserID(c), c.Param("mid"))
	if err != nil {
		writeError(c, "mark_read", err)
		return
	}
	c.JSON(http.StatusOK, ev)
}

func (h *Handler) React(c *gin.Context) {
	var req struct {
		Emoji string `json:"emoji"`
	}
	if !bindOptional(c, &req) {
		return
	}
	ev, err := h.msgSvc.React(c.Request.Context(), c.Param("id"), auth.GetUserID(c), c.Param("mid"), req.Emoji)
	if err != nil {
		writeError(c, "react", err)
		return
	}
	c.JSON(http.StatusOK, ev)
}

// EncryptText 加密一段独立文本，返回密文，不关联房间。
func (h *Handler) EncryptText(c *gin.Context) {
	var req struct {
		Message string `json:"message"`
	}
	if !bindOptional(c, &req) {
		return
	}
	ct, err := h.msgSvc.Encrypt(c.Request.Context(), req.Message)
	if err != nil {
		writeError(c, "encrypt_text", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": ct})
}

// ViewText 解密 EncryptText 返回的密文。
func (h *Handler) ViewText(c *gin.Context) {
	var req struct {
		Message string `json:"message"`
	}
	if !bindOptional(c, &req) {
		return
	}
	pt, err := h.msgSvc.Decrypt(c.Request.Context(), req.Message)
	if err != nil {
		writeError(c, "view_text", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": pt})
}

// DecryptBatch 批量解密 messages 数组中每一项的 message 字段，其余字段原样返回。
// messages 不是数组或某项缺少字符串 message 时返回 400。
func (h *Handler) DecryptBatch(c *gin.Context) {
	var req struct {
		Messages []map[string]any `json:"messages"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.Messages == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_argument", "retryable": false})
		return
	}
	ciphertexts := make([]string, len(req.Messages))
	for i, m := range req.Messages {
		s, ok := m["message"].(string)
		if !ok {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_argument", "retryable": false})
			return
		}
		ciphertexts[i] = s
	}
	plain, err := h.msgSvc.DecryptMany(c.Request.Context(), ciphertexts)
	if err != nil {
		writeError(c, "decrypt_batch", err)
		return
	}
	for i := range req.Messages {
		req.Messages[i]["message"] = plain[i]
	}
	c.JSON(http.StatusOK, gin.H{"messages": req.Messages})
}
