package handlers

import (
	"context"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"referral-service/internal/lifecycle"
	"referral-service/internal/logger"
	"referral-service/internal/models"
	"referral-service/internal/repositories"
)

// ChatHandler manages match chat endpoints.
type ChatHandler struct {
	chatRepo    repositories.ChatRepository
	messageRepo repositories.MessageRepository
	broadcaster lifecycle.Broadcaster
	logger      *zap.Logger
}

// NewChatHandler builds a ChatHandler.
func NewChatHandler(chatRepo repositories.ChatRepository, messageRepo repositories.MessageRepository, broadcaster lifecycle.Broadcaster, log *zap.Logger) *ChatHandler {
	if log == nil {
		log = zap.NewNop()
	}
	return &ChatHandler{
		chatRepo:    chatRepo,
		messageRepo: messageRepo,
		broadcaster: broadcaster,
		logger:      log,
	}
}

// Register mounts the chat routes.
func (h *ChatHandler) Register(r gin.IRouter) {
	r.GET("/chats", h.ListChats)
	r.GET("/chats/:chat_id/messages", h.GetChatMessages)
	r.POST("/chats/:chat_id/messages", h.PostChatMessage)
	r.POST("/chats/:chat_id/read", h.MarkRead)
}

// ListChats returns the chats of uid, newest first.
func (h *ChatHandler) ListChats(c *gin.Context) {
	uid := strings.TrimSpace(c.Query("uid"))
	if uid == "" {
		badRequest(c, "uid is required")
		return
	}

	chats, err := h.chatRepo.ListChats(c.Request.Context(), uid)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	if chats == nil {
		chats = []models.Chat{}
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "message": "ok", "chats": chats})
}

// GetChatMessages returns the messages of a chat visible to uid.
func (h *ChatHandler) GetChatMessages(c *gin.Context) {
	uid := strings.TrimSpace(c.Query("uid"))
	if uid == "" {
		badRequest(c, "uid is required")
		return
	}

	chat, ok := h.participantChat(c, c.Param("chat_id"), uid)
	if !ok {
		return
	}

	msgs, err := h.messageRepo.GetChatMessagesForUser(c.Request.Context(), chat.ID, uid)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	if msgs == nil {
		msgs = []models.Message{}
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "message": "ok", "locked": chat.Locked, "messages": msgs})
}

// PostChatMessage stores a participant's text message and broadcasts it.
// Locked chats only carry system messages.
func (h *ChatHandler) PostChatMessage(c *gin.Context) {
	var req struct {
		UID  string `json:"uid" binding:"required"`
		Text string `json:"text" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	text := strings.TrimSpace(req.Text)
	if text == "" {
		badRequest(c, "text must not be blank")
		return
	}

	chat, ok := h.participantChat(c, c.Param("chat_id"), req.UID)
	if !ok {
		return
	}
	if chat.Locked {
		respondError(c, h.logger, errChatLocked)
		return
	}

	msg, err := h.messageRepo.CreateMessage(c.Request.Context(), models.NewMessage{
		ChatID:   chat.ID,
		SenderID: req.UID,
		Text:     text,
		Type:     models.MessageTypeText,
	})
	if err != nil {
		respondError(c, h.logger, err)
		return
	}

	if h.broadcaster != nil {
		h.broadcaster.BroadcastMessage(msg)
	}
	h.logger.Debug("chat message stored", logger.MatchFields(chat.MatchID, chat.ID, req.UID)...)
	c.JSON(http.StatusCreated, gin.H{"success": true, "message": "message sent", "data": msg})
}

// MarkRead marks the text messages of the other side as read by uid.
func (h *ChatHandler) MarkRead(c *gin.Context) {
	var req struct {
		UID string `json:"uid" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}

	chat, ok := h.participantChat(c, c.Param("chat_id"), req.UID)
	if !ok {
		return
	}

	updated, err := h.messageRepo.MarkRead(c.Request.Context(), chat.ID, req.UID)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "message": "ok", "updated": updated})
}

// participantChat loads the chat and writes the error response itself when
// it is missing or uid is not a member.
func (h *ChatHandler) participantChat(c *gin.Context, chatID, uid string) (models.Chat, bool) {
	chat, err := h.loadChat(c.Request.Context(), chatID)
	if err != nil {
		respondError(c, h.logger, err)
		return models.Chat{}, false
	}
	if !chat.HasParticipant(uid) {
		c.JSON(http.StatusForbidden, gin.H{"success": false, "message": "not a chat member"})
		return models.Chat{}, false
	}
	return chat, true
}

func (h *ChatHandler) loadChat(ctx context.Context, chatID string) (models.Chat, error) {
	if strings.TrimSpace(chatID) == "" {
		return models.Chat{}, repositories.ErrChatNotFound
	}
	return h.chatRepo.GetChat(ctx, chatID)
}
