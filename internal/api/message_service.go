package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/matheus3301/convsync/internal/chat"
	"github.com/matheus3301/convsync/internal/model"
	"github.com/matheus3301/convsync/internal/outbox"
)

// SendRequest is a message to send to the conversation in the path.
type SendRequest struct {
	Content     string             `json:"content"`
	Attachments []model.Attachment `json:"attachments,omitempty"`
	ReplyToID   string             `json:"reply_to_id,omitempty"`
}

// EditRequest replaces a message's content.
type EditRequest struct {
	Content string `json:"content" binding:"required"`
}

// MessagesResponse lists messages oldest first with who is typing.
type MessagesResponse struct {
	Messages []model.Message         `json:"messages"`
	Typing   []model.TypingIndicator `json:"typing,omitempty"`
}

// MessageService serves the message routes.
type MessageService struct {
	chat *chat.Service
}

// NewMessageService creates a new message service.
func NewMessageService(svc *chat.Service) *MessageService {
	return &MessageService{chat: svc}
}

// Register mounts the routes.
func (s *MessageService) Register(r gin.IRouter) {
	r.GET("/conversations/:id/messages", s.list)
	r.POST("/conversations/:id/messages", s.send)
	r.PATCH("/conversations/:id/messages/:mid", s.edit)
	r.DELETE("/conversations/:id/messages/:mid", s.remove)
}

// list returns the loaded messages without fetching.
func (s *MessageService) list(c *gin.Context) {
	id := c.Param("id")
	c.JSON(http.StatusOK, MessagesResponse{
		Messages: nonNil(s.chat.Messages(id)),
		Typing:   s.chat.Typing(id, time.Now()),
	})
}

// send answers 201 with the confirmed message, or 204 when the draft was
// empty and nothing was sent.
func (s *MessageService) send(c *gin.Context) {
	var req SendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	msg, err := s.chat.Send(c.Request.Context(), outbox.Draft{
		ConversationID: c.Param("id"),
		Content:        req.Content,
		Attachments:    req.Attachments,
		ReplyToID:      req.ReplyToID,
	})
	if err != nil {
		abort(c, err)
		return
	}
	if msg == nil {
		c.Status(http.StatusNoContent)
		return
	}
	c.JSON(http.StatusCreated, msg)
}

func (s *MessageService) edit(c *gin.Context) {
	var req EditRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	msg, err := s.chat.Edit(c.Request.Context(), c.Param("id"), c.Param("mid"), req.Content)
	if err != nil {
		abort(c, err)
		return
	}
	c.JSON(http.StatusOK, msg)
}

func (s *MessageService) remove(c *gin.Context) {
	if err := s.chat.Delete(c.Request.Context(), c.Param("id"), c.Param("mid")); err != nil {
		abort(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func nonNil(msgs []model.Message) []model.Message {
	if msgs == nil {
		return []model.Message{}
	}
	return msgs
}
