package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/matheus3301/convsync/internal/chat"
	"github.com/matheus3301/convsync/internal/model"
)

// StartRequest asks for the direct conversation with a user.
type StartRequest struct {
	UserID string `json:"user_id" binding:"required"`
}

// StartResponse names the direct conversation.
type StartResponse struct {
	ConversationID string `json:"conversation_id"`
}

// TypingRequest sets or clears the typing indicator.
type TypingRequest struct {
	Active bool `json:"active"`
}

// ConversationsResponse lists conversations in display order.
type ConversationsResponse struct {
	Conversations []model.Conversation `json:"conversations"`
}

// ChatService serves the conversation routes.
type ChatService struct {
	chat *chat.Service
}

// NewChatService creates a new chat service backed by the facade.
func NewChatService(svc *chat.Service) *ChatService {
	return &ChatService{chat: svc}
}

// Register mounts the routes.
func (s *ChatService) Register(r gin.IRouter) {
	r.GET("/conversations", s.list)
	r.POST("/conversations", s.start)
	r.POST("/conversations/:id/open", s.open)
	r.POST("/conversations/:id/close", s.closeActive)
	r.POST("/conversations/:id/read", s.markRead)
	r.POST("/conversations/:id/typing", s.typing)
	r.DELETE("/conversations/:id/membership", s.leave)
}

// list returns the local list; ?refresh=true fetches it first.
func (s *ChatService) list(c *gin.Context) {
	if refresh, _ := strconv.ParseBool(c.Query("refresh")); refresh {
		if _, err := s.chat.Refresh(c.Request.Context()); err != nil {
			abort(c, err)
			return
		}
	}
	convs := s.chat.Conversations()
	if convs == nil {
		convs = []model.Conversation{}
	}
	c.JSON(http.StatusOK, ConversationsResponse{Conversations: convs})
}

func (s *ChatService) start(c *gin.Context) {
	var req StartRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	id, err := s.chat.StartConversation(c.Request.Context(), req.UserID)
	if err != nil {
		abort(c, err)
		return
	}
	c.JSON(http.StatusOK, StartResponse{ConversationID: id})
}

func (s *ChatService) open(c *gin.Context) {
	msgs, err := s.chat.Open(c.Request.Context(), c.Param("id"))
	if err != nil {
		abort(c, err)
		return
	}
	c.JSON(http.StatusOK, MessagesResponse{Messages: nonNil(msgs)})
}

func (s *ChatService) closeActive(c *gin.Context) {
	if err := s.chat.CloseConversation(c.Request.Context()); err != nil {
		abort(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *ChatService) markRead(c *gin.Context) {
	if err := s.chat.MarkRead(c.Request.Context(), c.Param("id")); err != nil {
		abort(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *ChatService) typing(c *gin.Context) {
	var req TypingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	if err := s.chat.SetTyping(c.Request.Context(), c.Param("id"), req.Active); err != nil {
		abort(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *ChatService) leave(c *gin.Context) {
	if err := s.chat.Leave(c.Request.Context(), c.Param("id")); err != nil {
		abort(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
