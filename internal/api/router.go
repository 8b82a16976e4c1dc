// Package api exposes the daemon over HTTP/JSON on the session's Unix
// socket and provides the matching client.
package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/matheus3301/convsync/internal/apperr"
	"github.com/matheus3301/convsync/internal/chat"
)

// ErrorBody is the JSON shape of every error response.
type ErrorBody struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail carries the category and the user-presentable message.
type ErrorDetail struct {
	Category apperr.Category `json:"category"`
	Message  string          `json:"message"`
}

// NewRouter builds the gin engine with every service's routes mounted
// under /v1.
func NewRouter(logger *zap.Logger, session *SessionService, chats *ChatService, messages *MessageService, syncSvc *SyncService) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery(), requestLogger(logger))

	v1 := r.Group("/v1")
	session.Register(v1)
	chats.Register(v1)
	messages.Register(v1)
	syncSvc.Register(v1)
	return r
}

func requestLogger(logger *zap.Logger) gin.HandlerFunc {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(c *gin.Context) {
		c.Next()
		if c.FullPath() == "/v1/events" {
			return
		}
		logger.Debug("api request",
			zap.String("method", c.Request.Method),
			zap.String("route", c.FullPath()),
			zap.Int("status", c.Writer.Status()))
	}
}

// statusFor maps an error category to an HTTP status.
func statusFor(cat apperr.Category) int {
	switch cat {
	case apperr.NotAuthenticated:
		return http.StatusUnauthorized
	case apperr.PermissionDenied:
		return http.StatusForbidden
	case apperr.NotFound, apperr.RecipientMissing:
		return http.StatusNotFound
	case apperr.Invalid:
		return http.StatusBadRequest
	case apperr.SchemaNotReady:
		return http.StatusServiceUnavailable
	case apperr.Network:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func abort(c *gin.Context, err error) {
	if errors.Is(err, chat.ErrSuperseded) {
		c.AbortWithStatusJSON(http.StatusConflict, ErrorBody{Error: ErrorDetail{
			Category: apperr.Invalid,
			Message:  "Another conversation was opened.",
		}})
		return
	}
	cat := apperr.Classify(err)
	_ = c.Error(err)
	c.AbortWithStatusJSON(statusFor(cat), ErrorBody{Error: ErrorDetail{
		Category: cat,
		Message:  apperr.MessageFor(cat),
	}})
}

func badRequest(c *gin.Context, err error) {
	abort(c, apperr.New("decode request", apperr.Invalid, err))
}
