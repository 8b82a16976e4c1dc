package api

import (
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/matheus3301/convsync/internal/bus"
	"github.com/matheus3301/convsync/internal/chat"
	"github.com/matheus3301/convsync/internal/model"
)

// EventEnvelope is one server-sent event.
type EventEnvelope struct {
	EventID    string    `json:"event_id"`
	Session    string    `json:"session"`
	Kind       string    `json:"kind"`
	OccurredAt time.Time `json:"occurred_at"`
	Payload    any       `json:"payload,omitempty"`
}

// PendingResponse lists unconfirmed sends.
type PendingResponse struct {
	Pending []model.PendingSendIntent `json:"pending"`
}

// SyncService serves the event stream and the pending-send routes.
type SyncService struct {
	chat        *chat.Service
	bus         *bus.Bus
	sessionName string
}

// NewSyncService creates a new sync service.
func NewSyncService(svc *chat.Service, b *bus.Bus, sessionName string) *SyncService {
	return &SyncService{chat: svc, bus: b, sessionName: sessionName}
}

// Register mounts the routes.
func (s *SyncService) Register(r gin.IRouter) {
	r.POST("/sync", s.refresh)
	r.GET("/pending", s.pending)
	r.POST("/pending/retry", s.retry)
	r.GET("/events", s.events)
}

// refresh reloads the conversation list and re-subscribes the feed.
func (s *SyncService) refresh(c *gin.Context) {
	convs, err := s.chat.Refresh(c.Request.Context())
	if err != nil {
		abort(c, err)
		return
	}
	c.JSON(http.StatusOK, ConversationsResponse{Conversations: convs})
}

func (s *SyncService) pending(c *gin.Context) {
	intents, err := s.chat.Pending()
	if err != nil {
		abort(c, err)
		return
	}
	if intents == nil {
		intents = []model.PendingSendIntent{}
	}
	c.JSON(http.StatusOK, PendingResponse{Pending: intents})
}

func (s *SyncService) retry(c *gin.Context) {
	c.JSON(http.StatusOK, s.chat.RetryPending(c.Request.Context()))
}

// events streams bus events as server-sent events. ?kinds= takes a comma
// separated list of kind prefixes; empty streams everything. Raw feed
// changes are never streamed.
func (s *SyncService) events(c *gin.Context) {
	var prefixes []string
	for _, k := range strings.Split(c.Query("kinds"), ",") {
		if k = strings.TrimSpace(k); k != "" {
			prefixes = append(prefixes, k)
		}
	}

	ch, unsub := s.bus.Subscribe("", 256)
	defer unsub()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Status(http.StatusOK)
	c.Writer.Flush()

	c.Stream(func(w io.Writer) bool {
		select {
		case evt := <-ch:
			if !wanted(evt.Kind, prefixes) {
				return true
			}
			c.SSEvent(evt.Kind, EventEnvelope{
				EventID:    uuid.NewString(),
				Session:    s.sessionName,
				Kind:       evt.Kind,
				OccurredAt: evt.Timestamp,
				Payload:    evt.Payload,
			})
			return true
		case <-c.Request.Context().Done():
			return false
		}
	})
}

func wanted(kind string, prefixes []string) bool {
	if strings.HasPrefix(kind, "feed.") {
		return false
	}
	if len(prefixes) == 0 {
		return true
	}
	for _, p := range prefixes {
		if strings.HasPrefix(kind, p) {
			return true
		}
	}
	return false
}
