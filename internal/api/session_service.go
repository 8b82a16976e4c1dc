package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/matheus3301/convsync/internal/bus"
	"github.com/matheus3301/convsync/internal/chat"
	"github.com/matheus3301/convsync/internal/status"
)

// StatusResponse describes the running session.
type StatusResponse struct {
	Session       string          `json:"session"`
	UserID        string          `json:"user_id,omitempty"`
	TenantID      string          `json:"tenant_id,omitempty"`
	DisplayName   string          `json:"display_name,omitempty"`
	Feed          status.Snapshot `json:"feed"`
	UptimeMs      int64           `json:"uptime_ms"`
	Conversations int             `json:"conversations"`
	Unread        int             `json:"unread"`
	Pending       int             `json:"pending"`
	ActiveID      string          `json:"active_id,omitempty"`
	DroppedEvents uint64          `json:"dropped_events"`
}

// SessionService serves the session status.
type SessionService struct {
	sessionName string
	startedAt   time.Time
	machine     *status.Machine
	chat        *chat.Service
	bus         *bus.Bus
}

// NewSessionService creates a new session service.
func NewSessionService(sessionName string, machine *status.Machine, svc *chat.Service, b *bus.Bus) *SessionService {
	return &SessionService{
		sessionName: sessionName,
		startedAt:   time.Now(),
		machine:     machine,
		chat:        svc,
		bus:         b,
	}
}

// Register mounts the routes.
func (s *SessionService) Register(r gin.IRouter) {
	r.GET("/status", s.getStatus)
}

func (s *SessionService) getStatus(c *gin.Context) {
	id := s.chat.Identity()
	resp := StatusResponse{
		Session:     s.sessionName,
		UserID:      id.UserID,
		TenantID:    id.TenantID,
		DisplayName: id.Profile.FullName,
		Feed:        s.machine.Snapshot(),
		UptimeMs:    time.Since(s.startedAt).Milliseconds(),
		ActiveID:    s.chat.Snapshot().ActiveID,
	}
	for _, conv := range s.chat.Conversations() {
		resp.Conversations++
		resp.Unread += conv.UnreadCount
	}
	if pending, err := s.chat.Pending(); err == nil {
		resp.Pending = len(pending)
	}
	if s.bus != nil {
		resp.DroppedEvents = s.bus.Dropped()
	}
	c.JSON(http.StatusOK, resp)
}
