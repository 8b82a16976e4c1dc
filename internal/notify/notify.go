// Package notify delivers user-facing toasts. Error toasts carry only the
// translated message for their category; raw backend text is logged.
package notify

import (
	"time"

	"go.uber.org/zap"

	"github.com/matheus3301/convsync/internal/apperr"
	"github.com/matheus3301/convsync/internal/bus"
)

// Level is the severity of a toast.
type Level string

const (
	LevelInfo    Level = "info"
	LevelSuccess Level = "success"
	LevelError   Level = "error"
)

// Toast is a single user-facing notification.
type Toast struct {
	Level    Level           `json:"level"`
	Message  string          `json:"message"`
	Category apperr.Category `json:"category,omitempty"`
	At       time.Time       `json:"at"`
}

// Sink publishes toasts on the bus and logs them. A nil *Sink discards
// everything.
type Sink struct {
	bus    *bus.Bus
	logger *zap.Logger
}

// New creates a sink.
func New(b *bus.Bus, logger *zap.Logger) *Sink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sink{bus: b, logger: logger}
}

// Info shows an informational message.
func (s *Sink) Info(msg string) {
	s.emit(Toast{Level: LevelInfo, Message: msg})
}

// Success shows a success message.
func (s *Sink) Success(msg string) {
	s.emit(Toast{Level: LevelSuccess, Message: msg})
}

// Error shows the user message for err's category and logs the raw error.
func (s *Sink) Error(op string, err error) {
	if s == nil || err == nil {
		return
	}
	cat := apperr.Classify(err)
	s.logger.Warn("operation failed", zap.String("op", op), zap.String("category", string(cat)), zap.Error(err))
	s.emit(Toast{Level: LevelError, Message: apperr.MessageFor(cat), Category: cat})
}

func (s *Sink) emit(t Toast) {
	if s == nil {
		return
	}
	t.At = time.Now()
	if t.Level != LevelError {
		s.logger.Info("toast", zap.String("level", string(t.Level)), zap.String("message", t.Message))
	}
	if s.bus != nil {
		s.bus.Emit(bus.KindToast, t)
	}
}
