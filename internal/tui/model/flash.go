package model

import (
	"sync"
	"time"

	"github.com/matheus3301/convsync/internal/notify"
)

// Flash holds the latest toast until it expires.
type Flash struct {
	mu      sync.RWMutex
	message string
	level   notify.Level
	expires time.Time
}

// Set stores a message that expires after d.
func (f *Flash) Set(msg string, level notify.Level, d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.message = msg
	f.level = level
	f.expires = time.Now().Add(d)
}

// Get returns the current message and its level, or "" once expired.
func (f *Flash) Get() (string, notify.Level) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if time.Now().After(f.expires) {
		return "", ""
	}
	return f.message, f.level
}
