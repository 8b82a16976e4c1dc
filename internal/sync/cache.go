package sync

import (
	"time"

	"go.uber.org/zap"

	"github.com/matheus3301/convsync/internal/model"
	"github.com/matheus3301/convsync/internal/store"
)

// DefaultCacheTTL is how long a cached conversation list stays usable.
const DefaultCacheTTL = 5 * time.Minute

// ConversationCache keeps the last fetched conversation list per user in
// the local database, so there is something to show while a fresh fetch
// is in flight or when it fails.
type ConversationCache struct {
	db     *store.DB
	ttl    time.Duration
	logger *zap.Logger
}

// NewConversationCache creates a cache. ttl <= 0 selects DefaultCacheTTL.
func NewConversationCache(db *store.DB, ttl time.Duration, logger *zap.Logger) *ConversationCache {
	if logger == nil {
		logger = zap.NewNop()
	}
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &ConversationCache{db: db, ttl: ttl, logger: logger}
}

// CacheKey is the cache entry key of a user's conversation list.
func CacheKey(userID string) string {
	return "conversations:" + userID
}

// Save stores convs for userID. Failures are only logged.
func (c *ConversationCache) Save(userID string, convs []model.Conversation) {
	if err := c.db.PutCache(CacheKey(userID), convs); err != nil {
		c.logger.Warn("failed to cache conversations", zap.String("user_id", userID), zap.Error(err))
	}
}

// Load returns the cached list for userID if it is fresher than the TTL.
func (c *ConversationCache) Load(userID string) ([]model.Conversation, bool) {
	var convs []model.Conversation
	ok, err := c.db.GetCache(CacheKey(userID), c.ttl, &convs)
	if err != nil {
		c.logger.Warn("failed to read conversation cache", zap.String("user_id", userID), zap.Error(err))
		return nil, false
	}
	return convs, ok
}

// Invalidate drops the cached list for userID.
func (c *ConversationCache) Invalidate(userID string) {
	if err := c.db.DeleteCache(CacheKey(userID)); err != nil {
		c.logger.Warn("failed to invalidate conversation cache", zap.String("user_id", userID), zap.Error(err))
	}
}
