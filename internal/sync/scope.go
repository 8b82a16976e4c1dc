package sync

import (
	"context"
	"fmt"
	"slices"
	gosync "sync"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/matheus3301/convsync/internal/apperr"
	"github.com/matheus3301/convsync/internal/model"
	"github.com/matheus3301/convsync/internal/remote"
)

// Scope is the session-scoped state shared by the fetcher and the engine:
// the signed-in identity, a profile cache and the set of conversations the
// identity belongs to. It is created at session start and cleared at
// sign-out.
type Scope struct {
	backend remote.Backend
	logger  *zap.Logger

	mu       gosync.RWMutex
	identity model.Identity
	profiles map[string]*model.Profile
	members  map[string]struct{}

	lookups singleflight.Group
}

// NewScope creates a scope for identity.
func NewScope(backend remote.Backend, identity model.Identity, logger *zap.Logger) *Scope {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Scope{
		backend:  backend,
		logger:   logger,
		identity: identity,
		profiles: make(map[string]*model.Profile),
		members:  make(map[string]struct{}),
	}
	if identity.Valid() && identity.Profile.FullName != "" {
		p := identity.Profile
		p.ID = identity.UserID
		s.profiles[p.ID] = &p
	}
	return s
}

// Identity returns the signed-in identity.
func (s *Scope) Identity() model.Identity {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.identity
}

// SelfID returns the signed-in user id.
func (s *Scope) SelfID() string {
	return s.Identity().UserID
}

// SetIdentity switches the identity. Caches are cleared when the user
// changes.
func (s *Scope) SetIdentity(identity model.Identity) {
	s.mu.Lock()
	changed := s.identity.UserID != identity.UserID
	s.identity = identity
	s.mu.Unlock()
	if changed {
		s.Clear()
	}
}

// Clear drops cached profiles and memberships.
func (s *Scope) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.profiles = make(map[string]*model.Profile)
	s.members = make(map[string]struct{})
}

// IsMember reports whether the identity participates in conversationID.
func (s *Scope) IsMember(conversationID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.members[conversationID]
	return ok
}

// SetMembership replaces the membership set.
func (s *Scope) SetMembership(conversationIDs []string) {
	next := make(map[string]struct{}, len(conversationIDs))
	for _, id := range conversationIDs {
		next[id] = struct{}{}
	}
	s.mu.Lock()
	s.members = next
	s.mu.Unlock()
}

// AddMember adds a conversation to the membership set.
func (s *Scope) AddMember(conversationID string) {
	s.mu.Lock()
	s.members[conversationID] = struct{}{}
	s.mu.Unlock()
}

// RemoveMember removes a conversation from the membership set.
func (s *Scope) RemoveMember(conversationID string) {
	s.mu.Lock()
	delete(s.members, conversationID)
	s.mu.Unlock()
}

// Memberships returns the membership set, sorted.
func (s *Scope) Memberships() []string {
	s.mu.RLock()
	out := make([]string, 0, len(s.members))
	for id := range s.members {
		out = append(out, id)
	}
	s.mu.RUnlock()
	slices.Sort(out)
	return out
}

// CacheProfiles stores profiles in the cache. Nil entries are skipped.
func (s *Scope) CacheProfiles(profiles ...*model.Profile) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range profiles {
		if p != nil && p.ID != "" {
			s.profiles[p.ID] = p
		}
	}
}

// CachedProfile returns a cached profile without going to the backend.
func (s *Scope) CachedProfile(userID string) (*model.Profile, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.profiles[userID]
	return p, ok
}

// Profile returns a user's profile from the cache, fetching it on a miss.
// Concurrent misses for the same user share one fetch.
func (s *Scope) Profile(ctx context.Context, userID string) (*model.Profile, error) {
	if p, ok := s.CachedProfile(userID); ok {
		return p, nil
	}
	v, err, _ := s.lookups.Do(userID, func() (any, error) {
		rows, err := s.backend.Profiles(ctx, []string{userID})
		if err != nil {
			return nil, err
		}
		if len(rows) == 0 {
			return nil, apperr.New("load profile", apperr.RecipientMissing, fmt.Errorf("profile %s not found", userID))
		}
		p := rows[0].ToProfile()
		s.CacheProfiles(p)
		s.logger.Debug("profile cached", zap.String("user_id", userID))
		return p, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*model.Profile), nil
}

// LoadProfiles returns the profiles of ids, fetching the uncached ones in
// one request. Unknown ids are absent from the result.
func (s *Scope) LoadProfiles(ctx context.Context, ids []string) (map[string]*model.Profile, error) {
	out := make(map[string]*model.Profile, len(ids))
	var missing []string
	for _, id := range ids {
		if _, seen := out[id]; seen || id == "" {
			continue
		}
		if p, ok := s.CachedProfile(id); ok {
			out[id] = p
			continue
		}
		if !slices.Contains(missing, id) {
			missing = append(missing, id)
		}
	}
	if len(missing) == 0 {
		return out, nil
	}
	rows, err := s.backend.Profiles(ctx, missing)
	if err != nil {
		return out, err
	}
	for i := range rows {
		p := rows[i].ToProfile()
		s.CacheProfiles(p)
		out[p.ID] = p
	}
	return out, nil
}

// placeholderProfile stands in for a member whose profile is unavailable.
func placeholderProfile(userID string) *model.Profile {
	return &model.Profile{ID: userID, FullName: model.UnknownUser}
}
