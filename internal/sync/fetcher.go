package sync

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	"go.uber.org/zap"

	"github.com/matheus3301/convsync/internal/apperr"
	"github.com/matheus3301/convsync/internal/model"
	"github.com/matheus3301/convsync/internal/remote"
)

// DefaultPreviewDepth is how many recent messages per conversation are
// fetched for previews and unread counts.
const DefaultPreviewDepth = 50

// ErrNoIdentity is returned when an operation needs a signed-in user.
var ErrNoIdentity = errors.New("no signed-in identity")

// Fetcher is the remote sync layer: it reads conversations and messages
// from the backend and maps them into model types.
type Fetcher struct {
	backend remote.Backend
	scope   *Scope
	depth   int
	logger  *zap.Logger
}

// NewFetcher creates a fetcher. depth <= 0 selects DefaultPreviewDepth.
func NewFetcher(backend remote.Backend, scope *Scope, depth int, logger *zap.Logger) *Fetcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if depth <= 0 {
		depth = DefaultPreviewDepth
	}
	return &Fetcher{backend: backend, scope: scope, depth: depth, logger: logger}
}

// FetchConversations returns every conversation of the signed-in identity,
// ordered for display, and refreshes the membership set. When the backend
// cannot serve the nested query it falls back to fetching each table
// separately and joining the rows here.
func (f *Fetcher) FetchConversations(ctx context.Context) ([]model.Conversation, error) {
	const op = "fetch conversations"
	self := f.scope.SelfID()
	if self == "" {
		return nil, apperr.New(op, apperr.NotAuthenticated, ErrNoIdentity)
	}

	rows, err := f.backend.ConversationsWithDetails(ctx, self, f.depth)
	var convs []model.Conversation
	switch {
	case err == nil:
		convs = f.fromNested(rows)
	case apperr.IsSchemaMismatch(err):
		f.logger.Warn("nested conversation query unavailable, using fallback", zap.Error(err))
		convs, err = f.fetchFlat(ctx, self)
		if err != nil {
			return nil, apperr.Wrap(op, err)
		}
	default:
		return nil, apperr.Wrap(op, err)
	}

	ids := make([]string, len(convs))
	for i, c := range convs {
		ids[i] = c.ID
	}
	f.scope.SetMembership(ids)
	return model.SortConversations(convs), nil
}

func (f *Fetcher) fromNested(rows []remote.ConversationRow) []model.Conversation {
	self := f.scope.SelfID()
	out := make([]model.Conversation, 0, len(rows))
	for i := range rows {
		row := &rows[i]
		parts := make([]model.Participant, 0, len(row.Participants))
		for j := range row.Participants {
			p := row.Participants[j].ToParticipant(nil)
			if p.Profile == nil {
				if cached, ok := f.scope.CachedProfile(p.UserID); ok {
					p.Profile = cached
				} else {
					p.Profile = placeholderProfile(p.UserID)
				}
			} else {
				f.scope.CacheProfiles(p.Profile)
			}
			parts = append(parts, p)
		}
		previews := make([]model.MessagePreview, 0, len(row.Messages))
		for j := range row.Messages {
			if row.Messages[j].Deleted() {
				continue
			}
			previews = append(previews, row.Messages[j].ToPreview())
		}
		out = append(out, assemble(row.ToConversation(), parts, previews, self))
	}
	return out
}

func (f *Fetcher) fetchFlat(ctx context.Context, self string) ([]model.Conversation, error) {
	memberships, err := f.backend.MembershipsForUser(ctx, self)
	if err != nil {
		return nil, fmt.Errorf("memberships: %w", err)
	}
	if len(memberships) == 0 {
		return nil, nil
	}
	ids := make([]string, 0, len(memberships))
	for _, m := range memberships {
		ids = append(ids, m.ConversationID)
	}

	convRows, err := f.backend.ConversationsByID(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("conversations: %w", err)
	}
	partRows, err := f.backend.ParticipantsFor(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("participants: %w", err)
	}

	userIDs := make([]string, 0, len(partRows))
	for _, p := range partRows {
		userIDs = append(userIDs, p.UserID)
	}
	profiles, err := f.scope.LoadProfiles(ctx, userIDs)
	if err != nil {
		f.logger.Warn("profiles unavailable, using placeholders", zap.Error(err))
	}

	msgRows, err := f.backend.RecentMessages(ctx, ids, f.depth)
	if err != nil {
		f.logger.Warn("recent messages unavailable, previews omitted", zap.Error(err))
		msgRows = nil
	}

	partsByConv := make(map[string][]model.Participant, len(ids))
	for i := range partRows {
		profile := profiles[partRows[i].UserID]
		if profile == nil {
			profile = placeholderProfile(partRows[i].UserID)
		}
		p := partRows[i].ToParticipant(profile)
		partsByConv[p.ConversationID] = append(partsByConv[p.ConversationID], p)
	}
	previewsByConv := make(map[string][]model.MessagePreview, len(ids))
	for i := range msgRows {
		if msgRows[i].Deleted() {
			continue
		}
		cid := msgRows[i].ConversationID
		if len(previewsByConv[cid]) >= f.depth {
			continue
		}
		previewsByConv[cid] = append(previewsByConv[cid], msgRows[i].ToPreview())
	}

	out := make([]model.Conversation, 0, len(convRows))
	for i := range convRows {
		c := convRows[i].ToConversation()
		out = append(out, assemble(c, partsByConv[c.ID], previewsByConv[c.ID], self))
	}
	return out, nil
}

// assemble attaches participants and previews and derives the last
// message, its timestamp and the unread count.
func assemble(c model.Conversation, parts []model.Participant, previews []model.MessagePreview, self string) model.Conversation {
	slices.SortStableFunc(parts, func(a, b model.Participant) int {
		if d := a.JoinedAt.Compare(b.JoinedAt); d != 0 {
			return d
		}
		return strings.Compare(a.UserID, b.UserID)
	})
	c.Participants = parts

	var last *model.MessagePreview
	for i := range previews {
		if last == nil || previews[i].CreatedAt.After(last.CreatedAt) {
			last = &previews[i]
		}
	}
	if last != nil {
		lp := *last
		c.LastMessage = &lp
		if c.LastMessageAt == nil || lp.CreatedAt.After(*c.LastMessageAt) {
			t := lp.CreatedAt
			c.LastMessageAt = &t
		}
	}

	if me, ok := c.Participant(self); ok {
		c.UnreadCount = model.UnreadCount(me.LastReadAt, self, previews)
	}
	return c
}

// FetchMessages returns the non-deleted messages of a conversation, oldest
// first, with sender profiles resolved.
func (f *Fetcher) FetchMessages(ctx context.Context, conversationID string) ([]model.Message, error) {
	const op = "fetch messages"
	rows, err := f.backend.Messages(ctx, conversationID)
	if err != nil {
		return nil, apperr.Wrap(op, err)
	}

	var missing []string
	for i := range rows {
		if rows[i].Sender == nil {
			missing = append(missing, rows[i].SenderID)
		}
	}
	profiles, err := f.scope.LoadProfiles(ctx, missing)
	if err != nil {
		f.logger.Warn("sender profiles unavailable", zap.String("conversation_id", conversationID), zap.Error(err))
	}

	out := make([]model.Message, 0, len(rows))
	for i := range rows {
		if rows[i].Deleted() {
			continue
		}
		var sender *model.Profile
		if rows[i].Sender != nil {
			sender = rows[i].Sender.ToProfile()
			f.scope.CacheProfiles(sender)
		} else if p := profiles[rows[i].SenderID]; p != nil {
			sender = p
		} else {
			sender = placeholderProfile(rows[i].SenderID)
		}
		out = append(out, rows[i].ToMessage(sender))
	}
	return model.SortMessages(out), nil
}

// GetOrCreateConversation returns the direct conversation between the
// signed-in identity and otherUserID. local is searched first; then the
// backend procedure is asked; if the procedure is missing or returns an
// unusable shape, memberships are intersected and, failing that, a new
// conversation is created.
func (f *Fetcher) GetOrCreateConversation(ctx context.Context, otherUserID string, local []model.Conversation) (string, error) {
	const op = "get or create conversation"
	me := f.scope.Identity()
	if !me.Valid() {
		return "", apperr.New(op, apperr.NotAuthenticated, ErrNoIdentity)
	}
	if otherUserID == "" || otherUserID == me.UserID {
		return "", apperr.New(op, apperr.Invalid, fmt.Errorf("invalid recipient %q", otherUserID))
	}

	if id := FindDirect(local, me.UserID, otherUserID); id != "" {
		return id, nil
	}

	id, err := f.backend.GetOrCreateDirect(ctx, me.UserID, otherUserID, me.TenantID)
	if err == nil {
		f.scope.AddMember(id)
		return id, nil
	}
	if cat := apperr.Classify(err); cat != apperr.SchemaNotReady && cat != apperr.Unknown {
		return "", apperr.Wrap(op, err)
	}
	f.logger.Warn("get-or-create procedure failed, using manual path", zap.Error(err))

	id, err = f.getOrCreateManually(ctx, me, otherUserID)
	if err != nil {
		return "", apperr.Wrap(op, err)
	}
	f.scope.AddMember(id)
	return id, nil
}

func (f *Fetcher) getOrCreateManually(ctx context.Context, me model.Identity, otherUserID string) (string, error) {
	mine, err := f.backend.MembershipsForUser(ctx, me.UserID)
	if err != nil {
		return "", fmt.Errorf("own memberships: %w", err)
	}
	theirs, err := f.backend.MembershipsForUser(ctx, otherUserID)
	if err != nil {
		return "", fmt.Errorf("recipient memberships: %w", err)
	}

	own := make(map[string]bool, len(mine))
	for _, m := range mine {
		own[m.ConversationID] = true
	}
	var shared []string
	for _, m := range theirs {
		if own[m.ConversationID] && !slices.Contains(shared, m.ConversationID) {
			shared = append(shared, m.ConversationID)
		}
	}

	if len(shared) > 0 {
		rows, err := f.backend.ConversationsByID(ctx, shared)
		if err != nil {
			return "", fmt.Errorf("shared conversations: %w", err)
		}
		if id := oldestDirect(rows); id != "" {
			return id, nil
		}
	}

	if _, err := f.scope.Profile(ctx, otherUserID); err != nil {
		return "", err
	}

	row, err := f.backend.InsertConversation(ctx, remote.ConversationInsert{
		TenantID:  me.TenantID,
		Type:      model.KindDirect,
		CreatedBy: me.UserID,
	})
	if err != nil {
		return "", fmt.Errorf("create conversation: %w", err)
	}
	err = f.backend.UpsertParticipants(ctx, []remote.ParticipantInsert{
		{ConversationID: row.ID, UserID: me.UserID},
		{ConversationID: row.ID, UserID: otherUserID},
	})
	if err != nil {
		return "", fmt.Errorf("add participants: %w", err)
	}
	f.logger.Info("direct conversation created", zap.String("conversation_id", row.ID), zap.String("other_user_id", otherUserID))
	return row.ID, nil
}

// oldestDirect picks the earliest-created direct conversation, breaking
// ties by id, so repeated lookups agree.
func oldestDirect(rows []remote.ConversationRow) string {
	var best *remote.ConversationRow
	for i := range rows {
		r := &rows[i]
		if r.Kind() != model.KindDirect {
			continue
		}
		if best == nil {
			best = r
			continue
		}
		bc, rc := best.CreatedAt.Value(), r.CreatedAt.Value()
		if rc.Before(bc) || (rc.Equal(bc) && r.ID < best.ID) {
			best = r
		}
	}
	if best == nil {
		return ""
	}
	return best.ID
}

// FindDirect returns the id of a direct conversation in list whose members
// include both users, or "".
func FindDirect(list []model.Conversation, userA, userB string) string {
	for i := range list {
		c := &list[i]
		if c.Kind == model.KindDirect && c.HasParticipant(userA) && c.HasParticipant(userB) {
			return c.ID
		}
	}
	return ""
}
