package memstore

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"

	"referral-service/internal/models"
	"referral-service/internal/repositories"
)

type matchRepo struct {
	store *Store
	tx    bool
}

func (r *matchRepo) UpsertMatch(ctx context.Context, nm models.NewMatch) (models.Match, bool, error) {
	defer r.store.lock(r.tx)()
	if err := r.store.fault("Matches.UpsertMatch"); err != nil {
		return models.Match{}, false, err
	}
	st := r.store.state
	params := nm.MatchParameters
	for _, id := range st.matchOrder {
		m := st.matches[id]
		if m.Status.Inactive() {
			continue
		}
		if sameTuple(m, nm) {
			return copyMatch(m), false, nil
		}
	}

	now := r.store.now()
	m := models.Match{
		ID:         uuid.NewString(),
		TalentUID:  nm.TalentUID,
		InsiderUID: nm.InsiderUID,
		MatchParameters: models.MatchParameters{
			Company:   params.Company,
			Positions: copyStrings(params.Positions),
			Skills:    copyStrings(params.Skills),
		},
		Type:            nm.Type,
		Status:          models.MatchStatusFound,
		TalentAccepted:  nm.TalentAccepted,
		InsiderAccepted: nm.InsiderAccepted,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	st.matches[m.ID] = m
	st.matchOrder = append(st.matchOrder, m.ID)
	return copyMatch(m), true, nil
}

func (r *matchRepo) GetMatch(ctx context.Context, matchID string) (models.Match, error) {
	defer r.store.lock(r.tx)()
	if err := r.store.fault("Matches.GetMatch"); err != nil {
		return models.Match{}, err
	}
	return r.get(matchID)
}

func (r *matchRepo) GetMatchForUpdate(ctx context.Context, matchID string) (models.Match, error) {
	defer r.store.lock(r.tx)()
	if err := r.store.fault("Matches.GetMatchForUpdate"); err != nil {
		return models.Match{}, err
	}
	return r.get(matchID)
}

func (r *matchRepo) get(matchID string) (models.Match, error) {
	m, ok := r.store.state.matches[matchID]
	if !ok {
		return models.Match{}, repositories.ErrMatchNotFound
	}
	return copyMatch(m), nil
}

func (r *matchRepo) FindActiveBetween(ctx context.Context, userA, userB string) (models.Match, error) {
	defer r.store.lock(r.tx)()
	return r.newestBetween(userA, userB, true)
}

func (r *matchRepo) FindLatestBetween(ctx context.Context, userA, userB string) (models.Match, error) {
	defer r.store.lock(r.tx)()
	if err := r.store.fault("Matches.FindLatestBetween"); err != nil {
		return models.Match{}, err
	}
	return r.newestBetween(userA, userB, false)
}

func (r *matchRepo) newestBetween(userA, userB string, activeOnly bool) (models.Match, error) {
	st := r.store.state
	var found *models.Match
	for _, id := range st.matchOrder {
		m := st.matches[id]
		if activeOnly && m.Status.Inactive() {
			continue
		}
		if (m.TalentUID == userA && m.InsiderUID == userB) || (m.TalentUID == userB && m.InsiderUID == userA) {
			if found == nil || !m.CreatedAt.Before(found.CreatedAt) {
				c := copyMatch(m)
				found = &c
			}
		}
	}
	if found == nil {
		return models.Match{}, repositories.ErrMatchNotFound
	}
	return *found, nil
}

func (r *matchRepo) ListForUser(ctx context.Context, uid string) ([]models.Match, error) {
	defer r.store.lock(r.tx)()
	if err := r.store.fault("Matches.ListForUser"); err != nil {
		return nil, err
	}
	st := r.store.state
	out := make([]models.Match, 0)
	for _, id := range st.matchOrder {
		m := st.matches[id]
		if m.TalentUID == uid || m.InsiderUID == uid {
			out = append(out, copyMatch(m))
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (r *matchRepo) UpdateStatus(ctx context.Context, matchID string, status models.MatchStatus) error {
	defer r.store.lock(r.tx)()
	if err := r.store.fault("Matches.UpdateStatus"); err != nil {
		return err
	}
	return r.mutateActive(matchID, func(m *models.Match) { m.Status = status })
}

func (r *matchRepo) SetAcceptance(ctx context.Context, matchID string, side models.Side, value bool) error {
	defer r.store.lock(r.tx)()
	if err := r.store.fault("Matches.SetAcceptance"); err != nil {
		return err
	}
	return r.mutateActive(matchID, func(m *models.Match) {
		if side == models.SideTalent {
			m.TalentAccepted = value
		} else {
			m.InsiderAccepted = value
		}
	})
}

func (r *matchRepo) SetChatID(ctx context.Context, matchID, chatID string) error {
	defer r.store.lock(r.tx)()
	if err := r.store.fault("Matches.SetChatID"); err != nil {
		return err
	}
	m, ok := r.store.state.matches[matchID]
	if !ok {
		return repositories.ErrMatchNotFound
	}
	m.ChatID = chatID
	m.UpdatedAt = r.store.now()
	r.store.state.matches[matchID] = m
	return nil
}

func (r *matchRepo) SetAcceptedTime(ctx context.Context, matchID string, at models.AcceptedTime) error {
	defer r.store.lock(r.tx)()
	if err := r.store.fault("Matches.SetAcceptedTime"); err != nil {
		return err
	}
	return r.mutateActive(matchID, func(m *models.Match) {
		accepted := at
		m.AcceptedTime = &accepted
	})
}

func (r *matchRepo) ExpireOverdue(ctx context.Context, cutoff time.Time, uid string) ([]models.Match, error) {
	defer r.store.lock(r.tx)()
	if err := r.store.fault("Matches.ExpireOverdue"); err != nil {
		return nil, err
	}
	st := r.store.state
	var expired []models.Match
	for _, id := range st.matchOrder {
		m := st.matches[id]
		if !m.Status.Pending() || !m.CreatedAt.Before(cutoff) {
			continue
		}
		if uid != "" && m.TalentUID != uid && m.InsiderUID != uid {
			continue
		}
		m.Status = models.MatchStatusExpired
		m.UpdatedAt = r.store.now()
		st.matches[id] = m
		expired = append(expired, copyMatch(m))
	}
	return expired, nil
}

func (r *matchRepo) ExpireStale(ctx context.Context, nm models.NewMatch, cutoff time.Time) ([]models.Match, error) {
	defer r.store.lock(r.tx)()
	if err := r.store.fault("Matches.ExpireStale"); err != nil {
		return nil, err
	}
	st := r.store.state
	var expired []models.Match
	for _, id := range st.matchOrder {
		m := st.matches[id]
		if !m.Status.Pending() || !m.CreatedAt.Before(cutoff) || !sameTuple(m, nm) {
			continue
		}
		m.Status = models.MatchStatusExpired
		m.UpdatedAt = r.store.now()
		st.matches[id] = m
		expired = append(expired, copyMatch(m))
	}
	return expired, nil
}

func sameTuple(m models.Match, nm models.NewMatch) bool {
	return m.TalentUID == nm.TalentUID && m.InsiderUID == nm.InsiderUID &&
		m.MatchParameters.Company == nm.MatchParameters.Company &&
		m.MatchParameters.Position() == nm.MatchParameters.Position()
}

func (r *matchRepo) mutateActive(matchID string, fn func(m *models.Match)) error {
	m, ok := r.store.state.matches[matchID]
	if !ok {
		return repositories.ErrMatchNotFound
	}
	if m.Status.Inactive() {
		return repositories.ErrMatchInactive
	}
	m = copyMatch(m)
	fn(&m)
	m.UpdatedAt = r.store.now()
	r.store.state.matches[matchID] = m
	return nil
}

type chatRepo struct {
	store *Store
	tx    bool
}

func (r *chatRepo) CreateOrGetChat(ctx context.Context, nc models.NewChat) (models.Chat, bool, error) {
	defer r.store.lock(r.tx)()
	if err := r.store.fault("Chats.CreateOrGetChat"); err != nil {
		return models.Chat{}, false, err
	}
	st := r.store.state
	if c, ok := r.byMatch(nc.MatchID); ok {
		return copyChat(c), false, nil
	}
	now := r.store.now()
	c := models.Chat{
		ID:             uuid.NewString(),
		MatchID:        nc.MatchID,
		Participants:   dedupe(nc.Participants),
		InsiderCompany: nc.InsiderCompany,
		Type:           nc.Type,
		Locked:         nc.Locked,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	st.chats[c.ID] = c
	st.chatOrder = append(st.chatOrder, c.ID)
	return copyChat(c), true, nil
}

func (r *chatRepo) byMatch(matchID string) (models.Chat, bool) {
	for _, id := range r.store.state.chatOrder {
		if c := r.store.state.chats[id]; c.MatchID == matchID {
			return c, true
		}
	}
	return models.Chat{}, false
}

func (r *chatRepo) GetChat(ctx context.Context, chatID string) (models.Chat, error) {
	defer r.store.lock(r.tx)()
	c, ok := r.store.state.chats[chatID]
	if !ok {
		return models.Chat{}, repositories.ErrChatNotFound
	}
	return copyChat(c), nil
}

func (r *chatRepo) FindByMatchID(ctx context.Context, matchID string) (models.Chat, error) {
	defer r.store.lock(r.tx)()
	c, ok := r.byMatch(matchID)
	if !ok {
		return models.Chat{}, repositories.ErrChatNotFound
	}
	return copyChat(c), nil
}

func (r *chatRepo) ListChats(ctx context.Context, uid string) ([]models.Chat, error) {
	defer r.store.lock(r.tx)()
	st := r.store.state
	out := make([]models.Chat, 0)
	for _, id := range st.chatOrder {
		if c := st.chats[id]; contains(c.Participants, uid) {
			out = append(out, copyChat(c))
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (r *chatRepo) AddParticipant(ctx context.Context, chatID, uid string) error {
	defer r.store.lock(r.tx)()
	if err := r.store.fault("Chats.AddParticipant"); err != nil {
		return err
	}
	c, ok := r.store.state.chats[chatID]
	if !ok {
		return repositories.ErrChatNotFound
	}
	if contains(c.Participants, uid) {
		return nil
	}
	c.Participants = append(copyStrings(c.Participants), uid)
	c.UpdatedAt = r.store.now()
	r.store.state.chats[chatID] = c
	return nil
}

func (r *chatRepo) SetLocked(ctx context.Context, chatID string, locked bool) error {
	defer r.store.lock(r.tx)()
	if err := r.store.fault("Chats.SetLocked"); err != nil {
		return err
	}
	c, ok := r.store.state.chats[chatID]
	if !ok {
		return repositories.ErrChatNotFound
	}
	c.Locked = locked
	c.UpdatedAt = r.store.now()
	r.store.state.chats[chatID] = c
	return nil
}

type messageRepo struct {
	store *Store
	tx    bool
}

func (r *messageRepo) CreateMessage(ctx context.Context, nm models.NewMessage) (models.Message, error) {
	defer r.store.lock(r.tx)()
	if err := r.store.fault("Messages.CreateMessage"); err != nil {
		return models.Message{}, err
	}
	if _, ok := r.store.state.chats[nm.ChatID]; !ok {
		return models.Message{}, repositories.ErrChatNotFound
	}
	var recipients []string
	if len(nm.RecipientUIDs) > 0 {
		recipients = dedupe(nm.RecipientUIDs)
	}
	msg := models.Message{
		ID:            uuid.NewString(),
		ChatID:        nm.ChatID,
		SenderID:      nm.SenderID,
		Text:          nm.Text,
		Type:          nm.Type,
		RecipientUIDs: recipients,
		CreatedAt:     r.store.now(),
	}
	r.store.state.messages = append(r.store.state.messages, msg)
	return copyMessage(msg), nil
}

// GetChatMessagesForUser relies on append order for ties on CreatedAt.
func (r *messageRepo) GetChatMessagesForUser(ctx context.Context, chatID, uid string) ([]models.Message, error) {
	defer r.store.lock(r.tx)()
	out := make([]models.Message, 0)
	for _, m := range r.store.state.messages {
		if m.ChatID == chatID && m.VisibleTo(uid) {
			out = append(out, copyMessage(m))
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (r *messageRepo) MarkRead(ctx context.Context, chatID, uid string) (int64, error) {
	defer r.store.lock(r.tx)()
	var count int64
	for i, m := range r.store.state.messages {
		if m.ChatID != chatID || m.Type != models.MessageTypeText || m.SenderID == uid || !m.VisibleTo(uid) || contains(m.ReadBy, uid) {
			continue
		}
		m.ReadBy = append(copyStrings(m.ReadBy), uid)
		r.store.state.messages[i] = m
		count++
	}
	return count, nil
}

type profileRepo struct {
	store *Store
	tx    bool
}

func (r *profileRepo) GetProfile(ctx context.Context, uid string) (models.Profile, error) {
	defer r.store.lock(r.tx)()
	if err := r.store.fault("Profiles.GetProfile"); err != nil {
		return models.Profile{}, err
	}
	p, ok := r.store.state.profiles[uid]
	if !ok {
		return models.Profile{}, repositories.ErrProfileNotFound
	}
	return copyProfile(p), nil
}

func (r *profileRepo) ListTalentsSearching(ctx context.Context) ([]models.Profile, error) {
	return r.list(func(p models.Profile) bool { return p.Role == models.RoleTalent && p.SearchImmediately })
}

func (r *profileRepo) ListInsiders(ctx context.Context) ([]models.Profile, error) {
	return r.list(func(p models.Profile) bool { return p.Role == models.RoleInsider })
}

func (r *profileRepo) list(keep func(models.Profile) bool) ([]models.Profile, error) {
	defer r.store.lock(r.tx)()
	out := make([]models.Profile, 0)
	for _, uid := range r.store.state.profileOrder {
		if p := r.store.state.profiles[uid]; keep(p) {
			out = append(out, copyProfile(p))
		}
	}
	return out, nil
}

func (r *profileRepo) SetSearchImmediately(ctx context.Context, uid string, value bool) error {
	defer r.store.lock(r.tx)()
	if err := r.store.fault("Profiles.SetSearchImmediately"); err != nil {
		return err
	}
	p, ok := r.store.state.profiles[uid]
	if !ok {
		return repositories.ErrProfileNotFound
	}
	p.SearchImmediately = value
	r.store.state.profiles[uid] = p
	return nil
}

func (r *profileRepo) UpsertProfile(ctx context.Context, p models.Profile) error {
	defer r.store.lock(r.tx)()
	st := r.store.state
	if existing, ok := st.profiles[p.UID]; ok {
		p.CreatedAt = existing.CreatedAt
	} else {
		if p.CreatedAt.IsZero() {
			p.CreatedAt = r.store.now()
		}
		st.profileOrder = append(st.profileOrder, p.UID)
	}
	st.profiles[p.UID] = copyProfile(p)
	return nil
}
