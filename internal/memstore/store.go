// Package memstore is an in-memory repositories.Store for tests and local
// runs. A transaction holds the store lock for its whole duration and
// restores a snapshot when it fails, so it behaves like a serializable
// database with row locks.
package memstore

import (
	"context"
	"sync"
	"time"

	"referral-service/internal/models"
	"referral-service/internal/repositories"
)

// Store keeps profiles, matches, chats and messages in memory.
type Store struct {
	mu     sync.Mutex
	state  *state
	now    func() time.Time
	faults map[string]error
}

type state struct {
	profiles     map[string]models.Profile
	profileOrder []string
	matches      map[string]models.Match
	matchOrder   []string
	chats        map[string]models.Chat
	chatOrder    []string
	messages     []models.Message
}

// New constructs an empty Store using the wall clock.
func New() *Store {
	return &Store{
		state: &state{
			profiles: map[string]models.Profile{},
			matches:  map[string]models.Match{},
			chats:    map[string]models.Chat{},
		},
		now:    time.Now,
		faults: map[string]error{},
	}
}

// SetClock replaces the clock used for timestamps.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// FailNext makes the next call of the named repository method return err,
// e.g. FailNext("Chats.CreateOrGetChat", err).
func (s *Store) FailNext(op string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.faults[op] = err
}

// Repositories returns repositories that lock per call.
func (s *Store) Repositories() repositories.Repositories {
	return s.repositories(false)
}

// WithinTx runs fn holding the store lock and rolls back on error.
func (s *Store) WithinTx(ctx context.Context, fn func(ctx context.Context, repos repositories.Repositories) error) (err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	snapshot := s.state.clone()
	defer func() {
		if p := recover(); p != nil {
			s.state = snapshot
			panic(p)
		}
		if err != nil {
			s.state = snapshot
		}
	}()
	return fn(ctx, s.repositories(true))
}

func (s *Store) repositories(tx bool) repositories.Repositories {
	return repositories.Repositories{
		Matches:  &matchRepo{store: s, tx: tx},
		Chats:    &chatRepo{store: s, tx: tx},
		Messages: &messageRepo{store: s, tx: tx},
		Profiles: &profileRepo{store: s, tx: tx},
	}
}

// lock acquires the store lock for calls made outside a transaction and
// returns the matching release.
func (s *Store) lock(tx bool) func() {
	if tx {
		return func() {}
	}
	s.mu.Lock()
	return s.mu.Unlock
}

func (s *Store) fault(op string) error {
	if err, ok := s.faults[op]; ok {
		delete(s.faults, op)
		return err
	}
	return nil
}

// SetMatchCreatedAt backdates a match, used to exercise the decision window.
func (s *Store) SetMatchCreatedAt(matchID string, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m, ok := s.state.matches[matchID]; ok {
		m.CreatedAt = at
		s.state.matches[matchID] = m
	}
}

// Matches returns a copy of every stored match.
func (s *Store) Matches() []models.Match {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.Match, 0, len(s.state.matchOrder))
	for _, id := range s.state.matchOrder {
		out = append(out, copyMatch(s.state.matches[id]))
	}
	return out
}

// Chats returns a copy of every stored chat.
func (s *Store) Chats() []models.Chat {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.Chat, 0, len(s.state.chatOrder))
	for _, id := range s.state.chatOrder {
		out = append(out, copyChat(s.state.chats[id]))
	}
	return out
}

// Messages returns a copy of every message of a chat regardless of
// visibility.
func (s *Store) Messages(chatID string) []models.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Message
	for _, m := range s.state.messages {
		if m.ChatID == chatID {
			out = append(out, copyMessage(m))
		}
	}
	return out
}

func (st *state) clone() *state {
	c := &state{
		profiles:     make(map[string]models.Profile, len(st.profiles)),
		profileOrder: append([]string(nil), st.profileOrder...),
		matches:      make(map[string]models.Match, len(st.matches)),
		matchOrder:   append([]string(nil), st.matchOrder...),
		chats:        make(map[string]models.Chat, len(st.chats)),
		chatOrder:    append([]string(nil), st.chatOrder...),
		messages:     make([]models.Message, 0, len(st.messages)),
	}
	for k, v := range st.profiles {
		c.profiles[k] = copyProfile(v)
	}
	for k, v := range st.matches {
		c.matches[k] = copyMatch(v)
	}
	for k, v := range st.chats {
		c.chats[k] = copyChat(v)
	}
	for _, m := range st.messages {
		c.messages = append(c.messages, copyMessage(m))
	}
	return c
}

func copyStrings(v []string) []string {
	if v == nil {
		return nil
	}
	return append([]string(nil), v...)
}

func copyProfile(p models.Profile) models.Profile {
	p.Companies = copyStrings(p.Companies)
	p.Positions = copyStrings(p.Positions)
	p.Skills = copyStrings(p.Skills)
	p.Industries = copyStrings(p.Industries)
	return p
}

func copyMatch(m models.Match) models.Match {
	m.MatchParameters.Positions = copyStrings(m.MatchParameters.Positions)
	m.MatchParameters.Skills = copyStrings(m.MatchParameters.Skills)
	if m.AcceptedTime != nil {
		at := *m.AcceptedTime
		m.AcceptedTime = &at
	}
	return m
}

func copyChat(c models.Chat) models.Chat {
	c.Participants = copyStrings(c.Participants)
	return c
}

func copyMessage(m models.Message) models.Message {
	m.RecipientUIDs = copyStrings(m.RecipientUIDs)
	m.ReadBy = copyStrings(m.ReadBy)
	return m
}

func contains(values []string, v string) bool {
	for _, x := range values {
		if x == v {
			return true
		}
	}
	return false
}

func dedupe(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		if v != "" && !contains(out, v) {
			out = append(out, v)
		}
	}
	return out
}

var _ repositories.Store = (*Store)(nil)
