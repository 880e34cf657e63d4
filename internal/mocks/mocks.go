package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"

	"referral-service/internal/lifecycle"
	"referral-service/internal/matchmaking"
	"referral-service/internal/models"
	"referral-service/internal/repositories"
	"referral-service/internal/scheduler"
)

type ChatRepositoryMock struct {
	mock.Mock
}

func (m *ChatRepositoryMock) CreateOrGetChat(ctx context.Context, c models.NewChat) (models.Chat, bool, error) {
	args := m.Called(ctx, c)
	var chat models.Chat
	if val := args.Get(0); val != nil {
		chat = val.(models.Chat)
	}
	return chat, args.Bool(1), args.Error(2)
}

func (m *ChatRepositoryMock) GetChat(ctx context.Context, chatID string) (models.Chat, error) {
	args := m.Called(ctx, chatID)
	var chat models.Chat
	if val := args.Get(0); val != nil {
		chat = val.(models.Chat)
	}
	return chat, args.Error(1)
}

func (m *ChatRepositoryMock) FindByMatchID(ctx context.Context, matchID string) (models.Chat, error) {
	args := m.Called(ctx, matchID)
	var chat models.Chat
	if val := args.Get(0); val != nil {
		chat = val.(models.Chat)
	}
	return chat, args.Error(1)
}

func (m *ChatRepositoryMock) ListChats(ctx context.Context, uid string) ([]models.Chat, error) {
	args := m.Called(ctx, uid)
	var list []models.Chat
	if val := args.Get(0); val != nil {
		list = val.([]models.Chat)
	}
	return list, args.Error(1)
}

func (m *ChatRepositoryMock) AddParticipant(ctx context.Context, chatID, uid string) error {
	args := m.Called(ctx, chatID, uid)
	return args.Error(0)
}

func (m *ChatRepositoryMock) SetLocked(ctx context.Context, chatID string, locked bool) error {
	args := m.Called(ctx, chatID, locked)
	return args.Error(0)
}

type MessageRepositoryMock struct {
	mock.Mock
}

func (m *MessageRepositoryMock) CreateMessage(ctx context.Context, msg models.NewMessage) (models.Message, error) {
	args := m.Called(ctx, msg)
	var out models.Message
	if val := args.Get(0); val != nil {
		out = val.(models.Message)
	}
	return out, args.Error(1)
}

func (m *MessageRepositoryMock) GetChatMessagesForUser(ctx context.Context, chatID, uid string) ([]models.Message, error) {
	args := m.Called(ctx, chatID, uid)
	var msgs []models.Message
	if val := args.Get(0); val != nil {
		msgs = val.([]models.Message)
	}
	return msgs, args.Error(1)
}

func (m *MessageRepositoryMock) MarkRead(ctx context.Context, chatID, uid string) (int64, error) {
	args := m.Called(ctx, chatID, uid)
	return args.Get(0).(int64), args.Error(1)
}

type MatchServiceMock struct {
	mock.Mock
}

func (m *MatchServiceMock) Accept(ctx context.Context, matchID, uid string) (lifecycle.Outcome, error) {
	args := m.Called(ctx, matchID, uid)
	return args.Get(0).(lifecycle.Outcome), args.Error(1)
}

func (m *MatchServiceMock) Decline(ctx context.Context, matchID, uid string) (lifecycle.Outcome, error) {
	args := m.Called(ctx, matchID, uid)
	return args.Get(0).(lifecycle.Outcome), args.Error(1)
}

func (m *MatchServiceMock) ProposeTime(ctx context.Context, req lifecycle.ProposeTimeRequest) (lifecycle.Outcome, error) {
	args := m.Called(ctx, req)
	return args.Get(0).(lifecycle.Outcome), args.Error(1)
}

func (m *MatchServiceMock) AcceptTime(ctx context.Context, req lifecycle.AcceptTimeRequest) (lifecycle.Outcome, error) {
	args := m.Called(ctx, req)
	return args.Get(0).(lifecycle.Outcome), args.Error(1)
}

func (m *MatchServiceMock) Respond(ctx context.Context, userID, partnerID string, accept bool) (lifecycle.Outcome, error) {
	args := m.Called(ctx, userID, partnerID, accept)
	return args.Get(0).(lifecycle.Outcome), args.Error(1)
}

func (m *MatchServiceMock) GetMatch(ctx context.Context, matchID string) (models.Match, error) {
	args := m.Called(ctx, matchID)
	var match models.Match
	if val := args.Get(0); val != nil {
		match = val.(models.Match)
	}
	return match, args.Error(1)
}

func (m *MatchServiceMock) ListMatches(ctx context.Context, uid string) ([]models.Match, error) {
	args := m.Called(ctx, uid)
	var list []models.Match
	if val := args.Get(0); val != nil {
		list = val.([]models.Match)
	}
	return list, args.Error(1)
}

type MatchmakerMock struct {
	mock.Mock
}

func (m *MatchmakerMock) FindDirectMatch(ctx context.Context, userID string) (matchmaking.DirectResult, error) {
	args := m.Called(ctx, userID)
	return args.Get(0).(matchmaking.DirectResult), args.Error(1)
}

func (m *MatchmakerMock) FindMarketplaceMatch(ctx context.Context, req matchmaking.MarketplaceRequest) (matchmaking.MatchCreationResult, error) {
	args := m.Called(ctx, req)
	return args.Get(0).(matchmaking.MatchCreationResult), args.Error(1)
}

type SweepRunnerMock struct {
	mock.Mock
}

func (m *SweepRunnerMock) RunOnce(ctx context.Context) (scheduler.Report, error) {
	args := m.Called(ctx)
	return args.Get(0).(scheduler.Report), args.Error(1)
}

type BroadcasterMock struct {
	mock.Mock
}

func (m *BroadcasterMock) BroadcastMessage(msg models.Message) {
	m.Called(msg)
}

var _ repositories.ChatRepository = (*ChatRepositoryMock)(nil)
var _ repositories.MessageRepository = (*MessageRepositoryMock)(nil)
var _ lifecycle.Broadcaster = (*BroadcasterMock)(nil)
