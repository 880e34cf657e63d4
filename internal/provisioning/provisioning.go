// Package provisioning owns chat creation and the chat flags bound to a
// match. It works on transaction-scoped repositories so a match, its chat
// and the notices of one flow commit together.
package provisioning

import (
	"context"
	"errors"
	"fmt"

	"referral-service/internal/models"
	"referral-service/internal/notify"
	"referral-service/internal/repositories"
)

// Provisioner creates, locks and unlocks chats and appends their notices.
type Provisioner struct {
	matches repositories.MatchRepository
	chats   repositories.ChatRepository
	emitter *notify.Emitter
}

// New constructs a Provisioner over repos.
func New(repos repositories.Repositories) *Provisioner {
	return &Provisioner{
		matches: repos.Matches,
		chats:   repos.Chats,
		emitter: notify.NewEmitter(repos.Messages),
	}
}

// ChatSpec describes the chat a match needs.
type ChatSpec struct {
	Participants   []string
	InsiderCompany string
	Locked         bool
}

// UpsertChatForMatch returns the chat bound to match, creating it when
// absent, and always writes its id back onto the match. Retrying after a
// failure between the two writes re-discovers the chat by match id.
func (p *Provisioner) UpsertChatForMatch(ctx context.Context, match models.Match, spec ChatSpec) (models.Chat, bool, error) {
	chat, created, err := p.chats.CreateOrGetChat(ctx, models.NewChat{
		MatchID:        match.ID,
		Participants:   spec.Participants,
		InsiderCompany: spec.InsiderCompany,
		Type:           match.Type,
		Locked:         spec.Locked,
	})
	if err != nil {
		return models.Chat{}, false, fmt.Errorf("upsert chat for match %s: %w", match.ID, err)
	}
	if match.ChatID != chat.ID {
		if err := p.matches.SetChatID(ctx, match.ID, chat.ID); err != nil {
			return models.Chat{}, false, fmt.Errorf("attach chat %s: %w", chat.ID, err)
		}
	}
	return chat, created, nil
}

// ChatForMatch resolves the chat of a match. A match whose chat id was never
// written gets it re-attached from the match id lookup. The boolean is false
// when no chat exists yet.
func (p *Provisioner) ChatForMatch(ctx context.Context, match models.Match) (models.Chat, bool, error) {
	if match.ChatID != "" {
		chat, err := p.chats.GetChat(ctx, match.ChatID)
		if err == nil {
			return chat, true, nil
		}
		if !errors.Is(err, repositories.ErrChatNotFound) {
			return models.Chat{}, false, err
		}
	}

	chat, err := p.chats.FindByMatchID(ctx, match.ID)
	if errors.Is(err, repositories.ErrChatNotFound) {
		return models.Chat{}, false, nil
	}
	if err != nil {
		return models.Chat{}, false, err
	}
	if err := p.matches.SetChatID(ctx, match.ID, chat.ID); err != nil {
		return models.Chat{}, false, fmt.Errorf("re-attach chat %s: %w", chat.ID, err)
	}
	return chat, true, nil
}

// AddParticipant adds uid to the chat, doing nothing when present.
func (p *Provisioner) AddParticipant(ctx context.Context, chatID, uid string) error {
	if uid == "" {
		return nil
	}
	if err := p.chats.AddParticipant(ctx, chatID, uid); err != nil {
		return fmt.Errorf("add participant to chat %s: %w", chatID, err)
	}
	return nil
}

// SetLocked toggles free-text messaging on the chat.
func (p *Provisioner) SetLocked(ctx context.Context, chatID string, locked bool) error {
	if err := p.chats.SetLocked(ctx, chatID, locked); err != nil {
		return fmt.Errorf("set chat %s locked=%t: %w", chatID, locked, err)
	}
	return nil
}

// AppendSystemMessage posts a SYSTEM notice, narrowed to recipients when
// given.
func (p *Provisioner) AppendSystemMessage(ctx context.Context, chatID, text string, recipients ...string) error {
	_, err := p.emitter.System(ctx, chatID, text, recipients...)
	return err
}

// AppendCalendarMessage posts a CALENDAR notice visible to every participant.
func (p *Provisioner) AppendCalendarMessage(ctx context.Context, chatID, text string) error {
	_, err := p.emitter.Calendar(ctx, chatID, text)
	return err
}

// Sent returns the messages appended through this provisioner.
func (p *Provisioner) Sent() []models.Message {
	return p.emitter.Sent()
}
