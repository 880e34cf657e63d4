package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"referral-service/internal/logger"
	"referral-service/internal/models"
	"referral-service/internal/notify"
	"referral-service/internal/observability"
	"referral-service/internal/provisioning"
	"referral-service/internal/repositories"
	"referral-service/internal/telemetry"
)

// DefaultDecisionWindow is how long both sides have to confirm a match.
const DefaultDecisionWindow = 72 * time.Hour

var (
	ErrValidation        = errors.New("invalid request")
	ErrNotParticipant    = errors.New("user is not a participant of the match")
	ErrInvalidTransition = errors.New("transition not allowed from current status")
	ErrNoInsider         = errors.New("match has no insider")
)

// EventSink receives lifecycle events after their transaction committed.
type EventSink interface {
	MatchEvent(ctx context.Context, name string, m models.Match, actorUID string)
}

// Broadcaster pushes committed chat messages to live subscribers.
type Broadcaster interface {
	BroadcastMessage(msg models.Message)
}

// Outcome describes the result of a lifecycle operation.
type Outcome struct {
	MatchID  string             `json:"matchId"`
	ChatID   string             `json:"chatId,omitempty"`
	Status   models.MatchStatus `json:"newStatus"`
	Expired  bool               `json:"expired,omitempty"`
	Waiting  bool               `json:"waitingForOtherSide,omitempty"`
	Messages []models.Message   `json:"-"`
}

// Service applies match transitions atomically.
type Service struct {
	store       repositories.Store
	now         func() time.Time
	window      time.Duration
	logger      *zap.Logger
	events      EventSink
	broadcaster Broadcaster
	tracer      trace.Tracer
}

type Option func(*Service)

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func WithDecisionWindow(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.window = d
		}
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

func WithEvents(e EventSink) Option {
	return func(s *Service) { s.events = e }
}

func WithBroadcaster(b Broadcaster) Option {
	return func(s *Service) { s.broadcaster = b }
}

func NewService(store repositories.Store, opts ...Option) *Service {
	s := &Service{
		store:  store,
		now:    time.Now,
		window: DefaultDecisionWindow,
		logger: zap.NewNop(),
		tracer: otel.Tracer("referral-service/lifecycle"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// DecisionWindow returns the configured confirmation window.
func (s *Service) DecisionWindow() time.Duration {
	return s.window
}

// unit is the state of one transaction over a locked match.
type unit struct {
	repos  repositories.Repositories
	prov   *provisioning.Provisioner
	match  models.Match
	side   models.Side
	events []string
}

// chat resolves the chat of the locked match, keeping match.ChatID in sync.
func (u *unit) chat(ctx context.Context) (models.Chat, bool, error) {
	chat, ok, err := u.prov.ChatForMatch(ctx, u.match)
	if err != nil {
		return models.Chat{}, false, err
	}
	if ok {
		u.match.ChatID = chat.ID
	}
	return chat, ok, nil
}

func (u *unit) setStatus(ctx context.Context, to models.MatchStatus) error {
	if !IsTransitionAllowed(u.match.Status, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, u.match.Status, to)
	}
	if err := u.repos.Matches.UpdateStatus(ctx, u.match.ID, to); err != nil {
		return fmt.Errorf("update match status: %w", err)
	}
	u.match.Status = to
	return nil
}

func (u *unit) setAccepted(ctx context.Context, side models.Side, value bool) error {
	if err := u.repos.Matches.SetAcceptance(ctx, u.match.ID, side, value); err != nil {
		return fmt.Errorf("set %s acceptance: %w", side, err)
	}
	if side == models.SideTalent {
		u.match.TalentAccepted = value
	} else {
		u.match.InsiderAccepted = value
	}
	return nil
}

// checkChat rejects a chat id that belongs to another match.
func (u *unit) checkChat(chatID string) error {
	if chatID == "" || u.match.ChatID == "" || chatID == u.match.ChatID {
		return nil
	}
	return fmt.Errorf("%w: chat %s is not bound to match %s", ErrValidation, chatID, u.match.ID)
}

func (u *unit) emit(name string) {
	u.events = append(u.events, name)
}

// transition runs fn on the locked match inside one transaction. Cancelled
// matches are rejected, expired ones reported without mutation, and pending
// matches past the decision window are expired before fn would run. The
// status checks come first so any access expires a stale match; only fn
// requires the actor to be a participant.
func (s *Service) transition(ctx context.Context, op, matchID, actorUID string, fn func(ctx context.Context, u *unit, out *Outcome) error) (Outcome, error) {
	ctx, span := s.tracer.Start(ctx, "lifecycle."+op, trace.WithAttributes(
		attribute.String("match.id", matchID),
		attribute.String("user.id", actorUID),
	))
	defer span.End()

	if strings.TrimSpace(matchID) == "" || strings.TrimSpace(actorUID) == "" {
		return Outcome{}, fmt.Errorf("%w: matchId and user id are required", ErrValidation)
	}

	var (
		out    Outcome
		result *unit
	)
	err := s.store.WithinTx(ctx, func(ctx context.Context, repos repositories.Repositories) error {
		match, err := repos.Matches.GetMatchForUpdate(ctx, matchID)
		if err != nil {
			return err
		}
		u := &unit{repos: repos, prov: provisioning.New(repos), match: match}
		out = Outcome{MatchID: match.ID, ChatID: match.ChatID}

		switch {
		case match.Status == models.MatchStatusCancelled:
			return repositories.ErrMatchInactive
		case match.Status == models.MatchStatusExpired:
			out.Expired = true
		case match.Expired(s.now(), s.window):
			if err := s.expire(ctx, u); err != nil {
				return err
			}
			out.Expired = true
		default:
			side, ok := match.SideOf(actorUID)
			if !ok {
				return ErrNotParticipant
			}
			u.side = side
			if err := fn(ctx, u, &out); err != nil {
				return err
			}
		}

		out.Status = u.match.Status
		if u.match.ChatID != "" {
			out.ChatID = u.match.ChatID
		}
		out.Messages = u.prov.Sent()
		result = u
		return nil
	})

	log := logger.WithFields(s.logger, logger.MatchFields(matchID, out.ChatID, actorUID)...)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		log.Debug("match transition rejected", zap.String("operation", op), zap.Error(err))
		return Outcome{}, err
	}

	span.SetAttributes(attribute.String("match.status", string(out.Status)), attribute.Bool("match.expired", out.Expired))
	observability.IncMatchTransition(op, string(out.Status))
	log.Info("match transition", zap.String("operation", op), zap.String("status", string(out.Status)), zap.Bool("expired", out.Expired))
	s.publish(ctx, result.match, actorUID, result.events, out.Messages)
	return out, nil
}

// expire persists EXPIRED on a match found past its window and posts the
// expiry notice.
func (s *Service) expire(ctx context.Context, u *unit) error {
	if err := u.setStatus(ctx, models.MatchStatusExpired); err != nil {
		return err
	}
	chat, ok, err := u.chat(ctx)
	if err != nil {
		return err
	}
	if ok {
		if err := u.prov.AppendSystemMessage(ctx, chat.ID, notify.Expired()); err != nil {
			return err
		}
	}
	u.emit(telemetry.EventMatchExpired)
	return nil
}

func (s *Service) publish(ctx context.Context, m models.Match, actorUID string, events []string, messages []models.Message) {
	if s.broadcaster != nil {
		for _, msg := range messages {
			s.broadcaster.BroadcastMessage(msg)
		}
	}
	if s.events != nil {
		for _, name := range events {
			s.events.MatchEvent(ctx, name, m, actorUID)
		}
	}
}

// Accept records the acting side's consent. The match is confirmed and its
// chat unlocked once both sides accepted; accepting again is a no-op.
func (s *Service) Accept(ctx context.Context, matchID, uid string) (Outcome, error) {
	return s.transition(ctx, "accept", matchID, uid, func(ctx context.Context, u *unit, out *Outcome) error {
		if u.match.Status == models.MatchStatusConfirmed {
			return nil
		}
		other := otherSide(u.side)
		if u.match.Accepted(u.side) {
			out.Waiting = !u.match.Accepted(other)
			return nil
		}

		if err := u.setAccepted(ctx, u.side, true); err != nil {
			return err
		}
		chat, hasChat, err := u.chat(ctx)
		if err != nil {
			return err
		}

		if !u.match.Accepted(other) {
			out.Waiting = true
			u.emit(telemetry.EventMatchAccepted)
			if hasChat {
				return u.prov.AppendSystemMessage(ctx, chat.ID, notify.WaitingForPartner(), uid)
			}
			return nil
		}

		if err := u.setStatus(ctx, models.MatchStatusConfirmed); err != nil {
			return err
		}
		u.emit(telemetry.EventMatchConfirmed)
		if !hasChat {
			return nil
		}
		if err := u.prov.SetLocked(ctx, chat.ID, false); err != nil {
			return err
		}
		return u.prov.AppendSystemMessage(ctx, chat.ID, notify.Confirmed())
	})
}

// Decline cancels the match and tells each side privately.
func (s *Service) Decline(ctx context.Context, matchID, uid string) (Outcome, error) {
	return s.transition(ctx, "decline", matchID, uid, func(ctx context.Context, u *unit, out *Outcome) error {
		if !IsTransitionAllowed(u.match.Status, models.MatchStatusCancelled) {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, u.match.Status, models.MatchStatusCancelled)
		}
		if err := u.setAccepted(ctx, u.side, false); err != nil {
			return err
		}
		if err := u.setStatus(ctx, models.MatchStatusCancelled); err != nil {
			return err
		}
		u.emit(telemetry.EventMatchCancelled)

		chat, ok, err := u.chat(ctx)
		if err != nil || !ok {
			return err
		}
		if err := u.prov.SetLocked(ctx, chat.ID, true); err != nil {
			return err
		}
		if err := u.prov.AppendSystemMessage(ctx, chat.ID, notify.CancelledByYou(), uid); err != nil {
			return err
		}
		if partner := u.match.PartnerOf(uid); partner != "" {
			return u.prov.AppendSystemMessage(ctx, chat.ID, notify.CancelledByPartner(), partner)
		}
		return nil
	})
}

// ProposeTimeRequest is a talent proposing a call slot to the insider.
type ProposeTimeRequest struct {
	MatchID    string
	ChatID     string
	TalentUID  string
	InsiderUID string
	Date       string
	Time       string
}

// ProposeTime moves a found match into calendar negotiation, brings the
// insider into the chat and posts the proposal.
func (s *Service) ProposeTime(ctx context.Context, req ProposeTimeRequest) (Outcome, error) {
	if strings.TrimSpace(req.Date) == "" || strings.TrimSpace(req.Time) == "" {
		return Outcome{}, fmt.Errorf("%w: date and time are required", ErrValidation)
	}
	return s.transition(ctx, "propose_time", req.MatchID, req.TalentUID, func(ctx context.Context, u *unit, out *Outcome) error {
		if u.side != models.SideTalent {
			return ErrNotParticipant
		}
		if err := u.checkChat(req.ChatID); err != nil {
			return err
		}
		insider := u.match.InsiderUID
		if insider == "" {
			return ErrNoInsider
		}
		if req.InsiderUID != "" && req.InsiderUID != insider {
			return ErrNotParticipant
		}
		if err := u.setStatus(ctx, models.MatchStatusCalendarNegotiation); err != nil {
			return err
		}
		u.emit(telemetry.EventMatchTimeProposed)

		chat, ok, err := u.chat(ctx)
		if err != nil || !ok {
			return err
		}
		if err := u.prov.AddParticipant(ctx, chat.ID, insider); err != nil {
			return err
		}
		return u.prov.AppendCalendarMessage(ctx, chat.ID, notify.TimeProposed(req.Date, req.Time))
	})
}

// AcceptTimeRequest is either side agreeing on a call slot.
type AcceptTimeRequest struct {
	MatchID string
	ChatID  string
	UID     string
	Date    string
	Time    string
}

// AcceptTime confirms the match on the agreed slot and unlocks the chat.
func (s *Service) AcceptTime(ctx context.Context, req AcceptTimeRequest) (Outcome, error) {
	if strings.TrimSpace(req.Date) == "" || strings.TrimSpace(req.Time) == "" {
		return Outcome{}, fmt.Errorf("%w: date and time are required", ErrValidation)
	}
	return s.transition(ctx, "accept_time", req.MatchID, req.UID, func(ctx context.Context, u *unit, out *Outcome) error {
		if !IsTransitionAllowed(u.match.Status, models.MatchStatusConfirmed) {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, u.match.Status, models.MatchStatusConfirmed)
		}
		if err := u.checkChat(req.ChatID); err != nil {
			return err
		}
		if err := u.setAccepted(ctx, u.side, true); err != nil {
			return err
		}
		at := models.AcceptedTime{Date: req.Date, Time: req.Time, ByUID: req.UID}
		if err := u.repos.Matches.SetAcceptedTime(ctx, u.match.ID, at); err != nil {
			return fmt.Errorf("set accepted time: %w", err)
		}
		u.match.AcceptedTime = &at
		if err := u.setStatus(ctx, models.MatchStatusConfirmed); err != nil {
			return err
		}
		u.emit(telemetry.EventMatchConfirmed)

		chat, ok, err := u.chat(ctx)
		if err != nil || !ok {
			return err
		}
		if err := u.prov.SetLocked(ctx, chat.ID, false); err != nil {
			return err
		}
		return u.prov.AppendSystemMessage(ctx, chat.ID, notify.TimeAccepted(req.Date, req.Time))
	})
}

// Respond accepts or declines the active match between userID and partnerID.
// Without an active one it falls back to their newest match, so a repeated
// request after expiry reports the expiry instead of not found.
func (s *Service) Respond(ctx context.Context, userID, partnerID string, accept bool) (Outcome, error) {
	if strings.TrimSpace(userID) == "" || strings.TrimSpace(partnerID) == "" {
		return Outcome{}, fmt.Errorf("%w: userId and partnerId are required", ErrValidation)
	}
	matches := s.store.Repositories().Matches
	match, err := matches.FindActiveBetween(ctx, userID, partnerID)
	if errors.Is(err, repositories.ErrMatchNotFound) {
		match, err = matches.FindLatestBetween(ctx, userID, partnerID)
	}
	if err != nil {
		return Outcome{}, err
	}
	if accept {
		return s.Accept(ctx, match.ID, userID)
	}
	return s.Decline(ctx, match.ID, userID)
}

// GetMatch returns a match, expiring it first when its window closed.
func (s *Service) GetMatch(ctx context.Context, matchID string) (models.Match, error) {
	ctx, span := s.tracer.Start(ctx, "lifecycle.get_match", trace.WithAttributes(attribute.String("match.id", matchID)))
	defer span.End()

	if strings.TrimSpace(matchID) == "" {
		return models.Match{}, fmt.Errorf("%w: matchId is required", ErrValidation)
	}

	var result *unit
	err := s.store.WithinTx(ctx, func(ctx context.Context, repos repositories.Repositories) error {
		match, err := repos.Matches.GetMatchForUpdate(ctx, matchID)
		if err != nil {
			return err
		}
		u := &unit{repos: repos, prov: provisioning.New(repos), match: match}
		if match.Expired(s.now(), s.window) {
			if err := s.expire(ctx, u); err != nil {
				return err
			}
		}
		result = u
		return nil
	})
	if err != nil {
		span.RecordError(err)
		return models.Match{}, err
	}
	if len(result.events) > 0 {
		observability.IncMatchTransition("expire", string(models.MatchStatusExpired))
		s.publish(ctx, result.match, "", result.events, result.prov.Sent())
	}
	return result.match, nil
}

// ListMatches returns uid's matches, newest first, after expiring the ones
// whose window closed.
func (s *Service) ListMatches(ctx context.Context, uid string) ([]models.Match, error) {
	if strings.TrimSpace(uid) == "" {
		return nil, fmt.Errorf("%w: userId is required", ErrValidation)
	}
	if _, err := s.expireOverdue(ctx, uid); err != nil {
		return nil, err
	}
	return s.store.Repositories().Matches.ListForUser(ctx, uid)
}

// ExpireOverdue expires every pending match past its window and reports how
// many were expired.
func (s *Service) ExpireOverdue(ctx context.Context) (int, error) {
	return s.expireOverdue(ctx, "")
}

func (s *Service) expireOverdue(ctx context.Context, uid string) (int, error) {
	ctx, span := s.tracer.Start(ctx, "lifecycle.expire_overdue", trace.WithAttributes(attribute.String("user.id", uid)))
	defer span.End()

	var (
		expired []models.Match
		prov    *provisioning.Provisioner
	)
	cutoff := s.now().Add(-s.window)
	err := s.store.WithinTx(ctx, func(ctx context.Context, repos repositories.Repositories) error {
		var err error
		expired, err = repos.Matches.ExpireOverdue(ctx, cutoff, uid)
		if err != nil {
			return fmt.Errorf("expire overdue matches: %w", err)
		}
		prov = provisioning.New(repos)
		for i, m := range expired {
			chat, ok, err := prov.ChatForMatch(ctx, m)
			if err != nil {
				return err
			}
			if !ok {
				continue
			}
			expired[i].ChatID = chat.ID
			if err := prov.AppendSystemMessage(ctx, chat.ID, notify.Expired()); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return 0, err
	}

	if len(expired) > 0 {
		s.logger.Info("expired overdue matches", zap.Int("count", len(expired)), zap.String(logger.FieldUserID, uid))
	}
	for _, m := range expired {
		observability.IncMatchTransition("expire", string(models.MatchStatusExpired))
		s.publish(ctx, m, "", []string{telemetry.EventMatchExpired}, nil)
	}
	s.publish(ctx, models.Match{}, "", nil, prov.Sent())
	return len(expired), nil
}

func otherSide(side models.Side) models.Side {
	if side == models.SideTalent {
		return models.SideInsider
	}
	return models.SideTalent
}
