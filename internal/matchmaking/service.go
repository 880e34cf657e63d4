// Package matchmaking originates matches: the direct compatibility search,
// marketplace requests and the scheduled sweep all converge here on the
// matcher, the match repository and chat provisioning.
package matchmaking

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

	"referral-service/internal/lifecycle"
	"referral-service/internal/logger"
	"referral-service/internal/matcher"
	"referral-service/internal/models"
	"referral-service/internal/notify"
	"referral-service/internal/observability"
	"referral-service/internal/provisioning"
	"referral-service/internal/repositories"
	"referral-service/internal/telemetry"
)

var (
	ErrInvalidRequest = errors.New("invalid match request")
	ErrNotTalent      = errors.New("user is not a talent")
)

const (
	originDirect      = "direct"
	originSweep       = "sweep"
	originMarketplace = "marketplace"
)

// Service creates matches and their chats.
type Service struct {
	store       repositories.Store
	logger      *zap.Logger
	events      lifecycle.EventSink
	broadcaster lifecycle.Broadcaster
	dims        []matcher.Dimension
	now         func() time.Time
	window      time.Duration
	tracer      trace.Tracer
}

type Option func(*Service)

func WithLogger(l *zap.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

func WithEvents(e lifecycle.EventSink) Option {
	return func(s *Service) { s.events = e }
}

func WithBroadcaster(b lifecycle.Broadcaster) Option {
	return func(s *Service) { s.broadcaster = b }
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithDecisionWindow sets the window after which a pending match no longer
// holds its tuple. It must match the lifecycle service's window.
func WithDecisionWindow(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.window = d
		}
	}
}

// WithDimensions overrides the criteria that must overlap.
func WithDimensions(dims ...matcher.Dimension) Option {
	return func(s *Service) {
		if len(dims) > 0 {
			s.dims = dims
		}
	}
}

func NewService(store repositories.Store, opts ...Option) *Service {
	s := &Service{
		store:  store,
		logger: zap.NewNop(),
		dims:   matcher.DefaultDimensions,
		now:    time.Now,
		window: lifecycle.DefaultDecisionWindow,
		tracer: otel.Tracer("referral-service/matchmaking"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// MatchCreationResult reports one match produced by a flow.
type MatchCreationResult struct {
	TalentUID      string           `json:"talentUid"`
	InsiderUID     string           `json:"insiderUid"`
	MatchID        string           `json:"matchId,omitempty"`
	ChatID         string           `json:"chatId,omitempty"`
	InsiderCompany string           `json:"insiderCompany,omitempty"`
	Position       string           `json:"position,omitempty"`
	Type           models.MatchType `json:"type"`
	Created        bool             `json:"created"`
	Error          string           `json:"error,omitempty"`
}

// DirectResult is the outcome of a direct search. Found is false when no
// compatible insider exists yet.
type DirectResult struct {
	Found bool
	MatchCreationResult
}

// FindDirectMatch searches the insider pool for the talent userID. Without
// a hit the talent is flagged for the scheduled sweep.
func (s *Service) FindDirectMatch(ctx context.Context, userID string) (DirectResult, error) {
	ctx, span := s.tracer.Start(ctx, "matchmaking.find_direct", trace.WithAttributes(attribute.String("user.id", userID)))
	defer span.End()

	userID = strings.TrimSpace(userID)
	if userID == "" {
		return DirectResult{}, fmt.Errorf("%w: userId is required", ErrInvalidRequest)
	}

	repos := s.store.Repositories()
	profile, err := repos.Profiles.GetProfile(ctx, userID)
	if err != nil {
		return DirectResult{}, err
	}
	if profile.Role != models.RoleTalent {
		return DirectResult{}, ErrNotTalent
	}
	insiders, err := repos.Profiles.ListInsiders(ctx)
	if err != nil {
		return DirectResult{}, fmt.Errorf("list insiders: %w", err)
	}

	hit, ok := matcher.FindMatch(matcher.FromProfile(profile), matcher.Pool(insiders), s.dims...)
	if !ok {
		if err := repos.Profiles.SetSearchImmediately(ctx, userID, true); err != nil {
			return DirectResult{}, fmt.Errorf("flag talent for sweep: %w", err)
		}
		s.logger.Info("no compatible insider", zap.String(logger.FieldUserID, userID))
		return DirectResult{}, nil
	}

	result, err := s.createDirect(ctx, profile, insidersByUID(insiders)[hit.CandidateUID], hit, originDirect)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return DirectResult{}, err
	}
	return DirectResult{Found: true, MatchCreationResult: result}, nil
}

// createDirect persists a direct match, its locked chat and the two private
// notices as one unit. Notices are posted only when the chat is new so a
// retried flow does not repeat them.
func (s *Service) createDirect(ctx context.Context, talent, insider models.Profile, hit matcher.Result, origin string) (MatchCreationResult, error) {
	params := models.MatchParameters{
		Company:   hit.Company(),
		Positions: []string{hit.Position()},
		Skills:    matcher.Common(talent.Skills, insider.Skills),
	}
	result := MatchCreationResult{
		TalentUID:      talent.UID,
		InsiderUID:     hit.CandidateUID,
		InsiderCompany: params.Company,
		Position:       params.Position(),
		Type:           models.MatchTypeDirect,
	}

	nm := models.NewMatch{
		TalentUID:       talent.UID,
		InsiderUID:      hit.CandidateUID,
		MatchParameters: params,
		Type:            models.MatchTypeDirect,
	}

	var (
		match   models.Match
		expired []models.Match
		prov    *provisioning.Provisioner
	)
	err := s.store.WithinTx(ctx, func(ctx context.Context, repos repositories.Repositories) error {
		prov = provisioning.New(repos)
		var (
			created bool
			err     error
		)
		if expired, err = s.expireStale(ctx, repos, prov, nm); err != nil {
			return err
		}
		match, created, err = repos.Matches.UpsertMatch(ctx, nm)
		if err != nil {
			return fmt.Errorf("upsert match: %w", err)
		}

		chat, chatCreated, err := prov.UpsertChatForMatch(ctx, match, provisioning.ChatSpec{
			Participants:   []string{hit.CandidateUID, talent.UID},
			InsiderCompany: params.Company,
			Locked:         true,
		})
		if err != nil {
			return err
		}
		match.ChatID = chat.ID

		if chatCreated {
			if err := prov.AppendSystemMessage(ctx, chat.ID, notify.TalentInterested(params), hit.CandidateUID); err != nil {
				return err
			}
			if err := prov.AppendSystemMessage(ctx, chat.ID, notify.InsiderFound(params), talent.UID); err != nil {
				return err
			}
		}
		if origin == originSweep {
			if err := repos.Profiles.SetSearchImmediately(ctx, talent.UID, false); err != nil {
				return fmt.Errorf("clear sweep flag: %w", err)
			}
		}

		result.Created = created
		return nil
	})
	if err != nil {
		return MatchCreationResult{}, err
	}

	result.MatchID = match.ID
	result.ChatID = match.ChatID
	s.expiredStale(ctx, expired)
	s.committed(ctx, match, talent.UID, origin, result.Created, prov.Sent())
	return result, nil
}

// OfferData is the marketplace offer a request refers to. Position accepts
// a single string or a list.
type OfferData struct {
	Company  string            `json:"company"`
	Position models.StringList `json:"position"`
	Skills   []string          `json:"skills,omitempty"`
}

// MarketplaceRequest is currentUserID reacting to offerCreatorID's offer.
// Role is the current user's role.
type MarketplaceRequest struct {
	CurrentUserID  string
	OfferCreatorID string
	Role           models.Role
	Offer          OfferData
}

func (r MarketplaceRequest) validate() error {
	var missing []string
	if strings.TrimSpace(r.CurrentUserID) == "" {
		missing = append(missing, "currentUserId")
	}
	if strings.TrimSpace(r.OfferCreatorID) == "" {
		missing = append(missing, "offerCreatorId")
	}
	if strings.TrimSpace(r.Offer.Company) == "" {
		missing = append(missing, "offerData.company")
	}
	if len(r.Offer.Position.Clean()) == 0 {
		missing = append(missing, "offerData.position")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing %s", ErrInvalidRequest, strings.Join(missing, ", "))
	}
	if r.Role != models.RoleTalent && r.Role != models.RoleInsider {
		return fmt.Errorf("%w: unknown role %q", ErrInvalidRequest, r.Role)
	}
	if r.CurrentUserID == r.OfferCreatorID {
		return fmt.Errorf("%w: cannot request your own offer", ErrInvalidRequest)
	}
	return nil
}

// FindMarketplaceMatch creates the match for a marketplace request. The
// requesting side is pre-accepted and the chat opens unlocked.
func (s *Service) FindMarketplaceMatch(ctx context.Context, req MarketplaceRequest) (MatchCreationResult, error) {
	ctx, span := s.tracer.Start(ctx, "matchmaking.find_marketplace", trace.WithAttributes(
		attribute.String("user.id", req.CurrentUserID),
		attribute.String("offer.creator", req.OfferCreatorID),
	))
	defer span.End()

	if err := req.validate(); err != nil {
		return MatchCreationResult{}, err
	}

	nm := models.NewMatch{
		MatchParameters: models.MatchParameters{
			Company:   strings.TrimSpace(req.Offer.Company),
			Positions: req.Offer.Position.Clean(),
			Skills:    models.StringList(req.Offer.Skills).Clean(),
		},
		Type: models.MatchTypeMarketplace,
	}
	if req.Role == models.RoleTalent {
		nm.TalentUID, nm.InsiderUID, nm.TalentAccepted = req.CurrentUserID, req.OfferCreatorID, true
	} else {
		nm.TalentUID, nm.InsiderUID, nm.InsiderAccepted = req.OfferCreatorID, req.CurrentUserID, true
	}

	result := MatchCreationResult{
		TalentUID:      nm.TalentUID,
		InsiderUID:     nm.InsiderUID,
		InsiderCompany: nm.MatchParameters.Company,
		Position:       nm.MatchParameters.Position(),
		Type:           models.MatchTypeMarketplace,
	}

	var (
		match   models.Match
		expired []models.Match
		prov    *provisioning.Provisioner
	)
	err := s.store.WithinTx(ctx, func(ctx context.Context, repos repositories.Repositories) error {
		prov = provisioning.New(repos)
		var (
			created bool
			err     error
		)
		if expired, err = s.expireStale(ctx, repos, prov, nm); err != nil {
			return err
		}
		match, created, err = repos.Matches.UpsertMatch(ctx, nm)
		if err != nil {
			return fmt.Errorf("upsert match: %w", err)
		}

		chat, chatCreated, err := prov.UpsertChatForMatch(ctx, match, provisioning.ChatSpec{
			Participants:   []string{nm.InsiderUID, nm.TalentUID},
			InsiderCompany: nm.MatchParameters.Company,
			Locked:         false,
		})
		if err != nil {
			return err
		}
		match.ChatID = chat.ID

		if chatCreated {
			if err := prov.AppendSystemMessage(ctx, chat.ID, notify.MarketplaceRequest(nm.MatchParameters)); err != nil {
				return err
			}
		}
		result.Created = created
		return nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return MatchCreationResult{}, err
	}

	result.MatchID = match.ID
	result.ChatID = match.ChatID
	s.expiredStale(ctx, expired)
	s.committed(ctx, match, req.CurrentUserID, originMarketplace, result.Created, prov.Sent())
	return result, nil
}

// RunMatchingSweep matches every searching talent against the insider pool.
// Each talent is processed in its own transaction; a failure is reported in
// its result and does not stop the sweep.
func (s *Service) RunMatchingSweep(ctx context.Context, talents, insiders []models.Profile) []MatchCreationResult {
	ctx, span := s.tracer.Start(ctx, "matchmaking.sweep", trace.WithAttributes(
		attribute.Int("sweep.talents", len(talents)),
		attribute.Int("sweep.insiders", len(insiders)),
	))
	defer span.End()

	pool := matcher.Pool(insiders)
	byUID := insidersByUID(insiders)
	results := make([]MatchCreationResult, 0)
	for _, talent := range talents {
		if err := ctx.Err(); err != nil {
			span.RecordError(err)
			break
		}
		if talent.Role != models.RoleTalent {
			continue
		}

		hit, ok := matcher.FindMatch(matcher.FromProfile(talent), pool, s.dims...)
		if !ok {
			continue
		}

		result, err := s.createDirect(ctx, talent, byUID[hit.CandidateUID], hit, originSweep)
		if err != nil {
			s.logger.Warn("sweep match failed",
				zap.String(logger.FieldUserID, talent.UID),
				zap.String("insider_uid", hit.CandidateUID),
				zap.Error(err),
			)
			result = MatchCreationResult{
				TalentUID:      talent.UID,
				InsiderUID:     hit.CandidateUID,
				InsiderCompany: hit.Company(),
				Position:       hit.Position(),
				Type:           models.MatchTypeDirect,
				Error:          err.Error(),
			}
		}
		results = append(results, result)
	}
	span.SetAttributes(attribute.Int("sweep.results", len(results)))
	return results
}

// SweepSummary reports one scheduled sweep.
type SweepSummary struct {
	Talents int                   `json:"talents"`
	Created int                   `json:"created"`
	Failed  int                   `json:"failed"`
	Results []MatchCreationResult `json:"results"`
}

// Sweep loads searching talents and all insiders from the profile store and
// runs the matching sweep over them.
func (s *Service) Sweep(ctx context.Context) (SweepSummary, error) {
	repos := s.store.Repositories()
	talents, err := repos.Profiles.ListTalentsSearching(ctx)
	if err != nil {
		return SweepSummary{}, fmt.Errorf("list searching talents: %w", err)
	}
	insiders, err := repos.Profiles.ListInsiders(ctx)
	if err != nil {
		return SweepSummary{}, fmt.Errorf("list insiders: %w", err)
	}

	summary := SweepSummary{Talents: len(talents), Results: s.RunMatchingSweep(ctx, talents, insiders)}
	for _, r := range summary.Results {
		switch {
		case r.Error != "":
			summary.Failed++
		case r.Created:
			summary.Created++
		}
	}
	s.logger.Info("matching sweep finished",
		zap.Int("talents", summary.Talents),
		zap.Int("created", summary.Created),
		zap.Int("failed", summary.Failed),
	)
	return summary, nil
}

// expireStale expires the pending match of the tuple whose decision window
// closed and posts the expiry notice in its chat, so the upsert that follows
// opens a fresh match instead of handing back a dead one.
func (s *Service) expireStale(ctx context.Context, repos repositories.Repositories, prov *provisioning.Provisioner, nm models.NewMatch) ([]models.Match, error) {
	expired, err := repos.Matches.ExpireStale(ctx, nm, s.now().Add(-s.window))
	if err != nil {
		return nil, fmt.Errorf("expire stale match: %w", err)
	}
	for i, m := range expired {
		chat, ok, err := prov.ChatForMatch(ctx, m)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		expired[i].ChatID = chat.ID
		if err := prov.AppendSystemMessage(ctx, chat.ID, notify.Expired()); err != nil {
			return nil, err
		}
	}
	return expired, nil
}

func (s *Service) expiredStale(ctx context.Context, expired []models.Match) {
	for _, m := range expired {
		observability.IncMatchTransition("expire", string(models.MatchStatusExpired))
		if s.events != nil {
			s.events.MatchEvent(ctx, telemetry.EventMatchExpired, m, "")
		}
		logger.WithFields(s.logger, logger.MatchFields(m.ID, m.ChatID, "")...).Info("stale match expired before upsert")
	}
}

func (s *Service) committed(ctx context.Context, match models.Match, actorUID, origin string, created bool, messages []models.Message) {
	if s.broadcaster != nil {
		for _, msg := range messages {
			s.broadcaster.BroadcastMessage(msg)
		}
	}
	if !created {
		return
	}
	observability.IncMatchCreated(string(match.Type), origin)
	if s.events != nil {
		s.events.MatchEvent(ctx, telemetry.EventMatchCreated, match, actorUID)
	}
	logger.WithFields(s.logger, logger.MatchFields(match.ID, match.ChatID, actorUID)...).
		Info("match created", zap.String("origin", origin), zap.String("type", string(match.Type)))
}

func insidersByUID(insiders []models.Profile) map[string]models.Profile {
	out := make(map[string]models.Profile, len(insiders))
	for _, p := range insiders {
		out[p.UID] = p
	}
	return out
}
