package matchmaking_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"referral-service/internal/lifecycle"
	"referral-service/internal/matchmaking"
	"referral-service/internal/memstore"
	"referral-service/internal/models"
	"referral-service/internal/notify"
	"referral-service/internal/repositories"
)

var created = time.Date(2026, 1, 5, 9, 0, 0, 0, time.UTC)

func talent(uid string, companies, positions []string, searching bool) models.Profile {
	return models.Profile{UID: uid, Role: models.RoleTalent, Companies: companies, Positions: positions, SearchImmediately: searching, CreatedAt: created}
}

func insider(uid string, companies, positions []string, offset time.Duration) models.Profile {
	return models.Profile{UID: uid, Role: models.RoleInsider, Companies: companies, Positions: positions, CreatedAt: created.Add(offset)}
}

func seed(t *testing.T, profiles ...models.Profile) *memstore.Store {
	t.Helper()
	store := memstore.New()
	for _, p := range profiles {
		require.NoError(t, store.Repositories().Profiles.UpsertProfile(context.Background(), p))
	}
	return store
}

type recorder struct {
	events   []string
	messages []models.Message
}

func (r *recorder) MatchEvent(ctx context.Context, name string, m models.Match, actorUID string) {
	r.events = append(r.events, name)
}

func (r *recorder) BroadcastMessage(msg models.Message) {
	r.messages = append(r.messages, msg)
}

func TestDirectMatchScenario(t *testing.T) {
	store := seed(t,
		talent("T", []string{"Acme"}, []string{"Engineer"}, false),
		insider("J", []string{"Acme"}, []string{"Engineer"}, 0),
	)
	rec := &recorder{}
	svc := matchmaking.NewService(store, matchmaking.WithEvents(rec), matchmaking.WithBroadcaster(rec))
	ctx := context.Background()

	res, err := svc.FindDirectMatch(ctx, "T")
	require.NoError(t, err)
	require.True(t, res.Found)
	assert.True(t, res.Created)
	assert.Equal(t, "J", res.InsiderUID)
	assert.Equal(t, "Acme", res.InsiderCompany)
	assert.Equal(t, "Engineer", res.Position)

	matches := store.Matches()
	require.Len(t, matches, 1)
	m := matches[0]
	assert.Equal(t, res.MatchID, m.ID)
	assert.Equal(t, "T", m.TalentUID)
	assert.Equal(t, "J", m.InsiderUID)
	assert.Equal(t, models.MatchStatusFound, m.Status)
	assert.Equal(t, models.MatchTypeDirect, m.Type)
	assert.Equal(t, "Acme", m.MatchParameters.Company)
	assert.Equal(t, []string{"Engineer"}, m.MatchParameters.Positions)
	assert.Equal(t, res.ChatID, m.ChatID)

	chats := store.Chats()
	require.Len(t, chats, 1)
	assert.Equal(t, []string{"J", "T"}, chats[0].Participants)
	assert.True(t, chats[0].Locked)
	assert.Equal(t, m.ID, chats[0].MatchID)

	msgs := store.Messages(res.ChatID)
	require.Len(t, msgs, 2)
	assert.Equal(t, []string{"J"}, msgs[0].RecipientUIDs)
	assert.Equal(t, []string{"T"}, msgs[1].RecipientUIDs)
	assert.Equal(t, []string{"match.created"}, rec.events)
	assert.Len(t, rec.messages, 2)

	lc := lifecycle.NewService(store)
	out, err := lc.Accept(ctx, m.ID, "T")
	require.NoError(t, err)
	assert.Equal(t, models.MatchStatusFound, out.Status)

	out, err = lc.Accept(ctx, m.ID, "J")
	require.NoError(t, err)
	assert.Equal(t, models.MatchStatusConfirmed, out.Status)
	assert.False(t, store.Chats()[0].Locked)

	require.Len(t, out.Messages, 1)
	assert.Empty(t, out.Messages[0].RecipientUIDs)
	assert.Equal(t, notify.Confirmed(), out.Messages[0].Text)
}

func TestDirectMatchIsIdempotent(t *testing.T) {
	store := seed(t,
		talent("T", []string{"Acme"}, []string{"Engineer"}, false),
		insider("J", []string{"Acme"}, []string{"Engineer"}, 0),
	)
	svc := matchmaking.NewService(store)
	ctx := context.Background()

	first, err := svc.FindDirectMatch(ctx, "T")
	require.NoError(t, err)
	second, err := svc.FindDirectMatch(ctx, "T")
	require.NoError(t, err)

	assert.Equal(t, first.MatchID, second.MatchID)
	assert.Equal(t, first.ChatID, second.ChatID)
	assert.False(t, second.Created)
	assert.Len(t, store.Matches(), 1)
	assert.Len(t, store.Chats(), 1)
	assert.Len(t, store.Messages(first.ChatID), 2)
}

func TestDirectMatchAfterCancelCreatesNewMatch(t *testing.T) {
	store := seed(t,
		talent("T", []string{"Acme"}, []string{"Engineer"}, false),
		insider("J", []string{"Acme"}, []string{"Engineer"}, 0),
	)
	svc := matchmaking.NewService(store)
	ctx := context.Background()

	first, err := svc.FindDirectMatch(ctx, "T")
	require.NoError(t, err)
	_, err = lifecycle.NewService(store).Decline(ctx, first.MatchID, "J")
	require.NoError(t, err)

	second, err := svc.FindDirectMatch(ctx, "T")
	require.NoError(t, err)
	assert.True(t, second.Created)
	assert.NotEqual(t, first.MatchID, second.MatchID)
	assert.NotEqual(t, first.ChatID, second.ChatID)
}

func TestDirectMatchUsesPoolOrder(t *testing.T) {
	store := seed(t,
		talent("T", []string{"A", "B"}, []string{"X", "Y"}, false),
		insider("I1", []string{"C"}, []string{"X"}, 0),
		insider("I2", []string{"A"}, []string{"X"}, time.Minute),
		insider("I3", []string{"B"}, []string{"Y"}, 2*time.Minute),
	)

	res, err := matchmaking.NewService(store).FindDirectMatch(context.Background(), "T")
	require.NoError(t, err)
	assert.Equal(t, "I2", res.InsiderUID)
	assert.Equal(t, "A", res.InsiderCompany)
	assert.Equal(t, "X", res.Position)
}

func TestDirectMatchNoHitFlagsTalent(t *testing.T) {
	store := seed(t,
		talent("T", []string{"Acme"}, []string{"Engineer"}, false),
		insider("J", []string{"Globex"}, []string{"Engineer"}, 0),
	)

	res, err := matchmaking.NewService(store).FindDirectMatch(context.Background(), "T")
	require.NoError(t, err)
	assert.False(t, res.Found)
	assert.Empty(t, store.Matches())

	p, err := store.Repositories().Profiles.GetProfile(context.Background(), "T")
	require.NoError(t, err)
	assert.True(t, p.SearchImmediately)
}

func TestDirectMatchErrors(t *testing.T) {
	store := seed(t, insider("J", []string{"Acme"}, []string{"Engineer"}, 0))
	svc := matchmaking.NewService(store)
	ctx := context.Background()

	_, err := svc.FindDirectMatch(ctx, "")
	assert.ErrorIs(t, err, matchmaking.ErrInvalidRequest)
	_, err = svc.FindDirectMatch(ctx, "ghost")
	assert.ErrorIs(t, err, repositories.ErrProfileNotFound)
	_, err = svc.FindDirectMatch(ctx, "J")
	assert.ErrorIs(t, err, matchmaking.ErrNotTalent)
}

func TestDirectMatchRollsBackOnFault(t *testing.T) {
	store := seed(t,
		talent("T", []string{"Acme"}, []string{"Engineer"}, false),
		insider("J", []string{"Acme"}, []string{"Engineer"}, 0),
	)
	svc := matchmaking.NewService(store)
	ctx := context.Background()

	boom := errors.New("boom")
	store.FailNext("Messages.CreateMessage", boom)
	_, err := svc.FindDirectMatch(ctx, "T")
	require.ErrorIs(t, err, boom)
	assert.Empty(t, store.Matches())
	assert.Empty(t, store.Chats())

	res, err := svc.FindDirectMatch(ctx, "T")
	require.NoError(t, err)
	assert.True(t, res.Created)
	assert.Len(t, store.Messages(res.ChatID), 2)
}

func TestMarketplaceMatchByTalent(t *testing.T) {
	store := memstore.New()
	rec := &recorder{}
	svc := matchmaking.NewService(store, matchmaking.WithEvents(rec))
	ctx := context.Background()

	req := matchmaking.MarketplaceRequest{
		CurrentUserID:  "T",
		OfferCreatorID: "J",
		Role:           models.RoleTalent,
		Offer:          matchmaking.OfferData{Company: "Acme", Position: models.StringList{"Engineer", "Lead"}, Skills: []string{"Go"}},
	}
	res, err := svc.FindMarketplaceMatch(ctx, req)
	require.NoError(t, err)
	assert.True(t, res.Created)

	m := store.Matches()[0]
	assert.Equal(t, models.MatchTypeMarketplace, m.Type)
	assert.Equal(t, "T", m.TalentUID)
	assert.True(t, m.TalentAccepted)
	assert.False(t, m.InsiderAccepted)
	assert.Equal(t, []string{"Engineer", "Lead"}, m.MatchParameters.Positions)

	chat := store.Chats()[0]
	assert.False(t, chat.Locked)
	assert.Equal(t, []string{"J", "T"}, chat.Participants)
	msgs := store.Messages(res.ChatID)
	require.Len(t, msgs, 1)
	assert.Empty(t, msgs[0].RecipientUIDs)

	again, err := svc.FindMarketplaceMatch(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, res.MatchID, again.MatchID)
	assert.False(t, again.Created)
	assert.Len(t, store.Messages(res.ChatID), 1)
	assert.Equal(t, []string{"match.created"}, rec.events)

	out, err := lifecycle.NewService(store).Accept(ctx, res.MatchID, "J")
	require.NoError(t, err)
	assert.Equal(t, models.MatchStatusConfirmed, out.Status)
}

func TestMarketplaceMatchByInsider(t *testing.T) {
	store := memstore.New()

	var offer matchmaking.OfferData
	require.NoError(t, json.Unmarshal([]byte(`{"company":"Acme","position":"Engineer"}`), &offer))

	res, err := matchmaking.NewService(store).FindMarketplaceMatch(context.Background(), matchmaking.MarketplaceRequest{
		CurrentUserID:  "J",
		OfferCreatorID: "T",
		Role:           models.RoleInsider,
		Offer:          offer,
	})
	require.NoError(t, err)
	assert.Equal(t, "T", res.TalentUID)
	assert.Equal(t, "J", res.InsiderUID)

	m := store.Matches()[0]
	assert.True(t, m.InsiderAccepted)
	assert.False(t, m.TalentAccepted)
	assert.Equal(t, "Engineer", m.MatchParameters.Position())
}

func TestMarketplaceValidation(t *testing.T) {
	svc := matchmaking.NewService(memstore.New())
	valid := matchmaking.MarketplaceRequest{
		CurrentUserID:  "T",
		OfferCreatorID: "J",
		Role:           models.RoleTalent,
		Offer:          matchmaking.OfferData{Company: "Acme", Position: models.StringList{"Engineer"}},
	}

	cases := map[string]func(r *matchmaking.MarketplaceRequest){
		"missing current user": func(r *matchmaking.MarketplaceRequest) { r.CurrentUserID = "" },
		"missing creator":      func(r *matchmaking.MarketplaceRequest) { r.OfferCreatorID = "" },
		"missing company":      func(r *matchmaking.MarketplaceRequest) { r.Offer.Company = " " },
		"missing position":     func(r *matchmaking.MarketplaceRequest) { r.Offer.Position = nil },
		"unknown role":         func(r *matchmaking.MarketplaceRequest) { r.Role = "ADMIN" },
		"own offer":            func(r *matchmaking.MarketplaceRequest) { r.OfferCreatorID = "T" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			req := valid
			mutate(&req)
			_, err := svc.FindMarketplaceMatch(context.Background(), req)
			assert.ErrorIs(t, err, matchmaking.ErrInvalidRequest)
		})
	}
}

func TestRunMatchingSweep(t *testing.T) {
	store := seed(t,
		talent("T1", []string{"Acme"}, []string{"Engineer"}, true),
		talent("T2", []string{"Initech"}, []string{"Designer"}, true),
		insider("J", []string{"Acme"}, []string{"Engineer"}, 0),
	)
	svc := matchmaking.NewService(store)
	ctx := context.Background()

	summary, err := svc.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, summary.Talents)
	assert.Equal(t, 1, summary.Created)
	require.Len(t, summary.Results, 1)
	assert.Equal(t, "T1", summary.Results[0].TalentUID)
	assert.Equal(t, "J", summary.Results[0].InsiderUID)

	repos := store.Repositories()
	t1, err := repos.Profiles.GetProfile(ctx, "T1")
	require.NoError(t, err)
	assert.False(t, t1.SearchImmediately)
	t2, err := repos.Profiles.GetProfile(ctx, "T2")
	require.NoError(t, err)
	assert.True(t, t2.SearchImmediately)

	again, err := svc.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, again.Talents)
	assert.Empty(t, again.Results)
	assert.Len(t, store.Matches(), 1)
}

func TestRunMatchingSweepIsIdempotent(t *testing.T) {
	talents := []models.Profile{talent("T1", []string{"Acme"}, []string{"Engineer"}, true)}
	insiders := []models.Profile{insider("J", []string{"Acme"}, []string{"Engineer"}, 0)}
	store := seed(t, append(talents, insiders...)...)
	svc := matchmaking.NewService(store)
	ctx := context.Background()

	first := svc.RunMatchingSweep(ctx, talents, insiders)
	second := svc.RunMatchingSweep(ctx, talents, insiders)

	require.Len(t, first, 1)
	require.Len(t, second, 1)
	assert.True(t, first[0].Created)
	assert.False(t, second[0].Created)
	assert.Equal(t, first[0].MatchID, second[0].MatchID)
	assert.Len(t, store.Matches(), 1)
}

func TestRunMatchingSweepFailureIsPerTalent(t *testing.T) {
	talents := []models.Profile{
		talent("T1", []string{"Acme"}, []string{"Engineer"}, true),
		talent("T2", []string{"Acme"}, []string{"Engineer"}, true),
	}
	insiders := []models.Profile{insider("J", []string{"Acme"}, []string{"Engineer"}, 0)}
	store := seed(t, append(talents, insiders...)...)
	svc := matchmaking.NewService(store)

	store.FailNext("Chats.CreateOrGetChat", errors.New("boom"))
	results := svc.RunMatchingSweep(context.Background(), talents, insiders)

	require.Len(t, results, 2)
	assert.Contains(t, results[0].Error, "boom")
	assert.Empty(t, results[0].MatchID)
	assert.True(t, results[1].Created)

	matches := store.Matches()
	require.Len(t, matches, 1)
	assert.Equal(t, "T2", matches[0].TalentUID)

	t1, err := store.Repositories().Profiles.GetProfile(context.Background(), "T1")
	require.NoError(t, err)
	assert.True(t, t1.SearchImmediately)
}

func TestRunMatchingSweepSkipsNonTalents(t *testing.T) {
	insiders := []models.Profile{insider("J", []string{"Acme"}, []string{"Engineer"}, 0)}
	svc := matchmaking.NewService(seed(t, insiders...))

	results := svc.RunMatchingSweep(context.Background(), insiders, insiders)
	assert.Empty(t, results)
}

// staleAt is a moment safely outside the default decision window of now.
func staleAt(now time.Time) time.Time {
	return now.Add(-lifecycle.DefaultDecisionWindow - time.Hour)
}

func matchByID(t *testing.T, store *memstore.Store, id string) models.Match {
	t.Helper()
	m, err := store.Repositories().Matches.GetMatch(context.Background(), id)
	require.NoError(t, err)
	return m
}

func TestDirectMatchAfterWindowCreatesNewMatch(t *testing.T) {
	store := seed(t,
		talent("T", []string{"Acme"}, []string{"Engineer"}, false),
		insider("J", []string{"Acme"}, []string{"Engineer"}, 0),
	)
	now := func() time.Time { return created.Add(30 * 24 * time.Hour) }
	store.SetClock(now)
	rec := &recorder{}
	svc := matchmaking.NewService(store, matchmaking.WithClock(now), matchmaking.WithEvents(rec))
	ctx := context.Background()

	first, err := svc.FindDirectMatch(ctx, "T")
	require.NoError(t, err)
	store.SetMatchCreatedAt(first.MatchID, staleAt(now()))

	second, err := svc.FindDirectMatch(ctx, "T")
	require.NoError(t, err)
	require.True(t, second.Found)
	assert.True(t, second.Created)
	assert.NotEqual(t, first.MatchID, second.MatchID)
	assert.NotEqual(t, first.ChatID, second.ChatID)
	assert.Len(t, store.Matches(), 2)

	assert.Equal(t, models.MatchStatusExpired, matchByID(t, store, first.MatchID).Status)
	assert.Equal(t, models.MatchStatusFound, matchByID(t, store, second.MatchID).Status)

	old := store.Messages(first.ChatID)
	require.Len(t, old, 3)
	assert.Equal(t, notify.Expired(), old[2].Text)
	assert.Len(t, store.Messages(second.ChatID), 2)
	assert.Equal(t, []string{"match.created", "match.expired", "match.created"}, rec.events)

	out, err := lifecycle.NewService(store, lifecycle.WithClock(now)).Accept(ctx, second.MatchID, "T")
	require.NoError(t, err)
	assert.False(t, out.Expired)
}

func TestDirectMatchWithinWindowKeepsMatch(t *testing.T) {
	store := seed(t,
		talent("T", []string{"Acme"}, []string{"Engineer"}, false),
		insider("J", []string{"Acme"}, []string{"Engineer"}, 0),
	)
	now := func() time.Time { return created.Add(30 * 24 * time.Hour) }
	store.SetClock(now)
	svc := matchmaking.NewService(store, matchmaking.WithClock(now), matchmaking.WithDecisionWindow(time.Hour))
	ctx := context.Background()

	first, err := svc.FindDirectMatch(ctx, "T")
	require.NoError(t, err)
	store.SetMatchCreatedAt(first.MatchID, now().Add(-30*time.Minute))

	second, err := svc.FindDirectMatch(ctx, "T")
	require.NoError(t, err)
	assert.Equal(t, first.MatchID, second.MatchID)
	assert.False(t, second.Created)
	assert.Equal(t, models.MatchStatusFound, matchByID(t, store, first.MatchID).Status)
}

func TestRunMatchingSweepAfterWindowCreatesNewMatch(t *testing.T) {
	talents := []models.Profile{talent("T1", []string{"Acme"}, []string{"Engineer"}, true)}
	insiders := []models.Profile{insider("J", []string{"Acme"}, []string{"Engineer"}, 0)}
	store := seed(t, append(talents, insiders...)...)
	now := func() time.Time { return created.Add(30 * 24 * time.Hour) }
	store.SetClock(now)
	svc := matchmaking.NewService(store, matchmaking.WithClock(now))
	ctx := context.Background()
	profiles := store.Repositories().Profiles

	first := svc.RunMatchingSweep(ctx, talents, insiders)
	require.Len(t, first, 1)
	store.SetMatchCreatedAt(first[0].MatchID, staleAt(now()))
	require.NoError(t, profiles.SetSearchImmediately(ctx, "T1", true))

	second := svc.RunMatchingSweep(ctx, talents, insiders)
	require.Len(t, second, 1)
	assert.Empty(t, second[0].Error)
	assert.True(t, second[0].Created)
	assert.NotEqual(t, first[0].MatchID, second[0].MatchID)

	assert.Equal(t, models.MatchStatusExpired, matchByID(t, store, first[0].MatchID).Status)
	fresh := matchByID(t, store, second[0].MatchID)
	assert.Equal(t, models.MatchStatusFound, fresh.Status)
	assert.False(t, fresh.Expired(now(), lifecycle.DefaultDecisionWindow))

	t1, err := profiles.GetProfile(ctx, "T1")
	require.NoError(t, err)
	assert.False(t, t1.SearchImmediately)

	n, err := lifecycle.NewService(store, lifecycle.WithClock(now)).ExpireOverdue(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, models.MatchStatusFound, matchByID(t, store, second[0].MatchID).Status)
}

func TestMarketplaceMatchAfterWindowCreatesNewMatch(t *testing.T) {
	store := memstore.New()
	now := func() time.Time { return created.Add(30 * 24 * time.Hour) }
	store.SetClock(now)
	svc := matchmaking.NewService(store, matchmaking.WithClock(now))
	ctx := context.Background()

	req := matchmaking.MarketplaceRequest{
		CurrentUserID:  "J",
		OfferCreatorID: "T",
		Role:           models.RoleInsider,
		Offer:          matchmaking.OfferData{Company: "Acme", Position: models.StringList{"Engineer"}},
	}
	first, err := svc.FindMarketplaceMatch(ctx, req)
	require.NoError(t, err)
	store.SetMatchCreatedAt(first.MatchID, staleAt(now()))

	second, err := svc.FindMarketplaceMatch(ctx, req)
	require.NoError(t, err)
	assert.True(t, second.Created)
	assert.NotEqual(t, first.MatchID, second.MatchID)
	assert.Equal(t, models.MatchStatusExpired, matchByID(t, store, first.MatchID).Status)
	assert.True(t, matchByID(t, store, second.MatchID).InsiderAccepted)
	assert.Len(t, store.Messages(second.ChatID), 1)
}

func TestStaleExpiryRollsBackWithUpsert(t *testing.T) {
	store := seed(t,
		talent("T", []string{"Acme"}, []string{"Engineer"}, false),
		insider("J", []string{"Acme"}, []string{"Engineer"}, 0),
	)
	now := func() time.Time { return created.Add(30 * 24 * time.Hour) }
	store.SetClock(now)
	svc := matchmaking.NewService(store, matchmaking.WithClock(now))
	ctx := context.Background()

	first, err := svc.FindDirectMatch(ctx, "T")
	require.NoError(t, err)
	store.SetMatchCreatedAt(first.MatchID, staleAt(now()))

	boom := errors.New("boom")
	store.FailNext("Matches.UpsertMatch", boom)
	_, err = svc.FindDirectMatch(ctx, "T")
	require.ErrorIs(t, err, boom)
	assert.Equal(t, models.MatchStatusFound, matchByID(t, store, first.MatchID).Status)
	assert.Len(t, store.Messages(first.ChatID), 2)
}
