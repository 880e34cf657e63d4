package lifecycle_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"referral-service/internal/lifecycle"
	"referral-service/internal/memstore"
	"referral-service/internal/models"
	"referral-service/internal/notify"
	"referral-service/internal/provisioning"
	"referral-service/internal/repositories"
	"referral-service/internal/telemetry"
)

const (
	talentUID  = "talent-1"
	insiderUID = "insider-1"
)

var base = time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type recorder struct {
	mu       sync.Mutex
	events   []string
	messages []models.Message
}

func (r *recorder) MatchEvent(ctx context.Context, name string, m models.Match, actorUID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, name)
}

func (r *recorder) BroadcastMessage(msg models.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages = append(r.messages, msg)
}

type fixture struct {
	store *memstore.Store
	clock *clock
	rec   *recorder
	svc   *lifecycle.Service
	match models.Match
	chat  models.Chat
}

func newFixture(t *testing.T, participants ...string) *fixture {
	t.Helper()
	if len(participants) == 0 {
		participants = []string{insiderUID, talentUID}
	}

	c := &clock{now: base}
	store := memstore.New()
	store.SetClock(c.Now)
	rec := &recorder{}

	ctx := context.Background()
	repos := store.Repositories()
	match, created, err := repos.Matches.UpsertMatch(ctx, models.NewMatch{
		TalentUID:       talentUID,
		InsiderUID:      insiderUID,
		MatchParameters: models.MatchParameters{Company: "Google", Positions: []string{"Backend"}},
		Type:            models.MatchTypeDirect,
	})
	require.NoError(t, err)
	require.True(t, created)

	chat, _, err := provisioning.New(repos).UpsertChatForMatch(ctx, match, provisioning.ChatSpec{
		Participants:   participants,
		InsiderCompany: "Google",
		Locked:         true,
	})
	require.NoError(t, err)

	svc := lifecycle.NewService(store,
		lifecycle.WithClock(c.Now),
		lifecycle.WithEvents(rec),
		lifecycle.WithBroadcaster(rec),
	)
	return &fixture{store: store, clock: c, rec: rec, svc: svc, match: match, chat: chat}
}

func (f *fixture) stored(t *testing.T) models.Match {
	t.Helper()
	m, err := f.store.Repositories().Matches.GetMatch(context.Background(), f.match.ID)
	require.NoError(t, err)
	return m
}

func (f *fixture) storedChat(t *testing.T) models.Chat {
	t.Helper()
	c, err := f.store.Repositories().Chats.GetChat(context.Background(), f.chat.ID)
	require.NoError(t, err)
	return c
}

func (f *fixture) messages() []models.Message {
	return f.store.Messages(f.chat.ID)
}

func countText(msgs []models.Message, text string) int {
	n := 0
	for _, m := range msgs {
		if m.Text == text {
			n++
		}
	}
	return n
}

func TestAcceptBothSidesConfirms(t *testing.T) {
	orders := map[string][]string{
		"talent first":  {talentUID, insiderUID},
		"insider first": {insiderUID, talentUID},
	}
	for name, order := range orders {
		t.Run(name, func(t *testing.T) {
			f := newFixture(t)
			ctx := context.Background()

			first, err := f.svc.Accept(ctx, f.match.ID, order[0])
			require.NoError(t, err)
			assert.True(t, first.Waiting)
			assert.Equal(t, models.MatchStatusFound, first.Status)

			second, err := f.svc.Accept(ctx, f.match.ID, order[1])
			require.NoError(t, err)
			assert.False(t, second.Waiting)
			assert.Equal(t, models.MatchStatusConfirmed, second.Status)
			assert.Equal(t, f.chat.ID, second.ChatID)

			m := f.stored(t)
			assert.Equal(t, models.MatchStatusConfirmed, m.Status)
			assert.True(t, m.TalentAccepted)
			assert.True(t, m.InsiderAccepted)
			assert.False(t, f.storedChat(t).Locked)
			assert.Equal(t, 1, countText(f.messages(), notify.Confirmed()))
			assert.Equal(t, []string{telemetry.EventMatchAccepted, telemetry.EventMatchConfirmed}, f.rec.events)
		})
	}
}

func TestAcceptSingleSideWaits(t *testing.T) {
	f := newFixture(t)

	out, err := f.svc.Accept(context.Background(), f.match.ID, talentUID)
	require.NoError(t, err)
	assert.True(t, out.Waiting)
	require.Len(t, out.Messages, 1)
	assert.Equal(t, notify.WaitingForPartner(), out.Messages[0].Text)
	assert.Equal(t, []string{talentUID}, out.Messages[0].RecipientUIDs)

	m := f.stored(t)
	assert.Equal(t, models.MatchStatusFound, m.Status)
	assert.True(t, m.TalentAccepted)
	assert.False(t, m.InsiderAccepted)
	assert.True(t, f.storedChat(t).Locked)
	assert.Len(t, f.rec.messages, 1)
}

func TestAcceptTwiceIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.Accept(ctx, f.match.ID, talentUID)
	require.NoError(t, err)
	before := len(f.messages())

	out, err := f.svc.Accept(ctx, f.match.ID, talentUID)
	require.NoError(t, err)
	assert.True(t, out.Waiting)
	assert.Empty(t, out.Messages)
	assert.Len(t, f.messages(), before)
}

func TestAcceptConfirmedIsNoop(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.Accept(ctx, f.match.ID, talentUID)
	require.NoError(t, err)
	_, err = f.svc.Accept(ctx, f.match.ID, insiderUID)
	require.NoError(t, err)
	before := len(f.messages())

	out, err := f.svc.Accept(ctx, f.match.ID, insiderUID)
	require.NoError(t, err)
	assert.Equal(t, models.MatchStatusConfirmed, out.Status)
	assert.Len(t, f.messages(), before)
}

func TestDeclineCancelsAndNotifiesPrivately(t *testing.T) {
	f := newFixture(t)

	out, err := f.svc.Decline(context.Background(), f.match.ID, insiderUID)
	require.NoError(t, err)
	assert.Equal(t, models.MatchStatusCancelled, out.Status)
	require.Len(t, out.Messages, 2)
	assert.Equal(t, notify.CancelledByYou(), out.Messages[0].Text)
	assert.Equal(t, []string{insiderUID}, out.Messages[0].RecipientUIDs)
	assert.Equal(t, notify.CancelledByPartner(), out.Messages[1].Text)
	assert.Equal(t, []string{talentUID}, out.Messages[1].RecipientUIDs)
	assert.Equal(t, models.MatchStatusCancelled, f.stored(t).Status)
	assert.Equal(t, []string{telemetry.EventMatchCancelled}, f.rec.events)
}

func TestDeclineIsAbsorbing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.Decline(ctx, f.match.ID, talentUID)
	require.NoError(t, err)
	before := len(f.messages())

	_, err = f.svc.Accept(ctx, f.match.ID, insiderUID)
	assert.ErrorIs(t, err, repositories.ErrMatchInactive)
	_, err = f.svc.Decline(ctx, f.match.ID, insiderUID)
	assert.ErrorIs(t, err, repositories.ErrMatchInactive)
	_, err = f.svc.AcceptTime(ctx, lifecycle.AcceptTimeRequest{MatchID: f.match.ID, UID: insiderUID, Date: "2026-03-04", Time: "15:00"})
	assert.ErrorIs(t, err, repositories.ErrMatchInactive)
	_, err = f.svc.ProposeTime(ctx, lifecycle.ProposeTimeRequest{MatchID: f.match.ID, TalentUID: talentUID, Date: "2026-03-04", Time: "15:00"})
	assert.ErrorIs(t, err, repositories.ErrMatchInactive)

	assert.Equal(t, models.MatchStatusCancelled, f.stored(t).Status)
	assert.Len(t, f.messages(), before)
}

func TestDeclineConfirmedRejected(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.Accept(ctx, f.match.ID, talentUID)
	require.NoError(t, err)
	_, err = f.svc.Accept(ctx, f.match.ID, insiderUID)
	require.NoError(t, err)

	_, err = f.svc.Decline(ctx, f.match.ID, talentUID)
	assert.ErrorIs(t, err, lifecycle.ErrInvalidTransition)
	assert.Equal(t, models.MatchStatusConfirmed, f.stored(t).Status)
}

func TestLazyExpiryOnAccept(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.clock.Advance(lifecycle.DefaultDecisionWindow + time.Hour)

	out, err := f.svc.Accept(ctx, f.match.ID, talentUID)
	require.NoError(t, err)
	assert.True(t, out.Expired)
	assert.Equal(t, models.MatchStatusExpired, out.Status)

	m := f.stored(t)
	assert.Equal(t, models.MatchStatusExpired, m.Status)
	assert.False(t, m.TalentAccepted)
	assert.Equal(t, 1, countText(f.messages(), notify.Expired()))
	assert.Equal(t, []string{telemetry.EventMatchExpired}, f.rec.events)

	again, err := f.svc.Accept(ctx, f.match.ID, insiderUID)
	require.NoError(t, err)
	assert.True(t, again.Expired)
	assert.Equal(t, 1, countText(f.messages(), notify.Expired()))
}

func TestWithinWindowIsNotExpired(t *testing.T) {
	f := newFixture(t)
	f.clock.Advance(lifecycle.DefaultDecisionWindow - time.Minute)

	out, err := f.svc.Accept(context.Background(), f.match.ID, talentUID)
	require.NoError(t, err)
	assert.False(t, out.Expired)
	assert.Equal(t, models.MatchStatusFound, out.Status)
}

func TestCustomDecisionWindow(t *testing.T) {
	f := newFixture(t)
	svc := lifecycle.NewService(f.store, lifecycle.WithClock(f.clock.Now), lifecycle.WithDecisionWindow(time.Hour))
	assert.Equal(t, time.Hour, svc.DecisionWindow())
	f.clock.Advance(2 * time.Hour)

	out, err := svc.Decline(context.Background(), f.match.ID, talentUID)
	require.NoError(t, err)
	assert.True(t, out.Expired)
}

func TestNotParticipant(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.Accept(context.Background(), f.match.ID, "stranger")
	assert.ErrorIs(t, err, lifecycle.ErrNotParticipant)
}

func TestValidationAndNotFound(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.Accept(ctx, "", talentUID)
	assert.ErrorIs(t, err, lifecycle.ErrValidation)
	_, err = f.svc.Decline(ctx, f.match.ID, " ")
	assert.ErrorIs(t, err, lifecycle.ErrValidation)
	_, err = f.svc.Accept(ctx, "missing", talentUID)
	assert.ErrorIs(t, err, repositories.ErrMatchNotFound)
	_, err = f.svc.ProposeTime(ctx, lifecycle.ProposeTimeRequest{MatchID: f.match.ID, TalentUID: talentUID})
	assert.ErrorIs(t, err, lifecycle.ErrValidation)
}

func TestProposeAndAcceptTime(t *testing.T) {
	f := newFixture(t, talentUID)
	ctx := context.Background()

	out, err := f.svc.ProposeTime(ctx, lifecycle.ProposeTimeRequest{
		MatchID:    f.match.ID,
		TalentUID:  talentUID,
		InsiderUID: insiderUID,
		Date:       "2026-03-04",
		Time:       "15:00",
	})
	require.NoError(t, err)
	assert.Equal(t, models.MatchStatusCalendarNegotiation, out.Status)
	require.Len(t, out.Messages, 1)
	assert.Equal(t, models.MessageTypeCalendar, out.Messages[0].Type)
	assert.Empty(t, out.Messages[0].RecipientUIDs)
	assert.ElementsMatch(t, []string{talentUID, insiderUID}, f.storedChat(t).Participants)

	out, err = f.svc.AcceptTime(ctx, lifecycle.AcceptTimeRequest{MatchID: f.match.ID, UID: insiderUID, Date: "2026-03-04", Time: "15:00"})
	require.NoError(t, err)
	assert.Equal(t, models.MatchStatusConfirmed, out.Status)

	m := f.stored(t)
	require.NotNil(t, m.AcceptedTime)
	assert.Equal(t, models.AcceptedTime{Date: "2026-03-04", Time: "15:00", ByUID: insiderUID}, *m.AcceptedTime)
	assert.True(t, m.InsiderAccepted)
	assert.False(t, f.storedChat(t).Locked)
	assert.Equal(t, 1, countText(f.messages(), notify.TimeAccepted("2026-03-04", "15:00")))
	assert.Equal(t, []string{telemetry.EventMatchTimeProposed, telemetry.EventMatchConfirmed}, f.rec.events)
}

func TestProposeTimeRules(t *testing.T) {
	ctx := context.Background()

	t.Run("insider cannot propose", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.svc.ProposeTime(ctx, lifecycle.ProposeTimeRequest{MatchID: f.match.ID, TalentUID: insiderUID, Date: "d", Time: "t"})
		assert.ErrorIs(t, err, lifecycle.ErrNotParticipant)
	})

	t.Run("wrong insider", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.svc.ProposeTime(ctx, lifecycle.ProposeTimeRequest{MatchID: f.match.ID, TalentUID: talentUID, InsiderUID: "other", Date: "d", Time: "t"})
		assert.ErrorIs(t, err, lifecycle.ErrNotParticipant)
	})

	t.Run("only from found", func(t *testing.T) {
		f := newFixture(t)
		req := lifecycle.ProposeTimeRequest{MatchID: f.match.ID, TalentUID: talentUID, Date: "d", Time: "t"}
		_, err := f.svc.ProposeTime(ctx, req)
		require.NoError(t, err)
		_, err = f.svc.ProposeTime(ctx, req)
		assert.ErrorIs(t, err, lifecycle.ErrInvalidTransition)
	})
}

func TestConcurrentAcceptConfirmsOnce(t *testing.T) {
	for i := 0; i < 20; i++ {
		f := newFixture(t)
		ctx := context.Background()

		var wg sync.WaitGroup
		errs := make(chan error, 2)
		for _, uid := range []string{talentUID, insiderUID} {
			wg.Add(1)
			go func(uid string) {
				defer wg.Done()
				_, err := f.svc.Accept(ctx, f.match.ID, uid)
				errs <- err
			}(uid)
		}
		wg.Wait()
		close(errs)
		for err := range errs {
			require.NoError(t, err)
		}

		assert.Equal(t, models.MatchStatusConfirmed, f.stored(t).Status)
		assert.Equal(t, 1, countText(f.messages(), notify.Confirmed()))
	}
}

func TestFaultRollsBackTransition(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.Accept(ctx, f.match.ID, talentUID)
	require.NoError(t, err)
	before := len(f.messages())
	broadcast := len(f.rec.messages)

	boom := errors.New("boom")
	f.store.FailNext("Chats.SetLocked", boom)
	_, err = f.svc.Accept(ctx, f.match.ID, insiderUID)
	require.ErrorIs(t, err, boom)

	m := f.stored(t)
	assert.Equal(t, models.MatchStatusFound, m.Status)
	assert.False(t, m.InsiderAccepted)
	assert.True(t, f.storedChat(t).Locked)
	assert.Len(t, f.messages(), before)
	assert.Len(t, f.rec.messages, broadcast)
}

func TestMissingChatIsTolerated(t *testing.T) {
	c := &clock{now: base}
	store := memstore.New()
	store.SetClock(c.Now)
	match, _, err := store.Repositories().Matches.UpsertMatch(context.Background(), models.NewMatch{
		TalentUID:       talentUID,
		InsiderUID:      insiderUID,
		MatchParameters: models.MatchParameters{Company: "Acme", Positions: []string{"PM"}},
		Type:            models.MatchTypeDirect,
	})
	require.NoError(t, err)
	svc := lifecycle.NewService(store, lifecycle.WithClock(c.Now))

	_, err = svc.Accept(context.Background(), match.ID, talentUID)
	require.NoError(t, err)
	out, err := svc.Accept(context.Background(), match.ID, insiderUID)
	require.NoError(t, err)
	assert.Equal(t, models.MatchStatusConfirmed, out.Status)
	assert.Empty(t, out.ChatID)
}

func TestGetMatchExpiresLazily(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	m, err := f.svc.GetMatch(ctx, f.match.ID)
	require.NoError(t, err)
	assert.Equal(t, models.MatchStatusFound, m.Status)

	f.clock.Advance(4 * 24 * time.Hour)
	m, err = f.svc.GetMatch(ctx, f.match.ID)
	require.NoError(t, err)
	assert.Equal(t, models.MatchStatusExpired, m.Status)
	assert.Equal(t, 1, countText(f.messages(), notify.Expired()))

	_, err = f.svc.GetMatch(ctx, f.match.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, countText(f.messages(), notify.Expired()))

	_, err = f.svc.GetMatch(ctx, "missing")
	assert.ErrorIs(t, err, repositories.ErrMatchNotFound)
}

func TestListMatchesExpiresStale(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.clock.Advance(lifecycle.DefaultDecisionWindow + time.Second)

	matches, err := f.svc.ListMatches(ctx, talentUID)
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, models.MatchStatusExpired, matches[0].Status)
	assert.Equal(t, 1, countText(f.messages(), notify.Expired()))
	assert.Equal(t, []string{telemetry.EventMatchExpired}, f.rec.events)

	_, err = f.svc.ListMatches(ctx, "")
	assert.ErrorIs(t, err, lifecycle.ErrValidation)
}

func TestExpireOverdue(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	n, err := f.svc.ExpireOverdue(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	f.clock.Advance(lifecycle.DefaultDecisionWindow + time.Second)
	n, err = f.svc.ExpireOverdue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = f.svc.ExpireOverdue(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, 1, countText(f.messages(), notify.Expired()))
}

func TestRespondResolvesActiveMatch(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	out, err := f.svc.Respond(ctx, talentUID, insiderUID, true)
	require.NoError(t, err)
	assert.True(t, out.Waiting)

	out, err = f.svc.Respond(ctx, insiderUID, talentUID, false)
	require.NoError(t, err)
	assert.Equal(t, models.MatchStatusCancelled, out.Status)

	_, err = f.svc.Respond(ctx, insiderUID, talentUID, true)
	assert.ErrorIs(t, err, repositories.ErrMatchInactive)

	_, err = f.svc.Respond(ctx, insiderUID, "stranger", true)
	assert.ErrorIs(t, err, repositories.ErrMatchNotFound)

	_, err = f.svc.Respond(ctx, "", talentUID, true)
	assert.ErrorIs(t, err, lifecycle.ErrValidation)
}

func TestTimeRequestsRejectForeignChat(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.ProposeTime(ctx, lifecycle.ProposeTimeRequest{MatchID: f.match.ID, ChatID: "other", TalentUID: talentUID, Date: "d", Time: "t"})
	assert.ErrorIs(t, err, lifecycle.ErrValidation)
	_, err = f.svc.AcceptTime(ctx, lifecycle.AcceptTimeRequest{MatchID: f.match.ID, ChatID: "other", UID: insiderUID, Date: "d", Time: "t"})
	assert.ErrorIs(t, err, lifecycle.ErrValidation)
	assert.Equal(t, models.MatchStatusFound, f.stored(t).Status)

	_, err = f.svc.ProposeTime(ctx, lifecycle.ProposeTimeRequest{MatchID: f.match.ID, ChatID: f.chat.ID, TalentUID: talentUID, Date: "d", Time: "t"})
	assert.NoError(t, err)
}

func TestRespondAfterExpiryReportsExpired(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.clock.Advance(lifecycle.DefaultDecisionWindow + time.Hour)

	out, err := f.svc.Respond(ctx, talentUID, insiderUID, true)
	require.NoError(t, err)
	assert.True(t, out.Expired)

	again, err := f.svc.Respond(ctx, insiderUID, talentUID, true)
	require.NoError(t, err)
	assert.True(t, again.Expired)
	assert.Equal(t, f.match.ID, again.MatchID)
	assert.Equal(t, models.MatchStatusExpired, again.Status)
	assert.Equal(t, 1, countText(f.messages(), notify.Expired()))
}

func TestStatusCheckedBeforeParticipant(t *testing.T) {
	ctx := context.Background()

	t.Run("cancelled match is inactive for anyone", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.svc.Decline(ctx, f.match.ID, talentUID)
		require.NoError(t, err)

		_, err = f.svc.Accept(ctx, f.match.ID, "stranger")
		assert.ErrorIs(t, err, repositories.ErrMatchInactive)
	})

	t.Run("stale match expires on foreign access", func(t *testing.T) {
		f := newFixture(t)
		f.clock.Advance(lifecycle.DefaultDecisionWindow + time.Hour)

		out, err := f.svc.Accept(ctx, f.match.ID, "stranger")
		require.NoError(t, err)
		assert.True(t, out.Expired)

		m := f.stored(t)
		assert.Equal(t, models.MatchStatusExpired, m.Status)
		assert.False(t, m.TalentAccepted)
		assert.False(t, m.InsiderAccepted)
		assert.Equal(t, 1, countText(f.messages(), notify.Expired()))
	})

	t.Run("fresh match still rejects strangers", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.svc.Decline(ctx, f.match.ID, "stranger")
		assert.ErrorIs(t, err, lifecycle.ErrNotParticipant)
		assert.Equal(t, models.MatchStatusFound, f.stored(t).Status)
	})
}
