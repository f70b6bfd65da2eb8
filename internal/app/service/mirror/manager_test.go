package mirror

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/korelin/subpay/internal/app/service/notify"
)

type dispatched struct {
	botID  int64
	update *tgbotapi.Update
}

type fakeDispatcher struct {
	received chan dispatched
}

func newFakeDispatcher() *fakeDispatcher {
	return &fakeDispatcher{received: make(chan dispatched, 4)}
}

func (f *fakeDispatcher) FeedUpdate(ctx context.Context, bot *notify.BotRef, update *tgbotapi.Update) {
	f.received <- dispatched{botID: notify.BotIDFrom(ctx), update: update}
}

func (f *fakeDispatcher) wait(t *testing.T) dispatched {
	t.Helper()
	select {
	case d := <-f.received:
		return d
	case <-time.After(time.Second):
		t.Fatal("dispatcher never received the update")
		return dispatched{}
	}
}

func newTestManager(d Dispatcher) *Manager {
	m := &Manager{
		log:  zap.NewNop().Sugar(),
		bots: make(map[int64]*activeBot),
	}
	if d != nil {
		m.SetDispatcher(d)
	}
	m.bots[1] = &activeBot{id: 1, username: "mirror_one", secret: "s3cret", primary: false}
	m.bots[2] = &activeBot{id: 2, username: "primary_bot", secret: "t0psecret", primary: true}
	return m
}

func updateBody(t *testing.T) []byte {
	t.Helper()
	body, err := json.Marshal(tgbotapi.Update{UpdateID: 10})
	require.NoError(t, err)
	return body
}

func TestRouteUnknownBot(t *testing.T) {
	m := newTestManager(newFakeDispatcher())

	status := m.Route(context.Background(), 404, "s3cret", updateBody(t))
	require.Equal(t, http.StatusNotFound, status)
}

func TestRouteSecretMismatch(t *testing.T) {
	d := newFakeDispatcher()
	m := newTestManager(d)

	status := m.Route(context.Background(), 1, "wrong", updateBody(t))
	require.Equal(t, http.StatusUnauthorized, status)
	require.Empty(t, d.received)
}

func TestRouteDispatchesWithBotIdentity(t *testing.T) {
	d := newFakeDispatcher()
	m := newTestManager(d)

	status := m.Route(context.Background(), 1, "s3cret", updateBody(t))
	require.Equal(t, http.StatusOK, status)

	got := d.wait(t)
	require.Equal(t, int64(1), got.botID)
	require.Equal(t, 10, got.update.UpdateID)
}

func TestRouteMalformedBodyStillAcknowledged(t *testing.T) {
	d := newFakeDispatcher()
	m := newTestManager(d)

	status := m.Route(context.Background(), 1, "s3cret", []byte("{not json"))
	require.Equal(t, http.StatusOK, status)
	require.Empty(t, d.received)
}

func TestRouteWithoutDispatcherDropsUpdate(t *testing.T) {
	m := newTestManager(nil)

	status := m.Route(context.Background(), 1, "s3cret", updateBody(t))
	require.Equal(t, http.StatusOK, status)
}

func TestPrimaryAndMirrorSelection(t *testing.T) {
	m := newTestManager(newFakeDispatcher())

	primary := m.Primary()
	require.NotNil(t, primary)
	require.Equal(t, int64(2), primary.ID)

	mirrors := m.Mirrors()
	require.Len(t, mirrors, 1)
	require.Equal(t, int64(1), mirrors[0].ID)
}

func TestStopRemovesBotAndFiresCallback(t *testing.T) {
	m := newTestManager(newFakeDispatcher())
	var dropped []int64
	m.OnStopBot(func(botID int64) { dropped = append(dropped, botID) })

	m.Stop(context.Background(), 99) // unknown id is a no-op
	require.Empty(t, dropped)
	require.Len(t, m.bots, 2)
}

func TestNewSecretIsUniqueAndLong(t *testing.T) {
	a, err := newSecret()
	require.NoError(t, err)
	b, err := newSecret()
	require.NoError(t, err)
	require.NotEqual(t, a, b)
	require.Len(t, a, 64) // 32 random bytes, hex encoded
}
