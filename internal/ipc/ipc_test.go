package ipc_test

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/joeycumines/sleepd/internal/activity"
	"github.com/joeycumines/sleepd/internal/alarm"
	"github.com/joeycumines/sleepd/internal/clients"
	"github.com/joeycumines/sleepd/internal/clock"
	"github.com/joeycumines/sleepd/internal/config"
	"github.com/joeycumines/sleepd/internal/diag"
	"github.com/joeycumines/sleepd/internal/hal"
	"github.com/joeycumines/sleepd/internal/ipc"
	"github.com/joeycumines/sleepd/internal/suspend"
)

type sentMsg struct {
	clientID, method string
	payload          any
}

type broadcastMsg struct {
	method  string
	payload any
}

// fakeTransport is a software-simulated Transport, in the style of
// internal/hal.Sim, recording everything delivered to it instead of
// routing it over a real IPC bus.
type fakeTransport struct {
	mu          sync.Mutex
	subscribed  map[string]bool
	sent        []sentMsg
	broadcasts  []broadcastMsg
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{subscribed: make(map[string]bool)}
}

func (f *fakeTransport) Send(clientID, method string, payload any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sentMsg{clientID, method, payload})
}

func (f *fakeTransport) Broadcast(method string, payload any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.broadcasts = append(f.broadcasts, broadcastMsg{method, payload})
}

func (f *fakeTransport) Subscribe(clientID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subscribed[clientID] = true
}

func (f *fakeTransport) Unsubscribe(clientID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.subscribed, clientID)
}

func (f *fakeTransport) broadcastCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.broadcasts)
}

type fixture struct {
	h         *ipc.Handlers
	transport *fakeTransport
	sim       *hal.Sim
	engine    *alarm.Engine
	ledger    *clients.Ledger
	machine   *suspend.Machine
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	sim := hal.NewSim(time.Now())
	store, err := alarm.Open(filepath.Join(t.TempDir(), "alarms.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	c := clock.New(sim, clock.WithNowFunc(time.Now))
	acts := activity.New()
	transport := newFakeTransport()
	ledger := clients.New()
	diagnostics := diag.New()

	h := ipc.New(ledger, acts, nil, nil, c, diagnostics, transport)
	engine := alarm.New(store, "", c, acts, sim, h, diagnostics)

	cfg := config.Defaults()
	machine := suspend.New(cfg, ledger, acts, engine, sim, sim, diagnostics, suspend.WithBroadcaster(h))

	h2 := ipc.New(ledger, acts, engine, machine, c, diagnostics, transport)
	return fixture{h: h2, transport: transport, sim: sim, engine: engine, ledger: ledger, machine: machine}
}

func TestHandlers_IdentifySubscribesAndRegisters(t *testing.T) {
	fx := newFixture(t)

	resp, err := fx.h.Identify(ipc.IdentifyRequest{ClientName: "guardian", Subscribe: true})
	require.NoError(t, err)
	require.True(t, resp.ReturnValue)
	require.NotEmpty(t, resp.ClientID)
	require.True(t, resp.Subscribed)
	require.True(t, fx.transport.subscribed[resp.ClientID])
}

func TestHandlers_IdentifyRejectsEmptyName(t *testing.T) {
	fx := newFixture(t)
	_, err := fx.h.Identify(ipc.IdentifyRequest{})
	require.Error(t, err)
	var verr *ipc.ValidationError
	require.ErrorAs(t, err, &verr)
}

func TestHandlers_VotingRoundTripsToLedger(t *testing.T) {
	fx := newFixture(t)
	id, err := fx.h.Identify(ipc.IdentifyRequest{ClientName: "guardian"})
	require.NoError(t, err)

	_, err = fx.h.SuspendRequestRegister(ipc.SuspendRequestRegisterRequest{ClientID: id.ClientID, Register: true})
	require.NoError(t, err)

	fx.ledger.VoteInit()
	_, err = fx.h.SuspendRequestAck(ipc.SuspendRequestAckRequest{ClientID: id.ClientID, Ack: true})
	require.NoError(t, err)
	require.True(t, fx.ledger.Approved(clients.RoundSuspendRequest))
}

func TestHandlers_ActivityStartAndEnd(t *testing.T) {
	fx := newFixture(t)

	resp, err := fx.h.ActivityStart(ipc.ActivityStartRequest{ID: "render", DurationMs: 10000})
	require.NoError(t, err)
	require.True(t, resp.ReturnValue)

	_, err = fx.h.ActivityEnd(ipc.ActivityEndRequest{ID: "render"})
	require.NoError(t, err)
}

func TestHandlers_TimeoutSetRejectsMissingTime(t *testing.T) {
	fx := newFixture(t)
	_, err := fx.h.TimeoutSet(ipc.TimeoutSetRequest{ClientID: "app", Key: "k", URI: "x://y"})
	require.Error(t, err)
}

func TestHandlers_TimeoutSetThenClearRoundTrips(t *testing.T) {
	fx := newFixture(t)
	at := float64(time.Now().Unix()) + 10

	resp, err := fx.h.TimeoutSet(ipc.TimeoutSetRequest{
		ClientID: "app",
		Key:      "k",
		URI:      "x://y",
		In:       floatPtr(10),
	})
	require.NoError(t, err)
	require.True(t, resp.ReturnValue)
	require.Equal(t, "k", resp.Key)

	_, ok, err := fx.engine.Read("app", "k", false)
	require.NoError(t, err)
	require.True(t, ok)

	clearResp, err := fx.h.TimeoutClear(ipc.TimeoutClearRequest{ClientID: "app", Key: "k"})
	require.NoError(t, err)
	require.True(t, clearResp.ReturnValue)

	_, ok, err = fx.engine.Read("app", "k", false)
	require.NoError(t, err)
	require.False(t, ok)
	_ = at
}

func TestHandlers_TimeoutSetKeepExistingPreservesRow(t *testing.T) {
	fx := newFixture(t)

	_, err := fx.h.TimeoutSet(ipc.TimeoutSetRequest{ClientID: "app", Key: "k", URI: "x://y", In: floatPtr(10)})
	require.NoError(t, err)
	first, _, err := fx.engine.Read("app", "k", false)
	require.NoError(t, err)

	resp, err := fx.h.TimeoutSet(ipc.TimeoutSetRequest{
		ClientID:     "app",
		Key:          "k",
		URI:          "x://z",
		In:           floatPtr(20),
		KeepExisting: true,
	})
	require.NoError(t, err)
	require.True(t, resp.KeptExisting)

	second, _, err := fx.engine.Read("app", "k", false)
	require.NoError(t, err)
	require.Equal(t, first.URI, second.URI)
}

func TestHandlers_TimeoutSetRejectsShortRelativeDuration(t *testing.T) {
	fx := newFixture(t)
	_, err := fx.h.TimeoutSet(ipc.TimeoutSetRequest{ClientID: "app", Key: "k", URI: "x://y", In: floatPtr(1)})
	require.Error(t, err)
	var verr *ipc.ValidationError
	require.ErrorAs(t, err, &verr)
}

func TestHandlers_LegacyAlarmAddQueryRemove(t *testing.T) {
	fx := newFixture(t)

	resp, err := fx.h.AlarmAdd(ipc.AlarmAddRequest{
		Key:          "wake",
		ServiceName:  "com.example.app",
		RelativeTime: "00:00:10",
	})
	require.NoError(t, err)
	require.True(t, resp.ReturnValue)
	require.NotZero(t, resp.AlarmID)

	queryResp, err := fx.h.AlarmQuery(ipc.AlarmQueryRequest{ServiceName: "com.example.app", Key: "wake"})
	require.NoError(t, err)
	require.Len(t, queryResp.Alarms, 1)
	require.Equal(t, resp.AlarmID, queryResp.Alarms[0].AlarmID)

	removeResp, err := fx.h.AlarmRemove(ipc.AlarmRemoveRequest{AlarmID: resp.AlarmID})
	require.NoError(t, err)
	require.True(t, removeResp.ReturnValue)
}

func TestHandlers_AlarmAddCalendarRejectsBadDate(t *testing.T) {
	fx := newFixture(t)
	_, err := fx.h.AlarmAddCalendar(ipc.AlarmAddCalendarRequest{
		Key:         "k",
		ServiceName: "svc",
		Date:        "not-a-date",
		Time:        "00:00:00",
	})
	require.Error(t, err)
}

func TestHandlers_ForceSuspendBroadcastsSignals(t *testing.T) {
	fx := newFixture(t)
	// ForceSuspend only posts a request; the machine's Run loop carries
	// out the attempt.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go fx.machine.Run(ctx)
	t.Cleanup(func() {
		fx.machine.Stop()
		<-fx.machine.Done()
	})

	_, err := fx.h.ForceSuspend()
	require.NoError(t, err)

	deadline := time.Now().Add(time.Second)
	for fx.transport.broadcastCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	require.Positive(t, fx.transport.broadcastCount())
}

func TestHandlers_GetSystemTime(t *testing.T) {
	fx := newFixture(t)
	resp, err := fx.h.GetSystemTime()
	require.NoError(t, err)
	require.True(t, resp.ReturnValue)
	require.Positive(t, resp.Wall)
}

func TestHandlers_Diagnostics(t *testing.T) {
	fx := newFixture(t)
	resp, err := fx.h.Diagnostics()
	require.NoError(t, err)
	require.True(t, resp.ReturnValue)
	require.Contains(t, resp.Activities, "activities:")
}

func floatPtr(f float64) *float64 { return &f }
