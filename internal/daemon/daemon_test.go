package daemon_test

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/joeycumines/sleepd/internal/config"
	"github.com/joeycumines/sleepd/internal/daemon"
	"github.com/joeycumines/sleepd/internal/hal"
	"github.com/joeycumines/sleepd/internal/ipc"
)

// fakeTransport is a software-simulated ipc.Transport, in the style of
// internal/hal.Sim, recording everything delivered to it.
type fakeTransport struct {
	mu         sync.Mutex
	subscribed map[string]bool
	broadcasts int
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{subscribed: make(map[string]bool)}
}

func (f *fakeTransport) Send(clientID, method string, payload any) {}

func (f *fakeTransport) Broadcast(method string, payload any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.broadcasts++
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

var _ ipc.Transport = (*fakeTransport)(nil)

func newCore(t *testing.T) (*daemon.Core, *hal.Sim, *fakeTransport) {
	t.Helper()
	sim := hal.NewSim(time.Now())
	transport := newFakeTransport()

	cfg := config.Defaults()
	cfg.WaitAlarmsS = 1

	core, err := daemon.New(daemon.Options{
		Config:         cfg,
		RTC:            sim,
		Suspend:        sim,
		Display:        sim,
		Transport:      transport,
		AlarmStorePath: filepath.Join(t.TempDir(), "alarms.db"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = core.Close() })
	return core, sim, transport
}

func TestNew_RequiresCollaborators(t *testing.T) {
	_, err := daemon.New(daemon.Options{})
	require.Error(t, err)
}

func TestNew_WiresHandlers(t *testing.T) {
	core, _, _ := newCore(t)
	require.NotNil(t, core.Handlers())
}

func TestCore_RunAndStop(t *testing.T) {
	core, _, _ := newCore(t)

	runErr := make(chan error, 1)
	go func() { runErr <- core.Run(context.Background()) }()

	// Dispatch a call through the loop to confirm it's actually running
	// before asking it to stop.
	require.NoError(t, core.Dispatch(func() {}))

	core.Stop()
	select {
	case err := <-runErr:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after Stop")
	}
}

func TestCore_IdentifyThroughDispatch(t *testing.T) {
	core, _, transport := newCore(t)

	ctx, cancel := context.WithCancel(context.Background())
	runErr := make(chan error, 1)
	go func() { runErr <- core.Run(ctx) }()
	defer func() {
		core.Stop()
		cancel()
		<-runErr
	}()

	var resp ipc.IdentifyResponse
	var callErr error
	require.NoError(t, core.Dispatch(func() {
		resp, callErr = core.Handlers().Identify(ipc.IdentifyRequest{ClientName: "app", Subscribe: true})
	}))
	require.NoError(t, callErr)
	require.True(t, resp.ReturnValue)
	require.NotEmpty(t, resp.ClientID)

	transport.mu.Lock()
	subscribed := transport.subscribed[resp.ClientID]
	transport.mu.Unlock()
	require.True(t, subscribed)
}

func TestCore_ReleaseClientUnregistersFromLedger(t *testing.T) {
	core, _, _ := newCore(t)

	var resp ipc.IdentifyResponse
	resp, err := core.Handlers().Identify(ipc.IdentifyRequest{ClientName: "app"})
	require.NoError(t, err)

	before, err := core.Handlers().Diagnostics()
	require.NoError(t, err)
	require.Contains(t, before.SuspendClients, "app")

	// Idempotent: calling twice must not panic or error.
	core.ReleaseClient(resp.ClientID)
	core.ReleaseClient(resp.ClientID)

	after, err := core.Handlers().Diagnostics()
	require.NoError(t, err)
	require.NotContains(t, after.SuspendClients, "app")
}
