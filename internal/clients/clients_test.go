package clients_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/joeycumines/sleepd/internal/clients"
)

func TestLedger_VoteUnknownUID(t *testing.T) {
	l := clients.New()
	require.False(t, l.Vote("ghost", clients.RoundSuspendRequest, true))
}

func TestLedger_ApprovedAfterAllAck(t *testing.T) {
	l := clients.New()
	l.Register("a", "alpha")
	l.Register("b", "beta")
	l.OptIn("a", clients.RoundSuspendRequest, true)
	l.OptIn("b", clients.RoundSuspendRequest, true)
	l.VoteInit()

	require.False(t, l.Approved(clients.RoundSuspendRequest))
	require.False(t, l.Vote("a", clients.RoundSuspendRequest, true))
	require.True(t, l.Vote("b", clients.RoundSuspendRequest, true))
	require.True(t, l.Approved(clients.RoundSuspendRequest))
}

func TestLedger_NackShortCircuits(t *testing.T) {
	l := clients.New()
	l.Register("a", "alpha")
	l.Register("b", "beta")
	l.OptIn("a", clients.RoundSuspendRequest, true)
	l.OptIn("b", clients.RoundSuspendRequest, true)
	l.VoteInit()

	require.True(t, l.Vote("a", clients.RoundSuspendRequest, false))
	require.True(t, l.Nacked(clients.RoundSuspendRequest))
	require.False(t, l.Approved(clients.RoundSuspendRequest))
}

func TestLedger_VoteLatchesFirstResponse(t *testing.T) {
	l := clients.New()
	l.Register("a", "alpha")
	l.OptIn("a", clients.RoundSuspendRequest, true)
	l.VoteInit()

	require.True(t, l.Vote("a", clients.RoundSuspendRequest, true))
	require.True(t, l.Approved(clients.RoundSuspendRequest))

	// a later Nack from the same client in the same attempt doesn't
	// revoke the earlier Ack.
	require.True(t, l.Vote("a", clients.RoundSuspendRequest, false))
	require.True(t, l.Approved(clients.RoundSuspendRequest))
	require.False(t, l.Nacked(clients.RoundSuspendRequest))
}

func TestLedger_VoteInitResetsPerAttempt(t *testing.T) {
	l := clients.New()
	l.Register("a", "alpha")
	l.OptIn("a", clients.RoundSuspendRequest, true)
	l.VoteInit()
	require.True(t, l.Vote("a", clients.RoundSuspendRequest, true))
	require.True(t, l.Approved(clients.RoundSuspendRequest))

	l.VoteInit()
	require.False(t, l.Approved(clients.RoundSuspendRequest))
}

func TestLedger_OptOutExcludesFromExpected(t *testing.T) {
	l := clients.New()
	l.Register("a", "alpha")
	l.Register("b", "beta")
	l.OptIn("a", clients.RoundSuspendRequest, true)
	// b never opts in.
	l.VoteInit()

	require.True(t, l.Vote("a", clients.RoundSuspendRequest, true))
	require.True(t, l.Approved(clients.RoundSuspendRequest))
}

func TestLedger_WaitRound_resolvesOnAck(t *testing.T) {
	l := clients.New()
	l.Register("a", "alpha")
	l.OptIn("a", clients.RoundSuspendRequest, true)
	l.VoteInit()

	done := make(chan struct{})
	go func() {
		time.Sleep(10 * time.Millisecond)
		l.Vote("a", clients.RoundSuspendRequest, true)
		close(done)
	}()

	approved, nacked, timedOut := l.WaitRound(clients.RoundSuspendRequest, time.Second)
	<-done
	require.True(t, approved)
	require.False(t, nacked)
	require.False(t, timedOut)
}

func TestLedger_WaitRound_resolvesOnNack(t *testing.T) {
	l := clients.New()
	l.Register("a", "alpha")
	l.OptIn("a", clients.RoundSuspendRequest, true)
	l.VoteInit()

	go func() {
		time.Sleep(10 * time.Millisecond)
		l.Vote("a", clients.RoundSuspendRequest, false)
	}()

	approved, nacked, timedOut := l.WaitRound(clients.RoundSuspendRequest, time.Second)
	require.False(t, approved)
	require.True(t, nacked)
	require.False(t, timedOut)
}

func TestLedger_WaitRound_timesOut(t *testing.T) {
	l := clients.New()
	l.Register("a", "alpha")
	l.OptIn("a", clients.RoundSuspendRequest, true)
	l.VoteInit()

	approved, nacked, timedOut := l.WaitRound(clients.RoundSuspendRequest, 20*time.Millisecond)
	require.False(t, approved)
	require.False(t, nacked)
	require.True(t, timedOut)
}

func TestLedger_SilentClients(t *testing.T) {
	l := clients.New()
	l.Register("a", "alpha")
	l.Register("b", "beta")
	l.OptIn("a", clients.RoundSuspendRequest, true)
	l.OptIn("b", clients.RoundSuspendRequest, true)
	l.VoteInit()
	l.Vote("a", clients.RoundSuspendRequest, true)

	require.Equal(t, []string{"beta"}, l.SilentClients(clients.RoundSuspendRequest))
}

func TestLedger_UnregisterByName(t *testing.T) {
	l := clients.New()
	l.Register("a", "alpha")
	l.OptIn("a", clients.RoundSuspendRequest, true)
	l.UnregisterByName("alpha")
	l.VoteInit()
	require.True(t, l.Approved(clients.RoundSuspendRequest)) // zero expected, zero tally
	require.False(t, l.Vote("a", clients.RoundSuspendRequest, true))
}

func TestLedger_NackEventsPublished(t *testing.T) {
	l := clients.New()
	l.Register("a", "alpha")
	l.OptIn("a", clients.RoundSuspendRequest, true)
	l.VoteInit()
	l.Vote("a", clients.RoundSuspendRequest, false)

	select {
	case ev := <-l.NackEvents():
		e := ev.(clients.NackEvent)
		require.Equal(t, "alpha", e.Name)
		require.Equal(t, 1, e.Cumulative)
	case <-time.After(time.Second):
		t.Fatal("expected a nack event")
	}
}

func TestLedger_Snapshot(t *testing.T) {
	l := clients.New()
	l.Register("a", "alpha")
	l.OptIn("a", clients.RoundSuspendRequest, true)
	l.VoteInit()
	text := l.Snapshot(clients.RoundSuspendRequest)
	require.Contains(t, text, "alpha")
}
