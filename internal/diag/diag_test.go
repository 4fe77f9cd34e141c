package diag_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/joeycumines/sleepd/internal/diag"
)

func TestDiagnostics_DenyStep_exponentialSchedule(t *testing.T) {
	d := diag.New()

	logsAt := map[int]bool{}
	for i := 1; i <= 20; i++ {
		_, shouldLog := d.DenyStep("suspendRequest")
		if shouldLog {
			logsAt[i] = true
		}
	}
	require.True(t, logsAt[8])
	require.True(t, logsAt[16])
	require.False(t, logsAt[1])
	require.False(t, logsAt[7])
	require.False(t, logsAt[9])
}

func TestDiagnostics_DenyStep_capsStepAt512(t *testing.T) {
	d := diag.New()
	var last int
	// logs at 8, 16, ..., 512, 1024, then 1536 (step capped at 512
	// rather than doubling to 2048).
	for i := 1; i <= 1600; i++ {
		count, shouldLog := d.DenyStep("prepareSuspend")
		if shouldLog {
			last = count
		}
	}
	require.Equal(t, 1536, last)
}

func TestDiagnostics_ResetDenyStep(t *testing.T) {
	d := diag.New()
	for i := 0; i < 8; i++ {
		d.DenyStep("suspendRequest")
	}
	d.ResetDenyStep("suspendRequest")
	for i := 1; i <= 7; i++ {
		_, shouldLog := d.DenyStep("suspendRequest")
		require.False(t, shouldLog)
	}
	_, shouldLog := d.DenyStep("suspendRequest")
	require.True(t, shouldLog)
}
