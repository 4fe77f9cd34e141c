package ipc

import (
	"time"

	"github.com/joeycumines/sleepd/internal/clients"
)

// GetSystemTimeResponse is returned by the SPEC_FULL.md `time/getSystemTime`
// query, recovered from the original daemon's debug surface
// (src/alarms/alarm.c): the wall time, the current rtc-to-wall offset,
// and the Reference Clock's reference time, all useful to a
// client debugging clock-jump behavior.
type GetSystemTimeResponse struct {
	ReturnValue   bool    `json:"returnValue"`
	Wall          float64 `json:"wall"`
	RTCOffset     float64 `json:"rtcOffset"`
	ReferenceTime float64 `json:"referenceTime"`
}

// GetSystemTime is a read-only diagnostic query over the Reference
// Clock.
func (h *Handlers) GetSystemTime() (GetSystemTimeResponse, error) {
	return GetSystemTimeResponse{
		ReturnValue:   true,
		Wall:          float64(time.Now().UnixNano()) / 1e9,
		RTCOffset:     h.clk.RTCToWall(),
		ReferenceTime: h.clk.ReferenceTime(),
	}, nil
}

// DiagnosticsResponse is returned by the SPEC_FULL.md `time/diagnostics`
// query, recovered from the original daemon's debug commands
// (src/pwrevents/sawmill_logger.c, activity_registry.snapshot_text,
// client_registry.snapshot): a read-only text dump of the Activity
// Registry and Client Registry, plus the alarm table's row count.
type DiagnosticsResponse struct {
	ReturnValue    bool   `json:"returnValue"`
	Activities     string `json:"activities"`
	SuspendClients string `json:"suspendClients"`
	PrepareClients string `json:"prepareClients"`
	AlarmCount     int    `json:"alarmCount"`
}

// Diagnostics renders the state needed to debug a hung or misbehaving
// suspend cycle without affecting it.
func (h *Handlers) Diagnostics() (DiagnosticsResponse, error) {
	n, err := h.alarms.StoreLen()
	if err != nil {
		return DiagnosticsResponse{}, err
	}
	return DiagnosticsResponse{
		ReturnValue:    true,
		Activities:     h.activities.SnapshotText(time.Now()),
		SuspendClients: h.ledger.Snapshot(clients.RoundSuspendRequest),
		PrepareClients: h.ledger.Snapshot(clients.RoundPrepareSuspend),
		AlarmCount:     n,
	}, nil
}
