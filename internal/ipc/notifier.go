package ipc

import (
	"context"
	"encoding/json"

	"github.com/joeycumines/sleepd/internal/alarm"
)

// alarmFirePayload is the body delivered to uri when a timeout/set entry
// fires (spec.md §4.D step 2).
type alarmFirePayload struct {
	Key    string          `json:"key"`
	Params json.RawMessage `json:"params,omitempty"`
}

// Deliver implements alarm.Notifier: it routes a fired entry's callback
// to its owning client over Transport, broadcasting it if the entry was
// registered on the public channel and addressing it directly otherwise.
func (h *Handlers) Deliver(_ context.Context, e alarm.Entry) {
	payload := alarmFirePayload{Key: e.Key, Params: e.Params}
	if e.PublicChannel {
		h.transport.Broadcast(e.URI, payload)
		return
	}
	h.transport.Send(e.AppID, e.URI, payload)
}

var _ alarm.Notifier = (*Handlers)(nil)

// SuspendRequest implements suspend.Broadcaster.
func (h *Handlers) SuspendRequest() { h.transport.Broadcast("suspendRequest", struct{}{}) }

// PrepareSuspend implements suspend.Broadcaster.
func (h *Handlers) PrepareSuspend() { h.transport.Broadcast("prepareSuspend", struct{}{}) }

// Suspended implements suspend.Broadcaster.
func (h *Handlers) Suspended() { h.transport.Broadcast("suspended", struct{}{}) }

// Resume implements suspend.Broadcaster.
func (h *Handlers) Resume(resumetype int) {
	h.transport.Broadcast("resume", struct {
		ResumeType int `json:"resumetype"`
	}{ResumeType: resumetype})
}
