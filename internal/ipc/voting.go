package ipc

import "github.com/joeycumines/sleepd/internal/clients"

// SuspendRequestRegisterRequest is the `suspendRequestRegister` payload.
type SuspendRequestRegisterRequest struct {
	ClientID string `json:"clientId"`
	Register bool   `json:"register"`
}

// PrepareSuspendRegisterRequest is the `prepareSuspendRegister` payload.
type PrepareSuspendRegisterRequest struct {
	ClientID string `json:"clientId"`
	Register bool   `json:"register"`
}

// SuspendRequestAckRequest is the `suspendRequestAck` payload.
type SuspendRequestAckRequest struct {
	ClientID string `json:"clientId"`
	Ack      bool   `json:"ack"`
}

// PrepareSuspendAckRequest is the `prepareSuspendAck` payload.
type PrepareSuspendAckRequest struct {
	ClientID string `json:"clientId"`
	Ack      bool   `json:"ack"`
}

// Reply is the common response shape for operations that carry nothing
// beyond success/failure.
type Reply struct {
	ReturnValue bool `json:"returnValue"`
}

// SuspendRequestRegister opts clientId in or out of voting round 1.
func (h *Handlers) SuspendRequestRegister(req SuspendRequestRegisterRequest) (Reply, error) {
	if req.ClientID == "" {
		return Reply{}, validationErr("suspendRequestRegister: clientId is required")
	}
	h.ledger.OptIn(req.ClientID, clients.RoundSuspendRequest, req.Register)
	return Reply{ReturnValue: true}, nil
}

// PrepareSuspendRegister opts clientId in or out of voting round 2.
func (h *Handlers) PrepareSuspendRegister(req PrepareSuspendRegisterRequest) (Reply, error) {
	if req.ClientID == "" {
		return Reply{}, validationErr("prepareSuspendRegister: clientId is required")
	}
	h.ledger.OptIn(req.ClientID, clients.RoundPrepareSuspend, req.Register)
	return Reply{ReturnValue: true}, nil
}

// SuspendRequestAck records clientId's vote in round 1. A vote from a
// client that never registered, or a second vote within the same
// attempt, is a protocol violation (spec.md §7): silently ignored, with
// the Ledger's own violation counter incrementing; the reply still
// reports success since the wire protocol has no error case for this.
func (h *Handlers) SuspendRequestAck(req SuspendRequestAckRequest) (Reply, error) {
	if req.ClientID == "" {
		return Reply{}, validationErr("suspendRequestAck: clientId is required")
	}
	h.ledger.Vote(req.ClientID, clients.RoundSuspendRequest, req.Ack)
	return Reply{ReturnValue: true}, nil
}

// PrepareSuspendAck records clientId's vote in round 2.
func (h *Handlers) PrepareSuspendAck(req PrepareSuspendAckRequest) (Reply, error) {
	if req.ClientID == "" {
		return Reply{}, validationErr("prepareSuspendAck: clientId is required")
	}
	h.ledger.Vote(req.ClientID, clients.RoundPrepareSuspend, req.Ack)
	return Reply{ReturnValue: true}, nil
}

// ForceSuspend posts a force-suspend request to the Suspend State
// Machine, bypassing the idle watcher; the machine's Run loop picks it up
// and the attempt is still subject to both voting rounds.
func (h *Handlers) ForceSuspend() (Reply, error) {
	h.machine.ForceSuspend()
	return Reply{ReturnValue: true}, nil
}
