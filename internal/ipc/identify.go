package ipc

// IdentifyRequest is the `identify` operation's payload (spec.md §6).
type IdentifyRequest struct {
	ClientName string `json:"clientName"`
	Subscribe  bool   `json:"subscribe"`
}

// IdentifyResponse is returned by Identify.
type IdentifyResponse struct {
	ReturnValue bool   `json:"returnValue"`
	ClientID    string `json:"clientId"`
	Subscribed  bool   `json:"subscribed,omitempty"`
}

// Identify issues a stable client id and registers it with the Client
// Registry & Vote Ledger, optionally subscribing it to the outgoing
// suspend-cycle signals. The assigned clientId also doubles as the
// app_id used on every alarm/timeout entry this client later sets: the
// original LS2-based daemon used the caller's bus service name as
// app_id, and clientId is this daemon's closest equivalent identity.
func (h *Handlers) Identify(req IdentifyRequest) (IdentifyResponse, error) {
	if req.ClientName == "" {
		return IdentifyResponse{}, validationErr("identify: clientName is required")
	}

	h.mu.Lock()
	clientID := h.newClientID()
	h.mu.Unlock()

	h.ledger.Register(clientID, req.ClientName)
	if req.Subscribe {
		h.transport.Subscribe(clientID)
	}

	return IdentifyResponse{ReturnValue: true, ClientID: clientID, Subscribed: req.Subscribe}, nil
}
