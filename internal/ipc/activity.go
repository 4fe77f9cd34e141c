package ipc

import "time"

// ActivityStartRequest is the `activityStart` payload.
type ActivityStartRequest struct {
	ID         string `json:"id"`
	DurationMs int64  `json:"duration_ms"`
}

// ActivityEndRequest is the `activityEnd` payload.
type ActivityEndRequest struct {
	ID string `json:"id"`
}

// ActivityStart creates or replaces a lease, clamped to 15 minutes
// (internal/activity.MaxDuration). Fails if the registry is currently
// frozen (mid-suspend).
func (h *Handlers) ActivityStart(req ActivityStartRequest) (Reply, error) {
	if req.ID == "" {
		return Reply{}, validationErr("activityStart: id is required")
	}
	if req.DurationMs < 0 {
		return Reply{}, validationErr("activityStart: duration_ms must be non-negative")
	}
	ok := h.activities.Start(req.ID, time.Duration(req.DurationMs)*time.Millisecond)
	return Reply{ReturnValue: ok}, nil
}

// ActivityEnd drops the lease for id, if present.
func (h *Handlers) ActivityEnd(req ActivityEndRequest) (Reply, error) {
	if req.ID == "" {
		return Reply{}, validationErr("activityEnd: id is required")
	}
	h.activities.Stop(req.ID)
	return Reply{ReturnValue: true}, nil
}
