package ipc

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/joeycumines/sleepd/internal/alarm"
)

// TimeoutSetRequest is the `timeout/set` payload (spec.md §6). Exactly
// one of At or In must be set: At is an absolute wall-clock epoch
// second (calendar=true); In is a relative number of seconds from now
// (calendar=false). ClientID is supplied by the transport from the
// connection's identity, not by the caller, and becomes the entry's
// app_id — the same role the caller's bus service name played in the
// original daemon.
type TimeoutSetRequest struct {
	ClientID           string          `json:"-"`
	Key                string          `json:"key"`
	URI                string          `json:"uri"`
	Params             json.RawMessage `json:"params,omitempty"`
	Wakeup             bool            `json:"wakeup"`
	PublicChannel      bool            `json:"public_channel,omitempty"`
	At                 *float64        `json:"at,omitempty"`
	In                 *float64        `json:"in,omitempty"`
	ActivityID         string          `json:"activity_id,omitempty"`
	ActivityDurationMs int64           `json:"activity_duration_ms,omitempty"`
	KeepExisting       bool            `json:"keep_existing,omitempty"`
}

// TimeoutSetResponse is returned by TimeoutSet.
type TimeoutSetResponse struct {
	ReturnValue  bool   `json:"returnValue"`
	Key          string `json:"key"`
	KeptExisting bool   `json:"kept_existing,omitempty"`
}

// TimeoutClearRequest is the `timeout/clear` payload.
type TimeoutClearRequest struct {
	ClientID      string `json:"-"`
	Key           string `json:"key"`
	PublicChannel bool   `json:"public_channel,omitempty"`
}

// TimeoutClearResponse is returned by TimeoutClear.
type TimeoutClearResponse struct {
	ReturnValue bool   `json:"returnValue"`
	Key         string `json:"key"`
}

// TimeoutSet validates and upserts an alarm/timeout entry (spec.md §4.D).
// When KeepExisting is set and a row with the same (app_id, key,
// public_channel) identity already exists, the existing row is left
// untouched and KeptExisting is reported true.
func (h *Handlers) TimeoutSet(req TimeoutSetRequest) (TimeoutSetResponse, error) {
	if req.Key == "" {
		return TimeoutSetResponse{}, validationErr("timeout/set: key is required")
	}
	if req.URI == "" {
		return TimeoutSetResponse{}, validationErr("timeout/set: uri is required")
	}
	if (req.At == nil) == (req.In == nil) {
		return TimeoutSetResponse{}, validationErr("timeout/set: exactly one of at or in is required")
	}

	if req.KeepExisting {
		if _, ok, err := h.alarms.Read(req.ClientID, req.Key, req.PublicChannel); err != nil {
			return TimeoutSetResponse{}, err
		} else if ok {
			return TimeoutSetResponse{ReturnValue: true, Key: req.Key, KeptExisting: true}, nil
		}
	}

	var expiry float64
	var calendar bool
	if req.At != nil {
		expiry = *req.At
		calendar = true
	} else {
		expiry = float64(time.Now().UnixNano())/1e9 + *req.In
	}

	_, err := h.alarms.Set(alarm.SetInput{
		AppID:              req.ClientID,
		Key:                req.Key,
		URI:                req.URI,
		Params:             req.Params,
		PublicChannel:      req.PublicChannel,
		Wakeup:             req.Wakeup,
		Calendar:           calendar,
		Expiry:             expiry,
		ActivityID:         req.ActivityID,
		ActivityDurationMs: req.ActivityDurationMs,
	})
	if err != nil {
		if errors.Is(err, alarm.ErrDurationTooShort) || errors.Is(err, alarm.ErrActivityDurationTooShort) {
			return TimeoutSetResponse{}, validationErr(err.Error())
		}
		return TimeoutSetResponse{}, err
	}
	return TimeoutSetResponse{ReturnValue: true, Key: req.Key}, nil
}

// TimeoutClear removes the entry matching (clientId, key, public_channel)
// and reprograms the RTC wakeup. Clearing a nonexistent key is a no-op
// success, per spec.md §8's round-trip properties.
func (h *Handlers) TimeoutClear(req TimeoutClearRequest) (TimeoutClearResponse, error) {
	if req.Key == "" {
		return TimeoutClearResponse{}, validationErr("timeout/clear: key is required")
	}
	if _, err := h.alarms.Clear(req.ClientID, req.Key, req.PublicChannel); err != nil {
		return TimeoutClearResponse{}, err
	}
	return TimeoutClearResponse{ReturnValue: true, Key: req.Key}, nil
}
