package ipc

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// AlarmAddRequest is the `time/alarmAdd` payload (spec.md §6, legacy):
// RelativeTime is "HH:MM:SS" offset from now, UTC.
type AlarmAddRequest struct {
	ClientID        string `json:"-"`
	Key             string `json:"key"`
	ServiceName     string `json:"serviceName"`
	ApplicationName string `json:"applicationName,omitempty"`
	RelativeTime    string `json:"relative_time"`
	Subscribe       bool   `json:"subscribe,omitempty"`
}

// AlarmAddResponse is returned by AlarmAdd and AlarmAddCalendar.
type AlarmAddResponse struct {
	ReturnValue bool `json:"returnValue"`
	AlarmID     int  `json:"alarmId"`
	Subscribed  bool `json:"subscribed,omitempty"`
}

// AlarmAddCalendarRequest is the `time/alarmAddCalendar` payload
// (legacy): Date is "MM-DD-YYYY", Time is "HH:MM:SS", both UTC.
type AlarmAddCalendarRequest struct {
	ClientID        string `json:"-"`
	Key             string `json:"key"`
	ServiceName     string `json:"serviceName"`
	ApplicationName string `json:"applicationName,omitempty"`
	Date            string `json:"date"`
	Time            string `json:"time"`
	Subscribe       bool   `json:"subscribe,omitempty"`
}

// AlarmQueryRequest is the `time/alarmQuery` payload.
type AlarmQueryRequest struct {
	ServiceName string `json:"serviceName"`
	Key         string `json:"key"`
}

// AlarmQueryResponse is returned by AlarmQuery.
type AlarmQueryResponse struct {
	ReturnValue bool              `json:"returnValue"`
	Alarms      []AlarmQueryEntry `json:"alarms"`
}

// AlarmQueryEntry is one row of an AlarmQueryResponse.
type AlarmQueryEntry struct {
	AlarmID  int     `json:"alarmId"`
	Key      string  `json:"key"`
	Expiry   float64 `json:"expiry"`
	Calendar bool    `json:"calendar"`
}

// AlarmRemoveRequest is the `time/alarmRemove` payload.
type AlarmRemoveRequest struct {
	AlarmID int `json:"alarmId"`
}

func parseClockTime(s string) (hour, min, sec int, err error) {
	parts := strings.Split(s, ":")
	if len(parts) != 3 {
		return 0, 0, 0, fmt.Errorf("expected HH:MM:SS, got %q", s)
	}
	hour, err = strconv.Atoi(parts[0])
	if err != nil {
		return 0, 0, 0, err
	}
	min, err = strconv.Atoi(parts[1])
	if err != nil {
		return 0, 0, 0, err
	}
	sec, err = strconv.Atoi(parts[2])
	if err != nil {
		return 0, 0, 0, err
	}
	if hour < 0 || hour > 24 || min < 0 || min > 59 || sec < 0 || sec > 59 {
		return 0, 0, 0, fmt.Errorf("out of range HH:MM:SS: %q", s)
	}
	return hour, min, sec, nil
}

// AlarmAdd registers a legacy relative-time alarm (spec.md §6): fires
// RelativeTime after now.
func (h *Handlers) AlarmAdd(req AlarmAddRequest) (AlarmAddResponse, error) {
	if req.Key == "" || req.ServiceName == "" {
		return AlarmAddResponse{}, validationErr("time/alarmAdd: key and serviceName are required")
	}
	hour, min, sec, err := parseClockTime(req.RelativeTime)
	if err != nil {
		return AlarmAddResponse{}, validationErr("time/alarmAdd: relative_time: " + err.Error())
	}
	offset := time.Duration(hour)*time.Hour + time.Duration(min)*time.Minute + time.Duration(sec)*time.Second
	expiry := float64(time.Now().Add(offset).UnixNano()) / 1e9

	id, err := h.alarms.AddLegacy(req.Key, req.ServiceName, req.ApplicationName, expiry, false)
	if err != nil {
		return AlarmAddResponse{}, err
	}
	if req.Subscribe {
		h.transport.Subscribe(req.ClientID)
	}
	return AlarmAddResponse{ReturnValue: true, AlarmID: id, Subscribed: req.Subscribe}, nil
}

// AlarmAddCalendar registers a legacy absolute-calendar alarm (spec.md
// §6): fires at the given UTC date and time.
func (h *Handlers) AlarmAddCalendar(req AlarmAddCalendarRequest) (AlarmAddResponse, error) {
	if req.Key == "" || req.ServiceName == "" {
		return AlarmAddResponse{}, validationErr("time/alarmAddCalendar: key and serviceName are required")
	}
	hour, min, sec, err := parseClockTime(req.Time)
	if err != nil {
		return AlarmAddResponse{}, validationErr("time/alarmAddCalendar: time: " + err.Error())
	}
	dateParts := strings.Split(req.Date, "-")
	if len(dateParts) != 3 {
		return AlarmAddResponse{}, validationErr("time/alarmAddCalendar: date: expected MM-DD-YYYY, got " + req.Date)
	}
	month, errM := strconv.Atoi(dateParts[0])
	day, errD := strconv.Atoi(dateParts[1])
	year, errY := strconv.Atoi(dateParts[2])
	if errM != nil || errD != nil || errY != nil || month < 1 || month > 12 || day < 1 || day > 31 {
		return AlarmAddResponse{}, validationErr("time/alarmAddCalendar: date: expected MM-DD-YYYY, got " + req.Date)
	}

	at := time.Date(year, time.Month(month), day, hour, min, sec, 0, time.UTC)
	expiry := float64(at.Unix())

	id, err := h.alarms.AddLegacy(req.Key, req.ServiceName, req.ApplicationName, expiry, true)
	if err != nil {
		return AlarmAddResponse{}, err
	}
	if req.Subscribe {
		h.transport.Subscribe(req.ClientID)
	}
	return AlarmAddResponse{ReturnValue: true, AlarmID: id, Subscribed: req.Subscribe}, nil
}

// AlarmQuery looks up legacy alarms by (serviceName, key).
func (h *Handlers) AlarmQuery(req AlarmQueryRequest) (AlarmQueryResponse, error) {
	if req.ServiceName == "" || req.Key == "" {
		return AlarmQueryResponse{}, validationErr("time/alarmQuery: serviceName and key are required")
	}
	a, ok := h.alarms.QueryLegacy(req.ServiceName, req.Key)
	if !ok {
		return AlarmQueryResponse{ReturnValue: true, Alarms: nil}, nil
	}
	return AlarmQueryResponse{
		ReturnValue: true,
		Alarms: []AlarmQueryEntry{{
			AlarmID:  a.ID,
			Key:      a.Key,
			Expiry:   a.Expiry,
			Calendar: a.Calendar,
		}},
	}, nil
}

// AlarmRemove deletes a legacy alarm by id.
func (h *Handlers) AlarmRemove(req AlarmRemoveRequest) (Reply, error) {
	if req.AlarmID == 0 {
		return Reply{}, validationErr("time/alarmRemove: alarmId is required")
	}
	ok, err := h.alarms.RemoveLegacy(req.AlarmID)
	if err != nil {
		return Reply{}, err
	}
	return Reply{ReturnValue: ok}, nil
}
