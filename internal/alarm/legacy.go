package alarm

import (
	"encoding/xml"
	"os"
	"sort"
	"sync"

	"github.com/joeycumines/sleepd/internal/corelog"
)

// LegacyAlarm is a row in the pre-existing XML alarm file, reloaded at
// startup and kept alongside the bbolt-backed table (spec.md's original
// implementation persisted the same concept as a flat XML document;
// SPEC_FULL.md keeps it as a supplemental legacy surface rather than
// migrating every caller to the new store at once).
type LegacyAlarm struct {
	ID              int     `xml:"id,attr"`
	Key             string  `xml:"key,attr"`
	ServiceName     string  `xml:"serviceName,attr"`
	ApplicationName string  `xml:"applicationName,attr"`
	Expiry          float64 `xml:"expiry,attr"`
	Calendar        bool    `xml:"calendar,attr"`
}

type legacyFile struct {
	XMLName xml.Name      `xml:"alarms"`
	Alarms  []LegacyAlarm `xml:"alarm"`
}

// LegacyQueue is the in-memory reload of the legacy alarm file, rewritten
// wholesale on every mutation (the file is small and infrequently
// written, so a read-modify-write-whole-file strategy, grounded on the
// time_saver atomic-write pattern in internal/clock, is enough).
type LegacyQueue struct {
	mu     sync.Mutex
	path   string
	nextID int
	alarms map[int]LegacyAlarm
	log    *corelog.Logger
}

// LoadLegacyQueue reloads path, or starts an empty queue if the file is
// absent or unreadable (spec.md §7: corrupt auxiliary state is logged
// and discarded, never fatal).
func LoadLegacyQueue(path string) *LegacyQueue {
	q := &LegacyQueue{
		path:   path,
		nextID: 1,
		alarms: make(map[int]LegacyAlarm),
		log:    corelog.Named("alarm.legacy"),
	}
	if path == "" {
		return q
	}
	b, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			q.log.Warning().Err(err).Str("path", path).Log("legacy alarm file unreadable, starting empty")
		}
		return q
	}
	var f legacyFile
	if err := xml.Unmarshal(b, &f); err != nil {
		q.log.Warning().Err(err).Str("path", path).Log("legacy alarm file corrupt, starting empty")
		return q
	}
	for _, a := range f.Alarms {
		q.alarms[a.ID] = a
		if a.ID >= q.nextID {
			q.nextID = a.ID + 1
		}
	}
	return q
}

// Add appends a legacy alarm and persists the file, returning its
// assigned ID.
func (q *LegacyQueue) Add(key, serviceName, applicationName string, expiry float64, calendar bool) (int, error) {
	q.mu.Lock()
	id := q.nextID
	q.nextID++
	q.alarms[id] = LegacyAlarm{
		ID:              id,
		Key:             key,
		ServiceName:     serviceName,
		ApplicationName: applicationName,
		Expiry:          expiry,
		Calendar:        calendar,
	}
	q.mu.Unlock()
	return id, q.save()
}

// Query finds a legacy alarm by (serviceName, key).
func (q *LegacyQueue) Query(serviceName, key string) (LegacyAlarm, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, a := range q.alarms {
		if a.ServiceName == serviceName && a.Key == key {
			return a, true
		}
	}
	return LegacyAlarm{}, false
}

// Remove deletes a legacy alarm by ID, reporting whether it existed.
func (q *LegacyQueue) Remove(id int) (bool, error) {
	q.mu.Lock()
	_, ok := q.alarms[id]
	if ok {
		delete(q.alarms, id)
	}
	q.mu.Unlock()
	if !ok {
		return false, nil
	}
	return true, q.save()
}

// Due returns every legacy alarm with Expiry <= now.
func (q *LegacyQueue) Due(now float64) []LegacyAlarm {
	q.mu.Lock()
	defer q.mu.Unlock()
	var due []LegacyAlarm
	for _, a := range q.alarms {
		if a.Expiry <= now {
			due = append(due, a)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].Expiry < due[j].Expiry })
	return due
}

// RemoveFired deletes the given IDs in one rewrite.
func (q *LegacyQueue) RemoveFired(ids []int) error {
	q.mu.Lock()
	for _, id := range ids {
		delete(q.alarms, id)
	}
	q.mu.Unlock()
	return q.save()
}

// ShiftNonCalendar adds delta seconds to every non-calendar legacy row,
// mirroring Store.ShiftNonCalendar for the legacy surface.
func (q *LegacyQueue) ShiftNonCalendar(delta float64) error {
	if delta == 0 {
		return nil
	}
	q.mu.Lock()
	for id, a := range q.alarms {
		if !a.Calendar {
			a.Expiry += delta
			q.alarms[id] = a
		}
	}
	q.mu.Unlock()
	return q.save()
}

func (q *LegacyQueue) save() error {
	if q.path == "" {
		return nil
	}
	q.mu.Lock()
	list := make([]LegacyAlarm, 0, len(q.alarms))
	for _, a := range q.alarms {
		list = append(list, a)
	}
	q.mu.Unlock()
	sort.Slice(list, func(i, j int) bool { return list[i].ID < list[j].ID })

	data, err := xml.MarshalIndent(legacyFile{Alarms: list}, "", "  ")
	if err != nil {
		return err
	}
	tmp := q.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, q.path)
}
