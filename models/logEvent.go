package models

import "time"

// LogEvent is an immutable fact appended to the day-partitioned event log.
type LogEvent struct {
	Ts            time.Time    `json:"ts"`
	Event         LogEventType `json:"event"`
	Source        string       `json:"source,omitempty"`
	Actor         string       `json:"actor,omitempty"`
	Before        *Entry       `json:"before,omitempty"`
	After         *Entry       `json:"after,omitempty"`
	Reason        string       `json:"reason,omitempty"`
	Kv            string       `json:"kv,omitempty"`
	KvList        []string     `json:"kvList,omitempty"`
	ProjectNumber string       `json:"projectNumber,omitempty"`
	Title         string       `json:"title,omitempty"`
	Client        string       `json:"client,omitempty"`
}

// NewLogEvent fills the denormalized lookup fields from the after-state,
// falling back to the before-state for deletes.
func NewLogEvent(ts time.Time, event LogEventType, source string, before, after *Entry, reason string) LogEvent {
	ev := LogEvent{
		Ts:     ts,
		Event:  event,
		Source: source,
		Before: before,
		After:  after,
		Reason: reason,
	}
	ref := after
	if ref == nil {
		ref = before
	}
	if ref != nil {
		ev.Kv = ref.KvNummer
		ev.KvList = ref.KvNumbers
		ev.ProjectNumber = ref.ProjectNumber
		ev.Title = ref.Title
		ev.Client = ref.Client
	}
	return ev
}
