package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

func init() {
	// Amounts are stored as plain JSON numbers in the entry blob.
	decimal.MarshalJSONWithoutQuotes = true
}

// Contribution attributes a share of the entry amount to a person or team.
// Entries keyed by Key are unique within one record.
type Contribution struct {
	Key   string          `json:"key,omitempty"`
	Name  string          `json:"name,omitempty"`
	Money decimal.Decimal `json:"money"`
	Pct   decimal.Decimal `json:"pct"`
}

// Transaction is a call-off line item owned by exactly one framework entry.
type Transaction struct {
	ID        string          `json:"id,omitempty"`
	Title     string          `json:"title,omitempty"`
	KvNumbers []string        `json:"kvNummern,omitempty"`
	KvNummer  string          `json:"kv_nummer,omitempty"`
	Amount    decimal.Decimal `json:"amount"`
	HubspotID string          `json:"hubspotId,omitempty"`
}

// KvList returns the transaction's normalized KV numbers.
func (t *Transaction) KvList() []string {
	if len(t.KvNumbers) > 0 {
		return dedupTrim(t.KvNumbers)
	}
	if vals := splitKvScalar(t.KvNummer); len(vals) > 0 {
		return dedupTrim(vals)
	}
	return nil
}

// Item is a loosely typed sub-record (comment, attachment, history event).
// Entries carry these ad hoc depending on source; the merge engine relies
// only on "id" when present.
type Item map[string]any

// DedupKey identifies an item across merges: its id when present,
// otherwise its canonical JSON form (map keys marshal sorted).
func (it Item) DedupKey() string {
	if id, ok := it["id"]; ok {
		if s, ok := id.(string); ok && s != "" {
			return "id:" + s
		}
		if b, err := json.Marshal(id); err == nil && string(b) != "null" && string(b) != `""` {
			return "id:" + string(b)
		}
	}
	b, _ := json.Marshal(it)
	return "json:" + string(b)
}

// Entry is the central sales-entry record. Records are stored wholesale as
// one JSON array blob; unknown provenance-specific fields survive
// read-modify-write cycles via Extra.
type Entry struct {
	ID                  string                     `json:"id"`
	KvNumbers           []string                   `json:"kvNummern,omitempty"`
	KvNummer            string                     `json:"kv_nummer,omitempty"`
	Kv                  string                     `json:"kv,omitempty"`
	ProjectNumber       string                     `json:"projectNumber,omitempty"`
	ProjectType         ProjectType                `json:"projectType,omitempty"`
	Title               string                     `json:"title,omitempty"`
	Client              string                     `json:"client,omitempty"`
	Amount              decimal.Decimal            `json:"amount"`
	Source              EntrySource                `json:"source,omitempty"`
	HubspotID           string                     `json:"hubspotId,omitempty"`
	List                []Contribution             `json:"list,omitempty"`
	Transactions        []Transaction              `json:"transactions,omitempty"`
	Comments            []Item                     `json:"comments,omitempty"`
	Attachments         []Item                     `json:"attachments,omitempty"`
	History             []Item                     `json:"history,omitempty"`
	DockPhase           int                        `json:"dockPhase,omitempty"`
	DockFinalAssignment string                     `json:"dockFinalAssignment,omitempty"`
	ApprovedController  bool                       `json:"approvedController,omitempty"`
	ApprovedManagement  bool                       `json:"approvedManagement,omitempty"`
	Created             time.Time                  `json:"created,omitempty"`
	Modified            time.Time                  `json:"modified,omitempty"`
	Extra               map[string]json.RawMessage `json:"-"`
}

type entryAlias Entry

// entryKnownFields must match the json tags above.
var entryKnownFields = []string{
	"id", "kvNummern", "kv_nummer", "kv", "projectNumber", "projectType",
	"title", "client", "amount", "source", "hubspotId", "list",
	"transactions", "comments", "attachments", "history", "dockPhase",
	"dockFinalAssignment", "approvedController", "approvedManagement",
	"created", "modified",
}

func (e *Entry) UnmarshalJSON(data []byte) error {
	var a entryAlias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	for _, k := range entryKnownFields {
		delete(raw, k)
	}
	if len(raw) == 0 {
		raw = nil
	}
	a.Extra = raw
	*e = Entry(a)
	return nil
}

func (e Entry) MarshalJSON() ([]byte, error) {
	b, err := json.Marshal(entryAlias(e))
	if err != nil {
		return nil, err
	}
	if len(e.Extra) == 0 && !e.Created.IsZero() && !e.Modified.IsZero() {
		return b, nil
	}
	var m map[string]json.RawMessage
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, err
	}
	if e.Created.IsZero() {
		delete(m, "created")
	}
	if e.Modified.IsZero() {
		delete(m, "modified")
	}
	// Typed fields win over stale extras of the same name.
	for k, v := range e.Extra {
		if _, exists := m[k]; !exists {
			m[k] = v
		}
	}
	return json.Marshal(m)
}

func NewEntryID() string {
	return uuid.NewString()
}

// Clone returns a deep copy via a JSON round trip.
func (e *Entry) Clone() Entry {
	b, _ := json.Marshal(e)
	var out Entry
	_ = json.Unmarshal(b, &out)
	return out
}

// fieldsView exposes the entry as a payload-shaped field map so the KV
// normalization alias walk works the same on stored records and payloads.
func (e *Entry) fieldsView() map[string]json.RawMessage {
	m := make(map[string]json.RawMessage, len(e.Extra)+3)
	for k, v := range e.Extra {
		m[k] = v
	}
	if len(e.KvNumbers) > 0 {
		b, _ := json.Marshal(e.KvNumbers)
		m["kvNummern"] = b
	}
	if e.KvNummer != "" {
		b, _ := json.Marshal(e.KvNummer)
		m["kv_nummer"] = b
	}
	if e.Kv != "" {
		b, _ := json.Marshal(e.Kv)
		m["kv"] = b
	}
	return m
}

// IsEntryActive reports whether the entry still participates in KV
// uniqueness checks: phase below terminal and not archived/merged away.
func IsEntryActive(e *Entry) bool {
	if e.DockPhase >= PhaseTerminal {
		return false
	}
	switch e.DockFinalAssignment {
	case FinalAssignmentArchived, FinalAssignmentMerged:
		return false
	}
	return true
}
