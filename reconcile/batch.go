package reconcile

import (
	"encoding/json"
	"fmt"
	"time"

	"bitbucket.org/mmdatafocus/salesdock_backend/models"
)

type BatchResult struct {
	Created int  `json:"created"`
	Updated int  `json:"updated"`
	Skipped int  `json:"skipped"`
	Errors  int  `json:"errors"`
	Changed bool `json:"-"`
}

// batchIndex gives every row O(1) sight of the record set, including KV
// claims made by earlier rows of the same batch. It is built once before
// the loop and updated after each row commits; later rows must never race
// the persisted state they themselves created.
type batchIndex struct {
	byID    map[string]int    // entry id -> index into the working slice
	kvOwner map[string]string // kv -> owning entry id
	claimed map[string]bool   // kv claims made during this batch
}

func buildBatchIndex(entries []models.Entry) *batchIndex {
	idx := &batchIndex{
		byID:    make(map[string]int, len(entries)),
		kvOwner: make(map[string]string),
		claimed: make(map[string]bool),
	}
	for i := range entries {
		idx.indexEntry(&entries[i], i)
	}
	return idx
}

func (idx *batchIndex) indexEntry(e *models.Entry, pos int) {
	idx.byID[e.ID] = pos
	for _, kv := range models.KvListFrom(e) {
		idx.kvOwner[kv] = e.ID
	}
	// A framework's call-off KVs belong to the framework id; enforced after
	// every create/update so the attribution never drifts.
	if e.ProjectType == models.ProjectTypeFramework {
		for i := range e.Transactions {
			for _, kv := range e.Transactions[i].KvList() {
				idx.kvOwner[kv] = e.ID
			}
		}
	}
}

func (idx *batchIndex) removeKvs(kvs []string, ownerID string) {
	for _, kv := range kvs {
		if idx.kvOwner[kv] == ownerID {
			delete(idx.kvOwner, kv)
		}
	}
}

func (idx *batchIndex) claim(kvs []string, ownerID string) {
	for _, kv := range kvs {
		idx.kvOwner[kv] = ownerID
		idx.claimed[kv] = true
	}
}

// incomingKvClaims lists every KV an entry would claim if committed: its
// own list plus the call-off KVs of its transactions. Collision checks
// must cover both, or a framework row could capture a KV another entry
// already owns through one of its call-offs.
func incomingKvClaims(e *models.Entry) []string {
	kvs := append([]string(nil), e.KvNumbers...)
	for i := range e.Transactions {
		kvs = append(kvs, e.Transactions[i].KvList()...)
	}
	return kvs
}

// RunNarrowBatch processes legacy narrow KV+amount rows (the /entries/bulk
// shape) through the single-row upsert logic. One bad row never aborts the
// batch.
func RunNarrowBatch(entries []models.Entry, rows []map[string]json.RawMessage, source models.EntrySource, now time.Time) ([]models.Entry, BatchResult, []models.LogEvent) {
	var result BatchResult
	var events []models.LogEvent

	for _, row := range rows {
		row := row
		err := runRowSafe(func() {
			var res UpsertResult
			entries, res = UpsertRow(entries, row, source, now)
			switch res.Outcome {
			case OutcomeCreate:
				result.Created++
				result.Changed = true
				events = append(events, models.NewLogEvent(now, models.LogEventCreate, string(source), nil, res.Entry, ""))
			case OutcomeUpdate:
				result.Updated++
				result.Changed = true
				events = append(events, models.NewLogEvent(now, models.LogEventUpdate, string(source), nil, res.Entry, ""))
			default:
				result.Skipped++
				events = append(events, skipEvent(now, string(source), row, res.Reason))
			}
		})
		if err != nil {
			result.Errors++
			events = append(events, errorEvent(now, string(source), row, err))
		}
	}
	return entries, result, events
}

// RunFullBatch processes complete entry objects (the /entries/bulk-v2
// shape) with duplicate-KV protection against both the persisted store and
// earlier rows of the same batch.
func RunFullBatch(entries []models.Entry, rows []map[string]json.RawMessage, source models.EntrySource, now time.Time) ([]models.Entry, BatchResult, []models.LogEvent) {
	var result BatchResult
	var events []models.LogEvent
	idx := buildBatchIndex(entries)

	for _, row := range rows {
		row := row
		err := runRowSafe(func() {
			raw, err := json.Marshal(row)
			if err != nil {
				panic(err)
			}
			var incoming models.Entry
			if err := json.Unmarshal(raw, &incoming); err != nil {
				panic(err)
			}
			models.EnsureKvStructure(&incoming)

			pos, known := idx.byID[incoming.ID]
			if incoming.ID == "" || !known {
				entries = createFromBatch(entries, idx, incoming, source, now, &result, &events)
				return
			}
			updateFromBatch(entries, idx, pos, incoming, source, now, &result, &events)
		})
		if err != nil {
			result.Errors++
			events = append(events, errorEvent(now, string(source), row, err))
		}
	}
	return entries, result, events
}

func createFromBatch(entries []models.Entry, idx *batchIndex, incoming models.Entry, source models.EntrySource, now time.Time, result *BatchResult, events *[]models.LogEvent) []models.Entry {
	for _, kv := range incomingKvClaims(&incoming) {
		if _, taken := idx.kvOwner[kv]; taken {
			reason := models.ReasonDuplicateKv
			if idx.claimed[kv] {
				reason = models.ReasonDuplicateKvBatch
			}
			result.Skipped++
			ev := models.NewLogEvent(now, models.LogEventSkip, string(source), nil, &incoming, reason)
			ev.Kv = kv
			*events = append(*events, ev)
			return entries
		}
	}

	if incoming.ID == "" {
		incoming.ID = models.NewEntryID()
	}
	if incoming.Source == "" {
		incoming.Source = source
	}
	incoming.Created = now
	incoming.Modified = now
	entries = append(entries, incoming)
	pos := len(entries) - 1
	idx.indexEntry(&entries[pos], pos)
	idx.claim(entries[pos].KvNumbers, entries[pos].ID)
	if entries[pos].ProjectType == models.ProjectTypeFramework {
		for i := range entries[pos].Transactions {
			idx.claim(entries[pos].Transactions[i].KvList(), entries[pos].ID)
		}
	}

	result.Created++
	result.Changed = true
	*events = append(*events, models.NewLogEvent(now, models.LogEventCreate, string(source), nil, &entries[pos], ""))
	return entries
}

func updateFromBatch(entries []models.Entry, idx *batchIndex, pos int, incoming models.Entry, source models.EntrySource, now time.Time, result *BatchResult, events *[]models.LogEvent) {
	stored := &entries[pos]

	for _, kv := range incomingKvClaims(&incoming) {
		if owner, taken := idx.kvOwner[kv]; taken && owner != stored.ID {
			result.Skipped++
			ev := models.NewLogEvent(now, models.LogEventSkip, string(source), stored, &incoming, models.ReasonDuplicateKv)
			ev.Kv = kv
			*events = append(*events, ev)
			return
		}
	}

	before := stored.Clone()
	oldKvs := models.KvListFrom(stored)
	var oldTransactionKvs []string
	if stored.ProjectType == models.ProjectTypeFramework {
		for i := range stored.Transactions {
			oldTransactionKvs = append(oldTransactionKvs, stored.Transactions[i].KvList()...)
		}
	}

	replaceEntryFields(stored, incoming)
	stored.Modified = now
	models.EnsureKvStructure(stored)

	// Re-derive the KV index deltas: drop claims that disappeared, add the
	// ones that appeared, and re-attribute transaction KVs.
	idx.removeKvs(oldKvs, stored.ID)
	idx.removeKvs(oldTransactionKvs, stored.ID)
	idx.indexEntry(stored, pos)
	idx.claim(stored.KvNumbers, stored.ID)
	if stored.ProjectType == models.ProjectTypeFramework {
		for i := range stored.Transactions {
			idx.claim(stored.Transactions[i].KvList(), stored.ID)
		}
	}

	result.Updated++
	result.Changed = true
	*events = append(*events, models.NewLogEvent(now, models.LogEventUpdate, string(source), &before, stored, ""))
}

// replaceEntryFields is the bulk-v2 shallow merge: incoming wins, identity
// and creation time stay with the stored record, extras are overlaid.
func replaceEntryFields(stored *models.Entry, incoming models.Entry) {
	id := stored.ID
	created := stored.Created
	extra := stored.Extra

	*stored = incoming
	stored.ID = id
	if !created.IsZero() {
		stored.Created = created
	}
	if len(extra) > 0 {
		if stored.Extra == nil {
			stored.Extra = make(map[string]json.RawMessage, len(extra))
		}
		for k, v := range extra {
			if _, ok := stored.Extra[k]; !ok {
				stored.Extra[k] = v
			}
		}
	}
}

// runRowSafe recovers per-row panics so a malformed row is counted, not
// fatal.
func runRowSafe(fn func()) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("row processing failed: %v", r)
		}
	}()
	fn()
	return nil
}

func skipEvent(now time.Time, source string, row map[string]json.RawMessage, reason string) models.LogEvent {
	ev := models.NewLogEvent(now, models.LogEventSkip, source, nil, nil, reason)
	fillEventFromRow(&ev, row)
	return ev
}

func errorEvent(now time.Time, source string, row map[string]json.RawMessage, err error) models.LogEvent {
	ev := models.NewLogEvent(now, models.LogEventError, source, nil, nil, models.ReasonProcessingError+": "+err.Error())
	fillEventFromRow(&ev, row)
	return ev
}

// fillEventFromRow extracts best-effort lookup fields from the offending
// row so skip/error events stay attributable.
func fillEventFromRow(ev *models.LogEvent, row map[string]json.RawMessage) {
	kvList := models.KvListFromPayload(row)
	if len(kvList) > 0 {
		ev.Kv = kvList[0]
		ev.KvList = kvList
	}
	if ev.ProjectNumber == "" {
		ev.ProjectNumber = models.PayloadProjectNumber(row)
	}
	if ev.Title == "" {
		ev.Title = models.PayloadTitle(row)
	}
	if ev.Client == "" {
		ev.Client = models.PayloadClient(row)
	}
}
