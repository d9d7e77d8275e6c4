package models

import "strings"

// DuplicateKv names the first KV number shared between a candidate list and
// an existing active entry.
type DuplicateKv struct {
	Kv    string
	Entry *Entry
}

// FindDuplicateKv scans active entries (excluding excludeID, so updates can
// validate against everyone else) and returns the first KV present both in
// kvList and in a candidate's own normalized list.
func FindDuplicateKv(entries []Entry, kvList []string, excludeID string) *DuplicateKv {
	if len(kvList) == 0 {
		return nil
	}
	want := make(map[string]struct{}, len(kvList))
	for _, kv := range kvList {
		want[kv] = struct{}{}
	}
	for i := range entries {
		e := &entries[i]
		if e.ID == excludeID || !IsEntryActive(e) {
			continue
		}
		for _, kv := range KvListFrom(e) {
			if _, ok := want[kv]; ok {
				return &DuplicateKv{Kv: kv, Entry: e}
			}
		}
	}
	return nil
}

// EntriesShareKv returns the first active entry whose KV set intersects the
// given list. Used by the upsert engine to find the owner of a narrow row.
func EntriesShareKv(entries []Entry, kvList []string) *Entry {
	dup := FindDuplicateKv(entries, kvList, "")
	if dup == nil {
		return nil
	}
	return dup.Entry
}

type KvUsageResult struct {
	Valid         bool   `json:"valid"`
	Reason        string `json:"reason,omitempty"`
	RelatedCardID string `json:"relatedCardId,omitempty"`
	ConflictKv    string `json:"conflictKv,omitempty"`
}

// ValidateKvNumberUsage is the hard-blocking check: a KV number is a
// real-world unique external reference and must map to exactly one owner.
func ValidateKvNumberUsage(entries []Entry, kvList []string, excludeID string) KvUsageResult {
	dup := FindDuplicateKv(entries, kvList, excludeID)
	if dup == nil {
		return KvUsageResult{Valid: true}
	}
	return KvUsageResult{
		Valid:         false,
		Reason:        ValidationDuplicateKv,
		RelatedCardID: dup.Entry.ID,
		ConflictKv:    dup.Kv,
	}
}

type ProjectNumberResult struct {
	Valid         bool   `json:"valid"`
	Warning       string `json:"warning,omitempty"`
	RelatedCardID string `json:"relatedCardId,omitempty"`
}

// ValidateProjectNumberUsage is deliberately non-blocking: one framework
// contract with many call-offs sharing its project number is expected
// business behavior, so overlaps are surfaced as warnings only.
func ValidateProjectNumberUsage(entries []Entry, projectNumber, excludeID string) ProjectNumberResult {
	pn := strings.TrimSpace(projectNumber)
	if pn == "" {
		return ProjectNumberResult{Valid: true}
	}
	var firstOther *Entry
	for i := range entries {
		e := &entries[i]
		if e.ID == excludeID || !IsEntryActive(e) {
			continue
		}
		if !strings.EqualFold(strings.TrimSpace(e.ProjectNumber), pn) {
			continue
		}
		if e.ProjectType == ProjectTypeFramework {
			return ProjectNumberResult{
				Valid:         true,
				Warning:       ValidationRahmenvertragFound,
				RelatedCardID: e.ID,
			}
		}
		if firstOther == nil {
			firstOther = e
		}
	}
	if firstOther != nil {
		return ProjectNumberResult{
			Valid:         true,
			Warning:       ValidationProjectExists,
			RelatedCardID: firstOther.ID,
		}
	}
	return ProjectNumberResult{Valid: true}
}
