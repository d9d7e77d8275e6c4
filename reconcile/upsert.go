package reconcile

import (
	"encoding/json"
	"time"

	"bitbucket.org/mmdatafocus/salesdock_backend/models"
	"github.com/shopspring/decimal"
)

// AmountEpsilon is the currency-unit threshold below which an incoming
// amount is treated as unchanged, so floating rounding in upstream exports
// does not cause spurious rewrites. Fixed for now; a currency-aware value
// would hook in here.
var AmountEpsilon = decimal.RequireFromString("0.01")

type Outcome string

const (
	OutcomeCreate Outcome = "create"
	OutcomeUpdate Outcome = "update"
	OutcomeSkip   Outcome = "skip"
)

type UpsertResult struct {
	Outcome Outcome
	Entry   *models.Entry
	Reason  string
	Changed bool
}

// IsValidationReason distinguishes 422-style row rejections from business
// skips (duplicates, no-ops), which import pipelines must continue past.
func IsValidationReason(reason string) bool {
	return reason == models.ReasonMissingKv || reason == models.ReasonMissingAmount
}

// UpsertRow reconciles one narrow KV+amount row against the record set:
// create if no active entry shares a KV, otherwise merge in place. Returns
// the (possibly grown) set; Changed is false when the row was a no-op.
func UpsertRow(entries []models.Entry, fields map[string]json.RawMessage, source models.EntrySource, now time.Time) ([]models.Entry, UpsertResult) {
	if reason, ok := models.ValidateRow(fields); !ok {
		return entries, UpsertResult{Outcome: OutcomeSkip, Reason: reason}
	}

	kvList := models.KvListFromPayload(fields)
	amount, _ := models.PayloadAmount(fields)

	owner := models.EntriesShareKv(entries, kvList)
	if owner == nil {
		e := models.Entry{
			ID:            models.NewEntryID(),
			ProjectNumber: models.PayloadProjectNumber(fields),
			ProjectType:   models.ProjectTypeFix,
			Title:         models.PayloadTitle(fields),
			Client:        models.PayloadClient(fields),
			Amount:        amount,
			Source:        source,
			Created:       now,
			Modified:      now,
		}
		models.ApplyKvList(&e, kvList)
		entries = append(entries, e)
		return entries, UpsertResult{
			Outcome: OutcomeCreate,
			Entry:   &entries[len(entries)-1],
			Changed: true,
		}
	}

	changed := mergeRowInto(owner, kvList, amount, fields)
	if !changed {
		return entries, UpsertResult{
			Outcome: OutcomeSkip,
			Entry:   owner,
			Reason:  models.ReasonNoChange,
		}
	}
	owner.Modified = now
	return entries, UpsertResult{
		Outcome: OutcomeUpdate,
		Entry:   owner,
		Changed: true,
	}
}

// ApplyRow merges a validated narrow row into a specific entry, with the
// same union and epsilon rules as UpsertRow. Reports whether the entry
// changed. Callers pick the target; duplicate checks stay with them.
func ApplyRow(e *models.Entry, fields map[string]json.RawMessage) bool {
	kvList := models.KvListFromPayload(fields)
	amount, _ := models.PayloadAmount(fields)
	return mergeRowInto(e, kvList, amount, fields)
}

// mergeRowInto applies a narrow row to its owning entry: KV union, amount
// overwrite past the epsilon, scalar overwrite only when the incoming value
// is non-empty and differs.
func mergeRowInto(owner *models.Entry, kvList []string, amount decimal.Decimal, fields map[string]json.RawMessage) bool {
	changed := false

	base := models.KvListFrom(owner)
	merged := unionKvLists(base, kvList)
	if len(merged) != len(base) {
		models.ApplyKvList(owner, merged)
		changed = true
	} else {
		// keep the canonical mirror fields in shape even on no-op rows
		models.EnsureKvStructure(owner)
	}

	if amount.Sub(owner.Amount).Abs().GreaterThan(AmountEpsilon) {
		owner.Amount = amount
		changed = true
	}

	if pn := models.PayloadProjectNumber(fields); pn != "" && pn != owner.ProjectNumber {
		owner.ProjectNumber = pn
		changed = true
	}
	if title := models.PayloadTitle(fields); title != "" && title != owner.Title {
		owner.Title = title
		changed = true
	}
	if client := models.PayloadClient(fields); client != "" && client != owner.Client {
		owner.Client = client
		changed = true
	}
	return changed
}

func unionKvLists(base, incoming []string) []string {
	out := make([]string, 0, len(base)+len(incoming))
	seen := make(map[string]struct{}, len(base)+len(incoming))
	for _, kv := range base {
		if _, ok := seen[kv]; !ok {
			seen[kv] = struct{}{}
			out = append(out, kv)
		}
	}
	for _, kv := range incoming {
		if _, ok := seen[kv]; !ok {
			seen[kv] = struct{}{}
			out = append(out, kv)
		}
	}
	return out
}
