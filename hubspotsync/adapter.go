package hubspotsync

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"bitbucket.org/mmdatafocus/salesdock_backend/models"
	"github.com/shopspring/decimal"
)

type ReconcileOutcome struct {
	Action  string        `json:"action"` // create | update | skip
	Reason  string        `json:"reason,omitempty"`
	Entry   *models.Entry `json:"-"`
	Changed bool          `json:"-"`
}

// ReconcileDeal maps a HubSpot deal into the internal record set. HubSpot
// may set business facts (name, amount, close date, KV/project number) but
// never workflow state: phase, final assignment and approval flags stay
// with any previous local version.
func ReconcileDeal(entries []models.Entry, deal *Deal, now time.Time) ([]models.Entry, ReconcileOutcome) {
	existing := findByHubspotID(entries, deal.ID)
	if existing == nil {
		return createFromDeal(entries, deal, now)
	}

	changed := applyDealFacts(existing, deal)
	if !changed {
		return entries, ReconcileOutcome{Action: "skip", Reason: models.ReasonNoChange, Entry: existing}
	}
	existing.Modified = now
	return entries, ReconcileOutcome{Action: "update", Entry: existing, Changed: true}
}

func createFromDeal(entries []models.Entry, deal *Deal, now time.Time) ([]models.Entry, ReconcileOutcome) {
	kvList := dealKvList(deal)
	projectNumber := strings.TrimSpace(deal.Properties.Projektnummer)

	// A HubSpot deal must not silently collide with manually tracked work:
	// unlike the active-set KV uniqueness rule, this check runs against ALL
	// other entries.
	if projectNumber != "" && len(kvList) > 0 {
		for i := range entries {
			e := &entries[i]
			if !strings.EqualFold(strings.TrimSpace(e.ProjectNumber), projectNumber) {
				continue
			}
			if kvOverlap(models.KvListFrom(e), kvList) != "" {
				return entries, ReconcileOutcome{
					Action: "skip",
					Reason: models.ReasonDuplicateProjectKv,
					Entry:  e,
				}
			}
		}
	}

	e := models.Entry{
		ID:            models.NewEntryID(),
		ProjectNumber: projectNumber,
		ProjectType:   models.ProjectTypeFix,
		Title:         strings.TrimSpace(deal.Properties.DealName),
		Amount:        dealAmount(deal),
		Source:        models.EntrySourceHubspot,
		HubspotID:     deal.ID,
		Created:       now,
		Modified:      now,
	}
	models.ApplyKvList(&e, kvList)
	if deal.Properties.CloseDate != "" {
		setExtraString(&e, "closeDate", deal.Properties.CloseDate)
	}
	entries = append(entries, e)
	return entries, ReconcileOutcome{
		Action:  "create",
		Entry:   &entries[len(entries)-1],
		Changed: true,
	}
}

// applyDealFacts refreshes the business facts on an existing entry and
// reports whether anything moved.
func applyDealFacts(e *models.Entry, deal *Deal) bool {
	changed := false

	if title := strings.TrimSpace(deal.Properties.DealName); title != "" && title != e.Title {
		e.Title = title
		changed = true
	}
	if pn := strings.TrimSpace(deal.Properties.Projektnummer); pn != "" && pn != e.ProjectNumber {
		e.ProjectNumber = pn
		changed = true
	}
	if kvList := dealKvList(deal); len(kvList) > 0 {
		base := models.KvListFrom(e)
		merged := base
		for _, kv := range kvList {
			if kvOverlap(merged, []string{kv}) == "" {
				merged = append(merged, kv)
			}
		}
		if len(merged) != len(base) {
			models.ApplyKvList(e, merged)
			changed = true
		}
	}
	if amount := dealAmount(deal); !amount.IsZero() && !amount.Equal(e.Amount) {
		e.Amount = amount
		changed = true
	}
	if cd := deal.Properties.CloseDate; cd != "" && getExtraString(e, "closeDate") != cd {
		setExtraString(e, "closeDate", cd)
		changed = true
	}
	return changed
}

// EnrichFromCrm fills the client name and deal owner from the deal's
// associations. Lookup failures only cost the extra detail, never the
// entry itself.
func EnrichFromCrm(ctx context.Context, c *Client, deal *Deal, e *models.Entry) {
	if e.Client == "" && deal.Properties.CompanyID != "" {
		if company, err := c.GetCompany(ctx, deal.Properties.CompanyID); err == nil && company.Properties.Name != "" {
			e.Client = strings.TrimSpace(company.Properties.Name)
		}
	}
	if deal.Properties.HubspotOwnerID != "" && getExtraString(e, "dealOwner") == "" {
		if owner, err := c.GetOwner(ctx, deal.Properties.HubspotOwnerID); err == nil {
			name := strings.TrimSpace(owner.FirstName + " " + owner.LastName)
			if name == "" {
				name = owner.Email
			}
			if name != "" {
				setExtraString(e, "dealOwner", name)
			}
		}
	}
}

func findByHubspotID(entries []models.Entry, hubspotID string) *models.Entry {
	if hubspotID == "" {
		return nil
	}
	for i := range entries {
		if entries[i].HubspotID == hubspotID {
			return &entries[i]
		}
		for j := range entries[i].Transactions {
			if entries[i].Transactions[j].HubspotID == hubspotID {
				return &entries[i]
			}
		}
	}
	return nil
}

func dealKvList(deal *Deal) []string {
	fields := map[string]string{"kvnummer": deal.Properties.KvNummer}
	var out []string
	seen := map[string]struct{}{}
	for _, raw := range fields {
		for _, part := range strings.FieldsFunc(raw, func(r rune) bool {
			return r == ',' || r == ';' || r == '|'
		}) {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			if _, ok := seen[part]; ok {
				continue
			}
			seen[part] = struct{}{}
			out = append(out, part)
		}
	}
	return out
}

func dealAmount(deal *Deal) decimal.Decimal {
	s := strings.TrimSpace(deal.Properties.Amount.String())
	if s == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

func setExtraString(e *models.Entry, key, val string) {
	if e.Extra == nil {
		e.Extra = make(map[string]json.RawMessage)
	}
	b, _ := json.Marshal(val)
	e.Extra[key] = b
}

func getExtraString(e *models.Entry, key string) string {
	raw, ok := e.Extra[key]
	if !ok {
		return ""
	}
	var s string
	_ = json.Unmarshal(raw, &s)
	return s
}

func kvOverlap(a, b []string) string {
	set := make(map[string]struct{}, len(a))
	for _, kv := range a {
		set[kv] = struct{}{}
	}
	for _, kv := range b {
		if _, ok := set[kv]; ok {
			return kv
		}
	}
	return ""
}
