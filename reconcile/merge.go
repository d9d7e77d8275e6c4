package reconcile

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"bitbucket.org/mmdatafocus/salesdock_backend/models"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var (
	ErrMergeTooFew                = errors.New("merge requires at least two entries")
	ErrMergeNotFound              = errors.New("merge entry not found")
	ErrMergeProjectNumberMismatch = errors.New("merge requires a shared project number")
	ErrMergeFrameworkEntry        = errors.New("framework entries cannot be merged")
)

type MergeRequest struct {
	IDs      []string `json:"ids" binding:"required"`
	TargetID string   `json:"targetId"`
	// FieldResolutions names which source entry's value wins for a field,
	// overriding the computed sum/union for that field only.
	FieldResolutions map[string]string `json:"fieldResolutions"`
}

// MergeEntries consolidates N fix-type entries into one target. Sources are
// removed from the returned set; the caller persists once and surfaces any
// version conflict unretried (replaying a merge against a changed base
// could silently combine different records).
func MergeEntries(entries []models.Entry, req MergeRequest, source string, now time.Time) ([]models.Entry, *models.Entry, []models.LogEvent, error) {
	if len(req.IDs) < 2 {
		return entries, nil, nil, ErrMergeTooFew
	}
	targetID := req.TargetID
	if targetID == "" {
		targetID = req.IDs[0]
	}

	selected := make([]*models.Entry, 0, len(req.IDs))
	byID := make(map[string]*models.Entry, len(req.IDs))
	for _, id := range req.IDs {
		e := findEntry(entries, id)
		if e == nil {
			return entries, nil, nil, fmt.Errorf("%w: %s", ErrMergeNotFound, id)
		}
		selected = append(selected, e)
		byID[id] = e
	}
	target := byID[targetID]
	if target == nil {
		return entries, nil, nil, fmt.Errorf("%w: %s", ErrMergeNotFound, targetID)
	}

	projectNumber := strings.TrimSpace(selected[0].ProjectNumber)
	for _, e := range selected {
		if !strings.EqualFold(strings.TrimSpace(e.ProjectNumber), projectNumber) {
			return entries, nil, nil, ErrMergeProjectNumberMismatch
		}
		if e.ProjectType != "" && e.ProjectType != models.ProjectTypeFix {
			return entries, nil, nil, ErrMergeFrameworkEntry
		}
	}

	targetBefore := target.Clone()

	mergedAmount := decimal.Zero
	for _, e := range selected {
		mergedAmount = mergedAmount.Add(e.Amount)
	}
	if winnerID, ok := req.FieldResolutions["amount"]; ok {
		if winner := byID[winnerID]; winner != nil {
			mergedAmount = winner.Amount
		}
	}

	mergedKv := []string{}
	for _, e := range selected {
		mergedKv = unionKvLists(mergedKv, models.KvListFrom(e))
	}

	mergedList := mergeContributions(selected, mergedAmount)

	// Additive union, target first then sources in input order.
	comments := target.Comments
	attachments := target.Attachments
	history := target.History
	for _, e := range selected {
		if e.ID == target.ID {
			continue
		}
		comments = unionItems(comments, e.Comments)
		attachments = unionItems(attachments, e.Attachments)
		history = unionItems(history, e.History)
	}
	comments = append(comments, mergeComment(selected, target, now))

	target.Amount = mergedAmount
	models.ApplyKvList(target, mergedKv)
	target.List = mergedList
	target.Comments = comments
	target.Attachments = attachments
	target.History = history
	for field, winnerID := range req.FieldResolutions {
		if winner := byID[winnerID]; winner != nil {
			applyFieldResolution(target, winner, field)
		}
	}
	target.Modified = now

	targetAfter := target.Clone()
	events := []models.LogEvent{
		models.NewLogEvent(now, models.LogEventMergeTarget, source, &targetBefore, &targetAfter, ""),
	}

	// Drop sources from the live set; the log keeps their terminal state.
	kept := make([]models.Entry, 0, len(entries))
	sourceIDs := make(map[string]bool, len(req.IDs))
	for _, id := range req.IDs {
		if id != target.ID {
			sourceIDs[id] = true
		}
	}
	for i := range entries {
		if !sourceIDs[entries[i].ID] {
			kept = append(kept, entries[i])
			continue
		}
		before := entries[i].Clone()
		after := entries[i].Clone()
		after.DockFinalAssignment = models.FinalAssignmentMerged
		after.Modified = now
		events = append(events, models.NewLogEvent(now, models.LogEventMergeSource, source, &before, &after, "merged into "+target.ID))
	}

	merged := findEntry(kept, target.ID)
	return kept, merged, events, nil
}

func findEntry(entries []models.Entry, id string) *models.Entry {
	for i := range entries {
		if entries[i].ID == id {
			return &entries[i]
		}
	}
	return nil
}

// mergeContributions groups every selected entry's contribution items by a
// stable key, sums money across duplicates and re-derives pct from the
// merge outcome. Source percentages were relative to different base
// amounts, so they are never carried over.
func mergeContributions(selected []*models.Entry, mergedAmount decimal.Decimal) []models.Contribution {
	type group struct {
		contribution models.Contribution
	}
	var order []string
	groups := make(map[string]*group)
	generated := 0

	for _, e := range selected {
		for _, c := range e.List {
			key := c.Key
			if key == "" {
				key = c.Name
			}
			if key == "" {
				generated++
				key = fmt.Sprintf("contrib-%d", generated)
			}
			g, ok := groups[key]
			if !ok {
				g = &group{contribution: models.Contribution{Key: c.Key, Name: c.Name}}
				groups[key] = g
				order = append(order, key)
			}
			g.contribution.Money = g.contribution.Money.Add(c.Money)
			if g.contribution.Name == "" {
				g.contribution.Name = c.Name
			}
		}
	}

	if len(order) == 0 {
		return nil
	}
	out := make([]models.Contribution, 0, len(order))
	hundred := decimal.NewFromInt(100)
	for _, key := range order {
		g := groups[key]
		if mergedAmount.IsZero() {
			g.contribution.Pct = decimal.Zero
		} else {
			g.contribution.Pct = g.contribution.Money.Div(mergedAmount).Mul(hundred).Round(2)
		}
		out = append(out, g.contribution)
	}
	return out
}

// unionItems appends source items not already present by dedup key.
func unionItems(base, incoming []models.Item) []models.Item {
	seen := make(map[string]struct{}, len(base))
	for _, it := range base {
		seen[it.DedupKey()] = struct{}{}
	}
	for _, it := range incoming {
		key := it.DedupKey()
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		base = append(base, it)
	}
	return base
}

func mergeComment(selected []*models.Entry, target *models.Entry, now time.Time) models.Item {
	var absorbed []string
	for _, e := range selected {
		if e.ID == target.ID {
			continue
		}
		label := e.ID
		if e.Title != "" {
			label = fmt.Sprintf("%s (%s)", e.Title, e.ID)
		}
		absorbed = append(absorbed, label)
	}
	return models.Item{
		"id":      uuid.NewString(),
		"text":    "Zusammengeführt aus: " + strings.Join(absorbed, ", "),
		"user":    "system",
		"system":  true,
		"created": now.Format(time.RFC3339),
	}
}

func applyFieldResolution(target, winner *models.Entry, field string) {
	switch field {
	case "amount":
		// already applied before pct derivation
	case "title":
		target.Title = winner.Title
	case "client":
		target.Client = winner.Client
	case "projectNumber":
		target.ProjectNumber = winner.ProjectNumber
	case "dockPhase":
		target.DockPhase = winner.DockPhase
	}
}
