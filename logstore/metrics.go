package logstore

import (
	"sort"
	"time"

	"bitbucket.org/mmdatafocus/salesdock_backend/models"
	"github.com/shopspring/decimal"
)

// RollupRow is one aggregation bucket of the event log.
type RollupRow struct {
	Day         string          `json:"day,omitempty"`
	Month       string          `json:"month"`
	Event       string          `json:"event"`
	Count       int             `json:"count"`
	AmountDelta decimal.Decimal `json:"amountDelta"`
}

// Rollup buckets events by day and event type, counting occurrences and
// summing the amount movement (after minus before) each event caused.
func Rollup(events []models.LogEvent) []RollupRow {
	return rollup(events, func(ts time.Time) (string, string) {
		return ts.UTC().Format("2006-01-02"), ts.UTC().Format("2006-01")
	})
}

// MonthlyRollup buckets by month and event type.
func MonthlyRollup(events []models.LogEvent) []RollupRow {
	return rollup(events, func(ts time.Time) (string, string) {
		return "", ts.UTC().Format("2006-01")
	})
}

func rollup(events []models.LogEvent, bucket func(time.Time) (day, month string)) []RollupRow {
	type key struct {
		day   string
		month string
		event string
	}
	buckets := make(map[key]*RollupRow)
	for _, ev := range events {
		day, month := bucket(ev.Ts)
		k := key{day: day, month: month, event: string(ev.Event)}
		row, ok := buckets[k]
		if !ok {
			row = &RollupRow{Day: day, Month: month, Event: string(ev.Event)}
			buckets[k] = row
		}
		row.Count++
		row.AmountDelta = row.AmountDelta.Add(amountDelta(ev))
	}

	out := make([]RollupRow, 0, len(buckets))
	for _, row := range buckets {
		out = append(out, *row)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Month != out[j].Month {
			return out[i].Month < out[j].Month
		}
		if out[i].Day != out[j].Day {
			return out[i].Day < out[j].Day
		}
		return out[i].Event < out[j].Event
	})
	return out
}

func amountDelta(ev models.LogEvent) decimal.Decimal {
	delta := decimal.Zero
	if ev.After != nil {
		delta = delta.Add(ev.After.Amount)
	}
	if ev.Before != nil {
		delta = delta.Sub(ev.Before.Amount)
	}
	return delta
}
