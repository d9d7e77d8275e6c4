package reconcile

import (
	"encoding/json"
	"reflect"
	"testing"
	"time"

	"bitbucket.org/mmdatafocus/salesdock_backend/models"
	"github.com/shopspring/decimal"
)

var testNow = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func row(fields map[string]string) map[string]json.RawMessage {
	out := make(map[string]json.RawMessage, len(fields))
	for k, v := range fields {
		out[k] = json.RawMessage(v)
	}
	return out
}

func TestUpsertRowCreates(t *testing.T) {
	entries, res := UpsertRow(nil, row(map[string]string{
		"kv":            `"KV-1,KV-2"`,
		"betrag":        `"1.234,56"`,
		"titel":         `"Projekt A"`,
		"kunde":         `"ACME"`,
		"projektnummer": `"P-100"`,
	}), models.EntrySourceErp, testNow)

	if res.Outcome != OutcomeCreate || !res.Changed {
		t.Fatalf("outcome = %+v", res)
	}
	if len(entries) != 1 {
		t.Fatalf("len(entries) = %d", len(entries))
	}
	e := entries[0]
	if e.ID == "" {
		t.Fatal("created entry has no id")
	}
	if want := []string{"KV-1", "KV-2"}; !reflect.DeepEqual(e.KvNumbers, want) {
		t.Fatalf("KvNumbers = %v", e.KvNumbers)
	}
	if e.KvNummer != "KV-1" || e.Kv != "KV-1" {
		t.Fatalf("scalar mirrors = %q/%q", e.KvNummer, e.Kv)
	}
	if e.Amount.String() != "1234.56" {
		t.Fatalf("amount = %s", e.Amount)
	}
	if e.Title != "Projekt A" || e.Client != "ACME" || e.ProjectNumber != "P-100" {
		t.Fatalf("scalars = %+v", e)
	}
	if e.ProjectType != models.ProjectTypeFix || e.Source != models.EntrySourceErp {
		t.Fatalf("defaults = %+v", e)
	}
}

func TestUpsertRowMergesIntoOwner(t *testing.T) {
	entries := []models.Entry{{
		ID:        "e1",
		KvNumbers: []string{"KV-1"},
		KvNummer:  "KV-1",
		Kv:        "KV-1",
		Amount:    decimal.RequireFromString("100"),
		Title:     "Alt",
	}}

	entries, res := UpsertRow(entries, row(map[string]string{
		"kv":     `"KV-1,KV-2"`,
		"amount": `250`,
		"title":  `"Neu"`,
	}), models.EntrySourceErp, testNow)

	if res.Outcome != OutcomeUpdate || !res.Changed {
		t.Fatalf("outcome = %+v", res)
	}
	if len(entries) != 1 {
		t.Fatalf("merge must not create, len = %d", len(entries))
	}
	e := entries[0]
	if want := []string{"KV-1", "KV-2"}; !reflect.DeepEqual(e.KvNumbers, want) {
		t.Fatalf("KvNumbers = %v", e.KvNumbers)
	}
	if e.Amount.String() != "250" || e.Title != "Neu" {
		t.Fatalf("merge result = %+v", e)
	}
	if !e.Modified.Equal(testNow) {
		t.Fatalf("modified = %s", e.Modified)
	}
}

func TestUpsertRowIdenticalIsNoOp(t *testing.T) {
	entries := []models.Entry{{
		ID:        "e1",
		KvNumbers: []string{"KV-1"},
		KvNummer:  "KV-1",
		Kv:        "KV-1",
		Amount:    decimal.RequireFromString("100"),
		Title:     "Projekt A",
	}}

	entries, res := UpsertRow(entries, row(map[string]string{
		"kv":     `"KV-1"`,
		"amount": `100`,
		"title":  `"Projekt A"`,
	}), models.EntrySourceErp, testNow)

	if res.Outcome != OutcomeSkip || res.Changed {
		t.Fatalf("outcome = %+v", res)
	}
	if res.Reason != models.ReasonNoChange {
		t.Fatalf("reason = %q", res.Reason)
	}
	if !entries[0].Modified.IsZero() {
		t.Fatal("no-op must not bump modified")
	}
}

func TestUpsertRowAmountEpsilon(t *testing.T) {
	tests := []struct {
		name     string
		incoming string
		want     string
		changed  bool
	}{
		{"within epsilon", `100.009`, "100", false},
		{"exactly epsilon", `100.01`, "100", false},
		{"past epsilon", `100.02`, "100.02", true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			entries := []models.Entry{{
				ID:        "e1",
				KvNumbers: []string{"KV-1"},
				KvNummer:  "KV-1",
				Kv:        "KV-1",
				Amount:    decimal.RequireFromString("100"),
			}}
			entries, res := UpsertRow(entries, row(map[string]string{
				"kv":     `"KV-1"`,
				"amount": tc.incoming,
			}), models.EntrySourceErp, testNow)

			if res.Changed != tc.changed {
				t.Fatalf("changed = %v, want %v", res.Changed, tc.changed)
			}
			if entries[0].Amount.String() != tc.want {
				t.Fatalf("amount = %s, want %s", entries[0].Amount, tc.want)
			}
		})
	}
}

func TestUpsertRowValidation(t *testing.T) {
	_, res := UpsertRow(nil, row(map[string]string{"amount": `10`}), models.EntrySourceErp, testNow)
	if res.Outcome != OutcomeSkip || res.Reason != models.ReasonMissingKv {
		t.Fatalf("missing kv = %+v", res)
	}
	if !IsValidationReason(res.Reason) {
		t.Fatal("missing_kv must count as a validation reason")
	}

	_, res = UpsertRow(nil, row(map[string]string{"kv": `"KV-1"`}), models.EntrySourceErp, testNow)
	if res.Outcome != OutcomeSkip || res.Reason != models.ReasonMissingAmount {
		t.Fatalf("missing amount = %+v", res)
	}
	if IsValidationReason(models.ReasonNoChange) || IsValidationReason(models.ReasonDuplicateKv) {
		t.Fatal("business skips are not validation failures")
	}
}

func TestUpsertRowIgnoresInactiveOwner(t *testing.T) {
	entries := []models.Entry{{
		ID:        "e1",
		KvNumbers: []string{"KV-1"},
		KvNummer:  "KV-1",
		Kv:        "KV-1",
		DockPhase: models.PhaseTerminal,
	}}
	entries, res := UpsertRow(entries, row(map[string]string{
		"kv":     `"KV-1"`,
		"amount": `50`,
	}), models.EntrySourceErp, testNow)

	if res.Outcome != OutcomeCreate {
		t.Fatalf("expected create alongside archived owner, got %+v", res)
	}
	if len(entries) != 2 {
		t.Fatalf("len(entries) = %d", len(entries))
	}
}

func TestApplyRow(t *testing.T) {
	e := models.Entry{
		ID:        "e1",
		KvNumbers: []string{"KV-1"},
		KvNummer:  "KV-1",
		Kv:        "KV-1",
		Amount:    decimal.RequireFromString("100"),
	}
	if !ApplyRow(&e, row(map[string]string{"kv": `"KV-2"`, "amount": `100`})) {
		t.Fatal("kv growth must report changed")
	}
	if want := []string{"KV-1", "KV-2"}; !reflect.DeepEqual(e.KvNumbers, want) {
		t.Fatalf("KvNumbers = %v", e.KvNumbers)
	}
	if ApplyRow(&e, row(map[string]string{"kv": `"KV-2"`, "amount": `100`})) {
		t.Fatal("second application must be a no-op")
	}
}
