package reconcile

import (
	"encoding/json"
	"testing"

	"bitbucket.org/mmdatafocus/salesdock_backend/models"
	"github.com/shopspring/decimal"
)

func TestRunNarrowBatchMixedRows(t *testing.T) {
	entries := []models.Entry{{
		ID:        "e1",
		KvNumbers: []string{"KV-1"},
		KvNummer:  "KV-1",
		Kv:        "KV-1",
		Amount:    decimal.RequireFromString("100"),
	}}

	rows := []map[string]json.RawMessage{
		row(map[string]string{"kv": `"KV-1"`, "amount": `500`}), // update e1
		row(map[string]string{"kv": `"KV-9"`, "amount": `50`}),  // create
		row(map[string]string{"kv": `"KV-1"`, "amount": `500`}), // now identical: skip
		row(map[string]string{"amount": `10`}),                  // missing kv: skip
	}

	entries, result, events := RunNarrowBatch(entries, rows, models.EntrySourceErp, testNow)

	if result.Created != 1 || result.Updated != 1 || result.Skipped != 2 || result.Errors != 0 {
		t.Fatalf("result = %+v", result)
	}
	if !result.Changed {
		t.Fatal("batch with writes must report changed")
	}
	if len(entries) != 2 {
		t.Fatalf("len(entries) = %d", len(entries))
	}
	if len(events) != 4 {
		t.Fatalf("len(events) = %d", len(events))
	}
	if events[3].Event != models.LogEventSkip || events[3].Reason != models.ReasonMissingKv {
		t.Fatalf("validation skip event = %+v", events[3])
	}
}

func TestRunNarrowBatchAllSkipsIsUnchanged(t *testing.T) {
	entries := []models.Entry{{
		ID:        "e1",
		KvNumbers: []string{"KV-1"},
		KvNummer:  "KV-1",
		Kv:        "KV-1",
		Amount:    decimal.RequireFromString("100"),
	}}
	rows := []map[string]json.RawMessage{
		row(map[string]string{"kv": `"KV-1"`, "amount": `100`}),
	}

	_, result, _ := RunNarrowBatch(entries, rows, models.EntrySourceErp, testNow)
	if result.Changed || result.Skipped != 1 {
		t.Fatalf("result = %+v", result)
	}
}

func TestRunFullBatchIntraBatchDuplicate(t *testing.T) {
	rows := []map[string]json.RawMessage{
		row(map[string]string{"projectType": `"fix"`, "kvNummern": `["KV-1"]`, "title": `"erste"`, "amount": `10`}),
		row(map[string]string{"projectType": `"fix"`, "kvNummern": `["KV-1"]`, "title": `"zweite"`, "amount": `20`}),
	}

	entries, result, events := RunFullBatch(nil, rows, models.EntrySourceImport, testNow)

	if result.Created != 1 || result.Skipped != 1 {
		t.Fatalf("result = %+v", result)
	}
	if len(entries) != 1 || entries[0].Title != "erste" {
		t.Fatalf("entries = %+v", entries)
	}

	var skip *models.LogEvent
	for i := range events {
		if events[i].Event == models.LogEventSkip {
			skip = &events[i]
		}
	}
	if skip == nil || skip.Reason != models.ReasonDuplicateKvBatch {
		t.Fatalf("skip event = %+v", skip)
	}
	if skip.Kv != "KV-1" {
		t.Fatalf("skip kv = %q", skip.Kv)
	}
}

func TestRunFullBatchPersistedDuplicate(t *testing.T) {
	entries := []models.Entry{{
		ID:        "e1",
		KvNumbers: []string{"KV-1"},
		KvNummer:  "KV-1",
		Kv:        "KV-1",
	}}
	rows := []map[string]json.RawMessage{
		row(map[string]string{"projectType": `"fix"`, "kvNummern": `["KV-1"]`, "amount": `10`}),
	}

	_, result, events := RunFullBatch(entries, rows, models.EntrySourceImport, testNow)

	if result.Skipped != 1 || result.Changed {
		t.Fatalf("result = %+v", result)
	}
	if events[0].Reason != models.ReasonDuplicateKv {
		t.Fatalf("reason = %q, want persisted duplicate_kv", events[0].Reason)
	}
}

func TestRunFullBatchFrameworkTransactionKvsBlockLaterRows(t *testing.T) {
	rows := []map[string]json.RawMessage{
		row(map[string]string{
			"projectType":  `"framework"`,
			"kvNummern":    `["KV-R"]`,
			"title":        `"Rahmenvertrag"`,
			"amount":       `1000`,
			"transactions": `[{"id":"t1","kv_nummer":"KV-T1","amount":100}]`,
		}),
		row(map[string]string{"projectType": `"fix"`, "kvNummern": `["KV-T1"]`, "amount": `100`}),
	}

	entries, result, events := RunFullBatch(nil, rows, models.EntrySourceImport, testNow)

	if result.Created != 1 || result.Skipped != 1 {
		t.Fatalf("result = %+v", result)
	}
	if len(entries) != 1 || entries[0].ProjectType != models.ProjectTypeFramework {
		t.Fatalf("entries = %+v", entries)
	}
	last := events[len(events)-1]
	if last.Event != models.LogEventSkip || last.Reason != models.ReasonDuplicateKvBatch {
		t.Fatalf("call-off kv must be attributed to the framework: %+v", last)
	}
}

func TestRunFullBatchTransactionKvOwnedElsewhereBlocksCreate(t *testing.T) {
	entries := []models.Entry{{
		ID:        "fix1",
		KvNumbers: []string{"KV-X"},
		KvNummer:  "KV-X",
		Kv:        "KV-X",
		Amount:    decimal.RequireFromString("100"),
	}}
	rows := []map[string]json.RawMessage{
		row(map[string]string{
			"projectType":  `"framework"`,
			"kvNummern":    `["KV-R"]`,
			"title":        `"Rahmenvertrag"`,
			"amount":       `1000`,
			"transactions": `[{"id":"t1","kv_nummer":"KV-X","amount":100}]`,
		}),
	}

	entries, result, events := RunFullBatch(entries, rows, models.EntrySourceImport, testNow)

	if result.Created != 0 || result.Skipped != 1 {
		t.Fatalf("result = %+v", result)
	}
	if len(entries) != 1 || entries[0].ID != "fix1" {
		t.Fatalf("call-off must not capture a foreign kv, entries = %+v", entries)
	}
	if events[0].Reason != models.ReasonDuplicateKv || events[0].Kv != "KV-X" {
		t.Fatalf("skip event = %+v", events[0])
	}
}

func TestRunFullBatchTransactionKvOwnedElsewhereBlocksUpdate(t *testing.T) {
	entries := []models.Entry{
		{
			ID:          "fw",
			ProjectType: models.ProjectTypeFramework,
			KvNumbers:   []string{"KV-R"},
			KvNummer:    "KV-R",
			Kv:          "KV-R",
		},
		{
			ID:        "fix1",
			KvNumbers: []string{"KV-X"},
			KvNummer:  "KV-X",
			Kv:        "KV-X",
		},
	}
	rows := []map[string]json.RawMessage{
		row(map[string]string{
			"id":           `"fw"`,
			"projectType":  `"framework"`,
			"kvNummern":    `["KV-R"]`,
			"transactions": `[{"id":"t1","kv_nummer":"KV-X","amount":100}]`,
		}),
		// The framework's own KVs stay legal on a self-update.
		row(map[string]string{
			"id":           `"fw"`,
			"projectType":  `"framework"`,
			"kvNummern":    `["KV-R"]`,
			"title":        `"Rahmen neu"`,
			"transactions": `[{"id":"t1","kv_nummer":"KV-T1","amount":100}]`,
		}),
	}

	entries, result, events := RunFullBatch(entries, rows, models.EntrySourceImport, testNow)

	if result.Updated != 1 || result.Skipped != 1 {
		t.Fatalf("result = %+v", result)
	}
	if events[0].Reason != models.ReasonDuplicateKv || events[0].Kv != "KV-X" {
		t.Fatalf("skip event = %+v", events[0])
	}
	if entries[0].Title != "Rahmen neu" || len(entries[0].Transactions) != 1 {
		t.Fatalf("self-update rejected: %+v", entries[0])
	}
	if entries[0].Transactions[0].KvList()[0] != "KV-T1" {
		t.Fatalf("transactions = %+v", entries[0].Transactions)
	}
}

func TestRunFullBatchUpdateById(t *testing.T) {
	entries := []models.Entry{{
		ID:            "e1",
		KvNumbers:     []string{"KV-1"},
		KvNummer:      "KV-1",
		Kv:            "KV-1",
		Title:         "Alt",
		Created:       testNow.AddDate(0, -1, 0),
		Extra:         map[string]json.RawMessage{"trelloCardId": json.RawMessage(`"abc"`)},
		ProjectNumber: "P-1",
	}}
	rows := []map[string]json.RawMessage{
		row(map[string]string{
			"id":          `"e1"`,
			"projectType": `"fix"`,
			"kvNummern":   `["KV-1","KV-2"]`,
			"title":       `"Neu"`,
			"amount":      `42`,
		}),
	}

	entries, result, _ := RunFullBatch(entries, rows, models.EntrySourceImport, testNow)

	if result.Updated != 1 || result.Created != 0 {
		t.Fatalf("result = %+v", result)
	}
	e := entries[0]
	if e.ID != "e1" || e.Title != "Neu" {
		t.Fatalf("entry = %+v", e)
	}
	if e.Created.IsZero() || !e.Created.Before(testNow) {
		t.Fatal("creation time must survive the replace")
	}
	if string(e.Extra["trelloCardId"]) != `"abc"` {
		t.Fatal("stored extras must survive the replace")
	}
	if e.KvNummer != "KV-1" || len(e.KvNumbers) != 2 {
		t.Fatalf("kv structure = %+v", e)
	}
}

func TestRunFullBatchRowErrorDoesNotAbort(t *testing.T) {
	rows := []map[string]json.RawMessage{
		row(map[string]string{"projectType": `"fix"`, "kvNummern": `["KV-1"]`, "amount": `"kaputt`}), // invalid JSON
		row(map[string]string{"projectType": `"fix"`, "kvNummern": `["KV-2"]`, "amount": `10`}),
	}

	entries, result, events := RunFullBatch(nil, rows, models.EntrySourceImport, testNow)

	if result.Errors != 1 || result.Created != 1 {
		t.Fatalf("result = %+v", result)
	}
	if len(entries) != 1 {
		t.Fatalf("len(entries) = %d", len(entries))
	}
	foundError := false
	for _, ev := range events {
		if ev.Event == models.LogEventError {
			foundError = true
		}
	}
	if !foundError {
		t.Fatal("expected an error event")
	}
}
