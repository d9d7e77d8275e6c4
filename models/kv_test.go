package models

import (
	"encoding/json"
	"reflect"
	"testing"
)

func payload(kvs map[string]string) map[string]json.RawMessage {
	out := make(map[string]json.RawMessage, len(kvs))
	for k, v := range kvs {
		out[k] = json.RawMessage(v)
	}
	return out
}

func TestKvListFromPayloadAliasPrecedence(t *testing.T) {
	tests := []struct {
		name   string
		fields map[string]string
		want   []string
	}{
		{
			name:   "array alias wins over scalar alias",
			fields: map[string]string{"kvNummern": `["KV-1","KV-2"]`, "kv_nummer": `"KV-9"`},
			want:   []string{"KV-1", "KV-2"},
		},
		{
			name:   "empty array falls through to scalar",
			fields: map[string]string{"kvNummern": `[]`, "kv_nummer": `"KV-9"`},
			want:   []string{"KV-9"},
		},
		{
			name:   "kv_nummer wins over kv",
			fields: map[string]string{"kv_nummer": `"KV-1"`, "kv": `"KV-2"`},
			want:   []string{"KV-1"},
		},
		{
			name:   "legacy kv_liste array",
			fields: map[string]string{"kv_liste": `["KV-7"]`},
			want:   []string{"KV-7"},
		},
		{
			name:   "scalar splits on separators",
			fields: map[string]string{"kv": `"KV-1, KV-2;KV-3|KV-4"`},
			want:   []string{"KV-1", "KV-2", "KV-3", "KV-4"},
		},
		{
			name:   "scalar carrying a JSON array literal",
			fields: map[string]string{"kv_nummer": `"[\"KV-1\",\"KV-2\"]"`},
			want:   []string{"KV-1", "KV-2"},
		},
		{
			name:   "numeric kv values",
			fields: map[string]string{"kvNummern": `[1001, "1002"]`},
			want:   []string{"1001", "1002"},
		},
		{
			name:   "no kv fields",
			fields: map[string]string{"amount": `100`},
			want:   nil,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := KvListFromPayload(payload(tc.fields))
			if !reflect.DeepEqual(got, tc.want) {
				t.Fatalf("KvListFromPayload() = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestKvListDedupKeepsFirstOccurrenceCaseSensitive(t *testing.T) {
	fields := payload(map[string]string{"kvNummern": `[" A ","b","A","B",""]`})
	got := KvListFromPayload(fields)
	want := []string{"A", "b", "B"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("dedup = %v, want %v", got, want)
	}
}

func TestEnsureKvStructureIdempotent(t *testing.T) {
	e := Entry{
		ID:        "e1",
		KvNumbers: []string{" KV-2 ", "KV-1", "KV-2"},
		Kv:        "stale",
		Transactions: []Transaction{
			{ID: "t1", KvNummer: "KV-5, KV-6"},
		},
	}
	EnsureKvStructure(&e)

	if want := []string{"KV-2", "KV-1"}; !reflect.DeepEqual(e.KvNumbers, want) {
		t.Fatalf("KvNumbers = %v, want %v", e.KvNumbers, want)
	}
	if e.KvNummer != "KV-2" || e.Kv != "KV-2" {
		t.Fatalf("scalar mirrors = %q/%q, want KV-2", e.KvNummer, e.Kv)
	}
	if want := []string{"KV-5", "KV-6"}; !reflect.DeepEqual(e.Transactions[0].KvNumbers, want) {
		t.Fatalf("transaction KvNumbers = %v, want %v", e.Transactions[0].KvNumbers, want)
	}
	if e.Transactions[0].KvNummer != "KV-5" {
		t.Fatalf("transaction KvNummer = %q, want KV-5", e.Transactions[0].KvNummer)
	}

	kvBefore := append([]string(nil), e.KvNumbers...)
	txBefore := append([]string(nil), e.Transactions[0].KvNumbers...)
	EnsureKvStructure(&e)
	if !reflect.DeepEqual(e.KvNumbers, kvBefore) || e.KvNummer != "KV-2" || e.Kv != "KV-2" {
		t.Fatalf("second EnsureKvStructure changed the entry: %v %q %q", e.KvNumbers, e.KvNummer, e.Kv)
	}
	if !reflect.DeepEqual(e.Transactions[0].KvNumbers, txBefore) {
		t.Fatalf("second EnsureKvStructure changed the transaction: %v", e.Transactions[0].KvNumbers)
	}
}

func TestKvListFromUsesLegacyExtras(t *testing.T) {
	e := Entry{
		ID:    "e1",
		Extra: map[string]json.RawMessage{"kvList": json.RawMessage(`["KV-3"]`)},
	}
	got := KvListFrom(&e)
	if want := []string{"KV-3"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("KvListFrom() = %v, want %v", got, want)
	}
}

func TestApplyKvListEmpty(t *testing.T) {
	e := Entry{KvNumbers: []string{"KV-1"}, KvNummer: "KV-1", Kv: "KV-1"}
	ApplyKvList(&e, nil)
	if len(e.KvNumbers) != 0 || e.KvNummer != "" || e.Kv != "" {
		t.Fatalf("ApplyKvList(nil) left residue: %+v", e)
	}
}
