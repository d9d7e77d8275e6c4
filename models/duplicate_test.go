package models

import "testing"

func activeSet() []Entry {
	return []Entry{
		{ID: "e1", KvNumbers: []string{"KV-1", "KV-2"}, ProjectNumber: "P-100", ProjectType: ProjectTypeFix},
		{ID: "e2", KvNumbers: []string{"KV-3"}, ProjectNumber: "P-200", ProjectType: ProjectTypeFramework},
		{ID: "e3", KvNumbers: []string{"KV-4"}, DockPhase: PhaseTerminal},
		{ID: "e4", KvNumbers: []string{"KV-5"}, DockFinalAssignment: FinalAssignmentMerged},
	}
}

func TestFindDuplicateKv(t *testing.T) {
	entries := activeSet()

	dup := FindDuplicateKv(entries, []string{"KV-9", "KV-2"}, "")
	if dup == nil || dup.Kv != "KV-2" || dup.Entry.ID != "e1" {
		t.Fatalf("FindDuplicateKv = %+v, want KV-2 on e1", dup)
	}

	if dup := FindDuplicateKv(entries, []string{"KV-2"}, "e1"); dup != nil {
		t.Fatalf("exclude id should suppress the match, got %+v", dup)
	}
	if dup := FindDuplicateKv(entries, nil, ""); dup != nil {
		t.Fatalf("empty kv list should never match, got %+v", dup)
	}
}

func TestFindDuplicateKvIgnoresInactiveEntries(t *testing.T) {
	entries := activeSet()
	if dup := FindDuplicateKv(entries, []string{"KV-4"}, ""); dup != nil {
		t.Fatalf("terminal-phase entry should be invisible, got %+v", dup)
	}
	if dup := FindDuplicateKv(entries, []string{"KV-5"}, ""); dup != nil {
		t.Fatalf("merged-away entry should be invisible, got %+v", dup)
	}
}

func TestValidateKvNumberUsage(t *testing.T) {
	entries := activeSet()

	res := ValidateKvNumberUsage(entries, []string{"KV-3"}, "")
	if res.Valid {
		t.Fatal("expected duplicate to block")
	}
	if res.Reason != ValidationDuplicateKv || res.RelatedCardID != "e2" || res.ConflictKv != "KV-3" {
		t.Fatalf("unexpected result: %+v", res)
	}

	if res := ValidateKvNumberUsage(entries, []string{"KV-99"}, ""); !res.Valid {
		t.Fatalf("free kv should be valid, got %+v", res)
	}
}

func TestValidateProjectNumberUsage(t *testing.T) {
	entries := activeSet()

	// Framework overlap: valid, but flagged so the UI can attach the
	// call-off to the contract.
	res := ValidateProjectNumberUsage(entries, "p-200", "")
	if !res.Valid || res.Warning != ValidationRahmenvertragFound || res.RelatedCardID != "e2" {
		t.Fatalf("framework overlap = %+v", res)
	}

	res = ValidateProjectNumberUsage(entries, "P-100", "")
	if !res.Valid || res.Warning != ValidationProjectExists || res.RelatedCardID != "e1" {
		t.Fatalf("fix overlap = %+v", res)
	}

	if res := ValidateProjectNumberUsage(entries, "P-100", "e1"); res.Warning != "" {
		t.Fatalf("exclude id should suppress the warning, got %+v", res)
	}
	if res := ValidateProjectNumberUsage(entries, "", ""); !res.Valid || res.Warning != "" {
		t.Fatalf("empty project number = %+v", res)
	}
}
