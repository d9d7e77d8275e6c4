package store

import (
	"context"
	"errors"
	"testing"

	"bitbucket.org/mmdatafocus/salesdock_backend/models"
)

func TestMemStoreEntryCompareAndSwap(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()

	entries, version, err := s.Read(ctx)
	if err != nil {
		t.Fatalf("read empty: %v", err)
	}
	if len(entries) != 0 || version != "" {
		t.Fatalf("empty store = (%v, %q)", entries, version)
	}

	v1, err := s.Write(ctx, []models.Entry{{ID: "e1"}}, version)
	if err != nil {
		t.Fatalf("first write: %v", err)
	}
	if v1 == "" {
		t.Fatal("write must return a new version")
	}

	// A writer holding the stale token must get a conflict, never a
	// silent overwrite.
	if _, err := s.Write(ctx, []models.Entry{{ID: "stale"}}, version); !errors.Is(err, ErrVersionConflict) {
		t.Fatalf("stale write: %v", err)
	}

	entries, v2, err := s.Read(ctx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(entries) != 1 || entries[0].ID != "e1" {
		t.Fatalf("entries = %+v", entries)
	}
	if v2 != v1 {
		t.Fatalf("version drifted: %q vs %q", v2, v1)
	}

	if _, err := s.Write(ctx, nil, v2); err != nil {
		t.Fatalf("write with fresh token: %v", err)
	}
	entries, _, _ = s.Read(ctx)
	if len(entries) != 0 {
		t.Fatalf("nil write must clear the set, got %+v", entries)
	}
}

func TestMemStoreBlobVersioning(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()

	blob, version, err := s.GetBlob(ctx, "logs/2025-06/2025-06-01.jsonl")
	if err != nil || blob != nil || version != "" {
		t.Fatalf("missing blob = (%q, %q, %v)", blob, version, err)
	}

	v1, err := s.PutBlob(ctx, "a", []byte("one\n"), "")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := s.PutBlob(ctx, "a", []byte("racer\n"), ""); !errors.Is(err, ErrVersionConflict) {
		t.Fatalf("create race: %v", err)
	}

	v2, err := s.PutBlob(ctx, "a", []byte("one\ntwo\n"), v1)
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if v2 == v1 {
		t.Fatal("version must advance on write")
	}

	// Versions are scoped per path.
	if _, err := s.PutBlob(ctx, "b", []byte("x"), ""); err != nil {
		t.Fatalf("independent path: %v", err)
	}

	blob, version, err = s.GetBlob(ctx, "a")
	if err != nil || string(blob) != "one\ntwo\n" || version != v2 {
		t.Fatalf("get = (%q, %q, %v)", blob, version, err)
	}
}
