package docstore

import (
	"context"
	"reflect"
	"testing"

	"github.com/trialbridge/portal/pkg/common/apperr"
	"github.com/trialbridge/portal/pkg/common/models"
)

func TestMemoryStoreRoundTrip(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	input := models.Document{
		"patient_id":       "P-001",
		"age":              54,
		"condition":        "NSCLC",
		"prior_treatments": []string{"carboplatin", "pemetrexed"},
		"ecog_score":       1,
	}

	created, err := store.Create(ctx, "patient_info_collection", input)
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if created.ID() == "" {
		t.Fatal("expected server-assigned id")
	}

	fetched, err := store.Get(ctx, "patient_info_collection", created.ID())
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}

	want, _ := input.Clone()
	if !reflect.DeepEqual(fetched.Fields(), want) {
		t.Fatalf("round trip mismatch:\n got %#v\nwant %#v", fetched.Fields(), want)
	}
}

func TestMemoryStoreListFilters(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	for _, doc := range []models.Document{
		{"trial_id": "T1", "phase": "II", "matched_patients_count": 3},
		{"trial_id": "T2", "phase": "III", "matched_patients_count": 3},
		{"trial_id": "T3", "phase": "II", "matched_patients_count": 0},
	} {
		if _, err := store.Create(ctx, "trial_info", doc); err != nil {
			t.Fatalf("create failed: %v", err)
		}
	}

	docs, total, err := store.List(ctx, "trial_info", map[string]interface{}{"phase": "II", "matched_patients_count": 3.0})
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if total != 1 || len(docs) != 1 || docs[0].String("trial_id") != "T1" {
		t.Fatalf("expected only T1, got total=%d docs=%v", total, docs)
	}

	all, total, err := store.List(ctx, "trial_info", nil)
	if err != nil || total != 3 || len(all) != 3 {
		t.Fatalf("expected 3 documents, got %d (%v)", total, err)
	}
}

func TestMemoryStoreUpdateMergesFields(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	created, _ := store.Create(ctx, "patient_info_collection", models.Document{"patient_id": "P-2", "status": "new"})
	updated, err := store.Update(ctx, "patient_info_collection", created.ID(), models.Document{"status": "completed", "matched": true})
	if err != nil {
		t.Fatalf("update failed: %v", err)
	}
	if updated.String("patient_id") != "P-2" || updated.String("status") != "completed" || updated["matched"] != true {
		t.Fatalf("unexpected document after update: %v", updated)
	}
	if updated.ID() != created.ID() {
		t.Fatalf("id changed on update: %s -> %s", created.ID(), updated.ID())
	}
}

func TestMemoryStoreMissingDocument(t *testing.T) {
	store := NewMemoryStore()
	_, err := store.Get(context.Background(), "trial_info", "abc123")
	if err == nil {
		t.Fatal("expected error for missing document")
	}
	if !apperr.IsUpstreamNotFound(err) {
		t.Fatalf("expected upstream not-found, got %v", err)
	}
	if err := store.Delete(context.Background(), "trial_info", "abc123"); err == nil {
		t.Fatal("expected delete of missing document to fail")
	}
}

func TestMemoryStoreDelete(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	a, _ := store.Create(ctx, "summaries", models.Document{"summary_id": "a"})
	b, _ := store.Create(ctx, "summaries", models.Document{"summary_id": "b"})

	if err := store.Delete(ctx, "summaries", a.ID()); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	docs, total, _ := store.List(ctx, "summaries", nil)
	if total != 1 || docs[0].ID() != b.ID() {
		t.Fatalf("expected only b to remain, got %v", docs)
	}
}
