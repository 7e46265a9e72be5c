package store

import (
	"context"
	"os"
	"testing"

	"sciencebuddy/pkg/domain"
	"sciencebuddy/pkg/storage"
)

func TestObjectPathLayout(t *testing.T) {
	cases := []struct {
		family Family
		key    Key
		want   string
	}{
		{FamilySessions, RecordKey("1_3", "水のすがた", domain.StagePrediction), "sessions/1_3/水のすがた/prediction.json"},
		{FamilySummaries, RecordKey("1_3", "水のすがた", domain.StageReflection), "summaries/1_3/水のすがた/reflection_summary.json"},
		{FamilyProgress, StudentKey("5_12"), "progress/5_12.json"},
	}
	for _, tc := range cases {
		got, err := ObjectPath(tc.family, tc.key)
		if err != nil {
			t.Fatalf("ObjectPath(%s, %s): %v", tc.family, tc.key, err)
		}
		if got != tc.want {
			t.Fatalf("ObjectPath(%s, %s) = %q, want %q", tc.family, tc.key, got, tc.want)
		}
		back, ok := parseObjectPath(tc.family, got)
		if !ok || back != tc.key {
			t.Fatalf("parseObjectPath(%q) = %+v, %v", got, back, ok)
		}
	}
	if _, err := ObjectPath(FamilySessions, StudentKey("1_3")); err == nil {
		t.Fatalf("expected error for session key without unit")
	}
}

func TestObjectBackendLoadAllRebuildsJoinKeys(t *testing.T) {
	ctx := context.Background()
	objects := storage.NewMemoryStore()
	b := NewObjectBackend(objects)

	key := RecordKey("2_7", "電流のはたらき", domain.StagePrediction)
	if err := b.Save(ctx, FamilySummaries, key, []byte(`{"summary":"s"}`)); err != nil {
		t.Fatalf("save: %v", err)
	}
	docs, ok, err := b.LoadAll(ctx, FamilySummaries)
	if err != nil || !ok {
		t.Fatalf("load all: ok=%v err=%v", ok, err)
	}
	if _, ok := docs["2_7_電流のはたらき_prediction"]; !ok {
		t.Fatalf("docs = %v", docs)
	}
}

func TestObjectBackendSaveAllPlacesRecordsByFields(t *testing.T) {
	ctx := context.Background()
	objects := storage.NewMemoryStore()
	b := NewObjectBackend(objects)
	docs := map[string][]byte{
		"1_1_u_prediction": []byte(`{"student_id":"1_1","unit":"u","stage":"prediction","conversation":[]}`),
	}
	if err := b.SaveAll(ctx, FamilySessions, docs); err != nil {
		t.Fatalf("save all: %v", err)
	}
	if _, ok, _ := objects.Get(ctx, "sessions/1_1/u/prediction.json"); !ok {
		t.Fatalf("expected object at sessions/1_1/u/prediction.json")
	}

	bad := map[string][]byte{"wrong_key": docs["1_1_u_prediction"]}
	if err := b.SaveAll(ctx, FamilySessions, bad); err == nil {
		t.Fatalf("expected mismatched join key to fail")
	}
}

func TestFileBackendTreatsGarbageAsAbsent(t *testing.T) {
	ctx := context.Background()
	b := newTestFileBackend(t)
	p, _ := b.Path(FamilySessions)
	if err := os.WriteFile(p, []byte("not json"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, ok, err := b.Load(ctx, FamilySessions, RecordKey("1_1", "u", domain.StagePrediction)); ok || err != nil {
		t.Fatalf("expected absent, ok=%v err=%v", ok, err)
	}
	if _, ok, err := b.LoadAll(ctx, FamilySessions); ok || err != nil {
		t.Fatalf("expected absent collection, ok=%v err=%v", ok, err)
	}

	// A save over garbage starts a fresh document.
	key := RecordKey("1_1", "u", domain.StagePrediction)
	if err := b.Save(ctx, FamilySessions, key, []byte(`{"conversation":[]}`)); err != nil {
		t.Fatalf("save: %v", err)
	}
	if _, ok, _ := b.Load(ctx, FamilySessions, key); !ok {
		t.Fatalf("expected saved entry")
	}
}

func TestFileBackendSaveKeepsOtherEntries(t *testing.T) {
	ctx := context.Background()
	b := newTestFileBackend(t)
	k1 := RecordKey("1_1", "u", domain.StagePrediction)
	k2 := RecordKey("1_2", "u", domain.StagePrediction)
	if err := b.Save(ctx, FamilySummaries, k1, []byte(`{"summary":"a"}`)); err != nil {
		t.Fatalf("save k1: %v", err)
	}
	if err := b.Save(ctx, FamilySummaries, k2, []byte(`{"summary":"b"}`)); err != nil {
		t.Fatalf("save k2: %v", err)
	}
	docs, ok, err := b.LoadAll(ctx, FamilySummaries)
	if err != nil || !ok {
		t.Fatalf("load all: ok=%v err=%v", ok, err)
	}
	if len(docs) != 2 {
		t.Fatalf("len(docs) = %d, want 2", len(docs))
	}
}
