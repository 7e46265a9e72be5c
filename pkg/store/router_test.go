package store

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"sciencebuddy/pkg/domain"
	"sciencebuddy/pkg/filestore"
)

type failingBackend struct {
	name  string
	calls int
}

func (b *failingBackend) Name() string { return b.name }

func (b *failingBackend) Save(context.Context, Family, Key, []byte) error {
	b.calls++
	return errors.New("unavailable")
}

func (b *failingBackend) Load(context.Context, Family, Key) ([]byte, bool, error) {
	b.calls++
	return nil, false, errors.New("unavailable")
}

func (b *failingBackend) SaveAll(context.Context, Family, map[string][]byte) error {
	b.calls++
	return errors.New("unavailable")
}

func (b *failingBackend) LoadAll(context.Context, Family) (map[string][]byte, bool, error) {
	b.calls++
	return nil, false, errors.New("unavailable")
}

type memoryBackend struct {
	name string
	mu   sync.Mutex
	docs map[Family]map[string][]byte
}

func newMemoryBackend(name string) *memoryBackend {
	return &memoryBackend{name: name, docs: map[Family]map[string][]byte{}}
}

func (b *memoryBackend) Name() string { return b.name }

func (b *memoryBackend) Save(_ context.Context, family Family, key Key, doc []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.docs[family] == nil {
		b.docs[family] = map[string][]byte{}
	}
	b.docs[family][key.String()] = doc
	return nil
}

func (b *memoryBackend) Load(_ context.Context, family Family, key Key) ([]byte, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	doc, ok := b.docs[family][key.String()]
	return doc, ok, nil
}

func (b *memoryBackend) SaveAll(_ context.Context, family Family, docs map[string][]byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.docs[family] = map[string][]byte{}
	for k, v := range docs {
		b.docs[family][k] = v
	}
	return nil
}

func (b *memoryBackend) LoadAll(_ context.Context, family Family) (map[string][]byte, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	docs := b.docs[family]
	if len(docs) == 0 {
		return nil, false, nil
	}
	out := make(map[string][]byte, len(docs))
	for k, v := range docs {
		out[k] = v
	}
	return out, true, nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestFileBackend(t *testing.T) *FileBackend {
	t.Helper()
	dir := t.TempDir()
	return NewFileBackend(filestore.New(), FilePaths{
		Sessions:  filepath.Join(dir, "sessions.json"),
		Summaries: filepath.Join(dir, "summaries.json"),
		Progress:  filepath.Join(dir, "progress.json"),
	})
}

func TestNewRouterRequiresFileBackendLast(t *testing.T) {
	if _, err := NewRouter(discardLogger()); !errors.Is(err, ErrNoBackends) {
		t.Fatalf("expected ErrNoBackends, got %v", err)
	}
	local := newTestFileBackend(t)
	if _, err := NewRouter(discardLogger(), local, newMemoryBackend("doc")); !errors.Is(err, ErrNoBackends) {
		t.Fatalf("expected ErrNoBackends when file backend is not last, got %v", err)
	}
}

func TestRouterSaveFallsThroughToLocal(t *testing.T) {
	doc := &failingBackend{name: "document"}
	obj := &failingBackend{name: "object"}
	local := newTestFileBackend(t)
	r, err := NewRouter(discardLogger(), doc, obj, local)
	if err != nil {
		t.Fatalf("new router: %v", err)
	}

	ctx := context.Background()
	turns := []domain.Turn{{Role: domain.RoleUser, Content: "氷がとけると水になる"}}
	if _, err := r.SaveSession(ctx, "1_3", "水のすがた", domain.StagePrediction, turns); err != nil {
		t.Fatalf("save session: %v", err)
	}
	if doc.calls != 1 || obj.calls != 1 {
		t.Fatalf("calls = (%d, %d), want (1, 1)", doc.calls, obj.calls)
	}

	raw, ok, err := local.Load(ctx, FamilySessions, RecordKey("1_3", "水のすがた", domain.StagePrediction))
	if err != nil || !ok {
		t.Fatalf("local load: ok=%v err=%v", ok, err)
	}
	var snap domain.SessionSnapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(snap.Conversation) != 1 || snap.Conversation[0].Content != turns[0].Content {
		t.Fatalf("conversation = %+v", snap.Conversation)
	}
	if snap.StudentID != "1_3" || snap.Stage != domain.StagePrediction {
		t.Fatalf("snapshot = %+v", snap)
	}
}

func TestRouterSaveShortCircuitsOnFirstSuccess(t *testing.T) {
	first := newMemoryBackend("document")
	second := newMemoryBackend("object")
	local := newTestFileBackend(t)
	r, err := NewRouter(discardLogger(), first, second, local)
	if err != nil {
		t.Fatalf("new router: %v", err)
	}

	ctx := context.Background()
	key := RecordKey("2_14", "ものの温度", domain.StageReflection)
	if _, err := r.SaveSummary(ctx, "2_14", "ものの温度", domain.StageReflection, "あたためると体積が大きくなった"); err != nil {
		t.Fatalf("save summary: %v", err)
	}
	if _, ok, _ := first.Load(ctx, FamilySummaries, key); !ok {
		t.Fatalf("expected summary in first backend")
	}
	if _, ok, _ := second.Load(ctx, FamilySummaries, key); ok {
		t.Fatalf("summary duplicated to second backend")
	}
	if _, ok, _ := local.Load(ctx, FamilySummaries, key); ok {
		t.Fatalf("summary duplicated to local backend")
	}

	rec, ok, err := r.LoadSummary(ctx, "2_14", "ものの温度", domain.StageReflection)
	if err != nil || !ok {
		t.Fatalf("load summary: ok=%v err=%v", ok, err)
	}
	if rec.Summary != "あたためると体積が大きくなった" {
		t.Fatalf("summary = %q", rec.Summary)
	}
}

func TestRouterLoadSkipsFailingAndAbsentBackends(t *testing.T) {
	failing := &failingBackend{name: "document"}
	empty := newMemoryBackend("object")
	local := newTestFileBackend(t)
	r, err := NewRouter(discardLogger(), failing, empty, local)
	if err != nil {
		t.Fatalf("new router: %v", err)
	}
	ctx := context.Background()
	key := RecordKey("3_1", "unit", domain.StagePrediction)
	if err := local.Save(ctx, FamilySummaries, key, []byte(`{"summary":"local"}`)); err != nil {
		t.Fatalf("seed local: %v", err)
	}
	rec, ok, err := r.LoadSummary(ctx, "3_1", "unit", domain.StagePrediction)
	if err != nil || !ok {
		t.Fatalf("load: ok=%v err=%v", ok, err)
	}
	if rec.Summary != "local" {
		t.Fatalf("summary = %q, want local", rec.Summary)
	}

	if _, ok, err := r.LoadSummary(ctx, "3_1", "unit", domain.StageReflection); err != nil || ok {
		t.Fatalf("expected absent everywhere, ok=%v err=%v", ok, err)
	}
}

func TestRouterSaveReturnsLastError(t *testing.T) {
	blocker := filepath.Join(t.TempDir(), "blocked")
	// A non-empty directory at the document path makes the local write fail.
	if err := os.MkdirAll(filepath.Join(blocker, "child"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	local := NewFileBackend(filestore.New(), FilePaths{Sessions: blocker})
	r, err := NewRouter(discardLogger(), &failingBackend{name: "document"}, local)
	if err != nil {
		t.Fatalf("new router: %v", err)
	}
	if _, err := r.SaveSession(context.Background(), "1_1", "u", domain.StagePrediction, nil); err == nil {
		t.Fatalf("expected error when every backend fails")
	}
}

func TestRouterProgressRoundTrip(t *testing.T) {
	first := newMemoryBackend("document")
	local := newTestFileBackend(t)
	r, err := NewRouter(discardLogger(), first, local)
	if err != nil {
		t.Fatalf("new router: %v", err)
	}
	ctx := context.Background()
	up := domain.NewUnitProgress(time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC))
	up.StageProgress.Prediction.SummaryCreated = true
	in := domain.ProgressCollection{"1_2": {"電流": up}}
	if err := r.SaveProgress(ctx, in); err != nil {
		t.Fatalf("save progress: %v", err)
	}
	if _, ok, _ := local.LoadAll(ctx, FamilyProgress); ok {
		t.Fatalf("progress duplicated to local backend")
	}
	out, err := r.LoadProgress(ctx)
	if err != nil {
		t.Fatalf("load progress: %v", err)
	}
	if !out["1_2"]["電流"].StageProgress.Prediction.SummaryCreated {
		t.Fatalf("progress = %+v", out)
	}
}
