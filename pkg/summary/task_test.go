package summary

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"sciencebuddy/pkg/ai"
	"sciencebuddy/pkg/domain"
	"sciencebuddy/pkg/filestore"
	"sciencebuddy/pkg/store"
)

type fakeGenerator struct {
	reply    string
	err      error
	messages []ai.Message
	opts     ai.ChatOptions
}

func (f *fakeGenerator) Generate(_ context.Context, messages []ai.Message, opts ai.ChatOptions) (string, error) {
	f.messages = messages
	f.opts = opts
	return f.reply, f.err
}

type fixture struct {
	router   *store.Router
	progress *store.ProgressStore
	logs     *store.LogStore
	dir      string
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	dir := t.TempDir()
	files := filestore.New()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	local := store.NewFileBackend(files, store.FilePaths{
		Sessions:  filepath.Join(dir, "sessions.json"),
		Summaries: filepath.Join(dir, "summaries.json"),
		Progress:  filepath.Join(dir, "progress.json"),
	})
	router, err := store.NewRouter(logger, local)
	if err != nil {
		t.Fatalf("router: %v", err)
	}
	return fixture{
		router:   router,
		progress: store.NewProgressStore(router, true),
		logs:     store.NewLogStore(files, nil, filepath.Join(dir, "logs"), logger),
		dir:      dir,
	}
}

func (f fixture) task(gen Generator) *Task {
	return NewTask(gen, f.router, f.progress, f.logs, NewPrompts(""), slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func samplePayload() Payload {
	return Payload{
		Conversation: []domain.Turn{
			{Role: domain.RoleAssistant, Content: "水をあたためるとどうなると思う？"},
			{Role: domain.RoleUser, Content: "上のほうから温かくなると思う。お風呂がそうだったから。"},
		},
		Unit:          "水のあたたまり方",
		Stage:         domain.StagePrediction,
		ClassNumber:   "1",
		StudentNumber: "3",
	}
}

func TestTaskUsesConfiguredModel(t *testing.T) {
	f := newFixture(t)
	gen := &fakeGenerator{reply: "上から温かくなると思う。"}
	task := f.task(gen).WithModel(" gpt-4o ")

	if _, err := task.Execute(context.Background(), samplePayload()); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if gen.opts.Model != "gpt-4o" {
		t.Fatalf("model = %q, want configured gpt-4o", gen.opts.Model)
	}

	p := samplePayload()
	p.Model = "gpt-4.1"
	if _, err := task.Execute(context.Background(), p); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if gen.opts.Model != "gpt-4.1" {
		t.Fatalf("payload model should win, got %q", gen.opts.Model)
	}
}

func TestTaskPersistsSummaryProgressAndLog(t *testing.T) {
	f := newFixture(t)
	gen := &fakeGenerator{reply: `{"summary":"上から温かくなると思う。なぜならお風呂がそうだったから。"}`}
	raw, _ := json.Marshal(samplePayload())

	text, err := f.task(gen).Run(context.Background(), raw)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if text != "上から温かくなると思う。なぜならお風呂がそうだったから。" {
		t.Fatalf("text = %q", text)
	}
	if gen.opts.Model != DefaultModel || !gen.opts.CacheSystemPrompt || gen.opts.Temperature != 1.0 {
		t.Fatalf("opts = %+v", gen.opts)
	}
	if first := gen.messages[0]; first.Role != "system" || !strings.Contains(first.Content, "【重要】") {
		t.Fatalf("system message = %+v", first)
	}
	if last := gen.messages[len(gen.messages)-1]; last.Role != "user" || !strings.HasPrefix(last.Content, "これまでの話をもとに") {
		t.Fatalf("closing message = %+v", last)
	}

	rec, ok, err := f.router.LoadSummary(context.Background(), "1_3", "水のあたたまり方", domain.StagePrediction)
	if err != nil || !ok || rec.Summary != text {
		t.Fatalf("stored summary = %+v ok=%v err=%v", rec, ok, err)
	}
	up, err := f.progress.Get(context.Background(), "1", "3", "水のあたたまり方")
	if err != nil {
		t.Fatalf("progress: %v", err)
	}
	if !up.StageProgress.Prediction.SummaryCreated {
		t.Fatalf("prediction summary flag not set")
	}
	entries, err := f.logs.LoadLearningLogs(context.Background(), "")
	if err != nil {
		t.Fatalf("logs: %v", err)
	}
	if len(entries) != 1 || entries[0].LogType != "prediction_summary" || entries[0].Data["summary"] != text {
		t.Fatalf("learning log = %+v", entries)
	}
}

func TestTaskGenerationFailureStoresNothing(t *testing.T) {
	f := newFixture(t)
	gen := &fakeGenerator{err: &ai.GenerationError{Class: ai.ClassQuota, UserMessage: ai.MsgQuota}}

	_, err := f.task(gen).Execute(context.Background(), samplePayload())
	if err == nil {
		t.Fatalf("expected failure")
	}
	if err.Error() != ai.MsgQuota || UserMessage(err) != ai.MsgQuota {
		t.Fatalf("err = %v", err)
	}
	if _, ok, _ := f.router.LoadSummary(context.Background(), "1_3", "水のあたたまり方", domain.StagePrediction); ok {
		t.Fatalf("summary stored after failed generation")
	}
}

func TestTaskRejectsBadPayload(t *testing.T) {
	f := newFixture(t)
	if _, err := f.task(&fakeGenerator{}).Run(context.Background(), []byte("not json")); err == nil {
		t.Fatalf("expected decode error")
	}
}

func TestMessagesSkipSystemTurnsAndUseUnitPrompt(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "電流_reflection.md"), []byte("考察用プロンプト\n"), 0o644); err != nil {
		t.Fatalf("write prompt: %v", err)
	}
	task := NewTask(&fakeGenerator{}, nil, nil, nil, NewPrompts(dir), nil)
	msgs := task.Messages(Payload{
		Unit:  "電流",
		Stage: domain.StageReflection,
		Conversation: []domain.Turn{
			{Role: domain.RoleSystem, Content: "hidden"},
			{Role: domain.RoleUser, Content: "明るくなった"},
		},
	})
	if len(msgs) != 3 {
		t.Fatalf("messages = %+v", msgs)
	}
	if !strings.HasPrefix(msgs[0].Content, "考察用プロンプト\n\n【重要】") {
		t.Fatalf("system = %q", msgs[0].Content)
	}
	if !strings.Contains(msgs[2].Content, "考察をまとめてください") {
		t.Fatalf("closing = %q", msgs[2].Content)
	}
}

func TestPromptsFallBack(t *testing.T) {
	p := NewPrompts(t.TempDir())
	if got := p.Unit("missing", domain.StagePrediction); got != DefaultUnitPrompt {
		t.Fatalf("got %q", got)
	}
	if got := p.Unit("../etc/passwd", domain.StagePrediction); got != DefaultUnitPrompt {
		t.Fatalf("path traversal not rejected: %q", got)
	}
}

func TestValidate(t *testing.T) {
	var ie *InsufficientError
	if err := Validate(nil); !errors.As(err, &ie) || ie.Message != MsgNothingSaid {
		t.Fatalf("empty conversation: %v", err)
	}
	one := []domain.Turn{{Role: domain.RoleUser, Content: " a "}}
	if err := Validate(one); !errors.As(err, &ie) || ie.Message != MsgNotEnoughSaid {
		t.Fatalf("single short turn: %v", err)
	}
	if err := Validate(samplePayload().Conversation); err != nil {
		t.Fatalf("valid conversation: %v", err)
	}
	two := []domain.Turn{{Role: domain.RoleUser, Content: "a"}, {Role: domain.RoleUser, Content: "b"}}
	if err := Validate(two); err != nil {
		t.Fatalf("two turns always pass: %v", err)
	}
}

func TestHasSubstantiveContent(t *testing.T) {
	cases := map[string]bool{
		"":          false,
		"   ":       false,
		"!!":        false,
		"あ":         false,
		"大きくなった":    true,
		"ふくらむ":      true,
		"ab":        true,
		"a b c ! ?": false,
	}
	for in, want := range cases {
		if got := HasSubstantiveContent(in); got != want {
			t.Fatalf("HasSubstantiveContent(%q) = %v, want %v", in, got, want)
		}
	}
}
