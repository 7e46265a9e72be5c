package dialogue

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"sciencebuddy/pkg/ai"
	"sciencebuddy/pkg/domain"
	"sciencebuddy/pkg/filestore"
	"sciencebuddy/pkg/store"
	"sciencebuddy/pkg/summary"
)

type stubGenerator struct {
	replies  []string
	err      error
	messages []ai.Message
	opts     ai.ChatOptions
}

func (s *stubGenerator) Generate(_ context.Context, messages []ai.Message, opts ai.ChatOptions) (string, error) {
	s.messages = messages
	s.opts = opts
	if s.err != nil {
		return "", s.err
	}
	reply := s.replies[0]
	s.replies = s.replies[1:]
	return reply, nil
}

func newTutor(t *testing.T, gen *stubGenerator) (*Tutor, *store.Router, *store.ProgressStore, string) {
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
	progress := store.NewProgressStore(router, true)
	logs := store.NewLogStore(files, nil, filepath.Join(dir, "logs"), logger)
	return NewTutor(gen, router, progress, logs, summary.NewPrompts(""), logger), router, progress, dir
}

func TestChatRecordsExchange(t *testing.T) {
	gen := &stubGenerator{replies: []string{`{"response":"どうしてそう思ったの？"}`, "なるほど。"}}
	tutor, router, progress, dir := newTutor(t, gen)
	ctx := context.Background()
	req := Request{ClassNumber: "1", StudentNumber: "3", Unit: "空気の温度と体積", Stage: domain.StagePrediction, Message: "ふくらむと思う"}

	resp, err := tutor.Chat(ctx, req)
	if err != nil {
		t.Fatalf("chat: %v", err)
	}
	if resp.Reply != "どうしてそう思ったの？" || resp.SuggestSummary {
		t.Fatalf("first response = %+v", resp)
	}
	if gen.opts.Temperature != 1.0 || !gen.opts.CacheSystemPrompt {
		t.Fatalf("opts = %+v", gen.opts)
	}

	req.Message = "お風呂でボールがふくらんだから"
	resp, err = tutor.Chat(ctx, req)
	if err != nil {
		t.Fatalf("second chat: %v", err)
	}
	if !resp.SuggestSummary || len(resp.Conversation) != 4 {
		t.Fatalf("second response = %+v", resp)
	}
	// system prompt plus three prior turns plus the new message
	if len(gen.messages) != 4 || gen.messages[0].Role != "system" {
		t.Fatalf("messages = %+v", gen.messages)
	}

	snap, ok, err := router.LoadSession(ctx, "1_3", req.Unit, domain.StagePrediction)
	if err != nil || !ok || len(snap.Conversation) != 4 {
		t.Fatalf("snapshot = %+v ok=%v err=%v", snap, ok, err)
	}
	up, err := progress.Get(ctx, "1", "3", req.Unit)
	if err != nil {
		t.Fatalf("progress: %v", err)
	}
	p := up.StageProgress.Prediction
	if !p.Started || p.ConversationCount != 2 || p.LastMessage != req.Message {
		t.Fatalf("prediction progress = %+v", p)
	}
	entries, err := os.ReadDir(filepath.Join(dir, "logs"))
	if err != nil || len(entries) != 1 {
		t.Fatalf("log files = %v err=%v", entries, err)
	}
}

func TestChatGenerationFailureKeepsTranscript(t *testing.T) {
	genErr := &ai.GenerationError{Class: ai.ClassQuota, UserMessage: ai.MsgQuota}
	gen := &stubGenerator{err: genErr}
	tutor, router, _, _ := newTutor(t, gen)
	ctx := context.Background()

	_, err := tutor.Chat(ctx, Request{ClassNumber: "2", StudentNumber: "9", Unit: "u", Stage: domain.StageReflection, Message: "とけた"})
	if !errors.Is(err, genErr) {
		t.Fatalf("err = %v", err)
	}
	if ai.UserMessageOf(err) != ai.MsgQuota {
		t.Fatalf("message = %q", ai.UserMessageOf(err))
	}
	if _, ok, _ := router.LoadSession(ctx, "2_9", "u", domain.StageReflection); ok {
		t.Fatalf("transcript saved after failed generation")
	}
}

func TestChatRejectsEmptyMessage(t *testing.T) {
	tutor, _, _, _ := newTutor(t, &stubGenerator{})
	if _, err := tutor.Chat(context.Background(), Request{ClassNumber: "1", StudentNumber: "1", Unit: "u", Message: "  "}); !errors.Is(err, ErrEmptyMessage) {
		t.Fatalf("err = %v", err)
	}
}
