package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"sciencebuddy/internal/ratelimit"
	"sciencebuddy/pkg/ai"
	"sciencebuddy/pkg/auth"
	"sciencebuddy/pkg/dialogue"
	"sciencebuddy/pkg/domain"
	"sciencebuddy/pkg/filestore"
	"sciencebuddy/pkg/queue"
	"sciencebuddy/pkg/session"
	"sciencebuddy/pkg/store"
	"sciencebuddy/pkg/summary"
)

const testSecret = "classroom-secret-0123456789"

type fakeGenerator struct {
	reply string
	err   error
	calls int
}

func (f *fakeGenerator) Generate(_ context.Context, _ []ai.Message, _ ai.ChatOptions) (string, error) {
	f.calls++
	return f.reply, f.err
}

type testEnv struct {
	srv      *httptest.Server
	router   *store.Router
	progress *store.ProgressStore
	gen      *fakeGenerator
}

type envOptions struct {
	queue          queue.JobQueue
	summaryLimiter ratelimit.Limiter
}

func newTestEnv(t *testing.T, opts envOptions) *testEnv {
	t.Helper()
	dir := t.TempDir()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	files := filestore.New()
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
	gen := &fakeGenerator{reply: "ふくらむと思う。なぜなら、お風呂でボールがふくらんだから。"}
	prompts := summary.NewPrompts("")
	task := summary.NewTask(gen, router, progress, logs, prompts, logger)
	dispatcher := queue.NewDispatcher(opts.queue, task.Run, queue.DispatcherConfig{Task: summary.TaskName, Logger: logger})
	tokens, err := session.NewIssuer(testSecret, time.Hour)
	if err != nil {
		t.Fatalf("issuer: %v", err)
	}
	hash, err := auth.HashPassword("rika-no-jikan")
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	s, err := New(Config{
		Registry:       session.NewMemoryRegistry(),
		Tokens:         tokens,
		Router:         router,
		Progress:       progress,
		Logs:           logs,
		Dispatcher:     dispatcher,
		Tutor:          dialogue.NewTutor(gen, router, progress, logs, prompts, logger),
		Teachers:       auth.Accounts{"sensei": hash},
		SummaryLimiter: opts.summaryLimiter,
		Logger:         logger,
	})
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	srv := httptest.NewServer(s.Router())
	t.Cleanup(srv.Close)
	return &testEnv{srv: srv, router: router, progress: progress, gen: gen}
}

func (e *testEnv) do(t *testing.T, method, path, token, userAgent string, body any) (*http.Response, map[string]any) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, e.srv.URL+path, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if userAgent != "" {
		req.Header.Set("User-Agent", userAgent)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	out := map[string]any{}
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp, out
}

func (e *testEnv) enter(t *testing.T, class, number, userAgent string) (string, bool) {
	t.Helper()
	resp, out := e.do(t, http.MethodPost, "/api/session/enter", "", userAgent, map[string]string{"class": class, "number": number})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("enter status = %d body=%v", resp.StatusCode, out)
	}
	token, _ := out["token"].(string)
	evicted, _ := out["evicted"].(bool)
	return token, evicted
}

var substantiveTalk = []domain.Turn{
	{Role: domain.RoleAssistant, Content: "空気をあたためるとどうなると思う？"},
	{Role: domain.RoleUser, Content: "ふくらむと思う"},
	{Role: domain.RoleUser, Content: "お風呂でボールがふくらんだから"},
}

func TestHealthz(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	resp, out := env.do(t, http.MethodGet, "/healthz", "", "", nil)
	if resp.StatusCode != http.StatusOK || out["status"] != "ok" || out["async"] != false {
		t.Fatalf("healthz = %d %v", resp.StatusCode, out)
	}
	if resp.Header.Get("X-Request-Id") == "" {
		t.Fatalf("expected request id header")
	}
}

func TestEnterFromSecondDeviceEvictsFirst(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	first, evicted := env.enter(t, "lab", "12", "tablet-a")
	if evicted {
		t.Fatalf("first entry reported eviction")
	}
	resp, _ := env.do(t, http.MethodGet, "/api/progress", first, "tablet-a", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("first token rejected: %d", resp.StatusCode)
	}

	second, evicted := env.enter(t, "5", "12", "tablet-b")
	if !evicted {
		t.Fatalf("second device entry did not evict")
	}
	resp, out := env.do(t, http.MethodGet, "/api/progress", first, "tablet-a", nil)
	if resp.StatusCode != http.StatusUnauthorized || out["error"] != msgSessionReplaced {
		t.Fatalf("evicted token = %d %v", resp.StatusCode, out)
	}
	resp, out = env.do(t, http.MethodGet, "/api/progress", second, "tablet-b", nil)
	if resp.StatusCode != http.StatusOK || out["student_id"] != "5_12" {
		t.Fatalf("second token = %d %v", resp.StatusCode, out)
	}

	resp, _ = env.do(t, http.MethodPost, "/api/session/clear", second, "tablet-b", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("clear = %d", resp.StatusCode)
	}
	resp, _ = env.do(t, http.MethodGet, "/api/progress", second, "tablet-b", nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("cleared token = %d", resp.StatusCode)
	}
}

func TestEnterSameDeviceKeepsSession(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	first, _ := env.enter(t, "1", "3", "tablet-a")
	_, evicted := env.enter(t, "1", "3", "tablet-a")
	if evicted {
		t.Fatalf("same device re-entry evicted")
	}
	resp, _ := env.do(t, http.MethodGet, "/api/progress", first, "tablet-a", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("first token after same-device re-entry = %d", resp.StatusCode)
	}
}

func TestSummaryRejectsInsufficientConversation(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	token, _ := env.enter(t, "1", "3", "ua")
	resp, out := env.do(t, http.MethodPost, "/api/summary", token, "ua", map[string]any{
		"unit":         "空気の温度と体積",
		"stage":        "prediction",
		"conversation": []domain.Turn{{Role: domain.RoleAssistant, Content: "どう思う？"}},
	})
	if resp.StatusCode != http.StatusBadRequest || out["is_insufficient"] != true || out["error"] != summary.MsgNothingSaid {
		t.Fatalf("summary = %d %v", resp.StatusCode, out)
	}
	if env.gen.calls != 0 {
		t.Fatalf("generator called for insufficient conversation")
	}
}

func TestSummaryInlineThenCached(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	token, _ := env.enter(t, "1", "3", "ua")
	body := map[string]any{"unit": "空気の温度と体積", "stage": "prediction", "conversation": substantiveTalk}

	resp, out := env.do(t, http.MethodPost, "/api/summary", token, "ua", body)
	if resp.StatusCode != http.StatusOK || out["summary"] != env.gen.reply {
		t.Fatalf("summary = %d %v", resp.StatusCode, out)
	}
	up, err := env.progress.Get(context.Background(), "1", "3", "空気の温度と体積")
	if err != nil || !up.StageProgress.Prediction.SummaryCreated {
		t.Fatalf("progress = %+v err=%v", up, err)
	}

	resp, out = env.do(t, http.MethodPost, "/api/summary", token, "ua", body)
	if resp.StatusCode != http.StatusOK || out["cached"] != true {
		t.Fatalf("second summary = %d %v", resp.StatusCode, out)
	}
	if env.gen.calls != 1 {
		t.Fatalf("generator calls = %d, want 1", env.gen.calls)
	}
}

func TestSummaryGenerationFailureShowsStudentMessage(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	env.gen.err = &ai.GenerationError{Class: ai.ClassAuth, UserMessage: ai.MsgAuth}
	token, _ := env.enter(t, "1", "3", "ua")
	resp, out := env.do(t, http.MethodPost, "/api/summary", token, "ua", map[string]any{
		"unit": "u", "stage": "prediction", "conversation": substantiveTalk,
	})
	if resp.StatusCode != http.StatusInternalServerError || out["error"] != ai.MsgAuth {
		t.Fatalf("summary = %d %v", resp.StatusCode, out)
	}
	if _, found, _ := env.router.LoadSummary(context.Background(), "1_3", "u", domain.StagePrediction); found {
		t.Fatalf("summary stored after failed generation")
	}
}

func TestSummaryRateLimitedPerStudent(t *testing.T) {
	limiter, err := ratelimit.NewMemoryFixedWindowLimiter(1, time.Minute)
	if err != nil {
		t.Fatalf("limiter: %v", err)
	}
	env := newTestEnv(t, envOptions{summaryLimiter: limiter})
	token, _ := env.enter(t, "1", "3", "ua")
	body := map[string]any{"unit": "u", "stage": "prediction", "conversation": substantiveTalk, "regenerate": true}
	if resp, _ := env.do(t, http.MethodPost, "/api/summary", token, "ua", body); resp.StatusCode != http.StatusOK {
		t.Fatalf("first summary = %d", resp.StatusCode)
	}
	resp, _ := env.do(t, http.MethodPost, "/api/summary", token, "ua", body)
	if resp.StatusCode != http.StatusTooManyRequests || resp.Header.Get("Retry-After") != "60" {
		t.Fatalf("second summary = %d", resp.StatusCode)
	}
	other, _ := env.enter(t, "1", "4", "ua")
	if resp, _ := env.do(t, http.MethodPost, "/api/summary", other, "ua", body); resp.StatusCode != http.StatusOK {
		t.Fatalf("other student summary = %d", resp.StatusCode)
	}
}

func TestSummaryQueuedAndPolled(t *testing.T) {
	mr := miniredis.RunT(t)
	q, err := queue.NewRedisJobQueue(queue.RedisQueueConfig{
		Addr:   mr.Addr(),
		Stream: "test:summary",
		Group:  "test-workers",
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if err != nil {
		t.Fatalf("queue: %v", err)
	}
	t.Cleanup(func() { _ = q.Close() })
	env := newTestEnv(t, envOptions{queue: q})
	token, _ := env.enter(t, "2", "8", "ua")

	resp, out := env.do(t, http.MethodPost, "/api/summary", token, "ua", map[string]any{
		"unit": "u", "stage": "reflection", "conversation": substantiveTalk,
	})
	if resp.StatusCode != http.StatusAccepted || out["status"] != "queued" {
		t.Fatalf("summary = %d %v", resp.StatusCode, out)
	}
	jobID, _ := out["job_id"].(string)
	if jobID == "" {
		t.Fatalf("missing job id: %v", out)
	}
	resp, out = env.do(t, http.MethodGet, "/api/jobs/"+jobID, "", "", nil)
	if resp.StatusCode != http.StatusOK || out["status"] != "queued" {
		t.Fatalf("job status = %d %v", resp.StatusCode, out)
	}
	resp, out = env.do(t, http.MethodGet, "/api/jobs/does-not-exist", "", "", nil)
	if resp.StatusCode != http.StatusNotFound || out["status"] != "unknown" {
		t.Fatalf("unknown job = %d %v", resp.StatusCode, out)
	}
	if env.gen.calls != 0 {
		t.Fatalf("queued submission ran inline")
	}
}

func TestJobStatusWithoutQueue(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	resp, out := env.do(t, http.MethodGet, "/api/jobs/abc", "", "", nil)
	if resp.StatusCode != http.StatusServiceUnavailable || out["error"] != msgJobsUnavailable {
		t.Fatalf("job status = %d %v", resp.StatusCode, out)
	}
}

func TestSyncSessionAndSnapshot(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	token, _ := env.enter(t, "1", "3", "ua")

	resp, _ := env.do(t, http.MethodPost, "/api/sync-session", token, "ua", map[string]any{
		"student_id": "1_4", "unit": "u", "stage": "prediction", "chat_messages": substantiveTalk,
	})
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("mismatched sync = %d", resp.StatusCode)
	}
	resp, _ = env.do(t, http.MethodPost, "/api/sync-session", token, "ua", map[string]any{
		"student_id": "1_3", "unit": "u", "chat_messages": substantiveTalk,
	})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("sync without stage = %d", resp.StatusCode)
	}
	resp, out := env.do(t, http.MethodPost, "/api/sync-session", token, "ua", map[string]any{
		"student_id": "1_3", "unit": "u", "stage": "prediction", "chat_messages": substantiveTalk, "summary_content": "ふくらむと思う。",
	})
	if resp.StatusCode != http.StatusOK || out["success"] != true {
		t.Fatalf("sync = %d %v", resp.StatusCode, out)
	}

	resp, out = env.do(t, http.MethodGet, "/api/session-snapshot?unit=u&stage=prediction", token, "ua", nil)
	if resp.StatusCode != http.StatusOK || out["found"] != true || out["summary"] != "ふくらむと思う。" {
		t.Fatalf("snapshot = %d %v", resp.StatusCode, out)
	}
	if conv, _ := out["conversation"].([]any); len(conv) != len(substantiveTalk) {
		t.Fatalf("conversation = %v", out["conversation"])
	}
}

func TestChatReturnsTutorReply(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	env.gen.reply = `{"message":"どうしてそう思ったの？"}`
	token, _ := env.enter(t, "1", "3", "ua")
	resp, out := env.do(t, http.MethodPost, "/api/chat", token, "ua", map[string]any{"unit": "u", "message": "ふくらむ"})
	if resp.StatusCode != http.StatusOK || out["response"] != "どうしてそう思ったの？" || out["suggest_summary"] != false {
		t.Fatalf("chat = %d %v", resp.StatusCode, out)
	}
	resp, _ = env.do(t, http.MethodPost, "/api/chat", token, "ua", map[string]any{"unit": "u", "message": " "})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("empty chat = %d", resp.StatusCode)
	}
	env.gen.err = &ai.GenerationError{Class: ai.ClassTransient, UserMessage: ai.MsgNetwork}
	resp, out = env.do(t, http.MethodPost, "/api/chat", token, "ua", map[string]any{"unit": "u", "message": "もう一回"})
	if resp.StatusCode != http.StatusBadGateway || out["error"] != ai.MsgNetwork {
		t.Fatalf("failed chat = %d %v", resp.StatusCode, out)
	}
}

func TestTeacherEndpoints(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	student, _ := env.enter(t, "1", "3", "ua")
	if resp, _ := env.do(t, http.MethodPost, "/api/summary", student, "ua", map[string]any{
		"unit": "u", "stage": "prediction", "conversation": substantiveTalk,
	}); resp.StatusCode != http.StatusOK {
		t.Fatalf("summary = %d", resp.StatusCode)
	}

	resp, _ := env.do(t, http.MethodPost, "/api/teacher/login", "", "", map[string]string{"teacher_id": "sensei", "password": "wrong"})
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("bad login = %d", resp.StatusCode)
	}
	resp, out := env.do(t, http.MethodPost, "/api/teacher/login", "", "", map[string]string{"teacher_id": "sensei", "password": "rika-no-jikan"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("login = %d %v", resp.StatusCode, out)
	}
	teacher, _ := out["token"].(string)

	if resp, _ := env.do(t, http.MethodGet, "/api/teacher/progress", student, "ua", nil); resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("student token on teacher route = %d", resp.StatusCode)
	}
	resp, out = env.do(t, http.MethodGet, "/api/teacher/progress?class=1", teacher, "", nil)
	students, _ := out["students"].([]any)
	if resp.StatusCode != http.StatusOK || len(students) != 1 {
		t.Fatalf("progress = %d %v", resp.StatusCode, out)
	}
	resp, out = env.do(t, http.MethodGet, "/api/teacher/progress?class=2", teacher, "", nil)
	if students, _ := out["students"].([]any); resp.StatusCode != http.StatusOK || len(students) != 0 {
		t.Fatalf("class 2 progress = %d %v", resp.StatusCode, out)
	}

	resp, out = env.do(t, http.MethodGet, "/api/teacher/summaries?student_id=1_3&unit=u&stage=prediction", teacher, "", nil)
	if resp.StatusCode != http.StatusOK || out["summary"] != env.gen.reply {
		t.Fatalf("summary = %d %v", resp.StatusCode, out)
	}
	resp, _ = env.do(t, http.MethodGet, "/api/teacher/summaries?student_id=1_3&unit=u&stage=reflection", teacher, "", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("missing summary = %d", resp.StatusCode)
	}
	resp, out = env.do(t, http.MethodGet, "/api/teacher/summaries?unit=u", teacher, "", nil)
	if list, _ := out["summaries"].([]any); resp.StatusCode != http.StatusOK || len(list) != 1 {
		t.Fatalf("summaries = %d %v", resp.StatusCode, out)
	}

	resp, out = env.do(t, http.MethodGet, "/api/teacher/logs", teacher, "", nil)
	if entries, _ := out["entries"].([]any); resp.StatusCode != http.StatusOK || len(entries) != 1 {
		t.Fatalf("logs = %d %v", resp.StatusCode, out)
	}
	resp, _ = env.do(t, http.MethodGet, "/api/teacher/logs?date=../../etc", teacher, "", nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad date = %d", resp.StatusCode)
	}
}

func TestReportErrorKeepsClientFields(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	student, _ := env.enter(t, "2", "8", "ua")
	resp, out := env.do(t, http.MethodPost, "/api/report-error", student, "ua", map[string]any{
		"error_message":   "送信に失敗しました",
		"error_type":      "network",
		"stage":           "prediction",
		"unit":            "u",
		"additional_info": map[string]any{"retry": 2},
	})
	if resp.StatusCode != http.StatusOK || out["status"] != "success" {
		t.Fatalf("report-error = %d %v", resp.StatusCode, out)
	}

	_, out = env.do(t, http.MethodPost, "/api/teacher/login", "", "", map[string]string{"teacher_id": "sensei", "password": "rika-no-jikan"})
	teacher, _ := out["token"].(string)
	resp, out = env.do(t, http.MethodGet, "/api/teacher/logs?kind=error", teacher, "", nil)
	entries, _ := out["entries"].([]any)
	if resp.StatusCode != http.StatusOK || len(entries) != 1 {
		t.Fatalf("error logs = %d %v", resp.StatusCode, out)
	}
	entry, _ := entries[0].(map[string]any)
	info, _ := entry["additional_info"].(map[string]any)
	if entry["error_message"] != "送信に失敗しました" || entry["error_type"] != "network" || info["retry"] != float64(2) {
		t.Fatalf("entry = %v", entry)
	}
}
