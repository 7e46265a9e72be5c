// Package summary turns a student's dialogue into a short note-ready summary.
// The same Task runs inline in the server and inside queue workers; it takes
// everything it needs from a serialized Payload.
package summary

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"sciencebuddy/internal/util"
	"sciencebuddy/pkg/ai"
	"sciencebuddy/pkg/domain"
	"sciencebuddy/pkg/store"
)

// TaskName identifies summary jobs on the queue.
const TaskName = "summary"

// DefaultModel is used when neither the payload nor the task names a model.
const DefaultModel = "gpt-4o-mini"

const closingRequest = "これまでの話をもとに、予想をまとめてください。児童の話した順序と言葉を活かし、口語を自然な書き言葉に整えてください。会話に含まれていない内容は追加しないでください。"

const predictionInstruction = "以下の会話内容のみをもとに、児童の話した言葉や順序を活かして予想をまとめてください。" +
	"児童が自分のノートにそのまま写せる、短い1〜2文にしてください。" +
	"「〜と思う。なぜなら〜。」の形で、むずかしい言い回しや第三者目線（例:「児童は〜」）は使わないでください。" +
	"会話に含まれていない内容や新しい事実は追加しないでください。"

const reflectionInstruction = "以下の会話内容のみをもとに、児童の話した言葉や順序を活かして考察をまとめてください。" +
	"予想と実験結果を比べて分かったことを、短い1〜2文にしてください。" +
	"会話に含まれていない内容や新しい事実は追加しないでください。"

// Payload is everything a summary job needs.
type Payload struct {
	Conversation  []domain.Turn `json:"conversation"`
	Unit          string        `json:"unit"`
	Stage         domain.Stage  `json:"stage"`
	StudentID     string        `json:"student_id"`
	ClassNumber   string        `json:"class_number"`
	StudentNumber string        `json:"student_number"`
	Model         string        `json:"model,omitempty"`
}

// Generator is the generation capability the task needs.
type Generator interface {
	Generate(ctx context.Context, messages []ai.Message, opts ai.ChatOptions) (string, error)
}

// Failure is a task error whose text is safe to show the student.
type Failure struct {
	Message string
	Err     error
}

func (f *Failure) Error() string { return f.Message }
func (f *Failure) Unwrap() error { return f.Err }

// MsgSaveFailed is returned when the summary could not be stored anywhere.
const MsgSaveFailed = "まとめを保存できませんでした。しばらく待ってから再度お試しください。"

// Task generates and persists summaries.
type Task struct {
	gen      Generator
	router   *store.Router
	progress *store.ProgressStore
	logs     *store.LogStore
	prompts  Prompts
	model    string
	logger   *slog.Logger
	now      func() time.Time
}

// NewTask wires a summary task. logs may be nil.
func NewTask(gen Generator, router *store.Router, progress *store.ProgressStore, logs *store.LogStore, prompts Prompts, logger *slog.Logger) *Task {
	if logger == nil {
		logger = slog.Default()
	}
	return &Task{gen: gen, router: router, progress: progress, logs: logs, prompts: prompts, logger: logger, now: time.Now}
}

// WithModel sets the model used for payloads that do not name one.
func (t *Task) WithModel(model string) *Task {
	t.model = strings.TrimSpace(model)
	return t
}

// Run decodes a serialized payload and executes it. It is the queue handler
// and the inline fallback.
func (t *Task) Run(ctx context.Context, raw []byte) (string, error) {
	var p Payload
	if err := json.Unmarshal(raw, &p); err != nil {
		return "", fmt.Errorf("decode summary payload: %w", err)
	}
	return t.Execute(ctx, p)
}

// Execute generates the summary, stores it, flags progress, and writes a
// learning log line. The steps are not transactional: a crash after the save
// leaves the summary stored without the progress flag.
func (t *Task) Execute(ctx context.Context, p Payload) (string, error) {
	if !p.Stage.Valid() {
		p.Stage = domain.StagePrediction
	}
	if p.StudentID == "" {
		p.StudentID = domain.Identity(p.ClassNumber, p.StudentNumber)
	}
	logger := t.logger.With("student_id", p.StudentID, "unit", p.Unit, "stage", p.Stage)
	if id := util.RequestIDFromContext(ctx); id != "" {
		logger = logger.With("request_id", id)
	}

	reply, err := t.gen.Generate(ctx, t.Messages(p), ai.ChatOptions{
		Model:             firstNonEmpty(p.Model, t.model, DefaultModel),
		Temperature:       ai.TemperatureFor(string(p.Stage)),
		CacheSystemPrompt: true,
	})
	if err != nil {
		logger.Warn("summary generation failed", "err", err)
		return "", &Failure{Message: ai.UserMessageOf(err), Err: err}
	}
	text := strings.TrimSpace(ai.ExtractMessage(reply))

	if _, err := t.router.SaveSummary(ctx, p.StudentID, p.Unit, p.Stage, text); err != nil {
		logger.Error("save summary failed", "err", err)
		return "", &Failure{Message: MsgSaveFailed, Err: err}
	}

	if t.progress != nil {
		if _, err := t.progress.MarkSummaryCreated(ctx, p.ClassNumber, p.StudentNumber, p.Unit, p.Stage); err != nil {
			logger.Warn("update progress failed", "err", err)
		}
	}
	if t.logs != nil {
		entry := domain.NewLearningLogEntry(t.now(), p.StudentNumber, p.ClassNumber, p.Unit, string(p.Stage)+"_summary", map[string]any{
			"summary":      text,
			"conversation": p.Conversation,
		})
		if err := t.logs.AppendLearningLog(ctx, entry); err != nil {
			logger.Warn("append learning log failed", "err", err)
		}
	}
	logger.Info("summary created", "chars", len([]rune(text)))
	return text, nil
}

// Messages builds the prompt: unit prompt and instruction as the system
// message, the dialogue, then the closing request.
func (t *Task) Messages(p Payload) []ai.Message {
	instruction := predictionInstruction
	if p.Stage == domain.StageReflection {
		instruction = reflectionInstruction
	}
	messages := make([]ai.Message, 0, len(p.Conversation)+2)
	messages = append(messages, ai.Message{
		Role:    string(domain.RoleSystem),
		Content: t.prompts.Unit(p.Unit, p.Stage) + "\n\n【重要】" + instruction,
	})
	for _, turn := range p.Conversation {
		if turn.Role == domain.RoleSystem {
			continue
		}
		messages = append(messages, ai.Message{Role: string(turn.Role), Content: turn.Content})
	}
	closing := closingRequest
	if p.Stage == domain.StageReflection {
		closing = strings.Replace(closing, "予想", "考察", 1)
	}
	return append(messages, ai.Message{Role: string(domain.RoleUser), Content: closing})
}

// UserMessage returns the student-facing text for a task error.
func UserMessage(err error) string {
	var f *Failure
	if errors.As(err, &f) {
		return f.Message
	}
	var ie *InsufficientError
	if errors.As(err, &ie) {
		return ie.Message
	}
	return ai.MsgUnavailable
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}
