// Package dialogue runs one student turn of the predict and reflect
// conversations: it appends the student's message to the stored transcript,
// asks the model for the next tutor turn, and records the exchange.
package dialogue

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"sciencebuddy/pkg/ai"
	"sciencebuddy/pkg/domain"
	"sciencebuddy/pkg/store"
	"sciencebuddy/pkg/summary"
)

// ErrEmptyMessage is returned for a blank student message.
var ErrEmptyMessage = errors.New("message is required")

// MsgEmptyMessage is shown when the student sends nothing.
const MsgEmptyMessage = "メッセージが指定されていません"

// summaryAfter is the number of student turns after which a summary is offered.
const summaryAfter = 2

// Request is one student turn.
type Request struct {
	ClassNumber   string
	StudentNumber string
	Unit          string
	Stage         domain.Stage
	Message       string
}

// Response is the tutor's answer and the updated transcript.
type Response struct {
	Reply          string        `json:"response"`
	SuggestSummary bool          `json:"suggest_summary"`
	Conversation   []domain.Turn `json:"conversation"`
}

// Tutor drives the dialogue.
type Tutor struct {
	gen      summary.Generator
	router   *store.Router
	progress *store.ProgressStore
	logs     *store.LogStore
	prompts  summary.Prompts
	logger   *slog.Logger
	now      func() time.Time
}

// NewTutor wires a tutor. progress and logs may be nil.
func NewTutor(gen summary.Generator, router *store.Router, progress *store.ProgressStore, logs *store.LogStore, prompts summary.Prompts, logger *slog.Logger) *Tutor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tutor{gen: gen, router: router, progress: progress, logs: logs, prompts: prompts, logger: logger, now: time.Now}
}

// Chat answers one student message. A failed generation returns the
// *ai.GenerationError and leaves the stored transcript untouched.
func (t *Tutor) Chat(ctx context.Context, req Request) (Response, error) {
	message := strings.TrimSpace(req.Message)
	if message == "" {
		return Response{}, ErrEmptyMessage
	}
	if !req.Stage.Valid() {
		req.Stage = domain.StagePrediction
	}
	identity := domain.Identity(req.ClassNumber, req.StudentNumber)
	logger := t.logger.With("student_id", identity, "unit", req.Unit, "stage", req.Stage)

	var conversation []domain.Turn
	snap, ok, err := t.router.LoadSession(ctx, identity, req.Unit, req.Stage)
	if err != nil {
		logger.Warn("load transcript failed", "err", err)
	} else if ok {
		conversation = snap.Conversation
	}
	conversation = append(conversation, domain.Turn{Role: domain.RoleUser, Content: message})

	reply, err := t.gen.Generate(ctx, t.Messages(req.Unit, req.Stage, conversation), ai.ChatOptions{
		Temperature:       ai.TemperatureFor(string(req.Stage)),
		CacheSystemPrompt: true,
	})
	if err != nil {
		logger.Warn("tutor generation failed", "err", err)
		return Response{}, err
	}
	reply = strings.TrimSpace(ai.ExtractMessage(reply))
	conversation = append(conversation, domain.Turn{Role: domain.RoleAssistant, Content: reply})

	if _, err := t.router.SaveSession(ctx, identity, req.Unit, req.Stage, conversation); err != nil {
		logger.Error("save transcript failed", "err", err)
	}
	studentTurns := CountStudentTurns(conversation)
	if t.progress != nil {
		_, err := t.progress.Update(ctx, req.ClassNumber, req.StudentNumber, req.Unit, func(up *domain.UnitProgress) {
			up.CurrentStage = req.Stage
			switch req.Stage {
			case domain.StagePrediction:
				up.StageProgress.Prediction.Started = true
				up.StageProgress.Prediction.ConversationCount = studentTurns
				up.StageProgress.Prediction.LastMessage = message
			case domain.StageReflection:
				up.StageProgress.Experiment.Completed = true
				up.StageProgress.Reflection.Started = true
				up.StageProgress.Reflection.ConversationCount = studentTurns
			}
		})
		if err != nil {
			logger.Warn("update progress failed", "err", err)
		}
	}
	if t.logs != nil {
		entry := domain.NewLearningLogEntry(t.now(), req.StudentNumber, req.ClassNumber, req.Unit, string(req.Stage)+"_chat", map[string]any{
			"user_message": message,
			"ai_response":  reply,
		})
		if err := t.logs.AppendLearningLog(ctx, entry); err != nil {
			logger.Warn("append learning log failed", "err", err)
		}
	}
	return Response{Reply: reply, SuggestSummary: studentTurns >= summaryAfter, Conversation: conversation}, nil
}

// Messages builds the prompt: the unit prompt as system message, then the
// transcript.
func (t *Tutor) Messages(unit string, stage domain.Stage, conversation []domain.Turn) []ai.Message {
	messages := make([]ai.Message, 0, len(conversation)+1)
	messages = append(messages, ai.Message{Role: string(domain.RoleSystem), Content: t.prompts.Unit(unit, stage)})
	for _, turn := range conversation {
		if turn.Role == domain.RoleSystem {
			continue
		}
		messages = append(messages, ai.Message{Role: string(turn.Role), Content: turn.Content})
	}
	return messages
}

func CountStudentTurns(conversation []domain.Turn) int {
	n := 0
	for _, turn := range conversation {
		if turn.Role == domain.RoleUser {
			n++
		}
	}
	return n
}
