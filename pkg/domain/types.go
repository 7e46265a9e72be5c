package domain

import (
	"strings"
	"time"
)

type Stage string

const (
	StagePrediction Stage = "prediction"
	StageReflection Stage = "reflection"
)

// Valid reports whether s is one of the two dialogue phases.
func (s Stage) Valid() bool {
	return s == StagePrediction || s == StageReflection
}

type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Turn is one message of a student dialogue.
type Turn struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// SessionSnapshot is the persisted conversation for (identity, unit, stage).
type SessionSnapshot struct {
	Timestamp    string `json:"timestamp"`
	StudentID    string `json:"student_id"`
	Unit         string `json:"unit"`
	Stage        Stage  `json:"stage"`
	Conversation []Turn `json:"conversation"`
}

// SummaryRecord is a generated summary for (identity, unit, stage).
type SummaryRecord struct {
	Summary   string `json:"summary"`
	SavedAt   string `json:"saved_at"`
	StudentID string `json:"student_id"`
	Unit      string `json:"unit"`
	Stage     Stage  `json:"stage"`
}

type PredictionProgress struct {
	Started           bool   `json:"started"`
	ConversationCount int    `json:"conversation_count"`
	SummaryCreated    bool   `json:"summary_created"`
	LastMessage       string `json:"last_message"`
}

type ExperimentProgress struct {
	Started   bool `json:"started"`
	Completed bool `json:"completed"`
}

type ReflectionProgress struct {
	Started           bool `json:"started"`
	ConversationCount int  `json:"conversation_count"`
	SummaryCreated    bool `json:"summary_created"`
}

type StageProgress struct {
	Prediction PredictionProgress `json:"prediction"`
	Experiment ExperimentProgress `json:"experiment"`
	Reflection ReflectionProgress `json:"reflection"`
}

// UnitProgress tracks one student's position inside one unit.
type UnitProgress struct {
	CurrentStage                  Stage         `json:"current_stage"`
	LastAccess                    string        `json:"last_access"`
	StageProgress                 StageProgress `json:"stage_progress"`
	ConversationHistory           []Turn        `json:"conversation_history"`
	ReflectionConversationHistory []Turn        `json:"reflection_conversation_history"`
}

// StudentProgress maps unit name to progress.
type StudentProgress map[string]UnitProgress

// ProgressCollection maps identity to that student's progress for every unit.
type ProgressCollection map[string]StudentProgress

// NewUnitProgress returns the initial progress for a unit never visited.
func NewUnitProgress(now time.Time) UnitProgress {
	return UnitProgress{
		CurrentStage:                  StagePrediction,
		LastAccess:                    now.Format(TimestampLayout),
		ConversationHistory:           []Turn{},
		ReflectionConversationHistory: []Turn{},
	}
}

// TimestampLayout is the ISO-8601 layout used in every persisted document.
const TimestampLayout = "2006-01-02T15:04:05.000000"

// Identity builds the persistence identity for a class/seat pair.
func Identity(classNumber, studentNumber string) string {
	return NormalizeClass(classNumber) + "_" + strings.TrimSpace(studentNumber)
}

// NormalizeClass maps the lab alias to class 5 and trims whitespace.
// Empty input yields "".
func NormalizeClass(class string) string {
	class = strings.TrimSpace(class)
	if strings.EqualFold(class, "lab") {
		return "5"
	}
	return class
}

// LegacyIdentities lists older identity spellings that should be migrated to id.
func LegacyIdentities(classNumber, studentNumber string) []string {
	if NormalizeClass(classNumber) != "5" {
		return nil
	}
	return []string{"lab_" + strings.TrimSpace(studentNumber)}
}

// RecordKey is the join key for session snapshots and summaries across all backends.
func RecordKey(identity, unit string, stage Stage) string {
	return identity + "_" + unit + "_" + string(stage)
}

// ProgressKey is the join key for per-unit progress.
func ProgressKey(identity, unit string) string {
	return identity + "_" + unit
}

// SplitIdentity returns the class and seat parts of an identity.
func SplitIdentity(identity string) (class, seat string, ok bool) {
	class, seat, ok = strings.Cut(identity, "_")
	if !ok || class == "" || seat == "" {
		return "", "", false
	}
	return class, seat, true
}
