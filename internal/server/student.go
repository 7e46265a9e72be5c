package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"sciencebuddy/internal/util"
	"sciencebuddy/pkg/ai"
	"sciencebuddy/pkg/dialogue"
	"sciencebuddy/pkg/domain"
	"sciencebuddy/pkg/queue"
	"sciencebuddy/pkg/session"
	"sciencebuddy/pkg/store"
	"sciencebuddy/pkg/summary"
)

type enterRequest struct {
	Class  string `json:"class"`
	Number string `json:"number"`
}

type unitOverview struct {
	CurrentStage domain.Stage `json:"current_stage"`
	Status       string       `json:"status"`
	LastAccess   string       `json:"last_access"`
}

type enterResponse struct {
	Token     string                  `json:"token"`
	StudentID string                  `json:"student_id"`
	Evicted   bool                    `json:"evicted"`
	Progress  map[string]unitOverview `json:"progress"`
}

func (s *Server) handleEnter(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	if !s.allowRate(w, r, s.loginLimiter, s.clientIP(r)) {
		s.audit(r, "session.enter", "rate_limited")
		return
	}
	var req enterRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, msgInvalidJSON)
		return
	}
	class := domain.NormalizeClass(req.Class)
	number := strings.TrimSpace(req.Number)
	if class == "" || number == "" || strings.Contains(number, "_") {
		writeError(w, http.StatusBadRequest, msgMissingParams)
		return
	}
	ctx := r.Context()
	identity := domain.Identity(class, number)
	fingerprint := session.Fingerprint(r.UserAgent(), s.clientIP(r))
	res, err := session.Enter(ctx, s.registry, identity, fingerprint)
	if err != nil {
		util.LoggerFromContext(ctx).Error("session enter failed", "student_id", identity, "err", err)
		writeError(w, http.StatusServiceUnavailable, util.MsgInternal)
		return
	}
	token, err := s.tokens.Issue(session.RoleStudent, identity, res.Handle)
	if err != nil {
		util.LoggerFromContext(ctx).Error("issue student token failed", "student_id", identity, "err", err)
		writeError(w, http.StatusInternalServerError, util.MsgInternal)
		return
	}
	overview := map[string]unitOverview{}
	sp, err := s.progress.Student(ctx, class, number)
	if err != nil {
		util.LoggerFromContext(ctx).Warn("load progress failed", "student_id", identity, "err", err)
	}
	for unit, up := range sp {
		overview[unit] = unitOverview{CurrentStage: up.CurrentStage, Status: store.Summary(up), LastAccess: up.LastAccess}
	}
	s.audit(r, "session.enter", "success", "student_id", identity, "evicted", res.Evicted)
	writeJSON(w, http.StatusOK, enterResponse{Token: token, StudentID: identity, Evicted: res.Evicted, Progress: overview})
}

func (s *Server) handleClear(w http.ResponseWriter, r *http.Request, p studentPrincipal) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	if err := s.registry.Clear(r.Context(), p.Handle); err != nil {
		util.LoggerFromContext(r.Context()).Error("session clear failed", "student_id", p.Identity, "err", err)
		writeError(w, http.StatusServiceUnavailable, util.MsgInternal)
		return
	}
	s.audit(r, "session.clear", "success", "student_id", p.Identity)
	writeJSON(w, http.StatusOK, map[string]string{"status": "cleared"})
}

func parseStage(raw string) (domain.Stage, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return domain.StagePrediction, true
	}
	stage := domain.Stage(raw)
	return stage, stage.Valid()
}

type snapshotResponse struct {
	Found        bool          `json:"found"`
	Timestamp    string        `json:"timestamp,omitempty"`
	Conversation []domain.Turn `json:"conversation"`
	Summary      string        `json:"summary,omitempty"`
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request, p studentPrincipal) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	unit := strings.TrimSpace(r.URL.Query().Get("unit"))
	stage, ok := parseStage(r.URL.Query().Get("stage"))
	if unit == "" || !ok {
		writeError(w, http.StatusBadRequest, msgMissingParams)
		return
	}
	ctx := r.Context()
	resp := snapshotResponse{Conversation: []domain.Turn{}}
	snap, found, err := s.router.LoadSession(ctx, p.Identity, unit, stage)
	if err != nil {
		util.LoggerFromContext(ctx).Warn("load snapshot failed", "student_id", p.Identity, "err", err)
	}
	if found {
		resp.Found = true
		resp.Timestamp = snap.Timestamp
		resp.Conversation = snap.Conversation
	}
	if rec, ok, err := s.router.LoadSummary(ctx, p.Identity, unit, stage); err == nil && ok {
		resp.Summary = rec.Summary
	}
	writeJSON(w, http.StatusOK, resp)
}

type syncSessionRequest struct {
	StudentID      string        `json:"student_id"`
	Unit           string        `json:"unit"`
	Stage          string        `json:"stage"`
	ChatMessages   []domain.Turn `json:"chat_messages"`
	SummaryContent string        `json:"summary_content"`
}

func (s *Server) handleSyncSession(w http.ResponseWriter, r *http.Request, p studentPrincipal) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var req syncSessionRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, msgInvalidJSON)
		return
	}
	unit := strings.TrimSpace(req.Unit)
	if unit == "" || strings.TrimSpace(req.Stage) == "" {
		writeError(w, http.StatusBadRequest, msgMissingParams)
		return
	}
	stage, ok := parseStage(req.Stage)
	if !ok {
		writeError(w, http.StatusBadRequest, msgMissingParams)
		return
	}
	if id := strings.TrimSpace(req.StudentID); id != "" && id != p.Identity {
		s.audit(r, "session.sync", "fail", "student_id", p.Identity, "reason", "identity_mismatch")
		writeError(w, http.StatusForbidden, msgForbidden)
		return
	}
	ctx := r.Context()
	logger := util.LoggerFromContext(ctx)
	if _, err := s.router.SaveSession(ctx, p.Identity, unit, stage, req.ChatMessages); err != nil {
		logger.Error("sync session failed", "student_id", p.Identity, "unit", unit, "err", err)
		writeError(w, http.StatusInternalServerError, msgStorageFailed)
		return
	}
	if strings.TrimSpace(req.SummaryContent) != "" {
		if _, err := s.router.SaveSummary(ctx, p.Identity, unit, stage, req.SummaryContent); err != nil {
			logger.Error("sync summary failed", "student_id", p.Identity, "unit", unit, "err", err)
			writeError(w, http.StatusInternalServerError, msgStorageFailed)
			return
		}
	}
	logger.Info("session synced", "student_id", p.Identity, "unit", unit, "stage", stage)
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "message": "セッションをサーバーに同期しました"})
}

type chatRequest struct {
	Unit    string `json:"unit"`
	Stage   string `json:"stage"`
	Message string `json:"message"`
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request, p studentPrincipal) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	if s.tutor == nil {
		writeError(w, http.StatusServiceUnavailable, ai.MsgNotConfigured)
		return
	}
	var req chatRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, msgInvalidJSON)
		return
	}
	stage, ok := parseStage(req.Stage)
	unit := strings.TrimSpace(req.Unit)
	if unit == "" || !ok {
		writeError(w, http.StatusBadRequest, msgMissingParams)
		return
	}
	resp, err := s.tutor.Chat(r.Context(), dialogue.Request{
		ClassNumber:   p.ClassNumber,
		StudentNumber: p.StudentNumber,
		Unit:          unit,
		Stage:         stage,
		Message:       req.Message,
	})
	switch {
	case errors.Is(err, dialogue.ErrEmptyMessage):
		writeError(w, http.StatusBadRequest, dialogue.MsgEmptyMessage)
		return
	case err != nil:
		writeError(w, http.StatusBadGateway, ai.UserMessageOf(err))
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

type summaryRequest struct {
	Unit         string        `json:"unit"`
	Stage        string        `json:"stage"`
	Conversation []domain.Turn `json:"conversation"`
	Regenerate   bool          `json:"regenerate"`
}

func (s *Server) handleSummary(w http.ResponseWriter, r *http.Request, p studentPrincipal) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	if !s.allowRate(w, r, s.summaryLimiter, p.Identity) {
		s.audit(r, "summary.submit", "rate_limited", "student_id", p.Identity)
		return
	}
	var req summaryRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, msgInvalidJSON)
		return
	}
	unit := strings.TrimSpace(req.Unit)
	stage, ok := parseStage(req.Stage)
	if unit == "" || !ok {
		writeError(w, http.StatusBadRequest, msgMissingParams)
		return
	}
	ctx := r.Context()
	logger := util.LoggerFromContext(ctx).With("student_id", p.Identity, "unit", unit, "stage", stage)

	if !req.Regenerate {
		if rec, found, err := s.router.LoadSummary(ctx, p.Identity, unit, stage); err == nil && found {
			writeJSON(w, http.StatusOK, map[string]any{"summary": rec.Summary, "cached": true})
			return
		}
	}
	conversation := req.Conversation
	if len(conversation) == 0 {
		if snap, found, err := s.router.LoadSession(ctx, p.Identity, unit, stage); err == nil && found {
			conversation = snap.Conversation
		}
	}
	if err := summary.Validate(conversation); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": summary.UserMessage(err), "is_insufficient": true})
		return
	}

	payload, err := json.Marshal(summary.Payload{
		Conversation:  conversation,
		Unit:          unit,
		Stage:         stage,
		StudentID:     p.Identity,
		ClassNumber:   p.ClassNumber,
		StudentNumber: p.StudentNumber,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, util.MsgInternal)
		return
	}
	sub, err := s.dispatcher.Submit(ctx, payload)
	if err != nil {
		logger.Error("summary submit failed", "err", err)
		s.reportError(r, p, err.Error(), "summary_exception", string(stage), unit)
		var failure *summary.Failure
		if errors.As(err, &failure) {
			writeError(w, http.StatusInternalServerError, failure.Message)
			return
		}
		writeError(w, http.StatusInternalServerError, msgSummaryFailed)
		return
	}
	if sub.Queued() {
		writeJSON(w, http.StatusAccepted, map[string]any{"job_id": sub.JobID, "status": sub.Status})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"summary": sub.Result})
}

func (s *Server) handleProgress(w http.ResponseWriter, r *http.Request, p studentPrincipal) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	ctx := r.Context()
	unit := strings.TrimSpace(r.URL.Query().Get("unit"))
	if unit == "" {
		sp, err := s.progress.Student(ctx, p.ClassNumber, p.StudentNumber)
		if err != nil {
			util.LoggerFromContext(ctx).Error("load progress failed", "student_id", p.Identity, "err", err)
			writeError(w, http.StatusInternalServerError, util.MsgInternal)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"student_id": p.Identity, "units": sp})
		return
	}
	up, err := s.progress.Get(ctx, p.ClassNumber, p.StudentNumber, unit)
	if err != nil {
		util.LoggerFromContext(ctx).Error("load progress failed", "student_id", p.Identity, "err", err)
		writeError(w, http.StatusInternalServerError, util.MsgInternal)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"student_id": p.Identity, "unit": unit, "progress": up, "status": store.Summary(up)})
}

type reportErrorRequest struct {
	ErrorMessage   string         `json:"error_message"`
	ErrorType      string         `json:"error_type"`
	Stage          string         `json:"stage"`
	Unit           string         `json:"unit"`
	AdditionalInfo map[string]any `json:"additional_info"`
}

func (s *Server) handleReportError(w http.ResponseWriter, r *http.Request, p studentPrincipal) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var req reportErrorRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, msgInvalidJSON)
		return
	}
	if s.logs == nil {
		writeError(w, http.StatusServiceUnavailable, msgStorageFailed)
		return
	}
	message := strings.TrimSpace(req.ErrorMessage)
	if message == "" {
		message = "不明なエラー"
	}
	errType := strings.TrimSpace(req.ErrorType)
	if errType == "" {
		errType = "unknown"
	}
	entry := domain.NewErrorLogEntry(timeNow(), p.StudentNumber, p.ClassNumber, message, errType, req.Stage, req.Unit, req.AdditionalInfo)
	if err := s.logs.AppendErrorLog(r.Context(), entry); err != nil {
		util.LoggerFromContext(r.Context()).Error("append error log failed", "student_id", p.Identity, "err", err)
		writeError(w, http.StatusInternalServerError, msgStorageFailed)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "success", "message": "エラー報告を受け取りました"})
}

// reportError records a server-side failure in the error log. Failures to
// record are only logged.
func (s *Server) reportError(r *http.Request, p studentPrincipal, message, errType, stage, unit string) {
	if s.logs == nil {
		return
	}
	if len([]rune(message)) > 1000 {
		message = string([]rune(message)[:1000])
	}
	entry := domain.NewErrorLogEntry(timeNow(), p.StudentNumber, p.ClassNumber, message, errType, stage, unit, nil)
	if err := s.logs.AppendErrorLog(r.Context(), entry); err != nil {
		util.LoggerFromContext(r.Context()).Warn("append error log failed", "err", err)
	}
}

func (s *Server) handleJobStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	jobID := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/jobs/"), "/")
	if jobID == "" || strings.Contains(jobID, "/") {
		writeError(w, http.StatusNotFound, msgJobNotFound)
		return
	}
	poll, found, err := s.dispatcher.Status(r.Context(), jobID)
	switch {
	case errors.Is(err, queue.ErrQueueUnavailable):
		writeError(w, http.StatusServiceUnavailable, msgJobsUnavailable)
		return
	case err != nil:
		util.LoggerFromContext(r.Context()).Error("job status failed", "job_id", jobID, "err", err)
		writeError(w, http.StatusInternalServerError, util.MsgInternal)
		return
	case !found:
		writeJSON(w, http.StatusNotFound, map[string]any{"status": domain.JobUnknown, "error": msgJobNotFound})
		return
	}
	writeJSON(w, http.StatusOK, poll)
}
