package server

import (
	"net/http"
	"sort"
	"strings"
	"time"

	"sciencebuddy/internal/util"
	"sciencebuddy/pkg/domain"
	"sciencebuddy/pkg/session"
	"sciencebuddy/pkg/store"
)

type teacherLoginRequest struct {
	TeacherID string `json:"teacher_id"`
	Password  string `json:"password"`
}

func (s *Server) handleTeacherLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	if !s.allowRate(w, r, s.loginLimiter, s.clientIP(r)) {
		s.audit(r, "teacher.login", "rate_limited")
		return
	}
	var req teacherLoginRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, msgInvalidJSON)
		return
	}
	id := strings.TrimSpace(req.TeacherID)
	if id == "" || !s.teachers.Authenticate(id, req.Password) {
		s.audit(r, "teacher.login", "fail", "teacher_id", id)
		writeError(w, http.StatusUnauthorized, msgLoginFailed)
		return
	}
	token, err := s.tokens.Issue(session.RoleTeacher, id, "")
	if err != nil {
		util.LoggerFromContext(r.Context()).Error("issue teacher token failed", "err", err)
		writeError(w, http.StatusInternalServerError, util.MsgInternal)
		return
	}
	s.audit(r, "teacher.login", "success", "teacher_id", id)
	writeJSON(w, http.StatusOK, map[string]string{"token": token, "teacher_id": id})
}

type unitReport struct {
	CurrentStage  domain.Stage         `json:"current_stage"`
	Status        string               `json:"status"`
	LastAccess    string               `json:"last_access"`
	StageProgress domain.StageProgress `json:"stage_progress"`
}

type studentReport struct {
	StudentID string                `json:"student_id"`
	Units     map[string]unitReport `json:"units"`
}

// handleTeacherProgress lists every student's progress, optionally for one
// class (?class=).
func (s *Server) handleTeacherProgress(w http.ResponseWriter, r *http.Request, teacherID string) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	ctx := r.Context()
	collection, err := s.progress.Load(ctx)
	if err != nil {
		util.LoggerFromContext(ctx).Error("load progress failed", "teacher_id", teacherID, "err", err)
		writeError(w, http.StatusInternalServerError, util.MsgInternal)
		return
	}
	class := domain.NormalizeClass(r.URL.Query().Get("class"))
	reports := make([]studentReport, 0, len(collection))
	for id, sp := range collection {
		if class != "" {
			if c, _, ok := domain.SplitIdentity(id); !ok || c != class {
				continue
			}
		}
		units := make(map[string]unitReport, len(sp))
		for unit, up := range sp {
			units[unit] = unitReport{
				CurrentStage:  up.CurrentStage,
				Status:        store.Summary(up),
				LastAccess:    up.LastAccess,
				StageProgress: up.StageProgress,
			}
		}
		reports = append(reports, studentReport{StudentID: id, Units: units})
	}
	sort.Slice(reports, func(i, j int) bool { return reports[i].StudentID < reports[j].StudentID })
	writeJSON(w, http.StatusOK, map[string]any{"students": reports})
}

// handleTeacherSummaries returns one summary when student_id, unit and stage
// are all given, otherwise every summary matching the given filters.
func (s *Server) handleTeacherSummaries(w http.ResponseWriter, r *http.Request, teacherID string) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	ctx := r.Context()
	q := r.URL.Query()
	studentID := strings.TrimSpace(q.Get("student_id"))
	unit := strings.TrimSpace(q.Get("unit"))
	stage := domain.Stage(strings.TrimSpace(q.Get("stage")))
	if stage != "" && !stage.Valid() {
		writeError(w, http.StatusBadRequest, msgMissingParams)
		return
	}

	if studentID != "" && unit != "" && stage != "" {
		rec, found, err := s.router.LoadSummary(ctx, studentID, unit, stage)
		if err != nil {
			util.LoggerFromContext(ctx).Error("load summary failed", "teacher_id", teacherID, "err", err)
			writeError(w, http.StatusInternalServerError, util.MsgInternal)
			return
		}
		if !found {
			writeError(w, http.StatusNotFound, msgNotFound)
			return
		}
		writeJSON(w, http.StatusOK, rec)
		return
	}

	all, err := s.router.ListSummaries(ctx)
	if err != nil {
		util.LoggerFromContext(ctx).Error("list summaries failed", "teacher_id", teacherID, "err", err)
		writeError(w, http.StatusInternalServerError, util.MsgInternal)
		return
	}
	out := make([]domain.SummaryRecord, 0, len(all))
	for _, rec := range all {
		if studentID != "" && rec.StudentID != studentID {
			continue
		}
		if unit != "" && rec.Unit != unit {
			continue
		}
		if stage != "" && rec.Stage != stage {
			continue
		}
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool {
		return domain.RecordKey(out[i].StudentID, out[i].Unit, out[i].Stage) < domain.RecordKey(out[j].StudentID, out[j].Unit, out[j].Stage)
	})
	writeJSON(w, http.StatusOK, map[string]any{"summaries": out})
}

// handleTeacherLogs returns a day's learning (default) or error log.
func (s *Server) handleTeacherLogs(w http.ResponseWriter, r *http.Request, teacherID string) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	if s.logs == nil {
		writeError(w, http.StatusServiceUnavailable, msgStorageFailed)
		return
	}
	ctx := r.Context()
	q := r.URL.Query()
	date := strings.TrimSpace(q.Get("date"))
	dates, err := s.logs.LogDates()
	if err != nil {
		util.LoggerFromContext(ctx).Warn("list log dates failed", "err", err)
	}
	if date == "" && len(dates) > 0 {
		date = dates[0]
	}
	if date != "" {
		if _, err := time.Parse("20060102", date); err != nil {
			writeError(w, http.StatusBadRequest, msgMissingParams)
			return
		}
	}
	var entries any
	if q.Get("kind") == "error" {
		entries, err = s.logs.LoadErrorLogs(ctx, date)
	} else {
		entries, err = s.logs.LoadLearningLogs(ctx, date)
	}
	if err != nil {
		util.LoggerFromContext(ctx).Error("load logs failed", "teacher_id", teacherID, "date", date, "err", err)
		writeError(w, http.StatusInternalServerError, util.MsgInternal)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"date": date, "dates": dates, "entries": entries})
}
