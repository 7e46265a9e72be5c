package server

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"sciencebuddy/internal/ratelimit"
	"sciencebuddy/internal/util"
	"sciencebuddy/pkg/auth"
	"sciencebuddy/pkg/dialogue"
	"sciencebuddy/pkg/domain"
	"sciencebuddy/pkg/queue"
	"sciencebuddy/pkg/session"
	"sciencebuddy/pkg/store"
)

const maxBodyBytes = 1 << 20

var timeNow = time.Now

// User-facing error messages.
const (
	msgInvalidJSON     = "リクエストの形式が正しくありません"
	msgMissingParams   = "必須パラメータが不足しています"
	msgUnauthorized    = "ログインが必要です"
	msgSessionReplaced = "別の端末でログインされたため、この端末のセッションは終了しました。もう一度ログインしてください。"
	msgForbidden       = "この操作は許可されていません"
	msgTooMany         = "リクエストが多すぎます。しばらく待ってから再度お試しください。"
	msgSummaryFailed   = "まとめ生成中にエラーが発生しました。"
	msgJobsUnavailable = "ジョブキューが利用できません"
	msgJobNotFound     = "ジョブが見つかりません"
	msgStorageFailed   = "データの保存に失敗しました"
	msgLoginFailed     = "IDまたはパスワードが正しくありません"
	msgNotFound        = "見つかりません"
)

// Config wires required dependencies for the HTTP server.
type Config struct {
	Registry   session.Registry
	Tokens     *session.Issuer
	Router     *store.Router
	Progress   *store.ProgressStore
	Logs       *store.LogStore
	Dispatcher *queue.Dispatcher
	Tutor      *dialogue.Tutor
	Teachers   auth.Accounts
	// Limiters may be nil, which disables the limit.
	SummaryLimiter ratelimit.Limiter
	LoginLimiter   ratelimit.Limiter
	TrustedProxies *util.TrustedProxies
	CORSOrigins    []string
	Logger         *slog.Logger
}

// Server exposes the classroom HTTP API.
type Server struct {
	registry       session.Registry
	tokens         *session.Issuer
	router         *store.Router
	progress       *store.ProgressStore
	logs           *store.LogStore
	dispatcher     *queue.Dispatcher
	tutor          *dialogue.Tutor
	teachers       auth.Accounts
	summaryLimiter ratelimit.Limiter
	loginLimiter   ratelimit.Limiter
	trusted        *util.TrustedProxies
	corsOrigins    []string
	logger         *slog.Logger
	mux            *http.ServeMux
}

// New constructs the server with routes configured.
func New(cfg Config) (*Server, error) {
	switch {
	case cfg.Registry == nil:
		return nil, errors.New("server: session registry required")
	case cfg.Tokens == nil:
		return nil, errors.New("server: token issuer required")
	case cfg.Router == nil:
		return nil, errors.New("server: storage router required")
	case cfg.Progress == nil:
		return nil, errors.New("server: progress store required")
	case cfg.Dispatcher == nil:
		return nil, errors.New("server: dispatcher required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		registry:       cfg.Registry,
		tokens:         cfg.Tokens,
		router:         cfg.Router,
		progress:       cfg.Progress,
		logs:           cfg.Logs,
		dispatcher:     cfg.Dispatcher,
		tutor:          cfg.Tutor,
		teachers:       cfg.Teachers,
		summaryLimiter: cfg.SummaryLimiter,
		loginLimiter:   cfg.LoginLimiter,
		trusted:        cfg.TrustedProxies,
		corsOrigins:    cfg.CORSOrigins,
		logger:         logger,
		mux:            http.NewServeMux(),
	}
	s.routes()
	return s, nil
}

// Router returns the configured handler with the middleware chain applied.
func (s *Server) Router() http.Handler {
	var h http.Handler = s.mux
	h = util.WithCORS(s.corsOrigins, h)
	h = util.WithSecurityHeaders(s.trusted, h)
	h = util.WithRecover(h)
	h = util.WithRequestLog("sciencebuddy", h)
	return util.WithRequestID(h)
}

func (s *Server) routes() {
	s.mux.HandleFunc("/healthz", s.handleHealth)

	// student
	s.mux.HandleFunc("/api/session/enter", s.handleEnter)
	s.mux.Handle("/api/session/clear", s.student(s.handleClear))
	s.mux.Handle("/api/session-snapshot", s.student(s.handleSnapshot))
	s.mux.Handle("/api/sync-session", s.student(s.handleSyncSession))
	s.mux.Handle("/api/chat", s.student(s.handleChat))
	s.mux.Handle("/api/summary", s.student(s.handleSummary))
	s.mux.Handle("/api/progress", s.student(s.handleProgress))
	s.mux.Handle("/api/report-error", s.student(s.handleReportError))
	s.mux.HandleFunc("/api/jobs/", s.handleJobStatus)

	// teacher
	s.mux.HandleFunc("/api/teacher/login", s.handleTeacherLogin)
	s.mux.Handle("/api/teacher/progress", s.teacher(s.handleTeacherProgress))
	s.mux.Handle("/api/teacher/summaries", s.teacher(s.handleTeacherSummaries))
	s.mux.Handle("/api/teacher/logs", s.teacher(s.handleTeacherLogs))
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"backends": s.router.Backends(),
		"async":    s.dispatcher.Async(),
	})
}

// studentPrincipal is the caller behind a valid student token.
type studentPrincipal struct {
	Identity      string
	ClassNumber   string
	StudentNumber string
	Handle        string
}

type studentHandler func(http.ResponseWriter, *http.Request, studentPrincipal)

// student admits requests carrying a student token whose session handle is
// still the identity's current one.
func (s *Server) student(next studentHandler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims, ok := s.parseToken(r, session.RoleStudent)
		if !ok {
			writeError(w, http.StatusUnauthorized, msgUnauthorized)
			return
		}
		active, err := s.registry.Active(r.Context(), claims.Subject, claims.Handle)
		if err != nil {
			util.LoggerFromContext(r.Context()).Error("session lookup failed", "student_id", claims.Subject, "err", err)
			writeError(w, http.StatusServiceUnavailable, util.MsgInternal)
			return
		}
		if !active {
			s.audit(r, "session.verify", "fail", "student_id", claims.Subject, "reason", "handle_replaced")
			writeError(w, http.StatusUnauthorized, msgSessionReplaced)
			return
		}
		class, seat, ok := domain.SplitIdentity(claims.Subject)
		if !ok {
			writeError(w, http.StatusUnauthorized, msgUnauthorized)
			return
		}
		next(w, r, studentPrincipal{Identity: claims.Subject, ClassNumber: class, StudentNumber: seat, Handle: claims.Handle})
	})
}

type teacherHandler func(http.ResponseWriter, *http.Request, string)

func (s *Server) teacher(next teacherHandler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims, ok := s.parseToken(r, session.RoleTeacher)
		if !ok {
			writeError(w, http.StatusUnauthorized, msgUnauthorized)
			return
		}
		if _, known := s.teachers[claims.Subject]; !known {
			s.audit(r, "teacher.verify", "fail", "teacher_id", claims.Subject, "reason", "unknown_teacher")
			writeError(w, http.StatusForbidden, msgForbidden)
			return
		}
		next(w, r, claims.Subject)
	})
}

func (s *Server) parseToken(r *http.Request, role string) (session.Claims, bool) {
	token, ok := bearerToken(r)
	if !ok {
		return session.Claims{}, false
	}
	claims, err := s.tokens.Parse(token)
	if err != nil {
		s.audit(r, "token.verify", "fail", "reason", "invalid_signature_or_claims")
		return session.Claims{}, false
	}
	if claims.Role != role {
		s.audit(r, "token.verify", "fail", "reason", "wrong_role", "role", claims.Role)
		return session.Claims{}, false
	}
	return claims, true
}

func (s *Server) audit(r *http.Request, event, outcome string, attrs ...any) {
	logAttrs := []any{
		"event", event,
		"outcome", outcome,
		"path", r.URL.Path,
		"method", r.Method,
		"ip", s.clientIP(r),
	}
	logAttrs = append(logAttrs, attrs...)
	logger := util.LoggerFromContext(r.Context())
	if outcome == "success" {
		logger.Info("security_event", logAttrs...)
		return
	}
	logger.Warn("security_event", logAttrs...)
}

func (s *Server) allowRate(w http.ResponseWriter, r *http.Request, limiter ratelimit.Limiter, key string) bool {
	if limiter == nil || limiter.Allow(r.Context(), r.URL.Path+"|"+key) {
		return true
	}
	w.Header().Set("Retry-After", "60")
	writeError(w, http.StatusTooManyRequests, msgTooMany)
	return false
}

func (s *Server) clientIP(r *http.Request) string {
	return util.ClientIP(r, s.trusted)
}

func decodeJSON(r *http.Request, out any) error {
	return json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(out)
}

func methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func bearerToken(r *http.Request) (string, bool) {
	authHeader := r.Header.Get("Authorization")
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return "", false
	}
	token := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
	if token == "" {
		return "", false
	}
	return token, true
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
