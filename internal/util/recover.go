package util

import (
	"encoding/json"
	"net/http"
	"runtime/debug"
)

// MsgInternal is returned to clients when a handler panics.
const MsgInternal = "サーバーでエラーが発生しました。しばらく待ってから再度お試しください。"

// WithRecover turns a handler panic into a logged 500 response.
func WithRecover(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			if rec == http.ErrAbortHandler {
				panic(rec)
			}
			LoggerFromContext(r.Context()).Error("handler panic",
				"panic", rec,
				"method", r.Method,
				"path", r.URL.Path,
				"stack", string(debug.Stack()),
			)
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusInternalServerError)
			_ = json.NewEncoder(w).Encode(map[string]string{"error": MsgInternal})
		}()
		next.ServeHTTP(w, r)
	})
}
