package middleware

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// quietPaths are probe endpoints logged at debug on success.
var quietPaths = map[string]bool{
	"/health":  true,
	"/metrics": true,
	"/version": true,
}

// Logger logs one line per request with the matched route and, when
// present, the session or agent the request addressed.
func Logger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		event := levelFor(status, r.URL.Path)
		if rc := chi.RouteContext(r.Context()); rc != nil {
			if pattern := rc.RoutePattern(); pattern != "" {
				event = event.Str("route", pattern)
			}
			if id := rc.URLParam("sessionID"); id != "" {
				event = event.Str("session_id", id)
			}
			if id := rc.URLParam("agentID"); id != "" {
				event = event.Str("agent_id", id)
			}
		}
		event.
			Str("request_id", chimw.GetReqID(r.Context())).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", status).
			Int("bytes", ww.BytesWritten()).
			Dur("duration", time.Since(start)).
			Str("remote", r.RemoteAddr).
			Msg("request")
	})
}

func levelFor(status int, path string) *zerolog.Event {
	switch {
	case status >= http.StatusInternalServerError:
		return log.Error()
	case status >= http.StatusBadRequest:
		return log.Warn()
	case quietPaths[path]:
		return log.Debug()
	default:
		return log.Info()
	}
}
