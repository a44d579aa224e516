package api

import (
	"crypto/subtle"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
)

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		defer func() {
			s.log.Info("request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Int("bytes", ww.BytesWritten()),
				zap.Duration("took", time.Since(start)),
				zap.String("request_id", middleware.GetReqID(r.Context())),
			)
		}()
		next.ServeHTTP(ww, r)
	})
}

// requireAdmin checks X-Admin-Token against the configured token.
func (s *Server) requireAdmin(next http.Handler) http.Handler {
	return requireToken("X-Admin-Token", s.opts.AdminToken, "admin", next)
}

// requireService guards the routes the payment collaborator calls.
func (s *Server) requireService(next http.Handler) http.Handler {
	return requireToken("X-Service-Token", s.opts.ServiceToken, "service", next)
}

// requireToken compares header against token in constant time. An empty
// token closes the route.
func requireToken(header, token, name string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if token == "" {
			writeProblem(w, r, http.StatusForbidden, "forbidden", name+" routes are disabled")
			return
		}
		got := r.Header.Get(header)
		if subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
			writeProblem(w, r, http.StatusForbidden, "forbidden", name+" token required")
			return
		}
		next.ServeHTTP(w, r)
	})
}
