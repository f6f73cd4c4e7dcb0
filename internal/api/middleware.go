package api

import (
	"fmt"
	"net/http"
	"runtime/debug"

	"github.com/sirupsen/logrus"
)

// maxJsonBody bounds every JSON request body. Uploads use their own limit.
const maxJsonBody = 16 << 10

func (s *GoChatApp) errorHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}

			panicError, ok := rec.(error)
			if !ok {
				panicError = fmt.Errorf("%v", rec)
			}
			s.log.WithFields(logrus.Fields{
				"method": r.Method,
				"path":   r.URL.Path,
			}).Errorf("panic: %v\n%s", panicError, debug.Stack())

			w.Header().Set("Connection", "close")
			s.writeJson(w, http.StatusInternalServerError, NewInternalServerError(panicError))
		}()

		next.ServeHTTP(w, r)
	})
}

// authMiddleware resolves the caller's identity from the session token and
// stores it on the request context.
func (s *GoChatApp) authMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tokenString, err := tokenFromRequest(r)
		if err != nil {
			s.writeError(w, NewUnauthorizedError())
			return
		}

		userId, err := s.extractUserIdFromToken(tokenString)
		if err != nil {
			s.log.Debugf("failed to extract user id from token: %v", err)
			s.writeError(w, NewUnauthorizedError())
			return
		}

		w.Header().Set("Cache-Control", "no-store, no-cache, must-revalidate, private")
		next(w, r.WithContext(WithUserId(r.Context(), userId)))
	}
}

// limitBody caps the request body; decoding past the cap fails like any other bad body.
func limitBody(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxJsonBody)
		next(w, r)
	}
}
