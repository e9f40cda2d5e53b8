package api

import (
	"net/http"
	"strings"

	"github.com/gatherly/chat/pkg/auth"
)

// JWTMiddleware authenticates the request from the Authorization bearer
// token and attaches the session to the request context.
func JWTMiddleware(a auth.Auth) ApiMiddleware {
	return func(next http.Handler) ApiHandleFunc {
		return func(w http.ResponseWriter, r *http.Request) error {
			header := r.Header.Get("Authorization")
			token, ok := strings.CutPrefix(header, "Bearer ")
			if !ok || token == "" {
				return NewApiError(auth.ErrUnauthenticated.Error(), http.StatusUnauthorized)
			}

			session, err := a.Session(r.Context(), token)
			if err != nil {
				if err == auth.ErrUnauthenticated {
					return NewApiError(err.Error(), http.StatusUnauthorized)
				}
				return err
			}

			next.ServeHTTP(w, r.WithContext(auth.ContextWithSession(r.Context(), *session)))
			return nil
		}
	}
}

func sessionFromRequest(r *http.Request) auth.Session {
	session, _ := auth.SessionFromContext(r.Context())
	return session
}
