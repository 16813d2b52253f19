package middleware

import (
	"context"
	"net/http"
	"strings"

	"fhe-emotion-client/pkg/httputil"
)

type userIDKey struct{}

// Authenticator はベアラートークンを利用者IDに解決する。
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (string, error)
}

// RequireBearer は Authorization: Bearer ヘッダーを検証し、利用者IDをコンテキストに載せる。
func RequireBearer(auth Authenticator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			token, ok := strings.CutPrefix(header, "Bearer ")
			if !ok || strings.TrimSpace(token) == "" {
				httputil.Error(w, http.StatusUnauthorized, "NOT_AUTHENTICATED", "missing bearer token")
				return
			}
			userID, err := auth.Authenticate(r.Context(), strings.TrimSpace(token))
			if err != nil {
				httputil.Error(w, http.StatusUnauthorized, "NOT_AUTHENTICATED", "invalid or expired token")
				return
			}
			next.ServeHTTP(w, r.WithContext(WithUserID(r.Context(), userID)))
		})
	}
}

// WithUserID は利用者IDをコンテキストに設定する。
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userIDKey{}, userID)
}

// UserIDFromContext は認証済みの利用者IDを返す。
func UserIDFromContext(ctx context.Context) string {
	userID, _ := ctx.Value(userIDKey{}).(string)
	return userID
}
