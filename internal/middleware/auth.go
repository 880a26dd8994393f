// Package middleware はHTTPミドルウェアを提供する。
package middleware

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/hitoshi/cargotrack/internal/identity"
	"github.com/hitoshi/cargotrack/internal/model"
	"github.com/hitoshi/cargotrack/internal/session"
)

// contextKey はコンテキストに値を格納するための型安全なキー。
type contextKey string

// sessionContextKey はリクエストコンテキストにセッションを格納するためのキー。
var sessionContextKey = contextKey("session")

// NewAuthMiddleware はAuthorizationヘッダーのBearerトークンを検証し、
// 解決済みのセッションをリクエストコンテキストに注入するミドルウェアを返す。
//
// トークンがない・無効な場合はanonymousセッションを注入して後続へ渡す
// （公開ルートと保護ルートがミドルウェアを共有できるよう、
// 拒否の判定はRequireRole側で行う）。
func NewAuthMiddleware(gateway identity.Gateway, resolver *session.Resolver, logger *slog.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// 1. AuthorizationヘッダーからBearerトークンを取得
			token := bearerToken(r)
			if token == "" {
				next.ServeHTTP(w, r.WithContext(
					ContextWithSession(r.Context(), model.AnonymousSession()),
				))
				return
			}

			// 2. トークンをIdentity Gatewayで検証
			ident, err := gateway.VerifyToken(r.Context(), token)
			if err != nil {
				logger.Warn("token verification failed",
					slog.String("error", err.Error()),
				)
				next.ServeHTTP(w, r.WithContext(
					ContextWithSession(r.Context(), model.AnonymousSession()),
				))
				return
			}

			// 3. プロファイルを解決してセッションを確立
			// 解決失敗時もauthenticatedのまま進める（デフォルトロール）
			sess := model.Session{
				Identity: ident,
				Role:     model.DefaultRole,
				Status:   model.StatusAuthenticated,
			}
			profile, err := resolver.Resolve(r.Context(), ident)
			if err != nil {
				resErr := &model.ProfileResolutionError{UID: ident.UID, Err: err}
				logger.Error("profile resolution failed",
					slog.String("uid", ident.UID),
					slog.String("error", err.Error()),
				)
				sess.Err = resErr
			} else {
				sess.Profile = profile
				sess.Role = profile.Role
			}

			next.ServeHTTP(w, r.WithContext(ContextWithSession(r.Context(), sess)))
		})
	}
}

// bearerToken はAuthorizationヘッダーからBearerトークンを取り出す。
func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if header == "" {
		return ""
	}
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return ""
	}
	return strings.TrimSpace(header[len(prefix):])
}

// SessionFromContext はリクエストコンテキストからセッションを取得する。
// 認証ミドルウェアを通過していない場合はanonymousセッションを返す。
func SessionFromContext(ctx context.Context) model.Session {
	sess, ok := ctx.Value(sessionContextKey).(model.Session)
	if !ok {
		return model.AnonymousSession()
	}
	return sess
}

// ContextWithSession はコンテキストにセッションを注入する。
// テストやミドルウェア以外のコンテキスト生成で使用する。
func ContextWithSession(ctx context.Context, sess model.Session) context.Context {
	return context.WithValue(ctx, sessionContextKey, sess)
}

// UserIDFromContext はリクエストコンテキストから認証済みユーザーのUIDを取得する。
// 認証済みセッションが存在しない場合はエラーを返す。
func UserIDFromContext(ctx context.Context) (string, error) {
	sess := SessionFromContext(ctx)
	if !sess.IsAuthenticated() || sess.Identity == nil {
		return "", fmt.Errorf("authenticated session not found in context")
	}
	return sess.Identity.UID, nil
}
