package middleware

import (
	"net/http"
	"net/url"

	"github.com/hitoshi/cargotrack/internal/guard"
	"github.com/hitoshi/cargotrack/internal/model"
)

// RequireAuth は認証済みセッションを要求するミドルウェアを返す。
// ロールは問わない。
func RequireAuth() func(next http.Handler) http.Handler {
	return RequireRole("")
}

// RequireRole は指定ロールのセッションを要求するミドルウェアを返す。
// 判定はguard.Decideに委譲し、結果をHTTPレスポンスへ写像する:
//
//   - RedirectSignIn → 401。復帰先パスをresumeフィールドとLocationヘッダーで返す
//   - RedirectHome   → 403。ホームへの誘導先を返す（ソフトな拒否）
//   - Admit          → 後続のハンドラーへ
//
// requiredRoleが空の場合は認証のみを要求する。
// 認証ミドルウェアの後に配置すること。
func RequireRole(requiredRole model.Role) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			sess := SessionFromContext(r.Context())
			decision := guard.Decide(sess, requiredRole, r.URL.Path)

			switch decision.Kind {
			case guard.Admit:
				next.ServeHTTP(w, r)
			case guard.RedirectSignIn:
				w.Header().Set("Location", signInPath(decision.ResumePath))
				WriteGuardResponse(w, http.StatusUnauthorized, decision)
			case guard.RedirectHome:
				w.Header().Set("Location", "/")
				WriteGuardResponse(w, http.StatusForbidden, decision)
			default:
				// Waitはサーバー側では発生しない（リクエストごとの解決は同期）
				WriteInternalServerError(w)
			}
		})
	}
}

// signInPath はサインイン誘導先のパスを組み立てる。
// 認証完了後に元の要求パスへ復帰できるようクエリで保持する。
func signInPath(resumePath string) string {
	if resumePath == "" {
		return "/signin"
	}
	return "/signin?resume=" + url.QueryEscape(resumePath)
}
