package middleware

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/hitoshi/cargotrack/internal/guard"
	"github.com/hitoshi/cargotrack/internal/model"
)

// ErrorResponseBody はAPIエラーレスポンスの統一フォーマット。
// 原因カテゴリと対処方法を含む。
type ErrorResponseBody struct {
	Code     string `json:"code"`
	Message  string `json:"message"`
	Category string `json:"category"`
	Action   string `json:"action"`
	Resume   string `json:"resume,omitempty"` // 認証後の復帰先パス
}

// WriteError はドメインエラーを統一フォーマットのHTTPレスポンスへ写像する。
// AuthError/StoreErrorのコードからステータスコードとカテゴリを導出する。
// 未知のエラーは詳細を漏らさず500を返す。
func WriteError(w http.ResponseWriter, err error) {
	var authErr *model.AuthError
	if errors.As(err, &authErr) {
		writeBody(w, authStatusCode(authErr.Code), ErrorResponseBody{
			Code:     authErr.Code,
			Message:  authErr.Message,
			Category: "auth",
			Action:   authErr.Action,
		})
		return
	}

	var storeErr *model.StoreError
	if errors.As(err, &storeErr) {
		writeBody(w, storeStatusCode(storeErr.Code), ErrorResponseBody{
			Code:     storeErr.Code,
			Message:  storeErr.Message,
			Category: "store",
			Action:   storeErr.Action,
		})
		return
	}

	var resErr *model.ProfileResolutionError
	if errors.As(err, &resErr) {
		writeBody(w, http.StatusInternalServerError, ErrorResponseBody{
			Code:     model.ErrCodeProfileResolutionFailed,
			Message:  "プロファイルの解決に失敗しました。",
			Category: "auth",
			Action:   "しばらく待ってから再度お試しください。",
		})
		return
	}

	WriteInternalServerError(w)
}

// WriteInternalServerError は内部サーバーエラーの統一レスポンスを書き込む。
// 詳細はログのみに記録し、ユーザーには一般的なメッセージを返す。
func WriteInternalServerError(w http.ResponseWriter) {
	writeBody(w, http.StatusInternalServerError, ErrorResponseBody{
		Code:     "INTERNAL_ERROR",
		Message:  "内部エラーが発生しました。",
		Category: "system",
		Action:   "しばらく待ってから再度お試しください。",
	})
}

// WriteGuardResponse はルート保護判定の拒否レスポンスを書き込む。
// サインイン誘導の場合は復帰先パスを含める。
func WriteGuardResponse(w http.ResponseWriter, statusCode int, decision guard.Decision) {
	body := ErrorResponseBody{
		Category: "auth",
		Resume:   decision.ResumePath,
	}
	switch decision.Kind {
	case guard.RedirectSignIn:
		body.Code = "SIGN_IN_REQUIRED"
		body.Message = "この操作にはログインが必要です。"
		body.Action = "サインインしてください。"
	case guard.RedirectHome:
		body.Code = model.ErrCodePermissionDenied
		body.Message = "この操作を行う権限がありません。"
		body.Action = "管理者アカウントでログインしてください。"
	}
	writeBody(w, statusCode, body)
}

// authStatusCode はAuthErrorコードをHTTPステータスコードへ写像する。
func authStatusCode(code string) int {
	switch code {
	case model.ErrCodeInvalidCredentials:
		return http.StatusUnauthorized
	case model.ErrCodeDuplicateAccount:
		return http.StatusConflict
	case model.ErrCodeWeakPassword:
		return http.StatusBadRequest
	case model.ErrCodeGatewayUnavailable:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// storeStatusCode はStoreErrorコードをHTTPステータスコードへ写像する。
func storeStatusCode(code string) int {
	switch code {
	case model.ErrCodeRecordNotFound:
		return http.StatusNotFound
	case model.ErrCodePermissionDenied:
		return http.StatusForbidden
	case model.ErrCodeInvalidShipment:
		return http.StatusBadRequest
	case model.ErrCodeStoreUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeBody(w http.ResponseWriter, statusCode int, body ErrorResponseBody) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(body)
}
