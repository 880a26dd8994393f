// Package handler はHTTP APIハンドラーを提供する。
package handler

import (
	"encoding/json"
	"net/http"

	"github.com/hitoshi/cargotrack/internal/middleware"
	"github.com/hitoshi/cargotrack/internal/model"
)

// writeJSON はJSONレスポンスを書き込む。
func writeJSON(w http.ResponseWriter, statusCode int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(body)
}

// writeInvalidRequest はリクエストボディ解析失敗の統一レスポンスを書き込む。
func writeInvalidRequest(w http.ResponseWriter) {
	writeJSON(w, http.StatusBadRequest, middleware.ErrorResponseBody{
		Code:     "INVALID_REQUEST",
		Message:  "リクエストボディの解析に失敗しました。",
		Category: "validation",
		Action:   "正しいJSON形式でリクエストしてください。",
	})
}

// handleServiceError はサービス層のエラーを統一フォーマットへ写像する。
func handleServiceError(w http.ResponseWriter, err error) {
	middleware.WriteError(w, err)
}

// requireOwnership はclientロールに対して配送の所有者チェックを行う。
// adminは常に許可。所有者でないclientにはPERMISSION_DENIEDを返す。
func requireOwnership(sess model.Session, shipmentOwner string) error {
	if sess.Role == model.RoleAdmin {
		return nil
	}
	if sess.Identity == nil || sess.Identity.UID != shipmentOwner {
		return model.NewPermissionDeniedError()
	}
	return nil
}
