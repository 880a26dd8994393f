package handler

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/hitoshi/cargotrack/internal/middleware"
	"github.com/hitoshi/cargotrack/internal/prefs"
)

// PrefsServiceInterface は設定ハンドラーが必要とするサービスインターフェース。
type PrefsServiceInterface interface {
	// Get はユーザーの設定を取得する。欠落フィールドはデフォルト値で補完される。
	Get(ctx context.Context, uid string) (prefs.Preferences, error)
	// Put はユーザーの設定を保存する。
	Put(ctx context.Context, uid string, p prefs.Preferences) error
}

// PrefsHandler はユーザー設定のHTTPハンドラー。
type PrefsHandler struct {
	service PrefsServiceInterface
}

// NewPrefsHandler はPrefsHandlerを生成する。
func NewPrefsHandler(service PrefsServiceInterface) *PrefsHandler {
	return &PrefsHandler{service: service}
}

// GetPreferences は現在ユーザーの設定を取得する。
// GET /api/preferences
func (h *PrefsHandler) GetPreferences(w http.ResponseWriter, r *http.Request) {
	uid, err := middleware.UserIDFromContext(r.Context())
	if err != nil {
		middleware.WriteInternalServerError(w)
		return
	}

	p, err := h.service.Get(r.Context(), uid)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, p)
}

// PutPreferences は現在ユーザーの設定を保存する。
// PUT /api/preferences
func (h *PrefsHandler) PutPreferences(w http.ResponseWriter, r *http.Request) {
	uid, err := middleware.UserIDFromContext(r.Context())
	if err != nil {
		middleware.WriteInternalServerError(w)
		return
	}

	var p prefs.Preferences
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		writeInvalidRequest(w)
		return
	}

	if err := h.service.Put(r.Context(), uid, p); err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, p)
}
