package handler

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/hitoshi/cargotrack/internal/metrics"
	"github.com/hitoshi/cargotrack/internal/middleware"
	"github.com/hitoshi/cargotrack/internal/model"
	"github.com/hitoshi/cargotrack/internal/session"
)

// AuthServiceInterface は認証ハンドラーが必要とするサービスインターフェース。
// session.Managerが実装する。
type AuthServiceInterface interface {
	// Login は資格情報を検証し、セッショントークンと解決済みロールを返す。
	Login(ctx context.Context, email, password string) (*session.AuthResult, error)
	// Register はアカウントとclientロールのプロファイルを作成する。
	Register(ctx context.Context, email, password, displayName string) (*session.AuthResult, error)
	// Logout はサインアウトする。失敗してもローカル状態はリセットされる。
	Logout(ctx context.Context) error
}

// AuthHandler は認証のHTTPハンドラー。
type AuthHandler struct {
	service  AuthServiceInterface
	recorder metrics.Recorder
}

// NewAuthHandler はAuthHandlerを生成する。
func NewAuthHandler(service AuthServiceInterface, recorder metrics.Recorder) *AuthHandler {
	return &AuthHandler{service: service, recorder: recorder}
}

// loginRequest はログインリクエストのボディ。
type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// registerRequest はアカウント登録リクエストのボディ。
// roleフィールドは受け付けない（常にclientで作成される）。
type registerRequest struct {
	Email       string `json:"email"`
	Password    string `json:"password"`
	DisplayName string `json:"displayName"`
}

// authResponse は認証成功時のレスポンス。
// tokenは以降の/api/*リクエストでAuthorization: Bearerヘッダーに提示する。
type authResponse struct {
	Token string `json:"token"`
	Role  string `json:"role"`
}

// meResponse は現在のセッション情報のレスポンス。
type meResponse struct {
	Status      string `json:"status"`
	UID         string `json:"uid,omitempty"`
	Email       string `json:"email,omitempty"`
	DisplayName string `json:"displayName,omitempty"`
	Role        string `json:"role,omitempty"`
}

// Login はログインを処理する。
// POST /auth/login
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeInvalidRequest(w)
		return
	}
	if req.Email == "" || req.Password == "" {
		handleServiceError(w, model.NewInvalidCredentialsError("email and password are required"))
		return
	}

	result, err := h.service.Login(r.Context(), req.Email, req.Password)
	h.recorder.RecordAuthAttempt("login", err == nil)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, authResponse{Token: result.Token, Role: string(result.Role)})
}

// Register はアカウント登録を処理する。
// POST /auth/register
func (h *AuthHandler) Register(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeInvalidRequest(w)
		return
	}
	if req.Email == "" || req.Password == "" {
		handleServiceError(w, model.NewInvalidCredentialsError("email and password are required"))
		return
	}

	result, err := h.service.Register(r.Context(), req.Email, req.Password, req.DisplayName)
	h.recorder.RecordAuthAttempt("register", err == nil)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, authResponse{Token: result.Token, Role: string(result.Role)})
}

// Logout はログアウトを処理する。
// POST /auth/logout
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	if err := h.service.Logout(r.Context()); err != nil {
		// ローカル状態はリセット済みのため、ゲートウェイ失敗でも成功として返す
		writeJSON(w, http.StatusOK, map[string]string{"status": "signed_out"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "signed_out"})
}

// Me は現在のセッション情報を返す。
// GET /auth/me
func (h *AuthHandler) Me(w http.ResponseWriter, r *http.Request) {
	sess := middleware.SessionFromContext(r.Context())

	resp := meResponse{Status: string(sess.Status)}
	if sess.IsAuthenticated() && sess.Identity != nil {
		resp.UID = sess.Identity.UID
		resp.Email = sess.Identity.Email
		resp.Role = string(sess.Role)
		if sess.Profile != nil {
			resp.DisplayName = sess.Profile.DisplayName
		}
	}

	writeJSON(w, http.StatusOK, resp)
}
