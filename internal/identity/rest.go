package identity

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/hitoshi/cargotrack/internal/model"
)

const defaultRequestTimeout = 10 * time.Second

// ゲートウェイのREST APIパス。メール/パスワード認証プロバイダーの標準形。
const (
	pathSignInWithPassword = "/v1/accounts:signInWithPassword"
	pathSignUp             = "/v1/accounts:signUp"
	pathSendOobCode        = "/v1/accounts:sendOobCode"
	pathLookup             = "/v1/accounts:lookup"
)

// EndpointGuard はアウトバウンド接続の安全性検証に必要なインターフェース。
// security.EndpointGuardServiceの部分集合として定義する。
type EndpointGuard interface {
	NewSafeClient(timeout time.Duration) *http.Client
	ValidateEndpoint(rawURL string) error
}

// RESTGatewayConfig はRESTGatewayの設定。
// BaseURLとAPIKeyは環境設定から与えられる不透明な資格情報バンドルの一部。
type RESTGatewayConfig struct {
	BaseURL string
	APIKey  string

	// RequestTimeout はゲートウェイ呼び出しのタイムアウト。
	// ゼロ値の場合はdefaultRequestTimeoutを使用する。
	RequestTimeout time.Duration
}

// RESTGateway はメール/パスワード型のIdentity GatewayへのRESTバインディング。
// プロセス内の現在identityを保持し、サインイン・サインアウトのたびに
// セッション変更リスナーへ通知する。
type RESTGateway struct {
	config RESTGatewayConfig
	client *http.Client
	logger *slog.Logger

	mu        sync.Mutex
	current   *model.Identity
	listeners map[int]func(*model.Identity)
	nextID    int
}

// NewRESTGateway はRESTGatewayを生成する。
// エンドポイントURLはguardにより起動時に検証され、
// 全リクエストはSSRF防止機能付きクライアント経由で送信される。
func NewRESTGateway(config RESTGatewayConfig, guard EndpointGuard, logger *slog.Logger) (*RESTGateway, error) {
	if err := guard.ValidateEndpoint(config.BaseURL); err != nil {
		return nil, fmt.Errorf("invalid identity gateway endpoint: %w", err)
	}
	if config.APIKey == "" {
		return nil, fmt.Errorf("identity gateway API key is required")
	}
	if config.RequestTimeout == 0 {
		config.RequestTimeout = defaultRequestTimeout
	}

	return &RESTGateway{
		config:    config,
		client:    guard.NewSafeClient(config.RequestTimeout),
		logger:    logger,
		listeners: make(map[int]func(*model.Identity)),
	}, nil
}

// credentialResponse はsignIn/signUpエンドポイントのレスポンス。
type credentialResponse struct {
	LocalID string `json:"localId"`
	Email   string `json:"email"`
	IDToken string `json:"idToken"`
}

// lookupResponse はlookupエンドポイントのレスポンス。
type lookupResponse struct {
	Users []struct {
		LocalID string `json:"localId"`
		Email   string `json:"email"`
	} `json:"users"`
}

// gatewayErrorResponse はゲートウェイのエラーレスポンス。
type gatewayErrorResponse struct {
	Error struct {
		Message string `json:"message"`
	} `json:"error"`
}

// SignIn はメールアドレスとパスワードで認証し、identityを返す。
func (g *RESTGateway) SignIn(ctx context.Context, email, password string) (*model.Identity, error) {
	var resp credentialResponse
	err := g.post(ctx, pathSignInWithPassword, map[string]any{
		"email":             email,
		"password":          password,
		"returnSecureToken": true,
	}, &resp)
	if err != nil {
		return nil, err
	}

	ident := &model.Identity{UID: resp.LocalID, Email: resp.Email, Token: resp.IDToken}
	g.setCurrent(ident)

	g.logger.Info("identity signed in", slog.String("uid", ident.UID))
	return ident, nil
}

// SignUp はアカウントを作成し、identityを返す。
// 確認メールの送信はベストエフォートで、失敗してもアカウント作成は成立する。
func (g *RESTGateway) SignUp(ctx context.Context, email, password string) (*model.Identity, error) {
	var resp credentialResponse
	err := g.post(ctx, pathSignUp, map[string]any{
		"email":             email,
		"password":          password,
		"returnSecureToken": true,
	}, &resp)
	if err != nil {
		return nil, err
	}

	ident := &model.Identity{UID: resp.LocalID, Email: resp.Email, Token: resp.IDToken}

	if err := g.sendVerificationEmail(ctx, ident.Token); err != nil {
		g.logger.Warn("failed to send verification email",
			slog.String("uid", ident.UID),
			slog.String("error", err.Error()),
		)
	}

	g.setCurrent(ident)

	g.logger.Info("identity registered", slog.String("uid", ident.UID))
	return ident, nil
}

// SignOut は現在のidentityを破棄する。
// セッショントークンはゲートウェイ管理のため、ローカルの破棄のみで完了する。
func (g *RESTGateway) SignOut(ctx context.Context) error {
	g.setCurrent(nil)
	g.logger.Info("identity signed out")
	return nil
}

// VerifyToken はセッショントークンを検証し、対応するidentityを返す。
func (g *RESTGateway) VerifyToken(ctx context.Context, token string) (*model.Identity, error) {
	if token == "" {
		return nil, model.NewInvalidCredentialsError("empty token")
	}

	var resp lookupResponse
	err := g.post(ctx, pathLookup, map[string]any{"idToken": token}, &resp)
	if err != nil {
		return nil, err
	}
	if len(resp.Users) == 0 {
		return nil, model.NewInvalidCredentialsError("token does not resolve to an account")
	}

	return &model.Identity{
		UID:   resp.Users[0].LocalID,
		Email: resp.Users[0].Email,
		Token: token,
	}, nil
}

// OnSessionChange はセッション変更リスナーを登録する。
// 登録直後に現在の状態で1回同期的に呼び出される。
func (g *RESTGateway) OnSessionChange(fn func(*model.Identity)) func() {
	g.mu.Lock()
	id := g.nextID
	g.nextID++
	g.listeners[id] = fn
	current := g.current
	g.mu.Unlock()

	fn(current)

	return func() {
		g.mu.Lock()
		delete(g.listeners, id)
		g.mu.Unlock()
	}
}

// sendVerificationEmail は確認メールの送信をゲートウェイへ要求する。
func (g *RESTGateway) sendVerificationEmail(ctx context.Context, token string) error {
	var resp struct {
		Email string `json:"email"`
	}
	return g.post(ctx, pathSendOobCode, map[string]any{
		"requestType": "VERIFY_EMAIL",
		"idToken":     token,
	}, &resp)
}

// setCurrent は現在identityを更新し、全リスナーへ通知する。
// リスナー呼び出し中はロックを保持しない。
func (g *RESTGateway) setCurrent(ident *model.Identity) {
	g.mu.Lock()
	g.current = ident
	fns := make([]func(*model.Identity), 0, len(g.listeners))
	for _, fn := range g.listeners {
		fns = append(fns, fn)
	}
	g.mu.Unlock()

	for _, fn := range fns {
		fn(ident)
	}
}

// post はゲートウェイのエンドポイントへJSONリクエストを送信する。
func (g *RESTGateway) post(ctx context.Context, path string, payload map[string]any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return model.NewGatewayUnavailableError(fmt.Sprintf("marshal request: %v", err))
	}

	url := strings.TrimSuffix(g.config.BaseURL, "/") + path + "?key=" + g.config.APIKey
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return model.NewGatewayUnavailableError(fmt.Sprintf("create request: %v", err))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.client.Do(req)
	if err != nil {
		return model.NewGatewayUnavailableError(err.Error())
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return model.NewGatewayUnavailableError(fmt.Sprintf("read response: %v", err))
	}

	if resp.StatusCode != http.StatusOK {
		return mapGatewayError(respBody, resp.StatusCode)
	}

	if err := json.Unmarshal(respBody, out); err != nil {
		return model.NewGatewayUnavailableError(fmt.Sprintf("parse response: %v", err))
	}
	return nil
}

// mapGatewayError はゲートウェイの拒否理由をAuthErrorへ変換する。
// 拒否理由のメッセージはそのまま表面化し、呼び出し元のフォーム表示に使用される。
func mapGatewayError(body []byte, statusCode int) error {
	var gatewayErr gatewayErrorResponse
	if err := json.Unmarshal(body, &gatewayErr); err != nil || gatewayErr.Error.Message == "" {
		return model.NewGatewayUnavailableError(fmt.Sprintf("status %d", statusCode))
	}

	msg := gatewayErr.Error.Message
	switch {
	case msg == "EMAIL_EXISTS":
		return model.NewDuplicateAccountError(msg)
	case strings.HasPrefix(msg, "WEAK_PASSWORD"):
		return model.NewWeakPasswordError(msg)
	case msg == "EMAIL_NOT_FOUND", msg == "INVALID_PASSWORD",
		msg == "INVALID_LOGIN_CREDENTIALS", msg == "USER_DISABLED",
		msg == "INVALID_ID_TOKEN", msg == "TOKEN_EXPIRED":
		return model.NewInvalidCredentialsError(msg)
	default:
		return model.NewGatewayUnavailableError(msg)
	}
}

// compile-time interface check
var _ Gateway = (*RESTGateway)(nil)
