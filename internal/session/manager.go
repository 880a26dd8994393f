package session

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/hitoshi/cargotrack/internal/identity"
	"github.com/hitoshi/cargotrack/internal/model"
)

// resolveTimeout はセッション変更イベント処理中のプロファイル解決タイムアウト。
const resolveTimeout = 10 * time.Second

// Manager は「誰がどの権限でログインしているか」の単一情報源。
//
// 状態機械: loading → (anonymous | authenticated(role))。
// 状態遷移はIdentity Gatewayのセッション変更ストリームのみが駆動し、
// Login/Registerの呼び出し結果が直接状態を書き換えることはない
// （情報源の二重化を避けるため）。
type Manager struct {
	gateway  identity.Gateway
	resolver *Resolver
	logger   *slog.Logger

	mu       sync.Mutex
	session  model.Session
	detach   func()
	watchers map[int]chan model.Session
	nextID   int
}

// NewManager はManagerを生成する。初期状態はloading。
func NewManager(gateway identity.Gateway, resolver *Resolver, logger *slog.Logger) *Manager {
	return &Manager{
		gateway:  gateway,
		resolver: resolver,
		logger:   logger,
		session:  model.Session{Status: model.StatusLoading},
		watchers: make(map[int]chan model.Session),
	}
}

// Initialize はセッション変更ストリームの購読を開始する。
// 冪等: 2回呼ばれた場合は先に既存の購読を解除してから購読し直すため、
// 同時にアクティブな購読は常に最大1つ。
// 返されたハンドルを呼ぶと購読が解除される。
func (m *Manager) Initialize() (cancel func()) {
	m.mu.Lock()
	old := m.detach
	m.detach = nil
	m.mu.Unlock()

	if old != nil {
		old()
	}

	// OnSessionChangeは登録中に現在状態で同期発火するため、ロック外で呼ぶ
	detach := m.gateway.OnSessionChange(m.handleSessionChange)

	m.mu.Lock()
	m.detach = detach
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		d := m.detach
		m.detach = nil
		m.mu.Unlock()
		if d != nil {
			d()
		}
	}
}

// AuthResult はログイン・登録成功時に呼び出し元へ返す認証結果。
// TokenはAuthorization: Bearerヘッダーで後続リクエストに提示するセッショントークン。
type AuthResult struct {
	Token string
	Role  model.Role
}

// Login は資格情報の検証をIdentity Gatewayへ委譲する。
// セッション状態の更新はストリーム側が行うが、呼び出し元が成功直後に
// 遷移先を決められるよう、セッショントークンと解決済みロールを同期的に返す。
// 資格情報が拒否された場合はゲートウェイの理由を含むAuthErrorを返す。
func (m *Manager) Login(ctx context.Context, email, password string) (*AuthResult, error) {
	ident, err := m.gateway.SignIn(ctx, email, password)
	if err != nil {
		return nil, err
	}

	profile, err := m.resolver.Resolve(ctx, ident)
	if err != nil {
		// 解決失敗でもログイン自体は成立している。デフォルトロールで返す。
		m.logger.Warn("profile resolution failed after login",
			slog.String("uid", ident.UID),
			slog.String("error", err.Error()),
		)
		return &AuthResult{Token: ident.Token, Role: model.DefaultRole}, nil
	}

	return &AuthResult{Token: ident.Token, Role: profile.Role}, nil
}

// Register はアカウント作成をIdentity Gatewayへ委譲し、
// clientロールのプロファイルを作成する。要求されたロールは無視される。
// メール重複・脆弱なパスワード・ネットワーク障害時はAuthErrorを返す。
func (m *Manager) Register(ctx context.Context, email, password, displayName string) (*AuthResult, error) {
	ident, err := m.gateway.SignUp(ctx, email, password)
	if err != nil {
		return nil, err
	}

	profile, err := m.resolver.Register(ctx, ident, displayName)
	if err != nil {
		return nil, &model.ProfileResolutionError{UID: ident.UID, Err: err}
	}

	return &AuthResult{Token: ident.Token, Role: profile.Role}, nil
}

// Logout はIdentity Gatewayのサインアウトへ委譲する。
// ゲートウェイ呼び出しが失敗してもローカルセッションは無条件に
// anonymousへリセットされる（古いauthenticated状態を残さない）。
func (m *Manager) Logout(ctx context.Context) error {
	err := m.gateway.SignOut(ctx)
	if err != nil {
		m.logger.Warn("gateway sign-out failed, resetting local session anyway",
			slog.String("error", err.Error()),
		)
	}

	m.publish(model.AnonymousSession())
	return err
}

// Snapshot は現在のセッション状態のコピーを返す。
func (m *Manager) Snapshot() model.Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.session
}

// Watch はセッション状態の変化を受け取るチャネルを返す。
// チャネルはbuffer 1で、消費が遅れた場合は古いスナップショットが
// 破棄される（最新のみが意味を持つ）。
// 返されたハンドルを呼ぶと購読が解除され、チャネルがcloseされる。
func (m *Manager) Watch() (<-chan model.Session, func()) {
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	ch := make(chan model.Session, 1)
	m.watchers[id] = ch
	ch <- m.session
	m.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.watchers, id)
			m.mu.Unlock()
			close(ch)
		})
	}
	return ch, cancel
}

// handleSessionChange はセッション変更ストリームの1イベントを処理する。
// identityが存在すればプロファイルを解決してauthenticatedへ、
// 存在しなければanonymousへ遷移する。
// プロファイル解決に失敗してもloadingに留まらず、デフォルトロールで
// authenticatedへ遷移する（ユーザーを恒久的にブロックしない）。
func (m *Manager) handleSessionChange(ident *model.Identity) {
	if ident == nil {
		m.publish(model.AnonymousSession())
		return
	}

	ctx, cancelCtx := context.WithTimeout(context.Background(), resolveTimeout)
	defer cancelCtx()

	profile, err := m.resolver.Resolve(ctx, ident)
	if err != nil {
		resErr := &model.ProfileResolutionError{UID: ident.UID, Err: err}
		m.logger.Error("profile resolution failed",
			slog.String("uid", ident.UID),
			slog.String("error", err.Error()),
		)
		m.publish(model.Session{
			Identity: ident,
			Role:     model.DefaultRole,
			Status:   model.StatusAuthenticated,
			Err:      resErr,
		})
		return
	}

	m.publish(model.Session{
		Identity: ident,
		Profile:  profile,
		Role:     profile.Role,
		Status:   model.StatusAuthenticated,
	})
}

// publish はセッション状態を更新し、全ウォッチャーへ配信する。
// 到着順が後のイベントが常に勝つ。
func (m *Manager) publish(sess model.Session) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.session = sess
	for _, ch := range m.watchers {
		// buffer 1、最新優先: 未消費の古いスナップショットは破棄する
		select {
		case ch <- sess:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- sess:
			default:
			}
		}
	}
}
