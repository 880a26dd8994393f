package model

import "time"

// Role はユーザーの権限ロールを表す。
type Role string

const (
	// RoleAdmin は管理者ロール。全コレクションの読み書きが可能。
	RoleAdmin Role = "admin"
	// RoleClient はクライアントロール。自身の配送のみ閲覧可能。
	RoleClient Role = "client"
)

// DefaultRole は初回サインイン時にプロファイルへ付与されるロール。
const DefaultRole = RoleClient

// ParseRole は文字列をRoleに変換する。未知の値はDefaultRoleにフォールバックする。
func ParseRole(s string) Role {
	switch Role(s) {
	case RoleAdmin:
		return RoleAdmin
	case RoleClient:
		return RoleClient
	default:
		return DefaultRole
	}
}

// SessionStatus はセッションのライフサイクル状態を表す。
type SessionStatus string

const (
	// StatusLoading はIdentity Gatewayのセッション変更ストリームが
	// まだ一度も発火していない初期状態。
	StatusLoading SessionStatus = "loading"
	// StatusAnonymous は未認証状態。
	StatusAnonymous SessionStatus = "anonymous"
	// StatusAuthenticated は認証済み状態。ロールが解決されている。
	StatusAuthenticated SessionStatus = "authenticated"
)

// Identity はIdentity Gatewayが発行した外部identityハンドル。
// トークンの永続化と更新はゲートウェイ側の責務であり、アプリは保持するだけ。
type Identity struct {
	UID   string
	Email string
	Token string
}

// Profile はusersコレクションに格納されるユーザープロファイル。
// ロールは常にこのプロファイルから導出され、単独で設定されることはない。
type Profile struct {
	DisplayName string
	Email       string
	Role        Role
	CreatedAt   time.Time
}

// Session は現在のユーザーの認証・ロール状態を表すスナップショット。
type Session struct {
	Identity *Identity
	Profile  *Profile
	Role     Role
	Status   SessionStatus
	// Err はプロファイル解決失敗など、状態遷移中に発生した
	// 致命的でないエラーを保持する。セッション自体は有効。
	Err error
}

// AnonymousSession は未認証セッションを返す。
func AnonymousSession() Session {
	return Session{Status: StatusAnonymous}
}

// IsAuthenticated はセッションが認証済みかどうかを返す。
func (s Session) IsAuthenticated() bool {
	return s.Status == StatusAuthenticated
}
