// Package identity はIdentity Gatewayコラボレーターの抽象とRESTバインディングを提供する。
//
// Identity Gatewayは資格情報の検証とセッショントークンを管理する外部サービス。
// トークンの永続化・更新はゲートウェイ側の責務であり、アプリには公開されない。
package identity

import (
	"context"

	"github.com/hitoshi/cargotrack/internal/model"
)

// Gateway はIdentity Gatewayの操作セット。
// 認証操作の拒否はmodel.AuthErrorとして表面化する。
type Gateway interface {
	// SignIn はメールアドレスとパスワードで認証し、identityを返す。
	// 成功時にセッション変更ストリームが発火する。
	SignIn(ctx context.Context, email, password string) (*model.Identity, error)

	// SignUp はアカウントを作成し、identityを返す。
	// 副作用として確認メールの送信を要求する。
	// 成功時にセッション変更ストリームが発火する。
	SignUp(ctx context.Context, email, password string) (*model.Identity, error)

	// SignOut は現在のidentityをサインアウトする。
	// 成功・失敗にかかわらずセッション変更ストリームにはnil identityが発火する。
	SignOut(ctx context.Context) error

	// VerifyToken はセッショントークンを検証し、対応するidentityを返す。
	// HTTPリクエストごとの認証に使用する。
	VerifyToken(ctx context.Context, token string) (*model.Identity, error)

	// OnSessionChange はセッション変更リスナーを登録する。
	// 登録直後に現在の状態（未認証ならnil）で1回呼び出され、
	// 以降はサインイン・サインアウトのたびに呼び出される。
	// 返されたハンドルを呼ぶとリスナーが解除される。
	OnSessionChange(fn func(*model.Identity)) (cancel func())
}
