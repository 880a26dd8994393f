// Package guard はルート保護の判定ロジックを提供する。
//
// Decide は副作用のない純粋関数であり、リクエストごとに安全に評価できる。
// 判定はセッション状態と要求ロールのみに依存する。
package guard

import "github.com/hitoshi/cargotrack/internal/model"

// DecisionKind は保護判定の種別を表す。
type DecisionKind int

const (
	// Wait はセッション状態が確定するまで判定を保留する。
	Wait DecisionKind = iota
	// Admit はアクセスを許可する。
	Admit
	// RedirectSignIn は未認証のためサインインへ誘導する。
	// 認証後に復帰できるよう要求パスを保持する。
	RedirectSignIn
	// RedirectHome は認証済みだがロール不足のためホームへ誘導する
	// （エラー画面を出さないソフトな拒否）。
	RedirectHome
)

// String はDecisionKindの文字列表現を返す。ログ用。
func (k DecisionKind) String() string {
	switch k {
	case Wait:
		return "wait"
	case Admit:
		return "admit"
	case RedirectSignIn:
		return "redirect-sign-in"
	case RedirectHome:
		return "redirect-home"
	default:
		return "unknown"
	}
}

// Decision は保護判定の結果を表す。
type Decision struct {
	Kind DecisionKind
	// ResumePath はRedirectSignIn時に保持される要求パス。
	// 認証完了後の復帰先として使用する。
	ResumePath string
}

// Decide はセッション状態と要求ロールからアクセス判定を下す。
//
//   - loading: 状態が確定していないためWait（誤ったリダイレクトをしない）
//   - anonymous: RedirectSignIn（要求パスを保持）
//   - authenticated かつ ロール不足: RedirectHome
//   - authenticated かつ ロール充足: Admit
//
// requiredRoleが空の場合は認証のみを要求する。
func Decide(sess model.Session, requiredRole model.Role, requestedPath string) Decision {
	switch sess.Status {
	case model.StatusLoading:
		return Decision{Kind: Wait}
	case model.StatusAnonymous:
		return Decision{Kind: RedirectSignIn, ResumePath: requestedPath}
	}

	if requiredRole != "" && sess.Role != requiredRole {
		return Decision{Kind: RedirectHome}
	}
	return Decision{Kind: Admit}
}
