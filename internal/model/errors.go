// Package model はドメインモデルを定義する。
package model

import (
	"errors"
	"fmt"
)

// 定義済みエラーコード
const (
	ErrCodeInvalidCredentials      = "INVALID_CREDENTIALS"
	ErrCodeDuplicateAccount        = "DUPLICATE_ACCOUNT"
	ErrCodeWeakPassword            = "WEAK_PASSWORD"
	ErrCodeGatewayUnavailable      = "GATEWAY_UNAVAILABLE"
	ErrCodeRecordNotFound          = "RECORD_NOT_FOUND"
	ErrCodeStoreUnavailable        = "STORE_UNAVAILABLE"
	ErrCodePermissionDenied        = "PERMISSION_DENIED"
	ErrCodeMalformedDocument       = "MALFORMED_DOCUMENT"
	ErrCodeInvalidShipment         = "INVALID_SHIPMENT"
	ErrCodeProfileResolutionFailed = "PROFILE_RESOLUTION_FAILED"
)

// AuthError はIdentity Gatewayに拒否された認証操作を表す。
// 資格情報不正、アカウント重複、脆弱なパスワードなどが該当する。
type AuthError struct {
	Code    string // エラーコード
	Message string // エラーメッセージ
	Action  string // ユーザー向け対処方法
}

// Error はerrorインターフェースを実装する。
func (e *AuthError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// StoreError はRecord Storeに拒否されたレコード操作を表す。
// ネットワーク障害、権限拒否、レコード未検出などが該当する。
type StoreError struct {
	Code    string // エラーコード
	Message string // エラーメッセージ
	Action  string // ユーザー向け対処方法
}

// Error はerrorインターフェースを実装する。
func (e *StoreError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// ProfileResolutionError は認証成功後のロール解決失敗を表す。
// このエラーが発生してもセッションはデフォルトロールで確立される。
type ProfileResolutionError struct {
	UID string // 解決に失敗したidentityのUID
	Err error  // 原因となったエラー
}

// Error はerrorインターフェースを実装する。
func (e *ProfileResolutionError) Error() string {
	return fmt.Sprintf("[%s] failed to resolve profile for %s: %v", ErrCodeProfileResolutionFailed, e.UID, e.Err)
}

// Unwrap は原因となったエラーを返す。
func (e *ProfileResolutionError) Unwrap() error {
	return e.Err
}

// NewInvalidCredentialsError は資格情報拒否エラーを生成する。
// reasonにはゲートウェイが返した拒否理由を渡す。
func NewInvalidCredentialsError(reason string) *AuthError {
	return &AuthError{
		Code:    ErrCodeInvalidCredentials,
		Message: fmt.Sprintf("メールアドレスまたはパスワードが正しくありません: %s", reason),
		Action:  "入力内容を確認して再度お試しください。",
	}
}

// NewDuplicateAccountError はアカウント重複エラーを生成する。
func NewDuplicateAccountError(email string) *AuthError {
	return &AuthError{
		Code:    ErrCodeDuplicateAccount,
		Message: fmt.Sprintf("このメールアドレスは既に登録されています: %s", email),
		Action:  "ログイン画面からサインインしてください。",
	}
}

// NewWeakPasswordError は脆弱なパスワードエラーを生成する。
func NewWeakPasswordError(reason string) *AuthError {
	return &AuthError{
		Code:    ErrCodeWeakPassword,
		Message: fmt.Sprintf("パスワードが要件を満たしていません: %s", reason),
		Action:  "6文字以上のパスワードを設定してください。",
	}
}

// NewGatewayUnavailableError はIdentity Gatewayへの到達失敗エラーを生成する。
func NewGatewayUnavailableError(reason string) *AuthError {
	return &AuthError{
		Code:    ErrCodeGatewayUnavailable,
		Message: fmt.Sprintf("認証サービスに接続できませんでした: %s", reason),
		Action:  "しばらく待ってから再度お試しください。",
	}
}

// NewRecordNotFoundError はレコード未検出エラーを生成する。
func NewRecordNotFoundError(collection, id string) *StoreError {
	return &StoreError{
		Code:    ErrCodeRecordNotFound,
		Message: fmt.Sprintf("指定されたレコードが見つかりません: %s/%s", collection, id),
		Action:  "IDを確認してください。",
	}
}

// NewStoreUnavailableError はRecord Store操作失敗エラーを生成する。
func NewStoreUnavailableError(reason string) *StoreError {
	return &StoreError{
		Code:    ErrCodeStoreUnavailable,
		Message: fmt.Sprintf("データストアの操作に失敗しました: %s", reason),
		Action:  "しばらく待ってから再度お試しください。",
	}
}

// NewPermissionDeniedError は権限拒否エラーを生成する。
func NewPermissionDeniedError() *StoreError {
	return &StoreError{
		Code:    ErrCodePermissionDenied,
		Message: "この操作を行う権限がありません。",
		Action:  "管理者アカウントでログインしてください。",
	}
}

// NewMalformedDocumentError はスキーマ不整合エラーを生成する。
// Record Storeのドキュメントがアプリケーション層のスキーマに適合しない場合に使用する。
func NewMalformedDocumentError(collection, id, reason string) *StoreError {
	return &StoreError{
		Code:    ErrCodeMalformedDocument,
		Message: fmt.Sprintf("ドキュメントの形式が不正です: %s/%s: %s", collection, id, reason),
		Action:  "データ管理者に連絡してください。",
	}
}

// NewInvalidShipmentError は配送データ検証エラーを生成する。
func NewInvalidShipmentError(reason string) *StoreError {
	return &StoreError{
		Code:    ErrCodeInvalidShipment,
		Message: fmt.Sprintf("配送データが不正です: %s", reason),
		Action:  "入力内容を確認してください。",
	}
}

// IsNotFound はエラーがレコード未検出かどうかを判定する。
func IsNotFound(err error) bool {
	var storeErr *StoreError
	if errors.As(err, &storeErr) {
		return storeErr.Code == ErrCodeRecordNotFound
	}
	return false
}
