// Package security はアプリケーションのセキュリティ機能を提供する。
//
// TextSanitizerService は顧客名・住所・表示名などの自由入力テキストを
// サニタイズし、格納データ経由のXSSからダッシュボード利用者を保護する。
// bluemondayのStrictPolicyにより、HTMLタグはすべて除去される。
package security

import (
	"strings"

	"github.com/microcosm-cc/bluemonday"
)

// TextSanitizerService は自由入力テキストのサニタイズ機能のインターフェース。
// エンティティサービスの書き込みパスで使用される。
type TextSanitizerService interface {
	// Sanitize は入力テキストからHTMLタグをすべて除去し、
	// 前後の空白をトリムしたプレーンテキストを返す。
	// 空文字列の入力には空文字列を返す。
	// 同一入力に対して常に同一出力を返す（冪等）。
	Sanitize(raw string) string
}

// textSanitizer はTextSanitizerServiceの実装。
// bluemondayのポリシーを保持し、スレッドセーフにサニタイズ処理を行う。
type textSanitizer struct {
	policy *bluemonday.Policy
}

// NewTextSanitizer はTextSanitizerServiceの新しいインスタンスを生成する。
// 顧客・配送・プロファイルの自由入力フィールドはHTMLを含む正当な
// ユースケースがないため、タグを一切許可しないStrictPolicyを使用する。
func NewTextSanitizer() *textSanitizer {
	return &textSanitizer{
		policy: bluemonday.StrictPolicy(),
	}
}

// Sanitize は入力テキストからHTMLタグをすべて除去して返す。
func (s *textSanitizer) Sanitize(raw string) string {
	return strings.TrimSpace(s.policy.Sanitize(raw))
}
