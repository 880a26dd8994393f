// Package prefs はユーザーごとの表示設定を提供する。
//
// 設定はRecord Storeのpreferencesコレクションにユーザー単位の
// ドキュメントとして保存され、読み取り時にデフォルト値が補完される。
package prefs

import (
	"context"
	"log/slog"
	"time"

	"github.com/hitoshi/cargotrack/internal/recordstore"
)

// Collection は設定を格納するRecord Storeのコレクション名。
const Collection = "preferences"

// デフォルト値
const (
	DefaultTheme    = "light"
	DefaultCurrency = "USD"
)

// Preferences はユーザーの表示設定を表す。
type Preferences struct {
	Theme            string `json:"theme"`
	Currency         string `json:"currency"`
	SidebarCollapsed bool   `json:"sidebarCollapsed"`
}

// Defaults はデフォルト設定を返す。
func Defaults() Preferences {
	return Preferences{
		Theme:            DefaultTheme,
		Currency:         DefaultCurrency,
		SidebarCollapsed: false,
	}
}

// Service は設定の読み書きを提供する。
type Service struct {
	store  recordstore.Store
	logger *slog.Logger
}

// NewService はServiceを生成する。
func NewService(store recordstore.Store, logger *slog.Logger) *Service {
	return &Service{store: store, logger: logger}
}

// Get はユーザーの設定を取得する。
// ドキュメントが存在しない場合や個別フィールドが欠落している場合は
// デフォルト値で補完する。
func (s *Service) Get(ctx context.Context, uid string) (Preferences, error) {
	docs, err := s.store.Query(ctx, Collection, recordstore.Query{
		Filters: map[string]any{"uid": uid},
	})
	if err != nil {
		return Preferences{}, err
	}

	prefs := Defaults()
	if len(docs) == 0 {
		return prefs, nil
	}

	doc := docs[0]
	if theme, ok := doc.Fields["theme"].(string); ok && theme != "" {
		prefs.Theme = theme
	}
	if currency, ok := doc.Fields["currency"].(string); ok && currency != "" {
		prefs.Currency = currency
	}
	if collapsed, ok := doc.Fields["sidebarCollapsed"].(bool); ok {
		prefs.SidebarCollapsed = collapsed
	}
	return prefs, nil
}

// Put はユーザーの設定を保存する。
// 既存ドキュメントがあれば更新し、なければ新規作成する。
func (s *Service) Put(ctx context.Context, uid string, prefs Preferences) error {
	if prefs.Theme == "" {
		prefs.Theme = DefaultTheme
	}
	if prefs.Currency == "" {
		prefs.Currency = DefaultCurrency
	}

	fields := map[string]any{
		"uid":              uid,
		"theme":            prefs.Theme,
		"currency":         prefs.Currency,
		"sidebarCollapsed": prefs.SidebarCollapsed,
		"updatedAt":        time.Now().UTC().Format(time.RFC3339Nano),
	}

	docs, err := s.store.Query(ctx, Collection, recordstore.Query{
		Filters: map[string]any{"uid": uid},
	})
	if err != nil {
		return err
	}

	if len(docs) > 0 {
		return s.store.Update(ctx, Collection, docs[0].ID, fields)
	}

	if _, err := s.store.Add(ctx, Collection, fields); err != nil {
		return err
	}
	return nil
}
