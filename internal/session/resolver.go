// Package session はセッション管理（現在ユーザーのidentityとロールの単一情報源）を提供する。
package session

import (
	"context"
	"fmt"
	"time"

	"github.com/hitoshi/cargotrack/internal/model"
	"github.com/hitoshi/cargotrack/internal/recordstore"
)

// ProfilesCollection はプロファイルを格納するRecord Storeのコレクション名。
const ProfilesCollection = "users"

// Resolver はidentityからプロファイルとロールを解決する。
// Managerのセッション変更処理と、HTTPリクエストごとの認証ミドルウェアの
// 両方から使用されるステートレスな共有部品。
type Resolver struct {
	store recordstore.Store
}

// NewResolver はResolverを生成する。
func NewResolver(store recordstore.Store) *Resolver {
	return &Resolver{store: store}
}

// Resolve はUIDに対応するプロファイルを取得する。
// プロファイルが存在しない場合はデフォルトロール（client）で新規作成する。
// ロールは常に返却されたプロファイルから導出すること。
func (r *Resolver) Resolve(ctx context.Context, ident *model.Identity) (*model.Profile, error) {
	profile, found, err := r.lookup(ctx, ident.UID)
	if err != nil {
		return nil, fmt.Errorf("failed to look up profile: %w", err)
	}
	if found {
		return profile, nil
	}

	// 初回サインイン: デフォルトのclientプロファイルを作成する
	return r.create(ctx, ident, "")
}

// Register は新規登録時のプロファイルを作成する。
// ロールは呼び出し側の指定にかかわらず常にclientで作成される
// （ロールフィールドのクライアント書き込みによる権限昇格を防ぐ）。
// セッション変更ストリーム側が先にデフォルトプロファイルを作成していた場合は
// 表示名のみを反映する。
func (r *Resolver) Register(ctx context.Context, ident *model.Identity, displayName string) (*model.Profile, error) {
	profile, found, err := r.lookup(ctx, ident.UID)
	if err != nil {
		return nil, fmt.Errorf("failed to look up profile: %w", err)
	}
	if found {
		if displayName != "" && profile.DisplayName != displayName {
			if err := r.updateDisplayName(ctx, ident.UID, displayName); err != nil {
				return nil, err
			}
			profile.DisplayName = displayName
		}
		return profile, nil
	}

	return r.create(ctx, ident, displayName)
}

// lookup はUIDでプロファイルを検索する。見つからない場合はfound=falseを返す。
func (r *Resolver) lookup(ctx context.Context, uid string) (*model.Profile, bool, error) {
	docs, err := r.store.Query(ctx, ProfilesCollection, recordstore.Query{
		Filters: map[string]any{"uid": uid},
	})
	if err != nil {
		return nil, false, err
	}
	if len(docs) == 0 {
		return nil, false, nil
	}

	profile, err := decodeProfile(docs[0])
	if err != nil {
		return nil, false, err
	}
	return profile, true, nil
}

// create はプロファイルを新規作成する。ロールは常にDefaultRole。
func (r *Resolver) create(ctx context.Context, ident *model.Identity, displayName string) (*model.Profile, error) {
	now := time.Now().UTC()
	fields := map[string]any{
		"uid":       ident.UID,
		"email":     ident.Email,
		"role":      string(model.DefaultRole),
		"createdAt": now.Format(time.RFC3339Nano),
	}
	if displayName != "" {
		fields["displayName"] = displayName
	}

	if _, err := r.store.Add(ctx, ProfilesCollection, fields); err != nil {
		return nil, fmt.Errorf("failed to create default profile: %w", err)
	}

	return &model.Profile{
		DisplayName: displayName,
		Email:       ident.Email,
		Role:        model.DefaultRole,
		CreatedAt:   now,
	}, nil
}

// updateDisplayName は表示名のみを部分更新する。
func (r *Resolver) updateDisplayName(ctx context.Context, uid, displayName string) error {
	docs, err := r.store.Query(ctx, ProfilesCollection, recordstore.Query{
		Filters: map[string]any{"uid": uid},
	})
	if err != nil || len(docs) == 0 {
		return fmt.Errorf("failed to update display name for %s: %v", uid, err)
	}
	return r.store.Update(ctx, ProfilesCollection, docs[0].ID, map[string]any{
		"displayName": displayName,
	})
}

// decodeProfile はスキーマレスなドキュメントを型付きプロファイルへ復元する。
// 必須フィールドの欠落・型不一致はMALFORMED_DOCUMENTとして拒否する。
func decodeProfile(doc recordstore.Document) (*model.Profile, error) {
	email, ok := doc.Fields["email"].(string)
	if !ok || email == "" {
		return nil, model.NewMalformedDocumentError(ProfilesCollection, doc.ID, "missing email")
	}

	profile := &model.Profile{Email: email}

	if name, ok := doc.Fields["displayName"].(string); ok {
		profile.DisplayName = name
	}

	// roleは未知の値・欠落時にDefaultRoleへフォールバックする
	roleStr, _ := doc.Fields["role"].(string)
	profile.Role = model.ParseRole(roleStr)

	if createdAt, ok := doc.Fields["createdAt"].(string); ok {
		if t, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
			profile.CreatedAt = t
		}
	}

	return profile, nil
}
