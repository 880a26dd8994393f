// Package recordstore はドキュメント型Record Storeの抽象とバインディングを提供する。
//
// Record Storeはスキーマレスなkey/valueドキュメントのコレクションを保持し、
// ポイント読み書き、等値フィルタ付きクエリ、およびライブクエリ購読を提供する。
// スキーマの強制はアプリケーション層（各エンティティサービスのデコード境界）の責務。
package recordstore

import "context"

// Document はRecord Storeに格納される1ドキュメント。
// Fieldsはスキーマレスなkey/valueマップで、値はJSON互換型に限る。
type Document struct {
	ID     string
	Fields map[string]any
}

// Clone はドキュメントの浅いコピーを返す。
// Fieldsマップ自体は複製されるが、ネストした値は共有される。
func (d Document) Clone() Document {
	fields := make(map[string]any, len(d.Fields))
	for k, v := range d.Fields {
		fields[k] = v
	}
	return Document{ID: d.ID, Fields: fields}
}

// Query はコレクションに対する等値フィルタと並び順を表す。
// OrderByDescが指定された場合、そのフィールドの降順で結果を返す。
type Query struct {
	// Filters はフィールド名から要求値への等値フィルタ。
	// 空の場合は全ドキュメントが対象。
	Filters map[string]any
	// OrderByDesc は降順ソートに使用するフィールド名（通常 "createdAt"）。
	// 空の場合の並び順は未定義。
	OrderByDesc string
}

// Subscription はライブクエリ購読を表す。
// Snapshotsにはサーバー側の変更のたびに全件再評価されたスナップショットが
// 届く。最新スナップショットのみが意味を持ち、消費が遅れた場合は古い
// スナップショットが破棄される（buffer 1、drop stale）。
// Cancelは冪等で、購読の解放後にSnapshotsはcloseされる。
type Subscription struct {
	Snapshots <-chan []Document
	Cancel    func()
}

// Store はRecord Storeコラボレーターの操作セット。
// すべての失敗はmodel.StoreErrorとして表面化する。
type Store interface {
	// Get は指定コレクションのドキュメントを1件取得する。
	// 見つからない場合はRECORD_NOT_FOUNDのStoreErrorを返す。
	Get(ctx context.Context, collection, id string) (Document, error)

	// Query はフィルタと並び順に一致するドキュメント一覧を返す。
	Query(ctx context.Context, collection string, q Query) ([]Document, error)

	// Subscribe はライブクエリを開始する。
	// サーバー側の作成/更新/削除のたびにクエリを再評価し、
	// 全件スナップショットをSubscription.Snapshotsへ配信する。
	Subscribe(ctx context.Context, collection string, q Query) (*Subscription, error)

	// Add はドキュメントを追加し、採番されたIDを返す。
	Add(ctx context.Context, collection string, fields map[string]any) (string, error)

	// Update は指定ドキュメントへ部分フィールドをマージする。
	// 対象が存在しない場合はRECORD_NOT_FOUNDのStoreErrorを返す。
	Update(ctx context.Context, collection, id string, partial map[string]any) error

	// Delete は指定ドキュメントを削除する。
	// 対象が存在しない場合はRECORD_NOT_FOUNDのStoreErrorを返す。
	Delete(ctx context.Context, collection, id string) error
}

// matchesFilters はドキュメントが等値フィルタすべてに一致するかを返す。
// メモリバインディングとスナップショット再評価で共用する。
func matchesFilters(doc Document, filters map[string]any) bool {
	for field, want := range filters {
		got, ok := doc.Fields[field]
		if !ok || got != want {
			return false
		}
	}
	return true
}
