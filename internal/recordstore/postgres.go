package recordstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/hitoshi/cargotrack/internal/model"
)

// notifyChannel はドキュメント変更トリガーがpg_notifyに使用するチャネル名。
// マイグレーション0001のトリガー定義と一致していること。
const notifyChannel = "recordstore_changes"

// listenerPingInterval はLISTEN接続の死活確認間隔。
const listenerPingInterval = 90 * time.Second

// PostgresStore はPostgreSQLを使用したRecord Storeバインディング。
// 全コレクションをdocumentsテーブル（JSONB）に格納し、
// ライブクエリはLISTEN/NOTIFYによるスナップショット再評価で実現する。
type PostgresStore struct {
	db *sql.DB
	// databaseURL はLISTEN専用接続（pq.Listener）の確立に使用する。
	databaseURL string
	logger      *slog.Logger
}

// NewPostgresStore はPostgresStoreを生成する。
func NewPostgresStore(db *sql.DB, databaseURL string, logger *slog.Logger) *PostgresStore {
	return &PostgresStore{db: db, databaseURL: databaseURL, logger: logger}
}

// Get は指定コレクションのドキュメントを1件取得する。
func (s *PostgresStore) Get(ctx context.Context, collection, id string) (Document, error) {
	var raw []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT doc FROM documents WHERE collection = $1 AND id = $2`,
		collection, id,
	).Scan(&raw)

	if err == sql.ErrNoRows {
		return Document{}, model.NewRecordNotFoundError(collection, id)
	}
	if err != nil {
		return Document{}, model.NewStoreUnavailableError(fmt.Sprintf("get %s/%s: %v", collection, id, err))
	}

	fields, err := unmarshalFields(raw)
	if err != nil {
		return Document{}, model.NewMalformedDocumentError(collection, id, err.Error())
	}
	return Document{ID: id, Fields: fields}, nil
}

// Query はフィルタと並び順に一致するドキュメント一覧を返す。
// 等値フィルタはJSONB包含演算子（@>）で評価する。
func (s *PostgresStore) Query(ctx context.Context, collection string, q Query) ([]Document, error) {
	sqlQuery, args, err := buildQuery(collection, q)
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, sqlQuery, args...)
	if err != nil {
		return nil, model.NewStoreUnavailableError(fmt.Sprintf("query %s: %v", collection, err))
	}
	defer rows.Close()

	var docs []Document
	for rows.Next() {
		var id string
		var raw []byte
		if err := rows.Scan(&id, &raw); err != nil {
			return nil, model.NewStoreUnavailableError(fmt.Sprintf("scan %s: %v", collection, err))
		}
		fields, err := unmarshalFields(raw)
		if err != nil {
			return nil, model.NewMalformedDocumentError(collection, id, err.Error())
		}
		docs = append(docs, Document{ID: id, Fields: fields})
	}
	if err := rows.Err(); err != nil {
		return nil, model.NewStoreUnavailableError(fmt.Sprintf("iterate %s: %v", collection, err))
	}

	return docs, nil
}

// Subscribe はライブクエリを開始する。
// LISTEN専用接続で変更通知を受け取り、該当コレクションの通知のたびに
// クエリを再評価して全件スナップショットを配信する。
// 購読開始直後に初期スナップショットを1回配信する。
func (s *PostgresStore) Subscribe(ctx context.Context, collection string, q Query) (*Subscription, error) {
	listener := pq.NewListener(s.databaseURL, 10*time.Second, time.Minute,
		func(ev pq.ListenerEventType, err error) {
			if err != nil {
				s.logger.Error("record store listener event",
					slog.Int("event", int(ev)),
					slog.String("error", err.Error()),
				)
			}
		})
	if err := listener.Listen(notifyChannel); err != nil {
		listener.Close()
		return nil, model.NewStoreUnavailableError(fmt.Sprintf("listen %s: %v", notifyChannel, err))
	}

	subCtx, cancelCtx := context.WithCancel(ctx)
	snapshots := make(chan []Document, 1)

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			cancelCtx()
			if err := listener.Close(); err != nil {
				s.logger.Warn("failed to close record store listener",
					slog.String("error", err.Error()),
				)
			}
		})
	}

	go s.subscriptionLoop(subCtx, listener, collection, q, snapshots)

	return &Subscription{Snapshots: snapshots, Cancel: cancel}, nil
}

// subscriptionLoop は購読のバックグラウンドタスク本体。
// 終了時にスナップショットチャネルをcloseする。
func (s *PostgresStore) subscriptionLoop(ctx context.Context, listener *pq.Listener, collection string, q Query, snapshots chan []Document) {
	defer close(snapshots)

	refresh := func() {
		docs, err := s.Query(ctx, collection, q)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.logger.Error("live query refresh failed",
				slog.String("collection", collection),
				slog.String("error", err.Error()),
			)
			return
		}
		pushLatest(snapshots, docs)
	}

	// 初期スナップショット
	refresh()

	ping := time.NewTicker(listenerPingInterval)
	defer ping.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case n, ok := <-listener.Notify:
			if !ok {
				return
			}
			// 再接続直後はnilが届くため全件再評価する
			if n == nil || n.Extra == collection {
				refresh()
			}
		case <-ping.C:
			if err := listener.Ping(); err != nil {
				if ctx.Err() != nil {
					return
				}
				s.logger.Warn("record store listener ping failed",
					slog.String("error", err.Error()),
				)
			}
		}
	}
}

// Add はドキュメントを追加し、採番されたIDを返す。
func (s *PostgresStore) Add(ctx context.Context, collection string, fields map[string]any) (string, error) {
	raw, err := json.Marshal(fields)
	if err != nil {
		return "", model.NewStoreUnavailableError(fmt.Sprintf("marshal %s: %v", collection, err))
	}

	id := uuid.New().String()
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO documents (collection, id, doc) VALUES ($1, $2, $3)`,
		collection, id, raw,
	)
	if err != nil {
		return "", model.NewStoreUnavailableError(fmt.Sprintf("add %s: %v", collection, err))
	}

	return id, nil
}

// Update は指定ドキュメントへ部分フィールドをマージする。
// JSONBの連結演算子（||）によるトップレベルマージで、nilフィールドは送信しない。
func (s *PostgresStore) Update(ctx context.Context, collection, id string, partial map[string]any) error {
	raw, err := json.Marshal(partial)
	if err != nil {
		return model.NewStoreUnavailableError(fmt.Sprintf("marshal %s/%s: %v", collection, id, err))
	}

	result, err := s.db.ExecContext(ctx,
		`UPDATE documents SET doc = doc || $3, updated_at = now()
		 WHERE collection = $1 AND id = $2`,
		collection, id, raw,
	)
	if err != nil {
		return model.NewStoreUnavailableError(fmt.Sprintf("update %s/%s: %v", collection, id, err))
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return model.NewStoreUnavailableError(fmt.Sprintf("update %s/%s: %v", collection, id, err))
	}
	if affected == 0 {
		return model.NewRecordNotFoundError(collection, id)
	}
	return nil
}

// Delete は指定ドキュメントを削除する。
func (s *PostgresStore) Delete(ctx context.Context, collection, id string) error {
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM documents WHERE collection = $1 AND id = $2`,
		collection, id,
	)
	if err != nil {
		return model.NewStoreUnavailableError(fmt.Sprintf("delete %s/%s: %v", collection, id, err))
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return model.NewStoreUnavailableError(fmt.Sprintf("delete %s/%s: %v", collection, id, err))
	}
	if affected == 0 {
		return model.NewRecordNotFoundError(collection, id)
	}
	return nil
}

// buildQuery はQueryをSQL文とバインド引数に組み立てる。
func buildQuery(collection string, q Query) (string, []any, error) {
	sqlQuery := `SELECT id, doc FROM documents WHERE collection = $1`
	args := []any{collection}

	if len(q.Filters) > 0 {
		raw, err := json.Marshal(q.Filters)
		if err != nil {
			return "", nil, model.NewStoreUnavailableError(fmt.Sprintf("marshal filters: %v", err))
		}
		sqlQuery += ` AND doc @> $2`
		args = append(args, raw)
	}

	switch q.OrderByDesc {
	case "":
	case "createdAt":
		// createdAtはカラムにも複製されているためインデックスが効く
		sqlQuery += ` ORDER BY created_at DESC`
	default:
		// フィールド名はSQL文へ直接埋め込むため、識別子以外は拒否する
		if !isFieldName(q.OrderByDesc) {
			return "", nil, model.NewStoreUnavailableError(fmt.Sprintf("invalid order field: %q", q.OrderByDesc))
		}
		sqlQuery += fmt.Sprintf(` ORDER BY doc->>'%s' DESC`, q.OrderByDesc)
	}

	return sqlQuery, args, nil
}

// isFieldName はドキュメントのフィールド名として妥当か判定する。
// 英数字とアンダースコアのみを許可する。
func isFieldName(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z':
		case r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9':
		case r == '_':
		default:
			return false
		}
	}
	return true
}

// unmarshalFields はJSONBカラムをフィールドマップへ復元する。
func unmarshalFields(raw []byte) (map[string]any, error) {
	var fields map[string]any
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, fmt.Errorf("invalid document payload: %w", err)
	}
	return fields, nil
}

// compile-time interface check
var _ Store = (*PostgresStore)(nil)
