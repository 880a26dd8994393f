package recordstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/cargotrack/internal/model"
)

// MemoryStore はインメモリのRecord Storeバインディング。
// テストおよびローカルモードで使用する。全操作はスレッドセーフ。
type MemoryStore struct {
	mu          sync.RWMutex
	collections map[string]map[string]Document
	subs        map[int]*memorySubscriber
	nextSubID   int
}

// memorySubscriber は1件のライブクエリ購読者。
type memorySubscriber struct {
	collection string
	query      Query
	ch         chan []Document
}

// NewMemoryStore はMemoryStoreを生成する。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		collections: make(map[string]map[string]Document),
		subs:        make(map[int]*memorySubscriber),
	}
}

// Get は指定コレクションのドキュメントを1件取得する。
func (s *MemoryStore) Get(ctx context.Context, collection, id string) (Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	doc, ok := s.collections[collection][id]
	if !ok {
		return Document{}, model.NewRecordNotFoundError(collection, id)
	}
	return doc.Clone(), nil
}

// Query はフィルタと並び順に一致するドキュメント一覧を返す。
func (s *MemoryStore) Query(ctx context.Context, collection string, q Query) ([]Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.evaluateLocked(collection, q), nil
}

// Subscribe はライブクエリを開始する。
// 購読直後に現時点のスナップショットを1回配信し、以降は変更のたびに配信する。
func (s *MemoryStore) Subscribe(ctx context.Context, collection string, q Query) (*Subscription, error) {
	s.mu.Lock()
	id := s.nextSubID
	s.nextSubID++
	sub := &memorySubscriber{
		collection: collection,
		query:      q,
		ch:         make(chan []Document, 1),
	}
	s.subs[id] = sub
	initial := s.evaluateLocked(collection, q)
	s.mu.Unlock()

	pushLatest(sub.ch, initial)

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.subs, id)
			s.mu.Unlock()
			close(sub.ch)
		})
	}

	// コンテキスト破棄でも購読を解放する
	go func() {
		<-ctx.Done()
		cancel()
	}()

	return &Subscription{Snapshots: sub.ch, Cancel: cancel}, nil
}

// Add はドキュメントを追加し、採番されたIDを返す。
func (s *MemoryStore) Add(ctx context.Context, collection string, fields map[string]any) (string, error) {
	id := uuid.New().String()
	doc := Document{ID: id, Fields: fields}

	s.mu.Lock()
	if s.collections[collection] == nil {
		s.collections[collection] = make(map[string]Document)
	}
	s.collections[collection][id] = doc.Clone()
	s.mu.Unlock()

	s.notify(collection)
	return id, nil
}

// Update は指定ドキュメントへ部分フィールドをマージする。
func (s *MemoryStore) Update(ctx context.Context, collection, id string, partial map[string]any) error {
	s.mu.Lock()
	doc, ok := s.collections[collection][id]
	if !ok {
		s.mu.Unlock()
		return model.NewRecordNotFoundError(collection, id)
	}
	merged := doc.Clone()
	for k, v := range partial {
		merged.Fields[k] = v
	}
	s.collections[collection][id] = merged
	s.mu.Unlock()

	s.notify(collection)
	return nil
}

// Delete は指定ドキュメントを削除する。
func (s *MemoryStore) Delete(ctx context.Context, collection, id string) error {
	s.mu.Lock()
	if _, ok := s.collections[collection][id]; !ok {
		s.mu.Unlock()
		return model.NewRecordNotFoundError(collection, id)
	}
	delete(s.collections[collection], id)
	s.mu.Unlock()

	s.notify(collection)
	return nil
}

// SubscriberCount は指定コレクションのアクティブ購読者数を返す。テスト用。
func (s *MemoryStore) SubscriberCount(collection string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := 0
	for _, sub := range s.subs {
		if sub.collection == collection {
			n++
		}
	}
	return n
}

// evaluateLocked はクエリを評価してスナップショットを返す。
// 呼び出し側でロックを保持していること。
func (s *MemoryStore) evaluateLocked(collection string, q Query) []Document {
	docs := make([]Document, 0, len(s.collections[collection]))
	for _, doc := range s.collections[collection] {
		if matchesFilters(doc, q.Filters) {
			docs = append(docs, doc.Clone())
		}
	}
	if q.OrderByDesc != "" {
		field := q.OrderByDesc
		sort.SliceStable(docs, func(i, j int) bool {
			return compareFieldValues(docs[i].Fields[field], docs[j].Fields[field]) > 0
		})
	}
	return docs
}

// notify は該当コレクションの全購読者へ再評価済みスナップショットを配信する。
func (s *MemoryStore) notify(collection string) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, sub := range s.subs {
		if sub.collection != collection {
			continue
		}
		pushLatest(sub.ch, s.evaluateLocked(collection, sub.query))
	}
}

// pushLatest はbuffer 1のチャネルへ最新スナップショットを配信する。
// 消費が追いついていない場合は古いスナップショットを破棄する。
func pushLatest(ch chan []Document, snapshot []Document) {
	for {
		select {
		case ch <- snapshot:
			return
		default:
		}
		select {
		case <-ch:
		default:
		}
	}
}

// compareFieldValues はソート用にフィールド値を比較する。
// a > b なら正、a < b なら負、等しいかつ比較不能なら0を返す。
// 文字列（RFC 3339タイムスタンプを含む）、数値、time.Timeに対応する。
func compareFieldValues(a, b any) int {
	switch av := a.(type) {
	case string:
		if bv, ok := b.(string); ok {
			switch {
			case av > bv:
				return 1
			case av < bv:
				return -1
			}
			return 0
		}
	case time.Time:
		if bv, ok := b.(time.Time); ok {
			switch {
			case av.After(bv):
				return 1
			case av.Before(bv):
				return -1
			}
			return 0
		}
	case float64:
		if bv, ok := b.(float64); ok {
			switch {
			case av > bv:
				return 1
			case av < bv:
				return -1
			}
			return 0
		}
	case int:
		if bv, ok := b.(int); ok {
			return av - bv
		}
	}
	return 0
}

// compile-time interface check
var _ Store = (*MemoryStore)(nil)
