// Package customer は顧客コレクションのエンティティストアを提供する。
//
// 顧客管理はadminロール専用。TotalShipments/TotalSpentの集計値は
// 読み取り時に配送コレクションから再計算した値が正であり、
// 格納済みの非正規化値はリコンサイルジョブが追従させる。
package customer

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/hitoshi/cargotrack/internal/metrics"
	"github.com/hitoshi/cargotrack/internal/model"
	"github.com/hitoshi/cargotrack/internal/recordstore"
	"github.com/hitoshi/cargotrack/internal/security"
	"github.com/hitoshi/cargotrack/internal/shipment"
)

// Collection は顧客を格納するRecord Storeのコレクション名。
const Collection = "customers"

// CreateInput は顧客作成の入力。
type CreateInput struct {
	Name    string
	Email   string
	Phone   string
	Address string
	Company string
}

// Service は顧客エンティティストア。
// インスタンスごとに同時にアクティブなライブクエリ購読は最大1つ。
type Service struct {
	store     recordstore.Store
	sanitizer security.TextSanitizerService
	recorder  metrics.Recorder
	logger    *slog.Logger

	mu        sync.Mutex
	mirror    []model.Customer
	subCancel func()
}

// NewService はServiceを生成する。
func NewService(store recordstore.Store, sanitizer security.TextSanitizerService, recorder metrics.Recorder, logger *slog.Logger) *Service {
	return &Service{
		store:     store,
		sanitizer: sanitizer,
		recorder:  recorder,
		logger:    logger,
	}
}

// FetchAll は顧客一覧を取得し、ローカルミラーを置き換える。
// クエリ失敗時はStoreErrorを返し、ミラーは変更されない。
func (s *Service) FetchAll(ctx context.Context) ([]model.Customer, error) {
	docs, err := s.store.Query(ctx, Collection, recordstore.Query{OrderByDesc: "createdAt"})
	if err != nil {
		s.recorder.RecordStoreOp(Collection, "query", false)
		return nil, err
	}
	s.recorder.RecordStoreOp(Collection, "query", true)

	customers := s.decodeAll(docs)

	s.mu.Lock()
	s.mirror = customers
	s.mu.Unlock()

	return copyCustomers(customers), nil
}

// Subscribe はライブクエリ購読を開始する。
// 既存の購読がある場合は先に解除する（重複・stale配信の防止）。
// ハンドルの呼び出しで購読が解除され、チャネルがcloseされる。
func (s *Service) Subscribe(ctx context.Context) (<-chan []model.Customer, func(), error) {
	s.mu.Lock()
	prev := s.subCancel
	s.subCancel = nil
	s.mu.Unlock()
	if prev != nil {
		prev()
	}

	sub, err := s.store.Subscribe(ctx, Collection, recordstore.Query{OrderByDesc: "createdAt"})
	if err != nil {
		s.recorder.RecordStoreOp(Collection, "subscribe", false)
		return nil, nil, err
	}
	s.recorder.RecordStoreOp(Collection, "subscribe", true)
	s.recorder.IncActiveSubscriptions(Collection)

	out := make(chan []model.Customer, 1)

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			sub.Cancel()
			s.recorder.DecActiveSubscriptions(Collection)
		})
	}

	s.mu.Lock()
	s.subCancel = cancel
	s.mu.Unlock()

	go func() {
		defer close(out)
		for docs := range sub.Snapshots {
			customers := s.decodeAll(docs)

			s.mu.Lock()
			s.mirror = customers
			s.mu.Unlock()

			s.recorder.RecordSnapshotPush(Collection)
			pushLatest(out, copyCustomers(customers))
		}
	}()

	return out, cancel, nil
}

// Create は顧客を作成し、採番されたIDを返す。
// 自由入力フィールドはサニタイズされる。集計値は0で初期化される。
func (s *Service) Create(ctx context.Context, input CreateInput) (string, error) {
	input.Name = s.sanitizer.Sanitize(input.Name)
	input.Email = s.sanitizer.Sanitize(input.Email)
	input.Phone = s.sanitizer.Sanitize(input.Phone)
	input.Address = s.sanitizer.Sanitize(input.Address)
	input.Company = s.sanitizer.Sanitize(input.Company)

	if input.Name == "" {
		return "", model.NewMalformedDocumentError(Collection, "", "name is required")
	}
	if input.Email == "" {
		return "", model.NewMalformedDocumentError(Collection, "", "email is required")
	}

	now := time.Now().UTC()
	fields := map[string]any{
		"name":           input.Name,
		"email":          input.Email,
		"phone":          input.Phone,
		"address":        input.Address,
		"company":        input.Company,
		"status":         string(model.CustomerStatusActive),
		"totalShipments": 0,
		"totalSpent":     float64(0),
		"createdAt":      now.Format(time.RFC3339Nano),
		"updatedAt":      now.Format(time.RFC3339Nano),
	}

	id, err := s.store.Add(ctx, Collection, fields)
	if err != nil {
		s.recorder.RecordStoreOp(Collection, "add", false)
		return "", err
	}
	s.recorder.RecordStoreOp(Collection, "add", true)

	created := model.Customer{
		ID:        id,
		Name:      input.Name,
		Email:     input.Email,
		Phone:     input.Phone,
		Address:   input.Address,
		Company:   input.Company,
		Status:    model.CustomerStatusActive,
		CreatedAt: now,
		UpdatedAt: now,
	}

	s.mu.Lock()
	s.mirror = append([]model.Customer{created}, s.mirror...)
	s.mu.Unlock()

	s.logger.Info("customer created", slog.String("customer_id", id))
	return id, nil
}

// Update は顧客の部分更新をwrite-throughで行い、
// 確認後に同じフィールドをローカルミラーへマージする。
// 失敗時はローカル状態を変更しない。
func (s *Service) Update(ctx context.Context, id string, patch model.CustomerPatch) error {
	partial := map[string]any{}
	if patch.Name != nil {
		partial["name"] = s.sanitizer.Sanitize(*patch.Name)
	}
	if patch.Email != nil {
		partial["email"] = s.sanitizer.Sanitize(*patch.Email)
	}
	if patch.Phone != nil {
		partial["phone"] = s.sanitizer.Sanitize(*patch.Phone)
	}
	if patch.Address != nil {
		partial["address"] = s.sanitizer.Sanitize(*patch.Address)
	}
	if patch.Company != nil {
		partial["company"] = s.sanitizer.Sanitize(*patch.Company)
	}
	if patch.Status != nil {
		if *patch.Status != model.CustomerStatusActive && *patch.Status != model.CustomerStatusInactive {
			return model.NewMalformedDocumentError(Collection, id, "unknown status")
		}
		partial["status"] = string(*patch.Status)
	}
	if len(partial) == 0 {
		return nil
	}
	now := time.Now().UTC()
	partial["updatedAt"] = now.Format(time.RFC3339Nano)

	if err := s.store.Update(ctx, Collection, id, partial); err != nil {
		s.recorder.RecordStoreOp(Collection, "update", false)
		return err
	}
	s.recorder.RecordStoreOp(Collection, "update", true)

	s.mu.Lock()
	for i := range s.mirror {
		if s.mirror[i].ID != id {
			continue
		}
		applyPatch(&s.mirror[i], patch, s.sanitizer)
		s.mirror[i].UpdatedAt = now
		break
	}
	s.mu.Unlock()

	return nil
}

// Delete は顧客をwrite-throughで削除し、確認後にミラーから除去する。
// 対象が存在しない場合はStoreErrorを返し、ローカル状態は変更されない。
func (s *Service) Delete(ctx context.Context, id string) error {
	if err := s.store.Delete(ctx, Collection, id); err != nil {
		s.recorder.RecordStoreOp(Collection, "delete", false)
		return err
	}
	s.recorder.RecordStoreOp(Collection, "delete", true)

	s.mu.Lock()
	for i := range s.mirror {
		if s.mirror[i].ID == id {
			s.mirror = append(s.mirror[:i], s.mirror[i+1:]...)
			break
		}
	}
	s.mu.Unlock()

	return nil
}

// Get は顧客を1件取得する。集計値は配送コレクションから再計算される。
func (s *Service) Get(ctx context.Context, id string) (*model.Customer, error) {
	doc, err := s.store.Get(ctx, Collection, id)
	if err != nil {
		return nil, err
	}
	c, err := decodeCustomer(doc)
	if err != nil {
		return nil, err
	}

	stats, err := s.Stats(ctx, id)
	if err != nil {
		// 集計失敗時は格納済みの非正規化値で返す
		s.logger.Warn("customer stats recomputation failed, using stored values",
			slog.String("customer_id", id),
			slog.String("error", err.Error()),
		)
		return &c, nil
	}
	c.TotalShipments = stats.TotalShipments
	c.TotalSpent = stats.TotalSpent
	return &c, nil
}

// Stats は配送コレクションから顧客の集計値を計算する。
// リコンサイルジョブと読み取りパスの両方から使用される。
func (s *Service) Stats(ctx context.Context, customerID string) (*model.CustomerStats, error) {
	docs, err := s.store.Query(ctx, shipment.Collection, recordstore.Query{
		Filters: map[string]any{"customerId": customerID},
	})
	if err != nil {
		s.recorder.RecordStoreOp(shipment.Collection, "query", false)
		return nil, err
	}
	s.recorder.RecordStoreOp(shipment.Collection, "query", true)

	stats := &model.CustomerStats{CustomerID: customerID}
	for _, doc := range docs {
		stats.TotalShipments++
		stats.TotalSpent += decodeNumber(doc.Fields["cost"])
	}
	return stats, nil
}

// Snapshot は現在のローカルミラーのコピーを返す。
func (s *Service) Snapshot() []model.Customer {
	s.mu.Lock()
	defer s.mu.Unlock()
	return copyCustomers(s.mirror)
}

// decodeAll はドキュメント一覧をデコードする。
// 不正ドキュメントは警告ログとメトリクスを残して読み飛ばす。
func (s *Service) decodeAll(docs []recordstore.Document) []model.Customer {
	customers := make([]model.Customer, 0, len(docs))
	for _, doc := range docs {
		c, err := decodeCustomer(doc)
		if err != nil {
			s.recorder.RecordMalformedDocument(Collection)
			s.logger.Warn("dropping malformed customer document",
				slog.String("document_id", doc.ID),
				slog.String("error", err.Error()),
			)
			continue
		}
		customers = append(customers, c)
	}
	return customers
}

// applyPatch はミラー上のレコードへ部分更新を反映する。
// 書き込みパスと同じサニタイズを適用する。
func applyPatch(c *model.Customer, patch model.CustomerPatch, sanitizer security.TextSanitizerService) {
	if patch.Name != nil {
		c.Name = sanitizer.Sanitize(*patch.Name)
	}
	if patch.Email != nil {
		c.Email = sanitizer.Sanitize(*patch.Email)
	}
	if patch.Phone != nil {
		c.Phone = sanitizer.Sanitize(*patch.Phone)
	}
	if patch.Address != nil {
		c.Address = sanitizer.Sanitize(*patch.Address)
	}
	if patch.Company != nil {
		c.Company = sanitizer.Sanitize(*patch.Company)
	}
	if patch.Status != nil {
		c.Status = *patch.Status
	}
}

// copyCustomers はミラーの防御的コピーを返す。
func copyCustomers(customers []model.Customer) []model.Customer {
	out := make([]model.Customer, len(customers))
	copy(out, customers)
	return out
}

// pushLatest はbuffer 1のチャネルへ最新スナップショットを配信する。
// 消費が追いついていない場合は古いスナップショットを破棄する。
func pushLatest(ch chan []model.Customer, snapshot []model.Customer) {
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
