// Package shipment は配送コレクションのエンティティストアを提供する。
//
// エンティティストアはサーバー側コレクションのローカルミラーを保持し、
// write-throughの変更操作とライブクエリ購読を提供する。
// ミラーはコラボレーターの確認後にのみ更新され、失敗時に部分的な
// ローカル変更が残ることはない。
package shipment

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/cargotrack/internal/metrics"
	"github.com/hitoshi/cargotrack/internal/model"
	"github.com/hitoshi/cargotrack/internal/recordstore"
	"github.com/hitoshi/cargotrack/internal/security"
)

// Collection は配送を格納するRecord Storeのコレクション名。
const Collection = "shipments"

// trackingPrefix は自動採番するトラッキング番号のプレフィックス。
const trackingPrefix = "CT"

// Scope はクエリの所有者スコープを表す。
// clientロールは自身が所有する配送のみ、adminロールは全件が対象。
type Scope struct {
	UserID string
	Role   model.Role
}

// query はスコープをRecord Storeのクエリへ変換する。
// 並び順は常に作成日時の降順。
func (s Scope) query() recordstore.Query {
	q := recordstore.Query{OrderByDesc: "createdAt"}
	if s.Role == model.RoleClient && s.UserID != "" {
		q.Filters = map[string]any{"customerId": s.UserID}
	}
	return q
}

// AdminScope は全件を対象とするスコープを返す。
func AdminScope() Scope {
	return Scope{Role: model.RoleAdmin}
}

// CreateInput は配送作成の入力。
type CreateInput struct {
	TrackingNumber   string // 空の場合は自動採番
	Origin           string
	Destination      string
	Type             string
	WeightKg         float64
	Cost             float64
	ShippedDate      time.Time
	ExpectedDelivery time.Time
	CustomerID       string
}

// Service は配送エンティティストア。
// インスタンスごとに同時にアクティブなライブクエリ購読は最大1つ。
type Service struct {
	store     recordstore.Store
	sanitizer security.TextSanitizerService
	recorder  metrics.Recorder
	logger    *slog.Logger

	mu        sync.Mutex
	mirror    []model.Shipment
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

// FetchAll はスコープに一致する配送一覧を取得し、ローカルミラーを置き換える。
// クエリ失敗時はStoreErrorを返し、ミラーは変更されない（部分上書きなし）。
func (s *Service) FetchAll(ctx context.Context, scope Scope) ([]model.Shipment, error) {
	docs, err := s.store.Query(ctx, Collection, scope.query())
	if err != nil {
		s.recorder.RecordStoreOp(Collection, "query", false)
		return nil, err
	}
	s.recorder.RecordStoreOp(Collection, "query", true)

	shipments := s.decodeAll(docs)

	s.mu.Lock()
	s.mirror = shipments
	s.mu.Unlock()

	return copyShipments(shipments), nil
}

// Subscribe はライブクエリ購読を開始する。
// 既存の購読がある場合は先に解除する（重複・stale配信の防止）。
// 返されたチャネルにはサーバー側の変更のたびに全件スナップショットが届き、
// 到着順が後のスナップショットが常にローカルミラーを上書きする。
// ハンドルの呼び出しで購読が解除され、チャネルがcloseされる。
func (s *Service) Subscribe(ctx context.Context, scope Scope) (<-chan []model.Shipment, func(), error) {
	// 前の購読を先に解除する
	s.mu.Lock()
	prev := s.subCancel
	s.subCancel = nil
	s.mu.Unlock()
	if prev != nil {
		prev()
	}

	sub, err := s.store.Subscribe(ctx, Collection, scope.query())
	if err != nil {
		s.recorder.RecordStoreOp(Collection, "subscribe", false)
		return nil, nil, err
	}
	s.recorder.RecordStoreOp(Collection, "subscribe", true)
	s.recorder.IncActiveSubscriptions(Collection)

	out := make(chan []model.Shipment, 1)

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
			shipments := s.decodeAll(docs)

			s.mu.Lock()
			s.mirror = shipments
			s.mu.Unlock()

			s.recorder.RecordSnapshotPush(Collection)
			pushLatest(out, copyShipments(shipments))
		}
	}()

	return out, cancel, nil
}

// Create は配送を作成し、採番されたIDを返す。
// トラッキング番号が未指定の場合は一意な番号を生成する。
// タイムラインは出発地での「Created」エントリ1件でシードされる。
// 書き込み失敗時はローカル状態を変更しない。
func (s *Service) Create(ctx context.Context, input CreateInput) (string, error) {
	if err := s.validateCreate(&input); err != nil {
		return "", err
	}

	now := time.Now().UTC()
	trackingNumber := input.TrackingNumber
	if trackingNumber == "" {
		trackingNumber = generateTrackingNumber(now)
	}

	timeline := []model.TimelineEntry{{
		Status:    "Created",
		Location:  input.Origin,
		Timestamp: now,
	}}

	fields := map[string]any{
		"trackingNumber":  trackingNumber,
		"origin":          input.Origin,
		"destination":     input.Destination,
		"status":          string(model.ShipmentStatusPending),
		"type":            input.Type,
		"weight":          input.WeightKg,
		"cost":            input.Cost,
		"customerId":      input.CustomerID,
		"currentLocation": input.Origin,
		"timeline":        encodeTimeline(timeline),
		"createdAt":       now.Format(time.RFC3339Nano),
		"updatedAt":       now.Format(time.RFC3339Nano),
	}
	if !input.ShippedDate.IsZero() {
		fields["shippedDate"] = input.ShippedDate.UTC().Format(time.RFC3339Nano)
	}
	if !input.ExpectedDelivery.IsZero() {
		fields["expectedDelivery"] = input.ExpectedDelivery.UTC().Format(time.RFC3339Nano)
	}

	id, err := s.store.Add(ctx, Collection, fields)
	if err != nil {
		s.recorder.RecordStoreOp(Collection, "add", false)
		return "", err
	}
	s.recorder.RecordStoreOp(Collection, "add", true)

	created := model.Shipment{
		ID:               id,
		TrackingNumber:   trackingNumber,
		Origin:           input.Origin,
		Destination:      input.Destination,
		Status:           model.ShipmentStatusPending,
		Type:             input.Type,
		WeightKg:         input.WeightKg,
		Cost:             input.Cost,
		ShippedDate:      input.ShippedDate,
		ExpectedDelivery: input.ExpectedDelivery,
		CustomerID:       input.CustomerID,
		CurrentLocation:  input.Origin,
		Timeline:         timeline,
		CreatedAt:        now,
		UpdatedAt:        now,
	}

	// 作成日時降順のミラーでは新規レコードが先頭に来る
	s.mu.Lock()
	s.mirror = append([]model.Shipment{created}, s.mirror...)
	s.mu.Unlock()

	s.logger.Info("shipment created",
		slog.String("shipment_id", id),
		slog.String("tracking_number", trackingNumber),
	)
	return id, nil
}

// Update は配送の部分更新をwrite-throughで行い、
// 確認後に同じフィールドをローカルミラーへマージする。
// 失敗時はローカル状態を変更しない（楽観的更新はしない）。
func (s *Service) Update(ctx context.Context, id string, patch model.ShipmentPatch) error {
	partial := map[string]any{}
	if patch.Origin != nil {
		partial["origin"] = s.sanitizer.Sanitize(*patch.Origin)
	}
	if patch.Destination != nil {
		partial["destination"] = s.sanitizer.Sanitize(*patch.Destination)
	}
	if patch.Status != nil {
		if !model.ValidShipmentStatus(string(*patch.Status)) {
			return model.NewInvalidShipmentError(fmt.Sprintf("unknown status %q", *patch.Status))
		}
		partial["status"] = string(*patch.Status)
	}
	if patch.Type != nil {
		partial["type"] = s.sanitizer.Sanitize(*patch.Type)
	}
	if patch.WeightKg != nil {
		partial["weight"] = *patch.WeightKg
	}
	if patch.Cost != nil {
		partial["cost"] = *patch.Cost
	}
	if patch.ShippedDate != nil {
		partial["shippedDate"] = patch.ShippedDate.UTC().Format(time.RFC3339Nano)
	}
	if patch.ExpectedDelivery != nil {
		partial["expectedDelivery"] = patch.ExpectedDelivery.UTC().Format(time.RFC3339Nano)
	}
	if patch.CurrentLocation != nil {
		partial["currentLocation"] = s.sanitizer.Sanitize(*patch.CurrentLocation)
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

// UpdateStatus は配送状態を変更し、タイムラインへエントリを追記する。
// タイムラインは追記専用で、エントリはタイムスタンプ昇順を保つ。
func (s *Service) UpdateStatus(ctx context.Context, id string, status model.ShipmentStatus, location string) error {
	if !model.ValidShipmentStatus(string(status)) {
		return model.NewInvalidShipmentError(fmt.Sprintf("unknown status %q", status))
	}
	return s.appendTimeline(ctx, id, string(status), location, map[string]any{
		"status": string(status),
	})
}

// UpdateLocation は現在地を更新し、現状態のままタイムラインへエントリを追記する。
func (s *Service) UpdateLocation(ctx context.Context, id string, location string) error {
	current, err := s.get(ctx, id)
	if err != nil {
		return err
	}
	return s.appendTimeline(ctx, id, string(current.Status), location, nil)
}

// Delete は配送をwrite-throughで削除し、確認後にミラーから除去する。
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

// Get は配送を1件取得する。
func (s *Service) Get(ctx context.Context, id string) (*model.Shipment, error) {
	shipment, err := s.get(ctx, id)
	if err != nil {
		return nil, err
	}
	return &shipment, nil
}

// FindByTrackingNumber はトラッキング番号で配送を検索する。
// 公開トラッキングページのルックアップに使用する。
func (s *Service) FindByTrackingNumber(ctx context.Context, trackingNumber string) (*model.Shipment, error) {
	docs, err := s.store.Query(ctx, Collection, recordstore.Query{
		Filters: map[string]any{"trackingNumber": trackingNumber},
	})
	if err != nil {
		s.recorder.RecordStoreOp(Collection, "query", false)
		return nil, err
	}
	s.recorder.RecordStoreOp(Collection, "query", true)

	if len(docs) == 0 {
		return nil, model.NewRecordNotFoundError(Collection, trackingNumber)
	}

	shipment, err := decodeShipment(docs[0])
	if err != nil {
		return nil, err
	}
	return &shipment, nil
}

// Snapshot は現在のローカルミラーのコピーを返す。
func (s *Service) Snapshot() []model.Shipment {
	s.mu.Lock()
	defer s.mu.Unlock()
	return copyShipments(s.mirror)
}

// get は配送ドキュメントを取得してデコードする。
func (s *Service) get(ctx context.Context, id string) (model.Shipment, error) {
	doc, err := s.store.Get(ctx, Collection, id)
	if err != nil {
		return model.Shipment{}, err
	}
	return decodeShipment(doc)
}

// appendTimeline は現在のタイムラインへエントリを追記し、
// 関連フィールドとあわせてwrite-throughで書き込む。
// 成功後にミラーの該当レコードを更新する。
func (s *Service) appendTimeline(ctx context.Context, id, status, location string, extra map[string]any) error {
	current, err := s.get(ctx, id)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	location = s.sanitizer.Sanitize(location)
	timeline := append(current.Timeline, model.TimelineEntry{
		Status:    status,
		Location:  location,
		Timestamp: now,
	})

	partial := map[string]any{
		"timeline":        encodeTimeline(timeline),
		"currentLocation": location,
		"updatedAt":       now.Format(time.RFC3339Nano),
	}
	for k, v := range extra {
		partial[k] = v
	}

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
		s.mirror[i].Timeline = timeline
		s.mirror[i].CurrentLocation = location
		if newStatus, ok := extra["status"].(string); ok {
			s.mirror[i].Status = model.ShipmentStatus(newStatus)
		}
		s.mirror[i].UpdatedAt = now
		break
	}
	s.mu.Unlock()

	return nil
}

// decodeAll はドキュメント一覧をデコードする。
// 不正ドキュメントは警告ログとメトリクスを残して読み飛ばす
// （壊れた1件が一覧全体を壊さない）。
func (s *Service) decodeAll(docs []recordstore.Document) []model.Shipment {
	shipments := make([]model.Shipment, 0, len(docs))
	for _, doc := range docs {
		shipment, err := decodeShipment(doc)
		if err != nil {
			s.recorder.RecordMalformedDocument(Collection)
			s.logger.Warn("dropping malformed shipment document",
				slog.String("document_id", doc.ID),
				slog.String("error", err.Error()),
			)
			continue
		}
		shipments = append(shipments, shipment)
	}
	return shipments
}

// validateCreate は作成入力を検証し、自由入力フィールドをサニタイズする。
func (s *Service) validateCreate(input *CreateInput) error {
	input.Origin = s.sanitizer.Sanitize(input.Origin)
	input.Destination = s.sanitizer.Sanitize(input.Destination)
	input.Type = s.sanitizer.Sanitize(input.Type)
	input.TrackingNumber = strings.TrimSpace(input.TrackingNumber)

	if input.Origin == "" {
		return model.NewInvalidShipmentError("origin is required")
	}
	if input.Destination == "" {
		return model.NewInvalidShipmentError("destination is required")
	}
	if input.CustomerID == "" {
		return model.NewInvalidShipmentError("customerId is required")
	}
	if input.WeightKg <= 0 {
		return model.NewInvalidShipmentError("weight must be positive")
	}
	return nil
}

// generateTrackingNumber は一意なトラッキング番号を生成する。
// 形式: CT-<西暦>-<8桁の英数字>
func generateTrackingNumber(now time.Time) string {
	suffix := strings.ToUpper(uuid.New().String()[:8])
	return fmt.Sprintf("%s-%d-%s", trackingPrefix, now.Year(), suffix)
}

// applyPatch はミラー上のレコードへ部分更新を反映する。
// 書き込みパスと同じサニタイズを適用し、格納値とミラーを一致させる。
func applyPatch(s *model.Shipment, patch model.ShipmentPatch, sanitizer security.TextSanitizerService) {
	if patch.Origin != nil {
		s.Origin = sanitizer.Sanitize(*patch.Origin)
	}
	if patch.Destination != nil {
		s.Destination = sanitizer.Sanitize(*patch.Destination)
	}
	if patch.Status != nil {
		s.Status = *patch.Status
	}
	if patch.Type != nil {
		s.Type = sanitizer.Sanitize(*patch.Type)
	}
	if patch.WeightKg != nil {
		s.WeightKg = *patch.WeightKg
	}
	if patch.Cost != nil {
		s.Cost = *patch.Cost
	}
	if patch.ShippedDate != nil {
		s.ShippedDate = *patch.ShippedDate
	}
	if patch.ExpectedDelivery != nil {
		s.ExpectedDelivery = *patch.ExpectedDelivery
	}
	if patch.CurrentLocation != nil {
		s.CurrentLocation = sanitizer.Sanitize(*patch.CurrentLocation)
	}
}

// copyShipments はミラーの防御的コピーを返す。
func copyShipments(shipments []model.Shipment) []model.Shipment {
	out := make([]model.Shipment, len(shipments))
	copy(out, shipments)
	return out
}

// pushLatest はbuffer 1のチャネルへ最新スナップショットを配信する。
// 消費が追いついていない場合は古いスナップショットを破棄する。
func pushLatest(ch chan []model.Shipment, snapshot []model.Shipment) {
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
