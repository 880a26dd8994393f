package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/cargotrack/internal/middleware"
	"github.com/hitoshi/cargotrack/internal/model"
	"github.com/hitoshi/cargotrack/internal/shipment"
)

// ShipmentServiceInterface は配送ハンドラーが必要とするサービスインターフェース。
type ShipmentServiceInterface interface {
	// FetchAll はスコープに一致する配送一覧を取得する。
	FetchAll(ctx context.Context, scope shipment.Scope) ([]model.Shipment, error)
	// Get は配送を1件取得する。
	Get(ctx context.Context, id string) (*model.Shipment, error)
	// Create は配送を作成し、採番されたIDを返す。
	Create(ctx context.Context, input shipment.CreateInput) (string, error)
	// Update は配送の部分更新を行う。
	Update(ctx context.Context, id string, patch model.ShipmentPatch) error
	// UpdateStatus は配送状態を変更し、タイムラインへエントリを追記する。
	UpdateStatus(ctx context.Context, id string, status model.ShipmentStatus, location string) error
	// UpdateLocation は現在地を更新し、タイムラインへエントリを追記する。
	UpdateLocation(ctx context.Context, id string, location string) error
	// Delete は配送を削除する。
	Delete(ctx context.Context, id string) error
	// FindByTrackingNumber はトラッキング番号で配送を検索する。
	FindByTrackingNumber(ctx context.Context, trackingNumber string) (*model.Shipment, error)
}

// ShipmentSubscriber はライブクエリ購読のインターフェース。
type ShipmentSubscriber interface {
	// Subscribe はライブクエリ購読を開始する。
	Subscribe(ctx context.Context, scope shipment.Scope) (<-chan []model.Shipment, func(), error)
}

// SubscriberFactory は接続ごとの購読者を生成する。
// エンティティストアは1インスタンスにつき1購読のため、
// SSE接続ごとに専用インスタンスを割り当てる。
type SubscriberFactory func() ShipmentSubscriber

// ShipmentHandler は配送管理のHTTPハンドラー。
type ShipmentHandler struct {
	service    ShipmentServiceInterface
	subscriber SubscriberFactory
}

// NewShipmentHandler はShipmentHandlerを生成する。
func NewShipmentHandler(service ShipmentServiceInterface, subscriber SubscriberFactory) *ShipmentHandler {
	return &ShipmentHandler{
		service:    service,
		subscriber: subscriber,
	}
}

// createShipmentRequest は配送作成リクエストのボディ。
type createShipmentRequest struct {
	TrackingNumber   string  `json:"trackingNumber"`
	Origin           string  `json:"origin"`
	Destination      string  `json:"destination"`
	Type             string  `json:"type"`
	Weight           float64 `json:"weight"`
	Cost             float64 `json:"cost"`
	ShippedDate      string  `json:"shippedDate"`
	ExpectedDelivery string  `json:"expectedDelivery"`
	CustomerID       string  `json:"customerId"`
}

// updateShipmentRequest は配送更新リクエストのボディ。nilフィールドは変更されない。
type updateShipmentRequest struct {
	Origin           *string  `json:"origin"`
	Destination      *string  `json:"destination"`
	Status           *string  `json:"status"`
	Type             *string  `json:"type"`
	Weight           *float64 `json:"weight"`
	Cost             *float64 `json:"cost"`
	ShippedDate      *string  `json:"shippedDate"`
	ExpectedDelivery *string  `json:"expectedDelivery"`
	CurrentLocation  *string  `json:"currentLocation"`
}

// updateStatusRequest は状態変更リクエストのボディ。
type updateStatusRequest struct {
	Status   string `json:"status"`
	Location string `json:"location"`
}

// updateLocationRequest は現在地更新リクエストのボディ。
type updateLocationRequest struct {
	Location string `json:"location"`
}

// timelineEntryResponse はタイムラインエントリのAPIレスポンス。
type timelineEntryResponse struct {
	Status    string `json:"status"`
	Location  string `json:"location"`
	Timestamp string `json:"timestamp"`
}

// shipmentResponse は配送情報のAPIレスポンス。
type shipmentResponse struct {
	ID               string                  `json:"id"`
	TrackingNumber   string                  `json:"trackingNumber"`
	Origin           string                  `json:"origin"`
	Destination      string                  `json:"destination"`
	Status           string                  `json:"status"`
	Type             string                  `json:"type,omitempty"`
	Weight           float64                 `json:"weight"`
	Cost             float64                 `json:"cost"`
	ShippedDate      string                  `json:"shippedDate,omitempty"`
	ExpectedDelivery string                  `json:"expectedDelivery,omitempty"`
	CustomerID       string                  `json:"customerId"`
	CurrentLocation  string                  `json:"currentLocation,omitempty"`
	Timeline         []timelineEntryResponse `json:"timeline"`
	CreatedAt        string                  `json:"createdAt,omitempty"`
	UpdatedAt        string                  `json:"updatedAt,omitempty"`
}

// ListShipments は配送一覧を取得する。
// GET /api/shipments
func (h *ShipmentHandler) ListShipments(w http.ResponseWriter, r *http.Request) {
	scope := scopeFromSession(middleware.SessionFromContext(r.Context()))

	shipments, err := h.service.FetchAll(r.Context(), scope)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, toShipmentResponses(shipments))
}

// GetShipment は配送詳細を取得する。
// GET /api/shipments/{id}
func (h *ShipmentHandler) GetShipment(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	s, err := h.service.Get(r.Context(), id)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	sess := middleware.SessionFromContext(r.Context())
	if err := requireOwnership(sess, s.CustomerID); err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, toShipmentResponse(s))
}

// CreateShipment は配送作成を処理する。
// POST /api/shipments
func (h *ShipmentHandler) CreateShipment(w http.ResponseWriter, r *http.Request) {
	var req createShipmentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeInvalidRequest(w)
		return
	}

	sess := middleware.SessionFromContext(r.Context())
	input := shipment.CreateInput{
		TrackingNumber: req.TrackingNumber,
		Origin:         req.Origin,
		Destination:    req.Destination,
		Type:           req.Type,
		WeightKg:       req.Weight,
		Cost:           req.Cost,
		CustomerID:     req.CustomerID,
	}
	// clientは自身の配送のみ作成できる
	if sess.Role != model.RoleAdmin && sess.Identity != nil {
		input.CustomerID = sess.Identity.UID
	}
	if t, err := time.Parse(time.RFC3339Nano, req.ShippedDate); err == nil {
		input.ShippedDate = t
	}
	if t, err := time.Parse(time.RFC3339Nano, req.ExpectedDelivery); err == nil {
		input.ExpectedDelivery = t
	}

	id, err := h.service.Create(r.Context(), input)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]string{"id": id})
}

// UpdateShipment は配送の部分更新を処理する。
// PATCH /api/shipments/{id}
func (h *ShipmentHandler) UpdateShipment(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req updateShipmentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeInvalidRequest(w)
		return
	}

	if err := h.checkOwnership(w, r, id); err != nil {
		return
	}

	patch := model.ShipmentPatch{
		Origin:          req.Origin,
		Destination:     req.Destination,
		Type:            req.Type,
		WeightKg:        req.Weight,
		Cost:            req.Cost,
		CurrentLocation: req.CurrentLocation,
	}
	if req.Status != nil {
		status := model.ShipmentStatus(*req.Status)
		patch.Status = &status
	}
	if req.ShippedDate != nil {
		if t, err := time.Parse(time.RFC3339Nano, *req.ShippedDate); err == nil {
			patch.ShippedDate = &t
		}
	}
	if req.ExpectedDelivery != nil {
		if t, err := time.Parse(time.RFC3339Nano, *req.ExpectedDelivery); err == nil {
			patch.ExpectedDelivery = &t
		}
	}

	if err := h.service.Update(r.Context(), id, patch); err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"id": id})
}

// UpdateStatus は配送状態の変更を処理する。
// PUT /api/shipments/{id}/status
func (h *ShipmentHandler) UpdateStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req updateStatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeInvalidRequest(w)
		return
	}

	if err := h.checkOwnership(w, r, id); err != nil {
		return
	}

	if err := h.service.UpdateStatus(r.Context(), id, model.ShipmentStatus(req.Status), req.Location); err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"id": id})
}

// UpdateLocation は現在地の更新を処理する。
// PUT /api/shipments/{id}/location
func (h *ShipmentHandler) UpdateLocation(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req updateLocationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeInvalidRequest(w)
		return
	}

	if err := h.checkOwnership(w, r, id); err != nil {
		return
	}

	if err := h.service.UpdateLocation(r.Context(), id, req.Location); err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"id": id})
}

// DeleteShipment は配送削除を処理する。
// DELETE /api/shipments/{id}
func (h *ShipmentHandler) DeleteShipment(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if err := h.checkOwnership(w, r, id); err != nil {
		return
	}

	if err := h.service.Delete(r.Context(), id); err != nil {
		handleServiceError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// Stream はライブクエリのスナップショットをSSEで配信する。
// GET /api/shipments/stream
// 接続ごとに専用の購読を張り、切断時に解除する。
func (h *ShipmentHandler) Stream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		middleware.WriteInternalServerError(w)
		return
	}

	scope := scopeFromSession(middleware.SessionFromContext(r.Context()))

	snapshots, cancel, err := h.subscriber().Subscribe(r.Context(), scope)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case snapshot, open := <-snapshots:
			if !open {
				return
			}
			payload, err := json.Marshal(toShipmentResponses(snapshot))
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: snapshot\ndata: %s\n\n", payload)
			flusher.Flush()
		}
	}
}

// Track はトラッキング番号による公開ルックアップを処理する。
// GET /track/{trackingNumber}
// 認証不要。所有者情報は返さない。
func (h *ShipmentHandler) Track(w http.ResponseWriter, r *http.Request) {
	trackingNumber := chi.URLParam(r, "trackingNumber")

	s, err := h.service.FindByTrackingNumber(r.Context(), trackingNumber)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	resp := toShipmentResponse(s)
	resp.ID = ""
	resp.CustomerID = ""
	resp.Cost = 0
	writeJSON(w, http.StatusOK, resp)
}

// checkOwnership は変更操作前の所有者チェックを行う。
// 拒否レスポンスを書き込んだ場合は非nilを返す。
func (h *ShipmentHandler) checkOwnership(w http.ResponseWriter, r *http.Request, id string) error {
	sess := middleware.SessionFromContext(r.Context())
	if sess.Role == model.RoleAdmin {
		return nil
	}

	s, err := h.service.Get(r.Context(), id)
	if err != nil {
		handleServiceError(w, err)
		return err
	}
	if err := requireOwnership(sess, s.CustomerID); err != nil {
		handleServiceError(w, err)
		return err
	}
	return nil
}

// scopeFromSession はセッションからクエリスコープを導出する。
func scopeFromSession(sess model.Session) shipment.Scope {
	scope := shipment.Scope{Role: sess.Role}
	if sess.Identity != nil {
		scope.UserID = sess.Identity.UID
	}
	return scope
}

// toShipmentResponse はドメインモデルをAPIレスポンスへ変換する。
func toShipmentResponse(s *model.Shipment) shipmentResponse {
	resp := shipmentResponse{
		ID:              s.ID,
		TrackingNumber:  s.TrackingNumber,
		Origin:          s.Origin,
		Destination:     s.Destination,
		Status:          string(s.Status),
		Type:            s.Type,
		Weight:          s.WeightKg,
		Cost:            s.Cost,
		CustomerID:      s.CustomerID,
		CurrentLocation: s.CurrentLocation,
		Timeline:        make([]timelineEntryResponse, 0, len(s.Timeline)),
	}
	if !s.ShippedDate.IsZero() {
		resp.ShippedDate = s.ShippedDate.UTC().Format(time.RFC3339Nano)
	}
	if !s.ExpectedDelivery.IsZero() {
		resp.ExpectedDelivery = s.ExpectedDelivery.UTC().Format(time.RFC3339Nano)
	}
	if !s.CreatedAt.IsZero() {
		resp.CreatedAt = s.CreatedAt.UTC().Format(time.RFC3339Nano)
	}
	if !s.UpdatedAt.IsZero() {
		resp.UpdatedAt = s.UpdatedAt.UTC().Format(time.RFC3339Nano)
	}
	for _, e := range s.Timeline {
		resp.Timeline = append(resp.Timeline, timelineEntryResponse{
			Status:    e.Status,
			Location:  e.Location,
			Timestamp: e.Timestamp.UTC().Format(time.RFC3339Nano),
		})
	}
	return resp
}

func toShipmentResponses(shipments []model.Shipment) []shipmentResponse {
	out := make([]shipmentResponse, 0, len(shipments))
	for i := range shipments {
		out = append(out, toShipmentResponse(&shipments[i]))
	}
	return out
}
