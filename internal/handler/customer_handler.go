package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/cargotrack/internal/customer"
	"github.com/hitoshi/cargotrack/internal/model"
)

// CustomerServiceInterface は顧客ハンドラーが必要とするサービスインターフェース。
type CustomerServiceInterface interface {
	// FetchAll は顧客一覧を取得する。
	FetchAll(ctx context.Context) ([]model.Customer, error)
	// Get は顧客を1件取得する。集計値は再計算される。
	Get(ctx context.Context, id string) (*model.Customer, error)
	// Create は顧客を作成し、採番されたIDを返す。
	Create(ctx context.Context, input customer.CreateInput) (string, error)
	// Update は顧客の部分更新を行う。
	Update(ctx context.Context, id string, patch model.CustomerPatch) error
	// Delete は顧客を削除する。
	Delete(ctx context.Context, id string) error
	// Stats は配送コレクションから顧客の集計値を計算する。
	Stats(ctx context.Context, customerID string) (*model.CustomerStats, error)
}

// CustomerHandler は顧客管理のHTTPハンドラー。admin専用ルート配下で使用する。
type CustomerHandler struct {
	service CustomerServiceInterface
}

// NewCustomerHandler はCustomerHandlerを生成する。
func NewCustomerHandler(service CustomerServiceInterface) *CustomerHandler {
	return &CustomerHandler{service: service}
}

// createCustomerRequest は顧客作成リクエストのボディ。
type createCustomerRequest struct {
	Name    string `json:"name"`
	Email   string `json:"email"`
	Phone   string `json:"phone"`
	Address string `json:"address"`
	Company string `json:"company"`
}

// updateCustomerRequest は顧客更新リクエストのボディ。nilフィールドは変更されない。
type updateCustomerRequest struct {
	Name    *string `json:"name"`
	Email   *string `json:"email"`
	Phone   *string `json:"phone"`
	Address *string `json:"address"`
	Company *string `json:"company"`
	Status  *string `json:"status"`
}

// customerResponse は顧客情報のAPIレスポンス。
type customerResponse struct {
	ID             string  `json:"id"`
	Name           string  `json:"name"`
	Email          string  `json:"email"`
	Phone          string  `json:"phone,omitempty"`
	Address        string  `json:"address,omitempty"`
	Company        string  `json:"company,omitempty"`
	TotalShipments int     `json:"totalShipments"`
	TotalSpent     float64 `json:"totalSpent"`
	Status         string  `json:"status"`
	CreatedAt      string  `json:"createdAt,omitempty"`
	UpdatedAt      string  `json:"updatedAt,omitempty"`
}

// statsResponse は顧客集計値のAPIレスポンス。
type statsResponse struct {
	CustomerID     string  `json:"customerId"`
	TotalShipments int     `json:"totalShipments"`
	TotalSpent     float64 `json:"totalSpent"`
}

// ListCustomers は顧客一覧を取得する。
// GET /api/customers
func (h *CustomerHandler) ListCustomers(w http.ResponseWriter, r *http.Request) {
	customers, err := h.service.FetchAll(r.Context())
	if err != nil {
		handleServiceError(w, err)
		return
	}

	out := make([]customerResponse, 0, len(customers))
	for i := range customers {
		out = append(out, toCustomerResponse(&customers[i]))
	}
	writeJSON(w, http.StatusOK, out)
}

// GetCustomer は顧客詳細を取得する。
// GET /api/customers/{id}
func (h *CustomerHandler) GetCustomer(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	c, err := h.service.Get(r.Context(), id)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, toCustomerResponse(c))
}

// CreateCustomer は顧客作成を処理する。
// POST /api/customers
func (h *CustomerHandler) CreateCustomer(w http.ResponseWriter, r *http.Request) {
	var req createCustomerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeInvalidRequest(w)
		return
	}

	id, err := h.service.Create(r.Context(), customer.CreateInput{
		Name:    req.Name,
		Email:   req.Email,
		Phone:   req.Phone,
		Address: req.Address,
		Company: req.Company,
	})
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]string{"id": id})
}

// UpdateCustomer は顧客の部分更新を処理する。
// PATCH /api/customers/{id}
func (h *CustomerHandler) UpdateCustomer(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req updateCustomerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeInvalidRequest(w)
		return
	}

	patch := model.CustomerPatch{
		Name:    req.Name,
		Email:   req.Email,
		Phone:   req.Phone,
		Address: req.Address,
		Company: req.Company,
	}
	if req.Status != nil {
		status := model.CustomerStatus(*req.Status)
		patch.Status = &status
	}

	if err := h.service.Update(r.Context(), id, patch); err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"id": id})
}

// DeleteCustomer は顧客削除を処理する。
// DELETE /api/customers/{id}
func (h *CustomerHandler) DeleteCustomer(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if err := h.service.Delete(r.Context(), id); err != nil {
		handleServiceError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// GetStats は顧客の集計値を取得する。
// GET /api/customers/{id}/stats
func (h *CustomerHandler) GetStats(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	stats, err := h.service.Stats(r.Context(), id)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, statsResponse{
		CustomerID:     stats.CustomerID,
		TotalShipments: stats.TotalShipments,
		TotalSpent:     stats.TotalSpent,
	})
}

// toCustomerResponse はドメインモデルをAPIレスポンスへ変換する。
func toCustomerResponse(c *model.Customer) customerResponse {
	resp := customerResponse{
		ID:             c.ID,
		Name:           c.Name,
		Email:          c.Email,
		Phone:          c.Phone,
		Address:        c.Address,
		Company:        c.Company,
		TotalShipments: c.TotalShipments,
		TotalSpent:     c.TotalSpent,
		Status:         string(c.Status),
	}
	if !c.CreatedAt.IsZero() {
		resp.CreatedAt = c.CreatedAt.UTC().Format(time.RFC3339Nano)
	}
	if !c.UpdatedAt.IsZero() {
		resp.UpdatedAt = c.UpdatedAt.UTC().Format(time.RFC3339Nano)
	}
	return resp
}
