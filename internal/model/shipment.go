package model

import "time"

// ShipmentStatus は配送の進行状態を表す。
type ShipmentStatus string

const (
	// ShipmentStatusPending は集荷待ち状態。
	ShipmentStatusPending ShipmentStatus = "pending"
	// ShipmentStatusInTransit は輸送中状態。
	ShipmentStatusInTransit ShipmentStatus = "in-transit"
	// ShipmentStatusDelivered は配達完了状態。
	ShipmentStatusDelivered ShipmentStatus = "delivered"
	// ShipmentStatusDelayed は遅延状態。
	ShipmentStatusDelayed ShipmentStatus = "delayed"
)

// ValidShipmentStatus は文字列が有効な配送状態かどうかを返す。
func ValidShipmentStatus(s string) bool {
	switch ShipmentStatus(s) {
	case ShipmentStatusPending, ShipmentStatusInTransit,
		ShipmentStatusDelivered, ShipmentStatusDelayed:
		return true
	default:
		return false
	}
}

// TimelineEntry は配送履歴の1エントリを表す。
// タイムラインは追記専用で、タイムスタンプ昇順に並ぶ。
type TimelineEntry struct {
	Status    string
	Location  string
	Timestamp time.Time
}

// Shipment は1件の配送を表す。
type Shipment struct {
	ID               string
	TrackingNumber   string
	Origin           string
	Destination      string
	Status           ShipmentStatus
	Type             string // 輸送モードラベル（air, sea, road等）
	WeightKg         float64
	Cost             float64
	ShippedDate      time.Time
	ExpectedDelivery time.Time
	CustomerID       string // 所有するidentityのUID
	CurrentLocation  string
	Timeline         []TimelineEntry
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// ShipmentPatch は配送の部分更新を表す。
// nilフィールドは変更されない。
type ShipmentPatch struct {
	Origin           *string
	Destination      *string
	Status           *ShipmentStatus
	Type             *string
	WeightKg         *float64
	Cost             *float64
	ShippedDate      *time.Time
	ExpectedDelivery *time.Time
	CurrentLocation  *string
}
