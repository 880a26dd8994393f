package model

import "time"

// CustomerStatus は顧客の契約状態を表す。
type CustomerStatus string

const (
	// CustomerStatusActive は有効な顧客。
	CustomerStatusActive CustomerStatus = "active"
	// CustomerStatusInactive は休止中の顧客。
	CustomerStatusInactive CustomerStatus = "inactive"
)

// Customer は1件の顧客を表す。
// TotalShipmentsとTotalSpentは配送コレクションから導出される非正規化集計値。
// 読み取り時に再計算した値が正であり、格納値はリコンサイルジョブが追従させる。
type Customer struct {
	ID             string
	Name           string
	Email          string
	Phone          string
	Address        string
	Company        string
	TotalShipments int
	TotalSpent     float64
	Status         CustomerStatus
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// CustomerPatch は顧客の部分更新を表す。
// nilフィールドは変更されない。
type CustomerPatch struct {
	Name    *string
	Email   *string
	Phone   *string
	Address *string
	Company *string
	Status  *CustomerStatus
}

// CustomerStats は配送コレクションからread時に計算した集計値。
type CustomerStats struct {
	CustomerID     string
	TotalShipments int
	TotalSpent     float64
}
