package shipment

import (
	"time"

	"github.com/hitoshi/cargotrack/internal/model"
	"github.com/hitoshi/cargotrack/internal/recordstore"
)

// decodeShipment はスキーマレスなドキュメントを型付き配送エンティティへ復元する。
// 必須フィールド（trackingNumber, origin, destination, customerId）の
// 欠落・型不一致はMALFORMED_DOCUMENTとして拒否する。
func decodeShipment(doc recordstore.Document) (model.Shipment, error) {
	s := model.Shipment{ID: doc.ID}

	var ok bool
	if s.TrackingNumber, ok = doc.Fields["trackingNumber"].(string); !ok || s.TrackingNumber == "" {
		return model.Shipment{}, model.NewMalformedDocumentError(Collection, doc.ID, "missing trackingNumber")
	}
	if s.Origin, ok = doc.Fields["origin"].(string); !ok || s.Origin == "" {
		return model.Shipment{}, model.NewMalformedDocumentError(Collection, doc.ID, "missing origin")
	}
	if s.Destination, ok = doc.Fields["destination"].(string); !ok || s.Destination == "" {
		return model.Shipment{}, model.NewMalformedDocumentError(Collection, doc.ID, "missing destination")
	}
	if s.CustomerID, ok = doc.Fields["customerId"].(string); !ok || s.CustomerID == "" {
		return model.Shipment{}, model.NewMalformedDocumentError(Collection, doc.ID, "missing customerId")
	}

	// 以降は任意フィールド。欠落・型不一致はゼロ値にフォールバックする。
	statusStr, _ := doc.Fields["status"].(string)
	if model.ValidShipmentStatus(statusStr) {
		s.Status = model.ShipmentStatus(statusStr)
	} else {
		s.Status = model.ShipmentStatusPending
	}

	s.Type, _ = doc.Fields["type"].(string)
	s.CurrentLocation, _ = doc.Fields["currentLocation"].(string)
	s.WeightKg = decodeNumber(doc.Fields["weight"])
	s.Cost = decodeNumber(doc.Fields["cost"])
	s.ShippedDate = decodeTime(doc.Fields["shippedDate"])
	s.ExpectedDelivery = decodeTime(doc.Fields["expectedDelivery"])
	s.CreatedAt = decodeTime(doc.Fields["createdAt"])
	s.UpdatedAt = decodeTime(doc.Fields["updatedAt"])
	s.Timeline = decodeTimeline(doc.Fields["timeline"])

	return s, nil
}

// decodeTimeline はタイムライン配列を復元する。
// 不正なエントリは読み飛ばす。
func decodeTimeline(v any) []model.TimelineEntry {
	raw, ok := v.([]any)
	if !ok {
		return nil
	}

	entries := make([]model.TimelineEntry, 0, len(raw))
	for _, item := range raw {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		entry := model.TimelineEntry{}
		entry.Status, _ = m["status"].(string)
		entry.Location, _ = m["location"].(string)
		entry.Timestamp = decodeTime(m["timestamp"])
		if entry.Status == "" {
			continue
		}
		entries = append(entries, entry)
	}
	return entries
}

// encodeTimeline はタイムライン配列をドキュメントフィールドへ変換する。
func encodeTimeline(entries []model.TimelineEntry) []any {
	out := make([]any, 0, len(entries))
	for _, e := range entries {
		out = append(out, map[string]any{
			"status":    e.Status,
			"location":  e.Location,
			"timestamp": e.Timestamp.UTC().Format(time.RFC3339Nano),
		})
	}
	return out
}

// decodeNumber は数値フィールドを復元する。
// JSONデコード後のfloat64とメモリバインディングのint/float64に対応する。
func decodeNumber(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case int:
		return float64(n)
	case int64:
		return float64(n)
	default:
		return 0
	}
}

// decodeTime はRFC 3339文字列またはtime.Timeのフィールドを復元する。
func decodeTime(v any) time.Time {
	switch t := v.(type) {
	case string:
		parsed, err := time.Parse(time.RFC3339Nano, t)
		if err != nil {
			return time.Time{}
		}
		return parsed
	case time.Time:
		return t
	default:
		return time.Time{}
	}
}
