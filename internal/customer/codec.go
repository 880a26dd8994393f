package customer

import (
	"time"

	"github.com/hitoshi/cargotrack/internal/model"
	"github.com/hitoshi/cargotrack/internal/recordstore"
)

// decodeCustomer はスキーマレスなドキュメントを型付き顧客エンティティへ復元する。
// 必須フィールド（name, email）の欠落・型不一致はMALFORMED_DOCUMENTとして拒否する。
func decodeCustomer(doc recordstore.Document) (model.Customer, error) {
	c := model.Customer{ID: doc.ID}

	var ok bool
	if c.Name, ok = doc.Fields["name"].(string); !ok || c.Name == "" {
		return model.Customer{}, model.NewMalformedDocumentError(Collection, doc.ID, "missing name")
	}
	if c.Email, ok = doc.Fields["email"].(string); !ok || c.Email == "" {
		return model.Customer{}, model.NewMalformedDocumentError(Collection, doc.ID, "missing email")
	}

	c.Phone, _ = doc.Fields["phone"].(string)
	c.Address, _ = doc.Fields["address"].(string)
	c.Company, _ = doc.Fields["company"].(string)

	statusStr, _ := doc.Fields["status"].(string)
	if statusStr == string(model.CustomerStatusInactive) {
		c.Status = model.CustomerStatusInactive
	} else {
		c.Status = model.CustomerStatusActive
	}

	c.TotalShipments = int(decodeNumber(doc.Fields["totalShipments"]))
	c.TotalSpent = decodeNumber(doc.Fields["totalSpent"])
	c.CreatedAt = decodeTime(doc.Fields["createdAt"])
	c.UpdatedAt = decodeTime(doc.Fields["updatedAt"])

	return c, nil
}

// decodeNumber は数値フィールドを復元する。
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
