package shipment

import (
	"errors"
	"testing"
	"time"

	"github.com/hitoshi/cargotrack/internal/model"
	"github.com/hitoshi/cargotrack/internal/recordstore"
)

func TestDecodeShipment(t *testing.T) {
	doc := recordstore.Document{
		ID: "doc-1",
		Fields: map[string]any{
			"trackingNumber":  "TMS-2024-100",
			"origin":          "Kigali",
			"destination":     "Kampala",
			"customerId":      "uid-1",
			"status":          "in-transit",
			"type":            "road",
			"weight":          float64(300),
			"cost":            float64(1200),
			"currentLocation": "Gatuna Border",
			"createdAt":       "2024-06-01T10:00:00Z",
			"timeline": []any{
				map[string]any{"status": "Created", "location": "Kigali", "timestamp": "2024-06-01T10:00:00Z"},
				map[string]any{"status": "in-transit", "location": "Gatuna Border", "timestamp": "2024-06-02T08:30:00Z"},
			},
		},
	}

	got, err := decodeShipment(doc)
	if err != nil {
		t.Fatalf("decodeShipment failed: %v", err)
	}
	if got.ID != "doc-1" || got.TrackingNumber != "TMS-2024-100" {
		t.Errorf("identity fields = %q/%q", got.ID, got.TrackingNumber)
	}
	if got.Status != model.ShipmentStatusInTransit {
		t.Errorf("Status = %q, want in-transit", got.Status)
	}
	if got.WeightKg != 300 || got.Cost != 1200 {
		t.Errorf("numbers = %v/%v, want 300/1200", got.WeightKg, got.Cost)
	}
	if got.CreatedAt.IsZero() {
		t.Error("CreatedAt not parsed")
	}
	if len(got.Timeline) != 2 {
		t.Fatalf("Timeline length = %d, want 2", len(got.Timeline))
	}
	if got.Timeline[1].Location != "Gatuna Border" {
		t.Errorf("Timeline[1].Location = %q", got.Timeline[1].Location)
	}
}

func TestDecodeShipment_MissingRequiredField(t *testing.T) {
	tests := []struct {
		name   string
		fields map[string]any
	}{
		{"missing trackingNumber", map[string]any{
			"origin": "A", "destination": "B", "customerId": "u",
		}},
		{"missing origin", map[string]any{
			"trackingNumber": "T-1", "destination": "B", "customerId": "u",
		}},
		{"missing destination", map[string]any{
			"trackingNumber": "T-1", "origin": "A", "customerId": "u",
		}},
		{"missing customerId", map[string]any{
			"trackingNumber": "T-1", "origin": "A", "destination": "B",
		}},
		{"wrong type", map[string]any{
			"trackingNumber": 42, "origin": "A", "destination": "B", "customerId": "u",
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := decodeShipment(recordstore.Document{ID: "x", Fields: tt.fields})
			var storeErr *model.StoreError
			if !errors.As(err, &storeErr) || storeErr.Code != model.ErrCodeMalformedDocument {
				t.Errorf("error = %v, want MALFORMED_DOCUMENT", err)
			}
		})
	}
}

func TestDecodeShipment_UnknownStatusFallsBack(t *testing.T) {
	got, err := decodeShipment(recordstore.Document{
		ID: "doc-1",
		Fields: map[string]any{
			"trackingNumber": "T-1", "origin": "A", "destination": "B",
			"customerId": "u", "status": "teleported",
		},
	})
	if err != nil {
		t.Fatalf("decodeShipment failed: %v", err)
	}
	if got.Status != model.ShipmentStatusPending {
		t.Errorf("Status = %q, want pending fallback", got.Status)
	}
}

func TestDecodeTimeline_SkipsBrokenEntries(t *testing.T) {
	entries := decodeTimeline([]any{
		map[string]any{"status": "Created", "location": "Kigali", "timestamp": "2024-06-01T10:00:00Z"},
		"not a map",
		map[string]any{"location": "no status"},
	})
	if len(entries) != 1 {
		t.Fatalf("len = %d, want 1", len(entries))
	}
	if entries[0].Status != "Created" {
		t.Errorf("Status = %q, want Created", entries[0].Status)
	}
}

func TestEncodeDecodeTimelineRoundTrip(t *testing.T) {
	ts := time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC)
	in := []model.TimelineEntry{
		{Status: "Created", Location: "Kigali", Timestamp: ts},
		{Status: "in-transit", Location: "Gatuna Border", Timestamp: ts.Add(time.Hour)},
	}

	out := decodeTimeline(encodeTimeline(in))
	if len(out) != 2 {
		t.Fatalf("len = %d, want 2", len(out))
	}
	for i := range in {
		if out[i].Status != in[i].Status || out[i].Location != in[i].Location || !out[i].Timestamp.Equal(in[i].Timestamp) {
			t.Errorf("entry %d = %+v, want %+v", i, out[i], in[i])
		}
	}
}

func TestDecodeNumber(t *testing.T) {
	if got := decodeNumber(float64(1.5)); got != 1.5 {
		t.Errorf("float64: got %v", got)
	}
	if got := decodeNumber(int(3)); got != 3 {
		t.Errorf("int: got %v", got)
	}
	if got := decodeNumber("nope"); got != 0 {
		t.Errorf("string: got %v, want 0", got)
	}
}
