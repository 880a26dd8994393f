package shipment

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/hitoshi/cargotrack/internal/metrics"
	"github.com/hitoshi/cargotrack/internal/model"
	"github.com/hitoshi/cargotrack/internal/recordstore"
	"github.com/hitoshi/cargotrack/internal/security"
)

func newTestService(store recordstore.Store) *Service {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewService(store, security.NewTextSanitizer(), metrics.Nop{}, logger)
}

func TestService_Create(t *testing.T) {
	store := recordstore.NewMemoryStore()
	svc := newTestService(store)
	ctx := context.Background()

	id, err := svc.Create(ctx, CreateInput{
		TrackingNumber: "TMS-2024-100",
		Origin:         "Kigali",
		Destination:    "Kampala",
		Type:           "road",
		WeightKg:       300,
		Cost:           1200,
		CustomerID:     "uid-1",
	})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if id == "" {
		t.Fatal("expected non-empty id")
	}

	got, err := svc.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.TrackingNumber != "TMS-2024-100" {
		t.Errorf("TrackingNumber = %q, want TMS-2024-100", got.TrackingNumber)
	}
	if got.Status != model.ShipmentStatusPending {
		t.Errorf("Status = %q, want pending", got.Status)
	}
	if got.CurrentLocation != "Kigali" {
		t.Errorf("CurrentLocation = %q, want Kigali", got.CurrentLocation)
	}
	if len(got.Timeline) != 1 {
		t.Fatalf("Timeline length = %d, want 1", len(got.Timeline))
	}
	if got.Timeline[0].Status != "Created" || got.Timeline[0].Location != "Kigali" {
		t.Errorf("Timeline seed = %+v, want Created at Kigali", got.Timeline[0])
	}
	if got.CreatedAt.IsZero() || got.UpdatedAt.IsZero() {
		t.Error("expected createdAt/updatedAt to be stamped")
	}
}

func TestService_Create_GeneratesTrackingNumber(t *testing.T) {
	store := recordstore.NewMemoryStore()
	svc := newTestService(store)

	id, err := svc.Create(context.Background(), CreateInput{
		Origin:      "Nairobi",
		Destination: "Mombasa",
		WeightKg:    50,
		CustomerID:  "uid-1",
	})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	got, err := svc.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if !strings.HasPrefix(got.TrackingNumber, "CT-") {
		t.Errorf("TrackingNumber = %q, want CT- prefix", got.TrackingNumber)
	}
}

func TestService_Create_Validation(t *testing.T) {
	store := recordstore.NewMemoryStore()
	svc := newTestService(store)

	tests := []struct {
		name  string
		input CreateInput
	}{
		{"missing origin", CreateInput{Destination: "Kampala", WeightKg: 10, CustomerID: "u"}},
		{"missing destination", CreateInput{Origin: "Kigali", WeightKg: 10, CustomerID: "u"}},
		{"missing customer", CreateInput{Origin: "Kigali", Destination: "Kampala", WeightKg: 10}},
		{"zero weight", CreateInput{Origin: "Kigali", Destination: "Kampala", CustomerID: "u"}},
		{"negative weight", CreateInput{Origin: "Kigali", Destination: "Kampala", WeightKg: -1, CustomerID: "u"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.Create(context.Background(), tt.input)
			if err == nil {
				t.Fatal("expected validation error")
			}
			var storeErr *model.StoreError
			if !errors.As(err, &storeErr) || storeErr.Code != model.ErrCodeInvalidShipment {
				t.Errorf("error = %v, want INVALID_SHIPMENT", err)
			}
		})
	}
}

func TestService_FetchAll_ContainsCreated(t *testing.T) {
	store := recordstore.NewMemoryStore()
	svc := newTestService(store)
	ctx := context.Background()

	id, err := svc.Create(ctx, CreateInput{
		Origin:      "Kigali",
		Destination: "Kampala",
		WeightKg:    300,
		CustomerID:  "uid-1",
	})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	shipments, err := svc.FetchAll(ctx, AdminScope())
	if err != nil {
		t.Fatalf("FetchAll failed: %v", err)
	}

	count := 0
	for _, s := range shipments {
		if s.ID == id {
			count++
		}
	}
	if count != 1 {
		t.Errorf("created shipment appears %d times, want exactly 1", count)
	}
}

func TestService_FetchAll_ClientScopeFilters(t *testing.T) {
	store := recordstore.NewMemoryStore()
	svc := newTestService(store)
	ctx := context.Background()

	for _, uid := range []string{"uid-a", "uid-a", "uid-b"} {
		if _, err := svc.Create(ctx, CreateInput{
			Origin: "Kigali", Destination: "Kampala", WeightKg: 10, CustomerID: uid,
		}); err != nil {
			t.Fatalf("Create failed: %v", err)
		}
	}

	shipments, err := svc.FetchAll(ctx, Scope{UserID: "uid-a", Role: model.RoleClient})
	if err != nil {
		t.Fatalf("FetchAll failed: %v", err)
	}
	if len(shipments) != 2 {
		t.Fatalf("len = %d, want 2", len(shipments))
	}
	for _, s := range shipments {
		if s.CustomerID != "uid-a" {
			t.Errorf("leaked shipment owned by %q into client scope", s.CustomerID)
		}
	}
}

func TestService_FetchAll_SkipsMalformedDocuments(t *testing.T) {
	store := recordstore.NewMemoryStore()
	svc := newTestService(store)
	ctx := context.Background()

	if _, err := svc.Create(ctx, CreateInput{
		Origin: "Kigali", Destination: "Kampala", WeightKg: 10, CustomerID: "uid-1",
	}); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	// trackingNumber欠落の壊れたドキュメントを直接投入する
	if _, err := store.Add(ctx, Collection, map[string]any{
		"origin": "X", "destination": "Y", "customerId": "uid-1",
	}); err != nil {
		t.Fatalf("Add failed: %v", err)
	}

	shipments, err := svc.FetchAll(ctx, AdminScope())
	if err != nil {
		t.Fatalf("FetchAll failed: %v", err)
	}
	if len(shipments) != 1 {
		t.Errorf("len = %d, want 1 (malformed document must be dropped)", len(shipments))
	}
}

func TestService_Update_FailureLeavesLocalUnchanged(t *testing.T) {
	store := recordstore.NewMemoryStore()
	svc := newTestService(store)
	ctx := context.Background()

	id, err := svc.Create(ctx, CreateInput{
		Origin: "Kigali", Destination: "Kampala", WeightKg: 10, CustomerID: "uid-1",
	})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	before := svc.Snapshot()

	dest := "Dodoma"
	if err := svc.Update(ctx, "no-such-id", model.ShipmentPatch{Destination: &dest}); err == nil {
		t.Fatal("expected error for missing record")
	}

	after := svc.Snapshot()
	if len(after) != len(before) || after[0].Destination != before[0].Destination {
		t.Error("failed update must not mutate the local mirror")
	}

	got, _ := svc.Get(ctx, id)
	if got.Destination != "Kampala" {
		t.Errorf("Destination = %q, want Kampala", got.Destination)
	}
}

func TestService_Update_MergesIntoMirror(t *testing.T) {
	store := recordstore.NewMemoryStore()
	svc := newTestService(store)
	ctx := context.Background()

	id, err := svc.Create(ctx, CreateInput{
		Origin: "Kigali", Destination: "Kampala", WeightKg: 10, CustomerID: "uid-1",
	})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	cost := 999.5
	status := model.ShipmentStatusInTransit
	if err := svc.Update(ctx, id, model.ShipmentPatch{Cost: &cost, Status: &status}); err != nil {
		t.Fatalf("Update failed: %v", err)
	}

	mirror := svc.Snapshot()
	if len(mirror) != 1 {
		t.Fatalf("mirror len = %d, want 1", len(mirror))
	}
	if mirror[0].Cost != 999.5 || mirror[0].Status != model.ShipmentStatusInTransit {
		t.Errorf("mirror not merged: %+v", mirror[0])
	}
}

func TestService_Update_MirrorMatchesStoredSanitizedValues(t *testing.T) {
	// ミラーには格納値と同じサニタイズ済みの値が反映されること
	store := recordstore.NewMemoryStore()
	svc := newTestService(store)
	ctx := context.Background()

	id, err := svc.Create(ctx, CreateInput{
		Origin: "Kigali", Destination: "Kampala", WeightKg: 10, CustomerID: "uid-1",
	})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	origin := `<script>alert(1)</script>Nairobi`
	location := "<b>Warehouse 7</b>"
	if err := svc.Update(ctx, id, model.ShipmentPatch{
		Origin:          &origin,
		CurrentLocation: &location,
	}); err != nil {
		t.Fatalf("Update failed: %v", err)
	}

	doc, err := store.Get(ctx, Collection, id)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	mirror := svc.Snapshot()
	if len(mirror) != 1 {
		t.Fatalf("mirror len = %d, want 1", len(mirror))
	}
	if mirror[0].Origin != "Nairobi" || mirror[0].CurrentLocation != "Warehouse 7" {
		t.Errorf("mirror holds unsanitized values: %+v", mirror[0])
	}
	if stored := doc.Fields["origin"]; mirror[0].Origin != stored {
		t.Errorf("mirror origin %q diverges from stored %q", mirror[0].Origin, stored)
	}
	if stored := doc.Fields["currentLocation"]; mirror[0].CurrentLocation != stored {
		t.Errorf("mirror location %q diverges from stored %q", mirror[0].CurrentLocation, stored)
	}
}

func TestService_Update_RejectsInvalidStatus(t *testing.T) {
	store := recordstore.NewMemoryStore()
	svc := newTestService(store)

	bad := model.ShipmentStatus("teleported")
	err := svc.Update(context.Background(), "any", model.ShipmentPatch{Status: &bad})
	var storeErr *model.StoreError
	if !errors.As(err, &storeErr) || storeErr.Code != model.ErrCodeInvalidShipment {
		t.Errorf("error = %v, want INVALID_SHIPMENT", err)
	}
}

func TestService_UpdateStatus_AppendsTimeline(t *testing.T) {
	store := recordstore.NewMemoryStore()
	svc := newTestService(store)
	ctx := context.Background()

	id, err := svc.Create(ctx, CreateInput{
		Origin: "Kigali", Destination: "Kampala", WeightKg: 10, CustomerID: "uid-1",
	})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	if err := svc.UpdateStatus(ctx, id, model.ShipmentStatusInTransit, "Gatuna Border"); err != nil {
		t.Fatalf("UpdateStatus failed: %v", err)
	}

	got, err := svc.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Status != model.ShipmentStatusInTransit {
		t.Errorf("Status = %q, want in-transit", got.Status)
	}
	if got.CurrentLocation != "Gatuna Border" {
		t.Errorf("CurrentLocation = %q, want Gatuna Border", got.CurrentLocation)
	}
	if len(got.Timeline) != 2 {
		t.Fatalf("Timeline length = %d, want 2", len(got.Timeline))
	}
	// 追記専用: 先頭のCreatedエントリは保持され、昇順を保つ
	if got.Timeline[0].Status != "Created" {
		t.Errorf("Timeline[0].Status = %q, want Created", got.Timeline[0].Status)
	}
	if got.Timeline[1].Timestamp.Before(got.Timeline[0].Timestamp) {
		t.Error("timeline entries must stay in ascending timestamp order")
	}
}

func TestService_UpdateLocation_KeepsStatus(t *testing.T) {
	store := recordstore.NewMemoryStore()
	svc := newTestService(store)
	ctx := context.Background()

	id, err := svc.Create(ctx, CreateInput{
		Origin: "Kigali", Destination: "Kampala", WeightKg: 10, CustomerID: "uid-1",
	})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	if err := svc.UpdateLocation(ctx, id, "Masaka"); err != nil {
		t.Fatalf("UpdateLocation failed: %v", err)
	}

	got, err := svc.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Status != model.ShipmentStatusPending {
		t.Errorf("Status = %q, want pending (unchanged)", got.Status)
	}
	if got.CurrentLocation != "Masaka" {
		t.Errorf("CurrentLocation = %q, want Masaka", got.CurrentLocation)
	}
	if len(got.Timeline) != 2 {
		t.Errorf("Timeline length = %d, want 2", len(got.Timeline))
	}
}

func TestService_Delete_MissingRecord(t *testing.T) {
	store := recordstore.NewMemoryStore()
	svc := newTestService(store)
	ctx := context.Background()

	if _, err := svc.Create(ctx, CreateInput{
		Origin: "Kigali", Destination: "Kampala", WeightKg: 10, CustomerID: "uid-1",
	}); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	before := svc.Snapshot()

	err := svc.Delete(ctx, "no-such-id")
	if !model.IsNotFound(err) {
		t.Errorf("error = %v, want RECORD_NOT_FOUND", err)
	}
	if len(svc.Snapshot()) != len(before) {
		t.Error("failed delete must not mutate the local mirror")
	}
}

func TestService_Subscribe_CancelsPrevious(t *testing.T) {
	store := recordstore.NewMemoryStore()
	svc := newTestService(store)
	ctx := context.Background()

	ch1, cancel1, err := svc.Subscribe(ctx, AdminScope())
	if err != nil {
		t.Fatalf("first Subscribe failed: %v", err)
	}
	defer cancel1()

	_, cancel2, err := svc.Subscribe(ctx, AdminScope())
	if err != nil {
		t.Fatalf("second Subscribe failed: %v", err)
	}
	defer cancel2()

	// 1本目はストア側で解除され、チャネルがcloseされる
	if n := store.SubscriberCount(Collection); n != 1 {
		t.Errorf("active subscriptions = %d, want 1", n)
	}

	deadline := time.After(2 * time.Second)
	for {
		select {
		case _, ok := <-ch1:
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("first subscription channel was not closed")
		}
	}
}

func TestService_Subscribe_DeliversSnapshots(t *testing.T) {
	store := recordstore.NewMemoryStore()
	svc := newTestService(store)
	ctx := context.Background()

	ch, cancel, err := svc.Subscribe(ctx, AdminScope())
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer cancel()

	// 初期スナップショット（空）
	select {
	case snap := <-ch:
		if len(snap) != 0 {
			t.Errorf("initial snapshot len = %d, want 0", len(snap))
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no initial snapshot delivered")
	}

	id, err := svc.Create(ctx, CreateInput{
		Origin: "Kigali", Destination: "Kampala", WeightKg: 10, CustomerID: "uid-1",
	})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	select {
	case snap := <-ch:
		if len(snap) != 1 || snap[0].ID != id {
			t.Errorf("snapshot = %+v, want single shipment %s", snap, id)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no snapshot delivered after create")
	}
}

func TestService_FindByTrackingNumber(t *testing.T) {
	store := recordstore.NewMemoryStore()
	svc := newTestService(store)
	ctx := context.Background()

	if _, err := svc.Create(ctx, CreateInput{
		TrackingNumber: "TMS-2024-100",
		Origin:         "Kigali",
		Destination:    "Kampala",
		WeightKg:       300,
		CustomerID:     "uid-1",
	}); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	got, err := svc.FindByTrackingNumber(ctx, "TMS-2024-100")
	if err != nil {
		t.Fatalf("FindByTrackingNumber failed: %v", err)
	}
	if got.Origin != "Kigali" {
		t.Errorf("Origin = %q, want Kigali", got.Origin)
	}

	if _, err := svc.FindByTrackingNumber(ctx, "TMS-0000-000"); !model.IsNotFound(err) {
		t.Errorf("error = %v, want RECORD_NOT_FOUND", err)
	}
}

func TestService_Create_SanitizesFreeText(t *testing.T) {
	store := recordstore.NewMemoryStore()
	svc := newTestService(store)
	ctx := context.Background()

	id, err := svc.Create(ctx, CreateInput{
		Origin:      "<script>alert(1)</script>Kigali",
		Destination: "Kampala",
		WeightKg:    10,
		CustomerID:  "uid-1",
	})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	got, err := svc.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if strings.Contains(got.Origin, "<script>") {
		t.Errorf("Origin = %q, script tag must be stripped", got.Origin)
	}
}
