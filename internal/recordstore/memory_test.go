package recordstore

import (
	"context"
	"testing"
	"time"

	"github.com/hitoshi/cargotrack/internal/model"
)

func TestMemoryStore_AddAndGet(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	id, err := store.Add(ctx, "shipments", map[string]any{"trackingNumber": "TMS-2024-001"})
	if err != nil {
		t.Fatalf("Add failed: %v", err)
	}

	doc, err := store.Get(ctx, "shipments", id)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if doc.Fields["trackingNumber"] != "TMS-2024-001" {
		t.Errorf("trackingNumber = %v", doc.Fields["trackingNumber"])
	}
}

func TestMemoryStore_GetNotFound(t *testing.T) {
	store := NewMemoryStore()

	_, err := store.Get(context.Background(), "shipments", "missing")
	if !model.IsNotFound(err) {
		t.Errorf("err = %v, want RECORD_NOT_FOUND", err)
	}
}

func TestMemoryStore_QueryFiltersAndOrder(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	for _, doc := range []map[string]any{
		{"customerId": "c1", "createdAt": "2024-01-01T00:00:00Z"},
		{"customerId": "c2", "createdAt": "2024-02-01T00:00:00Z"},
		{"customerId": "c1", "createdAt": "2024-03-01T00:00:00Z"},
	} {
		if _, err := store.Add(ctx, "shipments", doc); err != nil {
			t.Fatalf("Add failed: %v", err)
		}
	}

	docs, err := store.Query(ctx, "shipments", Query{
		Filters:     map[string]any{"customerId": "c1"},
		OrderByDesc: "createdAt",
	})
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if len(docs) != 2 {
		t.Fatalf("len = %d, want 2", len(docs))
	}
	if docs[0].Fields["createdAt"] != "2024-03-01T00:00:00Z" {
		t.Errorf("newest first expected, got %v", docs[0].Fields["createdAt"])
	}
}

func TestMemoryStore_UpdateMergesPartialFields(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	id, _ := store.Add(ctx, "shipments", map[string]any{
		"status": "pending", "origin": "Kigali",
	})

	if err := store.Update(ctx, "shipments", id, map[string]any{"status": "in_transit"}); err != nil {
		t.Fatalf("Update failed: %v", err)
	}

	doc, _ := store.Get(ctx, "shipments", id)
	if doc.Fields["status"] != "in_transit" {
		t.Errorf("status = %v, want merged value", doc.Fields["status"])
	}
	if doc.Fields["origin"] != "Kigali" {
		t.Errorf("origin = %v, want untouched fields preserved", doc.Fields["origin"])
	}
}

func TestMemoryStore_UpdateAndDeleteNotFound(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	if err := store.Update(ctx, "shipments", "missing", map[string]any{"x": 1}); !model.IsNotFound(err) {
		t.Errorf("Update err = %v, want RECORD_NOT_FOUND", err)
	}
	if err := store.Delete(ctx, "shipments", "missing"); !model.IsNotFound(err) {
		t.Errorf("Delete err = %v, want RECORD_NOT_FOUND", err)
	}
}

func TestMemoryStore_SubscribeDeliversInitialSnapshot(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	if _, err := store.Add(ctx, "shipments", map[string]any{"customerId": "c1"}); err != nil {
		t.Fatalf("Add failed: %v", err)
	}

	sub, err := store.Subscribe(ctx, "shipments", Query{})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer sub.Cancel()

	select {
	case snapshot := <-sub.Snapshots:
		if len(snapshot) != 1 {
			t.Errorf("initial snapshot len = %d, want 1", len(snapshot))
		}
	case <-time.After(time.Second):
		t.Fatal("initial snapshot not delivered")
	}
}

func TestMemoryStore_SubscribeReceivesChanges(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	sub, err := store.Subscribe(ctx, "shipments", Query{Filters: map[string]any{"customerId": "c1"}})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer sub.Cancel()

	<-sub.Snapshots // 初回スナップショット（空）

	// フィルタに一致する追加のみがスナップショットに現れる
	if _, err := store.Add(ctx, "shipments", map[string]any{"customerId": "c2"}); err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	if _, err := store.Add(ctx, "shipments", map[string]any{"customerId": "c1"}); err != nil {
		t.Fatalf("Add failed: %v", err)
	}

	select {
	case snapshot := <-sub.Snapshots:
		if len(snapshot) != 1 {
			t.Fatalf("snapshot len = %d, want filter applied", len(snapshot))
		}
		if snapshot[0].Fields["customerId"] != "c1" {
			t.Errorf("customerId = %v", snapshot[0].Fields["customerId"])
		}
	case <-time.After(time.Second):
		t.Fatal("change snapshot not delivered")
	}
}

func TestMemoryStore_SubscribeLatestWins(t *testing.T) {
	// buffer 1: 消費が追いつかない場合は古いスナップショットが破棄される
	store := NewMemoryStore()
	ctx := context.Background()

	sub, err := store.Subscribe(ctx, "shipments", Query{})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer sub.Cancel()

	for i := 0; i < 5; i++ {
		if _, err := store.Add(ctx, "shipments", map[string]any{"n": i}); err != nil {
			t.Fatalf("Add failed: %v", err)
		}
	}

	var latest []Document
	select {
	case latest = <-sub.Snapshots:
	case <-time.After(time.Second):
		t.Fatal("snapshot not delivered")
	}
	if len(latest) != 5 {
		t.Errorf("latest snapshot len = %d, want newest evaluation", len(latest))
	}
}

func TestMemoryStore_CancelIsIdempotent(t *testing.T) {
	store := NewMemoryStore()

	sub, err := store.Subscribe(context.Background(), "shipments", Query{})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	sub.Cancel()
	sub.Cancel() // 2回呼んでもpanicしない

	if n := store.SubscriberCount("shipments"); n != 0 {
		t.Errorf("SubscriberCount = %d, want 0", n)
	}

	// closeされたチャネルからはゼロ値が返る
	if _, ok := <-sub.Snapshots; ok {
		// 初回スナップショットが未消費で残っている場合があるため1回は許容する
		if _, ok := <-sub.Snapshots; ok {
			t.Error("Snapshots channel not closed after cancel")
		}
	}
}

func TestMemoryStore_ContextCancelReleasesSubscription(t *testing.T) {
	store := NewMemoryStore()
	ctx, cancel := context.WithCancel(context.Background())

	sub, err := store.Subscribe(ctx, "shipments", Query{})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer sub.Cancel()

	cancel()

	deadline := time.Now().Add(time.Second)
	for store.SubscriberCount("shipments") != 0 {
		if time.Now().After(deadline) {
			t.Fatal("subscription not released after context cancel")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestCompareFieldValues(t *testing.T) {
	now := time.Now()
	tests := []struct {
		name string
		a, b any
		want int
	}{
		{"string greater", "b", "a", 1},
		{"string less", "a", "b", -1},
		{"string equal", "a", "a", 0},
		{"float greater", 2.0, 1.0, 1},
		{"int less", 1, 2, -1},
		{"time after", now.Add(time.Hour), now, 1},
		{"mismatched types", "a", 1.0, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := compareFieldValues(tt.a, tt.b)
			switch {
			case tt.want > 0 && got <= 0,
				tt.want < 0 && got >= 0,
				tt.want == 0 && got != 0:
				t.Errorf("compareFieldValues(%v, %v) = %d, want sign %d", tt.a, tt.b, got, tt.want)
			}
		})
	}
}
