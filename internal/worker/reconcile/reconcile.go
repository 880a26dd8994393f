// Package reconcile は顧客集計値のバックグラウンド整合ジョブを提供する。
//
// 顧客のtotalShipments/totalSpentは読み取り時に配送コレクションから
// 再計算した値が正であり、格納済みの非正規化値はこのジョブが定期的に
// 追従させる。生のドキュメントを読む消費者のための後方支援。
package reconcile

import (
	"context"
	"log/slog"
	"time"

	"github.com/hitoshi/cargotrack/internal/customer"
	"github.com/hitoshi/cargotrack/internal/model"
	"github.com/hitoshi/cargotrack/internal/recordstore"
)

// StatsService は顧客集計値の計算インターフェース。
type StatsService interface {
	// Stats は配送コレクションから顧客の集計値を計算する。
	Stats(ctx context.Context, customerID string) (*model.CustomerStats, error)
}

// Reconciler は顧客集計値の整合ジョブ。
// ティッカー駆動のバッチジョブとして設計されており、冪等な更新処理を保証する。
type Reconciler struct {
	store  recordstore.Store
	stats  StatsService
	logger *slog.Logger
}

// NewReconciler はReconcilerの新しいインスタンスを生成する。
func NewReconciler(store recordstore.Store, stats StatsService, logger *slog.Logger) *Reconciler {
	return &Reconciler{
		store:  store,
		stats:  stats,
		logger: logger,
	}
}

// Start は指定間隔のティッカーでジョブを起動する。
// コンテキストがキャンセルされるまで実行を継続する。
func (r *Reconciler) Start(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	r.logger.Info("reconciler started",
		slog.Duration("interval", interval),
	)

	// 起動直後に1回実行
	if err := r.RunOnce(ctx); err != nil {
		r.logger.Error("reconcile cycle failed",
			slog.String("error", err.Error()),
		)
	}

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("reconciler stopped")
			return
		case <-ticker.C:
			if err := r.RunOnce(ctx); err != nil {
				r.logger.Error("reconcile cycle failed",
					slog.String("error", err.Error()),
				)
			}
		}
	}
}

// RunOnce は全顧客の集計値を1回再計算し、格納値とずれている場合のみ
// 書き戻す。1顧客の失敗は他の顧客の処理を止めない。
// 冪等: ずれがない場合は書き込みを行わない。
func (r *Reconciler) RunOnce(ctx context.Context) error {
	start := time.Now()

	docs, err := r.store.Query(ctx, customer.Collection, recordstore.Query{})
	if err != nil {
		return err
	}

	updated := 0
	failed := 0
	for _, doc := range docs {
		changed, err := r.reconcileOne(ctx, doc)
		if err != nil {
			failed++
			r.logger.Error("customer reconcile failed",
				slog.String("customer_id", doc.ID),
				slog.String("error", err.Error()),
			)
			continue
		}
		if changed {
			updated++
		}
	}

	r.logger.Info("reconcile cycle completed",
		slog.Int("customer_count", len(docs)),
		slog.Int("updated_count", updated),
		slog.Int("failed_count", failed),
		slog.Float64("duration_ms", float64(time.Since(start).Milliseconds())),
	)

	return nil
}

// reconcileOne は1顧客の集計値を再計算し、ずれていれば書き戻す。
func (r *Reconciler) reconcileOne(ctx context.Context, doc recordstore.Document) (bool, error) {
	stats, err := r.stats.Stats(ctx, doc.ID)
	if err != nil {
		return false, err
	}

	storedShipments := int(toFloat(doc.Fields["totalShipments"]))
	storedSpent := toFloat(doc.Fields["totalSpent"])
	if storedShipments == stats.TotalShipments && storedSpent == stats.TotalSpent {
		return false, nil
	}

	err = r.store.Update(ctx, customer.Collection, doc.ID, map[string]any{
		"totalShipments": stats.TotalShipments,
		"totalSpent":     stats.TotalSpent,
	})
	if err != nil {
		return false, err
	}
	return true, nil
}

func toFloat(v any) float64 {
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
