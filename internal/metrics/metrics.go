// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Recorder はメトリクス収集のインターフェース。
// エンティティサービスやミドルウェアから利用する。
type Recorder interface {
	RecordAuthAttempt(op string, success bool)
	RecordStoreOp(collection, op string, success bool)
	RecordMalformedDocument(collection string)
	RecordSnapshotPush(collection string)
	IncActiveSubscriptions(collection string)
	DecActiveSubscriptions(collection string)
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	authAttempts   *prometheus.CounterVec
	storeOps       *prometheus.CounterVec
	malformedDocs  *prometheus.CounterVec
	snapshotPushes *prometheus.CounterVec
	activeSubs     *prometheus.GaugeVec
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		authAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cargotrack_auth_attempts_total",
			Help: "認証操作の試行数（操作・成否別）",
		}, []string{"op", "success"}),
		storeOps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cargotrack_store_ops_total",
			Help: "Record Store操作の実行数（コレクション・操作・成否別）",
		}, []string{"collection", "op", "success"}),
		malformedDocs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cargotrack_malformed_documents_total",
			Help: "デコード境界で破棄された不正ドキュメント数",
		}, []string{"collection"}),
		snapshotPushes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cargotrack_snapshot_pushes_total",
			Help: "ライブクエリが配信したスナップショット数",
		}, []string{"collection"}),
		activeSubs: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "cargotrack_active_subscriptions",
			Help: "アクティブなライブクエリ購読数",
		}, []string{"collection"}),
	}

	reg.MustRegister(
		c.authAttempts,
		c.storeOps,
		c.malformedDocs,
		c.snapshotPushes,
		c.activeSubs,
	)

	return c
}

// RecordAuthAttempt は認証操作の試行を記録する。
func (c *Collector) RecordAuthAttempt(op string, success bool) {
	c.authAttempts.WithLabelValues(op, boolLabel(success)).Inc()
}

// RecordStoreOp はRecord Store操作の実行を記録する。
func (c *Collector) RecordStoreOp(collection, op string, success bool) {
	c.storeOps.WithLabelValues(collection, op, boolLabel(success)).Inc()
}

// RecordMalformedDocument は不正ドキュメントの破棄を記録する。
func (c *Collector) RecordMalformedDocument(collection string) {
	c.malformedDocs.WithLabelValues(collection).Inc()
}

// RecordSnapshotPush はスナップショット配信を記録する。
func (c *Collector) RecordSnapshotPush(collection string) {
	c.snapshotPushes.WithLabelValues(collection).Inc()
}

// IncActiveSubscriptions はアクティブ購読数を増やす。
func (c *Collector) IncActiveSubscriptions(collection string) {
	c.activeSubs.WithLabelValues(collection).Inc()
}

// DecActiveSubscriptions はアクティブ購読数を減らす。
func (c *Collector) DecActiveSubscriptions(collection string) {
	c.activeSubs.WithLabelValues(collection).Dec()
}

func boolLabel(b bool) string {
	if b {
		return "true"
	}
	return "false"
}

// Nop は何も記録しないRecorder。テスト用。
type Nop struct{}

func (Nop) RecordAuthAttempt(string, bool)     {}
func (Nop) RecordStoreOp(string, string, bool) {}
func (Nop) RecordMalformedDocument(string)     {}
func (Nop) RecordSnapshotPush(string)          {}
func (Nop) IncActiveSubscriptions(string)      {}
func (Nop) DecActiveSubscriptions(string)      {}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// SetupMetricsRoute は/metricsエンドポイントを提供するHTTPハンドラーを返す。
// Prometheusスクレイプに対応する。
func SetupMetricsRoute(gatherer prometheus.Gatherer) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler(gatherer))
	return mux
}

// compile-time interface checks
var _ Recorder = (*Collector)(nil)
var _ Recorder = Nop{}
