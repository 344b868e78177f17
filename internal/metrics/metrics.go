package metrics

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// 同步引擎的 Prometheus 指标
var (
	HTTPAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lsync_http_attempts_total",
			Help: "Outbound marketplace requests by account and status class",
		},
		[]string{"account", "class"},
	)

	HTTPRetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lsync_http_retries_total",
			Help: "Outbound requests scheduled for retry",
		},
		[]string{"account"},
	)

	TokenRefreshTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lsync_token_refresh_total",
			Help: "OAuth token refreshes by result",
		},
		[]string{"account", "result"},
	)

	SnapshotWritesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lsync_snapshot_writes_total",
			Help: "Snapshot upserts by result",
		},
		[]string{"result"},
	)

	ListingsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lsync_listings_total",
			Help: "Listings processed per account by outcome (listed, saved, failed)",
		},
		[]string{"account", "outcome"},
	)

	AccountRunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lsync_account_runs_total",
			Help: "Finished account syncs by terminal state",
		},
		[]string{"account", "state"},
	)

	AccountRunDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "lsync_account_run_duration_seconds",
			Help:    "Duration of one account sync",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		},
		[]string{"account"},
	)
)

var registerOnce sync.Once

// Register 注册全部指标 (多次调用安全)
func Register() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			HTTPAttemptsTotal,
			HTTPRetriesTotal,
			TokenRefreshTotal,
			SnapshotWritesTotal,
			ListingsTotal,
			AccountRunsTotal,
			AccountRunDuration,
		)
	})
}

// ObserveHTTPAttempt 对应 net.AttemptObserver
func ObserveHTTPAttempt(account string, status int, retry bool) {
	HTTPAttemptsTotal.WithLabelValues(account, statusClass(status)).Inc()
	if retry {
		HTTPRetriesTotal.WithLabelValues(account).Inc()
	}
}

// ObserveRefresh 对应 service.RefreshObserver
func ObserveRefresh(account string, err error) {
	TokenRefreshTotal.WithLabelValues(account, result(err)).Inc()
}

// ObserveWrite 快照写入结果
func ObserveWrite(err error) {
	SnapshotWritesTotal.WithLabelValues(result(err)).Inc()
}

// ObserveAccount 账户同步结束
func ObserveAccount(account, state string, elapsed time.Duration, listed, saved, failed int) {
	AccountRunsTotal.WithLabelValues(account, state).Inc()
	AccountRunDuration.WithLabelValues(account).Observe(elapsed.Seconds())
	ListingsTotal.WithLabelValues(account, "listed").Add(float64(listed))
	ListingsTotal.WithLabelValues(account, "saved").Add(float64(saved))
	ListingsTotal.WithLabelValues(account, "failed").Add(float64(failed))
}

func statusClass(status int) string {
	if status == 0 {
		return "network"
	}
	return strconv.Itoa(status/100) + "xx"
}

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
