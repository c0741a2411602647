// Package metrics は認証まわりの Prometheus メトリクスを定義します。
//
// 命名規則:
//   - bookshelf_auth_ プレフィックス
//   - カウンターは _total サフィックス
//   - 所要時間のヒストグラムは _seconds サフィックス
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// ログイン結果のラベル値
const (
	OutcomeSuccess     = "success"
	OutcomeInvalid     = "invalid_credentials"
	OutcomeUnavailable = "unavailable"
	OutcomeLocked      = "locked"
)

var (
	// LoginsTotal はログイン試行を結果ごとに数えます。
	LoginsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bookshelf_auth_logins_total",
			Help: "Total number of login attempts by outcome.",
		},
		[]string{"outcome"},
	)

	// LoginDurationSeconds は認証処理（検索とハッシュ検証）の所要時間です。
	LoginDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "bookshelf_auth_login_duration_seconds",
			Help:    "Duration of credential verification in seconds.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
		[]string{"outcome"},
	)

	// SessionsResolvedTotal はリクエストごとのセッション判定結果を数えます。
	SessionsResolvedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bookshelf_auth_sessions_resolved_total",
			Help: "Total number of session cookies resolved by resulting state.",
		},
		[]string{"state"},
	)

	// CSRFRejectionsTotal は CSRF トークン不一致で拒否したリクエスト数です。
	CSRFRejectionsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "bookshelf_auth_csrf_rejections_total",
			Help: "Total number of mutating requests rejected for a missing or mismatched CSRF token.",
		},
	)

	// PasswordRehashNeeded は古いパラメータのハッシュでログインした回数です。
	PasswordRehashNeeded = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "bookshelf_auth_password_rehash_needed_total",
			Help: "Total number of successful logins whose stored hash uses outdated parameters.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		LoginsTotal,
		LoginDurationSeconds,
		SessionsResolvedTotal,
		CSRFRejectionsTotal,
		PasswordRehashNeeded,
	)
}

// ObserveLogin はログイン試行の結果と所要時間を記録します。
func ObserveLogin(outcome string, d time.Duration) {
	LoginsTotal.WithLabelValues(outcome).Inc()
	LoginDurationSeconds.WithLabelValues(outcome).Observe(d.Seconds())
}
