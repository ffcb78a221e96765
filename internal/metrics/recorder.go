// Package metrics exposes engine activity as Prometheus series.
package metrics

import (
	"math/big"
	"strconv"
	"time"

	"github.com/holiman/uint256"
	"github.com/prometheus/client_golang/prometheus"

	"tickLend/internal/lending"
)

// Recorder implements lending.Observer. A nil *Recorder ignores every call.
type Recorder struct {
	operations *prometheus.CounterVec
	latency    *prometheus.HistogramVec
	liquidity  *prometheus.GaugeVec
	locked     *prometheus.GaugeVec
	shares     *prometheus.GaugeVec
}

var _ lending.Observer = (*Recorder)(nil)

func New(reg prometheus.Registerer) (*Recorder, error) {
	r := &Recorder{
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ticklend_operations_total",
			Help: "Engine operations by name and outcome.",
		}, []string{"op", "outcome"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ticklend_operation_seconds",
			Help:    "Engine operation latency.",
			Buckets: prometheus.ExponentialBuckets(0.00005, 4, 8),
		}, []string{"op"}),
		liquidity: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "ticklend_bucket_liquidity",
			Help: "Total liquidity of a lending bucket.",
		}, []string{"tick"}),
		locked: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "ticklend_bucket_locked",
			Help: "Borrowed liquidity of a lending bucket.",
		}, []string{"tick"}),
		shares: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "ticklend_bucket_shares",
			Help: "Outstanding shares of a lending bucket.",
		}, []string{"tick"}),
	}
	for _, c := range []prometheus.Collector{r.operations, r.latency, r.liquidity, r.locked, r.shares} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return r, nil
}

func (r *Recorder) ObserveOperation(op string, err error, elapsed time.Duration) {
	if r == nil {
		return
	}
	r.operations.WithLabelValues(op, lending.Code(err)).Inc()
	r.latency.WithLabelValues(op).Observe(elapsed.Seconds())
}

func (r *Recorder) ObserveBucket(tick int32, b lending.Bucket) {
	if r == nil {
		return
	}
	label := strconv.FormatInt(int64(tick), 10)
	r.liquidity.WithLabelValues(label).Set(toFloat(b.Liquidity))
	r.locked.WithLabelValues(label).Set(toFloat(b.Locked))
	r.shares.WithLabelValues(label).Set(toFloat(b.TotalShares))
}

func toFloat(v *uint256.Int) float64 {
	if v == nil {
		return 0
	}
	f, _ := new(big.Float).SetInt(v.ToBig()).Float64()
	return f
}
