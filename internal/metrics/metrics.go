// Package metrics exports ledger and HTTP metrics in the Prometheus format.
package metrics

import (
	"errors"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/holiman/uint256"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"

	"github.com/congo-pay/savevault/internal/ledger"
	"github.com/congo-pay/savevault/internal/units"
)

// Recorder collects metrics into its own registry. It implements ledger.Observer.
type Recorder struct {
	Registry *prometheus.Registry

	operations   *prometheus.CounterVec
	opDuration   *prometheus.HistogramVec
	custodyTotal prometheus.Gauge
	requests     *prometheus.CounterVec
}

// NewRecorder registers the savevault collectors plus the Go runtime and process collectors.
func NewRecorder() *Recorder {
	r := &Recorder{
		Registry: prometheus.NewRegistry(),
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "savevault_ledger_operations_total",
			Help: "ledger operations by kind and outcome",
		}, []string{"operation", "outcome"}),
		opDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "savevault_ledger_operation_duration_seconds",
			Help:    "time spent in ledger operations, including waiting for the ledger lock",
			Buckets: prometheus.DefBuckets,
		}, []string{"operation"}),
		custodyTotal: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "savevault_custody_total_ether",
			Help: "sum of all savings balances after the last committed operation",
		}),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "savevault_http_requests_total",
			Help: "HTTP requests by route and status code",
		}, []string{"method", "route", "status"}),
	}

	r.Registry.MustRegister(r.operations)
	r.Registry.MustRegister(r.opDuration)
	r.Registry.MustRegister(r.custodyTotal)
	r.Registry.MustRegister(r.requests)
	r.Registry.MustRegister(collectors.NewGoCollector())
	r.Registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	return r
}

// ObserveOperation counts one ledger operation by outcome and records its latency.
func (r *Recorder) ObserveOperation(op string, err error, elapsed time.Duration) {
	r.operations.WithLabelValues(op, outcome(err)).Inc()
	r.opDuration.WithLabelValues(op).Observe(elapsed.Seconds())
}

// ObserveCustodyTotal sets the custody total gauge, in ether.
func (r *Recorder) ObserveCustodyTotal(total *uint256.Int) {
	r.custodyTotal.Set(decimal.NewFromBigInt(total.ToBig(), -units.EtherDecimals).InexactFloat64())
}

// Handler serves the registry on a Fiber route.
func (r *Recorder) Handler() fiber.Handler {
	return adaptor.HTTPHandler(promhttp.HandlerFor(r.Registry, promhttp.HandlerOpts{EnableOpenMetrics: true}))
}

// Middleware counts requests by matched route so path parameters do not explode cardinality.
func (r *Recorder) Middleware() fiber.Handler {
	return func(c *fiber.Ctx) error {
		err := c.Next()
		status := c.Response().StatusCode()
		var fe *fiber.Error
		if errors.As(err, &fe) {
			status = fe.Code
		} else if err != nil {
			status = fiber.StatusInternalServerError
		}
		r.requests.WithLabelValues(c.Method(), c.Route().Path, strconv.Itoa(status)).Inc()
		return err
	}
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ledger.ErrReversalFailed):
		return "reversal_failed"
	case errors.Is(err, ledger.ErrReentrantCall):
		return "reentrant_call"
	case errors.Is(err, ledger.ErrZeroAmount):
		return "zero_amount"
	case errors.Is(err, ledger.ErrNoSavings):
		return "no_savings"
	case errors.Is(err, ledger.ErrInsufficientBalance):
		return "insufficient_balance"
	case errors.Is(err, ledger.ErrInvalidAccount):
		return "invalid_account"
	case errors.Is(err, ledger.ErrTransferFailed):
		return "transfer_failed"
	case errors.Is(err, ledger.ErrOverflow):
		return "overflow"
	case errors.Is(err, ledger.ErrInvariantViolated):
		return "invariant_violated"
	default:
		return "error"
	}
}
