package geo

import (
	"context"
	"errors"
	"net"
	"time"

	"auditengine/internal/config"
	"auditengine/internal/metrics"

	gobreaker "github.com/sony/gobreaker/v2"
	"go.uber.org/zap"
)

// Lookuper 同步归属地查询
type Lookuper interface {
	Lookup(ip string) (string, error)
}

// BoundedResolver 为查询加上超时与熔断，失败时降级为 Unknown
// 实现 audit.LocationResolver
type BoundedResolver struct {
	lookup  Lookuper
	timeout time.Duration
	cb      *gobreaker.CircuitBreaker[string]
	logger  *zap.Logger
}

func NewBoundedResolver(lookup Lookuper, cfg config.GeoConfig, logger *zap.Logger) *BoundedResolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	threshold := cfg.FailureThreshold
	if threshold == 0 {
		threshold = 5
	}

	cb := gobreaker.NewCircuitBreaker[string](gobreaker.Settings{
		Name:        "geo-lookup",
		MaxRequests: 1,
		Timeout:     cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("归属地查询熔断状态变化",
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	})

	return &BoundedResolver{lookup: lookup, timeout: cfg.Timeout, cb: cb, logger: logger}
}

// Locate 查询归属地，内网地址直接返回 Private
func (r *BoundedResolver) Locate(ctx context.Context, ip string) string {
	parsed := net.ParseIP(ip)
	if parsed == nil {
		metrics.GeoLookupsTotal.WithLabelValues("miss").Inc()
		return Unknown
	}
	if isInternal(parsed) {
		metrics.GeoLookupsTotal.WithLabelValues("private").Inc()
		return Private
	}

	loc, err := r.cb.Execute(func() (string, error) {
		return r.bounded(ctx, ip)
	})
	switch {
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		metrics.GeoLookupsTotal.WithLabelValues("open").Inc()
		return Unknown
	case err != nil:
		metrics.GeoLookupsTotal.WithLabelValues("error").Inc()
		r.logger.Debug("归属地查询失败", zap.String("ip", ip), zap.Error(err))
		return Unknown
	case loc == "":
		metrics.GeoLookupsTotal.WithLabelValues("miss").Inc()
		return Unknown
	}
	metrics.GeoLookupsTotal.WithLabelValues("ok").Inc()
	return loc
}

type lookupResult struct {
	loc string
	err error
}

func (r *BoundedResolver) bounded(ctx context.Context, ip string) (string, error) {
	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	done := make(chan lookupResult, 1)
	go func() {
		loc, err := r.lookup.Lookup(ip)
		done <- lookupResult{loc: loc, err: err}
	}()

	select {
	case res := <-done:
		return res.loc, res.err
	case <-ctx.Done():
		return "", ErrUnavailable
	}
}

// State 当前熔断状态
func (r *BoundedResolver) State() gobreaker.State {
	return r.cb.State()
}
