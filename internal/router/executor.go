package router

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mExOms/gateway/internal/exchange"
	"github.com/mExOms/gateway/internal/ratelimit"
	"github.com/mExOms/gateway/pkg/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

// HealthReporter receives venue faults discovered while placing orders
type HealthReporter interface {
	ReportAuthFailure(venue string, err error)
	SetMaintenance(venue string, until time.Time)
}

// ExecutorOptions wires the executor
type ExecutorOptions struct {
	Engine  *Engine
	Venues  *exchange.Manager
	Limiter *ratelimit.Limiter
	Health  HealthReporter
	// Registerer receives the execution collectors when set
	Registerer prometheus.Registerer
	// MaintenanceCooldown keeps a venue that reported maintenance out of rotation
	MaintenanceCooldown time.Duration
}

// Executor places an order on the first usable venue and fails over on transient errors
type Executor struct {
	engine              *Engine
	venues              *exchange.Manager
	limiter             *ratelimit.Limiter
	health              HealthReporter
	maintenanceCooldown time.Duration
	tracker             *tracker
	now                 func() time.Time
	newID               func() string
	logger              *logrus.Entry
}

// NewExecutor creates a failover executor
func NewExecutor(opts ExecutorOptions) (*Executor, error) {
	if opts.Engine == nil || opts.Venues == nil {
		return nil, fmt.Errorf("executor requires a routing engine and venues")
	}
	if opts.MaintenanceCooldown <= 0 {
		opts.MaintenanceCooldown = 5 * time.Minute
	}

	x := &Executor{
		engine:              opts.Engine,
		venues:              opts.Venues,
		limiter:             opts.Limiter,
		health:              opts.Health,
		maintenanceCooldown: opts.MaintenanceCooldown,
		tracker:             newTracker(),
		now:                 time.Now,
		newID:               NewClientOrderID,
		logger:              logrus.WithField("component", "executor"),
	}
	if opts.Registerer != nil {
		if err := x.tracker.register(opts.Registerer); err != nil {
			return nil, err
		}
	}
	return x, nil
}

// NewClientOrderID returns a 34-character client order id. It fits every venue's client id limit
// and is never shaped like a dashed uuid, which Bybit reserves for its own order ids.
func NewClientOrderID() string {
	return "gw" + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// ExecuteOrder routes the order along its failover chain, one venue at a time
func (x *Executor) ExecuteOrder(ctx context.Context, req *types.OrderRequest) (*types.ExecutionResult, error) {
	if req == nil {
		x.tracker.recordFailure("", OutcomeInvalid)
		return nil, fmt.Errorf("order request is required")
	}
	if err := req.Validate(); err != nil {
		x.tracker.recordFailure("", OutcomeInvalid)
		return nil, fmt.Errorf("invalid order request: %w", err)
	}

	// Every venue sees the same client order id
	order := *req
	if order.ClientOrderID == "" {
		order.ClientOrderID = x.newID()
	}

	start := x.now()
	tried := make(map[string]bool)
	var attempts []types.Attempt

	logger := x.logger.WithFields(logrus.Fields{
		"symbol":          order.Symbol,
		"side":            order.Side,
		"client_order_id": order.ClientOrderID,
	})

	for {
		sel, err := x.engine.Select(&order, tried)
		for _, skip := range sel.Skipped {
			if tried[skip.Venue] {
				continue
			}
			tried[skip.Venue] = true
			attempts = append(attempts, types.Attempt{Venue: skip.Venue, Outcome: types.AttemptSkipped, Reason: skip.Reason})
		}
		if err != nil {
			x.tracker.recordFailure("", OutcomeUnavailable)
			logger.WithField("attempts", len(attempts)).Warn("No venue could take the order")
			return nil, &types.AllExchangesUnavailableError{Symbol: order.Symbol, Attempts: attempts, Cause: err}
		}

		venue := sel.Venue
		tried[venue] = true

		var reservation *ratelimit.Reservation
		if x.limiter != nil {
			reservation, err = x.limiter.Acquire(venue, ratelimit.CategoryOrders)
			if err != nil {
				attempts = append(attempts, types.Attempt{Venue: venue, Outcome: types.AttemptSkipped, Kind: types.ErrorKindRateLimit, Reason: err.Error()})
				logger.WithField("venue", venue).Warn("Order budget exhausted, trying next venue")
				continue
			}
		}

		if ctx.Err() != nil {
			reservation.Release()
			x.tracker.recordFailure(venue, OutcomeCancelled)
			return nil, ctx.Err()
		}

		cm, err := x.venues.Get(venue)
		if err != nil {
			reservation.Release()
			attempts = append(attempts, types.Attempt{Venue: venue, Outcome: types.AttemptSkipped, Kind: types.ErrorKindConnectivity, Reason: err.Error()})
			continue
		}

		ack, err := cm.PlaceOrder(ctx, &order)
		if err == nil {
			attempts = append(attempts, types.Attempt{Venue: venue, Outcome: types.AttemptSucceeded})
			latency := x.now().Sub(start)
			failover := venue != sel.Rule.Primary || len(attempts) > 1
			x.tracker.recordSuccess(venue, latency, failover)

			entry := logger.WithFields(logrus.Fields{
				"venue":    venue,
				"order_id": ack.OrderID,
				"latency":  latency,
			})
			if failover {
				entry.WithField("chain", len(attempts)).Warn("Order placed after failover")
			} else {
				entry.Info("Order placed")
			}

			return &types.ExecutionResult{
				VenueUsed:     venue,
				OrderID:       ack.OrderID,
				ClientOrderID: order.ClientOrderID,
				Status:        ack.Status,
				Price:         ack.Price,
				Latency:       latency,
				Failover:      failover,
				Attempts:      attempts,
			}, nil
		}

		// The caller gave up while the order was in flight; its fate on this venue is unknown
		if ctx.Err() != nil {
			x.tracker.recordFailure(venue, OutcomeCancelled)
			return nil, fmt.Errorf("order on %s abandoned: %w", venue, errors.Join(ctx.Err(), err))
		}

		kind := types.KindOf(err)
		attempts = append(attempts, types.Attempt{Venue: venue, Outcome: types.AttemptFailed, Kind: kind, Reason: err.Error()})

		switch kind {
		case types.ErrorKindAuthentication:
			if x.health != nil {
				x.health.ReportAuthFailure(venue, err)
			}
			x.tracker.recordFailure(venue, OutcomeFailed)
			return nil, err
		case types.ErrorKindProtocol:
			x.tracker.recordFailure(venue, OutcomeFailed)
			logger.WithError(err).WithField("venue", venue).Error("Venue returned an unexpected response")
			return nil, err
		case types.ErrorKindMaintenance:
			if x.health != nil {
				x.health.SetMaintenance(venue, x.now().Add(x.maintenanceCooldown))
			}
		}

		logger.WithError(err).WithFields(logrus.Fields{
			"venue": venue,
			"kind":  kind,
		}).Warn("Order failed, trying next venue")
	}
}

// CancelOrder cancels an order on the venue that holds it
func (x *Executor) CancelOrder(ctx context.Context, venue, symbol, orderID string) error {
	cm, err := x.venues.Get(venue)
	if err != nil {
		return err
	}
	return cm.CancelOrder(ctx, symbol, orderID)
}

// Metrics returns a snapshot of execution statistics
func (x *Executor) Metrics() Metrics {
	return x.tracker.snapshot()
}
