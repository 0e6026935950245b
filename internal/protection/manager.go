// Package protection attaches reduce-only exits to filled entries: an OCO
// take-profit/stop-loss pair and an optional take-profit ladder.
package protection

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"sentinentx/internal/config"
	"sentinentx/internal/errors"
	"sentinentx/internal/exchange"
	"sentinentx/internal/logging"
	"sentinentx/internal/metrics"
	"sentinentx/internal/models"
	"sentinentx/internal/notify"
	"sentinentx/pkg/utils"
)

// Manager places and maintains protective orders.
type Manager struct {
	gw      exchange.Gateway
	cfg     config.ProtectionConfig
	alerter notify.Alerter
	metrics *metrics.Metrics
	logger  zerolog.Logger
	rand    func() float64
}

// Option configures a Manager.
type Option func(*Manager)

// WithAlerter sets where unprotected positions are reported.
func WithAlerter(a notify.Alerter) Option {
	return func(m *Manager) { m.alerter = a }
}

// WithMetrics sets the metrics sink.
func WithMetrics(mt *metrics.Metrics) Option {
	return func(m *Manager) { m.metrics = mt }
}

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// WithRand overrides the jitter source, a function returning [0, 1).
func WithRand(r func() float64) Option {
	return func(m *Manager) { m.rand = r }
}

// NewManager creates a protection manager.
func NewManager(gw exchange.Gateway, cfg config.ProtectionConfig, opts ...Option) *Manager {
	if cfg.OCOMaxRetries < 1 {
		cfg.OCOMaxRetries = 3
	}
	if cfg.TPMaxRetries < 1 {
		cfg.TPMaxRetries = 3
	}
	if cfg.OCOBackoffBase <= 0 {
		cfg.OCOBackoffBase = 100 * time.Millisecond
	}
	if cfg.TPBackoffBase <= 0 {
		cfg.TPBackoffBase = 200 * time.Millisecond
	}

	m := &Manager{
		gw:      gw,
		cfg:     cfg,
		alerter: notify.NopAlerter{},
		logger:  zerolog.Nop(),
		rand:    rand.Float64,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Manager) ocoRetry() utils.RetryConfig {
	rc := utils.LinearRetryConfig(m.cfg.OCOMaxRetries, m.cfg.OCOBackoffBase, m.cfg.Jitter)
	rc.Rand = m.rand
	return rc
}

func (m *Manager) tpRetry() utils.RetryConfig {
	rc := utils.ExponentialRetryConfig(m.cfg.TPMaxRetries, m.cfg.TPBackoffBase, m.cfg.Jitter)
	rc.Rand = m.rand
	return rc
}

// validateBracket checks that tp and sl sit on the profitable and losing sides
// of a position on side.
func validateBracket(side models.Side, qty, tp, sl float64) error {
	switch {
	case qty <= 0:
		return errors.NewValidationError("qty", qty, "must be positive")
	case tp <= 0 || sl <= 0:
		return errors.NewValidationError("tp/sl", fmt.Sprintf("%v/%v", tp, sl), "must be positive")
	case side == models.SideBuy && tp <= sl:
		return errors.NewValidationError("tp", tp, "must be above the stop for a long")
	case side == models.SideSell && tp >= sl:
		return errors.NewValidationError("tp", tp, "must be below the stop for a short")
	}
	return nil
}

// SetupOCO places one reduce-only TP/SL pair for a position on side, retrying
// rejections with linear jittered backoff. The pair is a single exchange call,
// so no leg is ever left alone.
func (m *Manager) SetupOCO(ctx context.Context, symbol string, side models.Side, qty, tp, sl float64) *models.OCOResult {
	logger := logging.WithSymbol(m.logger, symbol)
	if err := validateBracket(side, qty, tp, sl); err != nil {
		logging.LogProtection(logger, symbol, "oco", false, 0, err)
		m.metrics.ProtectionFailure("oco")
		return &models.OCOResult{LastError: err.Error()}
	}

	res, attempts, err := utils.RetryWithResult(ctx, m.ocoRetry(), func(attempt int) (*models.OcoResult, error) {
		r, err := m.gw.CreateOcoOrder(ctx, &models.OcoRequest{
			Symbol:      symbol,
			Side:        side,
			Qty:         qty,
			TakeProfit:  tp,
			StopLoss:    sl,
			OrderLinkID: uuid.NewString(),
		})
		if err != nil {
			logger.Warn().Err(err).Int("attempt", attempt).Msg("OCO placement failed")
			return nil, err
		}
		if !r.Accepted {
			logger.Warn().Str("reason", r.RejectReason).Int("attempt", attempt).Msg("OCO rejected")
			return nil, errors.NewOrderError(r.OcoID, symbol, "OCO", r.RejectReason, errors.ErrOrderRejected)
		}
		return r, nil
	})

	logging.LogProtection(logger, symbol, "oco", err == nil, attempts, err)
	if err != nil {
		m.metrics.ProtectionFailure("oco")
		return &models.OCOResult{Attempts: attempts, LastError: err.Error()}
	}
	return &models.OCOResult{OK: true, OcoID: res.OcoID, Attempts: attempts}
}

// CancelOCO cancels a protective pair.
func (m *Manager) CancelOCO(ctx context.Context, symbol, ocoID string) error {
	if err := m.gw.CancelOcoOrder(ctx, symbol, ocoID); err != nil {
		return errors.Wrapf(err, "cancelling oco %s", ocoID)
	}
	return nil
}

// OCOStatus returns the exchange state of a protective pair.
func (m *Manager) OCOStatus(ctx context.Context, symbol, ocoID string) (*models.OcoResult, error) {
	res, err := m.gw.GetOcoOrder(ctx, symbol, ocoID)
	if err != nil {
		return nil, errors.Wrapf(err, "reading oco %s", ocoID)
	}
	return res, nil
}

// RelinkOCO replaces a pair after the position changed. The old pair is
// cancelled when it is still live; the new one gets a fresh link id.
func (m *Manager) RelinkOCO(ctx context.Context, symbol, oldID string, side models.Side, qty, tp, sl float64) *models.OCOResult {
	if oldID != "" {
		if st, err := m.gw.GetOcoOrder(ctx, symbol, oldID); err == nil && st.Status == models.StatusUntriggered {
			if err := m.gw.CancelOcoOrder(ctx, symbol, oldID); err != nil {
				m.logger.Warn().Err(err).Str("symbol", symbol).Str("oco_id", oldID).Msg("Old OCO not cancelled")
			}
		}
	}
	return m.SetupOCO(ctx, symbol, side, qty, tp, sl)
}

// AttachRequest describes the protection wanted for a filled entry.
type AttachRequest struct {
	Symbol     string
	Side       models.Side
	Qty        float64
	Entry      float64
	TakeProfit float64
	StopLoss   float64
	Levels     []models.TPLevel
}

// AttachProtection protects a filled position. Without levels one OCO covers
// the whole quantity. With levels the OCO carries the stop and the farthest
// target while the ladder takes partial profits. A position left without its
// stop returns ErrUnprotected and raises a critical alert.
func (m *Manager) AttachProtection(ctx context.Context, req AttachRequest) (*models.ProtectionResult, error) {
	logger := logging.WithSymbol(m.logger, req.Symbol)
	res := &models.ProtectionResult{}

	tp := req.TakeProfit
	if len(req.Levels) > 0 {
		sorted := sortLevels(req.Levels, req.Side)
		tp = sorted[len(sorted)-1].Price
	}

	res.OCO = m.SetupOCO(ctx, req.Symbol, req.Side, req.Qty, tp, req.StopLoss)
	res.OK = res.OCO.OK
	if res.OCO.OK {
		res.SucceededCount = 1
	}

	if len(req.Levels) > 0 {
		res.Ladder = m.SetupTPLadder(ctx, req.Symbol, req.Side, req.Qty, req.Entry, req.Levels)
		res.SucceededCount = res.Ladder.Succeeded
		if res.OK && !res.Ladder.OK {
			m.alert(ctx, notify.Alert{
				Severity: notify.SeverityWarning,
				Kind:     notify.KindUnprotected,
				Symbol:   req.Symbol,
				Message:  "Take-profit ladder failed, OCO target only",
				Data:     map[string]interface{}{"levels": res.Ladder.Total},
			})
		}
	}

	if res.OK {
		return res, nil
	}

	m.metrics.ProtectionFailure("unprotected")
	logger.Error().
		Str("event", "unprotected_position").
		Str("side", string(req.Side)).
		Float64("qty", req.Qty).
		Float64("entry", req.Entry).
		Str("last_error", res.OCO.LastError).
		Msg("Position open without protective stop")
	m.alert(ctx, notify.Alert{
		Severity: notify.SeverityCritical,
		Kind:     notify.KindUnprotected,
		Symbol:   req.Symbol,
		Message:  "Position open without protective stop",
		Data: map[string]interface{}{
			"side":       req.Side,
			"qty":        req.Qty,
			"entry":      req.Entry,
			"stop_loss":  req.StopLoss,
			"attempts":   res.OCO.Attempts,
			"last_error": res.OCO.LastError,
		},
	})
	return res, errors.Wrapf(errors.ErrUnprotected, "%s %s %v", req.Symbol, req.Side, req.Qty)
}

func (m *Manager) alert(ctx context.Context, a notify.Alert) {
	if err := m.alerter.Alert(ctx, a); err != nil {
		m.logger.Error().Err(err).Str("kind", a.Kind).Msg("Alert delivery failed")
	}
}
