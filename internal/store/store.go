// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"
	"time"

	"sentinentx/internal/models"
)

// DataStore defines the interface for data persistence.
type DataStore interface {
	// Decisions
	RecordConsensus(ctx context.Context, result *models.ConsensusResult) error
	GetDecisions(ctx context.Context, filter DecisionFilter) ([]models.ConsensusResult, error)

	// Risk gate
	RecordGate(ctx context.Context, symbol string, result *models.RiskGateResult) error
	GetGateResults(ctx context.Context, symbol string, limit int) ([]GateRecord, error)

	// Execution
	SaveAttempts(ctx context.Context, cycleID string, attempts []models.OrderAttempt) error
	GetAttempts(ctx context.Context, cycleID string) ([]models.OrderAttempt, error)

	// Trades
	SaveTrade(ctx context.Context, trade *models.Trade) error
	UpdateTrade(ctx context.Context, trade *models.Trade) error
	GetOpenTrades(ctx context.Context, symbol string) ([]models.Trade, error)
	GetTrades(ctx context.Context, filter TradeFilter) ([]models.Trade, error)
	CloseTrade(ctx context.Context, tradeID string, exitPrice, pnl float64, closedAt time.Time) error

	// Protection
	SaveProtection(ctx context.Context, tradeID string, result *models.ProtectionResult) error
	GetProtection(ctx context.Context, tradeID string) (*models.ProtectionResult, error)

	// Lifecycle
	Close() error
}

// TradeFilter represents filters for querying trades.
type TradeFilter struct {
	Symbol    string
	Status    models.TradeStatus
	StartDate time.Time
	EndDate   time.Time
	Limit     int
}

// DecisionFilter represents filters for querying consensus decisions.
type DecisionFilter struct {
	Symbol    string
	Action    models.Action
	StartDate time.Time
	EndDate   time.Time
	Limit     int
}

// GateRecord is a stored risk gate outcome.
type GateRecord struct {
	Symbol    string
	Result    models.RiskGateResult
	Timestamp time.Time
}
