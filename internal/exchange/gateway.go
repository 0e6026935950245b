// Package exchange provides the exchange gateway interface and its
// implementations: a Bybit v5 REST client, a paper simulator, a websocket
// ticker stream and gateway decorators.
package exchange

import (
	"context"

	"sentinentx/internal/models"
)

// Gateway defines the exchange operations the engine depends on.
type Gateway interface {
	// Market data
	GetTicker(ctx context.Context, symbol string) (*models.Ticker, error)
	GetKlines(ctx context.Context, symbol, interval string, limit int) ([]models.Bar, error)
	GetInstrument(ctx context.Context, symbol string) (*models.Instrument, error)

	// Account
	GetAccount(ctx context.Context) (*models.AccountState, error)
	// GetPositions returns open positions, all symbols when symbol is empty.
	GetPositions(ctx context.Context, symbol string) ([]models.Position, error)
	SetLeverage(ctx context.Context, symbol string, leverage float64) error

	// Orders
	CreateOrder(ctx context.Context, req *models.OrderRequest) (*models.OrderResult, error)
	GetOrder(ctx context.Context, symbol, orderID string) (*models.OrderResult, error)
	CancelOrder(ctx context.Context, symbol, orderID string) error

	// Protective pairs
	CreateOcoOrder(ctx context.Context, req *models.OcoRequest) (*models.OcoResult, error)
	GetOcoOrder(ctx context.Context, symbol, ocoID string) (*models.OcoResult, error)
	CancelOcoOrder(ctx context.Context, symbol, ocoID string) error
}

// OpenPosition returns the open position on symbol, nil when flat.
func OpenPosition(ctx context.Context, gw Gateway, symbol string) (*models.Position, error) {
	positions, err := gw.GetPositions(ctx, symbol)
	if err != nil {
		return nil, err
	}
	for i := range positions {
		if positions[i].Symbol == symbol && positions[i].IsOpen() {
			return &positions[i], nil
		}
	}
	return nil, nil
}

// OpenSymbols returns the symbols with open positions, excluding skip.
func OpenSymbols(ctx context.Context, gw Gateway, skip string) ([]string, error) {
	positions, err := gw.GetPositions(ctx, "")
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool)
	var symbols []string
	for _, p := range positions {
		if !p.IsOpen() || p.Symbol == skip || seen[p.Symbol] {
			continue
		}
		seen[p.Symbol] = true
		symbols = append(symbols, p.Symbol)
	}
	return symbols, nil
}
