package exchange

import (
	"context"

	"sentinentx/internal/models"
	"sentinentx/internal/security"
)

// ReadOnlyGateway blocks write operations while the access controller is in read-only mode.
type ReadOnlyGateway struct {
	Gateway
	access *security.AccessController
}

// NewReadOnlyGateway wraps gw with access checks.
func NewReadOnlyGateway(gw Gateway, access *security.AccessController) *ReadOnlyGateway {
	return &ReadOnlyGateway{Gateway: gw, access: access}
}

func (g *ReadOnlyGateway) SetLeverage(ctx context.Context, symbol string, leverage float64) error {
	if err := g.access.Check(security.OpPlaceOrder); err != nil {
		return err
	}
	return g.Gateway.SetLeverage(ctx, symbol, leverage)
}

func (g *ReadOnlyGateway) CreateOrder(ctx context.Context, req *models.OrderRequest) (*models.OrderResult, error) {
	if err := g.access.Check(security.OpPlaceOrder); err != nil {
		return nil, err
	}
	return g.Gateway.CreateOrder(ctx, req)
}

func (g *ReadOnlyGateway) CancelOrder(ctx context.Context, symbol, orderID string) error {
	if err := g.access.Check(security.OpCancelOrder); err != nil {
		return err
	}
	return g.Gateway.CancelOrder(ctx, symbol, orderID)
}

func (g *ReadOnlyGateway) CreateOcoOrder(ctx context.Context, req *models.OcoRequest) (*models.OcoResult, error) {
	if err := g.access.Check(security.OpPlaceOCO); err != nil {
		return nil, err
	}
	return g.Gateway.CreateOcoOrder(ctx, req)
}

func (g *ReadOnlyGateway) CancelOcoOrder(ctx context.Context, symbol, ocoID string) error {
	if err := g.access.Check(security.OpCancelOrder); err != nil {
		return err
	}
	return g.Gateway.CancelOcoOrder(ctx, symbol, ocoID)
}
