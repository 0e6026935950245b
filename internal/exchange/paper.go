package exchange

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"sentinentx/internal/errors"
	"sentinentx/internal/models"
)

const qtyEpsilon = 1e-12

// Fault operations accepted by InjectFault.
const (
	FaultCreateOrder = "order"
	FaultCreateOco   = "oco"
	FaultCancel      = "cancel"
	FaultGetOrder    = "get_order"
	FaultPositions   = "positions"
	FaultTicker      = "ticker"
)

// Fault is one scripted failure. Err is returned as a transport error;
// otherwise Reject becomes the exchange rejection reason.
type Fault struct {
	Err    error
	Reject string
}

// PaperOrder is a simulated order with its current state.
type PaperOrder struct {
	Request  models.OrderRequest
	Result   models.OrderResult
	PlacedAt time.Time
}

// PaperOco is a simulated protective pair.
type PaperOco struct {
	Request models.OcoRequest
	Result  models.OcoResult
}

// PaperGateway implements Gateway as an in-memory exchange simulation.
type PaperGateway struct {
	// Optional real gateway for market data
	data Gateway

	tickers     map[string]models.Ticker
	klines      map[string][]models.Bar
	instruments map[string]models.Instrument
	positions   map[string]*models.Position
	leverage    map[string]float64
	depth       map[string]float64

	orders   map[string]*PaperOrder
	orderIDs []string
	ocos     map[string]*PaperOco
	ocoIDs   []string
	faults   map[string][]Fault

	equity  float64
	account *models.AccountState
	counter int
	now     func() time.Time

	mu sync.Mutex
}

// PaperConfig holds configuration for the paper gateway.
type PaperConfig struct {
	Data          Gateway
	InitialEquity float64
	Now           func() time.Time
}

// NewPaperGateway creates a new paper trading gateway.
func NewPaperGateway(cfg PaperConfig) *PaperGateway {
	equity := cfg.InitialEquity
	if equity == 0 {
		equity = 10000
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	return &PaperGateway{
		data:        cfg.Data,
		tickers:     make(map[string]models.Ticker),
		klines:      make(map[string][]models.Bar),
		instruments: make(map[string]models.Instrument),
		positions:   make(map[string]*models.Position),
		leverage:    make(map[string]float64),
		depth:       make(map[string]float64),
		orders:      make(map[string]*PaperOrder),
		ocos:        make(map[string]*PaperOco),
		faults:      make(map[string][]Fault),
		equity:      equity,
		now:         now,
	}
}

// SetTicker updates the market state of a symbol and fills resting orders
// and protective pairs that the new prices reach.
func (p *PaperGateway) SetTicker(t models.Ticker) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.updateTickerLocked(t)
}

func (p *PaperGateway) updateTickerLocked(t models.Ticker) {
	if t.UpdatedAt.IsZero() {
		t.UpdatedAt = p.now()
	}
	if t.MarkPrice == 0 {
		t.MarkPrice = t.LastPrice
	}
	p.tickers[t.Symbol] = t
	p.matchRestingLocked(t)
	p.triggerOcosLocked(t)
}

// SetKlines replaces the bars served for a symbol.
func (p *PaperGateway) SetKlines(symbol string, bars []models.Bar) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.klines[symbol] = append([]models.Bar(nil), bars...)
}

// SetInstrument sets the trading filters of a symbol.
func (p *PaperGateway) SetInstrument(inst models.Instrument) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.instruments[inst.Symbol] = inst
}

// SetAccount pins the account state instead of deriving it from positions.
func (p *PaperGateway) SetAccount(state models.AccountState) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := state
	p.account = &s
}

// SetPosition replaces the position of a symbol. A zero size removes it.
func (p *PaperGateway) SetPosition(pos models.Position) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if pos.Size <= 0 {
		delete(p.positions, pos.Symbol)
		return
	}
	if pos.Leverage == 0 {
		pos.Leverage = p.leverageFor(pos.Symbol)
	}
	p.positions[pos.Symbol] = &pos
}

// SetDepth caps the quantity a single taker order can fill. Zero is unlimited.
func (p *PaperGateway) SetDepth(symbol string, qty float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.depth[symbol] = qty
}

// InjectFault queues a failure for the next call of op.
func (p *PaperGateway) InjectFault(op string, f Fault) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.faults[op] = append(p.faults[op], f)
}

func (p *PaperGateway) popFault(op string) (Fault, bool) {
	queue := p.faults[op]
	if len(queue) == 0 {
		return Fault{}, false
	}
	p.faults[op] = queue[1:]
	return queue[0], true
}

// Orders returns the simulated orders of a symbol in placement order.
func (p *PaperGateway) Orders(symbol string) []PaperOrder {
	p.mu.Lock()
	defer p.mu.Unlock()

	var out []PaperOrder
	for _, id := range p.orderIDs {
		if o := p.orders[id]; o.Request.Symbol == symbol {
			out = append(out, *o)
		}
	}
	return out
}

// OcoOrders returns the protective pairs of a symbol in placement order.
func (p *PaperGateway) OcoOrders(symbol string) []PaperOco {
	p.mu.Lock()
	defer p.mu.Unlock()

	var out []PaperOco
	for _, id := range p.ocoIDs {
		if o := p.ocos[id]; o.Request.Symbol == symbol {
			out = append(out, *o)
		}
	}
	return out
}

// GetTicker returns the latest ticker, fetched from the data gateway when one is set.
func (p *PaperGateway) GetTicker(ctx context.Context, symbol string) (*models.Ticker, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if f, ok := p.popFault(FaultTicker); ok && f.Err != nil {
		return nil, f.Err
	}
	t, err := p.tickerLocked(ctx, symbol)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (p *PaperGateway) tickerLocked(ctx context.Context, symbol string) (models.Ticker, error) {
	if p.data != nil {
		t, err := p.data.GetTicker(ctx, symbol)
		if err != nil {
			return models.Ticker{}, err
		}
		p.updateTickerLocked(*t)
		return p.tickers[symbol], nil
	}
	t, ok := p.tickers[symbol]
	if !ok {
		return models.Ticker{}, errors.Wrapf(errors.ErrDataNotFound, "ticker %s", symbol)
	}
	return t, nil
}

// GetKlines returns up to limit most recent bars in ascending time order.
func (p *PaperGateway) GetKlines(ctx context.Context, symbol, interval string, limit int) ([]models.Bar, error) {
	p.mu.Lock()
	bars, ok := p.klines[symbol]
	p.mu.Unlock()

	if !ok {
		if p.data != nil {
			return p.data.GetKlines(ctx, symbol, interval, limit)
		}
		return nil, errors.Wrapf(errors.ErrDataNotFound, "klines %s", symbol)
	}
	if limit > 0 && len(bars) > limit {
		bars = bars[len(bars)-limit:]
	}
	return append([]models.Bar(nil), bars...), nil
}

// GetInstrument returns the trading filters of a symbol.
func (p *PaperGateway) GetInstrument(ctx context.Context, symbol string) (*models.Instrument, error) {
	p.mu.Lock()
	inst, ok := p.instruments[symbol]
	p.mu.Unlock()
	if ok {
		return &inst, nil
	}

	if p.data != nil {
		fetched, err := p.data.GetInstrument(ctx, symbol)
		if err != nil {
			return nil, err
		}
		p.SetInstrument(*fetched)
		return fetched, nil
	}

	return &models.Instrument{
		Symbol:      symbol,
		TickSize:    0.01,
		QtyStep:     0.001,
		MinQty:      0.001,
		MaxQty:      1000000,
		MaxLeverage: 100,
	}, nil
}

// GetAccount returns the margin view of the simulated account.
func (p *PaperGateway) GetAccount(ctx context.Context) (*models.AccountState, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.account != nil {
		s := *p.account
		return &s, nil
	}

	equity := p.equity
	var usedIM float64
	for _, pos := range p.positions {
		mark := p.markFor(pos)
		equity += pnlOf(pos.Side, pos.EntryPrice, mark, pos.Size)
		lev := pos.Leverage
		if lev <= 0 {
			lev = 1
		}
		usedIM += pos.Size * mark / lev
	}

	state := &models.AccountState{Equity: equity}
	if equity > 0 {
		state.MarginUtilization = math.Min(1, usedIM/equity)
		state.FreeCollateral = math.Max(0, equity-usedIM)
	}
	return state, nil
}

// GetPositions returns simulated positions marked to the latest ticker.
func (p *PaperGateway) GetPositions(ctx context.Context, symbol string) ([]models.Position, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if f, ok := p.popFault(FaultPositions); ok && f.Err != nil {
		return nil, f.Err
	}

	positions := make([]models.Position, 0, len(p.positions))
	for _, pos := range p.positions {
		if symbol != "" && pos.Symbol != symbol {
			continue
		}
		out := *pos
		out.MarkPrice = p.markFor(pos)
		out.UnrealisedPnL = pnlOf(pos.Side, pos.EntryPrice, out.MarkPrice, pos.Size)
		positions = append(positions, out)
	}
	sort.Slice(positions, func(i, j int) bool { return positions[i].Symbol < positions[j].Symbol })
	return positions, nil
}

// SetLeverage sets the leverage used for new exposure on symbol.
func (p *PaperGateway) SetLeverage(ctx context.Context, symbol string, leverage float64) error {
	if leverage <= 0 {
		return errors.NewValidationError("leverage", leverage, "must be positive")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.leverage[symbol] = leverage
	if pos, ok := p.positions[symbol]; ok {
		pos.Leverage = leverage
	}
	return nil
}

// CreateOrder simulates order placement against the latest ticker.
func (p *PaperGateway) CreateOrder(ctx context.Context, req *models.OrderRequest) (*models.OrderResult, error) {
	if req.Qty <= 0 || math.IsNaN(req.Qty) || math.IsInf(req.Qty, 0) {
		return nil, errors.NewValidationError("qty", req.Qty, "must be positive")
	}
	if req.Type == models.OrderTypeLimit && req.Price <= 0 {
		return nil, errors.NewValidationError("price", req.Price, "limit orders need a positive price")
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if f, ok := p.popFault(FaultCreateOrder); ok {
		if f.Err != nil {
			return nil, f.Err
		}
		return p.rejectLocked(req, f.Reject), nil
	}

	t, err := p.tickerLocked(ctx, req.Symbol)
	if err != nil {
		return nil, err
	}

	qty := req.Qty
	if req.ReduceOnly {
		pos := p.positions[req.Symbol]
		if !pos.IsOpen() || pos.Side == req.Side {
			return p.rejectLocked(req, "reduce-only order would increase position"), nil
		}
		qty = math.Min(qty, pos.Size)
	}

	if req.TimeInForce == models.TIFPostOnly && marketable(req.Side, req.Price, t) {
		return p.rejectLocked(req, "post-only order would take liquidity"), nil
	}

	p.counter++
	order := &PaperOrder{
		Request: *req,
		Result: models.OrderResult{
			Accepted:    true,
			OrderID:     fmt.Sprintf("PAPER_%d_%d", p.now().Unix(), p.counter),
			OrderLinkID: req.OrderLinkID,
			Status:      models.StatusNew,
		},
		PlacedAt: p.now(),
	}
	order.Request.Qty = qty
	p.orders[order.Result.OrderID] = order
	p.orderIDs = append(p.orderIDs, order.Result.OrderID)

	switch {
	case req.Type == models.OrderTypeMarket:
		p.fillLocked(order, p.takerQty(req.Symbol, qty), t.LastPrice)
		p.finishTakerLocked(order)
	case req.TimeInForce == models.TIFPostOnly:
		// rests on the book
	case req.TimeInForce == models.TIFIOC:
		if marketable(req.Side, req.Price, t) {
			p.fillLocked(order, p.takerQty(req.Symbol, qty), t.BestFor(req.Side))
		}
		p.finishTakerLocked(order)
	default:
		if marketable(req.Side, req.Price, t) {
			p.fillLocked(order, p.takerQty(req.Symbol, qty), t.BestFor(req.Side))
		}
	}

	if order.Result.FilledQty > 0 && !req.ReduceOnly && (req.TakeProfit > 0 || req.StopLoss > 0) {
		p.attachTPSLLocked(order)
	}

	result := order.Result
	return &result, nil
}

func (p *PaperGateway) rejectLocked(req *models.OrderRequest, reason string) *models.OrderResult {
	p.counter++
	order := &PaperOrder{
		Request: *req,
		Result: models.OrderResult{
			Accepted:     false,
			OrderID:      fmt.Sprintf("PAPER_%d_%d", p.now().Unix(), p.counter),
			OrderLinkID:  req.OrderLinkID,
			Status:       models.StatusRejected,
			RejectReason: reason,
		},
		PlacedAt: p.now(),
	}
	p.orders[order.Result.OrderID] = order
	p.orderIDs = append(p.orderIDs, order.Result.OrderID)
	result := order.Result
	return &result
}

func (p *PaperGateway) takerQty(symbol string, qty float64) float64 {
	if d := p.depth[symbol]; d > 0 && d < qty {
		return d
	}
	return qty
}

// finishTakerLocked closes an IOC or market order after its single match.
func (p *PaperGateway) finishTakerLocked(order *PaperOrder) {
	if remaining(order) > qtyEpsilon {
		order.Result.Status = models.StatusCancelled
	}
}

func remaining(order *PaperOrder) float64 {
	return order.Request.Qty - order.Result.FilledQty
}

func (p *PaperGateway) fillLocked(order *PaperOrder, qty, price float64) {
	if qty <= 0 || price <= 0 {
		return
	}
	filled := order.Result.FilledQty
	order.Result.AvgPrice = (order.Result.AvgPrice*filled + price*qty) / (filled + qty)
	order.Result.FilledQty = filled + qty
	if remaining(order) <= qtyEpsilon {
		order.Result.FilledQty = order.Request.Qty
		order.Result.Status = models.StatusFilled
	} else {
		order.Result.Status = models.StatusPartiallyFilled
	}
	p.applyFillLocked(order.Request.Symbol, order.Request.Side, qty, price, order.Request.ReduceOnly)
}

// applyFillLocked nets a fill into the one-way position of symbol.
func (p *PaperGateway) applyFillLocked(symbol string, side models.Side, qty, price float64, reduceOnly bool) {
	pos := p.positions[symbol]
	if !pos.IsOpen() {
		if reduceOnly {
			return
		}
		p.positions[symbol] = &models.Position{
			Symbol:     symbol,
			Side:       side,
			Size:       qty,
			EntryPrice: price,
			Leverage:   p.leverageFor(symbol),
			MarkPrice:  price,
		}
		return
	}

	if pos.Side == side {
		size := pos.Size + qty
		pos.EntryPrice = (pos.EntryPrice*pos.Size + price*qty) / size
		pos.Size = size
		return
	}

	closed := math.Min(qty, pos.Size)
	p.equity += pnlOf(pos.Side, pos.EntryPrice, price, closed)
	pos.Size -= closed
	if pos.Size > qtyEpsilon {
		return
	}

	delete(p.positions, symbol)
	p.dropProtectionLocked(symbol)

	if rest := qty - closed; rest > qtyEpsilon && !reduceOnly {
		p.positions[symbol] = &models.Position{
			Symbol:     symbol,
			Side:       side,
			Size:       rest,
			EntryPrice: price,
			Leverage:   p.leverageFor(symbol),
			MarkPrice:  price,
		}
	}
}

// dropProtectionLocked cancels reduce-only orders and pairs of a flat symbol.
func (p *PaperGateway) dropProtectionLocked(symbol string) {
	for _, o := range p.orders {
		if o.Request.Symbol == symbol && o.Request.ReduceOnly && isResting(o.Result.Status) {
			o.Result.Status = models.StatusCancelled
		}
	}
	for _, o := range p.ocos {
		if o.Request.Symbol == symbol && o.Result.Status == models.StatusUntriggered {
			o.Result.Status = models.StatusCancelled
		}
	}
}

func (p *PaperGateway) attachTPSLLocked(order *PaperOrder) {
	pos := p.positions[order.Request.Symbol]
	if !pos.IsOpen() {
		return
	}
	id := "TPSL_" + order.Result.OrderID
	p.ocos[id] = &PaperOco{
		Request: models.OcoRequest{
			Symbol:     order.Request.Symbol,
			Side:       pos.Side,
			Qty:        pos.Size,
			TakeProfit: order.Request.TakeProfit,
			StopLoss:   order.Request.StopLoss,
		},
		Result: models.OcoResult{Accepted: true, OcoID: id, Status: models.StatusUntriggered},
	}
	p.ocoIDs = append(p.ocoIDs, id)
}

// matchRestingLocked fills resting limits the last price has reached, at their limit price.
func (p *PaperGateway) matchRestingLocked(t models.Ticker) {
	for _, id := range p.orderIDs {
		o := p.orders[id]
		if o.Request.Symbol != t.Symbol || !isResting(o.Result.Status) || o.Request.Type != models.OrderTypeLimit {
			continue
		}
		reached := (o.Request.Side == models.SideBuy && t.LastPrice <= o.Request.Price) ||
			(o.Request.Side == models.SideSell && t.LastPrice >= o.Request.Price)
		if !reached {
			continue
		}
		qty := remaining(o)
		if o.Request.ReduceOnly {
			pos := p.positions[t.Symbol]
			if !pos.IsOpen() {
				o.Result.Status = models.StatusCancelled
				continue
			}
			qty = math.Min(qty, pos.Size)
		}
		p.fillLocked(o, qty, o.Request.Price)
	}
}

// triggerOcosLocked closes protected positions whose target or stop was touched.
func (p *PaperGateway) triggerOcosLocked(t models.Ticker) {
	trigger := t.MarkPrice
	if trigger <= 0 {
		trigger = t.LastPrice
	}
	for _, id := range p.ocoIDs {
		o := p.ocos[id]
		if o.Request.Symbol != t.Symbol || o.Result.Status != models.StatusUntriggered {
			continue
		}
		pos := p.positions[t.Symbol]
		if !pos.IsOpen() {
			o.Result.Status = models.StatusCancelled
			continue
		}

		long := o.Request.Side == models.SideBuy
		var exit float64
		switch {
		case long && trigger >= o.Request.TakeProfit, !long && trigger <= o.Request.TakeProfit:
			exit = o.Request.TakeProfit
		case long && trigger <= o.Request.StopLoss, !long && trigger >= o.Request.StopLoss:
			exit = trigger
		default:
			continue
		}

		o.Result.Status = models.StatusFilled
		p.applyFillLocked(t.Symbol, o.Request.Side.Opposite(), math.Min(o.Request.Qty, pos.Size), exit, true)
	}
}

func isResting(s models.OrderStatus) bool {
	return s == models.StatusNew || s == models.StatusPartiallyFilled
}

// marketable reports whether a limit at price would trade against the touch.
func marketable(side models.Side, price float64, t models.Ticker) bool {
	touch := t.BestFor(side)
	if touch <= 0 {
		return false
	}
	if side == models.SideBuy {
		return price >= touch
	}
	return price <= touch
}

func pnlOf(side models.Side, entry, exit, qty float64) float64 {
	if entry <= 0 || exit <= 0 {
		return 0
	}
	if side == models.SideSell {
		return (entry - exit) * qty
	}
	return (exit - entry) * qty
}

func (p *PaperGateway) markFor(pos *models.Position) float64 {
	if t, ok := p.tickers[pos.Symbol]; ok && t.MarkPrice > 0 {
		return t.MarkPrice
	}
	if pos.MarkPrice > 0 {
		return pos.MarkPrice
	}
	return pos.EntryPrice
}

func (p *PaperGateway) leverageFor(symbol string) float64 {
	if lev, ok := p.leverage[symbol]; ok {
		return lev
	}
	return 1
}

// GetOrder returns the current state of a simulated order.
func (p *PaperGateway) GetOrder(ctx context.Context, symbol, orderID string) (*models.OrderResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if f, ok := p.popFault(FaultGetOrder); ok && f.Err != nil {
		return nil, f.Err
	}
	o, ok := p.orders[orderID]
	if !ok || o.Request.Symbol != symbol {
		return nil, errors.Wrapf(errors.ErrDataNotFound, "order %s", orderID)
	}
	result := o.Result
	return &result, nil
}

// CancelOrder cancels a resting order.
func (p *PaperGateway) CancelOrder(ctx context.Context, symbol, orderID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if f, ok := p.popFault(FaultCancel); ok {
		if f.Err != nil {
			return f.Err
		}
		return errors.NewOrderError(orderID, symbol, "CANCEL", f.Reject, errors.ErrOrderRejected)
	}
	o, ok := p.orders[orderID]
	if !ok || o.Request.Symbol != symbol {
		return errors.Wrapf(errors.ErrDataNotFound, "order %s", orderID)
	}
	if !isResting(o.Result.Status) {
		return errors.NewOrderError(orderID, symbol, "CANCEL", fmt.Sprintf("order is %s", o.Result.Status), errors.ErrOrderRejected)
	}
	o.Result.Status = models.StatusCancelled
	return nil
}

// CreateOcoOrder places a reduce-only take-profit and stop-loss pair on an open position.
func (p *PaperGateway) CreateOcoOrder(ctx context.Context, req *models.OcoRequest) (*models.OcoResult, error) {
	if req.Qty <= 0 || req.TakeProfit <= 0 || req.StopLoss <= 0 {
		return nil, errors.NewValidationError("oco", *req, "qty, take profit and stop loss must be positive")
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if f, ok := p.popFault(FaultCreateOco); ok {
		if f.Err != nil {
			return nil, f.Err
		}
		return &models.OcoResult{Accepted: false, Status: models.StatusRejected, RejectReason: f.Reject}, nil
	}

	long := req.Side == models.SideBuy
	if (long && req.TakeProfit <= req.StopLoss) || (!long && req.TakeProfit >= req.StopLoss) {
		return &models.OcoResult{Accepted: false, Status: models.StatusRejected, RejectReason: "take profit and stop loss on the wrong sides"}, nil
	}
	pos := p.positions[req.Symbol]
	if !pos.IsOpen() || pos.Side != req.Side {
		return &models.OcoResult{Accepted: false, Status: models.StatusRejected, RejectReason: "no open position to protect"}, nil
	}

	p.counter++
	id := fmt.Sprintf("PAPER_OCO_%d_%d", p.now().Unix(), p.counter)
	o := &PaperOco{
		Request: *req,
		Result:  models.OcoResult{Accepted: true, OcoID: id, Status: models.StatusUntriggered},
	}
	o.Request.Qty = math.Min(req.Qty, pos.Size)
	p.ocos[id] = o
	p.ocoIDs = append(p.ocoIDs, id)

	result := o.Result
	return &result, nil
}

// GetOcoOrder returns the state of a protective pair.
func (p *PaperGateway) GetOcoOrder(ctx context.Context, symbol, ocoID string) (*models.OcoResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	o, ok := p.ocos[ocoID]
	if !ok || o.Request.Symbol != symbol {
		return nil, errors.Wrapf(errors.ErrDataNotFound, "oco %s", ocoID)
	}
	result := o.Result
	return &result, nil
}

// CancelOcoOrder cancels an untriggered protective pair.
func (p *PaperGateway) CancelOcoOrder(ctx context.Context, symbol, ocoID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if f, ok := p.popFault(FaultCancel); ok {
		if f.Err != nil {
			return f.Err
		}
		return errors.NewOrderError(ocoID, symbol, "CANCEL_OCO", f.Reject, errors.ErrOrderRejected)
	}
	o, ok := p.ocos[ocoID]
	if !ok || o.Request.Symbol != symbol {
		return errors.Wrapf(errors.ErrDataNotFound, "oco %s", ocoID)
	}
	if o.Result.Status != models.StatusUntriggered {
		return errors.NewOrderError(ocoID, symbol, "CANCEL_OCO", fmt.Sprintf("pair is %s", o.Result.Status), errors.ErrOrderRejected)
	}
	o.Result.Status = models.StatusCancelled
	return nil
}

// Ensure PaperGateway implements Gateway interface
var _ Gateway = (*PaperGateway)(nil)
