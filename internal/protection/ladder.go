package protection

import (
	"context"
	"fmt"
	"sort"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sourcegraph/conc"

	"sentinentx/internal/errors"
	"sentinentx/internal/logging"
	"sentinentx/internal/models"
	"sentinentx/internal/risk"
	"sentinentx/pkg/utils"
)

// qtyPlaces bounds ladder quantities when the instrument step is unknown.
const qtyPlaces = 8

// sortLevels orders exits nearest first: ascending for longs, descending for shorts.
func sortLevels(levels []models.TPLevel, side models.Side) []models.TPLevel {
	out := make([]models.TPLevel, 0, len(levels))
	for _, l := range levels {
		if l.Price > 0 {
			out = append(out, l)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if side == models.SideSell {
			return out[i].Price > out[j].Price
		}
		return out[i].Price < out[j].Price
	})
	return out
}

// splitQty divides total into n parts, each floored to step, with the last
// part taking the rest so the parts sum to total exactly.
func splitQty(total float64, n int, step float64) []float64 {
	if n <= 0 {
		return nil
	}
	t := decimal.NewFromFloat(total)
	per := t.Div(decimal.NewFromInt(int64(n)))
	if step > 0 {
		st := decimal.NewFromFloat(step)
		per = per.Div(st).Floor().Mul(st)
	} else {
		per = per.Truncate(qtyPlaces)
	}

	out := make([]float64, n)
	allocated := decimal.Zero
	for i := 0; i < n-1; i++ {
		out[i], _ = per.Float64()
		allocated = allocated.Add(per)
	}
	out[n-1], _ = t.Sub(allocated).Float64()
	return out
}

// SetupTPLadder places one reduce-only GTC limit per level for a position on
// side. Levels are placed concurrently and retried independently, so one
// failing level does not hold back the others.
func (m *Manager) SetupTPLadder(ctx context.Context, symbol string, side models.Side, qty, entry float64, levels []models.TPLevel) *models.LadderResult {
	logger := logging.WithSymbol(m.logger, symbol)
	sorted := sortLevels(levels, side)
	res := &models.LadderResult{Total: len(sorted), TotalQty: qty, Orders: make([]models.TPOrderOutcome, len(sorted))}
	if len(sorted) == 0 || qty <= 0 {
		return res
	}

	var step float64
	if inst, err := m.gw.GetInstrument(ctx, symbol); err == nil {
		step = inst.QtyStep
		for i := range sorted {
			sorted[i].Price = risk.RoundToTick(sorted[i].Price, inst.TickSize)
		}
	}
	qtys := splitQty(qty, len(sorted), step)
	// Too little to spread: the nearest level takes everything
	if qtys[0] <= 0 {
		sorted = sorted[:1]
		qtys = []float64{qty}
		res.Total = 1
		res.Orders = res.Orders[:1]
	}

	var wg conc.WaitGroup
	for i := range sorted {
		i := i
		wg.Go(func() {
			res.Orders[i] = m.placeLevel(ctx, symbol, side, i+1, sorted[i], qtys[i])
		})
	}
	wg.Wait()

	for _, o := range res.Orders {
		if o.OK {
			res.Succeeded++
		} else {
			logger.Warn().
				Int("level", o.Level).
				Float64("price", o.Price).
				Str("error", o.Error).
				Msg("Take-profit level failed")
		}
	}
	res.OK = res.Succeeded > 0
	if !res.OK {
		m.metrics.ProtectionFailure("tp_ladder")
	}

	logger.Info().
		Str("event", "tp_ladder").
		Float64("entry", entry).
		Int("levels", res.Total).
		Int("succeeded", res.Succeeded).
		Msg("Take-profit ladder placed")
	return res
}

func (m *Manager) placeLevel(ctx context.Context, symbol string, side models.Side, n int, level models.TPLevel, qty float64) models.TPOrderOutcome {
	out := models.TPOrderOutcome{Level: n, Price: level.Price, Percentage: level.Percentage, Qty: qty}

	r, attempts, err := utils.RetryWithResult(ctx, m.tpRetry(), func(attempt int) (*models.OrderResult, error) {
		r, err := m.gw.CreateOrder(ctx, &models.OrderRequest{
			Symbol:      symbol,
			Side:        side.Opposite(),
			Type:        models.OrderTypeLimit,
			Qty:         qty,
			Price:       level.Price,
			TimeInForce: models.TIFGTC,
			ReduceOnly:  true,
			OrderLinkID: uuid.NewString(),
		})
		if err != nil {
			return nil, err
		}
		if !r.Accepted {
			return nil, errors.NewOrderError(r.OrderID, symbol, "TP_LEVEL", r.RejectReason, errors.ErrOrderRejected)
		}
		return r, nil
	})
	out.Attempts = attempts
	if err != nil {
		out.Error = err.Error()
		return out
	}
	out.OK = true
	out.OrderID = r.OrderID
	return out
}

// LadderStatus counts ladder orders by exchange state.
type LadderStatus struct {
	Filled    int `json:"filled"`
	Pending   int `json:"pending"`
	Cancelled int `json:"cancelled"`
	Unknown   int `json:"unknown"`
}

// LadderStatus reads the state of every placed level.
func (m *Manager) LadderStatus(ctx context.Context, symbol string, ladder *models.LadderResult) LadderStatus {
	var st LadderStatus
	if ladder == nil {
		return st
	}
	for _, o := range ladder.Orders {
		if !o.OK || o.OrderID == "" {
			continue
		}
		r, err := m.gw.GetOrder(ctx, symbol, o.OrderID)
		if err != nil {
			st.Unknown++
			continue
		}
		switch r.Status {
		case models.StatusFilled:
			st.Filled++
		case models.StatusNew, models.StatusPartiallyFilled, models.StatusUntriggered:
			st.Pending++
		case models.StatusCancelled, models.StatusRejected:
			st.Cancelled++
		default:
			st.Unknown++
		}
	}
	return st
}

// CloseLadder cancels every level still on the book and returns how many were
// cancelled. Failures are collected rather than stopping the sweep.
func (m *Manager) CloseLadder(ctx context.Context, symbol string, ladder *models.LadderResult) (int, error) {
	if ladder == nil {
		return 0, nil
	}
	var cancelled int
	var failed []string
	for _, o := range ladder.Orders {
		if !o.OK || o.OrderID == "" {
			continue
		}
		r, err := m.gw.GetOrder(ctx, symbol, o.OrderID)
		if err != nil {
			failed = append(failed, fmt.Sprintf("level %d: %v", o.Level, err))
			continue
		}
		if r.Status != models.StatusNew && r.Status != models.StatusPartiallyFilled {
			continue
		}
		if err := m.gw.CancelOrder(ctx, symbol, o.OrderID); err != nil {
			failed = append(failed, fmt.Sprintf("level %d: %v", o.Level, err))
			continue
		}
		cancelled++
	}
	if len(failed) > 0 {
		return cancelled, fmt.Errorf("closing ladder %s: %v", symbol, failed)
	}
	return cancelled, nil
}
