package execution

import (
	"context"
	"math"

	"github.com/shopspring/decimal"

	"sentinentx/internal/models"
	"sentinentx/internal/risk"
	"sentinentx/pkg/utils"
)

// twap slices the remainder into GTC limit chunks spaced by the chunk delay.
// Each chunk is given one slice to fill; its unfilled part is cancelled and
// stays in the remainder.
func (e *Executor) twap(ctx context.Context, r *run) {
	total := r.remaining()
	n, chunk := twapPlan(total, e.cfg.TWAPChunkFraction, r.inst)

	r.logger.Info().
		Float64("qty", total).
		Int("chunks", n).
		Float64("chunk_qty", chunk).
		Msg("Starting TWAP")

	placed := decimal.Zero
	for i := 0; i < n; i++ {
		qty := chunk
		if i == n-1 {
			qty, _ = decimal.NewFromFloat(total).Sub(placed).Float64()
		}
		if qty <= 0 {
			break
		}
		placed = placed.Add(decimal.NewFromFloat(qty))

		base := r.ref
		if t, err := e.gw.GetTicker(ctx, r.req.Symbol); err == nil && t.BestFor(r.side) > 0 {
			base = t.BestFor(r.side)
		}
		e.place(ctx, r, models.ModeTWAPChunk, &models.OrderRequest{
			Symbol:      r.req.Symbol,
			Side:        r.side,
			Type:        models.OrderTypeLimit,
			Qty:         qty,
			Price:       risk.RoundToTick(chunkPrice(base, r.side, e.cfg.TWAPDriftPct, i, n), r.inst.TickSize),
			TimeInForce: models.TIFGTC,
		}, e.cfg.TWAPChunkInterval, "")
		if r.halted || e.cancelled(ctx, r) {
			return
		}

		if i < n-1 {
			if err := utils.Sleep(ctx, e.cfg.TWAPChunkDelay); err != nil {
				r.logger.Warn().Int("chunk", i+1).Int("chunks", n).Msg("TWAP cancelled between chunks")
				r.res.AbortReason = models.AbortCancelled
				return
			}
		}
	}
}

// twapPlan returns the chunk count and the size of every chunk but the last.
// A chunk that floors below one step or the minimum turns the plan into a
// single chunk.
func twapPlan(total, fraction float64, inst models.Instrument) (int, float64) {
	n := int(math.Ceil(1 / fraction))
	chunk := risk.FloorToStep(total*fraction, inst.QtyStep)
	if n <= 1 || chunk <= 0 || (inst.MinQty > 0 && chunk < inst.MinQty) {
		return 1, total
	}
	return n, chunk
}

// chunkPrice starts drift away from base on the trader's favourable side, below
// it for buys and above it for sells, and reaches base on the last chunk.
func chunkPrice(base float64, side models.Side, drift float64, i, n int) float64 {
	weight := 1 - float64(i+1)/float64(n)
	if side == models.SideSell {
		return base * (1 + drift*weight)
	}
	return base * (1 - drift*weight)
}
