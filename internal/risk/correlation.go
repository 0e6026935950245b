package risk

import (
	"context"
	"math"
	"sort"

	"sentinentx/internal/exchange"
	"sentinentx/internal/indicators"
	"sentinentx/internal/models"
)

// minBetaReturns is the sample size below which beta defaults to 1.
const minBetaReturns = 10

// CorrelationEngine measures co-movement of close-price returns.
type CorrelationEngine struct {
	gw        exchange.Gateway
	bars      int
	interval  string
	benchmark string
}

// NewCorrelationEngine creates an engine over bars klines of the given interval.
func NewCorrelationEngine(gw exchange.Gateway, bars int, interval, benchmark string) *CorrelationEngine {
	if bars <= 0 {
		bars = 60
	}
	if interval == "" {
		interval = "5"
	}
	if benchmark == "" {
		benchmark = "BTCUSDT"
	}
	return &CorrelationEngine{gw: gw, bars: bars, interval: interval, benchmark: benchmark}
}

// Returns fetches bars+1 klines and returns their log returns in time order.
func (e *CorrelationEngine) Returns(ctx context.Context, symbol string) ([]float64, error) {
	bars, err := e.gw.GetKlines(ctx, symbol, e.interval, e.bars+1)
	if err != nil {
		return nil, err
	}
	sorted := append([]models.Bar(nil), bars...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].OpenTime.Before(sorted[j].OpenTime) })
	return indicators.LogReturns(indicators.Closes(sorted)), nil
}

// Pearson returns the correlation of the most recent overlapping samples of a
// and b. It is 0 when either series is too short or flat.
func Pearson(a, b []float64) float64 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	if n < 2 {
		return 0
	}
	a, b = a[len(a)-n:], b[len(b)-n:]

	ma, mb := indicators.Mean(a), indicators.Mean(b)
	var cov, va, vb float64
	for i := 0; i < n; i++ {
		da, db := a[i]-ma, b[i]-mb
		cov += da * db
		va += da * da
		vb += db * db
	}
	if va <= 0 || vb <= 0 {
		return 0
	}
	rho := cov / math.Sqrt(va*vb)
	return math.Max(-1, math.Min(1, rho))
}

// Matrix returns the pairwise correlation of symbols. It is symmetric with 1.0
// on the diagonal. Each symbol's klines are fetched once.
func (e *CorrelationEngine) Matrix(ctx context.Context, symbols []string) (map[string]map[string]float64, error) {
	symbols = unique(symbols)
	returns := make(map[string][]float64, len(symbols))
	for _, s := range symbols {
		r, err := e.Returns(ctx, s)
		if err != nil {
			return nil, err
		}
		returns[s] = r
	}

	out := make(map[string]map[string]float64, len(symbols))
	for _, s := range symbols {
		out[s] = make(map[string]float64, len(symbols))
		out[s][s] = 1.0
	}
	for i, a := range symbols {
		for _, b := range symbols[i+1:] {
			rho := Pearson(returns[a], returns[b])
			out[a][b] = rho
			out[b][a] = rho
		}
	}
	return out, nil
}

// MaxAbsCorrelation returns the largest |rho| between candidate and the open
// symbols, with the symbol that produced it.
func (e *CorrelationEngine) MaxAbsCorrelation(ctx context.Context, candidate string, open []string) (float64, string, error) {
	if len(open) == 0 {
		return 0, "", nil
	}
	m, err := e.Matrix(ctx, append(append([]string(nil), open...), candidate))
	if err != nil {
		return 0, "", err
	}
	var maxRho float64
	var maxSym string
	for _, s := range open {
		if s == candidate {
			continue
		}
		if rho := math.Abs(m[s][candidate]); rho > maxRho || maxSym == "" {
			maxRho, maxSym = rho, s
		}
	}
	return maxRho, maxSym, nil
}

// IsHighlyCorrelated reports whether any open symbol exceeds threshold.
func (e *CorrelationEngine) IsHighlyCorrelated(ctx context.Context, open []string, candidate string, threshold float64) (bool, error) {
	rho, _, err := e.MaxAbsCorrelation(ctx, candidate, open)
	if err != nil {
		return false, err
	}
	return rho > threshold, nil
}

// Beta regresses symbol returns on the benchmark. It is 1.0 with fewer than ten
// returns or a flat benchmark.
func (e *CorrelationEngine) Beta(ctx context.Context, symbol string) (float64, error) {
	if symbol == e.benchmark {
		return 1.0, nil
	}
	sr, err := e.Returns(ctx, symbol)
	if err != nil {
		return 0, err
	}
	br, err := e.Returns(ctx, e.benchmark)
	if err != nil {
		return 0, err
	}
	return BetaOf(sr, br), nil
}

// BetaOf returns cov(s, b) / var(b) with n-1 sample estimators.
func BetaOf(s, b []float64) float64 {
	if len(s) < minBetaReturns || len(b) < minBetaReturns {
		return 1.0
	}
	n := len(s)
	if len(b) < n {
		n = len(b)
	}
	s, b = s[len(s)-n:], b[len(b)-n:]

	ms, mb := indicators.Mean(s), indicators.Mean(b)
	var cov, vb float64
	for i := 0; i < n; i++ {
		cov += (s[i] - ms) * (b[i] - mb)
		vb += (b[i] - mb) * (b[i] - mb)
	}
	cov /= float64(n - 1)
	vb /= float64(n - 1)
	if vb <= 0 {
		return 1.0
	}
	return cov / vb
}

func unique(symbols []string) []string {
	seen := make(map[string]bool, len(symbols))
	out := make([]string, 0, len(symbols))
	for _, s := range symbols {
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}
