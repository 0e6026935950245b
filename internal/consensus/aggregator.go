// Package consensus turns independent provider votes into one vetted decision.
package consensus

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc/pool"

	"sentinentx/internal/agents"
	"sentinentx/internal/config"
	"sentinentx/internal/errors"
	"sentinentx/internal/logging"
	"sentinentx/internal/metrics"
	"sentinentx/internal/models"
)

// Recorder persists consensus outcomes for audit.
type Recorder interface {
	RecordConsensus(ctx context.Context, result *models.ConsensusResult) error
}

// Option configures an Aggregator.
type Option func(*Aggregator)

// WithRecorder sets the audit recorder.
func WithRecorder(r Recorder) Option {
	return func(a *Aggregator) { a.recorder = r }
}

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(a *Aggregator) { a.logger = l }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *metrics.Metrics) Option {
	return func(a *Aggregator) { a.metrics = m }
}

// WithLimiter replaces the veto limiter built from the config.
func WithLimiter(l *VetoLimiter) Option {
	return func(a *Aggregator) { a.limiter = l }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(a *Aggregator) { a.now = now }
}

var entryActions = map[models.Action]bool{
	models.ActionLong:    true,
	models.ActionShort:   true,
	models.ActionNoTrade: true,
	models.ActionHold:    true,
}

var manageActions = map[models.Action]bool{
	models.ActionHold:     true,
	models.ActionClose:    true,
	models.ActionScaleIn:  true,
	models.ActionScaleOut: true,
	models.ActionNoTrade:  true,
}

// conservativeOrder resolves exact weight ties.
var conservativeOrder = []models.Action{models.ActionNoTrade, models.ActionHold, models.ActionClose}

// Aggregator runs one consensus round per call. It is immutable after construction and
// safe for concurrent use across symbols.
type Aggregator struct {
	cfg       config.ConsensusConfig
	providers []agents.Provider
	order     map[string]int
	limiter   *VetoLimiter
	recorder  Recorder
	metrics   *metrics.Metrics
	logger    zerolog.Logger
	now       func() time.Time
}

// NewAggregator creates an aggregator over providers.
func NewAggregator(cfg config.ConsensusConfig, providers []agents.Provider, opts ...Option) *Aggregator {
	weights := make(map[string]float64, len(cfg.Weights))
	for k, v := range cfg.Weights {
		weights[strings.ToLower(k)] = v
	}
	cfg.Weights = weights

	a := &Aggregator{
		cfg:       cfg,
		providers: append([]agents.Provider(nil), providers...),
		order:     make(map[string]int, len(providers)),
		limiter:   NewVetoLimiter(cfg.VetoRatePerMinute, cfg.VetoCooldown),
		logger:    zerolog.Nop(),
		now:       time.Now,
	}
	for i, p := range providers {
		a.order[p.Name()] = i
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Decide runs an entry round: LONG, SHORT, NO_TRADE or HOLD.
func (a *Aggregator) Decide(ctx context.Context, snap models.Snapshot) (*models.ConsensusResult, error) {
	snap.Mode = models.ModeEntry
	return a.decide(ctx, snap, entryActions)
}

// DecideManagement runs a round for an open position: HOLD, CLOSE, SCALE_IN or SCALE_OUT.
func (a *Aggregator) DecideManagement(ctx context.Context, snap models.Snapshot) (*models.ConsensusResult, error) {
	snap.Mode = models.ModeManage
	return a.decide(ctx, snap, manageActions)
}

func (a *Aggregator) decide(ctx context.Context, snap models.Snapshot, allowed map[models.Action]bool) (*models.ConsensusResult, error) {
	now := a.now()
	logger := logging.WithSymbol(a.logger, snap.Symbol)
	res := &models.ConsensusResult{
		ID:        uuid.NewString(),
		Symbol:    snap.Symbol,
		Mode:      snap.Mode,
		Action:    models.ActionNoTrade,
		Timestamp: now,
	}

	if a.limiter.InCooldown(snap.Symbol, now) {
		res.Vetoes = []string{models.VetoRateLimit}
		res.Reason = models.VetoRateLimit + ": veto cooldown active"
		return a.finish(ctx, logger, res), nil
	}

	providers := a.enabledProviders()
	if len(providers) == 0 {
		return nil, errors.ErrNoProviders
	}

	votes, failed := a.poll(ctx, logger, snap, providers)
	if a.cfg.TwoStage && len(votes) >= a.minProviders() {
		stage2 := snap
		stage2.Stage1 = votes
		final, failed2 := a.poll(ctx, logger, stage2, providers)
		if len(final) >= a.minProviders() {
			res.Stage1Votes = votes
			votes = final
		} else {
			logger.Warn().Int("votes", len(final)).Msg("Stage 2 short of providers, keeping stage 1 votes")
		}
		failed = mergeNames(failed, failed2)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	res.Votes = votes
	res.FailedProviders = failed

	if len(votes) < a.minProviders() {
		res.Vetoes = []string{models.VetoInsufficient}
		res.Reason = fmt.Sprintf("%s: %d of %d providers answered", models.VetoInsufficient, len(votes), len(providers))
		return a.finish(ctx, logger, res), nil
	}

	vs := &vetoSet{}
	a.validate(votes, allowed, vs)
	if vs.empty() {
		winner, count, tie, scores := a.pickAction(votes)
		res.Action = winner
		res.MajorityCount = count
		res.TieBreak = tie
		res.WeightScores = scores

		winners := votesFor(votes, winner)
		a.aggregate(res, winners)

		if !winner.IsAbstain() {
			if res.Confidence < a.cfg.MinConfidence {
				vs.add(models.VetoLowConf, fmt.Sprintf("confidence %.1f below floor %.1f", res.Confidence, a.cfg.MinConfidence))
			}
			// Deviation is the last word and ignores confidence.
			a.checkDeviation(winners, snap, vs)
		}

		if res.Action.IsDirectional() && res.Leverage > 0 {
			res.Leverage = clamp(math.Ceil(res.Leverage), a.cfg.LeverageMin, a.cfg.LeverageMax)
		}
		res.Reason = a.describe(res, winners, len(votes))
	}

	if !vs.empty() {
		res.Action = models.ActionNoTrade
		res.Vetoes = vs.tags
		res.VetoDetails = vs.details
		res.Reason = strings.Join(vs.tags, ",") + ": " + strings.Join(vs.details, "; ")
		if a.limiter.Record(snap.Symbol, now) {
			logger.Warn().Dur("cooldown", a.cfg.VetoCooldown).Msg("Veto rate exceeded, cooldown opened")
		}
	}

	return a.finish(ctx, logger, res), nil
}

func (a *Aggregator) finish(ctx context.Context, logger zerolog.Logger, res *models.ConsensusResult) *models.ConsensusResult {
	if res.Vetoed() {
		logging.LogVeto(logger, res.Symbol, res.Vetoes, res.VetoDetails)
		for _, tag := range res.Vetoes {
			a.metrics.Veto(tag)
		}
	}
	logging.LogDecision(logger, res.Symbol, string(res.Action), res.Confidence, res.Leverage, res.Reason, len(res.Votes))
	a.metrics.Decision(string(res.Action))

	if a.recorder != nil {
		if err := a.recorder.RecordConsensus(ctx, res); err != nil {
			logger.Warn().Err(err).Str("decision_id", res.ID).Msg("Failed to record consensus")
		}
	}
	return res
}

func (a *Aggregator) enabledProviders() []agents.Provider {
	out := make([]agents.Provider, 0, len(a.providers))
	for _, p := range a.providers {
		if p.Enabled() {
			out = append(out, p)
		}
	}
	return out
}

func (a *Aggregator) minProviders() int {
	if a.cfg.MinProviders < 1 {
		return 1
	}
	return a.cfg.MinProviders
}

type pollResult struct {
	provider string
	vote     *models.ProviderVote
	err      error
}

// poll asks every provider concurrently and returns votes in provider registration order.
func (a *Aggregator) poll(ctx context.Context, logger zerolog.Logger, snap models.Snapshot, providers []agents.Provider) ([]models.ProviderVote, []string) {
	maxParallel := a.cfg.MaxParallel
	if maxParallel < 1 || maxParallel > len(providers) {
		maxParallel = len(providers)
	}

	p := pool.NewWithResults[pollResult]().WithMaxGoroutines(maxParallel)
	for _, prov := range providers {
		p.Go(func() pollResult {
			return a.ask(ctx, snap, prov)
		})
	}
	results := p.Wait()

	sort.Slice(results, func(i, j int) bool {
		return a.order[results[i].provider] < a.order[results[j].provider]
	})

	votes := make([]models.ProviderVote, 0, len(results))
	var failed []string
	for _, r := range results {
		if r.err != nil {
			plog := logging.WithProvider(logger, r.provider)
			plog.Warn().Err(r.err).Msg("Provider excluded from consensus")
			a.metrics.ProviderError(r.provider)
			failed = append(failed, r.provider)
			continue
		}
		votes = append(votes, *r.vote)
	}
	return votes, failed
}

func (a *Aggregator) ask(ctx context.Context, snap models.Snapshot, prov agents.Provider) (res pollResult) {
	res.provider = prov.Name()
	defer func() {
		if r := recover(); r != nil {
			res.vote = nil
			res.err = fmt.Errorf("provider panicked: %v", r)
		}
	}()

	callCtx, cancel := ctx, context.CancelFunc(func() {})
	if a.cfg.ProviderTimeout > 0 {
		callCtx, cancel = context.WithTimeout(ctx, a.cfg.ProviderTimeout)
	}
	defer cancel()

	start := time.Now()
	vote, err := prov.Decide(callCtx, snap)
	a.metrics.ProviderLatency(prov.Name(), time.Since(start).Seconds())
	if err == nil && vote == nil {
		err = fmt.Errorf("empty vote")
	}
	if err != nil {
		res.err = err
		return res
	}

	v := *vote
	v.ProviderID = prov.Name()
	if v.LatencyMs == 0 {
		v.LatencyMs = time.Since(start).Milliseconds()
	}
	res.vote = &v
	return res
}

type vetoSet struct {
	tags    []string
	details []string
}

func (s *vetoSet) add(tag, detail string) {
	found := false
	for _, t := range s.tags {
		if t == tag {
			found = true
			break
		}
	}
	if !found {
		s.tags = append(s.tags, tag)
	}
	s.details = append(s.details, detail)
}

func (s *vetoSet) empty() bool {
	return len(s.tags) == 0
}

// validate applies the per-vote vetoes in order: schema, high-confidence abstention, range.
func (a *Aggregator) validate(votes []models.ProviderVote, allowed map[models.Action]bool, vs *vetoSet) {
	for _, v := range votes {
		if !finite(v.Confidence) || !finite(v.Leverage) || !finite(v.StopLoss) ||
			!finite(v.TakeProfit) || !finite(v.QtyDeltaFactor) {
			vs.add(models.VetoSchema, fmt.Sprintf("%s: non-numeric field", v.ProviderID))
			continue
		}
		if !allowed[v.Action] {
			vs.add(models.VetoSchema, fmt.Sprintf("%s: action %q not allowed", v.ProviderID, v.Action))
			continue
		}

		if v.Action.IsAbstain() && a.cfg.NoneVetoConfidence > 0 && v.Confidence >= a.cfg.NoneVetoConfidence {
			vs.add(models.VetoNone, fmt.Sprintf("%s: %s at confidence %.1f", v.ProviderID, v.Action, v.Confidence))
		}

		if v.Confidence < 0 || v.Confidence > 100 {
			vs.add(models.VetoOutOfRange, fmt.Sprintf("%s: confidence %.2f outside [0,100]", v.ProviderID, v.Confidence))
		}
		if v.QtyDeltaFactor < -1 || v.QtyDeltaFactor > 1 {
			vs.add(models.VetoOutOfRange, fmt.Sprintf("%s: qty_delta_factor %.4f outside [-1,1]", v.ProviderID, v.QtyDeltaFactor))
		}
		if v.Action.IsDirectional() {
			if v.Leverage < a.cfg.LeverageMin || v.Leverage > a.cfg.LeverageMax {
				vs.add(models.VetoOutOfRange, fmt.Sprintf("%s: leverage %.2f outside [%.0f,%.0f]",
					v.ProviderID, v.Leverage, a.cfg.LeverageMin, a.cfg.LeverageMax))
			}
			if v.StopLoss <= 0 || v.TakeProfit <= 0 {
				vs.add(models.VetoOutOfRange, fmt.Sprintf("%s: stop_loss/take_profit must be positive", v.ProviderID))
			}
		}
	}
}

// pickAction returns the strict-majority action, or the weighted tie-break winner.
func (a *Aggregator) pickAction(votes []models.ProviderVote) (models.Action, int, bool, map[models.Action]float64) {
	counts := make(map[models.Action]int)
	var seen []models.Action
	for _, v := range votes {
		if counts[v.Action] == 0 {
			seen = append(seen, v.Action)
		}
		counts[v.Action]++
	}

	best, bestCount := seen[0], 0
	for _, act := range seen {
		if counts[act] > bestCount {
			best, bestCount = act, counts[act]
		}
	}
	if bestCount*2 > len(votes) {
		return best, bestCount, false, nil
	}

	scores := make(map[models.Action]float64)
	for _, v := range votes {
		scores[v.Action] += a.cfg.Weight(v.ProviderID)
	}

	top := math.Inf(-1)
	for _, act := range seen {
		if scores[act] > top {
			top = scores[act]
		}
	}
	var tied []models.Action
	for _, act := range seen {
		if math.Abs(scores[act]-top) < 1e-9 {
			tied = append(tied, act)
		}
	}

	winner := tied[0]
	if len(tied) > 1 {
		winner = models.ActionNoTrade
		for _, c := range conservativeOrder {
			if containsAction(tied, c) {
				winner = c
				break
			}
		}
	}
	return winner, counts[winner], true, scores
}

func (a *Aggregator) aggregate(res *models.ConsensusResult, winners []models.ProviderVote) {
	n := len(winners)
	weights := make([]float64, n)
	conf := make([]float64, n)
	lev := make([]float64, n)
	sl := make([]float64, n)
	tp := make([]float64, n)
	qty := make([]float64, n)
	for i, v := range winners {
		weights[i] = a.cfg.Weight(v.ProviderID)
		conf[i] = v.Confidence
		lev[i] = v.Leverage
		sl[i] = v.StopLoss
		tp[i] = v.TakeProfit
		qty[i] = v.QtyDeltaFactor
	}

	res.Confidence = trimmedWeightedMean(conf, weights)
	res.Leverage = trimmedWeightedMean(lev, weights)
	res.StopLoss = trimmedWeightedMean(sl, weights)
	res.TakeProfit = trimmedWeightedMean(tp, weights)
	res.QtyDeltaFactor = trimmedWeightedMean(qty, weights)
}

// deviationThreshold is static, or clamp(mult*ATR/price, 0.10, 0.30) when dynamic.
func (a *Aggregator) deviationThreshold(snap models.Snapshot) float64 {
	if a.cfg.DynamicDeviation && snap.ATR > 0 && snap.Price > 0 {
		return clamp(a.cfg.ATRMultiplier*snap.ATR/snap.Price, 0.10, 0.30)
	}
	return a.cfg.DeviationThreshold
}

func (a *Aggregator) checkDeviation(winners []models.ProviderVote, snap models.Snapshot, vs *vetoSet) {
	if len(winners) < 2 {
		return
	}
	threshold := a.deviationThreshold(snap)

	fields := []struct {
		name  string
		value func(models.ProviderVote) float64
	}{
		{"leverage", func(v models.ProviderVote) float64 { return v.Leverage }},
		{"stop_loss", func(v models.ProviderVote) float64 { return v.StopLoss }},
		{"take_profit", func(v models.ProviderVote) float64 { return v.TakeProfit }},
		{"qty_delta_factor", func(v models.ProviderVote) float64 { return v.QtyDeltaFactor }},
	}

	for _, f := range fields {
		values := make([]float64, len(winners))
		for i, v := range winners {
			values[i] = f.value(v)
		}
		m := mean(values)
		if m == 0 {
			continue
		}
		for i, v := range values {
			dev := math.Abs(v-m) / math.Abs(m)
			if dev > threshold {
				vs.add(models.VetoDeviation, fmt.Sprintf("%s: %s %.4g deviates %.1f%% from mean %.4g (limit %.0f%%)",
					winners[i].ProviderID, f.name, v, dev*100, m, threshold*100))
			}
		}
	}
}

func (a *Aggregator) describe(res *models.ConsensusResult, winners []models.ProviderVote, total int) string {
	var b strings.Builder
	if res.TieBreak {
		fmt.Fprintf(&b, "weighted tie-break %s (%.2f)", res.Action, res.WeightScores[res.Action])
	} else {
		fmt.Fprintf(&b, "majority %d/%d %s", res.MajorityCount, total, res.Action)
	}
	for _, v := range winners {
		if v.Reason != "" {
			fmt.Fprintf(&b, " | %s: %s", v.ProviderID, v.Reason)
		}
	}
	return b.String()
}

func votesFor(votes []models.ProviderVote, action models.Action) []models.ProviderVote {
	out := make([]models.ProviderVote, 0, len(votes))
	for _, v := range votes {
		if v.Action == action {
			out = append(out, v)
		}
	}
	return out
}

func containsAction(list []models.Action, a models.Action) bool {
	for _, x := range list {
		if x == a {
			return true
		}
	}
	return false
}

func mergeNames(a, b []string) []string {
	seen := make(map[string]bool, len(a)+len(b))
	var out []string
	for _, s := range append(append([]string(nil), a...), b...) {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}
