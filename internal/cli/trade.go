package cli

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc/pool"
	"github.com/spf13/cobra"

	"sentinentx/internal/errors"
	"sentinentx/internal/execution"
	"sentinentx/internal/models"
	"sentinentx/internal/protection"
	"sentinentx/internal/resilience"
	"sentinentx/internal/trading"
)

// addTradingCommands adds the order, protection and cycle commands.
func addTradingCommands(rootCmd *cobra.Command, app *App) {
	rootCmd.AddCommand(newOpenCmd(app))
	rootCmd.AddCommand(newCloseCmd(app))
	rootCmd.AddCommand(newProtectCmd(app))
	rootCmd.AddCommand(newCycleCmd(app))
	rootCmd.AddCommand(newServeCmd(app))
}

func newOpenCmd(app *App) *cobra.Command {
	var (
		actionStr       string
		price, qty, atr float64
	)

	cmd := &cobra.Command{
		Use:   "open <symbol>",
		Short: "Open a position through the execution ladder",
		Long: `Walk the configured ladder (post-only, limit IOC, guarded market IOC, TWAP)
until the quantity is filled or the ladder is exhausted. Stops default to
ATR fallbacks around the entry price.`,
		Example: `  sentinentx open BTCUSDT --action long --qty 0.01
  sentinentx --paper open ETHUSDT --action short --qty 0.5 --price 3000 --atr-k 2`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			output := NewOutput(cmd)
			symbol := strings.ToUpper(args[0])

			action, ok := models.ParseAction(actionStr)
			if !ok || !action.IsDirectional() {
				return fmt.Errorf("invalid action %q (use long or short)", actionStr)
			}
			exec, err := app.Executor()
			if err != nil {
				return err
			}

			ticker, err := app.Gateway.GetTicker(ctx, symbol)
			if err != nil {
				return err
			}
			if price <= 0 {
				price = ticker.LastPrice
			}
			cfg := app.Config.Trading
			bars, err := app.Gateway.GetKlines(ctx, symbol, cfg.KlineInterval, cfg.KlineLimit)
			if err != nil {
				output.Warning("Klines unavailable, volatility guard off: %v", err)
			}
			if atr <= 0 {
				atr = cfg.AtrK
			}

			res, err := exec.OpenWithFallback(ctx, execution.OpenRequest{
				Symbol: symbol,
				Action: action,
				Price:  price,
				Qty:    qty,
				AtrK:   atr,
				Guards: execution.AssessGuards(bars, ticker, models.SideFor(action), qty),
			})
			if err != nil {
				return err
			}

			if output.IsJSON() {
				return output.JSON(res)
			}
			printExecution(output, res)
			return nil
		},
	}

	cmd.Flags().StringVar(&actionStr, "action", "", "LONG or SHORT")
	cmd.Flags().Float64Var(&price, "price", 0, "reference price (default: last price)")
	cmd.Flags().Float64Var(&qty, "qty", 0, "quantity in base units")
	cmd.Flags().Float64Var(&atr, "atr-k", 0, "stop multiplier (default: trading.atr_k)")
	cmd.MarkFlagRequired("action")
	cmd.MarkFlagRequired("qty")
	return cmd
}

func newCloseCmd(app *App) *cobra.Command {
	var qty float64

	cmd := &cobra.Command{
		Use:   "close <symbol>",
		Short: "Close or reduce the open position",
		Example: `  sentinentx close BTCUSDT
  sentinentx close ETHUSDT --qty 0.2`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			output := NewOutput(cmd)
			symbol := strings.ToUpper(args[0])

			exec, err := app.Executor()
			if err != nil {
				return err
			}
			var res *models.ExecutionResult
			if qty > 0 {
				res, err = exec.Reduce(ctx, symbol, qty)
			} else {
				res, err = exec.Close(ctx, symbol)
			}
			if err != nil {
				return err
			}

			if output.IsJSON() {
				return output.JSON(res)
			}
			printExecution(output, res)
			return nil
		},
	}

	cmd.Flags().Float64Var(&qty, "qty", 0, "reduce by this quantity instead of closing")
	return cmd
}

func printExecution(output *Output, res *models.ExecutionResult) {
	output.Bold("Execution %s %s", res.Symbol, output.Action(string(res.Action)))
	output.Printf("  Filled:    %s / %s\n", FormatQty(res.FilledQty), FormatQty(res.RequestedQty))
	if res.FilledQty > 0 {
		output.Printf("  Avg price: %s\n", FormatPrice(res.AvgPrice))
		output.Printf("  Mode:      %s\n", res.Mode)
	}
	if res.StopLoss > 0 || res.TakeProfit > 0 {
		output.Printf("  Stops:     SL %s  TP %s\n", FormatPrice(res.StopLoss), FormatPrice(res.TakeProfit))
	}
	if res.Remainder > 0 {
		output.Warning("  Unfilled remainder %s", FormatQty(res.Remainder))
	}
	if res.AbortReason != "" {
		output.Error("  Aborted: %s", res.AbortReason)
	}

	if len(res.Attempts) > 0 {
		output.Println()
		printAttempts(output, res.Attempts)
	}
}

func printAttempts(output *Output, attempts []models.OrderAttempt) {
	table := NewTable(output, "MODE", "PRICE", "QTY", "FILLED", "AVG", "GUARD", "ABORT")
	for _, a := range attempts {
		table.AddRow(string(a.Mode), FormatPrice(a.Price), FormatQty(a.RequestedQty), FormatQty(a.FilledQty),
			FormatPrice(a.AvgPrice), a.Guard, a.AbortReason)
	}
	table.Render()
}

func newProtectCmd(app *App) *cobra.Command {
	var (
		sideStr, levelsStr   string
		qty, entry, tp, stop float64
	)

	cmd := &cobra.Command{
		Use:   "protect <symbol>",
		Short: "Attach an OCO bracket and take-profit ladder",
		Long: `Place a reduce-only OCO pair for the position and, when levels are given,
a partial take-profit ladder. Levels are price:percentage pairs.`,
		Example: `  sentinentx protect BTCUSDT --side long --qty 0.02 --entry 60000 --tp 64000 --sl 58000
  sentinentx protect BTCUSDT --side long --qty 0.02 --entry 60000 --tp 64000 --sl 58000 \
      --levels 62000:50,64000:50`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			output := NewOutput(cmd)
			symbol := strings.ToUpper(args[0])

			side, ok := models.ParseSide(sideStr)
			if !ok {
				return fmt.Errorf("invalid side %q", sideStr)
			}
			levels, err := parseLevels(levelsStr)
			if err != nil {
				return err
			}
			prot, err := app.Protector()
			if err != nil {
				return err
			}

			res, err := prot.AttachProtection(ctx, protection.AttachRequest{
				Symbol:     symbol,
				Side:       side,
				Qty:        qty,
				Entry:      entry,
				TakeProfit: tp,
				StopLoss:   stop,
				Levels:     levels,
			})
			if res != nil {
				if output.IsJSON() {
					if jerr := output.JSON(res); jerr != nil {
						return jerr
					}
				} else {
					printProtection(output, res)
				}
			}
			return err
		},
	}

	cmd.Flags().StringVar(&sideStr, "side", "long", "position side: long or short")
	cmd.Flags().Float64Var(&qty, "qty", 0, "position quantity")
	cmd.Flags().Float64Var(&entry, "entry", 0, "entry price")
	cmd.Flags().Float64Var(&tp, "tp", 0, "take-profit trigger")
	cmd.Flags().Float64Var(&stop, "sl", 0, "stop-loss trigger")
	cmd.Flags().StringVar(&levelsStr, "levels", "", "ladder levels as price:pct,...")
	cmd.MarkFlagRequired("qty")
	cmd.MarkFlagRequired("entry")
	cmd.MarkFlagRequired("tp")
	cmd.MarkFlagRequired("sl")
	return cmd
}

// parseLevels reads "62000:50,64000:50" into ladder levels.
func parseLevels(s string) ([]models.TPLevel, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	var levels []models.TPLevel
	for _, part := range strings.Split(s, ",") {
		price, pct, found := strings.Cut(strings.TrimSpace(part), ":")
		if !found {
			return nil, errors.NewValidationError("levels", part, "expected price:percentage")
		}
		p, err := strconv.ParseFloat(price, 64)
		if err != nil {
			return nil, errors.NewValidationError("levels", part, "bad price")
		}
		q, err := strconv.ParseFloat(pct, 64)
		if err != nil {
			return nil, errors.NewValidationError("levels", part, "bad percentage")
		}
		levels = append(levels, models.TPLevel{Price: p, Percentage: q})
	}
	return levels, nil
}

func printProtection(output *Output, res *models.ProtectionResult) {
	if res.OK {
		output.Success("Protected (%d orders placed)", res.SucceededCount)
	} else {
		output.Error("Position UNPROTECTED")
	}
	if res.OCO != nil {
		if res.OCO.OK {
			output.Printf("  OCO:    %s after %d attempt(s)\n", res.OCO.OcoID, res.OCO.Attempts)
		} else {
			output.Printf("  OCO:    failed after %d attempt(s): %s\n", res.OCO.Attempts, res.OCO.LastError)
		}
	}
	if res.Ladder == nil || len(res.Ladder.Orders) == 0 {
		return
	}
	output.Printf("  Ladder: %d/%d levels\n", res.Ladder.Succeeded, res.Ladder.Total)
	table := NewTable(output, "LEVEL", "PRICE", "PCT", "QTY", "ORDER", "ATTEMPTS")
	for _, o := range res.Ladder.Orders {
		id := o.OrderID
		if !o.OK {
			id = output.Red(TruncateString(o.Error, 32))
		}
		table.AddRow(strconv.Itoa(o.Level), FormatPrice(o.Price), fmt.Sprintf("%g%%", o.Percentage),
			FormatQty(o.Qty), id, strconv.Itoa(o.Attempts))
	}
	table.Render()
}

func newCycleCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "cycle [symbol...]",
		Short: "Run one decision-gate-execution cycle per symbol",
		Long: `Run a full cycle for each symbol concurrently: consensus, risk gate,
sizing, execution and protection for flat symbols, management rounds for
open positions. Symbols default to trading.symbols.`,
		Example: `  sentinentx --paper cycle BTCUSDT ETHUSDT
  sentinentx cycle --json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			symbols := upperAll(args)
			if len(symbols) == 0 {
				symbols = app.Config.Trading.Symbols
			}
			if len(symbols) == 0 {
				return errors.NewValidationError("symbols", "", "no symbols given or configured")
			}

			cycle, err := app.Cycle()
			if err != nil {
				return err
			}
			results := runCycles(cmd.Context(), cycle, symbols)

			if output.IsJSON() {
				return output.JSON(results)
			}
			for _, r := range results {
				printCycle(output, r)
			}
			return nil
		},
	}
}

// runCycles runs one cycle per symbol concurrently and keeps input order.
// Per-symbol failures are reported in the result, not returned.
func runCycles(ctx context.Context, cycle *trading.Cycle, symbols []string) []*trading.CycleResult {
	results := make([]*trading.CycleResult, len(symbols))
	p := pool.New().WithMaxGoroutines(len(symbols))
	for i, sym := range symbols {
		p.Go(func() {
			res, _ := cycle.Run(ctx, sym)
			results[i] = res
		})
	}
	p.Wait()
	return results
}

func printCycle(output *Output, r *trading.CycleResult) {
	marker := output.Green
	switch r.Outcome {
	case trading.OutcomeError, trading.OutcomeUnprotected:
		marker = output.Red
	case trading.OutcomeGateBlocked, trading.OutcomeUnfilled, trading.OutcomeSizeZero, trading.OutcomeSkippedLocked:
		marker = output.Yellow
	}
	output.Printf("%-10s %s  %s\n", r.Symbol, marker(string(r.Outcome)), FormatDuration(r.Duration))
	if r.Decision != nil {
		output.Dim("  decision %s conf %s", r.Decision.Action, FormatConfidence(r.Decision.Confidence))
	}
	if r.Gate != nil && !r.Gate.OK {
		output.Dim("  gate %s", strings.Join(r.Gate.Reasons, ", "))
	}
	if r.Execution != nil && r.Execution.FilledQty > 0 {
		output.Dim("  filled %s @ %s via %s", FormatQty(r.Execution.FilledQty), FormatPrice(r.Execution.AvgPrice), r.Execution.Mode)
	}
	if r.Trade != nil && r.Trade.Status == models.TradeClosed {
		output.Dim("  realized %s", output.PnL(r.Trade.PnL))
	}
	if r.Error != "" {
		output.Error("  %s", r.Error)
	}
}

func newServeCmd(app *App) *cobra.Command {
	var once bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run cycles on an interval and expose metrics",
		Long: `Serve Prometheus metrics on metrics.addr and run a cycle for every configured
symbol each trading.cycle_interval until interrupted. The ticker stream is
started when exchange.use_stream is set.`,
		Example: `  sentinentx --paper serve
  sentinentx serve --config ./deploy`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg := app.Config
			if len(cfg.Trading.Symbols) == 0 {
				return errors.NewValidationError("trading.symbols", "", "no symbols configured")
			}
			cycle, err := app.Cycle()
			if err != nil {
				return err
			}
			logger := app.Logger

			ctx, cancel := context.WithCancel(ctx)
			defer cancel()

			p := pool.New().WithErrors().WithContext(ctx)
			if app.Stream != nil {
				p.Go(func(ctx context.Context) error {
					return app.Stream.Run(ctx)
				})
			}

			var srv *http.Server
			if cfg.Metrics.Addr != "" {
				mux := http.NewServeMux()
				mux.Handle("/metrics", app.Metrics.Handler())
				mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
					w.WriteHeader(http.StatusOK)
				})
				srv = &http.Server{Addr: cfg.Metrics.Addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
				p.Go(func(ctx context.Context) error {
					logger.Info().Str("addr", cfg.Metrics.Addr).Msg("Metrics server listening")
					if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
						return errors.Wrap(err, "metrics server")
					}
					return nil
				})
				p.Go(func(ctx context.Context) error {
					<-ctx.Done()
					shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
					defer done()
					return srv.Shutdown(shutdownCtx)
				})
			}

			p.Go(func(ctx context.Context) error {
				defer cancel()
				return serveCycles(ctx, app, cycle, once)
			})

			err = p.Wait()
			logExecutionReport(logger, app.Tracker.GenerateReport())
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}

	cmd.Flags().BoolVar(&once, "once", false, "run a single round and exit")
	return cmd
}

func logExecutionReport(logger zerolog.Logger, r *resilience.ExecutionReport) {
	if r.Stats.TotalExecutions == 0 && r.Stats.TotalRejections == 0 {
		return
	}
	ev := logger.Info().
		Int64("executions", r.Stats.TotalExecutions).
		Int64("rejections", r.Stats.TotalRejections).
		Float64("avg_slippage_bps", r.Stats.AvgSlippageBps).
		Float64("max_slippage_bps", r.Stats.MaxSlippageBps).
		Int64("avg_latency_ms", r.Stats.AvgLatency)
	for _, m := range r.ByMode {
		ev = ev.Int64(string(m.Mode), m.Count)
	}
	ev.Msg("Execution quality")
}

// serveCycles runs a round for every configured symbol each cycle interval.
func serveCycles(ctx context.Context, app *App, cycle *trading.Cycle, once bool) error {
	cfg := app.Config.Trading
	logger := app.Logger
	round := func() {
		results := runCycles(ctx, cycle, cfg.Symbols)
		for _, r := range results {
			if r == nil {
				continue
			}
			logger.Debug().Str("symbol", r.Symbol).Str("outcome", string(r.Outcome)).Msg("Round result")
		}
	}

	logger.Info().
		Strs("symbols", cfg.Symbols).
		Dur("interval", cfg.CycleInterval).
		Str("mode", cfg.Mode).
		Msg("Engine started")

	round()
	if once {
		return nil
	}

	ticker := time.NewTicker(cfg.CycleInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("Engine stopping")
			return nil
		case <-ticker.C:
			round()
		}
	}
}

func upperAll(in []string) []string {
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = strings.ToUpper(s)
	}
	return out
}
