package cli

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"sentinentx/internal/errors"
	"sentinentx/internal/models"
	"sentinentx/internal/risk"
)

// addDecisionCommands adds the consensus and risk commands.
func addDecisionCommands(rootCmd *cobra.Command, app *App) {
	rootCmd.AddCommand(newDecideCmd(app))
	rootCmd.AddCommand(newAllowOpenCmd(app))
	rootCmd.AddCommand(newSizeCmd(app))
	rootCmd.AddCommand(newCorrelationCmd(app))
}

func newDecideCmd(app *App) *cobra.Command {
	var manage bool

	cmd := &cobra.Command{
		Use:   "decide <symbol>",
		Short: "Run one consensus round",
		Long: `Poll every enabled provider for the symbol and print the vetted decision.

An open position selects a management round (HOLD, CLOSE, SCALE_IN, SCALE_OUT)
unless --manage is given explicitly.`,
		Example: `  sentinentx decide BTCUSDT
  sentinentx decide ETHUSDT --manage --json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			output := NewOutput(cmd)
			symbol := strings.ToUpper(args[0])

			cycle, err := app.Cycle()
			if err != nil {
				return err
			}
			agg, err := app.Aggregator()
			if err != nil {
				return err
			}
			snap, err := cycle.Snapshot(ctx, symbol)
			if err != nil {
				return err
			}

			decide := agg.Decide
			if manage || snap.Position.IsOpen() {
				decide = agg.DecideManagement
			}
			res, err := decide(ctx, snap)
			if err != nil {
				return err
			}

			if output.IsJSON() {
				return output.JSON(res)
			}
			printDecision(output, res)
			return nil
		},
	}

	cmd.Flags().BoolVar(&manage, "manage", false, "run a management round")
	return cmd
}

func printDecision(output *Output, res *models.ConsensusResult) {
	output.Bold("Consensus %s (%s)", res.Symbol, res.Mode)
	output.Printf("  Action:      %s\n", output.Action(string(res.Action)))
	output.Printf("  Confidence:  %s\n", FormatConfidence(res.Confidence))
	if res.Action.IsDirectional() {
		output.Printf("  Leverage:    %s\n", FormatLeverage(res.Leverage))
		output.Printf("  Stop loss:   %s\n", FormatPrice(res.StopLoss))
		output.Printf("  Take profit: %s\n", FormatPrice(res.TakeProfit))
	}
	if res.QtyDeltaFactor != 0 {
		output.Printf("  Qty delta:   %+.2f\n", res.QtyDeltaFactor)
	}
	output.Printf("  Reason:      %s\n", TruncateString(res.Reason, 120))

	if len(res.Vetoes) > 0 {
		output.Println()
		output.Warning("Vetoed: %s", strings.Join(res.Vetoes, ", "))
		for _, d := range res.VetoDetails {
			output.Dim("  %s", d)
		}
	}

	if len(res.Votes) > 0 {
		output.Println()
		table := NewTable(output, "PROVIDER", "ACTION", "CONF", "LEV", "SL", "TP")
		for _, v := range res.Votes {
			table.AddRow(v.ProviderID, output.Action(string(v.Action)), FormatConfidence(v.Confidence),
				FormatLeverage(v.Leverage), FormatPrice(v.StopLoss), FormatPrice(v.TakeProfit))
		}
		table.Render()
	}
	if len(res.FailedProviders) > 0 {
		output.Dim("Failed providers: %s", strings.Join(res.FailedProviders, ", "))
	}
}

func newAllowOpenCmd(app *App) *cobra.Command {
	var (
		entry, leverage, stop float64
		sideStr               string
	)

	cmd := &cobra.Command{
		Use:   "allow-open <symbol>",
		Short: "Evaluate the risk gate for an entry",
		Long: `Run the liquidation buffer, funding window and correlation guards for a
prospective entry and print every failing reason.`,
		Example: `  sentinentx allow-open BTCUSDT --side long --leverage 10 --stop 58000
  sentinentx allow-open ETHUSDT --entry 3000 --side short --leverage 5 --stop 3150`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			output := NewOutput(cmd)
			symbol := strings.ToUpper(args[0])

			side, ok := models.ParseSide(sideStr)
			if !ok {
				return fmt.Errorf("invalid side %q (use long/short or buy/sell)", sideStr)
			}
			gate, err := app.Gate()
			if err != nil {
				return err
			}
			if entry <= 0 {
				t, err := app.Gateway.GetTicker(ctx, symbol)
				if err != nil {
					return err
				}
				entry = t.LastPrice
			}

			res, err := gate.Allow(ctx, risk.AllowRequest{
				Symbol:   symbol,
				Entry:    entry,
				Side:     side,
				Leverage: leverage,
				StopLoss: stop,
			})
			if err != nil {
				return err
			}

			if output.IsJSON() {
				return output.JSON(res)
			}
			output.Bold("Risk gate %s %s @ %s, %s", symbol, side, FormatPrice(entry), FormatLeverage(leverage))
			output.Printf("  Verdict: %s\n", output.Verdict(res.OK))
			for _, r := range res.Reasons {
				output.Warning("  %s", r)
			}
			printDetails(output, res.Details)

			timing, err := gate.Funding().OptimalEntryTiming(ctx, symbol, time.Now())
			if err != nil {
				app.Logger.Debug().Err(err).Str("symbol", symbol).Msg("Funding timing unavailable")
				return nil
			}
			if !timing.Optimal {
				output.Warning("Funding settles in %.0f min (%s), consider waiting", timing.MinutesToFunding, timing.Status)
			}
			return nil
		},
	}

	cmd.Flags().Float64Var(&entry, "entry", 0, "entry price (default: last price)")
	cmd.Flags().StringVar(&sideStr, "side", "long", "position side: long or short")
	cmd.Flags().Float64Var(&leverage, "leverage", 0, "leverage")
	cmd.Flags().Float64Var(&stop, "stop", 0, "stop-loss price")
	cmd.MarkFlagRequired("leverage")
	cmd.MarkFlagRequired("stop")
	return cmd
}

func printDetails(output *Output, details map[string]interface{}) {
	keys := make([]string, 0, len(details))
	for k := range details {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		output.Dim("  %-22s %v", k, details[k])
	}
}

func newSizeCmd(app *App) *cobra.Command {
	var (
		symbol, sideStr                     string
		equity, util, free, leverage, price float64
		riskPct, stop                       float64
	)

	cmd := &cobra.Command{
		Use:   "size",
		Short: "Size a position by the initial-margin cap",
		Long: `Compute the quantity whose initial margin stays within the risk band's share
of available collateral. Account figures default to the live account when
--equity is not given.`,
		Example: `  sentinentx size --symbol BTCUSDT --leverage 10 --price 60000
  sentinentx size --symbol ETHUSDT --equity 10000 --util 0.4 --free 6000 --leverage 5 --price 3000`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			output := NewOutput(cmd)
			symbol = strings.ToUpper(symbol)

			side, ok := models.ParseSide(sideStr)
			if !ok {
				return fmt.Errorf("invalid side %q", sideStr)
			}
			if err := app.init(); err != nil {
				return err
			}

			if equity <= 0 {
				acct, err := app.Gateway.GetAccount(ctx)
				if err != nil {
					return err
				}
				equity, util, free = acct.Equity, acct.MarginUtilization, acct.FreeCollateral
			}
			if free <= 0 {
				free = equity
			}
			if riskPct > 0 && stop <= 0 {
				return errors.NewValidationError("stop", "", "--risk-pct needs --stop")
			}

			inst := models.Instrument{Symbol: symbol}
			if symbol != "" {
				got, err := app.Gateway.GetInstrument(ctx, symbol)
				if err != nil {
					output.Warning("Instrument filters unavailable: %v", err)
				} else {
					inst = *got
				}
			}
			if price <= 0 && symbol != "" {
				t, err := app.Gateway.GetTicker(ctx, symbol)
				if err != nil {
					return err
				}
				price = t.LastPrice
			}

			gate, err := app.Gate()
			if err != nil {
				return err
			}
			sizer := gate.Sizer()
			res := sizer.SizeByIMCap(risk.SizeRequest{
				Equity:            equity,
				MarginUtilization: util,
				FreeCollateral:    free,
				Leverage:          leverage,
				Price:             price,
				Instrument:        inst,
				Side:              side,
			})
			if riskPct > 0 {
				byRisk := sizer.SizeByRisk(equity, riskPct, price, stop, inst, side)
				if byRisk < res.Qty {
					res.Qty = byRisk
					res.Notional = byRisk * price
					res.IMRequired = res.Notional / res.Leverage
				}
			}
			if symbol != "" && res.Qty > 0 {
				adjusted, factor, err := gate.Funding().FundingAdjustedQty(ctx, symbol, res.Qty, time.Now())
				if err != nil {
					output.Warning("Funding adjustment skipped: %v", err)
				} else if factor < 1 {
					res.Qty = sizer.RoundQty(adjusted, inst)
					res.Notional = res.Qty * price
					res.IMRequired = res.Notional / res.Leverage
				}
			}

			if output.IsJSON() {
				return output.JSON(res)
			}
			output.Bold("Sizing %s %s @ %s", symbol, side, FormatPrice(price))
			output.Printf("  Band:        %s (IM cap %s)\n", res.RiskBand, FormatUSD(res.IMCap))
			output.Printf("  Leverage:    %s\n", FormatLeverage(res.Leverage))
			output.Printf("  Quantity:    %s\n", FormatQty(res.Qty))
			output.Printf("  Notional:    %s\n", FormatUSD(res.Notional))
			output.Printf("  IM required: %s\n", FormatUSD(res.IMRequired))
			if res.Qty == 0 {
				output.Warning("Nothing to trade at this size")
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&symbol, "symbol", "", "instrument symbol for qty filters")
	cmd.Flags().StringVar(&sideStr, "side", "long", "position side")
	cmd.Flags().Float64Var(&equity, "equity", 0, "account equity (default: live account)")
	cmd.Flags().Float64Var(&util, "util", 0, "margin utilization in [0, 1]")
	cmd.Flags().Float64Var(&free, "free", 0, "free collateral (default: equity)")
	cmd.Flags().Float64Var(&leverage, "leverage", 0, "leverage")
	cmd.Flags().Float64Var(&price, "price", 0, "entry price (default: last price)")
	cmd.Flags().Float64Var(&riskPct, "risk-pct", 0, "also cap the loss at the stop to this percent of equity")
	cmd.Flags().Float64Var(&stop, "stop", 0, "stop-loss price for --risk-pct")
	cmd.MarkFlagRequired("leverage")
	return cmd
}

func newCorrelationCmd(app *App) *cobra.Command {
	var check string

	cmd := &cobra.Command{
		Use:   "correlation <symbol> <symbol>...",
		Short: "Print the return correlation matrix",
		Long: `Compute Pearson correlation of log returns over the configured bar window.
With --check, report whether the candidate exceeds the correlation threshold
against the listed symbols.`,
		Example: `  sentinentx correlation BTCUSDT ETHUSDT SOLUSDT
  sentinentx correlation BTCUSDT ETHUSDT --check SOLUSDT`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			output := NewOutput(cmd)
			symbols := upperAll(args)
			check = strings.ToUpper(check)
			if check == "" && len(symbols) < 2 {
				return errors.NewValidationError("symbols", strings.Join(symbols, ","), "need two symbols or --check")
			}

			gate, err := app.Gate()
			if err != nil {
				return err
			}
			threshold := app.Config.Risk.CorrThreshold

			if check != "" {
				high, err := gate.Correlation().IsHighlyCorrelated(ctx, symbols, check, threshold)
				if err != nil {
					return err
				}
				if output.IsJSON() {
					return output.JSON(map[string]interface{}{"symbol": check, "against": symbols, "threshold": threshold, "correlated": high})
				}
				if high {
					output.Warning("%s is correlated above %.2f with %s", check, threshold, strings.Join(symbols, ", "))
				} else {
					output.Success("%s is below the %.2f correlation threshold", check, threshold)
				}
				return nil
			}

			matrix, err := gate.Correlation().Matrix(ctx, symbols)
			if err != nil {
				return err
			}

			if output.IsJSON() {
				return output.JSON(matrix)
			}
			rows := make([]string, 0, len(matrix))
			for s := range matrix {
				rows = append(rows, s)
			}
			sort.Strings(rows)

			table := NewTable(output, append([]string{""}, rows...)...)
			for _, a := range rows {
				cells := []string{a}
				for _, b := range rows {
					rho := matrix[a][b]
					cell := fmt.Sprintf("%+.3f", rho)
					if a != b && math.Abs(rho) > threshold {
						cell = output.Red(cell)
					}
					cells = append(cells, cell)
				}
				table.AddRow(cells...)
			}
			table.Render()
			return nil
		},
	}

	cmd.Flags().StringVar(&check, "check", "", "candidate symbol to test against the others")
	return cmd
}
