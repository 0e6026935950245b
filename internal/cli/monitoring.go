package cli

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"sentinentx/internal/models"
	"sentinentx/internal/resilience"
)

// addMonitoringCommands adds the account and market views.
func addMonitoringCommands(rootCmd *cobra.Command, app *App) {
	rootCmd.AddCommand(newStatusCmd(app))
	rootCmd.AddCommand(newWatchCmd(app))
}

// accountStatus is the JSON shape of the status command.
type accountStatus struct {
	Mode      string                    `json:"mode"`
	Account   *models.AccountState      `json:"account"`
	Positions []models.Position         `json:"positions"`
	Breakers  []resilience.BreakerStats `json:"breakers,omitempty"`
}

func newStatusCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show account margin and open positions",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			output := NewOutput(cmd)
			if err := app.init(); err != nil {
				return err
			}

			acct, err := app.Gateway.GetAccount(ctx)
			if err != nil {
				return err
			}
			positions, err := app.Gateway.GetPositions(ctx, "")
			if err != nil {
				return err
			}
			open := positions[:0]
			for _, p := range positions {
				if p.IsOpen() {
					open = append(open, p)
				}
			}

			breakers := app.Breakers.AllStats()
			sort.Slice(breakers, func(i, j int) bool { return breakers[i].Name < breakers[j].Name })

			if output.IsJSON() {
				return output.JSON(accountStatus{Mode: app.Config.Trading.Mode, Account: acct, Positions: open, Breakers: breakers})
			}
			output.Bold("Account (%s)", app.Config.Trading.Mode)
			output.Printf("  Equity:          %s\n", FormatUSD(acct.Equity))
			output.Printf("  Free collateral: %s\n", FormatUSD(acct.FreeCollateral))
			output.Printf("  Margin used:     %.1f%%\n", acct.MarginUtilization*100)
			output.Println()

			if len(breakers) > 0 {
				bt := NewTable(output, "BREAKER", "STATE", "REQUESTS", "FAILURES")
				for _, b := range breakers {
					state := string(b.State)
					if b.State != resilience.CircuitClosed {
						state = output.Red(state)
					}
					bt.AddRow(b.Name, state, fmt.Sprint(b.Requests), fmt.Sprint(b.TotalFailures))
				}
				bt.Render()
				output.Println()
			}

			if len(open) == 0 {
				output.Info("No open positions.")
				return nil
			}
			table := NewTable(output, "SYMBOL", "SIDE", "SIZE", "ENTRY", "MARK", "LEV", "UNREALISED")
			for _, p := range open {
				table.AddRow(p.Symbol, output.Action(string(p.Side.Direction())), FormatQty(p.Size),
					FormatPrice(p.EntryPrice), FormatPrice(p.MarkPrice), FormatLeverage(p.Leverage), output.PnL(p.UnrealisedPnL))
			}
			table.Render()
			return nil
		},
	}
}

func newWatchCmd(app *App) *cobra.Command {
	var (
		interval time.Duration
		count    int
	)

	cmd := &cobra.Command{
		Use:   "watch [symbol...]",
		Short: "Poll quotes and funding for symbols",
		Long: `Print bid, ask, mark and funding for each symbol every interval until
interrupted. Symbols default to trading.symbols.`,
		Example: `  sentinentx watch BTCUSDT ETHUSDT --interval 2s
  sentinentx watch --count 1`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			output := NewOutput(cmd)
			symbols := upperAll(args)
			if len(symbols) == 0 {
				symbols = app.Config.Trading.Symbols
			}
			if err := app.init(); err != nil {
				return err
			}

			ticker := time.NewTicker(interval)
			defer ticker.Stop()
			for n := 0; count <= 0 || n < count; n++ {
				if n > 0 {
					select {
					case <-ctx.Done():
						return nil
					case <-ticker.C:
					}
				}
				if err := printQuotes(ctx, app, output, symbols); err != nil {
					return err
				}
			}
			return nil
		},
	}

	cmd.Flags().DurationVar(&interval, "interval", 5*time.Second, "poll interval")
	cmd.Flags().IntVar(&count, "count", 0, "stop after N refreshes (0: until interrupted)")
	return cmd
}

func printQuotes(ctx context.Context, app *App, output *Output, symbols []string) error {
	quotes := make([]*models.Ticker, 0, len(symbols))
	for _, s := range symbols {
		t, err := app.Gateway.GetTicker(ctx, s)
		if err != nil {
			app.Logger.Warn().Err(err).Str("symbol", s).Msg("Quote unavailable")
			quotes = append(quotes, &models.Ticker{Symbol: s})
			continue
		}
		quotes = append(quotes, t)
	}

	if output.IsJSON() {
		return output.JSON(quotes)
	}
	output.Dim("%s", FormatDateTime(time.Now()))
	table := NewTable(output, "SYMBOL", "LAST", "BID", "ASK", "SPREAD", "MARK", "FUNDING", "NEXT")
	for _, t := range quotes {
		spread := "-"
		if t.BidPrice > 0 && t.AskPrice > 0 {
			mid := (t.BidPrice + t.AskPrice) / 2
			spread = FormatBps((t.AskPrice - t.BidPrice) / mid * 10000)
		}
		next := "-"
		if !t.NextFundingTime.IsZero() {
			next = FormatDuration(time.Until(t.NextFundingTime))
		}
		table.AddRow(output.Cyan(t.Symbol), FormatPrice(t.LastPrice), FormatPrice(t.BidPrice), FormatPrice(t.AskPrice), spread,
			FormatPrice(t.MarkPrice), fmt.Sprintf("%+.4f%%", t.FundingRate*100), next)
	}
	table.Render()
	return nil
}
