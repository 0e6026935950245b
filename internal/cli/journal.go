package cli

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"sentinentx/internal/models"
	"sentinentx/internal/store"
)

// addJournalCommands adds the read-only history commands over the store.
func addJournalCommands(rootCmd *cobra.Command, app *App) {
	cmd := &cobra.Command{
		Use:   "journal",
		Short: "Review recorded decisions, gates and trades",
		Long:  "Query the audit trail the engine writes on every cycle.",
	}

	cmd.AddCommand(newJournalTradesCmd(app))
	cmd.AddCommand(newJournalReportCmd(app))
	cmd.AddCommand(newJournalDecisionsCmd(app))
	cmd.AddCommand(newJournalGatesCmd(app))
	cmd.AddCommand(newJournalAttemptsCmd(app))

	rootCmd.AddCommand(cmd)
}

func newJournalTradesCmd(app *App) *cobra.Command {
	var (
		symbol, status string
		days, limit    int
	)

	cmd := &cobra.Command{
		Use:   "trades",
		Short: "List trades",
		Example: `  sentinentx journal trades --status open
  sentinentx journal trades --symbol BTCUSDT --days 7`,
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			if err := app.init(); err != nil {
				return err
			}

			filter := store.TradeFilter{
				Symbol: strings.ToUpper(symbol),
				Status: models.TradeStatus(strings.ToUpper(status)),
				Limit:  limit,
			}
			if days > 0 {
				filter.StartDate = time.Now().AddDate(0, 0, -days)
			}
			trades, err := app.Store.GetTrades(cmd.Context(), filter)
			if err != nil {
				return err
			}

			if output.IsJSON() {
				return output.JSON(trades)
			}
			if len(trades) == 0 {
				output.Info("No trades recorded.")
				return nil
			}
			table := NewTable(output, "OPENED", "SYMBOL", "SIDE", "QTY", "ENTRY", "LEV", "STATUS", "EXIT", "P&L")
			for _, t := range trades {
				exit, pnl := "-", "-"
				if t.Status == models.TradeClosed {
					exit, pnl = FormatPrice(t.ExitPrice), output.PnL(t.PnL)
				}
				table.AddRow(FormatDateTime(t.OpenedAt), t.Symbol, output.Action(string(t.Side)), FormatQty(t.Qty),
					FormatPrice(t.EntryPrice), FormatLeverage(t.Leverage), string(t.Status), exit, pnl)
			}
			table.Render()
			return nil
		},
	}

	cmd.Flags().StringVar(&symbol, "symbol", "", "filter by symbol")
	cmd.Flags().StringVar(&status, "status", "", "filter by status: open or closed")
	cmd.Flags().IntVar(&days, "days", 0, "only trades opened in the last N days")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum rows")
	return cmd
}

// TradeReport aggregates closed trades.
type TradeReport struct {
	Trades       int                     `json:"trades"`
	Wins         int                     `json:"wins"`
	Losses       int                     `json:"losses"`
	WinRate      float64                 `json:"win_rate"`
	NetPnL       float64                 `json:"net_pnl"`
	GrossProfit  float64                 `json:"gross_profit"`
	GrossLoss    float64                 `json:"gross_loss"`
	ProfitFactor float64                 `json:"profit_factor"`
	LargestWin   float64                 `json:"largest_win"`
	LargestLoss  float64                 `json:"largest_loss"`
	MaxDrawdown  float64                 `json:"max_drawdown"`
	BySymbol     map[string]SymbolReport `json:"by_symbol"`
}

// SymbolReport is the per-symbol slice of a TradeReport.
type SymbolReport struct {
	Trades int     `json:"trades"`
	Wins   int     `json:"wins"`
	PnL    float64 `json:"pnl"`
}

// summarizeTrades builds a report over the closed trades in chronological
// order of close. Open trades are ignored.
func summarizeTrades(trades []models.Trade) TradeReport {
	closed := make([]models.Trade, 0, len(trades))
	for _, t := range trades {
		if t.Status == models.TradeClosed {
			closed = append(closed, t)
		}
	}
	sort.SliceStable(closed, func(i, j int) bool {
		return closedAt(closed[i]).Before(closedAt(closed[j]))
	})

	r := TradeReport{BySymbol: make(map[string]SymbolReport)}
	var equity, peak float64
	for _, t := range closed {
		r.Trades++
		r.NetPnL += t.PnL
		if t.PnL > 0 {
			r.Wins++
			r.GrossProfit += t.PnL
			r.LargestWin = max(r.LargestWin, t.PnL)
		} else {
			r.Losses++
			r.GrossLoss += t.PnL
			r.LargestLoss = min(r.LargestLoss, t.PnL)
		}

		equity += t.PnL
		peak = max(peak, equity)
		r.MaxDrawdown = max(r.MaxDrawdown, peak-equity)

		s := r.BySymbol[t.Symbol]
		s.Trades++
		s.PnL += t.PnL
		if t.PnL > 0 {
			s.Wins++
		}
		r.BySymbol[t.Symbol] = s
	}

	if r.Trades > 0 {
		r.WinRate = float64(r.Wins) / float64(r.Trades) * 100
	}
	if r.GrossLoss < 0 {
		r.ProfitFactor = r.GrossProfit / -r.GrossLoss
	}
	return r
}

func closedAt(t models.Trade) time.Time {
	if t.ClosedAt != nil {
		return *t.ClosedAt
	}
	return t.OpenedAt
}

func newJournalReportCmd(app *App) *cobra.Command {
	var period string

	cmd := &cobra.Command{
		Use:   "report",
		Short: "Summarize realized performance",
		Example: `  sentinentx journal report --period weekly
  sentinentx journal report --period all --json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			if err := app.init(); err != nil {
				return err
			}

			now := time.Now()
			filter := store.TradeFilter{Status: models.TradeClosed}
			label := "All-time"
			switch period {
			case "daily":
				label = "Daily"
				filter.StartDate = now.Add(-24 * time.Hour)
			case "weekly":
				label = "Weekly"
				filter.StartDate = now.AddDate(0, 0, -7)
			case "monthly":
				label = "Monthly"
				filter.StartDate = now.AddDate(0, -1, 0)
			}

			trades, err := app.Store.GetTrades(cmd.Context(), filter)
			if err != nil {
				return err
			}
			report := summarizeTrades(trades)

			if output.IsJSON() {
				return output.JSON(report)
			}
			output.Bold("%s performance", label)
			if report.Trades == 0 {
				output.Info("No closed trades in this period.")
				return nil
			}
			output.Printf("  Trades:        %d (%d wins, %d losses)\n", report.Trades, report.Wins, report.Losses)
			output.Printf("  Win rate:      %.1f%%\n", report.WinRate)
			output.Printf("  Net P&L:       %s\n", output.PnL(report.NetPnL))
			output.Printf("  Profit factor: %.2f\n", report.ProfitFactor)
			output.Printf("  Largest win:   %s\n", FormatPnL(report.LargestWin))
			output.Printf("  Largest loss:  %s\n", FormatPnL(report.LargestLoss))
			output.Printf("  Max drawdown:  %s\n", FormatUSD(report.MaxDrawdown))

			symbols := make([]string, 0, len(report.BySymbol))
			for s := range report.BySymbol {
				symbols = append(symbols, s)
			}
			sort.Strings(symbols)
			output.Println()
			table := NewTable(output, "SYMBOL", "TRADES", "WINS", "P&L")
			for _, s := range symbols {
				sr := report.BySymbol[s]
				table.AddRow(s, FormatQty(float64(sr.Trades)), FormatQty(float64(sr.Wins)), output.PnL(sr.PnL))
			}
			table.Render()
			return nil
		},
	}

	cmd.Flags().StringVar(&period, "period", "all", "daily, weekly, monthly or all")
	return cmd
}

func newJournalDecisionsCmd(app *App) *cobra.Command {
	var (
		symbol, action string
		limit          int
	)

	cmd := &cobra.Command{
		Use:   "decisions",
		Short: "List recorded consensus decisions",
		Example: `  sentinentx journal decisions --symbol BTCUSDT --limit 20
  sentinentx journal decisions --action LONG`,
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			if err := app.init(); err != nil {
				return err
			}

			filter := store.DecisionFilter{Symbol: strings.ToUpper(symbol), Limit: limit}
			if action != "" {
				a, ok := models.ParseAction(action)
				if !ok {
					return fmt.Errorf("invalid action %q", action)
				}
				filter.Action = a
			}
			decisions, err := app.Store.GetDecisions(cmd.Context(), filter)
			if err != nil {
				return err
			}

			if output.IsJSON() {
				return output.JSON(decisions)
			}
			if len(decisions) == 0 {
				output.Info("No decisions recorded.")
				return nil
			}
			table := NewTable(output, "TIME", "SYMBOL", "MODE", "ACTION", "CONF", "VOTES", "VETOES")
			for _, d := range decisions {
				table.AddRow(FormatDateTime(d.Timestamp), d.Symbol, string(d.Mode), output.Action(string(d.Action)),
					FormatConfidence(d.Confidence), FormatQty(float64(len(d.Votes))), strings.Join(d.Vetoes, ","))
			}
			table.Render()
			return nil
		},
	}

	cmd.Flags().StringVar(&symbol, "symbol", "", "filter by symbol")
	cmd.Flags().StringVar(&action, "action", "", "filter by final action")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum rows")
	return cmd
}

func newJournalGatesCmd(app *App) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "gates <symbol>",
		Short: "List recorded risk gate outcomes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			if err := app.init(); err != nil {
				return err
			}

			records, err := app.Store.GetGateResults(cmd.Context(), strings.ToUpper(args[0]), limit)
			if err != nil {
				return err
			}

			if output.IsJSON() {
				return output.JSON(records)
			}
			if len(records) == 0 {
				output.Info("No gate results recorded.")
				return nil
			}
			table := NewTable(output, "TIME", "VERDICT", "REASONS")
			for _, r := range records {
				table.AddRow(FormatDateTime(r.Timestamp), output.Verdict(r.Result.OK), strings.Join(r.Result.Reasons, ", "))
			}
			table.Render()
			return nil
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 20, "maximum rows")
	return cmd
}

func newJournalAttemptsCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "attempts <cycle-id>",
		Short: "Show the order attempts of one cycle",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			if err := app.init(); err != nil {
				return err
			}

			attempts, err := app.Store.GetAttempts(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			if output.IsJSON() {
				return output.JSON(attempts)
			}
			if len(attempts) == 0 {
				output.Info("No attempts recorded for cycle %s.", args[0])
				return nil
			}
			output.Bold("Cycle %s", args[0])
			printAttempts(output, attempts)
			return nil
		},
	}
}
