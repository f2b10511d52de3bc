// Command tradereport prints a performance summary of the archived
// trades in the local database. It is an offline tool; it never talks
// to the broker.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"text/tabwriter"
	"time"

	"github.com/1a55y/TradingBot/internal/adapters/logger"
	"github.com/1a55y/TradingBot/internal/adapters/sqlite"
	"github.com/1a55y/TradingBot/internal/analytics"
)

func main() {
	dbPath := flag.String("db", "./data/trading_bot.db", "path to the trade archive database")
	contractID := flag.String("contract", "CON.F.US.MGC.Q25", "contract to report on")
	limit := flag.Int("limit", 500, "maximum number of recent trades to analyze")
	flag.Parse()

	repo, err := sqlite.NewRepository(sqlite.Config{
		DBPath: *dbPath,
		Logger: logger.NewStdLogger(logger.LevelWarn),
	})
	if err != nil {
		log.Fatalf("Failed to open trade archive: %v", err)
	}
	defer repo.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	trades, err := repo.FindByContract(ctx, *contractID, *limit)
	if err != nil {
		log.Fatalf("Failed to load trades: %v", err)
	}
	if len(trades) == 0 {
		fmt.Printf("No archived trades for %s\n", *contractID)
		return
	}

	report := analytics.Analyze(trades)

	fmt.Printf("Trade report: %s (%d trades)\n\n", *contractID, report.TotalTrades)
	fmt.Printf("Win rate:        %.1f%% (%d wins / %d losses)\n", report.WinRate*100, report.WinningTrades, report.LosingTrades)
	fmt.Printf("Total P&L:       %.2f\n", report.TotalPnL)
	fmt.Printf("Average win:     %.2f\n", report.AverageWin)
	fmt.Printf("Average loss:    %.2f\n", report.AverageLoss)
	fmt.Printf("Expectancy:      %.2f per trade\n", report.Expectancy)
	fmt.Printf("Max drawdown:    %.2f\n", report.MaxDrawdown)
	fmt.Printf("Longest streaks: %d wins, %d losses\n", report.MaxConsecutiveWins, report.MaxConsecutiveLosses)
	fmt.Printf("Average hold:    %s\n", report.AverageHoldTime.Round(time.Second))

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', tabwriter.AlignRight)

	fmt.Fprintln(w, "\nClose reason\tCount\tTotal P&L\tAvg P&L\t")
	for _, reason := range report.CloseReasons() {
		stats := report.ByCloseReason[reason]
		fmt.Fprintf(w, "%s\t%d\t%.2f\t%.2f\t\n",
			reason, stats.Count, stats.TotalPnL, stats.TotalPnL/float64(stats.Count))
	}

	fmt.Fprintln(w, "\nDay\tTrades\tP&L\t")
	for _, day := range report.DailyPnL {
		fmt.Fprintf(w, "%s\t%d\t%.2f\t\n", day.Day.Format("2006-01-02"), day.Trades, day.PnL)
	}
	w.Flush()
}
